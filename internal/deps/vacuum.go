package deps

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
)

// DefaultVacuumName is the helper binary shipped alongside storebroker.
const DefaultVacuumName = "vacuumd"

// executable is replaced in tests.
var executable = os.Executable

// ResolveVacuum locates the vacuum helper. A configured path containing a
// separator is used as-is. A bare name is looked up first next to the running
// executable, then on PATH.
func ResolveVacuum(binary string) Status {
	name := strings.TrimSpace(binary)
	if name == "" {
		name = DefaultVacuumName
	}
	result := Status{
		Name:        "vacuumd",
		Command:     name,
		Description: "Compacts a store when the broker receives GC",
	}

	if strings.ContainsRune(name, filepath.Separator) {
		if info, err := os.Stat(name); err == nil && isExecutable(info) {
			result.Available = true
			return result
		}
		result.Detail = fmt.Sprintf("binary %q is missing or not executable", name)
		return result
	}

	if candidate, ok := sidecarCandidate(name); ok {
		if info, err := os.Stat(candidate); err == nil && isExecutable(info) {
			result.Command = candidate
			result.Available = true
			return result
		}
	}

	if resolved, err := exec.LookPath(name); err == nil {
		result.Command = resolved
		result.Available = true
		return result
	}

	result.Detail = fmt.Sprintf("binary %q not found next to storebroker or on PATH", name)
	return result
}

// VacuumPath returns the helper path the supervisor should spawn. When the
// helper cannot be found the sidecar location is returned so the spawn error
// names a concrete path.
func VacuumPath(binary string) string {
	status := ResolveVacuum(binary)
	if status.Available || strings.ContainsRune(status.Command, filepath.Separator) {
		return status.Command
	}
	if candidate, ok := sidecarCandidate(status.Command); ok {
		return candidate
	}
	return status.Command
}

func sidecarCandidate(name string) (string, bool) {
	self, err := executable()
	if err != nil || self == "" {
		return "", false
	}
	if runtime.GOOS == "windows" && !strings.HasSuffix(name, ".exe") {
		name += ".exe"
	}
	return filepath.Join(filepath.Dir(self), name), true
}

func isExecutable(info os.FileInfo) bool {
	if info == nil || info.IsDir() {
		return false
	}
	if runtime.GOOS == "windows" {
		return true
	}
	return info.Mode().Perm()&0o111 != 0
}

package gc

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
)

// Process is a running maintenance helper.
type Process interface {
	Pid() int
	// Terminate asks the process to exit.
	Terminate() error
	// Kill ends the process immediately.
	Kill() error
	Exited() bool
	// ExitStatus describes how the process ended. It is empty while running.
	ExitStatus() string
}

// Spawner starts maintenance helpers. exited is called once, from any
// goroutine, after the process ends.
type Spawner interface {
	Spawn(argv []string, exited func()) (Process, error)
}

// ExecSpawner starts helpers with os/exec.
type ExecSpawner struct {
	// Env is appended to the daemon environment when set.
	Env []string
}

// Spawn starts argv[0] with the remaining arguments.
func (s ExecSpawner) Spawn(argv []string, exited func()) (Process, error) {
	if len(argv) == 0 {
		return nil, errors.New("spawn: empty argv")
	}
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if len(s.Env) > 0 {
		cmd.Env = append(os.Environ(), s.Env...)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn %s: %w", argv[0], err)
	}

	p := &execProcess{cmd: cmd, done: make(chan struct{})}
	go func() {
		err := cmd.Wait()
		p.finish(err)
		if exited != nil {
			exited()
		}
	}()
	return p, nil
}

type execProcess struct {
	cmd  *exec.Cmd
	done chan struct{}

	mu     sync.Mutex
	status string
}

func (p *execProcess) Pid() int {
	return p.cmd.Process.Pid
}

func (p *execProcess) Terminate() error {
	if p.Exited() {
		return nil
	}
	if err := p.cmd.Process.Signal(os.Interrupt); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("interrupt pid %d: %w", p.Pid(), err)
	}
	return nil
}

func (p *execProcess) Kill() error {
	if p.Exited() {
		return nil
	}
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill pid %d: %w", p.Pid(), err)
	}
	return nil
}

func (p *execProcess) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *execProcess) ExitStatus() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *execProcess) finish(waitErr error) {
	status := "unknown"
	if state := p.cmd.ProcessState; state != nil {
		status = state.String()
	} else if waitErr != nil {
		status = waitErr.Error()
	}
	p.mu.Lock()
	p.status = status
	p.mu.Unlock()
	close(p.done)
}

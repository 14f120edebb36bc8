package brokerctl

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/sync/errgroup"

	"storebroker/internal/fifo"
	"storebroker/internal/message"
)

// ErrBrokerNotRunning indicates no broker holds the daemon lock.
var ErrBrokerNotRunning = errors.New("broker not running")

const pollInterval = 100 * time.Millisecond

// Send writes cmd to the broker FIFO. The FIFO is opened with the retry
// budget configured on pipe.
func Send(pipe *fifo.Path, cmd message.Command) error {
	if pipe == nil {
		return fmt.Errorf("send %s: no broker path", cmd.Verb)
	}
	w, err := pipe.OpenClient()
	if err != nil {
		return reachError(pipe, err)
	}
	defer w.Close()
	if _, err := message.Write(w, cmd); err != nil {
		return fmt.Errorf("send %s to %s: %w", cmd.Verb, pipe, err)
	}
	return nil
}

// FloodOptions controls Flood.
type FloodOptions struct {
	// Count is the number of ECHO commands sent.
	Count int
	// Workers bounds concurrent senders. Zero means one per message.
	Workers int
	// Prefix is prepended to the sequence number carried by each ECHO.
	Prefix string
}

// Flood sends Count ECHO commands concurrently, each over its own client
// connection. It returns the number delivered and the first error.
func Flood(ctx context.Context, pipe *fifo.Path, opts FloodOptions) (int, error) {
	if opts.Count <= 0 {
		return 0, nil
	}
	g, gctx := errgroup.WithContext(ctx)
	if opts.Workers > 0 {
		g.SetLimit(opts.Workers)
	}
	sent := make(chan struct{}, opts.Count)
	for i := 0; i < opts.Count; i++ {
		if gctx.Err() != nil {
			break
		}
		text := opts.Prefix + strconv.Itoa(i)
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if err := Send(pipe, message.Command{Verb: "ECHO", Path: text}); err != nil {
				return err
			}
			sent <- struct{}{}
			return nil
		})
	}
	err := g.Wait()
	return len(sent), err
}

// ProcessInfo reports whether a broker holds lockPath and, when known, its
// pid read from pidPath.
func ProcessInfo(lockPath, pidPath string) (bool, int, error) {
	if strings.TrimSpace(lockPath) == "" {
		return false, 0, fmt.Errorf("lock path is empty")
	}
	if _, err := os.Stat(lockPath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, 0, nil
		}
		return false, 0, fmt.Errorf("stat broker lock: %w", err)
	}
	lock := flock.New(lockPath)
	locked, err := lock.TryLock()
	if err != nil {
		return false, 0, fmt.Errorf("check broker lock: %w", err)
	}
	if locked {
		_ = lock.Unlock()
		return false, 0, nil
	}
	pid, _ := readPID(pidPath)
	return true, pid, nil
}

// WaitForShutdown polls until the broker releases lockPath or timeout
// elapses.
func WaitForShutdown(ctx context.Context, lockPath string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		alive, _, err := ProcessInfo(lockPath, "")
		if err != nil {
			return fmt.Errorf("broker did not stop: %w", err)
		}
		if !alive {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("broker did not stop: timeout after %s", timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// ForceKillProcess sends SIGKILL to the broker named by pidPath and removes
// its pid file.
func ForceKillProcess(pidPath string, fallbackPID int) (int, error) {
	pid := fallbackPID
	parsed, err := readPID(pidPath)
	if err == nil && parsed > 0 {
		pid = parsed
	} else if err != nil && !errors.Is(err, os.ErrNotExist) {
		return 0, fmt.Errorf("read broker pid file %q: %w", pidPath, err)
	}
	if pid <= 0 {
		return 0, fmt.Errorf("unable to determine broker pid (pid file: %s)", pidPath)
	}
	if pid == os.Getpid() {
		return 0, fmt.Errorf("refusing to kill current process (pid %d)", pid)
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return 0, fmt.Errorf("locate broker process %d: %w", pid, err)
	}
	if err := proc.Kill(); err != nil {
		return 0, fmt.Errorf("kill broker process %d: %w", pid, err)
	}
	if err := os.Remove(pidPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return 0, fmt.Errorf("remove pid file %q: %w", pidPath, err)
	}
	return pid, nil
}

// StopOptions controls StopAndTerminate.
type StopOptions struct {
	LockPath    string
	PIDPath     string
	GracePeriod time.Duration
	// Force kills the broker if it is still alive after GracePeriod.
	Force bool
}

// StopResult captures the broker stop outcome.
type StopResult struct {
	StopAcknowledged bool
	ForcedKill       bool
	PID              int
}

// StopAndTerminate sends SUICIDE, waits for the broker to release its lock
// and, with Force set, kills it once the grace period has passed.
func StopAndTerminate(ctx context.Context, pipe *fifo.Path, opts StopOptions) (StopResult, error) {
	alive, pid, err := ProcessInfo(opts.LockPath, opts.PIDPath)
	if err != nil {
		return StopResult{}, err
	}
	if !alive {
		return StopResult{}, ErrBrokerNotRunning
	}
	result := StopResult{PID: pid}

	sendErr := Send(pipe, message.Command{Verb: "SUICIDE"})
	if sendErr == nil {
		result.StopAcknowledged = true
		if waitErr := WaitForShutdown(ctx, opts.LockPath, opts.GracePeriod); waitErr == nil {
			return result, nil
		} else if !opts.Force {
			return result, waitErr
		}
	} else if !opts.Force {
		return result, sendErr
	}

	killed, killErr := ForceKillProcess(opts.PIDPath, pid)
	if killErr != nil {
		return result, fmt.Errorf("failed to stop broker process: %w", killErr)
	}
	result.ForcedKill = true
	result.PID = killed
	return result, nil
}

func readPID(path string) (int, error) {
	if strings.TrimSpace(path) == "" {
		return 0, os.ErrNotExist
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parse pid: %w", err)
	}
	return pid, nil
}

func reachError(pipe *fifo.Path, err error) error {
	if errors.Is(err, fifo.ErrUnableToOpen) {
		return fmt.Errorf("could not reach the broker at %s: %w", pipe, err)
	}
	return err
}

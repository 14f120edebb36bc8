// Package gc supervises the vacuum helper processes that compact stores.
//
// The Supervisor keeps a bounded table from store path to running helper. A
// path is vacuumed by at most one helper at a time and requests beyond the
// capacity are dropped rather than queued. Run reaps helpers as they exit and,
// once RequestStop is called, interrupts whatever is still running.
package gc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"storebroker/internal/logging"
	"storebroker/internal/pubsub"
	"storebroker/internal/quit"
)

// DefaultCapacity bounds the job table when Options.Capacity is unset.
const DefaultCapacity = 50

// DefaultKillGrace is how long cleanup waits for interrupted helpers before
// killing them.
const DefaultKillGrace = 5 * time.Second

const exitPollInterval = 20 * time.Millisecond

// ErrStopped is returned by Start after RequestStop.
var ErrStopped = errors.New("gc: supervisor stopped")

// StartResult describes what Start did.
type StartResult int

const (
	Started StartResult = iota
	AlreadyRunning
	AtCapacity
	Failed
)

func (r StartResult) String() string {
	switch r {
	case Started:
		return "started"
	case AlreadyRunning:
		return "already_running"
	case AtCapacity:
		return "at_capacity"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// EventKind labels supervisor events.
type EventKind string

const (
	EventStarted  EventKind = "started"
	EventStopped  EventKind = "stopped"
	EventExited   EventKind = "exited"
	EventRejected EventKind = "rejected"
)

// Event is published on Options.Events whenever the job table changes.
type Event struct {
	Kind   EventKind `json:"kind"`
	Path   string    `json:"path"`
	PID    int       `json:"pid,omitempty"`
	Status string    `json:"status,omitempty"`
	Time   time.Time `json:"time"`
}

// Job is a running helper.
type Job struct {
	Path    string
	PID     int
	Started time.Time
}

// Options configures a Supervisor.
type Options struct {
	Spawner    Spawner
	VacuumPath string
	Capacity   int
	KillGrace  time.Duration
	Logger     *slog.Logger
	Events     *pubsub.Channel[Event]
}

type job struct {
	proc    Process
	started time.Time
}

// Supervisor owns the maintenance job table.
type Supervisor struct {
	spawner   Spawner
	vacuum    string
	capacity  int
	killGrace time.Duration
	logger    *slog.Logger
	events   *pubsub.Channel[Event]

	mu       sync.Mutex
	jobs     map[string]job
	inflight map[string]struct{}

	nudge    chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	stopped  atomic.Bool
}

// New constructs a Supervisor. Run must be started for exited helpers to be
// reaped.
func New(opts Options) *Supervisor {
	capacity := opts.Capacity
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	spawner := opts.Spawner
	if spawner == nil {
		spawner = ExecSpawner{}
	}
	killGrace := opts.KillGrace
	if killGrace <= 0 {
		killGrace = DefaultKillGrace
	}
	return &Supervisor{
		spawner:   spawner,
		vacuum:    opts.VacuumPath,
		capacity:  capacity,
		killGrace: killGrace,
		logger:    logging.NewComponentLogger(opts.Logger, "gc"),
		events:    opts.Events,
		jobs:      make(map[string]job),
		inflight:  make(map[string]struct{}),
		nudge:     make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
	}
}

// Capacity returns the job table bound.
func (s *Supervisor) Capacity() int {
	return s.capacity
}

// Start launches a helper for path unless one is already running or the
// table is full. Spawn failures are returned and leave the table unchanged.
func (s *Supervisor) Start(path string) (StartResult, error) {
	s.mu.Lock()
	if s.stopped.Load() {
		s.mu.Unlock()
		return Failed, ErrStopped
	}
	if _, ok := s.jobs[path]; ok {
		s.mu.Unlock()
		s.logger.Info("vacuum already running; ignored", logging.String(logging.FieldStorePath, path))
		return AlreadyRunning, nil
	}
	if _, ok := s.inflight[path]; ok {
		s.mu.Unlock()
		s.logger.Info("vacuum already starting; ignored", logging.String(logging.FieldStorePath, path))
		return AlreadyRunning, nil
	}
	if len(s.jobs)+len(s.inflight) >= s.capacity {
		s.mu.Unlock()
		logging.WarnWithContext(s.logger, "vacuum rejected; job table full", "gc_capacity_reached",
			logging.String(logging.FieldStorePath, path),
			logging.Int("capacity", s.capacity),
			logging.String(logging.FieldImpact, "store will not be compacted until a running vacuum finishes"),
			logging.String(logging.FieldErrorHint, "raise broker.gc_capacity or retry later"),
		)
		s.publish(EventRejected, path, 0, "")
		return AtCapacity, nil
	}
	s.inflight[path] = struct{}{}
	s.mu.Unlock()

	s.logger.Info("starting vacuum",
		logging.String(logging.FieldEventType, "gc_start"),
		logging.String(logging.FieldStorePath, path),
		logging.String("helper", s.vacuum),
	)
	proc, err := s.spawner.Spawn([]string{s.vacuum, path}, s.Nudge)

	s.mu.Lock()
	delete(s.inflight, path)
	if err != nil {
		s.mu.Unlock()
		return Failed, fmt.Errorf("start vacuum for %s: %w", path, err)
	}
	if s.stopped.Load() {
		// RequestStop landed while the helper was spawning; the watcher may
		// already be gone, so the helper is never recorded.
		s.mu.Unlock()
		s.logger.Info("interrupting vacuum spawned during shutdown",
			logging.String(logging.FieldStorePath, path),
			logging.Int(logging.FieldPID, proc.Pid()),
		)
		s.interrupt(path, proc)
		return Failed, ErrStopped
	}
	s.jobs[path] = job{proc: proc, started: time.Now()}
	s.mu.Unlock()

	// The helper may already have exited before the watcher was ready.
	s.Nudge()
	s.publish(EventStarted, path, proc.Pid(), "")
	return Started, nil
}

// Stop interrupts the helper for path. It returns false when path is not
// being vacuumed.
func (s *Supervisor) Stop(path string) bool {
	s.mu.Lock()
	j, ok := s.jobs[path]
	if !ok {
		s.mu.Unlock()
		s.logger.Info("no vacuum running; stop ignored", logging.String(logging.FieldStorePath, path))
		return false
	}
	if err := j.proc.Terminate(); err != nil {
		logging.WarnWithContext(s.logger, "vacuum interrupt failed", "gc_stop_failed",
			logging.String(logging.FieldStorePath, path),
			logging.Int(logging.FieldPID, j.proc.Pid()),
			logging.Error(err),
			logging.String(logging.FieldImpact, "helper may keep running until it finishes"),
		)
	}
	delete(s.jobs, path)
	s.mu.Unlock()

	s.logger.Info("vacuum stopped",
		logging.String(logging.FieldEventType, "gc_stop"),
		logging.String(logging.FieldStorePath, path),
		logging.Int(logging.FieldPID, j.proc.Pid()),
	)
	s.publish(EventStopped, path, j.proc.Pid(), "")
	return true
}

// Size reports how many helpers are tracked.
func (s *Supervisor) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// Running lists tracked helpers ordered by path.
func (s *Supervisor) Running() []Job {
	s.mu.Lock()
	out := make([]Job, 0, len(s.jobs))
	for path, j := range s.jobs {
		out = append(out, Job{Path: path, PID: j.proc.Pid(), Started: j.started})
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, k int) bool { return out[i].Path < out[k].Path })
	return out
}

// Nudge wakes the watcher loop.
func (s *Supervisor) Nudge() {
	select {
	case s.nudge <- struct{}{}:
	default:
	}
}

// RequestStop asks Run to exit. Repeated calls have no further effect.
func (s *Supervisor) RequestStop(cause quit.Cause) {
	s.stopOnce.Do(func() {
		s.logger.Info("asking vacuum watcher to exit",
			logging.String(logging.FieldEventType, "gc_watcher_stop"),
			logging.String("cause", cause.String()),
		)
		s.mu.Lock()
		s.stopped.Store(true)
		s.mu.Unlock()
		close(s.stopCh)
	})
}

// Run reaps exited helpers until RequestStop is called or ctx ends, then
// interrupts the helpers that are still running.
func (s *Supervisor) Run(ctx context.Context) {
	s.logger.Info("vacuum watcher started")
	for {
		select {
		case <-s.nudge:
		case <-s.stopCh:
		case <-ctx.Done():
		}
		s.reap()
		if s.stopped.Load() || ctx.Err() != nil {
			break
		}
	}
	s.cleanup()
	s.logger.Info("vacuum watcher exited")
}

func (s *Supervisor) reap() {
	type exited struct {
		path string
		pid  int
		st   string
	}
	var gone []exited
	s.mu.Lock()
	for path, j := range s.jobs {
		if j.proc.Exited() {
			gone = append(gone, exited{path: path, pid: j.proc.Pid(), st: j.proc.ExitStatus()})
			delete(s.jobs, path)
		}
	}
	s.mu.Unlock()

	for _, g := range gone {
		s.logger.Info("vacuum exited",
			logging.String(logging.FieldEventType, "gc_exit"),
			logging.String(logging.FieldStorePath, g.path),
			logging.Int(logging.FieldPID, g.pid),
			logging.String("exit_status", g.st),
		)
		s.publish(EventExited, g.path, g.pid, g.st)
	}
}

func (s *Supervisor) cleanup() {
	s.mu.Lock()
	remaining := make(map[string]job, len(s.jobs))
	for path, j := range s.jobs {
		remaining[path] = j
	}
	s.mu.Unlock()

	for path, j := range remaining {
		s.logger.Info("interrupting vacuum",
			logging.String(logging.FieldStorePath, path),
			logging.Int(logging.FieldPID, j.proc.Pid()),
		)
		if err := j.proc.Terminate(); err != nil {
			logging.WarnWithContext(s.logger, "vacuum interrupt failed", "gc_cleanup_failed",
				logging.String(logging.FieldStorePath, path),
				logging.Error(err),
				logging.String(logging.FieldImpact, "helper will be killed after the grace period"),
			)
		}
	}

	deadline := time.Now().Add(s.killGrace)
	for len(remaining) > 0 {
		for path, j := range remaining {
			if j.proc.Exited() {
				delete(remaining, path)
			}
		}
		if len(remaining) == 0 || !time.Now().Before(deadline) {
			break
		}
		time.Sleep(exitPollInterval)
	}
	for path, j := range remaining {
		s.kill(path, j.proc)
	}
}

// interrupt asks proc to exit and kills it if it is still running after the
// grace period. It does not block the caller.
func (s *Supervisor) interrupt(path string, proc Process) {
	if err := proc.Terminate(); err != nil {
		s.kill(path, proc)
		return
	}
	go func() {
		deadline := time.Now().Add(s.killGrace)
		for !proc.Exited() {
			if !time.Now().Before(deadline) {
				s.kill(path, proc)
				return
			}
			time.Sleep(exitPollInterval)
		}
	}()
}

func (s *Supervisor) kill(path string, proc Process) {
	logging.WarnWithContext(s.logger, "vacuum ignored interrupt; killing", "gc_kill",
		logging.String(logging.FieldStorePath, path),
		logging.Int(logging.FieldPID, proc.Pid()),
		logging.String(logging.FieldImpact, "partially written vacuum output is discarded"),
	)
	if err := proc.Kill(); err != nil {
		logging.WarnWithContext(s.logger, "vacuum kill failed", "gc_kill_failed",
			logging.String(logging.FieldStorePath, path),
			logging.Error(err),
			logging.String(logging.FieldImpact, "helper may outlive the broker"),
		)
	}
}

func (s *Supervisor) publish(kind EventKind, path string, pid int, status string) {
	if s.events == nil {
		return
	}
	s.events.PublishFunc(func() Event {
		return Event{Kind: kind, Path: path, PID: pid, Status: status, Time: time.Now().UTC()}
	})
}

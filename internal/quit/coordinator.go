package quit

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"

	"storebroker/internal/logging"
)

// Dispatcher is the command dispatcher as seen by the coordinator.
type Dispatcher interface {
	// StopAccepting refuses new commands. Work already queued is still
	// dispatched ahead of the wake-up commands.
	StopAccepting()
	// WakeReaders asks n blocked readers to exit and then stops the command
	// loop.
	WakeReaders(n int)
}

// Stopper is implemented by the maintenance supervisor.
type Stopper interface {
	RequestStop(Cause)
}

// ReaderGroup waits for the transport readers to exit.
type ReaderGroup interface {
	Wait()
}

// Indicator is flipped to stopped once the readers are gone.
type Indicator interface {
	SetStopped()
}

// State is the coordinator lifecycle position.
type State int32

const (
	StateIdle State = iota
	StateWakeReceived
	StateTearingDown
	StateFinished
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateWakeReceived:
		return "wake-received"
	case StateTearingDown:
		return "tearing-down"
	case StateFinished:
		return "finished"
	default:
		return "unknown"
	}
}

// Options wires a Coordinator to its collaborators. Every collaborator is
// optional; a missing or released one is skipped.
type Options struct {
	Dispatcher *Ref[Dispatcher]
	Supervisor *Ref[Stopper]
	Readers    *Ref[ReaderGroup]
	NumReaders int
	Status     Indicator
	Logger     *slog.Logger
}

// Coordinator runs the broker teardown sequence once.
type Coordinator struct {
	opts   Options
	logger *slog.Logger

	wake chan struct{}
	done chan struct{}
	once sync.Once

	state atomic.Int32

	mu       sync.Mutex
	cause    Cause
	hasCause bool
}

// New constructs an idle Coordinator.
func New(opts Options) *Coordinator {
	return &Coordinator{
		opts:   opts,
		logger: logging.NewComponentLogger(opts.Logger, "quit"),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Notify records cause and wakes Run. It never blocks.
func (c *Coordinator) Notify(cause Cause) {
	c.mu.Lock()
	c.cause = cause
	c.hasCause = true
	c.mu.Unlock()
	c.state.CompareAndSwap(int32(StateIdle), int32(StateWakeReceived))
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Run blocks until Notify is called, then tears down. It returns early with
// the context error if ctx ends first.
func (c *Coordinator) Run(ctx context.Context) error {
	select {
	case <-c.wake:
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	cause, _ := c.Cause()
	c.teardown(cause)
	return nil
}

// Shutdown records cause and runs the teardown on the calling goroutine. A
// concurrent or later call waits for the first teardown and does nothing else.
func (c *Coordinator) Shutdown(cause Cause) {
	c.Notify(cause)
	c.teardown(cause)
}

// WatchSignals forwards the given OS signals into Notify until ctx ends.
func (c *Coordinator) WatchSignals(ctx context.Context, sigs ...os.Signal) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, sigs...)
	go func() {
		defer signal.Stop(ch)
		for {
			select {
			case sig := <-ch:
				c.logger.Info("received signal",
					logging.String(logging.FieldEventType, "signal_received"),
					logging.String("signal", sig.String()),
				)
				c.Notify(Signal(sig))
			case <-ctx.Done():
				return
			case <-c.done:
				return
			}
		}
	}()
}

// Done is closed when the teardown has finished.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Finished reports whether the teardown has completed.
func (c *Coordinator) Finished() bool {
	return c.State() == StateFinished
}

// State returns the current lifecycle state.
func (c *Coordinator) State() State {
	return State(c.state.Load())
}

// Cause returns the most recent wake cause.
func (c *Coordinator) Cause() (Cause, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cause, c.hasCause
}

func (c *Coordinator) teardown(cause Cause) {
	c.once.Do(func() {
		c.state.Store(int32(StateTearingDown))
		c.logger.Info("shutting down",
			logging.String(logging.FieldEventType, "shutdown_started"),
			logging.String("cause", cause.String()),
			logging.Int("readers", c.opts.NumReaders),
		)

		dispatcher, dispatcherLive := c.opts.Dispatcher.Get()
		if dispatcherLive {
			dispatcher.StopAccepting()
		} else {
			c.skipped("dispatcher")
		}

		if supervisor, ok := c.opts.Supervisor.Get(); ok {
			supervisor.RequestStop(cause)
		} else {
			c.skipped("supervisor")
		}

		if dispatcherLive {
			dispatcher.WakeReaders(c.opts.NumReaders)
		}
		if readers, ok := c.opts.Readers.Get(); ok {
			readers.Wait()
		} else {
			c.skipped("readers")
		}

		if c.opts.Status != nil {
			c.opts.Status.SetStopped()
		}

		c.state.Store(int32(StateFinished))
		close(c.done)
		c.logger.Info("shutdown complete", logging.String(logging.FieldEventType, "shutdown_complete"))
	})
}

func (c *Coordinator) skipped(name string) {
	c.logger.Debug("collaborator unavailable; skipping", logging.String("collaborator", name))
}

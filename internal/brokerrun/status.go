package brokerrun

import (
	"log/slog"
	"sync/atomic"
	"time"

	"storebroker/internal/logging"
)

// Status tracks whether the broker is still serving. It implements
// quit.Indicator.
type Status struct {
	started time.Time
	logger  *slog.Logger
	onStop  func()

	stopped   atomic.Bool
	stoppedAt atomic.Int64
}

// NewStatus returns a running Status. onStop runs once, when the broker is
// marked stopped.
func NewStatus(logger *slog.Logger, onStop func()) *Status {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Status{started: time.Now(), logger: logger, onStop: onStop}
}

// SetStopped marks the broker as no longer serving.
func (s *Status) SetStopped() {
	if !s.stopped.CompareAndSwap(false, true) {
		return
	}
	now := time.Now()
	s.stoppedAt.Store(now.UnixNano())
	s.logger.Info("broker stopped",
		logging.String(logging.FieldEventType, "broker_stopped"),
		logging.Duration("uptime", now.Sub(s.started).Round(time.Millisecond)),
	)
	if s.onStop != nil {
		s.onStop()
	}
}

// Stopped reports whether SetStopped has been called.
func (s *Status) Stopped() bool {
	return s.stopped.Load()
}

// Uptime returns how long the broker served, up to now or the stop time.
func (s *Status) Uptime() time.Duration {
	if at := s.stoppedAt.Load(); at != 0 {
		return time.Unix(0, at).Sub(s.started)
	}
	return time.Since(s.started)
}

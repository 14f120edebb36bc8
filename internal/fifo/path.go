package fifo

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// ProductName seeds the default FIFO file name.
const ProductName = "storebroker"

// Unlimited disables the client retry budget.
const Unlimited = -1

const (
	defaultRetryInterval = 50 * time.Millisecond
	defaultMaxRetries    = 20
)

var (
	// ErrUnableToOpen reports that the client retry budget ran out before a
	// reader appeared on the FIFO.
	ErrUnableToOpen = errors.New("unable to open broker channel")
	// ErrNotFIFO reports that the path exists but is not a FIFO.
	ErrNotFIFO = errors.New("path is not a fifo")
	// ErrUnsupported is returned on platforms without named pipes.
	ErrUnsupported = errors.New("named channels are not supported on this platform")
)

// Operation identifies the step reported to an Observer.
type Operation int

const (
	// OperationOpen fires before every client open attempt.
	OperationOpen Operation = iota
	// OperationWait fires before the client sleeps between attempts.
	OperationWait
)

func (o Operation) String() string {
	switch o {
	case OperationOpen:
		return "open"
	case OperationWait:
		return "wait"
	default:
		return fmt.Sprintf("operation(%d)", int(o))
	}
}

// Observer receives client connection progress.
type Observer func(Operation)

// Option customizes a Path.
type Option func(*Path)

// WithRetry sets the client retry interval and budget. A negative budget is
// treated as Unlimited.
func WithRetry(interval time.Duration, maxRetries int) Option {
	return func(p *Path) {
		if interval > 0 {
			p.retryInterval = interval
		}
		if maxRetries < 0 {
			maxRetries = Unlimited
		}
		p.maxRetries = maxRetries
	}
}

// WithObserver installs a progress callback.
func WithObserver(fn Observer) Option {
	return func(p *Path) {
		p.observer = fn
	}
}

// WithSleep replaces time.Sleep between client attempts.
func WithSleep(fn func(time.Duration)) Option {
	return func(p *Path) {
		if fn != nil {
			p.sleep = fn
		}
	}
}

// Path is a FIFO address plus the bookkeeping needed to clean it up.
type Path struct {
	path          string
	retryInterval time.Duration
	maxRetries    int
	observer      Observer
	sleep         func(time.Duration)

	openMu  sync.Mutex
	created atomic.Bool
}

// DefaultPath returns the FIFO location used when none is configured.
func DefaultPath() string {
	return filepath.Join("/var/tmp", ProductName+".fifo")
}

// New returns a Path for the given location. An empty path selects
// DefaultPath.
func New(path string, opts ...Option) *Path {
	path = strings.TrimSpace(path)
	if path == "" {
		path = DefaultPath()
	}
	p := &Path{
		path:          path,
		retryInterval: defaultRetryInterval,
		maxRetries:    defaultMaxRetries,
		sleep:         time.Sleep,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// String returns the filesystem path.
func (p *Path) String() string {
	return p.path
}

// RetryInterval reports the delay between client attempts.
func (p *Path) RetryInterval() time.Duration {
	return p.retryInterval
}

// MaxRetries reports the client retry budget.
func (p *Path) MaxRetries() int {
	return p.maxRetries
}

// Created reports whether this Path created the FIFO and still owns it.
func (p *Path) Created() bool {
	return p.created.Load()
}

// OpenClient opens the FIFO for writing. Missing FIFOs and FIFOs without a
// reader are retried; every other failure is returned immediately.
func (p *Path) OpenClient() (*os.File, error) {
	for attempt := 0; p.maxRetries == Unlimited || attempt <= p.maxRetries; attempt++ {
		if attempt > 0 {
			p.notify(OperationWait)
			p.sleep(p.retryInterval)
		}
		p.notify(OperationOpen)
		file, err := openWriter(p.path)
		if err == nil {
			return file, nil
		}
		if !retryable(err) {
			return nil, fmt.Errorf("open %s: %w", p.path, err)
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnableToOpen, p.path)
}

// OpenServer opens the daemon side of the FIFO, creating it when absent.
// Calls are serialized so concurrent first opens create the FIFO once.
func (p *Path) OpenServer() (*ServerPipe, error) {
	p.openMu.Lock()
	defer p.openMu.Unlock()

	read, write, created, err := openDuplex(p.path)
	if created {
		p.created.Store(true)
	}
	if err != nil {
		return nil, fmt.Errorf("open server %s: %w", p.path, err)
	}
	return &ServerPipe{path: p.path, read: read, write: write}, nil
}

// Close removes the FIFO if this Path created it. Paths that only opened an
// existing FIFO leave it in place.
func (p *Path) Close() error {
	if !p.created.CompareAndSwap(true, false) {
		return nil
	}
	if err := os.Remove(p.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", p.path, err)
	}
	return nil
}

func (p *Path) notify(op Operation) {
	if p.observer != nil {
		p.observer(op)
	}
}

// ServerPipe is the daemon's end of the FIFO. Reads come from the read
// handle; the write handle only keeps the channel from reporting end-of-file.
type ServerPipe struct {
	path  string
	read  *os.File
	write *os.File

	closeOnce sync.Once
	closeErr  error
}

// Read reads from the FIFO.
func (s *ServerPipe) Read(b []byte) (int, error) {
	return s.read.Read(b)
}

// Fd returns the read handle descriptor.
func (s *ServerPipe) Fd() uintptr {
	return s.read.Fd()
}

// Name returns the FIFO path.
func (s *ServerPipe) Name() string {
	return s.path
}

// Close closes both handles.
func (s *ServerPipe) Close() error {
	s.closeOnce.Do(func() {
		readErr := s.read.Close()
		var writeErr error
		if s.write != nil {
			writeErr = s.write.Close()
		}
		s.closeErr = errors.Join(readErr, writeErr)
	})
	return s.closeErr
}

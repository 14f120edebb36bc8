package brokerrun

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"storebroker/internal/command"
	"storebroker/internal/config"
	"storebroker/internal/deps"
	"storebroker/internal/fifo"
	"storebroker/internal/gc"
	"storebroker/internal/journal"
	"storebroker/internal/logging"
	"storebroker/internal/pubsub"
	"storebroker/internal/quit"
	"storebroker/internal/uptime"
)

var (
	// ErrAlreadyRunning is returned when another broker holds the lock.
	ErrAlreadyRunning = errors.New("broker already running")
	// ErrReaderFailed is returned when a read loop stopped on an error.
	ErrReaderFailed = errors.New("broker read loop failed")
)

// Options configures daemon process runtime behavior.
type Options struct {
	LogLevel    string
	Development bool
	Diagnostic  bool
	// Record journals every received frame. It is also enabled by
	// broker.record in the config.
	Record bool
	// PlaybackPath replays a journal instead of listening to the FIFO.
	PlaybackPath    string
	PlaybackSession string
	// EchoEvents prints log events and status messages to Output.
	EchoEvents bool
	// Output receives ECHO text and echoed events. Defaults to stdout.
	Output io.Writer
	// Spawner overrides how vacuum helpers are started.
	Spawner gc.Spawner
}

// Run starts the broker and blocks until it has shut down. Shutdown is
// triggered by SIGINT, SIGTERM, a SUICIDE command, the end of a playback, or
// cmdCtx ending.
func Run(cmdCtx context.Context, cfg *config.Config, opts Options) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}
	record := opts.Record || cfg.Broker.Record
	playback := strings.TrimSpace(opts.PlaybackPath) != ""
	if record && playback && samePath(opts.PlaybackPath, cfg.Paths.JournalPath) {
		return fmt.Errorf("cannot record into the journal being played back (%s)", cfg.Paths.JournalPath)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}
	out := opts.Output
	if out == nil {
		out = os.Stdout
	}

	sessionID := uuid.NewString()
	logEvents := pubsub.NewChannel[logging.LogEvent]()
	logger, err := newLogger(cfg, opts, sessionID, logEvents)
	if err != nil {
		return err
	}

	lock := flock.New(cfg.LockPath())
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire broker lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("%w (lock %s)", ErrAlreadyRunning, cfg.LockPath())
	}
	defer func() { _ = lock.Unlock() }()

	pidPath := cfg.PIDPath()
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(pidPath)

	logDependencySnapshot(logger, cfg)

	var recorder *journal.Journal
	if record {
		recorder, err = journal.Open(cfg.Paths.JournalPath)
		if err != nil {
			logger.Error("open journal", logging.Error(err))
			return err
		}
		defer recorder.Close()
	}

	pipe := fifo.New(cfg.Broker.PipePath, fifo.WithRetry(cfg.RetryInterval(), cfg.Client.MaxRetries))
	defer func() {
		if err := pipe.Close(); err != nil {
			logger.Warn("remove FIFO failed", logging.String("fifo", pipe.String()), logging.Error(err))
		}
	}()

	if recorder != nil {
		if err := recorder.BeginSession(cmdCtx, sessionID, os.Getpid(), pipe.String()); err != nil {
			return fmt.Errorf("begin journal session: %w", err)
		}
	}

	spawner := opts.Spawner
	if spawner == nil {
		spawner = gc.ExecSpawner{}
	}
	gcEvents := pubsub.NewChannel[gc.Event]()
	supervisor := gc.New(gc.Options{
		Spawner:    spawner,
		VacuumPath: deps.VacuumPath(cfg.Broker.VacuumBinary),
		Capacity:   cfg.Broker.GCCapacity,
		Logger:     logger,
		Events:     gcEvents,
	})

	commits := pubsub.NewChannel[string]()
	uptimeChannel := pubsub.NewChannel[string]()
	uptimePublisher := uptime.New(uptimeChannel, cfg.UptimeInterval())

	procOpts := command.Options{
		Pipe:       pipe,
		Vacuum:     supervisor,
		Commits:    commits,
		Output:     out,
		PartialTTL: cfg.ScavengeInterval(),
		Logger:     logger,
	}
	if recorder != nil {
		procOpts.Recorder = recorder
	}
	processor := command.New(procOpts)

	numReaders := cfg.Broker.ReadThreads
	if playback {
		numReaders = 0
	}

	runCtx, cancelRun := context.WithCancel(context.WithoutCancel(cmdCtx))
	defer cancelRun()

	failures := make(chan error, max(numReaders, 1))
	readers := processor.StartReaders(numReaders, func(err error) { failures <- err })

	status := NewStatus(logger, uptimePublisher.Stop)
	dispatcherRef := quit.NewRef[quit.Dispatcher](processor)
	supervisorRef := quit.NewRef[quit.Stopper](supervisor)
	readersRef := quit.NewRef[quit.ReaderGroup](readers)
	coordinator := quit.New(quit.Options{
		Dispatcher: dispatcherRef,
		Supervisor: supervisorRef,
		Readers:    readersRef,
		NumReaders: numReaders,
		Status:     status,
		Logger:     logger,
	})
	processor.AttachQuitter(coordinator)
	coordinator.WatchSignals(runCtx, syscall.SIGINT, syscall.SIGTERM)

	var listeners []func()
	var g errgroup.Group
	g.Go(releaseWhenDone(supervisorRef, func() error { supervisor.Run(runCtx); return nil }))
	g.Go(releaseWhenDone(dispatcherRef, func() error {
		if err := processor.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	}))
	// Released before teardown when every read loop has already exited.
	g.Go(releaseWhenDone(readersRef, func() error { readers.Wait(); return nil }))
	g.Go(func() error { processor.RunScavenger(runCtx, cfg.ScavengeInterval()); return nil })
	g.Go(func() error { uptimePublisher.Run(runCtx); return nil })
	g.Go(func() error {
		select {
		case err := <-failures:
			logging.ErrorWithContext(logger, "read loop failed; shutting down", "reader_failed",
				logging.Error(err),
				logging.String(logging.FieldImpact, "broker stops accepting commands"),
			)
			coordinator.Notify(quit.Remote())
		case <-cmdCtx.Done():
			coordinator.Notify(quit.Signal(os.Interrupt))
		case <-coordinator.Done():
		}
		return nil
	})

	if recorder != nil {
		l := gcEvents.NewListener()
		listeners = append(listeners, l.Cancel)
		defer l.Close()
		g.Go(func() error { return recorder.Follow(runCtx, l) })
	}
	if opts.EchoEvents {
		listeners = append(listeners, echoEvents(&g, runCtx, out, logEvents, commits, uptimeChannel)...)
	}

	logger.Info("broker started",
		logging.String(logging.FieldEventType, "broker_started"),
		logging.String("fifo", pipe.String()),
		logging.Int("readers", numReaders),
		logging.Bool("record", record),
		logging.Bool("playback", playback),
		logging.Int(logging.FieldPID, os.Getpid()),
	)

	if playback {
		g.Go(func() error {
			defer coordinator.Notify(quit.Remote())
			return replay(runCtx, logger, processor, opts.PlaybackPath, opts.PlaybackSession)
		})
	}

	if err := coordinator.Run(runCtx); err != nil {
		return err
	}
	for _, cancel := range listeners {
		cancel()
	}
	runErr := g.Wait()
	cancelRun()

	cause, _ := coordinator.Cause()
	if recorder != nil {
		if err := recorder.EndSession(context.WithoutCancel(cmdCtx), cause.String()); err != nil {
			logger.Warn("close journal session failed", logging.Error(err))
		}
	}
	logger.Info("broker exiting",
		logging.String(logging.FieldEventType, "broker_exit"),
		logging.String("cause", cause.String()),
		logging.Uint64("commits", processor.Commits()),
	)

	if runErr != nil {
		return runErr
	}
	if processor.Failed() {
		return ErrReaderFailed
	}
	return nil
}

// releaseWhenDone wraps run so ref is released once run returns.
func releaseWhenDone[T any](ref *quit.Ref[T], run func() error) func() error {
	return func() error {
		defer ref.Release()
		return run()
	}
}

func newLogger(cfg *config.Config, opts Options, sessionID string, events *pubsub.Channel[logging.LogEvent]) (*slog.Logger, error) {
	level := opts.LogLevel
	if strings.TrimSpace(level) == "" {
		level = cfg.Logging.Level
	}
	logPath := filepath.Join(cfg.Paths.LogDir, "broker.log")
	logger, err := logging.New(logging.Options{
		Level:            level,
		Format:           cfg.Logging.Format,
		OutputPaths:      []string{"stdout", logPath},
		ErrorOutputPaths: []string{"stderr", logPath},
		Development:      opts.Development,
		Events:           events,
		SessionID:        sessionID,
	})
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	if !opts.Diagnostic {
		return logger, nil
	}

	debugDir := filepath.Join(cfg.Paths.LogDir, "debug")
	if err := os.MkdirAll(debugDir, 0o755); err != nil {
		return nil, fmt.Errorf("create debug log directory: %w", err)
	}
	runID := time.Now().UTC().Format("20060102T150405.000Z")
	debugLogPath := filepath.Join(debugDir, fmt.Sprintf("broker-%s.log", runID))
	debugLogger, err := logging.New(logging.Options{
		Level:            "debug",
		Format:           "json",
		OutputPaths:      []string{debugLogPath},
		ErrorOutputPaths: []string{debugLogPath},
		Development:      true,
		SessionID:        sessionID,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "warn: unable to initialize debug logger: %v\n", err)
		return logger, nil
	}
	logger = logging.TeeLogger(logger, debugLogger.Handler())
	logger.Info("diagnostic mode enabled",
		logging.String(logging.FieldEventType, "diagnostic_mode_enabled"),
		logging.String("debug_log_path", debugLogPath),
	)
	return logger, nil
}

func replay(ctx context.Context, logger *slog.Logger, processor *command.Processor, path, session string) error {
	source, err := journal.Open(path)
	if err != nil {
		return fmt.Errorf("open playback journal: %w", err)
	}
	defer source.Close()

	n, err := source.Playback(ctx, session, func(frame []byte) error {
		_ = processor.PushFrame(frame)
		return nil
	})
	if err != nil {
		logging.ErrorWithContext(logger, "playback failed", "playback_failed",
			logging.String("journal", path),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "run `storebroker history` to list recorded sessions"),
		)
		return err
	}
	logger.Info("playback complete",
		logging.String(logging.FieldEventType, "playback_complete"),
		logging.Int("frames", n),
	)
	// Let the command loop drain before shutdown stops the supervisor.
	for processor.Pending() > 0 {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(10 * time.Millisecond):
		}
	}
	return nil
}

func echoEvents(g *errgroup.Group, ctx context.Context, out io.Writer, logEvents *pubsub.Channel[logging.LogEvent], channels ...*pubsub.Channel[string]) []func() {
	var cancels []func()
	w := &syncWriter{w: out}

	logListener := logEvents.NewListener()
	cancels = append(cancels, logListener.Cancel)
	g.Go(func() error {
		defer logListener.Close()
		for {
			ev, ok, err := logListener.ListenContext(ctx)
			if err != nil || !ok {
				return nil
			}
			w.printf("event: %s\n", formatLogEvent(ev))
		}
	})

	for _, ch := range channels {
		l := ch.NewListener()
		cancels = append(cancels, l.Cancel)
		g.Go(func() error {
			defer l.Close()
			for {
				msg, ok, err := l.ListenContext(ctx)
				if err != nil || !ok {
					return nil
				}
				w.printf("status: %s\n", msg)
			}
		})
	}
	return cancels
}

func formatLogEvent(ev logging.LogEvent) string {
	var b strings.Builder
	b.WriteString(ev.Level.String())
	if ev.Component != "" {
		b.WriteString(" [" + ev.Component + "]")
	}
	b.WriteString(" " + ev.Message)
	keys := make([]string, 0, len(ev.Fields))
	for k := range ev.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString(" " + k + "=" + ev.Fields[k])
	}
	return b.String()
}

type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) printf(format string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.w, format, args...)
}

func writePIDFile(path string) error {
	if path == "" {
		return nil
	}
	value := strconv.Itoa(os.Getpid()) + "\n"
	return os.WriteFile(path, []byte(value), 0o644)
}

func logDependencySnapshot(logger *slog.Logger, cfg *config.Config) {
	vacuum := deps.ResolveVacuum(cfg.Broker.VacuumBinary)
	attrs := []logging.Attr{
		logging.String(logging.FieldEventType, "dependency_snapshot"),
		logging.Bool("vacuum_available", vacuum.Available),
		logging.String("vacuum_binary", vacuum.Command),
		logging.Int("gc_capacity", cfg.Broker.GCCapacity),
		logging.Int("read_threads", cfg.Broker.ReadThreads),
	}
	if !vacuum.Available {
		logging.WarnWithContext(logger, "vacuum helper unavailable", "dependency_missing",
			append(attrs,
				logging.String("detail", vacuum.Detail),
				logging.String(logging.FieldErrorHint, "install vacuumd next to storebroker or set broker.vacuum_binary"),
				logging.String(logging.FieldImpact, "GC commands will fail to start a vacuum"),
			)...,
		)
		return
	}
	logger.Info("dependency snapshot", logging.Args(attrs...)...)
}

func samePath(a, b string) bool {
	ea, errA := config.ExpandPath(a)
	eb, errB := config.ExpandPath(b)
	if errA != nil || errB != nil {
		return a == b
	}
	return ea == eb
}

package command

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"storebroker/internal/fifo"
	"storebroker/internal/gc"
	"storebroker/internal/logging"
	"storebroker/internal/message"
	"storebroker/internal/pubsub"
	"storebroker/internal/quit"
)

// Verbs understood by the broker. Verbs starting with an underscore are
// queued by the broker itself during shutdown.
const (
	VerbEcho        = "ECHO"
	VerbGC          = "GC"
	VerbGCStop      = "GCSTOP"
	VerbNop         = "NOP"
	VerbSuicide     = "SUICIDE"
	VerbReaderQuit  = "_QUIT"
	VerbCommandQuit = "_CQUIT"
)

// DefaultPartialTTL is how long an incomplete multi-part command is kept.
const DefaultPartialTTL = 4 * time.Hour

const maxLoggedPath = 32

// Vacuumer starts and stops vacuum helpers.
type Vacuumer interface {
	Start(path string) (gc.StartResult, error)
	Stop(path string) bool
}

// Quitter receives remote shutdown requests.
type Quitter interface {
	Notify(quit.Cause)
}

// Recorder journals raw frames as they arrive.
type Recorder interface {
	Record(frame []byte) error
}

// Options configures a Processor.
type Options struct {
	// Pipe is the broker FIFO. Read loops open it as servers and _QUIT opens
	// it as a client to wake a blocked reader.
	Pipe     *fifo.Path
	Vacuum   Vacuumer
	Commits  *pubsub.Channel[string]
	Output   io.Writer
	Recorder Recorder
	// PartialTTL bounds how long a partially received command is retained.
	PartialTTL time.Duration
	Logger     *slog.Logger
}

type handler func(*Processor, message.Command)

// Processor turns frames into commands and executes them on a single command
// loop. It implements quit.Dispatcher.
type Processor struct {
	pipe     *fifo.Path
	vacuum   Vacuumer
	commits  *pubsub.Channel[string]
	recorder Recorder
	ttl      time.Duration
	logger   *slog.Logger

	outMu sync.Mutex
	out   io.Writer

	quitMu  sync.Mutex
	quitter Quitter

	assembler *message.Assembler
	queue     *queue
	handlers  map[string]handler

	done         atomic.Bool
	commandsDone atomic.Bool
	failed       atomic.Bool
	commitCount  atomic.Uint64
	stopOnce     sync.Once
	stopCh       chan struct{}
}

// New constructs a Processor.
func New(opts Options) *Processor {
	out := opts.Output
	if out == nil {
		out = os.Stdout
	}
	ttl := opts.PartialTTL
	if ttl <= 0 {
		ttl = DefaultPartialTTL
	}
	p := &Processor{
		pipe:      opts.Pipe,
		vacuum:    opts.Vacuum,
		commits:   opts.Commits,
		recorder:  opts.Recorder,
		ttl:       ttl,
		logger:    logging.NewComponentLogger(opts.Logger, "command"),
		out:       out,
		assembler: message.NewAssembler(),
		queue:     newQueue(),
		stopCh:    make(chan struct{}),
	}
	p.handlers = map[string]handler{
		VerbEcho:        (*Processor).echo,
		VerbGC:          (*Processor).startVacuum,
		VerbGCStop:      (*Processor).gcStop,
		VerbNop:         (*Processor).nop,
		VerbSuicide:     (*Processor).suicide,
		VerbReaderQuit:  (*Processor).readerQuit,
		VerbCommandQuit: (*Processor).commandQuit,
	}
	return p
}

// AttachQuitter sets the target of SUICIDE. The quit coordinator is built
// after the processor, so it is attached separately.
func (p *Processor) AttachQuitter(q Quitter) {
	p.quitMu.Lock()
	p.quitter = q
	p.quitMu.Unlock()
}

// PushFrame records frame, decodes it, and queues the command once all of its
// parts have arrived.
func (p *Processor) PushFrame(frame []byte) error {
	p.record(frame)
	pkt, err := message.DecodePacket(frame)
	if err != nil {
		p.logger.Error("discarding malformed frame", logging.Error(err))
		return err
	}
	return p.PushPacket(pkt)
}

func (p *Processor) record(frame []byte) {
	if p.recorder == nil {
		return
	}
	if err := p.recorder.Record(frame); err != nil {
		logging.WarnWithContext(p.logger, "failed to journal frame", "journal_write_failed",
			logging.Error(err),
			logging.String(logging.FieldImpact, "frame is processed but missing from the journal"),
		)
	}
}

// PushPacket adds an already decoded packet.
func (p *Processor) PushPacket(pkt message.Packet) error {
	cmd, complete, err := p.assembler.Add(pkt)
	if err != nil {
		p.logger.Error("discarding bad command",
			logging.Error(err),
			logging.Uint64("sender", uint64(pkt.SenderID)),
			logging.Uint64(logging.FieldMessageID, uint64(pkt.MessageID)),
		)
		return err
	}
	if complete {
		p.queue.push(cmd)
	}
	return nil
}

// Push queues cmd directly.
func (p *Processor) Push(cmd message.Command) {
	p.queue.push(cmd)
}

// Pending reports queued commands that the command loop has not run yet.
func (p *Processor) Pending() int {
	return p.queue.size()
}

// Partial reports commands still waiting for parts.
func (p *Processor) Partial() int {
	return p.assembler.Pending()
}

// Commits reports how many GC commands have been processed.
func (p *Processor) Commits() uint64 {
	return p.commitCount.Load()
}

// Done reports whether shutdown has begun.
func (p *Processor) Done() bool {
	return p.done.Load()
}

// Failed reports whether a read loop stopped on an error.
func (p *Processor) Failed() bool {
	return p.failed.Load()
}

// Run executes queued commands until _CQUIT is processed or ctx ends.
func (p *Processor) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, p.queue.close)
	defer stop()

	p.logger.Info("waiting for commands")
	for !p.commandsDone.Load() {
		cmd, ok := p.queue.pop()
		if !ok {
			break
		}
		p.Dispatch(cmd)
	}
	p.logger.Info("command loop exited")
	return ctx.Err()
}

// Dispatch executes a single command on the calling goroutine.
func (p *Processor) Dispatch(cmd message.Command) {
	p.logger.Info("command received",
		logging.String(logging.FieldVerb, cmd.Verb),
		logging.String(logging.FieldStorePath, truncatePath(cmd.Path)),
	)
	h, ok := p.handlers[cmd.Verb]
	if !ok {
		logging.ErrorWithContext(p.logger, "unknown verb", "unknown_verb",
			logging.String(logging.FieldVerb, cmd.Verb),
			logging.String(logging.FieldErrorHint, "supported verbs are ECHO, GC, GCSTOP, NOP, SUICIDE"),
		)
		return
	}
	h(p, cmd)
}

// StopAccepting marks the processor as shutting down. Read loops exit on the
// next frame they receive and the scavenger stops. Commands already queued
// are left in place so the command loop dispatches them before _CQUIT.
func (p *Processor) StopAccepting() {
	p.done.Store(true)
	p.stopOnce.Do(func() { close(p.stopCh) })
}

// WakeReaders queues one _QUIT per read loop followed by _CQUIT.
func (p *Processor) WakeReaders(n int) {
	for i := 0; i < n; i++ {
		p.queue.push(message.Command{Verb: VerbReaderQuit})
	}
	p.queue.push(message.Command{Verb: VerbCommandQuit})
}

// Scavenge drops partial commands older than the configured TTL.
func (p *Processor) Scavenge(now time.Time) int {
	removed := p.assembler.Scavenge(now.Add(-p.ttl))
	if removed > 0 {
		p.logger.Info("deleted stale partial commands", logging.Int("count", removed))
	}
	return removed
}

// RunScavenger calls Scavenge every interval until StopAccepting or ctx ends.
func (p *Processor) RunScavenger(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = p.ttl
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			p.logger.Debug("scavenger stopped")
			return
		case now := <-ticker.C:
			p.logger.Debug("scavenging partial commands")
			p.Scavenge(now)
		}
	}
}

func (p *Processor) echo(cmd message.Command) {
	p.outMu.Lock()
	defer p.outMu.Unlock()
	fmt.Fprintf(p.out, "ECHO:%s\n", cmd.Path)
}

type commitsStatus struct {
	Commits uint64 `json:"commits"`
}

func (p *Processor) startVacuum(cmd message.Command) {
	if p.vacuum == nil {
		p.logger.Warn("GC ignored: no vacuum supervisor", logging.String(logging.FieldStorePath, cmd.Path))
	} else if _, err := p.vacuum.Start(cmd.Path); err != nil {
		logging.WarnWithContext(p.logger, "vacuum did not start", "gc_start_failed",
			logging.String(logging.FieldStorePath, cmd.Path),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check that vacuumd is installed next to storebroker"),
		)
	}

	n := p.commitCount.Add(1)
	if p.commits != nil {
		p.commits.PublishFunc(func() string {
			data, _ := json.Marshal(commitsStatus{Commits: n})
			return string(data)
		})
	}
}

func (p *Processor) gcStop(cmd message.Command) {
	if p.vacuum == nil {
		return
	}
	p.vacuum.Stop(cmd.Path)
}

func (p *Processor) nop(message.Command) {}

func (p *Processor) suicide(message.Command) {
	p.quitMu.Lock()
	q := p.quitter
	p.quitMu.Unlock()
	if q == nil {
		p.logger.Warn("SUICIDE ignored: no quit coordinator attached")
		return
	}
	q.Notify(quit.Remote())
}

// readerQuit posts a NOP to the FIFO so that one blocked read loop wakes,
// sees the done flag, and exits.
func (p *Processor) readerQuit(message.Command) {
	if !p.done.Load() {
		p.logger.Info("_QUIT ignored: not shutting down")
		return
	}
	if p.pipe == nil {
		return
	}
	p.logger.Debug("waking one reader")
	if err := p.wake(); err != nil {
		logging.ErrorWithContext(p.logger, "failed to wake reader", "reader_wake_failed",
			logging.Error(err),
			logging.String(logging.FieldImpact, "shutdown may stall waiting for a read loop"),
		)
	}
}

func (p *Processor) wake() error {
	w, err := p.pipe.OpenClient()
	if err != nil {
		return err
	}
	defer w.Close()
	_, err = message.Write(w, message.Command{Verb: VerbNop})
	return err
}

func (p *Processor) commandQuit(message.Command) {
	p.commandsDone.Store(true)
}

func truncatePath(path string) string {
	if len(path) < maxLoggedPath {
		return path
	}
	return path[:maxLoggedPath] + "..."
}

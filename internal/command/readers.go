package command

import (
	"errors"
	"io"
	"sync"

	"storebroker/internal/logging"
	"storebroker/internal/message"
)

// ReaderGroup tracks running read loops. It implements quit.ReaderGroup.
type ReaderGroup struct {
	wg sync.WaitGroup
	n  int
}

// Wait blocks until every read loop has returned.
func (g *ReaderGroup) Wait() {
	g.wg.Wait()
}

// Size returns the number of read loops started.
func (g *ReaderGroup) Size() int {
	return g.n
}

// StartReaders launches n read loops against the processor's FIFO. onFailure
// runs if a loop stops on an error rather than a shutdown request.
func (p *Processor) StartReaders(n int, onFailure func(error)) *ReaderGroup {
	g := &ReaderGroup{n: n}
	for i := 0; i < n; i++ {
		g.wg.Add(1)
		go func(id int) {
			defer g.wg.Done()
			if err := p.ReadLoop(id); err != nil {
				p.failed.Store(true)
				if onFailure != nil {
					onFailure(err)
				}
			}
		}(i)
	}
	return g
}

// ReadLoop opens the FIFO as a server and pushes every frame it reads until
// the processor is shutting down. A nil return means a clean exit.
func (p *Processor) ReadLoop(id int) error {
	logger := p.logger.With(logging.Int("reader", id))
	pipe, err := p.pipe.OpenServer()
	if err != nil {
		logging.ErrorWithContext(logger, "failed to open FIFO", "fifo_open_failed",
			logging.String("fifo", p.pipe.String()),
			logging.Error(err),
		)
		return err
	}
	defer pipe.Close()

	logger.Info("listening to FIFO", logging.String("fifo", p.pipe.String()))
	reader := message.NewReader(pipe)
	for {
		pkt, frame, err := reader.ReadPacket()
		if p.done.Load() {
			logger.Info("exiting read loop")
			return nil
		}
		if frame == nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				logger.Error("FIFO closed unexpectedly", logging.Error(err))
			} else {
				logging.ErrorWithContext(logger, "read failed", "fifo_read_failed", logging.Error(err))
			}
			return err
		}
		p.record(frame)
		if err != nil {
			logger.Error("discarding malformed frame", logging.Error(err))
			continue
		}
		_ = p.PushPacket(pkt)
	}
}

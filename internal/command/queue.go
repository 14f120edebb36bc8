package command

import (
	"sync"

	"storebroker/internal/message"
)

// queue is an unbounded FIFO of assembled commands. Readers push; the
// command loop pops.
type queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []message.Command
	closed bool
}

func newQueue() *queue {
	q := &queue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *queue) push(cmd message.Command) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.items = append(q.items, cmd)
	q.cond.Signal()
}

// pop blocks until a command is available. It returns false once the queue
// is closed and drained.
func (q *queue) pop() (message.Command, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return message.Command{}, false
	}
	cmd := q.items[0]
	q.items[0] = message.Command{}
	q.items = q.items[1:]
	return cmd, true
}

func (q *queue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}

func (q *queue) size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Package uptime publishes the broker's running time on a broadcast channel.
package uptime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"storebroker/internal/pubsub"
)

// Status is the message published each tick.
type Status struct {
	Uptime uint64 `json:"uptime"`
}

// Publisher counts elapsed intervals and publishes them until stopped.
type Publisher struct {
	channel  *pubsub.Channel[string]
	interval time.Duration
	now      func() time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New returns a publisher ticking every interval (one second when zero).
func New(channel *pubsub.Channel[string], interval time.Duration) *Publisher {
	if interval <= 0 {
		interval = time.Second
	}
	return &Publisher{
		channel:  channel,
		interval: interval,
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
}

// Stop ends Run. It is safe to call more than once.
func (p *Publisher) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
}

// Run publishes {"uptime": n} after each interval, where n counts elapsed
// intervals (seconds with the default interval). Deadlines are computed from
// the start time so a slow listener does not make the count drift.
func (p *Publisher) Run(ctx context.Context) {
	var ticks uint64
	next := p.now().Add(p.interval)
	timer := time.NewTimer(p.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-timer.C:
		}
		ticks++
		count := ticks
		p.channel.PublishFunc(func() string {
			data, _ := json.Marshal(Status{Uptime: count})
			return string(data)
		})
		next = next.Add(p.interval)
		timer.Reset(time.Until(next))
	}
}

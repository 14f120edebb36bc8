package logging

import (
	"context"
	"log/slog"
	"time"

	"storebroker/internal/pubsub"
)

// LogEvent is the broadcast form of a log record.
type LogEvent struct {
	Time      time.Time
	Level     slog.Level
	Component string
	Message   string
	Fields    map[string]string
}

// eventHandler forwards records to next and publishes a LogEvent for each.
// Events are only built while the channel has listeners.
type eventHandler struct {
	next   slog.Handler
	events *pubsub.Channel[LogEvent]
	attrs  []slog.Attr
	groups []string
}

func newEventHandler(next slog.Handler, events *pubsub.Channel[LogEvent]) slog.Handler {
	return &eventHandler{next: next, events: events}
}

// NewEventHandler returns a handler that only publishes LogEvents, for use
// with TeeLogger.
func NewEventHandler(events *pubsub.Channel[LogEvent]) slog.Handler {
	return &eventHandler{events: events}
}

func (h *eventHandler) Enabled(ctx context.Context, level slog.Level) bool {
	if h.next == nil {
		return h.events.Listeners() > 0
	}
	return h.next.Enabled(ctx, level) || h.events.Listeners() > 0
}

func (h *eventHandler) Handle(ctx context.Context, record slog.Record) error {
	h.events.PublishFunc(func() LogEvent {
		return h.build(record)
	})
	if h.next == nil || !h.next.Enabled(ctx, record.Level) {
		return nil
	}
	return h.next.Handle(ctx, record)
}

func (h *eventHandler) build(record slog.Record) LogEvent {
	kvs := make([]kv, 0, record.NumAttrs()+len(h.attrs))
	flattenAttrs(&kvs, h.groups, h.attrs)
	record.Attrs(func(attr slog.Attr) bool {
		flattenAttr(&kvs, h.groups, attr)
		return true
	})

	event := LogEvent{
		Time:    record.Time,
		Level:   record.Level,
		Message: record.Message,
		Fields:  make(map[string]string, len(kvs)),
	}
	for _, item := range kvs {
		if item.key == FieldComponent {
			event.Component = attrString(item.value)
			continue
		}
		event.Fields[item.key] = attrString(item.value)
	}
	return event
}

func (h *eventHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.attrs = append(append([]slog.Attr(nil), h.attrs...), attrs...)
	if h.next != nil {
		clone.next = h.next.WithAttrs(attrs)
	}
	return &clone
}

func (h *eventHandler) WithGroup(name string) slog.Handler {
	clone := *h
	clone.groups = append(append([]string(nil), h.groups...), name)
	if h.next != nil {
		clone.next = h.next.WithGroup(name)
	}
	return &clone
}

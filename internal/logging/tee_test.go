package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"storebroker/internal/pubsub"
)

func TestNewTeeHandlerNilHandlers(t *testing.T) {
	h := newTeeHandler(nil, nil)
	if _, ok := h.(NoopHandler); !ok {
		t.Fatalf("expected NoopHandler for all nil handlers, got %T", h)
	}
}

func TestNewTeeHandlerSingleHandlerUnwrapped(t *testing.T) {
	var buf bytes.Buffer
	inner := slog.NewJSONHandler(&buf, nil)
	if h := newTeeHandler(nil, inner, nil); h != slog.Handler(inner) {
		t.Fatalf("expected single non-nil handler to be returned unwrapped, got %T", h)
	}
}

func TestTeeHandlerRespectsChildLevels(t *testing.T) {
	var info, debug bytes.Buffer
	h := newTeeHandler(
		slog.NewTextHandler(&info, &slog.HandlerOptions{Level: slog.LevelInfo}),
		slog.NewTextHandler(&debug, &slog.HandlerOptions{Level: slog.LevelDebug}),
	)
	if !h.Enabled(context.Background(), slog.LevelDebug) {
		t.Fatal("expected tee to accept debug when one child does")
	}

	logger := slog.New(h).With("k", "v")
	logger.Debug("only debug")
	logger.Info("both")

	if strings.Contains(info.String(), "only debug") {
		t.Fatalf("info handler received debug record: %q", info.String())
	}
	if !strings.Contains(debug.String(), "only debug") || !strings.Contains(debug.String(), "k=v") {
		t.Fatalf("debug handler missing record: %q", debug.String())
	}
	if !strings.Contains(info.String(), "both") {
		t.Fatalf("info handler missing record: %q", info.String())
	}
}

func TestTeeLoggerIncludesBase(t *testing.T) {
	var base, extra bytes.Buffer
	logger := TeeLogger(slog.New(slog.NewTextHandler(&base, nil)), slog.NewTextHandler(&extra, nil))
	logger.Info("fan out")
	if !strings.Contains(base.String(), "fan out") || !strings.Contains(extra.String(), "fan out") {
		t.Fatalf("expected both outputs, got base=%q extra=%q", base.String(), extra.String())
	}
}

func TestEventHandlerSkipsWorkWithoutListeners(t *testing.T) {
	events := pubsub.NewChannel[LogEvent]()
	h := NewEventHandler(events)
	if h.Enabled(context.Background(), slog.LevelError) {
		t.Fatal("expected standalone event handler to be disabled without listeners")
	}

	listener := events.NewListener()
	defer listener.Close()
	if !h.Enabled(context.Background(), slog.LevelDebug) {
		t.Fatal("expected event handler to be enabled once a listener exists")
	}

	slog.New(h).WithGroup("req").Debug("grouped", "id", 7)
	event, ok := listener.Pop()
	if !ok {
		t.Fatal("expected event")
	}
	if event.Fields["req.id"] != "7" || event.Level != slog.LevelDebug {
		t.Fatalf("unexpected event %#v", event)
	}
}

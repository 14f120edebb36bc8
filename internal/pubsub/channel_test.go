package pubsub

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// countingWaiter is a deterministic Waiter: Wait releases the lock and parks
// on a channel that NotifyAll closes.
type countingWaiter struct {
	notifies atomic.Int32
	waits    atomic.Int32

	gate   chan struct{}
	gateMu sync.Mutex
}

func newCountingWaiter(sync.Locker) Waiter {
	return &countingWaiter{gate: make(chan struct{})}
}

func (w *countingWaiter) Wait(l sync.Locker) {
	w.waits.Add(1)
	w.gateMu.Lock()
	gate := w.gate
	w.gateMu.Unlock()
	l.Unlock()
	<-gate
	l.Lock()
}

func (w *countingWaiter) NotifyAll() {
	w.notifies.Add(1)
	w.gateMu.Lock()
	close(w.gate)
	w.gate = make(chan struct{})
	w.gateMu.Unlock()
}

func TestPublishWithoutListenersSkipsThunk(t *testing.T) {
	ch := New[string](newCountingWaiter)
	called := false
	ch.PublishFunc(func() string {
		called = true
		return "expensive"
	})
	if called {
		t.Fatal("thunk evaluated with no listeners")
	}
	if got := ch.waiter.(*countingWaiter).notifies.Load(); got != 0 {
		t.Fatalf("expected no notifications, got %d", got)
	}
}

func TestPublishQueuesCopyPerListener(t *testing.T) {
	ch := New[string](newCountingWaiter)
	a := ch.NewListener()
	b := ch.NewListener()
	defer a.Close()
	defer b.Close()

	ch.Publish("one")
	ch.Publish("two")

	for name, l := range map[string]*Listener[string]{"a": a, "b": b} {
		for _, want := range []string{"one", "two"} {
			got, ok := l.Pop()
			if !ok || got != want {
				t.Fatalf("listener %s: Pop() = %q, %v; want %q", name, got, ok, want)
			}
		}
		if _, ok := l.Pop(); ok {
			t.Fatalf("listener %s: expected empty queue", name)
		}
	}
	if got := ch.waiter.(*countingWaiter).notifies.Load(); got != 2 {
		t.Fatalf("expected 2 notifications, got %d", got)
	}
}

func TestFanOutToBlockedListeners(t *testing.T) {
	ch := NewChannel[string]()
	l1 := ch.NewListener()
	l2 := ch.NewListener()
	defer l1.Close()
	defer l2.Close()

	type result struct {
		msgs []string
	}
	results := make([]result, 2)
	var wg sync.WaitGroup
	for i, l := range []*Listener[string]{l1, l2} {
		wg.Add(1)
		go func(idx int, l *Listener[string]) {
			defer wg.Done()
			for len(results[idx].msgs) < 3 {
				msg, ok := l.Listen()
				if !ok {
					return
				}
				results[idx].msgs = append(results[idx].msgs, msg)
			}
		}(i, l)
	}

	ch.Publish("a")
	ch.Publish("m")
	ch.Publish("z")

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("listeners did not receive published messages")
	}

	for i, r := range results {
		if len(r.msgs) != 3 || r.msgs[0] != "a" || r.msgs[1] != "m" || r.msgs[2] != "z" {
			t.Fatalf("listener %d received %v, want [a m z]", i+1, r.msgs)
		}
	}
}

func TestCancelUnblocksListen(t *testing.T) {
	ch := NewChannel[int]()
	l := ch.NewListener()
	defer l.Close()

	returned := make(chan bool, 1)
	go func() {
		_, ok := l.Listen()
		returned <- ok
	}()

	time.Sleep(20 * time.Millisecond)
	l.Cancel()

	select {
	case ok := <-returned:
		if ok {
			t.Fatal("expected cancelled result")
		}
	case <-time.After(time.Second):
		t.Fatal("Listen did not return after Cancel")
	}
	if l.Active() {
		t.Fatal("listener still active after Cancel")
	}
}

func TestCancelledListenerIgnoresQueuedMessages(t *testing.T) {
	ch := New[string](newCountingWaiter)
	l := ch.NewListener()
	defer l.Close()

	ch.Publish("pending")
	l.Cancel()
	if _, ok := l.Listen(); ok {
		t.Fatal("Listen returned a message after Cancel")
	}
	if msg, ok := l.Pop(); !ok || msg != "pending" {
		t.Fatalf("Pop() = %q, %v; want pending", msg, ok)
	}
}

func TestListenContextReturnsOnCancel(t *testing.T) {
	ch := NewChannel[string]()
	l := ch.NewListener()
	defer l.Close()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, _, err := l.ListenContext(ctx)
		errCh <- err
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("ListenContext did not return after context cancel")
	}
}

func TestListenContextDeliversMessage(t *testing.T) {
	ch := NewChannel[string]()
	l := ch.NewListener()
	defer l.Close()

	ch.Publish("hello")
	msg, ok, err := l.ListenContext(context.Background())
	if err != nil || !ok || msg != "hello" {
		t.Fatalf("ListenContext() = %q, %v, %v", msg, ok, err)
	}
}

func TestCloseRequiresNoListeners(t *testing.T) {
	ch := NewChannel[string]()
	l := ch.NewListener()
	if err := ch.Close(); !errors.Is(err, ErrListenersAttached) {
		t.Fatalf("expected ErrListenersAttached, got %v", err)
	}
	l.Close()
	if ch.Listeners() != 0 {
		t.Fatalf("expected listener to deregister, have %d", ch.Listeners())
	}
	if err := ch.Close(); err != nil {
		t.Fatalf("Close after deregistration: %v", err)
	}
}

func TestClosedListenerStopsReceiving(t *testing.T) {
	ch := NewChannel[string]()
	kept := ch.NewListener()
	dropped := ch.NewListener()
	defer kept.Close()

	dropped.Close()
	ch.Publish("after")

	if _, ok := dropped.Pop(); ok {
		t.Fatal("closed listener received a message")
	}
	if msg, ok := kept.Pop(); !ok || msg != "after" {
		t.Fatalf("kept listener Pop() = %q, %v", msg, ok)
	}
}

func TestCloseUnblocksListen(t *testing.T) {
	ch := NewChannel[int]()
	l := ch.NewListener()

	returned := make(chan bool, 1)
	go func() {
		_, ok := l.Listen()
		returned <- ok
	}()

	time.Sleep(20 * time.Millisecond)
	l.Close()

	select {
	case ok := <-returned:
		if ok {
			t.Fatal("expected closed result")
		}
	case <-time.After(time.Second):
		t.Fatal("Listen did not return after Close")
	}
	if ch.Listeners() != 0 {
		t.Fatalf("listener still registered: %d", ch.Listeners())
	}
}

package journal_test

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"storebroker/internal/gc"
	"storebroker/internal/journal"
	"storebroker/internal/message"
	"storebroker/internal/pubsub"
)

func openJournal(t *testing.T) *journal.Journal {
	t.Helper()
	j, err := journal.Open(filepath.Join(t.TempDir(), "state", "journal.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func encode(t *testing.T, cmd message.Command, id uint32) [][]byte {
	t.Helper()
	frames, err := message.Encode(cmd, 42, id)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return frames
}

func TestRecordRequiresSession(t *testing.T) {
	j := openJournal(t)
	if err := j.Record(make([]byte, message.FrameSize)); !errors.Is(err, journal.ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
	if err := j.EndSession(context.Background(), "signal"); !errors.Is(err, journal.ErrNoSession) {
		t.Fatalf("expected ErrNoSession from EndSession, got %v", err)
	}
}

func TestPlaybackReplaysLatestSessionInOrder(t *testing.T) {
	ctx := context.Background()
	j := openJournal(t)

	if err := j.BeginSession(ctx, "old", 1, "/tmp/a.fifo"); err != nil {
		t.Fatalf("BeginSession: %v", err)
	}
	for _, frame := range encode(t, message.Command{Verb: "ECHO", Path: "old"}, 1) {
		if err := j.Record(frame); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	if err := j.BeginSession(ctx, "new", 2, "/tmp/a.fifo"); err != nil {
		t.Fatalf("BeginSession: %v", err)
	}
	var want []string
	for i, path := range []string{"one", "two", "three"} {
		want = append(want, path)
		for _, frame := range encode(t, message.Command{Verb: "ECHO", Path: path}, uint32(i+10)) {
			if err := j.Record(frame); err != nil {
				t.Fatalf("Record: %v", err)
			}
		}
	}
	if err := j.Record(make([]byte, 3)); err != nil {
		t.Fatalf("malformed frames are still journaled: %v", err)
	}

	var got []string
	n, err := j.Playback(ctx, "", func(frame []byte) error {
		pkt, err := message.DecodePacket(frame)
		if err != nil {
			return nil
		}
		cmd, err := message.DecodeCommand(pkt.Payload)
		if err != nil {
			t.Fatalf("decode command: %v", err)
		}
		got = append(got, cmd.Path)
		return nil
	})
	if err != nil {
		t.Fatalf("Playback: %v", err)
	}
	if n != 4 {
		t.Fatalf("replayed %d frames, want 4", n)
	}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}

	n, err = j.Playback(ctx, "old", func([]byte) error { return nil })
	if err != nil || n != 1 {
		t.Fatalf("explicit session playback: n=%d err=%v", n, err)
	}
}

func TestPlaybackEmptyJournal(t *testing.T) {
	j := openJournal(t)
	if _, err := j.Playback(context.Background(), "", func([]byte) error { return nil }); !errors.Is(err, journal.ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
}

func TestPlaybackStopsOnCallbackError(t *testing.T) {
	ctx := context.Background()
	j := openJournal(t)
	if err := j.BeginSession(ctx, "s", 1, "p"); err != nil {
		t.Fatalf("BeginSession: %v", err)
	}
	for i := 0; i < 3; i++ {
		for _, frame := range encode(t, message.Command{Verb: "NOP"}, uint32(i)) {
			if err := j.Record(frame); err != nil {
				t.Fatalf("Record: %v", err)
			}
		}
	}
	boom := errors.New("boom")
	calls := 0
	n, err := j.Playback(ctx, "s", func([]byte) error {
		calls++
		if calls == 2 {
			return boom
		}
		return nil
	})
	if !errors.Is(err, boom) || n != 1 {
		t.Fatalf("expected to stop after first frame, n=%d err=%v", n, err)
	}
}

func TestSessionsAndEvents(t *testing.T) {
	ctx := context.Background()
	j := openJournal(t)
	if err := j.BeginSession(ctx, "abc", 99, "/var/tmp/storebroker.fifo"); err != nil {
		t.Fatalf("BeginSession: %v", err)
	}
	for _, frame := range encode(t, message.Command{Verb: "GC", Path: "/db/a"}, 1) {
		if err := j.Record(frame); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	now := time.Now()
	if err := j.RecordEvent(ctx, gc.Event{Kind: gc.EventStarted, Path: "/db/a", PID: 1234, Time: now}); err != nil {
		t.Fatalf("RecordEvent: %v", err)
	}
	if err := j.RecordEvent(ctx, gc.Event{Kind: gc.EventExited, Path: "/db/a", PID: 1234, Status: "exit status 0", Time: now.Add(time.Second)}); err != nil {
		t.Fatalf("RecordEvent: %v", err)
	}
	if err := j.EndSession(ctx, "remote"); err != nil {
		t.Fatalf("EndSession: %v", err)
	}

	sessions, err := j.Sessions(ctx, 10)
	if err != nil {
		t.Fatalf("Sessions: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("sessions = %d, want 1", len(sessions))
	}
	s := sessions[0]
	if s.ID != "abc" || s.PID != 99 || s.Frames != 1 || s.StopCause != "remote" || s.StoppedAt.IsZero() {
		t.Fatalf("unexpected session %+v", s)
	}

	events, err := j.Events(ctx, 0)
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}
	if events[0].Kind != string(gc.EventExited) || events[0].Status != "exit status 0" {
		t.Fatalf("expected newest event first, got %+v", events[0])
	}
	if events[1].Kind != string(gc.EventStarted) || events[1].PID != 1234 || events[1].Status != "" {
		t.Fatalf("unexpected started event %+v", events[1])
	}
}

func TestFollowRecordsPublishedEvents(t *testing.T) {
	ctx := context.Background()
	j := openJournal(t)
	if err := j.BeginSession(ctx, "follow", 1, "p"); err != nil {
		t.Fatalf("BeginSession: %v", err)
	}
	events := pubsub.NewChannel[gc.Event]()
	listener := events.NewListener()

	done := make(chan error, 1)
	go func() { done <- j.Follow(ctx, listener) }()

	events.Publish(gc.Event{Kind: gc.EventStarted, Path: "/db/x", PID: 5})
	deadline := time.Now().Add(5 * time.Second)
	for {
		recorded, err := j.Events(ctx, 10)
		if err != nil {
			t.Fatalf("Events: %v", err)
		}
		if len(recorded) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("event was not journaled")
		}
		time.Sleep(10 * time.Millisecond)
	}

	listener.Cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Follow returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Follow did not return after Cancel")
	}
	listener.Close()
	if err := events.Close(); err != nil {
		t.Fatalf("channel close: %v", err)
	}
}

func TestOpenRejectsSchemaMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	j, err := journal.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	_ = j.Close()

	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	if _, err := db.Exec("UPDATE schema_version SET version = 999"); err != nil {
		t.Fatalf("bump version: %v", err)
	}
	_ = db.Close()

	if _, err := journal.Open(path); !errors.Is(err, journal.ErrSchemaMismatch) {
		t.Fatalf("expected ErrSchemaMismatch, got %v", err)
	}
}

package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"storebroker/internal/gc"
	"storebroker/internal/message"
	"storebroker/internal/pubsub"
)

// ErrNoSession is returned when a write needs a session and none was begun,
// or when playback finds nothing to replay.
var ErrNoSession = errors.New("journal: no session")

// Session is one daemon run.
type Session struct {
	ID        string
	PID       int
	PipePath  string
	StartedAt time.Time
	StoppedAt time.Time
	StopCause string
	Frames    int
}

// EventRecord is a stored supervisor event.
type EventRecord struct {
	SessionID string
	Kind      string
	Path      string
	PID       int
	Status    string
	At        time.Time
}

// Journal is a SQLite-backed record of broker activity.
type Journal struct {
	db   *sql.DB
	path string
	now  func() time.Time

	mu      sync.RWMutex
	session string
}

// Open creates or opens the journal at path.
func Open(path string) (*Journal, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("ensure journal directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// Pragmas below are per connection.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	j := &Journal{db: db, path: path, now: time.Now}
	if err := j.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return j, nil
}

// Path returns the database file location.
func (j *Journal) Path() string {
	return j.path
}

// Close closes the underlying database connection.
func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

// BeginSession records the start of a daemon run. Subsequent Record and
// RecordEvent calls are attributed to it.
func (j *Journal) BeginSession(ctx context.Context, id string, pid int, pipePath string) error {
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO sessions (id, pid, pipe_path, started_at) VALUES (?, ?, ?, ?)`,
		id, pid, pipePath, formatTime(j.now()),
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	j.mu.Lock()
	j.session = id
	j.mu.Unlock()
	return nil
}

// EndSession stamps the current session with its stop time and cause.
func (j *Journal) EndSession(ctx context.Context, cause string) error {
	id := j.currentSession()
	if id == "" {
		return ErrNoSession
	}
	_, err := j.db.ExecContext(ctx,
		`UPDATE sessions SET stopped_at = ?, stop_cause = ? WHERE id = ?`,
		formatTime(j.now()), cause, id,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	return nil
}

// Record stores a raw frame against the current session.
func (j *Journal) Record(frame []byte) error {
	id := j.currentSession()
	if id == "" {
		return ErrNoSession
	}
	var sender, msgID sql.NullInt64
	if pkt, err := message.DecodePacket(frame); err == nil {
		sender = sql.NullInt64{Int64: int64(pkt.SenderID), Valid: true}
		msgID = sql.NullInt64{Int64: int64(pkt.MessageID), Valid: true}
	}
	_, err := j.db.Exec(
		`INSERT INTO frames (session_id, received_at, sender_id, message_id, frame) VALUES (?, ?, ?, ?, ?)`,
		id, formatTime(j.now()), sender, msgID, frame,
	)
	if err != nil {
		return fmt.Errorf("insert frame: %w", err)
	}
	return nil
}

// RecordEvent stores a supervisor event against the current session.
func (j *Journal) RecordEvent(ctx context.Context, ev gc.Event) error {
	id := j.currentSession()
	if id == "" {
		return ErrNoSession
	}
	at := ev.Time
	if at.IsZero() {
		at = j.now()
	}
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO gc_events (session_id, kind, store_path, pid, status, at) VALUES (?, ?, ?, ?, ?, ?)`,
		id, string(ev.Kind), ev.Path, nullableInt(ev.PID), nullableString(ev.Status), formatTime(at),
	)
	if err != nil {
		return fmt.Errorf("insert gc event: %w", err)
	}
	return nil
}

// Follow stores every event received by l until the listener is cancelled
// or ctx ends. Events already queued when the listener is cancelled are
// still stored.
func (j *Journal) Follow(ctx context.Context, l *pubsub.Listener[gc.Event]) error {
	for {
		ev, ok, err := l.ListenContext(ctx)
		if err != nil {
			return nil
		}
		if !ok {
			break
		}
		if err := j.RecordEvent(ctx, ev); err != nil {
			return err
		}
	}
	for {
		ev, ok := l.Pop()
		if !ok {
			return nil
		}
		if err := j.RecordEvent(ctx, ev); err != nil {
			return err
		}
	}
}

// Playback calls fn with every frame of the given session in arrival order.
// An empty sessionID selects the most recent session that recorded frames.
func (j *Journal) Playback(ctx context.Context, sessionID string, fn func(frame []byte) error) (int, error) {
	if sessionID == "" {
		err := j.db.QueryRowContext(ctx,
			`SELECT session_id FROM frames ORDER BY seq DESC LIMIT 1`,
		).Scan(&sessionID)
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrNoSession
		}
		if err != nil {
			return 0, fmt.Errorf("find latest session: %w", err)
		}
	}

	rows, err := j.db.QueryContext(ctx,
		`SELECT frame FROM frames WHERE session_id = ? ORDER BY seq`, sessionID)
	if err != nil {
		return 0, fmt.Errorf("query frames: %w", err)
	}
	defer rows.Close()

	var frames [][]byte
	for rows.Next() {
		var frame []byte
		if err := rows.Scan(&frame); err != nil {
			return 0, fmt.Errorf("scan frame: %w", err)
		}
		frames = append(frames, frame)
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate frames: %w", err)
	}
	if len(frames) == 0 {
		return 0, fmt.Errorf("%w: %s has no frames", ErrNoSession, sessionID)
	}

	for i, frame := range frames {
		if err := fn(frame); err != nil {
			return i, err
		}
	}
	return len(frames), nil
}

// Sessions lists the most recent sessions first.
func (j *Journal) Sessions(ctx context.Context, limit int) ([]Session, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT s.id, s.pid, s.pipe_path, s.started_at, s.stopped_at, s.stop_cause,
		       (SELECT COUNT(1) FROM frames f WHERE f.session_id = s.id)
		FROM sessions s
		ORDER BY s.rowid DESC
		LIMIT ?`, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var (
			s         Session
			started   string
			stopped   sql.NullString
			stopCause sql.NullString
		)
		if err := rows.Scan(&s.ID, &s.PID, &s.PipePath, &started, &stopped, &stopCause, &s.Frames); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		s.StartedAt = parseTime(started)
		if stopped.Valid {
			s.StoppedAt = parseTime(stopped.String)
		}
		s.StopCause = stopCause.String
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// Events lists the most recent supervisor events first.
func (j *Journal) Events(ctx context.Context, limit int) ([]EventRecord, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT session_id, kind, store_path, pid, status, at
		FROM gc_events
		ORDER BY id DESC
		LIMIT ?`, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("query gc events: %w", err)
	}
	defer rows.Close()

	var events []EventRecord
	for rows.Next() {
		var (
			ev     EventRecord
			pid    sql.NullInt64
			status sql.NullString
			at     string
		)
		if err := rows.Scan(&ev.SessionID, &ev.Kind, &ev.Path, &pid, &status, &at); err != nil {
			return nil, fmt.Errorf("scan gc event: %w", err)
		}
		ev.PID = int(pid.Int64)
		ev.Status = status.String
		ev.At = parseTime(at)
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (j *Journal) currentSession() string {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.session
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(value string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullableInt(value int) any {
	if value == 0 {
		return nil
	}
	return value
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	return limit
}

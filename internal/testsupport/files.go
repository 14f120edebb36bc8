package testsupport

import (
	"bytes"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"
)

// WriteFile fills path with size bytes of a repeating pattern. A size <= 0
// writes a single byte.
func WriteFile(t testing.TB, path string, size int64) {
	t.Helper()

	if size <= 0 {
		size = 1
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir for %s: %v", path, err)
	}
	data := bytes.Repeat([]byte{0x42}, int(size))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

// NewStore creates a SQLite store at path holding live rows and leaves the
// free pages of dead deleted rows behind, so a vacuum has something to
// reclaim.
func NewStore(t testing.TB, path string, live, dead int) {
	t.Helper()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir for %s: %v", path, err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open store %s: %v", path, err)
	}
	defer db.Close()

	stmts := []string{
		"PRAGMA auto_vacuum = NONE",
		"CREATE TABLE IF NOT EXISTS records (id INTEGER PRIMARY KEY, body BLOB NOT NULL)",
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatalf("prepare store: %v", err)
		}
	}
	body := bytes.Repeat([]byte{0x5a}, 4096)
	for i := 0; i < live+dead; i++ {
		if _, err := db.Exec("INSERT INTO records (body) VALUES (?)", body); err != nil {
			t.Fatalf("insert record %d: %v", i, err)
		}
	}
	if dead > 0 {
		if _, err := db.Exec(fmt.Sprintf("DELETE FROM records WHERE id > %d", live)); err != nil {
			t.Fatalf("delete records: %v", err)
		}
	}
}

// CountRecords returns the number of rows in a store made by NewStore.
func CountRecords(t testing.TB, path string) int {
	t.Helper()

	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open store %s: %v", path, err)
	}
	defer db.Close()
	var n int
	if err := db.QueryRow("SELECT COUNT(1) FROM records").Scan(&n); err != nil {
		t.Fatalf("count records: %v", err)
	}
	return n
}

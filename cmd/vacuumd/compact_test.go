package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gofrs/flock"

	"storebroker/internal/testsupport"
)

func TestCompactReclaimsDeletedRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stores", "a.db")
	testsupport.NewStore(t, path, 4, 64)

	result, err := Compact(context.Background(), path, nil)
	if err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if result.After >= result.Before {
		t.Fatalf("expected store to shrink, before=%d after=%d", result.Before, result.After)
	}
	if n := testsupport.CountRecords(t, path); n != 4 {
		t.Fatalf("records = %d, want 4", n)
	}
	if _, err := os.Stat(path + ".vacuum.tmp"); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("temp file left behind: %v", err)
	}
}

func TestCompactKeepsLockFileBetweenRuns(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.db")
	testsupport.NewStore(t, path, 2, 8)

	if _, err := Compact(context.Background(), path, nil); err != nil {
		t.Fatalf("first Compact: %v", err)
	}
	before, err := os.Stat(LockPath(path))
	if err != nil {
		t.Fatalf("lock file removed after run: %v", err)
	}

	lock := flock.New(LockPath(path))
	if ok, err := lock.TryLock(); err != nil || !ok {
		t.Fatalf("TryLock: ok=%v err=%v", ok, err)
	}
	if _, err := Compact(context.Background(), path, nil); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy while the surviving lock file is held, got %v", err)
	}
	if err := lock.Unlock(); err != nil {
		t.Fatalf("Unlock: %v", err)
	}

	if _, err := Compact(context.Background(), path, nil); err != nil {
		t.Fatalf("second Compact: %v", err)
	}
	after, err := os.Stat(LockPath(path))
	if err != nil {
		t.Fatalf("lock file removed after second run: %v", err)
	}
	if !os.SameFile(before, after) {
		t.Fatal("lock file was replaced between runs")
	}
}

func TestCompactRefusesLockedStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "b.db")
	testsupport.NewStore(t, path, 1, 0)

	lock := flock.New(LockPath(path))
	if ok, err := lock.TryLock(); err != nil || !ok {
		t.Fatalf("TryLock: ok=%v err=%v", ok, err)
	}
	defer lock.Unlock()

	if _, err := Compact(context.Background(), path, nil); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
}

func TestCompactRejectsNonStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "garbage.db")
	testsupport.WriteFile(t, path, 8192)

	if _, err := Compact(context.Background(), path, nil); err == nil {
		t.Fatal("expected an error for a file that is not a store")
	}
	data, err := os.ReadFile(path)
	if err != nil || len(data) != 8192 {
		t.Fatalf("store was modified: len=%d err=%v", len(data), err)
	}
}

func TestCompactStopsWhenCancelled(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.db")
	testsupport.NewStore(t, path, 2, 2)
	before, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read store: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Compact(ctx, path, nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	after, err := os.ReadFile(path)
	if err != nil || !bytes.Equal(before, after) {
		t.Fatalf("store changed after a cancelled vacuum (err=%v)", err)
	}
}

func TestCompactMissingStore(t *testing.T) {
	if _, err := Compact(context.Background(), filepath.Join(t.TempDir(), "none.db"), nil); err == nil {
		t.Fatal("expected an error for a missing store")
	}
}

func TestRootCommandRequiresOneStore(t *testing.T) {
	cmd := newRootCommand()
	cmd.SetArgs(nil)
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	if err := cmd.Execute(); err == nil || !strings.Contains(err.Error(), "accepts 1 arg") {
		t.Fatalf("expected argument error, got %v", err)
	}
}

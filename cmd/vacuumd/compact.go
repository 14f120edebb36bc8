package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/gofrs/flock"
	_ "modernc.org/sqlite"

	"storebroker/internal/logging"
)

// ErrBusy reports that another vacuum holds the store's lock.
var ErrBusy = errors.New("store is already being vacuumed")

// Result describes a finished compaction.
type Result struct {
	Path   string
	Before int64
	After  int64
}

// LockPath returns the lock file guarding path. It is created on first use
// and never removed.
func LockPath(path string) string {
	return path + ".vacuum.lock"
}

// Compact rewrites the store at path into a temporary file and renames it
// over the original. The store is left untouched if ctx ends first.
func Compact(ctx context.Context, path string, logger *slog.Logger) (Result, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	info, err := os.Stat(path)
	if err != nil {
		return Result{}, fmt.Errorf("stat store: %w", err)
	}
	if !info.Mode().IsRegular() {
		return Result{}, fmt.Errorf("store %s is not a regular file", path)
	}

	lock := flock.New(LockPath(path))
	locked, err := lock.TryLock()
	if err != nil {
		return Result{}, fmt.Errorf("lock store: %w", err)
	}
	if !locked {
		return Result{}, fmt.Errorf("%w: %s", ErrBusy, path)
	}
	// The lock file is never removed so every run locks the same inode.
	defer func() { _ = lock.Unlock() }()

	logger.Info("vacuum started",
		logging.String(logging.FieldEventType, "vacuum_started"),
		logging.String(logging.FieldStorePath, path),
		logging.Int64("bytes", info.Size()),
	)

	tmp := path + ".vacuum.tmp"
	_ = os.Remove(tmp)
	if err := vacuumInto(ctx, path, tmp); err != nil {
		_ = os.Remove(tmp)
		if ctx.Err() != nil {
			logger.Info("vacuum interrupted", logging.String(logging.FieldStorePath, path))
			return Result{}, ctx.Err()
		}
		return Result{}, err
	}
	if err := ctx.Err(); err != nil {
		_ = os.Remove(tmp)
		return Result{}, err
	}
	if err := os.Chmod(tmp, info.Mode().Perm()); err != nil {
		_ = os.Remove(tmp)
		return Result{}, fmt.Errorf("copy store mode: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return Result{}, fmt.Errorf("replace store: %w", err)
	}

	after, err := os.Stat(path)
	if err != nil {
		return Result{}, fmt.Errorf("stat compacted store: %w", err)
	}
	result := Result{Path: path, Before: info.Size(), After: after.Size()}
	logger.Info("vacuum complete",
		logging.String(logging.FieldEventType, "vacuum_complete"),
		logging.String(logging.FieldStorePath, path),
		logging.Int64("bytes_before", result.Before),
		logging.Int64("bytes_after", result.After),
	)
	return result, nil
}

func vacuumInto(ctx context.Context, path, tmp string) error {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(1)

	var check string
	if err := db.QueryRowContext(ctx, "PRAGMA quick_check").Scan(&check); err != nil {
		return fmt.Errorf("check store: %w", err)
	}
	if check != "ok" {
		return fmt.Errorf("store %s failed integrity check: %s", path, check)
	}
	if _, err := db.ExecContext(ctx, "VACUUM INTO ?", tmp); err != nil {
		return fmt.Errorf("vacuum store: %w", err)
	}
	return nil
}

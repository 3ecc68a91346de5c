// Package sqlite provides the SQLite-backed snapshot and diagnostic
// store.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/louisbranch/pocketline/internal/platform/storage/sqlitemigrate"
	"github.com/louisbranch/pocketline/internal/storage"
	_ "modernc.org/sqlite"

	"github.com/louisbranch/pocketline/internal/storage/sqlite/migrations"
)

// Store persists session state in a single SQLite file.
type Store struct {
	sqlDB *sql.DB
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens a SQLite store at path and applies embedded migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := sqlitemigrate.ApplyMigrations(sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// SaveSnapshot stores the session snapshot, replacing any previous one.
func (s *Store) SaveSnapshot(ctx context.Context, snapshot storage.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	snapshot.Normalize()
	if snapshot.Version == 0 {
		snapshot.Version = storage.SnapshotVersion
	}
	if snapshot.SavedAt.IsZero() {
		snapshot.SavedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	_, err = s.sqlDB.ExecContext(ctx,
		`INSERT INTO snapshot (id, version, payload, saved_at) VALUES (1, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET version = excluded.version,
		 payload = excluded.payload, saved_at = excluded.saved_at`,
		snapshot.Version, string(payload), toMillis(snapshot.SavedAt),
	)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot returns the stored snapshot, forward-migrating legacy
// payload shapes. The boolean is false when nothing has been saved.
func (s *Store) LoadSnapshot(ctx context.Context) (storage.Snapshot, bool, error) {
	if err := ctx.Err(); err != nil {
		return storage.Snapshot{}, false, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.Snapshot{}, false, fmt.Errorf("storage is not configured")
	}
	row := s.sqlDB.QueryRowContext(ctx, `SELECT payload, saved_at FROM snapshot WHERE id = 1`)
	var payload string
	var savedAt int64
	if err := row.Scan(&payload, &savedAt); err != nil {
		if err == sql.ErrNoRows {
			return storage.Snapshot{}, false, nil
		}
		return storage.Snapshot{}, false, fmt.Errorf("load snapshot: %w", err)
	}
	snapshot, err := storage.MigrateSnapshot([]byte(payload))
	if err != nil {
		return storage.Snapshot{}, false, err
	}
	if snapshot.SavedAt.IsZero() {
		snapshot.SavedAt = fromMillis(savedAt)
	}
	return snapshot, true, nil
}

// Reset deletes the stored snapshot. Diagnostics are operational data
// and survive a game reset.
func (s *Store) Reset(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if _, err := s.sqlDB.ExecContext(ctx, `DELETE FROM snapshot WHERE id = 1`); err != nil {
		return fmt.Errorf("reset snapshot: %w", err)
	}
	return nil
}

// AppendDiagnostic records one diagnostic event.
func (s *Store) AppendDiagnostic(ctx context.Context, diagnostic storage.Diagnostic) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	ts := diagnostic.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO diagnostics (ts, component, severity, message) VALUES (?, ?, ?, ?)`,
		toMillis(ts), diagnostic.Component, diagnostic.Severity, diagnostic.Message,
	)
	if err != nil {
		return fmt.Errorf("append diagnostic: %w", err)
	}
	return nil
}

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const maxListLimit = 500

// SQLiteStore implements Journal using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed journal.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS connection_events (
		id TEXT PRIMARY KEY,
		state TEXT NOT NULL,
		attempt INTEGER NOT NULL DEFAULT 0,
		detail TEXT,
		occurred_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_connection_events_occurred ON connection_events(occurred_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// RecordConnectionEvent appends a connection event, retrying on SQLITE_BUSY.
func (s *SQLiteStore) RecordConnectionEvent(ctx context.Context, ev ConnectionEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now()
	}

	var detail any
	if ev.Detail != "" {
		detail = ev.Detail
	}

	query := `INSERT INTO connection_events (id, state, attempt, detail, occurred_at) VALUES (?, ?, ?, ?, ?)`
	return withRetry(ctx, "record connection event", func() error {
		if _, err := s.db.ExecContext(ctx, query,
			ev.ID, ev.State, ev.Attempt, detail, ev.OccurredAt.UnixMilli(),
		); err != nil {
			return fmt.Errorf("insert connection event: %w", err)
		}
		return nil
	})
}

// ListConnectionEvents returns the newest events first.
func (s *SQLiteStore) ListConnectionEvents(ctx context.Context, limit int) ([]ConnectionEvent, error) {
	if limit <= 0 || limit > maxListLimit {
		limit = maxListLimit
	}

	query := `
		SELECT id, state, attempt, detail, occurred_at
		FROM connection_events
		ORDER BY occurred_at DESC, rowid DESC
		LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query connection events: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close connection events rows", "error", closeErr)
		}
	}()

	events := []ConnectionEvent{}
	for rows.Next() {
		var ev ConnectionEvent
		var detail sql.NullString
		var occurredAt int64

		if err := rows.Scan(&ev.ID, &ev.State, &ev.Attempt, &detail, &occurredAt); err != nil {
			return nil, fmt.Errorf("scan connection event row: %w", err)
		}
		ev.Detail = detail.String
		ev.OccurredAt = time.UnixMilli(occurredAt).UTC()
		events = append(events, ev)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate connection events: %w", err)
	}

	return events, nil
}

// PruneConnectionEvents removes events older than cutoff.
func (s *SQLiteStore) PruneConnectionEvents(ctx context.Context, cutoff time.Time) (int64, error) {
	var deleted int64
	err := withRetry(ctx, "prune connection events", func() error {
		result, err := s.db.ExecContext(ctx, `DELETE FROM connection_events WHERE occurred_at < ?`, cutoff.UnixMilli())
		if err != nil {
			return fmt.Errorf("prune connection events: %w", err)
		}
		deleted, err = result.RowsAffected()
		return err
	})
	return deleted, err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

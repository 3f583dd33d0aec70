// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"
)

// ConnectionEvent is one transport lifecycle transition.
type ConnectionEvent struct {
	ID         string    `json:"id"`
	State      string    `json:"state"`
	Attempt    int       `json:"attempt"`
	Detail     string    `json:"detail,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Journal persists the history of the agent connection.
type Journal interface {
	// RecordConnectionEvent appends an event. An empty ID is filled in.
	RecordConnectionEvent(ctx context.Context, ev ConnectionEvent) error

	// ListConnectionEvents returns up to limit events, newest first.
	ListConnectionEvents(ctx context.Context, limit int) ([]ConnectionEvent, error)

	// PruneConnectionEvents deletes events that occurred before cutoff.
	PruneConnectionEvents(ctx context.Context, cutoff time.Time) (int64, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}

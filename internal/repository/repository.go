package repository

import (
	"context"
	"time"

	"devicehub/internal/lifecycle"
)

// Query selects journal entries. Zero fields match everything.
type Query struct {
	AdapterID string
	Type      lifecycle.EventType
	Since     time.Time
	// FailuresOnly keeps only unsuccessful events
	FailuresOnly bool
	// Limit keeps the newest matches
	Limit int
}

// EventJournal persists lifecycle events
type EventJournal interface {
	// RecordEvent appends an event; it satisfies lifecycle.EventSink
	RecordEvent(ctx context.Context, ev lifecycle.Event) error

	// Events returns matching events, oldest first
	Events(ctx context.Context, q Query) ([]lifecycle.Event, error)

	// CountByType tallies all retained events per type
	CountByType(ctx context.Context) (map[lifecycle.EventType]int, error)

	// Prune deletes events older than before and reports how many were removed
	Prune(ctx context.Context, before time.Time) (int64, error)

	// Close releases resources
	Close() error
}

var _ lifecycle.EventSink = EventJournal(nil)

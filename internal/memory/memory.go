// Package memory provides the append-only record store used for audit
// trails, feedback, and harvested snapshots. The core consumes it through
// the narrow Store interface; records are opaque and retrieved by tag.
package memory

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a record lookup misses.
var ErrNotFound = errors.New("record not found")

// Record is a single append-only entry. Records are immutable once added.
type Record struct {
	ID        string            `json:"id" db:"id"`
	Content   string            `json:"content" db:"content"`
	Tags      []string          `json:"tags"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at" db:"created_at"`
}

// Query selects records. All set fields must match: every tag in Tags must be
// present on the record, every Meta pair must equal the record's metadata
// value, and Text (when non-empty) must be contained in the content,
// case-insensitive.
type Query struct {
	Text  string
	Tags  []string
	Meta  map[string]string
	Limit int
}

// Store is the narrow consumption interface. Implementations must keep
// AddRecord cheap; callers treat failures as non-fatal and never roll back
// state on a failed write.
type Store interface {
	// AddRecord appends a record and returns its generated ID.
	AddRecord(ctx context.Context, content string, tags []string, metadata map[string]string) (string, error)

	// Search returns matching records, most recent first, bounded by
	// q.Limit (unbounded when Limit <= 0).
	Search(ctx context.Context, q Query) ([]*Record, error)
}

// DayCount is one calendar day's record count, day formatted as 2006-01-02.
type DayCount struct {
	Day   string `json:"day"`
	Count int64  `json:"count"`
}

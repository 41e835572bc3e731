// Package clock provides wall-clock timestamps and category-prefixed unique
// identifiers. Timestamps are UTC; durations measured through Since use the
// runtime's monotonic reading and are safe against wall-clock adjustment.
package clock

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Identifier categories. The prefix makes the owning component of an ID
// visible in logs and audit records.
const (
	CategoryTask     = "tsk"
	CategoryPlan     = "pln"
	CategorySession  = "ses"
	CategoryMessage  = "msg"
	CategoryAgent    = "agt"
	CategoryRecord   = "mem"
	CategoryFeedback = "fbk"
)

// Now returns the current wall-clock time in UTC. The returned value carries
// a monotonic reading, so Since(Now()) is adjustment-safe.
func Now() time.Time {
	return time.Now().UTC()
}

// Since returns the elapsed time since start using the monotonic clock when
// start carries one.
func Since(start time.Time) time.Duration {
	return time.Since(start)
}

// NewID returns a unique identifier prefixed with the given category,
// e.g. "tsk-5f9a...". Uniqueness holds across processes.
func NewID(category string) string {
	return category + "-" + uuid.New().String()
}

// Category returns the category prefix of an ID produced by NewID, or ""
// when the ID has no prefix.
func Category(id string) string {
	idx := strings.Index(id, "-")
	if idx <= 0 {
		return ""
	}
	return id[:idx]
}

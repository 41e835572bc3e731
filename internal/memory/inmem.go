package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/hivecore/hivecore/internal/clock"
)

// InMemoryStore is the default Store backend. It keeps records in an
// append-only slice guarded by a RWMutex.
type InMemoryStore struct {
	mu      sync.RWMutex
	records []*Record
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{}
}

// AddRecord appends a record and returns its generated ID.
func (s *InMemoryStore) AddRecord(ctx context.Context, content string, tags []string, metadata map[string]string) (string, error) {
	rec := &Record{
		ID:        clock.NewID(clock.CategoryRecord),
		Content:   content,
		Tags:      append([]string(nil), tags...),
		Metadata:  copyMeta(metadata),
		CreatedAt: clock.Now(),
	}

	s.mu.Lock()
	s.records = append(s.records, rec)
	s.mu.Unlock()

	return rec.ID, nil
}

// Search returns matching records, most recent first.
func (s *InMemoryStore) Search(ctx context.Context, q Query) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Record
	// Newest records live at the tail of the append-only slice.
	for i := len(s.records) - 1; i >= 0; i-- {
		rec := s.records[i]
		if !matchRecord(rec, q) {
			continue
		}
		out = append(out, rec)
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out, nil
}

// CountByDay buckets records carrying all the given tags per calendar day
// over the trailing window of days, oldest day first.
func (s *InMemoryStore) CountByDay(ctx context.Context, tags []string, days int) ([]DayCount, error) {
	cutoff := clock.Now().AddDate(0, 0, -days).Format("2006-01-02")

	s.mu.RLock()
	counts := make(map[string]int64)
	for _, rec := range s.records {
		day := rec.CreatedAt.UTC().Format("2006-01-02")
		if day < cutoff {
			continue
		}
		if !matchRecord(rec, Query{Tags: tags}) {
			continue
		}
		counts[day]++
	}
	s.mu.RUnlock()

	buckets := make([]DayCount, 0, len(counts))
	for day, count := range counts {
		buckets = append(buckets, DayCount{Day: day, Count: count})
	}
	sort.Slice(buckets, func(i, j int) bool { return buckets[i].Day < buckets[j].Day })
	return buckets, nil
}

// Len returns the number of stored records.
func (s *InMemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func matchRecord(rec *Record, q Query) bool {
	if q.Text != "" && !strings.Contains(strings.ToLower(rec.Content), strings.ToLower(q.Text)) {
		return false
	}
	for _, tag := range q.Tags {
		if !hasTag(rec, tag) {
			return false
		}
	}
	for key, want := range q.Meta {
		if rec.Metadata[key] != want {
			return false
		}
	}
	return true
}

func hasTag(rec *Record, tag string) bool {
	for _, t := range rec.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

func copyMeta(metadata map[string]string) map[string]string {
	if len(metadata) == 0 {
		return nil
	}
	out := make(map[string]string, len(metadata))
	for k, v := range metadata {
		out[k] = v
	}
	return out
}

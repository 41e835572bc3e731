package wire

import (
	"encoding/json"
	"fmt"
	"time"
)

// MetricsSnapshotType marks a message content payload as an operation
// metrics snapshot.
const MetricsSnapshotType = "operation_metrics_snapshot"

// LatencySummary is a rolling-window latency digest in milliseconds.
type LatencySummary struct {
	Avg     float64 `json:"avg"`
	P95     float64 `json:"p95"`
	P99     float64 `json:"p99"`
	Samples int     `json:"samples"`
}

// MetricsSnapshot is broadcast on the metrics session after each terminal
// task transition.
type MetricsSnapshot struct {
	Type      string         `json:"type"`
	Operation string         `json:"operation"`
	Snapshot  LatencySummary `json:"snapshot"`
	Timestamp time.Time      `json:"timestamp"`
}

// NewMetricsSnapshot creates a snapshot stamped with the current time.
func NewMetricsSnapshot(operation string, summary LatencySummary) *MetricsSnapshot {
	return &MetricsSnapshot{
		Type:      MetricsSnapshotType,
		Operation: operation,
		Snapshot:  summary,
		Timestamp: time.Now().UTC(),
	}
}

// Encode serializes the snapshot to its JSON message content form.
func (m *MetricsSnapshot) Encode() (string, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// ParseMetricsSnapshot decodes message content as a metrics snapshot,
// rejecting payloads whose type marker does not match.
func ParseMetricsSnapshot(content string) (*MetricsSnapshot, error) {
	var snap MetricsSnapshot
	if err := json.Unmarshal([]byte(content), &snap); err != nil {
		return nil, fmt.Errorf("decode metrics snapshot: %w", err)
	}
	if snap.Type != MetricsSnapshotType {
		return nil, fmt.Errorf("unexpected snapshot type %q", snap.Type)
	}
	return &snap, nil
}

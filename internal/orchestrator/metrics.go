package orchestrator

import (
	"context"
	"encoding/json"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hivecore/hivecore/internal/clock"
	"github.com/hivecore/hivecore/internal/comms"
	"github.com/hivecore/hivecore/internal/events"
	"github.com/hivecore/hivecore/internal/events/bus"
	"github.com/hivecore/hivecore/pkg/wire"
)

// metricsWindowSize bounds the rolling latency window. Once full, the oldest
// samples fall off as new ones arrive.
const metricsWindowSize = 1000

// metricsWindow keeps recent terminal attempt durations in milliseconds.
type metricsWindow struct {
	mu      sync.Mutex
	samples []int64
}

func newMetricsWindow() *metricsWindow {
	return &metricsWindow{}
}

func (w *metricsWindow) add(ms int64) {
	if ms < 0 {
		return
	}
	w.mu.Lock()
	w.samples = append(w.samples, ms)
	if len(w.samples) > metricsWindowSize {
		w.samples = w.samples[len(w.samples)-metricsWindowSize:]
	}
	w.mu.Unlock()
}

// summary computes avg, p95, and p99 over the current window.
func (w *metricsWindow) summary() wire.LatencySummary {
	w.mu.Lock()
	samples := append([]int64(nil), w.samples...)
	w.mu.Unlock()

	n := len(samples)
	if n == 0 {
		return wire.LatencySummary{}
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })

	var sum int64
	for _, sample := range samples {
		sum += sample
	}
	return wire.LatencySummary{
		Avg:     float64(sum) / float64(n),
		P95:     float64(percentile(samples, 0.95)),
		P99:     float64(percentile(samples, 0.99)),
		Samples: n,
	}
}

// percentile returns the q-quantile of a sorted slice by nearest rank.
func percentile(sorted []int64, q float64) int64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(q*float64(len(sorted)))) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}

// GetLatestMetricsSnapshot returns the most recently broadcast latency
// snapshot, or a fresh one computed from the window when none has been
// broadcast yet.
func (s *Service) GetLatestMetricsSnapshot() *wire.MetricsSnapshot {
	s.snapMu.Lock()
	defer s.snapMu.Unlock()
	if s.lastSnapshot != nil {
		snap := *s.lastSnapshot
		return &snap
	}
	return wire.NewMetricsSnapshot(OperationTaskExecute, s.window.summary())
}

// missionProgressType marks progress payloads on the plan session.
const missionProgressType = "mission_progress"

// missionProgress is the per-settlement status update broadcast to plan
// session subscribers.
type missionProgress struct {
	Type       string    `json:"type"`
	TaskID     string    `json:"taskId"`
	Queued     int64     `json:"queued"`
	Dispatched int64     `json:"dispatched"`
	Completed  int64     `json:"completed"`
	Failed     int64     `json:"failed"`
	Retried    int64     `json:"retried"`
	Timestamp  time.Time `json:"timestamp"`
}

// afterSettle runs once per settled task: refresh and broadcast the latency
// snapshot, then broadcast mission progress on the plan's session. Broadcast
// failures are logged and swallowed; settling never depends on them.
func (s *Service) afterSettle(ctx context.Context, sessionID, taskID string) {
	s.broadcastSnapshot(ctx)
	s.broadcastProgress(ctx, sessionID, taskID)
}

func (s *Service) broadcastSnapshot(ctx context.Context) {
	snap := wire.NewMetricsSnapshot(OperationTaskExecute, s.window.summary())
	s.snapMu.Lock()
	s.lastSnapshot = snap
	s.snapMu.Unlock()

	sessionID, err := s.metricsSession(ctx)
	if err != nil {
		s.logger.Warn("Metrics session unavailable", zap.Error(err))
		return
	}
	content, err := snap.Encode()
	if err != nil {
		s.logger.Warn("Failed to encode metrics snapshot", zap.Error(err))
		return
	}
	_, err = s.comms.BroadcastMessage(ctx, comms.SendParams{
		SessionID: sessionID,
		FromAgent: SelfAgentID,
		Type:      comms.MessageUpdate,
		Content:   content,
	})
	if err != nil {
		s.logger.Warn("Failed to broadcast metrics snapshot", zap.Error(err))
	}
}

func (s *Service) broadcastProgress(ctx context.Context, sessionID, taskID string) {
	stats, err := s.tasks.Stats(ctx)
	if err != nil {
		s.logger.Warn("Stats unavailable for progress broadcast", zap.Error(err))
		return
	}
	progress := missionProgress{
		Type:       missionProgressType,
		TaskID:     taskID,
		Queued:     stats.Queued,
		Dispatched: stats.Dispatched,
		Completed:  stats.Completed,
		Failed:     stats.Failed,
		Retried:    s.tasks.RetriedCount(),
		Timestamp:  clock.Now(),
	}
	content, err := json.Marshal(progress)
	if err != nil {
		s.logger.Warn("Failed to encode mission progress", zap.Error(err))
		return
	}
	_, err = s.comms.BroadcastMessage(ctx, comms.SendParams{
		SessionID: sessionID,
		FromAgent: SelfAgentID,
		Type:      comms.MessageUpdate,
		Content:   string(content),
	})
	if err != nil {
		s.logger.Warn("Failed to broadcast mission progress",
			zap.String("session_id", sessionID),
			zap.Error(err))
	}

	if s.bus != nil {
		event := bus.NewEvent(events.PlanProgress, "orchestrator", map[string]interface{}{
			"task_id":    taskID,
			"queued":     stats.Queued,
			"dispatched": stats.Dispatched,
			"completed":  stats.Completed,
			"failed":     stats.Failed,
			"retried":    progress.Retried,
		})
		if err := s.bus.Publish(ctx, events.PlanProgress, event); err != nil {
			s.logger.Warn("Failed to publish plan progress event", zap.Error(err))
		}
	}
}

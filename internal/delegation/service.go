// Package delegation owns task records and their lifecycle: harvesting
// deep-analysis recommendations into queued tasks, dispatch bookkeeping,
// retry with backoff, and terminal results. All status changes go through
// conditional repository writes, so a transition can never double-apply.
package delegation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/hivecore/hivecore/internal/clock"
	"github.com/hivecore/hivecore/internal/common/config"
	"github.com/hivecore/hivecore/internal/common/logger"
	"github.com/hivecore/hivecore/internal/common/stringutil"
	"github.com/hivecore/hivecore/internal/delegation/models"
	"github.com/hivecore/hivecore/internal/delegation/repository"
	"github.com/hivecore/hivecore/internal/events"
	"github.com/hivecore/hivecore/internal/events/bus"
	"github.com/hivecore/hivecore/internal/memory"
)

// ErrBadTransition is returned when an operation does not apply to the
// task's current status.
var ErrBadTransition = errors.New("invalid status transition")

// Service is the task delegation service.
type Service struct {
	cfg     config.OrchestratorConfig
	logger  *logger.Logger
	repo    repository.TaskRepository
	bus     bus.EventBus
	audit   *memory.Writer
	backoff BackoffPolicy

	// transitionMu serializes read-then-write transitions. The conditional
	// repository writes already prevent double-apply; the mutex keeps
	// attempt counters exact when the listener and a timeout race.
	transitionMu sync.Mutex

	retried atomic.Int64
}

// NewService creates the delegation service. The event bus and audit writer
// are optional.
func NewService(cfg config.OrchestratorConfig, log *logger.Logger, repo repository.TaskRepository, eventBus bus.EventBus, audit *memory.Writer) *Service {
	return &Service{
		cfg:     cfg,
		logger:  log.WithFields(zap.String("component", "delegation")),
		repo:    repo,
		bus:     eventBus,
		audit:   audit,
		backoff: NewBackoffPolicy(cfg.BackoffBaseMs, cfg.BackoffCapMs),
	}
}

// SnapshotHash derives the dedup key for a recommendation: the snapshot
// capture time joined with the normalized action text.
func SnapshotHash(takenAt time.Time, action string) string {
	sum := sha256.Sum256([]byte(takenAt.UTC().Format(time.RFC3339Nano) + "|" + stringutil.NormalizeSpace(action)))
	return hex.EncodeToString(sum[:])
}

// HarvestAndQueue derives one task per snapshot recommendation and queues
// it. Recommendations whose snapshot hash already has a non-terminal task
// are skipped, so harvesting the same snapshot twice queues nothing new.
// Returns the IDs of the tasks created by this call.
func (s *Service) HarvestAndQueue(ctx context.Context, snapshot *models.ProactiveSnapshot) ([]string, error) {
	if snapshot == nil {
		return nil, fmt.Errorf("snapshot is required")
	}

	now := clock.Now()
	var ids []string
	for _, rec := range snapshot.Recommendations {
		action := strings.TrimSpace(rec.Action)
		if action == "" {
			continue
		}
		hash := SnapshotHash(snapshot.TakenAt, action)

		exists, err := s.repo.HasNonTerminal(ctx, hash)
		if err != nil {
			return ids, fmt.Errorf("dedup lookup failed: %w", err)
		}
		if exists {
			s.logger.Debug("Skipping duplicate recommendation",
				zap.String("snapshot_hash", hash),
				zap.String("action", stringutil.TruncateString(action, 80)))
			continue
		}

		finding := strings.TrimSpace(rec.Finding)
		if finding == "" {
			finding = deriveFinding(snapshot)
		}

		task := &models.Task{
			ID:             clock.NewID(clock.CategoryTask),
			Action:         action,
			Finding:        finding,
			Status:         models.TaskQueued,
			MaxAttempts:    s.cfg.TaskMaxAttempts,
			NextEligibleAt: now,
			CreatedAt:      now,
			UpdatedAt:      now,
			SnapshotHash:   hash,
		}
		if err := s.repo.CreateTask(ctx, task); err != nil {
			return ids, fmt.Errorf("failed to queue task: %w", err)
		}
		ids = append(ids, task.ID)

		s.logger.Info("Task queued from recommendation",
			zap.String("task_id", task.ID),
			zap.String("action", stringutil.TruncateString(action, 120)))
		s.auditTransition(task, models.TaskQueued, "task queued from snapshot recommendation")
		s.publish(ctx, events.TaskQueued, task, nil)
	}
	return ids, nil
}

// deriveFinding summarizes the snapshot when a recommendation carries no
// supporting text of its own.
func deriveFinding(snapshot *models.ProactiveSnapshot) string {
	parts := []string{"snapshot taken at " + snapshot.TakenAt.UTC().Format(time.RFC3339)}
	if snapshot.MemoryBackendStatus != "" {
		parts = append(parts, "memory backend "+snapshot.MemoryBackendStatus)
	}
	for _, burn := range snapshot.ErrorBudgetBurnHot {
		parts = append(parts, fmt.Sprintf("%s burning error budget at %.2fx", burn.Operation, burn.BurnRate))
	}
	return strings.Join(parts, "; ")
}

// GetTask returns a single task record.
func (s *Service) GetTask(ctx context.Context, id string) (*models.Task, error) {
	return s.repo.GetTask(ctx, id)
}

// GetQueuedTasks returns tasks ready for dispatch: queued, with
// nextEligibleAt in the past, ordered by eligibility then creation.
func (s *Service) GetQueuedTasks(ctx context.Context, limit int) ([]*models.Task, error) {
	return s.repo.ListEligible(ctx, clock.Now(), limit)
}

// GetAllTasks returns tasks matching the filter.
func (s *Service) GetAllTasks(ctx context.Context, filter repository.ListFilter) ([]*models.Task, error) {
	return s.repo.ListTasks(ctx, filter)
}

// GetAttempts returns the attempt history for a task.
func (s *Service) GetAttempts(ctx context.Context, taskID string) ([]*models.TaskAttempt, error) {
	return s.repo.ListAttempts(ctx, taskID)
}

// MarkDispatched transitions a queued task to dispatched and opens an
// attempt history row. Returns false without side effects if the task is
// not queued.
func (s *Service) MarkDispatched(ctx context.Context, taskID, agentID string) (bool, error) {
	now := clock.Now()
	applied, err := s.repo.UpdateTaskStatus(ctx, taskID, models.TaskQueued, models.TaskDispatched, models.StatusUpdate{
		TargetAgent: &agentID,
		UpdatedAt:   now,
	})
	if err != nil {
		return false, err
	}
	if !applied {
		s.logger.Debug("Dispatch skipped, task not queued", zap.String("task_id", taskID))
		return false, nil
	}

	task, err := s.repo.GetTask(ctx, taskID)
	if err != nil {
		return true, err
	}

	rowID, err := s.repo.StartAttempt(ctx, taskID, task.Attempts+1, agentID, now)
	if err != nil {
		// Attempt history is advisory; the dispatch itself stands.
		s.logger.Warn("Failed to record attempt row",
			zap.String("task_id", taskID), zap.Error(err))
	} else {
		s.logger.Debug("Attempt opened",
			zap.String("task_id", taskID),
			zap.Int64("attempt_row", rowID),
			zap.Int("attempt", task.Attempts+1))
	}

	s.logger.Info("Task dispatched",
		zap.String("task_id", taskID),
		zap.String("agent_id", agentID))
	s.auditTransition(task, models.TaskDispatched, "task dispatched to "+agentID)
	s.publish(ctx, events.TaskDispatched, task, map[string]interface{}{"agent_id": agentID})
	return true, nil
}

// MarkDispatchFailure records a failure that happened before dispatch. It
// increments attempts and either fails the task terminally (non-retriable
// code, or attempt limit reached) or schedules it for a later retry, leaving
// it queued. Returns false without side effects if the task is not queued.
func (s *Service) MarkDispatchFailure(ctx context.Context, taskID, code, message string) (bool, error) {
	s.transitionMu.Lock()
	defer s.transitionMu.Unlock()

	task, err := s.repo.GetTask(ctx, taskID)
	if err != nil {
		return false, err
	}
	if task.Status != models.TaskQueued {
		return false, nil
	}

	now := clock.Now()
	attempts := task.Attempts + 1

	if !models.RetriableError(code) || attempts >= task.MaxAttempts {
		applied, err := s.repo.UpdateTaskStatus(ctx, taskID, models.TaskQueued, models.TaskFailed, models.StatusUpdate{
			Attempts:         &attempts,
			LastErrorCode:    &code,
			LastErrorMessage: &message,
			UpdatedAt:        now,
		})
		if err != nil || !applied {
			return false, err
		}
		s.logger.Error("Task failed terminally on dispatch",
			zap.String("task_id", taskID),
			zap.String("error_code", code),
			zap.Int("attempts", attempts))
		s.auditTransition(task, models.TaskFailed, "dispatch failed: "+code)
		s.publish(ctx, events.TaskFailed, task, map[string]interface{}{"error_code": code, "attempts": attempts})
		return true, nil
	}

	next := now.Add(s.backoff.Delay(attempts))
	applied, err := s.repo.UpdateTaskStatus(ctx, taskID, models.TaskQueued, models.TaskQueued, models.StatusUpdate{
		Attempts:         &attempts,
		NextEligibleAt:   &next,
		LastErrorCode:    &code,
		LastErrorMessage: &message,
		UpdatedAt:        now,
	})
	if err != nil || !applied {
		return false, err
	}
	s.retried.Add(1)
	s.logger.Warn("Dispatch failed, retry scheduled",
		zap.String("task_id", taskID),
		zap.String("error_code", code),
		zap.Int("attempts", attempts),
		zap.Time("next_eligible_at", next))
	s.auditTransition(task, models.TaskQueued, "dispatch failed, retry scheduled: "+code)
	s.publish(ctx, events.TaskRetried, task, map[string]interface{}{
		"error_code":       code,
		"attempts":         attempts,
		"next_eligible_at": next.Format(time.RFC3339Nano),
	})
	return true, nil
}

// MarkExecutionResult records the terminal outcome of a dispatched task.
// Success completes it; failure either requeues it with backoff (retriable
// code, attempts left) or fails it terminally. durationMs is written only
// on terminal transitions; pass a negative value when unmeasured.
//
// The call is idempotent on terminal tasks: second and later calls return
// false and change nothing.
func (s *Service) MarkExecutionResult(ctx context.Context, taskID string, success bool, code, message string, durationMs int64) (bool, error) {
	s.transitionMu.Lock()
	defer s.transitionMu.Unlock()

	task, err := s.repo.GetTask(ctx, taskID)
	if err != nil {
		return false, err
	}
	if task.Status.Terminal() {
		return false, nil
	}
	if task.Status != models.TaskDispatched {
		return false, fmt.Errorf("%w: task %s is %s, expected dispatched", ErrBadTransition, taskID, task.Status)
	}

	now := clock.Now()
	if success {
		update := models.StatusUpdate{UpdatedAt: now}
		if durationMs >= 0 {
			update.DurationMs = &durationMs
		}
		empty := ""
		update.LastErrorCode = &empty
		update.LastErrorMessage = &empty

		applied, err := s.repo.UpdateTaskStatus(ctx, taskID, models.TaskDispatched, models.TaskCompleted, update)
		if err != nil || !applied {
			return false, err
		}
		s.finishAttempt(ctx, taskID, now, "", "")
		s.logger.Info("Task completed",
			zap.String("task_id", taskID),
			zap.Int64("duration_ms", durationMs))
		s.auditTransition(task, models.TaskCompleted, "task completed")
		s.publish(ctx, events.TaskCompleted, task, map[string]interface{}{"duration_ms": durationMs})
		return true, nil
	}

	attempts := task.Attempts + 1
	if models.RetriableError(code) && attempts < task.MaxAttempts {
		next := now.Add(s.backoff.Delay(attempts))
		applied, err := s.repo.UpdateTaskStatus(ctx, taskID, models.TaskDispatched, models.TaskQueued, models.StatusUpdate{
			Attempts:         &attempts,
			NextEligibleAt:   &next,
			LastErrorCode:    &code,
			LastErrorMessage: &message,
			UpdatedAt:        now,
		})
		if err != nil || !applied {
			return false, err
		}
		s.finishAttempt(ctx, taskID, now, code, message)
		s.retried.Add(1)
		s.logger.Warn("Task failed, requeued with backoff",
			zap.String("task_id", taskID),
			zap.String("error_code", code),
			zap.Int("attempts", attempts),
			zap.Time("next_eligible_at", next))
		s.auditTransition(task, models.TaskFailed, "task attempt failed: "+code)
		s.auditTransition(task, models.TaskQueued, fmt.Sprintf("task requeued after failure (attempt %d)", attempts))
		s.publish(ctx, events.TaskRetried, task, map[string]interface{}{
			"error_code":       code,
			"attempts":         attempts,
			"next_eligible_at": next.Format(time.RFC3339Nano),
		})
		return true, nil
	}

	update := models.StatusUpdate{
		Attempts:         &attempts,
		LastErrorCode:    &code,
		LastErrorMessage: &message,
		UpdatedAt:        now,
	}
	if durationMs >= 0 {
		update.DurationMs = &durationMs
	}
	applied, err := s.repo.UpdateTaskStatus(ctx, taskID, models.TaskDispatched, models.TaskFailed, update)
	if err != nil || !applied {
		return false, err
	}
	s.finishAttempt(ctx, taskID, now, code, message)
	s.logger.Error("Task failed terminally",
		zap.String("task_id", taskID),
		zap.String("error_code", code),
		zap.Int("attempts", attempts))
	s.auditTransition(task, models.TaskFailed, "task failed: "+code)
	s.publish(ctx, events.TaskFailed, task, map[string]interface{}{"error_code": code, "attempts": attempts})
	return true, nil
}

// ProcessDueRequeues returns the IDs of queued tasks whose backoff has
// elapsed. It changes no state; schedulers use it to decide what to run.
func (s *Service) ProcessDueRequeues(ctx context.Context, now time.Time) ([]string, error) {
	tasks, err := s.repo.ListEligible(ctx, now, 0)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(tasks))
	for _, task := range tasks {
		ids = append(ids, task.ID)
	}
	if len(ids) > 0 {
		s.logger.Debug("Requeue scan found eligible tasks", zap.Int("count", len(ids)))
	}
	return ids, nil
}

// Stats returns current task counts plus the cumulative retry counter.
func (s *Service) Stats(ctx context.Context) (*models.TaskStats, error) {
	return s.repo.Stats(ctx)
}

// RetriedCount returns the number of retries scheduled since startup.
func (s *Service) RetriedCount() int64 {
	return s.retried.Load()
}

func (s *Service) finishAttempt(ctx context.Context, taskID string, at time.Time, code, message string) {
	if err := s.repo.FinishAttempt(ctx, taskID, at, code, message); err != nil {
		s.logger.Warn("Failed to close attempt row",
			zap.String("task_id", taskID), zap.Error(err))
	}
}

func (s *Service) auditTransition(task *models.Task, newStatus models.TaskStatus, content string) {
	if s.audit == nil {
		return
	}
	s.audit.Record(content,
		[]string{"task", string(newStatus), task.ID, task.SnapshotHash},
		map[string]string{
			"taskId":       task.ID,
			"snapshotHash": task.SnapshotHash,
			"status":       string(newStatus),
		})
}

func (s *Service) publish(ctx context.Context, eventType string, task *models.Task, extra map[string]interface{}) {
	if s.bus == nil {
		return
	}
	data := map[string]interface{}{
		"task_id":       task.ID,
		"action":        task.Action,
		"snapshot_hash": task.SnapshotHash,
	}
	for k, v := range extra {
		data[k] = v
	}
	if err := s.bus.Publish(ctx, eventType, bus.NewEvent(eventType, "delegation", data)); err != nil {
		s.logger.Warn("Failed to publish task event",
			zap.String("event_type", eventType),
			zap.Error(err))
	}
}

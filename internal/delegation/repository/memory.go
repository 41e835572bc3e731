package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hivecore/hivecore/internal/delegation/models"
)

// MemoryRepository provides in-memory task storage.
type MemoryRepository struct {
	mu       sync.RWMutex
	tasks    map[string]*models.Task
	attempts []*models.TaskAttempt
	nextID   int64
}

var _ TaskRepository = (*MemoryRepository)(nil)

// NewMemoryRepository creates a new in-memory task repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		tasks: make(map[string]*models.Task),
	}
}

// Close is a no-op for the in-memory repository.
func (r *MemoryRepository) Close() error {
	return nil
}

// CreateTask stores a new task record.
func (r *MemoryRepository) CreateTask(ctx context.Context, task *models.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if task.ID == "" {
		return fmt.Errorf("task id is required")
	}
	if _, exists := r.tasks[task.ID]; exists {
		return fmt.Errorf("task already exists: %s", task.ID)
	}
	r.tasks[task.ID] = task.Clone()
	return nil
}

// GetTask retrieves a task by ID.
func (r *MemoryRepository) GetTask(ctx context.Context, id string) (*models.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	task, ok := r.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return task.Clone(), nil
}

// ListTasks returns tasks matching the filter, ordered by creation time.
func (r *MemoryRepository) ListTasks(ctx context.Context, filter ListFilter) ([]*models.Task, error) {
	r.mu.RLock()
	var result []*models.Task
	for _, task := range r.tasks {
		if filter.Status != "" && task.Status != filter.Status {
			continue
		}
		if filter.SnapshotHash != "" && task.SnapshotHash != filter.SnapshotHash {
			continue
		}
		result = append(result, task.Clone())
	}
	r.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

// ListEligible returns queued tasks whose nextEligibleAt has passed.
func (r *MemoryRepository) ListEligible(ctx context.Context, now time.Time, limit int) ([]*models.Task, error) {
	r.mu.RLock()
	var result []*models.Task
	for _, task := range r.tasks {
		if task.Status != models.TaskQueued {
			continue
		}
		if task.NextEligibleAt.After(now) {
			continue
		}
		result = append(result, task.Clone())
	}
	r.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		if !result[i].NextEligibleAt.Equal(result[j].NextEligibleAt) {
			return result[i].NextEligibleAt.Before(result[j].NextEligibleAt)
		}
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// HasNonTerminal reports whether a queued or dispatched task carries the hash.
func (r *MemoryRepository) HasNonTerminal(ctx context.Context, snapshotHash string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, task := range r.tasks {
		if task.SnapshotHash == snapshotHash && !task.Status.Terminal() {
			return true, nil
		}
	}
	return false, nil
}

// UpdateTaskStatus applies a conditional status transition.
func (r *MemoryRepository) UpdateTaskStatus(ctx context.Context, id string, from, to models.TaskStatus, update models.StatusUpdate) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	task, ok := r.tasks[id]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if task.Status != from {
		return false, nil
	}

	task.Status = to
	task.UpdatedAt = update.UpdatedAt
	if update.TargetAgent != nil {
		task.TargetAgent = *update.TargetAgent
	}
	if update.Attempts != nil {
		task.Attempts = *update.Attempts
	}
	if update.NextEligibleAt != nil {
		task.NextEligibleAt = *update.NextEligibleAt
	}
	if update.LastErrorCode != nil {
		task.LastErrorCode = *update.LastErrorCode
	}
	if update.LastErrorMessage != nil {
		task.LastErrorMessage = *update.LastErrorMessage
	}
	if update.DurationMs != nil {
		v := *update.DurationMs
		task.DurationMs = &v
	}
	return true, nil
}

// StartAttempt opens an attempt history row.
func (r *MemoryRepository) StartAttempt(ctx context.Context, taskID string, attempt int, agentID string, at time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tasks[taskID]; !ok {
		return 0, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	r.nextID++
	r.attempts = append(r.attempts, &models.TaskAttempt{
		ID:           r.nextID,
		TaskID:       taskID,
		Attempt:      attempt,
		AgentID:      agentID,
		DispatchedAt: at,
	})
	return r.nextID, nil
}

// FinishAttempt closes the most recent open attempt for the task.
func (r *MemoryRepository) FinishAttempt(ctx context.Context, taskID string, at time.Time, errorCode, errorMessage string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := len(r.attempts) - 1; i >= 0; i-- {
		a := r.attempts[i]
		if a.TaskID == taskID && a.CompletedAt == nil {
			done := at
			a.CompletedAt = &done
			a.ErrorCode = errorCode
			a.ErrorMessage = errorMessage
			return nil
		}
	}
	return nil
}

// ListAttempts returns the attempt history for a task, oldest first.
func (r *MemoryRepository) ListAttempts(ctx context.Context, taskID string) ([]*models.TaskAttempt, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*models.TaskAttempt
	for _, a := range r.attempts {
		if a.TaskID == taskID {
			dup := *a
			if a.CompletedAt != nil {
				done := *a.CompletedAt
				dup.CompletedAt = &done
			}
			result = append(result, &dup)
		}
	}
	return result, nil
}

// Stats aggregates task counts and the average closed-attempt duration.
func (r *MemoryRepository) Stats(ctx context.Context) (*models.TaskStats, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := &models.TaskStats{}
	for _, task := range r.tasks {
		switch task.Status {
		case models.TaskQueued:
			stats.Queued++
		case models.TaskDispatched:
			stats.Dispatched++
		case models.TaskCompleted:
			stats.Completed++
		case models.TaskFailed:
			stats.Failed++
		}
	}

	var total float64
	var closed int
	for _, a := range r.attempts {
		if a.CompletedAt == nil {
			continue
		}
		total += float64(a.CompletedAt.Sub(a.DispatchedAt).Milliseconds())
		closed++
	}
	if closed > 0 {
		stats.AvgAttemptDurationMs = total / float64(closed)
	}
	return stats, nil
}

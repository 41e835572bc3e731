// Package repository provides task storage for the delegation service with
// in-memory, SQLite, and PostgreSQL implementations.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/hivecore/hivecore/internal/delegation/models"
)

// ErrTaskNotFound is wrapped by Get/update operations for unknown task IDs.
var ErrTaskNotFound = errors.New("task not found")

// ListFilter narrows ListTasks. Zero values match everything.
type ListFilter struct {
	Status       models.TaskStatus
	SnapshotHash string
	Limit        int
}

// TaskRepository stores task records and their attempt history. Status
// transitions are conditional writes: UpdateTaskStatus applies only when the
// stored status equals from, so concurrent transitions cannot double-apply.
type TaskRepository interface {
	Close() error

	CreateTask(ctx context.Context, task *models.Task) error
	GetTask(ctx context.Context, id string) (*models.Task, error)
	// ListTasks returns matching tasks ordered by creation time then ID.
	ListTasks(ctx context.Context, filter ListFilter) ([]*models.Task, error)
	// ListEligible returns queued tasks with nextEligibleAt <= now, ordered
	// by nextEligibleAt then creation time.
	ListEligible(ctx context.Context, now time.Time, limit int) ([]*models.Task, error)
	// HasNonTerminal reports whether any queued or dispatched task carries
	// the snapshot hash.
	HasNonTerminal(ctx context.Context, snapshotHash string) (bool, error)
	// UpdateTaskStatus transitions id from -> to and applies the side
	// fields. Returns false without writing when the stored status is not
	// from.
	UpdateTaskStatus(ctx context.Context, id string, from, to models.TaskStatus, update models.StatusUpdate) (bool, error)

	// StartAttempt opens an attempt history row and returns its row ID.
	StartAttempt(ctx context.Context, taskID string, attempt int, agentID string, at time.Time) (int64, error)
	// FinishAttempt closes the open attempt for the task, if any.
	FinishAttempt(ctx context.Context, taskID string, at time.Time, errorCode, errorMessage string) error
	ListAttempts(ctx context.Context, taskID string) ([]*models.TaskAttempt, error)

	Stats(ctx context.Context) (*models.TaskStats, error)
}

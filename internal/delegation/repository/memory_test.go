package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hivecore/hivecore/internal/delegation/models"
)

func seedTask(t *testing.T, repo TaskRepository, id string, status models.TaskStatus, eligible time.Time) *models.Task {
	t.Helper()
	task := &models.Task{
		ID:             id,
		Action:         "action for " + id,
		Finding:        "finding for " + id,
		Status:         status,
		MaxAttempts:    3,
		NextEligibleAt: eligible,
		CreatedAt:      eligible,
		UpdatedAt:      eligible,
		SnapshotHash:   "hash-" + id,
	}
	if err := repo.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("create %s: %v", id, err)
	}
	return task
}

func TestMemoryCreateAndGetCopies(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	now := time.Now().UTC()

	original := seedTask(t, repo, "tsk-1", models.TaskQueued, now)
	original.Action = "mutated after create"

	got, err := repo.GetTask(ctx, "tsk-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Action != "action for tsk-1" {
		t.Errorf("repository shares memory with caller: %q", got.Action)
	}

	got.Status = models.TaskFailed
	again, _ := repo.GetTask(ctx, "tsk-1")
	if again.Status != models.TaskQueued {
		t.Error("mutating a returned task leaked into the repository")
	}
}

func TestMemoryCreateRejectsDuplicateID(t *testing.T) {
	repo := NewMemoryRepository()
	now := time.Now().UTC()
	seedTask(t, repo, "tsk-1", models.TaskQueued, now)

	err := repo.CreateTask(context.Background(), &models.Task{ID: "tsk-1", Status: models.TaskQueued})
	if err == nil {
		t.Fatal("expected duplicate ID error")
	}
}

func TestMemoryGetUnknownTask(t *testing.T) {
	repo := NewMemoryRepository()

	_, err := repo.GetTask(context.Background(), "tsk-missing")
	if !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestMemoryUpdateTaskStatusCAS(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	now := time.Now().UTC()
	seedTask(t, repo, "tsk-1", models.TaskQueued, now)

	agent := "agt-1"
	applied, err := repo.UpdateTaskStatus(ctx, "tsk-1", models.TaskQueued, models.TaskDispatched, models.StatusUpdate{
		TargetAgent: &agent,
		UpdatedAt:   now,
	})
	if err != nil || !applied {
		t.Fatalf("first update: applied=%v err=%v", applied, err)
	}

	// Same precondition again: the task already moved on.
	applied, err = repo.UpdateTaskStatus(ctx, "tsk-1", models.TaskQueued, models.TaskDispatched, models.StatusUpdate{UpdatedAt: now})
	if err != nil {
		t.Fatalf("second update: %v", err)
	}
	if applied {
		t.Error("conditional update applied twice")
	}

	task, _ := repo.GetTask(ctx, "tsk-1")
	if task.Status != models.TaskDispatched || task.TargetAgent != "agt-1" {
		t.Errorf("unexpected task state: %+v", task)
	}
}

func TestMemoryUpdateTaskStatusUnknownTask(t *testing.T) {
	repo := NewMemoryRepository()

	_, err := repo.UpdateTaskStatus(context.Background(), "tsk-missing", models.TaskQueued, models.TaskDispatched, models.StatusUpdate{})
	if !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestMemoryUpdateAppliesOptionalFields(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	now := time.Now().UTC()
	seedTask(t, repo, "tsk-1", models.TaskDispatched, now)

	attempts := 2
	next := now.Add(time.Second)
	code := "task_timeout"
	message := "agent never replied"
	duration := int64(4000)
	applied, err := repo.UpdateTaskStatus(ctx, "tsk-1", models.TaskDispatched, models.TaskFailed, models.StatusUpdate{
		Attempts:         &attempts,
		NextEligibleAt:   &next,
		LastErrorCode:    &code,
		LastErrorMessage: &message,
		DurationMs:       &duration,
		UpdatedAt:        now.Add(time.Second),
	})
	if err != nil || !applied {
		t.Fatalf("update: applied=%v err=%v", applied, err)
	}

	task, _ := repo.GetTask(ctx, "tsk-1")
	if task.Attempts != 2 || task.LastErrorCode != "task_timeout" || task.LastErrorMessage != "agent never replied" {
		t.Errorf("optional fields not applied: %+v", task)
	}
	if task.DurationMs == nil || *task.DurationMs != 4000 {
		t.Errorf("duration not applied: %v", task.DurationMs)
	}
	if !task.NextEligibleAt.Equal(next) {
		t.Errorf("next eligibility not applied: %v", task.NextEligibleAt)
	}
}

func TestMemoryListTasksFiltersAndOrders(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	base := time.Now().UTC()

	seedTask(t, repo, "tsk-b", models.TaskQueued, base.Add(time.Second))
	seedTask(t, repo, "tsk-a", models.TaskQueued, base)
	seedTask(t, repo, "tsk-c", models.TaskCompleted, base.Add(2*time.Second))

	all, err := repo.ListTasks(ctx, ListFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 || all[0].ID != "tsk-a" || all[1].ID != "tsk-b" || all[2].ID != "tsk-c" {
		t.Errorf("expected creation order, got %v", taskIDs(all))
	}

	queued, err := repo.ListTasks(ctx, ListFilter{Status: models.TaskQueued})
	if err != nil {
		t.Fatalf("list queued: %v", err)
	}
	if len(queued) != 2 {
		t.Errorf("expected 2 queued tasks, got %d", len(queued))
	}

	byHash, err := repo.ListTasks(ctx, ListFilter{SnapshotHash: "hash-tsk-c"})
	if err != nil {
		t.Fatalf("list by hash: %v", err)
	}
	if len(byHash) != 1 || byHash[0].ID != "tsk-c" {
		t.Errorf("expected hash filter to match tsk-c, got %v", taskIDs(byHash))
	}

	limited, err := repo.ListTasks(ctx, ListFilter{Limit: 2})
	if err != nil {
		t.Fatalf("list limited: %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("expected limit of 2, got %d", len(limited))
	}
}

func TestMemoryListEligible(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	now := time.Now().UTC()

	seedTask(t, repo, "tsk-later", models.TaskQueued, now.Add(time.Hour))
	seedTask(t, repo, "tsk-due2", models.TaskQueued, now.Add(-time.Minute))
	seedTask(t, repo, "tsk-due1", models.TaskQueued, now.Add(-2*time.Minute))
	seedTask(t, repo, "tsk-done", models.TaskCompleted, now.Add(-time.Hour))
	seedTask(t, repo, "tsk-out", models.TaskDispatched, now.Add(-time.Hour))

	eligible, err := repo.ListEligible(ctx, now, 0)
	if err != nil {
		t.Fatalf("eligible: %v", err)
	}
	if len(eligible) != 2 || eligible[0].ID != "tsk-due1" || eligible[1].ID != "tsk-due2" {
		t.Errorf("expected due tasks ordered by eligibility, got %v", taskIDs(eligible))
	}

	limited, err := repo.ListEligible(ctx, now, 1)
	if err != nil {
		t.Fatalf("eligible limited: %v", err)
	}
	if len(limited) != 1 || limited[0].ID != "tsk-due1" {
		t.Errorf("expected earliest eligible task, got %v", taskIDs(limited))
	}
}

func TestMemoryHasNonTerminal(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	now := time.Now().UTC()
	seedTask(t, repo, "tsk-1", models.TaskQueued, now)

	exists, err := repo.HasNonTerminal(ctx, "hash-tsk-1")
	if err != nil || !exists {
		t.Fatalf("expected queued hash to block: exists=%v err=%v", exists, err)
	}

	exists, err = repo.HasNonTerminal(ctx, "hash-unknown")
	if err != nil || exists {
		t.Fatalf("unknown hash should not block: exists=%v err=%v", exists, err)
	}

	repo.UpdateTaskStatus(ctx, "tsk-1", models.TaskQueued, models.TaskDispatched, models.StatusUpdate{UpdatedAt: now})
	exists, _ = repo.HasNonTerminal(ctx, "hash-tsk-1")
	if !exists {
		t.Error("dispatched is still non-terminal")
	}

	repo.UpdateTaskStatus(ctx, "tsk-1", models.TaskDispatched, models.TaskCompleted, models.StatusUpdate{UpdatedAt: now})
	exists, _ = repo.HasNonTerminal(ctx, "hash-tsk-1")
	if exists {
		t.Error("completed task should release the hash")
	}
}

func TestMemoryAttemptLifecycle(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	now := time.Now().UTC()
	seedTask(t, repo, "tsk-1", models.TaskQueued, now)

	rowID, err := repo.StartAttempt(ctx, "tsk-1", 1, "agt-1", now)
	if err != nil {
		t.Fatalf("start attempt: %v", err)
	}
	if rowID <= 0 {
		t.Errorf("expected positive attempt row ID, got %d", rowID)
	}

	done := now.Add(500 * time.Millisecond)
	if err := repo.FinishAttempt(ctx, "tsk-1", done, "task_timeout", "slow"); err != nil {
		t.Fatalf("finish attempt: %v", err)
	}

	attempts, err := repo.ListAttempts(ctx, "tsk-1")
	if err != nil {
		t.Fatalf("list attempts: %v", err)
	}
	if len(attempts) != 1 {
		t.Fatalf("expected 1 attempt, got %d", len(attempts))
	}
	a := attempts[0]
	if a.Attempt != 1 || a.AgentID != "agt-1" || a.ErrorCode != "task_timeout" {
		t.Errorf("unexpected attempt row: %+v", a)
	}
	if a.CompletedAt == nil || !a.CompletedAt.Equal(done) {
		t.Errorf("attempt not closed: %+v", a.CompletedAt)
	}

	// Second attempt stays open until finished.
	if _, err := repo.StartAttempt(ctx, "tsk-1", 2, "agt-2", done); err != nil {
		t.Fatalf("second attempt: %v", err)
	}
	attempts, _ = repo.ListAttempts(ctx, "tsk-1")
	if len(attempts) != 2 || attempts[1].CompletedAt != nil {
		t.Errorf("expected open second attempt: %+v", attempts)
	}
}

func TestMemoryFinishAttemptWithoutOpenRow(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	now := time.Now().UTC()
	seedTask(t, repo, "tsk-1", models.TaskQueued, now)

	// No open attempt: closing is a harmless no-op.
	if err := repo.FinishAttempt(ctx, "tsk-1", now, "", ""); err != nil {
		t.Fatalf("finish without open row: %v", err)
	}
	attempts, _ := repo.ListAttempts(ctx, "tsk-1")
	if len(attempts) != 0 {
		t.Errorf("no attempt rows expected, got %d", len(attempts))
	}
}

func TestMemoryStats(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	now := time.Now().UTC()

	seedTask(t, repo, "tsk-1", models.TaskQueued, now)
	seedTask(t, repo, "tsk-2", models.TaskDispatched, now)
	seedTask(t, repo, "tsk-3", models.TaskCompleted, now)
	seedTask(t, repo, "tsk-4", models.TaskFailed, now)
	seedTask(t, repo, "tsk-5", models.TaskFailed, now)

	repo.StartAttempt(ctx, "tsk-3", 1, "agt-1", now)
	repo.FinishAttempt(ctx, "tsk-3", now.Add(100*time.Millisecond), "", "")
	repo.StartAttempt(ctx, "tsk-4", 1, "agt-1", now)
	repo.FinishAttempt(ctx, "tsk-4", now.Add(300*time.Millisecond), "boom", "failed")
	// Open attempts do not count toward the average.
	repo.StartAttempt(ctx, "tsk-2", 1, "agt-1", now)

	stats, err := repo.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Queued != 1 || stats.Dispatched != 1 || stats.Completed != 1 || stats.Failed != 2 {
		t.Errorf("unexpected counts: %+v", stats)
	}
	if stats.AvgAttemptDurationMs < 199 || stats.AvgAttemptDurationMs > 201 {
		t.Errorf("expected ~200ms average, got %f", stats.AvgAttemptDurationMs)
	}
}

func taskIDs(tasks []*models.Task) []string {
	ids := make([]string, 0, len(tasks))
	for _, task := range tasks {
		ids = append(ids, task.ID)
	}
	return ids
}

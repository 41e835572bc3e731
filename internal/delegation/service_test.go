package delegation

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/hivecore/hivecore/internal/common/config"
	"github.com/hivecore/hivecore/internal/common/logger"
	"github.com/hivecore/hivecore/internal/delegation/models"
	"github.com/hivecore/hivecore/internal/delegation/repository"
	"github.com/hivecore/hivecore/internal/memory"
)

func newTestService(t *testing.T) (*Service, *repository.MemoryRepository, *memory.InMemoryStore) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("logger: %v", err)
	}

	repo := repository.NewMemoryRepository()
	store := memory.NewInMemoryStore()
	audit := memory.NewWriter(store, log)
	audit.Start()
	t.Cleanup(audit.Stop)

	cfg := config.OrchestratorConfig{
		TaskMaxAttempts: 3,
		BackoffBaseMs:   500,
		BackoffCapMs:    30000,
	}
	svc := NewService(cfg, log, repo, nil, audit)
	svc.backoff.jitter = fixedJitter(1)
	return svc, repo, store
}

func testSnapshot(actions ...string) *models.ProactiveSnapshot {
	snapshot := &models.ProactiveSnapshot{
		TakenAt:             time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		MemoryBackendStatus: "healthy",
		ErrorBudgetBurnHot: []models.BurnRate{
			{Operation: "TaskDelegation.execute", BurnRate: 2.5},
		},
	}
	for _, action := range actions {
		snapshot.Recommendations = append(snapshot.Recommendations, models.Recommendation{Action: action})
	}
	return snapshot
}

func harvestOne(t *testing.T, svc *Service, action string) string {
	t.Helper()
	ids, err := svc.HarvestAndQueue(context.Background(), testSnapshot(action))
	if err != nil {
		t.Fatalf("harvest: %v", err)
	}
	if len(ids) != 1 {
		t.Fatalf("expected 1 task, got %d", len(ids))
	}
	return ids[0]
}

func TestHarvestAndQueue(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	ids, err := svc.HarvestAndQueue(ctx, testSnapshot("Refactor latency thresholds", "Document the retry policy"))
	if err != nil {
		t.Fatalf("harvest: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(ids))
	}

	task, err := svc.GetTask(ctx, ids[0])
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if task.Status != models.TaskQueued || task.Attempts != 0 {
		t.Errorf("new task should be queued with zero attempts: %+v", task)
	}
	if task.MaxAttempts != 3 {
		t.Errorf("expected configured max attempts, got %d", task.MaxAttempts)
	}
	if task.SnapshotHash == "" {
		t.Error("expected snapshot hash on harvested task")
	}
	if !strings.HasPrefix(task.ID, "tsk-") {
		t.Errorf("expected task category prefix, got %s", task.ID)
	}
	if task.NextEligibleAt.After(time.Now().UTC()) {
		t.Error("new task should be immediately eligible")
	}
}

func TestHarvestDerivesFindingFromSnapshot(t *testing.T) {
	svc, _, _ := newTestService(t)

	id := harvestOne(t, svc, "Optimize the cache")
	task, _ := svc.GetTask(context.Background(), id)
	if !strings.Contains(task.Finding, "snapshot taken at 2025-01-01T00:00:00Z") {
		t.Errorf("finding should reference the snapshot: %q", task.Finding)
	}
	if !strings.Contains(task.Finding, "TaskDelegation.execute") {
		t.Errorf("finding should name hot operations: %q", task.Finding)
	}
}

func TestHarvestKeepsProvidedFinding(t *testing.T) {
	svc, _, _ := newTestService(t)
	snapshot := testSnapshot()
	snapshot.Recommendations = []models.Recommendation{
		{Action: "Tune timeouts", Finding: "p99 doubled last week"},
	}

	ids, err := svc.HarvestAndQueue(context.Background(), snapshot)
	if err != nil {
		t.Fatalf("harvest: %v", err)
	}
	task, _ := svc.GetTask(context.Background(), ids[0])
	if task.Finding != "p99 doubled last week" {
		t.Errorf("finding overwritten: %q", task.Finding)
	}
}

func TestHarvestDedupSkipsSecondSnapshot(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	snapshot := testSnapshot("Refactor latency thresholds")

	first, err := svc.HarvestAndQueue(ctx, snapshot)
	if err != nil {
		t.Fatalf("first harvest: %v", err)
	}
	second, err := svc.HarvestAndQueue(ctx, snapshot)
	if err != nil {
		t.Fatalf("second harvest: %v", err)
	}
	if len(first) != 1 || len(second) != 0 {
		t.Errorf("expected 1 then 0 tasks, got %d then %d", len(first), len(second))
	}

	all, _ := svc.GetAllTasks(ctx, repository.ListFilter{})
	if len(all) != 1 {
		t.Errorf("total task count changed on duplicate harvest: %d", len(all))
	}
}

func TestHarvestDedupNormalizesActionText(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	snapshot := testSnapshot("Refactor  Latency thresholds")
	if _, err := svc.HarvestAndQueue(ctx, snapshot); err != nil {
		t.Fatalf("harvest: %v", err)
	}
	snapshot2 := testSnapshot("refactor latency   THRESHOLDS")
	ids, err := svc.HarvestAndQueue(ctx, snapshot2)
	if err != nil {
		t.Fatalf("harvest: %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("case and whitespace variants should dedup, got %d new tasks", len(ids))
	}
}

func TestHarvestDedupReleasedByTerminalState(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	snapshot := testSnapshot("Refactor latency thresholds")

	ids, _ := svc.HarvestAndQueue(ctx, snapshot)
	if _, err := svc.MarkDispatched(ctx, ids[0], "agt-1"); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if _, err := svc.MarkExecutionResult(ctx, ids[0], true, "", "", 10); err != nil {
		t.Fatalf("complete: %v", err)
	}

	again, err := svc.HarvestAndQueue(ctx, snapshot)
	if err != nil {
		t.Fatalf("re-harvest: %v", err)
	}
	if len(again) != 1 {
		t.Errorf("terminal task should release the dedup key, got %d new tasks", len(again))
	}
}

func TestHarvestSkipsBlankActions(t *testing.T) {
	svc, _, _ := newTestService(t)

	ids, err := svc.HarvestAndQueue(context.Background(), testSnapshot("   ", "Do something"))
	if err != nil {
		t.Fatalf("harvest: %v", err)
	}
	if len(ids) != 1 {
		t.Errorf("blank actions should be skipped, got %d tasks", len(ids))
	}
}

func TestMarkDispatched(t *testing.T) {
	svc, repo, _ := newTestService(t)
	ctx := context.Background()
	id := harvestOne(t, svc, "Refactor latency thresholds")

	applied, err := svc.MarkDispatched(ctx, id, "agt-1")
	if err != nil || !applied {
		t.Fatalf("dispatch: applied=%v err=%v", applied, err)
	}

	task, _ := svc.GetTask(ctx, id)
	if task.Status != models.TaskDispatched || task.TargetAgent != "agt-1" {
		t.Errorf("unexpected task after dispatch: %+v", task)
	}

	attempts, _ := repo.ListAttempts(ctx, id)
	if len(attempts) != 1 || attempts[0].Attempt != 1 || attempts[0].AgentID != "agt-1" {
		t.Errorf("expected one open attempt row: %+v", attempts)
	}

	// Not queued anymore: second dispatch is a no-op.
	applied, err = svc.MarkDispatched(ctx, id, "agt-2")
	if err != nil {
		t.Fatalf("second dispatch: %v", err)
	}
	if applied {
		t.Error("dispatch of a non-queued task must return false")
	}
}

func TestMarkDispatchedUnknownTask(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.MarkDispatched(context.Background(), "tsk-missing", "agt-1")
	if !errors.Is(err, repository.ErrTaskNotFound) {
		t.Errorf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestMarkExecutionResultSuccess(t *testing.T) {
	svc, repo, _ := newTestService(t)
	ctx := context.Background()
	id := harvestOne(t, svc, "Refactor latency thresholds")
	svc.MarkDispatched(ctx, id, "agt-1")

	applied, err := svc.MarkExecutionResult(ctx, id, true, "", "", 123)
	if err != nil || !applied {
		t.Fatalf("result: applied=%v err=%v", applied, err)
	}

	task, _ := svc.GetTask(ctx, id)
	if task.Status != models.TaskCompleted {
		t.Errorf("expected completed, got %s", task.Status)
	}
	if task.DurationMs == nil || *task.DurationMs != 123 {
		t.Errorf("expected duration 123, got %v", task.DurationMs)
	}

	attempts, _ := repo.ListAttempts(ctx, id)
	if len(attempts) != 1 || attempts[0].CompletedAt == nil {
		t.Errorf("attempt row should be closed: %+v", attempts)
	}
}

func TestMarkExecutionResultIdempotentOnTerminal(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	id := harvestOne(t, svc, "Refactor latency thresholds")
	svc.MarkDispatched(ctx, id, "agt-1")
	svc.MarkExecutionResult(ctx, id, true, "", "", 123)

	// A late failure report must not alter the completed record.
	applied, err := svc.MarkExecutionResult(ctx, id, false, models.ErrorCodeTaskTimeout, "late", 9000)
	if err != nil {
		t.Fatalf("second result: %v", err)
	}
	if applied {
		t.Error("second terminal report must return false")
	}

	task, _ := svc.GetTask(ctx, id)
	if task.Status != models.TaskCompleted || *task.DurationMs != 123 {
		t.Errorf("terminal record was altered: %+v", task)
	}
}

func TestMarkExecutionResultRetriableRequeues(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	id := harvestOne(t, svc, "Refactor latency thresholds")
	svc.MarkDispatched(ctx, id, "agt-1")

	before := time.Now().UTC()
	applied, err := svc.MarkExecutionResult(ctx, id, false, models.ErrorCodeTaskTimeout, "no reply", 4000)
	if err != nil || !applied {
		t.Fatalf("result: applied=%v err=%v", applied, err)
	}

	task, _ := svc.GetTask(ctx, id)
	if task.Status != models.TaskQueued {
		t.Fatalf("retriable failure should requeue, got %s", task.Status)
	}
	if task.Attempts != 1 {
		t.Errorf("expected attempts=1, got %d", task.Attempts)
	}
	if task.LastErrorCode != models.ErrorCodeTaskTimeout {
		t.Errorf("expected last error recorded, got %q", task.LastErrorCode)
	}
	if task.DurationMs != nil {
		t.Error("duration must only be recorded on terminal transitions")
	}
	// Full-jitter window with factor 1.0: exactly base * 2^0 past failure.
	if task.NextEligibleAt.Before(before.Add(250 * time.Millisecond)) {
		t.Errorf("backoff too small: next eligible %v, failed at %v", task.NextEligibleAt, before)
	}
	if svc.RetriedCount() != 1 {
		t.Errorf("expected retried counter 1, got %d", svc.RetriedCount())
	}
}

func TestMarkExecutionResultNonRetriableFailsTerminally(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	id := harvestOne(t, svc, "Refactor latency thresholds")
	svc.MarkDispatched(ctx, id, "agt-1")

	applied, err := svc.MarkExecutionResult(ctx, id, false, models.ErrorCodeNoAgent, "nobody home", -1)
	if err != nil || !applied {
		t.Fatalf("result: applied=%v err=%v", applied, err)
	}

	task, _ := svc.GetTask(ctx, id)
	if task.Status != models.TaskFailed {
		t.Errorf("no_agent is not retriable, expected failed, got %s", task.Status)
	}
	if task.DurationMs != nil {
		t.Error("unmeasured duration must stay unset")
	}
}

func TestMarkExecutionResultExhaustsAttempts(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	id := harvestOne(t, svc, "Refactor latency thresholds")

	// maxAttempts=3: failures one and two requeue, the third is terminal.
	for attempt := 1; attempt <= 3; attempt++ {
		task, _ := svc.GetTask(ctx, id)
		if task.Status != models.TaskQueued {
			t.Fatalf("attempt %d: expected queued, got %s", attempt, task.Status)
		}
		if applied, err := svc.MarkDispatched(ctx, id, "agt-1"); err != nil || !applied {
			t.Fatalf("attempt %d dispatch: applied=%v err=%v", attempt, applied, err)
		}
		if applied, err := svc.MarkExecutionResult(ctx, id, false, models.ErrorCodeAgentReportFailure, "boom", 50); err != nil || !applied {
			t.Fatalf("attempt %d result: applied=%v err=%v", attempt, applied, err)
		}
	}

	task, _ := svc.GetTask(ctx, id)
	if task.Status != models.TaskFailed {
		t.Fatalf("expected terminal failure after exhausting attempts, got %s", task.Status)
	}
	if task.Attempts != 3 {
		t.Errorf("expected attempts=3, got %d", task.Attempts)
	}
	if task.DurationMs == nil || *task.DurationMs != 50 {
		t.Errorf("terminal failure should record duration: %v", task.DurationMs)
	}
	if svc.RetriedCount() != 2 {
		t.Errorf("expected 2 retries, got %d", svc.RetriedCount())
	}
}

func TestMarkExecutionResultRejectsQueuedTask(t *testing.T) {
	svc, _, _ := newTestService(t)
	id := harvestOne(t, svc, "Refactor latency thresholds")

	_, err := svc.MarkExecutionResult(context.Background(), id, true, "", "", 10)
	if !errors.Is(err, ErrBadTransition) {
		t.Errorf("expected ErrBadTransition for queued task, got %v", err)
	}
}

func TestMarkDispatchFailureSchedulesRetry(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	id := harvestOne(t, svc, "Refactor latency thresholds")

	applied, err := svc.MarkDispatchFailure(ctx, id, models.ErrorCodeSendFailed, "bus unavailable")
	if err != nil || !applied {
		t.Fatalf("dispatch failure: applied=%v err=%v", applied, err)
	}

	task, _ := svc.GetTask(ctx, id)
	if task.Status != models.TaskQueued {
		t.Errorf("task should remain queued, got %s", task.Status)
	}
	if task.Attempts != 1 {
		t.Errorf("expected attempts=1, got %d", task.Attempts)
	}
	if !task.NextEligibleAt.After(time.Now().UTC().Add(200 * time.Millisecond)) {
		t.Errorf("expected backoff on next eligibility, got %v", task.NextEligibleAt)
	}
}

func TestMarkDispatchFailureTerminalAtLimit(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	id := harvestOne(t, svc, "Refactor latency thresholds")

	svc.MarkDispatchFailure(ctx, id, models.ErrorCodeSendFailed, "bus unavailable")
	svc.MarkDispatchFailure(ctx, id, models.ErrorCodeSendFailed, "bus unavailable")
	applied, err := svc.MarkDispatchFailure(ctx, id, models.ErrorCodeSendFailed, "bus unavailable")
	if err != nil || !applied {
		t.Fatalf("third failure: applied=%v err=%v", applied, err)
	}

	task, _ := svc.GetTask(ctx, id)
	if task.Status != models.TaskFailed || task.Attempts != 3 {
		t.Errorf("expected terminal failure at limit: %+v", task)
	}

	// Terminal now: further reports are no-ops.
	applied, err = svc.MarkDispatchFailure(ctx, id, models.ErrorCodeSendFailed, "again")
	if err != nil || applied {
		t.Errorf("expected no-op on terminal task: applied=%v err=%v", applied, err)
	}
}

func TestMarkDispatchFailureNonRetriableFailsImmediately(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	id := harvestOne(t, svc, "Refactor latency thresholds")

	applied, err := svc.MarkDispatchFailure(ctx, id, models.ErrorCodeDependencyFailed, "dependency tsk-x failed")
	if err != nil || !applied {
		t.Fatalf("dispatch failure: applied=%v err=%v", applied, err)
	}

	task, _ := svc.GetTask(ctx, id)
	if task.Status != models.TaskFailed {
		t.Errorf("non-retriable code should fail terminally, got %s", task.Status)
	}
	if task.Attempts != 1 {
		t.Errorf("expected attempts=1, got %d", task.Attempts)
	}
	if task.LastErrorCode != models.ErrorCodeDependencyFailed {
		t.Errorf("last error code = %q", task.LastErrorCode)
	}
}

func TestProcessDueRequeuesChangesNothing(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	id := harvestOne(t, svc, "Refactor latency thresholds")
	svc.MarkDispatched(ctx, id, "agt-1")
	svc.MarkExecutionResult(ctx, id, false, models.ErrorCodeTaskTimeout, "slow", 4000)

	task, _ := svc.GetTask(ctx, id)
	if task.Status != models.TaskQueued {
		t.Fatalf("precondition: expected requeued task, got %s", task.Status)
	}

	// Backoff still pending: not due yet.
	due, err := svc.ProcessDueRequeues(ctx, time.Now().UTC())
	if err != nil {
		t.Fatalf("requeue scan: %v", err)
	}
	if len(due) != 0 {
		t.Errorf("task inside backoff window reported due: %v", due)
	}

	// Past the backoff window it becomes due, still without state change.
	due, err = svc.ProcessDueRequeues(ctx, task.NextEligibleAt.Add(time.Millisecond))
	if err != nil {
		t.Fatalf("requeue scan: %v", err)
	}
	if len(due) != 1 || due[0] != id {
		t.Errorf("expected the requeued task to be due: %v", due)
	}

	after, _ := svc.GetTask(ctx, id)
	if after.Status != task.Status || !after.NextEligibleAt.Equal(task.NextEligibleAt) {
		t.Error("requeue scan must not mutate task state")
	}
}

func TestGetQueuedTasksOrdering(t *testing.T) {
	svc, repo, _ := newTestService(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	for i, id := range []string{"tsk-c", "tsk-a", "tsk-b"} {
		task := &models.Task{
			ID:             id,
			Action:         "act " + id,
			Status:         models.TaskQueued,
			MaxAttempts:    3,
			NextEligibleAt: base.Add(time.Duration(2-i) * time.Minute),
			CreatedAt:      base,
			UpdatedAt:      base,
		}
		if err := repo.CreateTask(ctx, task); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	queued, err := svc.GetQueuedTasks(ctx, 0)
	if err != nil {
		t.Fatalf("queued: %v", err)
	}
	if len(queued) != 3 {
		t.Fatalf("expected 3 queued tasks, got %d", len(queued))
	}
	// Eligibility ascending: tsk-b (earliest), tsk-a, tsk-c.
	for i, want := range []string{"tsk-b", "tsk-a", "tsk-c"} {
		if queued[i].ID != want {
			t.Errorf("position %d: expected %s, got %s", i, want, queued[i].ID)
		}
	}
}

func TestAuditRecordsTaggedPerTransition(t *testing.T) {
	svc, _, store := newTestService(t)
	ctx := context.Background()
	id := harvestOne(t, svc, "Refactor latency thresholds")
	svc.MarkDispatched(ctx, id, "agt-1")
	svc.MarkExecutionResult(ctx, id, true, "", "", 42)
	svc.audit.Stop()

	records, err := store.Search(ctx, memory.Query{Tags: []string{"task", id}})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	// queued, dispatched, completed.
	if len(records) != 3 {
		t.Fatalf("expected 3 audit records, got %d", len(records))
	}

	completed, err := store.Search(ctx, memory.Query{Tags: []string{"task", "completed", id}})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(completed) != 1 {
		t.Errorf("expected 1 completed record, got %d", len(completed))
	}
	if completed[0].Metadata["taskId"] != id {
		t.Errorf("audit metadata missing task id: %+v", completed[0].Metadata)
	}
}

func TestStatsCounts(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	ids, _ := svc.HarvestAndQueue(ctx, testSnapshot("one", "two", "three"))
	svc.MarkDispatched(ctx, ids[0], "agt-1")
	svc.MarkDispatched(ctx, ids[1], "agt-1")
	svc.MarkExecutionResult(ctx, ids[1], true, "", "", 10)

	stats, err := svc.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Queued != 1 || stats.Dispatched != 1 || stats.Completed != 1 || stats.Failed != 0 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

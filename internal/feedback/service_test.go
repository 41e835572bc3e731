package feedback

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/hivecore/hivecore/internal/common/logger"
	"github.com/hivecore/hivecore/internal/delegation/models"
	"github.com/hivecore/hivecore/internal/delegation/repository"
	"github.com/hivecore/hivecore/internal/memory"
)

type stubTasks map[string]models.TaskStatus

func (s stubTasks) GetTask(ctx context.Context, id string) (*models.Task, error) {
	status, ok := s[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", repository.ErrTaskNotFound, id)
	}
	return &models.Task{ID: id, Status: status}, nil
}

func newTestService(t *testing.T, tasks stubTasks) (*Service, *memory.InMemoryStore) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	store := memory.NewInMemoryStore()
	return NewService(log, tasks, store, nil), store
}

func TestRecordFeedback(t *testing.T) {
	svc, store := newTestService(t, stubTasks{"tsk-1": models.TaskCompleted})

	rec, err := svc.RecordFeedback(context.Background(), "tsk-1", "good", "")
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if rec.TaskID != "tsk-1" || rec.UserRating != "good" || rec.ID == "" {
		t.Errorf("unexpected record: %+v", rec)
	}

	stored, err := store.Search(context.Background(), memory.Query{Tags: []string{"feedback", "good", "tsk-1"}})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(stored) != 1 {
		t.Fatalf("expected 1 stored record, got %d", len(stored))
	}
	if stored[0].Metadata["taskId"] != "tsk-1" || stored[0].Metadata["rating"] != "good" {
		t.Errorf("metadata = %+v", stored[0].Metadata)
	}
}

func TestRecordFeedbackKeepsCorrection(t *testing.T) {
	svc, store := newTestService(t, stubTasks{"tsk-1": models.TaskCompleted})

	rec, err := svc.RecordFeedback(context.Background(), "tsk-1", "bad", "thresholds were already tuned last sprint")
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if rec.Correction == "" {
		t.Error("correction dropped from the returned record")
	}

	stored, _ := store.Search(context.Background(), memory.Query{Tags: []string{"feedback", "tsk-1"}})
	if len(stored) != 1 || stored[0].Content != "thresholds were already tuned last sprint" {
		t.Errorf("correction should become the record content: %+v", stored)
	}
}

func TestRecordFeedbackNormalizesRating(t *testing.T) {
	svc, _ := newTestService(t, stubTasks{"tsk-1": models.TaskCompleted})

	rec, err := svc.RecordFeedback(context.Background(), "tsk-1", "  Good ", "")
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if rec.UserRating != "good" {
		t.Errorf("rating = %q, want good", rec.UserRating)
	}
}

func TestRecordFeedbackRejectsUnknownRating(t *testing.T) {
	svc, _ := newTestService(t, stubTasks{"tsk-1": models.TaskCompleted})

	_, err := svc.RecordFeedback(context.Background(), "tsk-1", "excellent", "")
	if !errors.Is(err, ErrInvalidRating) {
		t.Errorf("expected ErrInvalidRating, got %v", err)
	}
}

func TestRecordFeedbackRejectsUnknownTask(t *testing.T) {
	svc, _ := newTestService(t, stubTasks{})

	_, err := svc.RecordFeedback(context.Background(), "tsk-missing", "good", "")
	if !errors.Is(err, repository.ErrTaskNotFound) {
		t.Errorf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestRecordFeedbackRejectsNonTerminalTask(t *testing.T) {
	svc, _ := newTestService(t, stubTasks{
		"tsk-queued": models.TaskQueued,
		"tsk-failed": models.TaskFailed,
	})

	for _, id := range []string{"tsk-queued", "tsk-failed"} {
		if _, err := svc.RecordFeedback(context.Background(), id, "good", ""); !errors.Is(err, ErrTaskNotCompleted) {
			t.Errorf("%s: expected ErrTaskNotCompleted, got %v", id, err)
		}
	}
}

func TestListFeedback(t *testing.T) {
	svc, _ := newTestService(t, stubTasks{
		"tsk-1": models.TaskCompleted,
		"tsk-2": models.TaskCompleted,
	})
	ctx := context.Background()

	svc.RecordFeedback(ctx, "tsk-1", "good", "")
	svc.RecordFeedback(ctx, "tsk-1", "bad", "regressed after deploy")
	svc.RecordFeedback(ctx, "tsk-2", "neutral", "")

	records, err := svc.ListFeedback(ctx, "tsk-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	// Most recent first.
	if records[0].UserRating != "bad" || records[1].UserRating != "good" {
		t.Errorf("unexpected order: %q then %q", records[0].UserRating, records[1].UserRating)
	}
	if records[0].Correction != "regressed after deploy" {
		t.Errorf("correction = %q", records[0].Correction)
	}
}

func TestSummarizeFeedback(t *testing.T) {
	svc, _ := newTestService(t, stubTasks{
		"tsk-1": models.TaskCompleted,
		"tsk-2": models.TaskCompleted,
	})
	ctx := context.Background()

	svc.RecordFeedback(ctx, "tsk-1", "good", "")
	svc.RecordFeedback(ctx, "tsk-2", "good", "")
	svc.RecordFeedback(ctx, "tsk-1", "bad", "")

	summary, err := svc.SummarizeFeedback(ctx, 0)
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	if summary.Days != 7 {
		t.Errorf("default window = %d, want 7", summary.Days)
	}
	if summary.Totals["good"] != 2 || summary.Totals["bad"] != 1 || summary.Totals["neutral"] != 0 {
		t.Errorf("totals = %+v", summary.Totals)
	}
	if len(summary.Daily["good"]) != 1 || summary.Daily["good"][0].Count != 2 {
		t.Errorf("daily good = %+v", summary.Daily["good"])
	}
}

// Package feedback records user verdicts on completed tasks and aggregates
// them into rating summaries.
package feedback

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hivecore/hivecore/internal/clock"
	"github.com/hivecore/hivecore/internal/common/logger"
	"github.com/hivecore/hivecore/internal/delegation/models"
	"github.com/hivecore/hivecore/internal/events"
	"github.com/hivecore/hivecore/internal/events/bus"
	"github.com/hivecore/hivecore/internal/memory"
)

// User rating values.
const (
	RatingGood    = "good"
	RatingNeutral = "neutral"
	RatingBad     = "bad"
)

// tagFeedback marks every feedback record in the memory store.
const tagFeedback = "feedback"

var (
	// ErrInvalidRating is returned for ratings outside good/neutral/bad.
	ErrInvalidRating = errors.New("invalid rating")

	// ErrTaskNotCompleted is returned when the rated task has not finished
	// successfully.
	ErrTaskNotCompleted = errors.New("task is not completed")
)

// Record is one user's verdict on a completed task.
type Record struct {
	ID         string    `json:"id"`
	TaskID     string    `json:"taskId"`
	UserRating string    `json:"userRating"`
	Correction string    `json:"correction,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Summary aggregates feedback per rating over a trailing window of days.
type Summary struct {
	Days   int                          `json:"days"`
	Totals map[string]int64             `json:"totals"`
	Daily  map[string][]memory.DayCount `json:"daily"`
}

// TaskReader is the slice of the delegation service the feedback service
// needs.
type TaskReader interface {
	GetTask(ctx context.Context, id string) (*models.Task, error)
}

// DailyCounter is implemented by stores that can bucket records per day.
type DailyCounter interface {
	CountByDay(ctx context.Context, tags []string, days int) ([]memory.DayCount, error)
}

// Service validates and persists task feedback.
type Service struct {
	logger *logger.Logger
	tasks  TaskReader
	store  memory.Store
	bus    bus.EventBus
}

// NewService creates the feedback service. The event bus is optional.
func NewService(log *logger.Logger, tasks TaskReader, store memory.Store, eventBus bus.EventBus) *Service {
	return &Service{
		logger: log.WithFields(zap.String("component", "feedback")),
		tasks:  tasks,
		store:  store,
		bus:    eventBus,
	}
}

// RecordFeedback validates the rating against the task state and persists
// it. Only completed tasks accept feedback.
func (s *Service) RecordFeedback(ctx context.Context, taskID, rating, correction string) (*Record, error) {
	if taskID == "" {
		return nil, fmt.Errorf("task id is required")
	}
	rating = strings.ToLower(strings.TrimSpace(rating))
	switch rating {
	case RatingGood, RatingNeutral, RatingBad:
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidRating, rating)
	}

	task, err := s.tasks.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status != models.TaskCompleted {
		return nil, fmt.Errorf("%w: task %s is %s", ErrTaskNotCompleted, taskID, task.Status)
	}

	content := fmt.Sprintf("user rated task %s", rating)
	if correction != "" {
		content = correction
	}
	metadata := map[string]string{
		"taskId": taskID,
		"rating": rating,
	}
	if correction != "" {
		metadata["correction"] = correction
	}

	id, err := s.store.AddRecord(ctx, content, []string{tagFeedback, rating, taskID}, metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to persist feedback: %w", err)
	}

	rec := &Record{
		ID:         id,
		TaskID:     taskID,
		UserRating: rating,
		Correction: correction,
		Timestamp:  clock.Now(),
	}
	s.logger.Info("Feedback recorded",
		zap.String("task_id", taskID),
		zap.String("rating", rating))
	s.publish(ctx, rec)
	return rec, nil
}

// ListFeedback returns feedback for one task, most recent first.
func (s *Service) ListFeedback(ctx context.Context, taskID string) ([]*Record, error) {
	if taskID == "" {
		return nil, fmt.Errorf("task id is required")
	}
	found, err := s.store.Search(ctx, memory.Query{Tags: []string{tagFeedback, taskID}})
	if err != nil {
		return nil, err
	}

	records := make([]*Record, 0, len(found))
	for _, rec := range found {
		records = append(records, &Record{
			ID:         rec.ID,
			TaskID:     taskID,
			UserRating: ratingOf(rec),
			Correction: rec.Metadata["correction"],
			Timestamp:  rec.CreatedAt,
		})
	}
	return records, nil
}

// SummarizeFeedback aggregates per-rating daily counts over the trailing
// window. days defaults to 7 when non-positive.
func (s *Service) SummarizeFeedback(ctx context.Context, days int) (*Summary, error) {
	if days <= 0 {
		days = 7
	}
	counter, ok := s.store.(DailyCounter)
	if !ok {
		return nil, fmt.Errorf("feedback store does not support summaries")
	}

	summary := &Summary{
		Days:   days,
		Totals: make(map[string]int64),
		Daily:  make(map[string][]memory.DayCount),
	}
	for _, rating := range []string{RatingGood, RatingNeutral, RatingBad} {
		buckets, err := counter.CountByDay(ctx, []string{tagFeedback, rating}, days)
		if err != nil {
			return nil, fmt.Errorf("failed to summarize %s feedback: %w", rating, err)
		}
		summary.Daily[rating] = buckets
		for _, b := range buckets {
			summary.Totals[rating] += b.Count
		}
	}
	return summary, nil
}

func ratingOf(rec *memory.Record) string {
	if rating := rec.Metadata["rating"]; rating != "" {
		return rating
	}
	for _, tag := range rec.Tags {
		switch tag {
		case RatingGood, RatingNeutral, RatingBad:
			return tag
		}
	}
	return ""
}

func (s *Service) publish(ctx context.Context, rec *Record) {
	if s.bus == nil {
		return
	}
	event := bus.NewEvent(events.FeedbackRecorded, "feedback", map[string]interface{}{
		"task_id": rec.TaskID,
		"rating":  rec.UserRating,
	})
	if err := s.bus.Publish(ctx, events.FeedbackRecorded, event); err != nil {
		s.logger.Warn("Failed to publish feedback event", zap.Error(err))
	}
}

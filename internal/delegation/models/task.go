// Package models defines the task records owned by the delegation service.
package models

import "time"

// TaskStatus is the lifecycle state of a delegated task.
type TaskStatus string

const (
	TaskQueued     TaskStatus = "queued"
	TaskDispatched TaskStatus = "dispatched"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// Error codes recorded on failed dispatch or execution.
const (
	ErrorCodeNoAgent            = "no_agent"
	ErrorCodeSendFailed         = "send_failed"
	ErrorCodeDependencyFailed   = "dependency_failed"
	ErrorCodeTaskTimeout        = "task_timeout"
	ErrorCodeAgentReportFailure = "agent_report_failure"
	ErrorCodeCancelled          = "cancelled"
)

// RetriableError reports whether a failure with this code is eligible for
// requeue. Missing agents and failed dependencies will not heal on their
// own; transport and execution failures might.
func RetriableError(code string) bool {
	switch code {
	case ErrorCodeSendFailed, ErrorCodeTaskTimeout, ErrorCodeAgentReportFailure:
		return true
	}
	return false
}

// Task is a unit of delegated work.
type Task struct {
	ID               string     `json:"id" db:"id"`
	Action           string     `json:"action" db:"action"`
	Finding          string     `json:"finding" db:"finding"`
	Status           TaskStatus `json:"status" db:"status"`
	TargetAgent      string     `json:"target_agent,omitempty" db:"target_agent"`
	Attempts         int        `json:"attempts" db:"attempts"`
	MaxAttempts      int        `json:"max_attempts" db:"max_attempts"`
	NextEligibleAt   time.Time  `json:"next_eligible_at" db:"next_eligible_at"`
	LastErrorCode    string     `json:"last_error_code,omitempty" db:"last_error_code"`
	LastErrorMessage string     `json:"last_error_message,omitempty" db:"last_error_message"`
	DurationMs       *int64     `json:"duration_ms,omitempty" db:"duration_ms"`
	CreatedAt        time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at" db:"updated_at"`
	SnapshotHash     string     `json:"snapshot_hash" db:"snapshot_hash"`
	DependsOn        []string   `json:"depends_on,omitempty" db:"-"`
}

// Clone returns a deep copy so callers cannot mutate stored records.
func (t *Task) Clone() *Task {
	dup := *t
	if t.DurationMs != nil {
		v := *t.DurationMs
		dup.DurationMs = &v
	}
	dup.DependsOn = append([]string(nil), t.DependsOn...)
	return &dup
}

// TaskAttempt is one dispatch attempt of a task, kept for duration stats
// and post-mortems.
type TaskAttempt struct {
	ID           int64      `json:"id" db:"id"`
	TaskID       string     `json:"task_id" db:"task_id"`
	Attempt      int        `json:"attempt" db:"attempt"`
	AgentID      string     `json:"agent_id,omitempty" db:"agent_id"`
	DispatchedAt time.Time  `json:"dispatched_at" db:"dispatched_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	ErrorCode    string     `json:"error_code,omitempty" db:"error_code"`
	ErrorMessage string     `json:"error_message,omitempty" db:"error_message"`
}

// TaskStats aggregates task counts by status plus attempt timing.
type TaskStats struct {
	Queued               int64   `json:"queued"`
	Dispatched           int64   `json:"dispatched"`
	Completed            int64   `json:"completed"`
	Failed               int64   `json:"failed"`
	AvgAttemptDurationMs float64 `json:"avg_attempt_duration_ms"`
}

// StatusUpdate carries the side fields written together with a status
// transition. Nil pointers leave the stored value untouched.
type StatusUpdate struct {
	TargetAgent      *string
	Attempts         *int
	NextEligibleAt   *time.Time
	LastErrorCode    *string
	LastErrorMessage *string
	DurationMs       *int64
	UpdatedAt        time.Time
}

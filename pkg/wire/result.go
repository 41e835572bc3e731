// Package wire defines the payload formats exchanged between the orchestrator
// and agents: task instructions, execution results, and metrics snapshots.
// Payloads travel as message content strings over communication sessions, so
// every format here has a builder and a parser.
package wire

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Status is the terminal outcome an agent reports for a task.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// IsValid returns true if the status is a known terminal status.
func (s Status) IsValid() bool {
	switch s {
	case StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

// ExecutionResult is the structured reply an agent sends when a delegated
// task reaches a terminal state.
type ExecutionResult struct {
	TaskID       string    `json:"taskId"`
	Status       Status    `json:"status"`
	AgentID      string    `json:"agentId"`
	ErrorCode    string    `json:"errorCode,omitempty"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// NewExecutionResult creates a result stamped with the current time.
func NewExecutionResult(taskID, agentID string, status Status) *ExecutionResult {
	return &ExecutionResult{
		TaskID:    taskID,
		Status:    status,
		AgentID:   agentID,
		Timestamp: time.Now().UTC(),
	}
}

// Encode serializes the result to its JSON message content form.
func (r *ExecutionResult) Encode() (string, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// ParseExecutionResult decodes message content as a structured execution
// result. The payload must be a single JSON object with no unknown keys, a
// non-empty taskId and agentId, and a known status.
func ParseExecutionResult(content string) (*ExecutionResult, error) {
	dec := json.NewDecoder(strings.NewReader(content))
	dec.DisallowUnknownFields()
	var res ExecutionResult
	if err := dec.Decode(&res); err != nil {
		return nil, fmt.Errorf("decode execution result: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("trailing data after execution result")
	}
	if res.TaskID == "" {
		return nil, fmt.Errorf("execution result missing taskId")
	}
	if !res.Status.IsValid() {
		return nil, fmt.Errorf("execution result has unknown status %q", res.Status)
	}
	if res.AgentID == "" {
		return nil, fmt.Errorf("execution result missing agentId")
	}
	return &res, nil
}

const (
	freeTextTaskIDPrefix = "TASK_ID:"
	freeTextCompleted    = "TASK_COMPLETE"
	freeTextFailed       = "TASK_FAILED"
)

// ParseFreeTextResult recognises the legacy free-text terminal reply: any
// message containing a TASK_ID: fragment together with a TASK_COMPLETE or
// TASK_FAILED marker. TASK_COMPLETE wins when both markers appear.
//
// Deprecated: agents should send the structured ExecutionResult JSON.
// Callers log a warning on every free-text match.
func ParseFreeTextResult(content string) (taskID string, status Status, ok bool) {
	idx := strings.Index(content, freeTextTaskIDPrefix)
	if idx < 0 {
		return "", "", false
	}
	rest := strings.TrimSpace(content[idx+len(freeTextTaskIDPrefix):])
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return "", "", false
	}
	taskID = strings.Trim(fields[0], ".,;:")
	if taskID == "" {
		return "", "", false
	}
	switch {
	case strings.Contains(content, freeTextCompleted):
		return taskID, StatusCompleted, true
	case strings.Contains(content, freeTextFailed):
		return taskID, StatusFailed, true
	default:
		return "", "", false
	}
}

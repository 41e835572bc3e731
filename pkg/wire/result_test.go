package wire

import (
	"strings"
	"testing"
	"time"
)

func TestExecutionResultRoundTrip(t *testing.T) {
	res := NewExecutionResult("tsk-1a2b", "agt-dev-1", StatusCompleted)
	if res.Timestamp.IsZero() {
		t.Fatal("expected timestamp to be set")
	}

	content, err := res.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if strings.Contains(content, "errorCode") {
		t.Errorf("empty error fields should be omitted: %s", content)
	}

	parsed, err := ParseExecutionResult(content)
	if err != nil {
		t.Fatalf("ParseExecutionResult: %v", err)
	}
	if parsed.TaskID != "tsk-1a2b" || parsed.AgentID != "agt-dev-1" || parsed.Status != StatusCompleted {
		t.Errorf("round trip mismatch: %+v", parsed)
	}
}

func TestExecutionResultEncodesErrorFields(t *testing.T) {
	res := NewExecutionResult("tsk-1", "agt-1", StatusFailed)
	res.ErrorCode = "agent_report_failure"
	res.ErrorMessage = "disk full"

	content, err := res.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	parsed, err := ParseExecutionResult(content)
	if err != nil {
		t.Fatalf("ParseExecutionResult: %v", err)
	}
	if parsed.ErrorCode != "agent_report_failure" || parsed.ErrorMessage != "disk full" {
		t.Errorf("error fields lost: %+v", parsed)
	}
}

func TestParseExecutionResultRejectsMalformed(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"not json", "done with tsk-1"},
		{"missing task id", `{"status":"completed","agentId":"agt-1","timestamp":"2025-01-01T00:00:00Z"}`},
		{"missing agent id", `{"taskId":"tsk-1","status":"completed","timestamp":"2025-01-01T00:00:00Z"}`},
		{"unknown status", `{"taskId":"tsk-1","status":"done","agentId":"agt-1","timestamp":"2025-01-01T00:00:00Z"}`},
		{"unknown key", `{"taskId":"tsk-1","status":"completed","agentId":"agt-1","timestamp":"2025-01-01T00:00:00Z","extra":1}`},
		{"trailing data", `{"taskId":"tsk-1","status":"completed","agentId":"agt-1","timestamp":"2025-01-01T00:00:00Z"}{}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseExecutionResult(tt.content); err == nil {
				t.Errorf("expected error for %s", tt.content)
			}
		})
	}
}

func TestParseExecutionResultTimestamp(t *testing.T) {
	content := `{"taskId":"tsk-1","status":"failed","agentId":"agt-1","timestamp":"2025-06-01T12:30:00Z"}`
	parsed, err := ParseExecutionResult(content)
	if err != nil {
		t.Fatalf("ParseExecutionResult: %v", err)
	}
	want := time.Date(2025, 6, 1, 12, 30, 0, 0, time.UTC)
	if !parsed.Timestamp.Equal(want) {
		t.Errorf("timestamp = %v, want %v", parsed.Timestamp, want)
	}
}

func TestParseFreeTextResult(t *testing.T) {
	tests := []struct {
		name       string
		content    string
		wantTaskID string
		wantStatus Status
		wantOK     bool
	}{
		{
			name:       "complete with space",
			content:    "all done here\nTASK_ID: tsk-42\nTASK_COMPLETE",
			wantTaskID: "tsk-42",
			wantStatus: StatusCompleted,
			wantOK:     true,
		},
		{
			name:       "failed without space",
			content:    "TASK_ID:tsk-9 could not proceed TASK_FAILED",
			wantTaskID: "tsk-9",
			wantStatus: StatusFailed,
			wantOK:     true,
		},
		{
			name:       "trailing punctuation trimmed",
			content:    "finished TASK_ID: tsk-7. TASK_COMPLETE",
			wantTaskID: "tsk-7",
			wantStatus: StatusCompleted,
			wantOK:     true,
		},
		{
			name:       "complete wins over failed",
			content:    "TASK_ID: tsk-3 TASK_COMPLETE after retrying TASK_FAILED step",
			wantTaskID: "tsk-3",
			wantStatus: StatusCompleted,
			wantOK:     true,
		},
		{
			name:    "task id without terminal marker",
			content: "working on TASK_ID: tsk-5, hang tight",
			wantOK:  false,
		},
		{
			name:    "marker without task id",
			content: "TASK_COMPLETE",
			wantOK:  false,
		},
		{
			name:    "empty id",
			content: "TASK_ID:   ",
			wantOK:  false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			taskID, status, ok := ParseFreeTextResult(tt.content)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if !tt.wantOK {
				return
			}
			if taskID != tt.wantTaskID {
				t.Errorf("taskID = %q, want %q", taskID, tt.wantTaskID)
			}
			if status != tt.wantStatus {
				t.Errorf("status = %q, want %q", status, tt.wantStatus)
			}
		})
	}
}

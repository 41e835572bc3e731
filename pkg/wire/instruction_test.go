package wire

import (
	"strings"
	"testing"
)

func TestInstructionRoundTrip(t *testing.T) {
	inst := Instruction{
		Action:        "Scale workers for TaskDelegation.execute",
		SourceFinding: "burn rate 2.5 on TaskDelegation.execute",
		TaskID:        "tsk-0f3a",
	}

	content := inst.Encode()
	if !strings.HasPrefix(content, "ACTION: ") {
		t.Fatalf("unexpected encoding: %s", content)
	}

	parsed, err := ParseInstruction(content)
	if err != nil {
		t.Fatalf("ParseInstruction: %v", err)
	}
	if *parsed != inst {
		t.Errorf("round trip mismatch: %+v", parsed)
	}
}

func TestParseInstructionMultiLineFinding(t *testing.T) {
	content := "ACTION: Review memory backend\nSOURCE_FINDING: status degraded\nsecond line of detail\nTASK_ID: tsk-1"
	parsed, err := ParseInstruction(content)
	if err != nil {
		t.Fatalf("ParseInstruction: %v", err)
	}
	if parsed.SourceFinding != "status degraded\nsecond line of detail" {
		t.Errorf("SourceFinding = %q", parsed.SourceFinding)
	}
	if parsed.TaskID != "tsk-1" {
		t.Errorf("TaskID = %q", parsed.TaskID)
	}
}

func TestParseInstructionRequiresFields(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"missing action", "SOURCE_FINDING: f\nTASK_ID: tsk-1"},
		{"missing task id", "ACTION: do things\nSOURCE_FINDING: f"},
		{"empty", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseInstruction(tt.content); err == nil {
				t.Errorf("expected error for %q", tt.content)
			}
		})
	}
}

func TestInstructionNotMistakenForResult(t *testing.T) {
	content := Instruction{Action: "a", SourceFinding: "f", TaskID: "tsk-1"}.Encode()
	if _, _, ok := ParseFreeTextResult(content); ok {
		t.Error("instruction payload parsed as a terminal result")
	}
}

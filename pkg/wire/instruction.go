package wire

import (
	"fmt"
	"strings"
)

const (
	instructionActionPrefix  = "ACTION:"
	instructionFindingPrefix = "SOURCE_FINDING:"
	instructionTaskIDPrefix  = "TASK_ID:"
)

// Instruction is the payload the orchestrator dispatches to an agent for one
// task. It is encoded as line-oriented structured text so agents without a
// JSON stack can still read it.
type Instruction struct {
	Action        string
	SourceFinding string
	TaskID        string
}

// Encode renders the instruction in its canonical ACTION / SOURCE_FINDING /
// TASK_ID line order.
func (i Instruction) Encode() string {
	return fmt.Sprintf("%s %s\n%s %s\n%s %s",
		instructionActionPrefix, i.Action,
		instructionFindingPrefix, i.SourceFinding,
		instructionTaskIDPrefix, i.TaskID)
}

// ParseInstruction reads an instruction payload. Lines that carry none of the
// known prefixes continue the previous field, so multi-line findings survive a
// round trip. Action and TaskID are required.
func ParseInstruction(content string) (*Instruction, error) {
	inst := &Instruction{}
	var current *string
	for _, line := range strings.Split(content, "\n") {
		switch {
		case strings.HasPrefix(line, instructionActionPrefix):
			inst.Action = strings.TrimSpace(strings.TrimPrefix(line, instructionActionPrefix))
			current = &inst.Action
		case strings.HasPrefix(line, instructionFindingPrefix):
			inst.SourceFinding = strings.TrimSpace(strings.TrimPrefix(line, instructionFindingPrefix))
			current = &inst.SourceFinding
		case strings.HasPrefix(line, instructionTaskIDPrefix):
			inst.TaskID = strings.TrimSpace(strings.TrimPrefix(line, instructionTaskIDPrefix))
			current = &inst.TaskID
		default:
			if current != nil && strings.TrimSpace(line) != "" {
				*current += "\n" + line
			}
		}
	}
	if inst.Action == "" {
		return nil, fmt.Errorf("instruction missing ACTION")
	}
	if inst.TaskID == "" {
		return nil, fmt.Errorf("instruction missing TASK_ID")
	}
	return inst, nil
}

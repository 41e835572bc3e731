package orchestrator

import "strings"

// Capability tags agents advertise and the classifier infers from actions.
const (
	CapabilityDevelopment   = "development"
	CapabilityDocumentation = "documentation"
	CapabilityAnalysis      = "analysis"
	CapabilityGeneral       = "general"
)

// ClassifyCapability maps an action's text to the capability required to
// execute it. Matching is a coarse case-insensitive keyword scan; anything
// unrecognized falls through to general.
func ClassifyCapability(action string) string {
	text := strings.ToLower(action)
	switch {
	case strings.Contains(text, "optimiz"),
		strings.Contains(text, "refactor"),
		strings.Contains(text, "code"):
		return CapabilityDevelopment
	case strings.Contains(text, "document"),
		strings.Contains(text, "write"):
		return CapabilityDocumentation
	case strings.Contains(text, "analyz"),
		strings.Contains(text, "analysis"):
		return CapabilityAnalysis
	default:
		return CapabilityGeneral
	}
}

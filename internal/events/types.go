// Package events provides event types and utilities for the Hivecore event system.
package events

// Event types for delegated tasks
const (
	TaskQueued     = "task.queued"
	TaskDispatched = "task.dispatched"
	TaskCompleted  = "task.completed"
	TaskFailed     = "task.failed"
	TaskRetried    = "task.retried"
)

// Event types for plan execution
const (
	PlanStarted   = "plan.started"
	PlanCompleted = "plan.completed"
	PlanProgress  = "plan.progress"
)

// Event types for the communication bus
const (
	SessionCreated = "comms.session.created"
	MessageSent    = "comms.message.sent" // Base subject for per-session message events
)

// Event types for the agent registry
const (
	AgentRegistered   = "registry.agent.registered"
	AgentDeregistered = "registry.agent.deregistered"
	AgentReplaced     = "registry.agent.replaced"
)

// Event types for consensus evaluation
const (
	ConsensusEvaluated = "consensus.evaluated"
)

// Event types for execution feedback
const (
	FeedbackRecorded = "feedback.recorded"
)

// BuildMessageSubject creates a message event subject for a specific session
func BuildMessageSubject(sessionID string) string {
	return MessageSent + "." + sessionID
}

// BuildMessageWildcardSubject creates a wildcard subscription for all message events
func BuildMessageWildcardSubject() string {
	return MessageSent + ".*"
}

// BuildTaskWildcardSubject creates a wildcard subscription for all task lifecycle events
func BuildTaskWildcardSubject() string {
	return "task.*"
}

// BuildAgentWildcardSubject creates a wildcard subscription for all registry events
func BuildAgentWildcardSubject() string {
	return "registry.agent.*"
}

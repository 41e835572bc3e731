// Package api exposes the hivecore services over REST.
package api

import (
	"github.com/hivecore/hivecore/internal/comms"
	"github.com/hivecore/hivecore/internal/consensus"
	"github.com/hivecore/hivecore/internal/delegation/models"
	"github.com/hivecore/hivecore/internal/feedback"
	"github.com/hivecore/hivecore/internal/registry"
)

// ExecutePlanRequest triggers one plan execution run. A nil Limit falls back
// to the server default; an explicit non-positive limit makes the run a no-op.
type ExecutePlanRequest struct {
	SessionID string `json:"session_id,omitempty"`
	Limit     *int   `json:"limit,omitempty"`
}

// HarvestResponse reports the tasks queued from a snapshot.
type HarvestResponse struct {
	Queued []string `json:"queued"`
	Total  int      `json:"total"`
}

// TaskListResponse for task listing
type TaskListResponse struct {
	Tasks []*models.Task `json:"tasks"`
	Total int            `json:"total"`
}

// AttemptListResponse for a task's attempt history
type AttemptListResponse struct {
	TaskID   string                `json:"task_id"`
	Attempts []*models.TaskAttempt `json:"attempts"`
	Total    int                   `json:"total"`
}

// RegisterAgentRequest registers or replaces an agent directory entry.
type RegisterAgentRequest struct {
	ID           string   `json:"id" binding:"required"`
	Name         string   `json:"name" binding:"required"`
	Capabilities []string `json:"capabilities"`
	Health       string   `json:"health,omitempty"`
}

// HeartbeatRequest updates an agent's reported health. An empty health
// leaves the stored value untouched.
type HeartbeatRequest struct {
	Health string `json:"health,omitempty"`
}

// AgentListResponse for agent listing and discovery
type AgentListResponse struct {
	Agents []*registry.Agent `json:"agents"`
	Total  int               `json:"total"`
}

// CreateSessionRequest opens a communication session.
type CreateSessionRequest struct {
	Participants     []string `json:"participants"`
	Mode             string   `json:"mode,omitempty"`
	Topic            string   `json:"topic,omitempty"`
	ConsensusEnabled bool     `json:"consensus_enabled"`
}

// SessionListResponse for session listing
type SessionListResponse struct {
	Sessions []*comms.Session `json:"sessions"`
	Total    int              `json:"total"`
}

// SendMessageRequest posts a message into a session. An empty to_agent
// broadcasts to every participant; an empty message_type defaults to
// notification.
type SendMessageRequest struct {
	FromAgent string            `json:"from_agent" binding:"required"`
	ToAgent   string            `json:"to_agent,omitempty"`
	Type      string            `json:"message_type,omitempty"`
	Content   string            `json:"content" binding:"required"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// MessageListResponse for session history, most recent first
type MessageListResponse struct {
	SessionID string           `json:"session_id"`
	Messages  []*comms.Message `json:"messages"`
	Total     int              `json:"total"`
}

// EvaluateConsensusRequest runs the consensus procedure over viewpoints.
type EvaluateConsensusRequest struct {
	Proposal   string                `json:"proposal" binding:"required"`
	Viewpoints []consensus.ViewPoint `json:"viewpoints"`
}

// SubmitFeedbackRequest records user feedback for a completed task.
type SubmitFeedbackRequest struct {
	TaskID     string `json:"task_id" binding:"required"`
	Rating     string `json:"rating" binding:"required"`
	Correction string `json:"correction,omitempty"`
}

// FeedbackListResponse for a task's feedback records
type FeedbackListResponse struct {
	TaskID   string             `json:"task_id"`
	Feedback []*feedback.Record `json:"feedback"`
	Total    int                `json:"total"`
}

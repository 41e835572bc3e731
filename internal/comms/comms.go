// Package comms is the sessioned communication bus between agents. It layers
// session management, per-session message history, and validation on top of
// the generic event bus: every accepted message is published as a
// comms.message.sent event for subscribers.
package comms

import (
	"context"
	"errors"
	"time"
)

// Validation failures. Invalid messages are rejected before anything is
// persisted or published.
var (
	ErrSessionNotFound = errors.New("session not found")
	ErrUnknownAgent    = errors.New("agent not registered")
	ErrInvalidMessage  = errors.New("invalid message")
)

// Mode controls how a session is used. Broadcast sessions fan every message
// out to all participants; collaborative sessions carry directed traffic too.
type Mode string

const (
	ModeCollaborative Mode = "collaborative"
	ModeBroadcast     Mode = "broadcast"
)

// MessageType classifies a message's intent.
type MessageType string

const (
	MessageAction       MessageType = "action"
	MessageUpdate       MessageType = "update"
	MessageQuery        MessageType = "query"
	MessageResponse     MessageType = "response"
	MessageNotification MessageType = "notification"
)

// ValidMessageType reports whether t is one of the recognized message types.
func ValidMessageType(t MessageType) bool {
	switch t {
	case MessageAction, MessageUpdate, MessageQuery, MessageResponse, MessageNotification:
		return true
	}
	return false
}

// Session is a correlation scope for related messages.
type Session struct {
	ID               string    `json:"id"`
	Participants     []string  `json:"participants"`
	Mode             Mode      `json:"mode"`
	Topic            string    `json:"topic"`
	ConsensusEnabled bool      `json:"consensus_enabled"`
	CreatedAt        time.Time `json:"created_at"`
}

// Message is an immutable record of a sent message. IDs are session-scoped
// sequence numbers: strictly increasing per session, never reused even after
// history eviction.
type Message struct {
	ID        int64             `json:"id"`
	SessionID string            `json:"session_id"`
	FromAgent string            `json:"from_agent"`
	ToAgent   string            `json:"to_agent,omitempty"` // empty = broadcast
	Type      MessageType       `json:"message_type"`
	Content   string            `json:"content"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// CreateSessionParams describes a new session.
type CreateSessionParams struct {
	Participants     []string `json:"participants"`
	Mode             Mode     `json:"mode"`
	Topic            string   `json:"topic"`
	ConsensusEnabled bool     `json:"consensus_enabled"`
}

// SendParams describes a message to send. ToAgent empty means broadcast.
type SendParams struct {
	SessionID string            `json:"session_id"`
	FromAgent string            `json:"from_agent"`
	ToAgent   string            `json:"to_agent,omitempty"`
	Type      MessageType       `json:"message_type"`
	Content   string            `json:"content"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// AgentDirectory is the slice of the registry the bus needs: message senders
// and direct recipients must be registered agents.
type AgentDirectory interface {
	Has(ctx context.Context, id string) bool
}

package comms

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/hivecore/hivecore/internal/clock"
	"github.com/hivecore/hivecore/internal/common/config"
	"github.com/hivecore/hivecore/internal/common/logger"
	"github.com/hivecore/hivecore/internal/events"
	"github.com/hivecore/hivecore/internal/events/bus"
)

// Service implements the communication bus. Accepted messages are recorded
// in session history, then published on the event bus while the session's
// send lock is held, so subscribers observe per-session arrival order.
//
// Handlers run in the event bus's scheduling model. With the in-memory bus
// that is the sender's goroutine: handlers must hand long work to their own
// goroutines and must not send on the same session from inside the handler.
type Service struct {
	cfg    config.CommsConfig
	logger *logger.Logger
	bus    bus.EventBus
	agents AgentDirectory

	mu       sync.RWMutex
	sessions map[string]*sessionState
}

// sessionState pairs a session with its send lock. sendMu serializes sends:
// message IDs, history order, and publish order all match send order within
// the session.
type sessionState struct {
	sendMu  sync.Mutex
	session *Session
	nextID  int64
	history []*Message
}

// NewService creates the communication bus on top of the given event bus.
func NewService(cfg config.CommsConfig, log *logger.Logger, eventBus bus.EventBus, agents AgentDirectory) *Service {
	return &Service{
		cfg:      cfg,
		logger:   log.WithFields(zap.String("component", "comms")),
		bus:      eventBus,
		agents:   agents,
		sessions: make(map[string]*sessionState),
	}
}

// CreateSession creates a new session and publishes a session-created event.
func (s *Service) CreateSession(ctx context.Context, params CreateSessionParams) (*Session, error) {
	mode := params.Mode
	if mode == "" {
		mode = ModeCollaborative
	}
	if mode != ModeCollaborative && mode != ModeBroadcast {
		return nil, fmt.Errorf("%w: unknown session mode %q", ErrInvalidMessage, params.Mode)
	}

	session := &Session{
		ID:               clock.NewID(clock.CategorySession),
		Participants:     append([]string(nil), params.Participants...),
		Mode:             mode,
		Topic:            params.Topic,
		ConsensusEnabled: params.ConsensusEnabled,
		CreatedAt:        clock.Now(),
	}

	s.mu.Lock()
	s.sessions[session.ID] = &sessionState{session: session}
	s.mu.Unlock()

	s.logger.Info("Session created",
		zap.String("session_id", session.ID),
		zap.String("mode", string(mode)),
		zap.String("topic", params.Topic),
		zap.Int("participants", len(session.Participants)))

	if s.bus != nil {
		event := bus.NewEvent(events.SessionCreated, "comms", map[string]interface{}{
			"session_id": session.ID,
			"mode":       string(mode),
			"topic":      params.Topic,
		})
		if err := s.bus.Publish(ctx, events.SessionCreated, event); err != nil {
			s.logger.Warn("Failed to publish session-created event", zap.Error(err))
		}
	}
	return cloneSession(session), nil
}

// GetSession returns the session with the given ID.
func (s *Service) GetSession(ctx context.Context, id string) (*Session, error) {
	s.mu.RLock()
	st, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return cloneSession(st.session), nil
}

// ListSessions returns all sessions in creation order.
func (s *Service) ListSessions(ctx context.Context) []*Session {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sessions := make([]*Session, 0, len(s.sessions))
	for _, st := range s.sessions {
		sessions = append(sessions, cloneSession(st.session))
	}
	sortSessionsByCreation(sessions)
	return sessions
}

// SendMessage validates, records, and publishes a message. It returns only
// after the message is recorded in session history; validation failures
// reject the message without persisting or publishing anything.
func (s *Service) SendMessage(ctx context.Context, params SendParams) (*Message, error) {
	if params.SessionID == "" {
		return nil, fmt.Errorf("%w: session id is required", ErrInvalidMessage)
	}
	if params.FromAgent == "" {
		return nil, fmt.Errorf("%w: from agent is required", ErrInvalidMessage)
	}
	if !ValidMessageType(params.Type) {
		return nil, fmt.Errorf("%w: unknown message type %q", ErrInvalidMessage, params.Type)
	}

	s.mu.RLock()
	st, ok := s.sessions[params.SessionID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, params.SessionID)
	}

	if s.agents != nil {
		if !s.agents.Has(ctx, params.FromAgent) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, params.FromAgent)
		}
		if params.ToAgent != "" && !s.agents.Has(ctx, params.ToAgent) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, params.ToAgent)
		}
	}

	st.sendMu.Lock()
	defer st.sendMu.Unlock()

	st.nextID++
	msg := &Message{
		ID:        st.nextID,
		SessionID: params.SessionID,
		FromAgent: params.FromAgent,
		ToAgent:   params.ToAgent,
		Type:      params.Type,
		Content:   params.Content,
		Timestamp: clock.Now(),
		Metadata:  copyMetadata(params.Metadata),
	}

	st.history = append(st.history, msg)
	if s.cfg.HistoryLimit > 0 && len(st.history) > s.cfg.HistoryLimit {
		st.history = st.history[1:]
	}

	s.publish(ctx, msg)
	return cloneMessage(msg), nil
}

// BroadcastMessage sends a message with no direct recipient.
func (s *Service) BroadcastMessage(ctx context.Context, params SendParams) (*Message, error) {
	params.ToAgent = ""
	return s.SendMessage(ctx, params)
}

// GetMessageHistory returns up to limit messages for the session, most
// recent first. A non-positive limit returns the full retained history.
func (s *Service) GetMessageHistory(ctx context.Context, sessionID string, limit int) ([]*Message, error) {
	s.mu.RLock()
	st, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	st.sendMu.Lock()
	defer st.sendMu.Unlock()

	n := len(st.history)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]*Message, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, cloneMessage(st.history[i]))
	}
	return out, nil
}

// MessageHandler receives accepted messages.
type MessageHandler func(ctx context.Context, msg *Message) error

// Subscribe attaches a handler to every accepted message across all
// sessions. Delivery begins with messages accepted after attachment.
func (s *Service) Subscribe(handler MessageHandler) (bus.Subscription, error) {
	return s.subscribe(events.BuildMessageWildcardSubject(), handler)
}

// SubscribeSession attaches a handler to messages on a single session.
func (s *Service) SubscribeSession(sessionID string, handler MessageHandler) (bus.Subscription, error) {
	return s.subscribe(events.BuildMessageSubject(sessionID), handler)
}

func (s *Service) subscribe(subject string, handler MessageHandler) (bus.Subscription, error) {
	return s.bus.Subscribe(subject, func(ctx context.Context, event *bus.Event) error {
		msg, err := MessageFromEvent(event)
		if err != nil {
			s.logger.Warn("Dropping undecodable message event",
				zap.String("event_id", event.ID),
				zap.Error(err))
			return nil
		}
		return handler(ctx, msg)
	})
}

func (s *Service) publish(ctx context.Context, msg *Message) {
	if s.bus == nil {
		return
	}
	subject := events.BuildMessageSubject(msg.SessionID)
	if err := s.bus.Publish(ctx, subject, MessageEvent(msg)); err != nil {
		// History already holds the message; subscribers on a broken
		// transport can recover via GetMessageHistory.
		s.logger.Error("Failed to publish message event",
			zap.String("session_id", msg.SessionID),
			zap.Int64("message_id", msg.ID),
			zap.Error(err))
	}
}

func cloneSession(in *Session) *Session {
	dup := *in
	dup.Participants = append([]string(nil), in.Participants...)
	return &dup
}

func cloneMessage(in *Message) *Message {
	dup := *in
	dup.Metadata = copyMetadata(in.Metadata)
	return &dup
}

func copyMetadata(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func sortSessionsByCreation(sessions []*Session) {
	sort.Slice(sessions, func(i, j int) bool {
		if !sessions[i].CreatedAt.Equal(sessions[j].CreatedAt) {
			return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
		}
		return sessions[i].ID < sessions[j].ID
	})
}

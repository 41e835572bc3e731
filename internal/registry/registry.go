// Package registry maintains the directory of agents and their capabilities.
// Discovery matches agents whose capability set covers the requested set.
package registry

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hivecore/hivecore/internal/clock"
	"github.com/hivecore/hivecore/internal/common/logger"
	"github.com/hivecore/hivecore/internal/events"
	"github.com/hivecore/hivecore/internal/events/bus"
	"github.com/hivecore/hivecore/internal/memory"
)

// ErrAgentNotFound is returned when an agent ID is not registered.
var ErrAgentNotFound = errors.New("agent not found")

// Health describes an agent's reported health. Unhealthy agents remain
// discoverable; callers decide whether to skip them.
type Health string

const (
	HealthUnknown   Health = "unknown"
	HealthHealthy   Health = "healthy"
	HealthUnhealthy Health = "unhealthy"
)

// Agent is a directory entry. Mutated only through registry methods.
type Agent struct {
	ID           string    `json:"id" yaml:"id"`
	Name         string    `json:"name" yaml:"name"`
	Capabilities []string  `json:"capabilities" yaml:"capabilities"`
	Health       Health    `json:"health" yaml:"-"`
	LastSeen     time.Time `json:"last_seen" yaml:"-"`
	RegisteredAt time.Time `json:"registered_at" yaml:"-"`
}

// Registry is the in-process agent directory.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*Agent

	logger *logger.Logger
	bus    bus.EventBus
	audit  *memory.Writer
}

// New creates an empty registry. The event bus and audit writer are optional.
func New(log *logger.Logger, eventBus bus.EventBus, audit *memory.Writer) *Registry {
	return &Registry{
		agents: make(map[string]*Agent),
		logger: log.WithFields(zap.String("component", "registry")),
		bus:    eventBus,
		audit:  audit,
	}
}

// Register adds an agent to the directory. Re-registering an existing ID
// overwrites the previous record and emits an audit record for the
// replacement.
func (r *Registry) Register(ctx context.Context, agent *Agent) error {
	if agent == nil || agent.ID == "" {
		return errors.New("agent id is required")
	}
	if agent.Name == "" {
		return errors.New("agent name is required")
	}

	now := clock.Now()
	rec := &Agent{
		ID:           agent.ID,
		Name:         agent.Name,
		Capabilities: append([]string(nil), agent.Capabilities...),
		Health:       agent.Health,
		LastSeen:     now,
		RegisteredAt: now,
	}
	if rec.Health == "" {
		rec.Health = HealthUnknown
	}

	r.mu.Lock()
	previous, replaced := r.agents[agent.ID]
	if replaced {
		rec.RegisteredAt = previous.RegisteredAt
	}
	r.agents[agent.ID] = rec
	r.mu.Unlock()

	if replaced {
		r.logger.Warn("Agent re-registered, overwriting previous record",
			zap.String("agent_id", agent.ID),
			zap.String("previous_name", previous.Name))
		if r.audit != nil {
			r.audit.Record("agent re-registered: "+agent.ID,
				[]string{"registry", "replaced"},
				map[string]string{"agentId": agent.ID, "previousName": previous.Name})
		}
		r.publish(ctx, events.AgentReplaced, rec)
		return nil
	}

	r.logger.Info("Agent registered",
		zap.String("agent_id", agent.ID),
		zap.String("name", agent.Name),
		zap.Strings("capabilities", rec.Capabilities))
	r.publish(ctx, events.AgentRegistered, rec)
	return nil
}

// Deregister removes an agent from the directory.
func (r *Registry) Deregister(ctx context.Context, id string) error {
	r.mu.Lock()
	agent, ok := r.agents[id]
	if ok {
		delete(r.agents, id)
	}
	r.mu.Unlock()

	if !ok {
		return ErrAgentNotFound
	}

	r.logger.Info("Agent deregistered", zap.String("agent_id", id))
	r.publish(ctx, events.AgentDeregistered, agent)
	return nil
}

// Get returns the agent with the given ID.
func (r *Registry) Get(ctx context.Context, id string) (*Agent, error) {
	r.mu.RLock()
	agent, ok := r.agents[id]
	r.mu.RUnlock()

	if !ok {
		return nil, ErrAgentNotFound
	}
	return cloneAgent(agent), nil
}

// Discover returns all agents whose capability set is a superset of the
// requested capabilities. An empty query matches every agent. Results are
// ordered by capability count descending, then name ascending; a single
// match is returned without sorting.
func (r *Registry) Discover(ctx context.Context, capabilities []string) []*Agent {
	r.mu.RLock()
	var matched []*Agent
	for _, agent := range r.agents {
		if hasAllCapabilities(agent, capabilities) {
			matched = append(matched, cloneAgent(agent))
		}
	}
	r.mu.RUnlock()

	if len(matched) <= 1 {
		return matched
	}

	sort.Slice(matched, func(i, j int) bool {
		if len(matched[i].Capabilities) != len(matched[j].Capabilities) {
			return len(matched[i].Capabilities) > len(matched[j].Capabilities)
		}
		return matched[i].Name < matched[j].Name
	})
	return matched
}

// List returns every registered agent, name ascending.
func (r *Registry) List(ctx context.Context) []*Agent {
	r.mu.RLock()
	agents := make([]*Agent, 0, len(r.agents))
	for _, agent := range r.agents {
		agents = append(agents, cloneAgent(agent))
	}
	r.mu.RUnlock()

	sort.Slice(agents, func(i, j int) bool { return agents[i].Name < agents[j].Name })
	return agents
}

// Heartbeat updates an agent's health and last-seen timestamp.
func (r *Registry) Heartbeat(ctx context.Context, id string, health Health) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[id]
	if !ok {
		return ErrAgentNotFound
	}
	if health != "" {
		agent.Health = health
	}
	agent.LastSeen = clock.Now()
	return nil
}

// Has reports whether an agent ID is registered.
func (r *Registry) Has(ctx context.Context, id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.agents[id]
	return ok
}

// Count returns the number of registered agents.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

func (r *Registry) publish(ctx context.Context, eventType string, agent *Agent) {
	if r.bus == nil {
		return
	}
	event := bus.NewEvent(eventType, "registry", map[string]interface{}{
		"agent_id":     agent.ID,
		"name":         agent.Name,
		"capabilities": agent.Capabilities,
	})
	if err := r.bus.Publish(ctx, eventType, event); err != nil {
		r.logger.Warn("Failed to publish registry event",
			zap.String("event_type", eventType),
			zap.Error(err))
	}
}

func hasAllCapabilities(agent *Agent, required []string) bool {
	for _, want := range required {
		found := false
		for _, have := range agent.Capabilities {
			if have == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func cloneAgent(a *Agent) *Agent {
	dup := *a
	dup.Capabilities = append([]string(nil), a.Capabilities...)
	return &dup
}

// Package bus defines the event bus the Hivecore services communicate
// over, with an in-process implementation for single-node deployments and
// a NATS-backed one for distributed agents. Subjects follow the dotted
// hierarchy in the events package (task.*, comms.*, registry.*).
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event is the envelope every subject carries. Data is a flat string-keyed
// map so the payload survives JSON transport between processes unchanged.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"` // producing component
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// NewEvent stamps a fresh envelope with a UUID and the current UTC time.
func NewEvent(eventType, source string, data map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// EventHandler consumes one event. A returned error is logged by the bus;
// it does not stop the subscription.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription is a live handler registration.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus is the transport contract shared by the memory and NATS buses.
type EventBus interface {
	// Publish sends an event to a subject.
	Publish(ctx context.Context, subject string, event *Event) error

	// Subscribe registers a handler for a subject pattern. NATS wildcards
	// (* and >) are honored by both implementations.
	Subscribe(subject string, handler EventHandler) (Subscription, error)

	// QueueSubscribe registers a handler in a queue group; each event goes
	// to one member of the group.
	QueueSubscribe(subject, queue string, handler EventHandler) (Subscription, error)

	// Request publishes an event and waits up to timeout for a reply.
	Request(ctx context.Context, subject string, event *Event, timeout time.Duration) (*Event, error)

	// Close shuts the bus down, letting in-flight handlers finish.
	Close()

	// IsConnected reports whether the bus can currently deliver.
	IsConnected() bool
}

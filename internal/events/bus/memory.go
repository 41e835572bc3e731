package bus

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/hivecore/hivecore/internal/common/logger"
)

// MemoryEventBus is the in-process EventBus for single-node deployments.
//
// Handlers run synchronously inside Publish, after the bus lock is
// released, each subscription seeing events from one publisher in publish
// order. Session history indexing depends on that ordering. Because
// handlers run unlocked they are free to publish follow-up events.
type MemoryEventBus struct {
	mu     sync.RWMutex
	subs   map[string][]*memorySubscription // keyed by subject pattern
	groups map[string]*queueGroup           // keyed by queue + ":" + pattern
	closed bool
	logger *logger.Logger
}

// NewMemoryEventBus builds an empty in-process bus.
func NewMemoryEventBus(log *logger.Logger) *MemoryEventBus {
	return &MemoryEventBus{
		subs:   make(map[string][]*memorySubscription),
		groups: make(map[string]*queueGroup),
		logger: log,
	}
}

// memorySubscription is one registered handler. active flips to false on
// Unsubscribe and bus Close; delivery checks it without locking.
type memorySubscription struct {
	bus     *MemoryEventBus
	pattern string
	matcher subjectMatcher
	handler EventHandler
	queue   string // empty for plain subscriptions
	active  atomic.Bool
}

// Unsubscribe deactivates the handler and drops it from the bus tables.
func (s *memorySubscription) Unsubscribe() error {
	s.active.Store(false)

	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	s.bus.subs[s.pattern] = removeSub(s.bus.subs[s.pattern], s)
	if s.queue != "" {
		if group, ok := s.bus.groups[s.queue+":"+s.pattern]; ok {
			group.mu.Lock()
			group.members = removeSub(group.members, s)
			group.mu.Unlock()
		}
	}
	return nil
}

// IsValid reports whether the subscription still receives events.
func (s *memorySubscription) IsValid() bool {
	return s.active.Load()
}

func removeSub(subs []*memorySubscription, target *memorySubscription) []*memorySubscription {
	for i, sub := range subs {
		if sub == target {
			return append(subs[:i], subs[i+1:]...)
		}
	}
	return subs
}

// queueGroup tracks round-robin rotation for one queue + pattern pair.
type queueGroup struct {
	mu      sync.Mutex
	members []*memorySubscription
	next    int
}

// pick returns the next active member, advancing the rotation, or nil when
// every member is inactive.
func (g *queueGroup) pick() *memorySubscription {
	g.mu.Lock()
	defer g.mu.Unlock()

	for i := 0; i < len(g.members); i++ {
		idx := (g.next + i) % len(g.members)
		if sub := g.members[idx]; sub.active.Load() {
			g.next = (idx + 1) % len(g.members)
			return sub
		}
	}
	return nil
}

// Subscribe registers a handler for a subject pattern.
func (b *MemoryEventBus) Subscribe(subject string, handler EventHandler) (Subscription, error) {
	sub, err := b.register(subject, "", handler)
	if err != nil {
		return nil, err
	}
	b.logger.Debug("Subscribed to subject", zap.String("subject", subject))
	return sub, nil
}

// QueueSubscribe registers a handler in a queue group; per event, one group
// member is chosen round-robin.
func (b *MemoryEventBus) QueueSubscribe(subject, queue string, handler EventHandler) (Subscription, error) {
	sub, err := b.register(subject, queue, handler)
	if err != nil {
		return nil, err
	}
	b.logger.Debug("Queue subscribed to subject",
		zap.String("subject", subject),
		zap.String("queue", queue))
	return sub, nil
}

func (b *MemoryEventBus) register(subject, queue string, handler EventHandler) (*memorySubscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("event bus is closed")
	}

	sub := &memorySubscription{
		bus:     b,
		pattern: subject,
		matcher: compileMatcher(subject),
		handler: handler,
		queue:   queue,
	}
	sub.active.Store(true)
	b.subs[subject] = append(b.subs[subject], sub)

	if queue != "" {
		key := queue + ":" + subject
		group, ok := b.groups[key]
		if !ok {
			group = &queueGroup{}
			b.groups[key] = group
		}
		group.members = append(group.members, sub)
	}
	return sub, nil
}

// Publish delivers the event to every matching subscription. Targets are
// collected under the read lock and handlers invoked afterwards on the
// caller's goroutine; a handler error is logged and delivery continues.
func (b *MemoryEventBus) Publish(ctx context.Context, subject string, event *Event) error {
	targets, err := b.collectTargets(subject)
	if err != nil {
		return err
	}

	for _, sub := range targets {
		if err := sub.handler(ctx, event); err != nil {
			b.logger.Error("Event handler error",
				zap.String("subject", subject),
				zap.Error(err))
		}
	}

	b.logger.Debug("Published event",
		zap.String("subject", subject),
		zap.String("event_id", event.ID),
		zap.String("event_type", event.Type))
	return nil
}

func (b *MemoryEventBus) collectTargets(subject string) ([]*memorySubscription, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, fmt.Errorf("event bus is closed")
	}

	var targets []*memorySubscription
	pickedGroups := make(map[string]bool)
	for pattern, subs := range b.subs {
		for _, sub := range subs {
			if !sub.active.Load() || !sub.matcher.match(subject) {
				continue
			}
			if sub.queue == "" {
				targets = append(targets, sub)
				continue
			}
			// One delivery per queue group regardless of member count.
			key := sub.queue + ":" + pattern
			if pickedGroups[key] {
				continue
			}
			pickedGroups[key] = true
			if picked := b.groups[key].pick(); picked != nil {
				targets = append(targets, picked)
			}
		}
	}
	return targets, nil
}

// Request implements request-reply over an "_INBOX." subject: the reply
// subject rides in the event's _reply data key and the first event
// published there wins.
func (b *MemoryEventBus) Request(ctx context.Context, subject string, event *Event, timeout time.Duration) (*Event, error) {
	inbox := fmt.Sprintf("_INBOX.%s", event.ID)
	replyCh := make(chan *Event, 1)

	sub, err := b.Subscribe(inbox, func(ctx context.Context, e *Event) error {
		select {
		case replyCh <- e:
		default:
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create reply subscription: %w", err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	if event.Data == nil {
		event.Data = make(map[string]interface{})
	}
	event.Data["_reply"] = inbox

	if err := b.Publish(ctx, subject, event); err != nil {
		return nil, fmt.Errorf("failed to publish request: %w", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	select {
	case response := <-replyCh:
		return response, nil
	case <-waitCtx.Done():
		return nil, fmt.Errorf("request timeout after %v", timeout)
	}
}

// Close deactivates every subscription and rejects further use.
func (b *MemoryEventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for _, subs := range b.subs {
		for _, sub := range subs {
			sub.active.Store(false)
		}
	}
	b.subs = make(map[string][]*memorySubscription)
	b.groups = make(map[string]*queueGroup)

	b.logger.Info("Memory event bus closed")
}

// IsConnected reports whether the bus still accepts publishes.
func (b *MemoryEventBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

// subjectMatcher matches a concrete subject against one pattern. Patterns
// without wildcards compare as strings; * (one token) and > (rest) compile
// to an anchored regexp the NATS way.
type subjectMatcher struct {
	exact string
	re    *regexp.Regexp
}

func compileMatcher(pattern string) subjectMatcher {
	if !strings.ContainsAny(pattern, "*>") {
		return subjectMatcher{exact: pattern}
	}

	// QuoteMeta escapes * but leaves > alone; rewrite both into their
	// token equivalents and anchor the result.
	expr := regexp.QuoteMeta(pattern)
	expr = strings.ReplaceAll(expr, `\*`, `[^.]+`)
	expr = strings.ReplaceAll(expr, `>`, `.+`)
	re, err := regexp.Compile("^" + expr + "$")
	if err != nil {
		return subjectMatcher{exact: pattern}
	}
	return subjectMatcher{re: re}
}

func (m subjectMatcher) match(subject string) bool {
	if m.re != nil {
		return m.re.MatchString(subject)
	}
	return m.exact == subject
}

package main

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/hivecore/hivecore/internal/comms"
	"github.com/hivecore/hivecore/internal/common/logger"
	"github.com/hivecore/hivecore/internal/events"
	"github.com/hivecore/hivecore/internal/events/bus"
	"github.com/hivecore/hivecore/pkg/wire"
)

// mockAgent consumes task instructions addressed to it and replies with a
// terminal execution result after a simulated work delay.
type mockAgent struct {
	id       string
	delay    time.Duration
	failMode bool
	freeText bool

	bus    bus.EventBus
	logger *logger.Logger

	seq atomic.Int64
	sub bus.Subscription
	wg  sync.WaitGroup
}

func newMockAgent(id string, eventBus bus.EventBus, delay time.Duration, failMode, freeText bool, log *logger.Logger) *mockAgent {
	return &mockAgent{
		id:       id,
		delay:    delay,
		failMode: failMode,
		freeText: freeText,
		bus:      eventBus,
		logger:   log.WithFields(zap.String("component", "mock_agent"), zap.String("agent_id", id)),
	}
}

// Start subscribes to message events across all sessions. The agent does not
// know session IDs ahead of time; plan sessions are created per plan run.
func (a *mockAgent) Start(ctx context.Context) error {
	sub, err := a.bus.Subscribe(events.BuildMessageWildcardSubject(), func(_ context.Context, event *bus.Event) error {
		a.handleEvent(ctx, event)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to message events: %w", err)
	}
	a.sub = sub
	a.logger.Info("Listening for instructions",
		zap.String("subject", events.BuildMessageWildcardSubject()))
	return nil
}

// Stop unsubscribes and waits for in-flight replies to finish.
func (a *mockAgent) Stop() {
	if a.sub != nil {
		_ = a.sub.Unsubscribe()
		a.sub = nil
	}
	a.wg.Wait()
}

func (a *mockAgent) handleEvent(ctx context.Context, event *bus.Event) {
	msg, err := comms.MessageFromEvent(event)
	if err != nil {
		return
	}
	if msg.ToAgent != a.id || msg.FromAgent == a.id {
		return
	}
	if msg.Type != comms.MessageAction {
		return
	}

	inst, err := wire.ParseInstruction(msg.Content)
	if err != nil {
		a.logger.Debug("Ignoring action message without instruction payload",
			zap.String("session_id", msg.SessionID),
			zap.Error(err))
		return
	}

	a.logger.Info("Instruction received",
		zap.String("task_id", inst.TaskID),
		zap.String("session_id", msg.SessionID),
		zap.String("action", inst.Action))

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.reply(ctx, msg.SessionID, msg.FromAgent, inst)
	}()
}

// reply waits out the simulated work time, then publishes the terminal result
// into the session, addressed to whoever sent the instruction.
func (a *mockAgent) reply(ctx context.Context, sessionID, requester string, inst *wire.Instruction) {
	if a.delay > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(a.delay):
		}
	}

	content, err := a.buildResult(inst)
	if err != nil {
		a.logger.Error("Failed to encode result",
			zap.String("task_id", inst.TaskID),
			zap.Error(err))
		return
	}

	msg := &comms.Message{
		ID:        a.seq.Add(1),
		SessionID: sessionID,
		FromAgent: a.id,
		ToAgent:   requester,
		Type:      comms.MessageResponse,
		Content:   content,
		Timestamp: time.Now().UTC(),
	}
	if err := a.bus.Publish(ctx, events.BuildMessageSubject(sessionID), comms.MessageEvent(msg)); err != nil {
		a.logger.Error("Failed to publish result",
			zap.String("task_id", inst.TaskID),
			zap.Error(err))
		return
	}

	a.logger.Info("Result sent",
		zap.String("task_id", inst.TaskID),
		zap.Bool("failed", a.failMode),
		zap.Bool("free_text", a.freeText))
}

// buildResult renders the reply content. Structured JSON results are the
// contract; free-text mode exercises the deprecated compatibility path.
func (a *mockAgent) buildResult(inst *wire.Instruction) (string, error) {
	if a.freeText {
		if a.failMode {
			return fmt.Sprintf("Work aborted. TASK_FAILED TASK_ID: %s", inst.TaskID), nil
		}
		return fmt.Sprintf("Work finished. TASK_COMPLETE TASK_ID: %s", inst.TaskID), nil
	}

	result := wire.NewExecutionResult(inst.TaskID, a.id, wire.StatusCompleted)
	if a.failMode {
		result.Status = wire.StatusFailed
		result.ErrorMessage = "simulated agent failure"
	}
	return result.Encode()
}

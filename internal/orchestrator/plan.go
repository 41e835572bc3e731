package orchestrator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hivecore/hivecore/internal/clock"
	"github.com/hivecore/hivecore/internal/comms"
	"github.com/hivecore/hivecore/internal/common/appctx"
	"github.com/hivecore/hivecore/internal/common/constants"
	"github.com/hivecore/hivecore/internal/common/tracing"
	"github.com/hivecore/hivecore/internal/delegation/models"
	"github.com/hivecore/hivecore/internal/events"
	"github.com/hivecore/hivecore/internal/registry"
	"github.com/hivecore/hivecore/pkg/wire"
)

// PlanParams bounds one ExecutePlan call. Limit caps how many queued tasks
// the plan drains; SessionID optionally names an existing session to run the
// plan on instead of the orchestrator's own.
type PlanParams struct {
	SessionID string `json:"session_id,omitempty"`
	Limit     int    `json:"limit"`
}

// TaskFailure pairs a task with the error code that settled its attempt.
type TaskFailure struct {
	TaskID string `json:"taskId"`
	Error  string `json:"error"`
}

// PlanResult reports the fate of every task a plan touched. A task sent
// back to the queue for retry appears under Failed with the code of the
// attempt that requeued it.
type PlanResult struct {
	PlanID     string        `json:"planId"`
	SessionID  string        `json:"sessionId,omitempty"`
	Dispatched []string      `json:"dispatched"`
	Completed  []string      `json:"completed"`
	Failed     []TaskFailure `json:"failed"`
}

const (
	dispatchBlocked  = iota // dependencies still pending, try a later wave
	dispatchSettled         // bookkeeping recorded a terminal or requeue outcome
	dispatchInFlight        // instruction sent, awaiting the agent's reply
)

type dispatchOutcome struct {
	kind       int
	dispatched bool
	ch         <-chan completion
}

// ExecutePlan drains up to Limit eligible tasks and runs them in dependency
// waves: each wave dispatches every task whose dependencies are satisfied,
// then awaits all of the wave's completions so finished dependencies can
// unblock dependents within the same call. The loop ends when every fetched
// task has progressed or a wave makes no progress.
//
// Cancellation stops new dispatches and fails in-flight tasks with the
// cancelled code; the partial result is still returned with a nil error.
func (s *Service) ExecutePlan(ctx context.Context, params PlanParams) (*PlanResult, error) {
	result := &PlanResult{Dispatched: []string{}, Completed: []string{}, Failed: []TaskFailure{}}
	if params.Limit <= 0 {
		return result, nil
	}

	ctx, span := tracing.Tracer(tracerName).Start(ctx, "orchestrator.executePlan")
	defer span.End()

	tasks, err := s.tasks.GetQueuedTasks(ctx, params.Limit)
	if err != nil {
		return nil, fmt.Errorf("fetch queued tasks: %w", err)
	}
	if len(tasks) == 0 {
		return result, nil
	}

	if err := s.ensureIdentity(ctx); err != nil {
		return nil, err
	}
	if err := s.ensureListener(ctx); err != nil {
		return nil, err
	}

	sessionID := params.SessionID
	if sessionID == "" {
		if sessionID, err = s.defaultPlanSession(ctx); err != nil {
			return nil, err
		}
	} else if _, err := s.comms.GetSession(ctx, sessionID); err != nil {
		return nil, fmt.Errorf("plan session %s: %w", sessionID, err)
	}

	planID := clock.NewID(clock.CategoryPlan)
	result.PlanID = planID
	result.SessionID = sessionID

	s.logger.Info("Plan execution started",
		zap.String("plan_id", planID),
		zap.String("session_id", sessionID),
		zap.Int("tasks", len(tasks)))
	s.publishPlanEvent(ctx, events.PlanStarted, planID, map[string]interface{}{
		"session_id": sessionID,
		"task_count": len(tasks),
	})

	progressed := make(map[string]bool, len(tasks))
	for len(progressed) < len(tasks) && ctx.Err() == nil {
		if _, err := s.tasks.ProcessDueRequeues(ctx, clock.Now()); err != nil {
			s.logger.Warn("Requeue scan failed", zap.Error(err))
		}

		type flight struct {
			taskID string
			ch     <-chan completion
		}
		var wave []flight
		progress := false

		for _, task := range tasks {
			if progressed[task.ID] || ctx.Err() != nil {
				continue
			}
			outcome := s.prepareDispatch(ctx, task, sessionID)
			if outcome.kind == dispatchBlocked {
				continue
			}
			progressed[task.ID] = true
			progress = true
			if outcome.dispatched {
				result.Dispatched = append(result.Dispatched, task.ID)
			}
			if outcome.kind == dispatchInFlight {
				wave = append(wave, flight{taskID: task.ID, ch: outcome.ch})
			}
		}

		if len(wave) > 0 {
			g := new(errgroup.Group)
			for _, f := range wave {
				f := f
				g.Go(func() error {
					s.awaitTask(ctx, f.taskID, sessionID, f.ch)
					return nil
				})
			}
			_ = g.Wait()
		}

		if !progress {
			break
		}
	}

	s.finalizeResult(ctx, tasks, progressed, result)

	s.logger.Info("Plan execution finished",
		zap.String("plan_id", planID),
		zap.Int("dispatched", len(result.Dispatched)),
		zap.Int("completed", len(result.Completed)),
		zap.Int("failed", len(result.Failed)))
	s.publishPlanEvent(ctx, events.PlanCompleted, planID, map[string]interface{}{
		"session_id": sessionID,
		"dispatched": len(result.Dispatched),
		"completed":  len(result.Completed),
		"failed":     len(result.Failed),
	})
	return result, nil
}

// prepareDispatch moves one task as far as it can go this wave: dependency
// gate, capability match, dispatch bookkeeping, and the instruction send.
func (s *Service) prepareDispatch(ctx context.Context, task *models.Task, sessionID string) dispatchOutcome {
	ctx, span := tracing.Tracer(tracerName).Start(ctx, "orchestrator.dispatchTask")
	defer span.End()

	if len(task.DependsOn) > 0 {
		for _, depID := range task.DependsOn {
			dep, err := s.tasks.GetTask(ctx, depID)
			if err != nil {
				s.failBeforeDispatch(ctx, task.ID, sessionID, models.ErrorCodeDependencyFailed,
					"unknown dependency "+depID)
				return dispatchOutcome{kind: dispatchSettled}
			}
			if dep.Status == models.TaskFailed {
				s.failBeforeDispatch(ctx, task.ID, sessionID, models.ErrorCodeDependencyFailed,
					"dependency "+depID+" failed")
				return dispatchOutcome{kind: dispatchSettled}
			}
			if dep.Status != models.TaskCompleted {
				return dispatchOutcome{kind: dispatchBlocked}
			}
		}
	}

	capability := ClassifyCapability(task.Action)
	agent := s.pickAgent(ctx, capability)
	if agent == nil {
		s.logger.Warn("No agent advertises required capability",
			zap.String("task_id", task.ID),
			zap.String("capability", capability))
		s.failBeforeDispatch(ctx, task.ID, sessionID, models.ErrorCodeNoAgent,
			"no agent advertises capability "+capability)
		return dispatchOutcome{kind: dispatchSettled}
	}

	applied, err := s.tasks.MarkDispatched(ctx, task.ID, agent.ID)
	if err != nil {
		s.logger.Error("Dispatch bookkeeping failed",
			zap.String("task_id", task.ID),
			zap.Error(err))
		return dispatchOutcome{kind: dispatchSettled}
	}
	if !applied {
		s.logger.Debug("Task no longer queued, skipping dispatch", zap.String("task_id", task.ID))
		return dispatchOutcome{kind: dispatchSettled}
	}

	ch := s.pending.add(task.ID, sessionID, clock.Now())

	instruction := wire.Instruction{
		Action:        task.Action,
		SourceFinding: task.Finding,
		TaskID:        task.ID,
	}
	_, err = s.comms.SendMessage(ctx, comms.SendParams{
		SessionID: sessionID,
		FromAgent: SelfAgentID,
		ToAgent:   agent.ID,
		Type:      comms.MessageAction,
		Content:   instruction.Encode(),
		Metadata:  map[string]string{"task_id": task.ID},
	})
	if err != nil {
		s.pending.claim(task.ID)
		s.logger.Warn("Instruction send failed",
			zap.String("task_id", task.ID),
			zap.String("agent_id", agent.ID),
			zap.Error(err))
		if _, recErr := s.tasks.MarkExecutionResult(ctx, task.ID, false, models.ErrorCodeSendFailed, err.Error(), -1); recErr != nil {
			s.logger.Error("Failed to record send failure",
				zap.String("task_id", task.ID),
				zap.Error(recErr))
		}
		s.afterSettle(ctx, sessionID, task.ID)
		return dispatchOutcome{kind: dispatchSettled, dispatched: true}
	}

	s.logger.Info("Task dispatched",
		zap.String("task_id", task.ID),
		zap.String("agent_id", agent.ID),
		zap.String("capability", capability))

	if s.cfg.SimulateAgentExecution {
		s.simulateReply(task.ID, agent.ID, sessionID)
	}
	return dispatchOutcome{kind: dispatchInFlight, dispatched: true, ch: ch}
}

// failBeforeDispatch settles a task that never reached an agent. The
// delegation service decides whether the code is terminal or retriable.
func (s *Service) failBeforeDispatch(ctx context.Context, taskID, sessionID, code, message string) {
	applied, err := s.tasks.MarkDispatchFailure(ctx, taskID, code, message)
	if err != nil {
		s.logger.Error("Failed to record dispatch failure",
			zap.String("task_id", taskID),
			zap.String("error_code", code),
			zap.Error(err))
		return
	}
	if !applied {
		s.logger.Debug("Dispatch failure for task no longer queued", zap.String("task_id", taskID))
		return
	}
	s.afterSettle(ctx, sessionID, taskID)
}

// pickAgent returns the first discovered agent for the capability,
// preferring agents that have not reported unhealthy.
func (s *Service) pickAgent(ctx context.Context, capability string) *registry.Agent {
	agents := s.agents.Discover(ctx, []string{capability})
	if len(agents) == 0 {
		return nil
	}
	for _, agent := range agents {
		if agent.Health != registry.HealthUnhealthy {
			return agent
		}
	}
	return agents[0]
}

// awaitTask blocks until the task settles: the agent's reply, the execution
// timeout, or plan cancellation, whichever claims the wait first. The
// timeout and cancellation paths record the outcome themselves on a
// detached context.
func (s *Service) awaitTask(ctx context.Context, taskID, sessionID string, ch <-chan completion) completion {
	timer := time.NewTimer(s.execTimeout())
	defer timer.Stop()

	select {
	case c := <-ch:
		return c

	case <-timer.C:
		wait, ok := s.pending.claim(taskID)
		if !ok {
			// The reply won the race; its completion is in the buffer.
			return <-ch
		}
		duration := clock.Since(wait.start).Milliseconds()
		s.logger.Warn("Task execution timed out",
			zap.String("task_id", taskID),
			zap.Int64("waited_ms", duration))
		rctx, cancel := appctx.Detached(ctx, nil, constants.ResultRecordTimeout)
		defer cancel()
		if _, err := s.tasks.MarkExecutionResult(rctx, taskID, false, models.ErrorCodeTaskTimeout,
			"no terminal reply within the execution timeout", duration); err != nil {
			s.logger.Error("Failed to record task timeout",
				zap.String("task_id", taskID),
				zap.Error(err))
		}
		s.window.add(duration)
		s.afterSettle(rctx, sessionID, taskID)
		return completion{success: false, code: models.ErrorCodeTaskTimeout}

	case <-ctx.Done():
		wait, ok := s.pending.claim(taskID)
		if !ok {
			return <-ch
		}
		duration := clock.Since(wait.start).Milliseconds()
		s.logger.Info("Plan cancelled while awaiting task", zap.String("task_id", taskID))
		rctx, cancel := appctx.Detached(ctx, nil, constants.ResultRecordTimeout)
		defer cancel()
		if _, err := s.tasks.MarkExecutionResult(rctx, taskID, false, models.ErrorCodeCancelled,
			"plan context cancelled", duration); err != nil {
			s.logger.Error("Failed to record task cancellation",
				zap.String("task_id", taskID),
				zap.Error(err))
		}
		s.afterSettle(rctx, sessionID, taskID)
		return completion{success: false, code: models.ErrorCodeCancelled}
	}
}

// finalizeResult re-reads every progressed task and buckets it by record
// state. Requeued tasks report the error code of the attempt that sent them
// back to the queue.
func (s *Service) finalizeResult(ctx context.Context, tasks []*models.Task, progressed map[string]bool, result *PlanResult) {
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = appctx.Detached(ctx, nil, constants.ResultRecordTimeout)
		defer cancel()
	}
	for _, task := range tasks {
		if !progressed[task.ID] {
			continue
		}
		record, err := s.tasks.GetTask(ctx, task.ID)
		if err != nil {
			s.logger.Warn("Lost track of plan task",
				zap.String("task_id", task.ID),
				zap.Error(err))
			continue
		}
		switch {
		case record.Status == models.TaskCompleted:
			result.Completed = append(result.Completed, task.ID)
		case record.Status == models.TaskFailed:
			result.Failed = append(result.Failed, TaskFailure{TaskID: task.ID, Error: record.LastErrorCode})
		case record.Status == models.TaskQueued && record.LastErrorCode != "":
			result.Failed = append(result.Failed, TaskFailure{TaskID: task.ID, Error: record.LastErrorCode})
		default:
			s.logger.Debug("Plan task left in intermediate state",
				zap.String("task_id", task.ID),
				zap.String("status", string(record.Status)))
		}
	}
}

// simulateReply synthesizes a successful terminal reply from the target
// agent after the configured delay, exercising the listener path end to end
// without real agents attached.
func (s *Service) simulateReply(taskID, agentID, sessionID string) {
	delay := time.Duration(s.cfg.SimulatedAgentDelayMs) * time.Millisecond
	go func() {
		time.Sleep(delay)

		content, err := wire.NewExecutionResult(taskID, agentID, wire.StatusCompleted).Encode()
		if err != nil {
			s.logger.Error("Failed to encode simulated reply", zap.Error(err))
			return
		}
		ctx, cancel := appctx.Detached(context.Background(), nil, constants.ResultRecordTimeout)
		defer cancel()
		if _, err := s.comms.SendMessage(ctx, comms.SendParams{
			SessionID: sessionID,
			FromAgent: agentID,
			ToAgent:   SelfAgentID,
			Type:      comms.MessageResponse,
			Content:   content,
		}); err != nil {
			s.logger.Warn("Failed to send simulated reply",
				zap.String("task_id", taskID),
				zap.Error(err))
		}
	}()
}

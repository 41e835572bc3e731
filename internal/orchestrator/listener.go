package orchestrator

import (
	"context"

	"go.uber.org/zap"

	"github.com/hivecore/hivecore/internal/clock"
	"github.com/hivecore/hivecore/internal/comms"
	"github.com/hivecore/hivecore/internal/common/appctx"
	"github.com/hivecore/hivecore/internal/common/constants"
	"github.com/hivecore/hivecore/internal/delegation/models"
	"github.com/hivecore/hivecore/pkg/wire"
)

// ensureListener attaches the wildcard message subscription and starts the
// worker that consumes agent replies. The bus delivers handlers inline on
// the sender's goroutine, so the handler only enqueues: parsing, result
// recording, and the broadcasts that follow all happen on the worker.
func (s *Service) ensureListener(ctx context.Context) error {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()

	if s.listenerSub != nil {
		return nil
	}

	inbox := make(chan *comms.Message, replyInboxSize)
	sub, err := s.comms.Subscribe(func(ctx context.Context, msg *comms.Message) error {
		if msg.FromAgent == SelfAgentID {
			return nil
		}
		select {
		case inbox <- msg:
		default:
			s.logger.Warn("Reply inbox full, dropping message",
				zap.String("session_id", msg.SessionID),
				zap.String("from_agent", msg.FromAgent))
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.listenerSub = sub
	s.inbox = inbox
	s.quit = make(chan struct{})
	s.workerDone = make(chan struct{})
	go s.replyWorker(s.inbox, s.quit, s.workerDone)

	s.logger.Info("Reply listener attached")
	return nil
}

func (s *Service) replyWorker(inbox <-chan *comms.Message, quit <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-quit:
			return
		case msg := <-inbox:
			s.consumeReply(msg)
		}
	}
}

// consumeReply parses one agent message and settles the matching pending
// task. A malformed or irrelevant message never takes the worker down.
func (s *Service) consumeReply(msg *comms.Message) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Panic handling agent reply",
				zap.Any("panic", r),
				zap.String("session_id", msg.SessionID),
				zap.String("from_agent", msg.FromAgent))
		}
	}()

	if result, err := wire.ParseExecutionResult(msg.Content); err == nil {
		s.settle(result.TaskID, result.Status == wire.StatusCompleted, result.ErrorCode, result.ErrorMessage)
		return
	}

	taskID, status, ok := wire.ParseFreeTextResult(msg.Content)
	if !ok {
		// Instructions, progress chatter, anything that is not a terminal
		// reply.
		return
	}
	s.logger.Warn("Deprecated free-text terminal reply, agent should send the structured result payload",
		zap.String("task_id", taskID),
		zap.String("from_agent", msg.FromAgent))
	message := ""
	if status == wire.StatusFailed {
		message = "agent reported failure in free text"
	}
	s.settle(taskID, status == wire.StatusCompleted, "", message)
}

// settle claims the pending wait for the task, records the terminal result
// with the measured duration, and releases the awaiting goroutine. Replies
// for tasks that are not pending (already timed out, cancelled, or never
// dispatched by this process) are ignored.
func (s *Service) settle(taskID string, success bool, code, message string) {
	wait, ok := s.pending.claim(taskID)
	if !ok {
		s.logger.Debug("Ignoring reply for task not pending", zap.String("task_id", taskID))
		return
	}

	duration := clock.Since(wait.start).Milliseconds()
	if !success && code == "" {
		code = models.ErrorCodeAgentReportFailure
	}

	// The plan's context may be gone by the time the reply lands.
	ctx, cancel := appctx.Detached(context.Background(), nil, constants.ResultRecordTimeout)
	defer cancel()

	applied, err := s.tasks.MarkExecutionResult(ctx, taskID, success, code, message, duration)
	if err != nil {
		s.logger.Error("Failed to record execution result",
			zap.String("task_id", taskID),
			zap.Bool("success", success),
			zap.Error(err))
	} else if !applied {
		s.logger.Debug("Execution result for already settled task", zap.String("task_id", taskID))
	}

	s.window.add(duration)
	s.afterSettle(ctx, wait.sessionID, taskID)

	// Release the awaiting goroutine only after the record and broadcasts
	// are in place, so a finished plan reflects every settlement.
	wait.ch <- completion{success: success, code: code}

	s.logger.Info("Task settled",
		zap.String("task_id", taskID),
		zap.Bool("success", success),
		zap.String("error_code", code),
		zap.Int64("duration_ms", duration))
}

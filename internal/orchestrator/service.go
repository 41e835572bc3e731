// Package orchestrator executes plans. A plan drains eligible tasks from the
// delegation queue, matches each task to a capable agent, sends the
// instruction over the communication bus, and awaits the agent's terminal
// reply with a per-task execution timeout. Outcomes feed back into the
// delegation service's retry bookkeeping, a rolling latency window, and
// progress broadcasts on the plan's session.
//
// The service also owns the optional background requeue scheduler and the
// reply listener that turns agent messages back into task settlements.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hivecore/hivecore/internal/clock"
	"github.com/hivecore/hivecore/internal/comms"
	"github.com/hivecore/hivecore/internal/common/config"
	"github.com/hivecore/hivecore/internal/common/logger"
	"github.com/hivecore/hivecore/internal/delegation"
	"github.com/hivecore/hivecore/internal/delegation/models"
	"github.com/hivecore/hivecore/internal/events/bus"
	"github.com/hivecore/hivecore/internal/memory"
	"github.com/hivecore/hivecore/internal/registry"
	"github.com/hivecore/hivecore/pkg/wire"
)

var (
	ErrServiceAlreadyRunning = errors.New("service is already running")
	ErrServiceNotRunning     = errors.New("service is not running")
)

// SelfAgentID is the directory identity the orchestrator registers for
// itself. Instructions are sent from it and agents address replies to it.
const SelfAgentID = "orchestrator"

// OperationTaskExecute names the latency series kept for task execution.
const OperationTaskExecute = "TaskDelegation.execute"

const tracerName = "hivecore-orchestrator"

// replyInboxSize bounds the listener's hand-off buffer. Replies beyond it
// are dropped with a warning rather than blocking the message bus.
const replyInboxSize = 1024

// TaskService is the slice of the delegation service the orchestrator drives.
type TaskService interface {
	GetTask(ctx context.Context, id string) (*models.Task, error)
	GetQueuedTasks(ctx context.Context, limit int) ([]*models.Task, error)
	MarkDispatched(ctx context.Context, taskID, agentID string) (bool, error)
	MarkDispatchFailure(ctx context.Context, taskID, code, message string) (bool, error)
	MarkExecutionResult(ctx context.Context, taskID string, success bool, code, message string, durationMs int64) (bool, error)
	ProcessDueRequeues(ctx context.Context, now time.Time) ([]string, error)
	Stats(ctx context.Context) (*models.TaskStats, error)
	RetriedCount() int64
}

// AgentDirectory is the slice of the registry used to target dispatches.
type AgentDirectory interface {
	Discover(ctx context.Context, capabilities []string) []*registry.Agent
	Has(ctx context.Context, id string) bool
	Register(ctx context.Context, agent *registry.Agent) error
}

// Transport is the slice of the communication bus the orchestrator uses:
// its own sessions, instruction sends, status broadcasts, and the reply
// subscription.
type Transport interface {
	CreateSession(ctx context.Context, params comms.CreateSessionParams) (*comms.Session, error)
	GetSession(ctx context.Context, id string) (*comms.Session, error)
	SendMessage(ctx context.Context, params comms.SendParams) (*comms.Message, error)
	BroadcastMessage(ctx context.Context, params comms.SendParams) (*comms.Message, error)
	Subscribe(handler comms.MessageHandler) (bus.Subscription, error)
}

var (
	_ TaskService    = (*delegation.Service)(nil)
	_ AgentDirectory = (*registry.Registry)(nil)
	_ Transport      = (*comms.Service)(nil)
)

// Service executes plans and owns the orchestration lifecycle.
type Service struct {
	cfg    config.OrchestratorConfig
	logger *logger.Logger
	tasks  TaskService
	agents AgentDirectory
	comms  Transport
	bus    bus.EventBus
	audit  *memory.Writer

	pending *pendingWaits
	window  *metricsWindow

	snapMu       sync.Mutex
	lastSnapshot *wire.MetricsSnapshot

	listenerMu  sync.Mutex
	listenerSub bus.Subscription
	inbox       chan *comms.Message
	quit        chan struct{}
	workerDone  chan struct{}

	sessionMu        sync.Mutex
	identityReady    bool
	planSessionID    string
	metricsSessionID string

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewService creates the orchestrator. The audit writer may be nil.
func NewService(cfg config.OrchestratorConfig, log *logger.Logger, tasks TaskService, agents AgentDirectory, transport Transport, eventBus bus.EventBus, audit *memory.Writer) *Service {
	svcLogger := log.WithFields(zap.String("component", "orchestrator"))

	if cfg.DisableRealAgentExecution && !cfg.SimulateAgentExecution {
		cfg.SimulateAgentExecution = true
		svcLogger.Warn("Option disableRealAgentExecution is deprecated, treating it as simulateAgentExecution")
		if audit != nil {
			audit.Record("deprecated option disableRealAgentExecution enabled simulated execution",
				[]string{"config", "deprecated"},
				map[string]string{"option": "disableRealAgentExecution"})
		}
	}

	return &Service{
		cfg:     cfg,
		logger:  svcLogger,
		tasks:   tasks,
		agents:  agents,
		comms:   transport,
		bus:     eventBus,
		audit:   audit,
		pending: newPendingWaits(),
		window:  newMetricsWindow(),
	}
}

// StartRequeueScheduler begins the periodic requeue scan. Intervals below
// one second disable the scheduler: Start logs and returns nil without
// marking the service running.
func (s *Service) StartRequeueScheduler(ctx context.Context) error {
	interval := time.Duration(s.cfg.RequeueSchedulerIntervalMs) * time.Millisecond
	if interval < time.Second {
		s.logger.Info("Requeue scheduler disabled",
			zap.Int("interval_ms", s.cfg.RequeueSchedulerIntervalMs))
		return nil
	}

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrServiceAlreadyRunning
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	s.logger.Info("Requeue scheduler starting", zap.Duration("interval", interval))
	s.wg.Add(1)
	go s.requeueLoop(ctx, interval)
	return nil
}

// StopRequeueScheduler stops the scan loop and waits for it to exit.
func (s *Service) StopRequeueScheduler() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrServiceNotRunning
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("Requeue scheduler stopped")
	return nil
}

// SchedulerRunning reports whether the requeue scheduler is active.
func (s *Service) SchedulerRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Service) requeueLoop(ctx context.Context, interval time.Duration) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			ids, err := s.tasks.ProcessDueRequeues(ctx, clock.Now())
			if err != nil {
				s.logger.Warn("Requeue scan failed", zap.Error(err))
				continue
			}
			if len(ids) > 0 {
				s.logger.Info("Requeued tasks eligible for dispatch", zap.Int("count", len(ids)))
			}
		}
	}
}

// Close detaches the reply listener and stops the requeue scheduler. Safe to
// call at shutdown regardless of what was started.
func (s *Service) Close() error {
	if err := s.StopRequeueScheduler(); err != nil && !errors.Is(err, ErrServiceNotRunning) {
		return err
	}

	s.listenerMu.Lock()
	sub := s.listenerSub
	quit := s.quit
	done := s.workerDone
	s.listenerSub = nil
	s.quit = nil
	s.workerDone = nil
	s.listenerMu.Unlock()

	if sub != nil {
		_ = sub.Unsubscribe()
	}
	if quit != nil {
		close(quit)
		<-done
	}
	return nil
}

// Status is a point-in-time view of the orchestrator's queue and activity.
type Status struct {
	Queued           int64   `json:"queued"`
	Dispatched       int64   `json:"dispatched"`
	Completed        int64   `json:"completed"`
	Failed           int64   `json:"failed"`
	Retried          int64   `json:"retried"`
	Pending          int     `json:"pending"`
	SchedulerRunning bool    `json:"scheduler_running"`
	AvgAttemptMs     float64 `json:"avg_attempt_ms"`
}

// GetStatus assembles the orchestrator status from delegation stats, the
// retry counter, and the in-flight pending table.
func (s *Service) GetStatus(ctx context.Context) (*Status, error) {
	stats, err := s.tasks.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("task stats: %w", err)
	}
	return &Status{
		Queued:           stats.Queued,
		Dispatched:       stats.Dispatched,
		Completed:        stats.Completed,
		Failed:           stats.Failed,
		Retried:          s.tasks.RetriedCount(),
		Pending:          s.pending.size(),
		SchedulerRunning: s.SchedulerRunning(),
		AvgAttemptMs:     stats.AvgAttemptDurationMs,
	}, nil
}

// execTimeout is the per-task await window. Zero means no grace at all:
// dispatched tasks time out on the first await poll.
func (s *Service) execTimeout() time.Duration {
	if s.cfg.TaskExecutionTimeoutMs < 0 {
		return 0
	}
	return time.Duration(s.cfg.TaskExecutionTimeoutMs) * time.Millisecond
}

// ensureIdentity registers the orchestrator's own agent record so its
// messages pass sender validation on the communication bus.
func (s *Service) ensureIdentity(ctx context.Context) error {
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()

	if s.identityReady || s.agents.Has(ctx, SelfAgentID) {
		s.identityReady = true
		return nil
	}
	err := s.agents.Register(ctx, &registry.Agent{
		ID:           SelfAgentID,
		Name:         "Hivecore Orchestrator",
		Capabilities: []string{"orchestration"},
		Health:       registry.HealthHealthy,
	})
	if err != nil {
		return fmt.Errorf("register orchestrator identity: %w", err)
	}
	s.identityReady = true
	return nil
}

// defaultPlanSession lazily creates the session plans run on when the caller
// does not supply one.
func (s *Service) defaultPlanSession(ctx context.Context) (string, error) {
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()

	if s.planSessionID != "" {
		return s.planSessionID, nil
	}
	session, err := s.comms.CreateSession(ctx, comms.CreateSessionParams{
		Participants: []string{SelfAgentID},
		Mode:         comms.ModeCollaborative,
		Topic:        "plan-execution",
	})
	if err != nil {
		return "", fmt.Errorf("create plan session: %w", err)
	}
	s.planSessionID = session.ID
	return s.planSessionID, nil
}

// metricsSession lazily creates the broadcast session latency snapshots are
// published on.
func (s *Service) metricsSession(ctx context.Context) (string, error) {
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()

	if s.metricsSessionID != "" {
		return s.metricsSessionID, nil
	}
	session, err := s.comms.CreateSession(ctx, comms.CreateSessionParams{
		Participants: []string{SelfAgentID},
		Mode:         comms.ModeBroadcast,
		Topic:        "operation-metrics",
	})
	if err != nil {
		return "", fmt.Errorf("create metrics session: %w", err)
	}
	s.metricsSessionID = session.ID
	return s.metricsSessionID, nil
}

func (s *Service) publishPlanEvent(ctx context.Context, eventType, planID string, data map[string]interface{}) {
	if s.bus == nil {
		return
	}
	payload := map[string]interface{}{"plan_id": planID}
	for k, v := range data {
		payload[k] = v
	}
	if err := s.bus.Publish(ctx, eventType, bus.NewEvent(eventType, "orchestrator", payload)); err != nil {
		s.logger.Warn("Failed to publish plan event",
			zap.String("event_type", eventType),
			zap.Error(err))
	}
}

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hivecore/hivecore/internal/clock"
	"github.com/hivecore/hivecore/internal/comms"
	"github.com/hivecore/hivecore/internal/common/config"
	"github.com/hivecore/hivecore/internal/common/logger"
	"github.com/hivecore/hivecore/internal/consensus"
	"github.com/hivecore/hivecore/internal/delegation"
	"github.com/hivecore/hivecore/internal/delegation/models"
	"github.com/hivecore/hivecore/internal/delegation/repository"
	"github.com/hivecore/hivecore/internal/events/bus"
	"github.com/hivecore/hivecore/internal/feedback"
	"github.com/hivecore/hivecore/internal/memory"
	"github.com/hivecore/hivecore/internal/orchestrator"
	"github.com/hivecore/hivecore/internal/registry"
	"github.com/hivecore/hivecore/pkg/wire"
)

// apiStack runs the full in-memory service bundle behind a real router so
// tests exercise routing, binding, and error mapping together.
type apiStack struct {
	services Services
	router   *gin.Engine
}

func setupTestAPI(t *testing.T) *apiStack {
	t.Helper()
	gin.SetMode(gin.TestMode)

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)

	eventBus := bus.NewMemoryEventBus(log)
	store := memory.NewInMemoryStore()
	audit := memory.NewWriter(store, log)
	audit.Start()
	t.Cleanup(audit.Stop)

	cfg := config.OrchestratorConfig{
		TaskMaxAttempts:        3,
		TaskExecutionTimeoutMs: 2000,
		BackoffBaseMs:          500,
		BackoffCapMs:           30000,
		SimulateAgentExecution: true,
		SimulatedAgentDelayMs:  2,
	}
	repo := repository.NewMemoryRepository()
	tasks := delegation.NewService(cfg, log, repo, eventBus, audit)
	agents := registry.New(log, eventBus, audit)
	commsSvc := comms.NewService(config.CommsConfig{HistoryLimit: 100}, log, eventBus, agents)
	orch := orchestrator.NewService(cfg, log, tasks, agents, commsSvc, eventBus, audit)
	t.Cleanup(func() { _ = orch.Close() })

	services := Services{
		Orchestrator: orch,
		Tasks:        tasks,
		Agents:       agents,
		Comms:        commsSvc,
		Consensus:    consensus.NewEngine(config.ConsensusConfig{AgreementThreshold: 0.66}, log, eventBus, nil),
		Feedback:     feedback.NewService(log, tasks, store, eventBus),
	}

	router := gin.New()
	SetupRoutes(router.Group("/api/v1"), services, log)
	return &apiStack{services: services, router: router}
}

func (s *apiStack) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Buffer
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewBuffer(raw)
	} else {
		reader = bytes.NewBuffer(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), "body: %s", w.Body.String())
	return out
}

// errorBody is the shape AppError serializes to.
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (s *apiStack) registerAgent(t *testing.T, id, name string, capabilities ...string) {
	t.Helper()
	w := s.do(t, http.MethodPost, "/api/v1/agents", RegisterAgentRequest{
		ID:           id,
		Name:         name,
		Capabilities: capabilities,
		Health:       string(registry.HealthHealthy),
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
}

func (s *apiStack) queueTask(t *testing.T, action string) string {
	t.Helper()
	ids, err := s.services.Tasks.HarvestAndQueue(context.Background(), &models.ProactiveSnapshot{
		TakenAt:         clock.Now(),
		Recommendations: []models.Recommendation{{Action: action}},
	})
	require.NoError(t, err)
	require.Len(t, ids, 1)
	return ids[0]
}

func TestHealth(t *testing.T) {
	stack := setupTestAPI(t)

	w := stack.do(t, http.MethodGet, "/api/v1/health", nil)

	require.Equal(t, http.StatusOK, w.Code)
	body := decode[map[string]interface{}](t, w)
	assert.Equal(t, "ok", body["status"])
}

func TestGetStatusEmpty(t *testing.T) {
	stack := setupTestAPI(t)

	w := stack.do(t, http.MethodGet, "/api/v1/orchestrator/status", nil)

	require.Equal(t, http.StatusOK, w.Code)
	status := decode[orchestrator.Status](t, w)
	assert.Zero(t, status.Queued)
	assert.Zero(t, status.Completed)
	assert.Zero(t, status.Pending)
	assert.False(t, status.SchedulerRunning)
}

func TestHarvestSnapshotQueuesTasks(t *testing.T) {
	stack := setupTestAPI(t)

	w := stack.do(t, http.MethodPost, "/api/v1/orchestrator/snapshots", models.ProactiveSnapshot{
		TakenAt:             clock.Now(),
		MemoryBackendStatus: "healthy",
		Recommendations: []models.Recommendation{
			{Action: "Refactor the latency thresholds", Finding: "p95 regressed"},
		},
	})

	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	resp := decode[HarvestResponse](t, w)
	require.Equal(t, 1, resp.Total)
	assert.True(t, strings.HasPrefix(resp.Queued[0], "tsk-"), "got id %q", resp.Queued[0])

	list := decode[TaskListResponse](t, stack.do(t, http.MethodGet, "/api/v1/tasks", nil))
	require.Equal(t, 1, list.Total)
	assert.Equal(t, models.TaskQueued, list.Tasks[0].Status)
	assert.Equal(t, "Refactor the latency thresholds", list.Tasks[0].Action)
}

func TestHarvestSnapshotMalformedBody(t *testing.T) {
	stack := setupTestAPI(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/orchestrator/snapshots", strings.NewReader("{"))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	stack.router.ServeHTTP(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "VALIDATION_ERROR", decode[errorBody](t, w).Code)
}

func TestExecutePlanEndToEnd(t *testing.T) {
	stack := setupTestAPI(t)
	stack.registerAgent(t, "dev-1", "Dev One", "development")
	taskID := stack.queueTask(t, "Refactor the retry loop")

	w := stack.do(t, http.MethodPost, "/api/v1/orchestrator/plans", ExecutePlanRequest{})

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	result := decode[orchestrator.PlanResult](t, w)
	assert.Equal(t, []string{taskID}, result.Dispatched)
	assert.Equal(t, []string{taskID}, result.Completed)
	assert.Empty(t, result.Failed)

	task := decode[models.Task](t, stack.do(t, http.MethodGet, "/api/v1/tasks/"+taskID, nil))
	assert.Equal(t, models.TaskCompleted, task.Status)
	assert.Equal(t, "dev-1", task.TargetAgent)

	attempts := decode[AttemptListResponse](t, stack.do(t, http.MethodGet, "/api/v1/tasks/"+taskID+"/attempts", nil))
	assert.Equal(t, 1, attempts.Total)

	metrics := decode[wire.MetricsSnapshot](t, stack.do(t, http.MethodGet, "/api/v1/orchestrator/metrics", nil))
	assert.Equal(t, orchestrator.OperationTaskExecute, metrics.Operation)
	assert.GreaterOrEqual(t, metrics.Snapshot.Samples, 1)
}

func TestExecutePlanExplicitZeroLimit(t *testing.T) {
	stack := setupTestAPI(t)
	stack.registerAgent(t, "dev-1", "Dev One", "development")
	stack.queueTask(t, "Refactor the retry loop")

	limit := 0
	w := stack.do(t, http.MethodPost, "/api/v1/orchestrator/plans", ExecutePlanRequest{Limit: &limit})

	require.Equal(t, http.StatusOK, w.Code)
	result := decode[orchestrator.PlanResult](t, w)
	assert.Empty(t, result.Dispatched)
	assert.Empty(t, result.PlanID)
}

func TestExecutePlanUnknownSession(t *testing.T) {
	stack := setupTestAPI(t)
	stack.registerAgent(t, "dev-1", "Dev One", "development")
	stack.queueTask(t, "Refactor the retry loop")

	w := stack.do(t, http.MethodPost, "/api/v1/orchestrator/plans", ExecutePlanRequest{SessionID: "ses-missing"})

	require.Equal(t, http.StatusNotFound, w.Code, w.Body.String())
	assert.Equal(t, "NOT_FOUND", decode[errorBody](t, w).Code)
}

func TestGetTaskNotFound(t *testing.T) {
	stack := setupTestAPI(t)

	w := stack.do(t, http.MethodGet, "/api/v1/tasks/tsk-missing", nil)

	require.Equal(t, http.StatusNotFound, w.Code)
	body := decode[errorBody](t, w)
	assert.Equal(t, "NOT_FOUND", body.Code)
	assert.Contains(t, body.Message, "tsk-missing")
}

func TestListTasksStatusFilter(t *testing.T) {
	stack := setupTestAPI(t)
	stack.queueTask(t, "Refactor the retry loop")
	stack.queueTask(t, "Document the wire formats")

	queued := decode[TaskListResponse](t, stack.do(t, http.MethodGet, "/api/v1/tasks?status=queued", nil))
	assert.Equal(t, 2, queued.Total)

	completed := decode[TaskListResponse](t, stack.do(t, http.MethodGet, "/api/v1/tasks?status=completed", nil))
	assert.Equal(t, 0, completed.Total)

	limited := decode[TaskListResponse](t, stack.do(t, http.MethodGet, "/api/v1/tasks?limit=1", nil))
	assert.Equal(t, 1, limited.Total)
}

func TestAgentLifecycle(t *testing.T) {
	stack := setupTestAPI(t)

	w := stack.do(t, http.MethodPost, "/api/v1/agents", RegisterAgentRequest{
		ID:           "dev-1",
		Name:         "Dev One",
		Capabilities: []string{"development"},
		Health:       "healthy",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode[registry.Agent](t, w)
	assert.Equal(t, registry.HealthHealthy, created.Health)
	assert.False(t, created.RegisteredAt.IsZero())

	all := decode[AgentListResponse](t, stack.do(t, http.MethodGet, "/api/v1/agents", nil))
	assert.Equal(t, 1, all.Total)

	devs := decode[AgentListResponse](t, stack.do(t, http.MethodGet, "/api/v1/agents?capability=development", nil))
	assert.Equal(t, 1, devs.Total)

	docs := decode[AgentListResponse](t, stack.do(t, http.MethodGet, "/api/v1/agents?capability=documentation", nil))
	assert.Equal(t, 0, docs.Total)

	w = stack.do(t, http.MethodPost, "/api/v1/agents/dev-1/heartbeat", HeartbeatRequest{Health: "unhealthy"})
	require.Equal(t, http.StatusOK, w.Code)

	agent := decode[registry.Agent](t, stack.do(t, http.MethodGet, "/api/v1/agents/dev-1", nil))
	assert.Equal(t, registry.HealthUnhealthy, agent.Health)

	w = stack.do(t, http.MethodDelete, "/api/v1/agents/dev-1", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = stack.do(t, http.MethodGet, "/api/v1/agents/dev-1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRegisterAgentValidation(t *testing.T) {
	stack := setupTestAPI(t)

	w := stack.do(t, http.MethodPost, "/api/v1/agents", map[string]string{"id": "dev-1"})

	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "VALIDATION_ERROR", decode[errorBody](t, w).Code)
}

func TestHeartbeatUnknownAgent(t *testing.T) {
	stack := setupTestAPI(t)

	w := stack.do(t, http.MethodPost, "/api/v1/agents/ghost/heartbeat", HeartbeatRequest{Health: "healthy"})

	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NOT_FOUND", decode[errorBody](t, w).Code)
}

func TestSessionMessagingFlow(t *testing.T) {
	stack := setupTestAPI(t)
	stack.registerAgent(t, "a-1", "Agent One", "general")
	stack.registerAgent(t, "a-2", "Agent Two", "general")

	w := stack.do(t, http.MethodPost, "/api/v1/sessions", CreateSessionRequest{
		Participants: []string{"a-1", "a-2"},
		Topic:        "incident-debug",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	session := decode[comms.Session](t, w)
	require.True(t, strings.HasPrefix(session.ID, "ses-"), "got id %q", session.ID)
	assert.Equal(t, comms.ModeCollaborative, session.Mode)

	w = stack.do(t, http.MethodPost, "/api/v1/sessions/"+session.ID+"/messages", SendMessageRequest{
		FromAgent: "a-1",
		ToAgent:   "a-2",
		Type:      string(comms.MessageQuery),
		Content:   "where does the burn rate spike?",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	first := decode[comms.Message](t, w)
	assert.Equal(t, int64(1), first.ID)

	w = stack.do(t, http.MethodPost, "/api/v1/sessions/"+session.ID+"/messages", SendMessageRequest{
		FromAgent: "a-2",
		Content:   "checking the gateway now",
	})
	require.Equal(t, http.StatusCreated, w.Code)
	second := decode[comms.Message](t, w)
	assert.Equal(t, comms.MessageNotification, second.Type)

	history := decode[MessageListResponse](t, stack.do(t, http.MethodGet, "/api/v1/sessions/"+session.ID+"/messages", nil))
	require.Equal(t, 2, history.Total)
	assert.Equal(t, "checking the gateway now", history.Messages[0].Content)
	assert.Equal(t, "where does the burn rate spike?", history.Messages[1].Content)

	recent := decode[MessageListResponse](t, stack.do(t, http.MethodGet, "/api/v1/sessions/"+session.ID+"/messages?limit=1", nil))
	require.Equal(t, 1, recent.Total)
	assert.Equal(t, "checking the gateway now", recent.Messages[0].Content)

	sessions := decode[SessionListResponse](t, stack.do(t, http.MethodGet, "/api/v1/sessions", nil))
	assert.Equal(t, 1, sessions.Total)
}

func TestSendMessageUnknownSession(t *testing.T) {
	stack := setupTestAPI(t)
	stack.registerAgent(t, "a-1", "Agent One", "general")

	w := stack.do(t, http.MethodPost, "/api/v1/sessions/ses-missing/messages", SendMessageRequest{
		FromAgent: "a-1",
		Content:   "anyone here?",
	})

	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NOT_FOUND", decode[errorBody](t, w).Code)
}

func TestSendMessageUnknownAgent(t *testing.T) {
	stack := setupTestAPI(t)
	stack.registerAgent(t, "a-1", "Agent One", "general")

	created := decode[comms.Session](t, stack.do(t, http.MethodPost, "/api/v1/sessions", CreateSessionRequest{
		Participants: []string{"a-1"},
	}))

	w := stack.do(t, http.MethodPost, "/api/v1/sessions/"+created.ID+"/messages", SendMessageRequest{
		FromAgent: "ghost",
		Content:   "hello",
	})

	require.Equal(t, http.StatusBadRequest, w.Code)
	body := decode[errorBody](t, w)
	assert.Equal(t, "BAD_REQUEST", body.Code)
	assert.Contains(t, body.Message, "ghost")
}

func TestEvaluateConsensus(t *testing.T) {
	stack := setupTestAPI(t)

	w := stack.do(t, http.MethodPost, "/api/v1/consensus/evaluate", EvaluateConsensusRequest{
		Proposal: "adopt the caching layer",
		Viewpoints: []consensus.ViewPoint{
			{AgentID: "agt-1", Position: "we should adopt the caching layer", Confidence: 0.8},
			{AgentID: "agt-2", Position: "adopt the caching layer quickly", Confidence: 0.9},
		},
	})

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	result := decode[consensus.Result](t, w)
	assert.True(t, result.Agreed)
	assert.Equal(t, 1.0, result.ConsensusLevel)
	assert.Equal(t, "adopt the caching layer", result.FinalDecision)
}

func TestEvaluateConsensusBlankProposal(t *testing.T) {
	stack := setupTestAPI(t)

	w := stack.do(t, http.MethodPost, "/api/v1/consensus/evaluate", map[string]interface{}{
		"proposal": "   ",
	})

	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "VALIDATION_ERROR", decode[errorBody](t, w).Code)
}

func TestFeedbackFlow(t *testing.T) {
	stack := setupTestAPI(t)
	stack.registerAgent(t, "dev-1", "Dev One", "development")
	taskID := stack.queueTask(t, "Refactor the retry loop")

	w := stack.do(t, http.MethodPost, "/api/v1/orchestrator/plans", ExecutePlanRequest{})
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, []string{taskID}, decode[orchestrator.PlanResult](t, w).Completed)

	w = stack.do(t, http.MethodPost, "/api/v1/feedback", SubmitFeedbackRequest{
		TaskID:     taskID,
		Rating:     "good",
		Correction: "thresholds look right now",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	rec := decode[feedback.Record](t, w)
	assert.True(t, strings.HasPrefix(rec.ID, "fbk-"), "got id %q", rec.ID)
	assert.Equal(t, taskID, rec.TaskID)

	list := decode[FeedbackListResponse](t, stack.do(t, http.MethodGet, "/api/v1/feedback?task_id="+taskID, nil))
	require.Equal(t, 1, list.Total)
	assert.Equal(t, "good", list.Feedback[0].UserRating)

	summary := decode[feedback.Summary](t, stack.do(t, http.MethodGet, "/api/v1/feedback/summary?days=7", nil))
	assert.Equal(t, 7, summary.Days)
	assert.Equal(t, int64(1), summary.Totals["good"])
}

func TestSubmitFeedbackRejections(t *testing.T) {
	stack := setupTestAPI(t)
	queuedID := stack.queueTask(t, "Refactor the retry loop")

	w := stack.do(t, http.MethodPost, "/api/v1/feedback", SubmitFeedbackRequest{
		TaskID: queuedID,
		Rating: "excellent",
	})
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "BAD_REQUEST", decode[errorBody](t, w).Code)

	w = stack.do(t, http.MethodPost, "/api/v1/feedback", SubmitFeedbackRequest{
		TaskID: queuedID,
		Rating: "good",
	})
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, decode[errorBody](t, w).Message, "completed")

	w = stack.do(t, http.MethodPost, "/api/v1/feedback", SubmitFeedbackRequest{
		TaskID: "tsk-missing",
		Rating: "good",
	})
	require.Equal(t, http.StatusNotFound, w.Code)

	w = stack.do(t, http.MethodGet, "/api/v1/feedback", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

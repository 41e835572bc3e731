package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/hivecore/hivecore/internal/comms"
	"github.com/hivecore/hivecore/internal/common/errors"
	"github.com/hivecore/hivecore/internal/common/logger"
	"github.com/hivecore/hivecore/internal/consensus"
	"github.com/hivecore/hivecore/internal/delegation"
	"github.com/hivecore/hivecore/internal/delegation/models"
	"github.com/hivecore/hivecore/internal/delegation/repository"
	"github.com/hivecore/hivecore/internal/feedback"
	"github.com/hivecore/hivecore/internal/orchestrator"
	"github.com/hivecore/hivecore/internal/registry"
)

// defaultPlanLimit bounds a plan run when the request does not name a limit.
const defaultPlanLimit = 10

// Services bundles the domain services the API serves.
type Services struct {
	Orchestrator *orchestrator.Service
	Tasks        *delegation.Service
	Agents       *registry.Registry
	Comms        *comms.Service
	Consensus    *consensus.Engine
	Feedback     *feedback.Service
}

// Handler contains HTTP handlers for the hivecore API
type Handler struct {
	services Services
	logger   *logger.Logger
}

// NewHandler creates a new API handler
func NewHandler(services Services, log *logger.Logger) *Handler {
	return &Handler{
		services: services,
		logger:   log.WithFields(zap.String("component", "api")),
	}
}

// Health reports process liveness
// GET /api/v1/health
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"agents": h.services.Agents.Count(),
	})
}

// GetStatus returns the overall orchestrator status
// GET /api/v1/orchestrator/status
func (h *Handler) GetStatus(c *gin.Context) {
	status, err := h.services.Orchestrator.GetStatus(c.Request.Context())
	if err != nil {
		respondServiceError(c, h.logger, err, "failed to fetch orchestrator status")
		return
	}
	c.JSON(http.StatusOK, status)
}

// GetMetrics returns the latest operation metrics snapshot
// GET /api/v1/orchestrator/metrics
func (h *Handler) GetMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, h.services.Orchestrator.GetLatestMetricsSnapshot())
}

// ExecutePlan runs one plan over the queued tasks and reports the outcome
// POST /api/v1/orchestrator/plans
func (h *Handler) ExecutePlan(c *gin.Context) {
	var req ExecutePlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		// Allow empty body, use defaults
		req = ExecutePlanRequest{}
	}

	limit := defaultPlanLimit
	if req.Limit != nil {
		limit = *req.Limit
	}

	result, err := h.services.Orchestrator.ExecutePlan(c.Request.Context(), orchestrator.PlanParams{
		SessionID: req.SessionID,
		Limit:     limit,
	})
	if err != nil {
		respondServiceError(c, h.logger, err, "plan execution failed")
		return
	}
	c.JSON(http.StatusOK, result)
}

// HarvestSnapshot queues tasks from a proactive snapshot's recommendations
// POST /api/v1/orchestrator/snapshots
func (h *Handler) HarvestSnapshot(c *gin.Context) {
	var snapshot models.ProactiveSnapshot
	if err := c.ShouldBindJSON(&snapshot); err != nil {
		appErr := errors.ValidationError("snapshot", err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	ids, err := h.services.Tasks.HarvestAndQueue(c.Request.Context(), &snapshot)
	if err != nil {
		respondServiceError(c, h.logger, err, "snapshot harvest failed")
		return
	}
	c.JSON(http.StatusAccepted, HarvestResponse{Queued: ids, Total: len(ids)})
}

// ListTasks returns tasks, optionally filtered by status
// GET /api/v1/tasks
func (h *Handler) ListTasks(c *gin.Context) {
	filter := repository.ListFilter{}
	if status := c.Query("status"); status != "" {
		filter.Status = models.TaskStatus(status)
	}
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			filter.Limit = parsed
		}
	}

	tasks, err := h.services.Tasks.GetAllTasks(c.Request.Context(), filter)
	if err != nil {
		respondServiceError(c, h.logger, err, "failed to list tasks")
		return
	}
	c.JSON(http.StatusOK, TaskListResponse{Tasks: tasks, Total: len(tasks)})
}

// GetTask returns a single task record
// GET /api/v1/tasks/:taskId
func (h *Handler) GetTask(c *gin.Context) {
	task, err := h.services.Tasks.GetTask(c.Request.Context(), c.Param("taskId"))
	if err != nil {
		respondServiceError(c, h.logger, err, "failed to fetch task")
		return
	}
	c.JSON(http.StatusOK, task)
}

// GetTaskAttempts returns the attempt history for a task
// GET /api/v1/tasks/:taskId/attempts
func (h *Handler) GetTaskAttempts(c *gin.Context) {
	taskID := c.Param("taskId")
	if _, err := h.services.Tasks.GetTask(c.Request.Context(), taskID); err != nil {
		respondServiceError(c, h.logger, err, "failed to fetch task")
		return
	}

	attempts, err := h.services.Tasks.GetAttempts(c.Request.Context(), taskID)
	if err != nil {
		respondServiceError(c, h.logger, err, "failed to fetch task attempts")
		return
	}
	c.JSON(http.StatusOK, AttemptListResponse{TaskID: taskID, Attempts: attempts, Total: len(attempts)})
}

// RegisterAgent adds or replaces an agent directory entry
// POST /api/v1/agents
func (h *Handler) RegisterAgent(c *gin.Context) {
	var req RegisterAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.ValidationError("request", err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	agent := &registry.Agent{
		ID:           req.ID,
		Name:         req.Name,
		Capabilities: req.Capabilities,
		Health:       registry.Health(req.Health),
	}
	if err := h.services.Agents.Register(c.Request.Context(), agent); err != nil {
		appErr := errors.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	registered, err := h.services.Agents.Get(c.Request.Context(), req.ID)
	if err != nil {
		respondServiceError(c, h.logger, err, "failed to fetch registered agent")
		return
	}
	c.JSON(http.StatusCreated, registered)
}

// ListAgents returns registered agents; a capability query switches to
// discovery and returns only agents advertising every listed capability
// GET /api/v1/agents
func (h *Handler) ListAgents(c *gin.Context) {
	if caps := c.Query("capability"); caps != "" {
		agents := h.services.Agents.Discover(c.Request.Context(), strings.Split(caps, ","))
		c.JSON(http.StatusOK, AgentListResponse{Agents: agents, Total: len(agents)})
		return
	}

	agents := h.services.Agents.List(c.Request.Context())
	c.JSON(http.StatusOK, AgentListResponse{Agents: agents, Total: len(agents)})
}

// GetAgent returns a single agent directory entry
// GET /api/v1/agents/:agentId
func (h *Handler) GetAgent(c *gin.Context) {
	agent, err := h.services.Agents.Get(c.Request.Context(), c.Param("agentId"))
	if err != nil {
		respondServiceError(c, h.logger, err, "failed to fetch agent")
		return
	}
	c.JSON(http.StatusOK, agent)
}

// DeregisterAgent removes an agent from the directory
// DELETE /api/v1/agents/:agentId
func (h *Handler) DeregisterAgent(c *gin.Context) {
	agentID := c.Param("agentId")
	if err := h.services.Agents.Deregister(c.Request.Context(), agentID); err != nil {
		respondServiceError(c, h.logger, err, "failed to deregister agent")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message":  "agent deregistered",
		"agent_id": agentID,
	})
}

// Heartbeat updates an agent's health and last-seen timestamp
// POST /api/v1/agents/:agentId/heartbeat
func (h *Handler) Heartbeat(c *gin.Context) {
	var req HeartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		// Allow empty body, keep the stored health
		req = HeartbeatRequest{}
	}

	agentID := c.Param("agentId")
	if err := h.services.Agents.Heartbeat(c.Request.Context(), agentID, registry.Health(req.Health)); err != nil {
		respondServiceError(c, h.logger, err, "failed to record heartbeat")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message":  "heartbeat recorded",
		"agent_id": agentID,
	})
}

// CreateSession opens a communication session
// POST /api/v1/sessions
func (h *Handler) CreateSession(c *gin.Context) {
	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		// Allow empty body, use defaults
		req = CreateSessionRequest{}
	}

	session, err := h.services.Comms.CreateSession(c.Request.Context(), comms.CreateSessionParams{
		Participants:     req.Participants,
		Mode:             comms.Mode(req.Mode),
		Topic:            req.Topic,
		ConsensusEnabled: req.ConsensusEnabled,
	})
	if err != nil {
		respondServiceError(c, h.logger, err, "failed to create session")
		return
	}
	c.JSON(http.StatusCreated, session)
}

// ListSessions returns all sessions in creation order
// GET /api/v1/sessions
func (h *Handler) ListSessions(c *gin.Context) {
	sessions := h.services.Comms.ListSessions(c.Request.Context())
	c.JSON(http.StatusOK, SessionListResponse{Sessions: sessions, Total: len(sessions)})
}

// GetSession returns a single session
// GET /api/v1/sessions/:sessionId
func (h *Handler) GetSession(c *gin.Context) {
	session, err := h.services.Comms.GetSession(c.Request.Context(), c.Param("sessionId"))
	if err != nil {
		respondServiceError(c, h.logger, err, "failed to fetch session")
		return
	}
	c.JSON(http.StatusOK, session)
}

// GetSessionMessages returns a session's history, most recent first
// GET /api/v1/sessions/:sessionId/messages
func (h *Handler) GetSessionMessages(c *gin.Context) {
	limit := 0
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	sessionID := c.Param("sessionId")
	messages, err := h.services.Comms.GetMessageHistory(c.Request.Context(), sessionID, limit)
	if err != nil {
		respondServiceError(c, h.logger, err, "failed to fetch session messages")
		return
	}
	c.JSON(http.StatusOK, MessageListResponse{SessionID: sessionID, Messages: messages, Total: len(messages)})
}

// SendMessage posts a message into a session
// POST /api/v1/sessions/:sessionId/messages
func (h *Handler) SendMessage(c *gin.Context) {
	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.ValidationError("request", err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	msgType := comms.MessageType(req.Type)
	if msgType == "" {
		msgType = comms.MessageNotification
	}

	msg, err := h.services.Comms.SendMessage(c.Request.Context(), comms.SendParams{
		SessionID: c.Param("sessionId"),
		FromAgent: req.FromAgent,
		ToAgent:   req.ToAgent,
		Type:      msgType,
		Content:   req.Content,
		Metadata:  req.Metadata,
	})
	if err != nil {
		respondServiceError(c, h.logger, err, "failed to send message")
		return
	}
	c.JSON(http.StatusCreated, msg)
}

// EvaluateConsensus runs the consensus procedure over the given viewpoints
// POST /api/v1/consensus/evaluate
func (h *Handler) EvaluateConsensus(c *gin.Context) {
	var req EvaluateConsensusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.ValidationError("request", err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	if strings.TrimSpace(req.Proposal) == "" {
		appErr := errors.ValidationError("proposal", "must not be blank")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	result, err := h.services.Consensus.Evaluate(c.Request.Context(), req.Proposal, req.Viewpoints)
	if err != nil {
		respondServiceError(c, h.logger, err, "consensus evaluation failed")
		return
	}
	c.JSON(http.StatusOK, result)
}

// SubmitFeedback records user feedback for a completed task
// POST /api/v1/feedback
func (h *Handler) SubmitFeedback(c *gin.Context) {
	var req SubmitFeedbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.ValidationError("request", err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	rec, err := h.services.Feedback.RecordFeedback(c.Request.Context(), req.TaskID, req.Rating, req.Correction)
	if err != nil {
		respondServiceError(c, h.logger, err, "failed to record feedback")
		return
	}
	c.JSON(http.StatusCreated, rec)
}

// ListFeedback returns the feedback records for a task
// GET /api/v1/feedback
func (h *Handler) ListFeedback(c *gin.Context) {
	taskID := c.Query("task_id")
	if taskID == "" {
		appErr := errors.BadRequest("task_id query parameter is required")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	records, err := h.services.Feedback.ListFeedback(c.Request.Context(), taskID)
	if err != nil {
		respondServiceError(c, h.logger, err, "failed to list feedback")
		return
	}
	c.JSON(http.StatusOK, FeedbackListResponse{TaskID: taskID, Feedback: records, Total: len(records)})
}

// FeedbackSummary aggregates feedback per rating over a trailing window
// GET /api/v1/feedback/summary
func (h *Handler) FeedbackSummary(c *gin.Context) {
	days := 0
	if d := c.Query("days"); d != "" {
		if parsed, err := strconv.Atoi(d); err == nil && parsed > 0 {
			days = parsed
		}
	}

	summary, err := h.services.Feedback.SummarizeFeedback(c.Request.Context(), days)
	if err != nil {
		respondServiceError(c, h.logger, err, "failed to summarize feedback")
		return
	}
	c.JSON(http.StatusOK, summary)
}

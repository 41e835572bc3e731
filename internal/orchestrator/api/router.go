package api

import (
	"github.com/gin-gonic/gin"

	"github.com/hivecore/hivecore/internal/common/logger"
)

// SetupRoutes configures the hivecore API routes
func SetupRoutes(router *gin.RouterGroup, services Services, log *logger.Logger) {
	handler := NewHandler(services, log)

	router.GET("/health", handler.Health)

	// Orchestrator control
	orchestrator := router.Group("/orchestrator")
	{
		orchestrator.GET("/status", handler.GetStatus)
		orchestrator.GET("/metrics", handler.GetMetrics)
		orchestrator.POST("/plans", handler.ExecutePlan)
		orchestrator.POST("/snapshots", handler.HarvestSnapshot)
	}

	// Task records
	tasks := router.Group("/tasks")
	{
		tasks.GET("", handler.ListTasks)
		tasks.GET("/:taskId", handler.GetTask)
		tasks.GET("/:taskId/attempts", handler.GetTaskAttempts)
	}

	// Agent directory
	agents := router.Group("/agents")
	{
		agents.POST("", handler.RegisterAgent)
		agents.GET("", handler.ListAgents)
		agents.GET("/:agentId", handler.GetAgent)
		agents.DELETE("/:agentId", handler.DeregisterAgent)
		agents.POST("/:agentId/heartbeat", handler.Heartbeat)
	}

	// Sessions and messaging
	sessions := router.Group("/sessions")
	{
		sessions.POST("", handler.CreateSession)
		sessions.GET("", handler.ListSessions)
		sessions.GET("/:sessionId", handler.GetSession)
		sessions.GET("/:sessionId/messages", handler.GetSessionMessages)
		sessions.POST("/:sessionId/messages", handler.SendMessage)
	}

	router.POST("/consensus/evaluate", handler.EvaluateConsensus)

	// Feedback loop
	feedback := router.Group("/feedback")
	{
		feedback.POST("", handler.SubmitFeedback)
		feedback.GET("", handler.ListFeedback)
		feedback.GET("/summary", handler.FeedbackSummary)
	}
}

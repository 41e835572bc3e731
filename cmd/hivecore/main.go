// Package main is the unified entry point for Hivecore.
// This single binary runs the orchestration core with shared infrastructure.
// The server exposes HTTP, WebSocket, and optional MCP endpoints.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	// Shared infrastructure
	"github.com/hivecore/hivecore/internal/common/config"
	"github.com/hivecore/hivecore/internal/common/httpmw"
	"github.com/hivecore/hivecore/internal/common/logger"
	"github.com/hivecore/hivecore/internal/common/tracing"

	// Event bus
	"github.com/hivecore/hivecore/internal/events"

	// Stores
	"github.com/hivecore/hivecore/internal/memory"
	"github.com/hivecore/hivecore/internal/persistence"

	// Core services
	"github.com/hivecore/hivecore/internal/comms"
	"github.com/hivecore/hivecore/internal/consensus"
	"github.com/hivecore/hivecore/internal/delegation"
	"github.com/hivecore/hivecore/internal/feedback"
	"github.com/hivecore/hivecore/internal/orchestrator"
	"github.com/hivecore/hivecore/internal/orchestrator/api"
	"github.com/hivecore/hivecore/internal/orchestrator/streaming"
	"github.com/hivecore/hivecore/internal/registry"

	// MCP surface
	"github.com/hivecore/hivecore/internal/mcpserver"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting Hivecore...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// No-op unless OTEL_EXPORTER_OTLP_ENDPOINT is set.
	tracing.Tracer("hivecore")

	providedBus, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer func() {
		if err := busCleanup(); err != nil {
			log.Error("Event bus close error", zap.Error(err))
		}
	}()
	eventBus := providedBus.Bus
	if providedBus.NATS != nil {
		log.Info("Connected to NATS event bus", zap.String("url", cfg.NATS.URL))
	} else {
		log.Info("Using in-memory event bus")
	}

	// ============================================
	// STORES
	// ============================================
	provider, dbCleanup, err := persistence.Provide(cfg.Database, log)
	if err != nil {
		log.Fatal("Failed to initialize stores", zap.Error(err))
	}
	defer func() {
		if err := dbCleanup(); err != nil {
			log.Error("Store close error", zap.Error(err))
		}
	}()

	taskRepo, err := provider.TaskRepo()
	if err != nil {
		log.Fatal("Failed to initialize task repository", zap.Error(err))
	}
	memoryStore, err := provider.MemoryStore()
	if err != nil {
		log.Fatal("Failed to initialize memory store", zap.Error(err))
	}

	// Best-effort audit trail; a slow backend must never stall dispatch.
	auditWriter := memory.NewWriter(memoryStore, log)
	auditWriter.Start()
	defer auditWriter.Stop()

	// ============================================
	// CORE SERVICES
	// ============================================
	log.Info("Initializing core services...")

	agentRegistry := registry.New(log, eventBus, auditWriter)
	if cfg.Registry.RosterPath != "" {
		if err := agentRegistry.SeedFromRoster(ctx, cfg.Registry.RosterPath); err != nil {
			log.Fatal("Failed to seed agent roster", zap.Error(err),
				zap.String("roster_path", cfg.Registry.RosterPath))
		}
	}

	commsSvc := comms.NewService(cfg.Comms, log, eventBus, agentRegistry)
	taskSvc := delegation.NewService(cfg.Orchestrator, log, taskRepo, eventBus, auditWriter)

	orchestratorSvc := orchestrator.NewService(cfg.Orchestrator, log, taskSvc, agentRegistry, commsSvc, eventBus, auditWriter)
	if err := orchestratorSvc.StartRequeueScheduler(ctx); err != nil {
		log.Fatal("Failed to start requeue scheduler", zap.Error(err))
	}

	consensusEngine := consensus.NewEngine(cfg.Consensus, log, eventBus, nil)
	feedbackSvc := feedback.NewService(log, taskSvc, memoryStore, eventBus)

	log.Info("Core services initialized", zap.Int("agents", agentRegistry.Count()))

	// ============================================
	// HTTP SERVER (REST + WebSocket)
	// ============================================
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	router.Use(httpmw.RequestLogger(log, "hivecore"))
	router.Use(httpmw.OtelTracing("hivecore"))

	apiGroup := router.Group("/api/v1")
	api.SetupRoutes(apiGroup, api.Services{
		Orchestrator: orchestratorSvc,
		Tasks:        taskSvc,
		Agents:       agentRegistry,
		Comms:        commsSvc,
		Consensus:    consensusEngine,
		Feedback:     feedbackSvc,
	}, log)

	// WebSocket event stream
	hub := streaming.NewHub(log)
	if err := hub.Attach(eventBus); err != nil {
		log.Fatal("Failed to attach stream hub to event bus", zap.Error(err))
	}
	go hub.Run(ctx)
	apiGroup.GET("/ws", streaming.EventStream(hub, log))

	port := cfg.Server.Port
	if port == 0 {
		port = 8080
	}
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	// ============================================
	// MCP SERVER (optional)
	// ============================================
	var mcpCleanup func() error
	if cfg.MCP.Enabled {
		baseURL := cfg.MCP.BaseURL
		if baseURL == "" {
			baseURL = fmt.Sprintf("http://localhost:%d", port)
		}
		_, cleanup, err := mcpserver.Provide(ctx, mcpserver.Config{
			Port:    cfg.MCP.Port,
			CoreURL: baseURL,
		}, log)
		if err != nil {
			log.Fatal("Failed to start MCP server", zap.Error(err))
		}
		mcpCleanup = cleanup
	}

	log.Info("API configured",
		zap.String("http", "/api/v1"),
		zap.String("websocket", "/api/v1/ws"),
		zap.String("health", "/api/v1/health"),
		zap.Bool("mcp", cfg.MCP.Enabled),
	)

	// ============================================
	// SHUTDOWN
	// ============================================
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down Hivecore...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	if mcpCleanup != nil {
		if err := mcpCleanup(); err != nil {
			log.Error("MCP server shutdown error", zap.Error(err))
		}
	}

	hub.Detach()

	if err := orchestratorSvc.Close(); err != nil {
		log.Error("Orchestrator close error", zap.Error(err))
	}

	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("Hivecore stopped")
}

// corsMiddleware opens the API to browser clients. The header allowlist
// includes the Sec-WebSocket-* set so /ws upgrades pass preflight.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version, Sec-WebSocket-Protocol")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

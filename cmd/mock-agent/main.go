// Package main implements a mock agent process for exercising the
// orchestration loop end to end. It connects to NATS, watches for task
// instructions addressed to it, and replies with an execution result after a
// configurable delay. Failure and free-text modes cover the orchestrator's
// retry and compatibility paths.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/hivecore/hivecore/internal/common/config"
	"github.com/hivecore/hivecore/internal/common/logger"
	"github.com/hivecore/hivecore/internal/events/bus"
)

const (
	registerAttempts  = 10
	registerRetryWait = 2 * time.Second
	heartbeatInterval = 30 * time.Second
)

// Command-line flags
var (
	natsURLFlag      = flag.String("nats-url", "nats://localhost:4222", "NATS server URL")
	coreURLFlag      = flag.String("core-url", "http://localhost:8080", "Hivecore API URL for registration (empty disables registration)")
	agentIDFlag      = flag.String("agent-id", "", "Agent ID (default agt-mock-<pid>)")
	agentNameFlag    = flag.String("agent-name", "", "Agent name (default mock-<pid>)")
	capabilitiesFlag = flag.String("capabilities", "general", "Comma-separated capability tags to advertise")
	delayFlag        = flag.Duration("delay", 500*time.Millisecond, "Simulated work time before replying")
	failFlag         = flag.Bool("fail", false, "Report every task as failed")
	freeTextFlag     = flag.Bool("free-text", false, "Reply in the deprecated free-text terminal format")
	logLevelFlag     = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	logFormatFlag    = flag.String("log-format", "console", "Log format (console, json)")
)

func main() {
	flag.Parse()

	agentID := getEnvOrFlag("MOCK_AGENT_ID", *agentIDFlag)
	if agentID == "" {
		agentID = fmt.Sprintf("agt-mock-%d", os.Getpid())
	}
	agentName := getEnvOrFlag("MOCK_AGENT_NAME", *agentNameFlag)
	if agentName == "" {
		agentName = fmt.Sprintf("mock-%d", os.Getpid())
	}

	// Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      getEnvOrFlag("MOCK_AGENT_LOG_LEVEL", *logLevelFlag),
		Format:     getEnvOrFlag("MOCK_AGENT_LOG_FORMAT", *logFormatFlag),
		OutputPath: "stdout",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	natsURL := getEnvOrFlag("MOCK_AGENT_NATS_URL", *natsURLFlag)
	coreURL := strings.TrimRight(getEnvOrFlag("MOCK_AGENT_CORE_URL", *coreURLFlag), "/")
	capabilities := splitCapabilities(getEnvOrFlag("MOCK_AGENT_CAPABILITIES", *capabilitiesFlag))

	log.Info("starting mock-agent",
		zap.String("agent_id", agentID),
		zap.String("nats_url", natsURL),
		zap.Strings("capabilities", capabilities),
		zap.Duration("delay", *delayFlag),
		zap.Bool("fail", *failFlag),
		zap.Bool("free_text", *freeTextFlag))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eventBus, err := bus.NewNATSEventBus(config.NATSConfig{
		URL:           natsURL,
		ClientID:      agentID,
		MaxReconnects: 10,
	}, log)
	if err != nil {
		log.Error("failed to connect to NATS", zap.Error(err))
		os.Exit(1)
	}
	defer eventBus.Close()

	if coreURL != "" {
		if err := registerWithCore(ctx, coreURL, agentID, agentName, capabilities, log); err != nil {
			log.Error("failed to register with hivecore", zap.Error(err))
			os.Exit(1)
		}
		go heartbeatLoop(ctx, coreURL, agentID, log)
	}

	agent := newMockAgent(agentID, eventBus, *delayFlag, *failFlag, *freeTextFlag, log)
	if err := agent.Start(ctx); err != nil {
		log.Error("failed to start agent", zap.Error(err))
		os.Exit(1)
	}

	fmt.Printf("Mock agent %s running (capabilities: %s)\n", agentID, strings.Join(capabilities, ", "))

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down mock-agent...")
	cancel()
	agent.Stop()
	log.Info("mock-agent stopped")
}

// registerWithCore registers the agent over the HTTP API, retrying while the
// daemon finishes booting.
func registerWithCore(ctx context.Context, coreURL, id, name string, capabilities []string, log *logger.Logger) error {
	payload, err := json.Marshal(map[string]interface{}{
		"id":           id,
		"name":         name,
		"capabilities": capabilities,
		"health":       "healthy",
	})
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 1; attempt <= registerAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(registerRetryWait):
			}
		}

		lastErr = postJSON(ctx, coreURL+"/api/v1/agents", payload)
		if lastErr == nil {
			log.Info("registered with hivecore", zap.String("core_url", coreURL))
			return nil
		}
		log.Warn("registration attempt failed",
			zap.Int("attempt", attempt),
			zap.Error(lastErr))
	}
	return lastErr
}

// heartbeatLoop keeps the registry's liveness view of this agent fresh.
func heartbeatLoop(ctx context.Context, coreURL, id string, log *logger.Logger) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	payload := []byte(`{"health":"healthy"}`)
	url := fmt.Sprintf("%s/api/v1/agents/%s/heartbeat", coreURL, id)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := postJSON(ctx, url, payload); err != nil {
				log.Warn("heartbeat failed", zap.Error(err))
			}
		}
	}
}

func postJSON(ctx context.Context, url string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url)
	}
	return nil
}

func splitCapabilities(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// getEnvOrFlag returns the environment variable value if set, otherwise the flag value.
func getEnvOrFlag(envKey, flagValue string) string {
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	return flagValue
}

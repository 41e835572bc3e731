// Package main is the entry point for the standalone MCP server binary.
// mcp-server exposes the Hivecore orchestration tools to MCP-compatible
// clients (Claude Desktop, Cursor, Codex, etc.) without enabling the embedded
// server inside the daemon. Flags set the defaults; MCP_* environment
// variables override them.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"go.uber.org/zap"

	"github.com/hivecore/hivecore/internal/common/logger"
	"github.com/hivecore/hivecore/internal/mcpserver"
)

func main() {
	var (
		port      = flag.Int("port", 9090, "MCP server port")
		coreURL   = flag.String("core-url", "http://localhost:8080", "Hivecore API URL")
		logLevel  = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
		logFormat = flag.String("log-format", "console", "Log format (console, json)")
	)
	flag.Parse()

	cfg := mcpserver.Config{
		Port:    envInt("MCP_PORT", *port),
		CoreURL: envString("HIVECORE_API_URL", *coreURL),
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      envString("MCP_LOG_LEVEL", *logLevel),
		Format:     envString("MCP_LOG_FORMAT", *logFormat),
		OutputPath: "stdout",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	log.Info("starting mcp-server",
		zap.Int("port", cfg.Port),
		zap.String("core_url", cfg.CoreURL))

	srv, cleanup, err := mcpserver.Provide(context.Background(), cfg, log)
	if err != nil {
		log.Error("failed to start MCP server", zap.Error(err))
		os.Exit(1)
	}

	log.Info("MCP server started",
		zap.String("sse_endpoint", srv.SSEEndpoint()),
		zap.String("streamable_http_endpoint", srv.StreamableHTTPEndpoint()))

	fmt.Printf("Hivecore MCP server running on :%d\n", cfg.Port)
	fmt.Printf("Hivecore API URL: %s\n", cfg.CoreURL)
	fmt.Printf("SSE endpoint: %s (for Claude Desktop, Cursor)\n", srv.SSEEndpoint())
	fmt.Printf("Streamable HTTP endpoint: %s (for Codex)\n", srv.StreamableHTTPEndpoint())

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down mcp-server...")
	if err := cleanup(); err != nil {
		log.Error("error during shutdown", zap.Error(err))
	}
	log.Info("mcp-server stopped")
}

// envString prefers the environment variable over the parsed flag.
func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// envInt prefers the environment variable over the parsed flag, ignoring
// values that do not parse.
func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

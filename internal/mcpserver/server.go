// Package mcpserver exposes the hivecore orchestration surface as MCP tools.
// It serves both transports so any MCP client can connect:
// - SSE transport (/sse) for Claude Desktop, Cursor, etc.
// - Streamable HTTP transport (/mcp) for Codex
package mcpserver

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/hivecore/hivecore/internal/common/logger"
)

// Config holds the MCP server configuration.
type Config struct {
	Port    int    // listen port, shared by both transports
	CoreURL string // hivecore API base URL the tools call into
}

// Server runs the MCP tool surface over SSE and Streamable HTTP.
type Server struct {
	cfg        Config
	sse        *server.SSEServer
	streamable *server.StreamableHTTPServer
	httpSrv    *http.Server

	mu      sync.Mutex
	running bool

	logger *logger.Logger
}

// New creates an MCP server. A nil logger falls back to the process default.
func New(cfg Config, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Default()
	}
	return &Server{
		cfg:    cfg,
		logger: log.WithFields(zap.String("component", "mcp-server")),
	}
}

// handler builds the MCP core and mounts both transports on one mux.
func (s *Server) handler() http.Handler {
	core := server.NewMCPServer(
		"hivecore-mcp",
		"1.0.0",
		server.WithToolCapabilities(true),
	)
	registerTools(core, s.cfg, s.logger)

	s.sse = server.NewSSEServer(core)
	s.streamable = server.NewStreamableHTTPServer(core,
		server.WithEndpointPath("/mcp"),
	)

	mux := http.NewServeMux()
	mux.Handle("/sse", s.sse.SSEHandler())
	mux.Handle("/message", s.sse.MessageHandler())
	mux.Handle("/mcp", s.streamable)
	return mux
}

// Start binds the listen port and begins serving. The bind happens before
// Start returns, so a taken port surfaces here rather than in the serve
// goroutine.
func (s *Server) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("server already running")
	}

	addr := fmt.Sprintf(":%d", s.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	// Port 0 resolves to an ephemeral port; record the real one so the
	// endpoint accessors report something connectable.
	if tcpAddr, ok := listener.Addr().(*net.TCPAddr); ok {
		s.cfg.Port = tcpAddr.Port
	}

	s.httpSrv = &http.Server{Handler: s.handler()}
	s.running = true

	s.logger.Info("MCP server listening",
		zap.Int("port", s.cfg.Port),
		zap.String("sse_endpoint", "/sse"),
		zap.String("streamable_http_endpoint", "/mcp"))

	go func() {
		if err := s.httpSrv.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("MCP server error", zap.Error(err))
		}
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	return nil
}

// Stop shuts down the HTTP server, then releases the per-client session
// state the transports hold.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if !running {
		return nil
	}

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}

	if s.sse != nil {
		if err := s.sse.Shutdown(ctx); err != nil {
			s.logger.Warn("failed to shutdown SSE server", zap.Error(err))
		}
	}
	if s.streamable != nil {
		if err := s.streamable.Shutdown(ctx); err != nil {
			s.logger.Warn("failed to shutdown Streamable HTTP server", zap.Error(err))
		}
	}
	return nil
}

// SSEEndpoint returns the full SSE URL for SSE-transport clients.
func (s *Server) SSEEndpoint() string {
	return s.endpoint("/sse")
}

// StreamableHTTPEndpoint returns the full Streamable HTTP URL for
// streamable-HTTP clients.
func (s *Server) StreamableHTTPEndpoint() string {
	return s.endpoint("/mcp")
}

func (s *Server) endpoint(path string) string {
	return fmt.Sprintf("http://localhost:%d%s", s.cfg.Port, path)
}

// Package mcp exposes read-only views of live collaboration sessions and
// persisted recordings over the Model Context Protocol.
package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/Strob0t/CodePair/internal/domain/collab"
	"github.com/Strob0t/CodePair/internal/domain/recording"
	"github.com/Strob0t/CodePair/internal/service"
)

// SessionReader is the session view the MCP tools need.
type SessionReader interface {
	GetActiveSessions() []*collab.Session
	GetSession(sessionID string) (*collab.Session, error)
	GetSessionMetrics(ctx context.Context, sessionID string) (*service.SessionMetrics, error)
}

// RecordingReader is the recording view the MCP tools need.
type RecordingReader interface {
	GetRecordings(ctx context.Context) ([]recording.Summary, error)
	GetRecordingStats(ctx context.Context) (recording.Stats, error)
}

// ServerConfig configures the MCP endpoint. An empty APIKey disables auth.
type ServerConfig struct {
	Addr    string
	Name    string
	Version string
	APIKey  string
}

// ServerDeps holds the readers behind the tools. Nil readers make their
// tools return an error result.
type ServerDeps struct {
	Sessions   SessionReader
	Recordings RecordingReader
}

// Server serves MCP over streamable HTTP.
type Server struct {
	cfg       ServerConfig
	deps      ServerDeps
	mcpServer *mcpserver.MCPServer
	http      *http.Server
}

// NewServer creates a Server with all tools and resources registered.
func NewServer(cfg ServerConfig, deps ServerDeps) *Server {
	s := &Server{
		cfg:  cfg,
		deps: deps,
		mcpServer: mcpserver.NewMCPServer(cfg.Name, cfg.Version,
			mcpserver.WithToolCapabilities(false),
			mcpserver.WithResourceCapabilities(false, false),
		),
	}
	s.registerTools()
	s.registerResources()
	return s
}

// MCPServer returns the underlying mcp-go server.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

// Handler returns the authenticated streamable HTTP handler.
func (s *Server) Handler() http.Handler {
	return AuthMiddleware(s.cfg.APIKey, mcpserver.NewStreamableHTTPServer(s.mcpServer))
}

// Start listens on cfg.Addr and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("mcp listen %s: %w", s.cfg.Addr, err)
	}
	s.http = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("mcp server failed", "error", err)
		}
	}()
	slog.Info("mcp server started", "addr", ln.Addr().String())
	return nil
}

// Stop shuts the server down gracefully. It is a no-op if Start was not
// called.
func (s *Server) Stop(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	slog.Info("mcp server stopping")
	return s.http.Shutdown(ctx)
}

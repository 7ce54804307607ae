package mcp

import (
	"context"
	"encoding/json"
	"errors"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

// registerResources registers all MCP resources on the server.
func (s *Server) registerResources() {
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"codepair://sessions",
			"Active Sessions",
			mcplib.WithResourceDescription("Active and paused collaboration sessions"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleSessionsResource,
	)

	s.mcpServer.AddResource(
		mcplib.NewResource(
			"codepair://recordings/stats",
			"Recording Statistics",
			mcplib.WithResourceDescription("Aggregate statistics over persisted recordings"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleRecordingStatsResource,
	)
}

func (s *Server) handleSessionsResource(_ context.Context, req mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Sessions == nil {
		return nil, errors.New("session reader not configured")
	}
	return jsonResource(req.Params.URI, s.deps.Sessions.GetActiveSessions())
}

func (s *Server) handleRecordingStatsResource(ctx context.Context, req mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Recordings == nil {
		return nil, errors.New("recording reader not configured")
	}
	st, err := s.deps.Recordings.GetRecordingStats(ctx)
	if err != nil {
		return nil, err
	}
	return jsonResource(req.Params.URI, st)
}

func jsonResource(uri string, v any) ([]mcplib.ResourceContents, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

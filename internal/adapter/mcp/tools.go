package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/Strob0t/CodePair/internal/domain/collab"
	"github.com/Strob0t/CodePair/internal/domain/recording"
)

// registerTools registers all MCP tools on the server.
func (s *Server) registerTools() {
	s.mcpServer.AddTools(
		s.listSessionsTool(),
		s.getSessionTool(),
		s.getSessionMetricsTool(),
		s.listRecordingsTool(),
		s.getRecordingStatsTool(),
	)
}

func (s *Server) listSessionsTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("list_sessions",
		mcplib.WithDescription("List the active and paused collaboration sessions"),
	)
	return mcpserver.ServerTool{Tool: tool, Handler: s.handleListSessions}
}

func (s *Server) getSessionTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("get_session",
		mcplib.WithDescription("Get a collaboration session with its participants and shared context"),
		mcplib.WithString("session_id",
			mcplib.Required(),
			mcplib.Description("The session ID to look up"),
		),
	)
	return mcpserver.ServerTool{Tool: tool, Handler: s.handleGetSession}
}

func (s *Server) getSessionMetricsTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("get_session_metrics",
		mcplib.WithDescription("Get participation, activity and productivity metrics of a session"),
		mcplib.WithString("session_id",
			mcplib.Required(),
			mcplib.Description("The session ID to analyze"),
		),
	)
	return mcpserver.ServerTool{Tool: tool, Handler: s.handleGetSessionMetrics}
}

func (s *Server) listRecordingsTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("list_recordings",
		mcplib.WithDescription("List persisted session recordings, newest first"),
		mcplib.WithString("session_id",
			mcplib.Description("Only list recordings of this session"),
		),
	)
	return mcpserver.ServerTool{Tool: tool, Handler: s.handleListRecordings}
}

func (s *Server) getRecordingStatsTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("get_recording_stats",
		mcplib.WithDescription("Get aggregate statistics over all persisted recordings"),
	)
	return mcpserver.ServerTool{Tool: tool, Handler: s.handleGetRecordingStats}
}

func (s *Server) handleListSessions(_ context.Context, _ mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Sessions == nil {
		return mcplib.NewToolResultError("session reader not configured"), nil
	}
	sessions := s.deps.Sessions.GetActiveSessions()
	if sessions == nil {
		sessions = []*collab.Session{}
	}
	return toolResultJSON(sessions), nil
}

func (s *Server) handleGetSession(_ context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Sessions == nil {
		return mcplib.NewToolResultError("session reader not configured"), nil
	}
	id := req.GetString("session_id", "")
	if id == "" {
		return mcplib.NewToolResultError("session_id is required"), nil
	}
	sess, err := s.deps.Sessions.GetSession(id)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr(fmt.Sprintf("failed to get session %s", id), err), nil
	}
	return toolResultJSON(sess), nil
}

func (s *Server) handleGetSessionMetrics(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Sessions == nil {
		return mcplib.NewToolResultError("session reader not configured"), nil
	}
	id := req.GetString("session_id", "")
	if id == "" {
		return mcplib.NewToolResultError("session_id is required"), nil
	}
	m, err := s.deps.Sessions.GetSessionMetrics(ctx, id)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr(fmt.Sprintf("failed to get metrics of session %s", id), err), nil
	}
	return toolResultJSON(m), nil
}

func (s *Server) handleListRecordings(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Recordings == nil {
		return mcplib.NewToolResultError("recording reader not configured"), nil
	}
	list, err := s.deps.Recordings.GetRecordings(ctx)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to list recordings", err), nil
	}
	sessionID := req.GetString("session_id", "")
	out := make([]recording.Summary, 0, len(list))
	for _, r := range list {
		if sessionID == "" || r.SessionID == sessionID {
			out = append(out, r)
		}
	}
	return toolResultJSON(out), nil
}

func (s *Server) handleGetRecordingStats(ctx context.Context, _ mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Recordings == nil {
		return mcplib.NewToolResultError("recording reader not configured"), nil
	}
	st, err := s.deps.Recordings.GetRecordingStats(ctx)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to get recording stats", err), nil
	}
	return toolResultJSON(st), nil
}

// toolResultJSON encodes v as the text content of a tool result.
func toolResultJSON(v any) *mcplib.CallToolResult {
	data, err := json.Marshal(v)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to marshal result", err)
	}
	return mcplib.NewToolResultText(string(data))
}

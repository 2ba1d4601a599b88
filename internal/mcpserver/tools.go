package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/agentbridge/agentbridge/internal/common/logger"
)

func registerTools(s *server.MCPServer, cfg Config, log *logger.Logger) {
	s.AddTool(
		mcp.NewTool("list_sessions",
			mcp.WithDescription("List all agent sessions, including finished ones. Use this first to get session IDs for other operations."),
		),
		fetchHandler(cfg, log, "/sessions"),
	)

	s.AddTool(
		mcp.NewTool("list_active_sessions",
			mcp.WithDescription("List sessions that are currently created or running."),
		),
		fetchHandler(cfg, log, "/sessions/active"),
	)

	s.AddTool(
		mcp.NewTool("get_session",
			mcp.WithDescription("Get the full state of a single session: status, branch, working directory, and result."),
			mcp.WithString("session_id",
				mcp.Required(),
				mcp.Description("The session ID to fetch"),
			),
		),
		getSessionHandler(cfg, log),
	)

	s.AddTool(
		mcp.NewTool("get_stats",
			mcp.WithDescription("Get session counts: total, active, queued, and a per-status breakdown."),
		),
		fetchHandler(cfg, log, "/stats"),
	)

	s.AddTool(
		mcp.NewTool("cancel_session",
			mcp.WithDescription("Cancel a session. Safe on finished sessions; they stay in their terminal state."),
			mcp.WithString("session_id",
				mcp.Required(),
				mcp.Description("The session ID to cancel"),
			),
		),
		cancelSessionHandler(cfg, log),
	)

	log.Info("registered MCP tools", zap.Int("count", 5))
}

// fetchHandler builds a tool handler for parameterless GET endpoints.
func fetchHandler(cfg Config, log *logger.Logger, path string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return bridgeGet(ctx, cfg, log, path)
	}
}

func getSessionHandler(cfg Config, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, err := req.RequireString("session_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return bridgeGet(ctx, cfg, log, "/sessions/"+sessionID)
	}
}

func cancelSessionHandler(cfg Config, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, err := req.RequireString("session_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		url := fmt.Sprintf("%s/sessions/%s", cfg.BridgeURL, sessionID)
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to create request: %v", err)), nil
		}

		resp, err := http.DefaultClient.Do(httpReq)
		if err != nil {
			log.Error("failed to cancel session", zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Failed to cancel session: %v", err)), nil
		}
		defer func() { _ = resp.Body.Close() }()

		var result json.RawMessage
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to parse response: %v", err)), nil
		}

		if resp.StatusCode >= 400 {
			return mcp.NewToolResultError(fmt.Sprintf("API error (%d): %s", resp.StatusCode, string(result))), nil
		}

		formatted, _ := json.MarshalIndent(result, "", "  ")
		return mcp.NewToolResultText(string(formatted)), nil
	}
}

// bridgeGet fetches a bridge admin endpoint and returns its JSON pretty-printed.
func bridgeGet(ctx context.Context, cfg Config, log *logger.Logger, path string) (*mcp.CallToolResult, error) {
	url := cfg.BridgeURL + path

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to create request: %v", err)), nil
	}

	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		log.Error("failed to fetch from bridge", zap.String("path", path), zap.Error(err))
		return mcp.NewToolResultError(fmt.Sprintf("Failed to fetch %s: %v", path, err)), nil
	}
	defer func() { _ = resp.Body.Close() }()

	var result json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse response: %v", err)), nil
	}

	if resp.StatusCode >= 400 {
		return mcp.NewToolResultError(fmt.Sprintf("API error (%d): %s", resp.StatusCode, string(result))), nil
	}

	formatted, _ := json.MarshalIndent(result, "", "  ")
	return mcp.NewToolResultText(string(formatted)), nil
}

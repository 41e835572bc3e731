package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/hivecore/hivecore/internal/common/constants"
	"github.com/hivecore/hivecore/internal/common/logger"
)

// apiClient caps tool calls into the orchestrator API. A plan execution can
// legitimately run for seconds while agents reply, so the ceiling is generous.
var apiClient = &http.Client{Timeout: constants.MCPRequestTimeout}

func registerTools(s *server.MCPServer, cfg Config, log *logger.Logger) {
	// List Agents tool
	s.AddTool(
		mcp.NewTool("list_agents",
			mcp.WithDescription("List registered agents. Pass a capability to discover only agents advertising it."),
			mcp.WithString("capability",
				mcp.Description("Capability filter, comma-separated for multiple (e.g. development,analysis)"),
			),
		),
		listAgentsHandler(cfg, log),
	)

	// List Tasks tool
	s.AddTool(
		mcp.NewTool("list_tasks",
			mcp.WithDescription("List delegated tasks and their lifecycle state"),
			mcp.WithString("status",
				mcp.Description("Status filter: queued, dispatched, completed, or failed (optional)"),
			),
			mcp.WithNumber("limit",
				mcp.Description("Maximum number of tasks to return (optional)"),
			),
		),
		listTasksHandler(cfg, log),
	)

	// Queue Status tool
	s.AddTool(
		mcp.NewTool("queue_status",
			mcp.WithDescription("Show orchestrator queue counters: queued, dispatched, completed, failed, retried, and in-flight tasks"),
		),
		queueStatusHandler(cfg, log),
	)

	// Harvest Snapshot tool
	s.AddTool(
		mcp.NewTool("harvest_snapshot",
			mcp.WithDescription("Queue tasks from a proactive snapshot's recommendations. Returns the queued task IDs."),
			mcp.WithString("snapshot",
				mcp.Required(),
				mcp.Description("Proactive snapshot as a JSON document with taken_at and recommendations [{action, finding}]"),
			),
		),
		harvestSnapshotHandler(cfg, log),
	)

	// Execute Plan tool
	s.AddTool(
		mcp.NewTool("execute_plan",
			mcp.WithDescription("Run one plan over the queued tasks: dispatch to capable agents, await replies, and report per-task outcomes"),
			mcp.WithNumber("limit",
				mcp.Description("Maximum number of tasks in the plan (optional, server default applies)"),
			),
			mcp.WithString("session_id",
				mcp.Description("Existing session to run the plan on (optional)"),
			),
		),
		executePlanHandler(cfg, log),
	)

	// Evaluate Consensus tool
	s.AddTool(
		mcp.NewTool("evaluate_consensus",
			mcp.WithDescription("Run the consensus procedure for a proposal over agent viewpoints"),
			mcp.WithString("proposal",
				mcp.Required(),
				mcp.Description("The proposal under evaluation"),
			),
			mcp.WithArray("viewpoints",
				mcp.Required(),
				mcp.Description("Agent viewpoints. Each viewpoint has: agentId, position (the agent's stated stance), and confidence (0-1)"),
			),
		),
		evaluateConsensusHandler(cfg, log),
	)

	// Submit Feedback tool
	s.AddTool(
		mcp.NewTool("submit_feedback",
			mcp.WithDescription("Record user feedback for a completed task"),
			mcp.WithString("task_id",
				mcp.Required(),
				mcp.Description("The completed task ID"),
			),
			mcp.WithString("rating",
				mcp.Required(),
				mcp.Description("Rating: good, neutral, or bad"),
			),
			mcp.WithString("correction",
				mcp.Description("What the agent should have done instead (optional)"),
			),
		),
		submitFeedbackHandler(cfg, log),
	)

	log.Info("registered MCP tools", zap.Int("count", 7))
}

// apiGet fetches a hivecore API URL and renders the JSON response as a tool
// result.
func apiGet(ctx context.Context, log *logger.Logger, url, failure string) *mcp.CallToolResult {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("%s: %v", failure, err))
	}

	resp, err := apiClient.Do(httpReq)
	if err != nil {
		log.Error(failure, zap.Error(err))
		return mcp.NewToolResultError(fmt.Sprintf("%s: %v", failure, err))
	}
	defer func() { _ = resp.Body.Close() }()

	return renderResponse(resp)
}

// apiPost sends a JSON payload to a hivecore API URL and renders the JSON
// response as a tool result.
func apiPost(ctx context.Context, log *logger.Logger, url string, payload interface{}, failure string) *mcp.CallToolResult {
	body, err := json.Marshal(payload)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("%s: %v", failure, err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("%s: %v", failure, err))
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := apiClient.Do(httpReq)
	if err != nil {
		log.Error(failure, zap.Error(err))
		return mcp.NewToolResultError(fmt.Sprintf("%s: %v", failure, err))
	}
	defer func() { _ = resp.Body.Close() }()

	return renderResponse(resp)
}

func renderResponse(resp *http.Response) *mcp.CallToolResult {
	var result json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse response: %v", err))
	}

	if resp.StatusCode >= 400 {
		return mcp.NewToolResultError(fmt.Sprintf("API error (%d): %s", resp.StatusCode, string(result)))
	}

	formatted, _ := json.MarshalIndent(result, "", "  ")
	return mcp.NewToolResultText(string(formatted))
}

func listAgentsHandler(cfg Config, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		url := fmt.Sprintf("%s/api/v1/agents", cfg.CoreURL)
		if capability := req.GetString("capability", ""); capability != "" {
			url = fmt.Sprintf("%s?capability=%s", url, capability)
		}
		return apiGet(ctx, log, url, "Failed to fetch agents"), nil
	}
}

func listTasksHandler(cfg Config, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query := make([]string, 0, 2)
		if status := req.GetString("status", ""); status != "" {
			query = append(query, "status="+status)
		}
		if raw, ok := req.GetArguments()["limit"].(float64); ok && raw > 0 {
			query = append(query, fmt.Sprintf("limit=%d", int(raw)))
		}

		url := fmt.Sprintf("%s/api/v1/tasks", cfg.CoreURL)
		if len(query) > 0 {
			url += "?" + strings.Join(query, "&")
		}
		return apiGet(ctx, log, url, "Failed to fetch tasks"), nil
	}
}

func queueStatusHandler(cfg Config, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		url := fmt.Sprintf("%s/api/v1/orchestrator/status", cfg.CoreURL)
		return apiGet(ctx, log, url, "Failed to fetch orchestrator status"), nil
	}
}

func harvestSnapshotHandler(cfg Config, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		snapshot, err := req.RequireString("snapshot")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if !json.Valid([]byte(snapshot)) {
			return mcp.NewToolResultError("snapshot must be a valid JSON document"), nil
		}

		url := fmt.Sprintf("%s/api/v1/orchestrator/snapshots", cfg.CoreURL)
		return apiPost(ctx, log, url, json.RawMessage(snapshot), "Failed to harvest snapshot"), nil
	}
}

func executePlanHandler(cfg Config, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		payload := make(map[string]interface{})
		if sessionID := req.GetString("session_id", ""); sessionID != "" {
			payload["session_id"] = sessionID
		}
		if raw, ok := req.GetArguments()["limit"].(float64); ok {
			payload["limit"] = int(raw)
		}

		url := fmt.Sprintf("%s/api/v1/orchestrator/plans", cfg.CoreURL)
		return apiPost(ctx, log, url, payload, "Failed to execute plan"), nil
	}
}

func evaluateConsensusHandler(cfg Config, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		proposal, err := req.RequireString("proposal")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		viewpointsRaw, ok := req.GetArguments()["viewpoints"]
		if !ok {
			return mcp.NewToolResultError("viewpoints is required"), nil
		}
		viewpointsJSON, err := json.Marshal(viewpointsRaw)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to parse viewpoints: %v", err)), nil
		}
		var viewpoints []map[string]interface{}
		if err := json.Unmarshal(viewpointsJSON, &viewpoints); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to parse viewpoints: %v", err)), nil
		}

		payload := map[string]interface{}{
			"proposal":   proposal,
			"viewpoints": viewpoints,
		}
		url := fmt.Sprintf("%s/api/v1/consensus/evaluate", cfg.CoreURL)
		return apiPost(ctx, log, url, payload, "Failed to evaluate consensus"), nil
	}
}

func submitFeedbackHandler(cfg Config, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		taskID, err := req.RequireString("task_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		rating, err := req.RequireString("rating")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		payload := map[string]interface{}{
			"task_id": taskID,
			"rating":  rating,
		}
		if correction := req.GetString("correction", ""); correction != "" {
			payload["correction"] = correction
		}

		url := fmt.Sprintf("%s/api/v1/feedback", cfg.CoreURL)
		return apiPost(ctx, log, url, payload, "Failed to submit feedback"), nil
	}
}

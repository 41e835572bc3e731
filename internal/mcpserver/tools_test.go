package mcpserver

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hivecore/hivecore/internal/common/logger"
)

type apiCall struct {
	method string
	path   string
	query  string
	body   []byte
}

// newCoreStub stands in for the hivecore daemon API and records every call.
func newCoreStub(t *testing.T, status int, response string) (Config, *[]apiCall) {
	t.Helper()
	calls := &[]apiCall{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		*calls = append(*calls, apiCall{
			method: r.Method,
			path:   r.URL.Path,
			query:  r.URL.RawQuery,
			body:   body,
		})
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(response))
	}))
	t.Cleanup(srv.Close)
	return Config{CoreURL: srv.URL}, calls
}

func newToolLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

func newToolRequest(args map[string]any) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, res.Content)
	tc, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected text content")
	return tc.Text
}

func TestListAgentsToolPassesCapabilityFilter(t *testing.T) {
	cfg, calls := newCoreStub(t, http.StatusOK, `{"agents":[{"id":"dev-1"}],"total":1}`)
	handler := listAgentsHandler(cfg, newToolLogger(t))

	res, err := handler(context.Background(), newToolRequest(map[string]any{"capability": "development"}))
	require.NoError(t, err)
	require.False(t, res.IsError)

	require.Len(t, *calls, 1)
	call := (*calls)[0]
	assert.Equal(t, http.MethodGet, call.method)
	assert.Equal(t, "/api/v1/agents", call.path)
	assert.Equal(t, "capability=development", call.query)
	assert.Contains(t, resultText(t, res), "dev-1")
}

func TestListTasksToolBuildsQuery(t *testing.T) {
	cfg, calls := newCoreStub(t, http.StatusOK, `{"tasks":[],"total":0}`)
	handler := listTasksHandler(cfg, newToolLogger(t))

	res, err := handler(context.Background(), newToolRequest(map[string]any{
		"status": "queued",
		"limit":  float64(5),
	}))
	require.NoError(t, err)
	require.False(t, res.IsError)

	require.Len(t, *calls, 1)
	call := (*calls)[0]
	assert.Equal(t, "/api/v1/tasks", call.path)
	assert.Equal(t, "status=queued&limit=5", call.query)
}

func TestQueueStatusTool(t *testing.T) {
	cfg, calls := newCoreStub(t, http.StatusOK, `{"queued":2,"dispatched":0}`)
	handler := queueStatusHandler(cfg, newToolLogger(t))

	res, err := handler(context.Background(), newToolRequest(nil))
	require.NoError(t, err)
	require.False(t, res.IsError)

	require.Len(t, *calls, 1)
	assert.Equal(t, "/api/v1/orchestrator/status", (*calls)[0].path)
	assert.Contains(t, resultText(t, res), `"queued"`)
}

func TestHarvestSnapshotToolPostsDocument(t *testing.T) {
	cfg, calls := newCoreStub(t, http.StatusAccepted, `{"queued":["tsk-1"],"total":1}`)
	handler := harvestSnapshotHandler(cfg, newToolLogger(t))

	snapshot := `{"taken_at":"2025-11-03T10:00:00Z","recommendations":[{"action":"investigate","finding":"checkout errors"}]}`
	res, err := handler(context.Background(), newToolRequest(map[string]any{"snapshot": snapshot}))
	require.NoError(t, err)
	require.False(t, res.IsError)

	require.Len(t, *calls, 1)
	call := (*calls)[0]
	assert.Equal(t, http.MethodPost, call.method)
	assert.Equal(t, "/api/v1/orchestrator/snapshots", call.path)

	var forwarded struct {
		Recommendations []map[string]string `json:"recommendations"`
	}
	require.NoError(t, json.Unmarshal(call.body, &forwarded))
	require.Len(t, forwarded.Recommendations, 1)
	assert.Equal(t, "investigate", forwarded.Recommendations[0]["action"])
	assert.Contains(t, resultText(t, res), "tsk-1")
}

func TestHarvestSnapshotToolRejectsMalformedJSON(t *testing.T) {
	cfg, calls := newCoreStub(t, http.StatusAccepted, `{}`)
	handler := harvestSnapshotHandler(cfg, newToolLogger(t))

	res, err := handler(context.Background(), newToolRequest(map[string]any{"snapshot": "{"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Empty(t, *calls, "malformed snapshot must not reach the API")
}

func TestExecutePlanToolSendsLimit(t *testing.T) {
	cfg, calls := newCoreStub(t, http.StatusOK, `{"planId":"pln-1","dispatched":[],"completed":[],"failed":[]}`)
	handler := executePlanHandler(cfg, newToolLogger(t))

	res, err := handler(context.Background(), newToolRequest(map[string]any{"limit": float64(3)}))
	require.NoError(t, err)
	require.False(t, res.IsError)

	require.Len(t, *calls, 1)
	call := (*calls)[0]
	assert.Equal(t, "/api/v1/orchestrator/plans", call.path)

	var body map[string]any
	require.NoError(t, json.Unmarshal(call.body, &body))
	assert.Equal(t, float64(3), body["limit"])
	_, hasSession := body["session_id"]
	assert.False(t, hasSession)
}

func TestEvaluateConsensusToolRequiresViewpoints(t *testing.T) {
	cfg, calls := newCoreStub(t, http.StatusOK, `{}`)
	handler := evaluateConsensusHandler(cfg, newToolLogger(t))

	res, err := handler(context.Background(), newToolRequest(map[string]any{"proposal": "ship it"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Empty(t, *calls)
}

func TestEvaluateConsensusToolForwardsViewpoints(t *testing.T) {
	cfg, calls := newCoreStub(t, http.StatusOK, `{"agreed":true,"consensusLevel":1}`)
	handler := evaluateConsensusHandler(cfg, newToolLogger(t))

	res, err := handler(context.Background(), newToolRequest(map[string]any{
		"proposal": "adopt the caching layer",
		"viewpoints": []any{
			map[string]any{"agentId": "dev-1", "position": "adopt the caching layer quickly", "confidence": 0.9},
		},
	}))
	require.NoError(t, err)
	require.False(t, res.IsError)

	require.Len(t, *calls, 1)
	var body struct {
		Proposal   string           `json:"proposal"`
		Viewpoints []map[string]any `json:"viewpoints"`
	}
	require.NoError(t, json.Unmarshal((*calls)[0].body, &body))
	assert.Equal(t, "adopt the caching layer", body.Proposal)
	require.Len(t, body.Viewpoints, 1)
	assert.Equal(t, "dev-1", body.Viewpoints[0]["agentId"])
}

func TestSubmitFeedbackToolSurfacesAPIError(t *testing.T) {
	cfg, calls := newCoreStub(t, http.StatusBadRequest, `{"code":"BAD_REQUEST","message":"invalid rating"}`)
	handler := submitFeedbackHandler(cfg, newToolLogger(t))

	res, err := handler(context.Background(), newToolRequest(map[string]any{
		"task_id": "tsk-1",
		"rating":  "excellent",
	}))
	require.NoError(t, err)
	assert.True(t, res.IsError)

	require.Len(t, *calls, 1)
	assert.Equal(t, "/api/v1/feedback", (*calls)[0].path)
	assert.Contains(t, resultText(t, res), "API error (400)")
}

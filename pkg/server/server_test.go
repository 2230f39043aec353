package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/maestro/pkg/agent"
	"github.com/kadirpekel/maestro/pkg/config"
	"github.com/kadirpekel/maestro/pkg/conversation"
	"github.com/kadirpekel/maestro/pkg/llms"
	"github.com/kadirpekel/maestro/pkg/store"
	"github.com/kadirpekel/maestro/pkg/streaming"
	"github.com/kadirpekel/maestro/pkg/tool"
	"github.com/kadirpekel/maestro/pkg/tool/builtin"
)

// cannedProvider answers every streamed turn with the same text.
type cannedProvider struct {
	text string
}

func (p *cannedProvider) Name() string { return "canned" }

func (p *cannedProvider) Generate(ctx context.Context, req llms.Request) (*llms.Response, error) {
	return nil, fmt.Errorf("not implemented")
}

func (p *cannedProvider) Stream(ctx context.Context, req llms.Request) (<-chan llms.StreamChunk, error) {
	out := make(chan llms.StreamChunk, 4)
	out <- llms.StreamChunk{Type: llms.ChunkTypeText, Text: p.text}
	out <- llms.StreamChunk{Type: llms.ChunkTypeDone}
	close(out)
	return out, nil
}

type testServer struct {
	srv    *Server
	agents *agent.Registry
	conv   *conversation.Manager
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	tools := tool.NewRegistry()
	require.NoError(t, builtin.Register(tools))

	agents := agent.NewRegistry(agent.RegistryConfig{
		Tools:    tools,
		Provider: &cannedProvider{text: "canned answer"},
		Runtime:  config.RuntimeConfig{MaxToolPasses: 5, MaxLoopIterations: 3},
		LLM:      config.LLMConfig{Model: "gpt-4o-mini", Temperature: 0.7},
	})
	conv := conversation.NewManager(store.Noop())
	stream := streaming.NewHandler(conv, agents, nil, 30*time.Second)

	srv := New(Options{
		Config:   &config.Config{},
		Agents:   agents,
		Tools:    tools,
		Conv:     conv,
		Stream:   stream,
		Degraded: true,
	})
	return &testServer{srv: srv, agents: agents, conv: conv}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	ts.srv.Router().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func (ts *testServer) createAgent(t *testing.T, def map[string]any) string {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/agents/", def)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeBody(t, rec)["agent_id"].(string)
}

func TestHealthReportsDegraded(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, true, body["degraded"])
}

func TestAgentCRUD(t *testing.T) {
	ts := newTestServer(t)

	id := ts.createAgent(t, map[string]any{
		"name":        "researcher",
		"description": "finds things out",
		"agent_type":  "standard",
	})

	rec := ts.do(t, http.MethodGet, "/agents/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "researcher", body["name"])
	assert.Equal(t, float64(1), body["version"])

	rec = ts.do(t, http.MethodPut, "/agents/"+id, map[string]any{
		"name": "analyst", "agent_type": "standard",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	body = decodeBody(t, rec)
	assert.Equal(t, "analyst", body["name"])
	assert.Equal(t, float64(2), body["version"])

	rec = ts.do(t, http.MethodGet, "/agents/?active_only=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), decodeBody(t, rec)["count"])

	rec = ts.do(t, http.MethodDelete, "/agents/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodGet, "/agents/?active_only=true", nil)
	assert.Equal(t, float64(0), decodeBody(t, rec)["count"])
}

func TestErrorMapping(t *testing.T) {
	ts := newTestServer(t)

	// Unknown agent id maps to not_found.
	rec := ts.do(t, http.MethodGet, "/agents/nope", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decodeBody(t, rec)["kind"])

	// Structural failures map to validation.
	rec = ts.do(t, http.MethodPost, "/agents/", map[string]any{"agent_type": "standard"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation", decodeBody(t, rec)["kind"])

	// A malformed body is a validation failure, not a 500.
	req := httptest.NewRequest(http.MethodPost, "/agents/", strings.NewReader("{not json"))
	res := httptest.NewRecorder()
	ts.srv.Router().ServeHTTP(res, req)
	require.Equal(t, http.StatusBadRequest, res.Code)

	// Unknown tool names map to tool_unavailable.
	rec = ts.do(t, http.MethodPost, "/agents/", map[string]any{
		"name": "a", "tool_names": []string{"ghost"},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "tool_unavailable", decodeBody(t, rec)["kind"])

	// Unknown session maps to not_found.
	rec = ts.do(t, http.MethodGet, "/conversations/nope", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decodeBody(t, rec)["kind"])
}

func TestAttachDetachToolsEndpoints(t *testing.T) {
	ts := newTestServer(t)
	id := ts.createAgent(t, map[string]any{"name": "researcher"})

	rec := ts.do(t, http.MethodPost, "/agents/"+id+"/tools/attach", map[string]any{
		"tool_names": []string{"custom_calculator"},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, []any{"custom_calculator"}, body["tool_names"])

	rec = ts.do(t, http.MethodPost, "/agents/"+id+"/tools/detach", map[string]any{
		"tool_names": []string{"custom_calculator"},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decodeBody(t, rec)["tool_names"])
}

func TestListTools(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/tools", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, float64(3), body["count"])

	rec = ts.do(t, http.MethodGet, "/tools?category=builtin&enabled_only=true", nil)
	assert.Equal(t, float64(3), decodeBody(t, rec)["count"])
}

func TestConversationLifecycle(t *testing.T) {
	ts := newTestServer(t)
	agentID := ts.createAgent(t, map[string]any{"name": "researcher"})

	// Starting requires both identities.
	rec := ts.do(t, http.MethodPost, "/conversations/start", map[string]any{"user_id": "u1"})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	// Starting against a missing agent fails up front.
	rec = ts.do(t, http.MethodPost, "/conversations/start", map[string]any{
		"user_id": "u1", "agent_id": "nope",
	})
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodPost, "/conversations/start", map[string]any{
		"user_id": "u1", "agent_id": agentID, "message": "hello",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	sessionID := decodeBody(t, rec)["session_id"].(string)

	rec = ts.do(t, http.MethodGet, "/conversations/"+sessionID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	messages := body["messages"].([]any)
	require.Len(t, messages, 1)

	rec = ts.do(t, http.MethodGet, "/conversations/agent/"+agentID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), decodeBody(t, rec)["count"])

	rec = ts.do(t, http.MethodDelete, "/conversations/"+sessionID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodGet, "/conversations/"+sessionID, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func startSession(t *testing.T, ts *testServer, agentID string) string {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/conversations/start", map[string]any{
		"user_id": "u1", "agent_id": agentID,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	return decodeBody(t, rec)["session_id"].(string)
}

func TestStreamSendBuffered(t *testing.T) {
	ts := newTestServer(t)
	agentID := ts.createAgent(t, map[string]any{"name": "researcher"})
	sessionID := startSession(t, ts, agentID)

	rec := ts.do(t, http.MethodPost, "/streaming/send?session_id="+sessionID, map[string]any{
		"message": "hi", "stream": false,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, sessionID, body["session_id"])
	assert.Equal(t, "canned answer", body["response"])
	assert.NotContains(t, body, "error")
}

func TestStreamSendSSE(t *testing.T) {
	ts := newTestServer(t)
	agentID := ts.createAgent(t, map[string]any{"name": "researcher"})
	sessionID := startSession(t, ts, agentID)

	rec := ts.do(t, http.MethodPost, "/streaming/send?session_id="+sessionID, map[string]any{
		"message": "hi", "stream": true,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	frames := parseSSE(t, rec.Body.String())
	require.NotEmpty(t, frames)
	assert.Equal(t, "[DONE]", frames[len(frames)-1])

	var types []string
	for _, frame := range frames[:len(frames)-1] {
		var ev streaming.Event
		require.NoError(t, json.Unmarshal([]byte(frame), &ev))
		types = append(types, ev.Type)
	}
	assert.Equal(t, []string{"start", "content", "complete"}, types)
}

func TestStreamSendValidation(t *testing.T) {
	ts := newTestServer(t)
	agentID := ts.createAgent(t, map[string]any{"name": "researcher"})
	sessionID := startSession(t, ts, agentID)

	rec := ts.do(t, http.MethodPost, "/streaming/send?session_id="+sessionID, map[string]any{
		"stream": false,
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, "/streaming/send?session_id=missing", map[string]any{
		"message": "hi",
	})
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStreamStartUnknownSession(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/streaming/start?session_id=missing", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

// parseSSE extracts the data payloads from an SSE body.
func parseSSE(t *testing.T, body string) []string {
	t.Helper()
	var frames []string
	for _, line := range strings.Split(body, "\n") {
		if payload, ok := strings.CutPrefix(line, "data: "); ok {
			frames = append(frames, payload)
		}
	}
	return frames
}

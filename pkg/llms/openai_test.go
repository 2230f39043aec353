package llms

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/maestro/pkg/config"
)

// sseServer serves a canned SSE body and captures the request it received.
func sseServer(t *testing.T, lines []string) (*httptest.Server, *openAIRequest) {
	t.Helper()
	var captured openAIRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat/completions", r.URL.Path)
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(body, &captured))

		w.Header().Set("Content-Type", "text/event-stream")
		for _, line := range lines {
			fmt.Fprintf(w, "%s\n", line)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &captured
}

func newProvider(baseURL string) *OpenAIProvider {
	return NewOpenAIProvider(config.LLMConfig{
		BaseURL:     baseURL,
		APIKey:      "test-key",
		Model:       "gpt-4o-mini",
		Temperature: 0.7,
	}, nil)
}

func drainChunks(t *testing.T, ch <-chan StreamChunk) []StreamChunk {
	t.Helper()
	var out []StreamChunk
	for chunk := range ch {
		out = append(out, chunk)
	}
	return out
}

func TestStreamTextDeltas(t *testing.T) {
	srv, captured := sseServer(t, []string{
		`data: {"choices":[{"delta":{"content":"Hel"}}]}`,
		``,
		`data: {"choices":[{"delta":{"content":"lo"}}]}`,
		``,
		`data: {"choices":[{"delta":{},"finish_reason":"stop"}],"usage":{"total_tokens":12}}`,
		``,
		`data: [DONE]`,
	})
	p := newProvider(srv.URL)

	ch, err := p.Stream(context.Background(), Request{
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
	})
	require.NoError(t, err)
	chunks := drainChunks(t, ch)

	require.Len(t, chunks, 3)
	assert.Equal(t, ChunkTypeText, chunks[0].Type)
	assert.Equal(t, "Hel", chunks[0].Text)
	assert.Equal(t, "lo", chunks[1].Text)
	assert.Equal(t, ChunkTypeDone, chunks[2].Type)
	assert.Equal(t, 12, chunks[2].Tokens)

	// Config defaults flow into the wire request.
	assert.Equal(t, "gpt-4o-mini", captured.Model)
	assert.Equal(t, 0.7, captured.Temperature)
	assert.True(t, captured.Stream)
}

func TestStreamAccumulatesToolCallFragments(t *testing.T) {
	srv, captured := sseServer(t, []string{
		`data: {"choices":[{"delta":{"tool_calls":[{"id":"call-1","type":"function","function":{"name":"adder","arguments":"{\"a\":"}}]}}]}`,
		``,
		`data: {"choices":[{"delta":{"tool_calls":[{"function":{"arguments":"2,\"b\":3}"}}]}}]}`,
		``,
		`data: {"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
		``,
		`data: [DONE]`,
	})
	p := newProvider(srv.URL)

	ch, err := p.Stream(context.Background(), Request{
		Messages: []Message{{Role: RoleUser, Content: "2+3?"}},
		Tools: []ToolDefinition{{
			Name:        "adder",
			Description: "Adds two numbers",
			Parameters:  map[string]any{"type": "object"},
		}},
	})
	require.NoError(t, err)
	chunks := drainChunks(t, ch)

	require.Len(t, chunks, 2)
	require.Equal(t, ChunkTypeToolCall, chunks[0].Type)
	require.NotNil(t, chunks[0].ToolCall)
	assert.Equal(t, "call-1", chunks[0].ToolCall.ID)
	assert.Equal(t, "adder", chunks[0].ToolCall.Name)
	assert.Equal(t, map[string]any{"a": float64(2), "b": float64(3)}, chunks[0].ToolCall.Args)
	assert.Equal(t, ChunkTypeDone, chunks[1].Type)

	// Tool definitions ride along with auto tool choice.
	require.Len(t, captured.Tools, 1)
	assert.Equal(t, "adder", captured.Tools[0].Function.Name)
	assert.Equal(t, "auto", captured.ToolChoice)
}

func TestStreamThinkingDeltas(t *testing.T) {
	srv, _ := sseServer(t, []string{
		`data: {"choices":[{"delta":{"reasoning":"pondering"}}]}`,
		``,
		`data: {"choices":[{"delta":{"content":"answer"},"finish_reason":"stop"}]}`,
		``,
		`data: [DONE]`,
	})
	p := newProvider(srv.URL)

	ch, err := p.Stream(context.Background(), Request{Messages: []Message{{Role: RoleUser, Content: "hi"}}})
	require.NoError(t, err)
	chunks := drainChunks(t, ch)

	require.Len(t, chunks, 3)
	assert.Equal(t, ChunkTypeThinking, chunks[0].Type)
	assert.Equal(t, "pondering", chunks[0].Text)
	assert.Equal(t, ChunkTypeText, chunks[1].Type)
}

func TestStreamInlineAPIError(t *testing.T) {
	srv, _ := sseServer(t, []string{
		`data: {"error":{"message":"rate limited","type":"rate_limit_error"}}`,
	})
	p := newProvider(srv.URL)

	ch, err := p.Stream(context.Background(), Request{Messages: []Message{{Role: RoleUser, Content: "hi"}}})
	require.NoError(t, err)
	chunks := drainChunks(t, ch)

	require.Len(t, chunks, 1)
	assert.Equal(t, ChunkTypeError, chunks[0].Type)
	assert.Contains(t, chunks[0].Err.Error(), "rate limited")
}

func TestStreamStopsWhenConsumerAbandons(t *testing.T) {
	// More deltas than the channel buffers, so the producer must block on
	// a consumer that never comes back.
	var lines []string
	for i := 0; i < 150; i++ {
		lines = append(lines, `data: {"choices":[{"delta":{"content":"x"}}]}`, ``)
	}
	lines = append(lines, `data: [DONE]`)
	srv, _ := sseServer(t, lines)
	p := newProvider(srv.URL)

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := p.Stream(ctx, Request{Messages: []Message{{Role: RoleUser, Content: "hi"}}})
	require.NoError(t, err)

	// Take one chunk, then walk away.
	<-ch
	cancel()

	closed := make(chan struct{})
	go func() {
		for range ch {
		}
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not shut down after cancellation")
	}
}

func TestStreamHTTPErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"message":"bad api key","type":"invalid_request_error","code":"invalid_api_key"}}`)
	}))
	t.Cleanup(srv.Close)
	p := newProvider(srv.URL)

	ch, err := p.Stream(context.Background(), Request{Messages: []Message{{Role: RoleUser, Content: "hi"}}})
	require.NoError(t, err)
	chunks := drainChunks(t, ch)

	require.Len(t, chunks, 1)
	require.Equal(t, ChunkTypeError, chunks[0].Type)
	assert.Contains(t, chunks[0].Err.Error(), "status 401")
	assert.Contains(t, chunks[0].Err.Error(), "bad api key")
}

func TestGenerate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		fmt.Fprint(w, `{
			"choices":[{"message":{"role":"assistant","content":"pong"},"finish_reason":"stop"}],
			"usage":{"prompt_tokens":3,"completion_tokens":1,"total_tokens":4}
		}`)
	}))
	t.Cleanup(srv.Close)
	p := newProvider(srv.URL)

	resp, err := p.Generate(context.Background(), Request{
		Messages: []Message{{Role: RoleUser, Content: "ping"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "pong", resp.Text)
	assert.Equal(t, 4, resp.TokensUsed)
	assert.Empty(t, resp.ToolCalls)
}

func TestGenerateParsesToolCalls(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{
			"choices":[{"message":{"role":"assistant","content":"","tool_calls":[
				{"id":"c1","type":"function","function":{"name":"adder","arguments":"{\"a\":1}"}}
			]},"finish_reason":"tool_calls"}],
			"usage":{"total_tokens":7}
		}`)
	}))
	t.Cleanup(srv.Close)
	p := newProvider(srv.URL)

	resp, err := p.Generate(context.Background(), Request{
		Messages: []Message{{Role: RoleUser, Content: "add"}},
	})
	require.NoError(t, err)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "adder", resp.ToolCalls[0].Name)
	assert.Equal(t, map[string]any{"a": float64(1)}, resp.ToolCalls[0].Args)
}

func TestGenerateSurfacesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"error":{"message":"model overloaded","type":"server_error"}}`)
	}))
	t.Cleanup(srv.Close)
	p := newProvider(srv.URL)

	_, err := p.Generate(context.Background(), Request{
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model overloaded")
}

func TestToolMessagesRoundtripOnTheWire(t *testing.T) {
	srv, captured := sseServer(t, []string{`data: [DONE]`})
	p := newProvider(srv.URL)

	ch, err := p.Stream(context.Background(), Request{
		Messages: []Message{
			{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "c1", Name: "adder", Args: map[string]any{"a": float64(1)}}}},
			{Role: RoleTool, Content: `{"sum":1}`, ToolCallID: "c1"},
		},
	})
	require.NoError(t, err)
	drainChunks(t, ch)

	require.Len(t, captured.Messages, 2)
	require.Len(t, captured.Messages[0].ToolCalls, 1)
	assert.Equal(t, `{"a":1}`, captured.Messages[0].ToolCalls[0].Function.Arguments)
	assert.Equal(t, "c1", captured.Messages[1].ToolCallID)
}

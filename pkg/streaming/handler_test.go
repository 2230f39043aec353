package streaming

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/maestro/pkg/agent"
	"github.com/kadirpekel/maestro/pkg/config"
	"github.com/kadirpekel/maestro/pkg/conversation"
	"github.com/kadirpekel/maestro/pkg/llms"
	"github.com/kadirpekel/maestro/pkg/runner"
	"github.com/kadirpekel/maestro/pkg/store"
	"github.com/kadirpekel/maestro/pkg/team"
	"github.com/kadirpekel/maestro/pkg/tool"
)

// scriptedProvider replays one chunk sequence per Stream call. A nil script
// blocks until the turn context is cancelled.
type scriptedProvider struct {
	script [][]llms.StreamChunk
	calls  int
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Generate(ctx context.Context, req llms.Request) (*llms.Response, error) {
	return nil, fmt.Errorf("not implemented")
}

func (p *scriptedProvider) Stream(ctx context.Context, req llms.Request) (<-chan llms.StreamChunk, error) {
	var chunks []llms.StreamChunk
	if p.calls < len(p.script) {
		chunks = p.script[p.calls]
	}
	p.calls++

	out := make(chan llms.StreamChunk)
	go func() {
		defer close(out)
		if chunks == nil {
			<-ctx.Done()
			return
		}
		for _, c := range chunks {
			select {
			case out <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

type fixture struct {
	handler *Handler
	conv    *conversation.Manager
	agents  *agent.Registry
	agentID string
}

func newFixture(t *testing.T, provider llms.Provider) *fixture {
	t.Helper()

	agents := agent.NewRegistry(agent.RegistryConfig{
		Tools:    tool.NewRegistry(),
		Provider: provider,
		Runtime:  config.RuntimeConfig{MaxToolPasses: 5, MaxLoopIterations: 3},
		LLM:      config.LLMConfig{Model: "gpt-4o-mini", Temperature: 0.7},
	})
	agentID, err := agents.Create(context.Background(), &agent.Definition{
		Name:      "assistant",
		AgentType: agent.TypeStandard,
	})
	require.NoError(t, err)

	conv := conversation.NewManager(store.Noop())
	handler := NewHandler(conv, agents, nil, 30*time.Second)

	return &fixture{handler: handler, conv: conv, agents: agents, agentID: agentID}
}

func (f *fixture) startSession(t *testing.T) string {
	t.Helper()
	sessionID, err := f.conv.Start(context.Background(), "u1", f.agentID, "", nil)
	require.NoError(t, err)
	return sessionID
}

// collectTurn drains a turn's event channel, failing the test if the turn
// does not finish in time.
func collectTurn(t *testing.T, events <-chan Event) []Event {
	t.Helper()
	var out []Event
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-deadline:
			t.Fatalf("turn did not finish; got %d events", len(out))
		}
	}
}

func eventTypes(events []Event) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

func TestStartTurnHappyPath(t *testing.T) {
	f := newFixture(t, &scriptedProvider{script: [][]llms.StreamChunk{
		{
			{Type: llms.ChunkTypeText, Text: "Hello "},
			{Type: llms.ChunkTypeText, Text: "world"},
			{Type: llms.ChunkTypeDone},
		},
	}})
	sessionID := f.startSession(t)

	events, err := f.handler.StartTurn(context.Background(), sessionID, "hi")
	require.NoError(t, err)
	got := collectTurn(t, events)

	// The runner's final echoes the accumulated text, so dedup suppresses
	// any extra content after the partials.
	assert.Equal(t, []string{EventStart, EventContent, EventContent, EventComplete}, eventTypes(got))
	assert.Equal(t, "Hello ", got[1].Content)
	assert.Equal(t, "world", got[2].Content)
	assert.Equal(t, "Hello world", got[3].Content)
	assert.Equal(t, f.agentID, got[0].Metadata["agent_id"])

	// Both sides of the exchange are persisted.
	_, messages, err := f.conv.Get(context.Background(), sessionID)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, conversation.RoleUser, messages[0].Role)
	assert.Equal(t, "hi", messages[0].Content)
	assert.Equal(t, conversation.RoleAssistant, messages[1].Role)
	assert.Equal(t, "Hello world", messages[1].Content)
}

func TestStartTurnUnknownSession(t *testing.T) {
	f := newFixture(t, &scriptedProvider{})

	_, err := f.handler.StartTurn(context.Background(), "missing", "hi")
	require.ErrorIs(t, err, conversation.ErrSessionNotFound)
}

func TestStartTurnRejectsConcurrentTurn(t *testing.T) {
	f := newFixture(t, &scriptedProvider{})
	sessionID := f.startSession(t)

	events, err := f.handler.StartTurn(context.Background(), sessionID, "first")
	require.NoError(t, err)

	_, err = f.handler.StartTurn(context.Background(), sessionID, "second")
	require.ErrorIs(t, err, ErrTurnInProgress)

	f.handler.StopSession(sessionID)
	collectTurn(t, events)

	// The slot is free again once the turn ends.
	events, err = f.handler.StartTurn(context.Background(), sessionID, "third")
	require.NoError(t, err)
	f.handler.StopSession(sessionID)
	collectTurn(t, events)
}

func TestStopSessionEmitsCancelledThenComplete(t *testing.T) {
	f := newFixture(t, &scriptedProvider{})
	sessionID := f.startSession(t)

	events, err := f.handler.StartTurn(context.Background(), sessionID, "hi")
	require.NoError(t, err)
	f.handler.StopSession(sessionID)
	got := collectTurn(t, events)

	types := eventTypes(got)
	require.Equal(t, []string{EventStart, EventError, EventComplete}, types)
	assert.Equal(t, "cancelled", got[1].Metadata["kind"])
}

func TestStopAgentCancelsItsTurns(t *testing.T) {
	f := newFixture(t, &scriptedProvider{})
	sessionID := f.startSession(t)

	events, err := f.handler.StartTurn(context.Background(), sessionID, "hi")
	require.NoError(t, err)

	// NewHandler wires itself as the registry's stop hook.
	f.agents.Stop(f.agentID)
	got := collectTurn(t, events)

	require.NotEmpty(t, got)
	assert.Equal(t, EventComplete, got[len(got)-1].Type)
	assert.Equal(t, "cancelled", got[1].Metadata["kind"])
}

func TestTurnDeadlineEmitsTimeout(t *testing.T) {
	f := newFixture(t, &scriptedProvider{})
	f.handler.SetTurnDeadline(50 * time.Millisecond)
	sessionID := f.startSession(t)

	events, err := f.handler.StartTurn(context.Background(), sessionID, "hi")
	require.NoError(t, err)
	got := collectTurn(t, events)

	require.Equal(t, []string{EventStart, EventError, EventComplete}, eventTypes(got))
	assert.Equal(t, "timeout", got[1].Metadata["kind"])
}

func TestSubscribeSeesTurnEvents(t *testing.T) {
	f := newFixture(t, &scriptedProvider{script: [][]llms.StreamChunk{
		{
			{Type: llms.ChunkTypeText, Text: "answer"},
			{Type: llms.ChunkTypeDone},
		},
	}})
	sessionID := f.startSession(t)

	sub, cancel := f.handler.Subscribe(sessionID)
	defer cancel()

	events, err := f.handler.StartTurn(context.Background(), sessionID, "hi")
	require.NoError(t, err)
	collectTurn(t, events)

	var got []Event
	deadline := time.After(5 * time.Second)
	for len(got) == 0 || got[len(got)-1].Type != EventComplete {
		select {
		case ev := <-sub:
			got = append(got, ev)
		case <-deadline:
			t.Fatalf("subscriber did not see the complete event; got %v", eventTypes(got))
		}
	}
	assert.Equal(t, []string{EventStart, EventContent, EventComplete}, eventTypes(got))
}

func TestToolTrafficIsPublishedAndPersisted(t *testing.T) {
	f := newFixture(t, &scriptedProvider{script: [][]llms.StreamChunk{
		{
			{Type: llms.ChunkTypeToolCall, ToolCall: &llms.ToolCall{
				ID: "c1", Name: "lookup", Args: map[string]any{"q": "go"},
			}},
			{Type: llms.ChunkTypeDone},
		},
		{
			{Type: llms.ChunkTypeText, Text: "found it"},
			{Type: llms.ChunkTypeDone},
		},
	}})
	sessionID := f.startSession(t)

	events, err := f.handler.StartTurn(context.Background(), sessionID, "look up go")
	require.NoError(t, err)
	got := collectTurn(t, events)

	// The unknown tool still produces the call/response pair; the runner
	// surfaces the failure inside the result payload.
	assert.Equal(t, []string{
		EventStart, EventToolCall, EventToolResponse, EventContent, EventComplete,
	}, eventTypes(got))
	assert.Equal(t, "lookup", got[1].Metadata["tool_name"])
	assert.Equal(t, "c1", got[2].Metadata["call_id"])

	// Tool traffic lands in the log but stays out of model history.
	_, messages, err := f.conv.Get(context.Background(), sessionID)
	require.NoError(t, err)
	require.Len(t, messages, 4)
	assert.Equal(t, conversation.TypeToolCall, messages[1].MessageType)
	assert.Equal(t, conversation.TypeToolResponse, messages[2].MessageType)

	history, err := f.conv.History(context.Background(), sessionID)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestErrorEventEndsTurn(t *testing.T) {
	f := newFixture(t, &scriptedProvider{script: [][]llms.StreamChunk{
		{
			{Type: llms.ChunkTypeError, Err: fmt.Errorf("upstream exploded")},
		},
	}})
	sessionID := f.startSession(t)

	events, err := f.handler.StartTurn(context.Background(), sessionID, "hi")
	require.NoError(t, err)
	got := collectTurn(t, events)

	require.Equal(t, []string{EventStart, EventError, EventComplete}, eventTypes(got))
	assert.Equal(t, "runner_internal", got[1].Metadata["kind"])
	assert.Equal(t, f.agentID, got[1].Metadata["origin_agent_id"])
	assert.Contains(t, got[1].Content, "upstream exploded")
}

// scriptedExecutable replays a fixed raw event sequence after an optional
// delay, standing in for a leaf agent inside a team composite.
type scriptedExecutable struct {
	id     string
	delay  time.Duration
	events []runner.RawEvent
}

func (e *scriptedExecutable) AgentID() string { return e.id }

func (e *scriptedExecutable) Execute(ctx context.Context, req runner.Request) <-chan runner.RawEvent {
	out := make(chan runner.RawEvent, len(e.events))
	go func() {
		defer close(out)
		if e.delay > 0 {
			select {
			case <-time.After(e.delay):
			case <-ctx.Done():
				return
			}
		}
		for _, ev := range e.events {
			out <- ev
		}
	}()
	return out
}

func TestParallelChildErrorKeepsSiblingStreaming(t *testing.T) {
	f := newFixture(t, &scriptedProvider{})
	sessionID := f.startSession(t)

	failed := runner.Errorf(runner.ErrKindRunnerInternal, "model request failed: boom")
	failed.Origin = "flaky"
	flaky := &scriptedExecutable{id: "flaky", events: []runner.RawEvent{failed}}
	steady := &scriptedExecutable{id: "steady", delay: 150 * time.Millisecond, events: []runner.RawEvent{
		{Type: runner.EventFinal, Text: "late result", Origin: "steady"},
	}}
	duo := team.NewParallel("duo", []runner.Executable{flaky, steady}, team.Options{})

	out := make(chan Event, subscriberBuffer)
	f.handler.runTurn(context.Background(), sessionID, "duo", duo, runner.Request{
		SessionID:   sessionID,
		UserMessage: "go",
	}, out)
	close(out)

	var got []Event
	for ev := range out {
		got = append(got, ev)
	}

	// The failing child is reported and attributed, but the turn keeps
	// going until the healthy sibling has delivered its output.
	require.Equal(t, []string{EventStart, EventError, EventContent, EventComplete}, eventTypes(got))
	assert.Equal(t, "runner_internal", got[1].Metadata["kind"])
	assert.Equal(t, "flaky", got[1].Metadata["origin_agent_id"])
	assert.Contains(t, got[2].Content, "[steady]")
	assert.Contains(t, got[2].Content, "late result")
	assert.Equal(t, got[2].Content, got[3].Content)
}

func TestDedupFinal(t *testing.T) {
	long := strings.Repeat("x", dedupThreshold+100)

	tests := []struct {
		name       string
		acc        string
		final      string
		suffix     string
		suppressed bool
	}{
		{"long echo suppressed", long, long + "\n", "", true},
		{"short echo yields empty suffix", "abc", "abc", "", false},
		{"suffix beyond common prefix", "partial answer", "partial answer with more", " with more", false},
		{"empty accumulator emits whole final", "", "fresh", "fresh", false},
		{"diverging final re-emitted from divergence", "abcdef", "abcXYZ", "XYZ", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			suffix, suppressed := dedupFinal(tt.acc, tt.final)
			assert.Equal(t, tt.suffix, suffix)
			assert.Equal(t, tt.suppressed, suppressed)
		})
	}
}

// Package runner is the boundary to LLM execution. It defines the raw event
// stream produced while driving one chat turn and the Executable contract
// implemented by leaf agents and team composites.
//
// A turn is modelled as a single-consumer channel of RawEvent: the producer
// goroutine closes the channel when the turn ends, and cancellation of the
// context stops production before the next event.
package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kadirpekel/maestro/pkg/llms"
	"github.com/kadirpekel/maestro/pkg/observability"
	"github.com/kadirpekel/maestro/pkg/tool"
)

// RawEvent types.
const (
	EventPartialText    = "partial_text"
	EventToolInvocation = "tool_invocation"
	EventToolResult     = "tool_result"
	EventThinking       = "thinking"
	EventFinal          = "final"
	EventError          = "error"
)

// Error kinds carried by error events.
const (
	ErrKindCancelled      = "cancelled"
	ErrKindTimeout        = "timeout"
	ErrKindLoopExhausted  = "loop_exhausted"
	ErrKindRunnerInternal = "runner_internal"
)

// RawEvent is one increment of a turn. Exactly one field group is populated
// according to Type. Origin names the agent that produced the event; team
// composites stamp it so clients can attribute interleaved output.
type RawEvent struct {
	Type string

	// partial_text, thinking, final
	Text string

	// tool_invocation, tool_result
	ToolName string
	ToolArgs map[string]any
	CallID   string
	Payload  string

	// error
	ErrKind    string
	ErrMessage string

	Origin string
}

// Errorf builds an error event.
func Errorf(kind, format string, args ...any) RawEvent {
	return RawEvent{Type: EventError, ErrKind: kind, ErrMessage: fmt.Sprintf(format, args...)}
}

// Request is the input of one turn.
type Request struct {
	SessionID   string
	UserMessage string

	// History is the prior conversation, oldest first, user and assistant
	// turns only.
	History []llms.Message
}

// Executable is anything that can run one turn: a leaf agent instance or a
// team composite. The returned channel is closed when the turn ends; all
// failures surface as error events on the channel.
type Executable interface {
	AgentID() string
	Execute(ctx context.Context, req Request) <-chan RawEvent
}

// BoundTool pairs an LLM-facing definition with its resolved callable.
type BoundTool struct {
	Definition llms.ToolDefinition
	Impl       tool.CallableTool
}

// Bind converts a resolved callable to a bound tool.
func Bind(impl tool.CallableTool) BoundTool {
	def := tool.ToDefinition(impl)
	return BoundTool{
		Definition: llms.ToolDefinition{
			Name:        def.Name,
			Description: def.Description,
			Parameters:  def.Parameters,
		},
		Impl: impl,
	}
}

// Spec describes the leaf execution the runner drives: the composed system
// prompt, bound tools and model parameters of one materialized agent.
type Spec struct {
	AgentID      string
	SystemPrompt string
	Tools        []BoundTool
	Model        string
	Temperature  float64
	MaxTokens    int
}

// LLMRunner drives a leaf turn against a model provider: it streams model
// output, executes requested tools, feeds results back and repeats until the
// model answers without tool calls.
type LLMRunner struct {
	provider      llms.Provider
	metrics       *observability.Metrics
	onToolUse     func(name string)
	maxToolPasses int
}

// NewLLMRunner builds a runner. onToolUse is invoked after every successful
// tool execution (usage counters); it may be nil.
func NewLLMRunner(provider llms.Provider, metrics *observability.Metrics, maxToolPasses int, onToolUse func(string)) *LLMRunner {
	if maxToolPasses < 1 {
		maxToolPasses = 1
	}
	return &LLMRunner{
		provider:      provider,
		metrics:       metrics,
		onToolUse:     onToolUse,
		maxToolPasses: maxToolPasses,
	}
}

// Run executes one leaf turn. The returned channel is closed when the turn
// ends; the last event is final or error unless the context was cancelled.
func (r *LLMRunner) Run(ctx context.Context, spec Spec, req Request) <-chan RawEvent {
	out := make(chan RawEvent, 64)
	go func() {
		defer close(out)
		r.run(ctx, spec, req, out)
	}()
	return out
}

func (r *LLMRunner) run(ctx context.Context, spec Spec, req Request, out chan<- RawEvent) {
	tracer := observability.GetTracer("maestro.runner")
	ctx, span := tracer.Start(ctx, observability.SpanAgentTurn,
		trace.WithAttributes(
			attribute.String(observability.AttrAgentID, spec.AgentID),
			attribute.String(observability.AttrSessionID, req.SessionID),
		),
	)
	defer span.End()

	messages := make([]llms.Message, 0, len(req.History)+2)
	if spec.SystemPrompt != "" {
		messages = append(messages, llms.Message{Role: llms.RoleSystem, Content: spec.SystemPrompt})
	}
	messages = append(messages, req.History...)
	messages = append(messages, llms.Message{Role: llms.RoleUser, Content: req.UserMessage})

	defs := make([]llms.ToolDefinition, len(spec.Tools))
	byName := make(map[string]tool.CallableTool, len(spec.Tools))
	for i, bt := range spec.Tools {
		defs[i] = bt.Definition
		byName[bt.Definition.Name] = bt.Impl
	}

	var acc strings.Builder

	for pass := 0; pass < r.maxToolPasses; pass++ {
		if ctx.Err() != nil {
			return
		}

		chunks, err := r.provider.Stream(ctx, llms.Request{
			Model:       spec.Model,
			Messages:    messages,
			Tools:       defs,
			Temperature: spec.Temperature,
			MaxTokens:   spec.MaxTokens,
		})
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			ev := Errorf(ErrKindRunnerInternal, "model request failed: %v", err)
			ev.Origin = spec.AgentID
			out <- ev
			return
		}

		var passText strings.Builder
		var toolCalls []llms.ToolCall

	consume:
		for {
			select {
			case <-ctx.Done():
				return
			case chunk, ok := <-chunks:
				if !ok {
					break consume
				}
				switch chunk.Type {
				case llms.ChunkTypeText:
					passText.WriteString(chunk.Text)
					acc.WriteString(chunk.Text)
					if !send(ctx, out, RawEvent{Type: EventPartialText, Text: chunk.Text, Origin: spec.AgentID}) {
						return
					}
				case llms.ChunkTypeThinking:
					if !send(ctx, out, RawEvent{Type: EventThinking, Text: chunk.Text, Origin: spec.AgentID}) {
						return
					}
				case llms.ChunkTypeToolCall:
					if chunk.ToolCall != nil {
						toolCalls = append(toolCalls, *chunk.ToolCall)
					}
				case llms.ChunkTypeError:
					span.RecordError(chunk.Err)
					span.SetStatus(codes.Error, chunk.Err.Error())
					ev := Errorf(ErrKindRunnerInternal, "%v", chunk.Err)
					ev.Origin = spec.AgentID
					out <- ev
					return
				}
			}
		}

		if len(toolCalls) == 0 {
			// Model answered without tools: the turn is done. The final
			// event echoes the accumulated text; the streaming handler
			// owns dedup.
			span.SetStatus(codes.Ok, "success")
			send(ctx, out, RawEvent{Type: EventFinal, Text: acc.String(), Origin: spec.AgentID})
			return
		}

		messages = append(messages, llms.Message{
			Role:      llms.RoleAssistant,
			Content:   passText.String(),
			ToolCalls: toolCalls,
		})

		for _, tc := range toolCalls {
			if ctx.Err() != nil {
				return
			}
			if !send(ctx, out, RawEvent{
				Type:     EventToolInvocation,
				ToolName: tc.Name,
				ToolArgs: tc.Args,
				CallID:   tc.ID,
				Origin:   spec.AgentID,
			}) {
				return
			}

			payload := r.executeTool(ctx, byName, tc)
			if !send(ctx, out, RawEvent{
				Type:     EventToolResult,
				ToolName: tc.Name,
				CallID:   tc.ID,
				Payload:  payload,
				Origin:   spec.AgentID,
			}) {
				return
			}

			messages = append(messages, llms.Message{
				Role:       llms.RoleTool,
				Content:    payload,
				ToolCallID: tc.ID,
				ToolName:   tc.Name,
			})
		}
	}

	span.SetStatus(codes.Error, "tool pass limit exceeded")
	ev := Errorf(ErrKindRunnerInternal, "tool pass limit exceeded (%d passes)", r.maxToolPasses)
	ev.Origin = spec.AgentID
	out <- ev
}

func (r *LLMRunner) executeTool(ctx context.Context, byName map[string]tool.CallableTool, tc llms.ToolCall) string {
	impl, ok := byName[tc.Name]
	if !ok {
		return fmt.Sprintf(`{"error": "unknown tool %s"}`, tc.Name)
	}

	tracer := observability.GetTracer("maestro.runner")
	ctx, span := tracer.Start(ctx, observability.SpanToolExecution,
		trace.WithAttributes(attribute.String(observability.AttrToolName, tc.Name)),
	)
	defer span.End()

	start := time.Now()
	result, err := impl.Call(ctx, tc.Args)
	r.metrics.RecordToolCall(tc.Name, time.Since(start), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		slog.Warn("Tool execution failed", "tool", tc.Name, "error", err)
		payload, _ := json.Marshal(map[string]any{"error": err.Error()})
		return string(payload)
	}
	span.SetStatus(codes.Ok, "success")
	if r.onToolUse != nil {
		r.onToolUse(tc.Name)
	}

	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Sprintf("%v", result)
	}
	return string(payload)
}

// send delivers an event unless the context is cancelled first.
func send(ctx context.Context, out chan<- RawEvent, ev RawEvent) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

package streaming

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/kadirpekel/maestro/pkg/agent"
	"github.com/kadirpekel/maestro/pkg/conversation"
	"github.com/kadirpekel/maestro/pkg/llms"
	"github.com/kadirpekel/maestro/pkg/observability"
	"github.com/kadirpekel/maestro/pkg/runner"
)

// dedupThreshold is the minimum final-event length for trimmed-equality
// suppression. Shorter finals fall through to suffix emission, which handles
// them correctly anyway.
const dedupThreshold = 1000

// ErrTurnInProgress is returned when a session already has an active turn.
var ErrTurnInProgress = errors.New("session already has an active turn")

// Handler drives chat turns: it consumes the runner's raw event stream,
// applies the accumulator and dedup rules, persists output through the
// conversation manager and publishes public events to subscribers.
type Handler struct {
	conv    *conversation.Manager
	agents  *agent.Registry
	metrics *observability.Metrics
	hub     *hub

	turnDeadline time.Duration

	mu     sync.Mutex
	active map[string]*activeTurn
}

type activeTurn struct {
	agentID string
	cancel  context.CancelFunc
}

// NewHandler builds a streaming handler and registers itself as the agent
// registry's stop hook.
func NewHandler(conv *conversation.Manager, agents *agent.Registry, metrics *observability.Metrics, turnDeadline time.Duration) *Handler {
	if turnDeadline <= 0 {
		turnDeadline = 120 * time.Second
	}
	h := &Handler{
		conv:         conv,
		agents:       agents,
		metrics:      metrics,
		hub:          newHub(),
		turnDeadline: turnDeadline,
		active:       make(map[string]*activeTurn),
	}
	agents.SetStopHook(h.StopAgent)
	return h
}

// SetTurnDeadline swaps the per-turn wall-clock limit. Applies to turns
// started afterwards; in-flight turns keep their deadline.
func (h *Handler) SetTurnDeadline(d time.Duration) {
	if d <= 0 {
		return
	}
	h.mu.Lock()
	h.turnDeadline = d
	h.mu.Unlock()
}

func (h *Handler) deadline() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.turnDeadline
}

// Subscribe attaches an SSE subscriber to a session. Events published after
// subscription are delivered; the cancel function detaches.
func (h *Handler) Subscribe(sessionID string) (<-chan Event, func()) {
	return h.hub.subscribe(sessionID)
}

// StopSession cancels the session's active turn, if any.
func (h *Handler) StopSession(sessionID string) {
	h.mu.Lock()
	turn, ok := h.active[sessionID]
	h.mu.Unlock()
	if ok {
		turn.cancel()
	}
}

// StopAgent cancels every active turn driving the given agent.
func (h *Handler) StopAgent(agentID string) {
	h.mu.Lock()
	var cancels []context.CancelFunc
	for _, turn := range h.active {
		if turn.agentID == agentID {
			cancels = append(cancels, turn.cancel)
		}
	}
	h.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

// StartTurn appends the user message and drives one turn asynchronously.
// The returned channel carries the turn's events for the caller (in
// addition to hub fan-out) and is closed after the complete event.
//
// Pre-flight failures (unknown session, materialization errors) return an
// error before any event is emitted, so REST callers can map them to status
// codes. Failures after the turn has started surface as error events.
func (h *Handler) StartTurn(ctx context.Context, sessionID, userMessage string) (<-chan Event, error) {
	conv, _, err := h.conv.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	exec, err := h.agents.EnsureInstance(ctx, conv.AgentID)
	if err != nil {
		return nil, err
	}

	// History is captured before the user message is appended; the runner
	// carries the user turn separately.
	history, err := h.history(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	turnCtx, cancel := context.WithTimeout(context.Background(), h.deadline())

	h.mu.Lock()
	if _, exists := h.active[sessionID]; exists {
		h.mu.Unlock()
		cancel()
		return nil, ErrTurnInProgress
	}
	h.active[sessionID] = &activeTurn{agentID: conv.AgentID, cancel: cancel}
	h.mu.Unlock()
	h.metrics.ActiveSessionsInc()

	if _, err := h.conv.Append(ctx, sessionID, conversation.AppendRequest{
		Role:        conversation.RoleUser,
		Content:     userMessage,
		MessageType: conversation.TypeContent,
		IsComplete:  true,
	}); err != nil {
		h.release(sessionID, cancel)
		return nil, err
	}
	h.agents.BumpUsage(ctx, conv.AgentID)

	out := make(chan Event, subscriberBuffer)
	go func() {
		defer close(out)
		defer h.release(sessionID, cancel)
		h.runTurn(turnCtx, sessionID, conv.AgentID, exec, runner.Request{
			SessionID:   sessionID,
			UserMessage: userMessage,
			History:     history,
		}, out)
	}()
	return out, nil
}

func (h *Handler) release(sessionID string, cancel context.CancelFunc) {
	cancel()
	h.mu.Lock()
	delete(h.active, sessionID)
	h.mu.Unlock()
	h.metrics.ActiveSessionsDec()
}

// runTurn is the per-turn state machine: exactly one start and one complete
// event, totally ordered events in between.
func (h *Handler) runTurn(ctx context.Context, sessionID, agentID string, exec runner.Executable, req runner.Request, out chan<- Event) {
	start := time.Now()

	h.emit(out, newEvent(sessionID, EventStart, "", map[string]any{"agent_id": agentID}))

	var acc strings.Builder
	outcome := "ok"
	done := false

	events := exec.Execute(ctx, req)
	for !done {
		select {
		case <-ctx.Done():
			outcome = h.finishCancelled(ctx, sessionID, out, acc.String())
			done = true
			// Drain so the producer goroutine can exit.
			go func() {
				for range events {
				}
			}()
		case ev, ok := <-events:
			if !ok {
				if err := ctx.Err(); err != nil {
					outcome = h.finishCancelled(ctx, sessionID, out, acc.String())
				}
				done = true
				break
			}
			switch res := h.handleRawEvent(ctx, sessionID, ev, &acc, out); res {
			case "":
			case "final":
				done = true
			default:
				// A child error inside a composite does not end the turn:
				// parallel teams keep producing until every child has
				// terminated. Leaf and sequential streams close right after
				// their error, so they still end on channel close.
				if outcome == "ok" {
					outcome = res
				}
			}
		}
	}

	h.persistAssistant(sessionID, acc.String())
	h.emit(out, newEvent(sessionID, EventComplete, acc.String(), nil))
	h.metrics.RecordTurn(agentID, outcome, time.Since(start))
}

// handleRawEvent maps one raw event to public events. The returned string is
// empty to continue, "final" on a clean final, or the kind of a forwarded
// error event; the caller decides whether an error ends the turn.
func (h *Handler) handleRawEvent(ctx context.Context, sessionID string, ev runner.RawEvent, acc *strings.Builder, out chan<- Event) string {
	meta := originMeta(ev.Origin)

	switch ev.Type {
	case runner.EventPartialText:
		acc.WriteString(ev.Text)
		h.emit(out, newEvent(sessionID, EventContent, ev.Text, meta))

	case runner.EventThinking:
		h.emit(out, newEvent(sessionID, EventThinking, ev.Text, meta))

	case runner.EventToolInvocation:
		meta = withOrigin(ev.Origin, map[string]any{
			"tool_name": ev.ToolName,
			"tool_args": ev.ToolArgs,
			"call_id":   ev.CallID,
		})
		h.emit(out, newEvent(sessionID, EventToolCall, "", meta))
		h.persistToolCall(sessionID, ev)

	case runner.EventToolResult:
		meta = withOrigin(ev.Origin, map[string]any{
			"tool_name": ev.ToolName,
			"call_id":   ev.CallID,
			"result":    parsePayload(ev.Payload),
		})
		h.emit(out, newEvent(sessionID, EventToolResponse, "", meta))
		h.persistToolResponse(sessionID, ev)

	case runner.EventFinal:
		if suffix, suppressed := dedupFinal(acc.String(), ev.Text); !suppressed && suffix != "" {
			acc.WriteString(suffix)
			h.emit(out, newEvent(sessionID, EventContent, suffix, meta))
		}
		return "final"

	case runner.EventError:
		kind := ev.ErrKind
		if kind == "" {
			kind = runner.ErrKindRunnerInternal
		}
		h.emit(out, newEvent(sessionID, EventError, ev.ErrMessage, withOrigin(ev.Origin, map[string]any{
			"kind": kind,
		})))
		return kind
	}
	return ""
}

// dedupFinal implements the final-echo rule: a long final whose trimmed text
// equals the accumulator is suppressed entirely; otherwise only the suffix
// beyond the longest common prefix with the accumulator is emitted.
func dedupFinal(acc, final string) (suffix string, suppressed bool) {
	if len(final) > dedupThreshold && strings.TrimSpace(final) == strings.TrimSpace(acc) {
		return "", true
	}
	i := 0
	for i < len(acc) && i < len(final) && acc[i] == final[i] {
		i++
	}
	return final[i:], false
}

func (h *Handler) finishCancelled(ctx context.Context, sessionID string, out chan<- Event, acc string) string {
	kind := runner.ErrKindCancelled
	message := "turn cancelled"
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		kind = runner.ErrKindTimeout
		message = fmt.Sprintf("turn exceeded the %s deadline", h.deadline())
	}
	h.emit(out, newEvent(sessionID, EventError, message, map[string]any{"kind": kind}))
	return kind
}

// emit publishes to subscribers and to the caller channel.
func (h *Handler) emit(out chan<- Event, ev Event) {
	h.hub.publish(ev)
	select {
	case out <- ev:
	default:
		slog.Warn("Dropping event for slow turn consumer",
			"session_id", ev.SessionID, "type", ev.Type)
	}
}

// persistAssistant stores the whole assistant turn as one content message.
func (h *Handler) persistAssistant(sessionID, content string) {
	_, err := h.conv.Append(context.Background(), sessionID, conversation.AppendRequest{
		Role:        conversation.RoleAssistant,
		Content:     content,
		MessageType: conversation.TypeContent,
		IsStreaming: true,
		IsComplete:  true,
	})
	if err != nil {
		slog.Warn("Failed to persist assistant message", "session_id", sessionID, "error", err)
	}
}

func (h *Handler) persistToolCall(sessionID string, ev runner.RawEvent) {
	_, err := h.conv.Append(context.Background(), sessionID, conversation.AppendRequest{
		Role:        conversation.RoleAssistant,
		MessageType: conversation.TypeToolCall,
		ToolName:    ev.ToolName,
		ToolArgs:    ev.ToolArgs,
		ToolCallID:  ev.CallID,
		IsComplete:  true,
		Metadata:    originMeta(ev.Origin),
	})
	if err != nil {
		slog.Warn("Failed to persist tool call", "session_id", sessionID, "error", err)
	}
}

func (h *Handler) persistToolResponse(sessionID string, ev runner.RawEvent) {
	_, err := h.conv.Append(context.Background(), sessionID, conversation.AppendRequest{
		Role:        conversation.RoleTool,
		Content:     ev.Payload,
		MessageType: conversation.TypeToolResponse,
		ToolName:    ev.ToolName,
		ToolCallID:  ev.CallID,
		IsComplete:  true,
		Metadata:    originMeta(ev.Origin),
	})
	if err != nil {
		slog.Warn("Failed to persist tool response", "session_id", sessionID, "error", err)
	}
}

// parsePayload returns the structured form of a tool result when the payload
// is valid JSON, the raw text otherwise.
func parsePayload(payload string) any {
	var structured any
	if err := json.Unmarshal([]byte(payload), &structured); err == nil {
		return structured
	}
	return payload
}

func originMeta(origin string) map[string]any {
	if origin == "" {
		return nil
	}
	return map[string]any{"origin_agent_id": origin}
}

func withOrigin(origin string, meta map[string]any) map[string]any {
	if origin != "" {
		meta["origin_agent_id"] = origin
	}
	return meta
}

// history converts the session's content log into model messages.
func (h *Handler) history(ctx context.Context, sessionID string) ([]llms.Message, error) {
	records, err := h.conv.History(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	out := make([]llms.Message, 0, len(records))
	for _, rec := range records {
		role := llms.RoleUser
		if rec.Role == conversation.RoleAssistant {
			role = llms.RoleAssistant
		}
		out = append(out, llms.Message{Role: role, Content: rec.Content})
	}
	return out, nil
}

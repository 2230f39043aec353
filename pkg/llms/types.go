// Package llms defines the model provider contract and the OpenAI-compatible
// implementation.
package llms

import (
	"context"
	"errors"

	"github.com/kadirpekel/maestro/pkg/registry"
)

// ErrProviderNotFound is returned when no provider is registered under the
// requested name.
var ErrProviderNotFound = errors.New("llm provider not found")

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one entry of the prompt sent to the model.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolName   string     `json:"tool_name,omitempty"`
}

// ToolCall is the model's request to invoke a tool.
type ToolCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// ToolDefinition describes a tool to the model.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// Request is one model invocation.
type Request struct {
	Model       string
	Messages    []Message
	Tools       []ToolDefinition
	Temperature float64
	MaxTokens   int
}

// Response is the non-streaming result of a model invocation.
type Response struct {
	Text       string
	ToolCalls  []ToolCall
	TokensUsed int
}

// Chunk types emitted on the streaming path.
const (
	ChunkTypeText     = "text"
	ChunkTypeThinking = "thinking"
	ChunkTypeToolCall = "tool_call"
	ChunkTypeDone     = "done"
	ChunkTypeError    = "error"
)

// StreamChunk is one increment of a streamed model response. The stream ends
// with exactly one done or error chunk.
type StreamChunk struct {
	Type     string
	Text     string
	ToolCall *ToolCall
	Tokens   int
	Err      error
}

// Provider is a model backend. Stream's channel is closed after the terminal
// chunk; cancellation of ctx stops production promptly.
type Provider interface {
	Name() string
	Generate(ctx context.Context, req Request) (*Response, error)
	Stream(ctx context.Context, req Request) (<-chan StreamChunk, error)
}

// Registry maps provider names to implementations.
type Registry struct {
	*registry.BaseRegistry[Provider]
}

// NewRegistry returns an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{BaseRegistry: registry.NewBaseRegistry[Provider]()}
}

// Resolve returns the provider registered under name.
func (r *Registry) Resolve(name string) (Provider, error) {
	p, ok := r.Get(name)
	if !ok {
		return nil, ErrProviderNotFound
	}
	return p, nil
}

// Package tool defines the callable tool contract and the process-wide tool
// registry.
//
// Tools are capabilities agents can invoke during a turn: a calculator, a
// text analyzer, or another agent exposed behind the "agent:<id>" reference
// form. The registry maps tool names to implementations plus descriptors and
// is the sole source agent materialization resolves against.
package tool

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/kadirpekel/maestro/pkg/registry"
)

// ErrToolUnavailable is returned when a requested tool is missing or
// disabled.
var ErrToolUnavailable = errors.New("tool unavailable")

// AgentRefPrefix marks a tool name that references another agent. Such names
// are never resolved by the registry; the agent registry recognizes them and
// materializes the referenced agent instead.
const AgentRefPrefix = "agent:"

// ParseAgentRef extracts the agent id from an "agent:<id>" tool name.
func ParseAgentRef(name string) (string, bool) {
	if !strings.HasPrefix(name, AgentRefPrefix) {
		return "", false
	}
	id := strings.TrimPrefix(name, AgentRefPrefix)
	return id, id != ""
}

// Tool is the base interface every tool implements.
type Tool interface {
	// Name returns the unique name of the tool.
	Name() string

	// Description explains what the tool does. Shown to the LLM so it can
	// decide when to invoke the tool.
	Description() string
}

// CallableTool extends Tool with synchronous execution.
type CallableTool interface {
	Tool

	// Call executes the tool with the given arguments and blocks until done.
	Call(ctx context.Context, args map[string]any) (map[string]any, error)

	// Schema returns the JSON schema for the tool's parameters, nil when the
	// tool takes none.
	Schema() map[string]any
}

// Descriptor is the durable metadata of a registered tool.
type Descriptor struct {
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Category    string    `json:"category,omitempty"`
	Version     string    `json:"version,omitempty"`
	Author      string    `json:"author,omitempty"`
	IsEnabled   bool      `json:"is_enabled"`
	UsageCount  int64     `json:"usage_count"`
	CreatedAt   time.Time `json:"created_at"`
}

// Entry pairs a descriptor with its implementation.
type Entry struct {
	Descriptor Descriptor
	Impl       CallableTool
}

// Definition is the function-calling view of a tool handed to the LLM.
type Definition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// ToDefinition converts a callable tool to its LLM-facing definition.
func ToDefinition(t CallableTool) Definition {
	return Definition{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters:  t.Schema(),
	}
}

// ListFilter narrows Registry.List.
type ListFilter struct {
	Category    string
	EnabledOnly bool
}

// Registry is the process-wide tool registry. Reads are concurrent; entry
// mutation (disable, usage counters) is serialized by a single writer lock.
type Registry struct {
	mu      sync.Mutex
	entries *registry.BaseRegistry[*Entry]
}

// NewRegistry returns an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: registry.NewBaseRegistry[*Entry](),
	}
}

// Register adds a tool under its descriptor. The descriptor name defaults to
// the implementation's name; registration enables the tool.
func (r *Registry) Register(desc Descriptor, impl CallableTool) error {
	if impl == nil {
		return fmt.Errorf("tool implementation is required")
	}
	if desc.Name == "" {
		desc.Name = impl.Name()
	}
	if desc.Description == "" {
		desc.Description = impl.Description()
	}
	if strings.HasPrefix(desc.Name, AgentRefPrefix) {
		return fmt.Errorf("tool name %q uses the reserved agent reference prefix", desc.Name)
	}
	desc.IsEnabled = true
	if desc.CreatedAt.IsZero() {
		desc.CreatedAt = time.Now().UTC()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entries.Register(desc.Name, &Entry{Descriptor: desc, Impl: impl})
}

// RegisterFunc registers an already-assembled callable under a minimal
// descriptor.
func (r *Registry) RegisterFunc(category string, impl CallableTool) error {
	return r.Register(Descriptor{Category: category}, impl)
}

// Unregister soft-removes a tool by disabling it. The entry stays listed so
// agent definitions that reference it do not dangle.
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries.Get(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrToolUnavailable, name)
	}
	entry.Descriptor.IsEnabled = false
	return nil
}

// Enable re-enables a previously unregistered tool.
func (r *Registry) Enable(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries.Get(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrToolUnavailable, name)
	}
	entry.Descriptor.IsEnabled = true
	return nil
}

// Get returns the descriptor and implementation of an enabled tool.
func (r *Registry) Get(name string) (Descriptor, CallableTool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries.Get(name)
	if !ok || !entry.Descriptor.IsEnabled {
		return Descriptor{}, nil, fmt.Errorf("%w: %s", ErrToolUnavailable, name)
	}
	return entry.Descriptor, entry.Impl, nil
}

// List returns descriptors in registration order, narrowed by filter.
func (r *Registry) List(filter ListFilter) []Descriptor {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Descriptor
	for _, entry := range r.entries.List() {
		if filter.EnabledOnly && !entry.Descriptor.IsEnabled {
			continue
		}
		if filter.Category != "" && entry.Descriptor.Category != filter.Category {
			continue
		}
		out = append(out, entry.Descriptor)
	}
	return out
}

// ResolveMany resolves tool names to callables, preserving input order.
// Missing or disabled names are collected rather than failing, so the caller
// decides between hard-fail and best-effort binding. Agent references are
// never resolved here and are reported as missing if passed in.
func (r *Registry) ResolveMany(names []string) (resolved []CallableTool, missing []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, name := range names {
		entry, ok := r.entries.Get(name)
		if !ok || !entry.Descriptor.IsEnabled {
			missing = append(missing, name)
			continue
		}
		resolved = append(resolved, entry.Impl)
	}
	return resolved, missing
}

// BumpUsage increments a tool's usage counter. Unknown names are ignored.
func (r *Registry) BumpUsage(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, ok := r.entries.Get(name); ok {
		entry.Descriptor.UsageCount++
	}
}

// Count returns the number of registered tools, disabled included.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entries.Count()
}

package team

import (
	"context"

	"github.com/kadirpekel/maestro/pkg/runner"
)

// Hierarchical wraps a coordinator whose tool set includes the remaining
// sub-agents as agent tools. The coordinator drives the whole turn; child
// invocations surface as tool_invocation and tool_result events.
type Hierarchical struct {
	id          string
	coordinator runner.Executable
}

// NewHierarchical builds a hierarchical team around an already-bound
// coordinator.
func NewHierarchical(id string, coordinator runner.Executable) *Hierarchical {
	return &Hierarchical{id: id, coordinator: coordinator}
}

func (t *Hierarchical) AgentID() string { return t.id }

func (t *Hierarchical) Execute(ctx context.Context, req runner.Request) <-chan runner.RawEvent {
	out := make(chan runner.RawEvent, 64)
	go func() {
		defer close(out)
		for ev := range t.coordinator.Execute(ctx, req) {
			if ev.Type == runner.EventFinal {
				ev.Origin = t.id
			}
			if !send(ctx, out, ev) {
				return
			}
		}
	}()
	return out
}

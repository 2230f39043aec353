package team

import (
	"context"

	"github.com/kadirpekel/maestro/pkg/llms"
	"github.com/kadirpekel/maestro/pkg/runner"
)

// Sequential runs its children in order, feeding each step's final output
// into the context of the next. The last step's output becomes the team's
// output; a failing step terminates the pipeline.
type Sequential struct {
	id       string
	children []runner.Executable
}

// NewSequential builds a sequential team.
func NewSequential(id string, children []runner.Executable) *Sequential {
	return &Sequential{id: id, children: children}
}

func (t *Sequential) AgentID() string { return t.id }

func (t *Sequential) Execute(ctx context.Context, req runner.Request) <-chan runner.RawEvent {
	out := make(chan runner.RawEvent, 64)
	go func() {
		defer close(out)

		history := append([]llms.Message(nil), req.History...)
		var lastFinal string

		for _, child := range t.children {
			if ctx.Err() != nil {
				return
			}

			childReq := runner.Request{
				SessionID:   req.SessionID,
				UserMessage: req.UserMessage,
				History:     history,
			}

			final, failed := t.runChild(ctx, child, childReq, out)
			if failed {
				return
			}
			if ctx.Err() != nil {
				return
			}

			lastFinal = final
			history = append(history, llms.Message{Role: llms.RoleAssistant, Content: final})
		}

		send(ctx, out, runner.RawEvent{Type: runner.EventFinal, Text: lastFinal, Origin: t.id})
	}()
	return out
}

// runChild drains one child turn, forwarding everything but the final.
// failed is true when the child emitted an error event, which has already
// been forwarded.
func (t *Sequential) runChild(ctx context.Context, child runner.Executable, req runner.Request, out chan<- runner.RawEvent) (final string, failed bool) {
	for ev := range child.Execute(ctx, req) {
		switch ev.Type {
		case runner.EventFinal:
			final = ev.Text
		case runner.EventError:
			send(ctx, out, ev)
			return "", true
		default:
			if !send(ctx, out, ev) {
				return "", true
			}
		}
	}
	return final, false
}

package team

import (
	"context"

	"github.com/kadirpekel/maestro/pkg/llms"
	"github.com/kadirpekel/maestro/pkg/runner"
)

// Loop runs its children in order and re-enters the first after the last,
// carrying each step's output forward. A child stops iteration by including
// TerminationMarker in its final output; the iteration ceiling turns into a
// loop_exhausted error event.
type Loop struct {
	id            string
	children      []runner.Executable
	maxIterations int
}

// NewLoop builds a loop team.
func NewLoop(id string, children []runner.Executable, maxIterations int) *Loop {
	if maxIterations < 1 {
		maxIterations = 1
	}
	return &Loop{id: id, children: children, maxIterations: maxIterations}
}

func (t *Loop) AgentID() string { return t.id }

func (t *Loop) Execute(ctx context.Context, req runner.Request) <-chan runner.RawEvent {
	out := make(chan runner.RawEvent, 64)
	go func() {
		defer close(out)

		history := append([]llms.Message(nil), req.History...)

		for iteration := 0; iteration < t.maxIterations; iteration++ {
			for _, child := range t.children {
				if ctx.Err() != nil {
					return
				}

				childReq := runner.Request{
					SessionID:   req.SessionID,
					UserMessage: req.UserMessage,
					History:     history,
				}

				var final string
				for ev := range child.Execute(ctx, childReq) {
					switch ev.Type {
					case runner.EventFinal:
						final = ev.Text
					case runner.EventError:
						send(ctx, out, ev)
						return
					default:
						if !send(ctx, out, ev) {
							return
						}
					}
				}
				if ctx.Err() != nil {
					return
				}

				if containsMarker(final) {
					send(ctx, out, runner.RawEvent{Type: runner.EventFinal, Text: stripMarker(final), Origin: t.id})
					return
				}
				history = append(history, llms.Message{Role: llms.RoleAssistant, Content: final})
			}
		}

		ev := runner.Errorf(runner.ErrKindLoopExhausted,
			"loop team %s reached the iteration ceiling (%d)", t.id, t.maxIterations)
		ev.Origin = t.id
		send(ctx, out, ev)
	}()
	return out
}

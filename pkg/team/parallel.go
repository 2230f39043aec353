package team

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/kadirpekel/maestro/pkg/runner"
)

// Parallel runs all children concurrently on the same input. Events from
// different children interleave as they arrive; a child error is forwarded
// tagged with its origin while the other children continue. The composite
// terminates once every child has terminated.
type Parallel struct {
	id          string
	children    []runner.Executable
	mergeBuffer int
	gracePeriod time.Duration
}

// NewParallel builds a parallel team.
func NewParallel(id string, children []runner.Executable, opts Options) *Parallel {
	buffer := opts.MergeBuffer
	if buffer <= 0 {
		buffer = 64
	}
	grace := opts.CancelGracePeriod
	if grace <= 0 {
		grace = 5 * time.Second
	}
	return &Parallel{
		id:          id,
		children:    children,
		mergeBuffer: buffer,
		gracePeriod: grace,
	}
}

func (t *Parallel) AgentID() string { return t.id }

func (t *Parallel) Execute(ctx context.Context, req runner.Request) <-chan runner.RawEvent {
	out := make(chan runner.RawEvent, 64)
	go func() {
		defer close(out)

		merge := make(chan runner.RawEvent, t.mergeBuffer)
		finals := make([]string, len(t.children))

		var wg sync.WaitGroup
		for i, child := range t.children {
			wg.Add(1)
			go func(idx int, child runner.Executable) {
				defer wg.Done()
				for ev := range child.Execute(ctx, req) {
					if ev.Type == runner.EventFinal {
						finals[idx] = ev.Text
						continue
					}
					select {
					case merge <- ev:
					case <-ctx.Done():
						// Keep draining so the child goroutine can finish.
					}
				}
			}(i, child)
		}

		allDone := make(chan struct{})
		go func() {
			wg.Wait()
			close(merge)
			close(allDone)
		}()

		for ev := range merge {
			if !send(ctx, out, ev) {
				// Cancelled: children were signalled through ctx; await
				// their cooperative termination within the grace period.
				select {
				case <-allDone:
				case <-time.After(t.gracePeriod):
				}
				return
			}
		}

		if ctx.Err() != nil {
			return
		}

		send(ctx, out, runner.RawEvent{Type: runner.EventFinal, Text: t.combine(finals), Origin: t.id})
	}()
	return out
}

// combine concatenates child outputs in child order, attributing each block.
func (t *Parallel) combine(finals []string) string {
	var b strings.Builder
	for i, final := range finals {
		if final == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString("[" + t.children[i].AgentID() + "]\n")
		b.WriteString(final)
	}
	return b.String()
}

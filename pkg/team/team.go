// Package team composes agent instances into sequential, parallel,
// hierarchical and loop executables.
//
// A composite is itself a runner.Executable: it forwards the incremental
// events of its children (already tagged with their originating agent id)
// and emits exactly one terminal event of its own, a final on success or an
// error event on failure. Child final events are consumed by the composite
// and never reach the stream.
package team

import (
	"context"
	"strings"
	"time"

	"github.com/kadirpekel/maestro/pkg/runner"
)

// TerminationMarker stops a loop team when it appears in a sub-agent's final
// output.
const TerminationMarker = "[LOOP_DONE]"

// Options carries the runtime tunables composites need.
type Options struct {
	// MaxLoopIterations caps full loop passes per turn.
	MaxLoopIterations int

	// MergeBuffer sizes the merge channel of parallel teams.
	MergeBuffer int

	// CancelGracePeriod bounds the wait for children after cancellation.
	CancelGracePeriod time.Duration
}

// send delivers an event unless the context is cancelled first.
func send(ctx context.Context, out chan<- runner.RawEvent, ev runner.RawEvent) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// stripMarker removes the loop termination marker from a final text.
func stripMarker(text string) string {
	return strings.TrimSpace(strings.ReplaceAll(text, TerminationMarker, ""))
}

func containsMarker(text string) bool {
	return strings.Contains(text, TerminationMarker)
}

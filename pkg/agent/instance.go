package agent

import (
	"context"

	"github.com/kadirpekel/maestro/pkg/runner"
)

// Instance is the materialized, executable form of a leaf agent: composed
// system prompt, bound tools and model parameters. Instances are immutable;
// a definition change produces a new instance.
type Instance struct {
	spec   runner.Spec
	runner *runner.LLMRunner
}

func newInstance(spec runner.Spec, r *runner.LLMRunner) *Instance {
	return &Instance{spec: spec, runner: r}
}

// AgentID returns the id of the agent this instance materializes.
func (i *Instance) AgentID() string { return i.spec.AgentID }

// Spec exposes the resolved execution spec, mainly for tests.
func (i *Instance) Spec() runner.Spec { return i.spec }

// Execute drives one turn through the LLM runner.
func (i *Instance) Execute(ctx context.Context, req runner.Request) <-chan runner.RawEvent {
	return i.runner.Run(ctx, i.spec, req)
}

var _ runner.Executable = (*Instance)(nil)

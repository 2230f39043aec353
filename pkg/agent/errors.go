package agent

import "errors"

// Failure classes of agent lookup and materialization. Handlers map these to
// REST status codes and SSE error kinds.
var (
	ErrAgentNotFound       = errors.New("agent not found")
	ErrCyclicAgentTool     = errors.New("cyclic agent tool reference")
	ErrSubAgentUnavailable = errors.New("sub-agent unavailable")
	ErrValidation          = errors.New("invalid agent definition")
)

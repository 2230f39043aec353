// Package agenttool exposes an agent as a callable tool, the delegation
// primitive behind hierarchical teams and "agent:<id>" tool references.
//
// The wrapped agent runs an isolated nested turn: it receives only the
// request text, not the parent conversation, and its final answer is
// returned as the tool result.
package agenttool

import (
	"context"
	"fmt"
	"strings"

	"github.com/kadirpekel/maestro/pkg/runner"
	"github.com/kadirpekel/maestro/pkg/tool"
)

type agentTool struct {
	target      runner.Executable
	name        string
	description string
}

// New wraps target as a callable tool. name becomes the tool name visible to
// the model (sanitized to the function-calling charset); description tells
// the model when to delegate.
func New(target runner.Executable, name, description string) tool.CallableTool {
	if description == "" {
		description = "Delegate a task to the " + name + " agent"
	}
	return &agentTool{
		target:      target,
		name:        sanitizeName(name),
		description: description,
	}
}

func (t *agentTool) Name() string        { return t.name }
func (t *agentTool) Description() string { return t.description }

func (t *agentTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"request": map[string]any{
				"type":        "string",
				"description": "The task or request for the " + t.name + " agent",
			},
		},
		"required": []string{"request"},
	}
}

// Call runs the target agent to completion and returns its final answer.
func (t *agentTool) Call(ctx context.Context, args map[string]any) (map[string]any, error) {
	request, ok := args["request"].(string)
	if !ok || request == "" {
		return nil, fmt.Errorf("request parameter must be a non-empty string")
	}

	events := t.target.Execute(ctx, runner.Request{UserMessage: request})

	var final string
	var lastText strings.Builder
	for ev := range events {
		switch ev.Type {
		case runner.EventPartialText:
			lastText.WriteString(ev.Text)
		case runner.EventFinal:
			final = ev.Text
		case runner.EventError:
			return nil, fmt.Errorf("sub-agent %s failed: %s", t.target.AgentID(), ev.ErrMessage)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if final == "" {
		final = lastText.String()
	}

	return map[string]any{
		"agent_id": t.target.AgentID(),
		"response": final,
	}, nil
}

// sanitizeName maps an agent name onto the [a-zA-Z0-9_-] charset required by
// function-calling APIs.
func sanitizeName(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

var _ tool.CallableTool = (*agentTool)(nil)

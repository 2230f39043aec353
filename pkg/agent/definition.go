// Package agent owns agent definitions and their materialization into
// executable instances.
//
// Definitions are durable and write through to the store; instances are
// ephemeral, cached per agent id and rebuilt whenever the definition version
// moves (update, tool rebind, config patch).
package agent

import (
	"fmt"
	"time"

	"github.com/kadirpekel/maestro/pkg/store"
	"github.com/kadirpekel/maestro/pkg/tool"
)

// Agent types.
const (
	TypeStandard     = "standard"
	TypeReact        = "react"
	TypeSequential   = "sequential"
	TypeParallel     = "parallel"
	TypeHierarchical = "hierarchical"
	TypeLoop         = "loop"
)

// Planners.
const (
	PlannerNone      = ""
	PlannerPlanReAct = "PlanReActPlanner"
	PlannerBuiltIn   = "BuiltInPlanner"
)

// Definition is the durable description of an agent.
type Definition struct {
	ID       string `json:"agent_id"`
	Name     string `json:"name"`
	Version  int64  `json:"version"`
	IsActive bool   `json:"is_active"`

	Description        string   `json:"description,omitempty"`
	Personality        string   `json:"personality,omitempty"`
	Expertise          []string `json:"expertise,omitempty"`
	CommunicationStyle string   `json:"communication_style,omitempty"`
	Language           string   `json:"language,omitempty"`
	CustomInstructions string   `json:"custom_instructions,omitempty"`

	ModelID         string  `json:"model_id,omitempty"`
	Temperature     float64 `json:"temperature,omitempty"`
	MaxOutputTokens int     `json:"max_output_tokens,omitempty"`
	AgentType       string  `json:"agent_type,omitempty"`
	Planner         string  `json:"planner,omitempty"`

	SubAgentIDs []string `json:"sub_agent_ids,omitempty"`
	ToolNames   []string `json:"tool_names,omitempty"`

	UsageCount int64          `json:"usage_count"`
	CreatedAt  time.Time      `json:"created_at"`
	LastUsedAt time.Time      `json:"last_used_at,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// IsTeam reports whether the agent delegates to sub-agents.
func (d *Definition) IsTeam() bool {
	switch d.AgentType {
	case TypeSequential, TypeParallel, TypeHierarchical, TypeLoop:
		return true
	}
	return false
}

// Clone returns a deep copy so cached definitions never alias caller slices.
func (d *Definition) Clone() *Definition {
	out := *d
	out.Expertise = append([]string(nil), d.Expertise...)
	out.SubAgentIDs = append([]string(nil), d.SubAgentIDs...)
	out.ToolNames = append([]string(nil), d.ToolNames...)
	if d.Metadata != nil {
		out.Metadata = make(map[string]any, len(d.Metadata))
		for k, v := range d.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

// Validate checks the structural invariants of a definition.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("%w: name is required", ErrValidation)
	}

	switch d.AgentType {
	case "", TypeStandard, TypeReact, TypeSequential, TypeParallel, TypeHierarchical, TypeLoop:
	default:
		return fmt.Errorf("%w: unknown agent_type %q", ErrValidation, d.AgentType)
	}

	switch d.Planner {
	case PlannerNone, PlannerPlanReAct, PlannerBuiltIn:
	default:
		return fmt.Errorf("%w: unknown planner %q", ErrValidation, d.Planner)
	}

	if d.Temperature < 0 || d.Temperature > 2 {
		return fmt.Errorf("%w: temperature must be within [0, 2]", ErrValidation)
	}
	if d.MaxOutputTokens < 0 {
		return fmt.Errorf("%w: max_output_tokens must be >= 0", ErrValidation)
	}

	if d.IsTeam() {
		if len(d.SubAgentIDs) == 0 {
			return fmt.Errorf("%w: %s agents require sub_agent_ids", ErrValidation, d.AgentType)
		}
		if len(d.ToolNames) > 0 {
			return fmt.Errorf("%w: team agents orchestrate sub-agents and cannot expose tool_names", ErrValidation)
		}
		if d.AgentType == TypeHierarchical && len(d.SubAgentIDs) < 2 {
			return fmt.Errorf("%w: hierarchical agents require a coordinator and at least one sub-agent", ErrValidation)
		}
		seen := make(map[string]bool, len(d.SubAgentIDs))
		for _, id := range d.SubAgentIDs {
			if id == "" {
				return fmt.Errorf("%w: empty sub_agent_id", ErrValidation)
			}
			if id == d.ID {
				return fmt.Errorf("%w: agent cannot be its own sub-agent", ErrValidation)
			}
			if seen[id] {
				return fmt.Errorf("%w: duplicate sub_agent_id %q", ErrValidation, id)
			}
			seen[id] = true
		}
	} else if len(d.SubAgentIDs) > 0 {
		return fmt.Errorf("%w: sub_agent_ids require a team agent_type", ErrValidation)
	}

	for _, name := range d.ToolNames {
		if name == "" {
			return fmt.Errorf("%w: empty tool name", ErrValidation)
		}
		if ref, ok := tool.ParseAgentRef(name); ok && ref == d.ID {
			return fmt.Errorf("%w: agent cannot reference itself as a tool", ErrValidation)
		}
	}
	return nil
}

func toRecord(d *Definition) *store.Agent {
	return &store.Agent{
		ID:                 d.ID,
		Name:               d.Name,
		Version:            d.Version,
		IsActive:           d.IsActive,
		Description:        d.Description,
		Personality:        d.Personality,
		Expertise:          d.Expertise,
		CommunicationStyle: d.CommunicationStyle,
		Language:           d.Language,
		CustomInstructions: d.CustomInstructions,
		ModelID:            d.ModelID,
		Temperature:        d.Temperature,
		MaxOutputTokens:    d.MaxOutputTokens,
		AgentType:          d.AgentType,
		Planner:            d.Planner,
		SubAgentIDs:        d.SubAgentIDs,
		ToolNames:          d.ToolNames,
		UsageCount:         d.UsageCount,
		CreatedAt:          d.CreatedAt,
		LastUsedAt:         d.LastUsedAt,
		Metadata:           d.Metadata,
	}
}

func fromRecord(a *store.Agent) *Definition {
	return &Definition{
		ID:                 a.ID,
		Name:               a.Name,
		Version:            a.Version,
		IsActive:           a.IsActive,
		Description:        a.Description,
		Personality:        a.Personality,
		Expertise:          a.Expertise,
		CommunicationStyle: a.CommunicationStyle,
		Language:           a.Language,
		CustomInstructions: a.CustomInstructions,
		ModelID:            a.ModelID,
		Temperature:        a.Temperature,
		MaxOutputTokens:    a.MaxOutputTokens,
		AgentType:          a.AgentType,
		Planner:            a.Planner,
		SubAgentIDs:        a.SubAgentIDs,
		ToolNames:          a.ToolNames,
		UsageCount:         a.UsageCount,
		CreatedAt:          a.CreatedAt,
		LastUsedAt:         a.LastUsedAt,
		Metadata:           a.Metadata,
	}
}

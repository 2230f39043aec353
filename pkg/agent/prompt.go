package agent

import "strings"

// ReAct envelope markers. When the PlanReAct planner is active the system
// prompt instructs the model to structure every answer with these markers in
// order.
const (
	MarkerPlanning    = "/*PLANNING*/"
	MarkerAction      = "/*ACTION*/"
	MarkerReasoning   = "/*REASONING*/"
	MarkerFinalAnswer = "/*FINAL_ANSWER*/"
)

// ComposeSystemPrompt builds the system prompt from the persona fields of a
// definition plus the planner envelope when one is selected.
func ComposeSystemPrompt(d *Definition) string {
	var b strings.Builder

	b.WriteString("You are " + d.Name)
	if d.Description != "" {
		b.WriteString(", " + d.Description)
	}
	b.WriteString(".\n")

	if d.Personality != "" {
		b.WriteString("\nPersonality: " + d.Personality + "\n")
	}
	if len(d.Expertise) > 0 {
		b.WriteString("\nAreas of expertise:\n")
		for _, e := range d.Expertise {
			b.WriteString("- " + e + "\n")
		}
	}
	if d.CommunicationStyle != "" {
		b.WriteString("\nCommunication style: " + d.CommunicationStyle + "\n")
	}
	if d.Language != "" {
		b.WriteString("\nAlways respond in " + d.Language + ".\n")
	}
	if d.CustomInstructions != "" {
		b.WriteString("\n" + d.CustomInstructions + "\n")
	}

	if d.Planner == PlannerPlanReAct {
		b.WriteString(reactEnvelope)
	}

	return strings.TrimSpace(b.String())
}

const reactEnvelope = `
Structure every response with the following markers, in this order:

` + MarkerPlanning + `
Lay out the plan: break the request into concrete steps and note which tools you will use.

` + MarkerAction + `
Execute the plan. Invoke tools here when needed.

` + MarkerReasoning + `
Reflect on the results of your actions and how they answer the request.

` + MarkerFinalAnswer + `
Give the final answer. This section is what the user reads.
`

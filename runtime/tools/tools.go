// Package tools implements the frontend tool registry and the execution loop
// that runs tool handlers when an agent seals a tool call.
//
// Tools are registered under (name, agent ID). A tool without an agent ID is
// global and callable by any agent; a scoped tool is only visible to runs of
// its agent and shadows a global tool of the same name there. The registry is
// populated at setup time and read concurrently by runs.
package tools

import (
	"context"
	"encoding/json"

	"goa.design/agui/runtime/message"
)

type (
	// Tool is a callable registered by the client.
	Tool struct {
		// Name is the tool name offered to agents.
		Name string `json:"name"`
		// Description explains the tool to the agent.
		Description string `json:"description,omitempty"`
		// Parameters is the JSON Schema of the arguments object.
		Parameters json.RawMessage `json:"parameters,omitempty"`
		// Handler executes the tool. A tool without handler is offered to
		// agents but treated as having no handler when called.
		Handler Handler `json:"-"`
		// AgentID scopes the tool to one agent. Empty means global.
		AgentID string `json:"agentId,omitempty"`
		// Available set to false hides the tool from agents. Unset means
		// available.
		Available *bool `json:"available,omitempty"`
		// FollowUp set to false stops the run after the tool result instead
		// of re-invoking the agent. Unset means true.
		FollowUp *bool `json:"followUp,omitempty"`
	}

	// Definition is the description of a tool sent to agents.
	Definition struct {
		Name        string          `json:"name"`
		Description string          `json:"description,omitempty"`
		Parameters  json.RawMessage `json:"parameters,omitempty"`
	}

	// Handler executes a tool call. args is the decoded arguments object. The
	// returned value is sent back to the agent: strings verbatim, anything
	// else JSON encoded. A returned error is reported to the agent as an error
	// result and does not fail the run.
	Handler interface {
		HandleTool(ctx context.Context, args map[string]any, call Call) (any, error)
	}

	// HandlerFunc adapts a function to Handler.
	HandlerFunc func(ctx context.Context, args map[string]any, call Call) (any, error)

	// Call carries the context of a tool invocation.
	Call struct {
		// ToolCall is the sealed call being executed.
		ToolCall message.ToolCall
		// Agent describes the run that issued the call.
		Agent AgentInfo
	}

	// AgentInfo identifies the agent run issuing a tool call.
	AgentInfo struct {
		ID       string
		ThreadID string
		RunID    string
	}
)

// HandleTool calls f.
func (f HandlerFunc) HandleTool(ctx context.Context, args map[string]any, call Call) (any, error) {
	return f(ctx, args, call)
}

// Bool returns a pointer to b, for Tool.Available and Tool.FollowUp.
func Bool(b bool) *bool { return &b }

// IsAvailable reports whether the tool may be offered to agents.
func (t Tool) IsAvailable() bool { return t.Available == nil || *t.Available }

// FollowsUp reports whether the agent is re-invoked after the tool result.
func (t Tool) FollowsUp() bool { return t.FollowUp == nil || *t.FollowUp }

// Definition returns the description of t sent to agents.
func (t Tool) Definition() Definition {
	return Definition{Name: t.Name, Description: t.Description, Parameters: t.Parameters}
}

// Package message defines the reconstructed conversation projections built from
// the event stream: complete messages and the tool calls attached to them.
// Unlike events, these values describe finished content and are what agent
// backends receive as history on every turn.
package message

type (
	// Role identifies the author of a message.
	Role string

	// Message is a complete conversation message. Messages produced by the
	// stream reconstructor are immutable once sealed except for ToolCalls,
	// which accumulate as tool calls referencing the message as their parent
	// are sealed.
	Message struct {
		// ID uniquely identifies the message within a thread.
		ID string `json:"id"`
		// Role is the author role.
		Role Role `json:"role"`
		// Content is the concatenated text content.
		Content string `json:"content,omitempty"`
		// ToolCalls lists the tool calls issued by an assistant message.
		ToolCalls []ToolCall `json:"toolCalls,omitempty"`
		// ToolCallID links a tool message to the call it answers.
		ToolCallID string `json:"toolCallId,omitempty"`
		// Name optionally names the author (for example an agent name).
		Name string `json:"name,omitempty"`
	}

	// ToolCall is a sealed tool invocation. Arguments is valid JSON once the
	// call has been sealed by its TOOL_CALL_END event.
	ToolCall struct {
		// ID is the tool call identifier.
		ID string `json:"id"`
		// Name is the tool name.
		Name string `json:"name"`
		// Arguments is the raw JSON arguments document.
		Arguments string `json:"arguments"`
		// ParentMessageID is the assistant message that issued the call, if any.
		ParentMessageID string `json:"parentMessageId,omitempty"`
	}
)

const (
	RoleSystem    Role = "system"
	RoleDeveloper Role = "developer"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleDeveloper, RoleUser, RoleAssistant, RoleTool:
		return true
	}
	return false
}

// Clone returns a deep copy of m.
func (m Message) Clone() Message {
	out := m
	if len(m.ToolCalls) > 0 {
		out.ToolCalls = append([]ToolCall(nil), m.ToolCalls...)
	}
	return out
}

// CloneAll returns a deep copy of msgs.
func CloneAll(msgs []Message) []Message {
	if msgs == nil {
		return nil
	}
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Clone()
	}
	return out
}

// LastAssistant returns the ID of the most recent assistant message in msgs and
// reports whether one was found.
func LastAssistant(msgs []Message) (string, bool) {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == RoleAssistant {
			return msgs[i].ID, true
		}
	}
	return "", false
}

// ResultMessageID returns the ID of the tool message carrying the result of
// toolCallID when the producer did not assign one.
func ResultMessageID(toolCallID string) string { return toolCallID + "-result" }

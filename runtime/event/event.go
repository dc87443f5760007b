// Package event defines the agent run event protocol: the closed set of wire
// events exchanged between agent backends, the runtime, and clients.
//
// Every event belongs to exactly one run identified by a thread ID and a run ID.
// Events are immutable values; the runtime consumes them in emission order and
// re-encodes them unmodified in content. The set is closed: Event carries an
// unexported marker method so only the variants declared here satisfy it, and
// Marshal/Unmarshal reject unknown types.
//
// Wire encoding is a JSON object tagged by a "type" discriminator with camelCase
// fields, for example:
//
//	{"type":"TEXT_MESSAGE_CONTENT","messageId":"m1","delta":"Hi"}
package event

import (
	"encoding/json"

	"goa.design/agui/runtime/message"
)

type (
	// Type is the wire discriminator of an event.
	Type string

	// Event is implemented by every protocol event variant.
	Event interface {
		// Type returns the wire discriminator.
		Type() Type
		isEvent()
	}

	// Meta carries fields common to every event.
	Meta struct {
		// Timestamp is the optional emission time in Unix milliseconds.
		Timestamp int64 `json:"timestamp,omitempty"`
	}

	// RunStarted opens a run. It must be the first event of every run.
	RunStarted struct {
		Meta
		ThreadID    string `json:"threadId"`
		RunID       string `json:"runId"`
		ParentRunID string `json:"parentRunId,omitempty"`
	}

	// RunFinished terminates a run successfully.
	RunFinished struct {
		Meta
		ThreadID string          `json:"threadId"`
		RunID    string          `json:"runId"`
		Result   json.RawMessage `json:"result,omitempty"`
	}

	// RunError terminates a run with an error.
	RunError struct {
		Meta
		Message string `json:"message"`
		Code    string `json:"code,omitempty"`
	}

	// StepStarted marks the beginning of a named backend step.
	StepStarted struct {
		Meta
		StepName string `json:"stepName"`
	}

	// StepFinished marks the end of a named backend step.
	StepFinished struct {
		Meta
		StepName string `json:"stepName"`
	}

	// TextMessageStart opens a text message buffer.
	TextMessageStart struct {
		Meta
		MessageID string       `json:"messageId"`
		Role      message.Role `json:"role"`
	}

	// TextMessageContent appends a delta to an open text message.
	TextMessageContent struct {
		Meta
		MessageID string `json:"messageId"`
		Delta     string `json:"delta"`
	}

	// TextMessageEnd seals a text message.
	TextMessageEnd struct {
		Meta
		MessageID string `json:"messageId"`
	}

	// TextMessageChunk substitutes for the start/content/end triad. The
	// first chunk for a message ID opens the message, defaulting the role
	// to assistant.
	TextMessageChunk struct {
		Meta
		MessageID string       `json:"messageId"`
		Role      message.Role `json:"role,omitempty"`
		Delta     string       `json:"delta,omitempty"`
	}

	// ToolCallStart opens a tool call argument buffer.
	ToolCallStart struct {
		Meta
		ToolCallID      string `json:"toolCallId"`
		ToolCallName    string `json:"toolCallName"`
		ParentMessageID string `json:"parentMessageId,omitempty"`
	}

	// ToolCallArgs appends a JSON fragment to an open tool call. Fragments
	// concatenate to valid JSON only once the matching ToolCallEnd is seen.
	ToolCallArgs struct {
		Meta
		ToolCallID string `json:"toolCallId"`
		Delta      string `json:"delta"`
	}

	// ToolCallEnd seals a tool call.
	ToolCallEnd struct {
		Meta
		ToolCallID string `json:"toolCallId"`
	}

	// ToolCallChunk substitutes for the tool call start/args/end triad. The
	// first chunk for a tool call ID must carry the tool name.
	ToolCallChunk struct {
		Meta
		ToolCallID      string `json:"toolCallId"`
		ToolCallName    string `json:"toolCallName,omitempty"`
		ParentMessageID string `json:"parentMessageId,omitempty"`
		Delta           string `json:"delta,omitempty"`
	}

	// ToolCallResult carries the serialized result of a tool call.
	ToolCallResult struct {
		Meta
		MessageID  string       `json:"messageId,omitempty"`
		ToolCallID string       `json:"toolCallId"`
		Content    string       `json:"content"`
		Role       message.Role `json:"role,omitempty"`
	}

	// StateSnapshot replaces the shared state.
	StateSnapshot struct {
		Meta
		Snapshot json.RawMessage `json:"snapshot"`
	}

	// StateDelta patches the shared state with RFC 6902 operations applied
	// in order.
	StateDelta struct {
		Meta
		Delta []PatchOperation `json:"delta"`
	}

	// MessagesSnapshot replaces the conversation history.
	MessagesSnapshot struct {
		Meta
		Messages []message.Message `json:"messages"`
	}

	// Interrupt suspends the run until the consumer resolves it.
	Interrupt struct {
		Meta
		Name  string          `json:"name"`
		Value json.RawMessage `json:"value,omitempty"`
	}

	// Custom carries an application-defined named value.
	Custom struct {
		Meta
		Name  string          `json:"name"`
		Value json.RawMessage `json:"value,omitempty"`
	}

	// Raw wraps an event from an external system verbatim.
	Raw struct {
		Meta
		Event  json.RawMessage `json:"event"`
		Source string          `json:"source,omitempty"`
	}

	// PatchOperation is a single RFC 6902 JSON Patch operation.
	PatchOperation struct {
		Op    string          `json:"op"`
		Path  string          `json:"path"`
		From  string          `json:"from,omitempty"`
		Value json.RawMessage `json:"value,omitempty"`
	}
)

const (
	TypeRunStarted         Type = "RUN_STARTED"
	TypeRunFinished        Type = "RUN_FINISHED"
	TypeRunError           Type = "RUN_ERROR"
	TypeStepStarted        Type = "STEP_STARTED"
	TypeStepFinished       Type = "STEP_FINISHED"
	TypeTextMessageStart   Type = "TEXT_MESSAGE_START"
	TypeTextMessageContent Type = "TEXT_MESSAGE_CONTENT"
	TypeTextMessageEnd     Type = "TEXT_MESSAGE_END"
	TypeTextMessageChunk   Type = "TEXT_MESSAGE_CHUNK"
	TypeToolCallStart      Type = "TOOL_CALL_START"
	TypeToolCallArgs       Type = "TOOL_CALL_ARGS"
	TypeToolCallEnd        Type = "TOOL_CALL_END"
	TypeToolCallChunk      Type = "TOOL_CALL_CHUNK"
	TypeToolCallResult     Type = "TOOL_CALL_RESULT"
	TypeStateSnapshot      Type = "STATE_SNAPSHOT"
	TypeStateDelta         Type = "STATE_DELTA"
	TypeMessagesSnapshot   Type = "MESSAGES_SNAPSHOT"
	TypeInterrupt          Type = "INTERRUPT"
	TypeCustom             Type = "CUSTOM"
	TypeRaw                Type = "RAW"
)

// Error codes carried by RunError events produced by the runtime.
const (
	CodeIncompleteStream     = "INCOMPLETE_STREAM"
	CodeAgentError           = "AGENT_ERROR"
	CodeMaxTurnsExceeded     = "MAX_TURNS_EXCEEDED"
	CodeMessageNotOpen       = "MESSAGE_NOT_OPEN"
	CodeMessageAlreadyOpen   = "MESSAGE_ALREADY_OPEN"
	CodeToolCallNotOpen      = "TOOL_CALL_NOT_OPEN"
	CodeToolCallAlreadyOpen  = "TOOL_CALL_ALREADY_OPEN"
	CodeInvalidToolArguments = "INVALID_TOOL_ARGUMENTS"
	CodeStateNotInitialized  = "STATE_NOT_INITIALIZED"
	CodeStatePatchFailed     = "STATE_PATCH_FAILED"
)

func (RunStarted) Type() Type         { return TypeRunStarted }
func (RunFinished) Type() Type        { return TypeRunFinished }
func (RunError) Type() Type           { return TypeRunError }
func (StepStarted) Type() Type        { return TypeStepStarted }
func (StepFinished) Type() Type       { return TypeStepFinished }
func (TextMessageStart) Type() Type   { return TypeTextMessageStart }
func (TextMessageContent) Type() Type { return TypeTextMessageContent }
func (TextMessageEnd) Type() Type     { return TypeTextMessageEnd }
func (TextMessageChunk) Type() Type   { return TypeTextMessageChunk }
func (ToolCallStart) Type() Type      { return TypeToolCallStart }
func (ToolCallArgs) Type() Type       { return TypeToolCallArgs }
func (ToolCallEnd) Type() Type        { return TypeToolCallEnd }
func (ToolCallChunk) Type() Type      { return TypeToolCallChunk }
func (ToolCallResult) Type() Type     { return TypeToolCallResult }
func (StateSnapshot) Type() Type      { return TypeStateSnapshot }
func (StateDelta) Type() Type         { return TypeStateDelta }
func (MessagesSnapshot) Type() Type   { return TypeMessagesSnapshot }
func (Interrupt) Type() Type          { return TypeInterrupt }
func (Custom) Type() Type             { return TypeCustom }
func (Raw) Type() Type                { return TypeRaw }

func (RunStarted) isEvent()         {}
func (RunFinished) isEvent()        {}
func (RunError) isEvent()           {}
func (StepStarted) isEvent()        {}
func (StepFinished) isEvent()       {}
func (TextMessageStart) isEvent()   {}
func (TextMessageContent) isEvent() {}
func (TextMessageEnd) isEvent()     {}
func (TextMessageChunk) isEvent()   {}
func (ToolCallStart) isEvent()      {}
func (ToolCallArgs) isEvent()       {}
func (ToolCallEnd) isEvent()        {}
func (ToolCallChunk) isEvent()      {}
func (ToolCallResult) isEvent()     {}
func (StateSnapshot) isEvent()      {}
func (StateDelta) isEvent()         {}
func (MessagesSnapshot) isEvent()   {}
func (Interrupt) isEvent()          {}
func (Custom) isEvent()             {}
func (Raw) isEvent()                {}

// IsTerminal reports whether e ends a run.
func IsTerminal(e Event) bool {
	switch e.(type) {
	case RunFinished, RunError:
		return true
	}
	return false
}

// IsState reports whether e mutates the shared state.
func IsState(e Event) bool {
	switch e.(type) {
	case StateSnapshot, StateDelta:
		return true
	}
	return false
}

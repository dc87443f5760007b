// Package toolerrors provides structured error types for tool invocation
// failures and the status payloads carried by TOOL_CALL_RESULT events when a
// tool could not produce a regular result. ToolError preserves error chains and
// supports errors.Is/As.
package toolerrors

import (
	"encoding/json"
	"errors"
	"fmt"
)

type (
	// ToolError represents a structured tool failure. Reason is a stable
	// machine-readable code; Message is the human-readable summary. Tool
	// errors may be nested via Cause to retain diagnostics.
	ToolError struct {
		Reason  string
		Message string
		Cause   *ToolError
	}

	// Status is the JSON object written as the content of a result that
	// reports a non-success outcome, for example
	// {"status":"stopped","reason":"stop_requested"}.
	Status struct {
		Status string `json:"status"`
		Reason string `json:"reason,omitempty"`
		Error  string `json:"error,omitempty"`
	}
)

// Status values.
const (
	StatusError   = "error"
	StatusStopped = "stopped"
)

// Reasons carried by status payloads.
const (
	ReasonStopRequested        = "stop_requested"
	ReasonMissingTerminalEvent = "missing_terminal_event"
	ReasonHandlerError         = "handler_error"
	ReasonHandlerPanic         = "handler_panic"
	ReasonInvalidArguments     = "invalid_arguments"
	ReasonNoHandler            = "no_handler"
)

// New constructs a ToolError with the provided reason and message.
func New(reason, message string) *ToolError {
	if message == "" {
		message = "tool error"
	}
	return &ToolError{Reason: reason, Message: message}
}

// NewWithCause constructs a ToolError wrapping cause. The cause is converted
// into a ToolError chain so it survives serialization.
func NewWithCause(reason, message string, cause error) *ToolError {
	if message == "" && cause != nil {
		message = cause.Error()
	}
	return &ToolError{Reason: reason, Message: message, Cause: FromError(cause)}
}

// FromError converts an arbitrary error into a ToolError chain.
func FromError(err error) *ToolError {
	if err == nil {
		return nil
	}
	var te *ToolError
	if errors.As(err, &te) {
		return te
	}
	return &ToolError{
		Reason:  ReasonHandlerError,
		Message: err.Error(),
		Cause:   FromError(errors.Unwrap(err)),
	}
}

// Errorf formats a handler error message.
func Errorf(format string, args ...any) *ToolError {
	return New(ReasonHandlerError, fmt.Sprintf(format, args...))
}

// Error implements error.
func (e *ToolError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

// Unwrap returns the cause.
func (e *ToolError) Unwrap() error {
	if e == nil || e.Cause == nil {
		return nil
	}
	return e.Cause
}

// Status returns the result payload describing e.
func (e *ToolError) Status() Status {
	reason := e.Reason
	if reason == "" {
		reason = ReasonHandlerError
	}
	return Status{Status: StatusError, Reason: reason, Error: e.Message}
}

// Content encodes s as the content string of a TOOL_CALL_RESULT.
func (s Status) Content() string {
	b, _ := json.Marshal(s)
	return string(b)
}

// Stopped is the payload of a tool call interrupted by a stop request.
func Stopped() Status { return Status{Status: StatusStopped, Reason: ReasonStopRequested} }

// Failed is the payload of a tool call cut off by an abnormal termination.
func Failed(reason string) Status { return Status{Status: StatusError, Reason: reason} }

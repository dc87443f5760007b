package event

import "github.com/google/uuid"

// NewThreadID returns a unique thread identifier.
func NewThreadID() string { return "thread-" + uuid.NewString() }

// NewRunID returns a unique run identifier.
func NewRunID() string { return "run-" + uuid.NewString() }

// NewMessageID returns a unique message identifier.
func NewMessageID() string { return "msg-" + uuid.NewString() }

// NewToolCallID returns a unique tool call identifier.
func NewToolCallID() string { return "call-" + uuid.NewString() }

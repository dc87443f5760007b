package event

import "fmt"

// SequenceError describes the first structural violation found by
// ValidateSequence.
type SequenceError struct {
	// Index is the position of the offending event.
	Index int
	// Reason describes the violation.
	Reason string
}

func (e *SequenceError) Error() string {
	return fmt.Sprintf("event: invalid sequence at %d: %s", e.Index, e.Reason)
}

// ValidateSequence checks that events form a well-formed run: RUN_STARTED
// first, exactly one terminal event last, and every text message and tool
// call opened (explicitly or by a first chunk) closed before the terminal
// event with all deltas falling between open and close. A chunk-opened item is
// also closed by a chunk of the same kind carrying a different ID or by the
// terminal event.
func ValidateSequence(events []Event) error {
	if len(events) == 0 {
		return &SequenceError{Index: 0, Reason: "empty sequence"}
	}
	if _, ok := events[0].(RunStarted); !ok {
		return &SequenceError{Index: 0, Reason: fmt.Sprintf("first event is %s, want %s", events[0].Type(), TypeRunStarted)}
	}
	var (
		openMsgs   = map[string]bool{}
		openCalls  = map[string]bool{}
		seenMsgs   = map[string]bool{}
		sealedCall = map[string]bool{}
		chunkMsg   string
		chunkCall  string
	)
	closeChunkMsg := func() {
		if chunkMsg != "" {
			delete(openMsgs, chunkMsg)
			chunkMsg = ""
		}
	}
	closeChunkCall := func() {
		if chunkCall != "" {
			delete(openCalls, chunkCall)
			sealedCall[chunkCall] = true
			chunkCall = ""
		}
	}
	for i, e := range events {
		fail := func(format string, args ...any) error {
			return &SequenceError{Index: i, Reason: fmt.Sprintf(format, args...)}
		}
		if i > 0 {
			if _, ok := e.(RunStarted); ok {
				return fail("duplicate %s", TypeRunStarted)
			}
		}
		switch ev := e.(type) {
		case TextMessageStart:
			if seenMsgs[ev.MessageID] {
				return fail("message %q already started", ev.MessageID)
			}
			seenMsgs[ev.MessageID] = true
			openMsgs[ev.MessageID] = true
		case TextMessageContent:
			if !openMsgs[ev.MessageID] {
				return fail("content for message %q with no open buffer", ev.MessageID)
			}
		case TextMessageChunk:
			if chunkMsg != "" && chunkMsg != ev.MessageID {
				closeChunkMsg()
			}
			if !openMsgs[ev.MessageID] {
				if seenMsgs[ev.MessageID] {
					return fail("chunk for sealed message %q", ev.MessageID)
				}
				seenMsgs[ev.MessageID] = true
				openMsgs[ev.MessageID] = true
				chunkMsg = ev.MessageID
			}
		case TextMessageEnd:
			if !openMsgs[ev.MessageID] {
				return fail("end for message %q with no open buffer", ev.MessageID)
			}
			delete(openMsgs, ev.MessageID)
			if chunkMsg == ev.MessageID {
				chunkMsg = ""
			}
		case ToolCallStart:
			if openCalls[ev.ToolCallID] || sealedCall[ev.ToolCallID] {
				return fail("tool call %q already started", ev.ToolCallID)
			}
			openCalls[ev.ToolCallID] = true
		case ToolCallArgs:
			if !openCalls[ev.ToolCallID] {
				return fail("args for tool call %q with no open buffer", ev.ToolCallID)
			}
		case ToolCallChunk:
			if chunkCall != "" && chunkCall != ev.ToolCallID {
				closeChunkCall()
			}
			if !openCalls[ev.ToolCallID] {
				if sealedCall[ev.ToolCallID] {
					return fail("chunk for sealed tool call %q", ev.ToolCallID)
				}
				openCalls[ev.ToolCallID] = true
				chunkCall = ev.ToolCallID
			}
		case ToolCallEnd:
			if !openCalls[ev.ToolCallID] {
				return fail("end for tool call %q with no open buffer", ev.ToolCallID)
			}
			delete(openCalls, ev.ToolCallID)
			sealedCall[ev.ToolCallID] = true
			if chunkCall == ev.ToolCallID {
				chunkCall = ""
			}
		case ToolCallResult:
			if !sealedCall[ev.ToolCallID] {
				if chunkCall != ev.ToolCallID {
					return fail("result for unsealed tool call %q", ev.ToolCallID)
				}
				closeChunkCall()
			}
		case RunFinished, RunError:
			if i != len(events)-1 {
				return fail("terminal %s is not the last event", e.Type())
			}
			closeChunkMsg()
			closeChunkCall()
			if len(openMsgs) > 0 {
				return fail("%d text message(s) left open", len(openMsgs))
			}
			if len(openCalls) > 0 {
				return fail("%d tool call(s) left open", len(openCalls))
			}
		}
	}
	if !IsTerminal(events[len(events)-1]) {
		return &SequenceError{Index: len(events) - 1, Reason: "missing terminal event"}
	}
	return nil
}

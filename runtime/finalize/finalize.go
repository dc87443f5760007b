// Package finalize guarantees that every delivered event sequence is
// structurally well-formed however the agent backend stream ended.
//
// A Tracker observes events as they are delivered and, when the run ends,
// produces the tail that closes every open text message and tool call and
// terminates the run. Complete applies the same repair to a whole recorded
// sequence. Both are idempotent on well-formed input.
package finalize

import (
	"sync"

	"goa.design/agui/runtime/event"
	"goa.design/agui/runtime/message"
	"goa.design/agui/runtime/toolerrors"
)

type (
	// Options describes how the run ended.
	Options struct {
		// ThreadID and RunID identify the run in synthesized lifecycle events.
		ThreadID string
		RunID    string
		// StopRequested reports a caller-requested stop. The run terminates
		// with RUN_FINISHED and open tool calls get a stopped status.
		StopRequested bool
		// Failure, when set, terminates the run with RUN_ERROR carrying its
		// code instead of INCOMPLETE_STREAM.
		Failure *Failure
	}

	// Failure is the cause of a run ending in error.
	Failure struct {
		Code    string
		Message string
	}

	// Tracker records which text messages and tool calls are open in a
	// delivered event stream. It is safe for concurrent use.
	Tracker struct {
		mu        sync.Mutex
		started   bool
		terminal  bool
		texts     []string
		openText  map[string]bool
		seenText  map[string]bool
		chunkText string
		calls     []string
		openCall  map[string]bool
		seenCall  map[string]bool
		chunkCall string
	}
)

// IncompleteMessage is the RUN_ERROR message used when a stream ends without
// a terminal event.
const IncompleteMessage = "agent stream ended without RUN_FINISHED or RUN_ERROR"

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		openText: make(map[string]bool),
		seenText: make(map[string]bool),
		openCall: make(map[string]bool),
		seenCall: make(map[string]bool),
	}
}

// Observe records a delivered event.
func (t *Tracker) Observe(e event.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.observe(e)
}

func (t *Tracker) observe(e event.Event) {
	switch ev := e.(type) {
	case event.RunStarted:
		t.started = true
	case event.RunFinished, event.RunError:
		t.terminal = true
	case event.TextMessageStart:
		t.openTextMsg(ev.MessageID)
	case event.TextMessageChunk:
		id := ev.MessageID
		if id == "" {
			id = t.chunkText
		}
		if id == "" {
			return
		}
		if t.chunkText != "" && t.chunkText != id {
			t.closeText(t.chunkText)
		}
		if !t.openText[id] && !t.seenText[id] {
			t.openTextMsg(id)
			t.chunkText = id
		}
	case event.TextMessageEnd:
		t.closeText(ev.MessageID)
	case event.ToolCallStart:
		t.openToolCall(ev.ToolCallID)
	case event.ToolCallChunk:
		id := ev.ToolCallID
		if id == "" {
			id = t.chunkCall
		}
		if id == "" {
			return
		}
		if t.chunkCall != "" && t.chunkCall != id {
			t.closeCall(t.chunkCall)
		}
		if !t.openCall[id] && !t.seenCall[id] {
			t.openToolCall(id)
			t.chunkCall = id
		}
	case event.ToolCallEnd:
		t.closeCall(ev.ToolCallID)
	case event.ToolCallResult:
		if t.chunkCall == ev.ToolCallID {
			t.closeCall(ev.ToolCallID)
		}
	}
}

func (t *Tracker) openTextMsg(id string) {
	if t.openText[id] {
		return
	}
	t.openText[id] = true
	t.seenText[id] = true
	t.texts = append(t.texts, id)
}

func (t *Tracker) closeText(id string) {
	if !t.openText[id] {
		return
	}
	delete(t.openText, id)
	t.texts = remove(t.texts, id)
	if t.chunkText == id {
		t.chunkText = ""
	}
}

func (t *Tracker) openToolCall(id string) {
	if t.openCall[id] {
		return
	}
	t.openCall[id] = true
	t.seenCall[id] = true
	t.calls = append(t.calls, id)
}

func (t *Tracker) closeCall(id string) {
	if !t.openCall[id] {
		return
	}
	delete(t.openCall, id)
	t.calls = remove(t.calls, id)
	if t.chunkCall == id {
		t.chunkCall = ""
	}
}

// Started reports whether RUN_STARTED was observed.
func (t *Tracker) Started() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.started
}

// Terminated reports whether a terminal event was observed.
func (t *Tracker) Terminated() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.terminal
}

// Open returns the IDs of open text messages and tool calls in the order
// they were opened.
func (t *Tracker) Open() (texts, calls []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.texts...), append([]string(nil), t.calls...)
}

// Finalize returns the events that complete the observed stream and records
// them as delivered, so a second call returns nil.
//
// Open text messages get TEXT_MESSAGE_END and open tool calls TOOL_CALL_END.
// When no terminal event was observed, each closed tool call also gets a
// synthetic TOOL_CALL_RESULT with a status payload and a terminal event is
// appended: RUN_FINISHED on a requested stop, RUN_ERROR otherwise. When a
// terminal event was already observed nothing is appended after it, so the
// returned closures are only meaningful to callers inserting them before
// the terminal event (see Complete).
func (t *Tracker) Finalize(opts Options) []event.Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.terminal && len(t.texts) == 0 && len(t.calls) == 0 {
		return nil
	}
	var out []event.Event
	if !t.started && !t.terminal {
		out = append(out, event.RunStarted{ThreadID: opts.ThreadID, RunID: opts.RunID})
	}
	for _, id := range t.texts {
		out = append(out, event.TextMessageEnd{MessageID: id})
	}
	status := opts.status()
	for _, id := range t.calls {
		out = append(out, event.ToolCallEnd{ToolCallID: id})
		if !t.terminal {
			out = append(out, event.ToolCallResult{
				MessageID:  message.ResultMessageID(id),
				ToolCallID: id,
				Content:    status.Content(),
				Role:       message.RoleTool,
			})
		}
	}
	if !t.terminal {
		out = append(out, opts.terminal())
	}
	for _, e := range out {
		t.observe(e)
	}
	return out
}

// Complete returns events repaired into a well-formed run. A sequence that
// is already well-formed is returned unchanged. Events following the first
// terminal event are dropped; open items at that point are closed right
// before it without synthesizing results. A sequence without terminal event
// is closed as described by Tracker.Finalize.
func Complete(events []event.Event, opts Options) []event.Event {
	out := make([]event.Event, 0, len(events)+2)
	t := NewTracker()
	if len(events) == 0 || !isRunStarted(events[0]) {
		start := event.RunStarted{ThreadID: opts.ThreadID, RunID: opts.RunID}
		t.observe(start)
		out = append(out, start)
	}
	for _, e := range events {
		if event.IsTerminal(e) {
			for _, id := range t.texts {
				out = append(out, event.TextMessageEnd{MessageID: id})
			}
			for _, id := range t.calls {
				out = append(out, event.ToolCallEnd{ToolCallID: id})
			}
			return append(out, e)
		}
		t.observe(e)
		out = append(out, e)
	}
	return append(out, t.Finalize(opts)...)
}

func isRunStarted(e event.Event) bool {
	_, ok := e.(event.RunStarted)
	return ok
}

func (o Options) status() toolerrors.Status {
	switch {
	case o.StopRequested:
		return toolerrors.Stopped()
	case o.Failure != nil:
		return toolerrors.Status{Status: toolerrors.StatusError, Reason: o.Failure.Code}
	default:
		return toolerrors.Status{Status: toolerrors.StatusError, Reason: toolerrors.ReasonMissingTerminalEvent}
	}
}

func (o Options) terminal() event.Event {
	switch {
	case o.StopRequested:
		return event.RunFinished{ThreadID: o.ThreadID, RunID: o.RunID}
	case o.Failure != nil:
		return event.RunError{Code: o.Failure.Code, Message: o.Failure.Message}
	default:
		return event.RunError{Code: event.CodeIncompleteStream, Message: IncompleteMessage}
	}
}

func remove(ids []string, id string) []string {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}

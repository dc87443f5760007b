// Package reconstruct folds a run's event sequence into complete messages and
// tool calls while preserving streaming semantics for progressive rendering.
//
// Text deltas are appended to buffers keyed by message ID and sealed into
// immutable messages on TEXT_MESSAGE_END. Tool call argument fragments are
// appended verbatim and only validated as JSON when the call is sealed; in
// between they are parsed on demand for live display. Deltas for IDs
// with no open buffer are protocol violations, except for the first chunk of a
// chunk-mode message or tool call which opens its buffer lazily.
package reconstruct

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"goa.design/agui/runtime/event"
	"goa.design/agui/runtime/message"
	"goa.design/agui/runtime/partialjson"
)

type (
	// Reconstructor assembles messages and tool calls from events. It is
	// safe for concurrent use; events must still be applied in emission
	// order.
	Reconstructor struct {
		mu sync.Mutex

		history []message.Message
		index   map[string]int

		texts     map[string]*textBuffer
		textOrder []string
		chunkText string
		seenText  map[string]bool

		calls      map[string]*callBuffer
		callOrder  []string
		chunkCall  string
		sealedCall map[string]bool

		current string
	}

	// Update describes the effects of applying one event.
	Update struct {
		// Implied lists closing events implied by chunk-mode transitions.
		// They logically precede the applied event and must be delivered
		// before it so outbound streams stay well-formed.
		Implied []event.Event
		// Message is set when a text message was sealed.
		Message *message.Message
		// ToolCalls lists the tool calls sealed by the event, in order.
		ToolCalls []message.ToolCall
		// Evicted lists message IDs removed by a messages snapshot.
		Evicted []string
	}

	// ProtocolError reports an event that violates the stream structure.
	ProtocolError struct {
		// Code is the RUN_ERROR code surfaced for the violation.
		Code string
		// Message describes the violation.
		Message string
	}

	textBuffer struct {
		id        string
		role      message.Role
		content   strings.Builder
		toolCalls []message.ToolCall
	}

	callBuffer struct {
		id      string
		name    string
		parent  string
		args    strings.Builder
		partial any
		// parsed is the length of args when partial was last computed.
		parsed int
	}
)

// Error implements error.
func (e *ProtocolError) Error() string {
	return fmt.Sprintf("reconstruct: %s: %s", e.Code, e.Message)
}

func violation(code, format string, args ...any) *ProtocolError {
	return &ProtocolError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// New returns a reconstructor seeded with history. The history is copied.
func New(history []message.Message) *Reconstructor {
	r := &Reconstructor{
		texts:      make(map[string]*textBuffer),
		seenText:   make(map[string]bool),
		calls:      make(map[string]*callBuffer),
		sealedCall: make(map[string]bool),
	}
	r.reset(history)
	return r
}

// Apply folds e into the reconstruction. Events that carry no message or tool
// call content are accepted and ignored.
func (r *Reconstructor) Apply(e event.Event) (Update, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var u Update
	switch ev := e.(type) {
	case event.TextMessageStart:
		if ev.MessageID == "" {
			return u, violation(event.CodeMessageNotOpen, "text message start without message id")
		}
		if r.seenText[ev.MessageID] {
			return u, violation(event.CodeMessageAlreadyOpen, "message %q already started", ev.MessageID)
		}
		r.openText(ev.MessageID, ev.Role)

	case event.TextMessageContent:
		buf, ok := r.texts[ev.MessageID]
		if !ok {
			return u, violation(event.CodeMessageNotOpen, "content for message %q with no open buffer", ev.MessageID)
		}
		buf.content.WriteString(ev.Delta)

	case event.TextMessageChunk:
		id := ev.MessageID
		if id == "" {
			id = r.chunkText
		}
		if id == "" {
			return u, violation(event.CodeMessageNotOpen, "first text chunk without message id")
		}
		if r.chunkText != "" && r.chunkText != id {
			r.sealChunkText(&u)
		}
		buf, ok := r.texts[id]
		if !ok {
			if r.seenText[id] {
				return u, violation(event.CodeMessageNotOpen, "chunk for sealed message %q", id)
			}
			buf = r.openText(id, ev.Role)
			r.chunkText = id
		}
		buf.content.WriteString(ev.Delta)

	case event.TextMessageEnd:
		if _, ok := r.texts[ev.MessageID]; !ok {
			return u, violation(event.CodeMessageNotOpen, "end for message %q with no open buffer", ev.MessageID)
		}
		msg := r.sealText(ev.MessageID)
		u.Message = &msg

	case event.ToolCallStart:
		if ev.ToolCallID == "" {
			return u, violation(event.CodeToolCallNotOpen, "tool call start without tool call id")
		}
		if _, open := r.calls[ev.ToolCallID]; open || r.sealedCall[ev.ToolCallID] {
			return u, violation(event.CodeToolCallAlreadyOpen, "tool call %q already started", ev.ToolCallID)
		}
		r.openCall(ev.ToolCallID, ev.ToolCallName, ev.ParentMessageID)

	case event.ToolCallArgs:
		buf, ok := r.calls[ev.ToolCallID]
		if !ok {
			return u, violation(event.CodeToolCallNotOpen, "args for tool call %q with no open buffer", ev.ToolCallID)
		}
		buf.append(ev.Delta)

	case event.ToolCallChunk:
		id := ev.ToolCallID
		if id == "" {
			id = r.chunkCall
		}
		if id == "" {
			return u, violation(event.CodeToolCallNotOpen, "first tool call chunk without tool call id")
		}
		if r.chunkCall != "" && r.chunkCall != id {
			if err := r.sealChunkCall(&u); err != nil {
				return u, err
			}
		}
		buf, ok := r.calls[id]
		if !ok {
			if r.sealedCall[id] {
				return u, violation(event.CodeToolCallNotOpen, "chunk for sealed tool call %q", id)
			}
			if ev.ToolCallName == "" {
				return u, violation(event.CodeToolCallNotOpen, "first chunk of tool call %q must name the tool", id)
			}
			buf = r.openCall(id, ev.ToolCallName, ev.ParentMessageID)
			r.chunkCall = id
		}
		buf.append(ev.Delta)

	case event.ToolCallEnd:
		if _, ok := r.calls[ev.ToolCallID]; !ok {
			return u, violation(event.CodeToolCallNotOpen, "end for tool call %q with no open buffer", ev.ToolCallID)
		}
		call, err := r.sealCall(ev.ToolCallID)
		if err != nil {
			return u, err
		}
		u.ToolCalls = append(u.ToolCalls, call)

	case event.ToolCallResult:
		if r.chunkCall == ev.ToolCallID {
			if err := r.sealChunkCall(&u); err != nil {
				return u, err
			}
		}
		if _, open := r.calls[ev.ToolCallID]; open {
			return u, violation(event.CodeToolCallAlreadyOpen, "result for tool call %q before its end", ev.ToolCallID)
		}
		id := ev.MessageID
		if id == "" {
			id = message.ResultMessageID(ev.ToolCallID)
		}
		r.appendHistory(message.Message{ID: id, Role: message.RoleTool, Content: ev.Content, ToolCallID: ev.ToolCallID})

	case event.MessagesSnapshot:
		keep := make(map[string]bool, len(ev.Messages))
		for _, m := range ev.Messages {
			keep[m.ID] = true
		}
		for _, m := range r.history {
			if !keep[m.ID] {
				u.Evicted = append(u.Evicted, m.ID)
			}
		}
		r.reset(ev.Messages)
	}
	return u, nil
}

// Flush seals every chunk-opened message and tool call, as happens when an
// agent turn ends. Explicitly started buffers are left open.
func (r *Reconstructor) Flush() (Update, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var u Update
	r.sealChunkText(&u)
	if err := r.sealChunkCall(&u); err != nil {
		return u, err
	}
	return u, nil
}

// Messages returns a copy of the reconstructed history.
func (r *Reconstructor) Messages() []message.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return message.CloneAll(r.history)
}

// CurrentMessageID returns the ID of the most recently opened text message,
// or "" if none was seen.
func (r *Reconstructor) CurrentMessageID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// PartialArguments returns the best-effort parse of the arguments streamed so
// far for an open tool call. ok is false when the call is not open or nothing
// parseable has arrived yet.
func (r *Reconstructor) PartialArguments(toolCallID string) (any, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	buf, ok := r.calls[toolCallID]
	if !ok {
		return nil, false
	}
	buf.refresh()
	if buf.partial == nil {
		return nil, false
	}
	return buf.partial, true
}

// OpenMessages returns the IDs of open text messages in open order.
func (r *Reconstructor) OpenMessages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.textOrder...)
}

// OpenToolCalls returns the IDs of open tool calls in open order.
func (r *Reconstructor) OpenToolCalls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.callOrder...)
}

func (r *Reconstructor) reset(history []message.Message) {
	r.history = message.CloneAll(history)
	r.index = make(map[string]int, len(r.history))
	for i, m := range r.history {
		r.index[m.ID] = i
		r.seenText[m.ID] = true
		for _, tc := range m.ToolCalls {
			r.sealedCall[tc.ID] = true
		}
	}
}

func (r *Reconstructor) appendHistory(m message.Message) {
	if i, ok := r.index[m.ID]; ok {
		r.history[i] = m
		return
	}
	r.index[m.ID] = len(r.history)
	r.history = append(r.history, m)
}

func (r *Reconstructor) openText(id string, role message.Role) *textBuffer {
	if role == "" {
		role = message.RoleAssistant
	}
	buf := &textBuffer{id: id, role: role}
	r.texts[id] = buf
	r.textOrder = append(r.textOrder, id)
	r.seenText[id] = true
	r.current = id
	return buf
}

func (r *Reconstructor) sealText(id string) message.Message {
	buf := r.texts[id]
	delete(r.texts, id)
	r.textOrder = remove(r.textOrder, id)
	if r.chunkText == id {
		r.chunkText = ""
	}
	msg := message.Message{ID: id, Role: buf.role, Content: buf.content.String(), ToolCalls: buf.toolCalls}
	r.appendHistory(msg)
	return msg.Clone()
}

func (r *Reconstructor) sealChunkText(u *Update) {
	if r.chunkText == "" {
		return
	}
	id := r.chunkText
	msg := r.sealText(id)
	u.Implied = append(u.Implied, event.TextMessageEnd{MessageID: id})
	if u.Message == nil {
		u.Message = &msg
	}
}

func (r *Reconstructor) openCall(id, name, parent string) *callBuffer {
	buf := &callBuffer{id: id, name: name, parent: parent}
	r.calls[id] = buf
	r.callOrder = append(r.callOrder, id)
	return buf
}

func (r *Reconstructor) sealCall(id string) (message.ToolCall, error) {
	buf := r.calls[id]
	delete(r.calls, id)
	r.callOrder = remove(r.callOrder, id)
	r.sealedCall[id] = true
	if r.chunkCall == id {
		r.chunkCall = ""
	}
	args := buf.args.String()
	if strings.TrimSpace(args) == "" {
		args = "{}"
	}
	if !json.Valid([]byte(args)) {
		return message.ToolCall{}, violation(event.CodeInvalidToolArguments,
			"tool call %q (%s) arguments are not valid JSON", id, buf.name)
	}
	call := message.ToolCall{ID: id, Name: buf.name, Arguments: args, ParentMessageID: buf.parent}
	r.attach(call)
	return call, nil
}

func (r *Reconstructor) sealChunkCall(u *Update) error {
	if r.chunkCall == "" {
		return nil
	}
	id := r.chunkCall
	u.Implied = append(u.Implied, event.ToolCallEnd{ToolCallID: id})
	call, err := r.sealCall(id)
	if err != nil {
		return err
	}
	u.ToolCalls = append(u.ToolCalls, call)
	return nil
}

// attach records a sealed call on its parent message: an open buffer, a
// message already in history, or a new assistant message when the call
// arrived without an enclosing text message.
func (r *Reconstructor) attach(call message.ToolCall) {
	if buf, ok := r.texts[call.ParentMessageID]; ok {
		buf.toolCalls = append(buf.toolCalls, call)
		return
	}
	if i, ok := r.index[call.ParentMessageID]; ok {
		r.history[i].ToolCalls = append(r.history[i].ToolCalls, call)
		return
	}
	id := call.ParentMessageID
	if id == "" {
		id = call.ID
	}
	r.seenText[id] = true
	r.appendHistory(message.Message{ID: id, Role: message.RoleAssistant, ToolCalls: []message.ToolCall{call}})
}

func (b *callBuffer) append(delta string) {
	b.args.WriteString(delta)
}

// refresh re-parses the arguments if deltas arrived since the last parse. A
// prefix that does not parse keeps the previous value.
func (b *callBuffer) refresh() {
	if b.args.Len() == b.parsed {
		return
	}
	b.parsed = b.args.Len()
	if v, err := partialjson.Parse(b.args.String()); err == nil {
		b.partial = v
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

// Package runlog provides a durable, append-only log of the events delivered
// for each run.
//
// The run log is the canonical source for run introspection: the runtime
// appends every outbound event and callers page through them with opaque
// cursors. Sink adapts a Store to stream.Sink so the log can be fanned out to
// alongside the client transport.
package runlog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"goa.design/agui/runtime/event"
	"goa.design/agui/runtime/stream"
)

type (
	// Entry is a single immutable run event appended to the run log.
	//
	// Store implementations assign the ID when persisting the entry. IDs are
	// opaque, monotonically ordered within a run, and suitable for
	// cursor-based pagination.
	Entry struct {
		// ID is the store-assigned opaque identifier.
		ID string `json:"id"`
		// RunID identifies the run the event belongs to.
		RunID string `json:"runId"`
		// ThreadID identifies the conversation thread of the run.
		ThreadID string `json:"threadId"`
		// AgentID identifies the agent that ran.
		AgentID string `json:"agentId,omitempty"`
		// Type is the wire type of the event.
		Type event.Type `json:"type"`
		// Payload is the wire encoding of the event.
		Payload json.RawMessage `json:"payload"`
		// Timestamp is the time the event was appended.
		Timestamp time.Time `json:"timestamp"`
	}

	// Page is a forward page of run log entries.
	Page struct {
		// Entries are ordered oldest first.
		Entries []*Entry `json:"entries"`
		// NextCursor fetches the next page. Empty when there are no further
		// entries.
		NextCursor string `json:"nextCursor,omitempty"`
	}

	// Store is an append-only event store.
	//
	// Implementations must provide stable ordering within a run. Cursor values
	// are store-owned and opaque to callers.
	Store interface {
		// Append persists e and assigns its ID. The runtime logs failures and
		// stops recording the run; the run itself goes on.
		Append(ctx context.Context, e *Entry) error

		// List returns the next forward page of entries for runID. Cursor is
		// a value returned by a previous call, or empty to start from the
		// beginning. Limit must be greater than zero.
		List(ctx context.Context, runID string, cursor string, limit int) (Page, error)
	}

	// Sink appends every event it receives to a Store.
	Sink struct {
		store    Store
		runID    string
		threadID string
		agentID  string
		now      func() time.Time
	}
)

// NewSink returns a sink appending the events of one run to store.
func NewSink(store Store, runID, threadID, agentID string) *Sink {
	return &Sink{store: store, runID: runID, threadID: threadID, agentID: agentID, now: time.Now}
}

// NewEntry encodes e into a run log entry.
func NewEntry(runID, threadID, agentID string, e event.Event, ts time.Time) (*Entry, error) {
	payload, err := event.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("runlog: encode %s: %w", e.Type(), err)
	}
	return &Entry{
		RunID:     runID,
		ThreadID:  threadID,
		AgentID:   agentID,
		Type:      e.Type(),
		Payload:   payload,
		Timestamp: ts.UTC(),
	}, nil
}

// Event decodes the entry payload.
func (e *Entry) Event() (event.Event, error) {
	return event.Unmarshal(e.Payload)
}

// Send implements stream.Sink.
func (s *Sink) Send(ctx context.Context, e event.Event) error {
	entry, err := NewEntry(s.runID, s.threadID, s.agentID, e, s.now())
	if err != nil {
		return err
	}
	if err := s.store.Append(ctx, entry); err != nil {
		return fmt.Errorf("runlog: append %s for run %s: %w", e.Type(), s.runID, err)
	}
	return nil
}

// Close implements stream.Sink.
func (s *Sink) Close(context.Context) error { return nil }

var _ stream.Sink = (*Sink)(nil)

// Package pulse fans run events out to goa.design/pulse streams so that
// clients other than the one that started a run can replay and follow it.
// Services build a Redis client, pass it to the Pulse client in clients/pulse,
// and hand a Broadcaster to the runtime. Each run publishes to the stream
// returned by StreamID.
package pulse

import (
	"context"
	"errors"
	"sync"

	"goa.design/agui/features/stream/pulse/clients/pulse"
	"goa.design/agui/runtime/event"
	"goa.design/agui/runtime/stream"
)

type (
	// Sink publishes the events of one run to its Pulse stream. Each event
	// is added with its wire type as the Pulse event name and its wire
	// encoding as the payload. Safe for concurrent use.
	Sink struct {
		handle pulse.Stream
		runID  string

		mu     sync.Mutex
		closed bool
	}
)

var _ stream.Sink = (*Sink)(nil)

// StreamID returns the name of the Pulse stream carrying the events of runID.
func StreamID(runID string) string {
	return "agui/run/" + runID
}

// NewSink opens the Pulse stream of runID and returns a sink publishing to
// it.
func NewSink(client pulse.Client, runID string) (*Sink, error) {
	if client == nil {
		return nil, errors.New("pulse client is required")
	}
	if runID == "" {
		return nil, errors.New("run id is required")
	}
	h, err := client.Stream(StreamID(runID))
	if err != nil {
		return nil, err
	}
	return &Sink{handle: h, runID: runID}, nil
}

// Send publishes e.
func (s *Sink) Send(ctx context.Context, e event.Event) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return stream.ErrClosed
	}
	payload, err := event.Marshal(e)
	if err != nil {
		return err
	}
	if _, err := s.handle.Add(ctx, string(e.Type()), payload); err != nil {
		return err
	}
	return nil
}

// Close stops the sink. The stream is kept so late subscribers can replay
// it; Redis trims it according to the client's StreamMaxLen.
func (s *Sink) Close(context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// Package stream provides the delivery abstraction for run events. The runtime
// pushes every outbound event through a Sink; transports (SSE, Pulse, run logs)
// and tests implement it.
package stream

import (
	"context"
	"errors"
	"sync"

	"goa.design/agui/runtime/event"
)

type (
	// Sink delivers run events to clients over a transport (SSE, Pulse,
	// persistence). Implementations must be thread-safe: the runtime emits
	// events for independent runs concurrently.
	Sink interface {
		// Send publishes an event. The implementation marshals it to its wire
		// format. Send returns an error when delivery fails so the runtime can
		// stop advancing a run whose client is gone.
		Send(ctx context.Context, e event.Event) error

		// Close releases resources owned by the sink. Close is idempotent and
		// subsequent Send calls return ErrClosed.
		Close(ctx context.Context) error
	}

	// SinkFunc adapts a function to the Sink interface. Close is a no-op.
	SinkFunc func(ctx context.Context, e event.Event) error

	// Recorder is an in-memory sink that keeps every event it receives. It is
	// used by in-process consumers that want the full sequence once a run
	// completes, and by tests.
	Recorder struct {
		mu     sync.Mutex
		events []event.Event
		closed bool
	}

	multi struct {
		sinks []Sink
	}

	filtered struct {
		sink  Sink
		allow func(event.Event) bool
	}

	bestEffort struct {
		sink   Sink
		report func(context.Context, event.Event, error)

		mu     sync.Mutex
		failed bool
	}
)

// ErrClosed is returned by Send after Close.
var ErrClosed = errors.New("stream: sink closed")

// Send calls f.
func (f SinkFunc) Send(ctx context.Context, e event.Event) error { return f(ctx, e) }

// Close is a no-op.
func (SinkFunc) Close(context.Context) error { return nil }

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder { return &Recorder{} }

// Send records e.
func (r *Recorder) Send(_ context.Context, e event.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	r.events = append(r.events, e)
	return nil
}

// Close marks the recorder closed.
func (r *Recorder) Close(context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return nil
}

// Events returns a copy of the recorded events in delivery order.
func (r *Recorder) Events() []event.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]event.Event(nil), r.events...)
}

// Types returns the types of the recorded events in delivery order.
func (r *Recorder) Types() []event.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]event.Type, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type()
	}
	return out
}

// Multi returns a sink that delivers every event to each of sinks in order.
// Delivery stops at the first error, which is returned to the caller. Nil
// sinks are ignored.
func Multi(sinks ...Sink) Sink {
	m := &multi{}
	for _, s := range sinks {
		if s != nil {
			m.sinks = append(m.sinks, s)
		}
	}
	return m
}

func (m *multi) Send(ctx context.Context, e event.Event) error {
	for _, s := range m.sinks {
		if err := s.Send(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

func (m *multi) Close(ctx context.Context) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Filter returns a sink forwarding only the events for which allow returns
// true.
func Filter(sink Sink, allow func(event.Event) bool) Sink {
	return &filtered{sink: sink, allow: allow}
}

// Types returns a predicate for Filter that admits the listed event types.
func Types(types ...event.Type) func(event.Event) bool {
	set := make(map[event.Type]struct{}, len(types))
	for _, t := range types {
		set[t] = struct{}{}
	}
	return func(e event.Event) bool {
		_, ok := set[e.Type()]
		return ok
	}
}

func (f *filtered) Send(ctx context.Context, e event.Event) error {
	if !f.allow(e) {
		return nil
	}
	return f.sink.Send(ctx, e)
}

func (f *filtered) Close(ctx context.Context) error { return f.sink.Close(ctx) }

// BestEffort returns a sink whose Send never fails. The first delivery error
// of sink is passed to report and every later event is dropped, so the
// wrapped sink holds a prefix of the stream rather than one with gaps.
func BestEffort(sink Sink, report func(ctx context.Context, e event.Event, err error)) Sink {
	return &bestEffort{sink: sink, report: report}
}

func (b *bestEffort) Send(ctx context.Context, e event.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failed {
		return nil
	}
	if err := b.sink.Send(ctx, e); err != nil {
		b.failed = true
		if b.report != nil {
			b.report(ctx, e, err)
		}
	}
	return nil
}

func (b *bestEffort) Close(ctx context.Context) error { return b.sink.Close(ctx) }

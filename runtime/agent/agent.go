// Package agent defines the contract between the runtime and agent backends.
//
// An Agent is invoked once per turn with the run input (conversation history,
// offered tools, shared state and, when resuming from an interrupt, the
// resolution) and returns a Stream of protocol events. Backends emit
// RUN_STARTED first and RUN_FINISHED or RUN_ERROR last; the runtime owns the
// outer run lifecycle and repairs streams that end early.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"io"

	"goa.design/agui/runtime/event"
	"goa.design/agui/runtime/message"
	"goa.design/agui/runtime/tools"
)

type (
	// Agent is an agent backend.
	Agent interface {
		// Run starts one agent turn. The returned stream yields the turn's
		// events in emission order. Cancelling ctx aborts the turn.
		Run(ctx context.Context, in *Input) (Stream, error)
	}

	// Func adapts a function to Agent.
	Func func(ctx context.Context, in *Input) (Stream, error)

	// Stream yields the events of one agent turn.
	Stream interface {
		// Recv returns the next event, io.EOF once the backend ended the
		// stream, or the error that interrupted it.
		Recv() (event.Event, error)
		// Close releases the stream. It is safe to call more than once.
		Close() error
	}

	// Input is the payload of an agent turn. Its JSON encoding is the
	// RunAgentInput wire type POSTed to remote agents.
	Input struct {
		ThreadID       string             `json:"threadId"`
		RunID          string             `json:"runId"`
		ParentRunID    string             `json:"parentRunId,omitempty"`
		AgentID        string             `json:"-"`
		State          json.RawMessage    `json:"state,omitempty"`
		Messages       []message.Message  `json:"messages"`
		Tools          []tools.Definition `json:"tools"`
		Context        []ContextItem      `json:"context,omitempty"`
		ForwardedProps json.RawMessage    `json:"forwardedProps,omitempty"`
		// Resume carries the resolution of the interrupt the previous turn
		// ended on.
		Resume *Resume `json:"resume,omitempty"`
	}

	// ContextItem is a piece of context supplied by the client.
	ContextItem struct {
		Description string `json:"description"`
		Value       string `json:"value"`
	}

	// Resume is the resolution of an interrupt.
	Resume struct {
		Name  string          `json:"name"`
		Value json.RawMessage `json:"value"`
	}

	sliceStream struct {
		events []event.Event
		err    error
	}
)

// ErrRateLimited is wrapped by backends when the provider throttled the
// request. Rate limiting middleware backs off when it observes it.
var ErrRateLimited = errors.New("agent: rate limited")

// Run calls f.
func (f Func) Run(ctx context.Context, in *Input) (Stream, error) { return f(ctx, in) }

// Events returns a stream replaying events and then io.EOF.
func Events(events ...event.Event) Stream {
	return &sliceStream{events: events, err: io.EOF}
}

// EventsThenError returns a stream replaying events and then err.
func EventsThenError(err error, events ...event.Event) Stream {
	if err == nil {
		err = io.EOF
	}
	return &sliceStream{events: events, err: err}
}

func (s *sliceStream) Recv() (event.Event, error) {
	if len(s.events) == 0 {
		return nil, s.err
	}
	e := s.events[0]
	s.events = s.events[1:]
	return e, nil
}

func (s *sliceStream) Close() error {
	s.events = nil
	return nil
}

// Collect drains s and returns its events. A clean io.EOF is not an error.
func Collect(s Stream) ([]event.Event, error) {
	defer func() { _ = s.Close() }()
	var out []event.Event
	for {
		e, err := s.Recv()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, e)
	}
}

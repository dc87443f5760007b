// Package interrupt implements the human-in-the-loop handshake that parks a
// run on an INTERRUPT event until an external caller resolves it.
//
// A Handshake moves through RUNNING -> INTERRUPTED -> RESUMING -> RUNNING, or
// to TERMINATED when the waiting run is abandoned. There is no server-side
// timeout: a parked run waits until it is resolved or its context is
// cancelled. Each interrupt instance accepts exactly one resolution.
package interrupt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"goa.design/agui/runtime/event"
)

type (
	// Status is the state of a Handshake.
	Status int

	// Resolver resumes one parked interrupt. Resolve fails with
	// ErrMalformedResolution when value is not valid JSON or is rejected by
	// the validator, in which case the interrupt stays pending, and with
	// ErrAlreadyResolved when the interrupt was resolved before.
	Resolver interface {
		Resolve(value json.RawMessage) error
	}

	// ResolverFunc adapts a function to Resolver.
	ResolverFunc func(value json.RawMessage) error

	// Handler is notified when a run parks on an interrupt. Implementations
	// may resolve synchronously or keep the resolver and resolve later from
	// another goroutine.
	Handler interface {
		HandleInterrupt(ctx context.Context, runID string, ev event.Interrupt, r Resolver)
	}

	// HandlerFunc adapts a function to Handler.
	HandlerFunc func(ctx context.Context, runID string, ev event.Interrupt, r Resolver)

	// Validator checks a resolution value for the named interrupt.
	Validator func(name string, value json.RawMessage) error

	// Resolution is the value delivered to a parked run.
	Resolution struct {
		// Name is the name of the resolved interrupt.
		Name string
		// Value is the JSON resolution value.
		Value json.RawMessage
	}

	// Handshake tracks the interrupt state of one run. It is safe for
	// concurrent use: the run goroutine parks and waits while callers resolve.
	Handshake struct {
		mu       sync.Mutex
		status   Status
		pending  event.Interrupt
		instance uint64
		resolved uint64
		value    json.RawMessage
		done     chan struct{}
		validate Validator
	}

	// Option configures a Handshake.
	Option func(*Handshake)

	resolver struct {
		h        *Handshake
		instance uint64
	}
)

// Handshake states.
const (
	Running Status = iota
	Interrupted
	Resuming
	Terminated
)

var (
	// ErrNotInterrupted is returned when resolving a run that is not parked.
	ErrNotInterrupted = errors.New("interrupt: run is not interrupted")
	// ErrAlreadyResolved is returned when an interrupt is resolved twice.
	ErrAlreadyResolved = errors.New("interrupt: already resolved")
	// ErrMalformedResolution is returned for resolution values that are not
	// valid JSON or fail validation.
	ErrMalformedResolution = errors.New("interrupt: malformed resolution")
	// ErrTerminated is returned once the handshake was abandoned.
	ErrTerminated = errors.New("interrupt: run terminated")
)

// WithValidator installs a validator for resolution values.
func WithValidator(v Validator) Option {
	return func(h *Handshake) { h.validate = v }
}

// New returns a handshake in the RUNNING state.
func New(opts ...Option) *Handshake {
	h := &Handshake{}
	for _, o := range opts {
		o(h)
	}
	return h
}

func (s Status) String() string {
	switch s {
	case Running:
		return "RUNNING"
	case Interrupted:
		return "INTERRUPTED"
	case Resuming:
		return "RESUMING"
	case Terminated:
		return "TERMINATED"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// HandleInterrupt calls f.
func (f HandlerFunc) HandleInterrupt(ctx context.Context, runID string, ev event.Interrupt, r Resolver) {
	f(ctx, runID, ev, r)
}

// Resolve calls f.
func (f ResolverFunc) Resolve(value json.RawMessage) error { return f(value) }

// Status returns the current state.
func (h *Handshake) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// Pending returns the interrupt the run is parked on, if any.
func (h *Handshake) Pending() (event.Interrupt, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status != Interrupted {
		return event.Interrupt{}, false
	}
	return h.pending, true
}

// Park moves the handshake to INTERRUPTED on ev and returns the resolver
// bound to this interrupt instance.
func (h *Handshake) Park(ev event.Interrupt) (Resolver, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch h.status {
	case Terminated:
		return nil, ErrTerminated
	case Interrupted, Resuming:
		return nil, fmt.Errorf("interrupt: cannot park %q while %s", ev.Name, h.status)
	}
	h.instance++
	h.status = Interrupted
	h.pending = ev
	h.value = nil
	h.done = make(chan struct{})
	return resolver{h: h, instance: h.instance}, nil
}

// Resolve resolves the interrupt the run is currently parked on.
func (h *Handshake) Resolve(value json.RawMessage) error {
	h.mu.Lock()
	instance := h.instance
	h.mu.Unlock()
	if instance == 0 {
		return ErrNotInterrupted
	}
	return h.resolve(instance, value)
}

func (r resolver) Resolve(value json.RawMessage) error {
	return r.h.resolve(r.instance, value)
}

func (h *Handshake) resolve(instance uint64, value json.RawMessage) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.resolved >= instance {
		return ErrAlreadyResolved
	}
	switch h.status {
	case Terminated:
		return ErrTerminated
	case Interrupted:
	default:
		return ErrNotInterrupted
	}
	if len(value) == 0 || !json.Valid(value) {
		return fmt.Errorf("%w: value is not valid JSON", ErrMalformedResolution)
	}
	if h.validate != nil {
		if err := h.validate(h.pending.Name, value); err != nil {
			return fmt.Errorf("%w: %w", ErrMalformedResolution, err)
		}
	}
	h.resolved = instance
	h.value = append(json.RawMessage(nil), value...)
	h.status = Resuming
	close(h.done)
	return nil
}

// Wait blocks until the pending interrupt is resolved and returns the
// resolution, leaving the handshake in RESUMING. When ctx is cancelled first
// the handshake is TERMINATED and Wait returns the context error.
func (h *Handshake) Wait(ctx context.Context) (Resolution, error) {
	h.mu.Lock()
	switch h.status {
	case Terminated:
		h.mu.Unlock()
		return Resolution{}, ErrTerminated
	case Running:
		h.mu.Unlock()
		return Resolution{}, ErrNotInterrupted
	}
	done := h.done
	h.mu.Unlock()

	select {
	case <-done:
		h.mu.Lock()
		defer h.mu.Unlock()
		return Resolution{Name: h.pending.Name, Value: h.value}, nil
	case <-ctx.Done():
		h.mu.Lock()
		defer h.mu.Unlock()
		if h.status == Resuming {
			return Resolution{Name: h.pending.Name, Value: h.value}, nil
		}
		h.status = Terminated
		return Resolution{}, ctx.Err()
	}
}

// Resume moves a RESUMING handshake back to RUNNING once the resolution was
// handed to the agent backend.
func (h *Handshake) Resume() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status == Resuming {
		h.status = Running
		h.pending = event.Interrupt{}
	}
}

// Terminate abandons the handshake. Later resolutions fail with
// ErrTerminated.
func (h *Handshake) Terminate() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.status = Terminated
}

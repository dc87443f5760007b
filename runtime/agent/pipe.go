package agent

import (
	"context"
	"errors"
	"io"
	"sync"

	"goa.design/agui/runtime/event"
)

type (
	// Emit delivers one event to the consumer of a piped stream. It fails
	// once the stream is closed or its context is cancelled.
	Emit func(event.Event) error

	pipe struct {
		ctx    context.Context
		cancel context.CancelFunc
		events chan event.Event
		done   chan struct{}

		errMu    sync.Mutex
		errSet   bool
		finalErr error
	}
)

// Pipe runs produce in a goroutine and returns a stream yielding the events
// it emits. The stream ends with io.EOF when produce returns nil and with the
// returned error otherwise. Closing the stream cancels the context passed to
// produce and waits for it to return. Provider adapters use Pipe to turn
// their SDK stream loop into an event Stream.
func Pipe(ctx context.Context, produce func(ctx context.Context, emit Emit) error) Stream {
	cctx, cancel := context.WithCancel(ctx)
	p := &pipe{
		ctx:    cctx,
		cancel: cancel,
		events: make(chan event.Event, 32),
		done:   make(chan struct{}),
	}
	go p.run(produce)
	return p
}

func (p *pipe) run(produce func(context.Context, Emit) error) {
	defer close(p.done)
	defer close(p.events)
	p.setErr(produce(p.ctx, p.emit))
}

func (p *pipe) emit(e event.Event) error {
	select {
	case <-p.ctx.Done():
		return p.ctx.Err()
	case p.events <- e:
		return nil
	}
}

func (p *pipe) Recv() (event.Event, error) {
	select {
	case e, ok := <-p.events:
		if ok {
			return e, nil
		}
		if err := p.err(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	case <-p.ctx.Done():
		err := p.ctx.Err()
		p.setErr(err)
		return nil, err
	}
}

func (p *pipe) Close() error {
	p.cancel()
	<-p.done
	if err := p.err(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (p *pipe) setErr(err error) {
	p.errMu.Lock()
	defer p.errMu.Unlock()
	if p.errSet {
		return
	}
	p.errSet = true
	p.finalErr = err
}

func (p *pipe) err() error {
	p.errMu.Lock()
	defer p.errMu.Unlock()
	return p.finalErr
}

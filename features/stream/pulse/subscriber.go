package pulse

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	streamopts "goa.design/pulse/streaming/options"

	clientspulse "goa.design/agui/features/stream/pulse/clients/pulse"
	"goa.design/agui/runtime/event"
)

type (
	// SubscriberOptions configures a Pulse-backed subscriber.
	SubscriberOptions struct {
		// Client is the Pulse client used to consume events. Required.
		Client clientspulse.Client
		// Buffer specifies the event channel capacity. Defaults to 64.
		Buffer int
	}

	// Subscriber replays and follows the Pulse stream of a run.
	Subscriber struct {
		client clientspulse.Client
		buffer int
	}
)

// NewSubscriber constructs a Pulse-backed subscriber.
func NewSubscriber(opts SubscriberOptions) (*Subscriber, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 64
	}
	return &Subscriber{client: opts.Client, buffer: buffer}, nil
}

// Subscribe replays the events of runID from the start of its stream and
// follows new ones. Each call uses its own consumer group so concurrent
// subscribers each see every event. The events channel closes after the run's
// terminal event, when ctx is cancelled or when cancel is called. Decode and
// ack failures are reported on the error channel, which closes with events.
//
//	events, errs, cancel, err := sub.Subscribe(ctx, runID)
//	defer cancel()
//	for e := range events {
//	    // forward e
//	}
func (s *Subscriber) Subscribe(ctx context.Context, runID string) (<-chan event.Event, <-chan error, context.CancelFunc, error) {
	if runID == "" {
		return nil, nil, nil, errors.New("run id is required")
	}
	str, err := s.client.Stream(StreamID(runID))
	if err != nil {
		return nil, nil, nil, err
	}
	sink, err := str.NewSink(ctx, "agui_"+uuid.NewString(), streamopts.WithSinkStartAtOldest())
	if err != nil {
		return nil, nil, nil, err
	}
	events := make(chan event.Event, s.buffer)
	errs := make(chan error, 1)
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.consume(runCtx, sink, events, errs)
	}()
	stop := func() {
		cancel()
		<-done
		sink.Close(context.WithoutCancel(ctx))
	}
	return events, errs, stop, nil
}

func (s *Subscriber) consume(ctx context.Context, sink clientspulse.Sink, out chan<- event.Event, errs chan<- error) {
	defer close(out)
	defer close(errs)
	ch := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			e, err := event.Unmarshal(evt.Payload)
			if err != nil {
				errs <- fmt.Errorf("pulse decode payload: %w", err)
				return
			}
			select {
			case out <- e:
			case <-ctx.Done():
				return
			}
			if err := sink.Ack(ctx, evt); err != nil {
				errs <- fmt.Errorf("pulse ack: %w", err)
				return
			}
			if event.IsTerminal(e) {
				return
			}
		}
	}
}

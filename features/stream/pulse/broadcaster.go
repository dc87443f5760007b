package pulse

import (
	"context"
	"errors"

	clientspulse "goa.design/agui/features/stream/pulse/clients/pulse"
	"goa.design/agui/runtime/stream"
)

// Broadcaster opens one Pulse sink per run. It satisfies the runtime's
// Broadcaster contract and shares the Pulse client with subscribers created
// through NewSubscriber so publishing and replay use the same Redis pool.
type Broadcaster struct {
	client clientspulse.Client
}

// NewBroadcaster returns a broadcaster publishing through client.
func NewBroadcaster(client clientspulse.Client) (*Broadcaster, error) {
	if client == nil {
		return nil, errors.New("pulse client is required")
	}
	return &Broadcaster{client: client}, nil
}

// Open returns the sink of runID.
func (b *Broadcaster) Open(_ context.Context, _ string, runID string) (stream.Sink, error) {
	return NewSink(b.client, runID)
}

// NewSubscriber returns a subscriber reading through the broadcaster's
// client.
func (b *Broadcaster) NewSubscriber(opts SubscriberOptions) (*Subscriber, error) {
	opts.Client = b.client
	return NewSubscriber(opts)
}

// Close releases the underlying client.
func (b *Broadcaster) Close(ctx context.Context) error {
	return b.client.Close(ctx)
}

package pulse

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"goa.design/pulse/streaming"

	"goa.design/agui/runtime/event"
)

func TestSubscribeReplaysUntilTerminal(t *testing.T) {
	t.Parallel()
	cli := newFakeClient()
	sink, err := NewSink(cli, "run-1")
	require.NoError(t, err)
	ctx := context.Background()
	published := []event.Event{
		event.RunStarted{ThreadID: "th", RunID: "run-1"},
		event.StepStarted{StepName: "plan"},
		event.RunFinished{ThreadID: "th", RunID: "run-1"},
	}
	for _, e := range published {
		require.NoError(t, sink.Send(ctx, e))
	}
	require.NoError(t, sink.Send(ctx, event.Custom{Name: "after"}))

	b, err := NewBroadcaster(cli)
	require.NoError(t, err)
	sub, err := b.NewSubscriber(SubscriberOptions{Buffer: 1})
	require.NoError(t, err)
	events, errs, cancel, err := sub.Subscribe(ctx, "run-1")
	require.NoError(t, err)
	defer cancel()

	var got []event.Event
	for e := range events {
		got = append(got, e)
	}
	assert.Equal(t, published, got)
	_, open := <-errs
	assert.False(t, open)

	str := cli.stream(StreamID("run-1"))
	require.Len(t, str.sinks, 1)
	assert.Contains(t, str.sinks[0], "agui_")
	assert.Equal(t, 1, str.sinkOpt)
	assert.Equal(t, []string{"0-0", "1-0", "2-0"}, str.sink.acked)

	cancel()
	assert.True(t, str.sink.closed)
}

func TestSubscribeReportsDecodeErrors(t *testing.T) {
	t.Parallel()
	cli := newFakeClient()
	h, err := cli.Stream(StreamID("run-2"))
	require.NoError(t, err)
	_, err = h.Add(context.Background(), "BOGUS", []byte(`{"type":"BOGUS"}`))
	require.NoError(t, err)

	sub, err := NewSubscriber(SubscriberOptions{Client: cli})
	require.NoError(t, err)
	events, errs, cancel, err := sub.Subscribe(context.Background(), "run-2")
	require.NoError(t, err)
	defer cancel()

	err = <-errs
	require.ErrorIs(t, err, event.ErrUnknownType)
	_, open := <-events
	assert.False(t, open)
}

func TestSubscribeStopsOnCancel(t *testing.T) {
	t.Parallel()
	cli := newFakeClient()
	sub, err := NewSubscriber(SubscriberOptions{Client: cli})
	require.NoError(t, err)
	ctx, cancelCtx := context.WithCancel(context.Background())
	events, _, cancel, err := sub.Subscribe(ctx, "run-3")
	require.NoError(t, err)
	defer cancel()

	str := cli.stream(StreamID("run-3"))
	str.sink.ch <- &streaming.Event{ID: "0-0", Payload: []byte(`{"type":"RUN_STARTED","threadId":"th","runId":"run-3"}`)}
	first := <-events
	assert.Equal(t, event.TypeRunStarted, first.Type())

	cancelCtx()
	for range events {
	}
}

func TestSubscriberValidates(t *testing.T) {
	t.Parallel()
	_, err := NewSubscriber(SubscriberOptions{})
	require.Error(t, err)
	sub, err := NewSubscriber(SubscriberOptions{Client: newFakeClient()})
	require.NoError(t, err)
	_, _, _, err = sub.Subscribe(context.Background(), "")
	require.Error(t, err)
}

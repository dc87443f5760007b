package pulse

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	clientspulse "goa.design/agui/features/stream/pulse/clients/pulse"
	"goa.design/agui/runtime/event"
	"goa.design/agui/runtime/message"
	"goa.design/agui/runtime/stream"
)

type (
	fakeClient struct {
		mu      sync.Mutex
		streams map[string]*fakeStream
		err     error
	}

	fakeStream struct {
		mu      sync.Mutex
		added   []*streaming.Event
		addErr  error
		sinks   []string
		sinkOpt int
		sink    *fakeSink
	}

	fakeSink struct {
		ch     chan *streaming.Event
		mu     sync.Mutex
		acked  []string
		closed bool
	}
)

func newFakeClient() *fakeClient { return &fakeClient{streams: map[string]*fakeStream{}} }

func (c *fakeClient) Name() string               { return "fake" }
func (c *fakeClient) Ping(context.Context) error { return nil }
func (c *fakeClient) Close(context.Context) error {
	return nil
}

func (c *fakeClient) Stream(name string, _ ...streamopts.Stream) (clientspulse.Stream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	s, ok := c.streams[name]
	if !ok {
		s = &fakeStream{}
		c.streams[name] = s
	}
	return s, nil
}

func (c *fakeClient) stream(name string) *fakeStream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streams[name]
}

func (s *fakeStream) Add(_ context.Context, name string, payload []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.addErr != nil {
		return "", s.addErr
	}
	id := strconv.Itoa(len(s.added)) + "-0"
	s.added = append(s.added, &streaming.Event{ID: id, EventName: name, Payload: payload})
	return id, nil
}

func (s *fakeStream) NewSink(_ context.Context, name string, opts ...streamopts.Sink) (clientspulse.Sink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sinks = append(s.sinks, name)
	s.sinkOpt = len(opts)
	if s.sink == nil {
		s.sink = &fakeSink{ch: make(chan *streaming.Event, len(s.added)+8)}
		for _, e := range s.added {
			s.sink.ch <- e
		}
	}
	return s.sink, nil
}

func (s *fakeStream) Destroy(context.Context) error { return nil }

func (s *fakeSink) Subscribe() <-chan *streaming.Event { return s.ch }

func (s *fakeSink) Ack(_ context.Context, e *streaming.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acked = append(s.acked, e.ID)
	return nil
}

func (s *fakeSink) Close(context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func TestSinkPublishesWireEvents(t *testing.T) {
	t.Parallel()
	cli := newFakeClient()
	b, err := NewBroadcaster(cli)
	require.NoError(t, err)

	sink, err := b.Open(context.Background(), "th", "run-123")
	require.NoError(t, err)
	in := []event.Event{
		event.RunStarted{ThreadID: "th", RunID: "run-123"},
		event.TextMessageChunk{MessageID: "m1", Role: message.RoleAssistant, Delta: "hi"},
	}
	for _, e := range in {
		require.NoError(t, sink.Send(context.Background(), e))
	}

	str := cli.stream("agui/run/run-123")
	require.NotNil(t, str)
	require.Len(t, str.added, 2)
	for i, added := range str.added {
		assert.Equal(t, string(in[i].Type()), added.EventName)
		got, err := event.Unmarshal(added.Payload)
		require.NoError(t, err)
		assert.Equal(t, in[i], got)
	}

	require.NoError(t, sink.Close(context.Background()))
	assert.ErrorIs(t, sink.Send(context.Background(), event.Custom{Name: "late"}), stream.ErrClosed)
}

func TestSinkSurfacesPublishErrors(t *testing.T) {
	t.Parallel()
	cli := newFakeClient()
	sink, err := NewSink(cli, "run-1")
	require.NoError(t, err)
	boom := errors.New("boom")
	cli.stream(StreamID("run-1")).addErr = boom
	assert.ErrorIs(t, sink.Send(context.Background(), event.RunStarted{RunID: "run-1"}), boom)
}

func TestNewSinkValidates(t *testing.T) {
	t.Parallel()
	_, err := NewSink(nil, "run-1")
	require.Error(t, err)
	_, err = NewSink(newFakeClient(), "")
	require.Error(t, err)
	cli := newFakeClient()
	cli.err = errors.New("redis down")
	_, err = NewSink(cli, "run-1")
	require.Error(t, err)
	_, err = NewBroadcaster(nil)
	require.Error(t, err)
}

package finalize

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/agui/runtime/event"
	"goa.design/agui/runtime/message"
	"goa.design/agui/runtime/toolerrors"
)

func truncatedText() []event.Event {
	return []event.Event{
		event.RunStarted{ThreadID: "th", RunID: "r1"},
		event.TextMessageStart{MessageID: "m1", Role: message.RoleAssistant},
		event.TextMessageContent{MessageID: "m1", Delta: "Hi"},
	}
}

func tail(t *testing.T, events []event.Event, opts Options) []event.Event {
	t.Helper()
	tr := NewTracker()
	for _, e := range events {
		tr.Observe(e)
	}
	return tr.Finalize(opts)
}

func TestStopRequestedFinishesRun(t *testing.T) {
	t.Parallel()

	opts := Options{ThreadID: "th", RunID: "r1", StopRequested: true}
	require.Equal(t, []event.Event{
		event.TextMessageEnd{MessageID: "m1"},
		event.RunFinished{ThreadID: "th", RunID: "r1"},
	}, tail(t, truncatedText(), opts))
	require.NoError(t, event.ValidateSequence(Complete(truncatedText(), opts)))
}

func TestUnexpectedCutoffIsIncompleteStream(t *testing.T) {
	t.Parallel()

	got := tail(t, truncatedText(), Options{ThreadID: "th", RunID: "r1"})
	require.Len(t, got, 2)
	require.Equal(t, event.TextMessageEnd{MessageID: "m1"}, got[0])
	runErr, ok := got[1].(event.RunError)
	require.True(t, ok)
	require.Equal(t, event.CodeIncompleteStream, runErr.Code)
	require.NotEmpty(t, runErr.Message)
}

func TestOpenToolCallsGetStatusResults(t *testing.T) {
	t.Parallel()

	events := []event.Event{
		event.RunStarted{ThreadID: "th", RunID: "r1"},
		event.ToolCallStart{ToolCallID: "t1", ToolCallName: "search"},
		event.ToolCallArgs{ToolCallID: "t1", Delta: `{"q":`},
	}
	cases := []struct {
		name   string
		opts   Options
		status toolerrors.Status
		last   event.Event
	}{
		{
			name:   "stop",
			opts:   Options{ThreadID: "th", RunID: "r1", StopRequested: true},
			status: toolerrors.Status{Status: "stopped", Reason: "stop_requested"},
			last:   event.RunFinished{ThreadID: "th", RunID: "r1"},
		},
		{
			name:   "cutoff",
			opts:   Options{},
			status: toolerrors.Status{Status: "error", Reason: "missing_terminal_event"},
			last:   event.RunError{Code: event.CodeIncompleteStream, Message: IncompleteMessage},
		},
		{
			name:   "failure",
			opts:   Options{Failure: &Failure{Code: event.CodeInvalidToolArguments, Message: "bad json"}},
			status: toolerrors.Status{Status: "error", Reason: event.CodeInvalidToolArguments},
			last:   event.RunError{Code: event.CodeInvalidToolArguments, Message: "bad json"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := tail(t, events, tc.opts)
			require.Len(t, got, 3)
			assert.Equal(t, event.ToolCallEnd{ToolCallID: "t1"}, got[0])
			res, ok := got[1].(event.ToolCallResult)
			require.True(t, ok)
			assert.Equal(t, "t1", res.ToolCallID)
			var status toolerrors.Status
			require.NoError(t, json.Unmarshal([]byte(res.Content), &status))
			assert.Equal(t, tc.status, status)
			assert.Equal(t, tc.last, got[2])
		})
	}
}

func TestFinalizeIsIdempotent(t *testing.T) {
	t.Parallel()

	tr := NewTracker()
	for _, e := range truncatedText() {
		tr.Observe(e)
	}
	require.NotEmpty(t, tr.Finalize(Options{}))
	require.True(t, tr.Terminated())
	require.Nil(t, tr.Finalize(Options{StopRequested: true}))
}

func TestWellFormedSequenceUnchanged(t *testing.T) {
	t.Parallel()

	events := []event.Event{
		event.RunStarted{ThreadID: "th", RunID: "r1"},
		event.TextMessageChunk{MessageID: "m1", Delta: "a"},
		event.TextMessageChunk{MessageID: "m2", Delta: "b"},
		event.TextMessageEnd{MessageID: "m2"},
		event.ToolCallStart{ToolCallID: "t1", ToolCallName: "x"},
		event.ToolCallEnd{ToolCallID: "t1"},
		event.ToolCallResult{ToolCallID: "t1", Content: "ok"},
		event.RunFinished{ThreadID: "th", RunID: "r1"},
	}
	require.NoError(t, event.ValidateSequence(events))
	require.Equal(t, events, Complete(events, Options{StopRequested: true}))
	require.Nil(t, tail(t, events, Options{}))
}

func TestTerminalPresentOnlyRepairsStructure(t *testing.T) {
	t.Parallel()

	events := []event.Event{
		event.RunStarted{ThreadID: "th", RunID: "r1"},
		event.TextMessageStart{MessageID: "m1", Role: message.RoleAssistant},
		event.ToolCallStart{ToolCallID: "t1", ToolCallName: "x"},
		event.RunError{Code: event.CodeAgentError, Message: "boom"},
		event.TextMessageContent{MessageID: "m1", Delta: "late"},
	}
	got := Complete(events, Options{})
	require.Equal(t, []event.Event{
		events[0], events[1], events[2],
		event.TextMessageEnd{MessageID: "m1"},
		event.ToolCallEnd{ToolCallID: "t1"},
		events[3],
	}, got)
	require.NoError(t, event.ValidateSequence(got))
}

func TestEmptySequenceGetsLifecycle(t *testing.T) {
	t.Parallel()

	got := Complete(nil, Options{ThreadID: "th", RunID: "r1"})
	require.Len(t, got, 2)
	require.Equal(t, event.RunStarted{ThreadID: "th", RunID: "r1"}, got[0])
	require.NoError(t, event.ValidateSequence(got))
}

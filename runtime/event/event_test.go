package event

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/agui/runtime/message"
)

func TestMarshalAddsTypeDiscriminator(t *testing.T) {
	t.Parallel()

	data, err := Marshal(TextMessageContent{MessageID: "m1", Delta: "Hi"})
	require.NoError(t, err)
	require.JSONEq(t, `{"type":"TEXT_MESSAGE_CONTENT","messageId":"m1","delta":"Hi"}`, string(data))

	data, err = Marshal(ToolCallEnd{ToolCallID: "t1", Meta: Meta{Timestamp: 42}})
	require.NoError(t, err)
	require.JSONEq(t, `{"type":"TOOL_CALL_END","toolCallId":"t1","timestamp":42}`, string(data))
}

func TestMarshalEmptyBody(t *testing.T) {
	t.Parallel()

	data, err := Marshal(RunError{})
	require.NoError(t, err)
	require.JSONEq(t, `{"type":"RUN_ERROR","message":""}`, string(data))
}

func TestUnmarshalDecodesVariant(t *testing.T) {
	t.Parallel()

	ev, err := Unmarshal([]byte(`{"type":"STATE_DELTA","delta":[{"op":"replace","path":"/count","value":2}]}`))
	require.NoError(t, err)
	delta, ok := ev.(StateDelta)
	require.True(t, ok)
	require.Len(t, delta.Delta, 1)
	require.Equal(t, "replace", delta.Delta[0].Op)
	require.Equal(t, "/count", delta.Delta[0].Path)
	require.JSONEq(t, `2`, string(delta.Delta[0].Value))

	ev, err = Unmarshal([]byte(`{"type":"TEXT_MESSAGE_START","messageId":"m1","role":"assistant"}`))
	require.NoError(t, err)
	require.Equal(t, TextMessageStart{MessageID: "m1", Role: message.RoleAssistant}, ev)
}

func TestUnmarshalPreservesPayloads(t *testing.T) {
	t.Parallel()

	in := Interrupt{Name: "approve", Value: json.RawMessage(`{"amount":10}`)}
	data, err := Marshal(in)
	require.NoError(t, err)
	out, err := Unmarshal(data)
	require.NoError(t, err)
	got, ok := out.(Interrupt)
	require.True(t, ok)
	require.Equal(t, "approve", got.Name)
	require.JSONEq(t, `{"amount":10}`, string(got.Value))
}

func TestUnmarshalRejectsUnknownAndMissingTypes(t *testing.T) {
	t.Parallel()

	_, err := Unmarshal([]byte(`{"type":"NOPE"}`))
	require.True(t, errors.Is(err, ErrUnknownType))

	_, err = Unmarshal([]byte(`{"messageId":"m1"}`))
	require.Error(t, err)

	_, err = Unmarshal([]byte(`not json`))
	require.Error(t, err)
}

func TestIsTerminal(t *testing.T) {
	t.Parallel()

	require.True(t, IsTerminal(RunFinished{}))
	require.True(t, IsTerminal(RunError{}))
	require.False(t, IsTerminal(RunStarted{}))
	require.False(t, IsTerminal(ToolCallResult{}))
}

func TestValidateSequence(t *testing.T) {
	t.Parallel()

	start := RunStarted{ThreadID: "th", RunID: "r1"}
	finish := RunFinished{ThreadID: "th", RunID: "r1"}

	cases := []struct {
		name    string
		events  []Event
		wantErr bool
	}{
		{
			name: "text and tool call",
			events: []Event{
				start,
				TextMessageStart{MessageID: "m1", Role: message.RoleAssistant},
				TextMessageContent{MessageID: "m1", Delta: "Hi"},
				TextMessageEnd{MessageID: "m1"},
				ToolCallStart{ToolCallID: "t1", ToolCallName: "search", ParentMessageID: "m1"},
				ToolCallArgs{ToolCallID: "t1", Delta: `{"q":"go"}`},
				ToolCallEnd{ToolCallID: "t1"},
				ToolCallResult{ToolCallID: "t1", Content: "ok"},
				finish,
			},
		},
		{
			name: "chunks closed by a different id",
			events: []Event{
				start,
				TextMessageChunk{MessageID: "m1", Delta: "a"},
				TextMessageChunk{MessageID: "m2", Delta: "b"},
				TextMessageEnd{MessageID: "m2"},
				finish,
			},
		},
		{
			name: "chunks closed by the terminal event",
			events: []Event{
				start,
				TextMessageChunk{MessageID: "m1", Delta: "a"},
				ToolCallChunk{ToolCallID: "t1", ToolCallName: "x", Delta: "{}"},
				finish,
			},
		},
		{
			name:    "explicit start left open with chunks",
			events:  []Event{start, TextMessageStart{MessageID: "m1"}, TextMessageChunk{MessageID: "m2", Delta: "a"}, finish},
			wantErr: true,
		},
		{name: "empty", events: nil, wantErr: true},
		{name: "missing start", events: []Event{finish}, wantErr: true},
		{name: "missing terminal", events: []Event{start}, wantErr: true},
		{
			name:    "content without start",
			events:  []Event{start, TextMessageContent{MessageID: "m1", Delta: "x"}, finish},
			wantErr: true,
		},
		{
			name:    "args after end",
			events:  []Event{start, ToolCallStart{ToolCallID: "t1", ToolCallName: "x"}, ToolCallEnd{ToolCallID: "t1"}, ToolCallArgs{ToolCallID: "t1", Delta: "{}"}, finish},
			wantErr: true,
		},
		{
			name:    "open message at terminal",
			events:  []Event{start, TextMessageStart{MessageID: "m1"}, finish},
			wantErr: true,
		},
		{
			name:    "two terminals",
			events:  []Event{start, finish, RunError{Message: "late"}},
			wantErr: true,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := ValidateSequence(tc.events)
			if tc.wantErr {
				var seqErr *SequenceError
				require.ErrorAs(t, err, &seqErr)
				return
			}
			require.NoError(t, err)
		})
	}
}

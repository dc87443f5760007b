package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/agui/runtime/agent"
	"goa.design/agui/runtime/event"
	"goa.design/agui/runtime/message"
	"goa.design/agui/runtime/reconstruct"
	"goa.design/agui/runtime/tools"
)

type testDecoder struct {
	events []ssestream.Event
	i      int
}

func (d *testDecoder) Event() ssestream.Event { return d.events[d.i-1] }

func (d *testDecoder) Next() bool {
	if d.i >= len(d.events) {
		return false
	}
	d.i++
	return true
}

func (d *testDecoder) Close() error { return nil }
func (d *testDecoder) Err() error   { return nil }

type fakeChat struct {
	chunks []string
	err    error
}

func (f *fakeChat) NewStreaming(_ context.Context, _ openai.ChatCompletionNewParams, _ ...option.RequestOption) *ssestream.Stream[openai.ChatCompletionChunk] {
	if f.err != nil {
		return ssestream.NewStream[openai.ChatCompletionChunk](nil, f.err)
	}
	dec := &testDecoder{}
	for _, c := range f.chunks {
		dec.events = append(dec.events, ssestream.Event{Data: []byte(c)})
	}
	return ssestream.NewStream[openai.ChatCompletionChunk](dec, nil)
}

func newAgent(t *testing.T, f *fakeChat) *Agent {
	t.Helper()
	a, err := New(Options{Client: f, Model: "gpt-test"})
	require.NoError(t, err)
	return a
}

func input() *agent.Input {
	return &agent.Input{
		ThreadID: "th",
		RunID:    "r1",
		Messages: []message.Message{{ID: "u1", Role: message.RoleUser, Content: "weather?"}},
	}
}

func TestRunTranslatesChunks(t *testing.T) {
	t.Parallel()
	a := newAgent(t, &fakeChat{chunks: []string{
		`{"id":"c1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"role":"assistant","content":"Checking"}}]}`,
		`{"id":"c1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"t1","type":"function","function":{"name":"weather","arguments":""}}]}}]}`,
		`{"id":"c1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"city\":"}}]}}]}`,
		`{"id":"c1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"tool_calls":[{"index":1,"id":"t2","type":"function","function":{"name":"time","arguments":""}}]}}]}`,
		`{"id":"c1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"Paris\"}"}}]}}]}`,
		`{"id":"c1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`,
		`{"id":"c1","object":"chat.completion.chunk","choices":[],"usage":{"prompt_tokens":9,"completion_tokens":4,"total_tokens":13}}`,
	}})

	s, err := a.Run(context.Background(), input())
	require.NoError(t, err)
	events, err := agent.Collect(s)
	require.NoError(t, err)

	assert.Equal(t, event.RunStarted{ThreadID: "th", RunID: "r1"}, events[0])
	assert.Equal(t, event.TextMessageChunk{MessageID: "c1", Role: message.RoleAssistant, Delta: "Checking"}, events[1])
	assert.Equal(t, event.ToolCallStart{ToolCallID: "t1", ToolCallName: "weather", ParentMessageID: "c1"}, events[2])
	fin, ok := events[len(events)-1].(event.RunFinished)
	require.True(t, ok)
	assert.JSONEq(t, `{"finishReason":"tool_calls","usage":{"inputTokens":9,"outputTokens":4}}`, string(fin.Result))

	rec := reconstruct.New(nil)
	var sealed []message.ToolCall
	for _, e := range events {
		u, err := rec.Apply(e)
		require.NoError(t, err)
		sealed = append(sealed, u.ToolCalls...)
	}
	require.Len(t, sealed, 2)
	assert.Equal(t, "t1", sealed[0].ID)
	assert.Equal(t, `{"city":"Paris"}`, sealed[0].Arguments)
	assert.Equal(t, "t2", sealed[1].ID)
	assert.Equal(t, `{}`, sealed[1].Arguments)
}

func TestRunWithoutFinishReasonEndsWithoutTerminal(t *testing.T) {
	t.Parallel()
	a := newAgent(t, &fakeChat{chunks: []string{
		`{"id":"c2","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"content":"partial"}}]}`,
	}})
	s, err := a.Run(context.Background(), input())
	require.NoError(t, err)
	events, err := agent.Collect(s)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.False(t, event.IsTerminal(events[1]))
}

func TestRunClassifiesRateLimit(t *testing.T) {
	t.Parallel()
	apiErr := &openai.Error{
		StatusCode: http.StatusTooManyRequests,
		Request:    httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil),
		Response:   &http.Response{StatusCode: http.StatusTooManyRequests},
	}
	_, err := newAgent(t, &fakeChat{err: apiErr}).Run(context.Background(), input())
	require.Error(t, err)
	assert.True(t, errors.Is(err, agent.ErrRateLimited))
}

func TestPrepareRequestEncodesHistory(t *testing.T) {
	t.Parallel()
	a, err := New(Options{Client: &fakeChat{}, Model: "gpt-test", System: "be brief", MaxTokens: 100})
	require.NoError(t, err)
	in := &agent.Input{
		State: json.RawMessage(`{"step":2}`),
		Messages: []message.Message{
			{ID: "u1", Role: message.RoleUser, Content: "hi"},
			{ID: "a1", Role: message.RoleAssistant, ToolCalls: []message.ToolCall{{ID: "t1", Name: "weather"}}},
			{ID: "r1", Role: message.RoleTool, ToolCallID: "t1", Content: "sunny"},
		},
		Tools:  []tools.Definition{{Name: "weather", Parameters: json.RawMessage(`{"type":"object"}`)}},
		Resume: &agent.Resume{Name: "confirm", Value: json.RawMessage(`{"ok":true}`)},
	}
	params, err := a.prepareRequest(in)
	require.NoError(t, err)

	require.Len(t, params.Messages, 5)
	require.NotNil(t, params.Messages[0].OfSystem)
	require.NotNil(t, params.Messages[1].OfUser)
	require.NotNil(t, params.Messages[2].OfAssistant)
	require.Len(t, params.Messages[2].OfAssistant.ToolCalls, 1)
	assert.Equal(t, "{}", params.Messages[2].OfAssistant.ToolCalls[0].Function.Arguments)
	require.NotNil(t, params.Messages[3].OfTool)
	assert.Equal(t, "t1", params.Messages[3].OfTool.ToolCallID)
	require.NotNil(t, params.Messages[4].OfUser)

	require.Len(t, params.Tools, 1)
	assert.Equal(t, "weather", params.Tools[0].Function.Name)
	assert.Equal(t, "object", params.Tools[0].Function.Parameters["type"])
}

func TestNewValidatesOptions(t *testing.T) {
	t.Parallel()
	_, err := New(Options{Model: "m"})
	require.Error(t, err)
	_, err = New(Options{Client: &fakeChat{}})
	require.Error(t, err)
	_, err = NewFromAPIKey("", "m")
	require.Error(t, err)
}

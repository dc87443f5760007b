package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/agui/runtime/agent"
	"goa.design/agui/runtime/event"
	"goa.design/agui/runtime/interrupt"
	"goa.design/agui/runtime/message"
	"goa.design/agui/runtime/runlog"
	"goa.design/agui/runtime/runlog/inmem"
	"goa.design/agui/runtime/stream"
	"goa.design/agui/runtime/toolerrors"
	"goa.design/agui/runtime/tools"
)

// scripted is an agent replaying one scripted turn per invocation and
// recording the inputs it received.
type scripted struct {
	mu     sync.Mutex
	turns  []func(in *agent.Input) []event.Event
	inputs []*agent.Input
}

func script(turns ...func(in *agent.Input) []event.Event) *scripted {
	return &scripted{turns: turns}
}

func (s *scripted) Run(_ context.Context, in *agent.Input) (agent.Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inputs = append(s.inputs, in)
	i := len(s.inputs) - 1
	if i >= len(s.turns) {
		i = len(s.turns) - 1
	}
	return agent.Events(s.turns[i](in)...), nil
}

func (s *scripted) calls() []*agent.Input {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*agent.Input(nil), s.inputs...)
}

func turn(events ...event.Event) func(*agent.Input) []event.Event {
	return func(in *agent.Input) []event.Event {
		out := []event.Event{event.RunStarted{ThreadID: in.ThreadID, RunID: in.RunID}}
		out = append(out, events...)
		return append(out, event.RunFinished{ThreadID: in.ThreadID, RunID: in.RunID})
	}
}

func toolCall(id, name, args string) []event.Event {
	return []event.Event{
		event.ToolCallStart{ToolCallID: id, ToolCallName: name},
		event.ToolCallArgs{ToolCallID: id, Delta: args},
		event.ToolCallEnd{ToolCallID: id},
	}
}

func runAgent(t *testing.T, rt *Runtime, req Request) (*Result, []event.Event) {
	t.Helper()
	rec := stream.NewRecorder()
	res, err := rt.RunAgent(context.Background(), req, rec)
	require.NoError(t, err)
	events := rec.Events()
	require.NoError(t, event.ValidateSequence(events), "%v", rec.Types())
	return res, events
}

func lastEvent(events []event.Event) event.Event { return events[len(events)-1] }

func TestRunAgentStreamsTextAndFinishes(t *testing.T) {
	t.Parallel()

	a := script(turn(
		event.TextMessageChunk{MessageID: "m1", Delta: "Hel"},
		event.TextMessageChunk{MessageID: "m1", Delta: "lo"},
	))
	res, events := runAgent(t, New(), Request{Agent: a, AgentID: "assistant", ThreadID: "th", RunID: "r1",
		Messages: []message.Message{{ID: "u1", Role: message.RoleUser, Content: "hi"}}})

	require.Equal(t, OutcomeFinished, res.Outcome)
	require.Equal(t, 1, res.Turns)
	require.Equal(t, event.RunStarted{ThreadID: "th", RunID: "r1"}, events[0])
	require.Equal(t, event.TextMessageEnd{MessageID: "m1"}, events[len(events)-2])
	require.Equal(t, event.RunFinished{ThreadID: "th", RunID: "r1"}, lastEvent(events))
	require.Len(t, res.Messages, 2)
	require.Equal(t, "Hello", res.Messages[1].Content)
	require.Equal(t, message.RoleAssistant, res.Messages[1].Role)
}

func TestToolResultTriggersFollowUp(t *testing.T) {
	t.Parallel()

	reg := tools.NewRegistry()
	require.NoError(t, reg.AddTool(tools.Tool{
		Name:       "get_weather",
		Parameters: json.RawMessage(`{"type":"object","properties":{"city":{"type":"string"}}}`),
		Handler: tools.HandlerFunc(func(_ context.Context, args map[string]any, c tools.Call) (any, error) {
			return map[string]any{"city": args["city"], "forecast": "sunny", "agent": c.Agent.ID}, nil
		}),
	}))
	a := script(
		turn(toolCall("t1", "get_weather", `{"city":"Paris"}`)...),
		turn(event.TextMessageChunk{MessageID: "m2", Delta: "It is sunny."}),
	)
	res, events := runAgent(t, New(WithRegistry(reg)), Request{Agent: a, AgentID: "assistant"})

	inputs := a.calls()
	require.Len(t, inputs, 2)
	require.Equal(t, []tools.Definition{{
		Name:       "get_weather",
		Parameters: json.RawMessage(`{"type":"object","properties":{"city":{"type":"string"}}}`),
	}}, inputs[0].Tools)

	second := inputs[1].Messages
	require.Len(t, second, 2)
	require.Equal(t, message.RoleAssistant, second[0].Role)
	require.Equal(t, "t1", second[0].ToolCalls[0].ID)
	require.Equal(t, message.RoleTool, second[1].Role)
	require.Equal(t, "t1", second[1].ToolCallID)
	require.JSONEq(t, `{"city":"Paris","forecast":"sunny","agent":"assistant"}`, second[1].Content)

	var starts, results int
	for _, e := range events {
		switch e.(type) {
		case event.RunStarted:
			starts++
		case event.ToolCallResult:
			results++
		}
	}
	require.Equal(t, 1, starts)
	require.Equal(t, 1, results)
	require.Equal(t, OutcomeFinished, res.Outcome)
	require.Equal(t, 2, res.Turns)
}

func TestFollowUpFalseStopsAfterResult(t *testing.T) {
	t.Parallel()

	reg := tools.NewRegistry()
	require.NoError(t, reg.AddTool(tools.Tool{
		Name:     "show_card",
		FollowUp: tools.Bool(false),
		Handler: tools.HandlerFunc(func(context.Context, map[string]any, tools.Call) (any, error) {
			return "rendered", nil
		}),
	}))
	a := script(turn(toolCall("t1", "show_card", `{}`)...))
	res, events := runAgent(t, New(WithRegistry(reg)), Request{Agent: a})

	require.Len(t, a.calls(), 1)
	require.Equal(t, OutcomeFinished, res.Outcome)
	result, ok := events[len(events)-2].(event.ToolCallResult)
	require.True(t, ok)
	require.Equal(t, "rendered", result.Content)
}

func TestToolHandlerErrorIsReportedToAgent(t *testing.T) {
	t.Parallel()

	reg := tools.NewRegistry()
	require.NoError(t, reg.AddTool(tools.Tool{
		Name: "flaky",
		Handler: tools.HandlerFunc(func(context.Context, map[string]any, tools.Call) (any, error) {
			return nil, errors.New("service unavailable")
		}),
	}))
	a := script(
		turn(toolCall("t1", "flaky", `{}`)...),
		turn(event.TextMessageChunk{MessageID: "m2", Delta: "Sorry."}),
	)
	res, _ := runAgent(t, New(WithRegistry(reg)), Request{Agent: a})

	require.Equal(t, OutcomeFinished, res.Outcome)
	var status toolerrors.Status
	require.NoError(t, json.Unmarshal([]byte(a.calls()[1].Messages[1].Content), &status))
	require.Equal(t, toolerrors.StatusError, status.Status)
	require.Equal(t, "service unavailable", status.Error)
}

func TestMissingHandlerPassesThrough(t *testing.T) {
	t.Parallel()

	a := script(turn(toolCall("t1", "backend_tool", `{}`)...))
	res, events := runAgent(t, New(), Request{Agent: a})

	require.Len(t, a.calls(), 1)
	require.Equal(t, OutcomeFinished, res.Outcome)
	for _, e := range events {
		_, isResult := e.(event.ToolCallResult)
		require.False(t, isResult)
	}
}

func TestIncompleteStreamEndsInRunError(t *testing.T) {
	t.Parallel()

	a := agent.Func(func(context.Context, *agent.Input) (agent.Stream, error) {
		return agent.Events(
			event.RunStarted{},
			event.TextMessageStart{MessageID: "m1", Role: message.RoleAssistant},
			event.TextMessageContent{MessageID: "m1", Delta: "Hi"},
		), nil
	})
	res, events := runAgent(t, New(), Request{Agent: a})

	require.Equal(t, OutcomeError, res.Outcome)
	require.Equal(t, event.CodeIncompleteStream, res.Error.Code)
	require.Equal(t, event.TextMessageEnd{MessageID: "m1"}, events[len(events)-2])
	runErr := lastEvent(events).(event.RunError)
	require.Equal(t, event.CodeIncompleteStream, runErr.Code)
}

func TestProtocolViolationsEndInRunError(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		events []event.Event
		code   string
	}{
		{
			name:   "invalid tool arguments",
			events: toolCall("t1", "search", `{"x":`),
			code:   event.CodeInvalidToolArguments,
		},
		{
			name:   "content without open message",
			events: []event.Event{event.TextMessageContent{MessageID: "ghost", Delta: "boo"}},
			code:   event.CodeMessageNotOpen,
		},
		{
			name:   "delta before snapshot",
			events: []event.Event{event.StateDelta{Delta: []event.PatchOperation{{Op: "add", Path: "/a", Value: json.RawMessage(`1`)}}}},
			code:   event.CodeStateNotInitialized,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			res, events := runAgent(t, New(), Request{Agent: script(turn(tc.events...))})
			require.Equal(t, OutcomeError, res.Outcome)
			require.Equal(t, tc.code, res.Error.Code)
			require.Equal(t, tc.code, lastEvent(events).(event.RunError).Code)
		})
	}
}

func TestBackendRunErrorBecomesTerminal(t *testing.T) {
	t.Parallel()

	a := agent.Func(func(context.Context, *agent.Input) (agent.Stream, error) {
		return agent.Events(
			event.RunStarted{},
			event.TextMessageChunk{MessageID: "m1", Delta: "partial"},
			event.RunError{Code: "RATE_LIMITED", Message: "slow down"},
		), nil
	})
	res, events := runAgent(t, New(), Request{Agent: a})
	require.Equal(t, "RATE_LIMITED", res.Error.Code)
	require.Equal(t, event.RunError{Code: "RATE_LIMITED", Message: "slow down"}, lastEvent(events))
}

func TestStateEventsAreSynchronized(t *testing.T) {
	t.Parallel()

	a := script(turn(
		event.TextMessageChunk{MessageID: "m1", Delta: "updating"},
		event.StateDelta{Delta: []event.PatchOperation{{Op: "replace", Path: "/count", Value: json.RawMessage(`2`)}}},
	))
	res, _ := runAgent(t, New(), Request{Agent: a, AgentID: "counter", RunID: "r1", State: json.RawMessage(`{"count":1}`)})

	require.JSONEq(t, `{"count":2}`, string(res.State))
	require.JSONEq(t, `{"count":1}`, string(a.calls()[0].State))
	snap, ok := res.Sync.Cache().ByMessage("m1")
	require.True(t, ok)
	require.JSONEq(t, `{"count":2}`, string(snap))
}

func TestMaxTurnsBoundsFollowUps(t *testing.T) {
	t.Parallel()

	reg := tools.NewRegistry()
	require.NoError(t, reg.AddTool(tools.Tool{Name: "again", Handler: tools.HandlerFunc(func(context.Context, map[string]any, tools.Call) (any, error) {
		return "ok", nil
	})}))
	n := 0
	var mu sync.Mutex
	a := agent.Func(func(_ context.Context, in *agent.Input) (agent.Stream, error) {
		mu.Lock()
		n++
		id := "t" + string(rune('0'+n))
		mu.Unlock()
		return agent.Events(turn(toolCall(id, "again", `{}`)...)(in)...), nil
	})
	res, _ := runAgent(t, New(WithRegistry(reg), WithMaxTurns(2)), Request{Agent: a})
	require.Equal(t, event.CodeMaxTurnsExceeded, res.Error.Code)
	require.Equal(t, 2, res.Turns)
}

func TestInterruptParksUntilResolved(t *testing.T) {
	t.Parallel()

	parked := make(chan string, 1)
	rt := New(WithInterruptHandler(interrupt.HandlerFunc(func(_ context.Context, runID string, ev event.Interrupt, _ interrupt.Resolver) {
		parked <- runID
	})))
	a := script(
		turn(event.Interrupt{Name: "approve", Value: json.RawMessage(`{"amount":10}`)}),
		turn(event.TextMessageChunk{MessageID: "m2", Delta: "Approved."}),
	)

	done := make(chan *Result, 1)
	rec := stream.NewRecorder()
	go func() {
		res, err := rt.RunAgent(context.Background(), Request{Agent: a, RunID: "r-int"}, rec)
		assert.NoError(t, err)
		done <- res
	}()

	runID := <-parked
	pending, ok := rt.Pending(runID)
	require.True(t, ok)
	require.Equal(t, "approve", pending.Name)
	require.ErrorIs(t, rt.Resolve(runID, json.RawMessage(`{"approved":`)), interrupt.ErrMalformedResolution)
	require.NoError(t, rt.Resolve(runID, json.RawMessage(`{"approved":true}`)))
	err := rt.Resolve(runID, json.RawMessage(`{"approved":false}`))
	require.True(t, errors.Is(err, interrupt.ErrAlreadyResolved) || errors.Is(err, ErrRunNotFound) || errors.Is(err, interrupt.ErrNotInterrupted))

	res := <-done
	require.Equal(t, OutcomeFinished, res.Outcome)
	inputs := a.calls()
	require.Len(t, inputs, 2)
	require.Nil(t, inputs[0].Resume)
	require.Equal(t, &agent.Resume{Name: "approve", Value: json.RawMessage(`{"approved":true}`)}, inputs[1].Resume)
	require.NoError(t, event.ValidateSequence(rec.Events()))
	require.Contains(t, rec.Types(), event.TypeInterrupt)
}

func TestStopWhileInterruptedFinishesRun(t *testing.T) {
	t.Parallel()

	parked := make(chan string, 1)
	rt := New(WithInterruptHandler(interrupt.HandlerFunc(func(_ context.Context, runID string, _ event.Interrupt, _ interrupt.Resolver) {
		parked <- runID
	})))
	a := script(turn(event.Interrupt{Name: "confirm"}))
	done := make(chan *Result, 1)
	rec := stream.NewRecorder()
	go func() {
		res, err := rt.RunAgent(context.Background(), Request{Agent: a, RunID: "r-stop"}, rec)
		assert.NoError(t, err)
		done <- res
	}()
	require.NoError(t, rt.Stop(<-parked))

	select {
	case res := <-done:
		require.Equal(t, OutcomeStopped, res.Outcome)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop")
	}
	events := rec.Events()
	require.NoError(t, event.ValidateSequence(events))
	require.IsType(t, event.RunFinished{}, lastEvent(events))
	require.Len(t, a.calls(), 1)
	require.ErrorIs(t, rt.Stop("r-stop"), ErrRunNotFound)
}

func TestStopCancelsCurrentTurn(t *testing.T) {
	t.Parallel()

	rt := New()
	streaming := make(chan struct{})
	a := agent.Func(func(ctx context.Context, in *agent.Input) (agent.Stream, error) {
		return agent.Pipe(ctx, func(ctx context.Context, emit agent.Emit) error {
			if err := emit(event.RunStarted{ThreadID: in.ThreadID, RunID: in.RunID}); err != nil {
				return err
			}
			if err := emit(event.TextMessageChunk{MessageID: "m1", Delta: "thinking"}); err != nil {
				return err
			}
			close(streaming)
			<-ctx.Done()
			return ctx.Err()
		}), nil
	})
	done := make(chan *Result, 1)
	rec := stream.NewRecorder()
	go func() {
		res, err := rt.RunAgent(context.Background(), Request{Agent: a, RunID: "r-cancel"}, rec)
		assert.NoError(t, err)
		done <- res
	}()
	<-streaming
	require.Eventually(t, func() bool { return rt.Stop("r-cancel") == nil }, time.Second, 5*time.Millisecond)

	res := <-done
	require.Equal(t, OutcomeStopped, res.Outcome)
	events := rec.Events()
	require.NoError(t, event.ValidateSequence(events))
	require.Equal(t, event.RunFinished{ThreadID: res.ThreadID, RunID: "r-cancel"}, lastEvent(events))
}

func TestRunLogRecordsDeliveredEvents(t *testing.T) {
	t.Parallel()

	store := inmem.New()
	rt := New(WithRunLog(store))
	_, events := runAgent(t, rt, Request{Agent: script(turn(event.TextMessageChunk{MessageID: "m1", Delta: "x"})), RunID: "r-log"})

	page, err := store.List(context.Background(), "r-log", "", 100)
	require.NoError(t, err)
	require.Len(t, page.Entries, len(events))
	for i, entry := range page.Entries {
		require.Equal(t, events[i].Type(), entry.Type)
	}
}

func TestRunAgentValidation(t *testing.T) {
	t.Parallel()

	_, err := New().RunAgent(context.Background(), Request{}, stream.NewRecorder())
	require.ErrorIs(t, err, ErrAgentRequired)
	require.ErrorIs(t, New().Resolve("nope", json.RawMessage(`1`)), ErrRunNotFound)
}

func TestSinkFailureAbortsRun(t *testing.T) {
	t.Parallel()

	gone := errors.New("client disconnected")
	sink := stream.SinkFunc(func(context.Context, event.Event) error { return gone })
	_, err := New().RunAgent(context.Background(), Request{Agent: script(turn())}, sink)
	require.ErrorIs(t, err, gone)
}

// flakyStore is a run log that becomes unavailable after a number of appends.
type flakyStore struct {
	*inmem.Store

	mu    sync.Mutex
	left  int
	calls int
}

func (s *flakyStore) Append(ctx context.Context, e *runlog.Entry) error {
	s.mu.Lock()
	s.calls++
	if s.left == 0 {
		s.mu.Unlock()
		return errors.New("run log unavailable")
	}
	s.left--
	s.mu.Unlock()
	return s.Store.Append(ctx, e)
}

func loggedEvents(t *testing.T, store runlog.Store, runID string) []event.Event {
	t.Helper()
	page, err := store.List(context.Background(), runID, "", 100)
	require.NoError(t, err)
	out := make([]event.Event, 0, len(page.Entries))
	for _, entry := range page.Entries {
		e, err := event.Unmarshal(entry.Payload)
		require.NoError(t, err)
		out = append(out, e)
	}
	return out
}

func TestRunLogFailureDoesNotAbortRun(t *testing.T) {
	t.Parallel()

	store := &flakyStore{Store: inmem.New(), left: 2}
	rt := New(WithRunLog(store))
	res, events := runAgent(t, rt, Request{
		Agent: script(turn(
			event.TextMessageChunk{MessageID: "m1", Delta: "Hel"},
			event.TextMessageChunk{MessageID: "m1", Delta: "lo"},
		)),
		RunID: "r-flaky",
	})

	require.Equal(t, OutcomeFinished, res.Outcome)
	require.Equal(t, event.TypeRunFinished, lastEvent(events).Type())
	logged := loggedEvents(t, store.Store, "r-flaky")
	require.Len(t, logged, 2)
	store.mu.Lock()
	defer store.mu.Unlock()
	require.Equal(t, 3, store.calls, "the log is not retried once it failed")
}

func TestSinkFailureClosesRunLog(t *testing.T) {
	t.Parallel()

	store := inmem.New()
	gone := errors.New("client disconnected")
	var sent int
	sink := stream.SinkFunc(func(context.Context, event.Event) error {
		sent++
		if sent >= 3 {
			return gone
		}
		return nil
	})
	a := script(turn(
		event.TextMessageChunk{MessageID: "m1", Delta: "Hel"},
		event.TextMessageChunk{MessageID: "m1", Delta: "lo"},
	))
	_, err := New(WithRunLog(store)).RunAgent(context.Background(), Request{Agent: a, RunID: "r-gone"}, sink)
	require.ErrorIs(t, err, gone)

	logged := loggedEvents(t, store, "r-gone")
	require.NoError(t, event.ValidateSequence(logged))
	last, ok := lastEvent(logged).(event.RunError)
	require.True(t, ok, "%T", lastEvent(logged))
	require.Equal(t, event.CodeAgentError, last.Code)
}

package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"go.opentelemetry.io/otel/codes"

	"goa.design/agui/runtime/agent"
	"goa.design/agui/runtime/event"
	"goa.design/agui/runtime/finalize"
	"goa.design/agui/runtime/interrupt"
	"goa.design/agui/runtime/message"
	"goa.design/agui/runtime/reconstruct"
	"goa.design/agui/runtime/runlog"
	"goa.design/agui/runtime/state"
	"goa.design/agui/runtime/stream"
	"goa.design/agui/runtime/telemetry"
	"goa.design/agui/runtime/tools"
)

type (
	// run is the in-memory context of one executing run.
	run struct {
		threadID string
		runID    string
		agentID  string

		rec       *reconstruct.Reconstructor
		sync      *state.Synchronizer
		tracker   *finalize.Tracker
		handshake *interrupt.Handshake

		// sink is the caller's sink; a failure to deliver to it aborts the
		// run. mirrors receive the same events best-effort.
		sink    stream.Sink
		mirrors stream.Sink

		// turnCtx is cancelled by a stop request; agent turns and interrupt
		// waits run under it while tool handlers run under the caller's ctx.
		turnCtx context.Context
		stop    context.CancelFunc

		mu      sync.Mutex
		stopped bool
	}

	// turnResult is the outcome of draining one agent turn.
	turnResult struct {
		calls     []message.ToolCall
		interrupt *event.Interrupt
		finished  *event.RunFinished
		failure   *finalize.Failure
		// cut reports a stream that ended without terminal event.
		cut error
	}

	// sinkError wraps a delivery failure to the client.
	sinkError struct{ err error }
)

func (e *sinkError) Error() string { return "runtime: deliver event: " + e.err.Error() }
func (e *sinkError) Unwrap() error { return e.err }

func (ru *run) requestStop() {
	ru.mu.Lock()
	ru.stopped = true
	ru.mu.Unlock()
	ru.stop()
}

func (ru *run) stopRequested() bool {
	ru.mu.Lock()
	defer ru.mu.Unlock()
	return ru.stopped
}

// RunAgent executes a run and streams its events to sink. Every run delivers
// RUN_STARTED first and exactly one terminal event last, whatever the
// backend does. Protocol violations, backend errors and incomplete streams
// end the run with RUN_ERROR and are reported in the Result, not as an error.
// RunAgent returns an error only for invalid requests and when events cannot
// be delivered to sink.
func (r *Runtime) RunAgent(ctx context.Context, req Request, sink stream.Sink) (*Result, error) {
	if req.Agent == nil {
		return nil, ErrAgentRequired
	}
	if req.ThreadID == "" {
		req.ThreadID = event.NewThreadID()
	}
	if req.RunID == "" {
		req.RunID = event.NewRunID()
	}
	ru, err := r.newRun(ctx, req, sink)
	if err != nil {
		return nil, err
	}
	if err := r.register(ru); err != nil {
		ru.stop()
		return nil, err
	}
	defer r.unregister(ru.runID)
	defer ru.stop()
	defer func() {
		cctx := context.WithoutCancel(ctx)
		if err := errors.Join(ru.sink.Close(cctx), ru.mirrors.Close(cctx)); err != nil {
			r.logger.Warn(ctx, "closing run sinks failed", "run_id", ru.runID, "err", err)
		}
	}()

	ctx, span := r.tracer.Start(ctx, "agui.run")
	defer span.End()
	span.AddEvent("run.start", "run_id", ru.runID, "thread_id", ru.threadID, "agent_id", ru.agentID)
	r.metrics.IncCounter(telemetry.MetricRunStarted, 1, "agent", ru.agentID)
	r.logger.Info(ctx, "run started", "run_id", ru.runID, "thread_id", ru.threadID, "agent_id", ru.agentID)

	res, err := r.execute(ctx, ru, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.logger.Error(ctx, "run aborted", "run_id", ru.runID, "err", err)
		r.abort(ctx, ru, err)
		return nil, err
	}
	if res.Error != nil {
		span.SetStatus(codes.Error, res.Error.Code)
		r.logger.Warn(ctx, "run failed", "run_id", ru.runID, "code", res.Error.Code, "message", res.Error.Message)
	} else {
		r.logger.Info(ctx, "run completed", "run_id", ru.runID, "outcome", string(res.Outcome), "turns", res.Turns)
	}
	r.metrics.IncCounter(telemetry.MetricRunCompleted, 1, "agent", ru.agentID, "outcome", string(res.Outcome))
	return res, nil
}

func (r *Runtime) newRun(ctx context.Context, req Request, sink stream.Sink) (*run, error) {
	var opts []state.Option
	if r.patcher != nil {
		opts = append(opts, state.WithPatcher(r.patcher))
	}
	sz := state.NewSynchronizer(req.RunID, req.AgentID, opts...)
	if req.State != nil {
		if err := sz.Init(req.State); err != nil {
			return nil, fmt.Errorf("runtime: initial state: %w", err)
		}
	}
	var mirrors []stream.Sink
	if r.runLog != nil {
		mirrors = append(mirrors, r.mirror("runlog", req.RunID, runlog.NewSink(r.runLog, req.RunID, req.ThreadID, req.AgentID)))
	}
	if r.broadcast != nil {
		b, err := r.broadcast.Open(ctx, req.ThreadID, req.RunID)
		if err != nil {
			return nil, fmt.Errorf("runtime: open broadcast for run %s: %w", req.RunID, err)
		}
		mirrors = append(mirrors, r.mirror("broadcast", req.RunID, b))
	}
	var hopts []interrupt.Option
	if r.validator != nil {
		hopts = append(hopts, interrupt.WithValidator(r.validator))
	}
	turnCtx, stop := context.WithCancel(ctx)
	return &run{
		threadID:  req.ThreadID,
		runID:     req.RunID,
		agentID:   req.AgentID,
		rec:       reconstruct.New(req.Messages),
		sync:      sz,
		tracker:   finalize.NewTracker(),
		handshake: interrupt.New(hopts...),
		sink:      sink,
		mirrors:   stream.Multi(mirrors...),
		turnCtx:   turnCtx,
		stop:      stop,
	}, nil
}

// execute drives the turn loop until the run terminates.
func (r *Runtime) execute(ctx context.Context, ru *run, req Request) (*Result, error) {
	if err := r.emit(ctx, ru, event.RunStarted{ThreadID: ru.threadID, RunID: ru.runID, ParentRunID: req.ParentRunID}); err != nil {
		return nil, err
	}
	offered := r.offeredTools(ru.agentID, req.Tools)
	var (
		resume *agent.Resume
		turns  int
	)
	for {
		if ru.stopRequested() || ctx.Err() != nil {
			return r.finish(ctx, ru, finalize.Options{StopRequested: true}, nil, turns)
		}
		if turns >= r.maxTurns {
			return r.finish(ctx, ru, finalize.Options{Failure: &finalize.Failure{
				Code:    event.CodeMaxTurnsExceeded,
				Message: fmt.Sprintf("run exceeded %d agent turns", r.maxTurns),
			}}, nil, turns)
		}
		turns++
		value, _, _ := ru.sync.State()
		in := &agent.Input{
			ThreadID:       ru.threadID,
			RunID:          ru.runID,
			ParentRunID:    req.ParentRunID,
			AgentID:        ru.agentID,
			State:          value,
			Messages:       ru.rec.Messages(),
			Tools:          offered,
			Context:        req.Context,
			ForwardedProps: req.ForwardedProps,
			Resume:         resume,
		}
		resume = nil

		tr, err := r.turn(ctx, ru, req.Agent, in)
		if err != nil {
			return nil, err
		}
		if tr.failure != nil {
			return r.finish(ctx, ru, finalize.Options{Failure: tr.failure}, nil, turns)
		}

		outcomes, failure, err := r.runTools(ctx, ru, tr.calls)
		if err != nil {
			return nil, err
		}
		if failure != nil {
			return r.finish(ctx, ru, finalize.Options{Failure: failure}, nil, turns)
		}

		switch {
		case tr.interrupt != nil:
			res, err := r.park(ctx, ru, *tr.interrupt)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, interrupt.ErrTerminated) {
					return r.finish(ctx, ru, finalize.Options{StopRequested: true}, nil, turns)
				}
				return nil, err
			}
			resume = &agent.Resume{Name: res.Name, Value: res.Value}
			ru.handshake.Resume()
		case ru.stopRequested() || ctx.Err() != nil:
			return r.finish(ctx, ru, finalize.Options{StopRequested: true}, nil, turns)
		case tr.cut != nil:
			return r.finish(ctx, ru, finalize.Options{Failure: &finalize.Failure{
				Code:    event.CodeIncompleteStream,
				Message: fmt.Sprintf("%s: %v", finalize.IncompleteMessage, tr.cut),
			}}, nil, turns)
		case tr.finished == nil:
			return r.finish(ctx, ru, finalize.Options{}, nil, turns)
		case tools.FollowUp(outcomes):
			continue
		default:
			return r.finish(ctx, ru, finalize.Options{}, tr.finished, turns)
		}
	}
}

// turn runs one agent invocation and forwards its events.
func (r *Runtime) turn(ctx context.Context, ru *run, a agent.Agent, in *agent.Input) (turnResult, error) {
	tctx, span := r.tracer.Start(ru.turnCtx, "agui.turn")
	defer span.End()

	var tr turnResult
	s, err := a.Run(tctx, in)
	if err != nil {
		if ru.stopRequested() || ctx.Err() != nil {
			return tr, nil
		}
		span.RecordError(err)
		tr.failure = &finalize.Failure{Code: event.CodeAgentError, Message: err.Error()}
		return tr, nil
	}
	defer func() { _ = s.Close() }()

	for {
		e, err := s.Recv()
		if err != nil {
			if ferr := r.flush(ctx, ru, &tr); ferr != nil {
				return tr, ferr
			}
			if ru.stopRequested() || ctx.Err() != nil || tr.failure != nil {
				return tr, nil
			}
			if errors.Is(err, io.EOF) {
				tr.cut = errors.New("stream closed")
			} else {
				tr.cut = err
			}
			return tr, nil
		}
		done, err := r.handle(ctx, ru, e, &tr)
		if err != nil {
			return tr, err
		}
		if done {
			return tr, nil
		}
	}
}

// handle processes one backend event. It returns true once the turn is over.
func (r *Runtime) handle(ctx context.Context, ru *run, e event.Event, tr *turnResult) (bool, error) {
	switch ev := e.(type) {
	case event.RunStarted:
		return false, nil
	case event.RunFinished:
		tr.finished = &ev
		return true, r.flush(ctx, ru, tr)
	case event.RunError:
		code := ev.Code
		if code == "" {
			code = event.CodeAgentError
		}
		tr.failure = &finalize.Failure{Code: code, Message: ev.Message}
		return true, nil
	case event.Interrupt:
		if err := r.flush(ctx, ru, tr); err != nil || tr.failure != nil {
			return true, err
		}
		tr.interrupt = &ev
		return true, r.emit(ctx, ru, ev)
	}

	u, err := ru.rec.Apply(e)
	if err != nil {
		tr.failure = failureOf(err)
		return true, nil
	}
	for _, implied := range u.Implied {
		if err := r.emit(ctx, ru, implied); err != nil {
			return true, err
		}
	}
	if event.IsState(e) {
		if err := ru.sync.Apply(e, ru.rec.CurrentMessageID()); err != nil {
			tr.failure = failureOf(err)
			return true, nil
		}
	}
	if len(u.Evicted) > 0 {
		ru.sync.Evict(u.Evicted...)
	}
	tr.calls = append(tr.calls, u.ToolCalls...)
	return false, r.emit(ctx, ru, e)
}

// flush seals chunk-opened items at the end of a turn.
func (r *Runtime) flush(ctx context.Context, ru *run, tr *turnResult) error {
	u, err := ru.rec.Flush()
	for _, implied := range u.Implied {
		if eerr := r.emit(ctx, ru, implied); eerr != nil {
			return eerr
		}
	}
	if err != nil {
		tr.failure = failureOf(err)
		return nil
	}
	tr.calls = append(tr.calls, u.ToolCalls...)
	return nil
}

// runTools executes sealed calls and delivers their results.
func (r *Runtime) runTools(ctx context.Context, ru *run, calls []message.ToolCall) ([]tools.Outcome, *finalize.Failure, error) {
	if len(calls) == 0 {
		return nil, nil, nil
	}
	outcomes := r.executor.Execute(ctx, tools.AgentInfo{ID: ru.agentID, ThreadID: ru.threadID, RunID: ru.runID}, calls)
	for _, o := range outcomes {
		if o.Result == nil {
			continue
		}
		if _, err := ru.rec.Apply(*o.Result); err != nil {
			return nil, failureOf(err), nil
		}
		if err := r.emit(ctx, ru, *o.Result); err != nil {
			return nil, nil, err
		}
	}
	return outcomes, nil, nil
}

// park suspends the run on an interrupt until it is resolved or abandoned.
func (r *Runtime) park(ctx context.Context, ru *run, ev event.Interrupt) (interrupt.Resolution, error) {
	resolver, err := ru.handshake.Park(ev)
	if err != nil {
		return interrupt.Resolution{}, err
	}
	r.metrics.IncCounter(telemetry.MetricInterruptParked, 1, "agent", ru.agentID, "interrupt", ev.Name)
	r.logger.Info(ctx, "run interrupted", "run_id", ru.runID, "interrupt", ev.Name)
	if r.handler != nil {
		r.handler.HandleInterrupt(ctx, ru.runID, ev, resolver)
	}
	return ru.handshake.Wait(ru.turnCtx)
}

// finish delivers the closing events of the run and builds its result.
// finished is the backend's RUN_FINISHED for a clean completion.
func (r *Runtime) finish(ctx context.Context, ru *run, opts finalize.Options, finished *event.RunFinished, turns int) (*Result, error) {
	ctx = context.WithoutCancel(ctx)
	opts.ThreadID, opts.RunID = ru.threadID, ru.runID
	var tail []event.Event
	if finished != nil {
		texts, calls := ru.tracker.Open()
		for _, id := range texts {
			tail = append(tail, event.TextMessageEnd{MessageID: id})
		}
		for _, id := range calls {
			tail = append(tail, event.ToolCallEnd{ToolCallID: id})
		}
		tail = append(tail, event.RunFinished{ThreadID: ru.threadID, RunID: ru.runID, Result: finished.Result})
	} else {
		tail = ru.tracker.Finalize(opts)
	}
	for _, e := range tail {
		if err := r.emit(ctx, ru, e); err != nil {
			return nil, err
		}
	}
	ru.handshake.Terminate()

	res := &Result{
		ThreadID: ru.threadID,
		RunID:    ru.runID,
		Messages: ru.rec.Messages(),
		Turns:    turns,
		Sync:     ru.sync,
	}
	res.State, _, _ = ru.sync.State()
	switch {
	case opts.StopRequested:
		res.Outcome = OutcomeStopped
	case finished != nil:
		res.Outcome = OutcomeFinished
	default:
		res.Outcome = OutcomeError
		if len(tail) > 0 {
			if last, ok := tail[len(tail)-1].(event.RunError); ok {
				res.Error = &last
			}
		}
	}
	return res, nil
}

// emit delivers e to the run's sinks.
func (r *Runtime) emit(ctx context.Context, ru *run, e event.Event) error {
	ru.tracker.Observe(e)
	r.metrics.IncCounter(telemetry.MetricRunEvents, 1, "type", string(e.Type()))
	err := ru.sink.Send(ctx, e)
	_ = ru.mirrors.Send(ctx, e)
	if err != nil {
		ru.stop()
		return &sinkError{err: err}
	}
	return nil
}

// mirror wraps a secondary sink of a run so its failures are logged and
// counted without affecting the run.
func (r *Runtime) mirror(name, runID string, s stream.Sink) stream.Sink {
	return stream.BestEffort(s, func(ctx context.Context, e event.Event, err error) {
		r.metrics.IncCounter(telemetry.MetricMirrorFailures, 1, "sink", name)
		r.logger.Error(ctx, "run sink failed, dropping remaining events", "run_id", runID, "sink", name, "event", string(e.Type()), "err", err)
	})
}

// abort closes the stream of a run that could not be delivered. The closing
// events go to the mirrors and, if it still accepts them, the caller's sink.
func (r *Runtime) abort(ctx context.Context, ru *run, cause error) {
	ctx = context.WithoutCancel(ctx)
	ru.handshake.Terminate()
	tail := ru.tracker.Finalize(finalize.Options{
		ThreadID: ru.threadID,
		RunID:    ru.runID,
		Failure:  &finalize.Failure{Code: event.CodeAgentError, Message: cause.Error()},
	})
	primary := true
	for _, e := range tail {
		if primary && ru.sink.Send(ctx, e) != nil {
			primary = false
		}
		_ = ru.mirrors.Send(ctx, e)
	}
}

// offeredTools merges the registry's tools for agentID with the
// client-declared tools of the request.
func (r *Runtime) offeredTools(agentID string, declared []tools.Definition) []tools.Definition {
	defs := r.registry.BuildFrontendTools(agentID)
	seen := make(map[string]bool, len(defs))
	for _, d := range defs {
		seen[d.Name] = true
	}
	for _, d := range declared {
		if !seen[d.Name] {
			seen[d.Name] = true
			defs = append(defs, d)
		}
	}
	return defs
}

// failureOf maps a protocol or state error to the run failure it causes.
func failureOf(err error) *finalize.Failure {
	var pe *reconstruct.ProtocolError
	if errors.As(err, &pe) {
		return &finalize.Failure{Code: pe.Code, Message: pe.Message}
	}
	var se *state.Error
	if errors.As(err, &se) {
		return &finalize.Failure{Code: se.Code, Message: se.Err.Error()}
	}
	return &finalize.Failure{Code: event.CodeAgentError, Message: err.Error()}
}

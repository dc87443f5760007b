package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"goa.design/agui/runtime/event"
	"goa.design/agui/runtime/message"
	"goa.design/agui/runtime/telemetry"
	"goa.design/agui/runtime/toolerrors"
)

type (
	// MissingHandlerPolicy decides what happens when an agent calls a tool
	// that has no registered handler.
	MissingHandlerPolicy int

	// Executor runs the handlers of sealed tool calls.
	Executor struct {
		registry    *Registry
		missing     MissingHandlerPolicy
		maxParallel int
		logger      telemetry.Logger
		metrics     telemetry.Metrics
		tracer      telemetry.Tracer
	}

	// ExecutorOption configures an Executor.
	ExecutorOption func(*Executor)

	// Outcome is the result of executing one tool call.
	Outcome struct {
		// Call is the executed tool call.
		Call message.ToolCall
		// Result is the TOOL_CALL_RESULT to emit, nil when the call was
		// passed through to the agent backend.
		Result *event.ToolCallResult
		// FollowUp reports whether this outcome asks for the agent to be
		// re-invoked.
		FollowUp bool
		// Err is set when the handler failed or could not run.
		Err *toolerrors.ToolError
	}
)

const (
	// PassThrough leaves calls without handler to the agent backend: no
	// result is emitted and no follow-up is requested.
	PassThrough MissingHandlerPolicy = iota
	// ReportNoHandler emits an error result with reason "no_handler" and
	// re-invokes the agent so it can react.
	ReportNoHandler
)

// WithMissingHandlerPolicy sets the behavior for calls without handler.
func WithMissingHandlerPolicy(p MissingHandlerPolicy) ExecutorOption {
	return func(e *Executor) { e.missing = p }
}

// WithMaxParallel bounds the number of handlers running concurrently for one
// batch of calls. Values below 1 run calls sequentially.
func WithMaxParallel(n int) ExecutorOption {
	return func(e *Executor) { e.maxParallel = n }
}

// WithTelemetry sets the logger, metrics and tracer used by the executor.
func WithTelemetry(l telemetry.Logger, m telemetry.Metrics, t telemetry.Tracer) ExecutorOption {
	return func(e *Executor) {
		if l != nil {
			e.logger = l
		}
		if m != nil {
			e.metrics = m
		}
		if t != nil {
			e.tracer = t
		}
	}
}

// NewExecutor returns an executor resolving handlers in registry.
func NewExecutor(registry *Registry, opts ...ExecutorOption) *Executor {
	e := &Executor{
		registry:    registry,
		maxParallel: 4,
		logger:      telemetry.NoopLogger{},
		metrics:     telemetry.NoopMetrics{},
		tracer:      telemetry.NoopTracer{},
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Execute runs the handlers of calls, independent calls concurrently, and
// returns one outcome per call in the order of calls. Handler errors and
// panics are contained in the outcomes; Execute itself never fails.
func (e *Executor) Execute(ctx context.Context, agent AgentInfo, calls []message.ToolCall) []Outcome {
	outcomes := make([]Outcome, len(calls))
	var g errgroup.Group
	if e.maxParallel > 0 {
		g.SetLimit(e.maxParallel)
	} else {
		g.SetLimit(1)
	}
	for i, call := range calls {
		g.Go(func() error {
			outcomes[i] = e.execute(ctx, agent, call)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

// FollowUp reports whether any outcome asks for the agent to be re-invoked.
func FollowUp(outcomes []Outcome) bool {
	for _, o := range outcomes {
		if o.FollowUp {
			return true
		}
	}
	return false
}

func (e *Executor) execute(ctx context.Context, agent AgentInfo, call message.ToolCall) Outcome {
	out := Outcome{Call: call}
	entry, ok := e.registry.lookup(call.Name, agent.ID)
	if !ok || entry.tool.Handler == nil {
		if e.missing == PassThrough {
			e.logger.Debug(ctx, "tool call passed through", "tool", call.Name, "tool_call_id", call.ID, "run_id", agent.RunID)
			e.metrics.IncCounter(telemetry.MetricToolExecutions, 1, "tool", call.Name, "status", "passthrough")
			return out
		}
		return e.fail(ctx, out, toolerrors.New(toolerrors.ReasonNoHandler,
			fmt.Sprintf("no handler registered for tool %q", call.Name)), true)
	}
	followUp := entry.tool.FollowsUp()

	if err := entry.validate(call.Arguments); err != nil {
		return e.fail(ctx, out, toolerrors.NewWithCause(toolerrors.ReasonInvalidArguments,
			fmt.Sprintf("invalid arguments for tool %q: %v", call.Name, err), err), followUp)
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
		return e.fail(ctx, out, toolerrors.NewWithCause(toolerrors.ReasonInvalidArguments,
			fmt.Sprintf("arguments for tool %q must be a JSON object", call.Name), err), followUp)
	}
	if args == nil {
		args = map[string]any{}
	}

	ctx, span := e.tracer.Start(ctx, "agui.tool")
	defer span.End()
	span.AddEvent("tool.start", "tool", call.Name, "tool_call_id", call.ID)
	start := time.Now()
	result, err := invoke(ctx, entry.tool.Handler, args, Call{ToolCall: call, Agent: agent})
	e.metrics.RecordTimer(telemetry.MetricToolDuration, time.Since(start), "tool", call.Name)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return e.fail(ctx, out, err, followUp)
	}
	content, cerr := encodeResult(result)
	if cerr != nil {
		return e.fail(ctx, out, toolerrors.NewWithCause(toolerrors.ReasonHandlerError,
			fmt.Sprintf("encode result of tool %q: %v", call.Name, cerr), cerr), followUp)
	}
	e.metrics.IncCounter(telemetry.MetricToolExecutions, 1, "tool", call.Name, "status", "ok")
	out.Result = resultEvent(call, content)
	out.FollowUp = followUp
	return out
}

func (e *Executor) fail(ctx context.Context, out Outcome, err *toolerrors.ToolError, followUp bool) Outcome {
	e.logger.Warn(ctx, "tool call failed", "tool", out.Call.Name, "tool_call_id", out.Call.ID, "reason", err.Reason, "err", err)
	e.metrics.IncCounter(telemetry.MetricToolExecutions, 1, "tool", out.Call.Name, "status", err.Reason)
	out.Err = err
	out.Result = resultEvent(out.Call, err.Status().Content())
	out.FollowUp = followUp
	return out
}

// invoke runs the handler, converting a panic into a tool error.
func invoke(ctx context.Context, h Handler, args map[string]any, call Call) (result any, terr *toolerrors.ToolError) {
	defer func() {
		if r := recover(); r != nil {
			terr = toolerrors.New(toolerrors.ReasonHandlerPanic, fmt.Sprintf("tool %q panicked: %v", call.ToolCall.Name, r))
		}
	}()
	res, err := h.HandleTool(ctx, args, call)
	if err != nil {
		return nil, toolerrors.FromError(err)
	}
	return res, nil
}

func encodeResult(v any) (string, error) {
	switch r := v.(type) {
	case nil:
		return "", nil
	case string:
		return r, nil
	case []byte:
		return string(r), nil
	case json.RawMessage:
		return string(r), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func resultEvent(call message.ToolCall, content string) *event.ToolCallResult {
	return &event.ToolCallResult{
		MessageID:  message.ResultMessageID(call.ID),
		ToolCallID: call.ID,
		Content:    content,
		Role:       message.RoleTool,
	}
}

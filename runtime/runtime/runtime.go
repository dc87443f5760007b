// Package runtime orchestrates agent runs. It drives an agent backend turn by
// turn, folds the backend's events into messages, tool calls and shared state,
// executes frontend tools and re-enters the agent with their results, parks
// runs on interrupts until they are resolved, and guarantees that every event
// sequence delivered to the client is well-formed and terminated.
//
// The Runtime is safe for concurrent use: runs are independent and share only
// the tool registry, which is read-only while runs execute.
//
// Example usage:
//
//	reg := tools.NewRegistry()
//	_ = reg.AddTool(tools.Tool{Name: "get_weather", Handler: weather})
//	rt := runtime.New(runtime.WithRegistry(reg), runtime.WithLogger(telemetry.NewClueLogger()))
//	res, err := rt.RunAgent(ctx, runtime.Request{Agent: backend, AgentID: "assistant", Messages: msgs}, sseWriter)
package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"goa.design/agui/runtime/agent"
	"goa.design/agui/runtime/event"
	"goa.design/agui/runtime/interrupt"
	"goa.design/agui/runtime/message"
	"goa.design/agui/runtime/runlog"
	"goa.design/agui/runtime/state"
	"goa.design/agui/runtime/stream"
	"goa.design/agui/runtime/telemetry"
	"goa.design/agui/runtime/tools"
)

type (
	// Runtime runs agents.
	Runtime struct {
		registry  *tools.Registry
		executor  *tools.Executor
		maxTurns  int
		runLog    runlog.Store
		broadcast Broadcaster
		handler   interrupt.Handler
		validator interrupt.Validator
		patcher   state.Patcher
		logger    telemetry.Logger
		metrics   telemetry.Metrics
		tracer    telemetry.Tracer

		mu   sync.RWMutex
		runs map[string]*run
	}

	// Options configures the Runtime. All fields are optional; noop
	// implementations are substituted for nil Logger, Metrics and Tracer.
	Options struct {
		// Registry holds the frontend tools offered to agents. An empty
		// registry is used when nil.
		Registry *tools.Registry
		// MissingHandler decides what happens to tool calls without handler.
		MissingHandler tools.MissingHandlerPolicy
		// MaxToolConcurrency bounds concurrently executing tool handlers per
		// turn. Defaults to 4.
		MaxToolConcurrency int
		// MaxTurns bounds the number of agent turns of one run, follow-ups
		// and interrupt resumptions included. Defaults to 10.
		MaxTurns int
		// RunLog, when set, receives every delivered event.
		RunLog runlog.Store
		// Broadcast, when set, opens an additional sink per run, for example
		// a Pulse stream other clients can subscribe to.
		Broadcast Broadcaster
		// InterruptHandler is notified when a run parks on an interrupt.
		InterruptHandler interrupt.Handler
		// InterruptValidator checks resolution values before they resume a
		// run.
		InterruptValidator interrupt.Validator
		// Patcher applies state deltas. Defaults to state.JSONPatcher.
		Patcher state.Patcher
		// Logger emits structured logs.
		Logger telemetry.Logger
		// Metrics records run, tool and interrupt metrics.
		Metrics telemetry.Metrics
		// Tracer emits run, turn and tool spans.
		Tracer telemetry.Tracer
	}

	// Option configures the runtime.
	Option func(*Options)

	// Broadcaster opens a sink receiving the events of one run.
	Broadcaster interface {
		Open(ctx context.Context, threadID, runID string) (stream.Sink, error)
	}

	// Request describes a run to execute.
	Request struct {
		// Agent is the backend to run. Required.
		Agent agent.Agent
		// AgentID identifies the agent for tool scoping and state rendering.
		AgentID string
		// ThreadID and RunID identify the run. Generated when empty.
		ThreadID    string
		RunID       string
		ParentRunID string
		// Messages is the conversation history the run starts from.
		Messages []message.Message
		// Tools are client-declared tools offered in addition to the
		// registry's. Registry tools win on name conflicts.
		Tools []tools.Definition
		// State is the initial shared state, if any.
		State json.RawMessage
		// Context and ForwardedProps are passed to the agent verbatim.
		Context        []agent.ContextItem
		ForwardedProps json.RawMessage
	}

	// Outcome classifies how a run ended.
	Outcome string

	// Result summarizes a completed run.
	Result struct {
		ThreadID string
		RunID    string
		// Outcome is how the run ended.
		Outcome Outcome
		// Error is the terminal RUN_ERROR when Outcome is OutcomeError.
		Error *event.RunError
		// Messages is the reconstructed conversation history.
		Messages []message.Message
		// State is the final shared state, nil if never initialized.
		State json.RawMessage
		// Turns is the number of agent turns executed.
		Turns int
		// Sync gives access to the run's claims and cached snapshots for
		// rendering historical messages.
		Sync *state.Synchronizer
	}
)

// Run outcomes.
const (
	OutcomeFinished Outcome = "finished"
	OutcomeStopped  Outcome = "stopped"
	OutcomeError    Outcome = "error"
)

var (
	// ErrAgentRequired is returned when a request has no agent.
	ErrAgentRequired = errors.New("runtime: agent is required")
	// ErrRunNotFound is returned by Stop and Resolve for unknown runs.
	ErrRunNotFound = errors.New("runtime: run not found")
	// ErrRunExists is returned when starting a run whose ID is active.
	ErrRunExists = errors.New("runtime: run already active")
)

const (
	defaultMaxTurns           = 10
	defaultMaxToolConcurrency = 4
)

// New constructs a Runtime using functional options.
func New(opts ...Option) *Runtime {
	var o Options
	for _, fn := range opts {
		if fn != nil {
			fn(&o)
		}
	}
	return NewWithOptions(o)
}

// NewWithOptions constructs a Runtime from o.
func NewWithOptions(o Options) *Runtime {
	if o.Registry == nil {
		o.Registry = tools.NewRegistry()
	}
	if o.MaxTurns <= 0 {
		o.MaxTurns = defaultMaxTurns
	}
	if o.MaxToolConcurrency <= 0 {
		o.MaxToolConcurrency = defaultMaxToolConcurrency
	}
	if o.Logger == nil {
		o.Logger = telemetry.NoopLogger{}
	}
	if o.Metrics == nil {
		o.Metrics = telemetry.NoopMetrics{}
	}
	if o.Tracer == nil {
		o.Tracer = telemetry.NoopTracer{}
	}
	return &Runtime{
		registry: o.Registry,
		executor: tools.NewExecutor(o.Registry,
			tools.WithMissingHandlerPolicy(o.MissingHandler),
			tools.WithMaxParallel(o.MaxToolConcurrency),
			tools.WithTelemetry(o.Logger, o.Metrics, o.Tracer),
		),
		maxTurns:  o.MaxTurns,
		runLog:    o.RunLog,
		broadcast: o.Broadcast,
		handler:   o.InterruptHandler,
		validator: o.InterruptValidator,
		patcher:   o.Patcher,
		logger:    o.Logger,
		metrics:   o.Metrics,
		tracer:    o.Tracer,
		runs:      make(map[string]*run),
	}
}

// WithRegistry sets the tool registry.
func WithRegistry(r *tools.Registry) Option { return func(o *Options) { o.Registry = r } }

// WithMissingHandlerPolicy sets the behavior for tool calls without handler.
func WithMissingHandlerPolicy(p tools.MissingHandlerPolicy) Option {
	return func(o *Options) { o.MissingHandler = p }
}

// WithMaxToolConcurrency bounds concurrently executing tool handlers.
func WithMaxToolConcurrency(n int) Option { return func(o *Options) { o.MaxToolConcurrency = n } }

// WithMaxTurns bounds the number of agent turns per run.
func WithMaxTurns(n int) Option { return func(o *Options) { o.MaxTurns = n } }

// WithRunLog sets the run event log.
func WithRunLog(s runlog.Store) Option { return func(o *Options) { o.RunLog = s } }

// WithBroadcast sets the per-run broadcast sink factory.
func WithBroadcast(b Broadcaster) Option { return func(o *Options) { o.Broadcast = b } }

// WithInterruptHandler sets the interrupt handler.
func WithInterruptHandler(h interrupt.Handler) Option {
	return func(o *Options) { o.InterruptHandler = h }
}

// WithInterruptValidator sets the resolution validator.
func WithInterruptValidator(v interrupt.Validator) Option {
	return func(o *Options) { o.InterruptValidator = v }
}

// WithPatcher sets the JSON Patch implementation.
func WithPatcher(p state.Patcher) Option { return func(o *Options) { o.Patcher = p } }

// WithLogger sets the logger.
func WithLogger(l telemetry.Logger) Option { return func(o *Options) { o.Logger = l } }

// WithMetrics sets the metrics recorder.
func WithMetrics(m telemetry.Metrics) Option { return func(o *Options) { o.Metrics = m } }

// WithTracer sets the tracer.
func WithTracer(t telemetry.Tracer) Option { return func(o *Options) { o.Tracer = t } }

// Registry returns the tool registry.
func (r *Runtime) Registry() *tools.Registry { return r.registry }

// Stop requests a stop of an active run. The current agent turn is
// cancelled, in-flight tool handlers complete, no further turn starts and the
// run ends with RUN_FINISHED.
func (r *Runtime) Stop(runID string) error {
	ru, ok := r.lookup(runID)
	if !ok {
		return ErrRunNotFound
	}
	ru.requestStop()
	return nil
}

// Resolve resolves the interrupt an active run is parked on. It fails with
// interrupt.ErrMalformedResolution for invalid values, interrupt.ErrAlreadyResolved
// when the interrupt was resolved before and interrupt.ErrNotInterrupted when
// the run is not parked.
func (r *Runtime) Resolve(runID string, value json.RawMessage) error {
	ru, ok := r.lookup(runID)
	if !ok {
		return ErrRunNotFound
	}
	return ru.handshake.Resolve(value)
}

// Pending returns the interrupt an active run is parked on.
func (r *Runtime) Pending(runID string) (event.Interrupt, bool) {
	ru, ok := r.lookup(runID)
	if !ok {
		return event.Interrupt{}, false
	}
	return ru.handshake.Pending()
}

// Synchronizer returns the state synchronizer of an active run.
func (r *Runtime) Synchronizer(runID string) (*state.Synchronizer, bool) {
	ru, ok := r.lookup(runID)
	if !ok {
		return nil, false
	}
	return ru.sync, true
}

// Active returns the IDs of the runs in progress.
func (r *Runtime) Active() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.runs))
	for id := range r.runs {
		ids = append(ids, id)
	}
	return ids
}

func (r *Runtime) lookup(runID string) (*run, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ru, ok := r.runs[runID]
	return ru, ok
}

func (r *Runtime) register(ru *run) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.runs[ru.runID]; ok {
		return ErrRunExists
	}
	r.runs[ru.runID] = ru
	return nil
}

func (r *Runtime) unregister(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.runs, runID)
}

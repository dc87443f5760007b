// Package telemetry defines the logging, metrics and tracing interfaces used by
// the runtime along with Clue/OpenTelemetry and no-op implementations.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type (
	// Logger captures structured logging used throughout the runtime.
	Logger interface {
		Debug(ctx context.Context, msg string, keyvals ...any)
		Info(ctx context.Context, msg string, keyvals ...any)
		Warn(ctx context.Context, msg string, keyvals ...any)
		Error(ctx context.Context, msg string, keyvals ...any)
	}

	// Metrics exposes counter and histogram helpers.
	Metrics interface {
		IncCounter(name string, value float64, tags ...string)
		RecordTimer(name string, duration time.Duration, tags ...string)
		RecordGauge(name string, value float64, tags ...string)
	}

	// Tracer abstracts span creation so runtime code stays agnostic of the
	// OpenTelemetry provider.
	Tracer interface {
		Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
		Span(ctx context.Context) Span
	}

	// Span represents an in-flight tracing span.
	Span interface {
		End(opts ...trace.SpanEndOption)
		AddEvent(name string, attrs ...any)
		SetStatus(code codes.Code, description string)
		RecordError(err error, opts ...trace.EventOption)
	}
)

// Metric names recorded by the runtime.
const (
	MetricRunStarted      = "agui.run.started"
	MetricRunCompleted    = "agui.run.completed"
	MetricRunEvents       = "agui.run.events"
	MetricToolExecutions  = "agui.tool.executions"
	MetricToolDuration    = "agui.tool.duration"
	MetricInterruptParked = "agui.interrupt.parked"
	MetricAgentThrottled  = "agui.agent.throttled"
	MetricMirrorFailures  = "agui.run.mirror_failures"
)

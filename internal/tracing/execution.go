package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const executionTracerName = "runctl-execution"

func start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := tracer(executionTracerName).Start(ctx, name, trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(attrs...)
	return ctx, span
}

// TraceBeforeRun spans the whole before-run pipeline of one launch.
func TraceBeforeRun(ctx context.Context, executionID int64, configName string, steps int) (context.Context, trace.Span) {
	return start(ctx, "execution.before_run",
		attribute.Int64("execution_id", executionID),
		attribute.String("configuration", configName),
		attribute.Int("total_steps", steps),
	)
}

// TraceBeforeRunStep spans one before-run step.
func TraceBeforeRunStep(ctx context.Context, providerID string, index int) (context.Context, trace.Span) {
	return start(ctx, "execution.before_run.step",
		attribute.String("provider", providerID),
		attribute.Int("step_index", index),
	)
}

// TraceLaunch spans a starter invocation.
func TraceLaunch(ctx context.Context, executionID int64, mode, profile string) (context.Context, trace.Span) {
	return start(ctx, "execution.launch",
		attribute.Int64("execution_id", executionID),
		attribute.String("mode", mode),
		attribute.String("profile", profile),
	)
}

// TraceRestart spans a restart request from conflict check to launch.
func TraceRestart(ctx context.Context, mode, configName string) (context.Context, trace.Span) {
	return start(ctx, "execution.restart",
		attribute.String("mode", mode),
		attribute.String("configuration", configName),
	)
}

// EndSpan records status and err on span and ends it.
func EndSpan(span trace.Span, status string, err error) {
	span.SetAttributes(attribute.String("status", status))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

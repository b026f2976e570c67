/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package telemetry configures OpenTelemetry tracing for the assistant runtime.
//
// Spans follow the OTel GenAI semantic conventions where applicable:
//   - gen_ai.system — the LLM provider
//   - gen_ai.request.model — the model name
//   - gen_ai.usage.input_tokens — tokens consumed
//   - gen_ai.usage.output_tokens — tokens generated
//
// Custom span attributes use the `otto.` prefix.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName = "ottolabs.dev/otto"
)

// Tracer returns the package-level tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// InitTraceProvider initialises the OTel trace provider with an OTLP gRPC exporter.
// If endpoint is empty, tracing is disabled (noop provider is used).
// Returns a shutdown function that must be called on application exit.
func InitTraceProvider(ctx context.Context, endpoint string, version string) (func(context.Context) error, error) {
	if endpoint == "" {
		// No-op: tracing disabled
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(), // TLS configurable via env (OTEL_EXPORTER_OTLP_INSECURE)
	)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String("otto"),
			semconv.ServiceVersionKey.String(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

// --- Span helpers ---

// StartTurnSpan creates the parent span for one agent turn.
func StartTurnSpan(ctx context.Context, threadID, trigger string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "agent.turn",
		trace.WithAttributes(
			attribute.String("otto.thread", threadID),
			attribute.String("otto.trigger", trigger),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartContextSpan creates a child span for context assembly.
func StartContextSpan(ctx context.Context, threadID string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "agent.assemble_context",
		trace.WithAttributes(
			attribute.String("otto.thread", threadID),
		),
	)
}

// StartLLMCallSpan creates a child span for an LLM call, following GenAI conventions.
func StartLLMCallSpan(ctx context.Context, model, provider string, iteration int) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "gen_ai.chat",
		trace.WithAttributes(
			attribute.String("gen_ai.system", provider),
			attribute.String("gen_ai.request.model", model),
			attribute.Int("otto.iteration", iteration),
		),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// EndLLMCallSpan enriches the LLM span with usage data.
func EndLLMCallSpan(span trace.Span, inputTokens, outputTokens int64, hasToolCalls bool) {
	span.SetAttributes(
		attribute.Int64("gen_ai.usage.input_tokens", inputTokens),
		attribute.Int64("gen_ai.usage.output_tokens", outputTokens),
		attribute.Bool("otto.has_tool_calls", hasToolCalls),
	)
	span.End()
}

// StartToolCallSpan creates a child span for a tool execution.
func StartToolCallSpan(ctx context.Context, tool, target string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "agent.tool_call",
		trace.WithAttributes(
			attribute.String("otto.tool", tool),
			attribute.String("otto.target", target),
		),
	)
}

// EndToolCallSpan enriches the tool span with result data.
func EndToolCallSpan(span trace.Span, status string, blocked bool, blockReason string) {
	span.SetAttributes(
		attribute.String("otto.tool_status", status),
		attribute.Bool("otto.blocked", blocked),
	)
	if blocked {
		span.SetAttributes(attribute.String("otto.block_reason", blockReason))
	}
	span.End()
}

// StartDeliverySpan creates a child span for outbound message delivery.
func StartDeliverySpan(ctx context.Context, messageID string, attempt int64) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "outbound.deliver",
		trace.WithAttributes(
			attribute.String("otto.message", messageID),
			attribute.Int64("otto.attempt", attempt),
		),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// EndDeliverySpan stamps the delivery outcome and closes the span.
func EndDeliverySpan(span trace.Span, outcome string) {
	span.SetAttributes(attribute.String("otto.delivery_outcome", outcome))
	span.End()
}

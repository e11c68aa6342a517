package agent

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/altermind/altermind/internal/store"
)

const tracerName = "github.com/altermind/altermind/internal/agent"

func startRoundSpan(ctx context.Context, sessionID, model string, round int) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "agent.round",
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.String("llm.model", model),
			attribute.Int("agent.round", round),
		))
}

func recordRoundUsage(span trace.Span, usage *store.TokenUsage) {
	if usage == nil {
		return
	}
	span.SetAttributes(
		attribute.Int("llm.tokens.input", usage.InputTokens),
		attribute.Int("llm.tokens.output", usage.OutputTokens),
	)
}

func startToolSpan(ctx context.Context, sessionID, toolName string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "tool.exec",
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.String("tool.name", toolName),
		))
}

func recordToolOutcome(span trace.Span, err error) {
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, "")
}

// Package otel holds the span helpers and attribute keys shared by the seed
// readers, the resolver and the seed server.
package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	AttrSourceType     = attribute.Key("seed.source.type")
	AttrOutcome        = attribute.Key("seed.outcome")
	AttrCandidateCount = attribute.Key("seed.candidates")
)

// StartSpan starts name on tracer. With a nil tracer it starts nothing and
// returns the span already in ctx.
func StartSpan(
	ctx context.Context,
	tracer trace.Tracer,
	name string,
	opts ...trace.SpanStartOption,
) (context.Context, trace.Span) {
	if tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return tracer.Start(ctx, name, opts...)
}

// RecordError marks span failed. Seed errors carry metadata URLs, so they
// only go into the error event and the status text stays fixed.
func RecordError(span trace.Span, err error) {
	if err == nil || span == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, "seed operation failed")
}

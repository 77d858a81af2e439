package sources

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/trace"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/BenjaminSchiborr/cloud-init/internal/otel"
	"github.com/BenjaminSchiborr/cloud-init/internal/telemetry"
)

// Result is a resolved seed together with the source it came from
type Result struct {
	Source   Source
	UserData []byte
	Metadata Metadata
}

// Resolver walks an ordered list of candidate sources until one resolves
type Resolver struct {
	factory ReaderFactory
	metrics *telemetry.SeedMetrics
	tracer  trace.Tracer
}

// ResolverOption configures a Resolver
type ResolverOption func(*Resolver)

// WithResolverMetrics records one outcome per source tried
func WithResolverMetrics(m *telemetry.SeedMetrics) ResolverOption {
	return func(r *Resolver) {
		r.metrics = m
	}
}

// WithResolverTracer wraps Resolve in a span
func WithResolverTracer(t trace.Tracer) ResolverOption {
	return func(r *Resolver) {
		r.tracer = t
	}
}

// NewResolver creates a resolver that obtains readers from factory
func NewResolver(factory ReaderFactory, opts ...ResolverOption) *Resolver {
	r := &Resolver{factory: factory}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve tries each candidate in order. An absent source moves on to the
// next one; a malformed source stops the walk and returns a *MalformedError.
// When every candidate is absent the error wraps ErrSeedAbsent.
func (r *Resolver) Resolve(ctx context.Context, candidates ...Source) (*Result, error) {
	logger := log.FromContext(ctx)

	ctx, span := otel.StartSpan(ctx, r.tracer, "sources.Resolve",
		trace.WithAttributes(otel.AttrCandidateCount.Int(len(candidates))))
	defer span.End()

	for _, src := range candidates {
		reader, err := r.factory.CreateReader(src.Type())
		if err != nil {
			otel.RecordError(span, err)
			return nil, fmt.Errorf("failed to create reader for %s: %w", src, err)
		}

		if err := reader.Validate(src); err != nil {
			otel.RecordError(span, err)
			return nil, fmt.Errorf("invalid seed source %s: %w", src, err)
		}

		outcome := reader.Read(ctx, src)
		r.metrics.RecordOutcome(ctx, src.Type(), outcome.Kind.String())

		switch outcome.Kind {
		case KindResolved:
			logger.Info("Resolved seed", "source", src.String(), "type", src.Type())
			span.SetAttributes(otel.AttrSourceType.String(src.Type()), otel.AttrOutcome.String(outcome.Kind.String()))
			return &Result{
				Source:   src,
				UserData: outcome.UserData,
				Metadata: outcome.Metadata,
			}, nil
		case KindMalformed:
			err := &MalformedError{Source: src.String(), Missing: outcome.Missing}
			logger.Info("Seed source is malformed", "source", src.String(), "missing", outcome.Missing)
			otel.RecordError(span, err)
			return nil, err
		default:
			logger.V(1).Info("Seed source absent, trying next", "source", src.String())
		}
	}

	span.SetAttributes(otel.AttrOutcome.String(KindAbsent.String()))
	return nil, fmt.Errorf("%w in %d candidate source(s)", ErrSeedAbsent, len(candidates))
}

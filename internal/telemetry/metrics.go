package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	// SeedMetricsMeterName is the name used for the seed metrics meter
	SeedMetricsMeterName = "github.com/BenjaminSchiborr/cloud-init/sources"
)

// SeedMetrics holds the OpenTelemetry instruments for seed resolution
type SeedMetrics struct {
	fieldFetches metric.Int64Counter
	resolutions  metric.Int64Counter
}

// NewSeedMetrics creates a new SeedMetrics instance with the given meter provider.
// If provider is nil, it returns nil (no-op metrics).
func NewSeedMetrics(provider metric.MeterProvider) (*SeedMetrics, error) {
	if provider == nil {
		return nil, nil
	}

	meter := provider.Meter(SeedMetricsMeterName)

	fieldFetches, err := meter.Int64Counter(
		"maas_seed_field_fetches_total",
		metric.WithDescription("Seed field reads by source type, field and whether the field was found"),
		metric.WithUnit("{fetch}"),
	)
	if err != nil {
		return nil, err
	}

	resolutions, err := meter.Int64Counter(
		"maas_seed_resolutions_total",
		metric.WithDescription("Seed sources tried by source type and outcome"),
		metric.WithUnit("{source}"),
	)
	if err != nil {
		return nil, err
	}

	return &SeedMetrics{
		fieldFetches: fieldFetches,
		resolutions:  resolutions,
	}, nil
}

// RecordFieldFetch records a single field read
func (m *SeedMetrics) RecordFieldFetch(ctx context.Context, sourceType, field string, found bool) {
	if m == nil || m.fieldFetches == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("source_type", sourceType),
		attribute.String("field", field),
		attribute.Bool("found", found),
	}

	m.fieldFetches.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordOutcome records the classification of one source
func (m *SeedMetrics) RecordOutcome(ctx context.Context, sourceType, outcome string) {
	if m == nil || m.resolutions == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("source_type", sourceType),
		attribute.String("outcome", outcome),
	}

	m.resolutions.Add(ctx, 1, metric.WithAttributes(attrs...))
}

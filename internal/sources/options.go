package sources

import (
	"go.opentelemetry.io/otel/trace"

	"github.com/BenjaminSchiborr/cloud-init/internal/httpclient"
	"github.com/BenjaminSchiborr/cloud-init/internal/telemetry"
)

// Option configures a reader
type Option func(*readerConfig)

// readerConfig holds the settings shared by all readers
type readerConfig struct {
	headers HeaderProvider
	policy  httpclient.Policy
	metrics *telemetry.SeedMetrics
	tracer  trace.Tracer
}

func newReaderConfig(opts []Option) *readerConfig {
	cfg := &readerConfig{}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

// WithHeaderProvider sets the function consulted for extra request headers.
// Only URL readers use it.
func WithHeaderProvider(p HeaderProvider) Option {
	return func(cfg *readerConfig) {
		cfg.headers = p
	}
}

// WithRetryPolicy sets the transport policy applied to every request.
// Only URL readers use it.
func WithRetryPolicy(p httpclient.Policy) Option {
	return func(cfg *readerConfig) {
		cfg.policy = p
	}
}

// WithMetrics records per-field fetch results
func WithMetrics(m *telemetry.SeedMetrics) Option {
	return func(cfg *readerConfig) {
		cfg.metrics = m
	}
}

// WithTracer wraps reads in spans
func WithTracer(t trace.Tracer) Option {
	return func(cfg *readerConfig) {
		cfg.tracer = t
	}
}

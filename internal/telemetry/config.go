// Package telemetry sets up OpenTelemetry tracing and metrics for maas-seed.
// Metrics are pushed over OTLP/HTTP or, for a resolve run that exits before
// anything could scrape it, written to a node_exporter textfile.
package telemetry

import (
	"errors"
	"fmt"
	"path/filepath"
)

const (
	DefaultServiceName = "maas-seed"
	DefaultEndpoint    = "localhost:4318"

	// DefaultSampling keeps every trace; resolve runs once per boot
	DefaultSampling = 1.0
)

// Config is the telemetry section of the maas-seed configuration file
type Config struct {
	Enabled        bool   `yaml:"enabled"`
	ServiceName    string `yaml:"serviceName,omitempty"`
	ServiceVersion string `yaml:"serviceVersion,omitempty"`

	// Endpoint is the OTLP/HTTP collector as host:port
	Endpoint string `yaml:"endpoint,omitempty"`
	Insecure bool   `yaml:"insecure,omitempty"`

	Tracing *TracingConfig `yaml:"tracing,omitempty"`
	Metrics *MetricsConfig `yaml:"metrics,omitempty"`
}

// TracingConfig switches tracing on and sets the sampling ratio
type TracingConfig struct {
	Enabled  bool    `yaml:"enabled"`
	Sampling float64 `yaml:"sampling,omitempty"`
}

// MetricsConfig switches metrics on. With Textfile set, metrics are written
// there in Prometheus text format on shutdown instead of pushed over OTLP.
type MetricsConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Textfile string `yaml:"textfile,omitempty"`
}

// GetServiceName returns ServiceName or DefaultServiceName
func (c *Config) GetServiceName() string {
	if c.ServiceName == "" {
		return DefaultServiceName
	}
	return c.ServiceName
}

// GetServiceVersion returns ServiceVersion or "unknown"
func (c *Config) GetServiceVersion() string {
	if c.ServiceVersion == "" {
		return "unknown"
	}
	return c.ServiceVersion
}

// GetEndpoint returns Endpoint or DefaultEndpoint
func (c *Config) GetEndpoint() string {
	if c.Endpoint == "" {
		return DefaultEndpoint
	}
	return c.Endpoint
}

// GetSampling returns Sampling, or DefaultSampling when unset
func (c *TracingConfig) GetSampling() float64 {
	if c.Sampling == 0.0 {
		return DefaultSampling
	}
	return c.Sampling
}

// Validate checks the sections that are enabled. A nil or disabled
// configuration is valid.
func (c *Config) Validate() error {
	if c == nil || !c.Enabled {
		return nil
	}

	var errs []error

	if c.Tracing != nil {
		if err := c.Tracing.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("tracing: %w", err))
		}
	}

	if c.Metrics != nil {
		if err := c.Metrics.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("metrics: %w", err))
		}
	}

	return errors.Join(errs...)
}

// Validate checks the sampling ratio
func (c *TracingConfig) Validate() error {
	if c == nil || !c.Enabled {
		return nil
	}

	if c.Sampling < 0 || c.Sampling > 1.0 {
		return fmt.Errorf("sampling must be between 0.0 and 1.0, got %f", c.Sampling)
	}

	return nil
}

// Validate checks the textfile name; node_exporter only reads *.prom
func (c *MetricsConfig) Validate() error {
	if c == nil || !c.Enabled {
		return nil
	}

	if c.Textfile != "" && filepath.Ext(c.Textfile) != ".prom" {
		return fmt.Errorf("textfile must have a .prom extension, got %s", c.Textfile)
	}

	return nil
}

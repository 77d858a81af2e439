// Package config provides configuration loading for the seed resolver.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/BenjaminSchiborr/cloud-init/internal/httpclient"
	"github.com/BenjaminSchiborr/cloud-init/internal/sources"
	"github.com/BenjaminSchiborr/cloud-init/internal/telemetry"
)

const (
	// EnvPrefix is the prefix for environment variables read by the CLI
	EnvPrefix = "MAAS_SEED"

	// TokenSecretEnvVar is consulted when no OAuth token secret is configured
	TokenSecretEnvVar = EnvPrefix + "_TOKEN_SECRET"
)

// Option defines the interface for configuration options
type Option func(*loaderConfig) error

// loaderConfig defines the configuration for loading a configuration
type loaderConfig struct {
	path string
}

// WithConfigPath loads configuration from a YAML file
func WithConfigPath(path string) Option {
	return func(cfg *loaderConfig) error {
		if path == "" {
			return fmt.Errorf("path is required")
		}

		// Resolve symlinks to prevent symlink attacks.
		// Note that this calls filepath.Clean internally.
		realPath, err := filepath.EvalSymlinks(path)
		if err != nil {
			return fmt.Errorf("failed to evaluate symlinks: %w", err)
		}

		// Validate the path to prevent path traversal attacks
		if !filepath.IsAbs(realPath) {
			if !filepath.IsLocal(realPath) {
				return fmt.Errorf("path is not local or contains invalid traversal: %s", path)
			}
		}

		cfg.path = realPath
		return nil
	}
}

// Config represents the root configuration structure
type Config struct {
	// Sources are the candidate seed locations, tried in order
	Sources []SourceConfig `yaml:"sources"`

	// Transport applies to every URL source
	Transport *TransportConfig `yaml:"transport,omitempty"`

	// Headers are sent with every URL source request
	Headers map[string]string `yaml:"headers,omitempty"`

	// OAuth signs every URL source request when set
	OAuth *OAuthConfig `yaml:"oauth,omitempty"`

	Telemetry *telemetry.Config `yaml:"telemetry,omitempty"`
}

// SourceConfig defines a single candidate seed source
type SourceConfig struct {
	// Name identifies the source in logs and errors
	Name string `yaml:"name"`

	// Type-specific configurations (only one should be set)
	Directory *DirectoryConfig `yaml:"directory,omitempty"`
	URL       *URLConfig       `yaml:"url,omitempty"`
}

// DirectoryConfig defines a local seed directory
type DirectoryConfig struct {
	// Path is the seed directory holding instance-id, local-hostname, etc.
	Path string `yaml:"path"`
}

// URLConfig defines an HTTP seed endpoint
type URLConfig struct {
	// Endpoint is the base URL; requests go to {endpoint}/{version}/{resource}
	// Example: "http://maas.example.com/MAAS/metadata"
	Endpoint string `yaml:"endpoint"`

	// Version is the metadata version, defaults to 2012-03-01
	Version string `yaml:"version,omitempty"`
}

// TransportConfig defines timeouts, retries and TLS for URL sources
type TransportConfig struct {
	// Timeout is the per-attempt timeout (e.g. "10s")
	Timeout string `yaml:"timeout,omitempty"`

	// Retries is the number of extra attempts after the first failure
	Retries int `yaml:"retries,omitempty"`

	// SecBetween is the fixed delay between attempts (e.g. "1s")
	SecBetween string `yaml:"secBetween,omitempty"`

	TLS *TLSConfig `yaml:"tls,omitempty"`
}

// TLSConfig defines certificate verification settings
type TLSConfig struct {
	InsecureSkipVerify bool   `yaml:"insecureSkipVerify,omitempty"`
	CAFile             string `yaml:"caFile,omitempty"`
	CertFile           string `yaml:"certFile,omitempty"`
	KeyFile            string `yaml:"keyFile,omitempty"`
}

// OAuthConfig defines MAAS OAuth 1.0 credentials
type OAuthConfig struct {
	ConsumerKey    string `yaml:"consumerKey"`
	ConsumerSecret string `yaml:"consumerSecret,omitempty"`
	TokenKey       string `yaml:"tokenKey"`

	// TokenSecret is the token secret in clear text.
	// Prefer TokenSecretFile outside of development.
	TokenSecret string `yaml:"tokenSecret,omitempty"`

	// TokenSecretFile is the path to a file containing only the token secret
	// with optional trailing whitespace
	TokenSecretFile string `yaml:"tokenSecretFile,omitempty"`
}

// LoadConfig loads and parses configuration from a YAML file
func LoadConfig(opts ...Option) (*Config, error) {
	loaderCfg := &loaderConfig{}
	for _, opt := range opts {
		if err := opt(loaderCfg); err != nil {
			return nil, err
		}
	}

	if loaderCfg.path == "" {
		return nil, fmt.Errorf("path is required")
	}

	data, err := os.ReadFile(loaderCfg.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := validateSchema(data); err != nil {
		return nil, err
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// validate performs validation on the configuration
func (c *Config) validate() error {
	if c == nil {
		return fmt.Errorf("config cannot be nil")
	}

	if len(c.Sources) == 0 {
		return fmt.Errorf("at least one source must be configured")
	}

	names := make(map[string]bool)
	for i, src := range c.Sources {
		if src.Name == "" {
			return fmt.Errorf("source[%d]: name is required", i)
		}
		if names[src.Name] {
			return fmt.Errorf("source[%d]: duplicate source name '%s'", i, src.Name)
		}
		names[src.Name] = true

		if err := validateSourceConfig(&src, fmt.Sprintf("source[%d] (%s)", i, src.Name)); err != nil {
			return err
		}
	}

	if err := c.Transport.validate(); err != nil {
		return fmt.Errorf("transport: %w", err)
	}

	if err := c.OAuth.validate(); err != nil {
		return fmt.Errorf("oauth: %w", err)
	}

	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}

	return nil
}

// validateSourceConfig ensures exactly one source type is configured and valid
func validateSourceConfig(src *SourceConfig, prefix string) error {
	switch {
	case src.Directory == nil && src.URL == nil:
		return fmt.Errorf("%s: one of directory or url configuration must be specified", prefix)
	case src.Directory != nil && src.URL != nil:
		return fmt.Errorf("%s: only one of directory or url configuration may be specified", prefix)
	case src.Directory != nil:
		if src.Directory.Path == "" {
			return fmt.Errorf("%s: directory.path is required", prefix)
		}
	default:
		if src.URL.Endpoint == "" {
			return fmt.Errorf("%s: url.endpoint is required", prefix)
		}
		u, err := url.Parse(src.URL.Endpoint)
		if err != nil {
			return fmt.Errorf("%s: url.endpoint is not a valid URL: %w", prefix, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("%s: url.endpoint must use http or https, got %q", prefix, u.Scheme)
		}
	}
	return nil
}

func (t *TransportConfig) validate() error {
	if t == nil {
		return nil
	}
	if t.Retries < 0 {
		return fmt.Errorf("retries must not be negative, got %d", t.Retries)
	}
	if _, err := parseDuration(t.Timeout); err != nil {
		return fmt.Errorf("timeout must be a valid duration (e.g., '10s'): %w", err)
	}
	if _, err := parseDuration(t.SecBetween); err != nil {
		return fmt.Errorf("secBetween must be a valid duration (e.g., '1s'): %w", err)
	}
	return nil
}

func (o *OAuthConfig) validate() error {
	if o == nil {
		return nil
	}
	if o.ConsumerKey == "" {
		return fmt.Errorf("consumerKey is required")
	}
	if o.TokenKey == "" {
		return fmt.Errorf("tokenKey is required")
	}
	if o.TokenSecret != "" && o.TokenSecretFile != "" {
		return fmt.Errorf("only one of tokenSecret or tokenSecretFile may be specified")
	}
	return nil
}

// parseDuration treats an empty string as zero
func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("duration must not be negative, got %s", s)
	}
	return d, nil
}

// GetType returns the inferred source type based on which field is present
func (s *SourceConfig) GetType() string {
	if s.Directory != nil {
		return sources.SourceTypeDirectory
	}
	if s.URL != nil {
		return sources.SourceTypeURL
	}
	return ""
}

// Source converts the configuration into a seed source
func (s *SourceConfig) Source() (sources.Source, error) {
	switch s.GetType() {
	case sources.SourceTypeDirectory:
		return sources.NewDirectorySource(s.Directory.Path), nil
	case sources.SourceTypeURL:
		return sources.NewURLSource(s.URL.Endpoint, s.URL.Version), nil
	default:
		return sources.Source{}, fmt.Errorf("source %s has no type configured", s.Name)
	}
}

// Policy converts the transport settings into a request policy.
// A nil TransportConfig yields the zero policy.
func (t *TransportConfig) Policy() (httpclient.Policy, error) {
	if t == nil {
		return httpclient.Policy{}, nil
	}

	timeout, err := parseDuration(t.Timeout)
	if err != nil {
		return httpclient.Policy{}, fmt.Errorf("invalid timeout: %w", err)
	}
	secBetween, err := parseDuration(t.SecBetween)
	if err != nil {
		return httpclient.Policy{}, fmt.Errorf("invalid secBetween: %w", err)
	}

	policy := httpclient.Policy{
		Timeout:    timeout,
		Retries:    t.Retries,
		SecBetween: secBetween,
	}
	if t.TLS != nil {
		policy.TLS = &httpclient.TLSConfig{
			InsecureSkipVerify: t.TLS.InsecureSkipVerify,
			CAFile:             t.TLS.CAFile,
			CertFile:           t.TLS.CertFile,
			KeyFile:            t.TLS.KeyFile,
		}
	}
	return policy, nil
}

// GetTokenSecret returns the token secret using the following priority:
// 1. TokenSecret if set
// 2. Read from TokenSecretFile if specified
// 3. The MAAS_SEED_TOKEN_SECRET environment variable
//
// An empty secret is valid; MAAS tokens may be issued without one.
func (o *OAuthConfig) GetTokenSecret() (string, error) {
	if o.TokenSecret != "" {
		return o.TokenSecret, nil
	}

	if o.TokenSecretFile != "" {
		data, err := os.ReadFile(filepath.Clean(o.TokenSecretFile))
		if err != nil {
			return "", fmt.Errorf("failed to read token secret from file %s: %w", o.TokenSecretFile, err)
		}
		return strings.TrimSpace(string(data)), nil
	}

	return os.Getenv(TokenSecretEnvVar), nil
}

// Credentials returns the OAuth credentials with the token secret resolved
func (o *OAuthConfig) Credentials() (sources.OAuthCredentials, error) {
	secret, err := o.GetTokenSecret()
	if err != nil {
		return sources.OAuthCredentials{}, err
	}
	return sources.OAuthCredentials{
		ConsumerKey:    o.ConsumerKey,
		ConsumerSecret: o.ConsumerSecret,
		TokenKey:       o.TokenKey,
		TokenSecret:    secret,
	}, nil
}

// Candidates returns the configured sources in order
func (c *Config) Candidates() ([]sources.Source, error) {
	candidates := make([]sources.Source, 0, len(c.Sources))
	for i := range c.Sources {
		src, err := c.Sources[i].Source()
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, src)
	}
	return candidates, nil
}

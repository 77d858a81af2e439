// Package httpclient provides the retrying HTTP GET used to fetch seed resources
package httpclient

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"maps"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"sigs.k8s.io/controller-runtime/pkg/log"
)

const (
	// DefaultTimeout is the default per-attempt timeout for HTTP requests
	DefaultTimeout = 10 * time.Second

	// MaxResponseSize is the maximum allowed response size (100MB)
	MaxResponseSize = 100 * 1024 * 1024

	// UserAgent is the user agent string for HTTP requests
	UserAgent = "maas-seed/1.0"
)

//go:generate mockgen -destination=mocks/mock_client.go -package=mocks -source=client.go Client

// Client is an interface for HTTP operations
type Client interface {
	// Get performs an HTTP GET request, retrying according to the request policy,
	// and returns the response body
	Get(ctx context.Context, req Request) ([]byte, error)
}

// FailureFunc is invoked after every failed attempt. Returning false stops
// any further retries for that request.
type FailureFunc func(url string, err error) bool

// TLSConfig holds TLS verification settings for a request
type TLSConfig struct {
	// InsecureSkipVerify disables server certificate verification
	InsecureSkipVerify bool

	// CAFile is a PEM bundle used instead of the system roots
	CAFile string

	// CertFile and KeyFile configure a client certificate
	CertFile string
	KeyFile  string
}

// Policy groups the transport tunables applied to a request
type Policy struct {
	// Timeout bounds a single attempt. Zero uses the client default.
	Timeout time.Duration

	// Retries is the number of re-issues after the first attempt
	Retries int

	// SecBetween is the fixed delay between attempts
	SecBetween time.Duration

	// TLS is optional; nil uses the default transport
	TLS *TLSConfig

	// OnFailure is called with each failed attempt
	OnFailure FailureFunc

	// Resign, when set, is called before every attempt after the first and
	// its headers replace those of the same name in Request.Headers. Signers
	// whose headers embed a timestamp use it so a retry is not sent stale.
	Resign func(url string) map[string]string
}

// Request describes a single GET
type Request struct {
	URL     string
	Headers map[string]string
	Policy  Policy
}

// DefaultClient is the default HTTP client implementation
type DefaultClient struct {
	timeout time.Duration

	// transports holds one transport per TLS configuration so connections
	// are reused across requests
	mu         sync.Mutex
	transports map[TLSConfig]*http.Transport
}

// NewDefaultClient creates a new default HTTP client with the specified timeout
// If timeout is 0, uses DefaultTimeout
func NewDefaultClient(timeout time.Duration) Client {
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	return &DefaultClient{
		timeout:    timeout,
		transports: make(map[TLSConfig]*http.Transport),
	}
}

// Get performs an HTTP GET request, retrying transient failures.
// A 404 is returned immediately without retrying.
func (c *DefaultClient) Get(ctx context.Context, req Request) ([]byte, error) {
	logger := log.FromContext(ctx)

	client, err := c.httpClient(req.Policy)
	if err != nil {
		return nil, err
	}

	maxTries := uint(1)
	if req.Policy.Retries > 0 {
		maxTries += uint(req.Policy.Retries)
	}

	attempt := 0
	operation := func() ([]byte, error) {
		attempt++
		r := req
		if attempt > 1 && req.Policy.Resign != nil {
			r.Headers = overlayHeaders(req.Headers, req.Policy.Resign(req.URL))
		}

		body, err := c.do(ctx, client, r)
		if err == nil {
			return body, nil
		}
		if req.Policy.OnFailure != nil && !req.Policy.OnFailure(req.URL, err) {
			return nil, backoff.Permanent(err)
		}
		if IsNotFound(err) {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}

	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewConstantBackOff(req.Policy.SecBetween)),
		backoff.WithMaxTries(maxTries),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.V(1).Info("Request failed, retrying", "url", req.URL, "error", err.Error(), "delay", next)
		}),
	)
}

func (*DefaultClient) do(ctx context.Context, client *http.Client, r Request) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.URL, nil)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
	}

	// Set headers
	req.Header.Set("User-Agent", UserAgent)
	for k, v := range r.Headers {
		req.Header.Set(k, v)
	}

	// Execute request
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	// Check status code
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &HTTPError{
			StatusCode: resp.StatusCode,
			URL:        r.URL,
			Message:    resp.Status,
			Header:     resp.Header,
		}
	}

	// Check Content-Length header if available
	if resp.ContentLength > MaxResponseSize {
		return nil, fmt.Errorf("response size %d bytes exceeds maximum allowed size of %d bytes (%.2f MB)",
			resp.ContentLength, MaxResponseSize, float64(MaxResponseSize)/(1024*1024))
	}

	// Use LimitReader to prevent reading more than MaxResponseSize
	limitedReader := io.LimitReader(resp.Body, MaxResponseSize+1) // +1 to detect if limit exceeded
	body, err := io.ReadAll(limitedReader)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if int64(len(body)) > MaxResponseSize {
		return nil, fmt.Errorf("response size exceeds maximum allowed size of %d bytes (%.2f MB)",
			MaxResponseSize, float64(MaxResponseSize)/(1024*1024))
	}

	return body, nil
}

// httpClient builds the client for a single request's policy
func (c *DefaultClient) httpClient(p Policy) (*http.Client, error) {
	timeout := p.Timeout
	if timeout == 0 {
		timeout = c.timeout
	}

	if p.TLS == nil {
		return &http.Client{Timeout: timeout}, nil
	}

	transport, err := c.tlsTransport(*p.TLS)
	if err != nil {
		return nil, err
	}

	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}, nil
}

// tlsTransport returns the shared transport for a TLS configuration,
// creating it on first use
func (c *DefaultClient) tlsTransport(cfg TLSConfig) (*http.Transport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if transport, ok := c.transports[cfg]; ok {
		return transport, nil
	}

	tlsConfig, err := cfg.build()
	if err != nil {
		return nil, err
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = tlsConfig
	if c.transports == nil {
		c.transports = make(map[TLSConfig]*http.Transport)
	}
	c.transports[cfg] = transport
	return transport, nil
}

// CloseIdleConnections closes idle connections of every transport the
// client created
func (c *DefaultClient) CloseIdleConnections() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, transport := range c.transports {
		transport.CloseIdleConnections()
	}
}

// overlayHeaders returns base with extra laid over it. base is not modified.
func overlayHeaders(base, extra map[string]string) map[string]string {
	if len(extra) == 0 {
		return base
	}
	merged := maps.Clone(base)
	if merged == nil {
		merged = make(map[string]string, len(extra))
	}
	maps.Copy(merged, extra)
	return merged
}

func (t *TLSConfig) build() (*tls.Config, error) {
	//nolint:gosec // InsecureSkipVerify is an explicit operator choice
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: t.InsecureSkipVerify,
	}

	if t.CAFile != "" {
		pem, err := os.ReadFile(t.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA file %s: %w", t.CAFile, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in CA file %s", t.CAFile)
		}
		cfg.RootCAs = pool
	}

	if t.CertFile != "" || t.KeyFile != "" {
		if t.CertFile == "" || t.KeyFile == "" {
			return nil, fmt.Errorf("both cert file and key file are required for a client certificate")
		}
		cert, err := tls.LoadX509KeyPair(t.CertFile, t.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	return cfg, nil
}

// Package api provides the HTTP seed server, which serves a seed directory
// using the same layout the URL reader consumes.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/BenjaminSchiborr/cloud-init/internal/sources"
)

// ServerOption configures the seed server
type ServerOption func(*serverConfig)

// serverConfig holds the server configuration
type serverConfig struct {
	middlewares []func(http.Handler) http.Handler
	version     string
	reader      sources.Reader
}

// WithMiddlewares adds middleware to the server
func WithMiddlewares(mw ...func(http.Handler) http.Handler) ServerOption {
	return func(cfg *serverConfig) {
		cfg.middlewares = append(cfg.middlewares, mw...)
	}
}

// WithVersion sets the metadata version served besides "latest"
func WithVersion(version string) ServerOption {
	return func(cfg *serverConfig) {
		cfg.version = version
	}
}

// WithReader replaces the reader used by the readiness check
func WithReader(reader sources.Reader) ServerOption {
	return func(cfg *serverConfig) {
		cfg.reader = reader
	}
}

// NewServer creates the router serving the seed in dir
func NewServer(dir string, opts ...ServerOption) *chi.Mux {
	cfg := &serverConfig{
		version: sources.DefaultVersion,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.reader == nil {
		cfg.reader = sources.NewDirectoryReader()
	}

	routes := &seedRoutes{
		dir:     dir,
		version: cfg.version,
		reader:  cfg.reader,
	}

	r := chi.NewRouter()
	for _, mw := range cfg.middlewares {
		r.Use(mw)
	}

	r.Get("/health", healthHandler)
	r.Get("/readiness", routes.readiness)
	r.Get("/version", versionHandler)

	r.Route("/{version}", func(r chi.Router) {
		r.Use(routes.requireVersion)
		r.Get("/meta-data/", routes.listMetaData)
		r.Get("/meta-data/{field}", routes.metaData)
		r.Get("/user-data", routes.userData)
	})

	return r
}

// LoggingMiddleware logs HTTP requests
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		log.FromContext(r.Context()).V(1).Info("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/BenjaminSchiborr/cloud-init/internal/api"
	"github.com/BenjaminSchiborr/cloud-init/internal/sources"
	"github.com/BenjaminSchiborr/cloud-init/internal/telemetry"
	"github.com/BenjaminSchiborr/cloud-init/internal/versions"
)

const (
	defaultGracefulTimeout = 30 * time.Second
	serverRequestTimeout   = 10 * time.Second
	serverReadTimeout      = 10 * time.Second
	serverWriteTimeout     = 15 * time.Second // Must be > serverRequestTimeout to let middleware handle timeout
	serverIdleTimeout      = 60 * time.Second
)

func newServeCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve a seed directory over HTTP",
		Long: `Serve exposes a seed directory using the layout read by --seed-url:

  GET /{version}/meta-data/instance-id
  GET /{version}/meta-data/local-hostname
  GET /{version}/meta-data/public-keys
  GET /{version}/user-data

The version is --md-version or "latest". Missing fields answer 404.`,
		Args: cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, _ []string) error {
			return v.BindPFlags(cmd.Flags())
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, v)
		},
	}

	flags := cmd.Flags()
	flags.String("seed-dir", "", "Seed directory to serve (required)")
	flags.String("md-version", sources.DefaultVersion, "Metadata version served besides latest")
	flags.String("address", ":8080", "Address to listen on")
	flags.String("otlp-endpoint", "", "OTLP collector endpoint; enables tracing and metrics when set")
	flags.Bool("otlp-insecure", false, "Send telemetry over plain HTTP")

	if err := cmd.MarkFlagRequired("seed-dir"); err != nil {
		slog.Error("Failed to mark seed-dir flag as required", "error", err)
	}

	return cmd
}

func runServe(ctx context.Context, v *viper.Viper) error {
	dir := v.GetString("seed-dir")
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("failed to access seed directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("seed directory %s is not a directory", dir)
	}

	listener, err := net.Listen("tcp", v.GetString("address"))
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", v.GetString("address"), err)
	}

	return serve(ctx, listener, dir, v.GetString("md-version"), serveTelemetryConfig(v))
}

// serveTelemetryConfig enables OTLP tracing and metrics when an endpoint is given
func serveTelemetryConfig(v *viper.Viper) *telemetry.Config {
	endpoint := v.GetString("otlp-endpoint")
	if endpoint == "" {
		return nil
	}
	return &telemetry.Config{
		Enabled:        true,
		ServiceVersion: versions.Version,
		Endpoint:       endpoint,
		Insecure:       v.GetBool("otlp-insecure"),
		Tracing:        &telemetry.TracingConfig{Enabled: true},
		Metrics:        &telemetry.MetricsConfig{Enabled: true},
	}
}

// serve runs the seed server on listener until ctx is cancelled, then shuts
// it down gracefully
func serve(ctx context.Context, listener net.Listener, dir, version string, telCfg *telemetry.Config) error {
	tel, err := telemetry.New(ctx, telemetry.WithTelemetryConfig(telCfg))
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		if err := tel.Shutdown(context.Background()); err != nil {
			slog.Error("Failed to shut down telemetry", "error", err)
		}
	}()

	metricsMiddleware, err := telemetry.MetricsMiddleware(tel.MeterProvider())
	if err != nil {
		return fmt.Errorf("failed to create metrics middleware: %w", err)
	}
	seedMetrics, err := telemetry.NewSeedMetrics(tel.MeterProvider())
	if err != nil {
		return fmt.Errorf("failed to create seed metrics: %w", err)
	}

	router := api.NewServer(dir,
		api.WithVersion(version),
		api.WithReader(sources.NewDirectoryReader(
			sources.WithMetrics(seedMetrics),
			sources.WithTracer(tel.Tracer(tracerName)),
		)),
		api.WithMiddlewares(
			telemetry.TracingMiddleware(tel.TracerProvider()),
			metricsMiddleware,
			middleware.RequestID,
			middleware.RealIP,
			middleware.Recoverer,
			middleware.Timeout(serverRequestTimeout),
			api.LoggingMiddleware,
		),
	)

	server := &http.Server{
		Handler:      router,
		ReadTimeout:  serverReadTimeout,
		WriteTimeout: serverWriteTimeout,
		IdleTimeout:  serverIdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("Serving seed", "dir", dir, "address", listener.Addr().String(), "version", version)
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultGracefulTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		slog.Info("Server shutdown complete")
		return nil
	})

	return g.Wait()
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/pharindoko/cdk-github-runners/internal/config"
	"github.com/pharindoko/cdk-github-runners/internal/dispatch"
	"github.com/pharindoko/cdk-github-runners/internal/engine/local"
	"github.com/pharindoko/cdk-github-runners/internal/health"
	"github.com/pharindoko/cdk-github-runners/internal/otel"
	"github.com/pharindoko/cdk-github-runners/internal/webhook"
)

var (
	cfgPath       string
	flagOverrides config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "github-runners",
	Short: "Webhook-driven provisioner for ephemeral GitHub Actions runners",
	Long: `github-runners receives GitHub workflow_job webhooks and provisions a
short-lived, single-job runner per queued job using a pluggable compute
provider (Docker containers, GCP VMs).

Each delivery starts at most one orchestration run: the run is named by
an idempotency key derived from the repository and the delivery ID, so
webhook redelivery never double-provisions.

Configuration is read from a YAML file (--config) with optional CLI
flag overrides for the most common settings.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer cancel()
		return run(ctx)
	},
}

func init() {
	f := rootCmd.Flags()

	// Config file
	f.StringVar(&cfgPath, "config", "config.yaml", "Path to YAML configuration file")

	// Server overrides
	f.StringVar(&flagOverrides.Server.Addr, "addr", "", "Webhook server listen address (e.g. :8080)")

	// GitHub overrides
	f.StringVar(&flagOverrides.GitHub.Domain, "github-domain", "", "GitHub domain (github.com or a GHES domain)")
	f.StringVar(&flagOverrides.GitHub.Token, "token", "", "Personal access token with repo administration scope")
	f.StringVar(&flagOverrides.GitHub.TokenPath, "token-path", "", "Path to a file containing the access token")

	// Secrets overrides
	f.StringVar(&flagOverrides.Secrets.Provider, "secrets-provider", "", "Webhook secret backend (gcp, file, env)")
	f.StringVar(&flagOverrides.Secrets.Ref, "secrets-ref", "", "Webhook secret reference (resource name, path or env var)")

	// Logging overrides
	f.StringVar(&flagOverrides.Logging.Level, "log-level", "", "Log level (debug, info, warn, error)")
	f.StringVar(&flagOverrides.Logging.Format, "log-format", "", "Log format (text, json)")
}

// applyFlagOverrides merges non-zero CLI flag values into the loaded config.
func applyFlagOverrides(cfg *config.Config) {
	if flagOverrides.Server.Addr != "" {
		cfg.Server.Addr = flagOverrides.Server.Addr
	}
	if flagOverrides.GitHub.Domain != "" {
		cfg.GitHub.Domain = flagOverrides.GitHub.Domain
	}
	if flagOverrides.GitHub.Token != "" {
		cfg.GitHub.Token = flagOverrides.GitHub.Token
	}
	if flagOverrides.GitHub.TokenPath != "" {
		cfg.GitHub.TokenPath = flagOverrides.GitHub.TokenPath
	}
	if flagOverrides.Secrets.Provider != "" {
		cfg.Secrets.Provider = flagOverrides.Secrets.Provider
	}
	if flagOverrides.Secrets.Ref != "" {
		cfg.Secrets.Ref = flagOverrides.Secrets.Ref
	}
	if flagOverrides.Logging.Level != "" {
		cfg.Logging.Level = flagOverrides.Logging.Level
	}
	if flagOverrides.Logging.Format != "" {
		cfg.Logging.Format = flagOverrides.Logging.Format
	}
}

func run(ctx context.Context) error {
	// ---------------------------------------------------------------
	// 1. Load configuration
	// ---------------------------------------------------------------
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	applyFlagOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	// ---------------------------------------------------------------
	// 2. Create logger
	// ---------------------------------------------------------------
	logger := cfg.NewLogger()
	logger.Info("configuration loaded",
		slog.String("configFile", cfgPath),
		slog.String("addr", cfg.Server.Addr),
		slog.String("githubDomain", cfg.GitHub.Domain),
		slog.String("secretsProvider", cfg.Secrets.Provider),
		slog.Int("providers", len(cfg.Providers)),
	)

	// ---------------------------------------------------------------
	// 3. OpenTelemetry SDK
	// ---------------------------------------------------------------
	otelShutdown, err := otel.SetupOTelSDK(ctx, "github-runners", otel.Config{
		Enabled:        cfg.OTel.Enabled,
		Endpoint:       cfg.OTel.Endpoint,
		Insecure:       cfg.OTel.Insecure,
		StdOut:         cfg.OTel.StdOut,
		PrometheusPort: cfg.OTel.PrometheusPort,
	})
	if err != nil {
		return fmt.Errorf("setting up otel: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			logger.Error("otel shutdown", slog.String("error", err.Error()))
		}
	}()

	// ---------------------------------------------------------------
	// 4. Secret source + token source
	// ---------------------------------------------------------------
	secretSource, err := cfg.NewSecretSource(ctx)
	if err != nil {
		return fmt.Errorf("creating secret source: %w", err)
	}

	tokenSource, err := cfg.NewTokenSource(logger)
	if err != nil {
		return fmt.Errorf("creating github client: %w", err)
	}

	// ---------------------------------------------------------------
	// 5. Runner providers
	// ---------------------------------------------------------------
	registry, err := cfg.NewProviders(ctx, logger)
	if err != nil {
		return fmt.Errorf("creating providers: %w", err)
	}
	logger.Info("providers registered", slog.Any("labels", registry.Labels()))

	// ---------------------------------------------------------------
	// 6. Workflow engine + dispatcher + webhook handler
	// ---------------------------------------------------------------
	eng, err := cfg.NewEngine(registry, tokenSource, logger)
	if err != nil {
		return fmt.Errorf("initializing engine: %w", err)
	}

	dispatcher := dispatch.New(eng,
		time.Duration(cfg.Engine.DispatchTimeout),
		logger.WithGroup("dispatch"),
	)
	handler := webhook.NewHandler(secretSource, dispatcher, logger.WithGroup("webhook"))

	mux := http.NewServeMux()
	mux.Handle("/webhook", handler)
	mux.HandleFunc("/healthz", health.Handler(registry.Labels()))

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// ---------------------------------------------------------------
	// 7. Prometheus metrics server (optional)
	// ---------------------------------------------------------------
	var metricsServer *http.Server
	if cfg.OTel.PrometheusPort > 0 {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.OTel.PrometheusPort),
			Handler:           metricsMux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info("metrics server listening", slog.String("addr", metricsServer.Addr))
			if err := metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server", slog.String("error", err.Error()))
			}
		}()
	}

	// ---------------------------------------------------------------
	// 8. Serve
	// ---------------------------------------------------------------
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("webhook server listening", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return fmt.Errorf("webhook server: %w", err)
	case <-ctx.Done():
	}

	// ---------------------------------------------------------------
	// 9. Graceful shutdown
	// ---------------------------------------------------------------
	logger.Info("shutting down gracefully")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", slog.String("error", err.Error()))
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("metrics server shutdown", slog.String("error", err.Error()))
		}
	}
	if le, ok := eng.(*local.Engine); ok {
		if err := le.Shutdown(shutdownCtx); err != nil {
			logger.Warn("engine shutdown incomplete, runs still in flight",
				slog.String("error", err.Error()))
		}
	}

	return nil
}

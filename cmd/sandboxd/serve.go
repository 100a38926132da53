package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/archestra-oss/mcp-sandbox-supervisor/internal/config"
	"github.com/archestra-oss/mcp-sandbox-supervisor/internal/events"
	"github.com/archestra-oss/mcp-sandbox-supervisor/internal/httpapi"
	"github.com/archestra-oss/mcp-sandbox-supervisor/internal/logging"
	"github.com/archestra-oss/mcp-sandbox-supervisor/internal/runtime"
	"github.com/archestra-oss/mcp-sandbox-supervisor/internal/sandbox"
	"github.com/archestra-oss/mcp-sandbox-supervisor/internal/store"
	"github.com/archestra-oss/mcp-sandbox-supervisor/internal/telemetry"
	"github.com/archestra-oss/mcp-sandbox-supervisor/internal/wrapper"
)

// newServeCommand builds the long-running "serve" subcommand: load config,
// wire every internal package into a sandbox.Manager, and run two HTTP
// servers (the C8/C9 surface and a separate /metrics listener) until an
// interrupt or SIGTERM, shutting both down gracefully. Grounded on
// cobra_cli.go's `rootCmd.RunE` + os/signal.Notify pattern for Ctrl+C
// handling, generalized from a single foreground REPL loop to an
// http.Server pair's graceful Shutdown.
func newServeCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the supervisor: bring the container runtime online and serve the proxy/REST API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), *configPath)
		},
	}
}

func runServe(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logging.Init(os.Stderr, logLevelFromString(cfg.LogLevel), cfg.LogJSON)
	logger := logging.NewComponentLogger("sandboxd")

	logMaxSize, err := cfg.LogMaxSizeBytes()
	if err != nil {
		return err
	}

	dockerClient, err := runtime.NewDockerClient()
	if err != nil {
		return fmt.Errorf("construct docker client: %w", err)
	}

	st := store.NewMemoryStore()
	if err := store.LoadFixture(st, cfg.StorePath); err != nil {
		return fmt.Errorf("load store fixture %s: %w", cfg.StorePath, err)
	}

	bus := events.NewBus()

	mgr := sandbox.New(dockerClient, st, bus, wrapper.Options{
		ProductName:  cfg.ProductName,
		DefaultImage: cfg.BaseDockerImage,
		MountRoot:    cfg.MountRoot,
		LogDir:       cfg.LogDir,
		LogMaxSize:   logMaxSize,
		LogMaxFiles:  cfg.LogMaxFiles,

		ReadinessProbeMax:    cfg.ReadinessProbeMax,
		AnalysisRefreshEvery: cfg.AnalysisRefreshEvery,
	})

	metricsReg := prometheus.NewRegistry()
	metrics := telemetry.NewMetricsWithRegisterer(metricsReg)

	tp, err := telemetry.NewProvider(ctx, cfg.TelemetryExporter, cfg.TelemetryEndpoint, metricsReg)
	if err != nil {
		return fmt.Errorf("start telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown: %v", err)
		}
	}()

	if err := mgr.Start(ctx); err != nil {
		return fmt.Errorf("start sandbox manager: %w", err)
	}

	router := httpapi.NewRouter(httpapi.Options{
		Sandbox:        mgr,
		Store:          st,
		Bus:            bus,
		Metrics:        metrics,
		AllowedOrigins: cfg.CORSOrigins,
	})

	apiSrv := &http.Server{
		Addr:         cfg.HTTPListenAddr,
		Handler:      router,
		ReadTimeout:  cfg.RequestTimeout,
		WriteTimeout: cfg.RequestTimeout,
		IdleTimeout:  60 * time.Second,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", telemetry.Handler(metricsReg))
	metricsSrv := &http.Server{
		Addr:    cfg.MetricsListenAddr,
		Handler: metricsMux,
	}

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 2)
	go func() { errCh <- serveOrNil(apiSrv, "http api", logger) }()
	go func() { errCh <- serveOrNil(metricsSrv, "metrics", logger) }()

	select {
	case <-sigCtx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			logger.Error("server error: %v", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = apiSrv.Shutdown(shutdownCtx)
	_ = metricsSrv.Shutdown(shutdownCtx)
	mgr.StopAll(shutdownCtx)

	if err := store.SaveFixture(st, cfg.StorePath); err != nil {
		logger.Warn("save store fixture: %v", err)
	}

	logger.Info("sandboxd stopped")
	return nil
}

func serveOrNil(srv *http.Server, name string, logger logging.Logger) error {
	logger.Info("%s listening on %s", name, srv.Addr)
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func logLevelFromString(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cam3ron2/pr-leaderboard/internal/app"
	"github.com/cam3ron2/pr-leaderboard/internal/config"
	"github.com/cam3ron2/pr-leaderboard/internal/telemetry"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := run(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "pr-leaderboard: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath string
		envPath    string
		once       bool
	)
	flag.StringVar(&configPath, "config", "config/local.yaml", "path to YAML config file")
	flag.StringVar(&envPath, "env-file", ".env", "optional dotenv file loaded before the config")
	flag.BoolVar(&once, "once", false, "run a single ingestion cycle and exit")
	flag.Parse()

	if err := config.LoadDotEnv(envPath); err != nil {
		return fmt.Errorf("load env: %w", err)
	}

	configFile, err := os.Open(configPath)
	if err != nil {
		return fmt.Errorf("open config file: %w", err)
	}
	defer func() {
		_ = configFile.Close()
	}()

	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	loggerConfig := zap.NewProductionConfig()
	loggerConfig.Level = zap.NewAtomicLevelAt(logLevel(cfg.Server.LogLevel))
	logger, err := loggerConfig.Build()
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil && !shouldIgnoreLoggerSyncError(syncErr) {
			_, _ = fmt.Fprintf(os.Stderr, "pr-leaderboard: sync logger: %v\n", syncErr)
		}
	}()

	telemetryRuntime, err := telemetry.Setup(telemetry.Config{
		Enabled:          cfg.Telemetry.OTELEnabled,
		ServiceName:      telemetry.DefaultServiceName,
		ServiceVersion:   version,
		TraceMode:        cfg.Telemetry.OTELTraceMode,
		TraceSampleRatio: cfg.Telemetry.OTELTraceSampleRatio,
	})
	if err != nil {
		return fmt.Errorf("setup telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = telemetryRuntime.Shutdown(shutdownCtx)
	}()

	rootCtx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	runtime, err := app.NewRuntime(rootCtx, cfg, app.Options{}, logger)
	if err != nil {
		return fmt.Errorf("build runtime: %w", err)
	}
	defer func() {
		if closeErr := runtime.Close(); closeErr != nil {
			logger.Warn("runtime close failed", zap.Error(closeErr))
		}
	}()

	logger.Info("pr-leaderboard starting", zap.String("version", version), zap.Bool("once", once))

	if once {
		report, err := runtime.RunOnce(rootCtx)
		if err != nil {
			return fmt.Errorf("ingestion cycle %s: %w", report.CycleID, err)
		}
		logger.Info("single ingestion cycle complete",
			zap.String("cycle_id", report.CycleID),
			zap.Int("inserted", report.Reconcile.Inserted),
			zap.Int("updated", report.Reconcile.Updated),
		)
		return nil
	}

	server := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           runtime.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErrCh := make(chan error, 1)
	go func() {
		logger.Info("http server starting", zap.String("addr", cfg.Server.ListenAddr))
		if serveErr := server.ListenAndServe(); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			serverErrCh <- serveErr
		}
		close(serverErrCh)
	}()

	loopDone := make(chan error, 1)
	go func() {
		loopDone <- runtime.Run(rootCtx)
	}()

	var runErr error
	select {
	case <-rootCtx.Done():
		logger.Info("shutdown signal received")
	case serveErr := <-serverErrCh:
		if serveErr != nil {
			runErr = fmt.Errorf("http server failed: %w", serveErr)
		}
	}
	cancel()

	if loopErr := <-loopDone; loopErr != nil {
		runErr = errors.Join(runErr, fmt.Errorf("ingestion loop: %w", loopErr))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		runErr = errors.Join(runErr, fmt.Errorf("http server shutdown: %w", err))
	}

	logger.Info("shutdown complete")
	return runErr
}

func logLevel(raw string) zapcore.Level {
	switch strings.ToLower(raw) {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// shouldIgnoreLoggerSyncError reports errors returned when syncing a terminal stdout.
func shouldIgnoreLoggerSyncError(err error) bool {
	return errors.Is(err, syscall.EINVAL) || errors.Is(err, syscall.ENOTTY)
}

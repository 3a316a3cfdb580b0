package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/joho/godotenv"

	"github.com/daimoniac/servicekit/internal/config"
	"github.com/daimoniac/servicekit/internal/errors"
	"github.com/daimoniac/servicekit/internal/observability"
	"github.com/daimoniac/servicekit/internal/service"
)

const (
	readinessInterval = 10 * time.Second
	shutdownTimeout   = 10 * time.Second
)

var signalNotify = signal.Notify

func main() {
	_ = godotenv.Load()

	kingpinApp := kingpin.New("servicekit", "Minimal long-running service with structured logging and Prometheus metrics")
	runCmd := kingpinApp.Command("run", "Run the service loop").Default()
	mode := runCmd.Flag("mode", "Loop variant (async or sync)").
		Envar("APP_LOOP_MODE").
		Default(string(service.ModeAsync)).
		Enum(service.Modes...)
	healthCmd := kingpinApp.Command("healthcheck", "Probe the local metrics endpoint and fail when the loop is stale")

	switch kingpin.MustParse(kingpinApp.Parse(os.Args[1:])) {
	case runCmd.FullCommand():
		os.Exit(exitCode(run(service.Mode(*mode))))
	case healthCmd.FullCommand():
		os.Exit(healthcheck())
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, errors.NewFatal("config", fmt.Errorf("failed to load configuration: %w", err))
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.NewFatal("config", fmt.Errorf("invalid configuration: %w", err))
	}
	return cfg, nil
}

// exitCode maps the error that ended run onto the process exit status.
// Only fatal errors fail the process.
func exitCode(err error) int {
	if errors.IsFatal(err) {
		return 1
	}
	return 0
}

// fatal marks err as fatal for stage unless it already is
func fatal(stage string, err error) error {
	if err == nil || errors.IsFatal(err) {
		return err
	}
	return errors.NewFatal(stage, err)
}

func run(mode service.Mode) error {
	cfg, err := loadConfig()
	if err != nil {
		// no usable configuration, so report with the built-in one
		defaults := config.Defaults()
		startupFailed(observability.Named(observability.NewLogger(defaults, nil), "app"), defaults, err)
		return err
	}

	logger := observability.NewLogger(cfg, nil)
	slog.SetDefault(logger)
	appLogger := observability.Named(logger, "app")

	if !cfg.HasSemanticVersion() {
		appLogger.Warn("version is not a semantic version",
			"version", cfg.Version)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics := observability.NewMetrics()
	healthChecker := observability.NewHealthChecker(logger)
	healthChecker.RegisterComponent("loop")

	server := observability.NewServer(cfg, metrics, healthChecker, logger)
	if err := server.Start(ctx); err != nil {
		err = fatal("metrics", err)
		metrics.RecordError(errors.Reason(err))
		startupFailed(appLogger, cfg, err)
		return err
	}

	svc, err := service.New(mode, nil, metrics, service.Config{Sleep: cfg.LoopSleep()}, logger)
	if err != nil {
		err = fatal("wiring", err)
		startupFailed(appLogger, cfg, err)
		shutdownServer(appLogger, server)
		return err
	}

	appLogger.Info("Service startup succeeded",
		"event", "startup_success",
		"version", cfg.Version,
		"commit", cfg.Commit,
		"config_source", cfg.ConfigSource,
		"loop_mode", string(mode))

	go healthChecker.StartPeriodicChecks(ctx, readinessInterval, map[string]observability.HealthCheckFunc{
		"loop": observability.IterationFreshnessCheck(metrics, observability.MaxIterationAge(cfg.LoopSleep())),
	})

	quit := make(chan os.Signal, 1)
	signalNotify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	go func() {
		select {
		case sig := <-quit:
			appLogger.Info("Shutting down",
				"event", "shutting_down",
				"reason", signalName(sig))
			svc.Stop()
			metrics.MarkShutdown()
		case <-ctx.Done():
		}
	}()

	err = svc.Start(ctx)
	if err != nil {
		metrics.RecordError(errors.Reason(err))
	}
	metrics.MarkShutdown()

	if errors.IsFatal(err) {
		appLogger.Error("Application crashed",
			"event", "crashed",
			observability.Exception(err))
		shutdownServer(appLogger, server)
		return err
	}
	if err != nil {
		appLogger.Warn("service loop stopped with error",
			"error", err.Error())
	}

	shutdownServer(appLogger, server)
	appLogger.Info("shutdown complete")
	return err
}

func startupFailed(logger *slog.Logger, cfg *config.Config, err error) {
	logger.Error("Service failed to start",
		"event", "startup_failed",
		"version", cfg.Version,
		"commit", cfg.Commit,
		"reason", errors.Reason(err),
		"error", err.Error())
}

func shutdownServer(logger *slog.Logger, server *observability.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("error shutting down metrics server",
			"error", err.Error())
	}
}

func signalName(sig os.Signal) string {
	switch sig {
	case syscall.SIGINT:
		return "SIGINT"
	case syscall.SIGTERM:
		return "SIGTERM"
	default:
		return "signal"
	}
}

// healthcheck prints a JSON report and returns the process exit code
func healthcheck() int {
	cfg, err := loadConfig()
	if err != nil {
		payload, _ := json.Marshal(map[string]string{
			"status": "error",
			"error":  err.Error(),
		})
		fmt.Fprintln(os.Stderr, string(payload))
		return 1
	}

	report := observability.NewProber(cfg).Run(context.Background())
	payload, err := json.Marshal(report)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Println(string(payload))

	if !report.OK() {
		return 1
	}
	return 0
}

// Package main provides the entry point for the backtest scheduler daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/yourusername/freqsearch/internal/api"
	"github.com/yourusername/freqsearch/internal/collector"
	"github.com/yourusername/freqsearch/internal/config"
	"github.com/yourusername/freqsearch/internal/database"
	"github.com/yourusername/freqsearch/internal/events"
	"github.com/yourusername/freqsearch/internal/health"
	"github.com/yourusername/freqsearch/internal/logger"
	"github.com/yourusername/freqsearch/internal/maintenance"
	"github.com/yourusername/freqsearch/internal/metrics"
	"github.com/yourusername/freqsearch/internal/repository"
	"github.com/yourusername/freqsearch/internal/sandbox"
	"github.com/yourusername/freqsearch/internal/scheduler"
	"github.com/yourusername/freqsearch/internal/service"
	"github.com/yourusername/freqsearch/internal/strategyfiles"
)

// Set via ldflags at build time
var (
	version = "dev"
	commit  = "none"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Load AWS secrets if enabled
	if os.Getenv("AWS_SECRETS_ENABLED") == "true" {
		region := os.Getenv("AWS_REGION")
		secretName := os.Getenv("AWS_SECRET_NAME")
		if region == "" || secretName == "" {
			log.Fatalf("AWS_REGION and AWS_SECRET_NAME environment variables must be set when AWS_SECRETS_ENABLED is true")
		}
		if err := config.LoadSecretsFromAWS(cfg, region, secretName); err != nil {
			log.Fatalf("Failed to load secrets: %v", err)
		}
	}

	// Validate configuration
	if err := config.Validate(cfg); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	// Set up logging
	appLog := logger.NewLogger(cfg.App.LogLevel, cfg.App.Environment)
	appLog.WithFields(logrus.Fields{
		"environment": cfg.App.Environment,
		"log_level":   cfg.App.LogLevel,
		"version":     version,
		"commit":      commit,
	}).Info("Freqsearch backtest scheduler starting")

	metrics.InitRegistry()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize database connection and apply migrations
	db, err := database.Initialize(ctx, cfg)
	if err != nil {
		appLog.WithError(err).Fatal("Failed to initialize database")
	}
	defer db.Close()

	appLog.Info("Database connection established")

	repo := repository.NewPostgresJobRepository(db)

	// Initialize the sandbox runtime
	runtime, err := newRuntime(cfg, appLog)
	if err != nil {
		appLog.WithError(err).Fatal("Failed to initialize sandbox runtime")
	}
	defer func() {
		if err := runtime.Close(); err != nil {
			appLog.WithError(err).Error("Failed to close sandbox runtime")
		}
	}()

	appLog.WithField("driver", cfg.Sandbox.Driver).Info("Sandbox runtime initialized")

	workspaces := sandbox.NewWorkspaceManager(&cfg.Sandbox)
	results := collector.New(workspaces)

	// Initialize the message bus
	streams, err := events.NewStreamsClient(&cfg.Redis, cfg.GetRedisAddr())
	if err != nil {
		appLog.WithError(err).Fatal("Failed to connect to Redis")
	}
	defer func() {
		if err := streams.Close(); err != nil {
			appLog.WithError(err).Error("Failed to close Redis connection")
		}
	}()

	appLog.Info("Redis connection established")

	publisher := events.NewPublisher(streams, repo, &cfg.Redis, appLog)
	stager := strategyfiles.NewProvider(cfg, appLog)

	sched := scheduler.New(cfg, repo, runtime, workspaces, results, stager, publisher, appLog)
	svc := service.NewBacktestService(cfg, repo, sched, appLog)

	consumer, err := events.NewConsumer(streams, &cfg.Redis, busSubmit(svc), appLog)
	if err != nil {
		appLog.WithError(err).Fatal("Failed to create bus consumer")
	}

	maint, err := maintenance.New(&cfg.Scheduler, publisher, repo, runtime, appLog)
	if err != nil {
		appLog.WithError(err).Fatal("Failed to create maintenance runner")
	}

	apiServer := api.NewServer(cfg, svc, appLog)

	healthServer := health.NewServer(health.Config{
		ServiceName: cfg.App.Name,
		Version:     version,
		Commit:      commit,
		Port:        strconv.Itoa(cfg.Health.Port),
		Logger:      appLog,
	})
	healthServer.AddCheck("database", db)
	healthServer.AddCheck("redis", streams)
	healthServer.AddCheck("sandbox", runtime)

	// Set up signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	// Start components: recovery first, then intake surfaces
	if err := healthServer.Start(ctx); err != nil {
		appLog.WithError(err).Fatal("Failed to start health server")
	}

	metricsServer := startMetricsServer(cfg, appLog)

	publisher.Start()

	// Recover terminal events a previous process never acknowledged. A
	// failure here is not fatal: the maintenance sweep retries on cadence.
	sweepCtx, cancelSweep := context.WithTimeout(ctx, 30*time.Second)
	if _, err := publisher.Sweep(sweepCtx); err != nil {
		appLog.WithError(err).Warn("Startup event recovery sweep failed")
	}
	cancelSweep()

	if err := sched.Start(ctx); err != nil {
		appLog.WithError(err).Fatal("Failed to start scheduler")
	}

	consumer.Start()

	if err := maint.Start(); err != nil {
		appLog.WithError(err).Fatal("Failed to start maintenance jobs")
	}

	apiServer.Start()

	healthServer.SetReady(true)

	appLog.WithFields(logrus.Fields{
		"api_port":        cfg.API.Port,
		"max_concurrent":  cfg.Scheduler.MaxConcurrentBacktests,
		"sandbox_driver":  cfg.Sandbox.Driver,
		"staging_enabled": cfg.StrategyFiles.Enabled,
	}).Info("Freqsearch is running")

	// Wait for shutdown signal
	sig := <-sigChan
	appLog.WithField("signal", sig).Info("Shutdown signal received")

	healthServer.SetReady(false)

	// Stop intake before draining workers so nothing new is admitted
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		appLog.WithError(err).Error("Error during API server shutdown")
	}
	consumer.Stop()
	maint.Stop()

	if err := sched.Stop(); err != nil {
		appLog.WithError(err).Error("Error during scheduler shutdown")
	}
	publisher.Stop()

	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			appLog.WithError(err).Error("Error during metrics server shutdown")
		}
	}
	if err := healthServer.Shutdown(); err != nil {
		appLog.WithError(err).Error("Error during health server shutdown")
	}

	cancel()
	appLog.Info("Freqsearch shut down successfully")
}

// newRuntime selects the sandbox driver. The stub driver completes every job
// immediately with a fixed result, which is enough to exercise the queue
// without a Docker engine.
func newRuntime(cfg *config.Config, appLog *logrus.Logger) (sandbox.Runtime, error) {
	switch cfg.Sandbox.Driver {
	case "docker":
		return sandbox.NewDockerRuntime(&cfg.Sandbox, logger.NewSandboxLogger(appLog))
	case "stub":
		return sandbox.NewStubRuntime(nil), nil
	default:
		return nil, fmt.Errorf("unknown sandbox driver: %s", cfg.Sandbox.Driver)
	}
}

// busSubmit adapts ready-for-backtest bus messages into service submissions.
func busSubmit(svc *service.BacktestService) events.SubmitFunc {
	return func(ctx context.Context, msg *events.ReadyMessage) error {
		_, err := svc.SubmitFromBus(ctx, &service.SubmitRequest{
			StrategyID:        msg.StrategyID,
			OptimizationRunID: msg.OptimizationRunID,
			Config:            msg.Config,
			Priority:          msg.Priority,
		})
		return err
	}
}

func startMetricsServer(cfg *config.Config, appLog *logrus.Logger) *http.Server {
	if !cfg.Metrics.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(cfg.Metrics.Path, metrics.Handler())

	server := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Metrics.Port),
		Handler:     mux,
		ReadTimeout: 5 * time.Second,
	}

	go func() {
		appLog.WithFields(logrus.Fields{
			"port": cfg.Metrics.Port,
			"path": cfg.Metrics.Path,
		}).Info("Metrics server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLog.WithError(err).Error("Metrics server error")
		}
	}()

	return server
}

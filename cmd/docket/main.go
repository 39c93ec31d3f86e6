// Docket orchestrator server: HTTP API, run engine worker pool, and the
// cron sweeps that keep public-records cases moving.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/openrecords/docket/pkg/api"
	"github.com/openrecords/docket/pkg/config"
	"github.com/openrecords/docket/pkg/database"
	"github.com/openrecords/docket/pkg/dispatch"
	"github.com/openrecords/docket/pkg/engine"
	"github.com/openrecords/docket/pkg/events"
	"github.com/openrecords/docket/pkg/executor"
	"github.com/openrecords/docket/pkg/llm"
	"github.com/openrecords/docket/pkg/pipeline"
	"github.com/openrecords/docket/pkg/runtime"
	"github.com/openrecords/docket/pkg/scheduler"
	"github.com/openrecords/docket/pkg/services"
	"github.com/openrecords/docket/pkg/store"
	"github.com/openrecords/docket/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	}

	ctx := context.Background()

	// 1. Configuration
	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}
	slog.Info("Starting docket",
		"version", version.Full(),
		"pod_id", cfg.System.PodID,
		"config_dir", *configDir)

	// 2. Database (connects and applies embedded migrations)
	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load database config", "error", err)
		os.Exit(1)
	}
	dbClient, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("Error closing database client", "error", err)
		}
	}()
	slog.Info("Connected to PostgreSQL database")

	st := store.New(dbClient.DB())
	resolver := runtime.NewResolver(st)

	// 3. NOTIFY fan-out: publisher rides every committed transition, the
	// listener tails the shard channels for ops visibility.
	resolver.Subscribe(events.NewPublisher(dbClient.DB(), cfg.Events))
	listener := events.NewListener(dbConfig.DSN(), cfg.Events, events.NewLogSink())
	if err := listener.Start(ctx); err != nil {
		slog.Error("Failed to start event listener", "error", err)
		os.Exit(1)
	}

	// 4. LLM boundary and the executor's email provider
	llmClient := llm.NewClient(cfg.LLM)

	smtpOpts, err := executor.LoadSMTPOptionsFromEnv()
	if err != nil {
		slog.Error("Failed to load SMTP config", "error", err)
		os.Exit(1)
	}
	exec := executor.New(st, resolver, cfg, executor.NewSMTPProvider(smtpOpts))

	// 5. Decision pipeline and run engine
	pipe := pipeline.New(st, resolver, llmClient, exec, cfg)
	eng := engine.New(st, resolver, cfg, pipe)
	if err := eng.Start(ctx); err != nil {
		slog.Error("Failed to start run engine", "error", err)
		os.Exit(1)
	}

	// 6. Cron sweeps
	sched, err := scheduler.New(st, resolver, eng, cfg)
	if err != nil {
		slog.Error("Failed to build scheduler", "error", err)
		os.Exit(1)
	}
	sched.Start()

	// 7. Dispatch surface and services
	inbound := dispatch.New(st, resolver, eng, cfg)
	httpServer := api.NewServer(cfg, api.Deps{
		DB:        dbClient,
		Cases:     services.NewCaseService(st, eng),
		Proposals: services.NewProposalService(st, inbound),
		Runs:      services.NewRunService(st, resolver, eng),
		DLQ:       services.NewDLQService(st, eng),
		Inbound:   inbound,
	})

	// 8. HTTP server (non-blocking)
	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.Start(); err != nil {
			errCh <- err
		}
	}()

	slog.Info("Docket started",
		"pod_id", cfg.System.PodID,
		"workers", cfg.Engine.WorkerCount)

	// 9. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 10. Graceful shutdown: stop queueing new work, drain runs, then the API.
	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.System.ShutdownTimeout)
	defer cancel()

	sched.Stop()

	done := make(chan struct{})
	go func() {
		eng.Stop()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("Run engine stopped gracefully")
	case <-shutdownCtx.Done():
		slog.Warn("Shutdown timeout exceeded — unfinished runs will be reaper-recovered")
	}

	listener.Stop(shutdownCtx)

	httpCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/causa/internal/common"
	"github.com/ternarybob/causa/internal/engine"
	"github.com/ternarybob/causa/internal/engine/phases"
	"github.com/ternarybob/causa/internal/events"
	"github.com/ternarybob/causa/internal/models"
	"github.com/ternarybob/causa/internal/progress"
	"github.com/ternarybob/causa/internal/providers"
	"github.com/ternarybob/causa/internal/retention"
	"github.com/ternarybob/causa/internal/storage"
	"github.com/ternarybob/causa/internal/webhook"
)

var (
	configPath   = flag.String("config", "", "Configuration file path")
	configPathC  = flag.String("c", "", "Configuration file path (shorthand)")
	showVersion  = flag.Bool("version", false, "Print version information")
	showVersionV = flag.Bool("v", false, "Print version information (shorthand)")
)

func main() {
	flag.Parse()

	if *showVersion || *showVersionV {
		fmt.Printf("Causa version %s\n", common.GetFullVersion())
		os.Exit(0)
	}

	path := *configPath
	if path == "" {
		path = *configPathC
	}
	if path == "" {
		if _, err := os.Stat("causa.toml"); err == nil {
			path = "causa.toml"
		}
	}

	config, err := common.LoadFromFile(path)
	if err != nil {
		arbor.NewLogger().Fatal().Err(err).Str("path", path).Msg("Failed to load configuration")
		os.Exit(1)
	}

	logger := common.InitLogger(config)
	common.PrintBanner(common.LoadVersionFromFile())

	logger.Info().
		Str("config", path).
		Str("environment", config.Environment).
		Int("concurrency", config.Engine.Concurrency).
		Msg("Configuration loaded")

	// Storage
	storageManager, err := storage.NewStorageManager(logger, config)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize storage")
	}
	defer storageManager.Close()

	// Provider connections and tool routing
	providerManager, err := providers.NewManager(logger, &config.Providers)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize provider connections")
	}
	defer providerManager.Close()

	if err := phases.RegisterTools(providerManager); err != nil {
		logger.Fatal().Err(err).Msg("Failed to register tool routing")
	}

	// Event bus wiring: tracker publishes, dispatcher subscribes
	eventService := events.NewService(logger)
	defer eventService.Close()

	dispatcher := webhook.NewDispatcher(storageManager.JobStorage(), storageManager.DeliveryStorage(), &config.Webhooks, logger)
	defer dispatcher.Close()
	for _, eventType := range []models.EventType{models.EventStarted, models.EventProgress, models.EventCompleted, models.EventFailed} {
		if err := eventService.Subscribe(eventType, dispatcher.HandleEvent); err != nil {
			logger.Fatal().Err(err).Msg("Failed to subscribe webhook dispatcher")
		}
	}

	tracker := progress.NewTracker(storageManager.JobStorage(), eventService, logger)

	// Engine
	registry := engine.NewHandlerRegistry()
	if err := phases.RegisterHandlers(registry); err != nil {
		logger.Fatal().Err(err).Msg("Failed to register phase handlers")
	}

	orchestrator := engine.NewOrchestrator(storageManager.JobStorage(), tracker, providerManager, registry, config.Engine.PhaseTimeout.Std(), logger)
	pool := engine.NewPool(storageManager.JobStorage(), orchestrator, config.Engine.Concurrency, config.Engine.PollInterval.Std(), logger)
	service := engine.NewService(storageManager.JobStorage(), registry, pool, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool.Start(ctx)
	defer pool.Stop()

	// Crash recovery: unfinished jobs resume at their persisted cursor,
	// pending webhook deliveries resume their retry sequence
	if err := service.RecoverJobs(ctx); err != nil {
		logger.Error().Err(err).Msg("Job recovery failed")
	}
	if err := dispatcher.ResumePending(ctx); err != nil {
		logger.Error().Err(err).Msg("Webhook delivery recovery failed")
	}

	// Retention
	sweeper := retention.NewSweeper(storageManager.JobStorage(), storageManager.DeliveryStorage(), &config.Retention, logger)
	sweeper.SetGC(storageManager.RunGC)
	if err := sweeper.Start(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start retention sweeper")
	}
	defer sweeper.Stop()

	// Health endpoint
	srv := healthServer(config, service, logger)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("Health server failed")
		}
	}()

	logger.Info().
		Str("url", fmt.Sprintf("http://%s:%d", config.Server.Host, config.Server.Port)).
		Msg("Causa ready - Press Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info().Msg("Interrupt signal received, shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Health server shutdown failed")
	}

	// Stop accepting work, let in-flight jobs reach their next phase boundary
	cancel()

	logger.Info().Msg("Causa stopped")
}

// healthServer exposes liveness plus queue depth counters
func healthServer(config *common.Config, service *engine.Service, logger arbor.ILogger) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		status := map[string]any{
			"status":  "ok",
			"version": common.GetVersion(),
		}

		counts := make(map[string]int)
		for _, jobStatus := range []models.JobStatus{models.JobStatusQueued, models.JobStatusProcessing} {
			count, err := service.CountJobsByStatus(r.Context(), jobStatus)
			if err != nil {
				logger.Warn().Err(err).Msg("Failed to count jobs for health response")
				continue
			}
			counts[string(jobStatus)] = count
		}
		status["jobs"] = counts

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(status); err != nil {
			logger.Warn().Err(err).Msg("Failed to write health response")
		}
	})

	return &http.Server{
		Addr:    fmt.Sprintf("%s:%d", config.Server.Host, config.Server.Port),
		Handler: mux,
	}
}

package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"nvrcore/api"
	"nvrcore/config"
	"nvrcore/cron"
	"nvrcore/database"
	"nvrcore/monitoring"
	"nvrcore/pipeline"
	"nvrcore/recording"
	"nvrcore/session"
	"nvrcore/storage"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("no .env file loaded: %v", err)
	}

	cfg := config.LoadConfig()
	if err := config.EnsurePaths(cfg); err != nil {
		log.Fatal("failed to prepare configured directories:", err)
	}

	store, err := database.NewSQLiteStore(cfg.DatabaseURL)
	if err != nil {
		log.Fatal("failed to initialize metadata store:", err)
	}
	defer store.Close()

	if n, err := store.ReconcileStaleRecordings(); err != nil {
		log.Fatal("failed to run startup reconciliation:", err)
	} else if n > 0 {
		log.Printf("reconciled %d stale recording(s) from a previous run", n)
	}

	diskGuard := storage.NewGuard(cfg.RecordingDirectory, cfg.MinFreeSpaceMB)

	controller := recording.NewController(store, cfg, diskGuard)
	registry := session.NewRegistry(controller, cfg)
	server := api.NewServer(cfg, registry, controller, store)
	scheduler := cron.NewScheduler(registry, diskGuard, time.Duration(cfg.PipelineReadyTimeoutSecs)*time.Second)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	monitoring.Start(ctx, registry, time.Minute)

	if err := scheduler.Start(); err != nil {
		log.Fatal("failed to start housekeeping scheduler:", err)
	}
	defer scheduler.Stop()

	if cfg.StreamDefaultSource != "" {
		if _, err := registry.Create(ctx, pipeline.ProtocolRTSP, cfg.StreamDefaultSource); err != nil {
			log.Printf("failed to auto-connect default source: %v", err)
		}
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return server.Start()
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		log.Println("shutdown requested: draining sessions and stopping the HTTP server")
		registry.DrainAll(shutdownCtx)
		return server.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil {
		log.Printf("server exited with error: %v", err)
	}
}

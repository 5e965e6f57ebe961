package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/Gleato/rawthumb/internal/config"
	"github.com/Gleato/rawthumb/internal/rawdec"
	"github.com/Gleato/rawthumb/internal/storage"
	"github.com/Gleato/rawthumb/internal/store"
	"github.com/Gleato/rawthumb/internal/telemetry"
	"github.com/Gleato/rawthumb/internal/webhook"
	"github.com/Gleato/rawthumb/internal/worker"
)

func main() {
	cfg := config.Load()
	logger := log.New(os.Stdout, "[worker] ", log.LstdFlags|log.Lmsgprefix)

	shutdownTracing, err := telemetry.SetupTracing(context.Background(), cfg.Telemetry, "rawthumb-worker", logger)
	if err != nil {
		logger.Fatalf("tracing setup failed: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(ctx); err != nil {
			logger.Printf("tracing shutdown error: %v", err)
		}
	}()

	if err := rawdec.Startup(); err != nil {
		logger.Fatalf("decoder startup failed: %v", err)
	}
	defer rawdec.Shutdown()

	storageClient, err := storage.NewClient(storage.Config{
		Endpoint: cfg.Storage.Endpoint,
		Access:   cfg.Storage.AccessKey,
		Secret:   cfg.Storage.SecretKey,
		Bucket:   cfg.Storage.Bucket,
		UseSSL:   cfg.Storage.UseSSL,
	})
	if err != nil {
		logger.Fatalf("storage client setup failed: %v", err)
	}

	jobStore, closeStore := newJobStore(logger, cfg.Database)
	defer closeStore()

	webhookClient := webhook.NewClient(webhook.Config{
		SigningSecret: cfg.Webhook.SigningSecret,
		Timeout:       cfg.Webhook.Timeout,
		MaxAttempts:   cfg.Webhook.MaxAttempts,
	})

	srv, err := worker.NewServer(logger, cfg.Queue, cfg.Worker, storageClient, webhookClient, jobStore, nil)
	if err != nil {
		logger.Fatalf("worker setup failed: %v", err)
	}

	if cfg.Worker.MetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("GET /metrics", srv.MetricsHandler())
			logger.Printf("metrics listening on %s", cfg.Worker.MetricsAddr)
			if err := http.ListenAndServe(cfg.Worker.MetricsAddr, mux); err != nil {
				logger.Printf("metrics server failed: %v", err)
			}
		}()
	}

	logger.Printf(
		"starting worker concurrency=%d max_active_jobs=%d queue=%s redis=%s",
		cfg.Worker.Concurrency,
		cfg.Worker.MaxActiveJobs,
		cfg.Queue.Name,
		cfg.Queue.RedisAddr,
	)

	if err := srv.Run(); err != nil {
		logger.Fatalf("worker failed: %v", err)
	}
}

func newJobStore(logger *log.Logger, cfg config.DatabaseConfig) (store.JobStore, func()) {
	if cfg.DSN == "" {
		logger.Printf("no database configured, using in-memory job store")
		return store.NewMemoryJobStore(), func() {}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pgStore, err := store.NewPostgresJobStore(ctx, cfg.DSN)
	if err != nil {
		logger.Fatalf("database setup failed: %v", err)
	}
	return pgStore, func() {
		if err := pgStore.Close(); err != nil {
			logger.Printf("database close error: %v", err)
		}
	}
}

package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Gleato/rawthumb/internal/api"
	"github.com/Gleato/rawthumb/internal/config"
	"github.com/Gleato/rawthumb/internal/pipeline"
	"github.com/Gleato/rawthumb/internal/queue"
	"github.com/Gleato/rawthumb/internal/ratelimit"
	"github.com/Gleato/rawthumb/internal/rawdec"
	"github.com/Gleato/rawthumb/internal/storage"
	"github.com/Gleato/rawthumb/internal/store"
	"github.com/Gleato/rawthumb/internal/telemetry"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
)

func main() {
	cfg := config.Load()
	logger := log.New(os.Stdout, "[api] ", log.LstdFlags|log.Lmsgprefix)

	shutdownTracing, err := telemetry.SetupTracing(context.Background(), cfg.Telemetry, "rawthumb-api", logger)
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

	queueClient := queue.NewClient(cfg.Queue.RedisClientOpt(), cfg.Queue.Name)
	defer func() {
		if err := queueClient.Close(); err != nil {
			logger.Printf("queue client close error: %v", err)
		}
	}()

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
	{
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := storageClient.EnsureBucket(ctx); err != nil {
			logger.Printf("bucket check failed (uploads may not work yet): %v", err)
		}
		cancel()
	}

	jobStore, closeStore := newJobStore(logger, cfg.Database)
	defer closeStore()

	rateLimiter, err := ratelimit.NewRedisTokenBucket(
		redis.NewClient(&redis.Options{
			Addr:     cfg.Queue.RedisAddr,
			Password: cfg.Queue.RedisPassword,
			DB:       cfg.Queue.RedisDB,
		}),
		cfg.API.RateLimitBurst,
		cfg.API.RateLimitWindow,
		"",
	)
	if err != nil {
		logger.Fatalf("rate limiter setup failed: %v", err)
	}

	app, err := api.NewServer(api.Config{
		Logger:         logger,
		Converter:      pipeline.NewConverter(rawdec.NewDecoder(), cfg.API.MaxUploadBytes),
		QueueClient:    queueClient,
		JobStore:       jobStore,
		Storage:        storageClient,
		PresignTTL:     cfg.API.PresignTTL,
		ConvertTimeout: cfg.API.ConvertTimeout,
		ConvertSlots:   cfg.API.ConvertSlots,
		MaxUploadBytes: cfg.API.MaxUploadBytes,
		RateLimiter:    rateLimiter,
		Tracer:         otel.Tracer("rawthumb/api"),
	})
	if err != nil {
		logger.Fatalf("server setup failed: %v", err)
	}

	httpServer := &http.Server{
		Addr:         cfg.API.Addr,
		Handler:      app.Handler(),
		ReadTimeout:  2 * time.Minute,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Printf("listening on %s slots=%d timeout=%s", cfg.API.Addr, cfg.API.ConvertSlots, cfg.API.ConvertTimeout)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("server failed: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Println("shutting down")
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Printf("graceful shutdown failed: %v", err)
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

package config

import (
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/hibiken/asynq"
)

type Config struct {
	API       APIConfig
	Queue     QueueConfig
	Worker    WorkerConfig
	Storage   StorageConfig
	Database  DatabaseConfig
	Webhook   WebhookConfig
	Telemetry TelemetryConfig
}

type APIConfig struct {
	Addr            string
	MaxUploadBytes  int64
	ConvertTimeout  time.Duration
	ConvertSlots    int
	RateLimitBurst  int
	RateLimitWindow time.Duration
	PresignTTL      time.Duration
}

type QueueConfig struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	Name          string
}

func (q QueueConfig) RedisClientOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     q.RedisAddr,
		Password: q.RedisPassword,
		DB:       q.RedisDB,
	}
}

type WorkerConfig struct {
	Concurrency      int
	MaxActiveJobs    int
	FetchLimitBytes  int64
	ThumbnailWidth   int
	ThumbnailHeight  int
	ThumbnailQuality int
	MetricsAddr      string
}

type StorageConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

type DatabaseConfig struct {
	DSN string
}

type WebhookConfig struct {
	SigningSecret string
	Timeout       time.Duration
	MaxAttempts   int
}

type TelemetryConfig struct {
	Exporter     string
	OTLPEndpoint string
	OTLPInsecure bool
}

func Load() Config {
	defaultSlots := max(1, runtime.NumCPU()/2)

	return Config{
		API: APIConfig{
			Addr:            env("RAWTHUMB_API_ADDR", ":8080"),
			MaxUploadBytes:  envInt64("RAWTHUMB_MAX_UPLOAD_BYTES", 100<<20),
			ConvertTimeout:  envDuration("RAWTHUMB_CONVERT_TIMEOUT", 30*time.Second),
			ConvertSlots:    envInt("RAWTHUMB_CONVERT_SLOTS", defaultSlots),
			RateLimitBurst:  envInt("RAWTHUMB_RATE_LIMIT_BURST", 30),
			RateLimitWindow: envDuration("RAWTHUMB_RATE_LIMIT_WINDOW", time.Minute),
			PresignTTL:      envDuration("RAWTHUMB_PRESIGN_TTL", 15*time.Minute),
		},
		Queue: QueueConfig{
			RedisAddr:     env("REDIS_ADDR", "localhost:6379"),
			RedisPassword: env("REDIS_PASSWORD", ""),
			RedisDB:       envInt("REDIS_DB", 0),
			Name:          env("RAWTHUMB_QUEUE", "thumbnails"),
		},
		Worker: WorkerConfig{
			Concurrency:      envInt("WORKER_CONCURRENCY", max(2, runtime.NumCPU())),
			MaxActiveJobs:    envInt("WORKER_MAX_ACTIVE_JOBS", defaultSlots),
			FetchLimitBytes:  envInt64("WORKER_FETCH_LIMIT_BYTES", 100<<20),
			ThumbnailWidth:   envInt("RAWTHUMB_THUMB_WIDTH", 800),
			ThumbnailHeight:  envInt("RAWTHUMB_THUMB_HEIGHT", 600),
			ThumbnailQuality: envInt("RAWTHUMB_THUMB_QUALITY", 85),
			MetricsAddr:      env("WORKER_METRICS_ADDR", ":9090"),
		},
		Storage: StorageConfig{
			Endpoint:  env("MINIO_ENDPOINT", "localhost:9000"),
			AccessKey: env("MINIO_ACCESS_KEY", "minioadmin"),
			SecretKey: env("MINIO_SECRET_KEY", "minioadmin"),
			Bucket:    env("MINIO_BUCKET", "rawthumb-uploads"),
			UseSSL:    envBool("MINIO_USE_SSL", false),
		},
		Database: DatabaseConfig{
			DSN: env("POSTGRES_DSN", ""),
		},
		Webhook: WebhookConfig{
			SigningSecret: env("RAWTHUMB_WEBHOOK_SECRET", ""),
			Timeout:       envDuration("RAWTHUMB_WEBHOOK_TIMEOUT", 10*time.Second),
			MaxAttempts:   envInt("RAWTHUMB_WEBHOOK_MAX_ATTEMPTS", 3),
		},
		Telemetry: TelemetryConfig{
			Exporter:     env("RAWTHUMB_TRACE_EXPORTER", "none"),
			OTLPEndpoint: env("RAWTHUMB_OTLP_ENDPOINT", ""),
			OTLPInsecure: envBool("RAWTHUMB_OTLP_INSECURE", false),
		},
	}
}

func env(key, fallback string) string {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback
	}
	return value
}

func envInt(key string, fallback int) int {
	value := env(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func envInt64(key string, fallback int64) int64 {
	value := env(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func envBool(key string, fallback bool) bool {
	value := env(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func envDuration(key string, fallback time.Duration) time.Duration {
	value := env(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

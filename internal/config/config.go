package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Env  string
	Port int

	RedisURL string

	QueueKey      string
	ProcessingKey string

	ProcessingTimeout time.Duration
	MaxAttempts       int

	WorkerPollBlock   time.Duration
	WorkerConcurrency int
	ReaperInterval    time.Duration

	StartWorkersInAPI bool
	WorkerHealthAddr  string

	TracingEnabled bool
	OTLPEndpoint   string
}

func Load() Config {
	// best effort; the env table is the source of truth
	_ = godotenv.Load()

	return Config{
		Env:  getEnv("APP_ENV", "dev"),
		Port: getEnvInt("PORT", 8000),

		RedisURL: getEnv("REDIS_URL", "redis://localhost:6379/0"),

		QueueKey:      getEnv("QUEUE_KEY", "jobs:queue"),
		ProcessingKey: getEnv("PROCESSING_KEY", "jobs:processing"),

		ProcessingTimeout: getEnvSeconds("PROCESSING_TIMEOUT_S", 10),
		// total attempts including the first
		MaxAttempts: getEnvInt("MAX_ATTEMPTS", 2),

		WorkerPollBlock:   getEnvSeconds("WORKER_POLL_BLOCK_S", 5),
		WorkerConcurrency: getEnvInt("WORKER_CONCURRENCY", 1),
		ReaperInterval:    getEnvSeconds("REAPER_INTERVAL_S", 1),

		StartWorkersInAPI: getEnvBool("START_WORKERS_IN_API", true),
		WorkerHealthAddr:  getEnv("WORKER_HEALTH_ADDR", ":8081"),

		TracingEnabled: getEnvBool("TRACING_ENABLED", false),
		OTLPEndpoint:   getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
	}
}

func WithTimeout(duration time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), duration)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}

	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		num, err := strconv.Atoi(v)

		if err != nil {
			fmt.Println(err)
			return fallback
		}

		return num
	}
	return fallback
}

func getEnvSeconds(key string, fallback int) time.Duration {
	return time.Duration(getEnvInt(key, fallback)) * time.Second
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		switch strings.ToLower(v) {
		case "1", "true", "yes", "on":
			return true
		case "0", "false", "no", "off":
			return false
		}
	}

	return fallback
}

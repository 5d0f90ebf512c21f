package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/liwenXtrace/BackendInterview-RedisJobQueue/internal/clock"
	"github.com/liwenXtrace/BackendInterview-RedisJobQueue/internal/config"
	"github.com/liwenXtrace/BackendInterview-RedisJobQueue/internal/observability"
	"github.com/liwenXtrace/BackendInterview-RedisJobQueue/internal/queue/redisclient"
	"github.com/liwenXtrace/BackendInterview-RedisJobQueue/internal/queue/worker"
	"github.com/liwenXtrace/BackendInterview-RedisJobQueue/internal/repo/redisqueue"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

func main() {
	cfg := config.Load()

	slog.SetDefault(observability.NewLogger(cfg.Env))

	ctx, stop := signal.NotifyContext(
		context.Background(),
		os.Interrupt,
		syscall.SIGTERM,
	)

	defer stop()

	if cfg.TracingEnabled {
		shutdownTracer, err := observability.InitTracer(ctx, "jobqueue-worker", cfg.OTLPEndpoint)

		if err != nil {
			log.Printf("tracer init failed: %v", err)
		} else {
			defer func() {
				tctx, cancel := config.WithTimeout(3 * time.Second)
				defer cancel()
				_ = shutdownTracer(tctx)
			}()
		}
	}

	rdb, err := redisclient.New(cfg.RedisURL)

	if err != nil {
		log.Fatalf("redis client failed: %v", err)
	}

	defer rdb.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	prom := observability.NewProm(reg)

	repo := redisqueue.NewJobsRepo(rdb, clock.Real{}, redisqueue.Config{
		QueueKey:          cfg.QueueKey,
		ProcessingKey:     cfg.ProcessingKey,
		ProcessingTimeout: cfg.ProcessingTimeout,
		MaxAttempts:       cfg.MaxAttempts,
	}, prom)

	host, _ := os.Hostname()
	workerID := host + "-" + strconv.Itoa(os.Getpid())

	w := worker.New(worker.Config{
		WorkerID:       workerID,
		Concurrency:    cfg.WorkerConcurrency,
		PollBlock:      cfg.WorkerPollBlock,
		ReaperInterval: cfg.ReaperInterval,
		ShutdownGrace:  10 * time.Second,
		HealthAddr:     cfg.WorkerHealthAddr,
	}, repo, worker.DefaultProcessor, prom)
	w.PromRegistry = reg

	log.Println("worker has started")

	if err := w.Run(ctx); err != nil {
		log.Printf("worker stopped with error: %v", err)
	}

	log.Println("worker shutdown complete")

}

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/liwenXtrace/BackendInterview-RedisJobQueue/internal/clock"
	"github.com/liwenXtrace/BackendInterview-RedisJobQueue/internal/config"
	httpx "github.com/liwenXtrace/BackendInterview-RedisJobQueue/internal/http"
	"github.com/liwenXtrace/BackendInterview-RedisJobQueue/internal/observability"
	"github.com/liwenXtrace/BackendInterview-RedisJobQueue/internal/queue/redisclient"
	"github.com/liwenXtrace/BackendInterview-RedisJobQueue/internal/queue/worker"
	"github.com/liwenXtrace/BackendInterview-RedisJobQueue/internal/repo/redisqueue"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

func main() {
	// Load the config set up
	cfg := config.Load()

	// start up the observability logger
	log := observability.NewLogger(cfg.Env)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(
		context.Background(),
		os.Interrupt,
		syscall.SIGTERM,
	)
	defer stop()

	if cfg.TracingEnabled {
		shutdownTracer, err := observability.InitTracer(ctx, "jobqueue-api", cfg.OTLPEndpoint)

		if err != nil {
			log.Error("tracer init failed", "err", err)
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
		log.Error("redis client failed", "err", err)
		os.Exit(1)
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

	ping := func() error {
		pctx, cancel := config.WithTimeout(1 * time.Second)
		defer cancel()

		return rdb.Ping(pctx)
	}

	// In docker setups this is false and workers run separately.
	if cfg.StartWorkersInAPI {
		host, _ := os.Hostname()
		workerID := host + "-" + strconv.Itoa(os.Getpid())

		w := worker.New(worker.Config{
			WorkerID:       workerID,
			Concurrency:    cfg.WorkerConcurrency,
			PollBlock:      cfg.WorkerPollBlock,
			ReaperInterval: cfg.ReaperInterval,
			ShutdownGrace:  10 * time.Second,
		}, repo, worker.DefaultProcessor, prom)

		go func() {
			log.Info("in-process workers starting", "concurrency", cfg.WorkerConcurrency)
			_ = w.Run(ctx)
		}()
	}

	// set up routers with the log
	router := httpx.NewRouter(log, repo, ping, prom, reg)

	// server set up
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// start server using a concurrent go-routine driven anonymous function.

	go func() {
		log.Info("Server starting", "port", cfg.Port, "env", cfg.Env)
		err := srv.ListenAndServe()

		if err != nil && err != http.ErrServerClosed {
			log.Error("server failed", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown

	<-ctx.Done()
	log.Info("server shutting down")

	shutdownCh := make(chan struct{})

	go func() {
		defer close(shutdownCh)

		sctx, cancel := config.WithTimeout(10 * time.Second)

		defer cancel()

		err := srv.Shutdown(sctx)

		if err != nil {
			log.Error("graceful shutdown failed", "err", err)

			return
		}
	}()

	select {
	case <-shutdownCh:
		log.Info("shutdown complete")

	case <-time.After(12 * time.Second):
		log.Error("shutdown timed out")
	}
}

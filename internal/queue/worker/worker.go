package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/liwenXtrace/BackendInterview-RedisJobQueue/internal/domain/job"
	"github.com/liwenXtrace/BackendInterview-RedisJobQueue/internal/observability"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Queue is the protocol surface the loops drive. The repo implements it;
// tests fake it or run the real repo over an in-memory store.

type Queue interface {
	Claim(ctx context.Context, block time.Duration) (string, error)
	Get(ctx context.Context, id string) (job.Job, error)
	MarkProcessing(ctx context.Context, id string) (int, error)
	MarkDone(ctx context.Context, id string, result json.RawMessage) error
	MarkFailed(ctx context.Context, id string, errMsg string) error
	Requeue(ctx context.Context, id string, errMsg string) error
	DropStray(ctx context.Context, id string) error
	ScanStuck(ctx context.Context) (int, error)
	MaxAttempts() int
}

type Config struct {
	WorkerID       string
	Concurrency    int // claim loops per process
	PollBlock      time.Duration
	ReaperInterval time.Duration
	ShutdownGrace  time.Duration
	HealthAddr     string // empty => no health server (co-located mode)
}

type Worker struct {
	cfg     Config
	queue   Queue
	process ProcessFunc
	metrics *observability.JobMetrics
	prom    *observability.Prom

	readyMu      sync.RWMutex
	ready        bool
	PromRegistry *prometheus.Registry
}

func New(cfg Config, queue Queue, process ProcessFunc, prom *observability.Prom) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}

	if cfg.PollBlock <= 0 {
		cfg.PollBlock = 5 * time.Second
	}

	if cfg.ReaperInterval <= 0 {
		cfg.ReaperInterval = 1 * time.Second
	}

	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 10 * time.Second
	}

	if process == nil {
		process = DefaultProcessor
	}

	return &Worker{
		cfg:     cfg,
		queue:   queue,
		process: process,
		metrics: observability.NewJobMetrics(),
		prom:    prom,
		ready:   true,
	}
}

var tracer = otel.Tracer("jobqueue-worker")

func (w *Worker) logMetricsLoop(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)

	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-t.C:
			s := w.metrics.Snapshot()
			log.Printf(
				"job metrics claimed=%d done=%d failed=%d retried=%d reaped=%d strays=%d duration_count=%d dur_avg=%s duration_max=%s",
				s.Claimed, s.Done, s.Failed, s.Retried, s.Reaped, s.Strays, s.DurationCount, s.AverageDuration, s.MaxDuration,
			)
		}
	}
}

// Run blocks until ctx is cancelled: one claim loop per concurrency
// slot, one reaper, the metrics log loop, and (standalone mode) the
// health server.

func (w *Worker) Run(ctx context.Context) error {
	var srv *http.Server
	healthDone := make(chan struct{})

	if w.cfg.HealthAddr != "" {
		srv = &http.Server{Addr: w.cfg.HealthAddr, Handler: w.HealthHandler(w.PromRegistry)}

		go func() {
			log.Printf("worker health server starting on %s", w.cfg.HealthAddr)
			log.Printf("worker boot pid=%d worker_id=%s concurrency=%d", os.Getpid(), w.cfg.WorkerID, w.cfg.Concurrency)

			err := srv.ListenAndServe()
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("worker health server error: %v", err)
			}
			close(healthDone)
		}()

		// On shutdown: flip readiness, then stop the server
		go func() {
			<-ctx.Done()

			w.readyMu.Lock()
			w.ready = false
			w.readyMu.Unlock()

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	} else {
		close(healthDone)
	}

	go w.logMetricsLoop(ctx, 30*time.Second)
	go w.reaperLoop(ctx)

	var wg sync.WaitGroup
	for i := 0; i < w.cfg.Concurrency; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			w.claimLoop(ctx, slot)
		}(i + 1)
	}

	<-ctx.Done()
	log.Println("worker: shutdown signal received; stopping claims")

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Println("worker: all in-flight jobs completed")
	case <-time.After(w.cfg.ShutdownGrace):
		// anything still claimed stays on the processing list; the
		// reaper in the next deployment picks it up
		log.Printf("worker: shutdown grace (%s) exceeded; exiting", w.cfg.ShutdownGrace)
	}

	select {
	case <-healthDone:
	case <-time.After(3 * time.Second):
	}

	return nil
}

// claimLoop runs the worker cycle: blocking claim, defensive record
// load, mark processing, execute, terminal-or-requeue.

func (w *Worker) claimLoop(ctx context.Context, slot int) {
	for {
		if ctx.Err() != nil {
			return
		}

		id, err := w.queue.Claim(ctx, w.cfg.PollBlock)

		if err != nil {
			if ctx.Err() != nil {
				return
			}

			log.Printf("worker: claim error: %v", err)

			// store is down; back off a beat before retrying
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		if id == "" {
			// blocking pop timed out; go around
			continue
		}

		w.metrics.IncClaimed()
		w.processOne(ctx, slot, id)
	}
}

func (w *Worker) processOne(ctx context.Context, slot int, id string) {
	start := time.Now()

	execCtx, span := tracer.Start(ctx, "job.run",
		trace.WithAttributes(
			attribute.String("job.id", id),
			attribute.String("worker.id", w.cfg.WorkerID),
			attribute.Int("worker.slot", slot),
		),
	)
	defer span.End()

	j, err := w.queue.Get(execCtx, id)

	if err != nil {
		if errors.Is(err, job.ErrJobNotFound) || errors.Is(err, job.ErrMalformedRecord) {
			// claimed an id with no usable record; drop it from the
			// processing list so it cannot circulate forever
			if derr := w.queue.DropStray(execCtx, id); derr != nil {
				log.Printf("worker: drop stray job=%s: %v", id, derr)
			}

			w.metrics.IncStray()
			span.SetStatus(codes.Error, "stray id")
			return
		}

		log.Printf("worker: load job=%s: %v", id, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "load failed")
		return
	}

	attempts, err := w.queue.MarkProcessing(execCtx, id)

	if err != nil {
		// record untouched, id still on the processing list; the reaper
		// owns it from here
		log.Printf("worker: mark processing job=%s: %v", id, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "mark_processing failed")
		return
	}

	span.SetAttributes(
		attribute.Int("job.attempts", attempts),
		attribute.Int("job.max_attempts", w.queue.MaxAttempts()),
	)

	slog.Default().InfoContext(execCtx, "job.start",
		"worker_slot", slot,
		"worker_id", w.cfg.WorkerID,
		"job_id", id,
		"attempts", attempts,
		"max_attempts", w.queue.MaxAttempts(),
	)

	if w.prom != nil {
		w.prom.JobsInFlight.Inc()
	}

	result, execErr := w.process(execCtx, j.Payload)

	if w.prom != nil {
		w.prom.JobsInFlight.Dec()
	}

	d := time.Since(start)
	w.metrics.ObserveDuration(d)

	if execErr != nil {
		span.RecordError(execErr)
		span.SetStatus(codes.Error, execErr.Error())

		w.handleFailure(execCtx, id, attempts, execErr)

		slog.Default().ErrorContext(execCtx, "job.error",
			"worker_slot", slot,
			"worker_id", w.cfg.WorkerID,
			"job_id", id,
			"attempts", attempts,
			"duration_ms", d.Milliseconds(),
			"err", execErr,
		)
		return
	}

	if err := w.queue.MarkDone(execCtx, id, result); err != nil {
		// the job stays claimed; the reaper will retry or fail it
		log.Printf("worker: mark done job=%s: %v", id, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "mark_done failed")
		return
	}

	w.metrics.IncDone()

	if w.prom != nil {
		w.prom.JobResults.WithLabelValues("done").Inc()
		w.prom.JobDuration.WithLabelValues("done").Observe(d.Seconds())
	}

	span.SetStatus(codes.Ok, "done")
	span.SetAttributes(
		attribute.Int64("job.duration_ms", d.Milliseconds()),
		attribute.String("job.result", "done"),
	)

	slog.Default().InfoContext(execCtx, "job.done",
		"worker_slot", slot,
		"worker_id", w.cfg.WorkerID,
		"job_id", id,
		"attempts", attempts,
		"duration_ms", d.Milliseconds(),
	)
}

func (w *Worker) handleFailure(ctx context.Context, id string, attempts int, execErr error) {
	errMsg := execErr.Error()

	// attempts already counts this execution

	if attempts < w.queue.MaxAttempts() {
		if err := w.queue.Requeue(ctx, id, errMsg); err != nil {
			log.Printf("worker: requeue job=%s: %v", id, err)
			return
		}

		w.metrics.IncRetried()

		if w.prom != nil {
			w.prom.JobResults.WithLabelValues("retry").Inc()
		}

		log.Printf("job requeued job=%s attempt=%d/%d err=%s", id, attempts, w.queue.MaxAttempts(), errMsg)
		return
	}

	if err := w.queue.MarkFailed(ctx, id, errMsg); err != nil {
		log.Printf("worker: mark failed job=%s: %v", id, err)
		return
	}

	w.metrics.IncFailed()

	if w.prom != nil {
		w.prom.JobResults.WithLabelValues("failed").Inc()
	}

	log.Printf("job failed terminally job=%s attempts=%d/%d err=%s", id, attempts, w.queue.MaxAttempts(), errMsg)
}

package redisqueue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/liwenXtrace/BackendInterview-RedisJobQueue/internal/clock"
	"github.com/liwenXtrace/BackendInterview-RedisJobQueue/internal/domain/job"
	"github.com/liwenXtrace/BackendInterview-RedisJobQueue/internal/observability"
)

const jobKeyPrefix = "job:" // job:{id}

// last_error is user-facing; cap it so a pathological work error cannot
// bloat the record.
const maxErrorLen = 1024

// ReaperExhaustedError is stored when the reaper fails a job terminally.
const ReaperExhaustedError = "exceeded max attempts (reaper)"

// Store is the vocabulary the protocol needs from Redis. BRPopLPush is
// the linchpin: a job id can never leave the waiting list without
// simultaneously landing on the processing list.

type Store interface {
	HSetAll(ctx context.Context, key string, fields map[string]any) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HSet(ctx context.Context, key, field, value string) error
	HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error)
	LPush(ctx context.Context, list, value string) error
	BRPopLPush(ctx context.Context, src, dst string, block time.Duration) (string, error)
	LRem(ctx context.Context, list string, count int64, value string) (int64, error)
	LRange(ctx context.Context, list string, start, stop int64) ([]string, error)
}

type Config struct {
	QueueKey          string
	ProcessingKey     string
	ProcessingTimeout time.Duration
	MaxAttempts       int
}

// JobsRepo owns the job:{id} records and the two lists. The lists are
// the source of truth for who may execute; record writes are blind,
// never read-modify-write under a lock.

type JobsRepo struct {
	store Store
	clk   clock.Clock
	cfg   Config
	prom  *observability.Prom
}

func NewJobsRepo(store Store, clk clock.Clock, cfg Config, prom *observability.Prom) *JobsRepo {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 2
	}

	return &JobsRepo{store: store, clk: clk, cfg: cfg, prom: prom}
}

func (r *JobsRepo) observe(op string, fn func() error) error {
	if r.prom != nil {
		return r.prom.ObserveStore(op, fn)
	}
	return fn()
}

func (r *JobsRepo) MaxAttempts() int {
	return r.cfg.MaxAttempts
}

func jobKey(id string) string {
	return jobKeyPrefix + id
}

// Create writes the full record and only then enqueues the id, so a
// racing claimer always finds a readable record. The caller guarantees
// id uniqueness (uuid); no duplicate probe.

func (r *JobsRepo) Create(ctx context.Context, id string, payload json.RawMessage) (job.Job, error) {
	j := job.New(id, payload, r.clk.Now())
	op := "jobs.create"

	err := r.observe(op, func() error {
		if err := r.store.HSetAll(ctx, jobKey(id), encodeJob(j)); err != nil {
			return err
		}

		return r.store.LPush(ctx, r.cfg.QueueKey, id)
	})

	if err != nil {
		return job.Job{}, err
	}

	return j, nil
}

// Get reads and decodes the record. A missing key is ErrJobNotFound; an
// undecodable one is ErrMalformedRecord (callers treat both as absent).

func (r *JobsRepo) Get(ctx context.Context, id string) (job.Job, error) {
	var fields map[string]string
	var err error

	op := "jobs.get"

	err = r.observe(op, func() error {
		fields, err = r.store.HGetAll(ctx, jobKey(id))
		return err
	})

	if err != nil {
		return job.Job{}, err
	}

	if len(fields) == 0 {
		return job.Job{}, job.ErrJobNotFound
	}

	return decodeJob(id, fields)
}

// Claim atomically moves the next id from the waiting list to the
// processing list, blocking up to block. "" means nothing arrived.
// The record is untouched; callers must MarkProcessing before working.

func (r *JobsRepo) Claim(ctx context.Context, block time.Duration) (string, error) {
	var id string
	var err error

	op := "jobs.claim"

	err = r.observe(op, func() error {
		id, err = r.store.BRPopLPush(ctx, r.cfg.QueueKey, r.cfg.ProcessingKey, block)
		return err
	})

	if err != nil {
		return "", err
	}

	return id, nil
}

// MarkProcessing blindly writes the processing fields and bumps the
// attempt counter, returning the new count. Ownership was already
// decided by the claim; re-checking the stored status here would race
// the reaper for no benefit.

func (r *JobsRepo) MarkProcessing(ctx context.Context, id string) (int, error) {
	now := r.clk.Now()

	var attempts int64
	var err error

	op := "jobs.mark_processing"

	err = r.observe(op, func() error {
		err = r.store.HSetAll(ctx, jobKey(id), map[string]any{
			fieldStatus:    string(job.StatusProcessing),
			fieldStartedAt: serializeTime(&now),
			fieldUpdatedAt: serializeTime(&now),
			// errors from a previous attempt do not outlive the retry
			fieldLastError: "",
		})

		if err != nil {
			return err
		}

		attempts, err = r.store.HIncrBy(ctx, jobKey(id), fieldAttempts, 1)
		return err
	})

	if err != nil {
		return 0, err
	}

	return int(attempts), nil
}

// MarkDone writes the terminal record before acking, so a reader that no
// longer sees the id on the processing list never observes a
// non-terminal status.

func (r *JobsRepo) MarkDone(ctx context.Context, id string, result json.RawMessage) error {
	now := r.clk.Now()

	op := "jobs.mark_done"

	return r.observe(op, func() error {
		err := r.store.HSetAll(ctx, jobKey(id), map[string]any{
			fieldStatus:    string(job.StatusDone),
			fieldResult:    compactJSON(result),
			fieldUpdatedAt: serializeTime(&now),
		})

		if err != nil {
			return err
		}

		// ack
		_, err = r.store.LRem(ctx, r.cfg.ProcessingKey, 1, id)
		return err
	})
}

func (r *JobsRepo) MarkFailed(ctx context.Context, id string, errMsg string) error {
	now := r.clk.Now()

	op := "jobs.mark_failed"

	return r.observe(op, func() error {
		err := r.store.HSetAll(ctx, jobKey(id), map[string]any{
			fieldStatus:    string(job.StatusFailed),
			fieldLastError: truncateErr(errMsg),
			fieldUpdatedAt: serializeTime(&now),
		})

		if err != nil {
			return err
		}

		_, err = r.store.LRem(ctx, r.cfg.ProcessingKey, 1, id)
		return err
	})
}

// Requeue puts the job back on the waiting list for another attempt.
// The push happens before the processing-list removal: dying in between
// leaves the job claimed and reapable, while the reverse order could
// drop it entirely.

func (r *JobsRepo) Requeue(ctx context.Context, id string, errMsg string) error {
	now := r.clk.Now()

	op := "jobs.requeue"

	return r.observe(op, func() error {
		fields := map[string]any{
			fieldStatus:    string(job.StatusQueued),
			fieldStartedAt: "",
			fieldUpdatedAt: serializeTime(&now),
		}

		if errMsg != "" {
			fields[fieldLastError] = truncateErr(errMsg)
		}

		if err := r.store.HSetAll(ctx, jobKey(id), fields); err != nil {
			return err
		}

		if err := r.store.LPush(ctx, r.cfg.QueueKey, id); err != nil {
			return err
		}

		_, err := r.store.LRem(ctx, r.cfg.ProcessingKey, 1, id)
		return err
	})
}

// DropStray removes a processing-list entry whose record is gone.

func (r *JobsRepo) DropStray(ctx context.Context, id string) error {
	op := "jobs.drop_stray"

	return r.observe(op, func() error {
		_, err := r.store.LRem(ctx, r.cfg.ProcessingKey, 1, id)
		return err
	})
}

// ScanStuck snapshots the processing list and requeues every claim whose
// worker has been silent past the processing timeout, or fails it
// terminally once attempts are exhausted. Returns the requeued count.
// Safe to run from several reapers: a second scan finds status=queued
// and skips.

func (r *JobsRepo) ScanStuck(ctx context.Context) (int, error) {
	var ids []string
	var err error

	op := "jobs.scan_stuck"

	err = r.observe(op, func() error {
		ids, err = r.store.LRange(ctx, r.cfg.ProcessingKey, 0, -1)
		return err
	})

	if err != nil {
		return 0, err
	}

	now := r.clk.Now()
	requeued := 0

	for _, id := range ids {
		j, err := r.Get(ctx, id)

		if err != nil {
			// missing or malformed records belong to whoever owns them
			if errors.Is(err, job.ErrJobNotFound) || errors.Is(err, job.ErrMalformedRecord) {
				continue
			}

			return requeued, err
		}

		if j.Status != job.StatusProcessing || j.StartedAt == nil {
			continue
		}

		// the boundary elapsed == timeout counts as not-yet-stuck
		if now.Sub(*j.StartedAt) <= r.cfg.ProcessingTimeout {
			continue
		}

		if j.Attempts < r.cfg.MaxAttempts {
			if err := r.Requeue(ctx, id, ""); err != nil {
				return requeued, err
			}

			requeued++

			if r.prom != nil {
				r.prom.ReaperRequeues.Inc()
			}
			continue
		}

		if err := r.MarkFailed(ctx, id, ReaperExhaustedError); err != nil {
			return requeued, err
		}

		if r.prom != nil {
			r.prom.ReaperFailures.Inc()
		}
	}

	return requeued, nil
}

func truncateErr(msg string) string {
	if len(msg) > maxErrorLen {
		return msg[:maxErrorLen]
	}
	return msg
}

package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/liwenXtrace/BackendInterview-RedisJobQueue/internal/cache"
	"github.com/liwenXtrace/BackendInterview-RedisJobQueue/internal/config"
	"github.com/liwenXtrace/BackendInterview-RedisJobQueue/internal/domain/job"
	"github.com/gin-gonic/gin"
)

// JobsQueue is the slice of the queue protocol the producer API needs.

type JobsQueue interface {
	Create(ctx context.Context, id string, payload json.RawMessage) (job.Job, error)
	Get(ctx context.Context, id string) (job.Job, error)
}

type CreateJobRequest struct {
	Payload json.RawMessage `json:"payload" binding:"required"`
}

type CreateJobResponse struct {
	JobID string `json:"job_id"`
}

// JobView is the producer-facing read model; nullable fields stay in the
// body as null rather than disappearing.

type JobView struct {
	JobID     string          `json:"job_id"`
	Status    job.Status      `json:"status"`
	Result    json.RawMessage `json:"result"`
	Attempts  int             `json:"attempts"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
	StartedAt *time.Time      `json:"started_at"`
	LastError *string         `json:"last_error"`
}

type JobsHandler struct {
	queue JobsQueue
	views *cache.Cache
}

func NewJobsHandler(queue JobsQueue, views *cache.Cache) *JobsHandler {
	return &JobsHandler{queue: queue, views: views}
}

// POST /jobs

func (h *JobsHandler) CreateJob(ctx *gin.Context) {
	var req CreateJobRequest

	if !BindJSON(ctx, &req) {
		return
	}

	// payload must be a JSON object, not a scalar or array
	if !isJSONObject(req.Payload) {
		RespondBadRequest(ctx, "payload must be a JSON object", nil)
		return
	}

	id := job.NewID()

	cctx, cancel := config.WithTimeout(2 * time.Second)
	defer cancel()

	j, err := h.queue.Create(cctx, id, req.Payload)

	if err != nil {
		RespondInternal(ctx, "Could not enqueue job")
		return
	}

	ctx.JSON(http.StatusOK, CreateJobResponse{JobID: j.ID})

	slog.Default().InfoContext(cctx, "job.enqueue",
		"request_id", requestIDFrom(ctx),
		"job_id", j.ID,
	)
}

// GET /jobs/:id

func (h *JobsHandler) GetJob(ctx *gin.Context) {
	id := ctx.Param("id")

	if h.views != nil {
		if v, ok := h.views.Get(id); ok {
			ctx.JSON(http.StatusOK, v)
			return
		}
	}

	cctx, cancel := config.WithTimeout(2 * time.Second)
	defer cancel()

	j, err := h.queue.Get(cctx, id)

	if err != nil {
		// a record we cannot decode is indistinguishable from absent
		// for the producer
		if errors.Is(err, job.ErrJobNotFound) || errors.Is(err, job.ErrMalformedRecord) {
			RespondNotFound(ctx, "Job not found")
			return
		}

		RespondInternal(ctx, "Could not load job")
		return
	}

	view := JobView{
		JobID:     j.ID,
		Status:    j.Status,
		Result:    j.Result,
		Attempts:  j.Attempts,
		CreatedAt: j.CreatedAt,
		UpdatedAt: j.UpdatedAt,
		StartedAt: j.StartedAt,
		LastError: j.LastError,
	}

	// terminal records never change again; cache them to absorb polling
	if h.views != nil && j.Status.IsTerminal() {
		h.views.Set(id, view)
	}

	ctx.JSON(http.StatusOK, view)
}

func isJSONObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)

	if len(trimmed) == 0 || trimmed[0] != '{' {
		return false
	}

	return json.Valid(trimmed)
}

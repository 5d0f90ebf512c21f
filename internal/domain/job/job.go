package job

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusDone       Status = "done"
	StatusFailed     Status = "failed"
)

func (s Status) IsValid() bool {
	switch s {
	case StatusQueued, StatusProcessing, StatusDone, StatusFailed:
		return true
	default:
		return false
	}
}

// done and failed are terminal; the record never changes again.

func (s Status) IsTerminal() bool {
	return s == StatusDone || s == StatusFailed
}

var (
	ErrJobNotFound     = errors.New("job not found")
	ErrMalformedRecord = errors.New("malformed job record")
)

// a Job is the core representation of one unit of submitted work.
// this maps onto the job:{id} hash in Redis.

type Job struct {
	ID        string          `json:"job_id"`
	Status    Status          `json:"status"`
	Payload   json.RawMessage `json:"payload"` // raw json, opaque end to end
	Result    json.RawMessage `json:"result,omitempty"`
	Attempts  int             `json:"attempts"`
	LastError *string         `json:"last_error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
	StartedAt *time.Time      `json:"started_at,omitempty"`
}

// NewID generates the opaque job identifier handed back to the producer.

func NewID() string {
	return uuid.NewString()
}

//  creation of a new queued job with defaults.

func New(id string, payload json.RawMessage, now time.Time) Job {
	now = now.UTC()

	return Job{
		ID:        id,
		Status:    StatusQueued,
		Payload:   payload,
		Attempts:  0,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

package redisqueue

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/liwenXtrace/BackendInterview-RedisJobQueue/internal/domain/job"
)

// hash field names under job:{id}

const (
	fieldStatus    = "status"
	fieldPayload   = "payload"
	fieldResult    = "result"
	fieldAttempts  = "attempts"
	fieldLastError = "last_error"
	fieldCreatedAt = "created_at"
	fieldUpdatedAt = "updated_at"
	fieldStartedAt = "started_at"
)

// timestamps are ISO-8601 with a numeric UTC offset, so the wire value
// reads 2000-01-01T00:00:00+00:00 rather than the Z suffix.
const timeLayout = "2006-01-02T15:04:05.999999-07:00"

func serializeTime(t *time.Time) string {
	// Redis cannot store absence; empty string means nil
	if t == nil || t.IsZero() {
		return ""
	}

	return t.UTC().Format(timeLayout)
}

func deserializeTime(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}

	t, err := time.Parse(time.RFC3339Nano, s)

	if err != nil {
		return nil, err
	}

	u := t.UTC()
	return &u, nil
}

func compactJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var buf bytes.Buffer

	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}

	return buf.String()
}

// encodeJob flattens a Job into the string-only hash record.

func encodeJob(j job.Job) map[string]any {
	lastErr := ""

	if j.LastError != nil {
		lastErr = *j.LastError
	}

	created := j.CreatedAt
	updated := j.UpdatedAt

	return map[string]any{
		fieldStatus:    string(j.Status),
		fieldPayload:   compactJSON(j.Payload),
		fieldResult:    compactJSON(j.Result),
		fieldAttempts:  strconv.Itoa(j.Attempts),
		fieldLastError: lastErr,
		fieldCreatedAt: serializeTime(&created),
		fieldUpdatedAt: serializeTime(&updated),
		fieldStartedAt: serializeTime(j.StartedAt),
	}
}

// decodeJob rebuilds a Job from the hash record. Any missing required
// field or unparseable value is a malformed record, not a panic.

func decodeJob(id string, fields map[string]string) (job.Job, error) {
	status := job.Status(fields[fieldStatus])

	if !status.IsValid() {
		return job.Job{}, fmt.Errorf("%w: bad status %q", job.ErrMalformedRecord, fields[fieldStatus])
	}

	payload := fields[fieldPayload]

	if payload == "" {
		return job.Job{}, fmt.Errorf("%w: missing payload", job.ErrMalformedRecord)
	}

	attempts, err := strconv.Atoi(fields[fieldAttempts])

	if err != nil || attempts < 0 {
		return job.Job{}, fmt.Errorf("%w: bad attempts %q", job.ErrMalformedRecord, fields[fieldAttempts])
	}

	createdAt, err := deserializeTime(fields[fieldCreatedAt])

	if err != nil || createdAt == nil {
		return job.Job{}, fmt.Errorf("%w: bad created_at %q", job.ErrMalformedRecord, fields[fieldCreatedAt])
	}

	updatedAt, err := deserializeTime(fields[fieldUpdatedAt])

	if err != nil || updatedAt == nil {
		return job.Job{}, fmt.Errorf("%w: bad updated_at %q", job.ErrMalformedRecord, fields[fieldUpdatedAt])
	}

	startedAt, err := deserializeTime(fields[fieldStartedAt])

	if err != nil {
		return job.Job{}, fmt.Errorf("%w: bad started_at %q", job.ErrMalformedRecord, fields[fieldStartedAt])
	}

	j := job.Job{
		ID:        id,
		Status:    status,
		Payload:   json.RawMessage(payload),
		Attempts:  attempts,
		CreatedAt: *createdAt,
		UpdatedAt: *updatedAt,
		StartedAt: startedAt,
	}

	if v := fields[fieldResult]; v != "" {
		j.Result = json.RawMessage(v)
	}

	if v := fields[fieldLastError]; v != "" {
		j.LastError = &v
	}

	return j, nil
}

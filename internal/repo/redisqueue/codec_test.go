package redisqueue

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/liwenXtrace/BackendInterview-RedisJobQueue/internal/domain/job"
)

func stringify(fields map[string]any) map[string]string {
	out := make(map[string]string, len(fields))

	for k, v := range fields {
		out[k] = v.(string)
	}
	return out
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	started := time.Date(2026, 8, 24, 10, 30, 0, 250000000, time.UTC)
	lastErr := "boom"

	j := job.Job{
		ID:        "abc-123",
		Status:    job.StatusProcessing,
		Payload:   json.RawMessage(`{"x":1,"nested":{"name":"täst","emoji":"🚀"},"list":[1,2,3]}`),
		Result:    json.RawMessage(`{"processed":true}`),
		Attempts:  2,
		LastError: &lastErr,
		CreatedAt: time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC),
		UpdatedAt: time.Date(2026, 8, 24, 10, 30, 0, 0, time.UTC),
		StartedAt: &started,
	}

	decoded, err := decodeJob(j.ID, stringify(encodeJob(j)))
	if err != nil {
		t.Fatalf("decodeJob error: %v", err)
	}

	if decoded.Status != j.Status {
		t.Fatalf("status: got %s want %s", decoded.Status, j.Status)
	}
	if string(decoded.Payload) != string(j.Payload) {
		t.Fatalf("payload: got %s want %s", decoded.Payload, j.Payload)
	}
	if string(decoded.Result) != string(j.Result) {
		t.Fatalf("result: got %s want %s", decoded.Result, j.Result)
	}
	if decoded.Attempts != j.Attempts {
		t.Fatalf("attempts: got %d want %d", decoded.Attempts, j.Attempts)
	}
	if decoded.LastError == nil || *decoded.LastError != lastErr {
		t.Fatalf("last_error: got %v want %s", decoded.LastError, lastErr)
	}
	if !decoded.CreatedAt.Equal(j.CreatedAt) || !decoded.UpdatedAt.Equal(j.UpdatedAt) {
		t.Fatalf("timestamps: got %s/%s want %s/%s", decoded.CreatedAt, decoded.UpdatedAt, j.CreatedAt, j.UpdatedAt)
	}
	if decoded.StartedAt == nil || !decoded.StartedAt.Equal(started) {
		t.Fatalf("started_at: got %v want %s", decoded.StartedAt, started)
	}
}

func TestDecode_EmptyMeansAbsent(t *testing.T) {
	fields := map[string]string{
		fieldStatus:    "queued",
		fieldPayload:   `{"x":1}`,
		fieldAttempts:  "0",
		fieldCreatedAt: "2026-08-24T10:00:00+00:00",
		fieldUpdatedAt: "2026-08-24T10:00:00+00:00",
		fieldStartedAt: "",
		fieldResult:    "",
		fieldLastError: "",
	}

	j, err := decodeJob("id-1", fields)
	if err != nil {
		t.Fatalf("decodeJob error: %v", err)
	}

	if j.StartedAt != nil {
		t.Fatalf("expected nil started_at, got %v", j.StartedAt)
	}
	if j.Result != nil {
		t.Fatalf("expected nil result, got %s", j.Result)
	}
	if j.LastError != nil {
		t.Fatalf("expected nil last_error, got %v", j.LastError)
	}
}

// the reaper fixtures seed timestamps in the +00:00 form; both that and
// the Z suffix must parse.

func TestDeserializeTime_OffsetForms(t *testing.T) {
	for _, s := range []string{"2000-01-01T00:00:00+00:00", "2000-01-01T00:00:00Z", "2000-01-01T00:00:00.123456+00:00"} {
		got, err := deserializeTime(s)
		if err != nil {
			t.Fatalf("deserializeTime(%q): %v", s, err)
		}
		if got == nil || got.Year() != 2000 {
			t.Fatalf("deserializeTime(%q): got %v", s, got)
		}
	}
}

func TestSerializeTime_UTCOffset(t *testing.T) {
	ts := time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

	if got := serializeTime(&ts); got != "2000-01-01T00:00:00+00:00" {
		t.Fatalf("serializeTime: got %q", got)
	}
	if got := serializeTime(nil); got != "" {
		t.Fatalf("serializeTime(nil): got %q", got)
	}
}

func TestDecode_Malformed(t *testing.T) {
	base := func() map[string]string {
		return map[string]string{
			fieldStatus:    "queued",
			fieldPayload:   `{"x":1}`,
			fieldAttempts:  "0",
			fieldCreatedAt: "2026-08-24T10:00:00+00:00",
			fieldUpdatedAt: "2026-08-24T10:00:00+00:00",
		}
	}

	tests := []struct {
		name   string
		mutate func(map[string]string)
	}{
		{"bad status", func(f map[string]string) { f[fieldStatus] = "exploded" }},
		{"missing payload", func(f map[string]string) { delete(f, fieldPayload) }},
		{"bad attempts", func(f map[string]string) { f[fieldAttempts] = "NaN" }},
		{"negative attempts", func(f map[string]string) { f[fieldAttempts] = "-1" }},
		{"bad created_at", func(f map[string]string) { f[fieldCreatedAt] = "yesterday" }},
		{"missing updated_at", func(f map[string]string) { delete(f, fieldUpdatedAt) }},
		{"bad started_at", func(f map[string]string) { f[fieldStartedAt] = "soon" }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			fields := base()
			tc.mutate(fields)

			_, err := decodeJob("id-1", fields)
			if !errors.Is(err, job.ErrMalformedRecord) {
				t.Fatalf("expected ErrMalformedRecord, got %v", err)
			}
		})
	}
}

package redisqueue

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/liwenXtrace/BackendInterview-RedisJobQueue/internal/clock"
	"github.com/liwenXtrace/BackendInterview-RedisJobQueue/internal/domain/job"
	"github.com/liwenXtrace/BackendInterview-RedisJobQueue/internal/queue/storemem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testQueueKey      = "jobs:queue"
	testProcessingKey = "jobs:processing"
)

func newTestRepo(t *testing.T) (*JobsRepo, *storemem.Store, *clock.Fake) {
	t.Helper()

	store := storemem.New()
	clk := clock.NewFake(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))

	repo := NewJobsRepo(store, clk, Config{
		QueueKey:          testQueueKey,
		ProcessingKey:     testProcessingKey,
		ProcessingTimeout: 10 * time.Second,
		MaxAttempts:       2,
	}, nil)

	return repo, store, clk
}

func TestCreate_QueuedAndListed(t *testing.T) {
	repo, store, clk := newTestRepo(t)
	ctx := context.Background()

	j, err := repo.Create(ctx, "j1", json.RawMessage(`{"x": 1}`))
	require.NoError(t, err)

	assert.Equal(t, job.StatusQueued, j.Status)
	assert.Equal(t, 0, j.Attempts)
	assert.True(t, j.CreatedAt.Equal(clk.Now()))

	assert.Equal(t, []string{"j1"}, store.List(testQueueKey))
	assert.Empty(t, store.List(testProcessingKey))

	got, err := repo.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, job.StatusQueued, got.Status)
	// payload is stored compacted
	assert.Equal(t, `{"x":1}`, string(got.Payload))
}

// the record write must land before the enqueue; if the push fails the
// job simply never becomes claimable.

func TestCreate_EnqueueFailureLeavesRecord(t *testing.T) {
	repo, store, _ := newTestRepo(t)
	ctx := context.Background()

	store.FailWith("lpush", errors.New("redis gone"))

	_, err := repo.Create(ctx, "j1", json.RawMessage(`{}`))
	require.Error(t, err)

	assert.Empty(t, store.List(testQueueKey))

	store.FailWith("lpush", nil)
	_, err = repo.Get(ctx, "j1")
	assert.NoError(t, err, "record should have been written before the push")
}

func TestClaim_MovesIDBetweenLists(t *testing.T) {
	repo, store, _ := newTestRepo(t)
	ctx := context.Background()

	_, err := repo.Create(ctx, "j1", json.RawMessage(`{}`))
	require.NoError(t, err)

	id, err := repo.Claim(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "j1", id)

	assert.Empty(t, store.List(testQueueKey))
	assert.Equal(t, []string{"j1"}, store.List(testProcessingKey))
}

func TestClaim_TimeoutReturnsEmpty(t *testing.T) {
	repo, _, _ := newTestRepo(t)

	id, err := repo.Claim(context.Background(), 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "", id)
}

func TestClaim_FIFOWithSingleClaimer(t *testing.T) {
	repo, _, _ := newTestRepo(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		_, err := repo.Create(ctx, id, json.RawMessage(`{}`))
		require.NoError(t, err)
	}

	var got []string

	for i := 0; i < 3; i++ {
		id, err := repo.Claim(ctx, 10*time.Millisecond)
		require.NoError(t, err)
		got = append(got, id)
	}

	assert.Equal(t, []string{"a", "b", "c"}, got)
}

func TestMarkProcessing_CountsAttemptAndClearsError(t *testing.T) {
	repo, _, clk := newTestRepo(t)
	ctx := context.Background()

	_, err := repo.Create(ctx, "j1", json.RawMessage(`{}`))
	require.NoError(t, err)
	_, err = repo.Claim(ctx, 10*time.Millisecond)
	require.NoError(t, err)

	clk.Advance(2 * time.Second)

	attempts, err := repo.MarkProcessing(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, 1, attempts)

	j, err := repo.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, job.StatusProcessing, j.Status)
	assert.Equal(t, 1, j.Attempts)
	require.NotNil(t, j.StartedAt)
	assert.True(t, j.StartedAt.Equal(clk.Now()))
	assert.Nil(t, j.LastError)

	// a requeued retry clears the previous attempt's error
	require.NoError(t, repo.Requeue(ctx, "j1", "first boom"))
	_, err = repo.Claim(ctx, 10*time.Millisecond)
	require.NoError(t, err)

	attempts, err = repo.MarkProcessing(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)

	j, err = repo.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Nil(t, j.LastError)
}

func TestMarkDone_TerminalAndAcked(t *testing.T) {
	repo, store, _ := newTestRepo(t)
	ctx := context.Background()

	_, err := repo.Create(ctx, "j1", json.RawMessage(`{"x":1}`))
	require.NoError(t, err)
	_, err = repo.Claim(ctx, 10*time.Millisecond)
	require.NoError(t, err)
	_, err = repo.MarkProcessing(ctx, "j1")
	require.NoError(t, err)

	require.NoError(t, repo.MarkDone(ctx, "j1", json.RawMessage(`{"processed":true,"original":{"x":1}}`)))

	j, err := repo.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, job.StatusDone, j.Status)
	assert.JSONEq(t, `{"processed":true,"original":{"x":1}}`, string(j.Result))

	// terminal => on neither list
	assert.Zero(t, store.Occurrences(testQueueKey, "j1"))
	assert.Zero(t, store.Occurrences(testProcessingKey, "j1"))
}

func TestMarkFailed_TruncatesError(t *testing.T) {
	repo, store, _ := newTestRepo(t)
	ctx := context.Background()

	_, err := repo.Create(ctx, "j1", json.RawMessage(`{}`))
	require.NoError(t, err)
	_, err = repo.Claim(ctx, 10*time.Millisecond)
	require.NoError(t, err)
	_, err = repo.MarkProcessing(ctx, "j1")
	require.NoError(t, err)

	long := strings.Repeat("x", 4096)
	require.NoError(t, repo.MarkFailed(ctx, "j1", long))

	j, err := repo.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, job.StatusFailed, j.Status)
	require.NotNil(t, j.LastError)
	assert.Len(t, *j.LastError, 1024)

	assert.Zero(t, store.Occurrences(testProcessingKey, "j1"))
}

// the push must precede the removal: dying in between leaves the job
// claimed (and reapable), never dropped.

func TestRequeue_PushBeforeRemove(t *testing.T) {
	repo, store, _ := newTestRepo(t)
	ctx := context.Background()

	_, err := repo.Create(ctx, "j1", json.RawMessage(`{}`))
	require.NoError(t, err)
	_, err = repo.Claim(ctx, 10*time.Millisecond)
	require.NoError(t, err)
	_, err = repo.MarkProcessing(ctx, "j1")
	require.NoError(t, err)

	store.FailWith("lrem", errors.New("redis gone"))

	err = repo.Requeue(ctx, "j1", "boom")
	require.Error(t, err)

	// transiently on both lists, never on neither: the job stays
	// claimable and the leftover processing entry is reaper fodder
	assert.Equal(t, 1, store.Occurrences(testQueueKey, "j1"))
	assert.Equal(t, 1, store.Occurrences(testProcessingKey, "j1"))
}

func TestRequeue_ResetsRecord(t *testing.T) {
	repo, store, _ := newTestRepo(t)
	ctx := context.Background()

	_, err := repo.Create(ctx, "j1", json.RawMessage(`{}`))
	require.NoError(t, err)
	_, err = repo.Claim(ctx, 10*time.Millisecond)
	require.NoError(t, err)
	_, err = repo.MarkProcessing(ctx, "j1")
	require.NoError(t, err)

	require.NoError(t, repo.Requeue(ctx, "j1", "boom"))

	assert.Equal(t, 1, store.Occurrences(testQueueKey, "j1"))
	assert.Zero(t, store.Occurrences(testProcessingKey, "j1"))

	j, err := repo.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, job.StatusQueued, j.Status)
	assert.Equal(t, 1, j.Attempts)
	assert.Nil(t, j.StartedAt)
	require.NotNil(t, j.LastError)
	assert.Equal(t, "boom", *j.LastError)
}

func TestGet_NotFoundAndMalformed(t *testing.T) {
	repo, store, _ := newTestRepo(t)
	ctx := context.Background()

	_, err := repo.Get(ctx, "missing")
	assert.ErrorIs(t, err, job.ErrJobNotFound)

	store.SeedHash("job:bad", map[string]string{"status": "exploded"})
	_, err = repo.Get(ctx, "bad")
	assert.ErrorIs(t, err, job.ErrMalformedRecord)
}

func TestGet_StoreErrorPropagates(t *testing.T) {
	repo, store, _ := newTestRepo(t)

	boom := errors.New("redis gone")
	store.FailWith("hgetall", boom)

	_, err := repo.Get(context.Background(), "j1")
	assert.ErrorIs(t, err, boom)
}

func seedProcessing(store *storemem.Store, id string, attempts string, startedAt string) {
	store.SeedHash("job:"+id, map[string]string{
		fieldStatus:    "processing",
		fieldPayload:   `{"slow":true}`,
		fieldAttempts:  attempts,
		fieldCreatedAt: "2000-01-01T00:00:00+00:00",
		fieldUpdatedAt: startedAt,
		fieldStartedAt: startedAt,
	})
	store.SeedList(testProcessingKey, id)
}

func TestScanStuck_RequeuesWithAttemptsLeft(t *testing.T) {
	repo, store, _ := newTestRepo(t)

	seedProcessing(store, "j1", "1", "2000-01-01T00:00:00+00:00")

	n, err := repo.ScanStuck(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	j, err := repo.Get(context.Background(), "j1")
	require.NoError(t, err)
	assert.Equal(t, job.StatusQueued, j.Status)
	assert.Nil(t, j.StartedAt)

	assert.Equal(t, 1, store.Occurrences(testQueueKey, "j1"))
	assert.Zero(t, store.Occurrences(testProcessingKey, "j1"))
}

func TestScanStuck_FailsTerminallyAtMaxAttempts(t *testing.T) {
	repo, store, _ := newTestRepo(t)

	seedProcessing(store, "j1", "2", "2000-01-01T00:00:00+00:00")

	n, err := repo.ScanStuck(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	j, err := repo.Get(context.Background(), "j1")
	require.NoError(t, err)
	assert.Equal(t, job.StatusFailed, j.Status)
	require.NotNil(t, j.LastError)
	assert.Equal(t, "exceeded max attempts (reaper)", *j.LastError)

	assert.Zero(t, store.Occurrences(testQueueKey, "j1"))
	assert.Zero(t, store.Occurrences(testProcessingKey, "j1"))
}

func TestScanStuck_BoundaryIsNotStuck(t *testing.T) {
	repo, store, clk := newTestRepo(t)

	started := clk.Now()
	seedProcessing(store, "j1", "1", serializeTime(&started))

	// elapsed == timeout exactly
	clk.Advance(10 * time.Second)

	n, err := repo.ScanStuck(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1, store.Occurrences(testProcessingKey, "j1"))

	// one tick past the boundary
	clk.Advance(time.Second)

	n, err = repo.ScanStuck(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestScanStuck_SkipsMissingAndForeignStatus(t *testing.T) {
	repo, store, _ := newTestRepo(t)
	ctx := context.Background()

	// an id with no record at all, plus one already requeued by someone
	store.SeedList(testProcessingKey, "ghost", "j2")
	store.SeedHash("job:j2", map[string]string{
		fieldStatus:    "queued",
		fieldPayload:   `{}`,
		fieldAttempts:  "1",
		fieldCreatedAt: "2000-01-01T00:00:00+00:00",
		fieldUpdatedAt: "2000-01-01T00:00:00+00:00",
	})

	n, err := repo.ScanStuck(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	// skipped entries are left for whoever owns them
	assert.Equal(t, []string{"ghost", "j2"}, store.List(testProcessingKey))
}

// worker crashes after MarkProcessing; the reaper restores the job and a
// second execution completes it. attempts counts both entries.

func TestCrashRecovery_AtLeastOnce(t *testing.T) {
	repo, store, clk := newTestRepo(t)
	ctx := context.Background()

	_, err := repo.Create(ctx, "j1", json.RawMessage(`{"x":1}`))
	require.NoError(t, err)

	id, err := repo.Claim(ctx, 10*time.Millisecond)
	require.NoError(t, err)
	_, err = repo.MarkProcessing(ctx, id)
	require.NoError(t, err)

	// worker dies here; nothing acks

	clk.Advance(11 * time.Second)

	n, err := repo.ScanStuck(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	id, err = repo.Claim(ctx, 10*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, "j1", id)

	attempts, err := repo.MarkProcessing(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)

	require.NoError(t, repo.MarkDone(ctx, id, json.RawMessage(`{"processed":true,"original":{"x":1}}`)))

	j, err := repo.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, job.StatusDone, j.Status)
	assert.Equal(t, 2, j.Attempts)
	assert.Zero(t, store.Occurrences(testQueueKey, id))
	assert.Zero(t, store.Occurrences(testProcessingKey, id))
}

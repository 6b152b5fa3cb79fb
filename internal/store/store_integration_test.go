//go:build integration

package store_test

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bisectd/bisectd/internal/store"
)

// These tests need a reachable Postgres; point TEST_DATABASE_URL at one and
// run with -tags integration.

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	s, err := store.Open(context.Background(), url, store.Options{
		PendingGrace:   time.Millisecond,
		HeartbeatStale: time.Minute,
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func createTestJob(t *testing.T, s *store.Store, n int) int64 {
	t.Helper()
	id, created, err := s.Create(context.Background(), store.Spec{
		RepoOwner:      "octocat",
		RepoName:       "hello-world",
		InstallationID: int64(n),
		IssueNumber:    n,
		Requester:      "alice",
		GoodSHA:        "a1b2c3d",
		BadSHA:         "d4e5f6a",
		TestCommand:    fmt.Sprintf("make test-%d-%d", n, time.Now().UnixNano()),
	})
	require.NoError(t, err)
	require.True(t, created)
	return id
}

func TestCreateDeduplicates(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	spec := store.Spec{
		RepoOwner:      "octocat",
		RepoName:       "hello-world",
		InstallationID: 1,
		IssueNumber:    1,
		Requester:      "alice",
		GoodSHA:        "a1b2c3d",
		BadSHA:         "d4e5f6a",
		TestCommand:    fmt.Sprintf("make dedup-%d", time.Now().UnixNano()),
	}

	id1, created, err := s.Create(ctx, spec)
	require.NoError(t, err)
	assert.True(t, created)

	id2, created, err := s.Create(ctx, spec)
	require.NoError(t, err)
	assert.False(t, created, "replayed delivery created a second row")
	assert.Equal(t, id1, id2)
}

func TestConcurrentClaimNeverDuplicates(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		createTestJob(t, s, 1000+i)
	}
	time.Sleep(50 * time.Millisecond) // let the pending grace elapse

	const claimers = 20
	var mu sync.Mutex
	seen := make(map[int64]string)

	var wg sync.WaitGroup
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			workerID := fmt.Sprintf("test-worker-%d", worker)
			jobs, err := s.Claim(ctx, workerID, 4)
			assert.NoError(t, err)
			mu.Lock()
			defer mu.Unlock()
			for _, j := range jobs {
				if prev, dup := seen[j.ID]; dup {
					t.Errorf("job %d claimed by both %s and %s", j.ID, prev, workerID)
				}
				seen[j.ID] = workerID
				assert.Equal(t, store.StatusRunning, j.Status)
				assert.Equal(t, 1, j.AttemptCount)
			}
		}(i)
	}
	wg.Wait()

	assert.LessOrEqual(t, len(seen), claimers*4)
}

func TestStaleRunningJobIsReclaimed(t *testing.T) {
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	// Aggressively short staleness so the first owner's heartbeat ages out
	// immediately, simulating a SIGKILLed instance.
	s, err := store.Open(context.Background(), url, store.Options{
		PendingGrace:   time.Millisecond,
		HeartbeatStale: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	id := createTestJob(t, s, 55)
	time.Sleep(50 * time.Millisecond)

	jobs, err := s.Claim(ctx, "crashed-worker", 1)
	require.NoError(t, err)
	require.NotEmpty(t, jobs)
	require.Equal(t, id, jobs[0].ID)
	require.Equal(t, 1, jobs[0].AttemptCount)

	time.Sleep(50 * time.Millisecond) // heartbeat goes stale

	jobs, err = s.Claim(ctx, "recovery-worker", 10)
	require.NoError(t, err)

	var reclaimed *store.Job
	for i := range jobs {
		if jobs[i].ID == id {
			reclaimed = &jobs[i]
		}
	}
	require.NotNil(t, reclaimed, "stale running job was not re-claimed")
	assert.Equal(t, 2, reclaimed.AttemptCount)
	require.NotNil(t, reclaimed.WorkerID)
	assert.Equal(t, "recovery-worker", *reclaimed.WorkerID)

	// The original owner's heartbeat must now be refused.
	ok, err := s.Heartbeat(ctx, id, "crashed-worker")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHeartbeatFromNonOwnerIsNoop(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	createTestJob(t, s, 77)
	time.Sleep(50 * time.Millisecond)

	jobs, err := s.Claim(ctx, "owner-worker", 1)
	require.NoError(t, err)
	require.NotEmpty(t, jobs)
	id := jobs[0].ID

	ok, err := s.Heartbeat(ctx, id, "other-worker")
	require.NoError(t, err)
	assert.False(t, ok, "heartbeat from a non-owner must return false")

	ok, err = s.Heartbeat(ctx, id, "owner-worker")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestReleaseUnchargesAttempt(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	createTestJob(t, s, 88)
	time.Sleep(50 * time.Millisecond)

	jobs, err := s.Claim(ctx, "drain-worker", 1)
	require.NoError(t, err)
	require.NotEmpty(t, jobs)
	job := jobs[0]

	require.NoError(t, s.Release(ctx, job.ID, "drain-worker"))

	got, err := s.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, got.Status)
	assert.Nil(t, got.WorkerID)
	assert.Nil(t, got.StartedAt)
	assert.Equal(t, job.AttemptCount-1, got.AttemptCount)
}

func TestFinishGuardedByOwnership(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	createTestJob(t, s, 99)
	time.Sleep(50 * time.Millisecond)

	jobs, err := s.Claim(ctx, "finish-worker", 1)
	require.NoError(t, err)
	require.NotEmpty(t, jobs)
	id := jobs[0].ID

	err = s.Finish(ctx, id, "impostor", store.Failed("nope", ""))
	assert.ErrorIs(t, err, store.ErrNotOwner)

	require.NoError(t, s.Finish(ctx, id, "finish-worker",
		store.Completed("0123456789abcdef0123456789abcdef01234567", "probe log")))

	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, got.Status)
	require.NotNil(t, got.CulpritSHA)
	assert.Len(t, *got.CulpritSHA, 40)
	assert.NotNil(t, got.FinishedAt)
}

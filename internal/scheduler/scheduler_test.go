package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bisectd/bisectd/internal/forge"
	"github.com/bisectd/bisectd/internal/store"
)

// memStore is an in-memory JobStore good enough to exercise the scheduler.
type memStore struct {
	mu        sync.Mutex
	pending   []store.Job
	released  []int64
	exhausted []int64
	// ownership per job id; heartbeat returns false when it mismatches
	owners map[int64]string
}

func newMemStore(jobs ...store.Job) *memStore {
	return &memStore{pending: jobs, owners: make(map[int64]string)}
}

func (m *memStore) Claim(_ context.Context, workerID string, limit int) ([]store.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := limit
	if n > len(m.pending) {
		n = len(m.pending)
	}
	claimed := make([]store.Job, n)
	copy(claimed, m.pending[:n])
	m.pending = m.pending[n:]
	for i := range claimed {
		claimed[i].Status = store.StatusRunning
		claimed[i].AttemptCount++
		m.owners[claimed[i].ID] = workerID
	}
	return claimed, nil
}

func (m *memStore) Heartbeat(_ context.Context, id int64, workerID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.owners[id] == workerID, nil
}

func (m *memStore) Release(_ context.Context, id int64, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.released = append(m.released, id)
	return nil
}

func (m *memStore) FailIfExhausted(_ context.Context, id int64, _ string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exhausted = append(m.exhausted, id)
	return true, nil
}

func (m *memStore) disown(id int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.owners[id] = "someone-else"
}

// recordingExecutor blocks until its context is aborted or release is closed.
type recordingExecutor struct {
	mu      sync.Mutex
	started []int64
	maxSeen int
	active  int
	release chan struct{}
}

func newRecordingExecutor() *recordingExecutor {
	return &recordingExecutor{release: make(chan struct{})}
}

func (e *recordingExecutor) Run(ctx context.Context, job store.Job) error {
	e.mu.Lock()
	e.started = append(e.started, job.ID)
	e.active++
	if e.active > e.maxSeen {
		e.maxSeen = e.active
	}
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.active--
		e.mu.Unlock()
	}()

	select {
	case <-e.release:
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

func (e *recordingExecutor) startedIDs() []int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]int64(nil), e.started...)
}

type noopForge struct {
	mu       sync.Mutex
	comments []string
}

func (f *noopForge) InstallationToken(context.Context, int64) (string, error) { return "ghs_x", nil }
func (f *noopForge) CloneURL(context.Context, string, string, int64) (string, error) {
	return "", nil
}
func (f *noopForge) CreateComment(_ context.Context, _ int64, _, _ string, _ int, body string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.comments = append(f.comments, body)
	return 1, nil
}
func (f *noopForge) UpdateComment(context.Context, int64, string, string, int64, string) error {
	return nil
}
func (f *noopForge) CommitInfo(context.Context, int64, string, string, string) (*forge.CommitInfo, error) {
	return &forge.CommitInfo{}, nil
}

var _ forge.Client = (*noopForge)(nil)

func testConfig() Config {
	return Config{
		WorkerID:          "test-worker",
		MaxConcurrentJobs: 2,
		HeartbeatInterval: 20 * time.Millisecond,
		RecoveryInterval:  10 * time.Millisecond,
		DrainTimeout:      50 * time.Millisecond,
	}
}

func mutedLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func jobs(n int) []store.Job {
	out := make([]store.Job, n)
	for i := range out {
		out[i] = store.Job{ID: int64(i + 1), Status: store.StatusPending}
	}
	return out
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	assert.Eventually(t, cond, 2*time.Second, 5*time.Millisecond, msg)
}

func TestSchedulerRespectsConcurrencyCap(t *testing.T) {
	st := newMemStore(jobs(10)...)
	exec := newRecordingExecutor()
	s := New(st, exec, &noopForge{}, testConfig(), mutedLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { s.Run(ctx); close(done) }()

	eventually(t, func() bool { return len(exec.startedIDs()) >= 2 }, "executors never started")
	time.Sleep(50 * time.Millisecond) // a few recovery ticks at capacity

	exec.mu.Lock()
	maxSeen := exec.maxSeen
	exec.mu.Unlock()
	assert.LessOrEqual(t, maxSeen, 2, "cap exceeded")

	close(exec.release)
	eventually(t, func() bool { return len(exec.startedIDs()) == 10 }, "not all jobs executed")

	cancel()
	<-done
}

func TestSchedulerClaimsFIFO(t *testing.T) {
	st := newMemStore(jobs(4)...)
	exec := newRecordingExecutor()
	close(exec.release) // finish immediately
	s := New(st, exec, &noopForge{}, testConfig(), mutedLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { s.Run(ctx); close(done) }()

	eventually(t, func() bool { return len(exec.startedIDs()) == 4 }, "not all jobs executed")
	cancel()
	<-done

	// Claims are FIFO by id; executor start order inside one claim batch is
	// not guaranteed, so only the batch boundary is asserted.
	ids := exec.startedIDs()
	assert.ElementsMatch(t, []int64{1, 2}, ids[:2])
	assert.ElementsMatch(t, []int64{3, 4}, ids[2:])
}

func TestSchedulerFailsExhaustedJobs(t *testing.T) {
	exhausted := store.Job{ID: 9, Status: store.StatusPending, AttemptCount: store.MaxAttempts}
	st := newMemStore(exhausted)
	exec := newRecordingExecutor()
	fg := &noopForge{}
	s := New(st, exec, fg, testConfig(), mutedLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { s.Run(ctx); close(done) }()

	// The claim increments the counter past the cap; the job must be failed
	// without ever reaching an executor.
	eventually(t, func() bool {
		st.mu.Lock()
		defer st.mu.Unlock()
		return len(st.exhausted) == 1
	}, "exhausted job was not failed")

	assert.Empty(t, exec.startedIDs(), "exhausted job must not be executed")

	eventually(t, func() bool {
		fg.mu.Lock()
		defer fg.mu.Unlock()
		return len(fg.comments) == 1
	}, "no failure comment posted")

	cancel()
	<-done
}

func TestSchedulerAbortsOnLostHeartbeat(t *testing.T) {
	st := newMemStore(jobs(1)...)
	exec := newRecordingExecutor()
	s := New(st, exec, &noopForge{}, testConfig(), mutedLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { s.Run(ctx); close(done) }()

	eventually(t, func() bool { return len(exec.startedIDs()) == 1 }, "executor never started")

	st.disown(1)

	// The next heartbeat tick must cancel the executor with ownership lost,
	// and an abandoned job is not released.
	eventually(t, func() bool { return s.InFlight() == 0 }, "executor was not aborted")

	st.mu.Lock()
	released := len(st.released)
	st.mu.Unlock()
	assert.Zero(t, released, "an abandoned job must not be released")

	cancel()
	<-done
}

func TestSchedulerDrainReleasesStragglers(t *testing.T) {
	st := newMemStore(jobs(1)...)
	exec := newRecordingExecutor() // never finishes on its own
	s := New(st, exec, &noopForge{}, testConfig(), mutedLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { s.Run(ctx); close(done) }()

	eventually(t, func() bool { return len(exec.startedIDs()) == 1 }, "executor never started")

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not drain")
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	require.Len(t, st.released, 1, "straggler was not released on drain")
	assert.EqualValues(t, 1, st.released[0])
}

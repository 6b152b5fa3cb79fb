package bisect

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bisectd/bisectd/internal/forge"
	"github.com/bisectd/bisectd/internal/sandbox"
	"github.com/bisectd/bisectd/internal/store"
)

// testRepo builds a synthetic linear history and returns the repo path plus
// the hashes of all commits in order.
func testRepo(t *testing.T, commits int, breakAt int) (string, []string) {
	t.Helper()
	dir := t.TempDir()

	git := func(args ...string) string {
		t.Helper()
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=Test", "GIT_AUTHOR_EMAIL=test@example.com",
			"GIT_COMMITTER_NAME=Test", "GIT_COMMITTER_EMAIL=test@example.com",
		)
		out, err := cmd.CombinedOutput()
		require.NoErrorf(t, err, "git %v failed: %s", args, out)
		return string(out)
	}

	git("init", "--initial-branch=main")

	var hashes []string
	for i := 0; i < commits; i++ {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "file.txt"), []byte(fmt.Sprintf("revision %d\n", i)), 0o644))
		if i >= breakAt && breakAt >= 0 {
			require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.txt"), []byte("bug\n"), 0o644))
		}
		git("add", ".")
		git("commit", "-m", fmt.Sprintf("commit %d", i))
		out := git("rev-parse", "HEAD")
		hashes = append(hashes, out[:40])
	}
	return dir, hashes
}

type fakeForge struct {
	mu       sync.Mutex
	created  []string
	updated  []string
	cloneURL string
}

func (f *fakeForge) InstallationToken(context.Context, int64) (string, error) {
	return "ghs_test", nil
}

func (f *fakeForge) CloneURL(context.Context, string, string, int64) (string, error) {
	return f.cloneURL, nil
}

func (f *fakeForge) CreateComment(_ context.Context, _ int64, _, _ string, _ int, body string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, body)
	return int64(len(f.created)), nil
}

func (f *fakeForge) UpdateComment(_ context.Context, _ int64, _, _ string, _ int64, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updated = append(f.updated, body)
	return nil
}

func (f *fakeForge) CommitInfo(_ context.Context, _ int64, _, _, sha string) (*forge.CommitInfo, error) {
	return &forge.CommitInfo{SHA: sha, Subject: "commit subject", Author: "Test <test@example.com>"}, nil
}

type fakeStore struct {
	mu       sync.Mutex
	outcome  *store.Outcome
	progress string
	lostAt   int // when > 0, AppendProgress reports lost ownership after this many calls
	calls    int
}

func (f *fakeStore) Finish(_ context.Context, _ int64, _ string, outcome store.Outcome) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outcome = &outcome
	return nil
}

func (f *fakeStore) AppendProgress(_ context.Context, _ int64, _ string, progressLog string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.lostAt > 0 && f.calls >= f.lostAt {
		return store.ErrNotOwner
	}
	f.progress = progressLog
	return nil
}

func (f *fakeStore) result() *store.Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.outcome
}

func newTestExecutor(t *testing.T, repoPath string, st *fakeStore, fg *fakeForge) *Executor {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	fg.cloneURL = repoPath

	return &Executor{
		Store:               st,
		Forge:               fg,
		Runner:              sandbox.NewExecRunner(logger),
		WorkerID:            "test-worker",
		WorkspaceRoot:       t.TempDir(),
		BisectTimeout:       2 * time.Minute,
		ProgressMinInterval: time.Millisecond,
		SkipRetries:         1,
		Log:                 logger,
	}
}

func jobFixture(good, bad string) store.Job {
	return store.Job{
		ID:             1,
		Status:         store.StatusRunning,
		RepoOwner:      "octocat",
		RepoName:       "hello-world",
		InstallationID: 42,
		IssueNumber:    7,
		Requester:      "alice",
		GoodSHA:        good,
		BadSHA:         bad,
		TestCommand:    "test ! -f broken.txt",
	}
}

func TestExecutorFindsCulprit(t *testing.T) {
	// Five commits, the bug lands in the third (index 2).
	repoPath, hashes := testRepo(t, 5, 2)
	st, fg := &fakeStore{}, &fakeForge{}
	e := newTestExecutor(t, repoPath, st, fg)

	err := e.Run(context.Background(), jobFixture(hashes[0], hashes[4]))
	require.NoError(t, err)

	outcome := st.result()
	require.NotNil(t, outcome, "no terminal state written")
	assert.Equal(t, store.StatusCompleted, outcome.Status)
	assert.Equal(t, hashes[2], outcome.CulpritSHA)

	// Exactly two comments: starting and result.
	assert.Len(t, fg.created, 2)
	assert.Contains(t, fg.created[1], hashes[2])
	assert.Contains(t, fg.created[1], "commit subject")
}

func TestExecutorAcceptsAbbreviatedEndpoints(t *testing.T) {
	repoPath, hashes := testRepo(t, 5, 3)
	st, fg := &fakeStore{}, &fakeForge{}
	e := newTestExecutor(t, repoPath, st, fg)

	err := e.Run(context.Background(), jobFixture(hashes[0][:7], hashes[4][:7]))
	require.NoError(t, err)

	outcome := st.result()
	require.NotNil(t, outcome)
	assert.Equal(t, store.StatusCompleted, outcome.Status)
	assert.Equal(t, hashes[3], outcome.CulpritSHA)
}

func TestExecutorEqualEndpointsFail(t *testing.T) {
	repoPath, hashes := testRepo(t, 3, 1)
	st, fg := &fakeStore{}, &fakeForge{}
	e := newTestExecutor(t, repoPath, st, fg)

	err := e.Run(context.Background(), jobFixture(hashes[1], hashes[1]))
	require.NoError(t, err)

	outcome := st.result()
	require.NotNil(t, outcome)
	assert.Equal(t, store.StatusFailed, outcome.Status)
	assert.Equal(t, "endpoints inconsistent", outcome.ErrorMessage)
}

func TestExecutorInvertedEndpointsFail(t *testing.T) {
	repoPath, hashes := testRepo(t, 5, 2)
	st, fg := &fakeStore{}, &fakeForge{}
	e := newTestExecutor(t, repoPath, st, fg)

	// good and bad swapped: the "good" end is not an ancestor of the "bad".
	err := e.Run(context.Background(), jobFixture(hashes[4], hashes[0]))
	require.NoError(t, err)

	outcome := st.result()
	require.NotNil(t, outcome)
	assert.Equal(t, store.StatusFailed, outcome.Status)
	assert.Equal(t, "endpoints inconsistent", outcome.ErrorMessage)
}

func TestExecutorBadEndpointTestsGoodFails(t *testing.T) {
	// No commit is ever broken, so the bad endpoint tests good.
	repoPath, hashes := testRepo(t, 5, -1)
	st, fg := &fakeStore{}, &fakeForge{}
	e := newTestExecutor(t, repoPath, st, fg)

	err := e.Run(context.Background(), jobFixture(hashes[0], hashes[4]))
	require.NoError(t, err)

	outcome := st.result()
	require.NotNil(t, outcome)
	assert.Equal(t, store.StatusFailed, outcome.Status)
	assert.Equal(t, "endpoints inconsistent", outcome.ErrorMessage)
}

func TestExecutorUntestableRange(t *testing.T) {
	repoPath, hashes := testRepo(t, 8, 4)
	st, fg := &fakeStore{}, &fakeForge{}
	e := newTestExecutor(t, repoPath, st, fg)

	job := jobFixture(hashes[0], hashes[7])
	// Endpoints behave, every intermediate commit reports the reserved skip
	// code.
	job.TestCommand = fmt.Sprintf(
		`rev=$(git rev-parse HEAD); if [ "$rev" = %s ]; then exit 0; fi; if [ "$rev" = %s ]; then exit 1; fi; exit 125`,
		hashes[0], hashes[7])

	err := e.Run(context.Background(), job)
	require.NoError(t, err)

	outcome := st.result()
	require.NotNil(t, outcome)
	assert.Equal(t, store.StatusFailed, outcome.Status)
	assert.Equal(t, "untestable range", outcome.ErrorMessage)
}

func TestExecutorBudgetExpiryFailsJob(t *testing.T) {
	repoPath, hashes := testRepo(t, 5, 2)
	st, fg := &fakeStore{}, &fakeForge{}
	e := newTestExecutor(t, repoPath, st, fg)
	e.BisectTimeout = 50 * time.Millisecond

	job := jobFixture(hashes[0], hashes[4])
	job.TestCommand = "sleep 10"

	err := e.Run(context.Background(), job)
	require.NoError(t, err)

	outcome := st.result()
	require.NotNil(t, outcome)
	assert.Equal(t, store.StatusFailed, outcome.Status)
	assert.Equal(t, "wall-clock timeout", outcome.ErrorMessage)
}

func TestExecutorShutdownLeavesNoTerminalRow(t *testing.T) {
	repoPath, hashes := testRepo(t, 5, 2)
	st, fg := &fakeStore{}, &fakeForge{}
	e := newTestExecutor(t, repoPath, st, fg)

	ctx, cancel := context.WithCancelCause(context.Background())
	cancel(ErrShutdown)

	err := e.Run(ctx, jobFixture(hashes[0], hashes[4]))
	assert.ErrorIs(t, err, ErrShutdown)
	assert.Nil(t, st.result(), "shutdown must not write a terminal row")
}

func TestExecutorOwnershipLossAborts(t *testing.T) {
	repoPath, hashes := testRepo(t, 5, 2)
	st, fg := &fakeStore{}, &fakeForge{}
	st.lostAt = 2
	e := newTestExecutor(t, repoPath, st, fg)

	err := e.Run(context.Background(), jobFixture(hashes[0], hashes[4]))
	assert.ErrorIs(t, err, ErrOwnershipLost)
	assert.Nil(t, st.result(), "a re-claimed job must not be finished by the old owner")
}

func TestExecutorRemovesWorkspace(t *testing.T) {
	repoPath, hashes := testRepo(t, 5, 2)
	st, fg := &fakeStore{}, &fakeForge{}
	e := newTestExecutor(t, repoPath, st, fg)

	require.NoError(t, e.Run(context.Background(), jobFixture(hashes[0], hashes[4])))

	entries, err := os.ReadDir(e.WorkspaceRoot)
	require.NoError(t, err)
	assert.Empty(t, entries, "workspace must be deleted on executor exit")
}

func TestCulpritFromOutput(t *testing.T) {
	out := "0123456789abcdef0123456789abcdef01234567 is the first bad commit\ncommit 0123456...\n"
	assert.Equal(t, "0123456789abcdef0123456789abcdef01234567", culpritFromOutput(out))
	assert.Equal(t, "", culpritFromOutput("Bisecting: 2 revisions left to test after this\n"))
}

func TestRangeUntestable(t *testing.T) {
	assert.True(t, rangeUntestable("There are only 'skip'ped commits left to test.\n"))
	assert.False(t, rangeUntestable("Bisecting: 0 revisions left\n"))
}

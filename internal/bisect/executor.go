// Package bisect drives the binary search over a job's commit range: it
// clones the repository, probes candidate commits through the sandbox and
// reports progress and the culprit back to the issue.
package bisect

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bisectd/bisectd/internal/forge"
	"github.com/bisectd/bisectd/internal/sandbox"
	"github.com/bisectd/bisectd/internal/security"
	"github.com/bisectd/bisectd/internal/store"
)

// Cancellation causes. The scheduler cancels an executor's context with one
// of these; the executor reacts at its next checkpoint.
var (
	// ErrShutdown aborts the job for a graceful handoff; the scheduler
	// releases the row afterwards.
	ErrShutdown = errors.New("instance shutting down")

	// ErrOwnershipLost means another instance re-claimed the job. No further
	// comments or terminal writes are allowed.
	ErrOwnershipLost = errors.New("job ownership lost")

	// ErrBudgetExceeded is the per-job wall-clock budget expiring.
	ErrBudgetExceeded = errors.New("wall-clock timeout")
)

// Failure reasons, visible in error_message and the failure comment.
const (
	reasonEndpoints  = "endpoints inconsistent"
	reasonUntestable = "untestable range"
	reasonTimeout    = "wall-clock timeout"
)

// jobError is a terminal job failure with a reason safe to show the user.
type jobError struct {
	reason string
	err    error
}

func (e *jobError) Error() string {
	if e.err == nil {
		return e.reason
	}
	return fmt.Sprintf("%s: %v", e.reason, e.err)
}

func (e *jobError) Unwrap() error { return e.err }

func jobFailure(reason string, err error) error {
	return &jobError{reason: reason, err: err}
}

// JobStore is the slice of the store the executor needs.
type JobStore interface {
	Finish(ctx context.Context, id int64, workerID string, outcome store.Outcome) error
	AppendProgress(ctx context.Context, id int64, workerID, progressLog string) error
}

// Executor runs one claimed job end to end.
type Executor struct {
	Store  JobStore
	Forge  forge.Client
	Runner sandbox.Runner

	WorkerID      string
	WorkspaceRoot string

	BisectTimeout       time.Duration
	ProgressMinInterval time.Duration

	// SkipRetries is how often a skipped probe is re-run at the same commit
	// before the commit is skipped for good.
	SkipRetries int

	Log *logrus.Logger
}

// jobRun is the mutable state of one execution.
type jobRun struct {
	job store.Job
	log *logrus.Entry

	repo      *gitRepo
	commentID int64

	probeCount  int
	progress    []string
	lastComment time.Time
}

// Run executes a claimed job. A nil return means a terminal row was written.
// ErrShutdown and ErrOwnershipLost are returned for the scheduler to handle;
// any other error is an infrastructure failure that leaves the row running
// for eventual re-claim.
func (e *Executor) Run(parent context.Context, job store.Job) error {
	ctx, cancel := context.WithTimeoutCause(parent, e.BisectTimeout, ErrBudgetExceeded)
	defer cancel()

	run := &jobRun{
		job: job,
		log: e.Log.WithField("job-id", job.ID).WithField("repo", job.RepoOwner+"/"+job.RepoName),
	}

	workspace := filepath.Join(e.WorkspaceRoot, strconv.FormatInt(job.ID, 10))
	if err := os.MkdirAll(workspace, 0o700); err != nil {
		return errors.Join(fmt.Errorf("failed to create workspace %s", workspace), err)
	}
	defer os.RemoveAll(workspace)

	err := e.bisect(ctx, run, workspace)
	switch {
	case err == nil:
		return nil

	case errors.Is(err, ErrShutdown), errors.Is(err, ErrOwnershipLost), errors.Is(err, context.Canceled):
		run.log.Infof("Aborting at checkpoint - %v", err)
		return resolveAbort(err)

	case errors.Is(err, ErrBudgetExceeded):
		run.log.Warn("Job exceeded its wall-clock budget")
		e.failJob(run, reasonTimeout)
		return nil

	default:
		var jErr *jobError
		if errors.As(err, &jErr) {
			run.log.Warnf("Job failed - %v", jErr)
			e.failJob(run, jErr.reason)
			return nil
		}
		// Infrastructure failure: no terminal write, the row stays running
		// until its heartbeat goes stale and another claim recovers it.
		return err
	}
}

// resolveAbort maps a bare context cancellation to the shutdown cause.
func resolveAbort(err error) error {
	if errors.Is(err, ErrOwnershipLost) {
		return ErrOwnershipLost
	}
	return ErrShutdown
}

func (e *Executor) bisect(ctx context.Context, run *jobRun, workspace string) error {
	job := run.job

	cloneURL, err := e.Forge.CloneURL(ctx, job.RepoOwner, job.RepoName, job.InstallationID)
	if err != nil {
		if cause := checkpointErr(ctx); cause != nil {
			return cause
		}
		return jobFailure("could not obtain repository credentials", err)
	}

	run.log.Info("Cloning repository...")
	repo, err := gitClone(ctx, cloneURL, filepath.Join(workspace, "repo"))
	if err != nil {
		if cause := checkpointErr(ctx); cause != nil {
			return cause
		}
		return jobFailure("git clone failed", err)
	}
	run.repo = repo

	e.postStarting(ctx, run)

	goodSHA, badSHA, err := e.resolveEndpoints(ctx, run)
	if err != nil {
		return err
	}

	if err := e.verifyEndpoints(ctx, run, goodSHA, badSHA); err != nil {
		return err
	}

	run.log.Infof("Starting bisection between %s and %s", goodSHA[:7], badSHA[:7])
	out, err := repo.bisectStart(ctx, badSHA, goodSHA)
	if err != nil {
		if cause := checkpointErr(ctx); cause != nil {
			return cause
		}
		return jobFailure("bisect could not be started", err)
	}

	for {
		if culprit := culpritFromOutput(out); culprit != "" {
			return e.success(ctx, run, culprit)
		}
		if rangeUntestable(out) {
			return jobFailure(reasonUntestable, nil)
		}
		if cause := checkpointErr(ctx); cause != nil {
			return cause
		}

		candidate, err := repo.head(ctx)
		if err != nil {
			return jobFailure("could not resolve bisect candidate", err)
		}

		result, err := e.probe(ctx, run, candidate)
		if err != nil {
			return err
		}

		if err := e.recordProbe(ctx, run, candidate, result); err != nil {
			return err
		}

		out, err = repo.bisectMark(ctx, result.Verdict.String())
		if err != nil {
			if cause := checkpointErr(ctx); cause != nil {
				return cause
			}
			if rangeUntestable(out) {
				return jobFailure(reasonUntestable, nil)
			}
			return jobFailure("bisect step failed", err)
		}
	}
}

// resolveEndpoints turns the job's (possibly abbreviated) endpoint hashes
// into full commit ids and validates the interval shape.
func (e *Executor) resolveEndpoints(ctx context.Context, run *jobRun) (goodSHA, badSHA string, err error) {
	goodSHA, err = run.repo.revParse(ctx, run.job.GoodSHA)
	if err != nil {
		return "", "", jobFailure(fmt.Sprintf("good commit %s not found in repository", run.job.GoodSHA), err)
	}
	badSHA, err = run.repo.revParse(ctx, run.job.BadSHA)
	if err != nil {
		return "", "", jobFailure(fmt.Sprintf("bad commit %s not found in repository", run.job.BadSHA), err)
	}

	if goodSHA == badSHA {
		return "", "", jobFailure(reasonEndpoints, errors.New("good and bad commit are identical"))
	}
	ancestor, err := run.repo.isAncestor(ctx, goodSHA, badSHA)
	if err != nil {
		return "", "", jobFailure("could not relate good and bad commit", err)
	}
	if !ancestor {
		return "", "", jobFailure(reasonEndpoints, fmt.Errorf("good commit %s is not an ancestor of bad commit %s", goodSHA[:7], badSHA[:7]))
	}
	return goodSHA, badSHA, nil
}

// verifyEndpoints probes both interval ends: the bad commit must fail and the
// good commit must pass, otherwise the bisection has nothing to find.
func (e *Executor) verifyEndpoints(ctx context.Context, run *jobRun, goodSHA, badSHA string) error {
	checks := []struct {
		sha      string
		expected sandbox.Verdict
	}{
		{badSHA, sandbox.Bad},
		{goodSHA, sandbox.Good},
	}

	for _, check := range checks {
		if err := run.repo.checkout(ctx, check.sha); err != nil {
			if cause := checkpointErr(ctx); cause != nil {
				return cause
			}
			return jobFailure("could not check out endpoint commit", err)
		}
		result, err := e.probe(ctx, run, check.sha)
		if err != nil {
			return err
		}
		if err := e.recordProbe(ctx, run, check.sha, result); err != nil {
			return err
		}
		if result.Verdict != check.expected {
			return jobFailure(reasonEndpoints,
				fmt.Errorf("commit %s tested %s, expected %s", check.sha[:7], result.Verdict, check.expected))
		}
	}
	return nil
}

// probe runs the test command at the current checkout. Skips are retried a
// bounded number of times at the same commit; only a persistent skip is
// reported upwards.
func (e *Executor) probe(ctx context.Context, run *jobRun, candidate string) (*sandbox.Result, error) {
	worktree := run.repo.path

	var result *sandbox.Result
	for attempt := 0; attempt <= e.SkipRetries; attempt++ {
		if cause := checkpointErr(ctx); cause != nil {
			return nil, cause
		}

		timeout := e.remainingBudget(ctx)
		res, err := e.Runner.Run(ctx, worktree, run.job.TestCommand, timeout)
		if err != nil {
			if cause := checkpointErr(ctx); cause != nil {
				return nil, cause
			}
			return nil, jobFailure("sandbox could not run the test command", err)
		}
		result = res
		if result.Verdict != sandbox.Skip {
			return result, nil
		}
		run.log.Debugf("Probe at %s skipped (%s), attempt %d/%d", candidate[:7], result.Reason, attempt+1, e.SkipRetries+1)
	}
	return result, nil
}

// remainingBudget derives the per-probe limit from what is left of the job's
// wall clock.
func (e *Executor) remainingBudget(ctx context.Context) time.Duration {
	deadline, ok := ctx.Deadline()
	if !ok {
		return e.BisectTimeout
	}
	return time.Until(deadline)
}

// recordProbe appends a progress line to the job row and refreshes the
// progress comment, rate-limited to one edit per ProgressMinInterval.
func (e *Executor) recordProbe(ctx context.Context, run *jobRun, sha string, result *sandbox.Result) error {
	run.probeCount++
	line := fmt.Sprintf("probe %d: %s %s (%s)", run.probeCount, sha[:7], result.Verdict, result.Duration.Round(100*time.Millisecond))
	if result.Reason != "" {
		line += " [" + result.Reason + "]"
	}
	run.progress = append(run.progress, line)
	run.log.Info(strings.ToUpper(line[:1]) + line[1:])

	err := e.Store.AppendProgress(ctx, run.job.ID, e.WorkerID, run.progressLog())
	if errors.Is(err, store.ErrNotOwner) {
		return ErrOwnershipLost
	}
	if err != nil {
		return errors.Join(fmt.Errorf("failed to persist progress of job %d", run.job.ID), err)
	}

	if run.commentID != 0 && time.Since(run.lastComment) >= e.ProgressMinInterval {
		body := fmt.Sprintf("🔍 Bisecting `%s..%s`...\n\n```\n%s\n```",
			run.job.GoodSHA, run.job.BadSHA, run.progressLog())
		if err := e.Forge.UpdateComment(ctx, run.job.InstallationID, run.job.RepoOwner, run.job.RepoName, run.commentID, body); err != nil {
			run.log.Warnf("Failed to refresh progress comment - %v", err)
		} else {
			run.lastComment = time.Now()
		}
	}
	return nil
}

func (run *jobRun) progressLog() string {
	return strings.Join(run.progress, "\n")
}

// postStarting posts the initial comment and remembers its id for progress
// edits. A failure here is not fatal, the bisection is worth more than the
// comment.
func (e *Executor) postStarting(ctx context.Context, run *jobRun) {
	body := fmt.Sprintf("🔍 Bisecting `%s..%s` with `%s`. I'll report back here.",
		run.job.GoodSHA, run.job.BadSHA, run.job.TestCommand)
	id, err := e.Forge.CreateComment(ctx, run.job.InstallationID, run.job.RepoOwner, run.job.RepoName, run.job.IssueNumber, body)
	if err != nil {
		run.log.Warnf("Failed to post starting comment - %v", err)
		return
	}
	run.commentID = id
	run.lastComment = time.Now()
}

// success posts the result comment and writes the terminal row.
func (e *Executor) success(ctx context.Context, run *jobRun, culprit string) error {
	run.log.Infof("Found culprit commit %s", culprit[:7])

	subject, author := e.culpritDetails(ctx, run, culprit)

	body := fmt.Sprintf("🎯 **First bad commit:** `%s`", culprit)
	if subject != "" {
		body += fmt.Sprintf("\n\n> %s", subject)
	}
	if author != "" {
		body += fmt.Sprintf("\n\nAuthored by %s.", author)
	}
	body += fmt.Sprintf("\n\n<details><summary>%d probes</summary>\n\n```\n%s\n```\n</details>", run.probeCount, run.progressLog())

	if _, err := e.Forge.CreateComment(ctx, run.job.InstallationID, run.job.RepoOwner, run.job.RepoName, run.job.IssueNumber, body); err != nil {
		run.log.Warnf("Failed to post result comment - %v", err)
	}

	err := e.Store.Finish(ctx, run.job.ID, e.WorkerID, store.Completed(culprit, run.progressLog()))
	if errors.Is(err, store.ErrNotOwner) {
		return ErrOwnershipLost
	}
	if err != nil {
		return errors.Join(fmt.Errorf("failed to finish job %d", run.job.ID), err)
	}
	return nil
}

// culpritDetails asks the forge for subject and author, falling back to the
// local clone.
func (e *Executor) culpritDetails(ctx context.Context, run *jobRun, culprit string) (subject, author string) {
	info, err := e.Forge.CommitInfo(ctx, run.job.InstallationID, run.job.RepoOwner, run.job.RepoName, culprit)
	if err == nil {
		return info.Subject, info.Author
	}
	run.log.Debugf("Forge commit lookup failed, using local clone - %v", err)
	subject, author, err = run.repo.commitSubjectAndAuthor(ctx, culprit)
	if err != nil {
		return "", ""
	}
	return subject, author
}

// failJob writes the failed terminal row and posts a failure comment. Runs on
// a fresh context: the job context may already be expired or cancelled.
func (e *Executor) failJob(run *jobRun, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	body := fmt.Sprintf("⚠️ Bisect failed: %s.", security.Sanitize(reason))
	if _, err := e.Forge.CreateComment(ctx, run.job.InstallationID, run.job.RepoOwner, run.job.RepoName, run.job.IssueNumber, body); err != nil {
		run.log.Warnf("Failed to post failure comment - %v", err)
	}

	if err := e.Store.Finish(ctx, run.job.ID, e.WorkerID, store.Failed(reason, run.progressLog())); err != nil {
		run.log.Errorf("Failed to write terminal state - %v", err)
	}
}

// checkpointErr returns the cancellation cause when the context is done.
func checkpointErr(ctx context.Context) error {
	if ctx.Err() == nil {
		return nil
	}
	return context.Cause(ctx)
}

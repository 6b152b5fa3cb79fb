package store

import (
	"strconv"
	"strings"
	"time"

	"github.com/opencontainers/go-digest"
)

// JobStatus is the lifecycle state of a bisect job.
type JobStatus string

const (
	StatusPending   JobStatus = "pending"
	StatusRunning   JobStatus = "running"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
	StatusCancelled JobStatus = "cancelled"
)

// MaxAttempts is how many times a job may be claimed before it is failed with
// "retry limit exceeded".
const MaxAttempts = 3

// dedupWindow is the coarse time bucket folded into the dedup key. A replayed
// delivery landing in the same bucket maps to the same key and is dropped by
// the unique constraint.
const dedupWindow = 2 * time.Minute

// Job is the central entity shared between instances through the store.
type Job struct {
	ID int64 `db:"id" json:"id"`

	Status JobStatus `db:"status" json:"status"`

	RepoOwner      string `db:"repo_owner" json:"repo_owner"`
	RepoName       string `db:"repo_name" json:"repo_name"`
	InstallationID int64  `db:"installation_id" json:"installation_id"`
	IssueNumber    int    `db:"issue_number" json:"issue_number"`
	Requester      string `db:"requester" json:"requester"`

	GoodSHA     string `db:"good_sha" json:"good_sha"`
	BadSHA      string `db:"bad_sha" json:"bad_sha"`
	TestCommand string `db:"test_command" json:"test_command"`

	WorkerID     *string `db:"worker_id" json:"worker_id,omitempty"`
	AttemptCount int     `db:"attempt_count" json:"attempt_count"`

	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	StartedAt   *time.Time `db:"started_at" json:"started_at,omitempty"`
	HeartbeatAt *time.Time `db:"heartbeat_at" json:"heartbeat_at,omitempty"`
	FinishedAt  *time.Time `db:"finished_at" json:"finished_at,omitempty"`

	CulpritSHA   *string `db:"culprit_sha" json:"culprit_sha,omitempty"`
	ErrorMessage *string `db:"error_message" json:"error_message,omitempty"`
	ProgressLog  *string `db:"progress_log" json:"progress_log,omitempty"`

	DedupKey string `db:"dedup_key" json:"-"`
}

// Spec is the payload of a validated /bisect command, as produced by ingress.
type Spec struct {
	RepoOwner      string
	RepoName       string
	InstallationID int64
	IssueNumber    int
	Requester      string
	GoodSHA        string
	BadSHA         string
	TestCommand    string
}

// DedupKey derives the idempotency key for this spec: a digest over the
// identifying tuple plus a coarse time bucket.
func (s Spec) DedupKey(now time.Time) string {
	bucket := now.Unix() / int64(dedupWindow.Seconds())
	fields := []string{
		strconv.FormatInt(s.InstallationID, 10),
		s.RepoOwner,
		s.RepoName,
		strconv.Itoa(s.IssueNumber),
		s.GoodSHA,
		s.BadSHA,
		s.TestCommand,
		s.Requester,
		strconv.FormatInt(bucket, 10),
	}
	return digest.FromString(strings.Join(fields, "\n")).Encoded()
}

// Outcome is a terminal state write. Exactly one of the constructors below
// should be used.
type Outcome struct {
	Status       JobStatus
	CulpritSHA   string
	ErrorMessage string
	ProgressLog  string
}

// Completed records a successful bisection. culprit must be a full 40
// character commit id inside the bisected interval.
func Completed(culprit, progressLog string) Outcome {
	return Outcome{Status: StatusCompleted, CulpritSHA: culprit, ProgressLog: progressLog}
}

// Failed records an unrecoverable job failure with a human-readable reason.
func Failed(reason, progressLog string) Outcome {
	return Outcome{Status: StatusFailed, ErrorMessage: reason, ProgressLog: progressLog}
}

// Cancelled records an operator cancellation.
func Cancelled(progressLog string) Outcome {
	return Outcome{Status: StatusCancelled, ProgressLog: progressLog}
}

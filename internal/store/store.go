// Package store is the durable job state shared by all instances. The
// relational store is both queue and truth: claiming, heartbeats and terminal
// writes all go through the atomic operations here.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"github.com/bisectd/bisectd/internal/crypt"
)

// ErrNotOwner is returned when a guarded mutation finds the row no longer
// owned by the calling worker.
var ErrNotOwner = errors.New("job not owned by this worker")

// ErrNotFound is returned when a job id does not exist.
var ErrNotFound = errors.New("job not found")

const schema = `
CREATE TABLE IF NOT EXISTS bisect_jobs (
	id              BIGSERIAL PRIMARY KEY,
	status          TEXT NOT NULL DEFAULT 'pending',
	repo_owner      TEXT NOT NULL,
	repo_name       TEXT NOT NULL,
	installation_id BIGINT NOT NULL,
	issue_number    INT NOT NULL,
	requester       TEXT NOT NULL,
	good_sha        TEXT NOT NULL,
	bad_sha         TEXT NOT NULL,
	test_command    TEXT NOT NULL,
	worker_id       TEXT,
	attempt_count   INT NOT NULL DEFAULT 0,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	started_at      TIMESTAMPTZ,
	heartbeat_at    TIMESTAMPTZ,
	finished_at     TIMESTAMPTZ,
	culprit_sha     TEXT,
	error_message   TEXT,
	progress_log    TEXT,
	dedup_key       TEXT NOT NULL UNIQUE
);
CREATE INDEX IF NOT EXISTS idx_bisect_jobs_status_id ON bisect_jobs (status, id);
CREATE INDEX IF NOT EXISTS idx_bisect_jobs_worker ON bisect_jobs (worker_id);
`

const jobColumns = `id, status, repo_owner, repo_name, installation_id, issue_number, requester,
	good_sha, bad_sha, test_command, worker_id, attempt_count,
	created_at, started_at, heartbeat_at, finished_at,
	culprit_sha, error_message, progress_log, dedup_key`

// Store provides the atomic job operations over Postgres.
type Store struct {
	db *sqlx.DB

	// Optional at-rest cipher for the result columns. Nil means plaintext.
	cipher *crypt.Cipher

	pendingGrace   time.Duration
	heartbeatStale time.Duration
}

// Options tune the claim operation. Zero values fall back to the spec
// defaults.
type Options struct {
	PendingGrace   time.Duration
	HeartbeatStale time.Duration
	Cipher         *crypt.Cipher
}

// Open connects to the job store and ensures the schema exists.
func Open(ctx context.Context, databaseURL string, opts Options) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, "pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect job store: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	s := &Store{
		db:             db,
		cipher:         opts.Cipher,
		pendingGrace:   opts.PendingGrace,
		heartbeatStale: opts.HeartbeatStale,
	}
	if s.pendingGrace <= 0 {
		s.pendingGrace = 30 * time.Second
	}
	if s.heartbeatStale <= 0 {
		s.heartbeatStale = 5 * time.Minute
	}
	return s, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error { return s.db.Close() }

// Ping verifies the store is reachable with a trivial query.
func (s *Store) Ping(ctx context.Context) error {
	var one int
	return s.db.GetContext(ctx, &one, `SELECT 1`)
}

// Create inserts a pending job. Replayed deliveries inside the dedup window
// map to the same dedup key and return the already-existing row's id with
// created=false.
func (s *Store) Create(ctx context.Context, spec Spec) (id int64, created bool, err error) {
	dedupKey := spec.DedupKey(time.Now().UTC())

	err = s.db.GetContext(ctx, &id, `
		INSERT INTO bisect_jobs (status, repo_owner, repo_name, installation_id, issue_number, requester,
			good_sha, bad_sha, test_command, dedup_key)
		VALUES ('pending', $1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (dedup_key) DO NOTHING
		RETURNING id`,
		spec.RepoOwner, spec.RepoName, spec.InstallationID, spec.IssueNumber, spec.Requester,
		spec.GoodSHA, spec.BadSHA, spec.TestCommand, dedupKey)
	if err == nil {
		return id, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, false, fmt.Errorf("create job: %w", err)
	}

	// Conflict: the delivery was replayed. Return the existing row.
	err = s.db.GetContext(ctx, &id, `SELECT id FROM bisect_jobs WHERE dedup_key = $1`, dedupKey)
	if err != nil {
		return 0, false, fmt.Errorf("look up deduplicated job: %w", err)
	}
	return id, false, nil
}

// Claim atomically takes ownership of up to limit jobs that are either
// pending past the grace period or running with a stale heartbeat (crash
// recovery, folded into the same operation). Claimed rows become running,
// owned by workerID, with the attempt counter incremented. Concurrent
// claimers never receive the same row: candidates are row-locked with skip
// semantics so contended rows go to exactly one caller.
func (s *Store) Claim(ctx context.Context, workerID string, limit int) ([]Job, error) {
	if limit <= 0 {
		return nil, nil
	}

	var jobs []Job
	err := s.db.SelectContext(ctx, &jobs, fmt.Sprintf(`
		WITH candidates AS (
			SELECT id FROM bisect_jobs
			WHERE (status = 'pending' AND created_at < now() - make_interval(secs => $2))
			   OR (status = 'running' AND heartbeat_at < now() - make_interval(secs => $3))
			ORDER BY id
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		UPDATE bisect_jobs j
		SET status = 'running',
		    worker_id = $1,
		    attempt_count = j.attempt_count + 1,
		    started_at = COALESCE(j.started_at, now()),
		    heartbeat_at = now()
		FROM candidates c
		WHERE j.id = c.id
		RETURNING %s`, prefixed("j", jobColumns)),
		workerID, s.pendingGrace.Seconds(), s.heartbeatStale.Seconds(), limit)
	if err != nil {
		return nil, fmt.Errorf("claim jobs: %w", err)
	}
	for i := range jobs {
		if err := s.decodeResults(&jobs[i]); err != nil {
			return nil, err
		}
	}
	return jobs, nil
}

// Heartbeat proves continued ownership of a running job. A false return means
// the job was re-claimed elsewhere and the executor must abandon it.
func (s *Store) Heartbeat(ctx context.Context, id int64, workerID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE bisect_jobs SET heartbeat_at = now()
		WHERE id = $1 AND worker_id = $2 AND status = 'running'`,
		id, workerID)
	if err != nil {
		return false, fmt.Errorf("heartbeat job %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("heartbeat job %d: %w", id, err)
	}
	return n == 1, nil
}

// Finish writes the terminal state, guarded by ownership.
func (s *Store) Finish(ctx context.Context, id int64, workerID string, outcome Outcome) error {
	errMsg, err := s.encodeNullable(outcome.ErrorMessage)
	if err != nil {
		return err
	}
	progress, err := s.encodeNullable(outcome.ProgressLog)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE bisect_jobs
		SET status = $3,
		    culprit_sha = $4,
		    error_message = $5,
		    progress_log = $6,
		    finished_at = now()
		WHERE id = $1 AND worker_id = $2 AND status = 'running'`,
		id, workerID, outcome.Status, nullable(outcome.CulpritSHA), errMsg, progress)
	if err != nil {
		return fmt.Errorf("finish job %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finish job %d: %w", id, err)
	}
	if n == 0 {
		return ErrNotOwner
	}
	return nil
}

// Release is the graceful-shutdown path: the job goes back to pending and the
// cooperative handoff is not charged as an attempt.
func (s *Store) Release(ctx context.Context, id int64, workerID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE bisect_jobs
		SET status = 'pending',
		    worker_id = NULL,
		    started_at = NULL,
		    heartbeat_at = NULL,
		    attempt_count = GREATEST(attempt_count - 1, 0)
		WHERE id = $1 AND worker_id = $2 AND status = 'running'`,
		id, workerID)
	if err != nil {
		return fmt.Errorf("release job %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("release job %d: %w", id, err)
	}
	if n == 0 {
		return ErrNotOwner
	}
	return nil
}

// FailIfExhausted transitions a just-claimed job straight to failed when its
// attempt counter has passed the cap. The exhausting increment is rolled back
// so the recorded count reflects attempts that actually ran.
func (s *Store) FailIfExhausted(ctx context.Context, id int64, workerID string) (bool, error) {
	msg, err := s.encodeNullable("retry limit exceeded")
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE bisect_jobs
		SET status = 'failed',
		    error_message = $3,
		    finished_at = now(),
		    attempt_count = attempt_count - 1
		WHERE id = $1 AND worker_id = $2 AND status = 'running' AND attempt_count > $4`,
		id, workerID, msg, MaxAttempts)
	if err != nil {
		return false, fmt.Errorf("fail exhausted job %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("fail exhausted job %d: %w", id, err)
	}
	return n == 1, nil
}

// AppendProgress replaces the stored progress log, guarded by ownership.
func (s *Store) AppendProgress(ctx context.Context, id int64, workerID, progressLog string) error {
	progress, err := s.encodeNullable(progressLog)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE bisect_jobs SET progress_log = $3
		WHERE id = $1 AND worker_id = $2 AND status = 'running'`,
		id, workerID, progress)
	if err != nil {
		return fmt.Errorf("update progress of job %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update progress of job %d: %w", id, err)
	}
	if n == 0 {
		return ErrNotOwner
	}
	return nil
}

// Get returns one job row.
func (s *Store) Get(ctx context.Context, id int64) (*Job, error) {
	var job Job
	err := s.db.GetContext(ctx, &job,
		`SELECT `+jobColumns+` FROM bisect_jobs WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job %d: %w", id, err)
	}
	if err := s.decodeResults(&job); err != nil {
		return nil, err
	}
	return &job, nil
}

// Stats aggregates job counts by status plus the number of running jobs owned
// by the given worker.
type Stats struct {
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`

	RunningOnThisInstance int `json:"running_on_this_instance"`
}

func (s *Store) Stats(ctx context.Context, workerID string) (*Stats, error) {
	rows, err := s.db.QueryxContext(ctx,
		`SELECT status, COUNT(*) FROM bisect_jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("aggregate job stats: %w", err)
	}
	defer rows.Close()

	var stats Stats
	for rows.Next() {
		var status JobStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan job stats: %w", err)
		}
		switch status {
		case StatusPending:
			stats.Pending = count
		case StatusRunning:
			stats.Running = count
		case StatusCompleted:
			stats.Completed = count
		case StatusFailed:
			stats.Failed = count
		case StatusCancelled:
			stats.Cancelled = count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("aggregate job stats: %w", err)
	}

	err = s.db.GetContext(ctx, &stats.RunningOnThisInstance,
		`SELECT COUNT(*) FROM bisect_jobs WHERE status = 'running' AND worker_id = $1`, workerID)
	if err != nil {
		return nil, fmt.Errorf("count jobs of worker: %w", err)
	}
	return &stats, nil
}

func (s *Store) encodeNullable(v string) (*string, error) {
	if v == "" {
		return nil, nil
	}
	if s.cipher == nil {
		return &v, nil
	}
	sealed, err := s.cipher.Encrypt(v)
	if err != nil {
		return nil, fmt.Errorf("encrypt result column: %w", err)
	}
	return &sealed, nil
}

// decodeResults opens the encrypted result columns in place.
func (s *Store) decodeResults(job *Job) error {
	if s.cipher == nil {
		return nil
	}
	for _, field := range []**string{&job.ErrorMessage, &job.ProgressLog} {
		if *field == nil {
			continue
		}
		plain, err := s.cipher.Decrypt(**field)
		if err != nil {
			return fmt.Errorf("decrypt result column of job %d: %w", job.ID, err)
		}
		*field = &plain
	}
	return nil
}

func nullable(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

// prefixed qualifies every column in list with the given table alias, for use
// in UPDATE ... RETURNING.
func prefixed(alias, list string) string {
	cols := strings.Split(list, ",")
	for i, col := range cols {
		cols[i] = alias + "." + strings.TrimSpace(col)
	}
	return strings.Join(cols, ", ")
}

package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ExecRunner runs probes as plain subprocesses of this instance. It offers
// none of the container isolation and exists for local development and for
// tests; the verdict mapping is identical to the docker backend.
type ExecRunner struct {
	log *logrus.Entry
}

func NewExecRunner(log *logrus.Logger) *ExecRunner {
	return &ExecRunner{log: log.WithField("component", "sandbox")}
}

func (r *ExecRunner) Ping(ctx context.Context) error {
	if _, err := exec.LookPath("sh"); err != nil {
		return errors.Join(fmt.Errorf("no shell available for exec sandbox"), err)
	}
	return nil
}

func (r *ExecRunner) Run(ctx context.Context, worktree, command string, timeout time.Duration) (*Result, error) {
	// Per-probe scratch area, deleted on every exit path.
	scratch := filepath.Join(os.TempDir(), "bisectd-probe-"+uuid.NewString())
	if err := os.MkdirAll(scratch, 0o700); err != nil {
		return nil, errors.Join(fmt.Errorf("failed to create probe scratch dir"), err)
	}
	defer os.RemoveAll(scratch)

	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(probeCtx, "sh", "-c", command)
	cmd.Dir = worktree
	cmd.Env = append(os.Environ(), "TMPDIR="+scratch)
	// Kill the whole process group, not just the shell.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	if probeCtx.Err() == context.DeadlineExceeded {
		return &Result{Verdict: Skip, Reason: "timeout", Duration: duration}, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, errors.Join(fmt.Errorf("failed to run probe command"), err)
		}
		exitCode = exitErr.ExitCode()
	}

	result := classifyExit(exitCode)
	result.Duration = duration
	return &result, nil
}

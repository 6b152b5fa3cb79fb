// Package sandbox executes untrusted test commands against a checked-out
// worktree under strict resource and time limits. The executor only depends
// on the Runner contract; backends are interchangeable.
package sandbox

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/creasty/defaults"
	"gopkg.in/yaml.v3"
)

// Verdict classifies one probe.
type Verdict int

const (
	// Good means the test command exited zero at this commit.
	Good Verdict = iota
	// Bad means the test command failed at this commit.
	Bad
	// Skip means the commit could not be judged: the reserved skip exit
	// code, a timeout, or an OOM kill.
	Skip
)

func (v Verdict) String() string {
	switch v {
	case Good:
		return "good"
	case Bad:
		return "bad"
	case Skip:
		return "skip"
	}
	return fmt.Sprintf("verdict(%d)", int(v))
}

// SkipExitCode is the exit code git bisect reserves for untestable commits.
const SkipExitCode = 125

// Result is the outcome of a single probe.
type Result struct {
	Verdict  Verdict
	ExitCode int
	Reason   string // set for skips: "timeout", "oom-killed", "exit code 125"
	Duration time.Duration
}

// Runner executes one test command on one worktree. Implementations must
// release every resource they acquire on all exit paths, including
// cancellation.
type Runner interface {
	// Run invokes command in worktree, bounded by timeout. A probe that
	// exceeds the timeout is killed and reported as Skip, not as an error;
	// errors are reserved for the runner itself being broken.
	Run(ctx context.Context, worktree, command string, timeout time.Duration) (*Result, error)

	// Ping reports whether the backend is able to run probes at all.
	Ping(ctx context.Context) error
}

// Limits are the fixed resource bounds applied to every probe.
type Limits struct {
	CPUs       float64 `yaml:"cpus" default:"1"`
	MemoryMiB  int64   `yaml:"memoryMiB" default:"2048"`
	PidsLimit  int64   `yaml:"pidsLimit" default:"256"`
	ScratchMiB int64   `yaml:"scratchMiB" default:"512"`

	User string `yaml:"user" default:"nobody"`
}

// DefaultLimits returns the stock probe limits.
func DefaultLimits() Limits {
	var l Limits
	// Only errors on unsupported field types, which would be a programming
	// mistake in the struct above.
	if err := defaults.Set(&l); err != nil {
		panic(err)
	}
	return l
}

// GetLimitsFromConfig reads a limits profile in yaml format from a reader,
// filling unset fields with the defaults.
func GetLimitsFromConfig(r io.Reader) (Limits, error) {
	var l Limits
	if err := defaults.Set(&l); err != nil {
		return Limits{}, err
	}
	decoder := yaml.NewDecoder(r)
	if err := decoder.Decode(&l); err != nil {
		return Limits{}, fmt.Errorf("decode sandbox profile: %w", err)
	}
	if l.CPUs <= 0 || l.MemoryMiB <= 0 || l.PidsLimit <= 0 {
		return Limits{}, fmt.Errorf("sandbox profile limits must be positive")
	}
	return l, nil
}

// classifyExit maps a finished probe's exit code to a verdict.
func classifyExit(exitCode int) Result {
	switch {
	case exitCode == 0:
		return Result{Verdict: Good, ExitCode: exitCode}
	case exitCode == SkipExitCode:
		return Result{Verdict: Skip, ExitCode: exitCode, Reason: fmt.Sprintf("exit code %d", SkipExitCode)}
	default:
		return Result{Verdict: Bad, ExitCode: exitCode}
	}
}

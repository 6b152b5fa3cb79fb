package bisect

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/bisectd/bisectd/internal/security"
)

// gitRepo wraps git invocations against one cloned worktree. Command output
// is sanitized before it ends up in errors, since the remote URL of the clone
// embeds a token.
type gitRepo struct {
	path string
}

// gitClone clones url into dest and returns the repo handle.
func gitClone(ctx context.Context, url, dest string) (*gitRepo, error) {
	cmd := exec.CommandContext(ctx, "git", "clone", "--no-checkout", url, dest)
	if out, err := cmd.CombinedOutput(); err != nil {
		return nil, errors.Join(fmt.Errorf("git clone into %s failed, output: %s", dest, security.Sanitize(string(out))), err)
	}
	return &gitRepo{path: dest}, nil
}

func (r *gitRepo) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = r.path
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), errors.Join(fmt.Errorf("git %s at %s failed, output: %s", args[0], r.path, security.Sanitize(string(out))), err)
	}
	return string(out), nil
}

// revParse resolves a ref to its full commit hash.
func (r *gitRepo) revParse(ctx context.Context, ref string) (string, error) {
	out, err := r.run(ctx, "rev-parse", "--verify", ref+"^{commit}")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// isAncestor reports whether ancestor is reachable from descendant.
func (r *gitRepo) isAncestor(ctx context.Context, ancestor, descendant string) (bool, error) {
	cmd := exec.CommandContext(ctx, "git", "merge-base", "--is-ancestor", ancestor, descendant)
	cmd.Dir = r.path
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
			return false, nil
		}
		return false, errors.Join(fmt.Errorf("git merge-base at %s failed", r.path), err)
	}
	return true, nil
}

// checkout force-checks-out the given commit.
func (r *gitRepo) checkout(ctx context.Context, sha string) error {
	if _, err := r.run(ctx, "checkout", "--force", sha); err != nil {
		return err
	}
	return nil
}

// head returns the currently checked out commit.
func (r *gitRepo) head(ctx context.Context) (string, error) {
	return r.revParse(ctx, "HEAD")
}

// bisectStart begins a bisection; git checks out the first candidate. The
// returned output may already contain the verdict when the range is trivial.
func (r *gitRepo) bisectStart(ctx context.Context, badSHA, goodSHA string) (string, error) {
	return r.run(ctx, "bisect", "start", badSHA, goodSHA)
}

// bisectMark feeds one verdict ("good", "bad" or "skip") back to git, which
// responds by checking out the next candidate or announcing the culprit.
func (r *gitRepo) bisectMark(ctx context.Context, verdict string) (string, error) {
	return r.run(ctx, "bisect", verdict)
}

// culpritFromOutput extracts the culprit hash from bisect output, or "".
func culpritFromOutput(out string) string {
	for _, line := range strings.Split(out, "\n") {
		if strings.Contains(line, "is the first bad commit") {
			fields := strings.Fields(line)
			if len(fields) > 0 {
				return fields[0]
			}
		}
	}
	return ""
}

// rangeUntestable reports whether git gave up because every remaining
// candidate was skipped.
func rangeUntestable(out string) bool {
	return strings.Contains(out, "only 'skip'ped commits left")
}

// commitSubjectAndAuthor reads subject and author of a commit from the local
// clone, used when the forge cannot be asked.
func (r *gitRepo) commitSubjectAndAuthor(ctx context.Context, sha string) (subject, author string, err error) {
	out, err := r.run(ctx, "--no-pager", "show", "-s", "--format=%s%n%an <%ae>", sha)
	if err != nil {
		return "", "", err
	}
	lines := strings.SplitN(strings.TrimSpace(out), "\n", 2)
	subject = lines[0]
	if len(lines) > 1 {
		author = lines[1]
	}
	return subject, author, nil
}

package security

import (
	"fmt"
	"regexp"
	"strings"
)

const (
	maxOwnerLength   = 39
	maxRepoLength    = 100
	maxCommandLength = 4096
)

var (
	shaPattern      = regexp.MustCompile(`^[0-9a-fA-F]{7,40}$`)
	ownerPattern    = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9-]*[a-zA-Z0-9])?$`)
	repoNamePattern = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)
)

// Patterns rejected in test commands. The sandbox is the real boundary, this
// list keeps the obvious shell tricks from ever reaching it.
var dangerousCommandPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i);\s*rm\s+-rf`),
	regexp.MustCompile(`\$\([^)]+\)`),
	regexp.MustCompile("`[^`]+`"),
	regexp.MustCompile(`(?i)\|\s*sh\s*$`),
	regexp.MustCompile(`(?i)\|\s*bash\s*$`),
	regexp.MustCompile(`(?i)\|\s*zsh\s*$`),
	regexp.MustCompile(`>\s*/etc/`),
	regexp.MustCompile(`>\s*/proc/`),
	regexp.MustCompile(`>\s*/sys/`),
	regexp.MustCompile(`>\s*/dev/`),
	regexp.MustCompile(`(?i)curl\s+[^|]+\|\s*sh`),
	regexp.MustCompile(`(?i)curl\s+[^|]+\|\s*bash`),
	regexp.MustCompile(`(?i)wget\s+[^|]+\|\s*sh`),
	regexp.MustCompile(`(?i)wget\s+[^|]+\|\s*bash`),
	regexp.MustCompile(`\\x[0-9a-fA-F]{2}`),
	regexp.MustCompile(`\\u[0-9a-fA-F]{4}`),
	regexp.MustCompile(`(?i)base64\s+-d`),
	regexp.MustCompile(`(?i)export\s+PATH\s*=`),
	regexp.MustCompile(`(?i)export\s+LD_PRELOAD`),
	regexp.MustCompile(`(?i)export\s+LD_LIBRARY_PATH`),
	regexp.MustCompile(`(?i)nc\s+-e`),
	regexp.MustCompile(`(?i)ncat\s+-e`),
	regexp.MustCompile(`/dev/tcp/`),
	regexp.MustCompile(`/dev/udp/`),
	regexp.MustCompile(`(?i)\bsudo\b`),
	regexp.MustCompile(`(?i)\bsu\s+-`),
	regexp.MustCompile(`(?i)\bchmod\s+[0-7]*[sS]`),
	regexp.MustCompile(`(?i)\bchown\s+root`),
}

// ValidationError reports a rejected user input. Its message is safe to echo
// back to the requester in a reply comment.
type ValidationError struct {
	msg string
}

func (e *ValidationError) Error() string { return e.msg }

func validationErrorf(format string, args ...any) error {
	return &ValidationError{msg: fmt.Sprintf(format, args...)}
}

// ValidateSHA checks that sha is a 7-40 character hex commit id and returns it
// normalized to lower case.
func ValidateSHA(sha, fieldName string) (string, error) {
	sha = strings.ToLower(strings.TrimSpace(sha))
	if sha == "" {
		return "", validationErrorf("%s is required", fieldName)
	}
	if !shaPattern.MatchString(sha) {
		return "", validationErrorf("%s must be a valid git SHA (7-40 hex characters)", fieldName)
	}
	return sha, nil
}

// ValidateRepoOwner checks a GitHub owner login.
func ValidateRepoOwner(owner string) (string, error) {
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return "", validationErrorf("repository owner is required")
	}
	if len(owner) > maxOwnerLength {
		return "", validationErrorf("repository owner must be at most %d characters", maxOwnerLength)
	}
	if !ownerPattern.MatchString(owner) {
		return "", validationErrorf("repository owner must contain only alphanumeric characters and hyphens")
	}
	return owner, nil
}

// ValidateRepoName checks a GitHub repository name.
func ValidateRepoName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", validationErrorf("repository name is required")
	}
	if len(name) > maxRepoLength {
		return "", validationErrorf("repository name must be at most %d characters", maxRepoLength)
	}
	if !repoNamePattern.MatchString(name) {
		return "", validationErrorf("repository name must contain only alphanumeric characters, dots, hyphens, and underscores")
	}
	switch strings.ToLower(name) {
	case ".", "..", ".git":
		return "", validationErrorf("repository name %q is reserved", name)
	}
	return name, nil
}

// ValidateTestCommand rejects commands matching the deny-list. The command is
// otherwise passed verbatim to the sandbox, never through a host shell.
func ValidateTestCommand(command string) (string, error) {
	command = strings.TrimSpace(command)
	if command == "" {
		return "", validationErrorf("test command is required")
	}
	if len(command) > maxCommandLength {
		return "", validationErrorf("test command must be at most %d characters", maxCommandLength)
	}
	for _, pattern := range dangerousCommandPatterns {
		if pattern.MatchString(command) {
			return "", validationErrorf("test command contains disallowed patterns, please use simple test commands without shell tricks")
		}
	}
	return command, nil
}

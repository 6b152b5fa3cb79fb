package security

import (
	"regexp"

	"github.com/sirupsen/logrus"
)

var redactions = []struct {
	pattern     *regexp.Regexp
	replacement string
}{
	{regexp.MustCompile(`gh[pousr]_[a-zA-Z0-9]{36,}`), "[TOKEN]"},
	{regexp.MustCompile(`(?i)(x-access-token:)[^@\s]+(@)`), "${1}[REDACTED]${2}"},
	{regexp.MustCompile(`(?i)(password[=:]\s*)[^\s,}]+`), "${1}[REDACTED]"},
	{regexp.MustCompile(`(?i)(secret[=:]\s*)[^\s,}]+`), "${1}[REDACTED]"},
	{regexp.MustCompile(`(?i)(token[=:]\s*)[^\s,}]+`), "${1}[REDACTED]"},
	{regexp.MustCompile(`(?i)(api[_-]?key[=:]\s*)[^\s,}]+`), "${1}[REDACTED]"},
}

// Sanitize scrubs credentials from a string. Every clone URL and every
// user-visible error message passes through here before it is logged, stored
// or posted as a comment.
func Sanitize(s string) string {
	for _, r := range redactions {
		s = r.pattern.ReplaceAllString(s, r.replacement)
	}
	return s
}

// RedactingFormatter wraps another logrus formatter and sanitizes the message
// and all string fields of every record.
type RedactingFormatter struct {
	Next logrus.Formatter
}

func (f *RedactingFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	clean := entry.Dup()
	clean.Message = Sanitize(entry.Message)
	clean.Level = entry.Level
	for k, v := range entry.Data {
		if s, ok := v.(string); ok {
			clean.Data[k] = Sanitize(s)
		}
	}
	return f.Next.Format(clean)
}

package safety

import (
	"regexp"
	"strings"
)

// secretPatterns are the credential-shaped substrings Redactor.Scrub
// replaces, adapted from the teacher's internal/security.Scrubber.
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(api[_-]?key|apikey|api[_-]?token|access[_-]?token|auth[_-]?token|private[_-]?key|secret[_-]?key)[\s]*[:=][\s]*["']?([a-zA-Z0-9_\-./+=]{20,})["']?`),
	regexp.MustCompile(`(?i)bearer\s+([a-zA-Z0-9_\-./+=]{20,})`),
	regexp.MustCompile(`(?i)(aws[_-]?access[_-]?key[_-]?id|aws[_-]?secret[_-]?access[_-]?key)[\s]*[:=][\s]*["']?([a-zA-Z0-9/+=]{20,})["']?`),
	regexp.MustCompile(`ghp_[a-zA-Z0-9]{36}`),
	regexp.MustCompile(`gho_[a-zA-Z0-9]{36}`),
	regexp.MustCompile(`ghs_[a-zA-Z0-9]{36}`),
	regexp.MustCompile(`ghr_[a-zA-Z0-9]{36}`),
	regexp.MustCompile(`eyJ[a-zA-Z0-9_-]+\.eyJ[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+`),
	regexp.MustCompile(`-----BEGIN\s+(?:RSA\s+)?PRIVATE\s+KEY-----[\s\S]+?-----END\s+(?:RSA\s+)?PRIVATE\s+KEY-----`),
	regexp.MustCompile(`(?i)(password|passwd|pwd)[\s]*[:=][\s]*["']?([^\s"']{8,})["']?`),
}

// Redactor scrubs credential-shaped substrings from a string. No controller
// code path calls it: command output is stored on a Task and streamed to
// the UI as the agent sent it.
type Redactor struct {
	patterns []*regexp.Regexp
}

// NewRedactor returns a Redactor with the default secret patterns.
func NewRedactor() *Redactor {
	return &Redactor{patterns: secretPatterns}
}

// Scrub replaces any secret-shaped match with a fixed placeholder, keeping
// the key/prefix so the redaction is legible without leaking the value.
func (r *Redactor) Scrub(s string) string {
	out := s
	for _, p := range r.patterns {
		out = p.ReplaceAllStringFunc(out, func(match string) string {
			if i := strings.IndexAny(match, "=:"); i >= 0 {
				return match[:i+1] + "***REDACTED***"
			}
			if strings.HasPrefix(strings.ToLower(match), "bearer ") {
				return "Bearer ***REDACTED***"
			}
			return "***REDACTED***"
		})
	}
	return out
}

// DenyMessage builds the public, non-leaking error surfaced to the API for
// a denied command: it names the violated rule category but never the
// offending command text (spec.md section 9 open question on redaction,
// decided log-only).
func DenyMessage(reason string) string {
	return "denied: " + reason
}

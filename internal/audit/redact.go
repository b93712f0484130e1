package audit

import (
	"regexp"
)

// secretPattern names a regex used to find credential-shaped substrings
// that must never reach the audit log in clear text. This is a defense in
// depth scrub, not a primary control: the pipeline never accepts
// credentials as tool arguments in the first place, but query text and
// error strings can still carry them incidentally.
type secretPattern struct {
	name    string
	pattern *regexp.Regexp
}

var secretPatterns = []secretPattern{
	{"aws_access_key_id", regexp.MustCompile(`AKIA[0-9A-Z]{16}`)},
	{"aws_secret_key", regexp.MustCompile(`['"\s][0-9a-zA-Z/+]{40}['"\s]`)},
	{"private_key", regexp.MustCompile(`-----BEGIN (RSA |EC |DSA |OPENSSH )?PRIVATE KEY-----`)},
	{"github_token", regexp.MustCompile(`gh[pousr]_[A-Za-z0-9_]{36,}`)},
	{"slack_token", regexp.MustCompile(`xox[baprs]-[0-9a-zA-Z-]+`)},
	{"generic_api_key", regexp.MustCompile(`(?i)(api[_-]?key|apikey)\s*[=:]\s*['"\s][a-z0-9_\-]{16,}['"\s]`)},
	{"jwt_token", regexp.MustCompile(`eyJ[a-zA-Z0-9_-]*\.eyJ[a-zA-Z0-9_-]*\.[a-zA-Z0-9_-]*`)},
}

const redactionPlaceholder = "[REDACTED]"

// Redact scrubs any credential-shaped substrings out of s before it is
// written into an audit event's Details or Resource fields.
func Redact(s string) string {
	for _, p := range secretPatterns {
		s = p.pattern.ReplaceAllString(s, redactionPlaceholder)
	}
	return s
}

// HasSecret reports whether s contains anything matching a known secret
// pattern, without performing the replacement.
func HasSecret(s string) bool {
	for _, p := range secretPatterns {
		if p.pattern.MatchString(s) {
			return true
		}
	}
	return false
}

package shared

import (
	"regexp"
	"strings"
)

const redactedPlaceholder = "[REDACTED]"

// secretPatterns matches secret-bearing text that may appear in operation
// payloads, host errors or log lines.
var secretPatterns = []*regexp.Regexp{
	// key=value style credentials.
	regexp.MustCompile(`(?i)(api[_-]?key|apikey|secret[_-]?key|auth[_-]?token|bearer)\s*[:=]\s*"?([A-Za-z0-9_\-./+=]{16,})"?`),
	// Bearer tokens in Authorization headers.
	regexp.MustCompile(`(?i)(Bearer\s+)([A-Za-z0-9_\-./+=]{16,})`),
	// Roblox session cookie.
	regexp.MustCompile(`(\.ROBLOSECURITY\s*[:=]\s*"?)(_\|WARNING:[^"\s;]+|[A-Za-z0-9_|:\-]{32,})`),
	// Open Cloud API keys sent as x-api-key.
	regexp.MustCompile(`(?i)(x-api-key\s*[:=]\s*"?)([A-Za-z0-9_\-./+=]{16,})`),
}

// Redact replaces secret-bearing patterns in the input string with [REDACTED].
func Redact(input string) string {
	if input == "" {
		return input
	}
	result := input
	for _, pat := range secretPatterns {
		result = pat.ReplaceAllStringFunc(result, func(match string) string {
			submatch := pat.FindStringSubmatch(match)
			if len(submatch) >= 3 {
				return submatch[1] + redactedPlaceholder
			}
			return redactedPlaceholder
		})
	}
	return result
}

// IsSensitiveKey reports whether a field name looks like it holds a secret.
func IsSensitiveKey(key string) bool {
	lower := strings.ToLower(strings.TrimSpace(key))
	if lower == "" {
		return false
	}
	for _, token := range []string{"token", "secret", "password", "authorization", "api_key", "apikey", "cookie", "roblosecurity"} {
		if strings.Contains(lower, token) {
			return true
		}
	}
	return false
}

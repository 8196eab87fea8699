package shared

import (
	"strings"
	"testing"
)

func TestRedact_BearerToken(t *testing.T) {
	result := Redact("Bearer abc123def456ghi789jkl0")
	if result != "Bearer [REDACTED]" {
		t.Fatalf("expected 'Bearer [REDACTED]', got %q", result)
	}
}

func TestRedact_APIKey(t *testing.T) {
	input := `api_key=abcdef1234567890abcdef`
	if result := Redact(input); result == input {
		t.Fatalf("expected redaction, got %q", result)
	}
}

func TestRedact_RobloxCookie(t *testing.T) {
	input := `.ROBLOSECURITY=_|WARNING:-DO-NOT-SHARE-THIS.--Sharing-this-will-allow-someone-to-log-in|_ABCDEF0123456789`
	result := Redact(input)
	if !strings.HasPrefix(result, ".ROBLOSECURITY=") || !strings.Contains(result, redactedPlaceholder) {
		t.Fatalf("expected cookie redaction, got %q", result)
	}
	if strings.Contains(result, "ABCDEF0123456789") {
		t.Fatalf("cookie value leaked: %q", result)
	}
}

func TestRedact_OpenCloudKey(t *testing.T) {
	result := Redact(`x-api-key: "0123456789abcdefABCDEF"`)
	if strings.Contains(result, "0123456789abcdef") {
		t.Fatalf("api key leaked: %q", result)
	}
}

func TestRedact_LeavesOrdinaryText(t *testing.T) {
	input := `{"instancePath":"game.Workspace.Part","propertyName":"Anchored"}`
	if result := Redact(input); result != input {
		t.Fatalf("unexpected change: %q", result)
	}
}

func TestIsSensitiveKey(t *testing.T) {
	for _, k := range []string{"Authorization", "api_key", "session_token", ".ROBLOSECURITY", "cookie"} {
		if !IsSensitiveKey(k) {
			t.Fatalf("expected %q to be sensitive", k)
		}
	}
	for _, k := range []string{"", "endpoint", "request_id"} {
		if IsSensitiveKey(k) {
			t.Fatalf("expected %q to be ordinary", k)
		}
	}
}

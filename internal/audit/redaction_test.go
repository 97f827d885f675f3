package audit

import (
	"strings"
	"testing"
)

func TestRedact(t *testing.T) {
	input := `status 401: {"error":"bad key sk-proj_abcdefghijkl"} Authorization: Bearer ek_1234567890abcdef owner ops@example.com`
	out, changed := Redact(input)
	if !changed {
		t.Fatalf("changed = false, want true")
	}
	for _, marker := range []string{"[REDACTED_KEY]", "Bearer [REDACTED_TOKEN]", "[REDACTED_EMAIL]"} {
		if !strings.Contains(out, marker) {
			t.Fatalf("output missing marker %q: %q", marker, out)
		}
	}
	for _, secret := range []string{"sk-proj_abcdefghijkl", "ek_1234567890abcdef", "ops@example.com"} {
		if strings.Contains(out, secret) {
			t.Fatalf("output still contains %q: %q", secret, out)
		}
	}

	if out, changed := Redact("upstream closed"); changed || out != "upstream closed" {
		t.Fatalf("Redact(plain) = %q, %v", out, changed)
	}
}

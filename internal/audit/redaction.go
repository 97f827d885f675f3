package audit

import "regexp"

var (
	bearerPattern = regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9._\-]+`)
	apiKeyPattern = regexp.MustCompile(`\b(?:sk|ek)[-_][A-Za-z0-9_\-]{8,}\b`)
	emailPattern  = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
)

// Redact masks credentials and addresses that provider error text may echo
// back before it is persisted as an entry detail.
func Redact(detail string) (redacted string, changed bool) {
	out := detail

	// Bearer first so the token inside the header is not matched twice.
	next := bearerPattern.ReplaceAllString(out, "Bearer [REDACTED_TOKEN]")
	changed = changed || next != out
	out = next

	next = apiKeyPattern.ReplaceAllString(out, "[REDACTED_KEY]")
	changed = changed || next != out
	out = next

	next = emailPattern.ReplaceAllString(out, "[REDACTED_EMAIL]")
	changed = changed || next != out
	out = next

	return out, changed
}

package reliability

import "strings"

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 408, 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// IsAuthHTTPStatus reports statuses meaning the held secret was rejected.
func IsAuthHTTPStatus(code int) bool {
	return code == 401 || code == 403
}

// IsRetryableRealtimeErrorCode classifies upstream realtime error codes/types that a
// client may retry on a later turn.
func IsRetryableRealtimeErrorCode(code string) bool {
	switch strings.ToLower(strings.TrimSpace(code)) {
	case "rate_limit_exceeded", "rate_limited", "server_error", "overloaded", "response_timeout":
		return true
	default:
		return false
	}
}

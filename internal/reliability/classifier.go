package reliability

import (
	"strings"
	"time"
)

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// IsRetryableCloseCode classifies websocket close codes that indicate a
// network-layer failure rather than a deliberate shutdown. A clean 1000
// close is never retryable.
func IsRetryableCloseCode(code int) bool {
	switch code {
	case 1001, 1006, 1011, 1012, 1013, 1014:
		return true
	default:
		return false
	}
}

// networkErrorMarkers are substrings that mark provider errors as
// transport-level. Matching is intentionally loose: providers report these
// through free-form messages, not structured codes.
var networkErrorMarkers = []string{
	"connection reset",
	"connection refused",
	"broken pipe",
	"i/o timeout",
	"timeout",
	"unexpected eof",
	"abnormal closure",
	"network",
	"econnreset",
	"etimedout",
	"socket hang up",
}

// IsNetworkError reports whether a provider error code or message describes a
// transport failure the client may retry, as opposed to a semantic rejection
// (bad options, quota, auth) that a reconnect will not fix.
func IsNetworkError(code, message string) bool {
	switch strings.ToLower(strings.TrimSpace(code)) {
	case "net0000", "net0001", "connection_error", "network_error":
		return true
	}
	lower := strings.ToLower(message)
	for _, marker := range networkErrorMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}

package resilient

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// maxRetryHint caps server-suggested delays so a hostile or buggy server
// cannot park a retry sequence for hours.
const maxRetryHint = time.Hour

// epochCutoff separates "delta seconds" from "epoch seconds" readings of
// X-RateLimit-Reset values.
const epochCutoff = 1_000_000_000

// RetryHint extracts a server-suggested retry delay from response metadata.
// It understands Retry-After as delta seconds or an HTTP date, and
// X-RateLimit-Reset as epoch seconds or delta seconds. Malformed values are
// treated as absent, not as errors. Suggested times already in the past
// yield a zero delay (retry immediately).
func RetryHint(resp *http.Response) (time.Duration, bool) {
	if resp == nil {
		return 0, false
	}
	if d, ok := parseRetryAfter(resp.Header.Get("Retry-After")); ok {
		return d, true
	}
	if d, ok := parseRateLimitReset(resp.Header.Get("X-RateLimit-Reset")); ok {
		return d, true
	}
	return 0, false
}

// parseRetryAfter parses a Retry-After header value. It supports both
// delay-seconds format and HTTP-date format.
func parseRetryAfter(value string) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}

	// Try parsing as seconds first
	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds < 0 {
			return 0, false
		}
		return capHint(time.Duration(seconds) * time.Second), true
	}

	// Try parsing as HTTP-date
	if t, err := http.ParseTime(value); err == nil {
		return capHint(time.Until(t)), true
	}

	return 0, false
}

// parseRateLimitReset parses an X-RateLimit-Reset header value, expressed
// either as epoch seconds or as a delta in seconds.
func parseRateLimitReset(value string) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	if n >= epochCutoff {
		return capHint(time.Until(time.Unix(n, 0))), true
	}
	return capHint(time.Duration(n) * time.Second), true
}

func capHint(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	if d > maxRetryHint {
		return maxRetryHint
	}
	return d
}

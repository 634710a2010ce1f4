package brain

import (
	"errors"
	"net"
	"net/http"
	"strconv"
	"syscall"
	"time"
)

const (
	// MaxAttempts is the retry ceiling per request.
	MaxAttempts = 3

	// initialDelay seeds the exponential backoff.
	initialDelay = 2 * time.Second
)

// IsRetryable reports whether err warrants another attempt: connection-level
// failures, HTTP 5xx, and HTTP 429. Context expiry is never retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status == http.StatusTooManyRequests || apiErr.Status >= 500
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.ECONNRESET, syscall.ECONNREFUSED, syscall.EPIPE, syscall.ETIMEDOUT:
			return true
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	return false
}

// RetryDelay returns how long to wait before re-issuing the request for the
// given 1-based attempt number. A 429 with a usable Retry-After header is
// honored; everything else backs off exponentially from initialDelay.
func RetryDelay(err error, attempt int) time.Duration {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusTooManyRequests && apiErr.RetryAfter != "" {
		if d, ok := parseRetryAfter(apiErr.RetryAfter); ok {
			return d
		}
	}

	if attempt < 1 {
		attempt = 1
	}
	return initialDelay << (attempt - 1)
}

// parseRetryAfter handles both forms the header allows: delta seconds and an
// HTTP-date. Only a positive resulting delay is usable.
func parseRetryAfter(v string) (time.Duration, bool) {
	if secs, err := strconv.Atoi(v); err == nil {
		if secs > 0 {
			return time.Duration(secs) * time.Second, true
		}
		return 0, false
	}

	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d, true
		}
	}
	return 0, false
}

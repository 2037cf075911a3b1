package providers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// RateLimitError is returned when a backend answers 429.
type RateLimitError struct {
	Message    string
	RetryAfter time.Duration
	StatusCode int
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return e.Message + " (retry after " + e.RetryAfter.String() + ")"
	}
	return e.Message
}

// IsRateLimitError unwraps err to a *RateLimitError.
func IsRateLimitError(err error) (*RateLimitError, bool) {
	var rle *RateLimitError
	if errors.As(err, &rle) {
		return rle, true
	}
	return nil, false
}

// parseRetryAfter reads a Retry-After header in either delta-seconds or
// HTTP-date form.
func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

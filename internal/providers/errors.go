package providers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// HTTPError is a non-2xx response from a provider API.
type HTTPError struct {
	Status     int
	Body       string
	RetryAfter time.Duration // from the Retry-After header, 0 when absent
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("API error %d: %s", e.Status, e.Body)
}

// ParseRetryAfter interprets a Retry-After header value, either delta
// seconds or an HTTP date. Returns 0 when absent or unparseable.
func ParseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(header); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// RetryAfterOf extracts the server-requested delay from err, if any.
func RetryAfterOf(err error) time.Duration {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.RetryAfter
	}
	return 0
}

// IsRetryable reports whether err is transient: rate limits, server-side
// failures and connection-level network errors. Other client errors are
// terminal.
func IsRetryable(err error) bool {
	if err == nil || IsAbort(err) {
		return false
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Status == http.StatusTooManyRequests || httpErr.Status >= 500
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ETIMEDOUT) {
		return true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// Markers providers use to report an exceeded context window. Matched
// case-insensitively against the whole error chain.
var overflowMarkers = []string{
	"context length",
	"context_length_exceeded",
	"token limit",
	"maximum context",
	"too many tokens",
}

// IsContextOverflow reports whether err indicates the request exceeded
// the model's context window.
func IsContextOverflow(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range overflowMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// IsAbort reports whether err came from the caller cancelling the request.
func IsAbort(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// Package respond turns detected threats into incidents and drives the
// automated response playbooks against them.
package respond

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"
)

// ErrorType categorizes an action failure for retry purposes.
type ErrorType string

const (
	ErrorTypeTimeout   ErrorType = "timeout"
	ErrorTypeRateLimit ErrorType = "rate_limit"
	ErrorTypeNetwork   ErrorType = "network"
	ErrorTypeTemporary ErrorType = "temporary"
	ErrorTypePermanent ErrorType = "permanent"
	ErrorTypeUnknown   ErrorType = "unknown"
)

// retryDelays maps error types to their backoff sequences. Rate limit
// failures back off much longer so retries do not make the limiting worse.
var retryDelays = map[ErrorType][]time.Duration{
	ErrorTypeTimeout:   {5 * time.Second, 10 * time.Second, 20 * time.Second},
	ErrorTypeRateLimit: {60 * time.Second, 120 * time.Second},
	ErrorTypeNetwork:   {5 * time.Second, 10 * time.Second, 20 * time.Second},
	ErrorTypeTemporary: {time.Second, 2 * time.Second, 4 * time.Second},
	ErrorTypeUnknown:   {time.Second, 2 * time.Second, 4 * time.Second},
}

const retryJitter = 0.1

// ClassifyError determines the retry category of an action failure.
func ClassifyError(err error) ErrorType {
	if err == nil {
		return ErrorTypeUnknown
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorTypeTimeout
	}

	var httpErr interface{ StatusCode() int }
	if errors.As(err, &httpErr) {
		switch code := httpErr.StatusCode(); code {
		case http.StatusTooManyRequests:
			return ErrorTypeRateLimit
		case http.StatusServiceUnavailable, http.StatusGatewayTimeout, http.StatusRequestTimeout:
			return ErrorTypeTimeout
		case http.StatusInternalServerError:
			return ErrorTypeTemporary
		default:
			if code >= 400 && code < 500 {
				return ErrorTypePermanent
			}
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrorTypeTimeout
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if errors.Is(opErr.Err, syscall.ECONNREFUSED) ||
			errors.Is(opErr.Err, syscall.ECONNRESET) ||
			errors.Is(opErr.Err, syscall.EPIPE) {
			return ErrorTypeNetwork
		}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"),
		strings.Contains(msg, "timed out"),
		strings.Contains(msg, "deadline exceeded"):
		return ErrorTypeTimeout
	case strings.Contains(msg, "rate limit"), strings.Contains(msg, "too many requests"):
		return ErrorTypeRateLimit
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "network"),
		strings.Contains(msg, "dns"):
		return ErrorTypeNetwork
	case strings.Contains(msg, "temporary"):
		return ErrorTypeTemporary
	case strings.Contains(msg, "invalid"), strings.Contains(msg, "unknown action"):
		return ErrorTypePermanent
	}
	return ErrorTypeUnknown
}

// ShouldRetry reports whether a failed action is worth retrying at all.
func ShouldRetry(err error) bool {
	return ClassifyError(err) != ErrorTypePermanent
}

// RetryDelay returns the jittered backoff before retry number attempt
// (0-based) for the given error type. Attempts past the end of the sequence
// reuse the final delay.
func RetryDelay(attempt int, errorType ErrorType) time.Duration {
	delays, ok := retryDelays[errorType]
	if !ok {
		delays = retryDelays[ErrorTypeUnknown]
	}
	if attempt >= len(delays) {
		attempt = len(delays) - 1
	}
	delay := delays[attempt]

	jitter := time.Duration(rand.Float64() * retryJitter * float64(delay))
	return delay + jitter
}

package common

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"
)

var (
	// ErrTransientFailure marks failures worth retrying (timeouts, 5xx, 429).
	ErrTransientFailure = errors.New("transient exchange failure")
	// ErrPermanentFailure is what the orchestrator sees when a call cannot succeed:
	// a non-retryable response or an exhausted retry budget.
	ErrPermanentFailure = errors.New("permanent exchange failure")
	// ErrMalformedRequest is returned for requests rejected before hitting the wire.
	ErrMalformedRequest = errors.New("malformed exchange request")
)

// HTTPError carries a non-2xx exchange response.
type HTTPError struct {
	StatusCode int
	Endpoint   string
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s status %d: %s", e.Endpoint, e.StatusCode, e.Body)
}

// FailureKind classifies an error for retry purposes.
type FailureKind int

const (
	FailureNone FailureKind = iota
	FailureRetryable
	FailurePermanent
)

func (k FailureKind) String() string {
	switch k {
	case FailureNone:
		return "none"
	case FailureRetryable:
		return "retryable"
	default:
		return "permanent"
	}
}

// Classify decides whether err is worth another attempt.
func Classify(err error) FailureKind {
	if err == nil {
		return FailureNone
	}
	if errors.Is(err, context.Canceled) {
		return FailurePermanent
	}
	if errors.Is(err, ErrMalformedRequest) {
		return FailurePermanent
	}
	if errors.Is(err, ErrTransientFailure) {
		return FailureRetryable
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		switch {
		case httpErr.StatusCode == http.StatusTooManyRequests:
			return FailureRetryable
		case httpErr.StatusCode >= 500:
			return FailureRetryable
		default:
			return FailurePermanent
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return FailureRetryable
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return FailureRetryable
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return FailureRetryable
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return FailureRetryable
	}
	return FailurePermanent
}

// IsRetryable reports whether Classify(err) is FailureRetryable.
func IsRetryable(err error) bool {
	return Classify(err) == FailureRetryable
}

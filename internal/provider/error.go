package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorKind classifies stream failures for the retry/failover policy.
type ErrorKind string

const (
	KindTransientNetwork ErrorKind = "transient_network"
	KindRateLimited      ErrorKind = "rate_limited"
	KindAuthFailed       ErrorKind = "auth_failed"
	KindModelUnavailable ErrorKind = "model_unavailable"
	KindInvalidRequest   ErrorKind = "invalid_request"
	KindProviderInternal ErrorKind = "provider_internal"
)

// Error is the terminal failure of a generation stream.
type Error struct {
	Kind   ErrorKind
	Status int // HTTP status when applicable
	Detail string
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("provider error %s (status %d): %s", e.Kind, e.Status, e.Detail)
	}
	return fmt.Sprintf("provider error %s: %s", e.Kind, e.Detail)
}

// Retryable reports whether the same request may succeed on immediate retry
// with the same key and model.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindTransientNetwork, KindProviderInternal:
		return true
	default:
		return false
	}
}

// classifyStatus maps an HTTP status to an error kind.
func classifyStatus(status int) ErrorKind {
	switch {
	case status == 401 || status == 403:
		return KindAuthFailed
	case status == 429:
		return KindRateLimited
	case status == 404:
		return KindModelUnavailable
	case status >= 400 && status < 500:
		return KindInvalidRequest
	default:
		return KindProviderInternal
	}
}

// classifyTransport maps a transport-level error to an Error. Context
// cancellation is passed through untouched so callers can tell a user abort
// from a network fault.
func classifyTransport(err error) *Error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Error{Kind: KindTransientNetwork, Detail: "timeout: " + err.Error()}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTransientNetwork, Detail: err.Error()}
	}
	return &Error{Kind: KindTransientNetwork, Detail: err.Error()}
}

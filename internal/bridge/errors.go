package bridge

import (
	"context"
	"errors"
)

// Failure kinds delivered through a request's Outcome.
var (
	ErrTimeout          = errors.New("request timeout")
	ErrConnectionClosed = errors.New("connection closed")
	ErrProxyTimeout     = errors.New("proxy request timeout")
	ErrProxyUnavailable = errors.New("proxy unavailable")
)

// HostError carries a failure reported by the host poller in /response.
type HostError struct {
	Message string
}

func (e *HostError) Error() string { return e.Message }

// Wire and metric names for each failure kind.
const (
	KindTimeout          = "timeout"
	KindConnectionClosed = "connection_closed"
	KindProxyTimeout     = "proxy_timeout"
	KindProxyUnavailable = "proxy_unavailable"
	KindHost             = "host"
	KindCanceled         = "canceled"
	KindInternal         = "internal"
)

// KindOf classifies err. A nil error has kind "".
func KindOf(err error) string {
	var hostErr *HostError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrTimeout):
		return KindTimeout
	case errors.Is(err, ErrConnectionClosed):
		return KindConnectionClosed
	case errors.Is(err, ErrProxyTimeout):
		return KindProxyTimeout
	case errors.Is(err, ErrProxyUnavailable):
		return KindProxyUnavailable
	case errors.As(err, &hostErr):
		return KindHost
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCanceled
	default:
		return KindInternal
	}
}

// ErrorFromKind rebuilds an error relayed by a primary so that callers on a
// proxy can still match it with errors.Is.
func ErrorFromKind(kind, message string) error {
	switch kind {
	case KindTimeout:
		return ErrTimeout
	case KindConnectionClosed:
		return ErrConnectionClosed
	case KindProxyTimeout:
		return ErrProxyTimeout
	case KindProxyUnavailable:
		return ErrProxyUnavailable
	case KindHost:
		return &HostError{Message: message}
	default:
		return errors.New(message)
	}
}

package session

import (
	"errors"
	"strings"

	"agentbridge/internal/rpc"
)

// ErrorKind 错误分类 / ErrorKind classifies bridge failures for retry and
// surfacing decisions.
type ErrorKind string

const (
	KindConnectionNotReady   ErrorKind = "connection-not-ready"
	KindTimeout              ErrorKind = "timeout"
	KindAuthenticationFailed ErrorKind = "authentication-failed"
	KindPermissionDenied     ErrorKind = "permission-denied"
	KindNetworkError         ErrorKind = "network-error"
	KindProcessExited        ErrorKind = "process-exited"
	KindProtocolViolation    ErrorKind = "protocol-violation"
	KindUnknown              ErrorKind = "unknown"
)

// ErrSessionStopped marks operations cancelled by an explicit stop().
var ErrSessionStopped = errors.New("session stopped")

// ErrNotActive marks operations attempted without an active session.
var ErrNotActive = errors.New("no active session")

// Error wraps an underlying failure with its classification.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	return string(e.Kind) + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

func wrapError(err error) *Error {
	var se *Error
	if errors.As(err, &se) {
		return se
	}
	return &Error{Kind: Classify(err), Err: err}
}

// Substring tables for sub-classifying opaque child-process errors. The
// mapping is stable; typed errors from the transport and rpc layers are
// preferred and checked first.
var (
	authMarkers = []string{
		"auth", "unauthorized", "login", "api key", "apikey",
		"credential", "forbidden", "401", "403",
	}
	quotaMarkers = []string{
		"quota", "rate limit", "rate_limit", "too many requests",
		"429", "suspended", "usage limit", "insufficient_quota",
	}
	networkMarkers = []string{
		"network", "connection refused", "connection reset",
		"no such host", "dns", "dial tcp", "broken pipe", "econnrefused",
	}
)

// Classify maps err onto the taxonomy. Typed sentinels win over substring
// matching of human-readable text.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	switch {
	case errors.Is(err, rpc.ErrTimeout):
		return KindTimeout
	case errors.Is(err, rpc.ErrConnClosed):
		return KindProcessExited
	case errors.Is(err, ErrSessionStopped):
		return KindProcessExited
	case errors.Is(err, ErrNotActive):
		return KindConnectionNotReady
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range quotaMarkers {
		if strings.Contains(msg, marker) {
			return KindPermissionDenied
		}
	}
	for _, marker := range authMarkers {
		if strings.Contains(msg, marker) {
			return KindAuthenticationFailed
		}
	}
	for _, marker := range networkMarkers {
		if strings.Contains(msg, marker) {
			return KindNetworkError
		}
	}
	return KindUnknown
}

// IsFatal 判断是否应当短路重试 / IsFatal reports whether an error class
// short-circuits retry loops: authentication, authorization and quota
// failures never recover by retrying.
func IsFatal(kind ErrorKind) bool {
	return kind == KindAuthenticationFailed || kind == KindPermissionDenied
}

// IsRetryable reports whether the caller may retry the failed operation.
func IsRetryable(kind ErrorKind) bool {
	return kind == KindTimeout || kind == KindNetworkError
}

// isAuthShaped reports whether err looks like a missing/expired login,
// which triggers the one-shot login warm-up during session creation.
func isAuthShaped(err error) bool {
	return Classify(err) == KindAuthenticationFailed
}

// Package resilience classifies pipeline failures and provides the retry and
// circuit breaker policies applied to data source and AI calls.
package resilience

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"
)

// Kind buckets a failure for propagation policy. Everything except
// KindUnreachable is non-fatal to a resolution task.
type Kind string

const (
	// KindParse marks malformed placeholder syntax. Recorded inline.
	KindParse Kind = "parse_error"
	// KindLowConfidence marks a match below the confidence threshold.
	KindLowConfidence Kind = "match_low_confidence"
	// KindValidation marks a generated query that failed the dialect or
	// schema check. Deterministic, never retried.
	KindValidation Kind = "validation_error"
	// KindTransient marks a timeout or connection failure. Retried with
	// bounded backoff before becoming permanent.
	KindTransient Kind = "execution_transient"
	// KindPermanent marks a data error raised by the query itself.
	KindPermanent Kind = "execution_permanent"
	// KindUnreachable marks a data source that cannot be reached at all.
	// The only fatal kind: it aborts the whole task.
	KindUnreachable Kind = "data_source_unreachable"
	// KindCancelled marks a caller-requested cancellation. Not an error.
	KindCancelled Kind = "cancellation_requested"
)

// Error tags an underlying error with a Kind.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return string(e.Kind) + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Tag wraps err with the given kind. Returns nil for nil err.
func Tag(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// Classify returns the Kind of err, inferring one when the error was never
// tagged: context cancellation maps to KindCancelled, network-level failures
// to KindTransient, everything else to KindPermanent.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}

	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}

	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTransient
	}
	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return KindTransient
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return KindUnreachable
	}

	msg := strings.ToLower(err.Error())
	for _, p := range []string{
		"connection reset by peer",
		"broken pipe",
		"i/o timeout",
		"tls handshake timeout",
		"server closed idle connection",
	} {
		if strings.Contains(msg, p) {
			return KindTransient
		}
	}
	for _, p := range []string{
		"connection refused",
		"no such host",
		"temporary failure in name resolution",
	} {
		if strings.Contains(msg, p) {
			return KindUnreachable
		}
	}

	return KindPermanent
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	return Classify(err) == KindTransient
}

// IsFatal reports whether err aborts the whole task.
func IsFatal(err error) bool {
	return Classify(err) == KindUnreachable
}

// IsCancelled reports whether err is a clean cancellation.
func IsCancelled(err error) bool {
	return Classify(err) == KindCancelled
}

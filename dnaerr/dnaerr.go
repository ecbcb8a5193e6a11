// Package dnaerr implements the error taxonomy of spec.md §7: every layer
// classifies its failures into one of a small number of kinds so that
// ingestion and stream-server top-level loops can decide, mechanically,
// whether to retry, exit, or report to a single client.
package dnaerr

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Kind classifies an error per spec.md §7.
type Kind int

const (
	// KindConfiguration is a static misconfiguration, fatal at startup.
	KindConfiguration Kind = iota
	// KindNotFound mirrors object-store/coordination-KV "not found".
	KindNotFound
	// KindPrecondition mirrors a failed compare-and-swap (ETag mismatch).
	KindPrecondition
	// KindNotModified mirrors a conditional get that matched server state.
	KindNotModified
	// KindUnauthorized mirrors a storage backend auth failure.
	KindUnauthorized
	// KindTransient is retryable: network/RPC timeouts, generic storage
	// "Request" errors, KV watch lag.
	KindTransient
	// KindInvariant is a fatal programming/data invariant violation.
	KindInvariant
	// KindClient is a bad caller request (invalid cursor, invalid filter,
	// out-of-range request); never affects other clients.
	KindClient
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindNotFound:
		return "not_found"
	case KindPrecondition:
		return "precondition"
	case KindNotModified:
		return "not_modified"
	case KindUnauthorized:
		return "unauthorized"
	case KindTransient:
		return "transient"
	case KindInvariant:
		return "invariant"
	case KindClient:
		return "client"
	default:
		return "unknown"
	}
}

// Error is the single error type used across the repository. Layers never
// propagate a bare fmt.Errorf past a retry loop (spec.md §7's propagation
// policy) — they classify first.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
	// Code is set only for KindClient errors that must map to a specific
	// gRPC status code distinct from the Kind-level default.
	Code codes.Code
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

func newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func wrapf(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

func Configuration(format string, args ...any) *Error { return newf(KindConfiguration, format, args...) }
func NotFound(format string, args ...any) *Error       { return newf(KindNotFound, format, args...) }
func Precondition(format string, args ...any) *Error   { return newf(KindPrecondition, format, args...) }
func NotModified(format string, args ...any) *Error    { return newf(KindNotModified, format, args...) }
func Unauthorized(format string, args ...any) *Error   { return newf(KindUnauthorized, format, args...) }
func Invariant(format string, args ...any) *Error      { return newf(KindInvariant, format, args...) }

// Transient wraps a retryable cause.
func Transient(cause error, format string, args ...any) *Error {
	return wrapf(KindTransient, cause, format, args...)
}

// InvalidArgument builds a KindClient error that maps to gRPC InvalidArgument.
func InvalidArgument(format string, args ...any) *Error {
	e := newf(KindClient, format, args...)
	e.Code = codes.InvalidArgument
	return e
}

// OutOfRange builds a KindClient error that maps to gRPC OutOfRange.
func OutOfRange(format string, args ...any) *Error {
	e := newf(KindClient, format, args...)
	e.Code = codes.OutOfRange
	return e
}

// ResourceExhausted builds a KindClient error that maps to gRPC ResourceExhausted.
func ResourceExhausted(format string, args ...any) *Error {
	e := newf(KindClient, format, args...)
	e.Code = codes.ResourceExhausted
	return e
}

// Unavailable builds a KindClient error that maps to gRPC Unavailable.
func Unavailable(format string, args ...any) *Error {
	e := newf(KindClient, format, args...)
	e.Code = codes.Unavailable
	return e
}

// Is lets errors.Is match on Kind via a zero-value sentinel, e.g.
// errors.Is(err, &dnaerr.Error{Kind: dnaerr.KindNotFound}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// KindOf extracts the Kind of err if it is (or wraps) a *Error, defaulting to
// KindTransient for unrecognized errors — an unclassified error is treated as
// retryable rather than silently dropped, matching spec.md §7's "never
// silently dropped" rule.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindTransient
}

// ToGRPCStatus maps a classified error to a gRPC status error per spec.md
// §7's propagation policy. Only KindClient errors and KindUnavailable-style
// conditions are meant to cross the RPC boundary; everything else indicates
// a bug in the caller if it reaches here.
func ToGRPCStatus(err error) error {
	var e *Error
	if !errors.As(err, &e) {
		return status.Error(codes.Internal, err.Error())
	}
	switch e.Kind {
	case KindClient:
		code := e.Code
		if code == codes.OK {
			code = codes.InvalidArgument
		}
		return status.Error(code, e.Error())
	case KindTransient:
		return status.Error(codes.Unavailable, e.Error())
	case KindInvariant:
		return status.Error(codes.Internal, e.Error())
	default:
		return status.Error(codes.Internal, e.Error())
	}
}

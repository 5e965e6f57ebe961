package domain

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies every failure the service can produce. Kinds are part of
// the public API: they appear verbatim in JSON error bodies and are never
// reclassified as an error travels up through the layers.
type Kind string

const (
	KindEmptyInput        Kind = "empty_input"
	KindUnsupportedFormat Kind = "unsupported_format"
	KindCorruptData       Kind = "corrupt_data"
	KindInvalidOptions    Kind = "invalid_options"
	KindEncodeFailed      Kind = "encode_failed"
	KindPayloadTooLarge   Kind = "payload_too_large"
	KindTimeout           Kind = "timeout"
	KindOverloaded        Kind = "overloaded"
	KindInternal          Kind = "internal"
)

// Error carries a Kind alongside a user-facing message and an optional cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Errorf builds a typed error with a formatted message.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError attaches a kind and message to an underlying cause. If the cause
// already carries a kind, that kind wins: context may be added on the way up
// but the classification never changes.
func WrapError(kind Kind, cause error, message string) *Error {
	if existing := new(Error); errors.As(cause, &existing) {
		kind = existing.Kind
	}
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the kind from any error in the chain, defaulting to
// KindInternal for untyped failures. Both context errors count as timeouts:
// a disconnected client and an expired deadline end a request the same way,
// and neither is an internal fault worth an operator's attention.
func KindOf(err error) Kind {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindTimeout
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// HTTPStatus maps an error kind to the response status used by the API.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindEmptyInput, KindInvalidOptions, KindEncodeFailed:
		return http.StatusBadRequest
	case KindUnsupportedFormat, KindCorruptData:
		return http.StatusUnprocessableEntity
	case KindPayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindOverloaded:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Expected reports whether a kind is part of the normal request flow. Only
// unexpected kinds warrant full operator-facing logging.
func Expected(kind Kind) bool {
	return kind != KindInternal
}

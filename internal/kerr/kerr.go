// Package kerr defines the error kinds surfaced by the coordination engine.
//
// Every engine error wraps exactly one sentinel below, so callers branch with
// errors.Is and the HTTP boundary maps kinds to status codes in one place.
package kerr

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrMalformedRequest marks a missing or unparseable field. Never retried.
	ErrMalformedRequest = errors.New("malformed request")

	// ErrNotFound marks a missing identifier, conversation or operation.
	ErrNotFound = errors.New("not found")

	// ErrUnauthorizedMember marks an actor that is not a declared group participant.
	ErrUnauthorizedMember = errors.New("unauthorized member")

	// ErrAliasConflict marks an inception for an alias that already exists.
	ErrAliasConflict = errors.New("alias conflict")

	// ErrConfiguration marks an identifier that exists under another configuration.
	ErrConfiguration = errors.New("configuration error")

	// ErrDelivery marks a courier failure to reach one recipient.
	ErrDelivery = errors.New("delivery error")

	// ErrConflictingContribution marks a proposal disagreeing with the accepted content of a slot.
	ErrConflictingContribution = errors.New("conflicting contribution")

	// ErrTimeout marks an operation failed by the pending sweep.
	ErrTimeout = errors.New("operation timed out")
)

// Error carries an error kind plus the offending field, if any.
type Error struct {
	Kind  error  // Kind is one of the sentinel errors of this package
	Field string // Field names the request field at fault (may be empty)
	Msg   string // Msg is a human readable description
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Field, e.Msg)
	}

	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// Unwrap exposes the kind to errors.Is.
func (e *Error) Unwrap() error {
	return e.Kind
}

// Malformed reports a missing or invalid request field.
func Malformed(field, format string, args ...any) error {
	return &Error{Kind: ErrMalformedRequest, Field: field, Msg: fmt.Sprintf(format, args...)}
}

// Missing reports an absent required field.
func Missing(field string) error {
	return &Error{Kind: ErrMalformedRequest, Field: field, Msg: "required field missing"}
}

// NotFound reports a reference to something that does not exist locally.
func NotFound(format string, args ...any) error {
	return &Error{Kind: ErrNotFound, Msg: fmt.Sprintf(format, args...)}
}

// Unauthorized reports an actor outside the group's controlling set.
func Unauthorized(format string, args ...any) error {
	return &Error{Kind: ErrUnauthorizedMember, Msg: fmt.Sprintf(format, args...)}
}

// AliasConflict reports an alias that is already taken.
func AliasConflict(alias string) error {
	return &Error{Kind: ErrAliasConflict, Field: "name", Msg: fmt.Sprintf("alias %q already exists", alias)}
}

// Configuration reports an identifier known under a different configuration.
func Configuration(format string, args ...any) error {
	return &Error{Kind: ErrConfiguration, Msg: fmt.Sprintf(format, args...)}
}

// Delivery reports a failed delivery to one recipient.
func Delivery(dest string, err error) error {
	return &Error{Kind: ErrDelivery, Field: dest, Msg: err.Error()}
}

// Conflict reports a contribution that disagrees with the canonical event of a slot.
func Conflict(prefix string, sn uint64, have, got string) error {
	return &Error{
		Kind: ErrConflictingContribution,
		Msg:  fmt.Sprintf("prefix %s sn %d already bound to %s, got %s", prefix, sn, have, got),
	}
}

// FieldOf returns the offending field of an engine error, or "".
func FieldOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Field
	}

	return ""
}

// Status maps an error to the HTTP status the API answers with.
func Status(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrMalformedRequest):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrUnauthorizedMember):
		return http.StatusForbidden
	case errors.Is(err, ErrAliasConflict), errors.Is(err, ErrConfiguration), errors.Is(err, ErrConflictingContribution):
		return http.StatusConflict
	case errors.Is(err, ErrDelivery):
		return http.StatusBadGateway
	case errors.Is(err, ErrTimeout):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

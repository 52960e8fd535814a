// Package pwerr defines the marketplace-wide error taxonomy.
//
// Every business-rule failure the engine surfaces is one of these kinds.
// Database-level and other transient I/O failures are NOT wrapped here —
// they propagate as plain errors so callers can retry them.
package pwerr

import (
	"errors"
	"fmt"
)

// Kind is a machine-readable error category.
type Kind string

const (
	KindUnauthorized        Kind = "unauthorized"
	KindSuspended           Kind = "suspended"
	KindNotFound            Kind = "not_found"
	KindForbidden           Kind = "forbidden"
	KindBadState            Kind = "bad_state"
	KindInsufficientCredits Kind = "insufficient_credits"
	KindInvalidInput        Kind = "invalid_input"
	KindConflict            Kind = "conflict"
)

// Error is a business-rule error carrying a kind and structured fields
// clients can use to explain the failure without re-fetching state.
type Error struct {
	Kind    Kind
	Message string
	Fields  map[string]any
}

func (e *Error) Error() string {
	if len(e.Fields) == 0 {
		return e.Message
	}
	return fmt.Sprintf("%s %v", e.Message, e.Fields)
}

// Is reports whether target is a *Error with the same Kind, so callers
// can write errors.Is(err, pwerr.NotFound("", "")) style checks if they prefer,
// though errors.As(err, &pwErr) is the normal path.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Kind == t.Kind
}

func new_(kind Kind, msg string, fields map[string]any) *Error {
	return &Error{Kind: kind, Message: msg, Fields: fields}
}

func Unauthorized(msg string) *Error {
	return new_(KindUnauthorized, msg, nil)
}

func Suspended(reason string) *Error {
	return new_(KindSuspended, "agent is suspended", map[string]any{"reason": reason})
}

func NotFound(entity, id string) *Error {
	return new_(KindNotFound, fmt.Sprintf("%s not found", entity), map[string]any{"id": id})
}

func Forbidden(msg string) *Error {
	return new_(KindForbidden, msg, nil)
}

func BadState(msg, currentStatus string) *Error {
	return new_(KindBadState, msg, map[string]any{"current_status": currentStatus})
}

func InsufficientCredits(have, need int64) *Error {
	return new_(KindInsufficientCredits, "insufficient credits", map[string]any{"have": have, "need": need})
}

func InvalidInput(field, msg string) *Error {
	return new_(KindInvalidInput, msg, map[string]any{"field": field})
}

func Conflict(msg string) *Error {
	return new_(KindConflict, msg, nil)
}

// Of extracts a *Error from err, if any.
func Of(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the Kind of err, or "" if err is not a *Error.
func KindOf(err error) Kind {
	if e, ok := Of(err); ok {
		return e.Kind
	}
	return ""
}

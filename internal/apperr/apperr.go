// Package apperr classifies failures into machine-readable kinds that callers
// can act on without parsing messages.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind tells the caller what to do about a failure.
type Kind string

const (
	KindValidation        Kind = "validation_error"
	KindNotFound          Kind = "not_found"
	KindBusinessRejection Kind = "business_rejection"
	KindConflict          Kind = "conflict"
	KindTransient         Kind = "transient_store_error"
	KindInternal          Kind = "internal"
)

// Reason narrows a business rejection.
type Reason string

const (
	ReasonInsufficientPoints    Reason = "insufficient_points"
	ReasonOutOfStock            Reason = "out_of_stock"
	ReasonRewardInactive        Reason = "reward_inactive"
	ReasonOutsideValidityWindow Reason = "outside_validity_window"
)

// Error is a classified failure.
type Error struct {
	kind   Kind
	reason Reason
	msg    string
	err    error
}

func (e *Error) Error() string {
	if e.err != nil {
		return e.msg + ": " + e.err.Error()
	}
	return e.msg
}

func (e *Error) Unwrap() error { return e.err }

// Kind returns the error kind.
func (e *Error) Kind() Kind { return e.kind }

// Reason returns the rejection reason, empty for other kinds.
func (e *Error) Reason() Reason { return e.reason }

// Message returns the human message without the wrapped cause.
func (e *Error) Message() string { return e.msg }

// Is matches another *Error of the same kind and reason, so sentinel-style
// comparisons work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.kind == e.kind && t.reason == e.reason && (t.msg == "" || t.msg == e.msg)
}

var (
	ErrInsufficientPoints    = &Error{kind: KindBusinessRejection, reason: ReasonInsufficientPoints}
	ErrOutOfStock            = &Error{kind: KindBusinessRejection, reason: ReasonOutOfStock}
	ErrRewardInactive        = &Error{kind: KindBusinessRejection, reason: ReasonRewardInactive}
	ErrOutsideValidityWindow = &Error{kind: KindBusinessRejection, reason: ReasonOutsideValidityWindow}
	ErrNotFound              = &Error{kind: KindNotFound}
	ErrConflict              = &Error{kind: KindConflict}
	ErrTransient             = &Error{kind: KindTransient}
)

// NotFound reports a missing resource.
func NotFound(resource, id string) error {
	if id == "" {
		return &Error{kind: KindNotFound, msg: resource + " not found"}
	}
	return &Error{kind: KindNotFound, msg: fmt.Sprintf("%s %q not found", resource, id)}
}

// Reject reports a business rejection.
func Reject(reason Reason, msg string) error {
	return &Error{kind: KindBusinessRejection, reason: reason, msg: msg}
}

// Conflict reports a lost concurrency race.
func Conflict(msg string) error {
	return &Error{kind: KindConflict, msg: msg}
}

// Transient wraps a timeout or connection failure of the store.
func Transient(msg string, err error) error {
	return &Error{kind: KindTransient, msg: msg, err: err}
}

// Validation reports malformed input.
func Validation(msg string) error {
	return &Error{kind: KindValidation, msg: msg}
}

type kinded interface {
	Kind() Kind
}

// KindOf classifies any error. Unclassified errors are internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var k kinded
	if errors.As(err, &k) {
		return k.Kind()
	}
	return KindInternal
}

// ReasonOf returns the business rejection reason carried by err, if any.
func ReasonOf(err error) Reason {
	var e *Error
	if errors.As(err, &e) {
		return e.reason
	}
	return ""
}

// Retryable reports whether the whole operation may be retried once.
func Retryable(err error) bool {
	return KindOf(err) == KindConflict
}

// HTTPStatus maps an error kind to a response status.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindBusinessRejection:
		return http.StatusUnprocessableEntity
	case KindConflict:
		return http.StatusConflict
	case KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

package clusterapi

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a Cluster Control API failure
type Kind string

const (
	KindNotFound             Kind = "NotFound"
	KindAlreadyInTargetState Kind = "AlreadyInTargetState"
	KindOperationInProgress  Kind = "OperationInProgress"
	KindUpgradeNotInProgress Kind = "UpgradeNotInProgress"
	KindTransient            Kind = "Transient"
	KindObjectClosed         Kind = "ObjectClosed"
	KindFatal                Kind = "Fatal"
)

// Error is a classified Cluster Control API failure. Classification happens
// once, where the response is decoded; callers only inspect Kind and
// Transient.
type Error struct {
	Kind      Kind
	Transient bool
	Op        string
	Err       error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a classified error. Transient and object-closed kinds are
// marked transient.
func NewError(op string, kind Kind, err error) *Error {
	return &Error{
		Kind:      kind,
		Transient: kind == KindTransient || kind == KindObjectClosed,
		Op:        op,
		Err:       err,
	}
}

// Errorf creates a classified error from a format string
func Errorf(op string, kind Kind, format string, args ...any) *Error {
	return NewError(op, kind, fmt.Errorf(format, args...))
}

// KindOf returns the kind of err. Unclassified errors are Fatal, except
// context expiry and cancellation, which are Transient.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindTransient
	}
	return KindFatal
}

// IsNotFound reports whether err means the resource does not exist
func IsNotFound(err error) bool {
	return KindOf(err) == KindNotFound
}

// IsTransient reports whether err should simply be retried on a later cycle
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Transient
	}
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}

// IsBenign reports whether err means the requested change is already in
// effect or already underway
func IsBenign(err error) bool {
	switch KindOf(err) {
	case KindAlreadyInTargetState, KindOperationInProgress:
		return true
	}
	return false
}

// IsObjectClosed reports whether err means a client object was closed
// underneath the caller; such failures are not recoverable in-process.
func IsObjectClosed(err error) bool {
	return KindOf(err) == KindObjectClosed
}

// IsCancellation reports whether err is a plain context cancellation
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled)
}

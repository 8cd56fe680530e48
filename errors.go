// Package alpha is the root task: the pager/broker IPC loop and the
// bootstrap collaborators that populate it.
package alpha

import (
	"errors"
	"fmt"
)

// Code is a client-visible error class, one of the eleven kinds spec.md's
// error handling design names. The numeric value a client actually
// receives over IPC is handler-specific (see internal/broker); Code is
// the ergonomic wrapper so bootstrap and test code can match on error
// class with errors.Is/errors.As instead of comparing bare integers.
type Code string

const (
	CodeNoApp           Code = "no-app"
	CodeNoDevice        Code = "no-device"
	CodeNoRegion        Code = "no-region"
	CodeNoPermission    Code = "no-permission"
	CodeNoFreeThread    Code = "no-free-thread"
	CodeBadUTCB         Code = "bad-utcb"
	CodeInternal        Code = "internal"
	CodeCreateFailed    Code = "create-failed"
	CodeNameTooLong     Code = "name-too-long"
	CodeAlreadyExists   Code = "already-exists"
	CodeNotFound        Code = "not-found"
)

// Error is a structured client-facing error, grounded on a driver's
// Op/Code/Inner error type: an operation name, a classified code, an
// optional wrapped cause. The broker's IPC replies carry numeric codes
// and do not use this type.
type Error struct {
	Op    string
	Code  Code
	Inner error
}

func (e *Error) Error() string {
	if e.Inner != nil {
		return fmt.Sprintf("alpha: %s: %s: %v", e.Op, e.Code, e.Inner)
	}
	return fmt.Sprintf("alpha: %s: %s", e.Op, e.Code)
}

// Unwrap returns the wrapped cause, for errors.Is/errors.As support.
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is supports errors.Is by Code, matching against either another *Error
// or a bare Code value.
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}
	if code, ok := target.(Code); ok {
		return e.Code == code
	}
	var other *Error
	if errors.As(target, &other) {
		return e.Code == other.Code
	}
	return false
}

// Error lets a bare Code satisfy the error interface, so handler code can
// return alpha.CodeNoApp directly where no extra context is useful.
func (c Code) Error() string {
	return string(c)
}

// New constructs an *Error for op classified as code, optionally wrapping
// inner.
func New(op string, code Code, inner error) *Error {
	return &Error{Op: op, Code: code, Inner: inner}
}

// IsCode reports whether err is (or wraps) an *Error with the given code.
func IsCode(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return errors.Is(err, code)
}

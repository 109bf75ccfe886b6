package engine

import (
	"errors"
	"fmt"
)

// Code identifies a stable, machine-readable failure class. API layers
// branch on these, so the strings never change once released.
type Code string

const (
	CodeInvalidOrderParameters Code = "INVALID_ORDER_PARAMETERS"
	CodeInsufficientBalance    Code = "INSUFFICIENT_BALANCE"
	CodeOrderNotFound          Code = "ORDER_NOT_FOUND"
	CodeOrderNotCancelable     Code = "ORDER_NOT_CANCELABLE"
	CodeConcurrencyConflict    Code = "CONCURRENCY_CONFLICT"
	CodeSettlementFailure      Code = "SETTLEMENT_FAILURE"
)

// Error carries a Code plus a human-readable message. Callers are expected
// to match on Code, not on the message text.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Transient reports whether the caller may retry the same request. Only
// CONCURRENCY_CONFLICT is safe to retry verbatim.
func (e *Error) Transient() bool { return e.Code == CodeConcurrencyConflict }

func errInvalid(format string, args ...any) *Error {
	return &Error{Code: CodeInvalidOrderParameters, Message: fmt.Sprintf(format, args...)}
}

func errInsufficient(msg string, err error) *Error {
	return &Error{Code: CodeInsufficientBalance, Message: msg, Err: err}
}

func errNotFound(msg string) *Error {
	return &Error{Code: CodeOrderNotFound, Message: msg}
}

func errNotCancelable(msg string) *Error {
	return &Error{Code: CodeOrderNotCancelable, Message: msg}
}

func errConflict(msg string) *Error {
	return &Error{Code: CodeConcurrencyConflict, Message: msg}
}

func errSettlement(msg string, err error) *Error {
	return &Error{Code: CodeSettlementFailure, Message: msg, Err: err}
}

// CodeOf extracts the engine code from err, or "" when err is not an
// engine error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

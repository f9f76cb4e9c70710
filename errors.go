package couchmove

import (
	"strings"
)

// Error codes for failures surfaced by the engine. Callers branch on the code
// through ErrorCode rather than on message text.
const (
	EInternal    = "internal error"
	ENotFound    = "not found"
	EConflict    = "conflict"    // action cannot be performed
	EInvalid     = "invalid"     // validation failed
	EUnavailable = "unavailable" // resource held by another actor
)

// Error is the error type used across the engine.
//
// Errors carry a machine-readable code, a human-readable message, and a
// logical stack trace. Code targets automated handlers so that recovery can
// occur. Msg helps the operator diagnose and fix the problem. Op and Err chain
// errors together to further help operators.
//
// To create a simple error,
//
//	&Error{
//	    Code: ENotFound,
//	}
//
// To show where the error happens, add Op.
//
//	&Error{
//	    Code: ENotFound,
//	    Op:   "migration.Lock.Acquire",
//	}
//
// To show an error with an unpredictable value, add the value in Msg.
//
//	&Error{
//	    Code: EConflict,
//	    Msg:  fmt.Sprintf("changelog %s was modified after execution", version),
//	}
//
// To show an error wrapped with another error.
//
//	&Error{
//	    Code: EInternal,
//	    Err:  err,
//	}
type Error struct {
	Code string
	Msg  string
	Op   string
	Err  error
}

// Error implements the error interface by writing out the recursive messages.
func (e *Error) Error() string {
	if e.Msg != "" && e.Err != nil {
		var b strings.Builder
		b.WriteString(e.Msg)
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
		return b.String()
	} else if e.Msg != "" {
		return e.Msg
	} else if e.Err != nil {
		return e.Err.Error()
	}
	return "<" + e.Code + ">"
}

// Unwrap returns the wrapped error, so errors.Is and errors.As see through
// the chain.
func (e *Error) Unwrap() error {
	return e.Err
}

// ErrorCode returns the code of the root error, if available; otherwise returns EInternal.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}

	e, ok := err.(*Error)
	if !ok {
		return EInternal
	}

	if e == nil {
		return ""
	}

	if e.Code != "" {
		return e.Code
	}

	if e.Err != nil {
		return ErrorCode(e.Err)
	}

	return EInternal
}

// ErrorOp returns the op of the error, if available; otherwise returns an empty string.
func ErrorOp(err error) string {
	if err == nil {
		return ""
	}

	e, ok := err.(*Error)
	if !ok {
		return ""
	}

	if e == nil {
		return ""
	}

	if e.Op != "" {
		return e.Op
	}

	if e.Err != nil {
		return ErrorOp(e.Err)
	}

	return ""
}

// ErrorMessage returns the human-readable message of the error, if available.
// Otherwise returns a generic error message.
func ErrorMessage(err error) string {
	if err == nil {
		return ""
	}

	e, ok := err.(*Error)
	if !ok {
		return "An internal error has occurred."
	}

	if e == nil {
		return ""
	}

	if e.Msg != "" {
		return e.Msg
	}

	if e.Err != nil {
		return ErrorMessage(e.Err)
	}

	return "An internal error has occurred."
}

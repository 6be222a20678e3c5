package graphstore

import (
	"errors"
	"fmt"
)

// Code classifies a failure so callers can branch without parsing messages.
type Code string

const (
	CodeValidation  Code = "VALIDATION_ERROR"
	CodeQueryBuild  Code = "QUERY_BUILD_ERROR"
	CodeExecution   Code = "EXECUTION_ERROR"
	CodeWriteFailed Code = "WRITE_FAILED"
	CodeDelete      Code = "DELETE_FAILED"
	CodeIO          Code = "IO_ERROR"
)

// Sentinels for errors.Is. Any error carrying the same code matches.
var (
	ErrValidation  = &Error{Code: CodeValidation}
	ErrQueryBuild  = &Error{Code: CodeQueryBuild}
	ErrExecution   = &Error{Code: CodeExecution}
	ErrWriteFailed = &Error{Code: CodeWriteFailed}
	ErrDelete      = &Error{Code: CodeDelete}
	ErrIO          = &Error{Code: CodeIO}
)

// Coded is implemented by errors that carry a Code.
type Coded interface {
	ErrorCode() Code
}

// Error is the error type returned by every store operation.
type Error struct {
	Code    Code
	Op      string
	Key     string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := string(e.Code)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Key != "" {
		msg += fmt.Sprintf(" (key %q)", e.Key)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// ErrorCode implements Coded.
func (e *Error) ErrorCode() Code { return e.Code }

// Is matches any coded error with the same code, so wrapped execution
// failures satisfy errors.Is(err, ErrExecution).
func (e *Error) Is(target error) bool {
	var c Coded
	if !errors.As(target, &c) {
		return false
	}
	return c.ErrorCode() == e.Code
}

// CodeOf returns the outermost code in err's chain, or "" if there is none.
func CodeOf(err error) Code {
	var c Coded
	if errors.As(err, &c) {
		return c.ErrorCode()
	}
	return ""
}

// HasCode reports whether any error in err's chain carries code.
func HasCode(err error, code Code) bool {
	for err != nil {
		if c, ok := err.(Coded); ok && c.ErrorCode() == code {
			return true
		}
		err = errors.Unwrap(err)
	}
	return false
}

func newError(code Code, op, key, format string, args ...any) *Error {
	return &Error{Code: code, Op: op, Key: key, Message: fmt.Sprintf(format, args...)}
}

// ValidationError reports malformed caller input.
func ValidationError(op, key, format string, args ...any) *Error {
	return newError(CodeValidation, op, key, format, args...)
}

// QueryBuildError reports a structural argument that cannot become a query.
func QueryBuildError(op, format string, args ...any) *Error {
	return newError(CodeQueryBuild, op, "", format, args...)
}

// WriteFailed wraps the cause of a failed write.
func WriteFailed(op, key string, err error) *Error {
	return &Error{Code: CodeWriteFailed, Op: op, Key: key, Err: err}
}

// DeleteFailed wraps the cause of a failed delete.
func DeleteFailed(op, key string, err error) *Error {
	return &Error{Code: CodeDelete, Op: op, Key: key, Err: err}
}

// IOError wraps storage-level failures that are not a single write or delete.
func IOError(op, key string, err error) *Error {
	return &Error{Code: CodeIO, Op: op, Key: key, Err: err}
}

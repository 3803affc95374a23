package asyncstore

import (
	"errors"

	"github.com/matteso1/asyncstore/internal/codec"
	"github.com/matteso1/asyncstore/internal/queue"
	"github.com/matteso1/asyncstore/internal/structured"
)

// Code classifies a failed call for the binding layer.
type Code string

const (
	// CodeTypeMismatch: an argument was not an acceptable string, or values
	// could not be merged. Nothing was written.
	CodeTypeMismatch Code = "TypeMismatch"
	// CodeStorageFault: the engine failed.
	CodeStorageFault Code = "StorageFault"
	// CodeDoubleInvocation: a call result was settled twice.
	CodeDoubleInvocation Code = "DoubleInvocation"
)

// Sentinels for errors.Is.
var (
	ErrTypeMismatch     = &Error{Code: CodeTypeMismatch}
	ErrStorageFault     = &Error{Code: CodeStorageFault}
	ErrDoubleInvocation = &Error{Code: CodeDoubleInvocation}
)

// Error is the error type returned by every Store call.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return string(e.Code) + ": " + e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same code, so errors.Is(err,
// ErrStorageFault) works on wrapped causes.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// CodeOf returns the code carried by err, or "" for nil and foreign errors.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// classify converts internal errors to *Error.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	code := CodeStorageFault
	switch {
	case errors.Is(err, codec.ErrTypeMismatch),
		errors.Is(err, structured.ErrMalformed),
		errors.Is(err, structured.ErrNotMergeable):
		code = CodeTypeMismatch
	case errors.Is(err, queue.ErrDoubleInvocation):
		code = CodeDoubleInvocation
	}
	return &Error{Code: code, Message: err.Error(), Err: err}
}

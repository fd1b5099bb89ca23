// Package api
// Author: momentics <momentics@gmail.com>
//
// Common error types and error handling utilities for vox.

package api

import (
	"errors"
	"fmt"
)

// Common errors used across the library.
var (
	ErrClosed            = errors.New("handle is closed")
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrResourceExhausted = errors.New("resource exhausted")
	ErrNotSupported      = errors.New("operation not supported")
	ErrAlreadyExists     = errors.New("resource already exists")
	ErrNotFound          = errors.New("resource not found")
	ErrNoSocket          = errors.New("socket not created")
	ErrAlreadyBound      = errors.New("socket already bound")
	ErrCanceled          = errors.New("operation canceled")
	ErrWouldBlock        = errors.New("operation would block")
)

// ErrorCode represents specific error conditions in the library.
type ErrorCode int

const (
	ErrCodeOK ErrorCode = iota
	ErrCodeInvalidArgument
	ErrCodeResourceExhausted
	ErrCodeNotSupported
	ErrCodeAlreadyExists
	ErrCodeNotFound
	ErrCodeClosed
	ErrCodeInternal
)

var codeSentinels = map[ErrorCode]error{
	ErrCodeInvalidArgument:   ErrInvalidArgument,
	ErrCodeResourceExhausted: ErrResourceExhausted,
	ErrCodeNotSupported:      ErrNotSupported,
	ErrCodeAlreadyExists:     ErrAlreadyExists,
	ErrCodeNotFound:          ErrNotFound,
	ErrCodeClosed:            ErrClosed,
}

// Error represents a structured error with code and context.
type Error struct {
	Code    ErrorCode
	Message string
	Context map[string]any
}

// Error implements the error interface.
func (e *Error) Error() string {
	if len(e.Context) == 0 {
		return e.Message
	}
	return fmt.Sprintf("%s (context: %+v)", e.Message, e.Context)
}

// Unwrap maps the code to its sentinel so errors.Is works on structured errors.
func (e *Error) Unwrap() error {
	return codeSentinels[e.Code]
}

// NewError creates a new structured error.
func NewError(code ErrorCode, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Context: make(map[string]any),
	}
}

// WithContext adds context information to the error.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

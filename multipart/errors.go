// File: multipart/errors.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package multipart

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidBoundary = errors.New("invalid boundary")
	ErrHeaderTooLarge  = errors.New("header too large")
	ErrTooManyHeaders  = errors.New("too many headers")
	ErrMalformedHeader = errors.New("malformed header")
	ErrCallback        = errors.New("callback failed")
	ErrBufferLimit     = errors.New("buffer limit exceeded")
)

// ParseError describes why a parser entered the error state.
type ParseError struct {
	// Offset is the stream offset of the byte that could not be parsed.
	Offset int64
	Err    error // one of the sentinels above
	Cause  error // error returned by a callback, if any
	Msg    string
}

func (e *ParseError) Error() string {
	s := fmt.Sprintf("multipart: %v at offset %d", e.Err, e.Offset)
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Cause != nil {
		s += ": " + e.Cause.Error()
	}
	return s
}

// Unwrap exposes both the sentinel and the callback cause to errors.Is.
func (e *ParseError) Unwrap() []error {
	if e.Cause != nil {
		return []error{e.Err, e.Cause}
	}
	return []error{e.Err}
}

// reason is the short label used for metrics.
func reason(err error) string {
	switch {
	case errors.Is(err, ErrInvalidBoundary):
		return "boundary"
	case errors.Is(err, ErrHeaderTooLarge):
		return "header_too_large"
	case errors.Is(err, ErrTooManyHeaders):
		return "too_many_headers"
	case errors.Is(err, ErrMalformedHeader):
		return "malformed_header"
	case errors.Is(err, ErrCallback):
		return "callback"
	case errors.Is(err, ErrBufferLimit):
		return "buffer_limit"
	}
	return "other"
}

// File: multipart/boundary.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package multipart

import (
	"fmt"
	"mime"
	"strings"
)

// maxBoundaryLen is the RFC 2046 limit.
const maxBoundaryLen = 70

// delimiters holds the precomputed byte strings matched against the input.
type delimiters struct {
	first  []byte // --B
	next   []byte // \r\n--B
	end    []byte // \r\n--B--
	nextLF []byte // \n--B
	endLF  []byte // \n--B--
	// maxLen is the longest delimiter line including its trailing CRLF.
	maxLen int
}

func newDelimiters(boundary string) delimiters {
	first := "--" + boundary
	return delimiters{
		first:  []byte(first),
		next:   []byte("\r\n" + first),
		end:    []byte("\r\n" + first + "--"),
		nextLF: []byte("\n" + first),
		endLF:  []byte("\n" + first + "--"),
		maxLen: len(boundary) + 8,
	}
}

func validBoundary(b string) error {
	if len(b) == 0 || len(b) > maxBoundaryLen {
		return &ParseError{Err: ErrInvalidBoundary, Msg: fmt.Sprintf("length %d not in 1..%d", len(b), maxBoundaryLen)}
	}
	for i := 0; i < len(b); i++ {
		if c := b[i]; c < 0x20 || c > 0x7e {
			return &ParseError{Err: ErrInvalidBoundary, Msg: fmt.Sprintf("byte 0x%02x", c)}
		}
	}
	if b[len(b)-1] == ' ' {
		return &ParseError{Err: ErrInvalidBoundary, Msg: "trailing space"}
	}
	return nil
}

// ParseBoundary extracts the boundary parameter from a Content-Type value
// such as `multipart/form-data; boundary=xyz`.
func ParseBoundary(contentType string) (string, error) {
	mt, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return "", &ParseError{Err: ErrInvalidBoundary, Msg: "content type", Cause: err}
	}
	if !strings.HasPrefix(mt, "multipart/") {
		return "", &ParseError{Err: ErrInvalidBoundary, Msg: "not a multipart type: " + mt}
	}
	b, ok := params["boundary"]
	if !ok {
		return "", &ParseError{Err: ErrInvalidBoundary, Msg: "missing boundary parameter"}
	}
	if err := validBoundary(b); err != nil {
		return "", err
	}
	return b, nil
}

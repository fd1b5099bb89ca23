// File: multipart/header.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package multipart

import (
	"bytes"
	"mime"

	"github.com/momentics/vox/scanner"
)

var contentDisposition = []byte("Content-Disposition")

// splitHeader splits a `name: value` line. The value is trimmed of
// surrounding spaces and tabs.
func splitHeader(line []byte) (name, value []byte, ok bool) {
	s := scanner.New(line, 0)
	name = s.GetUntilChar(':', false)
	if s.EOF() || len(name) == 0 {
		return nil, nil, false
	}
	if bytes.IndexAny(name, " \t") >= 0 {
		return nil, nil, false
	}
	s.Skip(1)
	s.SkipWhitespace()
	value = bytes.TrimRight(s.Rest(), " \t")
	return name, value, true
}

type disposition struct {
	name        string
	filename    string
	hasName     bool
	hasFilename bool
}

// parseDisposition extracts the name and filename parameters of a
// Content-Disposition value.
func parseDisposition(value []byte) (disposition, bool) {
	var d disposition
	_, params, err := mime.ParseMediaType(string(value))
	if err != nil {
		return d, false
	}
	d.name, d.hasName = params["name"]
	d.filename, d.hasFilename = params["filename"]
	return d, true
}

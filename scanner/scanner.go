// File: scanner/scanner.go
// Package scanner provides zero-copy cursors over byte buffers.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Every Get* operation returns a view into the scanned buffer and advances
// the cursor past it; the Peek* twin returns the same view without moving.
// Views alias the buffer and are valid only while the buffer is.

package scanner

import "bytes"

// Options adjust scanning.
type Options uint8

const (
	// SkipWS skips spaces and tabs before each operation.
	SkipWS Options = 1 << iota
	// SkipNL skips CR and LF before each operation.
	SkipNL
	// CaseInsensitive makes StartsWith, Find and GetUntilStr fold case.
	CaseInsensitive
)

// Charset is a byte membership table.
type Charset [256]bool

// NewCharset returns the set of bytes in chars.
func NewCharset(chars string) *Charset {
	var cs Charset
	cs.Add(chars)
	return &cs
}

// Add inserts every byte of chars.
func (cs *Charset) Add(chars string) {
	for i := 0; i < len(chars); i++ {
		cs[chars[i]] = true
	}
}

// Contains reports whether b is in the set.
func (cs *Charset) Contains(b byte) bool { return cs[b] }

var (
	whitespace = NewCharset(" \t")
	newline    = NewCharset("\r\n")
)

// State is a saved cursor position.
type State struct{ pos int }

// Scanner is a cursor over buf. The zero value scans an empty buffer.
type Scanner struct {
	buf  []byte
	pos  int
	opts Options
}

// New creates a scanner over buf.
func New(buf []byte, opts Options) *Scanner {
	return &Scanner{buf: buf, opts: opts}
}

// Reset rebinds the scanner to buf with the cursor at the start.
func (s *Scanner) Reset(buf []byte) {
	s.buf = buf
	s.pos = 0
}

// Clear detaches the scanner from its buffer.
func (s *Scanner) Clear() {
	s.buf = nil
	s.pos = 0
}

func (s *Scanner) Options() Options { return s.opts }
func (s *Scanner) SetOptions(opts Options) { s.opts = opts }

// Pos returns the cursor offset from the start of the buffer.
func (s *Scanner) Pos() int { return s.pos }

// Remaining returns the bytes after the cursor.
func (s *Scanner) Remaining() int { return len(s.buf) - s.pos }

func (s *Scanner) EOF() bool { return s.pos >= len(s.buf) }

// Rest returns the unscanned tail without moving.
func (s *Scanner) Rest() []byte { return s.buf[s.pos:] }

// Bytes returns the whole buffer.
func (s *Scanner) Bytes() []byte { return s.buf }

func (s *Scanner) Save() State { return State{pos: s.pos} }

// Restore rewinds or advances to a saved state, clamped to the buffer.
func (s *Scanner) Restore(st State) {
	s.pos = min(max(st.pos, 0), len(s.buf))
}

func (s *Scanner) autoSkip() {
	if s.opts&(SkipWS|SkipNL) == 0 {
		return
	}
	for s.pos < len(s.buf) {
		c := s.buf[s.pos]
		if (s.opts&SkipWS != 0 && whitespace[c]) || (s.opts&SkipNL != 0 && newline[c]) {
			s.pos++
			continue
		}
		return
	}
}

// Get returns up to n bytes.
func (s *Scanner) Get(n int) []byte {
	v := s.Peek(n)
	s.pos += len(v)
	return v
}

func (s *Scanner) Peek(n int) []byte {
	s.autoSkip()
	if n < 0 {
		n = 0
	}
	end := min(s.pos+n, len(s.buf))
	return s.buf[s.pos:end]
}

// GetChar returns the next byte; ok is false at the end.
func (s *Scanner) GetChar() (c byte, ok bool) {
	c, ok = s.PeekChar()
	if ok {
		s.pos++
	}
	return c, ok
}

func (s *Scanner) PeekChar() (byte, bool) {
	s.autoSkip()
	if s.pos >= len(s.buf) {
		return 0, false
	}
	return s.buf[s.pos], true
}

// span computes the view for an "until" search given the match offset
// relative to the cursor (-1 = not found) and the match length.
func (s *Scanner) span(idx, mlen int, include bool) (view []byte, next int) {
	if idx < 0 {
		return s.buf[s.pos:], len(s.buf)
	}
	end := s.pos + idx
	if include {
		end += mlen
	}
	return s.buf[s.pos:end], end
}

// GetUntilChar returns the bytes before c, plus c when include is set. When
// c is absent the whole tail is returned.
func (s *Scanner) GetUntilChar(c byte, include bool) []byte {
	v, next := s.untilChar(c, include)
	s.pos = next
	return v
}

func (s *Scanner) PeekUntilChar(c byte, include bool) []byte {
	v, _ := s.untilChar(c, include)
	return v
}

func (s *Scanner) untilChar(c byte, include bool) ([]byte, int) {
	s.autoSkip()
	return s.span(bytes.IndexByte(s.buf[s.pos:], c), 1, include)
}

// GetUntilStr returns the bytes before str, plus str when include is set.
func (s *Scanner) GetUntilStr(str []byte, include bool) []byte {
	v, next := s.untilStr(str, include)
	s.pos = next
	return v
}

func (s *Scanner) PeekUntilStr(str []byte, include bool) []byte {
	v, _ := s.untilStr(str, include)
	return v
}

func (s *Scanner) untilStr(str []byte, include bool) ([]byte, int) {
	s.autoSkip()
	return s.span(s.index(s.buf[s.pos:], str), len(str), include)
}

// GetUntilCharset returns the bytes before the first byte in cs.
func (s *Scanner) GetUntilCharset(cs *Charset, include bool) []byte {
	v, next := s.untilCharset(cs, include)
	s.pos = next
	return v
}

func (s *Scanner) PeekUntilCharset(cs *Charset, include bool) []byte {
	v, _ := s.untilCharset(cs, include)
	return v
}

func (s *Scanner) untilCharset(cs *Charset, include bool) ([]byte, int) {
	s.autoSkip()
	idx := -1
	for i, c := range s.buf[s.pos:] {
		if cs[c] {
			idx = i
			break
		}
	}
	return s.span(idx, 1, include)
}

// GetCharset returns the longest run of bytes in cs.
func (s *Scanner) GetCharset(cs *Charset) []byte {
	v := s.PeekCharset(cs)
	s.pos += len(v)
	return v
}

func (s *Scanner) PeekCharset(cs *Charset) []byte {
	s.autoSkip()
	end := s.pos
	for end < len(s.buf) && cs[s.buf[end]] {
		end++
	}
	return s.buf[s.pos:end]
}

// Skip advances up to n bytes and returns how many were skipped.
func (s *Scanner) Skip(n int) int {
	n = min(max(n, 0), len(s.buf)-s.pos)
	s.pos += n
	return n
}

func (s *Scanner) SkipWhitespace() int { return s.skipSet(whitespace) }
func (s *Scanner) SkipNewline() int { return s.skipSet(newline) }

func (s *Scanner) SkipCharset(cs *Charset) int { return s.skipSet(cs) }

func (s *Scanner) skipSet(cs *Charset) int {
	start := s.pos
	for s.pos < len(s.buf) && cs[s.buf[s.pos]] {
		s.pos++
	}
	return s.pos - start
}

// StartsWith reports whether the unscanned tail begins with prefix.
func (s *Scanner) StartsWith(prefix []byte) bool {
	rest := s.buf[s.pos:]
	if len(rest) < len(prefix) {
		return false
	}
	if s.opts&CaseInsensitive != 0 {
		return bytes.EqualFold(rest[:len(prefix)], prefix)
	}
	return bytes.Equal(rest[:len(prefix)], prefix)
}

// Find returns the offset of needle from the cursor, or -1.
func (s *Scanner) Find(needle []byte) int {
	return s.index(s.buf[s.pos:], needle)
}

func (s *Scanner) index(hay, needle []byte) int {
	if s.opts&CaseInsensitive == 0 {
		return bytes.Index(hay, needle)
	}
	for i := 0; i+len(needle) <= len(hay); i++ {
		if bytes.EqualFold(hay[i:i+len(needle)], needle) {
			return i
		}
	}
	return -1
}

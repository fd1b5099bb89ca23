// File: scanner/stream.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package scanner

import (
	"math"

	"github.com/momentics/vox/api"
)

// StreamScanner scans input that arrives in chunks. Chunks are referenced,
// not copied: the caller keeps each fed slice unchanged until it has been
// consumed. While a single chunk is held the scanner views it directly;
// with several chunks they are concatenated into an arena-backed staging
// buffer.
type StreamScanner struct {
	arena  api.Arena
	chunks [][]byte
	head   int // first live chunk in chunks

	staging []byte // capacity is len(staging); holds staged bytes
	staged  int    // prefix of the concatenation already in staging
	pending int

	sc Scanner
}

// NewStream creates a stream scanner allocating its staging buffer from arena.
func NewStream(arena api.Arena, opts Options) *StreamScanner {
	return &StreamScanner{arena: arena, sc: Scanner{opts: opts}}
}

// Scanner returns the scanner over the current window.
func (s *StreamScanner) Scanner() *Scanner { return &s.sc }

// Pending returns the bytes held and not yet consumed.
func (s *StreamScanner) Pending() int { return s.pending }

// Scanned returns the bytes before the cursor, the most Consume accepts.
func (s *StreamScanner) Scanned() int { return s.sc.pos }

// Chunks returns the number of chunks held.
func (s *StreamScanner) Chunks() int { return len(s.chunks) - s.head }

// Feed appends data without copying it and refreshes the view.
func (s *StreamScanner) Feed(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	s.chunks = append(s.chunks, data)
	s.pending += len(data)
	return s.UpdateView()
}

// UpdateView repoints the scanner at the held bytes, keeping the cursor's
// logical offset.
func (s *StreamScanner) UpdateView() error {
	pos := s.sc.pos
	switch s.Chunks() {
	case 0:
		s.sc.buf = nil
		s.staged = 0
	case 1:
		s.sc.buf = s.chunks[s.head]
		s.staged = 0
	default:
		if err := s.ensureStaging(s.pending); err != nil {
			return err
		}
		// copy only the chunks that are not staged yet
		off := 0
		for _, c := range s.chunks[s.head:] {
			if off+len(c) > s.staged {
				skip := max(s.staged-off, 0)
				copy(s.staging[off+skip:], c[skip:])
			}
			off += len(c)
		}
		s.staged = s.pending
		s.sc.buf = s.staging[:s.pending]
	}
	s.sc.pos = min(pos, len(s.sc.buf))
	return nil
}

// ensureStaging grows the staging buffer by 1.5x until it holds need bytes.
func (s *StreamScanner) ensureStaging(need int) error {
	if need <= len(s.staging) {
		return nil
	}
	size := len(s.staging)
	if size == 0 {
		size = 64
	}
	for size < need {
		if size > math.MaxInt/3*2 {
			return api.ErrResourceExhausted
		}
		size += size / 2
	}
	var nb []byte
	if s.staging == nil {
		nb = s.arena.Alloc(size)
	} else {
		nb = s.arena.Realloc(s.staging, size)
	}
	if nb == nil {
		return api.ErrResourceExhausted
	}
	s.staging = nb
	return nil
}

// Consume releases the first n scanned bytes. n may not exceed Scanned.
func (s *StreamScanner) Consume(n int) error {
	if n < 0 || n > s.sc.pos {
		return api.ErrInvalidArgument
	}
	if n == 0 {
		return nil
	}
	rem := n
	for rem > 0 {
		c := s.chunks[s.head]
		if len(c) <= rem {
			rem -= len(c)
			s.chunks[s.head] = nil
			s.head++
			continue
		}
		s.chunks[s.head] = c[rem:]
		rem = 0
	}
	if s.head == len(s.chunks) {
		s.chunks = s.chunks[:0]
		s.head = 0
	} else if s.head > 32 && s.head*2 > len(s.chunks) {
		live := copy(s.chunks, s.chunks[s.head:])
		clear(s.chunks[live:])
		s.chunks = s.chunks[:live]
		s.head = 0
	}
	if s.staged > 0 {
		copy(s.staging, s.staging[n:s.staged])
		s.staged -= n
	}
	s.pending -= n
	s.sc.pos -= n
	return s.UpdateView()
}

// CheckPartialMatch reports whether the unscanned tail ends with a proper
// prefix of needle, i.e. more input could complete a match.
func (s *StreamScanner) CheckPartialMatch(needle []byte) bool {
	return PartialMatchLen(s.sc.Rest(), needle) > 0
}

// PartialMatchLen returns the length of the longest suffix of window that is
// a proper prefix of needle.
func PartialMatchLen(window, needle []byte) int {
	maxLen := min(len(needle)-1, len(window))
	for k := maxLen; k > 0; k-- {
		if string(window[len(window)-k:]) == string(needle[:k]) {
			return k
		}
	}
	return 0
}

// Reset drops every chunk and keeps the staging buffer for reuse.
func (s *StreamScanner) Reset() {
	clear(s.chunks)
	s.chunks = s.chunks[:0]
	s.head = 0
	s.staged = 0
	s.pending = 0
	s.sc.Clear()
}

// Destroy releases the staging buffer.
func (s *StreamScanner) Destroy() {
	s.Reset()
	if s.staging != nil {
		s.arena.Free(s.staging)
		s.staging = nil
	}
}

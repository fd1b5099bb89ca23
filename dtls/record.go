// File: dtls/record.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package dtls

import (
	"bytes"
	"encoding/binary"
)

// Record layout: type(1) | seq(8) | len(2) | body. The header is the
// associated data of protected records.
const (
	recordHeaderLen = 11

	recordAlert       byte = 21
	recordHandshake   byte = 22
	recordApplication byte = 23

	alertCloseNotify byte = 0

	// maxRecordPlaintext keeps every record well inside one datagram.
	maxRecordPlaintext = 16 * 1024
	// maxDatagram bounds what a single ReadBIO on the write side returns.
	maxDatagram = 65507
)

type recordHeader struct {
	typ    byte
	seq    uint64
	length int
}

func putHeader(dst []byte, h recordHeader) {
	dst[0] = h.typ
	binary.BigEndian.PutUint64(dst[1:9], h.seq)
	binary.BigEndian.PutUint16(dst[9:11], uint16(h.length))
}

func parseHeader(b []byte) (recordHeader, bool) {
	if len(b) < recordHeaderLen {
		return recordHeader{}, false
	}
	return recordHeader{
		typ:    b[0],
		seq:    binary.BigEndian.Uint64(b[1:9]),
		length: int(binary.BigEndian.Uint16(b[9:11])),
	}, true
}

// replayWindow rejects sequence numbers seen before or older than the
// last 64 accepted.
type replayWindow struct {
	top    uint64 // highest accepted + 1; 0 = nothing accepted
	bitmap uint64 // bit i set = top-1-i accepted
}

func (w *replayWindow) check(seq uint64) bool {
	if w.top == 0 || seq >= w.top {
		return true
	}
	diff := w.top - 1 - seq
	if diff >= 64 {
		return false
	}
	return w.bitmap&(1<<diff) == 0
}

func (w *replayWindow) accept(seq uint64) {
	if w.top == 0 || seq >= w.top {
		shift := seq + 1 - w.top
		if w.top == 0 || shift >= 64 {
			w.bitmap = 0
		} else {
			w.bitmap <<= shift
		}
		w.bitmap |= 1
		w.top = seq + 1
		return
	}
	w.bitmap |= 1 << (w.top - 1 - seq)
}

// inBIO buffers received bytes as a stream of records.
type inBIO struct {
	buf bytes.Buffer
}

// next returns the next complete record and its header, or false when the
// buffer holds only part of one.
func (b *inBIO) next() (recordHeader, []byte, bool) {
	h, ok := parseHeader(b.buf.Bytes())
	if !ok || b.buf.Len() < recordHeaderLen+h.length {
		return recordHeader{}, nil, false
	}
	rec := b.buf.Next(recordHeaderLen + h.length)
	return h, rec, true
}

// outBIO queues whole records so a datagram never splits one.
type outBIO struct {
	frames [][]byte
	size   int
}

func (b *outBIO) push(rec []byte) {
	b.frames = append(b.frames, rec)
	b.size += len(rec)
}

// pending returns the size of the next datagram: as many queued records as
// fit in maxDatagram, and always at least one.
func (b *outBIO) pending() int {
	n := 0
	for i, f := range b.frames {
		if i > 0 && n+len(f) > maxDatagram {
			break
		}
		n += len(f)
	}
	return n
}

func (b *outBIO) read(p []byte) int {
	n := 0
	for len(b.frames) > 0 {
		f := b.frames[0]
		if len(f) > len(p)-n {
			if n == 0 {
				// a short buffer still receives a truncated record
				n = copy(p, f)
				b.frames[0] = f[n:]
				b.size -= n
			}
			break
		}
		n += copy(p[n:], f)
		b.size -= len(f)
		b.frames[0] = nil
		b.frames = b.frames[1:]
	}
	return n
}

// File: multipart/parser.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package multipart

import (
	"bytes"
	"fmt"

	"github.com/google/uuid"
	"github.com/momentics/vox/api"
	"github.com/momentics/vox/control"
	"github.com/momentics/vox/pool"
	"github.com/momentics/vox/scanner"
	"github.com/sirupsen/logrus"
)

// Default limits.
const (
	DefaultMaxHeaders         = 32
	DefaultMaxHeaderSize      = 8 * 1024
	DefaultMaxTotalHeaderSize = 64 * 1024

	minBufferSize = 256
)

// Callbacks receive parse events. Any callback may be nil. A non-nil error
// returned from a callback stops the parser; the error is wrapped in a
// *ParseError with ErrCallback. Byte slices passed to callbacks are only
// valid during the call.
type Callbacks struct {
	OnPartBegin       func() error
	OnHeaderField     func(name []byte) error
	OnHeaderValue     func(value []byte) error
	OnName            func(name string) error
	OnFilename        func(filename string) error
	OnHeadersComplete func() error
	OnPartData        func(data []byte) error
	OnPartComplete    func() error
	OnComplete        func() error
	// OnError is called once when the parser enters the error state.
	OnError func(err error)
}

// Options bound the resources a parser may use.
type Options struct {
	MaxHeaders         int // per part
	MaxHeaderSize      int // per header line
	MaxTotalHeaderSize int // per part
	MaxBufferSize      int // buffered bytes; 0 = unlimited

	// Arena backs the parser's buffers. Nil gives the parser its own.
	Arena api.Arena
}

// DefaultOptions returns the default limits.
func DefaultOptions() Options {
	return Options{
		MaxHeaders:         DefaultMaxHeaders,
		MaxHeaderSize:      DefaultMaxHeaderSize,
		MaxTotalHeaderSize: DefaultMaxTotalHeaderSize,
	}
}

// OptionsFromConfig maps the multipart configuration section.
func OptionsFromConfig(c control.MultipartConfig) Options {
	o := Options{
		MaxHeaders:         c.MaxHeaders,
		MaxHeaderSize:      c.MaxHeaderSize,
		MaxTotalHeaderSize: c.MaxTotalHeaderSize,
		MaxBufferSize:      c.MaxBufferSize,
	}
	return o.withDefaults()
}

func (o Options) withDefaults() Options {
	if o.MaxHeaders <= 0 {
		o.MaxHeaders = DefaultMaxHeaders
	}
	if o.MaxHeaderSize <= 0 {
		o.MaxHeaderSize = DefaultMaxHeaderSize
	}
	if o.MaxTotalHeaderSize <= 0 {
		o.MaxTotalHeaderSize = DefaultMaxTotalHeaderSize
	}
	if o.MaxBufferSize < 0 {
		o.MaxBufferSize = 0
	}
	return o
}

type phase uint8

const (
	phaseFirstBoundary phase = iota
	phaseHeaders
	phaseBody
	phaseComplete
	phaseError
)

func (p phase) String() string {
	switch p {
	case phaseFirstBoundary:
		return "first_boundary"
	case phaseHeaders:
		return "headers"
	case phaseBody:
		return "body"
	case phaseComplete:
		return "complete"
	case phaseError:
		return "error"
	}
	return fmt.Sprintf("phase(%d)", uint8(p))
}

// Parser is a resumable multipart parser for one boundary. It is not safe
// for concurrent use.
type Parser struct {
	delim delimiters
	cb    Callbacks
	opts  Options
	arena api.Arena
	log   *logrus.Entry

	// buf[off:end] holds input not consumed yet; off advances lazily and the
	// live bytes are only moved when more room is needed.
	buf      []byte
	off, end int
	consumed int64

	stream *scanner.StreamScanner

	phase       phase
	bodyStart   bool
	headerCount int
	headerBytes int
	parts       int
	err         error
}

// New creates a parser for boundary.
func New(boundary string, cb Callbacks, opts Options) (*Parser, error) {
	if err := validBoundary(boundary); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()
	arena := opts.Arena
	if arena == nil {
		arena = pool.NewArena(0)
	}
	p := &Parser{
		delim: newDelimiters(boundary),
		cb:    cb,
		opts:  opts,
		arena: arena,
		log: logrus.WithFields(logrus.Fields{
			"component": "multipart",
			"id":        uuid.NewString(),
		}),
		stream: scanner.NewStream(arena, 0),
	}
	return p, nil
}

// Execute parses data. The parser keeps whatever it cannot decide yet, so
// data need not outlive the call. It returns len(data) on success and -1
// with the sticky error once the parser has failed. Input after the closing
// delimiter is ignored.
func (p *Parser) Execute(data []byte) (int, error) {
	switch p.phase {
	case phaseError:
		return -1, p.err
	case phaseComplete:
		return len(data), nil
	}
	if len(data) == 0 {
		return 0, nil
	}
	if err := p.appendData(data); err != nil {
		p.fail(err)
		return -1, p.err
	}

	p.stream.Reset()
	if err := p.stream.Feed(p.buf[p.off:p.end]); err != nil {
		p.fail(&ParseError{Offset: p.consumed, Err: ErrBufferLimit, Cause: err})
		return -1, p.err
	}
	err := p.run(p.stream.Scanner())
	n := p.stream.Scanned()
	if cerr := p.stream.Consume(n); cerr != nil && err == nil {
		err = cerr
	}
	p.stream.Reset()

	p.off += n
	p.consumed += int64(n)
	if p.off == p.end {
		p.off, p.end = 0, 0
	}
	if err != nil {
		p.fail(err)
		return -1, p.err
	}
	return len(data), nil
}

func (p *Parser) appendData(data []byte) error {
	live := p.end - p.off
	if p.opts.MaxBufferSize > 0 && live+len(data) > p.opts.MaxBufferSize {
		return &ParseError{
			Offset: p.consumed,
			Err:    ErrBufferLimit,
			Msg:    fmt.Sprintf("%d buffered bytes exceed %d", live+len(data), p.opts.MaxBufferSize),
		}
	}
	if p.end+len(data) > len(p.buf) {
		if p.off > 0 {
			copy(p.buf, p.buf[p.off:p.end])
			p.off, p.end = 0, live
		}
		if need := live + len(data); need > len(p.buf) {
			size := max(len(p.buf)+len(p.buf)/2, need, minBufferSize)
			nb := p.arena.Realloc(p.buf, size)
			if nb == nil {
				return &ParseError{Offset: p.consumed, Err: ErrBufferLimit, Msg: "arena exhausted"}
			}
			p.buf = nb
		}
	}
	p.end += copy(p.buf[p.end:], data)
	return nil
}

// run advances the state machine until it needs more input.
func (p *Parser) run(s *scanner.Scanner) error {
	for {
		var more bool
		var err error
		switch p.phase {
		case phaseFirstBoundary:
			more, err = p.firstBoundary(s)
		case phaseHeaders:
			more, err = p.header(s)
		case phaseBody:
			more, err = p.body(s)
		default:
			return nil
		}
		if err != nil || !more {
			return err
		}
	}
}

var (
	crlf = []byte("\r\n")
	lf   = []byte("\n")
)

func (p *Parser) firstBoundary(s *scanner.Scanner) (bool, error) {
	for {
		if s.StartsWith(crlf) {
			s.Skip(2)
		} else if s.StartsWith(lf) {
			s.Skip(1)
		} else {
			break
		}
	}
	rest := s.Rest()
	if len(rest) == 1 && rest[0] == '\r' {
		return false, nil
	}
	kind, n := match(rest, p.delim.first, p.delim.end[2:])
	switch kind {
	case matchPartial:
		return false, nil
	case matchNone:
		return false, p.errorf(s, ErrInvalidBoundary, "input does not start with the boundary")
	}
	s.Skip(n)
	if kind == matchEnd {
		return false, p.complete(s)
	}
	return true, p.beginPart(s)
}

func (p *Parser) beginPart(s *scanner.Scanner) error {
	p.phase = phaseHeaders
	p.headerCount = 0
	p.headerBytes = 0
	if p.cb.OnPartBegin != nil {
		return p.callback(s, "part begin", p.cb.OnPartBegin())
	}
	return nil
}

func (p *Parser) complete(s *scanner.Scanner) error {
	p.phase = phaseComplete
	if p.cb.OnComplete != nil {
		return p.callback(s, "complete", p.cb.OnComplete())
	}
	return nil
}

func (p *Parser) header(s *scanner.Scanner) (bool, error) {
	line := s.PeekUntilChar('\n', true)
	if len(line) == 0 || line[len(line)-1] != '\n' {
		// a trailing CR may be the first half of the line ending
		size := len(line)
		if size > 0 && line[size-1] == '\r' {
			size--
		}
		if size > p.opts.MaxHeaderSize {
			return false, p.errorf(s, ErrHeaderTooLarge, "unterminated header line")
		}
		return false, nil
	}
	text := line[:len(line)-1]
	if len(text) > 0 && text[len(text)-1] == '\r' {
		text = text[:len(text)-1]
	}
	if len(text) == 0 {
		s.Skip(len(line))
		p.phase = phaseBody
		p.bodyStart = true
		if p.cb.OnHeadersComplete != nil {
			return true, p.callback(s, "headers complete", p.cb.OnHeadersComplete())
		}
		return true, nil
	}

	switch {
	case len(text) > p.opts.MaxHeaderSize:
		return false, p.errorf(s, ErrHeaderTooLarge, fmt.Sprintf("%d bytes", len(text)))
	case p.headerCount+1 > p.opts.MaxHeaders:
		return false, p.errorf(s, ErrTooManyHeaders, fmt.Sprintf("limit %d", p.opts.MaxHeaders))
	case p.headerBytes+len(text) > p.opts.MaxTotalHeaderSize:
		return false, p.errorf(s, ErrHeaderTooLarge, fmt.Sprintf("headers exceed %d bytes", p.opts.MaxTotalHeaderSize))
	}
	name, value, ok := splitHeader(text)
	if !ok {
		return false, p.errorf(s, ErrMalformedHeader, fmt.Sprintf("%q", text))
	}
	p.headerCount++
	p.headerBytes += len(text)

	if p.cb.OnHeaderField != nil {
		if err := p.callback(s, "header field", p.cb.OnHeaderField(name)); err != nil {
			return false, err
		}
	}
	if p.cb.OnHeaderValue != nil {
		if err := p.callback(s, "header value", p.cb.OnHeaderValue(value)); err != nil {
			return false, err
		}
	}
	if bytes.EqualFold(name, contentDisposition) {
		if err := p.disposition(s, value); err != nil {
			return false, err
		}
	}
	s.Skip(len(line))
	return true, nil
}

func (p *Parser) disposition(s *scanner.Scanner, value []byte) error {
	d, ok := parseDisposition(value)
	if !ok {
		return p.errorf(s, ErrMalformedHeader, "content-disposition")
	}
	if d.hasName && p.cb.OnName != nil {
		if err := p.callback(s, "name", p.cb.OnName(d.name)); err != nil {
			return err
		}
	}
	if d.hasFilename && p.cb.OnFilename != nil {
		return p.callback(s, "filename", p.cb.OnFilename(d.filename))
	}
	return nil
}

// body delivers part data up to the next delimiter. Only positions after a
// '\n' are candidates, plus the very start of the body for senders that
// omit the CRLF before an empty part's delimiter.
func (p *Parser) body(s *scanner.Scanner) (bool, error) {
	rest := s.Rest()
	safe := max(len(rest)-(p.delim.maxLen-1), 0)

	if p.bodyStart {
		kind, n := match(rest, p.delim.first, p.delim.end[2:])
		switch kind {
		case matchNext, matchEnd:
			return p.endPart(s, rest, 0, n, kind)
		case matchPartial:
			return false, nil
		}
	}

	for i := bytes.IndexByte(rest, '\n'); i >= 0; {
		start := i
		next, end := p.delim.nextLF, p.delim.endLF
		if i > 0 && rest[i-1] == '\r' {
			start = i - 1
			next, end = p.delim.next, p.delim.end
		}
		kind, n := match(rest[start:], next, end)
		if kind == matchNext || kind == matchEnd {
			return p.endPart(s, rest, start, n, kind)
		}
		if kind == matchPartial {
			safe = min(safe, start)
			break
		}
		j := bytes.IndexByte(rest[i+1:], '\n')
		if j < 0 {
			break
		}
		i += j + 1
	}

	if safe == 0 {
		return false, nil
	}
	if err := p.partData(s, rest[:safe]); err != nil {
		return false, err
	}
	s.Skip(safe)
	p.bodyStart = false
	return false, nil
}

func (p *Parser) endPart(s *scanner.Scanner, rest []byte, start, n int, kind matchKind) (bool, error) {
	if start > 0 {
		if err := p.partData(s, rest[:start]); err != nil {
			return false, err
		}
	}
	s.Skip(start + n)
	p.bodyStart = false
	p.parts++
	control.IncMultipartPart()
	if p.cb.OnPartComplete != nil {
		if err := p.callback(s, "part complete", p.cb.OnPartComplete()); err != nil {
			return false, err
		}
	}
	if kind == matchEnd {
		return false, p.complete(s)
	}
	return true, p.beginPart(s)
}

func (p *Parser) partData(s *scanner.Scanner, data []byte) error {
	if p.cb.OnPartData == nil {
		return nil
	}
	return p.callback(s, "part data", p.cb.OnPartData(data))
}

type matchKind uint8

const (
	matchNone matchKind = iota
	matchPartial
	matchNext
	matchEnd
)

// match tests cand against a delimiter. n is the length of the delimiter
// including, for matchNext, the transport padding and line break after it.
func match(cand, next, end []byte) (kind matchKind, n int) {
	if bytes.HasPrefix(cand, end) {
		return matchEnd, len(end)
	}
	if len(cand) < len(end) && bytes.HasPrefix(end, cand) {
		return matchPartial, 0
	}
	if !bytes.HasPrefix(cand, next) {
		return matchNone, 0
	}
	kind, n = lineTail(cand[len(next):])
	return kind, len(next) + n
}

// lineTail matches optional spaces or tabs followed by CRLF or a bare LF.
func lineTail(b []byte) (matchKind, int) {
	i := 0
	for i < len(b) && (b[i] == ' ' || b[i] == '\t') {
		i++
	}
	if i == len(b) {
		return matchPartial, 0
	}
	switch b[i] {
	case '\n':
		return matchNext, i + 1
	case '\r':
		if i+1 == len(b) {
			return matchPartial, 0
		}
		if b[i+1] == '\n' {
			return matchNext, i + 2
		}
	}
	return matchNone, 0
}

func (p *Parser) callback(s *scanner.Scanner, what string, err error) error {
	if err == nil {
		return nil
	}
	return &ParseError{Offset: p.consumed + int64(s.Pos()), Err: ErrCallback, Cause: err, Msg: what}
}

func (p *Parser) errorf(s *scanner.Scanner, sentinel error, msg string) error {
	return &ParseError{Offset: p.consumed + int64(s.Pos()), Err: sentinel, Msg: msg}
}

func (p *Parser) fail(err error) {
	from := p.phase
	p.phase = phaseError
	p.err = err
	control.IncMultipartError(reason(err))
	p.log.WithFields(logrus.Fields{
		"function": "Execute",
		"phase":    from.String(),
		"parts":    p.parts,
	}).WithError(err).Debug("multipart parse failed")
	if p.cb.OnError != nil {
		p.cb.OnError(err)
	}
}

// Reset prepares the parser for a new message with the same boundary.
func (p *Parser) Reset() {
	p.stream.Reset()
	p.off, p.end = 0, 0
	p.consumed = 0
	p.phase = phaseFirstBoundary
	p.bodyStart = false
	p.headerCount = 0
	p.headerBytes = 0
	p.parts = 0
	p.err = nil
}

// IsComplete reports whether the closing delimiter has been parsed.
func (p *Parser) IsComplete() bool { return p.phase == phaseComplete }

// HasError reports whether the parser has failed.
func (p *Parser) HasError() bool { return p.phase == phaseError }

// Err returns the error that stopped the parser, or nil.
func (p *Parser) Err() error { return p.err }

// Parts returns the number of parts completed so far.
func (p *Parser) Parts() int { return p.parts }

// Buffered returns the bytes held for the next Execute.
func (p *Parser) Buffered() int { return p.end - p.off }

// Destroy releases the parser's buffers. The parser is unusable afterwards.
func (p *Parser) Destroy() {
	p.stream.Destroy()
	p.arena.Free(p.buf)
	p.buf = nil
	p.off, p.end = 0, 0
	p.phase = phaseError
	p.err = api.ErrClosed
}

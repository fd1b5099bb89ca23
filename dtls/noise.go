// File: dtls/noise.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package dtls

import (
	"crypto/rand"
	"fmt"
	"io"

	"github.com/flynn/noise"
	"golang.org/x/crypto/curve25519"
)

// NoiseConfig configures the default session.
type NoiseConfig struct {
	// StaticPrivate is the Curve25519 private key. A random key is
	// generated when it is empty.
	StaticPrivate []byte
	// VerifyPeer, if set, is called with the peer's static public key once
	// the handshake has revealed it. An error aborts the handshake.
	VerifyPeer func(peerStatic []byte) error
	// Random defaults to crypto/rand.
	Random io.Reader
}

// NoiseContext creates Noise XX sessions sharing one static key.
type NoiseContext struct {
	suite  noise.CipherSuite
	static noise.DHKey
	verify func([]byte) error
	rng    io.Reader
}

// NewNoiseContext builds a context from cfg.
func NewNoiseContext(cfg NoiseConfig) (*NoiseContext, error) {
	rng := cfg.Random
	if rng == nil {
		rng = rand.Reader
	}
	c := &NoiseContext{
		suite:  noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256),
		verify: cfg.VerifyPeer,
		rng:    rng,
	}
	if len(cfg.StaticPrivate) == 0 {
		kp, err := noise.DH25519.GenerateKeypair(rng)
		if err != nil {
			return nil, fmt.Errorf("dtls: generate static key: %w", err)
		}
		c.static = kp
		return c, nil
	}
	if len(cfg.StaticPrivate) != curve25519.ScalarSize {
		return nil, fmt.Errorf("dtls: static private key must be %d bytes, got %d", curve25519.ScalarSize, len(cfg.StaticPrivate))
	}
	pub, err := curve25519.X25519(cfg.StaticPrivate, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("dtls: derive public key: %w", err)
	}
	c.static = noise.DHKey{Private: append([]byte(nil), cfg.StaticPrivate...), Public: pub}
	return c, nil
}

// PublicKey returns the static public key peers will see.
func (c *NoiseContext) PublicKey() []byte {
	return append([]byte(nil), c.static.Public...)
}

// NewSession implements Context.
func (c *NoiseContext) NewSession(role Role) (Session, error) {
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   c.suite,
		Random:        c.rng,
		Pattern:       noise.HandshakeXX,
		Initiator:     role == Client,
		StaticKeypair: c.static,
	})
	if err != nil {
		return nil, fmt.Errorf("dtls: handshake state: %w", err)
	}
	return &noiseSession{ctx: c, role: role, hs: hs}, nil
}

// xxMessages is the number of handshake messages of the XX pattern.
const xxMessages = 3

type noiseSession struct {
	ctx  *NoiseContext
	role Role
	hs   *noise.HandshakeState
	step int // handshake messages exchanged

	send, recv *noise.CipherState
	sendSeq    uint64
	hsSeq      uint64
	peerHsSeq  uint64
	replay     replayWindow

	rbio inBIO
	wbio outBIO
	// plain holds decrypted bytes that did not fit the caller's buffer.
	plain []byte

	established bool
	peerClosed  bool
	sentClose   bool
	closed      bool
	err         error
}

func (s *noiseSession) ourTurn() bool {
	return (s.step%2 == 0) == (s.role == Client)
}

func (s *noiseSession) Handshake() error {
	switch {
	case s.err != nil:
		return s.err
	case s.closed:
		return ErrShutdown
	case s.established:
		return nil
	}
	for !s.established {
		if s.ourTurn() {
			msg, cs1, cs2, err := s.hs.WriteMessage(nil, nil)
			if err != nil {
				return s.fail(err)
			}
			s.step++
			s.pushHandshake(msg)
			if err := s.checkPeer(); err != nil {
				return err
			}
			s.finish(cs1, cs2)
			continue
		}
		h, rec, ok := s.rbio.next()
		if !ok {
			return ErrWantRead
		}
		// duplicates and records that overtook the handshake are dropped
		if h.typ != recordHandshake || h.seq != s.peerHsSeq {
			continue
		}
		_, cs1, cs2, err := s.hs.ReadMessage(nil, rec[recordHeaderLen:])
		if err != nil {
			return s.fail(err)
		}
		s.peerHsSeq++
		s.step++
		if err := s.checkPeer(); err != nil {
			return err
		}
		s.finish(cs1, cs2)
	}
	return nil
}

// checkPeer runs VerifyPeer as soon as the peer's static key is known.
func (s *noiseSession) checkPeer() error {
	if s.ctx.verify == nil {
		return nil
	}
	// the initiator learns it from message 2, the responder from message 3
	if (s.role == Client && s.step != 2) || (s.role == Server && s.step != 3) {
		return nil
	}
	if err := s.ctx.verify(s.hs.PeerStatic()); err != nil {
		return s.fail(fmt.Errorf("peer rejected: %w", err))
	}
	return nil
}

func (s *noiseSession) finish(cs1, cs2 *noise.CipherState) {
	if cs1 == nil || cs2 == nil || s.step < xxMessages {
		return
	}
	// cs1 protects initiator to responder traffic
	if s.role == Client {
		s.send, s.recv = cs1, cs2
	} else {
		s.send, s.recv = cs2, cs1
	}
	s.established = true
}

func (s *noiseSession) fail(err error) error {
	s.err = fmt.Errorf("%w: %w", ErrHandshake, err)
	return s.err
}

func (s *noiseSession) pushHandshake(msg []byte) {
	rec := make([]byte, recordHeaderLen+len(msg))
	putHeader(rec, recordHeader{typ: recordHandshake, seq: s.hsSeq, length: len(msg)})
	copy(rec[recordHeaderLen:], msg)
	s.hsSeq++
	s.wbio.push(rec)
}

// seal appends one protected record to the write BIO.
func (s *noiseSession) seal(typ byte, plaintext []byte) error {
	hdr := make([]byte, recordHeaderLen, recordHeaderLen+len(plaintext)+16)
	putHeader(hdr, recordHeader{typ: typ, seq: s.sendSeq, length: len(plaintext) + 16})
	s.send.SetNonce(s.sendSeq)
	rec, err := s.send.Encrypt(hdr, hdr, plaintext)
	if err != nil {
		return err
	}
	s.sendSeq++
	s.wbio.push(rec)
	return nil
}

// open authenticates a protected record; false means drop it.
func (s *noiseSession) open(h recordHeader, rec []byte) ([]byte, bool) {
	if !s.replay.check(h.seq) {
		return nil, false
	}
	s.recv.SetNonce(h.seq)
	plain, err := s.recv.Decrypt(nil, rec[:recordHeaderLen], rec[recordHeaderLen:])
	if err != nil {
		return nil, false
	}
	s.replay.accept(h.seq)
	return plain, true
}

func (s *noiseSession) Read(p []byte) (int, error) {
	if len(s.plain) > 0 {
		n := copy(p, s.plain)
		s.plain = s.plain[n:]
		return n, nil
	}
	switch {
	case s.peerClosed:
		return 0, io.EOF
	case s.err != nil:
		return 0, s.err
	case !s.established:
		return 0, ErrWantRead
	}
	for {
		h, rec, ok := s.rbio.next()
		if !ok {
			return 0, ErrWantRead
		}
		switch h.typ {
		case recordApplication:
			plain, ok := s.open(h, rec)
			if !ok || len(plain) == 0 {
				continue
			}
			n := copy(p, plain)
			s.plain = plain[n:]
			return n, nil
		case recordAlert:
			plain, ok := s.open(h, rec)
			if ok && len(plain) == 1 && plain[0] == alertCloseNotify {
				s.peerClosed = true
				return 0, io.EOF
			}
		}
		// handshake retransmits and unknown records are dropped
	}
}

func (s *noiseSession) Write(p []byte) (int, error) {
	switch {
	case s.err != nil:
		return 0, s.err
	case s.sentClose || s.closed:
		return 0, ErrShutdown
	case !s.established:
		return 0, ErrWantRead
	}
	n := min(len(p), maxRecordPlaintext)
	if err := s.seal(recordApplication, p[:n]); err != nil {
		return 0, err
	}
	return n, nil
}

// Shutdown queues a close_notify. It does not wait for the peer's.
func (s *noiseSession) Shutdown() error {
	switch {
	case s.sentClose:
		return nil
	case s.err != nil:
		return s.err
	case !s.established:
		s.sentClose = true
		return nil
	}
	if err := s.seal(recordAlert, []byte{alertCloseNotify}); err != nil {
		return err
	}
	s.sentClose = true
	return nil
}

func (s *noiseSession) Pending(b BIO) int {
	if b == ReadSide {
		return s.rbio.buf.Len() + len(s.plain)
	}
	return s.wbio.pending()
}

func (s *noiseSession) ReadBIO(b BIO, p []byte) (int, error) {
	if b == ReadSide {
		return s.rbio.buf.Read(p)
	}
	if s.wbio.size == 0 {
		return 0, io.EOF
	}
	return s.wbio.read(p), nil
}

// WriteBIO on the read side takes one datagram. Only its well-formed
// leading records are kept; a datagram never leaves a partial record
// behind.
func (s *noiseSession) WriteBIO(b BIO, p []byte) (int, error) {
	if s.closed {
		return 0, ErrShutdown
	}
	if b == WriteSide {
		s.wbio.push(append([]byte(nil), p...))
		return len(p), nil
	}
	valid := 0
	for valid < len(p) {
		h, ok := parseHeader(p[valid:])
		if !ok || len(p)-valid < recordHeaderLen+h.length {
			break
		}
		valid += recordHeaderLen + h.length
	}
	s.rbio.buf.Write(p[:valid])
	return len(p), nil
}

func (s *noiseSession) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.rbio.buf.Reset()
	s.wbio = outBIO{}
	s.plain = nil
	return nil
}

var _ Session = (*noiseSession)(nil)

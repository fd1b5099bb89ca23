package dtls

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/curve25519"
)

// pump moves every pending datagram from a's write BIO into b's read BIO.
func pump(t *testing.T, a, b Session) [][]byte {
	t.Helper()
	var grams [][]byte
	for a.Pending(WriteSide) > 0 {
		buf := make([]byte, a.Pending(WriteSide))
		n, err := a.ReadBIO(WriteSide, buf)
		require.NoError(t, err)
		grams = append(grams, buf[:n])
		_, err = b.WriteBIO(ReadSide, buf[:n])
		require.NoError(t, err)
	}
	return grams
}

func newPair(t *testing.T, ccfg, scfg NoiseConfig) (Session, Session) {
	t.Helper()
	cctx, err := NewNoiseContext(ccfg)
	require.NoError(t, err)
	sctx, err := NewNoiseContext(scfg)
	require.NoError(t, err)
	c, err := cctx.NewSession(Client)
	require.NoError(t, err)
	s, err := sctx.NewSession(Server)
	require.NoError(t, err)
	return c, s
}

func handshake(t *testing.T, c, s Session) {
	t.Helper()
	require.ErrorIs(t, s.Handshake(), ErrWantRead, "server waits for the first message")
	require.ErrorIs(t, c.Handshake(), ErrWantRead)
	pump(t, c, s)
	require.ErrorIs(t, s.Handshake(), ErrWantRead)
	pump(t, s, c)
	require.NoError(t, c.Handshake())
	pump(t, c, s)
	require.NoError(t, s.Handshake())
	require.NoError(t, c.Handshake(), "completed handshakes stay complete")
}

func TestNoiseHandshakeAndRecords(t *testing.T) {
	c, s := newPair(t, NoiseConfig{}, NoiseConfig{})
	_, err := c.Write([]byte("early"))
	require.ErrorIs(t, err, ErrWantRead)
	handshake(t, c, s)

	n, err := c.Write([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	_, err = c.Write([]byte("world"))
	require.NoError(t, err)
	grams := pump(t, c, s)
	require.Len(t, grams, 1, "queued records share one datagram")

	buf := make([]byte, 64)
	n, err = s.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))
	n, err = s.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "world", string(buf[:n]))
	_, err = s.Read(buf)
	assert.ErrorIs(t, err, ErrWantRead)

	_, err = s.Write([]byte("reply"))
	require.NoError(t, err)
	pump(t, s, c)
	n, err = c.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "reply", string(buf[:n]))
}

func TestNoiseReplayAndTamper(t *testing.T) {
	c, s := newPair(t, NoiseConfig{}, NoiseConfig{})
	handshake(t, c, s)

	_, err := c.Write([]byte("once"))
	require.NoError(t, err)
	grams := pump(t, c, s)
	require.Len(t, grams, 1)

	buf := make([]byte, 16)
	n, err := s.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "once", string(buf[:n]))

	_, err = s.WriteBIO(ReadSide, grams[0])
	require.NoError(t, err)
	_, err = s.Read(buf)
	assert.ErrorIs(t, err, ErrWantRead, "replayed record is dropped")

	_, err = c.Write([]byte("twice"))
	require.NoError(t, err)
	grams = pump(t, c, nopSession{})
	bad := bytes.Clone(grams[0])
	bad[len(bad)-1] ^= 0xff
	_, err = s.WriteBIO(ReadSide, bad)
	require.NoError(t, err)
	_, err = s.Read(buf)
	assert.ErrorIs(t, err, ErrWantRead, "forged record is dropped")

	// the genuine record is still accepted after the forgery
	_, err = s.WriteBIO(ReadSide, grams[0])
	require.NoError(t, err)
	n, err = s.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "twice", string(buf[:n]))
}

func TestNoiseShortReadKeepsRemainder(t *testing.T) {
	c, s := newPair(t, NoiseConfig{}, NoiseConfig{})
	handshake(t, c, s)
	_, err := c.Write([]byte("abcdef"))
	require.NoError(t, err)
	pump(t, c, s)

	buf := make([]byte, 4)
	n, err := s.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "abcd", string(buf[:n]))
	assert.Equal(t, 2, s.Pending(ReadSide))
	n, err = s.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "ef", string(buf[:n]))
}

func TestNoiseCloseNotify(t *testing.T) {
	c, s := newPair(t, NoiseConfig{}, NoiseConfig{})
	handshake(t, c, s)

	require.NoError(t, c.Shutdown())
	require.NoError(t, c.Shutdown())
	_, err := c.Write([]byte("late"))
	assert.ErrorIs(t, err, ErrShutdown)
	pump(t, c, s)

	buf := make([]byte, 8)
	_, err = s.Read(buf)
	assert.ErrorIs(t, err, io.EOF)
	_, err = s.Read(buf)
	assert.ErrorIs(t, err, io.EOF)
}

func TestNoiseVerifyPeer(t *testing.T) {
	priv := bytes.Repeat([]byte{7}, curve25519.ScalarSize)
	want, err := curve25519.X25519(priv, curve25519.Basepoint)
	require.NoError(t, err)

	var seen []byte
	rejected := errors.New("unknown key")
	c, s := newPair(t,
		NoiseConfig{VerifyPeer: func(pub []byte) error { seen = bytes.Clone(pub); return rejected }},
		NoiseConfig{StaticPrivate: priv},
	)
	require.ErrorIs(t, c.Handshake(), ErrWantRead)
	pump(t, c, s)
	require.ErrorIs(t, s.Handshake(), ErrWantRead)
	pump(t, s, c)

	err = c.Handshake()
	require.ErrorIs(t, err, ErrHandshake)
	assert.ErrorIs(t, err, rejected)
	assert.Equal(t, want, seen)
	assert.ErrorIs(t, c.Handshake(), ErrHandshake, "failure is sticky")
}

func TestNoiseContextKeys(t *testing.T) {
	_, err := NewNoiseContext(NoiseConfig{StaticPrivate: []byte{1, 2, 3}})
	assert.Error(t, err)

	priv := bytes.Repeat([]byte{3}, 32)
	ctx, err := NewNoiseContext(NoiseConfig{StaticPrivate: priv})
	require.NoError(t, err)
	want, err := curve25519.X25519(priv, curve25519.Basepoint)
	require.NoError(t, err)
	assert.Equal(t, want, ctx.PublicKey())
}

func TestNoiseDropsMalformedDatagram(t *testing.T) {
	c, s := newPair(t, NoiseConfig{}, NoiseConfig{})
	handshake(t, c, s)

	// header announcing more bytes than the datagram carries
	_, err := s.WriteBIO(ReadSide, []byte{recordApplication, 0, 0, 0, 0, 0, 0, 0, 9, 0xff, 0xff, 1})
	require.NoError(t, err)
	assert.Zero(t, s.Pending(ReadSide))

	_, err = c.Write([]byte("ok"))
	require.NoError(t, err)
	pump(t, c, s)
	buf := make([]byte, 4)
	n, err := s.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(buf[:n]))
}

func TestReplayWindow(t *testing.T) {
	var w replayWindow
	assert.True(t, w.check(5))
	w.accept(5)
	assert.False(t, w.check(5))
	assert.True(t, w.check(3))
	w.accept(3)
	assert.False(t, w.check(3))
	w.accept(100)
	assert.False(t, w.check(5), "older than the window")
	assert.True(t, w.check(99))
	assert.True(t, w.check(37))
	assert.False(t, w.check(36))
	assert.False(t, w.check(100))
}

// nopSession swallows whatever pump hands it.
type nopSession struct{ Session }

func (nopSession) WriteBIO(BIO, []byte) (int, error) { return 0, nil }

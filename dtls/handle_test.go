package dtls

import (
	"errors"
	"io"
	"net/netip"
	"testing"
	"time"

	"github.com/momentics/vox/api"
	"github.com/momentics/vox/control"
	"github.com/momentics/vox/fake"
	"github.com/momentics/vox/loop"
	"github.com/momentics/vox/pool"
	"github.com/momentics/vox/udp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var loopback = netip.MustParseAddrPort("127.0.0.1:0")

// stubSession scripts the session side so the engine can be driven
// without cryptography.
type stubSession struct {
	hsErrs     []error // consumed per Handshake call, then nil
	handshakes int

	reads  []stubRead
	writes []error // consumed per Write call, then success
	wrote  []string
	out    [][]byte

	shutdownErr error
	closed      bool
}

type stubRead struct {
	data string
	err  error
}

func (s *stubSession) Handshake() error {
	s.handshakes++
	if len(s.hsErrs) == 0 {
		return nil
	}
	err := s.hsErrs[0]
	s.hsErrs = s.hsErrs[1:]
	return err
}

func (s *stubSession) Read(p []byte) (int, error) {
	if len(s.reads) == 0 {
		return 0, ErrWantRead
	}
	r := s.reads[0]
	if !errors.Is(r.err, io.EOF) {
		s.reads = s.reads[1:]
	}
	if r.err != nil {
		return 0, r.err
	}
	return copy(p, r.data), nil
}

func (s *stubSession) Write(p []byte) (int, error) {
	if len(s.writes) > 0 {
		err := s.writes[0]
		s.writes = s.writes[1:]
		if err != nil {
			return 0, err
		}
	}
	s.wrote = append(s.wrote, string(p))
	s.out = append(s.out, append([]byte("enc:"), p...))
	return len(p), nil
}

func (s *stubSession) Shutdown() error { return s.shutdownErr }

func (s *stubSession) Pending(b BIO) int {
	if b == ReadSide {
		return len(s.reads)
	}
	if len(s.out) == 0 {
		return 0
	}
	return len(s.out[0])
}

func (s *stubSession) ReadBIO(b BIO, p []byte) (int, error) {
	if b == ReadSide || len(s.out) == 0 {
		return 0, io.EOF
	}
	n := copy(p, s.out[0])
	s.out = s.out[1:]
	return n, nil
}

func (s *stubSession) WriteBIO(_ BIO, p []byte) (int, error) { return len(p), nil }

func (s *stubSession) Close() error {
	s.closed = true
	return nil
}

type stubContext struct {
	sessions []*stubSession
	next     *stubSession
}

func (c *stubContext) NewSession(Role) (Session, error) {
	s := c.next
	if s == nil {
		s = &stubSession{}
	}
	c.next = nil
	c.sessions = append(c.sessions, s)
	return s, nil
}

type stubEnv struct {
	arena *pool.Arena
	loop  *loop.Loop
	sink  *udp.Handle
	addr  netip.AddrPort
	got   []string
}

// newStubEnv builds a loop over a fake backend and a real UDP sink that
// records what the engine sends.
func newStubEnv(t *testing.T) *stubEnv {
	t.Helper()
	env := &stubEnv{arena: pool.NewArena(0)}
	l, err := loop.New(loop.Config{Backend: fake.NewReadiness(), Arena: env.arena})
	require.NoError(t, err)
	env.loop = l
	env.sink = udp.New(l)
	require.NoError(t, env.sink.Bind(loopback, 0))
	env.addr, err = env.sink.GetSockName()
	require.NoError(t, err)
	t.Cleanup(func() {
		env.sink.Destroy()
		l.Close()
	})
	return env
}

func (env *stubEnv) connected(t *testing.T, s *stubSession) *Handle {
	t.Helper()
	h, err := New(env.loop, &stubContext{next: s})
	require.NoError(t, err)
	var hsErr error
	done := false
	require.NoError(t, h.Connect(env.addr, func(_ *Handle, err error) { hsErr, done = err, true }))
	require.True(t, done, "stub handshake completes synchronously")
	require.NoError(t, hsErr)
	require.Equal(t, StateConnected, h.State())
	return h
}

func TestHandshakeIdempotent(t *testing.T) {
	env := newStubEnv(t)
	s := &stubSession{hsErrs: []error{ErrWantRead}}
	h, err := New(env.loop, &stubContext{next: s})
	require.NoError(t, err)
	defer h.Destroy()

	require.NoError(t, h.Connect(env.addr, nil))
	assert.Equal(t, StateHandshaking, h.State())

	var fired []string
	require.NoError(t, h.Handshake(func(_ *Handle, err error) {
		assert.NoError(t, err)
		fired = append(fired, "second")
	}))
	require.NoError(t, h.Handshake(func(*Handle, error) { fired = append(fired, "third") }))
	assert.Equal(t, 1, s.handshakes, "no duplicate handshake started")

	h.feed([]byte("flight"))
	assert.Equal(t, 2, s.handshakes)
	assert.Equal(t, []string{"second"}, fired)
	assert.Equal(t, StateConnected, h.State())

	assert.ErrorIs(t, h.Handshake(nil), api.ErrAlreadyExists)
}

func TestHandshakeFailureKeepsHandle(t *testing.T) {
	env := newStubEnv(t)
	bad := errors.New("bad certificate")
	first := &stubSession{hsErrs: []error{bad}}
	ctx := &stubContext{next: first}
	h, err := New(env.loop, ctx)
	require.NoError(t, err)
	defer h.Destroy()

	var got error
	require.NoError(t, h.Connect(env.addr, func(_ *Handle, err error) { got = err }))
	assert.ErrorIs(t, got, bad)
	assert.Equal(t, StateFailed, h.State())
	assert.False(t, h.UDP().IsClosing(), "the handle is not destroyed on failure")
	assert.True(t, first.closed, "failed session discarded")
	_, err = h.GetPeerName()
	assert.ErrorIs(t, err, api.ErrNotFound)
	assert.ErrorIs(t, h.Write([]byte("x"), nil), ErrNotConnected)

	got = nil
	done := false
	require.NoError(t, h.Connect(env.addr, func(_ *Handle, err error) { got, done = err, true }))
	require.True(t, done)
	assert.NoError(t, got)
	assert.Equal(t, StateConnected, h.State())
	assert.Len(t, ctx.sessions, 2)
}

func TestEOFDeliveredOnce(t *testing.T) {
	env := newStubEnv(t)
	s := &stubSession{}
	h := env.connected(t, s)
	defer h.Destroy()

	var events []string
	require.NoError(t, h.ReadStart(nil, func(_ *Handle, n int, buf []byte, err error) {
		if err != nil {
			assert.Equal(t, -1, n)
			events = append(events, "err:"+err.Error())
			return
		}
		events = append(events, string(buf[:n]))
	}))

	s.reads = []stubRead{{data: "one"}, {data: "two"}, {err: io.EOF}}
	h.feed([]byte("datagram"))
	assert.Equal(t, []string{"one", "two", "err:EOF"}, events)
	assert.False(t, h.IsReading())
	assert.True(t, h.UDP().IsReceiving(), "the socket stays open after the peer closed")

	h.feed([]byte("more"))
	assert.Len(t, events, 3)
}

func TestReadIterationsBounded(t *testing.T) {
	env := newStubEnv(t)
	s := &stubSession{}
	h, err := NewWithOptions(env.loop, &stubContext{next: s}, Options{MaxReadIterations: 2})
	require.NoError(t, err)
	defer h.Destroy()
	require.NoError(t, h.Connect(env.addr, nil))

	n := 0
	require.NoError(t, h.ReadStart(nil, func(*Handle, int, []byte, error) { n++ }))
	s.reads = []stubRead{{data: "a"}, {data: "b"}, {data: "c"}}
	h.feed(nil)
	assert.Equal(t, 2, n)
	h.feed(nil)
	assert.Equal(t, 3, n)
}

func TestWriteQueueLeniency(t *testing.T) {
	env := newStubEnv(t)
	s := &stubSession{}
	h := env.connected(t, s)
	defer h.Destroy()

	var results []string
	record := func(name string) WriteFunc {
		return func(_ *Handle, err error) {
			if err != nil {
				results = append(results, name+":"+err.Error())
				return
			}
			results = append(results, name+":ok")
		}
	}

	s.writes = []error{errors.New("record overflow")}
	require.NoError(t, h.Write([]byte("first"), record("first")))
	assert.Equal(t, []string{"first:record overflow"}, results, "a failed request is completed and skipped")

	s.writes = []error{ErrWantRead, ErrWantRead}
	payload := []byte("second")
	require.NoError(t, h.Write(payload, record("second")))
	payload[0] = 'X'
	require.NoError(t, h.Write([]byte("third"), record("third")))
	assert.Len(t, results, 1, "want read keeps the request queued")
	assert.Equal(t, 2, h.WriteQueueLen())

	s.writes = []error{ErrWantWrite}
	h.feed(nil)
	assert.Len(t, results, 1, "want write keeps the request queued")

	h.feed(nil)
	assert.Equal(t, []string{"first:record overflow", "second:ok", "third:ok"}, results)
	assert.Equal(t, []string{"second", "third"}, s.wrote, "queued payloads are private copies")
	assert.Zero(t, h.WriteQueueLen())
	assert.Empty(t, s.out, "write BIO drained to the peer")
}

func TestWriteWithoutProgressWaits(t *testing.T) {
	env := newStubEnv(t)
	s := &zeroWriteSession{stubSession: &stubSession{}, stalled: true}
	h := env.connected(t, s.stubSession)
	h.sess = s
	defer h.Destroy()

	done := false
	require.NoError(t, h.Write([]byte("stuck"), func(*Handle, error) { done = true }))
	assert.False(t, done)
	assert.Equal(t, 1, h.WriteQueueLen())
	assert.Equal(t, 1, s.calls, "one attempt per trigger")

	s.stalled = false
	h.feed(nil)
	assert.True(t, done)
	assert.Equal(t, []string{"stuck"}, s.wrote)
}

// zeroWriteSession accepts no bytes while stalled without reporting an error.
type zeroWriteSession struct {
	*stubSession
	stalled bool
	calls   int
}

func (s *zeroWriteSession) Write(p []byte) (int, error) {
	s.calls++
	if s.stalled {
		return 0, nil
	}
	return s.stubSession.Write(p)
}

func TestWriteBeforeConnect(t *testing.T) {
	env := newStubEnv(t)
	h, err := New(env.loop, &stubContext{})
	require.NoError(t, err)
	defer h.Destroy()
	assert.ErrorIs(t, h.Write([]byte("x"), nil), ErrNotConnected)
	assert.ErrorIs(t, h.Shutdown(nil), ErrNotConnected)
	assert.ErrorIs(t, h.Handshake(nil), ErrNoSession)
	_, err = h.GetPeerName()
	assert.ErrorIs(t, err, api.ErrNotFound)
}

func TestWritesQueuedDuringHandshake(t *testing.T) {
	env := newStubEnv(t)
	s := &stubSession{hsErrs: []error{ErrWantRead}}
	h, err := New(env.loop, &stubContext{next: s})
	require.NoError(t, err)
	defer h.Destroy()
	require.NoError(t, h.Connect(env.addr, nil))

	done := false
	require.NoError(t, h.Write([]byte("early"), func(_ *Handle, err error) { done = err == nil }))
	assert.False(t, done)
	h.feed([]byte("server flight"))
	assert.True(t, done)
	assert.Equal(t, []string{"early"}, s.wrote)
}

func TestShutdown(t *testing.T) {
	env := newStubEnv(t)
	s := &stubSession{}
	h := env.connected(t, s)
	defer h.Destroy()

	var got []string
	require.NoError(t, h.Write([]byte("last"), func(*Handle, error) { got = append(got, "write") }))
	require.NoError(t, h.Shutdown(func(_ *Handle, err error) {
		assert.NoError(t, err)
		got = append(got, "shutdown")
	}))
	assert.Equal(t, []string{"write", "shutdown"}, got)
	assert.Equal(t, StateClosed, h.State())
}

func TestShutdownWaitsForSession(t *testing.T) {
	env := newStubEnv(t)
	s := &stubSession{shutdownErr: ErrWantRead}
	h := env.connected(t, s)
	defer h.Destroy()

	done := false
	require.NoError(t, h.Shutdown(func(*Handle, error) { done = true }))
	assert.Equal(t, StateShuttingDown, h.State())
	assert.False(t, done)

	s.shutdownErr = nil
	h.feed([]byte("peer close"))
	assert.True(t, done)
	assert.Equal(t, StateClosed, h.State())
}

func TestDestroyFreesQueueSilently(t *testing.T) {
	env := newStubEnv(t)
	s := &stubSession{}
	h := env.connected(t, s)

	base := env.arena.Stats().InUseBlocks
	calls := 0
	s.writes = []error{ErrWantRead, ErrWantRead, ErrWantRead}
	for range 3 {
		require.NoError(t, h.Write(make([]byte, 100), func(*Handle, error) { calls++ }))
	}
	require.NoError(t, h.ReadStart(nil, func(*Handle, int, []byte, error) { calls++ }))
	h.Destroy()
	h.Destroy()

	assert.Zero(t, calls)
	assert.True(t, s.closed)
	assert.ErrorIs(t, h.Write([]byte("x"), nil), api.ErrClosed)
	assert.LessOrEqual(t, env.arena.Stats().InUseBlocks, base, "queued payloads returned to the arena")
}

func TestListenerPeerChange(t *testing.T) {
	env := newStubEnv(t)
	ctx := &stubContext{}
	srv, err := New(env.loop, ctx)
	require.NoError(t, err)
	defer srv.Destroy()
	require.NoError(t, srv.Bind(loopback, 0))

	var conns int
	require.NoError(t, srv.Listen(func(_ *Handle, err error) {
		require.NoError(t, err)
		conns++
	}))
	require.NoError(t, srv.ReadStart(nil, func(*Handle, int, []byte, error) {}))

	a := netip.MustParseAddrPort("127.0.0.1:40001")
	b := netip.MustParseAddrPort("127.0.0.1:40002")
	srv.serverDatagram([]byte("hello"), a)
	require.Len(t, ctx.sessions, 1)
	assert.Equal(t, StateConnected, srv.State(), "the listener handshakes itself without Accept")
	peer, err := srv.GetPeerName()
	require.NoError(t, err)
	assert.Equal(t, a, peer)

	srv.serverDatagram([]byte("again"), a)
	assert.Len(t, ctx.sessions, 1, "same peer reuses the session")

	srv.serverDatagram([]byte("hello"), b)
	require.Len(t, ctx.sessions, 2)
	assert.True(t, ctx.sessions[0].closed, "stale session destroyed")
	assert.False(t, srv.IsReading(), "reading is reset with the session")
	assert.Equal(t, 2, conns)
	peer, err = srv.GetPeerName()
	require.NoError(t, err)
	assert.Equal(t, b, peer)
}

func TestAcceptMovesSession(t *testing.T) {
	env := newStubEnv(t)
	ctx := &stubContext{next: &stubSession{hsErrs: []error{ErrWantRead}}}
	srv, err := New(env.loop, ctx)
	require.NoError(t, err)
	defer srv.Destroy()
	conn, err := New(env.loop, ctx)
	require.NoError(t, err)
	defer conn.Destroy()
	require.NoError(t, srv.Bind(loopback, 0))

	assert.Error(t, srv.Accept(conn), "accept only inside the connection callback")
	require.NoError(t, srv.Listen(func(s *Handle, err error) {
		require.NoError(t, err)
		require.NoError(t, s.Accept(conn))
	}))

	from := netip.MustParseAddrPort("127.0.0.1:40003")
	srv.serverDatagram([]byte("client hello"), from)
	require.Len(t, ctx.sessions, 1)
	assert.Equal(t, StateBound, srv.State())
	_, err = srv.GetPeerName()
	assert.ErrorIs(t, err, api.ErrNotFound)
	assert.Zero(t, ctx.sessions[0].handshakes, "the caller starts the handshake")

	peer, err := conn.GetPeerName()
	require.NoError(t, err)
	assert.Equal(t, from, peer)
	assert.True(t, conn.UDP().IsBound())
	assert.True(t, conn.UDP().IsReceiving())

	done := false
	require.NoError(t, conn.Handshake(func(*Handle, error) { done = true }))
	assert.Equal(t, StateHandshaking, conn.State())
	conn.onDatagram(conn.UDP(), 3, []byte("fin"), from, nil)
	assert.True(t, done)
	assert.Equal(t, StateConnected, conn.State())

	other := netip.MustParseAddrPort("127.0.0.1:40004")
	conn.onDatagram(conn.UDP(), 1, []byte("x"), other, nil)
	assert.Equal(t, 2, ctx.sessions[0].handshakes, "foreign datagrams never reach the session")
}

func TestOptionsFromConfig(t *testing.T) {
	o := OptionsFromConfig(control.DTLSConfig{MaxReadIterations: 7}, control.UDPConfig{ReuseAddr: true})
	assert.Equal(t, 7, o.MaxReadIterations)
	assert.Equal(t, DefaultReadBufferSize, o.ReadBufferSize)
	assert.True(t, o.UDP.ReuseAddr)
	assert.Equal(t, udp.DefaultRecvBufferSize, o.UDP.RecvBufferSize)
}

// runUntil polls a real loop until cond holds.
func runUntil(t *testing.T, l *loop.Loop, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		require.True(t, time.Now().Before(deadline), "timed out")
		_, err := l.RunOnce(50)
		require.NoError(t, err)
	}
}

func TestNoiseOverLoopback(t *testing.T) {
	l, err := loop.New(loop.Config{})
	require.NoError(t, err)
	defer l.Close()

	srv, err := New(l, nil)
	require.NoError(t, err)
	defer srv.Destroy()
	require.NoError(t, srv.Bind(loopback, 0))
	srvAddr, err := srv.GetSockName()
	require.NoError(t, err)

	require.NoError(t, srv.Listen(func(s *Handle, err error) { require.NoError(t, err) }))
	require.NoError(t, srv.ReadStart(nil, func(s *Handle, n int, buf []byte, err error) {
		require.NoError(t, err)
		require.NoError(t, s.Write(buf[:n], nil))
	}))

	cli, err := New(l, nil)
	require.NoError(t, err)
	defer cli.Destroy()

	var echoed string
	connected := false
	require.NoError(t, cli.Connect(srvAddr, func(h *Handle, err error) {
		require.NoError(t, err)
		connected = true
		require.NoError(t, h.ReadStart(nil, func(_ *Handle, n int, buf []byte, err error) {
			require.NoError(t, err)
			echoed = string(buf[:n])
		}))
		require.NoError(t, h.Write([]byte("ping"), nil))
	}))

	runUntil(t, l, func() bool { return echoed != "" })
	assert.True(t, connected)
	assert.Equal(t, "ping", echoed)
	assert.Equal(t, StateConnected, srv.State())

	closed := false
	require.NoError(t, srv.ReadStop())
	require.NoError(t, srv.ReadStart(nil, func(_ *Handle, n int, _ []byte, err error) {
		if errors.Is(err, io.EOF) {
			closed = true
		}
	}))
	require.NoError(t, cli.Shutdown(nil))
	runUntil(t, l, func() bool { return closed })
	assert.False(t, srv.IsReading())
}

func TestNoiseAcceptOverLoopback(t *testing.T) {
	l, err := loop.New(loop.Config{})
	require.NoError(t, err)
	defer l.Close()

	srvCtx, err := NewNoiseContext(NoiseConfig{})
	require.NoError(t, err)
	listener, err := New(l, srvCtx)
	require.NoError(t, err)
	defer listener.Destroy()
	conn, err := New(l, srvCtx)
	require.NoError(t, err)
	defer conn.Destroy()

	require.NoError(t, listener.Bind(loopback, 0))
	listenAddr, err := listener.GetSockName()
	require.NoError(t, err)

	require.NoError(t, listener.Listen(func(s *Handle, err error) {
		require.NoError(t, err)
		require.NoError(t, s.Accept(conn))
		require.NoError(t, conn.ReadStart(nil, func(h *Handle, n int, buf []byte, err error) {
			require.NoError(t, err)
			require.NoError(t, h.Write(buf[:n], nil))
		}))
		require.NoError(t, conn.Handshake(nil))
	}))

	cli, err := New(l, nil)
	require.NoError(t, err)
	defer cli.Destroy()
	var echoed string
	require.NoError(t, cli.Connect(listenAddr, func(h *Handle, err error) {
		require.NoError(t, err)
		require.NoError(t, h.ReadStart(nil, func(_ *Handle, n int, buf []byte, _ error) {
			echoed = string(buf[:n])
		}))
		require.NoError(t, h.Write([]byte("via accept"), nil))
	}))

	runUntil(t, l, func() bool { return echoed != "" })
	assert.Equal(t, "via accept", echoed)

	connAddr, err := conn.GetSockName()
	require.NoError(t, err)
	peer, err := cli.GetPeerName()
	require.NoError(t, err)
	assert.Equal(t, connAddr.Port(), peer.Port(), "client follows the accepted handle's port")
	assert.NotEqual(t, listenAddr.Port(), peer.Port())
}

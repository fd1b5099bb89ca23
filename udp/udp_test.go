package udp

import (
	"errors"
	"net/netip"
	"testing"

	"github.com/momentics/vox/api"
	"github.com/momentics/vox/control"
	"github.com/momentics/vox/fake"
	"github.com/momentics/vox/loop"
	"github.com/momentics/vox/pool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	loopback = netip.MustParseAddrPort("127.0.0.1:0")
	peer     = netip.MustParseAddrPort("127.0.0.1:9")
)

type datagram struct {
	data []byte
	from netip.AddrPort
	err  error
}

// stubOps replaces the socket I/O of a bound handle.
type stubOps struct {
	block   bool
	sendErr error
	sent    []string
	inbox   []datagram
}

func (s *stubOps) SendTo(p []byte, addr netip.AddrPort) (int, error) {
	if s.block {
		return 0, api.ErrWouldBlock
	}
	if s.sendErr != nil {
		return 0, s.sendErr
	}
	s.sent = append(s.sent, string(p))
	return len(p), nil
}

func (s *stubOps) RecvFrom(p []byte) (int, netip.AddrPort, error) {
	if len(s.inbox) == 0 {
		return 0, netip.AddrPort{}, api.ErrWouldBlock
	}
	d := s.inbox[0]
	s.inbox = s.inbox[1:]
	if d.err != nil {
		return 0, netip.AddrPort{}, d.err
	}
	return copy(p, d.data), d.from, nil
}

type readinessEnv struct {
	backend *fake.Readiness
	arena   *pool.Arena
	loop    *loop.Loop
}

func newReadinessEnv(t *testing.T) *readinessEnv {
	t.Helper()
	env := &readinessEnv{backend: fake.NewReadiness(), arena: pool.NewArena(0)}
	l, err := loop.New(loop.Config{Backend: env.backend, Arena: env.arena})
	require.NoError(t, err)
	env.loop = l
	t.Cleanup(func() { l.Close() })
	return env
}

func boundStub(t *testing.T, l Loop) (*Handle, *stubOps) {
	t.Helper()
	h := New(l)
	require.NoError(t, h.Bind(loopback, 0))
	ops := &stubOps{}
	h.io = ops
	t.Cleanup(h.Destroy)
	return h, ops
}

func TestSendCompletesSynchronously(t *testing.T) {
	env := newReadinessEnv(t)
	h, ops := boundStub(t, env.loop)

	called := 0
	payload := []byte("hello")
	require.NoError(t, h.Send(payload, peer, func(_ *Handle, err error) {
		assert.NoError(t, err)
		called++
	}))
	assert.Equal(t, 1, called)
	assert.Equal(t, []string{"hello"}, ops.sent)
	assert.Equal(t, 0, h.QueueLen())
	assert.Equal(t, 0, env.backend.AddCalls)
}

func TestSendHardErrorIsSynchronous(t *testing.T) {
	env := newReadinessEnv(t)
	h, ops := boundStub(t, env.loop)
	ops.sendErr = errors.New("network unreachable")

	called := false
	err := h.Send([]byte("x"), peer, func(*Handle, error) { called = true })
	require.Error(t, err)
	assert.False(t, called)
	assert.Equal(t, 0, h.QueueLen())
}

func TestSendRequiresAddress(t *testing.T) {
	env := newReadinessEnv(t)
	h, _ := boundStub(t, env.loop)
	assert.ErrorIs(t, h.Send([]byte("x"), netip.AddrPort{}, nil), api.ErrInvalidArgument)
}

func TestSendOrderPreservedAcrossWouldBlock(t *testing.T) {
	env := newReadinessEnv(t)
	h, ops := boundStub(t, env.loop)
	ops.block = true

	var order []int
	buf := make([]byte, 1)
	for i := 0; i < 5; i++ {
		i := i
		buf[0] = byte('a' + i)
		require.NoError(t, h.Send(buf, peer, func(_ *Handle, err error) {
			assert.NoError(t, err)
			order = append(order, i)
		}))
	}
	// the caller buffer was reused on every call; queued copies are intact
	assert.Equal(t, 5, h.QueueLen())
	assert.Empty(t, order)
	reg, ok := env.backend.Registered(h.Fd())
	require.True(t, ok)
	assert.Equal(t, api.EventWrite, reg.Mask)
	assert.Equal(t, 1, env.backend.AddCalls)
	assert.Equal(t, 0, env.backend.ModifyCalls)
	assert.Equal(t, 1, env.loop.ActiveHandles())

	// still blocked: nothing leaves, interest unchanged
	env.backend.Fire(h.Fd(), api.EventWrite)
	_, err := env.loop.RunOnce(0)
	require.NoError(t, err)
	assert.Empty(t, order)

	ops.block = false
	env.backend.Fire(h.Fd(), api.EventWrite)
	_, err = env.loop.RunOnce(0)
	require.NoError(t, err)

	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, ops.sent)
	_, ok = env.backend.Registered(h.Fd())
	assert.False(t, ok, "write interest must be dropped with an empty queue")
	assert.Equal(t, 1, env.backend.RemoveCalls)
	assert.Equal(t, 0, env.loop.ActiveHandles())
}

func TestLaterSendQueuesBehindPending(t *testing.T) {
	env := newReadinessEnv(t)
	h, ops := boundStub(t, env.loop)
	ops.block = true
	require.NoError(t, h.Send([]byte("first"), peer, nil))
	ops.block = false

	// socket is writable again but the queue is not empty
	require.NoError(t, h.Send([]byte("second"), peer, nil))
	assert.Empty(t, ops.sent)
	assert.Equal(t, 2, h.QueueLen())

	env.backend.Fire(h.Fd(), api.EventWrite)
	_, err := env.loop.RunOnce(0)
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second"}, ops.sent)
}

func TestInterestModifiedOnlyOnMaskChange(t *testing.T) {
	env := newReadinessEnv(t)
	h, ops := boundStub(t, env.loop)
	require.NoError(t, h.RecvStart(nil, func(*Handle, int, []byte, netip.AddrPort, error) {}))
	assert.Equal(t, 1, env.backend.AddCalls)

	ops.block = true
	require.NoError(t, h.Send([]byte("1"), peer, nil))
	require.NoError(t, h.Send([]byte("2"), peer, nil))
	require.NoError(t, h.Send([]byte("3"), peer, nil))
	assert.Equal(t, 1, env.backend.ModifyCalls)
	reg, _ := env.backend.Registered(h.Fd())
	assert.Equal(t, api.EventRead|api.EventWrite, reg.Mask)

	ops.block = false
	env.backend.Fire(h.Fd(), api.EventWrite)
	_, err := env.loop.RunOnce(0)
	require.NoError(t, err)
	assert.Equal(t, 2, env.backend.ModifyCalls)
	reg, _ = env.backend.Registered(h.Fd())
	assert.Equal(t, api.EventRead, reg.Mask)
	assert.Equal(t, 0, env.backend.RemoveCalls)
}

func TestDestroyWithQueuedSends(t *testing.T) {
	env := newReadinessEnv(t)
	h := New(env.loop)
	require.NoError(t, h.Bind(loopback, 0))
	ops := &stubOps{block: true}
	h.io = ops

	callbacks := 0
	for i := 0; i < 4; i++ {
		require.NoError(t, h.Send([]byte("pending"), peer, func(*Handle, error) { callbacks++ }))
	}
	require.NoError(t, h.RecvStart(nil, func(*Handle, int, []byte, netip.AddrPort, error) {}))
	ops.inbox = []datagram{{data: []byte("x"), from: peer}}
	env.backend.Fire(h.Fd(), api.EventRead)
	_, err := env.loop.RunOnce(0)
	require.NoError(t, err)
	assert.NotZero(t, env.arena.Stats().InUseBlocks)

	h.Destroy()
	h.Destroy()
	assert.Equal(t, 0, callbacks)
	assert.True(t, h.IsClosing())
	assert.Equal(t, int64(0), env.arena.Stats().InUseBlocks)
	assert.Equal(t, 0, env.loop.ActiveHandles())
	_, ok := env.backend.Registered(h.Fd())
	assert.False(t, ok)
	assert.ErrorIs(t, h.Send([]byte("late"), peer, nil), api.ErrClosed)
}

func TestCancelSendsInvokesCallbacks(t *testing.T) {
	env := newReadinessEnv(t)
	h, ops := boundStub(t, env.loop)
	ops.block = true
	var errs []error
	for i := 0; i < 3; i++ {
		require.NoError(t, h.Send([]byte("q"), peer, func(_ *Handle, err error) { errs = append(errs, err) }))
	}
	h.CancelSends(nil)
	require.Len(t, errs, 3)
	for _, err := range errs {
		assert.ErrorIs(t, err, api.ErrCanceled)
	}
	assert.Equal(t, 0, h.QueueLen())
	_, ok := env.backend.Registered(h.Fd())
	assert.False(t, ok)
}

func TestRecvDeliversDatagramsAndErrors(t *testing.T) {
	env := newReadinessEnv(t)
	h, ops := boundStub(t, env.loop)
	src := netip.MustParseAddrPort("10.0.0.1:5000")
	ops.inbox = []datagram{
		{data: []byte("one"), from: src},
		{data: []byte{}, from: src},
		{data: []byte("three"), from: src},
	}

	type got struct {
		n    int
		data string
		from netip.AddrPort
		err  error
	}
	var recvd []got
	require.NoError(t, h.RecvStart(nil, func(_ *Handle, n int, buf []byte, from netip.AddrPort, err error) {
		g := got{n: n, from: from, err: err}
		if n >= 0 {
			g.data = string(buf[:n])
		}
		recvd = append(recvd, g)
	}))
	require.NoError(t, h.RecvStart(nil, func(*Handle, int, []byte, netip.AddrPort, error) {
		t.Fatal("second start must not replace the callback")
	}))

	env.backend.Fire(h.Fd(), api.EventRead)
	_, err := env.loop.RunOnce(0)
	require.NoError(t, err)
	require.Len(t, recvd, 3)
	assert.Equal(t, got{n: 3, data: "one", from: src}, recvd[0])
	assert.Equal(t, got{n: 0, data: "", from: src}, recvd[1], "empty datagram is a payload, not EOF")
	assert.Equal(t, "three", recvd[2].data)

	boom := errors.New("connection refused")
	ops.inbox = []datagram{{err: boom}}
	env.backend.Fire(h.Fd(), api.EventRead)
	_, err = env.loop.RunOnce(0)
	require.NoError(t, err)
	require.Len(t, recvd, 4)
	assert.Equal(t, -1, recvd[3].n)
	assert.ErrorIs(t, recvd[3].err, boom)
}

func TestRecvWithUserAlloc(t *testing.T) {
	env := newReadinessEnv(t)
	h, ops := boundStub(t, env.loop)
	ops.inbox = []datagram{{data: []byte("abc"), from: peer}}
	mine := make([]byte, 8)
	var suggested int
	var seen []byte
	require.NoError(t, h.RecvStart(
		func(_ *Handle, n int) []byte { suggested = n; return mine },
		func(_ *Handle, n int, buf []byte, _ netip.AddrPort, err error) { seen = buf },
	))
	env.backend.Fire(h.Fd(), api.EventRead)
	_, err := env.loop.RunOnce(0)
	require.NoError(t, err)
	assert.Equal(t, DefaultRecvBufferSize, suggested)
	assert.Equal(t, "abc", string(seen))
	assert.Same(t, &mine[0], &seen[0])
}

func TestRecvStopInsideCallback(t *testing.T) {
	env := newReadinessEnv(t)
	h, ops := boundStub(t, env.loop)
	ops.inbox = []datagram{{data: []byte("1"), from: peer}, {data: []byte("2"), from: peer}}
	calls := 0
	require.NoError(t, h.RecvStart(nil, func(h *Handle, _ int, _ []byte, _ netip.AddrPort, _ error) {
		calls++
		require.NoError(t, h.RecvStop())
	}))
	env.backend.Fire(h.Fd(), api.EventRead)
	_, err := env.loop.RunOnce(0)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.False(t, h.IsReceiving())
	assert.NoError(t, h.RecvStop())
	_, ok := env.backend.Registered(h.Fd())
	assert.False(t, ok)
}

func TestSocketPreconditions(t *testing.T) {
	env := newReadinessEnv(t)
	h := New(env.loop)
	defer h.Destroy()

	_, err := h.GetSockName()
	assert.ErrorIs(t, err, api.ErrNoSocket)
	assert.ErrorIs(t, h.SetBroadcast(true), api.ErrNoSocket)
	assert.ErrorIs(t, h.SetReuseAddr(true), api.ErrNoSocket)
	assert.ErrorIs(t, h.RecvStart(nil, func(*Handle, int, []byte, netip.AddrPort, error) {}), api.ErrNoSocket)

	require.NoError(t, h.Bind(loopback, BindReuseAddr))
	assert.ErrorIs(t, h.Bind(loopback, 0), api.ErrAlreadyBound)
	local, err := h.GetSockName()
	require.NoError(t, err)
	assert.True(t, local.Addr().IsLoopback())
	assert.NotZero(t, local.Port())
	assert.NoError(t, h.SetBroadcast(true))
	assert.NoError(t, h.SetReuseAddr(true))
}

func TestSendAutoBinds(t *testing.T) {
	env := newReadinessEnv(t)
	h := New(env.loop)
	defer h.Destroy()
	target := New(env.loop)
	defer target.Destroy()
	require.NoError(t, target.Bind(loopback, 0))
	dst, err := target.GetSockName()
	require.NoError(t, err)

	require.NoError(t, h.Send([]byte("x"), dst, nil))
	_, err = h.GetSockName()
	assert.NoError(t, err)
}

func TestOptionsFromConfig(t *testing.T) {
	o := OptionsFromConfig(control.UDPConfig{ReusePort: true})
	assert.Equal(t, DefaultRecvBufferSize, o.RecvBufferSize)
	assert.True(t, o.ReusePort)
}

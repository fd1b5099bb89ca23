// File: dtls/handle.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package dtls

import (
	"fmt"
	"net/netip"

	"github.com/eapache/queue"
	"github.com/google/uuid"
	"github.com/momentics/vox/api"
	"github.com/momentics/vox/control"
	"github.com/momentics/vox/udp"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultMaxReadIterations bounds session reads per inbound datagram.
	DefaultMaxReadIterations = 100
	// DefaultReadBufferSize fits the largest record plaintext.
	DefaultReadBufferSize = maxRecordPlaintext

	// maxBIODrains bounds write BIO datagrams sent per trigger.
	maxBIODrains = 100
)

// State is the externally visible state of a handle.
type State uint8

const (
	StateInit State = iota
	StateBound
	StateHandshaking
	StateConnected
	StateShuttingDown
	StateClosed
	StateFailed

	// stateHandshakeRunning is StateHandshaking while Session.Handshake is
	// on the stack. BIO draining and the write queue wait for it to end.
	stateHandshakeRunning
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateBound:
		return "bound"
	case StateHandshaking, stateHandshakeRunning:
		return "handshaking"
	case StateConnected:
		return "connected"
	case StateShuttingDown:
		return "shutting_down"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// HandshakeFunc reports the end of a handshake, also used by Connect.
type HandshakeFunc func(h *Handle, err error)

// ConnectionFunc is called on a listening handle when a datagram from a new
// peer created a session. The callback may move the session to another
// handle with Accept; otherwise the listening handle handshakes itself.
type ConnectionFunc func(server *Handle, err error)

// AllocFunc supplies the buffer for the next decrypted record.
type AllocFunc func(h *Handle, suggested int) []byte

// ReadFunc receives decrypted data. On failure n is -1 and err is set; the
// peer closing the session is reported once as io.EOF, after which reading
// is stopped.
type ReadFunc func(h *Handle, n int, buf []byte, err error)

// WriteFunc reports the outcome of one Write.
type WriteFunc func(h *Handle, err error)

// ShutdownFunc reports the end of a shutdown.
type ShutdownFunc func(h *Handle, err error)

// Options are per-handle settings.
type Options struct {
	MaxReadIterations int
	ReadBufferSize    int
	UDP               udp.Options
}

// DefaultOptions returns the options used by New.
func DefaultOptions() Options {
	return Options{
		MaxReadIterations: DefaultMaxReadIterations,
		ReadBufferSize:    DefaultReadBufferSize,
		UDP:               udp.DefaultOptions(),
	}
}

// OptionsFromConfig maps the dtls configuration section; the UDP socket
// options come from the udp section.
func OptionsFromConfig(c control.DTLSConfig, u control.UDPConfig) Options {
	o := Options{
		MaxReadIterations: c.MaxReadIterations,
		ReadBufferSize:    c.ReadBufferSize,
		UDP:               udp.OptionsFromConfig(u),
	}
	return o.withDefaults()
}

func (o Options) withDefaults() Options {
	if o.MaxReadIterations <= 0 {
		o.MaxReadIterations = DefaultMaxReadIterations
	}
	if o.ReadBufferSize <= 0 {
		o.ReadBufferSize = DefaultReadBufferSize
	}
	if o.UDP.RecvBufferSize <= 0 {
		o.UDP.RecvBufferSize = udp.DefaultRecvBufferSize
	}
	return o
}

type writeReq struct {
	buf []byte
	off int
	cb  WriteFunc
}

// Handle is a DTLS endpoint over an owned udp.Handle. It is not safe for
// concurrent use; all calls happen on the loop goroutine.
type Handle struct {
	arena api.Arena
	opts  Options
	id    uuid.UUID
	log   *logrus.Entry

	udp  *udp.Handle
	ctx  Context
	sess Session
	role Role

	peer          netip.AddrPort
	peerSet       bool
	peerConfirmed bool

	state     State
	listening bool
	reading   bool
	closing   bool

	// accepted is set by Accept during a connection callback.
	accepted *Handle
	inConnCb bool

	hsCb       HandshakeFunc
	connCb     ConnectionFunc
	shutdownCb ShutdownFunc
	allocCb    AllocFunc
	readCb     ReadFunc

	readBuf []byte
	wbioBuf []byte
	writeq  *queue.Queue
}

// New creates a handle with DefaultOptions. A nil ctx gets a Noise context
// with a random static key owned by the handle.
func New(l udp.Loop, ctx Context) (*Handle, error) {
	return NewWithOptions(l, ctx, DefaultOptions())
}

// NewWithOptions creates a handle.
func NewWithOptions(l udp.Loop, ctx Context, opts Options) (*Handle, error) {
	opts = opts.withDefaults()
	if ctx == nil {
		nc, err := NewNoiseContext(NoiseConfig{})
		if err != nil {
			return nil, err
		}
		ctx = nc
	}
	u := udp.NewWithOptions(l, opts.UDP)
	h := &Handle{
		arena:  l.Arena(),
		opts:   opts,
		id:     u.ID(),
		udp:    u,
		ctx:    ctx,
		state:  StateInit,
		writeq: queue.New(),
		log: logrus.WithFields(logrus.Fields{
			"component": "dtls",
			"id":        u.ID().String(),
		}),
	}
	return h, nil
}

// ID identifies the handle in logs; it matches the underlying UDP handle.
func (h *Handle) ID() uuid.UUID { return h.id }

// UDP exposes the underlying transport handle.
func (h *Handle) UDP() *udp.Handle { return h.udp }

// State returns the handle state.
func (h *Handle) State() State {
	if h.state == stateHandshakeRunning {
		return StateHandshaking
	}
	return h.state
}

// IsReading reports whether decrypted data is being delivered.
func (h *Handle) IsReading() bool { return h.reading }

// IsListening reports whether Listen was called.
func (h *Handle) IsListening() bool { return h.listening }

// WriteQueueLen returns the writes not yet handed to the session.
func (h *Handle) WriteQueueLen() int { return h.writeq.Length() }

// Bind binds the underlying socket.
func (h *Handle) Bind(addr netip.AddrPort, flags udp.BindFlags) error {
	if h.closing {
		return api.ErrClosed
	}
	if err := h.udp.Bind(addr, flags); err != nil {
		return err
	}
	if h.state == StateInit {
		h.state = StateBound
	}
	return nil
}

// bindLike binds an ephemeral socket of the family able to reach addr.
func (h *Handle) bindLike(addr netip.AddrPort) error {
	if h.udp.IsBound() {
		return nil
	}
	unspec := netip.IPv6Unspecified()
	if addr.Addr().Unmap().Is4() {
		unspec = netip.IPv4Unspecified()
	}
	return h.Bind(netip.AddrPortFrom(unspec, 0), 0)
}

// Listen makes a bound handle accept a session from the first peer that
// sends to it. Only one peer is served at a time: a datagram from another
// address replaces the current session.
func (h *Handle) Listen(cb ConnectionFunc) error {
	switch {
	case h.closing:
		return api.ErrClosed
	case h.state != StateBound || h.sess != nil:
		return api.NewError(api.ErrCodeInvalidArgument, "listen requires a bound handle without a session").
			WithContext("state", h.State().String())
	}
	h.listening = true
	h.role = Server
	h.connCb = cb
	if err := h.ensureRecv(); err != nil {
		h.listening = false
		h.connCb = nil
		return err
	}
	h.log.Debug("Listening")
	return nil
}

// Accept moves the session that triggered the current connection callback
// onto client, which is bound to an ephemeral port when needed. The caller
// starts the handshake on client.
func (h *Handle) Accept(client *Handle) error {
	switch {
	case client == nil || client == h:
		return api.ErrInvalidArgument
	case h.closing || client.closing:
		return api.ErrClosed
	case !h.listening || !h.inConnCb || h.sess == nil:
		return api.NewError(api.ErrCodeInvalidArgument, "accept outside a connection callback")
	case client.sess != nil || client.listening:
		return api.ErrAlreadyExists
	}
	if err := client.bindLike(h.peer); err != nil {
		return fmt.Errorf("dtls accept: %w", err)
	}
	if err := client.ensureRecv(); err != nil {
		return fmt.Errorf("dtls accept: %w", err)
	}
	client.sess, h.sess = h.sess, nil
	client.role = Server
	client.peer, client.peerSet, client.peerConfirmed = h.peer, true, true
	h.peerSet = false
	h.state = StateBound
	h.accepted = client
	client.log.WithField("peer", client.peer.String()).Debug("Session accepted")
	return nil
}

// Connect binds an ephemeral socket when needed, creates a client session
// and starts the handshake with addr. Argument errors are returned; any
// later failure is reported to cb and discards the session, so Connect may
// be retried.
func (h *Handle) Connect(addr netip.AddrPort, cb HandshakeFunc) error {
	switch {
	case h.closing:
		return api.ErrClosed
	case !addr.IsValid():
		return api.NewError(api.ErrCodeInvalidArgument, "connect requires a peer address")
	case h.listening || h.sess != nil:
		return api.ErrAlreadyExists
	}
	fail := func(step string, err error) error {
		h.log.WithError(err).WithField("step", step).Debug("Connect failed")
		if h.sess != nil {
			h.sess.Close()
			h.sess = nil
		}
		h.peerSet = false
		if cb != nil {
			cb(h, fmt.Errorf("dtls connect %s: %w", step, err))
		}
		return nil
	}
	if err := h.bindLike(addr); err != nil {
		return fail("bind", err)
	}
	sess, err := h.ctx.NewSession(Client)
	if err != nil {
		return fail("session", err)
	}
	h.sess = sess
	h.role = Client
	h.peer, h.peerSet, h.peerConfirmed = addr, true, false
	if err := h.ensureRecv(); err != nil {
		return fail("recv", err)
	}
	h.log = h.log.WithField("peer", addr.String())
	return h.Handshake(cb)
}

// Handshake starts or continues the handshake of the current session. A
// second call while handshaking does not restart it; its callback is kept
// only if none was registered.
func (h *Handle) Handshake(cb HandshakeFunc) error {
	switch {
	case h.closing:
		return api.ErrClosed
	case h.sess == nil:
		return ErrNoSession
	case h.state == StateHandshaking || h.state == stateHandshakeRunning:
		if h.hsCb == nil {
			h.hsCb = cb
		}
		return nil
	case h.state == StateConnected:
		return api.NewError(api.ErrCodeAlreadyExists, "already connected")
	}
	if err := h.ensureRecv(); err != nil {
		return err
	}
	h.state = StateHandshaking
	h.hsCb = cb
	h.advanceHandshake()
	return nil
}

// ReadStart delivers decrypted data to cb. With a nil alloc an internal
// buffer is reused; it is valid only during the callback.
func (h *Handle) ReadStart(alloc AllocFunc, cb ReadFunc) error {
	switch {
	case h.closing:
		return api.ErrClosed
	case cb == nil:
		return api.ErrInvalidArgument
	case h.reading:
		return nil
	}
	if h.udp.IsBound() {
		if err := h.ensureRecv(); err != nil {
			return err
		}
	}
	h.reading = true
	h.allocCb, h.readCb = alloc, cb
	if h.state == StateConnected && h.sess.Pending(ReadSide) > 0 {
		h.readRecords()
		h.drainWBIO()
	}
	return nil
}

// ReadStop stops delivering data. The socket keeps receiving so handshake
// and shutdown traffic is still processed.
func (h *Handle) ReadStop() error {
	h.reading = false
	h.allocCb, h.readCb = nil, nil
	return nil
}

// Write encrypts and sends p. p may be reused once Write returns. Writes
// issued during the handshake are queued until it completes.
func (h *Handle) Write(p []byte, cb WriteFunc) error {
	switch {
	case h.closing:
		return api.ErrClosed
	case h.sess == nil || (h.state != StateConnected && h.State() != StateHandshaking):
		return ErrNotConnected
	}
	buf := h.arena.Alloc(len(p))
	if buf == nil {
		return api.ErrResourceExhausted
	}
	copy(buf, p)
	h.writeq.Add(&writeReq{buf: buf, cb: cb})
	h.processWriteQueue()
	return nil
}

// Shutdown flushes queued writes and closes the session.
func (h *Handle) Shutdown(cb ShutdownFunc) error {
	switch {
	case h.closing:
		return api.ErrClosed
	case h.state == StateShuttingDown:
		if h.shutdownCb == nil {
			h.shutdownCb = cb
		}
		return nil
	case h.state != StateConnected:
		return ErrNotConnected
	}
	h.processWriteQueue()
	if h.closing {
		return nil
	}
	h.state = StateShuttingDown
	h.shutdownCb = cb
	h.driveShutdown()
	return nil
}

// GetSockName returns the local address.
func (h *Handle) GetSockName() (netip.AddrPort, error) {
	return h.udp.GetSockName()
}

// GetPeerName returns the peer address.
func (h *Handle) GetPeerName() (netip.AddrPort, error) {
	if !h.peerSet {
		return netip.AddrPort{}, api.ErrNotFound
	}
	return h.peer, nil
}

// Destroy stops reading, cancels pending I/O, closes the session and the
// socket and frees queued writes without calling their callbacks.
func (h *Handle) Destroy() {
	if h.closing {
		return
	}
	h.closing = true
	h.reading = false
	h.allocCb, h.readCb = nil, nil
	h.hsCb, h.connCb, h.shutdownCb = nil, nil, nil
	_ = h.udp.RecvStop()
	if h.sess != nil {
		h.sess.Close()
		h.sess = nil
	}
	h.udp.Destroy()
	h.arena.Free(h.wbioBuf)
	h.arena.Free(h.readBuf)
	h.wbioBuf, h.readBuf = nil, nil
	for h.writeq.Length() > 0 {
		req := h.writeq.Remove().(*writeReq)
		h.arena.Free(req.buf)
	}
	h.log.Debug("Handle destroyed")
}

func (h *Handle) ensureRecv() error {
	if h.udp.IsReceiving() {
		return nil
	}
	return h.udp.RecvStart(nil, h.onDatagram)
}

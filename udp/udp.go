// File: udp/udp.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package udp

import (
	"errors"
	"fmt"
	"net/netip"

	"github.com/eapache/queue"
	"github.com/google/uuid"
	"github.com/momentics/vox/api"
	"github.com/momentics/vox/control"
	"github.com/momentics/vox/internal/sock"
	"github.com/sirupsen/logrus"
)

// maxReadsPerEvent bounds the datagrams drained for one readiness event.
const maxReadsPerEvent = 32

// DefaultRecvBufferSize fits any UDP payload.
const DefaultRecvBufferSize = 64 * 1024

// Loop is the part of the event loop a handle depends on.
type Loop interface {
	Arena() api.Arena
	Backend() api.Backend
	Activate(h any)
	Deactivate(h any)
}

// BindFlags modify Bind.
type BindFlags uint

const (
	BindReuseAddr BindFlags = 1 << iota
	BindReusePort
	BindIPv6Only
)

// AllocFunc supplies the buffer for the next datagram. Returning an empty
// slice reports api.ErrResourceExhausted to the receive callback.
type AllocFunc func(h *Handle, suggested int) []byte

// RecvFunc receives one datagram. On failure n is -1 and err is set; a
// zero-length datagram arrives as n == 0 with a nil error.
type RecvFunc func(h *Handle, n int, buf []byte, from netip.AddrPort, err error)

// SendFunc reports the outcome of one send.
type SendFunc func(h *Handle, err error)

// Options are per-handle defaults.
type Options struct {
	RecvBufferSize int
	ReuseAddr      bool
	ReusePort      bool
	Broadcast      bool
}

// DefaultOptions returns the options used by New.
func DefaultOptions() Options {
	return Options{RecvBufferSize: DefaultRecvBufferSize}
}

// OptionsFromConfig maps the udp configuration section.
func OptionsFromConfig(c control.UDPConfig) Options {
	o := Options{
		RecvBufferSize: c.RecvBufferSize,
		ReuseAddr:      c.ReuseAddr,
		ReusePort:      c.ReusePort,
		Broadcast:      c.Broadcast,
	}
	if o.RecvBufferSize <= 0 {
		o.RecvBufferSize = DefaultRecvBufferSize
	}
	return o
}

// socketOps is the datagram I/O used by the readiness driver.
type socketOps interface {
	SendTo(p []byte, addr netip.AddrPort) (int, error)
	RecvFrom(p []byte) (int, netip.AddrPort, error)
}

// sendReq owns a copy of the caller's payload.
type sendReq struct {
	buf  []byte
	addr netip.AddrPort
	cb   SendFunc
}

// driver is the backend-style specific half of a handle.
type driver interface {
	recvStart() error
	recvStop()
	send(p []byte, addr netip.AddrPort, cb SendFunc) error
	handle(ev api.Event)
	// inflight reports requests posted to the backend but not completed.
	inflight() int
	recvBusy() bool
	cancelSends(err error)
	destroy()
}

// Handle is a UDP endpoint bound to one loop.
type Handle struct {
	loop  Loop
	arena api.Arena
	opts  Options
	id    uuid.UUID
	log   *logrus.Entry

	sock sock.Socket
	io   socketOps

	receiving bool
	closing   bool
	active    bool

	allocCb AllocFunc
	recvCb  RecvFunc
	recvBuf []byte

	sendq *queue.Queue
	drv   driver
}

// New creates an unbound handle with DefaultOptions.
func New(l Loop) *Handle {
	return NewWithOptions(l, DefaultOptions())
}

// NewWithOptions creates an unbound handle.
func NewWithOptions(l Loop, opts Options) *Handle {
	if opts.RecvBufferSize <= 0 {
		opts.RecvBufferSize = DefaultRecvBufferSize
	}
	id := uuid.New()
	h := &Handle{
		loop:  l,
		arena: l.Arena(),
		opts:  opts,
		id:    id,
		sock:  sock.Socket{FD: sock.InvalidFD},
		sendq: queue.New(),
		log: logrus.WithFields(logrus.Fields{
			"component": "udp",
			"id":        id.String(),
		}),
	}
	switch b := l.Backend().(type) {
	case api.CompletionBackend:
		h.drv = &completionDriver{h: h, b: b}
	case api.ReadinessBackend:
		h.drv = &readinessDriver{h: h, b: b}
	}
	return h
}

// ID identifies the handle in logs.
func (h *Handle) ID() uuid.UUID { return h.id }

// Fd returns the socket descriptor, or sock.InvalidFD before bind.
func (h *Handle) Fd() api.FD { return h.sock.FD }

// IsBound reports whether the handle has a socket.
func (h *Handle) IsBound() bool { return h.sock.Valid() }

// IsClosing reports whether Destroy was called.
func (h *Handle) IsClosing() bool { return h.closing }

// IsReceiving reports whether the read side is active.
func (h *Handle) IsReceiving() bool { return h.receiving }

// QueueLen returns the number of sends not yet completed.
func (h *Handle) QueueLen() int {
	if h.drv == nil {
		return h.sendq.Length()
	}
	return h.sendq.Length() + h.drv.inflight()
}

// Bind creates the socket and binds it to addr. A handle binds once.
func (h *Handle) Bind(addr netip.AddrPort, flags BindFlags) error {
	if h.closing {
		return api.ErrClosed
	}
	if h.sock.Valid() {
		return api.ErrAlreadyBound
	}
	if !addr.IsValid() {
		return api.NewError(api.ErrCodeInvalidArgument, "invalid bind address").WithContext("addr", addr)
	}
	if h.drv == nil {
		return api.ErrNotSupported
	}
	s, err := sock.Open(sock.FamilyOf(addr))
	if err != nil {
		return err
	}
	opts := sock.Options{
		ReuseAddr: h.opts.ReuseAddr || flags&BindReuseAddr != 0,
		ReusePort: h.opts.ReusePort || flags&BindReusePort != 0,
		Broadcast: h.opts.Broadcast,
		IPv6Only:  flags&BindIPv6Only != 0,
	}
	if err := s.Bind(addr, opts); err != nil {
		s.Close()
		return err
	}
	h.sock = s
	h.io = s
	if local, err := s.LocalAddr(); err == nil {
		h.log = h.log.WithField("local", local.String())
	}
	h.log.Debug("Socket bound")
	return nil
}

// autoBind binds an ephemeral socket able to reach addr.
func (h *Handle) autoBind(addr netip.AddrPort) error {
	unspec := netip.IPv6Unspecified()
	if addr.Addr().Unmap().Is4() {
		unspec = netip.IPv4Unspecified()
	}
	return h.Bind(netip.AddrPortFrom(unspec, 0), 0)
}

// RecvStart begins delivering datagrams. It is a no-op when already receiving.
// With a nil alloc an internal buffer is reused; it is only valid for the
// duration of the receive callback.
func (h *Handle) RecvStart(alloc AllocFunc, recv RecvFunc) error {
	if h.closing {
		return api.ErrClosed
	}
	if recv == nil {
		return api.ErrInvalidArgument
	}
	if h.receiving {
		return nil
	}
	if !h.sock.Valid() {
		return api.ErrNoSocket
	}
	h.allocCb, h.recvCb = alloc, recv
	h.receiving = true
	if err := h.drv.recvStart(); err != nil {
		h.receiving = false
		h.allocCb, h.recvCb = nil, nil
		return fmt.Errorf("udp recv start: %w", err)
	}
	h.updateActive()
	return nil
}

// RecvStop stops the read side and clears the callbacks. Idempotent.
func (h *Handle) RecvStop() error {
	if !h.receiving {
		return nil
	}
	h.receiving = false
	h.allocCb, h.recvCb = nil, nil
	h.drv.recvStop()
	h.updateActive()
	return nil
}

// Send transmits p to addr. p may be reused as soon as Send returns. An
// unbound handle is bound to an ephemeral port first. A synchronous error
// means cb will not be called.
func (h *Handle) Send(p []byte, addr netip.AddrPort, cb SendFunc) error {
	if h.closing {
		return api.ErrClosed
	}
	if !addr.IsValid() {
		return api.NewError(api.ErrCodeInvalidArgument, "send requires a destination address")
	}
	if h.drv == nil {
		return api.ErrNotSupported
	}
	if !h.sock.Valid() {
		if err := h.autoBind(addr); err != nil {
			return err
		}
	}
	if !sock.CanReach(h.sock.Family, addr) {
		return fmt.Errorf("udp send to %s: %w", addr, sock.ErrFamilyMismatch)
	}
	if err := h.drv.send(p, addr, cb); err != nil {
		return err
	}
	h.updateActive()
	return nil
}

// CancelSends fails every queued send with err, invoking the callbacks.
func (h *Handle) CancelSends(err error) {
	if h.closing || h.drv == nil {
		return
	}
	if err == nil {
		err = api.ErrCanceled
	}
	h.drv.cancelSends(err)
	h.updateActive()
}

// GetSockName returns the bound local address.
func (h *Handle) GetSockName() (netip.AddrPort, error) {
	if !h.sock.Valid() {
		return netip.AddrPort{}, api.ErrNoSocket
	}
	return h.sock.LocalAddr()
}

func (h *Handle) SetBroadcast(on bool) error {
	if !h.sock.Valid() {
		return api.ErrNoSocket
	}
	return h.sock.SetBroadcast(on)
}

func (h *Handle) SetReuseAddr(on bool) error {
	if !h.sock.Valid() {
		return api.ErrNoSocket
	}
	return h.sock.SetReuseAddr(on)
}

// SetRecvBufferSize changes the size requested from AllocFunc and of the
// internal receive buffer.
func (h *Handle) SetRecvBufferSize(n int) error {
	if n <= 0 {
		return api.ErrInvalidArgument
	}
	h.opts.RecvBufferSize = n
	if h.recvBuf != nil && (h.drv == nil || !h.drv.recvBusy()) {
		h.arena.Free(h.recvBuf)
		h.recvBuf = nil
	}
	return nil
}

// Destroy stops reading, cancels in-flight operations, frees queued sends
// without calling their callbacks and releases the socket. Buffers still
// owned by the kernel are released when their completion arrives.
func (h *Handle) Destroy() {
	if h.closing {
		return
	}
	h.closing = true
	h.receiving = false
	if h.drv != nil {
		h.drv.destroy()
	}
	for h.sendq.Length() > 0 {
		req := h.sendq.Remove().(*sendReq)
		control.AddQueueDepth(-1)
		h.arena.Free(req.buf)
	}
	if h.recvBuf != nil && (h.drv == nil || !h.drv.recvBusy()) {
		h.arena.Free(h.recvBuf)
		h.recvBuf = nil
	}
	if err := h.sock.Close(); err != nil {
		h.log.WithError(err).Debug("Socket close failed")
	}
	h.allocCb, h.recvCb = nil, nil
	h.updateActive()
	h.log.Debug("Handle destroyed")
}

// HandleEvent implements api.EventHandler.
func (h *Handle) HandleEvent(_ api.Backend, ev api.Event) {
	if h.drv != nil {
		h.drv.handle(ev)
	}
}

func (h *Handle) updateActive() {
	want := !h.closing && (h.receiving || h.QueueLen() > 0)
	if want == h.active {
		return
	}
	h.active = want
	if want {
		h.loop.Activate(h)
	} else {
		h.loop.Deactivate(h)
	}
}

// recvBuffer returns the buffer for the next datagram, or nil.
func (h *Handle) recvBuffer() []byte {
	if h.allocCb != nil {
		buf := h.allocCb(h, h.opts.RecvBufferSize)
		if len(buf) == 0 {
			return nil
		}
		return buf
	}
	if h.recvBuf == nil {
		h.recvBuf = h.arena.Alloc(h.opts.RecvBufferSize)
	}
	return h.recvBuf
}

func (h *Handle) newReq(p []byte, addr netip.AddrPort, cb SendFunc) (*sendReq, error) {
	buf := h.arena.Alloc(len(p))
	if buf == nil {
		return nil, api.ErrResourceExhausted
	}
	copy(buf, p)
	return &sendReq{buf: buf, addr: addr, cb: cb}, nil
}

// finish releases req and reports err to its callback.
func (h *Handle) finish(req *sendReq, err error) {
	h.arena.Free(req.buf)
	req.buf = nil
	if req.cb != nil {
		req.cb(h, err)
	}
}

func (h *Handle) deliverRecvError(buf []byte, err error) {
	if h.recvCb != nil {
		h.recvCb(h, -1, buf, netip.AddrPort{}, err)
	}
}

func isCanceled(err error) bool {
	return errors.Is(err, api.ErrCanceled)
}

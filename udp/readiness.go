// File: udp/readiness.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package udp

import (
	"fmt"
	"net/netip"

	"github.com/momentics/vox/api"
	"github.com/momentics/vox/control"
	"github.com/momentics/vox/internal/sock"
)

// readinessDriver keeps write interest registered exactly while the send
// queue is non-empty and touches the backend only when the mask changes.
type readinessDriver struct {
	h    *Handle
	b    api.ReadinessBackend
	mask api.EventMask // registered interest, 0 = not registered
}

func (d *readinessDriver) wanted() api.EventMask {
	var want api.EventMask
	if d.h.receiving {
		want |= api.EventRead
	}
	if d.h.sendq.Length() > 0 {
		want |= api.EventWrite
	}
	return want
}

// sync reconciles the backend registration with the handle state.
func (d *readinessDriver) sync() error {
	want := d.wanted()
	if want == d.mask {
		return nil
	}
	fd := d.h.sock.FD
	var err error
	switch {
	case want == 0:
		err = d.b.Remove(fd)
	case d.mask == 0:
		err = d.b.Add(fd, want, d.h)
	default:
		err = d.b.Modify(fd, want)
	}
	if err != nil {
		return err
	}
	d.mask = want
	return nil
}

func (d *readinessDriver) recvStart() error {
	return d.sync()
}

func (d *readinessDriver) recvStop() {
	if err := d.sync(); err != nil {
		d.h.log.WithError(err).Warn("Failed to drop read interest")
	}
}

func (d *readinessDriver) send(p []byte, addr netip.AddrPort, cb SendFunc) error {
	h := d.h
	// anything already queued must leave first
	if h.sendq.Length() == 0 {
		_, err := h.io.SendTo(p, addr)
		if err == nil {
			control.AddDatagram("out", len(p))
			if cb != nil {
				cb(h, nil)
			}
			return nil
		}
		if !sock.IsWouldBlock(err) {
			return fmt.Errorf("udp send to %s: %w", addr, err)
		}
		control.IncWouldBlock()
	}
	req, err := h.newReq(p, addr, cb)
	if err != nil {
		return err
	}
	h.sendq.Add(req)
	control.AddQueueDepth(1)
	if err := d.sync(); err != nil {
		// write interest could only be missing for a queue of one
		h.sendq.Remove()
		control.AddQueueDepth(-1)
		h.arena.Free(req.buf)
		return fmt.Errorf("udp register write interest: %w", err)
	}
	h.log.WithField("queued", h.sendq.Length()).Debug("Send deferred by backpressure")
	return nil
}

func (d *readinessDriver) handle(ev api.Event) {
	h := d.h
	if h.closing {
		return
	}
	if ev.Mask&api.EventWrite != 0 {
		d.drain()
		if h.closing {
			return
		}
	}
	if ev.Mask&(api.EventRead|api.EventError|api.EventHangup) != 0 && h.receiving {
		d.read()
	}
}

// drain sends queued requests in order until the socket would block.
func (d *readinessDriver) drain() {
	h := d.h
	for h.sendq.Length() > 0 {
		req := h.sendq.Peek().(*sendReq)
		_, err := h.io.SendTo(req.buf, req.addr)
		if err != nil && sock.IsWouldBlock(err) {
			control.IncWouldBlock()
			break
		}
		h.sendq.Remove()
		control.AddQueueDepth(-1)
		if err == nil {
			control.AddDatagram("out", len(req.buf))
		} else {
			err = fmt.Errorf("udp send to %s: %w", req.addr, err)
		}
		h.finish(req, err)
		if h.closing {
			return
		}
	}
	if err := d.sync(); err != nil {
		h.log.WithError(err).Warn("Failed to update interest after drain")
	}
	h.updateActive()
}

func (d *readinessDriver) read() {
	h := d.h
	for i := 0; i < maxReadsPerEvent && h.receiving && !h.closing; i++ {
		buf := h.recvBuffer()
		if buf == nil {
			h.deliverRecvError(nil, api.ErrResourceExhausted)
			return
		}
		n, from, err := h.io.RecvFrom(buf)
		if err != nil {
			if sock.IsWouldBlock(err) {
				return
			}
			h.deliverRecvError(buf, err)
			return
		}
		control.AddDatagram("in", n)
		h.recvCb(h, n, buf[:n], from, nil)
	}
}

func (d *readinessDriver) inflight() int { return 0 }

func (d *readinessDriver) recvBusy() bool { return false }

func (d *readinessDriver) cancelSends(err error) {
	h := d.h
	for h.sendq.Length() > 0 && !h.closing {
		req := h.sendq.Remove().(*sendReq)
		control.AddQueueDepth(-1)
		h.finish(req, err)
	}
	if h.closing {
		return
	}
	if err := d.sync(); err != nil {
		h.log.WithError(err).Warn("Failed to update interest after cancel")
	}
}

func (d *readinessDriver) destroy() {
	if d.mask != 0 {
		if err := d.b.Remove(d.h.sock.FD); err != nil {
			d.h.log.WithError(err).Debug("Backend remove failed")
		}
		d.mask = 0
	}
}

// File: udp/completion.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package udp

import (
	"errors"
	"fmt"
	"net/netip"

	"github.com/momentics/vox/api"
	"github.com/momentics/vox/control"
)

// completionDriver keeps at most one receive and one send posted. Further
// sends wait in the handle queue and are posted one at a time as each
// completion arrives.
type completionDriver struct {
	h          *Handle
	b          api.CompletionBackend
	associated bool

	recvOp      api.CompletionOp
	recvPosted  bool
	recvDefault bool // recvOp.Buf is h.recvBuf

	sendOp     api.CompletionOp
	sendPosted *sendReq
}

func (d *completionDriver) associate() error {
	if d.associated {
		return nil
	}
	err := d.b.Associate(d.h.sock.FD, d.h)
	if err != nil && !errors.Is(err, api.ErrAlreadyExists) {
		return err
	}
	d.associated = true
	return nil
}

// release drops the association once nothing needs it any more.
func (d *completionDriver) release() {
	h := d.h
	if !d.associated || d.recvPosted || d.sendPosted != nil {
		return
	}
	if !h.closing && (h.receiving || h.sendq.Length() > 0) {
		return
	}
	if err := d.b.Disassociate(h.sock.FD); err != nil {
		h.log.WithError(err).Debug("Disassociate failed")
	}
	d.associated = false
}

func (d *completionDriver) recvStart() error {
	if err := d.associate(); err != nil {
		return err
	}
	return d.postRecv()
}

func (d *completionDriver) postRecv() error {
	if d.recvPosted {
		return nil
	}
	h := d.h
	buf := h.recvBuffer()
	if buf == nil {
		return api.ErrResourceExhausted
	}
	d.recvDefault = h.allocCb == nil
	d.recvOp = api.CompletionOp{Kind: api.OpRecv, Fd: h.sock.FD, Buf: buf}
	if err := d.b.Submit(&d.recvOp); err != nil {
		return err
	}
	d.recvPosted = true
	return nil
}

func (d *completionDriver) recvStop() {
	if d.recvPosted {
		if err := d.b.Cancel(&d.recvOp); err != nil && !errors.Is(err, api.ErrNotFound) {
			d.h.log.WithError(err).Debug("Receive cancel failed")
		}
	}
	d.release()
}

func (d *completionDriver) send(p []byte, addr netip.AddrPort, cb SendFunc) error {
	h := d.h
	req, err := h.newReq(p, addr, cb)
	if err != nil {
		return err
	}
	if d.sendPosted != nil {
		h.sendq.Add(req)
		control.AddQueueDepth(1)
		return nil
	}
	if err := d.associate(); err != nil {
		h.arena.Free(req.buf)
		return err
	}
	if err := d.post(req); err != nil {
		h.arena.Free(req.buf)
		d.release()
		return fmt.Errorf("udp send to %s: %w", addr, err)
	}
	control.AddQueueDepth(1)
	return nil
}

func (d *completionDriver) post(req *sendReq) error {
	d.sendOp = api.CompletionOp{Kind: api.OpSend, Fd: d.h.sock.FD, Buf: req.buf, Addr: req.addr}
	if err := d.b.Submit(&d.sendOp); err != nil {
		return err
	}
	d.sendPosted = req
	return nil
}

// pump posts the next queued send; requests the backend refuses fail in order.
func (d *completionDriver) pump() {
	h := d.h
	for d.sendPosted == nil && h.sendq.Length() > 0 && !h.closing {
		req := h.sendq.Remove().(*sendReq)
		if err := d.post(req); err != nil {
			control.AddQueueDepth(-1)
			h.finish(req, fmt.Errorf("udp send to %s: %w", req.addr, err))
		}
	}
}

func (d *completionDriver) handle(ev api.Event) {
	switch ev.Completion {
	case &d.recvOp:
		d.onRecv()
	case &d.sendOp:
		d.onSend()
	}
}

func (d *completionDriver) onRecv() {
	h := d.h
	d.recvPosted = false
	op := &d.recvOp
	if h.closing {
		if d.recvDefault && h.recvBuf != nil {
			h.arena.Free(h.recvBuf)
			h.recvBuf = nil
		}
		d.release()
		return
	}
	switch {
	case !h.receiving:
	case op.Err != nil && isCanceled(op.Err):
	case op.Err != nil:
		h.deliverRecvError(op.Buf, op.Err)
	default:
		control.AddDatagram("in", op.N)
		h.recvCb(h, op.N, op.Buf[:op.N], op.Addr, nil)
	}
	if h.closing {
		return
	}
	if h.receiving {
		if err := d.postRecv(); err != nil {
			h.log.WithError(err).Warn("Failed to post receive")
			h.deliverRecvError(nil, err)
		}
		return
	}
	d.release()
}

func (d *completionDriver) onSend() {
	h := d.h
	req := d.sendPosted
	d.sendPosted = nil
	op := &d.sendOp
	if req == nil {
		return
	}
	if h.closing {
		h.arena.Free(req.buf)
		d.release()
		return
	}
	control.AddQueueDepth(-1)
	err := op.Err
	if err == nil {
		control.AddDatagram("out", op.N)
	}
	h.finish(req, err)
	if h.closing {
		return
	}
	d.pump()
	d.release()
	h.updateActive()
}

func (d *completionDriver) inflight() int {
	if d.sendPosted != nil {
		return 1
	}
	return 0
}

func (d *completionDriver) recvBusy() bool { return d.recvPosted }

func (d *completionDriver) cancelSends(err error) {
	h := d.h
	for h.sendq.Length() > 0 && !h.closing {
		req := h.sendq.Remove().(*sendReq)
		control.AddQueueDepth(-1)
		h.finish(req, err)
	}
	if d.sendPosted != nil && !h.closing {
		if cerr := d.b.Cancel(&d.sendOp); cerr != nil && !errors.Is(cerr, api.ErrNotFound) {
			h.log.WithError(cerr).Debug("Send cancel failed")
		}
	}
}

func (d *completionDriver) destroy() {
	if d.recvPosted {
		_ = d.b.Cancel(&d.recvOp)
	}
	if d.sendPosted != nil {
		control.AddQueueDepth(-1)
		_ = d.b.Cancel(&d.sendOp)
	}
	d.release()
}

// File: dtls/engine.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package dtls

import (
	"errors"
	"io"
	"net/netip"

	"github.com/momentics/vox/api"
	"github.com/momentics/vox/control"
	"github.com/momentics/vox/udp"
	"github.com/sirupsen/logrus"
)

// onDatagram is the receive callback of the underlying UDP handle.
func (h *Handle) onDatagram(_ *udp.Handle, n int, buf []byte, from netip.AddrPort, err error) {
	if h.closing {
		return
	}
	if err != nil {
		h.log.WithError(err).Debug("Receive failed")
		if h.reading && h.readCb != nil {
			h.readCb(h, -1, nil, err)
		}
		return
	}
	data := buf[:n]
	if h.listening {
		h.serverDatagram(data, from)
		return
	}
	if h.sess == nil || !h.peerSet {
		h.log.WithField("from", from.String()).Debug("Datagram without session dropped")
		return
	}
	if from != h.peer {
		// an accepted server answers from its own port
		if h.role != Client || h.peerConfirmed || h.State() != StateHandshaking {
			h.log.WithField("from", from.String()).Debug("Datagram from foreign address dropped")
			return
		}
		h.log.WithFields(logrus.Fields{
			"function": "onDatagram",
			"peer":     from.String(),
		}).Debug("Peer address adopted")
		h.peer = from
	}
	h.peerConfirmed = true
	h.feed(data)
}

// serverDatagram handles input on a listening handle.
func (h *Handle) serverDatagram(data []byte, from netip.AddrPort) {
	if h.sess != nil && h.peerSet && from != h.peer {
		h.log.WithFields(logrus.Fields{
			"function": "serverDatagram",
			"old_peer": h.peer.String(),
			"new_peer": from.String(),
		}).Warn("New peer replaces the active session")
		h.dropSession()
	}
	if h.sess != nil {
		h.feed(data)
		return
	}

	sess, err := h.ctx.NewSession(Server)
	if err != nil {
		h.log.WithError(err).Warn("Session creation failed")
		if h.connCb != nil {
			h.connCb(h, err)
		}
		return
	}
	h.sess = sess
	h.peer, h.peerSet, h.peerConfirmed = from, true, true
	if _, err := sess.WriteBIO(ReadSide, data); err != nil {
		h.log.WithError(err).Debug("rbio write failed")
	}

	if cb := h.connCb; cb != nil {
		h.inConnCb = true
		cb(h, nil)
		h.inConnCb = false
		if h.closing {
			return
		}
	}
	// an accepted session already holds this datagram in its read BIO
	if h.accepted != nil || h.sess == nil {
		h.accepted = nil
		return
	}
	if h.state != StateHandshaking && h.state != stateHandshakeRunning {
		h.state = StateHandshaking
	}
	h.processRBIO()
}

// dropSession discards the session of a listening handle.
func (h *Handle) dropSession() {
	h.sess.Close()
	h.sess = nil
	h.peerSet = false
	h.reading = false
	h.allocCb, h.readCb = nil, nil
	h.hsCb = nil
	h.state = StateBound
}

func (h *Handle) feed(data []byte) {
	if _, err := h.sess.WriteBIO(ReadSide, data); err != nil {
		h.log.WithError(err).Debug("rbio write failed")
		return
	}
	h.processRBIO()
}

// processRBIO advances the session after input arrived.
func (h *Handle) processRBIO() {
	switch h.state {
	case StateHandshaking:
		h.advanceHandshake()
		if h.closing || h.state != StateConnected {
			return
		}
	case StateShuttingDown:
		h.driveShutdown()
		return
	}
	if h.state != StateConnected || h.sess == nil {
		return
	}
	if h.reading && h.readCb != nil {
		h.readRecords()
		if h.closing {
			return
		}
	}
	h.processWriteQueue()
	h.drainWBIO()
}

func (h *Handle) advanceHandshake() {
	h.state = stateHandshakeRunning
	err := h.sess.Handshake()
	h.state = StateHandshaking

	switch {
	case err == nil:
		h.state = StateConnected
		control.IncHandshake("ok")
		h.log.WithField("role", h.role.String()).Debug("Handshake complete")
		h.drainWBIO()
		if cb := h.hsCb; cb != nil {
			h.hsCb = nil
			cb(h, nil)
			if h.closing {
				return
			}
		}
		h.processWriteQueue()
		if h.reading && h.readCb != nil && h.sess.Pending(ReadSide) > 0 {
			h.readRecords()
		}
	case isWant(err):
		h.drainWBIO()
	default:
		h.state = StateFailed
		control.IncHandshake("failed")
		h.log.WithError(err).Warn("Handshake failed")
		h.drainWBIO()
		if cb := h.hsCb; cb != nil {
			h.hsCb = nil
			cb(h, err)
		}
		if h.role == Client && h.state == StateFailed && !h.closing && h.sess != nil {
			// a client may Connect again
			h.sess.Close()
			h.sess = nil
			h.peerSet, h.peerConfirmed = false, false
		}
	}
}

func (h *Handle) readBuffer() []byte {
	if h.allocCb != nil {
		return h.allocCb(h, h.opts.ReadBufferSize)
	}
	if h.readBuf == nil {
		h.readBuf = h.arena.Alloc(h.opts.ReadBufferSize)
	}
	return h.readBuf
}

// readRecords delivers decrypted records, at most MaxReadIterations.
func (h *Handle) readRecords() {
	for i := 0; i < h.opts.MaxReadIterations; i++ {
		if !h.reading || h.readCb == nil || h.closing || h.sess == nil {
			return
		}
		buf := h.readBuffer()
		if len(buf) == 0 {
			h.readCb(h, -1, nil, api.ErrResourceExhausted)
			return
		}
		n, err := h.sess.Read(buf)
		switch {
		case err == nil && n > 0:
			control.IncRecordsRead()
			h.readCb(h, n, buf[:n], nil)
			if h.sess == nil || h.sess.Pending(ReadSide) == 0 {
				return
			}
		case err == nil:
			return
		case errors.Is(err, io.EOF):
			cb := h.readCb
			h.reading = false
			h.allocCb, h.readCb = nil, nil
			h.log.Debug("Peer closed the session")
			cb(h, -1, nil, io.EOF)
			return
		case errors.Is(err, ErrWantRead):
			return
		case errors.Is(err, ErrWantWrite):
			h.drainWBIO()
			return
		default:
			h.readCb(h, -1, nil, err)
			return
		}
	}
}

// drainWBIO sends what the session queued for the peer. A failed send
// ends the drain; the next trigger resumes it.
func (h *Handle) drainWBIO() {
	if h.state == stateHandshakeRunning || h.sess == nil || h.closing {
		return
	}
	for i := 0; i < maxBIODrains; i++ {
		n := h.sess.Pending(WriteSide)
		if n == 0 {
			return
		}
		if !h.peerSet {
			h.log.Debug("wbio data without a peer")
			return
		}
		if len(h.wbioBuf) < n {
			nb := h.arena.Realloc(h.wbioBuf, n)
			if nb == nil {
				h.log.WithField("bytes", n).Warn("wbio buffer allocation failed")
				return
			}
			h.wbioBuf = nb
		}
		m, err := h.sess.ReadBIO(WriteSide, h.wbioBuf[:n])
		if err != nil || m == 0 {
			return
		}
		if err := h.udp.Send(h.wbioBuf[:m], h.peer, nil); err != nil {
			h.log.WithError(err).WithField("peer", h.peer.String()).Warn("Record send failed")
			return
		}
	}
}

// processWriteQueue hands queued writes to the session in order. A
// request failing with anything but a retry signal is completed with that
// error and the next one is tried.
func (h *Handle) processWriteQueue() {
	if h.state != StateConnected || h.sess == nil {
		return
	}
	for h.writeq.Length() > 0 && !h.closing && h.sess != nil {
		req := h.writeq.Peek().(*writeReq)
		n, err := h.sess.Write(req.buf[req.off:])
		switch {
		case err == nil && n == 0:
			// no progress; retry on the next trigger
			return
		case err == nil:
			req.off += n
			if req.off < len(req.buf) {
				continue
			}
			h.writeq.Remove()
			h.drainWBIO()
			h.finishWrite(req, nil)
		case errors.Is(err, ErrWantWrite):
			h.drainWBIO()
			return
		case errors.Is(err, ErrWantRead):
			return
		default:
			h.writeq.Remove()
			h.log.WithError(err).Debug("Queued write failed")
			h.finishWrite(req, err)
		}
	}
	h.drainWBIO()
}

func (h *Handle) finishWrite(req *writeReq, err error) {
	h.arena.Free(req.buf)
	req.buf = nil
	if req.cb != nil {
		req.cb(h, err)
	}
}

func (h *Handle) driveShutdown() {
	err := h.sess.Shutdown()
	h.drainWBIO()
	if isWant(err) {
		return
	}
	cb := h.shutdownCb
	h.shutdownCb = nil
	if err != nil {
		h.state = StateFailed
		h.log.WithError(err).Debug("Shutdown failed")
	} else {
		h.state = StateClosed
		h.log.Debug("Session shut down")
	}
	if cb != nil {
		cb(h, err)
	}
}

// Package fake
// Author: momentics <momentics@gmail.com>

package fake

import (
	"net/netip"

	"github.com/momentics/vox/api"
)

// Completion is an in-memory api.CompletionBackend. Submitted operations stay
// pending until the test completes them; Cancel turns a pending operation into
// an api.ErrCanceled completion delivered by the next Poll.
type Completion struct {
	assoc   map[api.FD]any
	pending []*api.CompletionOp
	done    []*api.CompletionOp

	// Submitted records every operation in submission order.
	Submitted []*api.CompletionOp
	// SubmitErr, when set, fails the next Submit and is cleared.
	SubmitErr error
}

// NewCompletion creates an empty fake completion backend.
func NewCompletion() *Completion {
	return &Completion{assoc: make(map[api.FD]any)}
}

func (c *Completion) Type() api.BackendType { return api.BackendIOCP }

func (c *Completion) Associate(fd api.FD, userData any) error {
	if _, ok := c.assoc[fd]; ok {
		c.assoc[fd] = userData
		return api.ErrAlreadyExists
	}
	c.assoc[fd] = userData
	return nil
}

func (c *Completion) Disassociate(fd api.FD) error {
	delete(c.assoc, fd)
	return nil
}

// Associated reports whether fd is associated.
func (c *Completion) Associated(fd api.FD) bool {
	_, ok := c.assoc[fd]
	return ok
}

func (c *Completion) Submit(op *api.CompletionOp) error {
	if err := c.SubmitErr; err != nil {
		c.SubmitErr = nil
		return err
	}
	if _, ok := c.assoc[op.Fd]; !ok {
		return api.ErrNotFound
	}
	c.pending = append(c.pending, op)
	c.Submitted = append(c.Submitted, op)
	return nil
}

func (c *Completion) Cancel(op *api.CompletionOp) error {
	for i, p := range c.pending {
		if p == op {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			op.N, op.Err = -1, api.ErrCanceled
			c.done = append(c.done, op)
			return nil
		}
	}
	return api.ErrNotFound
}

// Pending returns the in-flight operations of kind.
func (c *Completion) Pending(kind api.OpKind) []*api.CompletionOp {
	var out []*api.CompletionOp
	for _, p := range c.pending {
		if p.Kind == kind {
			out = append(out, p)
		}
	}
	return out
}

// Complete finishes the oldest pending operation of kind. For receives,
// payload is copied into the op buffer and from becomes the source address.
// It returns false when no such operation is pending.
func (c *Completion) Complete(kind api.OpKind, payload []byte, from netip.AddrPort, err error) bool {
	for i, p := range c.pending {
		if p.Kind != kind {
			continue
		}
		c.pending = append(c.pending[:i], c.pending[i+1:]...)
		switch {
		case err != nil:
			p.N, p.Err = -1, err
		case kind == api.OpRecv:
			p.N = copy(p.Buf, payload)
			p.Addr = from
			p.Err = nil
		default:
			p.N, p.Err = len(p.Buf), nil
		}
		c.done = append(c.done, p)
		return true
	}
	return false
}

func (c *Completion) Poll(timeoutMs int, fn api.EventFunc) (int, error) {
	batch := c.done
	c.done = nil
	for _, op := range batch {
		fn(c, api.Event{Fd: op.Fd, UserData: c.assoc[op.Fd], Completion: op, Bytes: op.N})
	}
	return len(batch), nil
}

func (c *Completion) Wakeup() error { return nil }

func (c *Completion) Close() error { return nil }

var _ api.CompletionBackend = (*Completion)(nil)

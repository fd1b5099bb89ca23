//go:build windows
// +build windows

// File: reactor/iocp_windows.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Completion backend on I/O completion ports. Each submitted operation owns
// an iocpOp whose embedded OVERLAPPED lets the completion be mapped back.

package reactor

import (
	"fmt"
	"unsafe"

	"github.com/momentics/vox/api"
	"github.com/momentics/vox/internal/sock"
	"golang.org/x/sys/windows"
)

const (
	wakeKey     = ^uintptr(0)
	waitTimeout = windows.Errno(258) // WAIT_TIMEOUT
)

// iocpOp must keep ov as its first field.
type iocpOp struct {
	ov      windows.Overlapped
	op      *api.CompletionOp
	wsabuf  windows.WSABuf
	from    windows.RawSockaddrAny
	fromLen int32
	flags   uint32
	qty     uint32
}

type iocpAssoc struct {
	family   int
	userData any
}

type iocpBackend struct {
	port      windows.Handle
	known     map[api.FD]bool // handles ever bound to port
	assoc     map[api.FD]*iocpAssoc
	byOv      map[*windows.Overlapped]*iocpOp
	byOp      map[*api.CompletionOp]*iocpOp
	maxEvents int
}

func newIOCP(cfg Config) (*iocpBackend, error) {
	port, err := windows.CreateIoCompletionPort(windows.InvalidHandle, 0, 0, 1)
	if err != nil {
		return nil, fmt.Errorf("CreateIoCompletionPort: %w", err)
	}
	return &iocpBackend{
		port:      port,
		assoc:     make(map[api.FD]*iocpAssoc),
		known:     make(map[api.FD]bool),
		byOv:      make(map[*windows.Overlapped]*iocpOp),
		byOp:      make(map[*api.CompletionOp]*iocpOp),
		maxEvents: cfg.MaxEvents,
	}, nil
}

func (b *iocpBackend) Type() api.BackendType { return api.BackendIOCP }

// Associate binds the socket to the port. Windows cannot undo the binding,
// so re-associating a handle after Disassociate only restores bookkeeping.
func (b *iocpBackend) Associate(fd api.FD, userData any) error {
	if a, ok := b.assoc[fd]; ok {
		a.userData = userData
		return api.ErrAlreadyExists
	}
	if _, err := windows.CreateIoCompletionPort(windows.Handle(fd), b.port, uintptr(fd), 0); err != nil && !b.known[fd] {
		return fmt.Errorf("associate handle: %w", err)
	}
	b.known[fd] = true
	b.assoc[fd] = &iocpAssoc{family: sock.FamilyOfSocket(fd), userData: userData}
	return nil
}

// Disassociate forgets the socket; completions still in flight for it are
// delivered with a nil UserData.
func (b *iocpBackend) Disassociate(fd api.FD) error {
	delete(b.assoc, fd)
	return nil
}

func (b *iocpBackend) Submit(op *api.CompletionOp) error {
	a, ok := b.assoc[op.Fd]
	if !ok {
		return api.ErrNotFound
	}
	if _, busy := b.byOp[op]; busy {
		return api.ErrAlreadyExists
	}
	o := &iocpOp{op: op}
	o.wsabuf.Len = uint32(len(op.Buf))
	if len(op.Buf) > 0 {
		o.wsabuf.Buf = &op.Buf[0]
	}
	var err error
	switch op.Kind {
	case api.OpRecv:
		o.fromLen = int32(unsafe.Sizeof(o.from))
		err = windows.WSARecvFrom(windows.Handle(op.Fd), &o.wsabuf, 1, &o.qty, &o.flags, &o.from, &o.fromLen, &o.ov, nil)
	case api.OpSend:
		if !sock.CanReach(a.family, op.Addr) {
			return fmt.Errorf("submit %v: %w", op.Kind, sock.ErrFamilyMismatch)
		}
		err = windows.WSASendto(windows.Handle(op.Fd), &o.wsabuf, 1, &o.qty, 0, sock.ToSockaddr(a.family, op.Addr), &o.ov, nil)
	default:
		return api.ErrInvalidArgument
	}
	if err != nil && err != windows.ERROR_IO_PENDING {
		return fmt.Errorf("submit %v: %w", op.Kind, err)
	}
	b.byOv[&o.ov] = o
	b.byOp[op] = o
	return nil
}

// Cancel requests cancellation; the op still completes through Poll with an
// error result.
func (b *iocpBackend) Cancel(op *api.CompletionOp) error {
	o, ok := b.byOp[op]
	if !ok {
		return api.ErrNotFound
	}
	err := windows.CancelIoEx(windows.Handle(op.Fd), &o.ov)
	if err != nil && err != windows.ERROR_NOT_FOUND {
		return fmt.Errorf("CancelIoEx: %w", err)
	}
	return nil
}

func (b *iocpBackend) Poll(timeoutMs int, fn api.EventFunc) (int, error) {
	timeout := uint32(windows.INFINITE)
	if timeoutMs >= 0 {
		timeout = uint32(timeoutMs)
	}
	count := 0
	for count < b.maxEvents {
		var qty uint32
		var key uintptr
		var ov *windows.Overlapped
		err := windows.GetQueuedCompletionStatus(b.port, &qty, &key, &ov, timeout)
		if ov == nil {
			// wakeup, timeout, or nothing left to drain
			if err != nil && err != waitTimeout && count == 0 {
				return -1, fmt.Errorf("GetQueuedCompletionStatus: %w", err)
			}
			break
		}
		o, ok := b.byOv[ov]
		if !ok {
			continue
		}
		delete(b.byOv, ov)
		delete(b.byOp, o.op)
		op := o.op
		op.N = int(qty)
		op.Err = nil
		if err != nil {
			op.N = -1
			if err == windows.ERROR_OPERATION_ABORTED {
				op.Err = api.ErrCanceled
			} else {
				op.Err = err
			}
		} else if op.Kind == api.OpRecv {
			op.Addr = sock.FromRaw(&o.from)
		}
		ev := api.Event{Fd: op.Fd, Completion: op, Bytes: op.N}
		if a, ok := b.assoc[op.Fd]; ok {
			ev.UserData = a.userData
		}
		deliver(b, fn, ev)
		count++
		// drain whatever is already queued without blocking again
		timeout = 0
	}
	return count, nil
}

func (b *iocpBackend) Wakeup() error {
	return windows.PostQueuedCompletionStatus(b.port, 0, wakeKey, nil)
}

func (b *iocpBackend) Close() error {
	b.assoc = nil
	return windows.CloseHandle(b.port)
}

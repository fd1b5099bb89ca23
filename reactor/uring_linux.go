//go:build linux
// +build linux

// File: reactor/uring_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Readiness backend on io_uring. Interest is expressed with one-shot
// IORING_OP_POLL_ADD requests that are re-armed after every delivery, which
// yields the same level-triggered contract as epoll.

package reactor

import (
	"fmt"
	"time"
	"unsafe"

	"github.com/momentics/vox/api"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// user_data layout: kind(8) | generation(24) | fd(32).
const (
	udKindPoll    = 1
	udKindWake    = 2
	udKindTimeout = 3
	udKindRemove  = 4

	udGenMask = 1<<24 - 1
)

func packUserData(kind uint64, gen uint32, fd api.FD) uint64 {
	return kind<<56 | uint64(gen&udGenMask)<<32 | uint64(uint32(fd))
}

func unpackUserData(ud uint64) (kind uint64, gen uint32, fd api.FD) {
	return ud >> 56, uint32(ud>>32) & udGenMask, api.FD(uint32(ud))
}

type uringReg struct {
	registration
	gen   uint32
	armed bool
}

type uringBackend struct {
	ring   *ring
	wakefd int
	regs   map[api.FD]*uringReg
	cqes   []ioUringCqe

	ts         unix.Timespec
	timeoutSeq uint32
	timeoutUD  uint64 // pending timeout request, 0 when none
}

func newUring(cfg Config) (*uringBackend, error) {
	entries := uint32(cfg.MaxEvents)
	if entries < 64 {
		entries = 64
	}
	rg, err := newRing(entries)
	if err != nil {
		return nil, err
	}
	wakefd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		rg.close()
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	b := &uringBackend{
		ring:   rg,
		wakefd: wakefd,
		regs:   make(map[api.FD]*uringReg),
		cqes:   make([]ioUringCqe, cfg.MaxEvents),
	}
	if err := b.armWake(); err != nil {
		b.Close()
		return nil, err
	}
	if err := b.ring.enter(0); err != nil {
		b.Close()
		return nil, err
	}
	return b, nil
}

func (b *uringBackend) Type() api.BackendType { return api.BackendIOUring }

func toPoll(mask api.EventMask) uint32 {
	var ev uint32
	if mask&api.EventRead != 0 {
		ev |= unix.POLLIN
	}
	if mask&api.EventWrite != 0 {
		ev |= unix.POLLOUT
	}
	return ev
}

func fromPoll(ev uint32) api.EventMask {
	var mask api.EventMask
	if ev&(unix.POLLIN|unix.POLLPRI) != 0 {
		mask |= api.EventRead
	}
	if ev&unix.POLLOUT != 0 {
		mask |= api.EventWrite
	}
	if ev&(unix.POLLERR|unix.POLLNVAL) != 0 {
		mask |= api.EventError
	}
	if ev&(unix.POLLHUP|unix.POLLRDHUP) != 0 {
		mask |= api.EventHangup
	}
	return mask
}

func (b *uringBackend) armWake() error {
	sqe, err := b.ring.getSqe()
	if err != nil {
		return err
	}
	sqe.Opcode = ioringOpPollAdd
	sqe.Fd = int32(b.wakefd)
	sqe.OpFlags = unix.POLLIN
	sqe.UserData = packUserData(udKindWake, 0, 0)
	return nil
}

func (b *uringBackend) arm(reg *uringReg) error {
	if reg.mask == 0 {
		reg.armed = false
		return nil
	}
	sqe, err := b.ring.getSqe()
	if err != nil {
		return err
	}
	sqe.Opcode = ioringOpPollAdd
	sqe.Fd = int32(reg.fd)
	sqe.OpFlags = toPoll(reg.mask)
	sqe.UserData = packUserData(udKindPoll, reg.gen, reg.fd)
	reg.armed = true
	return nil
}

func (b *uringBackend) disarm(reg *uringReg) error {
	if !reg.armed {
		return nil
	}
	sqe, err := b.ring.getSqe()
	if err != nil {
		return err
	}
	sqe.Opcode = ioringOpPollRemove
	sqe.Fd = -1
	sqe.Addr = packUserData(udKindPoll, reg.gen, reg.fd)
	sqe.UserData = packUserData(udKindRemove, 0, reg.fd)
	reg.armed = false
	return nil
}

// Add arms a poll request for fd and submits it at once.
func (b *uringBackend) Add(fd api.FD, mask api.EventMask, userData any) error {
	if _, ok := b.regs[fd]; ok {
		return api.ErrAlreadyExists
	}
	reg := &uringReg{registration: registration{fd: fd, mask: mask, userData: userData}}
	if err := b.arm(reg); err != nil {
		return err
	}
	b.regs[fd] = reg
	return b.ring.enter(0)
}

// Modify cancels the armed request and re-arms with the new mask under a new
// generation, so completions of the old request are discarded.
func (b *uringBackend) Modify(fd api.FD, mask api.EventMask) error {
	reg, ok := b.regs[fd]
	if !ok {
		return api.ErrNotFound
	}
	if reg.mask == mask {
		return nil
	}
	if err := b.disarm(reg); err != nil {
		return err
	}
	reg.gen = (reg.gen + 1) & udGenMask
	reg.mask = mask
	if err := b.arm(reg); err != nil {
		return err
	}
	return b.ring.enter(0)
}

func (b *uringBackend) Remove(fd api.FD) error {
	reg, ok := b.regs[fd]
	if !ok {
		return nil
	}
	delete(b.regs, fd)
	if err := b.disarm(reg); err != nil {
		return err
	}
	return b.ring.enter(0)
}

func (b *uringBackend) armTimeout(timeoutMs int) error {
	sqe, err := b.ring.getSqe()
	if err != nil {
		return err
	}
	b.ts = unix.NsecToTimespec(int64(time.Duration(timeoutMs) * time.Millisecond))
	b.timeoutSeq = (b.timeoutSeq + 1) & udGenMask
	b.timeoutUD = packUserData(udKindTimeout, b.timeoutSeq, 0)
	sqe.Opcode = ioringOpTimeout
	sqe.Fd = -1
	sqe.Addr = uint64(uintptr(unsafe.Pointer(&b.ts)))
	sqe.Len = 1
	sqe.UserData = b.timeoutUD
	return nil
}

// cancelTimeout withdraws a timeout that did not fire during its Poll call.
func (b *uringBackend) cancelTimeout() {
	if b.timeoutUD == 0 {
		return
	}
	sqe, err := b.ring.getSqe()
	if err != nil {
		return
	}
	sqe.Opcode = ioringOpTimeoutRemove
	sqe.Fd = -1
	sqe.Addr = b.timeoutUD
	sqe.UserData = packUserData(udKindRemove, 0, 0)
	b.timeoutUD = 0
	if err := b.ring.enter(0); err != nil {
		logrus.WithError(err).Debug("io_uring timeout remove submit failed")
	}
}

// Poll submits pending requests, waits per timeoutMs and dispatches readiness.
func (b *uringBackend) Poll(timeoutMs int, fn api.EventFunc) (int, error) {
	var wait uint32
	switch {
	case timeoutMs < 0:
		wait = 1
	case timeoutMs > 0:
		if err := b.armTimeout(timeoutMs); err != nil {
			return -1, err
		}
		wait = 1
	}
	if err := b.ring.enter(wait); err != nil && err != unix.EINTR {
		return -1, err
	}
	n := b.ring.reap(b.cqes)
	count := 0
	for i := 0; i < n; i++ {
		cqe := b.cqes[i]
		kind, gen, fd := unpackUserData(cqe.UserData)
		switch kind {
		case udKindWake:
			drainEventfd(b.wakefd)
			if err := b.armWake(); err != nil {
				return count, err
			}
		case udKindTimeout:
			if cqe.UserData == b.timeoutUD {
				b.timeoutUD = 0
			}
		case udKindPoll:
			reg, ok := b.regs[fd]
			if !ok || reg.gen != gen {
				continue // stale: fd removed or re-armed since
			}
			reg.armed = false
			var mask api.EventMask
			if cqe.Res < 0 {
				if -cqe.Res == int32(unix.ECANCELED) {
					continue
				}
				mask = api.EventError
			} else {
				mask = fromPoll(uint32(cqe.Res))
			}
			deliver(b, fn, api.Event{Fd: fd, Mask: mask, UserData: reg.userData})
			count++
			// the callback may have removed or modified the registration
			if cur, ok := b.regs[fd]; ok && cur == reg && cur.gen == gen && !cur.armed {
				if err := b.arm(cur); err != nil {
					return count, err
				}
			}
		}
	}
	b.cancelTimeout()
	if b.ring.unsubmitted > 0 {
		if err := b.ring.enter(0); err != nil {
			return count, err
		}
	}
	return count, nil
}

func (b *uringBackend) Wakeup() error {
	return writeEventfd(b.wakefd)
}

func (b *uringBackend) Close() error {
	b.regs = nil
	unix.Close(b.wakefd)
	return b.ring.close()
}

//go:build darwin || dragonfly || freebsd || netbsd || openbsd
// +build darwin dragonfly freebsd netbsd openbsd

// File: reactor/kqueue_bsd.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// kqueue readiness backend. Read and write interest map onto separate
// EVFILT_READ and EVFILT_WRITE filters; Poll folds them back per descriptor.

package reactor

import (
	"fmt"

	"github.com/momentics/vox/api"
	"golang.org/x/sys/unix"
)

type kqueueBackend struct {
	kq           int
	wakeR, wakeW int
	regs         map[api.FD]*registration
	events       []unix.Kevent_t
	changes      []unix.Kevent_t
	merged       map[api.FD]api.EventMask
	order        []api.FD
}

func newKqueue(cfg Config) (*kqueueBackend, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, fmt.Errorf("kqueue: %w", err)
	}
	unix.CloseOnExec(kq)
	var p [2]int
	if err := unix.Pipe(p[:]); err != nil {
		unix.Close(kq)
		return nil, fmt.Errorf("kqueue wake pipe: %w", err)
	}
	unix.SetNonblock(p[0], true)
	unix.SetNonblock(p[1], true)
	b := &kqueueBackend{
		kq:     kq,
		wakeR:  p[0],
		wakeW:  p[1],
		regs:   make(map[api.FD]*registration),
		events: make([]unix.Kevent_t, cfg.MaxEvents),
		merged: make(map[api.FD]api.EventMask),
	}
	var ch [1]unix.Kevent_t
	unix.SetKevent(&ch[0], p[0], unix.EVFILT_READ, unix.EV_ADD)
	if _, err := unix.Kevent(kq, ch[:], nil, nil); err != nil {
		b.Close()
		return nil, fmt.Errorf("kevent add wake: %w", err)
	}
	return b, nil
}

func (b *kqueueBackend) Type() api.BackendType { return api.BackendKqueue }

// apply diffs the old and new masks into EV_ADD/EV_DELETE changes.
func (b *kqueueBackend) apply(fd api.FD, oldMask, newMask api.EventMask) error {
	b.changes = b.changes[:0]
	pairs := []struct {
		bit    api.EventMask
		filter int
	}{{api.EventRead, unix.EVFILT_READ}, {api.EventWrite, unix.EVFILT_WRITE}}
	for _, p := range pairs {
		had, want := oldMask&p.bit != 0, newMask&p.bit != 0
		if had == want {
			continue
		}
		var k unix.Kevent_t
		if want {
			unix.SetKevent(&k, int(fd), p.filter, unix.EV_ADD)
		} else {
			unix.SetKevent(&k, int(fd), p.filter, unix.EV_DELETE)
		}
		b.changes = append(b.changes, k)
	}
	if len(b.changes) == 0 {
		return nil
	}
	if _, err := unix.Kevent(b.kq, b.changes, nil, nil); err != nil {
		return fmt.Errorf("kevent change: %w", err)
	}
	return nil
}

func (b *kqueueBackend) Add(fd api.FD, mask api.EventMask, userData any) error {
	if _, ok := b.regs[fd]; ok {
		return api.ErrAlreadyExists
	}
	if err := b.apply(fd, 0, mask); err != nil {
		return err
	}
	b.regs[fd] = &registration{fd: fd, mask: mask, userData: userData}
	return nil
}

func (b *kqueueBackend) Modify(fd api.FD, mask api.EventMask) error {
	reg, ok := b.regs[fd]
	if !ok {
		return api.ErrNotFound
	}
	if err := b.apply(fd, reg.mask, mask); err != nil {
		return err
	}
	reg.mask = mask
	return nil
}

func (b *kqueueBackend) Remove(fd api.FD) error {
	reg, ok := b.regs[fd]
	if !ok {
		return nil
	}
	delete(b.regs, fd)
	// a closed descriptor already left the kqueue
	_ = b.apply(fd, reg.mask&(api.EventRead|api.EventWrite), 0)
	return nil
}

func (b *kqueueBackend) Poll(timeoutMs int, fn api.EventFunc) (int, error) {
	var ts *unix.Timespec
	if timeoutMs >= 0 {
		t := unix.NsecToTimespec(int64(timeoutMs) * 1e6)
		ts = &t
	}
	n, err := unix.Kevent(b.kq, nil, b.events, ts)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return -1, fmt.Errorf("kevent wait: %w", err)
	}
	b.order = b.order[:0]
	for i := 0; i < n; i++ {
		ev := &b.events[i]
		fd := api.FD(ev.Ident)
		if int(fd) == b.wakeR {
			drainPipe(b.wakeR)
			continue
		}
		var mask api.EventMask
		switch {
		case ev.Filter == unix.EVFILT_READ:
			mask = api.EventRead
		case ev.Filter == unix.EVFILT_WRITE:
			mask = api.EventWrite
		}
		if ev.Flags&unix.EV_ERROR != 0 {
			mask |= api.EventError
		}
		if ev.Flags&unix.EV_EOF != 0 {
			mask |= api.EventHangup
		}
		if _, seen := b.merged[fd]; !seen {
			b.order = append(b.order, fd)
		}
		b.merged[fd] |= mask
	}
	count := 0
	for _, fd := range b.order {
		mask := b.merged[fd]
		delete(b.merged, fd)
		reg, ok := b.regs[fd]
		if !ok {
			continue
		}
		deliver(b, fn, api.Event{Fd: fd, Mask: mask, UserData: reg.userData})
		count++
	}
	return count, nil
}

func (b *kqueueBackend) Wakeup() error {
	if _, err := unix.Write(b.wakeW, []byte{1}); err != nil && err != unix.EAGAIN {
		return fmt.Errorf("kqueue wake: %w", err)
	}
	return nil
}

func (b *kqueueBackend) Close() error {
	b.regs = nil
	unix.Close(b.wakeR)
	unix.Close(b.wakeW)
	return unix.Close(b.kq)
}

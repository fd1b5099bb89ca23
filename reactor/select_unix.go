//go:build linux || darwin || dragonfly || freebsd || netbsd || openbsd
// +build linux darwin dragonfly freebsd netbsd openbsd

// File: reactor/select_unix.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Portable fallback backend on select(2). Descriptors must be below FD_SETSIZE.

package reactor

import (
	"fmt"
	"sort"
	"time"

	"github.com/momentics/vox/api"
	"golang.org/x/sys/unix"
)

const fdSetSize = 1024

type selectBackend struct {
	wakeR, wakeW int
	regs         map[api.FD]*registration
	maxEvents    int
	order        []api.FD
}

func newSelect(cfg Config) (*selectBackend, error) {
	var p [2]int
	if err := unix.Pipe(p[:]); err != nil {
		return nil, fmt.Errorf("select wake pipe: %w", err)
	}
	unix.SetNonblock(p[0], true)
	unix.SetNonblock(p[1], true)
	unix.CloseOnExec(p[0])
	unix.CloseOnExec(p[1])
	return &selectBackend{
		wakeR:     p[0],
		wakeW:     p[1],
		regs:      make(map[api.FD]*registration),
		maxEvents: cfg.MaxEvents,
	}, nil
}

func (s *selectBackend) Type() api.BackendType { return api.BackendSelect }

func (s *selectBackend) Add(fd api.FD, mask api.EventMask, userData any) error {
	if fd >= fdSetSize {
		return api.NewError(api.ErrCodeNotSupported, "descriptor exceeds FD_SETSIZE").WithContext("fd", fd)
	}
	if _, ok := s.regs[fd]; ok {
		return api.ErrAlreadyExists
	}
	s.regs[fd] = &registration{fd: fd, mask: mask, userData: userData}
	return nil
}

func (s *selectBackend) Modify(fd api.FD, mask api.EventMask) error {
	reg, ok := s.regs[fd]
	if !ok {
		return api.ErrNotFound
	}
	reg.mask = mask
	return nil
}

func (s *selectBackend) Remove(fd api.FD) error {
	delete(s.regs, fd)
	return nil
}

func (s *selectBackend) Poll(timeoutMs int, fn api.EventFunc) (int, error) {
	var rset, wset, eset unix.FdSet
	rset.Set(s.wakeR)
	maxfd := s.wakeR
	s.order = s.order[:0]
	for fd, reg := range s.regs {
		s.order = append(s.order, fd)
		if reg.mask&api.EventRead != 0 {
			rset.Set(int(fd))
		}
		if reg.mask&api.EventWrite != 0 {
			wset.Set(int(fd))
		}
		eset.Set(int(fd))
		if int(fd) > maxfd {
			maxfd = int(fd)
		}
	}
	sort.Slice(s.order, func(i, j int) bool { return s.order[i] < s.order[j] })

	var tv *unix.Timeval
	if timeoutMs >= 0 {
		t := unix.NsecToTimeval(int64(time.Duration(timeoutMs) * time.Millisecond))
		tv = &t
	}
	n, err := unix.Select(maxfd+1, &rset, &wset, &eset, tv)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return -1, fmt.Errorf("select: %w", err)
	}
	if n == 0 {
		return 0, nil
	}
	if rset.IsSet(s.wakeR) {
		drainPipe(s.wakeR)
	}
	count := 0
	for _, fd := range s.order {
		if count >= s.maxEvents {
			break
		}
		reg, ok := s.regs[fd]
		if !ok {
			continue
		}
		var mask api.EventMask
		if rset.IsSet(int(fd)) {
			mask |= api.EventRead
		}
		if wset.IsSet(int(fd)) {
			mask |= api.EventWrite
		}
		if eset.IsSet(int(fd)) {
			mask |= api.EventError
		}
		if mask == 0 {
			continue
		}
		deliver(s, fn, api.Event{Fd: fd, Mask: mask, UserData: reg.userData})
		count++
	}
	return count, nil
}

func (s *selectBackend) Wakeup() error {
	if _, err := unix.Write(s.wakeW, []byte{1}); err != nil && err != unix.EAGAIN {
		return fmt.Errorf("select wake: %w", err)
	}
	return nil
}

func (s *selectBackend) Close() error {
	s.regs = nil
	unix.Close(s.wakeW)
	return unix.Close(s.wakeR)
}

func drainPipe(fd int) {
	var buf [64]byte
	for {
		n, err := unix.Read(fd, buf[:])
		if err != nil || n < len(buf) {
			return
		}
	}
}

//go:build linux
// +build linux

// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package reactor - Linux epoll implementation.

package reactor

import (
	"encoding/binary"
	"fmt"

	"github.com/momentics/vox/api"
	"golang.org/x/sys/unix"
)

// epollBackend implements api.ReadinessBackend using Linux epoll.
type epollBackend struct {
	epfd   int                           // epoll file descriptor
	wakefd int                           // eventfd used by Wakeup
	events []unix.EpollEvent             // harvest buffer, MaxEvents long
	regs   map[api.FD]*registration
}

func newEpoll(cfg Config) (*epollBackend, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll create: %w", err)
	}
	wakefd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakefd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakefd, &ev); err != nil {
		unix.Close(wakefd)
		unix.Close(epfd)
		return nil, fmt.Errorf("epoll ctl add wakefd: %w", err)
	}
	return &epollBackend{
		epfd:   epfd,
		wakefd: wakefd,
		events: make([]unix.EpollEvent, cfg.MaxEvents),
		regs:   make(map[api.FD]*registration),
	}, nil
}

func (r *epollBackend) Type() api.BackendType { return api.BackendEpoll }

func toEpoll(mask api.EventMask) uint32 {
	var ev uint32
	if mask&api.EventRead != 0 {
		ev |= unix.EPOLLIN
	}
	if mask&api.EventWrite != 0 {
		ev |= unix.EPOLLOUT
	}
	return ev
}

func fromEpoll(ev uint32) api.EventMask {
	var mask api.EventMask
	if ev&(unix.EPOLLIN|unix.EPOLLPRI) != 0 {
		mask |= api.EventRead
	}
	if ev&unix.EPOLLOUT != 0 {
		mask |= api.EventWrite
	}
	if ev&unix.EPOLLERR != 0 {
		mask |= api.EventError
	}
	if ev&(unix.EPOLLHUP|unix.EPOLLRDHUP) != 0 {
		mask |= api.EventHangup
	}
	return mask
}

// Add registers fd with the epoll watch list.
func (r *epollBackend) Add(fd api.FD, mask api.EventMask, userData any) error {
	if _, ok := r.regs[fd]; ok {
		return api.ErrAlreadyExists
	}
	ev := unix.EpollEvent{Events: toEpoll(mask), Fd: int32(fd)}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, int(fd), &ev); err != nil {
		return fmt.Errorf("epoll ctl add: %w", err)
	}
	r.regs[fd] = &registration{fd: fd, mask: mask, userData: userData}
	return nil
}

// Modify replaces the interest set; an unchanged mask costs no syscall.
func (r *epollBackend) Modify(fd api.FD, mask api.EventMask) error {
	reg, ok := r.regs[fd]
	if !ok {
		return api.ErrNotFound
	}
	if reg.mask == mask {
		return nil
	}
	ev := unix.EpollEvent{Events: toEpoll(mask), Fd: int32(fd)}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_MOD, int(fd), &ev); err != nil {
		return fmt.Errorf("epoll ctl mod: %w", err)
	}
	reg.mask = mask
	return nil
}

// Remove drops fd from the epoll watch list.
func (r *epollBackend) Remove(fd api.FD) error {
	if _, ok := r.regs[fd]; !ok {
		return nil
	}
	delete(r.regs, fd)
	err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, int(fd), nil)
	if err != nil && err != unix.ENOENT && err != unix.EBADF {
		return fmt.Errorf("epoll ctl del: %w", err)
	}
	return nil
}

// Poll blocks and dispatches events on registered file descriptors.
func (r *epollBackend) Poll(timeoutMs int, fn api.EventFunc) (int, error) {
	if timeoutMs < 0 {
		timeoutMs = -1
	}
	n, err := unix.EpollWait(r.epfd, r.events, timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil // interrupted by signal - normal
		}
		return -1, fmt.Errorf("epoll wait: %w", err)
	}
	count := 0
	for i := 0; i < n; i++ {
		ev := r.events[i]
		if int(ev.Fd) == r.wakefd {
			drainEventfd(r.wakefd)
			continue
		}
		fd := api.FD(ev.Fd)
		// a callback earlier in this batch may have removed the fd
		reg, ok := r.regs[fd]
		if !ok {
			continue
		}
		deliver(r, fn, api.Event{Fd: fd, Mask: fromEpoll(ev.Events), UserData: reg.userData})
		count++
	}
	return count, nil
}

// Wakeup bumps the eventfd counter.
func (r *epollBackend) Wakeup() error {
	return writeEventfd(r.wakefd)
}

// Close releases the epoll and eventfd descriptors.
func (r *epollBackend) Close() error {
	r.regs = nil
	unix.Close(r.wakefd)
	return unix.Close(r.epfd)
}

func writeEventfd(fd int) error {
	var one [8]byte
	binary.NativeEndian.PutUint64(one[:], 1)
	if _, err := unix.Write(fd, one[:]); err != nil && err != unix.EAGAIN {
		return fmt.Errorf("eventfd write: %w", err)
	}
	return nil
}

func drainEventfd(fd int) {
	var buf [8]byte
	for {
		if _, err := unix.Read(fd, buf[:]); err != nil {
			return
		}
	}
}

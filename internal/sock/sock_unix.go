//go:build linux || darwin || dragonfly || freebsd || netbsd || openbsd
// +build linux darwin dragonfly freebsd netbsd openbsd

// File: internal/sock/sock_unix.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package sock

import (
	"errors"
	"fmt"
	"net/netip"

	"github.com/momentics/vox/api"
	"golang.org/x/sys/unix"
)

const (
	afInet  = unix.AF_INET
	afInet6 = unix.AF_INET6
)

// InvalidFD marks a closed or never opened socket.
const InvalidFD = ^api.FD(0)

// Open creates a non-blocking, close-on-exec UDP socket.
func Open(family int) (Socket, error) {
	fd, err := unix.Socket(family, unix.SOCK_DGRAM, unix.IPPROTO_UDP)
	if err != nil {
		return Socket{FD: InvalidFD}, fmt.Errorf("socket create: %w", err)
	}
	unix.CloseOnExec(fd)
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return Socket{FD: InvalidFD}, fmt.Errorf("socket nonblock: %w", err)
	}
	return Socket{FD: api.FD(fd), Family: family}, nil
}

// Bind applies opts and binds s to addr.
func (s Socket) Bind(addr netip.AddrPort, opts Options) error {
	fd := int(s.FD)
	if opts.ReuseAddr {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
			return fmt.Errorf("SO_REUSEADDR: %w", err)
		}
	}
	if opts.ReusePort {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
			return fmt.Errorf("SO_REUSEPORT: %w", err)
		}
	}
	if opts.Broadcast {
		if err := s.SetBroadcast(true); err != nil {
			return err
		}
	}
	if opts.IPv6Only && s.Family == afInet6 {
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 1); err != nil {
			return fmt.Errorf("IPV6_V6ONLY: %w", err)
		}
	}
	if opts.RecvBuffer > 0 {
		_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, opts.RecvBuffer)
	}
	if err := unix.Bind(fd, toSockaddr(s.Family, addr)); err != nil {
		return fmt.Errorf("bind %s: %w", addr, err)
	}
	return nil
}

// SetBroadcast toggles SO_BROADCAST.
func (s Socket) SetBroadcast(on bool) error {
	v := 0
	if on {
		v = 1
	}
	if err := unix.SetsockoptInt(int(s.FD), unix.SOL_SOCKET, unix.SO_BROADCAST, v); err != nil {
		return fmt.Errorf("SO_BROADCAST: %w", err)
	}
	return nil
}

// SetReuseAddr toggles SO_REUSEADDR.
func (s Socket) SetReuseAddr(on bool) error {
	v := 0
	if on {
		v = 1
	}
	if err := unix.SetsockoptInt(int(s.FD), unix.SOL_SOCKET, unix.SO_REUSEADDR, v); err != nil {
		return fmt.Errorf("SO_REUSEADDR: %w", err)
	}
	return nil
}

// SendTo transmits one datagram. Datagrams are never partially written.
func (s Socket) SendTo(p []byte, addr netip.AddrPort) (int, error) {
	if !CanReach(s.Family, addr) {
		return 0, ErrFamilyMismatch
	}
	for {
		err := unix.Sendto(int(s.FD), p, 0, toSockaddr(s.Family, addr))
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, err
		}
		return len(p), nil
	}
}

// RecvFrom reads one datagram into p.
func (s Socket) RecvFrom(p []byte) (int, netip.AddrPort, error) {
	for {
		n, from, err := unix.Recvfrom(int(s.FD), p, 0)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, netip.AddrPort{}, err
		}
		return n, fromSockaddr(from), nil
	}
}

// LocalAddr returns the bound address.
func (s Socket) LocalAddr() (netip.AddrPort, error) {
	sa, err := unix.Getsockname(int(s.FD))
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("getsockname: %w", err)
	}
	return fromSockaddr(sa), nil
}

// Close releases the descriptor.
func (s Socket) Close() error {
	if !s.Valid() {
		return nil
	}
	return unix.Close(int(s.FD))
}

// IsWouldBlock reports a transient "try again" condition.
func IsWouldBlock(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) ||
		errors.Is(err, unix.ENOBUFS) || errors.Is(err, api.ErrWouldBlock)
}

func toSockaddr(family int, addr netip.AddrPort) unix.Sockaddr {
	addr = sendAddr(family, addr)
	if family == afInet {
		return &unix.SockaddrInet4{Port: int(addr.Port()), Addr: addr.Addr().Unmap().As4()}
	}
	return &unix.SockaddrInet6{Port: int(addr.Port()), Addr: addr.Addr().As16()}
}

func fromSockaddr(sa unix.Sockaddr) netip.AddrPort {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(v.Addr), uint16(v.Port))
	case *unix.SockaddrInet6:
		return UnmapAddr(netip.AddrPortFrom(netip.AddrFrom16(v.Addr), uint16(v.Port)))
	}
	return netip.AddrPort{}
}

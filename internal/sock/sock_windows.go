//go:build windows
// +build windows

// File: internal/sock/sock_windows.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package sock

import (
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"unsafe"

	"github.com/momentics/vox/api"
	"golang.org/x/sys/windows"
)

const (
	afInet  = windows.AF_INET
	afInet6 = windows.AF_INET6

	sioUDPConnReset = 0x9800000C // SIO_UDP_CONNRESET
)

// InvalidFD marks a closed or never opened socket.
const InvalidFD = api.FD(windows.InvalidHandle)

var (
	wsaOnce sync.Once
	wsaErr  error
)

func startup() error {
	wsaOnce.Do(func() {
		var data windows.WSAData
		wsaErr = windows.WSAStartup(uint32(0x202), &data)
	})
	return wsaErr
}

// Open creates an overlapped UDP socket ready for IOCP association.
func Open(family int) (Socket, error) {
	if err := startup(); err != nil {
		return Socket{FD: InvalidFD}, fmt.Errorf("WSAStartup: %w", err)
	}
	h, err := windows.WSASocket(int32(family), windows.SOCK_DGRAM, windows.IPPROTO_UDP, nil, 0, windows.WSA_FLAG_OVERLAPPED)
	if err != nil {
		return Socket{FD: InvalidFD}, fmt.Errorf("socket create: %w", err)
	}
	// ICMP port-unreachable must not surface as WSAECONNRESET on later receives
	flag := uint32(0)
	var ret uint32
	_ = windows.WSAIoctl(h, sioUDPConnReset, (*byte)(unsafe.Pointer(&flag)), 4, nil, 0, &ret, nil, 0)
	return Socket{FD: api.FD(h), Family: family}, nil
}

// Bind applies opts and binds s to addr. SO_REUSEPORT does not exist on
// Windows; SO_REUSEADDR already grants port sharing there.
func (s Socket) Bind(addr netip.AddrPort, opts Options) error {
	h := windows.Handle(s.FD)
	if opts.ReuseAddr || opts.ReusePort {
		if err := windows.SetsockoptInt(h, windows.SOL_SOCKET, windows.SO_REUSEADDR, 1); err != nil {
			return fmt.Errorf("SO_REUSEADDR: %w", err)
		}
	}
	if opts.Broadcast {
		if err := s.SetBroadcast(true); err != nil {
			return err
		}
	}
	if opts.IPv6Only && s.Family == afInet6 {
		if err := windows.SetsockoptInt(h, windows.IPPROTO_IPV6, windows.IPV6_V6ONLY, 1); err != nil {
			return fmt.Errorf("IPV6_V6ONLY: %w", err)
		}
	}
	if opts.RecvBuffer > 0 {
		_ = windows.SetsockoptInt(h, windows.SOL_SOCKET, windows.SO_RCVBUF, opts.RecvBuffer)
	}
	if err := windows.Bind(h, ToSockaddr(s.Family, addr)); err != nil {
		return fmt.Errorf("bind %s: %w", addr, err)
	}
	return nil
}

func (s Socket) SetBroadcast(on bool) error {
	v := 0
	if on {
		v = 1
	}
	if err := windows.SetsockoptInt(windows.Handle(s.FD), windows.SOL_SOCKET, windows.SO_BROADCAST, v); err != nil {
		return fmt.Errorf("SO_BROADCAST: %w", err)
	}
	return nil
}

func (s Socket) SetReuseAddr(on bool) error {
	v := 0
	if on {
		v = 1
	}
	if err := windows.SetsockoptInt(windows.Handle(s.FD), windows.SOL_SOCKET, windows.SO_REUSEADDR, v); err != nil {
		return fmt.Errorf("SO_REUSEADDR: %w", err)
	}
	return nil
}

func (s Socket) SendTo(p []byte, addr netip.AddrPort) (int, error) {
	if !CanReach(s.Family, addr) {
		return 0, ErrFamilyMismatch
	}
	if err := windows.Sendto(windows.Handle(s.FD), p, 0, ToSockaddr(s.Family, addr)); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (s Socket) RecvFrom(p []byte) (int, netip.AddrPort, error) {
	n, from, err := windows.Recvfrom(windows.Handle(s.FD), p, 0)
	if err != nil {
		return 0, netip.AddrPort{}, err
	}
	return n, fromSockaddr(from), nil
}

func (s Socket) LocalAddr() (netip.AddrPort, error) {
	sa, err := windows.Getsockname(windows.Handle(s.FD))
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("getsockname: %w", err)
	}
	return fromSockaddr(sa), nil
}

func (s Socket) Close() error {
	if !s.Valid() {
		return nil
	}
	return windows.Closesocket(windows.Handle(s.FD))
}

// IsWouldBlock reports a transient "try again" condition.
func IsWouldBlock(err error) bool {
	return errors.Is(err, windows.WSAEWOULDBLOCK) || errors.Is(err, windows.ERROR_IO_PENDING) ||
		errors.Is(err, api.ErrWouldBlock)
}

// ToSockaddr converts addr for a socket of the given family.
func ToSockaddr(family int, addr netip.AddrPort) windows.Sockaddr {
	addr = sendAddr(family, addr)
	if family == afInet {
		return &windows.SockaddrInet4{Port: int(addr.Port()), Addr: addr.Addr().Unmap().As4()}
	}
	return &windows.SockaddrInet6{Port: int(addr.Port()), Addr: addr.Addr().As16()}
}

// FamilyOfSocket queries the family a socket was opened with.
func FamilyOfSocket(fd api.FD) int {
	sa, err := windows.Getsockname(windows.Handle(fd))
	if err == nil {
		if _, ok := sa.(*windows.SockaddrInet6); ok {
			return afInet6
		}
	}
	return afInet
}

// FromRaw decodes the source address filled in by WSARecvFrom.
func FromRaw(rsa *windows.RawSockaddrAny) netip.AddrPort {
	switch rsa.Addr.Family {
	case windows.AF_INET:
		pp := (*windows.RawSockaddrInet4)(unsafe.Pointer(rsa))
		p := (*[2]byte)(unsafe.Pointer(&pp.Port))
		return netip.AddrPortFrom(netip.AddrFrom4(pp.Addr), uint16(p[0])<<8|uint16(p[1]))
	case windows.AF_INET6:
		pp := (*windows.RawSockaddrInet6)(unsafe.Pointer(rsa))
		p := (*[2]byte)(unsafe.Pointer(&pp.Port))
		return UnmapAddr(netip.AddrPortFrom(netip.AddrFrom16(pp.Addr), uint16(p[0])<<8|uint16(p[1])))
	}
	return netip.AddrPort{}
}

func fromSockaddr(sa windows.Sockaddr) netip.AddrPort {
	switch v := sa.(type) {
	case *windows.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(v.Addr), uint16(v.Port))
	case *windows.SockaddrInet6:
		return UnmapAddr(netip.AddrPortFrom(netip.AddrFrom16(v.Addr), uint16(v.Port)))
	}
	return netip.AddrPort{}
}

// File: internal/sock/sock.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Package sock wraps the raw datagram socket calls used by the UDP engine.
// Descriptors are plain api.FD values so they can be registered with any
// backend without going through the net package.

package sock

import (
	"fmt"
	"net/netip"

	"github.com/momentics/vox/api"
)

// Options are socket flags applied before bind.
type Options struct {
	ReuseAddr bool
	ReusePort bool
	Broadcast bool
	// IPv6Only disables dual-stack on AF_INET6 sockets.
	IPv6Only bool
	// RecvBuffer sets SO_RCVBUF when > 0.
	RecvBuffer int
}

// ErrFamilyMismatch is returned for a destination the socket family cannot
// address, such as an IPv6 peer on an AF_INET socket.
var ErrFamilyMismatch = fmt.Errorf("address family not supported by socket: %w", api.ErrNotSupported)

// CanReach reports whether a socket of family can address addr.
func CanReach(family int, addr netip.AddrPort) bool {
	return family != afInet || addr.Addr().Unmap().Is4()
}

// Socket is an open non-blocking datagram socket and its address family.
type Socket struct {
	FD     api.FD
	Family int
}

// Valid reports whether s refers to an open descriptor.
func (s Socket) Valid() bool { return s.FD != InvalidFD }

// UnmapAddr strips the IPv4-in-IPv6 mapping so callers always see the
// address form the peer actually uses.
func UnmapAddr(ap netip.AddrPort) netip.AddrPort {
	if ap.Addr().Is4In6() {
		return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
	}
	return ap
}

// sendAddr adapts addr to the socket family: IPv4 peers on an IPv6 socket
// are addressed through their mapped form.
func sendAddr(family int, addr netip.AddrPort) netip.AddrPort {
	if family == afInet6 && addr.Addr().Is4() {
		return netip.AddrPortFrom(netip.AddrFrom16(addr.Addr().As16()), addr.Port())
	}
	return addr
}

// FamilyOf picks the socket family able to reach addr.
func FamilyOf(addr netip.AddrPort) int {
	if addr.Addr().Is4() || addr.Addr().Is4In6() {
		return afInet
	}
	return afInet6
}

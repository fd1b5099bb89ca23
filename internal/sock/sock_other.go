//go:build !linux && !windows && !darwin && !dragonfly && !freebsd && !netbsd && !openbsd
// +build !linux,!windows,!darwin,!dragonfly,!freebsd,!netbsd,!openbsd

package sock

import (
	"errors"
	"net/netip"

	"github.com/momentics/vox/api"
)

const (
	afInet  = 2
	afInet6 = 10
)

const InvalidFD = ^api.FD(0)

func Open(int) (Socket, error) { return Socket{FD: InvalidFD}, api.ErrNotSupported }

func (s Socket) Bind(netip.AddrPort, Options) error { return api.ErrNotSupported }
func (s Socket) SetBroadcast(bool) error             { return api.ErrNotSupported }
func (s Socket) SetReuseAddr(bool) error             { return api.ErrNotSupported }
func (s Socket) SendTo([]byte, netip.AddrPort) (int, error) {
	return 0, api.ErrNotSupported
}
func (s Socket) RecvFrom([]byte) (int, netip.AddrPort, error) {
	return 0, netip.AddrPort{}, api.ErrNotSupported
}
func (s Socket) LocalAddr() (netip.AddrPort, error) { return netip.AddrPort{}, api.ErrNotSupported }
func (s Socket) Close() error                       { return nil }

func IsWouldBlock(err error) bool { return errors.Is(err, api.ErrWouldBlock) }

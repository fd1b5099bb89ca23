//go:build linux
// +build linux

// File: reactor/reactor_linux.go
// Author: momentics <momentics@gmail.com>
//
// Linux backend selection: io_uring when the kernel allows it, epoll otherwise.

package reactor

import (
	"sync"

	"github.com/momentics/vox/api"
)

var (
	uringProbeOnce sync.Once
	uringUsable    bool
)

// HasIoUringSupport reports whether an io_uring instance can be created here.
// Containers commonly forbid io_uring_setup through seccomp.
func HasIoUringSupport() bool {
	uringProbeOnce.Do(func() {
		r, err := newRing(8)
		if err == nil {
			uringUsable = true
			_ = r.close()
		}
	})
	return uringUsable
}

func autoType() api.BackendType {
	if HasIoUringSupport() {
		return api.BackendIOUring
	}
	return api.BackendEpoll
}

func newPlatform(t api.BackendType, cfg Config) (api.Backend, error) {
	switch t {
	case api.BackendEpoll:
		return newEpoll(cfg)
	case api.BackendIOUring:
		return newUring(cfg)
	case api.BackendSelect:
		return newSelect(cfg)
	}
	return nil, api.ErrNotSupported
}

//go:build darwin || dragonfly || freebsd || netbsd || openbsd
// +build darwin dragonfly freebsd netbsd openbsd

// File: reactor/reactor_bsd.go
// Author: momentics <momentics@gmail.com>

package reactor

import "github.com/momentics/vox/api"

func autoType() api.BackendType { return api.BackendKqueue }

func newPlatform(t api.BackendType, cfg Config) (api.Backend, error) {
	switch t {
	case api.BackendKqueue:
		return newKqueue(cfg)
	case api.BackendSelect:
		return newSelect(cfg)
	}
	return nil, api.ErrNotSupported
}

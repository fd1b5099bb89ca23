//go:build windows
// +build windows

// File: reactor/reactor_windows.go
// Author: momentics <momentics@gmail.com>

package reactor

import "github.com/momentics/vox/api"

func autoType() api.BackendType { return api.BackendIOCP }

func newPlatform(t api.BackendType, cfg Config) (api.Backend, error) {
	if t == api.BackendIOCP {
		return newIOCP(cfg)
	}
	return nil, api.ErrNotSupported
}

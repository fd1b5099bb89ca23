//go:build !linux && !windows && !darwin && !dragonfly && !freebsd && !netbsd && !openbsd
// +build !linux,!windows,!darwin,!dragonfly,!freebsd,!netbsd,!openbsd

// File: reactor/reactor_other.go
// Author: momentics <momentics@gmail.com>

package reactor

import "github.com/momentics/vox/api"

func autoType() api.BackendType { return api.BackendSelect }

func newPlatform(api.BackendType, Config) (api.Backend, error) {
	return nil, api.ErrNotSupported
}

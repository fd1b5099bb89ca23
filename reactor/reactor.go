// File: reactor/reactor.go
// Author: momentics <momentics@gmail.com>
//
// Platform-neutral backend factory and helpers shared by the implementations.

package reactor

import (
	"fmt"
	"strings"

	"github.com/momentics/vox/api"
	"github.com/sirupsen/logrus"
)

// defaultMaxEvents is used when Config.MaxEvents is 0.
const defaultMaxEvents = 128

// Config selects and sizes a backend.
type Config struct {
	Type api.BackendType
	// MaxEvents bounds the events harvested per Poll; 0 = backend default.
	MaxEvents int
	// Arena is the owning loop's allocator. Backends keep no buffers across
	// calls today, the field is carried so backends share the loop lifetime.
	Arena api.Arena
}

// New creates the backend described by cfg. BackendAuto resolves to the best
// primitive for the host OS; a type the host cannot provide returns
// api.ErrNotSupported.
func New(cfg Config) (api.Backend, error) {
	if cfg.MaxEvents <= 0 {
		cfg.MaxEvents = defaultMaxEvents
	}
	t := cfg.Type
	if t == api.BackendAuto {
		t = autoType()
	}
	b, err := newPlatform(t, cfg)
	if err != nil && cfg.Type == api.BackendAuto && t == api.BackendIOUring {
		logrus.WithError(err).Warn("io_uring unavailable, falling back to epoll")
		t = api.BackendEpoll
		b, err = newPlatform(t, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("reactor: create %s backend: %w", t, err)
	}
	logrus.WithFields(logrus.Fields{
		"function":   "reactor.New",
		"backend":    t.String(),
		"max_events": cfg.MaxEvents,
	}).Debug("Backend created")
	return b, nil
}

// ParseType maps a configuration string onto a BackendType.
func ParseType(s string) (api.BackendType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return api.BackendAuto, nil
	case "epoll":
		return api.BackendEpoll, nil
	case "io_uring", "iouring", "uring":
		return api.BackendIOUring, nil
	case "kqueue":
		return api.BackendKqueue, nil
	case "iocp":
		return api.BackendIOCP, nil
	case "select":
		return api.BackendSelect, nil
	}
	return api.BackendAuto, api.NewError(api.ErrCodeInvalidArgument, "unknown backend type").
		WithContext("type", s)
}

// registration is one entry of a readiness backend's interest table.
type registration struct {
	fd       api.FD
	mask     api.EventMask
	userData any
}

// deliver invokes fn, recovering panics to keep the loop running.
func deliver(b api.Backend, fn api.EventFunc, ev api.Event) {
	defer func() {
		if r := recover(); r != nil {
			logrus.WithFields(logrus.Fields{
				"function": "reactor.deliver",
				"backend":  b.Type().String(),
				"fd":       ev.Fd,
				"panic":    r,
			}).Error("Event callback panicked")
		}
	}()
	fn(b, ev)
}

// File: loop/loop.go
// Package loop implements the single-threaded event loop that owns the arena
// and backend shared by every handle created on it.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package loop

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/momentics/vox/api"
	"github.com/momentics/vox/control"
	"github.com/momentics/vox/pool"
	"github.com/momentics/vox/reactor"
	"github.com/sirupsen/logrus"
)

// Config describes a loop. A nil Arena gets an unlimited pool.Arena; a nil
// Backend is created from BackendType and MaxEvents.
type Config struct {
	BackendType api.BackendType
	MaxEvents   int
	Arena       api.Arena
	Backend     api.Backend
	// ArenaLimit bounds the default arena in bytes; 0 = unlimited.
	ArenaLimit int64
}

// Loop is not safe for concurrent use except for Wakeup and Stop.
type Loop struct {
	arena   api.Arena
	backend api.Backend
	active  map[any]struct{}
	probes  *control.DebugProbes
	stopped atomic.Bool
	closed  bool
	log     *logrus.Entry
}

// New creates a loop and its backend.
func New(cfg Config) (*Loop, error) {
	arena := cfg.Arena
	if arena == nil {
		arena = pool.NewArena(cfg.ArenaLimit)
	}
	backend := cfg.Backend
	if backend == nil {
		var err error
		backend, err = reactor.New(reactor.Config{Type: cfg.BackendType, MaxEvents: cfg.MaxEvents, Arena: arena})
		if err != nil {
			return nil, err
		}
	}
	l := &Loop{
		arena:   arena,
		backend: backend,
		active:  make(map[any]struct{}),
		probes:  control.NewDebugProbes(),
		log: logrus.WithFields(logrus.Fields{
			"component": "loop",
			"backend":   backend.Type().String(),
		}),
	}
	if st, ok := arena.(interface{ Stats() pool.ArenaStats }); ok {
		l.probes.RegisterProbe("arena", func() any { return st.Stats().String() })
	}
	l.probes.RegisterProbe("active_handles", func() any { return len(l.active) })
	l.probes.RegisterProbe("backend", func() any { return backend.Type().String() })
	return l, nil
}

// NewFromConfig builds a loop from the backend and arena configuration sections.
func NewFromConfig(cfg *control.Config) (*Loop, error) {
	if cfg == nil {
		cfg = control.Default()
	}
	t, err := reactor.ParseType(cfg.Backend.Type)
	if err != nil {
		return nil, err
	}
	return New(Config{
		BackendType: t,
		MaxEvents:   cfg.Backend.MaxEvents,
		ArenaLimit:  cfg.Arena.LimitBytes,
	})
}

func (l *Loop) Arena() api.Arena { return l.arena }
func (l *Loop) Backend() api.Backend { return l.backend }
func (l *Loop) Probes() *control.DebugProbes { return l.probes }

// Activate marks h as keeping the loop alive. Repeated calls count once.
func (l *Loop) Activate(h any) {
	l.active[h] = struct{}{}
}

// Deactivate releases h; unknown handles are ignored.
func (l *Loop) Deactivate(h any) {
	delete(l.active, h)
}

// ActiveHandles returns the number of active handles.
func (l *Loop) ActiveHandles() int { return len(l.active) }

// Alive reports whether any handle keeps the loop running.
func (l *Loop) Alive() bool { return len(l.active) > 0 }

// RunOnce polls the backend once and dispatches the events.
func (l *Loop) RunOnce(timeoutMs int) (int, error) {
	if l.closed {
		return -1, api.ErrClosed
	}
	n, err := l.backend.Poll(timeoutMs, dispatch)
	if err != nil {
		control.IncPollError(l.backend.Type().String())
		l.log.WithError(err).Error("Backend poll failed")
		return n, err
	}
	return n, nil
}

func dispatch(b api.Backend, ev api.Event) {
	if h, ok := ev.UserData.(api.EventHandler); ok {
		h.HandleEvent(b, ev)
	}
}

// Run processes events while handles are active, until Stop is called or ctx
// is done. A poll failure ends the run.
func (l *Loop) Run(ctx context.Context) error {
	l.stopped.Store(false)
	stop := context.AfterFunc(ctx, func() { _ = l.backend.Wakeup() })
	defer stop()
	for l.Alive() && !l.stopped.Load() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := l.RunOnce(-1); err != nil {
			return fmt.Errorf("loop: %w", err)
		}
	}
	return nil
}

// Stop makes Run return after the current iteration. Safe from any goroutine.
func (l *Loop) Stop() {
	l.stopped.Store(true)
	_ = l.backend.Wakeup()
}

// Wakeup interrupts a blocked poll. Safe from any goroutine.
func (l *Loop) Wakeup() error {
	return l.backend.Wakeup()
}

// Close releases the backend. Handles must be destroyed first.
func (l *Loop) Close() error {
	if l.closed {
		return nil
	}
	l.closed = true
	if len(l.active) > 0 {
		l.log.WithField("active_handles", len(l.active)).Warn("Closing loop with active handles")
	}
	err := l.backend.Close()
	if errors.Is(err, api.ErrClosed) {
		return nil
	}
	return err
}

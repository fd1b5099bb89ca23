// Package fake
// Author: momentics <momentics@gmail.com>
//
// Fake backends for testing and development.
// Provides predictable, controllable event delivery for the engines.

package fake

import (
	"sync"

	"github.com/momentics/vox/api"
)

// Registration is the interest recorded for one fd.
type Registration struct {
	Mask     api.EventMask
	UserData any
}

// Readiness is an in-memory api.ReadinessBackend. Events are queued with
// Fire and delivered by the next Poll, only to fds still registered.
type Readiness struct {
	mu      sync.Mutex
	regs    map[api.FD]*Registration
	fired   []api.Event
	wakeups int

	// AddCalls, ModifyCalls and RemoveCalls count backend mutations.
	AddCalls    int
	ModifyCalls int
	RemoveCalls int

	// PollErr is returned by Poll when set.
	PollErr error
}

// NewReadiness creates an empty fake readiness backend.
func NewReadiness() *Readiness {
	return &Readiness{regs: make(map[api.FD]*Registration)}
}

func (r *Readiness) Type() api.BackendType { return api.BackendEpoll }

func (r *Readiness) Add(fd api.FD, mask api.EventMask, userData any) error {
	r.AddCalls++
	if _, ok := r.regs[fd]; ok {
		return api.ErrAlreadyExists
	}
	r.regs[fd] = &Registration{Mask: mask, UserData: userData}
	return nil
}

func (r *Readiness) Modify(fd api.FD, mask api.EventMask) error {
	r.ModifyCalls++
	reg, ok := r.regs[fd]
	if !ok {
		return api.ErrNotFound
	}
	reg.Mask = mask
	return nil
}

func (r *Readiness) Remove(fd api.FD) error {
	r.RemoveCalls++
	delete(r.regs, fd)
	return nil
}

// Registered returns the current registration of fd.
func (r *Readiness) Registered(fd api.FD) (Registration, bool) {
	reg, ok := r.regs[fd]
	if !ok {
		return Registration{}, false
	}
	return *reg, true
}

// Fire queues a readiness event for fd.
func (r *Readiness) Fire(fd api.FD, mask api.EventMask) {
	r.fired = append(r.fired, api.Event{Fd: fd, Mask: mask})
}

// FireInterest queues an event for every fd whose interest overlaps mask.
func (r *Readiness) FireInterest(mask api.EventMask) {
	for fd, reg := range r.regs {
		if m := reg.Mask & mask; m != 0 {
			r.Fire(fd, m)
		}
	}
}

func (r *Readiness) Poll(timeoutMs int, fn api.EventFunc) (int, error) {
	if r.PollErr != nil {
		return -1, r.PollErr
	}
	batch := r.fired
	r.fired = nil
	count := 0
	for _, ev := range batch {
		reg, ok := r.regs[ev.Fd]
		if !ok {
			continue
		}
		ev.UserData = reg.UserData
		fn(r, ev)
		count++
	}
	return count, nil
}

func (r *Readiness) Wakeup() error {
	r.mu.Lock()
	r.wakeups++
	r.mu.Unlock()
	return nil
}

// Wakeups returns how many times Wakeup was called.
func (r *Readiness) Wakeups() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.wakeups
}

func (r *Readiness) Close() error {
	r.regs = map[api.FD]*Registration{}
	return nil
}

var _ api.ReadinessBackend = (*Readiness)(nil)

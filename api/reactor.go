// File: api/reactor.go
// Author: momentics <momentics@gmail.com>
//
// Defines the abstract interface for event notification backends
// used to multiplex sockets across epoll, io_uring, kqueue, IOCP and select.

package api

// BackendType selects the OS multiplexing primitive.
type BackendType int

const (
	BackendAuto BackendType = iota
	BackendEpoll
	BackendIOUring
	BackendKqueue
	BackendIOCP
	BackendSelect
)

func (t BackendType) String() string {
	switch t {
	case BackendAuto:
		return "auto"
	case BackendEpoll:
		return "epoll"
	case BackendIOUring:
		return "io_uring"
	case BackendKqueue:
		return "kqueue"
	case BackendIOCP:
		return "iocp"
	case BackendSelect:
		return "select"
	default:
		return "unknown"
	}
}

// Backend is the part of the contract shared by every backend kind.
type Backend interface {
	Type() BackendType

	// Poll waits up to timeoutMs (-1 forever, 0 non-blocking) and calls fn once
	// per ready fd or finished operation. It returns the number of events
	// delivered; an error is fatal for this iteration.
	Poll(timeoutMs int, fn EventFunc) (int, error)

	// Wakeup unblocks a concurrent Poll from another goroutine.
	Wakeup() error

	Close() error
}

// ReadinessBackend reports when an fd can be read or written.
type ReadinessBackend interface {
	Backend

	// Add registers interest; an fd may only be registered once.
	Add(fd FD, mask EventMask, userData any) error

	// Modify replaces the interest set of a registered fd.
	Modify(fd FD, mask EventMask) error

	// Remove deregisters fd; unknown fds are ignored.
	Remove(fd FD) error
}

// CompletionBackend runs operations asynchronously and reports when they finish.
type CompletionBackend interface {
	Backend

	// Associate binds fd to the backend; completions for its operations carry userData.
	Associate(fd FD, userData any) error

	// Disassociate drops the userData mapping of fd; unknown fds are ignored.
	Disassociate(fd FD) error

	// Submit posts op. The caller must not touch op or op.Buf until its
	// completion has been delivered by Poll.
	Submit(op *CompletionOp) error

	// Cancel requests early completion of a posted op; the op is still delivered.
	Cancel(op *CompletionOp) error
}

// File: api/events.go
// Package api defines core event types for vox.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package api

import (
	"net/netip"
	"strings"
)

// FD is a file descriptor on unix or a SOCKET handle on Windows.
type FD = uintptr

// EventMask is the set of conditions a backend reports or watches for.
type EventMask uint8

const (
	EventRead EventMask = 1 << iota
	EventWrite
	EventError
	EventHangup
)

func (m EventMask) String() string {
	if m == 0 {
		return "none"
	}
	var parts []string
	if m&EventRead != 0 {
		parts = append(parts, "read")
	}
	if m&EventWrite != 0 {
		parts = append(parts, "write")
	}
	if m&EventError != 0 {
		parts = append(parts, "error")
	}
	if m&EventHangup != 0 {
		parts = append(parts, "hangup")
	}
	return strings.Join(parts, "|")
}

// OpKind distinguishes the direction of a completion-style operation.
type OpKind uint8

const (
	OpRecv OpKind = iota + 1
	OpSend
)

// CompletionOp is one asynchronous datagram operation posted to a
// CompletionBackend. The backend owns Buf until the completion is delivered.
type CompletionOp struct {
	Kind OpKind
	Fd   FD
	Buf  []byte
	// Addr is the destination for sends and is filled with the source for receives.
	Addr netip.AddrPort
	N    int
	Err  error
}

// Event is delivered once per ready fd (readiness backends) or per finished
// operation (completion backends).
type Event struct {
	Fd       FD
	Mask     EventMask
	UserData any
	// Completion and Bytes are populated only by completion backends.
	Completion *CompletionOp
	Bytes      int
}

// EventFunc receives events from Backend.Poll.
type EventFunc func(b Backend, ev Event)

// EventHandler is implemented by handles whose pointer is registered as user data.
type EventHandler interface {
	HandleEvent(b Backend, ev Event)
}

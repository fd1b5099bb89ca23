// Package udp implements the asynchronous UDP engine.
//
// A Handle owns one non-blocking datagram socket, an ordered send queue and
// the receive side. The engine is written once against two backend styles:
// readiness backends (epoll, io_uring, kqueue, select) where sends are tried
// synchronously and queued on would-block, and completion backends (IOCP)
// where at most one send and one receive are in flight per handle.
//
// Handles are single-threaded: every method must be called from the loop's
// goroutine, usually from within a callback.
package udp

// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package reactor provides the event notification backends: epoll and
// io_uring (Linux), kqueue (BSD/macOS), IOCP (Windows) and select as the
// universal unix fallback. All of them deliver events through one callback
// signature so the UDP and DTLS engines need a single code path.
//
// Readiness backends implement api.ReadinessBackend; IOCP implements
// api.CompletionBackend and reports finished operations instead of ready fds.
package reactor

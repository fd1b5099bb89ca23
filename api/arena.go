// Package api
// Author: momentics
//
// Arena memory contract shared by every handle created on a loop.
//
// All buffers the core keeps across calls (queued send copies, receive and
// BIO scratch buffers, parser buffers) are taken from exactly one Arena.

package api

// Arena hands out byte regions owned by the caller until freed.
// Implementations are not required to be safe for concurrent use.
type Arena interface {
	// Alloc returns a zeroed region of exactly size bytes, or nil if exhausted.
	Alloc(size int) []byte

	// Realloc returns a region of size bytes whose prefix equals b, or nil if
	// exhausted; on success b must no longer be used.
	Realloc(b []byte, size int) []byte

	// Free returns b to the arena. Free(nil) is a no-op.
	Free(b []byte)
}

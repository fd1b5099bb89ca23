// Package pool
// Author: momentics <momentics@gmail.com>
//
// Memory layer for vox.
// Arena is the single allocator every loop hands to its handles: queued send
// copies, receive and BIO scratch buffers and parser buffers all come from it,
// which makes leak accounting per loop a matter of reading Arena.Stats.
package pool

// File: pool/arena.go
// Package pool implements slab allocation with size class support.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package pool

import (
	"fmt"
	"math/bits"

	"github.com/dustin/go-humanize"
	"github.com/momentics/vox/api"
)

const (
	minClassShift = 6  // 64 B
	maxClassShift = 16 // 64 KiB
	numClasses    = maxClassShift - minClassShift + 1

	// defaultClassCapacity bounds each free list; extra blocks go back to the GC.
	defaultClassCapacity = 1024
)

// Arena is a size-class slab allocator. It is not synchronized: one arena
// belongs to one loop and is only touched from that loop's goroutine.
type Arena struct {
	limit   int64
	classes [numClasses]slabClass
	stats   ArenaStats
}

type slabClass struct {
	size int
	free [][]byte
}

// ArenaStats aggregates allocation accounting.
type ArenaStats struct {
	Allocs      uint64
	Frees       uint64
	Failed      uint64
	InUseBlocks int64
	InUseBytes  int64
	// Reused counts allocations served from a free list.
	Reused uint64
}

// String renders the stats for debug probes.
func (s ArenaStats) String() string {
	return fmt.Sprintf("in_use=%d blocks (%s) allocs=%d frees=%d reused=%d failed=%d",
		s.InUseBlocks, humanize.IBytes(uint64(max(s.InUseBytes, 0))),
		s.Allocs, s.Frees, s.Reused, s.Failed)
}

// NewArena creates an arena. limit caps the bytes in use; 0 means unlimited.
func NewArena(limit int64) *Arena {
	a := &Arena{limit: limit}
	for i := range a.classes {
		a.classes[i].size = 1 << (minClassShift + i)
	}
	return a
}

// classFor returns the class index serving size, or -1 for oversize requests.
func classFor(size int) int {
	if size <= 1<<minClassShift {
		return 0
	}
	shift := bits.Len(uint(size - 1))
	if shift > maxClassShift {
		return -1
	}
	return shift - minClassShift
}

// Alloc implements api.Arena.
func (a *Arena) Alloc(size int) []byte {
	if size < 0 {
		return nil
	}
	if a.limit > 0 && a.stats.InUseBytes+int64(size) > a.limit {
		a.stats.Failed++
		return nil
	}
	var b []byte
	if idx := classFor(size); idx >= 0 {
		c := &a.classes[idx]
		if n := len(c.free); n > 0 {
			b = c.free[n-1][:size]
			c.free[n-1] = nil
			c.free = c.free[:n-1]
			clear(b)
			a.stats.Reused++
		} else {
			b = make([]byte, size, c.size)
		}
	} else {
		b = make([]byte, size)
	}
	a.stats.Allocs++
	a.stats.InUseBlocks++
	a.stats.InUseBytes += int64(size)
	return b
}

// Realloc implements api.Arena.
func (a *Arena) Realloc(b []byte, size int) []byte {
	if b == nil {
		return a.Alloc(size)
	}
	if size < 0 {
		return nil
	}
	if size <= cap(b) && classFor(cap(b)) == classFor(size) {
		delta := int64(size - len(b))
		if a.limit > 0 && a.stats.InUseBytes+delta > a.limit {
			a.stats.Failed++
			return nil
		}
		old := len(b)
		b = b[:size]
		if size > old {
			clear(b[old:])
		}
		a.stats.InUseBytes += delta
		return b
	}
	nb := a.Alloc(size)
	if nb == nil {
		return nil
	}
	copy(nb, b)
	a.Free(b)
	return nb
}

// Free implements api.Arena.
func (a *Arena) Free(b []byte) {
	if b == nil {
		return
	}
	a.stats.Frees++
	a.stats.InUseBlocks--
	a.stats.InUseBytes -= int64(len(b))
	idx := classFor(cap(b))
	if idx < 0 || cap(b) != a.classes[idx].size {
		return
	}
	c := &a.classes[idx]
	if len(c.free) < defaultClassCapacity {
		c.free = append(c.free, b[:0])
	}
}

// Stats returns a snapshot of the accounting counters.
func (a *Arena) Stats() ArenaStats {
	return a.stats
}

var _ api.Arena = (*Arena)(nil)

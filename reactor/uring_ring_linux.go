//go:build linux
// +build linux

// File: reactor/uring_ring_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Minimal io_uring ring: setup, mmap of the shared rings, SQE acquisition and
// io_uring_enter. Only the opcodes the readiness backend needs are declared.

package reactor

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	ioringOpPollAdd       = 6
	ioringOpPollRemove    = 7
	ioringOpTimeout       = 11
	ioringOpTimeoutRemove = 12

	ioringEnterGetevents = 1 << 0
	ioringSetupClamp     = 1 << 4

	ioringOffSqRing = 0
	ioringOffCqRing = 0x8000000
	ioringOffSqes   = 0x10000000

	ioUringSqeSize = 64
	ioUringCqeSize = 16
)

type ioSqringOffsets struct {
	Head        uint32
	Tail        uint32
	RingMask    uint32
	RingEntries uint32
	Flags       uint32
	Dropped     uint32
	Array       uint32
	Resv1       uint32
	Resv2       uint64
}

type ioCqringOffsets struct {
	Head        uint32
	Tail        uint32
	RingMask    uint32
	RingEntries uint32
	Overflow    uint32
	Cqes        uint32
	Resv        [2]uint32
}

type ioUringParams struct {
	SqEntries    uint32
	CqEntries    uint32
	Flags        uint32
	SqThreadCPU  uint32
	SqThreadIdle uint32
	Features     uint32
	WqFd         uint32
	Resv         [3]uint32
	SqOff        ioSqringOffsets
	CqOff        ioCqringOffsets
}

// ioUringSqe mirrors struct io_uring_sqe. OpFlags is the rw_flags union that
// carries poll32_events for POLL_ADD.
type ioUringSqe struct {
	Opcode      uint8
	Flags       uint8
	Ioprio      uint16
	Fd          int32
	Off         uint64
	Addr        uint64
	Len         uint32
	OpFlags     uint32
	UserData    uint64
	BufIndex    uint16
	Personality uint16
	SpliceFdIn  int32
	Addr3       uint64
	Resv        uint64
}

type ioUringCqe struct {
	UserData uint64
	Res      int32
	Flags    uint32
}

func init() {
	if sz := unsafe.Sizeof(ioUringSqe{}); sz != ioUringSqeSize {
		panic(fmt.Sprintf("io_uring SQE size mismatch: expected %d, got %d", ioUringSqeSize, sz))
	}
	if sz := unsafe.Sizeof(ioUringCqe{}); sz != ioUringCqeSize {
		panic(fmt.Sprintf("io_uring CQE size mismatch: expected %d, got %d", ioUringCqeSize, sz))
	}
}

// ring is owned by a single goroutine; only the eventfd wakeup crosses threads.
type ring struct {
	fd      int
	sqRing  []byte
	cqRing  []byte
	sqesMap []byte
	sqes    []ioUringSqe
	cqes    []ioUringCqe

	sqHead     *uint32
	sqTail     *uint32
	sqRingMask *uint32
	sqEntries  uint32
	sqArray    []uint32

	cqHead     *uint32
	cqTail     *uint32
	cqRingMask *uint32

	// prepared but not yet handed to io_uring_enter
	unsubmitted uint32
}

func alignUint32(v, alignment uint32) uint32 {
	if alignment == 0 {
		return v
	}
	if mod := v % alignment; mod != 0 {
		return v + alignment - mod
	}
	return v
}

func newRing(entries uint32) (*ring, error) {
	params := ioUringParams{Flags: ioringSetupClamp}
	fd, _, errno := unix.Syscall(unix.SYS_IO_URING_SETUP, uintptr(entries), uintptr(unsafe.Pointer(&params)), 0)
	if errno != 0 {
		return nil, fmt.Errorf("io_uring_setup: %w", errno)
	}
	r := &ring{fd: int(fd), sqEntries: params.SqEntries}
	if err := r.mapRings(&params); err != nil {
		unix.Close(r.fd)
		return nil, err
	}
	return r, nil
}

func (r *ring) mapRings(params *ioUringParams) error {
	pageSize := uint32(unix.Getpagesize())
	sqRingSize := alignUint32(params.SqOff.Array+params.SqEntries*4, pageSize)
	cqRingSize := alignUint32(params.CqOff.Cqes+params.CqEntries*ioUringCqeSize, pageSize)
	sqesSize := alignUint32(params.SqEntries*ioUringSqeSize, pageSize)

	sqRing, err := unix.Mmap(r.fd, ioringOffSqRing, int(sqRingSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		return fmt.Errorf("mmap sq ring: %w", err)
	}
	cqRing, err := unix.Mmap(r.fd, ioringOffCqRing, int(cqRingSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		unix.Munmap(sqRing)
		return fmt.Errorf("mmap cq ring: %w", err)
	}
	sqesMap, err := unix.Mmap(r.fd, ioringOffSqes, int(sqesSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		unix.Munmap(cqRing)
		unix.Munmap(sqRing)
		return fmt.Errorf("mmap sqes: %w", err)
	}
	r.sqRing, r.cqRing, r.sqesMap = sqRing, cqRing, sqesMap

	sqBase := unsafe.Pointer(&sqRing[0])
	r.sqHead = (*uint32)(unsafe.Add(sqBase, params.SqOff.Head))
	r.sqTail = (*uint32)(unsafe.Add(sqBase, params.SqOff.Tail))
	r.sqRingMask = (*uint32)(unsafe.Add(sqBase, params.SqOff.RingMask))
	r.sqArray = unsafe.Slice((*uint32)(unsafe.Add(sqBase, params.SqOff.Array)), int(params.SqEntries))
	r.sqes = unsafe.Slice((*ioUringSqe)(unsafe.Pointer(&sqesMap[0])), int(params.SqEntries))

	cqBase := unsafe.Pointer(&cqRing[0])
	r.cqHead = (*uint32)(unsafe.Add(cqBase, params.CqOff.Head))
	r.cqTail = (*uint32)(unsafe.Add(cqBase, params.CqOff.Tail))
	r.cqRingMask = (*uint32)(unsafe.Add(cqBase, params.CqOff.RingMask))
	r.cqes = unsafe.Slice((*ioUringCqe)(unsafe.Add(cqBase, params.CqOff.Cqes)), int(params.CqEntries))
	return nil
}

// getSqe returns a zeroed SQE slot, flushing the ring when it is full.
func (r *ring) getSqe() (*ioUringSqe, error) {
	for {
		head := atomic.LoadUint32(r.sqHead)
		tail := *r.sqTail
		if tail-head < r.sqEntries {
			idx := tail & *r.sqRingMask
			sqe := &r.sqes[idx]
			*sqe = ioUringSqe{}
			r.sqArray[idx] = idx
			atomic.StoreUint32(r.sqTail, tail+1)
			r.unsubmitted++
			return sqe, nil
		}
		if err := r.enter(0); err != nil {
			return nil, err
		}
	}
}

// enter submits prepared SQEs and waits for at least wait completions.
func (r *ring) enter(wait uint32) error {
	var flags uintptr
	if wait > 0 {
		flags = ioringEnterGetevents
	}
	submit := r.unsubmitted
	for {
		n, _, errno := unix.Syscall6(unix.SYS_IO_URING_ENTER, uintptr(r.fd), uintptr(submit), uintptr(wait), flags, 0, 0)
		if errno == 0 {
			if uint32(n) >= r.unsubmitted {
				r.unsubmitted = 0
			} else {
				r.unsubmitted -= uint32(n)
			}
			return nil
		}
		if errno == unix.EINTR && wait == 0 {
			continue
		}
		if errno == unix.EINTR {
			r.unsubmitted = 0
			return errno
		}
		return fmt.Errorf("io_uring_enter: %w", errno)
	}
}

// reap copies up to len(dst) completions out of the CQ ring.
func (r *ring) reap(dst []ioUringCqe) int {
	head := *r.cqHead
	tail := atomic.LoadUint32(r.cqTail)
	mask := *r.cqRingMask
	n := 0
	for head != tail && n < len(dst) {
		dst[n] = r.cqes[head&mask]
		head++
		n++
	}
	atomic.StoreUint32(r.cqHead, head)
	return n
}

func (r *ring) close() error {
	if r.sqesMap != nil {
		unix.Munmap(r.sqesMap)
	}
	if r.cqRing != nil {
		unix.Munmap(r.cqRing)
	}
	if r.sqRing != nil {
		unix.Munmap(r.sqRing)
	}
	r.sqes, r.cqes = nil, nil
	return unix.Close(r.fd)
}

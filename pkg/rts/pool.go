// Package rts implements the real-time signature engine: a bytecode VM
// driving a DFA scanner over TCP/UDP payloads, with a per-handle slab-of-
// slobs arena, a copy-on-write buffer type, an MPMC fan-out queue, an
// lruhash, and hot signature-bundle reloads.
package rts

import (
	"go.uber.org/atomic"

	"flowguard/internal/metrics"
)

// SlobSize is the fixed unit of the pool allocator, matching
// rts_slob.c's SLOB_DATA_SIZE.
const SlobSize = 32

// Pool is the per-handle arena: a fixed-size slab of SlobSize-byte units.
// It never grows — exhaustion surfaces as ferr.ErrOutOfMemory to the
// caller, matching rts_slob.c's fixed-capacity design and the §5
// resource cap ("a handle has a fixed pool size... exceeding it causes
// OutOfMemory"). The original's free list is an intrusive linked list of
// slobs with the first slob of a freed span repurposed to point at the
// span's tail for O(1) release; here that's expressed as a plain `free
// []bool` over a contiguous backing array plus an index-based allocator,
// which gives the same "linear run of n free slobs" allocation contract
// without pointer-chasing.
type Pool struct {
	data []byte
	free []bool // free[i] == true means slob i is available

	currAlloc atomic.Uint32
	peakAlloc atomic.Uint32
	failAlloc atomic.Uint32
}

// handle identifies a live allocation so Free can locate its span without
// the caller tracking slob indices itself.
type allocHandle struct {
	start, n int
}

// NewPool allocates a Pool sized for byteCapacity bytes, rounded up to a
// whole number of slobs.
func NewPool(byteCapacity int) *Pool {
	n := (byteCapacity + SlobSize - 1) / SlobSize
	if n < 1 {
		n = 1
	}
	p := &Pool{
		data: make([]byte, n*SlobSize),
		free: make([]bool, n),
	}
	for i := range p.free {
		p.free[i] = true
	}
	return p
}

func nslobs(size int) int {
	return (size + SlobSize - 1) / SlobSize
}

// Alloc reserves a linear run of ceil(size/SlobSize) adjacent free slobs
// and returns a byte slice of exactly size bytes backed by pool memory,
// plus the opaque handle Free needs. Returns (nil, handle{}) when the pool
// cannot satisfy the request.
func (p *Pool) Alloc(size int) ([]byte, allocHandle) {
	if size <= 0 {
		return nil, allocHandle{}
	}
	n := nslobs(size)

	run := -1
	count := 0
	for i := 0; i < len(p.free); i++ {
		if p.free[i] {
			if count == 0 {
				run = i
			}
			count++
			if count == n {
				break
			}
		} else {
			count = 0
		}
	}
	if count < n {
		p.failAlloc.Inc()
		metrics.RTSPoolAllocFailuresTotal.Inc()
		return nil, allocHandle{}
	}

	for i := run; i < run+n; i++ {
		p.free[i] = false
	}
	p.currAlloc.Add(uint32(n * SlobSize))
	if p.currAlloc.Load() > p.peakAlloc.Load() {
		p.peakAlloc.Store(p.currAlloc.Load())
	}
	metrics.RTSPoolBytesInUse.Add(float64(n * SlobSize))

	start := run * SlobSize
	return p.data[start : start+size : start+n*SlobSize], allocHandle{start: run, n: n}
}

// Free returns h's slobs to the free list.
func (p *Pool) Free(h allocHandle) {
	if h.n == 0 {
		return
	}
	for i := h.start; i < h.start+h.n; i++ {
		p.free[i] = true
	}
	p.currAlloc.Sub(uint32(h.n * SlobSize))
	metrics.RTSPoolBytesInUse.Sub(float64(h.n * SlobSize))
}

// Stats matches rts_rusage's curr_alloc/peak_alloc/fail_alloc triple.
type Stats struct {
	CurrAlloc uint32
	PeakAlloc uint32
	FailAlloc uint32
}

func (p *Pool) Stats() Stats {
	return Stats{
		CurrAlloc: p.currAlloc.Load(),
		PeakAlloc: p.peakAlloc.Load(),
		FailAlloc: p.failAlloc.Load(),
	}
}

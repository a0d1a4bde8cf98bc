// Package mem models physical memory: a flat byte arena standing in for RAM
// (see SPEC_FULL.md "Hosting model") plus the freelist-of-frames allocator
// of spec §4.B. Grounded on biscuit/src/mem/mem.go's Pa_t/Pg_t/PGSIZE
// vocabulary, simplified from that file's refcounted per-CPU allocator down
// to the single-freelist allocator spec.md actually specifies.
package mem

import (
	"fmt"
	"sync"
)

const PGSHIFT uint = 12
const PGSIZE int = 1 << PGSHIFT
const PGOFFSET Pa_t = 0xfff
const PGMASK Pa_t = ^(PGOFFSET)

// Pa_t is a physical address: an offset into the Arena, not a real pointer.
type Pa_t uintptr

// Pg_t is the contents of one physical frame.
type Pg_t [PGSIZE]byte

// poison is written over a freed frame so stale reads are easy to spot,
// matching spec §4.B's "fill with a sentinel byte to catch dangling use".
const poison = 0x55

// Arena is the kernel's entire simulated RAM. Real biscuit maps physical
// memory directly into the Go heap; here it is one contiguous slice sized by
// NewArena's argument, and Pa_t values are offsets into it.
type Arena struct {
	bytes []byte
}

// NewArena allocates a simulated RAM of exactly size bytes, size must be a
// multiple of PGSIZE.
func NewArena(size int) *Arena {
	if size%PGSIZE != 0 {
		panic("mem: arena size not page aligned")
	}
	return &Arena{bytes: make([]byte, size)}
}

func (a *Arena) Size() int { return len(a.bytes) }

// Page returns the frame at physical address pa. Panics (an invariant
// violation per spec §7) if pa is not frame aligned or lies outside the
// arena — the same "fatal, indicates corruption" treatment the teacher gives
// out-of-range physical addresses.
func (a *Arena) Page(pa Pa_t) *Pg_t {
	if pa&PGOFFSET != 0 {
		panic(fmt.Sprintf("mem: unaligned physical address %#x", pa))
	}
	if int(pa)+PGSIZE > len(a.bytes) {
		panic(fmt.Sprintf("mem: physical address %#x outside arena", pa))
	}
	return (*Pg_t)(a.bytes[pa : int(pa)+PGSIZE])
}

// Bytes returns a byte slice view of length n starting at pa, for callers
// that need to copy into/out of the middle of a frame.
func (a *Arena) Bytes(pa Pa_t, n int) []byte {
	if int(pa)+n > len(a.bytes) {
		panic(fmt.Sprintf("mem: range [%#x,%#x) outside arena", pa, int(pa)+n))
	}
	return a.bytes[pa : int(pa)+n]
}

// Allocator is the physical page freelist of spec §4.B: a process-wide
// freelist of frames guarded by a single lock. The free list is intrusive:
// a free frame's first 8 bytes hold the arena offset of the next free frame,
// exactly as biscuit's Physpg_t.nexti threads its freelist, except here the
// link lives inside the freed page itself rather than in a side table,
// which is what xv6's kalloc.c does (a struct run { struct run *next }
// carved out of the free page).
type Allocator struct {
	mu       sync.Mutex
	arena    *Arena
	freehead Pa_t
	hasfree  bool
	nfree    int
	total    int
}

const nilFrame = ^Pa_t(0)

// NewAllocator carves the arena into frames from [start, top) and chains
// them onto the freelist, mirroring xv6's kinit/freerange over
// [end, PHYSTOP).
func NewAllocator(a *Arena, start, top Pa_t) *Allocator {
	al := &Allocator{arena: a}
	for pa := start; pa+Pa_t(PGSIZE) <= top; pa += Pa_t(PGSIZE) {
		al.freeFrameLocked(pa)
	}
	return al
}

// AllocFrame removes and returns the head of the freelist, or (0, false) if
// exhausted — spec's "null sentinel".
func (al *Allocator) AllocFrame() (Pa_t, bool) {
	al.mu.Lock()
	defer al.mu.Unlock()
	if !al.hasfree {
		return 0, false
	}
	pa := al.freehead
	pg := al.arena.Page(pa)
	al.freehead = decodeNext(pg)
	al.hasfree = al.freehead != nilFrame
	al.nfree--
	al.total++
	return pa, true
}

// FreeFrame fills the frame with the poison byte, stores the freelist link
// in its first bytes, and prepends it to the freelist. Freeing a frame outside the allocator's arena, or an unaligned
// address, is fatal per spec §4.C failure semantics.
func (al *Allocator) FreeFrame(pa Pa_t) {
	al.mu.Lock()
	defer al.mu.Unlock()
	al.freeFrameLocked(pa)
}

func (al *Allocator) freeFrameLocked(pa Pa_t) {
	pg := al.arena.Page(pa)
	for i := range pg {
		pg[i] = poison
	}
	next := nilFrame
	if al.hasfree {
		next = al.freehead
	}
	encodeNext(pg, next)
	al.freehead = pa
	al.hasfree = true
	al.nfree++
}

func (al *Allocator) NumFree() int {
	al.mu.Lock()
	defer al.mu.Unlock()
	return al.nfree
}

func encodeNext(pg *Pg_t, next Pa_t) {
	for i := 0; i < 8; i++ {
		pg[i] = byte(next >> (8 * uint(i)))
	}
}

func decodeNext(pg *Pg_t) Pa_t {
	var v Pa_t
	for i := 0; i < 8; i++ {
		v |= Pa_t(pg[i]) << (8 * uint(i))
	}
	return v
}

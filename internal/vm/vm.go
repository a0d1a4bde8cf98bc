// Package vm implements the two-level x86 page tables of spec §4.C:
// building the kernel half, walking/mapping the user half, growing and
// shrinking a process's heap, cloning an address space on fork, and tearing
// one down. Grounded on biscuit/pmap.go and biscuit/src/vm/pmap.go, adapted
// from their 4-level amd64 layout down to the 2-level, 32-bit layout
// spec.md actually calls for, and rehosted onto the mem.Arena of
// SPEC_FULL.md's hosting model instead of raw pointers.
package vm

import (
	"fmt"

	"gophix/internal/defs"
	"gophix/internal/mem"
)

const (
	NPDENTRIES = 1024 // directory entries
	NPTENTRIES = 1024 // table entries
	PGSIZE     = mem.PGSIZE
)

// Permission and presence bits, spec §3's {present, writable, user}.
const (
	PTE_P uint32 = 1 << 0
	PTE_W uint32 = 1 << 1
	PTE_U uint32 = 1 << 2
)

const PTE_ADDR = ^uint32(0xfff)

// KERNBASE is the split point of spec §4.C's address-space layout: virtual
// addresses below it are per-process user memory, at or above it is the
// kernel half, identically mapped in every address space.
const KERNBASE uint32 = 0x80000000

// DEVBASE is the fixed boundary above which the device window begins.
const DEVBASE uint32 = 0xFE000000

// USERTOP is one page below KERNBASE's shadow in the guard-page scheme:
// there is no fixed top for user memory other than KERNBASE itself.
const USERTOP = KERNBASE

func pdx(va uint32) uint32 { return va >> 22 }
func ptx(va uint32) uint32 { return (va >> 12) & 0x3ff }

// PageUp rounds sz up to the next page boundary, spec's page_up.
func PageUp(sz uint32) uint32 {
	return (sz + uint32(PGSIZE) - 1) &^ (uint32(PGSIZE) - 1)
}

func PageDown(sz uint32) uint32 {
	return sz &^ (uint32(PGSIZE) - 1)
}

// entryAt returns the byte offset within a directory/table page of entry i.
func entryAt(i uint32) int { return int(i) * 4 }

func readEntry(a *mem.Arena, tbl mem.Pa_t, i uint32) uint32 {
	b := a.Bytes(tbl+mem.Pa_t(entryAt(i)), 4)
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func writeEntry(a *mem.Arena, tbl mem.Pa_t, i uint32, v uint32) {
	b := a.Bytes(tbl+mem.Pa_t(entryAt(i)), 4)
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

// KernelRegion is one entry of the fixed table BuildKernelPagetable installs
// into the high half of every fresh page directory (spec §4.C).
type KernelRegion struct {
	Name  string
	VA    uint32
	PA    mem.Pa_t
	Size  uint32
	Perm  uint32
}

// AS is a process address space: the arena and allocator it draws frames
// from, plus the physical address of its page directory.
type AS struct {
	arena *mem.Arena
	alloc *mem.Allocator
	Pgdir mem.Pa_t
	Sz    uint32 // size of user memory in bytes, spec's proc.sz
}

// New allocates a bare page directory (all entries absent).
func New(arena *mem.Arena, alloc *mem.Allocator) (*AS, bool) {
	pa, ok := alloc.AllocFrame()
	if !ok {
		return nil, false
	}
	pg := arena.Bytes(pa, PGSIZE)
	for i := range pg {
		pg[i] = 0
	}
	return &AS{arena: arena, alloc: alloc, Pgdir: pa}, true
}

// BuildKernelPagetable populates the high half of pgdir from regions,
// requiring each slot to be previously absent (remapping is fatal, per
// spec §4.C).
func BuildKernelPagetable(a *mem.Arena, alloc *mem.Allocator, pgdir mem.Pa_t, regions []KernelRegion) {
	for _, r := range regions {
		MapRange(a, alloc, pgdir, r.VA, r.Size, r.PA, r.Perm)
	}
}

// Walk returns the physical address of the PTE slot for va within the table
// pointed to by pgdir, allocating the second-level table if it is absent
// and alloc is true. Returns (0, false) on allocation failure.
func Walk(a *mem.Arena, allocr *mem.Allocator, pgdir mem.Pa_t, va uint32, alloc bool) (mem.Pa_t, bool) {
	pde := readEntry(a, pgdir, pdx(va))
	var pt mem.Pa_t
	if pde&PTE_P != 0 {
		pt = mem.Pa_t(pde) & mem.Pa_t(PTE_ADDR)
	} else {
		if !alloc {
			return 0, false
		}
		npt, ok := allocr.AllocFrame()
		if !ok {
			return 0, false
		}
		pt = npt
		tbl := a.Bytes(pt, PGSIZE)
		for i := range tbl {
			tbl[i] = 0
		}
		writeEntry(a, pgdir, pdx(va), uint32(pt)|PTE_P|PTE_W|PTE_U)
	}
	return pt + mem.Pa_t(entryAt(ptx(va))), true
}

func readPTE(a *mem.Arena, pteAddr mem.Pa_t) uint32 {
	b := a.Bytes(pteAddr, 4)
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func writePTE(a *mem.Arena, pteAddr mem.Pa_t, v uint32) {
	b := a.Bytes(pteAddr, 4)
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

// MapRange installs mappings for every page in [va, va+size) to consecutive
// physical frames starting at pa. Every entry must be previously absent;
// remapping is a fatal error indicating kernel corruption (spec §4.C).
func MapRange(a *mem.Arena, allocr *mem.Allocator, pgdir mem.Pa_t, va uint32, size uint32, pa mem.Pa_t, perm uint32) {
	if va%uint32(PGSIZE) != 0 {
		panic(fmt.Sprintf("vm: map_range va %#x not page aligned", va))
	}
	first := PageDown(va)
	last := PageDown(va + size - 1)
	for v, p := first, pa; ; v, p = v+uint32(PGSIZE), p+mem.Pa_t(PGSIZE) {
		pte, ok := Walk(a, allocr, pgdir, v, true)
		if !ok {
			panic("vm: map_range out of memory allocating page table")
		}
		if readPTE(a, pte)&PTE_P != 0 {
			panic(fmt.Sprintf("vm: map_range remap at va %#x", v))
		}
		writePTE(a, pte, uint32(p)|perm|PTE_P)
		if v == last {
			break
		}
	}
}

// Unmap clears the mapping for a single page, if present. Present is the
// gate: absent entries are simply skipped (used by ShrinkUser).
func unmapPage(a *mem.Arena, allocr *mem.Allocator, pgdir mem.Pa_t, va uint32) (mem.Pa_t, bool) {
	pte, ok := Walk(a, allocr, pgdir, va, false)
	if !ok {
		return 0, false
	}
	v := readPTE(a, pte)
	if v&PTE_P == 0 {
		return 0, false
	}
	writePTE(a, pte, 0)
	return mem.Pa_t(v) & mem.Pa_t(PTE_ADDR), true
}

// InitUser allocates one frame, copies at most one page of src into it, and
// maps it at virtual 0 with user+writable permissions — the hand-assembled
// initial process's address space (spec §4.E "Initial user process").
func (as *AS) InitUser(src []byte) {
	if len(src) > PGSIZE {
		panic("vm: init_user program larger than one page")
	}
	pa, ok := as.alloc.AllocFrame()
	if !ok {
		panic("vm: init_user out of memory")
	}
	dst := as.arena.Bytes(pa, PGSIZE)
	copy(dst, src)
	MapRange(as.arena, as.alloc, as.Pgdir, 0, uint32(PGSIZE), pa, PTE_W|PTE_U)
	as.Sz = uint32(PGSIZE)
}

// SegmentSource is the read side exec needs from an inode: read n bytes
// starting at file offset off. Kept as a narrow interface here (rather than
// importing package fs) to avoid a vm<->fs import cycle; fs.Inode
// implements it structurally.
type SegmentSource interface {
	ReadAt(dst []byte, off int) (int, defs.Err_t)
}

// LoadSegment requires va page-aligned; it copies n bytes from src at file
// offset off into pages already mapped at va (spec §4.C).
func (as *AS) LoadSegment(va uint32, src SegmentSource, offset int, n int) defs.Err_t {
	if va%uint32(PGSIZE) != 0 {
		panic("vm: load_segment va not page aligned")
	}
	for i := uint32(0); i < uint32(n); i += uint32(PGSIZE) {
		pte, ok := Walk(as.arena, as.alloc, as.Pgdir, va+i, false)
		if !ok {
			return defs.EFAULT
		}
		pa := mem.Pa_t(readPTE(as.arena, pte)) & mem.Pa_t(PTE_ADDR)
		want := PGSIZE
		if remain := int(n) - int(i); remain < want {
			want = remain
		}
		dst := as.arena.Bytes(pa, want)
		got, err := src.ReadAt(dst, offset+int(i))
		if err != 0 {
			return err
		}
		if got != want {
			return defs.EIO
		}
	}
	return 0
}

// MapAnon allocates and maps npages fresh frames starting at page-aligned
// va, for callers laying out an address space that isn't the single
// linearly-growing heap GrowUser models — exec's ELF segments and stack,
// each at their own fixed virtual address (spec §4.C/§4.E). Like GrowUser,
// freshly allocated frames are not guaranteed zeroed (the allocator may
// hand back a poisoned, previously-freed frame); a caller that needs
// zero-fill must write it explicitly.
func (as *AS) MapAnon(va uint32, size uint32, perm uint32) defs.Err_t {
	if va%uint32(PGSIZE) != 0 {
		panic("vm: map_anon va not page aligned")
	}
	end := PageUp(va + size)
	for v := va; v < end; v += uint32(PGSIZE) {
		pa, ok := as.alloc.AllocFrame()
		if !ok {
			return defs.ENOMEM
		}
		MapRange(as.arena, as.alloc, as.Pgdir, v, uint32(PGSIZE), pa, perm)
	}
	return 0
}

// GrowUser allocates and maps pages from page_up(oldSz) to newSz. On any
// allocation failure it rolls back via ShrinkUser, per spec §4.C.
func (as *AS) GrowUser(oldSz, newSz uint32) (uint32, defs.Err_t) {
	if newSz < oldSz {
		return oldSz, 0
	}
	start := PageUp(oldSz)
	for va := start; va < newSz; va += uint32(PGSIZE) {
		pa, ok := as.alloc.AllocFrame()
		if !ok {
			as.ShrinkUser(va, oldSz)
			return oldSz, defs.ENOMEM
		}
		MapRange(as.arena, as.alloc, as.Pgdir, va, uint32(PGSIZE), pa, PTE_W|PTE_U)
	}
	as.Sz = newSz
	return newSz, 0
}

// ShrinkUser unmaps and frees pages in (page_up(newSz), oldSz], skipping
// absent entries.
func (as *AS) ShrinkUser(oldSz, newSz uint32) uint32 {
	if newSz >= oldSz {
		return oldSz
	}
	lo := PageUp(newSz)
	for va := lo; va < oldSz; va += uint32(PGSIZE) {
		if pa, ok := unmapPage(as.arena, as.alloc, as.Pgdir, va); ok {
			as.alloc.FreeFrame(pa)
		}
	}
	as.Sz = newSz
	return newSz
}

// CopyUser returns a full deep copy of the low-half mappings [0, sz):
// fresh frames are allocated and their contents memcpy'd across. The
// caller is responsible for building the kernel half of the returned
// address space (it is rebuilt, never copied, per spec §4.C).
func (as *AS) CopyUser(sz uint32) (*AS, defs.Err_t) {
	child, ok := New(as.arena, as.alloc)
	if !ok {
		return nil, defs.ENOMEM
	}
	for va := uint32(0); va < sz; va += uint32(PGSIZE) {
		pte, ok := Walk(as.arena, as.alloc, as.Pgdir, va, false)
		if !ok {
			child.Free()
			return nil, defs.EFAULT
		}
		v := readPTE(as.arena, pte)
		if v&PTE_P == 0 {
			continue
		}
		srcPa := mem.Pa_t(v) & mem.Pa_t(PTE_ADDR)
		dstPa, ok := as.alloc.AllocFrame()
		if !ok {
			child.Free()
			return nil, defs.ENOMEM
		}
		copy(as.arena.Bytes(dstPa, PGSIZE), as.arena.Bytes(srcPa, PGSIZE))
		perm := v & (PTE_W | PTE_U)
		MapRange(as.arena, as.alloc, child.Pgdir, va, uint32(PGSIZE), dstPa, perm)
	}
	child.Sz = sz
	return child, 0
}

// Free first shrinks user memory to zero via ShrinkUser, then frees every
// present second-level table plus the directory itself.
func (as *AS) Free() {
	as.ShrinkUser(as.Sz, 0)
	for i := uint32(0); i < NPDENTRIES; i++ {
		pde := readEntry(as.arena, as.Pgdir, i)
		if pde&PTE_P != 0 {
			as.alloc.FreeFrame(mem.Pa_t(pde) & mem.Pa_t(PTE_ADDR))
		}
	}
	as.alloc.FreeFrame(as.Pgdir)
}

// CopyOut copies src into the address space identified by pgdir at
// virtual address va, even when pgdir is not the currently active one,
// page by page, refusing to write to non-user pages.
func CopyOut(a *mem.Arena, allocr *mem.Allocator, pgdir mem.Pa_t, va uint32, src []byte) defs.Err_t {
	n := len(src)
	off := 0
	for off < n {
		base := PageDown(va)
		pte, ok := Walk(a, allocr, pgdir, base, false)
		if !ok {
			return defs.EFAULT
		}
		v := readPTE(a, pte)
		if v&PTE_P == 0 || v&PTE_U == 0 {
			return defs.EFAULT
		}
		pa := mem.Pa_t(v) & mem.Pa_t(PTE_ADDR)
		pgoff := int(va) - int(base)
		want := PGSIZE - pgoff
		if remain := n - off; remain < want {
			want = remain
		}
		copy(a.Bytes(pa+mem.Pa_t(pgoff), want), src[off:off+want])
		off += want
		va += uint32(want)
	}
	return 0
}

// CopyIn is CopyOut's mirror: read from a user address space into dst.
func CopyIn(a *mem.Arena, allocr *mem.Allocator, pgdir mem.Pa_t, va uint32, dst []byte) defs.Err_t {
	n := len(dst)
	off := 0
	for off < n {
		base := PageDown(va)
		pte, ok := Walk(a, allocr, pgdir, base, false)
		if !ok {
			return defs.EFAULT
		}
		v := readPTE(a, pte)
		if v&PTE_P == 0 || v&PTE_U == 0 {
			return defs.EFAULT
		}
		pa := mem.Pa_t(v) & mem.Pa_t(PTE_ADDR)
		pgoff := int(va) - int(base)
		want := PGSIZE - pgoff
		if remain := n - off; remain < want {
			want = remain
		}
		copy(dst[off:off+want], a.Bytes(pa+mem.Pa_t(pgoff), want))
		off += want
		va += uint32(want)
	}
	return 0
}

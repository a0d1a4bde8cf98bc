package trap

import (
	"encoding/binary"

	"gophix/internal/defs"
	"gophix/internal/fs"
	"gophix/internal/mem"
	"gophix/internal/vm"
)

// ELF32 layout constants exec needs, grounded on biscuit/syscall.go's
// elf_t/elf_phdr byte-offset parsing, adapted from that file's ad hoc
// 64-bit fields to the standard Elf32_Ehdr/Elf32_Phdr layout this
// kernel's 32-bit address spaces actually use.
const (
	elfMagic   = 0x464c457f // "\x7fELF", little-endian
	elfClass32 = 1
	elfDataLSB = 1

	elfHeaderSize = 52
	elfPhdrSize   = 32

	ptLoad = 1
	pfW    = 1 << 1
)

type elfHeader struct {
	entry   uint32
	phoff   uint32
	phentsz uint16
	phnum   uint16
}

// parseElfHeader validates the magic and class/endianness fields
// (elf_t.sanity() in biscuit) and pulls out exec's phdr table location.
func parseElfHeader(raw []byte) (elfHeader, defs.Err_t) {
	if len(raw) < elfHeaderSize {
		return elfHeader{}, defs.ENOEXEC
	}
	if binary.LittleEndian.Uint32(raw[0:4]) != elfMagic {
		return elfHeader{}, defs.ENOEXEC
	}
	if raw[4] != elfClass32 || raw[5] != elfDataLSB {
		return elfHeader{}, defs.ENOEXEC
	}
	h := elfHeader{
		entry:   binary.LittleEndian.Uint32(raw[24:28]),
		phoff:   binary.LittleEndian.Uint32(raw[28:32]),
		phentsz: binary.LittleEndian.Uint16(raw[42:44]),
		phnum:   binary.LittleEndian.Uint16(raw[44:46]),
	}
	if h.phentsz != elfPhdrSize {
		return elfHeader{}, defs.ENOEXEC
	}
	return h, 0
}

type elfPhdr struct {
	ptype  uint32
	flags  uint32
	offset uint32
	vaddr  uint32
	filesz uint32
	memsz  uint32
}

func parseElfPhdr(raw []byte) elfPhdr {
	le := binary.LittleEndian
	return elfPhdr{
		ptype:  le.Uint32(raw[0:4]),
		offset: le.Uint32(raw[4:8]),
		vaddr:  le.Uint32(raw[8:12]),
		filesz: le.Uint32(raw[16:20]),
		memsz:  le.Uint32(raw[20:24]),
		flags:  le.Uint32(raw[24:28]),
	}
}

// inodeSource adapts an fs.Inode to vm.SegmentSource, binding the pid
// Readi needs (kept out of fs so vm never has to import it).
type inodeSource struct {
	ip  *fs.Inode
	pid int
}

func (s inodeSource) ReadAt(dst []byte, off int) (int, defs.Err_t) {
	return s.ip.Readi(s.pid, dst, off, len(dst))
}

// loadElfSegment maps ph's page range into as and fills it: the first
// filesz bytes come from src at file offset ph.offset, the remainder up to
// memsz is explicitly zeroed (elf_t.segload's file-size-vs-memory-size
// handling for .bss). Segment addresses must already be page aligned; a
// hosted teaching kernel doesn't need to support the sub-page vaddr
// packing real ELF linkers sometimes produce.
func loadElfSegment(as *vm.AS, arena *mem.Arena, alloc *mem.Allocator, ph elfPhdr, src vm.SegmentSource) defs.Err_t {
	if ph.vaddr%uint32(vm.PGSIZE) != 0 {
		return defs.ENOEXEC
	}
	if ph.filesz > ph.memsz {
		return defs.ENOEXEC
	}
	perm := uint32(vm.PTE_U)
	if ph.flags&pfW != 0 {
		perm |= vm.PTE_W
	}
	sz := vm.PageUp(ph.memsz)
	if err := as.MapAnon(ph.vaddr, sz, perm); err != 0 {
		return err
	}
	if err := vm.CopyOut(arena, alloc, as.Pgdir, ph.vaddr, make([]byte, sz)); err != 0 {
		return err
	}
	if ph.filesz > 0 {
		if err := as.LoadSegment(ph.vaddr, src, int(ph.offset), int(ph.filesz)); err != 0 {
			return err
		}
	}
	return 0
}

const maxExecArgs = 32

// pushArgs packs argv's strings and a NUL-terminated pointer array onto
// the single stack page directly below top, mirroring xv6's exec()
// building its ustack, and returns the resulting stack pointer (pointing
// at the argv array itself).
func pushArgs(as *vm.AS, arena *mem.Arena, alloc *mem.Allocator, top uint32, args []string) (uint32, defs.Err_t) {
	if len(args) > maxExecArgs {
		return 0, defs.E2BIG
	}
	floor := top - uint32(vm.PGSIZE)
	sp := top

	ptrs := make([]uint32, len(args))
	for i := len(args) - 1; i >= 0; i-- {
		n := uint32(len(args[i]) + 1)
		if sp < floor+n {
			return 0, defs.E2BIG
		}
		sp -= n
		sp &^= 3
		if sp < floor {
			return 0, defs.E2BIG
		}
		buf := make([]byte, n)
		copy(buf, args[i])
		if err := vm.CopyOut(arena, alloc, as.Pgdir, sp, buf); err != 0 {
			return 0, err
		}
		ptrs[i] = sp
	}

	argv := make([]byte, 4*(len(ptrs)+1))
	for i, p := range ptrs {
		binary.LittleEndian.PutUint32(argv[4*i:], p)
	}
	if sp < floor+uint32(len(argv)) {
		return 0, defs.E2BIG
	}
	sp -= uint32(len(argv))
	sp &^= 3
	if sp < floor {
		return 0, defs.E2BIG
	}
	if err := vm.CopyOut(arena, alloc, as.Pgdir, sp, argv); err != 0 {
		return 0, err
	}
	return sp, 0
}

package trap

import (
	"gophix/internal/defs"
	"gophix/internal/fs"
	"gophix/internal/proc"
	"gophix/internal/vm"
)

// execStackTop is the fixed virtual address exec's stack sits below,
// chosen high enough that no toy ELF image's PT_LOAD segments (which
// start near virtual 0 in every test binary this kernel is expected to
// run) can collide with it.
const execStackTop uint32 = 4 << 20 // 4MB

// execStackPages is the guard page plus the one usable stack page real
// xv6's exec() maps: mapping the guard page without PTE_U turns a stack
// overflow into a fault instead of silent corruption.
const execStackPages = 2

// Exec implements sys_execv1: it loads an ELF-like image from path,
// replacing p's address space with a fresh one built from the image's
// PT_LOAD segments plus a stack carrying argv, then runs newEntry in
// place of p's old program (biscuit/syscall.go's sys_execv1 and
// insertargs).
//
// Header/phdr parsing, per-segment mapping with file-size-vs-memory-size
// zero-fill, and argv packing onto a fresh stack are all real and
// independent of newEntry. What a real exec does next — jumping the CPU
// to the loaded entry point — has no analogue in this hosting model: a
// process here is a Go closure invoked directly rather than an
// instruction stream a trap frame resumes into. newEntry, built by the
// caller the same way spawnInit hand-builds init's closure, plays the
// role the loaded entry point would; the loaded image exists so its
// memory layout is real and inspectable, even though nothing branches to
// entry() automatically.
//
// On success Exec never returns to its caller. On failure (a malformed
// image, an argv that doesn't fit, memory exhaustion) it returns the
// error and leaves p running its old image untouched.
func (s *Syscalls) Exec(p *proc.Proc, path string, args []string, newEntry func(*proc.Proc)) defs.Err_t {
	s.FS.BeginOp()
	defer s.FS.EndOp()

	ip, err := s.FS.Namei(p.Pid, p.Cwd, path)
	if err != 0 {
		return err
	}
	ip.Ilock(p.Pid)
	if ip.Type != fs.TFile {
		ip.Iunlock()
		ip.Iput(p.Pid)
		return defs.ENOEXEC
	}

	probe := make([]byte, execHeaderProbeSize)
	n, rerr := ip.Readi(p.Pid, probe, 0, len(probe))
	if rerr != 0 {
		ip.Iunlock()
		ip.Iput(p.Pid)
		return rerr
	}
	probe = probe[:n]

	hdr, herr := parseElfHeader(probe)
	if herr != 0 {
		ip.Iunlock()
		ip.Iput(p.Pid)
		return herr
	}
	phdrsEnd := int(hdr.phoff) + int(hdr.phnum)*elfPhdrSize
	if hdr.phnum == 0 || phdrsEnd > len(probe) {
		ip.Iunlock()
		ip.Iput(p.Pid)
		return defs.ENOEXEC
	}

	var segs []elfPhdr
	for i := 0; i < int(hdr.phnum); i++ {
		off := int(hdr.phoff) + i*elfPhdrSize
		ph := parseElfPhdr(probe[off : off+elfPhdrSize])
		if ph.ptype == ptLoad {
			segs = append(segs, ph)
		}
	}
	if len(segs) == 0 {
		ip.Iunlock()
		ip.Iput(p.Pid)
		return defs.ENOEXEC
	}

	newAS, ok := vm.New(s.Arena, s.Alloc)
	if !ok {
		ip.Iunlock()
		ip.Iput(p.Pid)
		return defs.ENOMEM
	}

	src := inodeSource{ip: ip, pid: p.Pid}
	highest := uint32(0)
	for _, ph := range segs {
		if lerr := loadElfSegment(newAS, s.Arena, s.Alloc, ph, src); lerr != 0 {
			newAS.Free()
			ip.Iunlock()
			ip.Iput(p.Pid)
			return lerr
		}
		if top := vm.PageUp(ph.vaddr + ph.memsz); top > highest {
			highest = top
		}
	}
	ip.Iunlock()
	ip.Iput(p.Pid)

	if hdr.entry >= highest {
		newAS.Free()
		return defs.ENOEXEC
	}
	if highest > execStackTop-execStackPages*uint32(vm.PGSIZE) {
		newAS.Free()
		return defs.ENOMEM
	}

	guardVA := execStackTop - execStackPages*uint32(vm.PGSIZE)
	stackVA := execStackTop - uint32(vm.PGSIZE)
	if aerr := newAS.MapAnon(guardVA, uint32(vm.PGSIZE), vm.PTE_W); aerr != 0 {
		newAS.Free()
		return aerr
	}
	if aerr := newAS.MapAnon(stackVA, uint32(vm.PGSIZE), vm.PTE_U|vm.PTE_W); aerr != 0 {
		newAS.Free()
		return aerr
	}
	if _, aerr := pushArgs(newAS, s.Arena, s.Alloc, execStackTop, args); aerr != 0 {
		newAS.Free()
		return aerr
	}
	newAS.Sz = execStackTop

	oldAS := p.AS
	p.AS = newAS
	oldAS.Free()
	newEntry(p)
	panic("trap: exec's replacement entry returned instead of exiting")
}

// execHeaderProbeSize bounds how much of the target file exec reads
// before it knows the true size of the ELF header plus program-header
// table; generous enough for any toy image this kernel loads.
const execHeaderProbeSize = 4096

package trap

import (
	"bytes"
	"encoding/binary"
	"runtime"
	"testing"
	"time"

	"gophix/internal/defs"
	"gophix/internal/proc"
	"gophix/internal/vm"
)

// buildElf assembles a minimal ELF32 image with a single PT_LOAD segment:
// data is the segment's file content, and memsz extends past len(data) to
// exercise .bss zero-fill (elf_t.segload's file-size-vs-memory-size split).
func buildElf(t *testing.T, entry, vaddr uint32, data []byte, memsz uint32) []byte {
	t.Helper()
	const ehsz = elfHeaderSize
	const phsz = elfPhdrSize
	dataOff := uint32(ehsz + phsz)

	buf := make([]byte, dataOff+uint32(len(data)))
	le := binary.LittleEndian

	le.PutUint32(buf[0:4], elfMagic)
	buf[4] = elfClass32
	buf[5] = elfDataLSB
	le.PutUint32(buf[24:28], entry)
	le.PutUint32(buf[28:32], ehsz)
	le.PutUint16(buf[42:44], phsz)
	le.PutUint16(buf[44:46], 1)

	ph := buf[ehsz : ehsz+phsz]
	le.PutUint32(ph[0:4], ptLoad)
	le.PutUint32(ph[4:8], dataOff)
	le.PutUint32(ph[8:12], vaddr)
	le.PutUint32(ph[16:20], uint32(len(data)))
	le.PutUint32(ph[20:24], memsz)
	le.PutUint32(ph[24:28], pfW)

	copy(buf[dataOff:], data)
	return buf
}

func writeFile(t *testing.T, sys *Syscalls, p *proc.Proc, path string, content []byte) {
	t.Helper()
	fd, err := sys.Open(p, path, defs.O_CREATE|defs.O_RDWR)
	if err != 0 {
		t.Fatalf("open: %v", err)
	}
	if _, err := sys.Write(p, fd, content); err != 0 {
		t.Fatalf("write: %v", err)
	}
	if err := sys.Close(p, fd); err != 0 {
		t.Fatalf("close: %v", err)
	}
}

func TestExecLoadsSegmentsAndZerosBss(t *testing.T) {
	sys, p := newSyscalls(t)

	payload := []byte("hello, kernel")
	const vaddr = 0
	const memsz = 4096 // extends well past len(payload): the tail must read zero
	img := buildElf(t, vaddr, vaddr, payload, memsz)
	writeFile(t, sys, p, "/prog", img)

	// Exec never returns on success, so newEntry ends the goroutine it runs
	// in via runtime.Goexit rather than returning into Exec's trailing
	// panic (mirroring how a real replacement program never falls off the
	// end back into the kernel that launched it).
	entered := make(chan *proc.Proc, 1)
	go sys.Exec(p, "/prog", []string{"prog", "arg1"}, func(entryP *proc.Proc) {
		entered <- entryP
		runtime.Goexit()
	})

	select {
	case got := <-entered:
		if got != p {
			t.Fatalf("expected newEntry to be called with the same *Proc")
		}
	case <-time.After(time.Second):
		t.Fatalf("expected newEntry to be invoked")
	}

	got := make([]byte, len(payload))
	if cerr := vm.CopyIn(sys.Arena, sys.Alloc, p.AS.Pgdir, vaddr, got); cerr != 0 {
		t.Fatalf("copyin payload: %v", cerr)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("expected segment content %q, got %q", payload, got)
	}

	tail := make([]byte, 64)
	if cerr := vm.CopyIn(sys.Arena, sys.Alloc, p.AS.Pgdir, vaddr+uint32(len(payload)), tail); cerr != 0 {
		t.Fatalf("copyin bss tail: %v", cerr)
	}
	for i, b := range tail {
		if b != 0 {
			t.Fatalf("expected zero-filled bss at offset %d, got %#x", i, b)
		}
	}
}

func TestExecRejectsBadMagic(t *testing.T) {
	sys, p := newSyscalls(t)
	oldAS := p.AS

	bad := make([]byte, elfHeaderSize+elfPhdrSize)
	bad[0] = 'N' // not the ELF magic
	writeFile(t, sys, p, "/bad", bad)

	err := sys.Exec(p, "/bad", nil, func(*proc.Proc) {
		t.Fatalf("newEntry must not run on a malformed image")
	})
	if err != defs.ENOEXEC {
		t.Fatalf("expected ENOEXEC, got %v", err)
	}
	if p.AS != oldAS {
		t.Fatalf("expected p.AS untouched after a failed exec")
	}
}

func TestExecRejectsNoLoadSegments(t *testing.T) {
	sys, p := newSyscalls(t)
	oldAS := p.AS

	img := buildElf(t, 0, 0, nil, 0)
	// Flip the one program header's type away from PT_LOAD.
	binary.LittleEndian.PutUint32(img[elfHeaderSize:elfHeaderSize+4], 0)
	writeFile(t, sys, p, "/noload", img)

	err := sys.Exec(p, "/noload", nil, func(*proc.Proc) {
		t.Fatalf("newEntry must not run when there are no PT_LOAD segments")
	})
	if err != defs.ENOEXEC {
		t.Fatalf("expected ENOEXEC, got %v", err)
	}
	if p.AS != oldAS {
		t.Fatalf("expected p.AS untouched after a failed exec")
	}
}

func TestExecRejectsOversizedArgv(t *testing.T) {
	sys, p := newSyscalls(t)
	oldAS := p.AS

	payload := []byte("x")
	img := buildElf(t, 0, 0, payload, uint32(len(payload)))
	writeFile(t, sys, p, "/prog2", img)

	huge := make([]string, 0, maxExecArgs+1)
	for i := 0; i < maxExecArgs+1; i++ {
		huge = append(huge, "a")
	}

	err := sys.Exec(p, "/prog2", huge, func(*proc.Proc) {
		t.Fatalf("newEntry must not run when argv doesn't fit")
	})
	if err != defs.E2BIG {
		t.Fatalf("expected E2BIG, got %v", err)
	}
	if p.AS != oldAS {
		t.Fatalf("expected p.AS untouched after a failed exec")
	}
}

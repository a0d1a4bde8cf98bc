package trap

import (
	"gophix/internal/defs"
	"gophix/internal/proc"
	"gophix/internal/trapframe"
)

// Syscall numbers, spec §4.F, values fixed by original_source/xv6's
// syscall.h so a userspace binary's calling convention needs no
// translation.
const (
	SysFork = iota + 1
	SysExit
	SysWait
	SysPipe
	SysRead
	SysKill
	SysExec
	SysFstat
	SysChdir
	SysDup
	SysGetpid
	SysSbrk
	SysSleep
	SysUptime
	SysOpen
	SysWrite
	SysMknod
	SysUnlink
	SysLink
	SysMkdir
	SysClose
)

// Handler is one entry in the trap-vector dispatch table (spec §4.D): a
// function taking the trapping process and its frame, returning the value
// to place in Eax (or a negative errno on failure, xv6's convention).
type Handler func(p *proc.Proc, f *trapframe.Frame) int32

// Table is spec §3's trap-vector table, keyed by trapframe.Frame.Trapno.
type Table struct {
	handlers map[uint32]Handler
}

func NewTable() *Table {
	return &Table{handlers: make(map[uint32]Handler)}
}

func (t *Table) Register(vector uint32, h Handler) {
	t.handlers[vector] = h
}

// Dispatch is spec §4.D's trap entry point: look up f.Trapno in the
// table and run its handler, panicking on an unregistered vector from a
// kernel context (a genuinely fatal misconfiguration) but returning
// gracefully for a from-user trap with no handler, matching xv6's trap()
// falling through to "unexpected trap" only when the frame didn't come
// from user mode.
func (t *Table) Dispatch(p *proc.Proc, f *trapframe.Frame) int32 {
	h, ok := t.handlers[f.Trapno]
	if !ok {
		if !f.FromUser() {
			panic("trap: unhandled trap from kernel context")
		}
		return neg(defs.ENOSYS)
	}
	return h(p, f)
}

// syscallArgs decodes xv6's register-based syscall calling convention: Eax
// carries the syscall number, Ebx/Ecx/Edx/Esi/Edi carry up to five
// arguments.
func syscallArgs(f *trapframe.Frame) (num uint32, a [5]uint32) {
	return f.Eax, [5]uint32{f.Ebx, f.Ecx, f.Edx, f.Esi, f.Edi}
}

// Package trapframe defines the unified trap frame of spec §4.D and the
// vector numbers of §6, kept as a leaf package (no dependency on proc or
// trap) so both can import it without a cycle. Grounded on
// original_source/xv6/systemCall/traps.h and trap.c, and on the trapframe
// field list in original_source/xv6/processus/proc.h.
package trapframe

// Processor-defined exception vectors.
const (
	T_DIVIDE = 0
	T_DEBUG  = 1
	T_NMI    = 2
	T_BRKPT  = 3
	T_OFLOW  = 4
	T_BOUND  = 5
	T_ILLOP  = 6
	T_DEVICE = 7
	T_DBLFLT = 8
	T_TSS    = 10
	T_SEGNP  = 11
	T_STACK  = 12
	T_GPFLT  = 13
	T_PGFLT  = 14
	T_FPERR  = 16
	T_ALIGN  = 17
	T_MCHK   = 18
	T_SIMDERR = 19
)

// Software-defined vectors.
const (
	T_SYSCALL = 64
	T_DEFAULT = 500

	T_IRQ0       = 32
	IRQ_TIMER    = 0
	IRQ_KBD      = 1
	IRQ_COM1     = 4
	IRQ_IDE      = 14
	IRQ_ERROR    = 19
	IRQ_SPURIOUS = 31

	IRQ_TIMER_VEC    = T_IRQ0 + IRQ_TIMER
	IRQ_KBD_VEC      = T_IRQ0 + IRQ_KBD
	IRQ_COM1_VEC     = T_IRQ0 + IRQ_COM1
	IRQ_IDE_VEC      = T_IRQ0 + IRQ_IDE
	IRQ_SPURIOUS_VEC = T_IRQ0 + IRQ_SPURIOUS
)

// Segment selectors for user/kernel code and data, as installed by the
// (excluded, per spec §1) bootloader/GDT setup; kept here only so the trap
// frame's segment fields have realistic values to assert on in tests.
const (
	SEG_KCODE = 1
	SEG_KDATA = 2
	SEG_UCODE = 3
	SEG_UDATA = 4

	DPL_USER = 3
)

// Frame is the unified trap frame spec §4.D describes: the
// software-pushed head (general purpose + segment registers, trap number,
// error code) followed by the hardware-pushed tail (eip/cs/eflags, plus
// esp/ss when the trap came from user mode).
type Frame struct {
	// software-pushed head
	Edi, Esi, Ebp, Oesp, Ebx, Edx, Ecx, Eax uint32
	Gs, Fs, Es, Ds                          uint16
	Trapno                                  uint32
	Err                                     uint32

	// hardware-pushed tail
	Eip    uint32
	Cs     uint16
	Eflags uint32

	// present only when trapped from user mode
	Esp uint32
	Ss  uint16
}

// FromUser reports whether this trap arrived while executing in user mode,
// i.e. the lower two bits of Cs carry DPL_USER.
func (f *Frame) FromUser() bool {
	return f.Cs&3 == DPL_USER
}

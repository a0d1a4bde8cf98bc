package proc

import (
	"gophix/internal/file"
	"gophix/internal/spinlock"
)

// CPU is spec §4.E's per-CPU scheduler, adapted to the hosting model: a
// real CPU's scheduler loop repeatedly picks a runnable process and does a
// register-level context switch into it. Here the Go runtime already does
// that job for goroutines, so a CPU's only remaining responsibility is
// bookkeeping — which spinlock.CPU (used by internal/spinlock's push_off
// nesting) this logical CPU corresponds to, and launching a process's
// entry closure on its own goroutine. There is no separate context struct
// (swtch's jmp_buf-equivalent): a goroutine's own stack is its context, so
// nothing needs to be saved or restored by hand.
type CPU struct {
	Desc *spinlock.CPU
}

// NewCPU wires a logical CPU with id id.
func NewCPU(id int) *CPU {
	return &CPU{Desc: spinlock.NewCPU(id)}
}

// Spawn runs p's entry closure on a new goroutine, marking p Running for
// the duration. If entry returns without calling p.Exit itself (a
// programming error in the entry closure, not a kernel-level fault), Spawn
// exits it with status -1 so the process table never leaves a Zombie-less
// process with no goroutine left to run it.
func (c *CPU) Spawn(t *Table, ft *file.Table, p *Proc) {
	p.mu.Lock()
	p.state = Running
	p.mu.Unlock()

	go func() {
		p.entry(p)
		p.mu.Lock()
		done := p.state == Zombie
		p.mu.Unlock()
		if !done {
			p.Exit(t, ft, p.Pid, -1)
		}
	}()
}

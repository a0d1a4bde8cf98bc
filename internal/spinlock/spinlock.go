// Package spinlock implements the interrupt-disabling spinlock and the
// sleeplock (spec §4.A); the sleeplock is built on sync.Mutex and
// sync.Cond, not on the spinlock. Real biscuit hosts on the Go
// runtime and uses sync.Mutex almost everywhere (see e.g.
// biscuit/src/mem/mem.go's embedded sync.Mutex), reserving a genuine
// runtime.Spinlock_t for the rare case that truly cannot block (biscuit's
// IOAPIC register lock in biscuit/hw.go). Since interrupt-disable nesting
// and "held ⇔ owner holds interrupts disabled" (spec §3, §5 invariant 5) are
// first-class testable properties of this core, this package models them
// explicitly instead of hiding them inside sync.Mutex.
package spinlock

import (
	"fmt"
	"runtime"
	"sync/atomic"
)

// CPU is the per-CPU descriptor of spec §3: an identifier, the nesting
// depth of interrupt disabling, and whether interrupts were enabled when
// the outermost disable happened. A real kernel looks this up via
// mycpu()/APIC id; hosted here, each goroutine that plays the role of a CPU
// owns exactly one *CPU and threads it through explicitly.
type CPU struct {
	ID int

	enabled  bool // this CPU's logical interrupt-enable flag
	noff     int  // depth of push_off nesting
	intenaOG bool // interrupts enabled before the outermost push_off

	// heldLocks records this CPU's currently held spinlocks, for
	// diagnosing re-entrant acquisition and mismatched release order.
	heldLocks []*Spinlock
}

// NewCPU returns a CPU descriptor with interrupts initially enabled, as a
// booted core has them before it ever takes a lock.
func NewCPU(id int) *CPU {
	return &CPU{ID: id, enabled: true}
}

// Ndisable reports c's current interrupt-disable nesting depth, used by the
// invariant-5 probe in §8 ("for every acquired spinlock, depth ≥ 1").
func (c *CPU) Ndisable() int { return c.noff }

// intena models "were interrupts enabled" for this simulated CPU. There is
// no real hardware IF flag to read in a hosted process, so each CPU tracks
// its own logical flag; PushOff/PopOff manipulate it exactly per spec §4.A.
func (c *CPU) intena() bool { return c.enabled }

// Spinlock is spec §3's Spinlock: a held bit, the owning CPU, and (for
// diagnostics) the stack of the acquiring goroutine.
type Spinlock struct {
	name  string
	held  int32 // 0 or 1, CAS target
	owner *CPU
	stack string
}

func New(name string) *Spinlock {
	return &Spinlock{name: name}
}

// PushOff disables interrupts on c, incrementing the nesting depth. The
// first push records whether interrupts were enabled so the matching PopOff
// can restore exactly that state, per spec §4.A.
func PushOff(c *CPU) {
	old := c.enabled
	c.enabled = false
	if c.noff == 0 {
		c.intenaOG = old
	}
	c.noff++
}

// PopOff undoes one PushOff. Popping with noff already 0, or popping while
// interrupts are (impossibly) already enabled, is a programming error.
func PopOff(c *CPU) {
	if c.enabled {
		panic("spinlock: pop_off - interrupts already enabled")
	}
	if c.noff < 1 {
		panic("spinlock: pop_off - unbalanced")
	}
	c.noff--
	if c.noff == 0 && c.intenaOG {
		c.enabled = true
	}
}

// Acquire disables interrupts on c (nested), then spins until it wins the
// held bit. A full memory barrier follows acquisition (atomic.CAS already
// provides one on every supported Go arch, so no separate fence call is
// needed the way hand-written asm would need one).
func (l *Spinlock) Acquire(c *CPU) {
	PushOff(c)
	if l.Holding(c) {
		panic(fmt.Sprintf("spinlock %q: re-entrant acquire by cpu %d", l.name, c.ID))
	}
	for !atomic.CompareAndSwapInt32(&l.held, 0, 1) {
		runtime.Gosched()
	}
	l.owner = c
	l.stack = callerStack()
	c.heldLocks = append(c.heldLocks, l)
}

// Release publishes prior writes, clears the held bit, unregisters the lock
// from c, and pops one interrupt-disable level, possibly re-enabling
// interrupts.
func (l *Spinlock) Release(c *CPU) {
	if !l.Holding(c) {
		panic(fmt.Sprintf("spinlock %q: release by non-owner cpu %d", l.name, c.ID))
	}
	l.owner = nil
	l.stack = ""
	atomic.StoreInt32(&l.held, 0)
	c.dropHeld(l)
	PopOff(c)
}

// Holding reports whether c currently holds l.
func (l *Spinlock) Holding(c *CPU) bool {
	return atomic.LoadInt32(&l.held) == 1 && l.owner == c
}

func (c *CPU) dropHeld(l *Spinlock) {
	for i, h := range c.heldLocks {
		if h == l {
			c.heldLocks = append(c.heldLocks[:i], c.heldLocks[i+1:]...)
			return
		}
	}
	panic("spinlock: release of lock not in cpu's held set - mismatched nesting")
}

func callerStack() string {
	pc, file, line, ok := runtime.Caller(3)
	if !ok {
		return "?"
	}
	fn := runtime.FuncForPC(pc)
	name := "?"
	if fn != nil {
		name = fn.Name()
	}
	return fmt.Sprintf("%s (%s:%d)", name, file, line)
}

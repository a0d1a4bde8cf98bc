package trap

import (
	"sync/atomic"
	"time"

	"gophix/internal/defs"
	"gophix/internal/proc"
)

// TickInterval is the simulated clock-tick period backing sys_sleep and
// sys_uptime — the hosted stand-in for the timer-interrupt tick real
// biscuit counts in its Tickcount (spec §1's driver internals are out of
// scope, but a monotonic tick counter is the smallest thing sleep/uptime
// need from one).
const TickInterval = 10 * time.Millisecond

// Timer drives the shared tick counter and wakes sleepers parked on it.
type Timer struct {
	ticks uint64
	procs *proc.Table
	stop  chan struct{}
}

// StartTimer launches the tick goroutine, returning a Timer whose Ticks
// method sys_uptime reads.
func StartTimer(procs *proc.Table) *Timer {
	t := &Timer{procs: procs, stop: make(chan struct{})}
	go t.run()
	return t
}

func (t *Timer) run() {
	ticker := time.NewTicker(TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			atomic.AddUint64(&t.ticks, 1)
			t.procs.Wakeup(t)
		case <-t.stop:
			return
		}
	}
}

func (t *Timer) Stop() { close(t.stop) }

func (t *Timer) Ticks() uint64 { return atomic.LoadUint64(&t.ticks) }

// Uptime implements sys_uptime.
func (s *Syscalls) Uptime(t *Timer) int { return int(t.Ticks()) }

// Sleep implements sys_sleep: block the calling process until at least n
// ticks have elapsed, waking early only to recheck (spec §4.E's
// sleep/wakeup contract — a process can wake for reasons other than the
// condition it's waiting for, so callers loop on the real predicate).
func (s *Syscalls) Sleep(p *proc.Proc, t *Timer, n int) defs.Err_t {
	target := t.Ticks() + uint64(n)
	for t.Ticks() < target {
		if p.Killed() {
			return defs.EINVAL
		}
		p.Sleep(t, nil, p.Pid)
	}
	return 0
}

package trap

import (
	"testing"
	"time"
)

func TestTimerTicksAdvance(t *testing.T) {
	sys, _ := newSyscalls(t)
	timer := StartTimer(sys.Procs)
	defer timer.Stop()

	start := timer.Ticks()
	time.Sleep(5 * TickInterval)
	if timer.Ticks() <= start {
		t.Fatalf("expected ticks to advance, stayed at %d", start)
	}
}

func TestSyscallSleepBlocksUntilTicksElapse(t *testing.T) {
	sys, p := newSyscalls(t)
	timer := StartTimer(sys.Procs)
	defer timer.Stop()

	target := timer.Ticks() + 3
	done := make(chan struct{})
	go func() {
		sys.Sleep(p, timer, 3)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("sys.Sleep never returned")
	}
	if timer.Ticks() < target {
		t.Fatalf("expected sleep to wait for at least %d ticks, only %d elapsed", target, timer.Ticks())
	}
}

func TestSyscallSleepReturnsEinvalWhenKilled(t *testing.T) {
	sys, p := newSyscalls(t)
	timer := StartTimer(sys.Procs)
	defer timer.Stop()

	sys.Procs.Kill(p.Pid)
	if err := sys.Sleep(p, timer, 1000000); err == 0 {
		t.Fatalf("expected a killed process's sleep to return an error")
	}
}

// Package proc implements spec §4.E: the process table, process launch
// (CPU.Spawn), fork/exit/wait/kill, and sleep/wakeup; exec lives in
// internal/trap. Grounded on
// biscuit/syscall.go's sys_fork/sys_execv1/sys_exit/sys_wait4/waitinfo_t
// vocabulary and on biscuit's proc_t fields, adapted to the hosting model
// described in SPEC_FULL.md: a "process" is a goroutine running a
// user-supplied closure that calls back into this package and
// internal/file directly instead of trapping through machine
// instructions, and a "CPU" is a descriptor whose Spawn runs each process's
// closure on its own goroutine, leaving the Go runtime to schedule them
// instead of doing a real register-context switch.
package proc

import (
	"sync"

	"gophix/internal/defs"
	"gophix/internal/file"
	"gophix/internal/fs"
	"gophix/internal/spinlock"
	"gophix/internal/vm"
)

// State is a process's scheduling state (spec §3).
type State int

const (
	Unused State = iota
	Runnable
	Running
	Sleeping
	Zombie
)

const (
	MaxProcs    = 64
	MaxOpenFiles = 16
)

// Proc is spec §3's process: an address space, an open-file table slice,
// and the bookkeeping the scheduler and wait4/exit need.
type Proc struct {
	mu sync.Mutex

	Pid   int
	Ppid  int
	state State

	AS  *vm.AS
	Cwd *fs.Inode

	ofile [MaxOpenFiles]*file.File

	killed bool

	exitStatus int

	entry func(p *Proc) // the "user program": a closure invoking syscalls directly

	// chanWait is non-nil while the process is Sleeping, naming the
	// address it is waiting on (spec §4.E's channel-keyed wakeup).
	chanWait interface{}
	wakeCh   chan struct{}
}

// Table is the fixed-size process table, spec §3's global proc[NPROC].
type Table struct {
	mu      sync.Mutex
	procs   []*Proc
	nextPid int
	initPid int // pid of the process orphans get reparented to (spec §4.E)
}

func NewTable() *Table {
	return &Table{nextPid: 1}
}

// SetInit records which process plays init's role for reparenting
// (spec §4.E). Must be called before any process that might exit and
// leave children behind is spawned.
func (t *Table) SetInit(pid int) {
	t.mu.Lock()
	t.initPid = pid
	t.mu.Unlock()
}

// AllocProc claims a pid, an address space, and an empty fd table for a
// new process, mirroring biscuit's proc_new plus its allocation of a
// fresh proc_t (spec §4.E: alloc_process).
func (t *Table) AllocProc(as *vm.AS, cwd *fs.Inode, entry func(p *Proc)) *Proc {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.procs) >= MaxProcs {
		panic("proc: process table full")
	}
	p := &Proc{
		Pid:    t.nextPid,
		state:  Runnable,
		AS:     as,
		Cwd:    cwd,
		entry:  entry,
		wakeCh: make(chan struct{}, 1),
	}
	t.nextPid++
	t.procs = append(t.procs, p)
	return p
}

func (t *Table) find(pid int) *Proc {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.findLocked(pid)
}

// findLocked is find's body for callers already holding t.mu.
func (t *Table) findLocked(pid int) *Proc {
	for _, p := range t.procs {
		if p.Pid == pid {
			return p
		}
	}
	return nil
}

// remove drops p from the table once its exit status has been reaped by
// Wait, so a zombie doesn't occupy a table slot forever.
func (t *Table) remove(p *Proc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, q := range t.procs {
		if q == p {
			t.procs = append(t.procs[:i], t.procs[i+1:]...)
			return
		}
	}
}

// AddFile installs f in the lowest free fd slot, spec §4.F's fdalloc.
func (p *Proc) AddFile(f *file.File) (int, defs.Err_t) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, cur := range p.ofile {
		if cur == nil {
			p.ofile[i] = f
			return i, 0
		}
	}
	return -1, defs.EMFILE
}

func (p *Proc) File(fd int) (*file.File, defs.Err_t) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if fd < 0 || fd >= MaxOpenFiles || p.ofile[fd] == nil {
		return nil, defs.EBADF
	}
	return p.ofile[fd], 0
}

func (p *Proc) ClearFile(fd int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ofile[fd] = nil
}

// Fork duplicates the calling process's address space and open-file
// table, matching biscuit's sys_fork: the child starts life Runnable with
// its own pid and the parent's fd table copied fd-for-fd (dup'd, not
// re-opened).
func (t *Table) Fork(ft *file.Table, parent *Proc, entry func(p *Proc)) (*Proc, defs.Err_t) {
	childAS, err := parent.AS.CopyUser(parent.AS.Sz)
	if err != 0 {
		return nil, err
	}
	child := t.AllocProc(childAS, parent.Cwd.Idup(), entry)
	child.Ppid = parent.Pid
	for i, f := range parent.ofile {
		if f != nil {
			child.ofile[i] = ft.Dup(f)
		}
	}
	return child, 0
}

// Exit tears down p: closes every open fd, releases its address space and
// cwd, records its exit status, reparents any children to init (waking it
// if a child is already Zombie), and wakes p's own parent (spec §4.E).
func (p *Proc) Exit(t *Table, ft *file.Table, pid int, status int) {
	p.mu.Lock()
	for i, f := range p.ofile {
		if f != nil {
			ft.Close(pid, f)
			p.ofile[i] = nil
		}
	}
	cwd := p.Cwd
	as := p.AS
	ppid := p.Ppid
	p.state = Zombie
	p.exitStatus = status
	p.mu.Unlock()

	if cwd != nil {
		cwd.FS().BeginOp()
		cwd.Iput(pid)
		cwd.FS().EndOp()
	}
	if as != nil {
		as.Free()
	}

	t.reparent(p)

	if parent := t.find(ppid); parent != nil {
		t.Wakeup(parent)
	}
}

// reparent hands p's live children to init, waking init if any of them is
// already a Zombie, mirroring xv6's exit() walking the whole process table
// and calling wakeup1(initproc) (spec §4.E).
func (t *Table) reparent(p *Proc) {
	t.mu.Lock()
	sawZombie := false
	for _, q := range t.procs {
		if q.Ppid != p.Pid {
			continue
		}
		q.Ppid = t.initPid
		q.mu.Lock()
		if q.state == Zombie {
			sawZombie = true
		}
		q.mu.Unlock()
	}
	init := t.findLocked(t.initPid)
	t.mu.Unlock()

	if sawZombie && init != nil {
		t.Wakeup(init)
	}
}

// Wait blocks for any child of parent to exit and returns its pid and
// status, or ECHILD if parent has no children at all. It polls the table
// for an already-Zombie child and, finding none, sleeps on parent itself
// as the wakeup channel (spec §4.E: sys_wait4, mirroring xv6's
// sleep(curproc, &ptable.lock) inside wait()).
//
// The scan and the transition to Sleeping happen under one continuous
// hold of t.mu — Wakeup also needs t.mu to find sleepers (see Wakeup), so
// a concurrent Exit can't land between "no zombie child yet" and "parent
// is actually asleep" and have its wakeup silently missed.
func (t *Table) Wait(parent *Proc) (int, int, defs.Err_t) {
	for {
		t.mu.Lock()
		haveChild := false
		for _, q := range t.procs {
			if q.Ppid != parent.Pid {
				continue
			}
			haveChild = true
			q.mu.Lock()
			if q.state == Zombie {
				status := q.exitStatus
				q.mu.Unlock()
				t.mu.Unlock()
				t.remove(q)
				return q.Pid, status, 0
			}
			q.mu.Unlock()
		}
		if !haveChild {
			t.mu.Unlock()
			return 0, 0, defs.ECHILD
		}
		parent.beginSleep(parent)
		t.mu.Unlock()
		<-parent.wakeCh
		parent.endSleep()
	}
}

// Kill marks pid for death; a process observes it the next time it checks
// Killed(), the same cooperative model biscuit's proc_t.Doomed uses rather
// than an asynchronous signal.
func (t *Table) Kill(pid int) defs.Err_t {
	p := t.find(pid)
	if p == nil {
		return defs.ESRCH
	}
	p.mu.Lock()
	p.killed = true
	p.mu.Unlock()
	select {
	case p.wakeCh <- struct{}{}:
	default:
	}
	return 0
}

func (p *Proc) Killed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killed
}

// beginSleep marks p Sleeping on chanaddr. Split out of Sleep so Wait can
// perform this transition itself while still holding t.mu (see Wait),
// keeping the check-then-sleep sequence atomic with respect to Wakeup.
func (p *Proc) beginSleep(chanaddr interface{}) {
	p.mu.Lock()
	p.state = Sleeping
	p.chanWait = chanaddr
	p.mu.Unlock()
}

// endSleep marks p Running again after a matching Wakeup.
func (p *Proc) endSleep() {
	p.mu.Lock()
	p.state = Running
	p.chanWait = nil
	p.mu.Unlock()
}

// Sleep blocks the calling process on chanaddr until a matching Wakeup,
// releasing lk while asleep and reacquiring it before returning — the
// exact contract of spec §4.E's sleep/wakeup and of xv6's sleep(chan,
// lock). lk may be nil for callers with nothing to release (e.g. a
// process voluntarily yielding on its own wakeCh).
func (p *Proc) Sleep(chanaddr interface{}, lk *spinlock.Sleeplock, pid int) {
	p.beginSleep(chanaddr)
	if lk != nil {
		lk.Release()
	}
	<-p.wakeCh
	if lk != nil {
		lk.Acquire(pid)
	}
	p.endSleep()
}

// Wakeup wakes every process in the table sleeping on chanaddr, mirroring
// xv6's wakeup() scanning the whole process table rather than maintaining
// per-channel wait queues (spec §9's design note on why a full scan is
// acceptable at this scale).
func (t *Table) Wakeup(chanaddr interface{}) {
	t.mu.Lock()
	waiters := make([]*Proc, 0, len(t.procs))
	for _, p := range t.procs {
		p.mu.Lock()
		if p.state == Sleeping && p.chanWait == chanaddr {
			waiters = append(waiters, p)
		}
		p.mu.Unlock()
	}
	t.mu.Unlock()
	for _, p := range waiters {
		select {
		case p.wakeCh <- struct{}{}:
		default:
		}
	}
}

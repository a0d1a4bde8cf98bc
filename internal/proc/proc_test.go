package proc

import (
	"testing"
	"time"

	"gophix/internal/bio"
	"gophix/internal/defs"
	"gophix/internal/disk"
	"gophix/internal/file"
	"gophix/internal/fs"
	"gophix/internal/mem"
	"gophix/internal/vm"
	"gophix/internal/walog"
)

const testPid = -1

// testFixture builds just enough of the surrounding kernel (an address
// space allocator and a mounted, single-inode filesystem for cwd) for
// proc.Table's own logic to be exercised without a real boot sequence.
func testFixture(t *testing.T) (*mem.Arena, *mem.Allocator, *fs.FS) {
	t.Helper()
	arena := mem.NewArena(64 * mem.PGSIZE)
	alloc := mem.NewAllocator(arena, 0, mem.Pa_t(arena.Size()))

	d := disk.NewMemDisk(2048)
	cache := bio.NewCache(d, 64)
	layout := fs.PlanLayout(2048, 100, 20)
	fs.BuildImage(cache, layout)
	log := walog.New(cache, 0, int(layout.Sb.LogStart), int(layout.Sb.LogSize), testPid)
	fsys := fs.Mount(0, cache, log, 50)
	return arena, alloc, fsys
}

func newAS(t *testing.T, arena *mem.Arena, alloc *mem.Allocator) *vm.AS {
	t.Helper()
	as, ok := vm.New(arena, alloc)
	if !ok {
		t.Fatalf("vm.New: out of memory")
	}
	return as
}

func TestForkExitWaitRoundTrip(t *testing.T) {
	arena, alloc, fsys := testFixture(t)
	root := fsys.Iget(0, fs.RootIno)

	procs := NewTable()
	ft := file.NewTable(8)

	parentAS := newAS(t, arena, alloc)
	parent := procs.AllocProc(parentAS, root, func(p *Proc) {})

	child, err := procs.Fork(ft, parent, func(p *Proc) {})
	if err != 0 {
		t.Fatalf("fork: %v", err)
	}
	if child.Ppid != parent.Pid {
		t.Fatalf("expected child.Ppid == parent.Pid")
	}

	// No delay before Exit: Wait must not miss a wakeup that lands between
	// its "no zombie yet" check and actually going to sleep, so this races
	// Exit against Wait's own startup on purpose rather than giving Wait a
	// head start.
	go child.Exit(procs, ft, child.Pid, 42)

	type result struct {
		pid, status int
		err         defs.Err_t
	}
	done := make(chan result, 1)
	go func() {
		pid, status, werr := procs.Wait(parent)
		done <- result{pid, status, werr}
	}()

	var res result
	select {
	case res = <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Wait never returned: a concurrent Exit's wakeup was missed")
	}
	if res.err != 0 {
		t.Fatalf("wait: %v", res.err)
	}
	if res.pid != child.Pid || res.status != 42 {
		t.Fatalf("expected (pid=%d, status=42), got (pid=%d, status=%d)", child.Pid, res.pid, res.status)
	}

	if _, _, werr := procs.Wait(parent); werr != defs.ECHILD {
		t.Fatalf("expected ECHILD once the only child has been reaped, got %v", werr)
	}
}

// TestExitReparentsChildrenToInit mirrors original_source/xv6's zombie.c:
// a grandchild that outlives its parent must be reparented to init and
// stay reapable, rather than leaking in the table forever.
func TestExitReparentsChildrenToInit(t *testing.T) {
	arena, alloc, fsys := testFixture(t)
	root := fsys.Iget(0, fs.RootIno)

	procs := NewTable()
	ft := file.NewTable(8)

	init := procs.AllocProc(newAS(t, arena, alloc), root, func(p *Proc) {})
	procs.SetInit(init.Pid)

	parent, err := procs.Fork(ft, init, func(p *Proc) {})
	if err != 0 {
		t.Fatalf("fork: %v", err)
	}
	child, err := procs.Fork(ft, parent, func(p *Proc) {})
	if err != 0 {
		t.Fatalf("fork: %v", err)
	}

	// child exits first, so it is already a Zombie by the time parent
	// exits and reparents it to init.
	child.Exit(procs, ft, child.Pid, 5)
	parent.Exit(procs, ft, parent.Pid, 0)

	if child.Ppid != init.Pid {
		t.Fatalf("expected child reparented to init, got ppid=%d want=%d", child.Ppid, init.Pid)
	}

	results := make(map[int]int)
	for i := 0; i < 2; i++ {
		pid, status, werr := procs.Wait(init)
		if werr != 0 {
			t.Fatalf("wait: %v", werr)
		}
		results[pid] = status
	}
	if got, ok := results[child.Pid]; !ok || got != 5 {
		t.Fatalf("expected init to reap the orphaned child with status 5, got %v", results)
	}
	if _, _, werr := procs.Wait(init); werr != defs.ECHILD {
		t.Fatalf("expected ECHILD once both children are reaped, got %v", werr)
	}
}

func TestWaitWithNoChildrenIsEchild(t *testing.T) {
	arena, alloc, fsys := testFixture(t)
	root := fsys.Iget(0, fs.RootIno)
	procs := NewTable()
	p := procs.AllocProc(newAS(t, arena, alloc), root, func(p *Proc) {})

	if _, _, err := procs.Wait(p); err != defs.ECHILD {
		t.Fatalf("expected ECHILD, got %v", err)
	}
}

func TestForkDupsOpenFileTable(t *testing.T) {
	arena, alloc, fsys := testFixture(t)
	root := fsys.Iget(0, fs.RootIno)
	procs := NewTable()
	ft := file.NewTable(8)

	parent := procs.AllocProc(newAS(t, arena, alloc), root, func(p *Proc) {})
	f, _ := ft.Alloc()
	if _, err := parent.AddFile(f); err != 0 {
		t.Fatalf("addfile: %v", err)
	}

	child, err := procs.Fork(ft, parent, func(p *Proc) {})
	if err != 0 {
		t.Fatalf("fork: %v", err)
	}
	got, err := child.File(0)
	if err != 0 || got != f {
		t.Fatalf("expected the child's fd 0 to be the same *File as the parent's")
	}
}

func TestAddFilePicksLowestFreeSlot(t *testing.T) {
	arena, alloc, fsys := testFixture(t)
	root := fsys.Iget(0, fs.RootIno)
	procs := NewTable()
	ft := file.NewTable(8)
	p := procs.AllocProc(newAS(t, arena, alloc), root, func(p *Proc) {})

	f0, _ := ft.Alloc()
	f1, _ := ft.Alloc()
	fd0, _ := p.AddFile(f0)
	fd1, _ := p.AddFile(f1)
	if fd0 != 0 || fd1 != 1 {
		t.Fatalf("expected fds 0 and 1, got %d and %d", fd0, fd1)
	}

	p.ClearFile(fd0)
	f2, _ := ft.Alloc()
	fd2, _ := p.AddFile(f2)
	if fd2 != 0 {
		t.Fatalf("expected fd 0 to be reused, got %d", fd2)
	}
}

func TestKillUnknownPidIsEsrch(t *testing.T) {
	procs := NewTable()
	if err := procs.Kill(999); err != defs.ESRCH {
		t.Fatalf("expected ESRCH, got %v", err)
	}
}

func TestKillSetsKilledFlag(t *testing.T) {
	arena, alloc, fsys := testFixture(t)
	root := fsys.Iget(0, fs.RootIno)
	procs := NewTable()
	p := procs.AllocProc(newAS(t, arena, alloc), root, func(p *Proc) {})

	if p.Killed() {
		t.Fatalf("expected a fresh process to not be killed")
	}
	procs.Kill(p.Pid)
	if !p.Killed() {
		t.Fatalf("expected Killed() to observe the kill")
	}
}

func TestSleepWakeup(t *testing.T) {
	arena, alloc, fsys := testFixture(t)
	root := fsys.Iget(0, fs.RootIno)
	procs := NewTable()
	p := procs.AllocProc(newAS(t, arena, alloc), root, func(p *Proc) {})

	const chanaddr = "the channel"
	done := make(chan struct{})
	go func() {
		p.Sleep(chanaddr, nil, testPid)
		close(done)
	}()

	time.Sleep(5 * time.Millisecond)
	select {
	case <-done:
		t.Fatalf("Sleep returned before any Wakeup")
	default:
	}

	procs.Wakeup(chanaddr)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Sleep never returned after a matching Wakeup")
	}
}

// Command kestrel boots the kernel: it wires every internal/ package
// together the way biscuit/main.go's main() wires bdev, log, fs, and the
// scheduler at boot, adapted to the hosting model (no runtime.Cli/Sti/
// Install_traphandler — those are biscuit's own patches to the Go
// runtime for running as the actual bare-metal kernel, out of reach for a
// hosted program). Fatal boot errors stop the program with a
// "kestrel:"-prefixed message: log.Fatalf for image stat/open errors, a
// panic when init's address space cannot be allocated.
package main

import (
	"flag"
	"io"
	"log"
	"os"

	"gophix/internal/bio"
	"gophix/internal/console"
	"gophix/internal/defs"
	"gophix/internal/disk"
	"gophix/internal/file"
	"gophix/internal/fs"
	"gophix/internal/mem"
	"gophix/internal/proc"
	"gophix/internal/trap"
	"gophix/internal/vm"
	"gophix/internal/walog"
)

func main() {
	imgPath := flag.String("img", "fs.img", "filesystem image path")
	ncpu := flag.Int("ncpu", 2, "number of simulated CPUs")
	physMB := flag.Int("mem", 64, "simulated physical memory, in megabytes")
	flag.Parse()

	fi, err := os.Stat(*imgPath)
	if err != nil {
		log.Fatalf("kestrel: stat %s: %v (run mkfs first)", *imgPath, err)
	}
	nblk := int(fi.Size() / bio.BlockSize)

	d, err := disk.OpenFile(*imgPath, nblk, false)
	if err != nil {
		log.Fatalf("kestrel: opening %s: %v", *imgPath, err)
	}
	cache := bio.NewCache(d, 256)

	arena := mem.NewArena(*physMB << 20)
	alloc := mem.NewAllocator(arena, 0, mem.Pa_t(arena.Size()))

	sb := fs.ReadSuperblock(cache)
	logDev := 0
	logProcPid := -1 // synthetic pid owning buffer locks during log commit/recovery
	logg := walog.New(cache, logDev, int(sb.LogStart), int(sb.LogSize), logProcPid)

	mountedFS := fs.Mount(logDev, cache, logg, 64)

	files := file.NewTable(128)
	devices := console.NewTable()
	cons := console.New(os.Stdin, os.Stdout, io.Discard)
	devices.Register(cons.AsDevice())

	procs := proc.NewTable()
	cpu := proc.NewCPU(0)
	for i := 1; i < *ncpu; i++ {
		proc.NewCPU(i) // additional logical CPUs; this simplified table runs every process on cpu's Spawn goroutine pool regardless of which CPU accepted it, matching spec §4.E's "any idle CPU may run any runnable process"
	}

	timer := trap.StartTimer(procs)
	trapTable := trap.NewTable()
	sys := &trap.Syscalls{
		Procs: procs, Files: files, FS: mountedFS, Devices: devices,
		CPU: cpu, Arena: arena, Alloc: alloc,
	}
	sys.RegisterSyscallVector(trapTable, timer)

	root := mountedFS.Iget(logDev, fs.RootIno)
	initProc := spawnInit(procs, cpu, files, arena, alloc, root, sys)

	log.Printf("kestrel: booted, ncpu=%d mem=%dMB pid=%d", *ncpu, *physMB, initProc.Pid)
	select {}
}

// spawnInit hand-builds the first process, the way xv6's userinit()
// constructs proc[0] directly instead of forking it from anything (spec
// §4.E "Initial user process"): a bare address space, cwd set to the root
// inode fetched by hand, and console fds wired in before any open() call
// could otherwise reach them.
func spawnInit(procs *proc.Table, cpu *proc.CPU, files *file.Table, arena *mem.Arena, alloc *mem.Allocator, root *fs.Inode, sys *trap.Syscalls) *proc.Proc {
	as, ok := vm.New(arena, alloc)
	if !ok {
		panic("kestrel: out of memory building init's address space")
	}
	as.InitUser([]byte{})

	entry := func(p *proc.Proc) {
		consoleDev, err := sys.Devices.Lookup(console.MajorConsole)
		if err != 0 {
			sys.Exit(p, -1)
			return
		}
		for fd := 0; fd < 3; fd++ {
			f, ferr := files.Alloc()
			if ferr != 0 {
				sys.Exit(p, -1)
				return
			}
			file.NewDeviceFile(f, consoleDev, true, true)
			if _, aerr := p.AddFile(f); aerr != 0 {
				sys.Exit(p, -1)
				return
			}
		}

		sys.Write(p, 1, []byte("gophix: init running\n"))

		for {
			_, status, werr := sys.Wait(p)
			if werr == defs.ECHILD {
				break
			}
			log.Printf("kestrel: reaped child, status=%d", status)
		}
		sys.Exit(p, 0)
	}

	p := procs.AllocProc(as, root, entry)
	procs.SetInit(p.Pid)
	cpu.Spawn(procs, files, p)
	return p
}

// Package trap implements spec §4.D/§4.F: the trap-vector dispatch table
// and the 21-syscall argument-fetch/dispatch layer built on top of it.
// Grounded on biscuit/syscall.go's sys_* function family and its
// syscall() top-level dispatcher, adapted to the hosting model: a process
// entry closure calls a Syscalls method directly instead of executing an
// `int $T_SYSCALL` instruction, and Dispatch exists to serve the frame-
// based calling convention (spec §4.D) for anything that does go through
// a trapframe.Frame — timer/device interrupts, and syscalls issued the
// "traditional" way with arguments in registers.
package trap

import (
	"gophix/internal/console"
	"gophix/internal/defs"
	"gophix/internal/file"
	"gophix/internal/fs"
	"gophix/internal/mem"
	"gophix/internal/pipe"
	"gophix/internal/proc"
)

// Syscalls bundles every subsystem the syscall layer dispatches into, the
// hosted equivalent of the global state biscuit's sys_* functions close
// over (the process table, the file table, the mounted filesystem, and
// the device table). Arena and Alloc are only needed by the frame-based
// calling convention in dispatch.go, to fetch syscall arguments out of a
// process's user address space.
type Syscalls struct {
	Procs   *proc.Table
	Files   *file.Table
	FS      *fs.FS
	Devices *console.Table
	CPU     *proc.CPU
	Arena   *mem.Arena
	Alloc   *mem.Allocator
}

// Fork implements sys_fork: it duplicates p's address space and fd table
// and schedules the child, returning the child's pid to the parent.
func (s *Syscalls) Fork(p *proc.Proc, entry func(*proc.Proc)) (int, defs.Err_t) {
	child, err := s.Procs.Fork(s.Files, p, entry)
	if err != 0 {
		return -1, err
	}
	s.CPU.Spawn(s.Procs, s.Files, child)
	return child.Pid, 0
}

// Exit implements sys_exit: it never returns to the caller.
func (s *Syscalls) Exit(p *proc.Proc, status int) {
	p.Exit(s.Procs, s.Files, p.Pid, status)
}

// Wait implements sys_wait4, simplified to xv6's wait(): block for any
// child and report its pid and status.
func (s *Syscalls) Wait(p *proc.Proc) (int, int, defs.Err_t) {
	return s.Procs.Wait(p)
}

// Pipe implements sys_pipe2: it allocates a pipe and two file-table
// entries for it and installs them in p's fd table.
func (s *Syscalls) Pipe(p *proc.Proc) (readFd, writeFd int, err defs.Err_t) {
	pp := pipe.New()

	rf, err := s.Files.Alloc()
	if err != 0 {
		return -1, -1, err
	}
	file.NewPipeFile(rf, pp, false)
	rfd, err := p.AddFile(rf)
	if err != 0 {
		s.Files.Close(p.Pid, rf)
		return -1, -1, err
	}

	wf, err := s.Files.Alloc()
	if err != 0 {
		p.ClearFile(rfd)
		s.Files.Close(p.Pid, rf)
		return -1, -1, err
	}
	file.NewPipeFile(wf, pp, true)
	wfd, err := p.AddFile(wf)
	if err != 0 {
		p.ClearFile(rfd)
		s.Files.Close(p.Pid, rf)
		s.Files.Close(p.Pid, wf)
		return -1, -1, err
	}
	return rfd, wfd, 0
}

// Read implements sys_read.
func (s *Syscalls) Read(p *proc.Proc, fd int, dst []byte) (int, defs.Err_t) {
	f, err := p.File(fd)
	if err != 0 {
		return -1, err
	}
	n, err := f.Read(p.Pid, dst)
	if err != 0 {
		return -1, err
	}
	return n, 0
}

// Write implements sys_write.
func (s *Syscalls) Write(p *proc.Proc, fd int, src []byte) (int, defs.Err_t) {
	f, err := p.File(fd)
	if err != 0 {
		return -1, err
	}
	n, err := f.Write(p.Pid, src)
	if err != 0 {
		return -1, err
	}
	return n, 0
}

// Close implements sys_close.
func (s *Syscalls) Close(p *proc.Proc, fd int) defs.Err_t {
	f, err := p.File(fd)
	if err != 0 {
		return err
	}
	p.ClearFile(fd)
	s.Files.Close(p.Pid, f)
	return 0
}

// Dup implements sys_dup2 restricted to xv6's single-argument dup: return
// a second fd for the same open file.
func (s *Syscalls) Dup(p *proc.Proc, fd int) (int, defs.Err_t) {
	f, err := p.File(fd)
	if err != 0 {
		return -1, err
	}
	dup := s.Files.Dup(f)
	newfd, err := p.AddFile(dup)
	if err != 0 {
		s.Files.Close(p.Pid, dup)
		return -1, err
	}
	return newfd, 0
}

// Open implements sys_open: O_CREATE makes a plain file if absent,
// otherwise the path must already resolve.
func (s *Syscalls) Open(p *proc.Proc, path string, flags int) (int, defs.Err_t) {
	s.FS.BeginOp()
	defer s.FS.EndOp()

	var ip *fs.Inode
	var err defs.Err_t
	if flags&defs.O_CREATE != 0 {
		// Create already returns a referenced inode for an existing
		// target alongside EEXIST (Dirlookup's Iget); reuse it instead of
		// re-resolving the path, which would leak that reference and
		// eventually exhaust the fixed-size inode cache.
		ip, err = s.FS.Create(p.Pid, p.Cwd, path, 0, 0)
		if err == defs.EEXIST {
			err = 0
		}
	} else {
		ip, err = s.FS.Namei(p.Pid, p.Cwd, path)
	}
	if err != 0 {
		return -1, err
	}

	ip.Ilock(p.Pid)
	if ip.Type == fs.TDir && flags != defs.O_RDONLY {
		ip.Iunlock()
		ip.Iput(p.Pid)
		return -1, defs.EISDIR
	}
	ip.Iunlock()

	f, err := s.Files.Alloc()
	if err != 0 {
		ip.Iput(p.Pid)
		return -1, err
	}
	readable := flags&defs.O_WRONLY == 0
	writable := flags&(defs.O_WRONLY|defs.O_RDWR) != 0
	if ip.Type == fs.TDev {
		dev, derr := s.Devices.Lookup(int(ip.Major))
		if derr != 0 {
			s.Files.Close(p.Pid, f)
			ip.Iput(p.Pid)
			return -1, derr
		}
		file.NewDeviceFile(f, dev, readable, writable)
	} else {
		file.NewInodeFile(f, ip, readable, writable)
	}
	fd, err := p.AddFile(f)
	if err != 0 {
		s.Files.Close(p.Pid, f)
		return -1, err
	}
	return fd, 0
}

// Mknod implements sys_mknod: creates a device special file.
func (s *Syscalls) Mknod(p *proc.Proc, path string, major, minor int16) defs.Err_t {
	s.FS.BeginOp()
	defer s.FS.EndOp()
	ip, err := s.FS.Create(p.Pid, p.Cwd, path, major, minor)
	if err != 0 {
		return err
	}
	ip.Iput(p.Pid)
	return 0
}

// Unlink implements sys_unlink.
func (s *Syscalls) Unlink(p *proc.Proc, path string) defs.Err_t {
	s.FS.BeginOp()
	defer s.FS.EndOp()
	return s.FS.Unlink(p.Pid, p.Cwd, path)
}

// Link implements sys_link.
func (s *Syscalls) Link(p *proc.Proc, oldpath, newpath string) defs.Err_t {
	s.FS.BeginOp()
	defer s.FS.EndOp()
	return s.FS.Link(p.Pid, p.Cwd, oldpath, newpath)
}

// Mkdir implements sys_mkdir.
func (s *Syscalls) Mkdir(p *proc.Proc, path string) defs.Err_t {
	s.FS.BeginOp()
	defer s.FS.EndOp()
	return s.FS.Mkdir(p.Pid, p.Cwd, path)
}

// Chdir implements sys_chdir, replacing p.Cwd after verifying path names a
// directory.
func (s *Syscalls) Chdir(p *proc.Proc, path string) defs.Err_t {
	s.FS.BeginOp()
	defer s.FS.EndOp()
	ip, err := s.FS.Namei(p.Pid, p.Cwd, path)
	if err != 0 {
		return err
	}
	ip.Ilock(p.Pid)
	if ip.Type != fs.TDir {
		ip.Iunlock()
		ip.Iput(p.Pid)
		return defs.ENOTDIR
	}
	ip.Iunlock()

	old := p.Cwd
	p.Cwd = ip
	if old != nil {
		old.Iput(p.Pid)
	}
	return 0
}

// Fstat implements sys_fstat.
func (s *Syscalls) Fstat(p *proc.Proc, fd int) (fs.Stat, defs.Err_t) {
	f, err := p.File(fd)
	if err != 0 {
		return fs.Stat{}, err
	}
	return f.Stat()
}

// Getpid implements sys_getpid.
func (s *Syscalls) Getpid(p *proc.Proc) int { return p.Pid }

// Kill implements sys_kill.
func (s *Syscalls) Kill(pid int) defs.Err_t { return s.Procs.Kill(pid) }

// Sbrk implements sys_sbrk: grows or shrinks p's address space by n bytes
// (n may be negative) and returns the previous break.
func (s *Syscalls) Sbrk(p *proc.Proc, n int) (int, defs.Err_t) {
	old := p.AS.Sz
	if n >= 0 {
		newSz, err := p.AS.GrowUser(old, old+uint32(n))
		if err != 0 {
			return -1, err
		}
		p.AS.Sz = newSz
	} else {
		p.AS.Sz = p.AS.ShrinkUser(old, old-uint32(-n))
	}
	return int(old), 0
}

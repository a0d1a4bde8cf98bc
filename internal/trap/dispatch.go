package trap

import (
	"gophix/internal/defs"
	"gophix/internal/fs"
	"gophix/internal/proc"
	"gophix/internal/trapframe"
	"gophix/internal/vm"
)

// maxPathLen bounds a fetched path/string argument, matching xv6's
// fetchstr scanning until a NUL or the destination buffer fills.
const maxPathLen = 128

// fetchStr copies a NUL-terminated string out of p's user address space
// starting at va, one page-safe chunk at a time via vm.CopyIn.
func (s *Syscalls) fetchStr(p *proc.Proc, va uint32) (string, defs.Err_t) {
	var buf [maxPathLen]byte
	for i := 0; i < maxPathLen; i++ {
		if err := vm.CopyIn(s.Arena, s.Alloc, p.AS.Pgdir, va+uint32(i), buf[i:i+1]); err != 0 {
			return "", err
		}
		if buf[i] == 0 {
			return string(buf[:i]), 0
		}
	}
	return "", defs.ENAMETOOLONG
}

// RegisterSyscallVector installs the T_SYSCALL trap handler: decode the
// syscall number and up to five register arguments (spec §4.F's calling
// convention), dispatch to the matching Syscalls method, and return its
// result the way xv6's syscall() does — a non-negative value on success,
// the negated Err_t on failure.
func (s *Syscalls) RegisterSyscallVector(t *Table, timer *Timer) {
	t.Register(trapframe.T_SYSCALL, func(p *proc.Proc, f *trapframe.Frame) int32 {
		num, a := syscallArgs(f)
		switch num {
		case SysFork:
			// A frame-driven fork has no Go closure to hand the child;
			// this calling convention only supports syscalls that don't
			// need one. Frame-based fork is intentionally unsupported —
			// forked user programs are launched via Syscalls.Fork
			// directly from an entry closure (spec §4.F note in
			// SPEC_FULL.md's hosting model).
			return neg(defs.ENOSYS)
		case SysExec:
			// Exec's replacement entry is a Go closure the frame-based
			// calling convention has no way to supply, the same reason
			// SysFork is unsupported here. Frame-driven exec is
			// intentionally unsupported.
			return neg(defs.ENOSYS)
		case SysExit:
			s.Exit(p, int(int32(a[0])))
			return 0
		case SysPipe:
			rfd, wfd, err := s.Pipe(p)
			if err != 0 {
				return neg(err)
			}
			buf := make([]byte, 8)
			putU32(buf[0:4], uint32(rfd))
			putU32(buf[4:8], uint32(wfd))
			if cerr := vm.CopyOut(s.Arena, s.Alloc, p.AS.Pgdir, a[0], buf); cerr != 0 {
				return neg(cerr)
			}
			return 0
		case SysWait:
			_, status, err := s.Wait(p)
			if err != 0 {
				return neg(err)
			}
			return int32(status)
		case SysRead:
			dst := make([]byte, a[2])
			n, err := s.Read(p, int(a[0]), dst)
			if err != 0 {
				return neg(err)
			}
			if cerr := vm.CopyOut(s.Arena, s.Alloc, p.AS.Pgdir, a[1], dst[:n]); cerr != 0 {
				return neg(cerr)
			}
			return int32(n)
		case SysWrite:
			src := make([]byte, a[2])
			if err := vm.CopyIn(s.Arena, s.Alloc, p.AS.Pgdir, a[1], src); err != 0 {
				return neg(err)
			}
			n, err := s.Write(p, int(a[0]), src)
			if err != 0 {
				return neg(err)
			}
			return int32(n)
		case SysClose:
			if err := s.Close(p, int(a[0])); err != 0 {
				return neg(err)
			}
			return 0
		case SysDup:
			nfd, err := s.Dup(p, int(a[0]))
			if err != 0 {
				return neg(err)
			}
			return int32(nfd)
		case SysGetpid:
			return int32(s.Getpid(p))
		case SysKill:
			if err := s.Kill(int(a[0])); err != 0 {
				return neg(err)
			}
			return 0
		case SysSbrk:
			old, err := s.Sbrk(p, int(int32(a[0])))
			if err != 0 {
				return neg(err)
			}
			return int32(old)
		case SysSleep:
			if err := s.Sleep(p, timer, int(a[0])); err != 0 {
				return neg(err)
			}
			return 0
		case SysUptime:
			return int32(s.Uptime(timer))
		case SysOpen:
			path, err := s.fetchStr(p, a[0])
			if err != 0 {
				return neg(err)
			}
			fd, err := s.Open(p, path, int(a[1]))
			if err != 0 {
				return neg(err)
			}
			return int32(fd)
		case SysMknod:
			path, err := s.fetchStr(p, a[0])
			if err != 0 {
				return neg(err)
			}
			if err := s.Mknod(p, path, int16(a[1]), int16(a[2])); err != 0 {
				return neg(err)
			}
			return 0
		case SysUnlink:
			path, err := s.fetchStr(p, a[0])
			if err != 0 {
				return neg(err)
			}
			if err := s.Unlink(p, path); err != 0 {
				return neg(err)
			}
			return 0
		case SysLink:
			oldp, err := s.fetchStr(p, a[0])
			if err != 0 {
				return neg(err)
			}
			newp, err := s.fetchStr(p, a[1])
			if err != 0 {
				return neg(err)
			}
			if err := s.Link(p, oldp, newp); err != 0 {
				return neg(err)
			}
			return 0
		case SysMkdir:
			path, err := s.fetchStr(p, a[0])
			if err != 0 {
				return neg(err)
			}
			if err := s.Mkdir(p, path); err != 0 {
				return neg(err)
			}
			return 0
		case SysChdir:
			path, err := s.fetchStr(p, a[0])
			if err != 0 {
				return neg(err)
			}
			if err := s.Chdir(p, path); err != 0 {
				return neg(err)
			}
			return 0
		case SysFstat:
			st, err := s.Fstat(p, int(a[0]))
			if err != 0 {
				return neg(err)
			}
			if cerr := vm.CopyOut(s.Arena, s.Alloc, p.AS.Pgdir, a[1], encodeStat(st)); cerr != 0 {
				return neg(cerr)
			}
			return 0
		default:
			return neg(defs.ENOSYS)
		}
	})
}

func neg(e defs.Err_t) int32 { return -int32(e) }

// encodeStat serializes a fs.Stat the way xv6's struct stat lays out on
// the wire: dev, ino, type, nlink, size as little-endian fields, so a
// user program's stat.h struct reads it directly.
func encodeStat(st fs.Stat) []byte {
	buf := make([]byte, 4+4+2+2+4)
	putU32(buf[0:4], uint32(st.Dev))
	putU32(buf[4:8], st.Inum)
	putU16(buf[8:10], uint16(st.Type))
	putU16(buf[10:12], uint16(st.Nlink))
	putU32(buf[12:16], st.Size)
	return buf
}

func putU32(b []byte, v uint32) {
	b[0], b[1], b[2], b[3] = byte(v), byte(v>>8), byte(v>>16), byte(v>>24)
}

func putU16(b []byte, v uint16) {
	b[0], b[1] = byte(v), byte(v>>8)
}

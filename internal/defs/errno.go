// Package defs holds the small set of cross-cutting types every kernel
// package needs: the error taxonomy and a handful of shared constants.
package defs

// Err_t is the kernel's internal error type. Zero means success; every
// other value is a negated-on-return errno, the same convention
// biscuit/src/defs/errno.go uses.
type Err_t int

const (
	EPERM        Err_t = 1
	ENOENT       Err_t = 2
	ESRCH        Err_t = 3
	EIO          Err_t = 5
	E2BIG        Err_t = 7
	ENOEXEC      Err_t = 8
	EBADF        Err_t = 9
	ECHILD       Err_t = 10
	EAGAIN       Err_t = 11
	ENOMEM       Err_t = 12
	EACCES       Err_t = 13
	EFAULT       Err_t = 14
	EBUSY        Err_t = 16
	EEXIST       Err_t = 17
	ENODEV       Err_t = 19
	ENOTDIR      Err_t = 20
	EISDIR       Err_t = 21
	EINVAL       Err_t = 22
	EMFILE       Err_t = 24
	EFBIG        Err_t = 27
	ENOSPC       Err_t = 28
	EPIPE        Err_t = 32
	ENAMETOOLONG Err_t = 36
	ENOTEMPTY    Err_t = 39
	ENOSYS       Err_t = 38
)

// String is used only for debug tracing (§7 error taxonomy is otherwise
// opaque past the syscall boundary, so this is not exhaustive).
func (e Err_t) String() string {
	switch e {
	case 0:
		return "ok"
	case EPERM:
		return "EPERM"
	case ENOENT:
		return "ENOENT"
	case ESRCH:
		return "ESRCH"
	case EIO:
		return "EIO"
	case E2BIG:
		return "E2BIG"
	case ENOEXEC:
		return "ENOEXEC"
	case EBADF:
		return "EBADF"
	case ECHILD:
		return "ECHILD"
	case EAGAIN:
		return "EAGAIN"
	case ENOMEM:
		return "ENOMEM"
	case EACCES:
		return "EACCES"
	case EBUSY:
		return "EBUSY"
	case EEXIST:
		return "EEXIST"
	case ENODEV:
		return "ENODEV"
	case ENOTDIR:
		return "ENOTDIR"
	case EISDIR:
		return "EISDIR"
	case EINVAL:
		return "EINVAL"
	case EMFILE:
		return "EMFILE"
	case EFBIG:
		return "EFBIG"
	case ENOSPC:
		return "ENOSPC"
	case EPIPE:
		return "EPIPE"
	case ENAMETOOLONG:
		return "ENAMETOOLONG"
	case ENOTEMPTY:
		return "ENOTEMPTY"
	case ENOSYS:
		return "ENOSYS"
	default:
		return "Err_t(?)"
	}
}

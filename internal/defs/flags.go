package defs

// Open-mode and creation flags for the open() syscall, values chosen to
// match xv6's fcntl.h (a detail spec.md leaves unspecified but
// original_source/xv6 fixes) so a userspace program written against real
// xv6 headers needs no translation layer.
const (
	O_RDONLY = 0x000
	O_WRONLY = 0x001
	O_RDWR   = 0x002
	O_CREATE = 0x200
)

// The FStat* constants mirror original_source/xv6's ls.c directory-entry type codes,
// supplemented from the original since the distilled spec omits them.
const (
	FStatDir  = 1
	FStatFile = 2
	FStatDev  = 3
)

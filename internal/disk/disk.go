// Package disk models the block device the buffer cache (internal/bio)
// talks to — the "external collaborator" of spec §1/§6 whose driver
// internals (IDE, AHCI) are explicitly out of scope, but whose interface
// (a per-device FIFO of pending requests, completed one at a time, spec
// §4.G) the core depends on. Grounded on biscuit/bdev.go's iderw()
// boundary and, for the real-device backend, on the raw-I/O style of
// other_examples/google-gvisor and the mit-pdos/goose-nfsd disk package
// surfaced by the retrieval (same MIT PDOS lineage as the teacher).
package disk

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// BlockSize is the fixed on-disk block size of spec §6.
const BlockSize = 512

// Disk is the driver-independent contract the buffer cache needs: complete
// one pending read or write of a whole block. A real driver's interrupt
// handler would signal completion asynchronously (spec §4.G); every
// implementation here completes synchronously from the caller's goroutine,
// which is observationally identical to bio's "wait for a disk interrupt"
// once it holds the buffer's sleeplock.
type Disk interface {
	ReadBlock(blockno int, dst []byte) error
	WriteBlock(blockno int, src []byte) error
	NumBlocks() int
	Close() error
}

// request is a queued operation, kept only so the FIFO-ordering contract of
// spec §4.G is visible and inspectable rather than implicit in a mutex.
type request struct {
	blockno int
	write   bool
}

// queue serializes requests the way a single IDE channel does: one active
// request at a time; the others block on the mutex, which does not
// guarantee they run in submission order.
type queue struct {
	mu      sync.Mutex
	pending []request
}

func (q *queue) submit(r request, do func()) {
	q.mu.Lock()
	q.pending = append(q.pending, r)
	defer func() {
		q.mu.Unlock()
	}()
	// The mutex itself enforces FIFO-ish single-active-request semantics
	// for this simulated single-channel device; pending is retained only
	// for diagnostics (queue depth, head-of-line request).
	do()
	q.pending = q.pending[1:]
}

// FileDisk backs the block device with a regular file (an on-disk image or
// a raw device node). It tries to open with O_DIRECT the way a database or
// a verified filesystem's disk layer does (mit-pdos/goose-nfsd, x/sys/unix
// usage in other_examples/google-gvisor) and falls back to buffered I/O
// when the platform or filesystem doesn't support it, so tests remain
// portable across GOOS.
type FileDisk struct {
	f      *os.File
	nblk   int
	q      queue
	direct bool
}

// OpenFile opens path as a block device of exactly nblk blocks (creating
// and zero-extending it if it doesn't exist and create is true).
func OpenFile(path string, nblk int, create bool) (*FileDisk, error) {
	flags := os.O_RDWR
	if create {
		flags |= os.O_CREATE
	}
	direct := true
	f, err := openDirect(path, flags)
	if err != nil {
		direct = false
		f, err = os.OpenFile(path, flags, 0644)
		if err != nil {
			return nil, err
		}
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	want := int64(nblk) * BlockSize
	if fi.Size() < want {
		if err := f.Truncate(want); err != nil {
			f.Close()
			return nil, err
		}
	}
	return &FileDisk{f: f, nblk: nblk, direct: direct}, nil
}

func openDirect(path string, flags int) (*os.File, error) {
	fd, err := unix.Open(path, toUnixFlags(flags)|unix.O_DIRECT, 0644)
	if err != nil {
		return nil, err
	}
	return os.NewFile(uintptr(fd), path), nil
}

func toUnixFlags(flags int) int {
	u := 0
	if flags&os.O_RDWR != 0 {
		u |= unix.O_RDWR
	}
	if flags&os.O_CREATE != 0 {
		u |= unix.O_CREAT
	}
	return u
}

func (d *FileDisk) NumBlocks() int { return d.nblk }

func (d *FileDisk) ReadBlock(blockno int, dst []byte) error {
	if len(dst) != BlockSize {
		return fmt.Errorf("disk: read buffer must be %d bytes, got %d", BlockSize, len(dst))
	}
	if blockno < 0 || blockno >= d.nblk {
		return fmt.Errorf("disk: block %d out of range [0,%d)", blockno, d.nblk)
	}
	var rerr error
	d.q.submit(request{blockno: blockno}, func() {
		_, rerr = d.f.ReadAt(dst, int64(blockno)*BlockSize)
	})
	return rerr
}

func (d *FileDisk) WriteBlock(blockno int, src []byte) error {
	if len(src) != BlockSize {
		return fmt.Errorf("disk: write buffer must be %d bytes, got %d", BlockSize, len(src))
	}
	if blockno < 0 || blockno >= d.nblk {
		return fmt.Errorf("disk: block %d out of range [0,%d)", blockno, d.nblk)
	}
	var werr error
	d.q.submit(request{blockno: blockno, write: true}, func() {
		_, werr = d.f.WriteAt(src, int64(blockno)*BlockSize)
	})
	return werr
}

func (d *FileDisk) Close() error { return d.f.Close() }

// MemDisk is an in-memory block device, used by the unit tests in this
// module and by internal/fs's crash-recovery tests, which need to snapshot
// and mutate disk contents without touching the filesystem.
type MemDisk struct {
	mu     sync.Mutex
	blocks [][BlockSize]byte
}

func NewMemDisk(nblk int) *MemDisk {
	return &MemDisk{blocks: make([][BlockSize]byte, nblk)}
}

func (d *MemDisk) NumBlocks() int { return len(d.blocks) }

func (d *MemDisk) ReadBlock(blockno int, dst []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if blockno < 0 || blockno >= len(d.blocks) {
		return fmt.Errorf("disk: block %d out of range [0,%d)", blockno, len(d.blocks))
	}
	copy(dst, d.blocks[blockno][:])
	return nil
}

func (d *MemDisk) WriteBlock(blockno int, src []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if blockno < 0 || blockno >= len(d.blocks) {
		return fmt.Errorf("disk: block %d out of range [0,%d)", blockno, len(d.blocks))
	}
	copy(d.blocks[blockno][:], src)
	return nil
}

func (d *MemDisk) Close() error { return nil }

// Snapshot returns a deep copy of every block, used by crash-injection
// tests to simulate "stop between any two disk writes and reboot" (spec §8).
func (d *MemDisk) Snapshot() [][BlockSize]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := make([][BlockSize]byte, len(d.blocks))
	copy(cp, d.blocks)
	return cp
}

// Package bio implements the LRU-ordered buffer cache of spec §4.G: at most
// one live buffer per (device, block) pair, sleeplock-protected buffers,
// and bget's two-pass lookup/eviction scan. Grounded on biscuit/bdev.go and
// biscuit/src/fs/bdev.go's buffer-cache shape, simplified to the single
// xv6-style cache spec.md calls for (no per-CPU sharding, no refcounted
// pages).
//
// Resolves the "Open Question" in spec §9 about bwrite mutating a buffer's
// block number in place: WriteAt takes an explicit destination block number
// instead, so the log package (internal/walog) never repoints a cached
// buffer's identity to write it somewhere else.
package bio

import (
	"fmt"
	"sync"

	"gophix/internal/disk"
	"gophix/internal/spinlock"
)

const BlockSize = disk.BlockSize

// Buffer is spec §3's Buffer: a cached copy of one device block.
type Buffer struct {
	Dev     int
	Blockno int
	Valid   bool
	Dirty   bool
	Data    [BlockSize]byte

	lock   *spinlock.Sleeplock
	refcnt int

	// intrusive MRU list pointers, owned by Cache under its mutex
	prev, next *Buffer
}

func (b *Buffer) Lock(pid int)   { b.lock.Acquire(pid) }
func (b *Buffer) Unlock()        { b.lock.Release() }
func (b *Buffer) Holding(pid int) bool { return b.lock.Holding(pid) }

// Cache is the fixed-size array of buffers plus the MRU list, protected by
// a cache-wide lock (spec §4.G). Real biscuit protects its cache with an
// embedded sync.Mutex (biscuit/src/mem/mem.go's Physmem_t does the same for
// its own free lists); this package follows that idiom rather than the
// custom Spinlock type, because the cache lock is only ever held across
// plain memory operations, never across a disk wait (spec §5 forbids
// holding a spinlock across a suspension point, and sync.Mutex enforces
// nothing extra here beyond what Spinlock would).
type Cache struct {
	mu   sync.Mutex
	bufs []Buffer
	head *Buffer // sentinel: head.next is MRU, head.prev is LRU
	disk disk.Disk
}

// NewCache allocates n buffers backed by d.
func NewCache(d disk.Disk, n int) *Cache {
	c := &Cache{bufs: make([]Buffer, n), disk: d}
	c.head = &Buffer{}
	c.head.next = c.head
	c.head.prev = c.head
	for i := range c.bufs {
		b := &c.bufs[i]
		b.lock = spinlock.NewSleeplock(fmt.Sprintf("buf%d", i))
		c.pushMRULocked(b)
	}
	return c
}

func (c *Cache) pushMRULocked(b *Buffer) {
	b.next = c.head.next
	b.prev = c.head
	c.head.next.prev = b
	c.head.next = b
}

func (c *Cache) unlinkLocked(b *Buffer) {
	b.prev.next = b.next
	b.next.prev = b.prev
}

// bget finds a cached buffer for (dev, blockno) or repurposes an evictable
// one, following spec §4.G's two-pass scan exactly.
func (c *Cache) bget(dev, blockno, pid int) *Buffer {
	c.mu.Lock()
	for b := c.head.next; b != c.head; b = b.next {
		if b.Dev == dev && b.Blockno == blockno {
			b.refcnt++
			c.mu.Unlock()
			b.Lock(pid)
			return b
		}
	}
	for b := c.head.prev; b != c.head; b = b.prev {
		if b.refcnt == 0 && !b.Dirty {
			b.Dev = dev
			b.Blockno = blockno
			b.Valid = false
			b.Dirty = false
			b.refcnt = 1
			c.mu.Unlock()
			b.Lock(pid)
			return b
		}
	}
	c.mu.Unlock()
	panic("bio: no evictable buffers - cache exhausted")
}

// Bread returns a locked buffer whose data reflects blockno's current
// on-disk contents, reading from the device only if not already Valid.
func (c *Cache) Bread(dev, blockno, pid int) (*Buffer, error) {
	b := c.bget(dev, blockno, pid)
	if !b.Valid {
		if err := c.disk.ReadBlock(blockno, b.Data[:]); err != nil {
			b.Unlock()
			return nil, err
		}
		b.Valid = true
	}
	return b, nil
}

// Bwrite requires the caller to hold b's lock; it marks b Dirty and writes
// its data to its own block number.
func (c *Cache) Bwrite(b *Buffer, pid int) error {
	if !b.Holding(pid) {
		panic("bio: bwrite without holding buffer lock")
	}
	b.Dirty = true
	return c.disk.WriteBlock(b.Blockno, b.Data[:])
}

// WriteAt writes data directly to blockno on the underlying device,
// bypassing buffer identity — used by the log to write log slots and to
// install committed data at its home location without repointing a cached
// buffer (see the package doc's Open Question resolution).
func (c *Cache) WriteAt(blockno int, data []byte) error {
	return c.disk.WriteBlock(blockno, data)
}

// ReadAt reads blockno directly from the device into dst, bypassing the
// cache. Used by the log during recovery, before any buffer for that block
// may exist.
func (c *Cache) ReadAt(blockno int, dst []byte) error {
	return c.disk.ReadBlock(blockno, dst)
}

// Brelse requires the caller to hold b's lock; it releases the lock,
// decrements the reference count, and moves b to the MRU position if the
// count reaches zero.
func (c *Cache) Brelse(b *Buffer, pid int) {
	if !b.Holding(pid) {
		panic("bio: brelse without holding buffer lock")
	}
	b.Unlock()

	c.mu.Lock()
	b.refcnt--
	if b.refcnt < 0 {
		panic("bio: buffer refcount underflow")
	}
	if b.refcnt == 0 {
		c.unlinkLocked(b)
		c.pushMRULocked(b)
	}
	c.mu.Unlock()
}

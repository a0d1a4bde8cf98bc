package fs

import (
	"encoding/binary"
	"fmt"

	"gophix/internal/defs"
	"gophix/internal/spinlock"
)

// dinode is the on-disk inode of spec §3: a type tag, a device
// major/minor for device files, a link count, a byte size, and the
// direct-plus-one-indirect block map.
type dinode struct {
	Type    FType
	Major   int16
	Minor   int16
	Nlink   int16
	Size    uint32
	Addrs   [NDIRECT + 1]uint32
}

const dinodeSize = 2 + 2 + 2 + 2 + 4 + 4*(NDIRECT+1)

func decodeDinode(raw []byte) dinode {
	le := binary.LittleEndian
	var d dinode
	d.Type = FType(int16(le.Uint16(raw[0:2])))
	d.Major = int16(le.Uint16(raw[2:4]))
	d.Minor = int16(le.Uint16(raw[4:6]))
	d.Nlink = int16(le.Uint16(raw[6:8]))
	d.Size = le.Uint32(raw[8:12])
	for i := 0; i < NDIRECT+1; i++ {
		off := 12 + i*4
		d.Addrs[i] = le.Uint32(raw[off : off+4])
	}
	return d
}

func encodeDinode(d dinode, raw []byte) {
	le := binary.LittleEndian
	le.PutUint16(raw[0:2], uint16(int16(d.Type)))
	le.PutUint16(raw[2:4], uint16(d.Major))
	le.PutUint16(raw[4:6], uint16(d.Minor))
	le.PutUint16(raw[6:8], uint16(d.Nlink))
	le.PutUint32(raw[8:12], d.Size)
	for i := 0; i < NDIRECT+1; i++ {
		off := 12 + i*4
		le.PutUint32(raw[off:off+4], d.Addrs[i])
	}
}

// Inode is the in-memory inode of spec §3: a cached, reference-counted
// window onto one dinode slot, guarded by its own sleeplock once loaded.
type Inode struct {
	fs   *FS
	Dev  int
	Inum uint32

	// icache-protected bookkeeping
	ref int

	lock  *spinlock.Sleeplock
	valid bool

	dinode
}

type inodeCache struct {
	slots []Inode
	guard chan struct{} // binary semaphore standing in for a plain mutex
}

// newInodeCache preallocates n in-memory inode slots, xv6-style (icache.inode
// is a fixed array, never grown).
func newInodeCache(n int) *inodeCache {
	ic := &inodeCache{slots: make([]Inode, n), guard: make(chan struct{}, 1)}
	ic.guard <- struct{}{}
	return ic
}

func (ic *inodeCache) lockCache()   { <-ic.guard }
func (ic *inodeCache) unlockCache() { ic.guard <- struct{}{} }

// Iget finds an in-cache Inode for (dev, inum), bumping its reference count,
// or claims an empty slot. It does not read the disk (spec §4.I): the
// returned Inode may still have valid == false until Ilock reads it in.
func (fs *FS) Iget(dev int, inum uint32) *Inode {
	ic := fs.icache
	ic.lockCache()
	defer ic.unlockCache()

	var empty *Inode
	for i := range ic.slots {
		ip := &ic.slots[i]
		if ip.ref > 0 && ip.Dev == dev && ip.Inum == inum {
			ip.ref++
			return ip
		}
		if empty == nil && ip.ref == 0 {
			empty = ip
		}
	}
	if empty == nil {
		panic("fs: iget - no inode slots free")
	}
	empty.fs = fs
	empty.Dev = dev
	empty.Inum = inum
	empty.ref = 1
	empty.valid = false
	if empty.lock == nil {
		empty.lock = spinlock.NewSleeplock(fmt.Sprintf("inode%d", inum))
	}
	return empty
}

func inodeBlock(fs *FS, inum uint32) int {
	return int(fs.Sb.InodeStart) + int(inum)/inodesPerBlock
}

// Ilock locks ip and, the first time since it was fetched from the cache,
// reads its dinode fields from disk.
func (ip *Inode) Ilock(pid int) {
	if ip == nil || ip.ref < 1 {
		panic("fs: ilock on unreferenced inode")
	}
	ip.lock.Acquire(pid)
	if !ip.valid {
		blk := inodeBlock(ip.fs, ip.Inum)
		buf, err := ip.fs.cache.Bread(ip.Dev, blk, pid)
		if err != nil {
			panic(fmt.Sprintf("fs: ilock reading inode block: %v", err))
		}
		off := (int(ip.Inum) % inodesPerBlock) * dinodeSize
		ip.dinode = decodeDinode(buf.Data[off : off+dinodeSize])
		ip.fs.cache.Brelse(buf, pid)
		ip.valid = true
		if ip.Type == TFree {
			panic("fs: ilock on unallocated inode")
		}
	}
}

func (ip *Inode) Iunlock() { ip.lock.Release() }

// Iupdate writes ip's in-memory dinode fields back to its disk slot, within
// the caller's open transaction.
func (ip *Inode) Iupdate(pid int) {
	blk := inodeBlock(ip.fs, ip.Inum)
	buf, err := ip.fs.cache.Bread(ip.Dev, blk, pid)
	if err != nil {
		panic(fmt.Sprintf("fs: iupdate reading inode block: %v", err))
	}
	off := (int(ip.Inum) % inodesPerBlock) * dinodeSize
	encodeDinode(ip.dinode, buf.Data[off:off+dinodeSize])
	ip.fs.log.Write(pid, buf)
	ip.fs.cache.Brelse(buf, pid)
}

// Iput drops one reference. When the last reference to an inode with
// Nlink == 0 goes away, its blocks and its slot are freed (spec §4.I).
func (ip *Inode) Iput(pid int) {
	ip.lock.Acquire(pid)
	if ip.valid && ip.Nlink == 0 {
		ic := ip.fs.icache
		ic.lockCache()
		r := ip.ref
		ic.unlockCache()
		if r == 1 {
			ip.truncate(pid)
			ip.Type = TFree
			ip.Iupdate(pid)
			ip.valid = false
		}
	}
	ip.lock.Release()

	ic := ip.fs.icache
	ic.lockCache()
	ip.ref--
	if ip.ref < 0 {
		ic.unlockCache()
		panic("fs: inode refcount underflow")
	}
	ic.unlockCache()
}

// Idup bumps ip's reference count, for callers that stash a copy of an
// already-held inode (e.g. path lookup taking its own reference to the
// starting directory).
func (ip *Inode) Idup() *Inode {
	ic := ip.fs.icache
	ic.lockCache()
	ip.ref++
	ic.unlockCache()
	return ip
}

// AllocInode scans the inode table for a free (Type == TFree) slot, marks it
// with the given type, and returns a referenced, unlocked Inode for it.
func (fs *FS) AllocInode(pid int, t FType) *Inode {
	for inum := uint32(1); inum < fs.Sb.NInodes; inum++ {
		blk := inodeBlock(fs, inum)
		buf, err := fs.cache.Bread(fs.Dev, blk, pid)
		if err != nil {
			panic(fmt.Sprintf("fs: alloc_inode reading inode block: %v", err))
		}
		off := (int(inum) % inodesPerBlock) * dinodeSize
		d := decodeDinode(buf.Data[off : off+dinodeSize])
		if d.Type == TFree {
			d = dinode{Type: t}
			encodeDinode(d, buf.Data[off:off+dinodeSize])
			fs.log.Write(pid, buf)
			fs.cache.Brelse(buf, pid)
			return fs.Iget(fs.Dev, inum)
		}
		fs.cache.Brelse(buf, pid)
	}
	panic("fs: alloc_inode - no free inodes")
}

// bmap returns the block number holding file-relative block index fbn,
// allocating it (and, if fbn falls in the indirect range, the indirect
// block itself) on demand. fbn >= MAXFILE is a fatal invariant violation
// (spec §4.I: "attempting to grow beyond it is a fatal error").
func (ip *Inode) bmap(pid int, fbn uint32) uint32 {
	if fbn < NDIRECT {
		if ip.Addrs[fbn] == 0 {
			bn, _ := ip.fs.Balloc(pid)
			ip.Addrs[fbn] = bn
		}
		return ip.Addrs[fbn]
	}
	fbn -= NDIRECT
	if fbn >= NINDIRECT {
		panic("fs: bmap - file offset beyond MAXFILE")
	}
	if ip.Addrs[NDIRECT] == 0 {
		bn, _ := ip.fs.Balloc(pid)
		ip.Addrs[NDIRECT] = bn
	}
	buf, err := ip.fs.cache.Bread(ip.Dev, int(ip.Addrs[NDIRECT]), pid)
	if err != nil {
		panic(fmt.Sprintf("fs: bmap reading indirect block: %v", err))
	}
	off := fbn * 4
	bn := binary.LittleEndian.Uint32(buf.Data[off : off+4])
	if bn == 0 {
		bn, _ = ip.fs.Balloc(pid)
		binary.LittleEndian.PutUint32(buf.Data[off:off+4], bn)
		ip.fs.log.Write(pid, buf)
	}
	ip.fs.cache.Brelse(buf, pid)
	return bn
}

// truncate frees every block reachable from ip's addrs, direct and
// indirect, and resets its size to zero.
func (ip *Inode) truncate(pid int) {
	for i := 0; i < NDIRECT; i++ {
		if ip.Addrs[i] != 0 {
			ip.fs.Bfree(pid, ip.Addrs[i])
			ip.Addrs[i] = 0
		}
	}
	if ip.Addrs[NDIRECT] != 0 {
		buf, err := ip.fs.cache.Bread(ip.Dev, int(ip.Addrs[NDIRECT]), pid)
		if err != nil {
			panic(fmt.Sprintf("fs: truncate reading indirect block: %v", err))
		}
		for i := 0; i < NINDIRECT; i++ {
			off := i * 4
			bn := binary.LittleEndian.Uint32(buf.Data[off : off+4])
			if bn != 0 {
				ip.fs.Bfree(pid, bn)
			}
		}
		ip.fs.cache.Brelse(buf, pid)
		ip.fs.Bfree(pid, ip.Addrs[NDIRECT])
		ip.Addrs[NDIRECT] = 0
	}
	ip.Size = 0
	ip.Iupdate(pid)
}

// Readi copies min(n, size-off) bytes starting at off into dst, returning
// the count actually read. Negative n is rejected explicitly rather than
// silently sign-extending into a huge unsigned count — the fix spec §9's
// Open Question calls for.
func (ip *Inode) Readi(pid int, dst []byte, off, n int) (int, defs.Err_t) {
	if n < 0 {
		return 0, defs.EINVAL
	}
	if off < 0 || uint32(off) > ip.Size {
		return 0, defs.EINVAL
	}
	if uint32(off+n) > ip.Size {
		n = int(ip.Size) - off
	}
	if n <= 0 {
		return 0, 0
	}
	total := 0
	for total < n {
		fbn := uint32(off+total) / BSIZE
		fo := (off + total) % BSIZE
		bn := ip.bmap(pid, fbn)
		buf, err := ip.fs.cache.Bread(ip.Dev, int(bn), pid)
		if err != nil {
			return total, defs.EIO
		}
		m := BSIZE - fo
		if rem := n - total; m > rem {
			m = rem
		}
		copy(dst[total:total+m], buf.Data[fo:fo+m])
		ip.fs.cache.Brelse(buf, pid)
		total += m
	}
	return total, 0
}

// Writei copies n bytes from src into ip starting at off, growing the file
// (and its size) as needed, and returns the count written. Like Readi, a
// negative n is a hard error rather than something to sign-extend.
func (ip *Inode) Writei(pid int, src []byte, off, n int) (int, defs.Err_t) {
	if n < 0 {
		return 0, defs.EINVAL
	}
	if off < 0 {
		return 0, defs.EINVAL
	}
	if uint32(off+n) > MAXFILE*BSIZE {
		return 0, defs.EFBIG
	}
	total := 0
	for total < n {
		fbn := uint32(off+total) / BSIZE
		fo := (off + total) % BSIZE
		bn := ip.bmap(pid, fbn)
		buf, err := ip.fs.cache.Bread(ip.Dev, int(bn), pid)
		if err != nil {
			return total, defs.EIO
		}
		m := BSIZE - fo
		if rem := n - total; m > rem {
			m = rem
		}
		copy(buf.Data[fo:fo+m], src[total:total+m])
		ip.fs.log.Write(pid, buf)
		ip.fs.cache.Brelse(buf, pid)
		total += m
	}
	if uint32(off+total) > ip.Size {
		ip.Size = uint32(off + total)
	}
	ip.Iupdate(pid)
	return total, 0
}

// Stat is the payload of the stat syscall (supplemented from
// original_source/xv6's struct stat, dropped from the distilled spec but
// needed by any complete filesystem implementation).
type Stat struct {
	Dev   int
	Inum  uint32
	Type  FType
	Nlink int16
	Size  uint32
}

// FS returns the filesystem ip belongs to, so callers outside this package
// (internal/file) can bracket a write in a transaction without needing
// their own reference to the mounted FS.
func (ip *Inode) FS() *FS { return ip.fs }

func (ip *Inode) Stat() Stat {
	return Stat{Dev: ip.Dev, Inum: ip.Inum, Type: ip.Type, Nlink: ip.Nlink, Size: ip.Size}
}

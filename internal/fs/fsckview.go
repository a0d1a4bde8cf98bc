package fs

import "gophix/internal/bio"

// The types and functions below give cmd/fsck read-only access to on-disk
// structures without needing a mounted FS (no log, no inode cache) —
// fsck must be able to inspect an image the log hasn't necessarily
// recovered yet.

// ReadSuperblock exposes the package-private superblock reader to
// cmd/kestrel and cmd/fsck.
func ReadSuperblock(cache *bio.Cache) Superblock { return readSuperblock(cache) }

// DinodeView is a read-only snapshot of one on-disk inode.
type DinodeView struct {
	Type  FType
	Major int16
	Minor int16
	Nlink int16
	Size  uint32
	Addrs [NDIRECT + 1]uint32
}

// ReadDinode decodes inode inum directly from disk, bypassing the inode
// cache entirely.
func ReadDinode(cache *bio.Cache, sb Superblock, inum uint32) (DinodeView, bool) {
	blk := int(sb.InodeStart) + int(inum)/InodesPerBlock
	var raw [bio.BlockSize]byte
	if err := cache.ReadAt(blk, raw[:]); err != nil {
		panic(err)
	}
	off := (int(inum) % InodesPerBlock) * DinodeSize
	d := decodeDinode(raw[off : off+DinodeSize])
	if d.Type == TFree {
		return DinodeView{}, false
	}
	return DinodeView{Type: d.Type, Major: d.Major, Minor: d.Minor, Nlink: d.Nlink, Size: d.Size, Addrs: d.Addrs}, true
}

// DirEntry is one decoded directory entry, exported for cmd/fsck.
type DirEntry struct {
	Inum uint16
	Name string
}

// FileBlocks returns every data block number reachable from d's direct
// and indirect pointers (skipping unallocated slots), reading the
// indirect block directly from disk if present.
func FileBlocks(cache *bio.Cache, sb Superblock, d DinodeView) []uint32 {
	var blocks []uint32
	for i := 0; i < NDIRECT; i++ {
		if d.Addrs[i] != 0 {
			blocks = append(blocks, d.Addrs[i])
		}
	}
	if d.Addrs[NDIRECT] != 0 {
		blocks = append(blocks, d.Addrs[NDIRECT])
		var raw [bio.BlockSize]byte
		if err := cache.ReadAt(int(d.Addrs[NDIRECT]), raw[:]); err != nil {
			panic(err)
		}
		for i := 0; i < NINDIRECT; i++ {
			off := i * 4
			bn := uint32(raw[off]) | uint32(raw[off+1])<<8 | uint32(raw[off+2])<<16 | uint32(raw[off+3])<<24
			if bn != 0 {
				blocks = append(blocks, bn)
			}
		}
	}
	return blocks
}

// DirEntries reads d's directory contents (d.Type must be TDir).
func DirEntries(cache *bio.Cache, sb Superblock, d DinodeView) []DirEntry {
	var entries []DirEntry
	var buf [DirentLen]byte
	for off := uint32(0); off < d.Size; off += DirentLen {
		fbn := off / BSIZE
		fo := off % BSIZE
		if int(fbn) >= NDIRECT {
			break // this checker doesn't need indirect-range directory support
		}
		bn := d.Addrs[fbn]
		if bn == 0 {
			continue
		}
		var block [bio.BlockSize]byte
		if err := cache.ReadAt(int(bn), block[:]); err != nil {
			panic(err)
		}
		copy(buf[:], block[fo:fo+DirentLen])
		de := decodeDirent(buf[:])
		entries = append(entries, DirEntry{Inum: uint16(de.inum), Name: de.name})
	}
	return entries
}

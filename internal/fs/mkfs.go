package fs

import (
	"gophix/internal/bio"
)

// InodesPerBlock and DinodeSize give the on-disk inode-table geometry that
// BuildImage uses to lay out an image before any FS exists to Mount.
const (
	InodesPerBlock = inodesPerBlock
	DinodeSize     = dinodeSize
)

// Layout describes where each region of a fresh image begins, computed by
// cmd/mkfs from a target size and inode count.
type Layout struct {
	Sb Superblock
}

// PlanLayout lays out an image of exactly nblocks blocks with ninodes
// inode slots and nlogblocks log blocks, in the fixed order spec §3
// prescribes: boot block, superblock, log, inode table, free bitmap, data.
func PlanLayout(nblocks, ninodes, nlogblocks uint32) Layout {
	inodeBlocks := (ninodes + InodesPerBlock - 1) / InodesPerBlock
	logStart := uint32(2) // block 0 boot, block 1 superblock
	inodeStart := logStart + nlogblocks
	bmapBlocks := (nblocks + bitsPerBlock - 1) / bitsPerBlock
	bmapStart := inodeStart + inodeBlocks

	sb := Superblock{
		Size:       nblocks,
		NData:      nblocks - (bmapStart + bmapBlocks),
		NInodes:    ninodes,
		LogSize:    nlogblocks,
		LogStart:   logStart,
		InodeStart: inodeStart,
		BmapStart:  bmapStart,
	}
	return Layout{Sb: sb}
}

// BuildImage writes a fresh, empty filesystem to cache according to
// layout: a zeroed boot block, the superblock, a zeroed (never-committed)
// log region, a zeroed inode table, a bitmap with every metadata block
// marked used, and a root directory inode with "." and "..". It writes
// directly through cache.WriteAt/ReadAt rather than through a Log or a
// mounted FS, since neither exists yet — mkfs is the one piece of this
// system that legitimately runs outside the crash-consistency protocol
// the rest of the kernel obeys.
func BuildImage(cache *bio.Cache, layout Layout) {
	sb := layout.Sb

	var zero [bio.BlockSize]byte
	mustWrite(cache, 0, zero[:])

	WriteSuperblock(cache, sb)

	for b := sb.LogStart; b < sb.InodeStart; b++ {
		mustWrite(cache, int(b), zero[:])
	}
	for b := sb.InodeStart; b < sb.BmapStart; b++ {
		mustWrite(cache, int(b), zero[:])
	}

	firstDataBlock := sb.BmapStart + (sb.Size - sb.BmapStart - sb.NData)
	markUsed(cache, sb, firstDataBlock)

	root := allocRootInode(cache, sb)
	writeRootDir(cache, sb, root)
}

func mustWrite(cache *bio.Cache, blockno int, data []byte) {
	if err := cache.WriteAt(blockno, data); err != nil {
		panic(err)
	}
}

func mustRead(cache *bio.Cache, blockno int, dst []byte) {
	if err := cache.ReadAt(blockno, dst); err != nil {
		panic(err)
	}
}

// markUsed sets the free-bitmap bit for every block below firstDataBlock:
// boot, superblock, log, inode table, and the bitmap itself.
func markUsed(cache *bio.Cache, sb Superblock, firstDataBlock uint32) {
	bmapBlockCount := (sb.Size + bitsPerBlock - 1) / bitsPerBlock
	bufs := make([][bio.BlockSize]byte, bmapBlockCount)
	for b := uint32(0); b < firstDataBlock; b++ {
		blk := b / bitsPerBlock
		bit := b % bitsPerBlock
		bufs[blk][bit/8] |= 1 << (bit % 8)
	}
	for i := range bufs {
		mustWrite(cache, int(sb.BmapStart)+i, bufs[i][:])
	}
}

func allocRootInode(cache *bio.Cache, sb Superblock) uint32 {
	blk := int(sb.InodeStart) + RootIno/InodesPerBlock
	var raw [bio.BlockSize]byte
	mustRead(cache, blk, raw[:])
	off := (RootIno % InodesPerBlock) * DinodeSize
	d := dinode{Type: TDir, Nlink: 1}
	encodeDinode(d, raw[off:off+DinodeSize])
	mustWrite(cache, blk, raw[:])
	return RootIno
}

func writeRootDir(cache *bio.Cache, sb Superblock, inum uint32) {
	blk := int(sb.InodeStart) + int(inum)/InodesPerBlock
	var raw [bio.BlockSize]byte
	mustRead(cache, blk, raw[:])
	off := (int(inum) % InodesPerBlock) * DinodeSize
	d := decodeDinode(raw[off : off+DinodeSize])

	dataBlk := sb.BmapStart + (sb.Size - sb.BmapStart - sb.NData) // first data block
	d.Addrs[0] = dataBlk
	d.Size = 2 * DirentLen
	encodeDinode(d, raw[off:off+DinodeSize])
	mustWrite(cache, blk, raw[:])

	var dirBlock [bio.BlockSize]byte
	encodeDirent(dirent{inum: uint16(inum), name: "."}, dirBlock[0:DirentLen])
	encodeDirent(dirent{inum: uint16(inum), name: ".."}, dirBlock[DirentLen:2*DirentLen])
	mustWrite(cache, int(dataBlk), dirBlock[:])

	markDataBlockUsed(cache, sb, dataBlk)
}

func markDataBlockUsed(cache *bio.Cache, sb Superblock, b uint32) {
	blk := int(sb.BmapStart) + int(b)/bitsPerBlock
	bit := uint(b) % bitsPerBlock
	var raw [bio.BlockSize]byte
	mustRead(cache, blk, raw[:])
	raw[bit/8] |= 1 << (bit % 8)
	mustWrite(cache, blk, raw[:])
}

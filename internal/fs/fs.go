// Package fs implements spec §4.I: the on-disk layout, the bitmap block
// allocator, the in-memory inode cache, directories, and pathname
// resolution. Grounded on biscuit/fs.go, biscuit/inode.go, biscuit/dir.go
// and their later split in biscuit/src/fs/{fs,inode,dir}.go, simplified to
// the single xv6-scale filesystem spec.md describes (one device, one log,
// no per-CPU sharding).
package fs

import (
	"encoding/binary"
	"fmt"

	"gophix/internal/bio"
	"gophix/internal/defs"
	"gophix/internal/walog"
)

// Structural constants fixed by spec §6.
const (
	BSIZE     = bio.BlockSize
	NDIRECT   = 12
	NINDIRECT = BSIZE / 4 // 128 four-byte block numbers per indirect block
	MAXFILE   = NDIRECT + NINDIRECT
	DIRSIZ    = 14
	DirentLen = 2 + DIRSIZ // 16 bytes: a uint16 inum plus a 14-byte name

	RootIno = 1

	bitsPerBlock = BSIZE * 8
)

// FType is the inode type tag of spec §3's dinode.
type FType int16

const (
	TFree FType = 0
	TDir  FType = 1
	TFile FType = 2
	TDev  FType = 3
)

// Superblock mirrors spec §3's on-disk superblock, block 1 of the image.
type Superblock struct {
	Size       uint32 // total blocks in the filesystem image
	NData      uint32 // number of data blocks
	NInodes    uint32 // number of inodes
	LogSize    uint32 // number of log blocks
	LogStart   uint32 // block number of the first log block
	InodeStart uint32 // block number of the first inode-table block
	BmapStart  uint32 // block number of the first free-bitmap block
}

const superblockBlock = 1

func readSuperblock(cache *bio.Cache) Superblock {
	var raw [BSIZE]byte
	if err := cache.ReadAt(superblockBlock, raw[:]); err != nil {
		panic(fmt.Sprintf("fs: reading superblock: %v", err))
	}
	le := binary.LittleEndian
	return Superblock{
		Size:       le.Uint32(raw[0:4]),
		NData:      le.Uint32(raw[4:8]),
		NInodes:    le.Uint32(raw[8:12]),
		LogSize:    le.Uint32(raw[12:16]),
		LogStart:   le.Uint32(raw[16:20]),
		InodeStart: le.Uint32(raw[20:24]),
		BmapStart:  le.Uint32(raw[24:28]),
	}
}

// WriteSuperblock serializes sb to block 1. BuildImage calls it when laying
// out a fresh image.
func WriteSuperblock(cache *bio.Cache, sb Superblock) {
	var raw [BSIZE]byte
	le := binary.LittleEndian
	le.PutUint32(raw[0:4], sb.Size)
	le.PutUint32(raw[4:8], sb.NData)
	le.PutUint32(raw[8:12], sb.NInodes)
	le.PutUint32(raw[12:16], sb.LogSize)
	le.PutUint32(raw[16:20], sb.LogStart)
	le.PutUint32(raw[20:24], sb.InodeStart)
	le.PutUint32(raw[24:28], sb.BmapStart)
	if err := cache.WriteAt(superblockBlock, raw[:]); err != nil {
		panic(fmt.Sprintf("fs: writing superblock: %v", err))
	}
}

const inodesPerBlock = BSIZE / dinodeSize

// FS is the mounted filesystem: the device it lives on, its superblock, the
// buffer cache and log it shares with the rest of the kernel, and the
// inode cache (spec §4.I).
type FS struct {
	Dev int
	Sb  Superblock

	cache *bio.Cache
	log   *walog.Log
	icache *inodeCache
}

// Mount reads the superblock and wires up the inode cache. The log has
// already run its own recovery (internal/walog.New does that at
// construction) by the time Mount is called, matching xv6's
// binit/iinit/initlog ordering in main().
func Mount(dev int, cache *bio.Cache, log *walog.Log, ninodeSlots int) *FS {
	sb := readSuperblock(cache)
	fs := &FS{Dev: dev, Sb: sb, cache: cache, log: log}
	fs.icache = newInodeCache(ninodeSlots)
	return fs
}

// bitmapBlockAndBit maps an absolute block number to its (bitmap block,
// bit index within that block).
func (fs *FS) bitmapBlockAndBit(b uint32) (blk int, bit uint) {
	return int(fs.Sb.BmapStart) + int(b)/bitsPerBlock, uint(b) % bitsPerBlock
}

// Balloc scans the free-block bitmap for the lowest unset bit, sets it,
// zeroes the newly allocated data block, and returns its block number.
// Both writes go through the log transaction identified by pid; Balloc
// does not call BeginOp/EndOp itself (spec §4.I): the caller is already
// inside one.
func (fs *FS) Balloc(pid int) (uint32, defs.Err_t) {
	for b := uint32(0); b < fs.Sb.Size; b += bitsPerBlock {
		blkno, _ := fs.bitmapBlockAndBit(b)
		buf, err := fs.cache.Bread(fs.Dev, blkno, pid)
		if err != nil {
			panic(fmt.Sprintf("fs: balloc reading bitmap: %v", err))
		}
		for bi := uint(0); bi < bitsPerBlock && b+uint32(bi) < fs.Sb.Size; bi++ {
			byteIdx := bi / 8
			mask := byte(1 << (bi % 8))
			if buf.Data[byteIdx]&mask == 0 {
				buf.Data[byteIdx] |= mask
				fs.log.Write(pid, buf)
				blockno := b + uint32(bi)
				fs.cache.Brelse(buf, pid)
				fs.zeroBlock(pid, blockno)
				return blockno, 0
			}
		}
		fs.cache.Brelse(buf, pid)
	}
	panic("fs: balloc - out of free blocks")
}

func (fs *FS) zeroBlock(pid int, blockno uint32) {
	buf, err := fs.cache.Bread(fs.Dev, int(blockno), pid)
	if err != nil {
		panic(fmt.Sprintf("fs: zeroing block %d: %v", blockno, err))
	}
	for i := range buf.Data {
		buf.Data[i] = 0
	}
	fs.log.Write(pid, buf)
	fs.cache.Brelse(buf, pid)
}

// Bfree clears blockno's bit in the free bitmap. Double-freeing an already
// free block is a fatal invariant violation (spec §4.I).
func (fs *FS) Bfree(pid int, blockno uint32) {
	blkno, bit := fs.bitmapBlockAndBit(blockno)
	buf, err := fs.cache.Bread(fs.Dev, blkno, pid)
	if err != nil {
		panic(fmt.Sprintf("fs: bfree reading bitmap: %v", err))
	}
	byteIdx := bit / 8
	mask := byte(1 << (bit % 8))
	if buf.Data[byteIdx]&mask == 0 {
		fs.cache.Brelse(buf, pid)
		panic(fmt.Sprintf("fs: double-free of block %d", blockno))
	}
	buf.Data[byteIdx] &^= mask
	fs.log.Write(pid, buf)
	fs.cache.Brelse(buf, pid)
}

// BeginOp/EndOp forward to the underlying log, so callers only need an *FS.
func (fs *FS) BeginOp() { fs.log.BeginOp() }
func (fs *FS) EndOp()   { fs.log.EndOp() }

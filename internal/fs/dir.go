package fs

import (
	"encoding/binary"
	"strings"

	"gophix/internal/defs"
)

// dirent is spec §3's fixed 16-byte directory entry: a 2-byte inode number
// and a 14-byte, NUL-padded name. inum == 0 marks a free slot.
type dirent struct {
	inum uint16
	name string
}

func decodeDirent(raw []byte) dirent {
	inum := binary.LittleEndian.Uint16(raw[0:2])
	name := raw[2:DirentLen]
	if i := indexByte(name, 0); i >= 0 {
		name = name[:i]
	}
	return dirent{inum: inum, name: string(name)}
}

func encodeDirent(d dirent, raw []byte) {
	binary.LittleEndian.PutUint16(raw[0:2], d.inum)
	for i := range raw[2:DirentLen] {
		raw[2+i] = 0
	}
	copy(raw[2:DirentLen], d.name)
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

// Dirlookup scans directory dp for name, returning the child inode
// (referenced, unlocked) and the byte offset of its dirent, or ENOENT.
func (dp *Inode) Dirlookup(pid int, name string) (*Inode, int, defs.Err_t) {
	if dp.Type != TDir {
		panic("fs: dirlookup on non-directory")
	}
	var raw [DirentLen]byte
	for off := 0; uint32(off) < dp.Size; off += DirentLen {
		n, err := dp.Readi(pid, raw[:], off, DirentLen)
		if err != 0 || n != DirentLen {
			panic("fs: dirlookup - short directory read")
		}
		de := decodeDirent(raw[:])
		if de.inum == 0 {
			continue
		}
		if de.name == name {
			return dp.fs.Iget(dp.Dev, uint32(de.inum)), off, 0
		}
	}
	return nil, 0, defs.ENOENT
}

// Dirlink adds a (name, inum) entry to directory dp, reusing a free slot if
// one exists, and rejects a duplicate name (spec §4.I: mkdir/create must
// reject an existing sibling name).
func (dp *Inode) Dirlink(pid int, name string, inum uint32) defs.Err_t {
	if existing, _, err := dp.Dirlookup(pid, name); err == 0 {
		existing.Iput(pid)
		return defs.EEXIST
	}
	if len(name) >= DIRSIZ {
		return defs.ENAMETOOLONG
	}

	var raw [DirentLen]byte
	off := 0
	for ; uint32(off) < dp.Size; off += DirentLen {
		n, err := dp.Readi(pid, raw[:], off, DirentLen)
		if err != 0 || n != DirentLen {
			panic("fs: dirlink - short directory read")
		}
		if decodeDirent(raw[:]).inum == 0 {
			break
		}
	}
	encodeDirent(dirent{inum: uint16(inum), name: name}, raw[:])
	if n, err := dp.Writei(pid, raw[:], off, DirentLen); err != 0 || n != DirentLen {
		return defs.ENOSPC
	}
	return 0
}

// dirIsEmpty reports whether dp (a directory) contains only "." and "..".
func dirIsEmpty(pid int, dp *Inode) bool {
	var raw [DirentLen]byte
	for off := 2 * DirentLen; uint32(off) < dp.Size; off += DirentLen {
		n, err := dp.Readi(pid, raw[:], off, DirentLen)
		if err != 0 || n != DirentLen {
			panic("fs: dirempty - short directory read")
		}
		if decodeDirent(raw[:]).inum != 0 {
			return false
		}
	}
	return true
}

// splitPath returns the first path element and the remainder, skipping
// leading slashes, mirroring xv6's skipelem.
func splitPath(path string) (elem, rest string, ok bool) {
	path = strings.TrimLeft(path, "/")
	if path == "" {
		return "", "", false
	}
	i := strings.IndexByte(path, '/')
	if i < 0 {
		return path, "", true
	}
	return path[:i], path[i+1:], true
}

// namex is the shared pathname walker behind Namei and NameiParent (spec
// §4.I): a leading slash starts the walk at the root inode, otherwise it
// starts at cwd (duplicated via Idup, since the walk consumes one
// reference as it descends), and it walks one element at a time, stopping
// one element short when nameiparent is true.
func (fs *FS) namex(pid int, cwd *Inode, path string, nameiparent bool) (*Inode, string, defs.Err_t) {
	var ip *Inode
	if strings.HasPrefix(path, "/") {
		ip = fs.Iget(fs.Dev, RootIno)
	} else {
		ip = cwd.Idup()
	}
	elem, rest, ok := splitPath(path)
	if !ok {
		if nameiparent {
			return nil, "", defs.ENOENT
		}
		return ip, "", 0
	}
	for {
		if len(elem) >= DIRSIZ {
			ip.Iput(pid)
			return nil, "", defs.ENAMETOOLONG
		}
		ip.Ilock(pid)
		if ip.Type != TDir {
			ip.Iunlock()
			ip.Iput(pid)
			return nil, "", defs.ENOTDIR
		}
		if nameiparent && rest == "" {
			ip.Iunlock()
			return ip, elem, 0
		}
		next, _, err := ip.Dirlookup(pid, elem)
		ip.Iunlock()
		if err != 0 {
			ip.Iput(pid)
			return nil, "", defs.ENOENT
		}
		ip.Iput(pid)
		ip = next
		if rest == "" {
			return ip, "", 0
		}
		elem, rest, ok = splitPath(rest)
		if !ok {
			return ip, "", 0
		}
	}
}

// Namei resolves path to its inode (referenced, unlocked), starting from
// root if path is absolute or from cwd otherwise.
func (fs *FS) Namei(pid int, cwd *Inode, path string) (*Inode, defs.Err_t) {
	ip, _, err := fs.namex(pid, cwd, path, false)
	return ip, err
}

// NameiParent resolves path's parent directory (referenced, unlocked) and
// returns the final path element for the caller to look up or create.
func (fs *FS) NameiParent(pid int, cwd *Inode, path string) (*Inode, string, defs.Err_t) {
	return fs.namex(pid, cwd, path, true)
}

// Mkdir creates directory path, wiring up "." and ".." (spec §4.I). The
// caller must already be inside a transaction (BeginOp/EndOp).
func (fs *FS) Mkdir(pid int, cwd *Inode, path string) defs.Err_t {
	dp, name, err := fs.NameiParent(pid, cwd, path)
	if err != 0 {
		return err
	}
	dp.Ilock(pid)
	if dp.Type != TDir {
		dp.Iunlock()
		dp.Iput(pid)
		return defs.ENOTDIR
	}

	ip := fs.AllocInode(pid, TDir)
	ip.Ilock(pid)
	ip.Nlink = 1
	ip.Iupdate(pid)

	if e := ip.Dirlink(pid, ".", ip.Inum); e != 0 {
		panic("fs: mkdir - creating .")
	}
	if e := ip.Dirlink(pid, "..", dp.Inum); e != 0 {
		panic("fs: mkdir - creating ..")
	}
	ip.Iunlock()

	if e := dp.Dirlink(pid, name, ip.Inum); e != 0 {
		dp.Iunlock()
		dp.Iput(pid)
		ip.Iput(pid)
		return e
	}
	dp.Nlink++
	dp.Iupdate(pid)
	dp.Iunlock()
	dp.Iput(pid)
	ip.Iput(pid)
	return 0
}

// Create implements the O_CREATE half of open() (spec §4.I/§4.K): it makes
// a plain file (or device node, when major/minor are nonzero) at path,
// failing with EEXIST if something is already there.
func (fs *FS) Create(pid int, cwd *Inode, path string, major, minor int16) (*Inode, defs.Err_t) {
	dp, name, err := fs.NameiParent(pid, cwd, path)
	if err != 0 {
		return nil, err
	}
	dp.Ilock(pid)
	if dp.Type != TDir {
		dp.Iunlock()
		dp.Iput(pid)
		return nil, defs.ENOTDIR
	}
	if existing, _, e := dp.Dirlookup(pid, name); e == 0 {
		dp.Iunlock()
		dp.Iput(pid)
		return existing, defs.EEXIST
	}

	t := TFile
	if major != 0 || minor != 0 {
		t = TDev
	}
	ip := fs.AllocInode(pid, t)
	ip.Ilock(pid)
	ip.Major = major
	ip.Minor = minor
	ip.Nlink = 1
	ip.Iupdate(pid)

	if e := dp.Dirlink(pid, name, ip.Inum); e != 0 {
		ip.Iunlock()
		dp.Iunlock()
		dp.Iput(pid)
		return nil, e
	}
	ip.Iunlock()
	dp.Iunlock()
	dp.Iput(pid)
	return ip, 0
}

// Unlink removes path's directory entry and drops the target's link count,
// refusing to remove a non-empty directory or "." / ".." (spec §4.I).
func (fs *FS) Unlink(pid int, cwd *Inode, path string) defs.Err_t {
	dp, name, err := fs.NameiParent(pid, cwd, path)
	if err != 0 {
		return err
	}
	if name == "." || name == ".." {
		dp.Iput(pid)
		return defs.EPERM
	}
	dp.Ilock(pid)
	ip, off, e := dp.Dirlookup(pid, name)
	if e != 0 {
		dp.Iunlock()
		dp.Iput(pid)
		return defs.ENOENT
	}
	ip.Ilock(pid)
	if ip.Nlink < 1 {
		panic("fs: unlink - inode with nlink < 1")
	}
	if ip.Type == TDir && !dirIsEmpty(pid, ip) {
		ip.Iunlock()
		ip.Iput(pid)
		dp.Iunlock()
		dp.Iput(pid)
		return defs.ENOTEMPTY
	}

	var zero [DirentLen]byte
	if n, werr := dp.Writei(pid, zero[:], off, DirentLen); werr != 0 || n != DirentLen {
		panic("fs: unlink - clearing dirent")
	}
	if ip.Type == TDir {
		dp.Nlink--
		dp.Iupdate(pid)
	}
	dp.Iunlock()
	dp.Iput(pid)

	ip.Nlink--
	ip.Iupdate(pid)
	ip.Iunlock()
	ip.Iput(pid)
	return 0
}

// Link adds newpath as another name for the file at oldpath, refusing to
// hard-link a directory.
func (fs *FS) Link(pid int, cwd *Inode, oldpath, newpath string) defs.Err_t {
	ip, err := fs.Namei(pid, cwd, oldpath)
	if err != 0 {
		return defs.ENOENT
	}
	ip.Ilock(pid)
	if ip.Type == TDir {
		ip.Iunlock()
		ip.Iput(pid)
		return defs.EPERM
	}
	ip.Nlink++
	ip.Iupdate(pid)
	ip.Iunlock()

	dp, name, perr := fs.NameiParent(pid, cwd, newpath)
	if perr != 0 {
		ip.Ilock(pid)
		ip.Nlink--
		ip.Iupdate(pid)
		ip.Iunlock()
		ip.Iput(pid)
		return perr
	}
	dp.Ilock(pid)
	if dp.Dev != ip.Dev {
		dp.Iunlock()
		dp.Iput(pid)
		ip.Ilock(pid)
		ip.Nlink--
		ip.Iupdate(pid)
		ip.Iunlock()
		ip.Iput(pid)
		return defs.EPERM
	}
	if derr := dp.Dirlink(pid, name, ip.Inum); derr != 0 {
		dp.Iunlock()
		dp.Iput(pid)
		ip.Ilock(pid)
		ip.Nlink--
		ip.Iupdate(pid)
		ip.Iunlock()
		ip.Iput(pid)
		return derr
	}
	dp.Iunlock()
	dp.Iput(pid)
	ip.Iput(pid)
	return 0
}

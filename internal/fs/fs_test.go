package fs

import (
	"bytes"
	"testing"

	"gophix/internal/bio"
	"gophix/internal/defs"
	"gophix/internal/disk"
	"gophix/internal/walog"
)

const testPid = -1

// mountFresh builds a brand new image via mkfs's own layout planner and
// mounts it, giving each test an isolated filesystem.
func mountFresh(t *testing.T, nblocks, ninodes, nlogblocks uint32) (*FS, *bio.Cache, disk.Disk) {
	t.Helper()
	d := disk.NewMemDisk(int(nblocks))
	cache := bio.NewCache(d, 64)
	layout := PlanLayout(nblocks, ninodes, nlogblocks)
	BuildImage(cache, layout)

	log := walog.New(cache, 0, int(layout.Sb.LogStart), int(layout.Sb.LogSize), testPid)
	f := Mount(0, cache, log, 50)
	return f, cache, d
}

func TestCreateWriteReadRoundTrip(t *testing.T) {
	f, _, _ := mountFresh(t, 2048, 100, 20)

	f.BeginOp()
	ip, err := f.Create(testPid, nil, "/hello", 0, 0)
	if err != 0 {
		t.Fatalf("create: %v", err)
	}
	f.EndOp()

	data := []byte("hello, filesystem")
	f.BeginOp()
	ip.Ilock(testPid)
	n, werr := ip.Writei(testPid, data, 0, len(data))
	ip.Iunlock()
	f.EndOp()
	if werr != 0 || n != len(data) {
		t.Fatalf("writei: n=%d err=%v", n, werr)
	}

	buf := make([]byte, len(data))
	ip.Ilock(testPid)
	n, rerr := ip.Readi(testPid, buf, 0, len(buf))
	ip.Iunlock()
	if rerr != 0 || n != len(data) {
		t.Fatalf("readi: n=%d err=%v", n, rerr)
	}
	if !bytes.Equal(buf, data) {
		t.Fatalf("readback mismatch: got %q", buf)
	}
	ip.Iput(testPid)
}

func TestReadiRejectsNegativeCount(t *testing.T) {
	f, _, _ := mountFresh(t, 2048, 100, 20)
	f.BeginOp()
	ip, _ := f.Create(testPid, nil, "/neg", 0, 0)
	f.EndOp()

	ip.Ilock(testPid)
	_, err := ip.Readi(testPid, make([]byte, 4), 0, -1)
	ip.Iunlock()
	if err != defs.EINVAL {
		t.Fatalf("expected EINVAL for negative n, got %v", err)
	}
	ip.Iput(testPid)
}

func TestWriteiRejectsNegativeCount(t *testing.T) {
	f, _, _ := mountFresh(t, 2048, 100, 20)
	f.BeginOp()
	ip, _ := f.Create(testPid, nil, "/neg2", 0, 0)
	f.EndOp()

	f.BeginOp()
	ip.Ilock(testPid)
	_, err := ip.Writei(testPid, []byte{1, 2}, 0, -1)
	ip.Iunlock()
	f.EndOp()
	if err != defs.EINVAL {
		t.Fatalf("expected EINVAL for negative n, got %v", err)
	}
	ip.Iput(testPid)
}

// TestFileGrowsAcrossIndirectBoundary writes past the 12 direct blocks to
// exercise bmap's single-indirect allocation path (spec's block-map
// boundary at NDIRECT*BSIZE).
func TestFileGrowsAcrossIndirectBoundary(t *testing.T) {
	f, _, _ := mountFresh(t, 8192, 100, 20)
	f.BeginOp()
	ip, _ := f.Create(testPid, nil, "/big", 0, 0)
	f.EndOp()

	off := (NDIRECT - 1) * BSIZE
	data := make([]byte, 2*BSIZE) // straddles the direct/indirect boundary
	for i := range data {
		data[i] = byte(i)
	}

	f.BeginOp()
	ip.Ilock(testPid)
	n, werr := ip.Writei(testPid, data, off, len(data))
	ip.Iunlock()
	f.EndOp()
	if werr != 0 || n != len(data) {
		t.Fatalf("writei: n=%d err=%v", n, werr)
	}
	if ip.Addrs[NDIRECT] == 0 {
		t.Fatalf("expected an indirect block to have been allocated")
	}

	got := make([]byte, len(data))
	ip.Ilock(testPid)
	ip.Readi(testPid, got, off, len(got))
	ip.Iunlock()
	if !bytes.Equal(got, data) {
		t.Fatalf("readback mismatch across indirect boundary")
	}
	ip.Iput(testPid)
}

func TestWriteiRejectsBeyondMaxFile(t *testing.T) {
	f, _, _ := mountFresh(t, 8192, 100, 20)
	f.BeginOp()
	ip, _ := f.Create(testPid, nil, "/huge", 0, 0)
	f.EndOp()

	f.BeginOp()
	ip.Ilock(testPid)
	_, err := ip.Writei(testPid, []byte{1}, MAXFILE*BSIZE, 1)
	ip.Iunlock()
	f.EndOp()
	if err != defs.EFBIG {
		t.Fatalf("expected EFBIG past MAXFILE, got %v", err)
	}
	ip.Iput(testPid)
}

func TestMkdirCreatesDotAndDotDot(t *testing.T) {
	f, _, _ := mountFresh(t, 2048, 100, 20)
	f.BeginOp()
	err := f.Mkdir(testPid, nil, "/sub")
	f.EndOp()
	if err != 0 {
		t.Fatalf("mkdir: %v", err)
	}

	dir, nerr := f.Namei(testPid, nil, "/sub")
	if nerr != 0 {
		t.Fatalf("namei: %v", nerr)
	}
	dir.Ilock(testPid)
	self, _, e1 := dir.Dirlookup(testPid, ".")
	if e1 != 0 || self.Inum != dir.Inum {
		t.Fatalf("expected . to point back to itself")
	}
	parent, _, e2 := dir.Dirlookup(testPid, "..")
	if e2 != 0 || parent.Inum != RootIno {
		t.Fatalf("expected .. to point to root")
	}
	// self is the same cached inode as dir, and Iput takes its sleeplock,
	// so release dir's lock before dropping the looked-up references.
	dir.Iunlock()
	self.Iput(testPid)
	parent.Iput(testPid)
	dir.Iput(testPid)
}

func TestUnlinkRejectsNonEmptyDirectory(t *testing.T) {
	f, _, _ := mountFresh(t, 2048, 100, 20)
	f.BeginOp()
	f.Mkdir(testPid, nil, "/d")
	f.Create(testPid, nil, "/d/f", 0, 0)
	f.EndOp()

	f.BeginOp()
	err := f.Unlink(testPid, nil, "/d")
	f.EndOp()
	if err != defs.ENOTEMPTY {
		t.Fatalf("expected ENOTEMPTY, got %v", err)
	}
}

func TestLinkAndUnlinkAdjustNlink(t *testing.T) {
	f, _, _ := mountFresh(t, 2048, 100, 20)
	f.BeginOp()
	ip, _ := f.Create(testPid, nil, "/a", 0, 0)
	f.EndOp()
	if ip.Nlink != 1 {
		t.Fatalf("expected fresh file to have nlink 1, got %d", ip.Nlink)
	}

	f.BeginOp()
	err := f.Link(testPid, nil, "/a", "/b")
	f.EndOp()
	if err != 0 {
		t.Fatalf("link: %v", err)
	}

	ip.Ilock(testPid)
	if ip.Nlink != 2 {
		t.Fatalf("expected nlink 2 after link, got %d", ip.Nlink)
	}
	ip.Iunlock()

	f.BeginOp()
	err = f.Unlink(testPid, nil, "/a")
	f.EndOp()
	if err != 0 {
		t.Fatalf("unlink: %v", err)
	}

	viaB, nerr := f.Namei(testPid, nil, "/b")
	if nerr != 0 {
		t.Fatalf("namei /b: %v", nerr)
	}
	viaB.Ilock(testPid)
	if viaB.Nlink != 1 {
		t.Fatalf("expected nlink 1 after unlinking one name, got %d", viaB.Nlink)
	}
	viaB.Iunlock()
	viaB.Iput(testPid)
	ip.Iput(testPid)
}

func TestCreateRejectsDuplicateName(t *testing.T) {
	f, _, _ := mountFresh(t, 2048, 100, 20)
	f.BeginOp()
	_, err1 := f.Create(testPid, nil, "/dup", 0, 0)
	if err1 != 0 {
		t.Fatalf("create: %v", err1)
	}
	_, err2 := f.Create(testPid, nil, "/dup", 0, 0)
	f.EndOp()
	if err2 != defs.EEXIST {
		t.Fatalf("expected EEXIST on duplicate create, got %v", err2)
	}
}

// TestSecondRecoveryKeepsCommittedData commits a write through the log,
// checks on the MemDisk that it reached the file's data block, then builds
// a fresh Log and Mount over the same cache: recovering over an image whose
// transaction is already installed must leave the written data intact.
func TestSecondRecoveryKeepsCommittedData(t *testing.T) {
	f, cache, d := mountFresh(t, 2048, 100, 20)
	mem := d.(*disk.MemDisk)

	f.BeginOp()
	ip, _ := f.Create(testPid, nil, "/c", 0, 0)
	f.EndOp()

	pre := mem.Snapshot()

	data := bytes.Repeat([]byte{0xEE}, BSIZE)
	f.BeginOp()
	ip.Ilock(testPid)
	ip.Writei(testPid, data, 0, len(data))
	ip.Iunlock()
	f.EndOp()

	post := mem.Snapshot()
	if bytes.Equal(pre[ip.Addrs[0]][:], post[ip.Addrs[0]][:]) {
		t.Fatalf("expected the write to actually change the data block")
	}

	// Recovering a second time (walog.New runs Recover, then Mount) against the
	// already-installed image must be a no-op, not corrupt anything.
	log2 := walog.New(cache, 0, 2, 20, testPid)
	f2 := Mount(0, cache, log2, 50)
	ip2, err := f2.Namei(testPid, nil, "/c")
	if err != 0 {
		t.Fatalf("namei after recovery: %v", err)
	}
	got := make([]byte, len(data))
	ip2.Ilock(testPid)
	ip2.Readi(testPid, got, 0, len(got))
	ip2.Iunlock()
	if !bytes.Equal(got, data) {
		t.Fatalf("data lost across a no-op recovery")
	}
	ip2.Iput(testPid)
}

package file

import (
	"bytes"
	"testing"

	"gophix/internal/bio"
	"gophix/internal/defs"
	"gophix/internal/disk"
	"gophix/internal/fs"
	"gophix/internal/pipe"
	"gophix/internal/walog"
)

const testPid = -1

func mountFresh(t *testing.T) *fs.FS {
	t.Helper()
	d := disk.NewMemDisk(2048)
	cache := bio.NewCache(d, 64)
	layout := fs.PlanLayout(2048, 100, 20)
	fs.BuildImage(cache, layout)
	log := walog.New(cache, 0, int(layout.Sb.LogStart), int(layout.Sb.LogSize), testPid)
	return fs.Mount(0, cache, log, 50)
}

func TestAllocExhaustionAndReuse(t *testing.T) {
	tbl := NewTable(2)
	f1, err := tbl.Alloc()
	if err != 0 {
		t.Fatalf("alloc: %v", err)
	}
	_, err = tbl.Alloc()
	if err != 0 {
		t.Fatalf("alloc: %v", err)
	}
	if _, err := tbl.Alloc(); err != defs.EMFILE {
		t.Fatalf("expected EMFILE once the table is full, got %v", err)
	}

	NewPipeFile(f1, pipe.New(), true)
	tbl.Close(testPid, f1)

	if _, err := tbl.Alloc(); err != 0 {
		t.Fatalf("expected a slot to be free after Close, got %v", err)
	}
}

func TestDupKeepsBackingObjectAliveUntilLastClose(t *testing.T) {
	tbl := NewTable(4)
	f, _ := tbl.Alloc()
	p := pipe.New()
	NewPipeFile(f, p, true) // write end

	tbl.Dup(f)
	tbl.Close(testPid, f) // one of two references gone; pipe must still be open

	if _, err := p.Write([]byte("x")); err != 0 {
		t.Fatalf("pipe write should still succeed with one reference left: %v", err)
	}

	tbl.Close(testPid, f) // last reference: now the write end really closes

	defer func() {
		if recover() == nil {
			t.Fatalf("expected a panic writing to the closed write end")
		}
	}()
	p.Write([]byte("y"))
}

func TestPipeFilePairReadWrite(t *testing.T) {
	tbl := NewTable(4)
	rf, _ := tbl.Alloc()
	wf, _ := tbl.Alloc()
	p := pipe.New()
	NewPipeFile(rf, p, false)
	NewPipeFile(wf, p, true)

	n, err := wf.Write(testPid, []byte("hello"))
	if err != 0 || n != 5 {
		t.Fatalf("write: n=%d err=%v", n, err)
	}
	buf := make([]byte, 5)
	n, err = rf.Read(testPid, buf)
	if err != 0 || n != 5 || string(buf) != "hello" {
		t.Fatalf("read: n=%d err=%v buf=%q", n, err, buf)
	}

	if _, err := rf.Write(testPid, []byte("x")); err != defs.EBADF {
		t.Fatalf("expected EBADF writing to a read-only file, got %v", err)
	}
}

func TestInodeFileWriteReadAndStat(t *testing.T) {
	fsys := mountFresh(t)
	fsys.BeginOp()
	ip, err := fsys.Create(testPid, nil, "/f", 0, 0)
	fsys.EndOp()
	if err != 0 {
		t.Fatalf("create: %v", err)
	}

	tbl := NewTable(4)
	f, _ := tbl.Alloc()
	NewInodeFile(f, ip, true, true)

	data := bytes.Repeat([]byte{0x7A}, 3*chunkBlocks*fs.BSIZE) // spans multiple write chunks
	n, werr := f.Write(testPid, data)
	if werr != 0 || n != len(data) {
		t.Fatalf("write: n=%d err=%v", n, werr)
	}

	st, serr := f.Stat()
	if serr != 0 {
		t.Fatalf("stat: %v", serr)
	}
	if st.Size != uint32(len(data)) {
		t.Fatalf("expected stat size %d, got %d", len(data), st.Size)
	}

	tbl2 := NewTable(4)
	rf, _ := tbl2.Alloc()
	NewInodeFile(rf, ip.Idup(), true, false)
	got := make([]byte, len(data))
	total := 0
	for total < len(got) {
		n, rerr := rf.Read(testPid, got[total:])
		if rerr != 0 {
			t.Fatalf("read: %v", rerr)
		}
		if n == 0 {
			break
		}
		total += n
	}
	if !bytes.Equal(got[:total], data) {
		t.Fatalf("readback mismatch after chunked write")
	}

	tbl.Close(testPid, f)
	tbl2.Close(testPid, rf)
}

func TestStatOnPipeIsEinval(t *testing.T) {
	tbl := NewTable(2)
	f, _ := tbl.Alloc()
	NewPipeFile(f, pipe.New(), true)
	if _, err := f.Stat(); err != defs.EINVAL {
		t.Fatalf("expected EINVAL statting a pipe, got %v", err)
	}
}

package disk

import (
	"os"
	"testing"
)

func TestMemDiskReadWriteRoundTrip(t *testing.T) {
	d := NewMemDisk(4)
	var raw [BlockSize]byte
	raw[0] = 0x42
	if err := d.WriteBlock(2, raw[:]); err != nil {
		t.Fatalf("writeblock: %v", err)
	}
	var got [BlockSize]byte
	if err := d.ReadBlock(2, got[:]); err != nil {
		t.Fatalf("readblock: %v", err)
	}
	if got[0] != 0x42 {
		t.Fatalf("expected 0x42, got %#x", got[0])
	}
}

func TestMemDiskRejectsOutOfRangeBlock(t *testing.T) {
	d := NewMemDisk(2)
	var raw [BlockSize]byte
	if err := d.ReadBlock(5, raw[:]); err == nil {
		t.Fatalf("expected an error reading an out-of-range block")
	}
}

func TestMemDiskSnapshotIsIndependentOfLiveState(t *testing.T) {
	d := NewMemDisk(2)
	snap := d.Snapshot()

	var raw [BlockSize]byte
	raw[0] = 1
	d.WriteBlock(0, raw[:])

	if snap[0][0] != 0 {
		t.Fatalf("expected the earlier snapshot to be unaffected by a later write")
	}
	var got [BlockSize]byte
	d.ReadBlock(0, got[:])
	if got[0] != 1 {
		t.Fatalf("expected live state to reflect the write")
	}
}

func TestFileDiskRejectsWrongSizedBuffer(t *testing.T) {
	path := t.TempDir() + "/img"
	d, err := OpenFile(path, 4, true)
	if err != nil {
		t.Fatalf("openfile: %v", err)
	}
	defer d.Close()

	short := make([]byte, BlockSize-1)
	if err := d.WriteBlock(0, short); err == nil {
		t.Fatalf("expected an error writing a short buffer")
	}
}

func TestFileDiskPersistsAcrossReopen(t *testing.T) {
	path := t.TempDir() + "/img2"
	d, err := OpenFile(path, 4, true)
	if err != nil {
		t.Fatalf("openfile: %v", err)
	}
	var raw [BlockSize]byte
	raw[0] = 9
	d.WriteBlock(1, raw[:])
	d.Close()

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected image file to exist: %v", err)
	}

	d2, err := OpenFile(path, 4, false)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer d2.Close()
	var got [BlockSize]byte
	d2.ReadBlock(1, got[:])
	if got[0] != 9 {
		t.Fatalf("expected 9 to survive a reopen, got %d", got[0])
	}
}

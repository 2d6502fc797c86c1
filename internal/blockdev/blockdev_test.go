package blockdev

import (
	"bytes"
	"path/filepath"
	"testing"
)

func TestWriteReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	d, err := Open(filepath.Join(dir, "disk.img"), 4)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer d.Close()

	want := bytes.Repeat([]byte{0x5A}, BSIZE)
	if err := d.WriteBlock(2, want); err != nil {
		t.Fatalf("WriteBlock: %v", err)
	}
	if err := d.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	got := make([]byte, BSIZE)
	if err := d.ReadBlock(2, got); err != nil {
		t.Fatalf("ReadBlock: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatal("read back bytes differ from what was written")
	}
}

func TestOpenGrowsSparseFile(t *testing.T) {
	dir := t.TempDir()
	d, err := Open(filepath.Join(dir, "disk.img"), 16)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer d.Close()

	buf := make([]byte, BSIZE)
	if err := d.ReadBlock(15, buf); err != nil {
		t.Fatalf("ReadBlock of last block: %v", err)
	}
	for _, b := range buf {
		if b != 0 {
			t.Fatal("expected a freshly grown block to read as zero")
		}
	}
}

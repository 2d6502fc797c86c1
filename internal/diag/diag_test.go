package diag

import (
	"bytes"
	"testing"

	"rvcore/internal/mem"
	"rvcore/internal/pagecache"
)

type memDisk struct{ blocks map[int][]byte }

func newMemDisk() *memDisk { return &memDisk{blocks: map[int][]byte{}} }

func (d *memDisk) ReadBlock(blockno int, dst []byte) error {
	b, ok := d.blocks[blockno]
	if !ok {
		b = make([]byte, len(dst))
	}
	copy(dst, b)
	return nil
}
func (d *memDisk) WriteBlock(blockno int, src []byte) error {
	cp := make([]byte, len(src))
	copy(cp, src)
	d.blocks[blockno] = cp
	return nil
}
func (d *memDisk) Flush() error { return nil }

func TestPageCacheProfileIncludesDirtyAndCleanPages(t *testing.T) {
	phys := mem.New(64)
	disk := newMemDisk()
	cache := pagecache.New(phys, disk, 16)

	clean, err := cache.GetPage(1)
	if err != 0 {
		t.Fatalf("GetPage: %v", err)
	}
	cache.Put(clean)

	dirty, err := cache.GetPage(2)
	if err != 0 {
		t.Fatalf("GetPage: %v", err)
	}
	cache.MarkDirty(dirty)
	cache.Put(dirty)

	sum := Summarize(cache)
	if sum.Resident != 2 || sum.Dirty != 1 {
		t.Fatalf("Summarize = %+v, want {Resident:2 Dirty:1}", sum)
	}

	var buf bytes.Buffer
	if err := WritePageCacheProfile(&buf, cache); err != nil {
		t.Fatalf("WritePageCacheProfile: %v", err)
	}
	if buf.Len() == 0 {
		t.Fatal("expected a non-empty gzipped profile")
	}
}

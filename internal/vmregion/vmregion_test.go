package vmregion

import (
	"testing"

	"rvcore/internal/defs"
	"rvcore/internal/fdops"
	"rvcore/internal/mem"
	"rvcore/internal/pagecache"
)

// memfile implements fdops.Fdops_i (but not fdops.CacheBacked_i) over
// a plain byte slice, enough to exercise Filepage's legacy,
// uncached-read fallback without a real filesystem.
type memfile struct {
	data []byte
	off  int
}

func (m *memfile) Read(dst fdops.Userio_i) (int, defs.Err_t) {
	end := m.off + dst.Remain()
	if end > len(m.data) {
		end = len(m.data)
	}
	n, err := dst.Uiowrite(m.data[m.off:end])
	m.off += n
	return n, err
}
func (m *memfile) Write(src fdops.Userio_i) (int, defs.Err_t) { return 0, -defs.EINVAL }
func (m *memfile) Lseek(off int, whence int) (int, defs.Err_t) {
	m.off = off
	return m.off, 0
}
func (m *memfile) Fstat(st fdops.StatWriter) defs.Err_t           { return 0 }
func (m *memfile) Fsync() defs.Err_t                              { return 0 }
func (m *memfile) Close() defs.Err_t                              { return 0 }
func (m *memfile) Reopen() defs.Err_t                             { return 0 }
func (m *memfile) Poll(pm fdops.Pollmsg_t) (fdops.Ready_t, defs.Err_t) { return 0, 0 }

func TestLookupAndInsert(t *testing.T) {
	var vr Vmregion_t
	a := MkAnon(0x1000, mem.PGSIZE, uint(0x6))
	b := MkAnon(0x3000, mem.PGSIZE, uint(0x6))
	vr.Insert(a)
	vr.Insert(b)

	if got, ok := vr.Lookup(0x1050); !ok || got != a {
		t.Fatalf("expected lookup to find region a")
	}
	if got, ok := vr.Lookup(0x3100); !ok || got != b {
		t.Fatalf("expected lookup to find region b")
	}
	if _, ok := vr.Lookup(0x2000); ok {
		t.Fatal("expected no region in the gap")
	}
}

func TestInsertOverlapPanics(t *testing.T) {
	var vr Vmregion_t
	vr.Insert(MkAnon(0x1000, 2*mem.PGSIZE, 0x6))
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on overlapping insert")
		}
	}()
	vr.Insert(MkAnon(0x1000, mem.PGSIZE, 0x6))
}

func TestEmptyFindsGap(t *testing.T) {
	var vr Vmregion_t
	vr.Insert(MkAnon(0x1000, mem.PGSIZE, 0x6))
	vr.Insert(MkAnon(0x2000, mem.PGSIZE, 0x6))

	start, length := vr.Empty(0x1000, mem.PGSIZE)
	if start != 0x3000 {
		t.Fatalf("Empty() = %#x, want 0x3000", start)
	}
	if length != mem.PGSIZE {
		t.Fatalf("Empty() length = %d, want %d", length, mem.PGSIZE)
	}
}

func TestFilepageReadsBackingFile(t *testing.T) {
	phys := mem.New(64)
	payload := make([]byte, 16)
	copy(payload, "hello, region")
	mf := &memfile{data: payload}

	vmi := MkFile(0x40000, mem.PGSIZE, uint(0x6), mf, 0)
	pa, cached, err := vmi.Filepage(phys, 0x40000, false)
	if err != 0 {
		t.Fatalf("Filepage: %v", err)
	}
	// the uncached fallback hands its frame back with a refcount of zero
	defer func() { phys.Refup(pa); phys.Refdown(pa) }()
	if cached {
		t.Fatal("expected the legacy fallback path for a non-cache-backed file")
	}
	pg := phys.Dmap(pa)
	if string(pg[:len(payload)]) != string(payload) {
		t.Fatalf("Filepage content = %q, want %q", pg[:len(payload)], payload)
	}
	for _, b := range pg[len(payload):] {
		if b != 0 {
			t.Fatal("expected the remainder of a short read to be zero-filled")
		}
	}
}

// cachefile implements fdops.CacheBacked_i over a single in-memory
// page cache entry, exercising Filepage's shared-frame path.
type cachefile struct {
	memfile
	phys *mem.Physmem_t
	pa   mem.Pa_t
	set  bool
}

func (c *cachefile) CachePage(off int, write bool) (*pagecache.Page_t, defs.Err_t) {
	if !c.set {
		if write {
			_, pa, ok := c.phys.Refpg_new()
			if !ok {
				return nil, -defs.ENOMEM
			}
			c.pa = pa
			c.set = true
		} else {
			return nil, 0
		}
	}
	pg := &pagecache.Page_t{Block: off / mem.PGSIZE, Pa: c.pa}
	copy(pg.Bytes(c.phys), c.memfile.data)
	return pg, 0
}

func (c *cachefile) UnpinPage(pa mem.Pa_t) {}

func TestFilepageSharesCacheFrame(t *testing.T) {
	phys := mem.New(64)
	cf := &cachefile{phys: phys}

	vmi := MkShareFile(0x60000, mem.PGSIZE, uint(0x6), cf, 0, nil)
	pa, cached, err := vmi.Filepage(phys, 0x60000, true)
	if err != 0 {
		t.Fatalf("Filepage: %v", err)
	}
	if !cached {
		t.Fatal("expected the cache-backed path for a CacheBacked_i file")
	}
	if pa != cf.pa {
		t.Fatalf("Filepage returned pa=%#x, want the cache's own frame %#x", pa, cf.pa)
	}

	pa2, cached2, err := vmi.Filepage(phys, 0x60000, false)
	if err != 0 {
		t.Fatalf("Filepage (second mapper): %v", err)
	}
	if !cached2 || pa2 != pa {
		t.Fatal("expected a second mapper to observe the same shared frame")
	}
}

func TestClearDecrementsMapcount(t *testing.T) {
	var vr Vmregion_t
	mf := &memfile{}
	vmi := MkFile(0x50000, mem.PGSIZE, 0x6, mf, 0)
	vr.Insert(vmi)
	if vmi.file.mfile.mapcount != 1 {
		t.Fatalf("mapcount after insert = %d, want 1", vmi.file.mfile.mapcount)
	}
	vr.Clear()
	if vmi.file.mfile.mapcount != 0 {
		t.Fatalf("mapcount after clear = %d, want 0", vmi.file.mfile.mapcount)
	}
}

// Package mem implements the physical frame allocator and the page
// descriptor table behind it (spec.md §3 "Physical page descriptor"),
// adapted from biscuit's mem package. Where the teacher manages real
// physical memory through a recursively-mapped bare-metal page table
// and per-CPU free lists (mem/dmap.go, mem/mem.go), this module is a
// portable library: physical memory is simulated as an in-process
// arena of page-sized byte arrays, and the per-CPU free-list sharding
// is dropped in favor of one mutex-guarded free list (see DESIGN.md —
// there is no real multi-hart contention to shard against inside a
// single Go process).
package mem

import (
	"sync"
	"sync/atomic"
)

// PGSHIFT is the base-2 exponent for the page size.
const PGSHIFT uint = 12

// PGSIZE is the size of a single page in bytes.
const PGSIZE int = 1 << PGSHIFT

// PGOFFSET masks offsets within a page.
const PGOFFSET Pa_t = Pa_t(PGSIZE - 1)

// PGMASK masks the page number of an address.
const PGMASK Pa_t = ^PGOFFSET

// Pa_t represents a physical frame address: frame index << PGSHIFT.
type Pa_t uint64

// Pg_t is one physical page of raw bytes.
type Pg_t [4096]byte

// PageType tags the owner of a physical frame (spec.md §3).
type PageType int

const (
	PageFree PageType = iota
	PageAnon
	PageTable
	PageSlab
	PageCache
	PageBoot
)

type pagedesc_t struct {
	sync.Mutex
	refcnt int32
	typ    PageType
	nexti  uint32
	// cachemeta is set only when typ == PageCache; it is an opaque
	// handle owned by the pagecache package (avoids an import cycle,
	// since pagecache needs to import mem but not vice versa).
	cachemeta interface{}
}

// Physmem_t manages all simulated physical memory for one kernel
// instance.
type Physmem_t struct {
	mu      sync.Mutex
	frames  []pagedesc_t
	arena   []Pg_t
	freei   uint32
	freelen int

	Zeropg  *Pg_t
	P_zeropg Pa_t
}

func pgn(p Pa_t) uint32 { return uint32(p >> PGSHIFT) }

// New allocates a simulated physical memory pool of nframes pages and
// reserves one zero-filled page used as the universal COW source for
// anonymous mappings (mirrors the teacher's global Zeropg/P_zeropg).
func New(nframes int) *Physmem_t {
	if nframes < 2 {
		panic("too few frames")
	}
	phys := &Physmem_t{
		frames: make([]pagedesc_t, nframes),
		arena:  make([]Pg_t, nframes),
	}
	for i := range phys.frames {
		phys.frames[i].nexti = uint32(i + 1)
	}
	phys.frames[nframes-1].nexti = ^uint32(0)
	phys.freei = 0
	phys.freelen = nframes

	pg, pa, ok := phys._refpg_new()
	if !ok {
		panic("oom reserving zero page")
	}
	phys.Zeropg = pg
	phys.P_zeropg = pa
	phys.frames[pgn(pa)].typ = PageBoot
	phys.Refup(pa)
	return phys
}

func (phys *Physmem_t) refaddr(p Pa_t) *pagedesc_t {
	return &phys.frames[pgn(p)]
}

// Refcnt returns the current reference count of a page.
func (phys *Physmem_t) Refcnt(p Pa_t) int {
	return int(atomic.LoadInt32(&phys.refaddr(p).refcnt))
}

// Refup increments the reference count of a page.
func (phys *Physmem_t) Refup(p Pa_t) {
	c := atomic.AddInt32(&phys.refaddr(p).refcnt, 1)
	if c <= 0 {
		panic("refup of a free page")
	}
}

// Refdown decrements the reference count of a page, returning true
// when it reached zero and the frame was reclaimed onto the free list.
func (phys *Physmem_t) Refdown(p Pa_t) bool {
	fr := phys.refaddr(p)
	c := atomic.AddInt32(&fr.refcnt, -1)
	if c < 0 {
		panic("refdown of an already-free page")
	}
	if c != 0 {
		return false
	}
	phys.mu.Lock()
	fr.typ = PageFree
	fr.cachemeta = nil
	fr.nexti = phys.freei
	phys.freei = pgn(p)
	phys.freelen++
	phys.mu.Unlock()
	return true
}

func (phys *Physmem_t) _refpg_new() (*Pg_t, Pa_t, bool) {
	phys.mu.Lock()
	if phys.freelen == 0 {
		phys.mu.Unlock()
		return nil, 0, false
	}
	idx := phys.freei
	phys.freei = phys.frames[idx].nexti
	phys.freelen--
	phys.mu.Unlock()

	pa := Pa_t(idx) << PGSHIFT
	fr := &phys.frames[idx]
	fr.refcnt = 0
	return &phys.arena[idx], pa, true
}

// Refpg_new allocates a zeroed anonymous page. The returned page's
// refcount starts at zero; the caller must Refup it (matching the
// teacher's convention in vm/as.go's Page_insert).
func (phys *Physmem_t) Refpg_new() (*Pg_t, Pa_t, bool) {
	pg, pa, ok := phys._refpg_new()
	if !ok {
		return nil, 0, false
	}
	*pg = Pg_t{}
	phys.frames[pgn(pa)].typ = PageAnon
	return pg, pa, true
}

// Refpg_new_nozero allocates an uninitialised page, for callers that
// immediately overwrite its contents (e.g. a COW copy).
func (phys *Physmem_t) Refpg_new_nozero() (*Pg_t, Pa_t, bool) {
	pg, pa, ok := phys._refpg_new()
	if !ok {
		return nil, 0, false
	}
	phys.frames[pgn(pa)].typ = PageAnon
	return pg, pa, true
}

// AllocTyped allocates a zeroed page tagged with typ, used by callers
// outside the VM manager (page-table levels, page-cache pages).
func (phys *Physmem_t) AllocTyped(typ PageType) (*Pg_t, Pa_t, bool) {
	pg, pa, ok := phys._refpg_new()
	if !ok {
		return nil, 0, false
	}
	*pg = Pg_t{}
	phys.frames[pgn(pa)].typ = typ
	return pg, pa, true
}

// Dmap returns the direct-mapped page for a physical frame address,
// playing the role of the teacher's direct map without needing an
// actual virtual-address window (see the package doc comment).
func (phys *Physmem_t) Dmap(p Pa_t) *Pg_t {
	return &phys.arena[pgn(p)]
}

// Type reports the current owner tag of a frame.
func (phys *Physmem_t) Type(p Pa_t) PageType {
	return phys.refaddr(p).typ
}

// SetCacheMeta attaches page-cache-owned metadata to a frame, and
// CacheMeta retrieves it. Together they let internal/pagecache use
// this allocator without mem depending on pagecache.
func (phys *Physmem_t) SetCacheMeta(p Pa_t, meta interface{}) {
	phys.refaddr(p).cachemeta = meta
}

func (phys *Physmem_t) CacheMeta(p Pa_t) interface{} {
	return phys.refaddr(p).cachemeta
}

// Free reports the number of unallocated frames, used by tests and by
// internal/diag.
func (phys *Physmem_t) Free() int {
	phys.mu.Lock()
	defer phys.mu.Unlock()
	return phys.freelen
}

// Total reports the total number of frames managed.
func (phys *Physmem_t) Total() int {
	return len(phys.frames)
}

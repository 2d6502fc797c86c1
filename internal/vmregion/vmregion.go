// Package vmregion implements the region tree behind one address space
// (spec.md §4.A "Region tree"), reconstructed from the Vminfo_t/
// Vmregion_t call sites in biscuit's vm/as.go (the package's own
// vmregion.go was not present in the retrieved pack). Regions are kept
// in a page-aligned, non-overlapping, sorted list navigated by binary
// search rather than a literal balanced tree — a slice plus
// sort.Search gives the same O(log n) lookup/insert-point behavior
// with far less code, and the region count per address space is small
// (see DESIGN.md).
package vmregion

import (
	"sort"

	"rvcore/internal/defs"
	"rvcore/internal/fdops"
	"rvcore/internal/mem"
	"rvcore/internal/pagetable"
	"rvcore/internal/userio"
)

// Mtype_t classifies what backs a region's pages.
type Mtype_t int

const (
	VANON  Mtype_t = iota /// private anonymous memory
	VFILE                  /// file-backed, private or shared
	VSANON                 /// shared anonymous memory
)

// Unpin_i is invoked when a shared file-backed page is torn down, so
// the owning file can be told a mapping no longer pins the page.
type Unpin_i func(mem.Pa_t)

type fileinfo_t struct {
	foff   int
	mfile  *Mfile_t
	shared bool
}

// Mfile_t is the file-mapping state shared by every Vminfo_t that maps
// the same open file, mirroring the teacher's Mfile_t.
type Mfile_t struct {
	mfops    fdops.Fdops_i
	unpin    Unpin_i
	mapcount int
}

// Vminfo_t describes one mapped region of an address space (spec.md
// §3 "Region"). Perms carries only the baseline R/W/X/U flags a
// mapping may ever have; COW/dirty/accessed bits are installed by the
// page-fault handler, never stored here.
type Vminfo_t struct {
	Mtype Mtype_t
	Pgn   uintptr
	Pglen uintptr
	Perms uint

	file fileinfo_t
}

// Start returns the first byte address of the region.
func (vmi *Vminfo_t) Start() uintptr { return vmi.Pgn << mem.PGSHIFT }

// End returns the address one past the region's last byte.
func (vmi *Vminfo_t) End() uintptr { return (vmi.Pgn + vmi.Pglen) << mem.PGSHIFT }

func (vmi *Vminfo_t) contains(va uintptr) bool {
	return va >= vmi.Start() && va < vmi.End()
}

// Ptefor returns the PTE covering va, allocating missing interior
// page-table levels as needed (spec.md §4.A).
func (vmi *Vminfo_t) Ptefor(phys *mem.Physmem_t, root mem.Pa_t, va uintptr) (*pagetable.Pte_t, bool) {
	pte, err := pagetable.Walk(phys, root, va, true)
	if err != 0 {
		return nil, false
	}
	return pte, true
}

// Filepage fetches the page backing the file offset va covers
// (spec.md §4.A "Demand paging", file-backed case; §4.C "obtain the
// page from the file's page cache... take a reference, and install
// the mapping"). When the backing file implements
// fdops.CacheBacked_i — every vfs.OpenFile_t does — it returns the
// cache's own frame for that block directly, so every mapper of the
// region and ordinary buffered I/O on the same file see one shared
// copy of the bytes; write requests the underlying block be allocated
// and the page marked dirty, rather than the hole being left alone. A
// zero pa with a nil error means va falls on a hole past the current
// end of file. Back ends predating cache wiring (test fakes
// satisfying only fdops.Fdops_i) fall back to an independent read
// into a private, uncached frame. It is only valid on VFILE regions.
func (vmi *Vminfo_t) Filepage(phys *mem.Physmem_t, va uintptr, write bool) (mem.Pa_t, bool, defs.Err_t) {
	if vmi.Mtype != VFILE {
		panic("vmregion: Filepage on a non-file region")
	}
	pgstart := va &^ mem.PGOFFSET
	foff := vmi.file.foff + int(pgstart-vmi.Start())
	mfops := vmi.file.mfile.mfops

	if cb, ok := mfops.(fdops.CacheBacked_i); ok {
		pg, err := cb.CachePage(foff, write)
		if err != 0 {
			return 0, false, err
		}
		if pg == nil {
			return 0, false, 0
		}
		return pg.Pa, true, 0
	}

	pg, pa, ok := phys.Refpg_new_nozero()
	if !ok {
		return 0, false, -defs.ENOMEM
	}
	if _, err := mfops.Lseek(foff, defs.SEEK_SET); err != 0 {
		phys.Refdown(pa)
		return 0, false, err
	}
	*pg = mem.Pg_t{}
	n, err := mfops.Read(userio.NewFake(pg[:]))
	if err != 0 {
		phys.Refdown(pa)
		return 0, false, err
	}
	_ = n // short reads at EOF leave the remainder zero-filled, matching a hole
	return pa, false, 0
}

// Clone duplicates the region descriptor for use in a child address
// space (fork). File-backed regions keep sharing the same Mfile_t;
// Insert takes care of bumping its mapcount.
func (vmi *Vminfo_t) Clone() *Vminfo_t {
	cp := *vmi
	return &cp
}

// Shared reports whether modifications to this region are visible to
// other mappers of the same file.
func (vmi *Vminfo_t) Shared() bool { return vmi.file.shared }

// Unpin releases this region's pin on pa through the file's unpin
// callback, if one was supplied (shared file mappings only).
func (vmi *Vminfo_t) Unpin(pa mem.Pa_t) {
	if vmi.file.mfile != nil && vmi.file.mfile.unpin != nil {
		vmi.file.mfile.unpin(pa)
	}
}

// Vmregion_t is the ordered set of regions making up one address
// space (spec.md §3 "Region tree").
type Vmregion_t struct {
	regions []*Vminfo_t
}

func (vr *Vmregion_t) searchIndex(pgn uintptr) int {
	return sort.Search(len(vr.regions), func(i int) bool {
		return vr.regions[i].Pgn+vr.regions[i].Pglen > pgn
	})
}

// Lookup returns the region covering va, if any.
func (vr *Vmregion_t) Lookup(va uintptr) (*Vminfo_t, bool) {
	pgn := va >> mem.PGSHIFT
	i := vr.searchIndex(pgn)
	if i < len(vr.regions) && vr.regions[i].contains(va) {
		return vr.regions[i], true
	}
	return nil, false
}

// insert adds vmi to the tree, panicking if it overlaps an existing
// region (the caller — Vm_t — is responsible for choosing a free
// range first, matching the teacher's as.go helpers).
func (vr *Vmregion_t) Insert(vmi *Vminfo_t) {
	i := vr.searchIndex(vmi.Pgn)
	if i < len(vr.regions) && vr.regions[i].Pgn < vmi.Pgn+vmi.Pglen {
		panic("vmregion: overlapping insert")
	}
	if vmi.Mtype == VFILE && vmi.file.mfile != nil {
		vmi.file.mfile.mapcount++
	}
	vr.regions = append(vr.regions, nil)
	copy(vr.regions[i+1:], vr.regions[i:])
	vr.regions[i] = vmi
}

// Remove deletes the region starting at pgn, returning it.
func (vr *Vmregion_t) Remove(pgn uintptr) (*Vminfo_t, bool) {
	i := vr.searchIndex(pgn)
	if i >= len(vr.regions) || vr.regions[i].Pgn != pgn {
		return nil, false
	}
	vmi := vr.regions[i]
	vr.regions = append(vr.regions[:i], vr.regions[i+1:]...)
	return vmi, true
}

// Empty finds a gap of at least length len starting no earlier than
// start, mirroring the teacher's Vmregion_t.empty used by mmap's
// address-hint resolution.
func (vr *Vmregion_t) Empty(start, length uintptr) (uintptr, uintptr) {
	cur := start
	for _, r := range vr.regions {
		if r.Start() >= cur+length {
			break
		}
		if r.End() > cur {
			cur = r.End()
		}
	}
	return cur, length
}

// All returns the regions in address order, for fork/exec teardown
// and diagnostics.
func (vr *Vmregion_t) All() []*Vminfo_t {
	return vr.regions
}

// Fits reports whether the page range [pgn, pgn+pglen) is free of
// every currently-tracked region.
func (vr *Vmregion_t) Fits(pgn, pglen uintptr) bool {
	end := pgn + pglen
	for _, r := range vr.regions {
		if r.Pgn < end && pgn < r.Pgn+r.Pglen {
			return false
		}
	}
	return true
}

// GrowDown extends vmi's range downward by extraPages, refusing if
// the result would collide with another region (grows-down stack
// growth, spec.md §4.C "Stack and heap growth").
func (vr *Vmregion_t) GrowDown(vmi *Vminfo_t, extraPages uintptr) bool {
	if extraPages == 0 {
		return true
	}
	newPgn := vmi.Pgn - extraPages
	for _, r := range vr.regions {
		if r == vmi {
			continue
		}
		if r.Pgn < vmi.Pgn+vmi.Pglen && newPgn < r.Pgn+r.Pglen {
			return false
		}
	}
	vmi.Pgn = newPgn
	vmi.Pglen += extraPages
	sort.Slice(vr.regions, func(i, j int) bool { return vr.regions[i].Pgn < vr.regions[j].Pgn })
	return true
}

// GrowUp extends vmi's range upward by extraPages (sbrk-style heap
// growth), refusing if the result would collide with another region.
func (vr *Vmregion_t) GrowUp(vmi *Vminfo_t, extraPages uintptr) bool {
	if extraPages == 0 {
		return true
	}
	newEnd := vmi.Pgn + vmi.Pglen + extraPages
	for _, r := range vr.regions {
		if r == vmi {
			continue
		}
		if r.Pgn < newEnd && vmi.Pgn < r.Pgn+r.Pglen {
			return false
		}
	}
	vmi.Pglen += extraPages
	return true
}

// Overlapping returns every region intersecting [pgn, pgn+pglen), in
// address order — used by munmap/mprotect/msync/madvise, which may
// each span more than one existing region (spec.md §4.C "mmap
// family").
func (vr *Vmregion_t) Overlapping(pgn, pglen uintptr) []*Vminfo_t {
	end := pgn + pglen
	var out []*Vminfo_t
	for _, r := range vr.regions {
		if r.Pgn < end && pgn < r.Pgn+r.Pglen {
			out = append(out, r)
		}
	}
	return out
}

// SubRegion returns a new descriptor covering [pgn, pgn+pglen) of
// vmi's range, preserving its type and permissions; file-backed
// regions keep sharing the same Mfile_t with an adjusted file offset.
// Used to carve munmap/mprotect's affected middle out of a region
// while keeping the untouched head/tail mapped.
func (vmi *Vminfo_t) SubRegion(pgn, pglen uintptr) *Vminfo_t {
	if pgn < vmi.Pgn || pgn+pglen > vmi.Pgn+vmi.Pglen {
		panic("vmregion: SubRegion out of range")
	}
	sub := &Vminfo_t{Mtype: vmi.Mtype, Pgn: pgn, Pglen: pglen, Perms: vmi.Perms}
	if vmi.Mtype == VFILE {
		delta := int(pgn-vmi.Pgn) * mem.PGSIZE
		sub.file = fileinfo_t{foff: vmi.file.foff + delta, mfile: vmi.file.mfile, shared: vmi.file.shared}
	}
	return sub
}

// ReleaseFile decrements the backing file's mapcount when vmi is
// removed from the tree directly (bypassing Clear).
func (vmi *Vminfo_t) ReleaseFile() {
	if vmi.Mtype == VFILE && vmi.file.mfile != nil {
		vmi.file.mfile.mapcount--
	}
}

// SyncFile forwards a dirty-flush request to the backing file
// (spec.md §4.C "msync"). It is a no-op for anonymous regions.
func (vmi *Vminfo_t) SyncFile() defs.Err_t {
	if vmi.Mtype != VFILE || vmi.file.mfile == nil {
		return 0
	}
	return vmi.file.mfile.mfops.Fsync()
}

// Shrink truncates vmi to newPglen pages. The caller must have
// already torn down the physical mappings in the vacated range.
func (vr *Vmregion_t) Shrink(vmi *Vminfo_t, newPglen uintptr) {
	if newPglen < vmi.Pglen {
		vmi.Pglen = newPglen
	}
}

// Clear empties the region tree, decrementing mapcount on every
// file-backed region (spec.md §4.A "munmap"/address-space teardown).
func (vr *Vmregion_t) Clear() {
	for _, r := range vr.regions {
		if r.Mtype == VFILE && r.file.mfile != nil {
			r.file.mfile.mapcount--
		}
	}
	vr.regions = nil
}

// MkAnon builds a private anonymous region descriptor.
func MkAnon(start, length int, perms uint) *Vminfo_t {
	return mk(VANON, start, length, perms, 0, nil, nil)
}

// MkShareAnon builds a shared anonymous region descriptor.
func MkShareAnon(start, length int, perms uint) *Vminfo_t {
	return mk(VSANON, start, length, perms, 0, nil, nil)
}

// MkFile builds a private file-backed region descriptor.
func MkFile(start, length int, perms uint, fops fdops.Fdops_i, foff int) *Vminfo_t {
	return mk(VFILE, start, length, perms, foff, fops, nil)
}

// MkShareFile builds a shared file-backed region descriptor; unpin is
// invoked whenever a mapped page is torn down.
func MkShareFile(start, length int, perms uint, fops fdops.Fdops_i, foff int, unpin Unpin_i) *Vminfo_t {
	vmi := mk(VFILE, start, length, perms, foff, fops, nil)
	vmi.file.shared = true
	vmi.file.mfile.unpin = unpin
	return vmi
}

func mk(mt Mtype_t, start, length int, perms uint, foff int, fops fdops.Fdops_i, unpin Unpin_i) *Vminfo_t {
	if length <= 0 {
		panic("vmregion: non-positive region length")
	}
	if (start|length)&(mem.PGSIZE-1) != 0 {
		panic("vmregion: start and length must be page aligned")
	}
	vmi := &Vminfo_t{
		Mtype: mt,
		Pgn:   uintptr(start) >> mem.PGSHIFT,
		Pglen: uintptr((length + mem.PGSIZE - 1) &^ (mem.PGSIZE - 1) >> mem.PGSHIFT),
		Perms: perms,
	}
	if mt == VFILE {
		vmi.file.foff = foff
		vmi.file.mfile = &Mfile_t{mfops: fops, unpin: unpin}
	}
	return vmi
}

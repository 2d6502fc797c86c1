package vm

import (
	"rvcore/internal/defs"
	"rvcore/internal/fdops"
	"rvcore/internal/mem"
	"rvcore/internal/pagetable"
	"rvcore/internal/vmregion"
)

// Protection bits for Mmap/Mprotect (spec.md §3 "Region").
const (
	PROT_NONE  = 0
	PROT_READ  = 1 << 0
	PROT_WRITE = 1 << 1
	PROT_EXEC  = 1 << 2
)

// Mapping-kind flags for Mmap.
const (
	MAP_SHARED  = 1 << 0
	MAP_PRIVATE = 1 << 1
	MAP_ANON    = 1 << 2
)

// MREMAP_MAYMOVE permits Mremap to relocate the mapping when it
// cannot grow in place.
const MREMAP_MAYMOVE = 1 << 0

// MADV_DONTNEED is the only advice Madvise understands (spec.md
// §4.C "mmap family").
const MADV_DONTNEED = 0

func protToPerms(prot int) uint {
	var p uint
	if prot&PROT_READ != 0 {
		p |= uint(pagetable.PTE_R)
	}
	if prot&PROT_WRITE != 0 {
		p |= uint(pagetable.PTE_W)
	}
	if prot&PROT_EXEC != 0 {
		p |= uint(pagetable.PTE_X)
	}
	return p
}

// unpinFor builds the teardown callback a shared file region invokes
// on every page it gives up, releasing the page-cache reference
// Filepage took on behalf of the mapping (spec.md §4.C "take a
// reference, and install the mapping" implies the reverse on
// teardown). Back ends that don't stage through the cache (test
// fakes) get a nil callback, matching the region's prior behavior.
func unpinFor(fops fdops.Fdops_i) vmregion.Unpin_i {
	cb, ok := fops.(fdops.CacheBacked_i)
	if !ok {
		return nil
	}
	return func(pa mem.Pa_t) { cb.UnpinPage(pa) }
}

func pageSpan(addr uintptr, length int) (uintptr, uintptr) {
	pgn := addr >> mem.PGSHIFT
	pglen := uintptr((length + mem.PGSIZE - 1) / mem.PGSIZE)
	return pgn, pglen
}

// Mmap installs a new mapping, rounding addr down and length up
// (spec.md §4.C "mmap family"). addrHint of 0 lets the manager choose
// any free range.
func (as *Vm_t) Mmap(addrHint, length, prot, flags int, fops fdops.Fdops_i, foff int) (uintptr, defs.Err_t) {
	if length <= 0 {
		return 0, -defs.EINVAL
	}
	as.Lock_pmap()
	defer as.Unlock_pmap()

	start := as.Unusedva(addrHint, length)
	perms := protToPerms(prot) | uint(pagetable.PTE_U)

	switch {
	case flags&MAP_ANON != 0 && flags&MAP_SHARED != 0:
		as.Vmregion.Insert(vmregion.MkShareAnon(int(start), length, perms))
	case flags&MAP_ANON != 0:
		as.Vmregion.Insert(vmregion.MkAnon(int(start), length, perms))
	case flags&MAP_SHARED != 0:
		as.Vmregion.Insert(vmregion.MkShareFile(int(start), length, perms, fops, foff, unpinFor(fops)))
	default:
		as.Vmregion.Insert(vmregion.MkFile(int(start), length, perms, fops, foff))
	}
	return start, 0
}

// Munmap tears down every mapping in [addr, addr+length), splitting
// any region that only partially overlaps.
func (as *Vm_t) Munmap(addr uintptr, length int) defs.Err_t {
	if length <= 0 {
		return -defs.EINVAL
	}
	as.Lock_pmap()
	defer as.Unlock_pmap()
	pgn, pglen := pageSpan(addr, length)
	for _, vmi := range as.Vmregion.Overlapping(pgn, pglen) {
		as.splitAndRemove(vmi, pgn, pglen)
	}
	return 0
}

func (as *Vm_t) intersect(vmi *vmregion.Vminfo_t, pgn, pglen uintptr) (uintptr, uintptr) {
	lo := vmi.Pgn
	if pgn > lo {
		lo = pgn
	}
	hi := vmi.Pgn + vmi.Pglen
	if pgn+pglen < hi {
		hi = pgn + pglen
	}
	return lo, hi
}

func (as *Vm_t) splitAndRemove(vmi *vmregion.Vminfo_t, pgn, pglen uintptr) {
	lo, hi := as.intersect(vmi, pgn, pglen)
	if lo >= hi {
		return
	}
	for p := lo; p < hi; p++ {
		va := p << mem.PGSHIFT
		if vmi.Mtype == vmregion.VFILE && vmi.Shared() {
			if pte := pagetable.Lookup(as.phys, as.Root, va); pte != nil && *pte&pagetable.PTE_V != 0 {
				vmi.Unpin(pte.Addr())
			}
		}
		as.pageRemove(va)
	}

	origPgn, origEnd := vmi.Pgn, vmi.Pgn+vmi.Pglen
	as.Vmregion.Remove(vmi.Pgn)
	vmi.ReleaseFile()
	if before := lo - origPgn; before > 0 {
		as.Vmregion.Insert(vmi.SubRegion(origPgn, before))
	}
	if after := origEnd - hi; after > 0 {
		as.Vmregion.Insert(vmi.SubRegion(hi, after))
	}
}

// Mprotect changes protection on [addr, addr+length), splitting any
// region that only partially overlaps, and updates already-resident
// PTEs in place.
func (as *Vm_t) Mprotect(addr uintptr, length int, prot int) defs.Err_t {
	if length <= 0 {
		return -defs.EINVAL
	}
	as.Lock_pmap()
	defer as.Unlock_pmap()
	pgn, pglen := pageSpan(addr, length)
	newperms := protToPerms(prot) | uint(pagetable.PTE_U)
	for _, vmi := range as.Vmregion.Overlapping(pgn, pglen) {
		as.splitAndReprotect(vmi, pgn, pglen, newperms)
	}
	return 0
}

func (as *Vm_t) splitAndReprotect(vmi *vmregion.Vminfo_t, pgn, pglen uintptr, newperms uint) {
	lo, hi := as.intersect(vmi, pgn, pglen)
	if lo >= hi {
		return
	}
	origPgn, origEnd := vmi.Pgn, vmi.Pgn+vmi.Pglen
	as.Vmregion.Remove(vmi.Pgn)
	if before := lo - origPgn; before > 0 {
		as.Vmregion.Insert(vmi.SubRegion(origPgn, before))
	}
	mid := vmi.SubRegion(lo, hi-lo)
	mid.Perms = newperms
	as.Vmregion.Insert(mid)
	if after := origEnd - hi; after > 0 {
		as.Vmregion.Insert(vmi.SubRegion(hi, after))
	}

	for p := lo; p < hi; p++ {
		va := p << mem.PGSHIFT
		pte := pagetable.Lookup(as.phys, as.Root, va)
		if pte == nil || *pte&pagetable.PTE_V == 0 {
			continue
		}
		pa := pte.Addr()
		pagetable.SetLeaf(pte, pa, pagetable.Pte_t(newperms)|pagetable.PTE_U)
		as.Tlbshoot(va, 1)
	}
}

// Mremap grows or shrinks [addr, addr+oldlen) to newlen, in place when
// a free neighbor has room; otherwise it fails unless MREMAP_MAYMOVE
// is set, in which case the mapping relocates (spec.md §4.C "mmap
// family").
func (as *Vm_t) Mremap(addr uintptr, oldlen, newlen, flags int) (uintptr, defs.Err_t) {
	if newlen <= 0 {
		return 0, -defs.EINVAL
	}
	as.Lock_pmap()
	defer as.Unlock_pmap()

	pgn, oldpglen := pageSpan(addr, oldlen)
	_, newpglen := pageSpan(0, newlen)

	vmi, ok := as.Vmregion.Lookup(addr)
	if !ok || vmi.Pgn != pgn || vmi.Pglen != oldpglen {
		return 0, -defs.EINVAL
	}

	if newpglen <= vmi.Pglen {
		for p := vmi.Pgn + newpglen; p < vmi.Pgn+vmi.Pglen; p++ {
			as.pageRemove(p << mem.PGSHIFT)
		}
		as.Vmregion.Shrink(vmi, newpglen)
		return vmi.Start(), 0
	}

	extra := newpglen - vmi.Pglen
	if as.Vmregion.GrowUp(vmi, extra) {
		return vmi.Start(), 0
	}
	if flags&MREMAP_MAYMOVE == 0 {
		return 0, -defs.ENOMEM
	}

	newstart := as.Unusedva(int(USERMIN), int(newpglen)*mem.PGSIZE)
	moved := vmi.SubRegion(vmi.Pgn, vmi.Pglen)
	moved.Pgn = newstart >> mem.PGSHIFT
	moved.Pglen = newpglen
	as.Vmregion.Remove(vmi.Pgn)
	as.Vmregion.Insert(moved)

	for p := uintptr(0); p < vmi.Pglen; p++ {
		oldva := (pgn + p) << mem.PGSHIFT
		pte := pagetable.Lookup(as.phys, as.Root, oldva)
		if pte == nil || *pte&pagetable.PTE_V == 0 {
			continue
		}
		pa := pte.Addr()
		flags := *pte &^ pagetable.PTE_V
		newva := moved.Start() + p*uintptr(mem.PGSIZE)
		npte, ok2 := moved.Ptefor(as.phys, as.Root, newva)
		if !ok2 {
			continue
		}
		pagetable.SetLeaf(npte, pa, flags)
		*pte = 0
	}
	return moved.Start(), 0
}

// Msync forwards dirty pages in [addr, addr+length) belonging to
// shared file mappings to the backing file.
func (as *Vm_t) Msync(addr uintptr, length int) defs.Err_t {
	as.Lock_pmap()
	defer as.Unlock_pmap()
	pgn, pglen := pageSpan(addr, length)
	for _, vmi := range as.Vmregion.Overlapping(pgn, pglen) {
		if vmi.Mtype == vmregion.VFILE && vmi.Shared() {
			if err := vmi.SyncFile(); err != 0 {
				return err
			}
		}
	}
	return 0
}

// Mincore reports, one bool per page, whether [addr, addr+length) is
// currently resident.
func (as *Vm_t) Mincore(addr uintptr, length int) ([]bool, defs.Err_t) {
	as.Lock_pmap()
	defer as.Unlock_pmap()
	n := (length + mem.PGSIZE - 1) / mem.PGSIZE
	out := make([]bool, n)
	for i := 0; i < n; i++ {
		va := addr + uintptr(i*mem.PGSIZE)
		pte := pagetable.Lookup(as.phys, as.Root, va)
		out[i] = pte != nil && *pte&pagetable.PTE_V != 0
	}
	return out, 0
}

// Madvise(DONTNEED) drops private anonymous pages in
// [addr, addr+length) back to zero-fill state.
func (as *Vm_t) Madvise(addr uintptr, length int, advice int) defs.Err_t {
	if advice != MADV_DONTNEED {
		return -defs.EINVAL
	}
	as.Lock_pmap()
	defer as.Unlock_pmap()
	pgn, pglen := pageSpan(addr, length)
	for _, vmi := range as.Vmregion.Overlapping(pgn, pglen) {
		if vmi.Mtype != vmregion.VANON {
			continue
		}
		lo, hi := as.intersect(vmi, pgn, pglen)
		for p := lo; p < hi; p++ {
			as.pageRemove(p << mem.PGSHIFT)
		}
	}
	return 0
}

// Sbrk grows or shrinks the heap region by incr bytes and returns the
// previous break (spec.md §4.C "Stack and heap growth").
func (as *Vm_t) Sbrk(incr int) (uintptr, defs.Err_t) {
	as.Lock_pmap()
	defer as.Unlock_pmap()
	if as.heap == nil {
		return 0, -defs.EINVAL
	}
	oldbrk := as.heap.End()
	switch {
	case incr == 0:
		return oldbrk, 0
	case incr > 0:
		extra := uintptr((incr + mem.PGSIZE - 1) / mem.PGSIZE)
		if !as.Vmregion.GrowUp(as.heap, extra) {
			return 0, -defs.ENOMEM
		}
	default:
		dec := uintptr(-incr / mem.PGSIZE)
		if dec >= as.heap.Pglen {
			dec = as.heap.Pglen - 1
		}
		newlen := as.heap.Pglen - dec
		for p := newlen; p < as.heap.Pglen; p++ {
			as.pageRemove((as.heap.Pgn + p) << mem.PGSHIFT)
		}
		as.Vmregion.Shrink(as.heap, newlen)
	}
	return oldbrk, 0
}

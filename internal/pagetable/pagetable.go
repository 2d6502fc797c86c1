// Package pagetable implements the mechanical, policy-free three-level
// RISC-V Sv39 page table (spec.md §4.B "Page-table layer"). It mirrors
// the shape of biscuit's x86-64 four-level walker (unsafe reinterpret
// of a page as a table, mechanical walk/mappages/unmap/freewalk) but
// targets the spec's actual ISA instead of the teacher's amd64 target,
// and it allocates interior tables from internal/mem instead of the
// teacher's bare-metal recursive self-map.
package pagetable

import (
	"unsafe"

	"rvcore/internal/defs"
	"rvcore/internal/mem"
)

// Pte_t is one Sv39 page-table entry.
type Pte_t uint64

// Sv39 entry flag bits. COW repurposes one of the two reserved-for-
// software (RSW) bits, matching the role biscuit's PTE_COW plays on
// its reserved x86 bit (spec.md §3 "Page-table entry").
const (
	PTE_V   Pte_t = 1 << 0 /// valid
	PTE_R   Pte_t = 1 << 1 /// readable
	PTE_W   Pte_t = 1 << 2 /// writable
	PTE_X   Pte_t = 1 << 3 /// executable
	PTE_U   Pte_t = 1 << 4 /// user-accessible
	PTE_G   Pte_t = 1 << 5 /// global
	PTE_A   Pte_t = 1 << 6 /// accessed
	PTE_D   Pte_t = 1 << 7 /// dirty
	PTE_COW Pte_t = 1 << 8 /// reserved-for-software: copy-on-write
)

const levels = 3
const entsPerLevel = 512

// Pmap_t is one page-table-page's worth of entries.
type Pmap_t [entsPerLevel]Pte_t

func pg2pmap(pg *mem.Pg_t) *Pmap_t {
	return (*Pmap_t)(unsafe.Pointer(pg))
}

// Addr extracts the physical frame address encoded in a PTE.
func (pte Pte_t) Addr() mem.Pa_t {
	ppn := uint64(pte) >> 10
	return mem.Pa_t(ppn << mem.PGSHIFT)
}

func mkpte(pa mem.Pa_t, flags Pte_t) Pte_t {
	ppn := uint64(pa) >> mem.PGSHIFT
	return Pte_t(ppn<<10) | flags
}

func vpn(va uintptr, level int) uint64 {
	return (uint64(va) >> (12 + 9*uint(level))) & 0x1ff
}

// Walk descends the three Sv39 levels for va, allocating missing
// interior tables when alloc is set (spec.md §4.B). It never
// allocates the leaf itself.
func Walk(phys *mem.Physmem_t, root mem.Pa_t, va uintptr, alloc bool) (*Pte_t, defs.Err_t) {
	pm := pg2pmap(phys.Dmap(root))
	for level := levels - 1; level > 0; level-- {
		idx := vpn(va, level)
		pte := &pm[idx]
		if *pte&PTE_V == 0 {
			if !alloc {
				return nil, 0
			}
			_, newpa, ok := phys.AllocTyped(mem.PageTable)
			if !ok {
				return nil, -defs.ENOMEM
			}
			phys.Refup(newpa)
			*pte = mkpte(newpa, PTE_V)
		}
		pm = pg2pmap(phys.Dmap(pte.Addr()))
	}
	idx := vpn(va, 0)
	return &pm[idx], 0
}

// Mappages installs contiguous leaf mappings starting at va, refusing
// to silently overwrite an already-valid entry (spec.md §4.B).
func Mappages(phys *mem.Physmem_t, root mem.Pa_t, va uintptr, size int, pa mem.Pa_t, flags Pte_t) defs.Err_t {
	if size <= 0 {
		return -defs.EINVAL
	}
	start := va &^ uintptr(mem.PGSIZE-1)
	end := (va + uintptr(size) + uintptr(mem.PGSIZE-1)) &^ uintptr(mem.PGSIZE-1)
	for a, p := start, pa; a < end; a, p = a+uintptr(mem.PGSIZE), p+mem.Pa_t(mem.PGSIZE) {
		pte, err := Walk(phys, root, a, true)
		if err != 0 {
			return err
		}
		if *pte&PTE_V != 0 {
			return -defs.EINVAL
		}
		*pte = mkpte(p, flags|PTE_V)
	}
	return 0
}

// Unmap clears npages leaf entries starting at va. It panics if any
// targeted leaf is not valid, catching caller bugs the way the
// teacher's unmap does (spec.md §4.B). When freePA is set the
// underlying frame's reference count is dropped.
func Unmap(phys *mem.Physmem_t, root mem.Pa_t, va uintptr, npages int, freePA bool) {
	a := va &^ uintptr(mem.PGSIZE-1)
	for i := 0; i < npages; i, a = i+1, a+uintptr(mem.PGSIZE) {
		pte, _ := Walk(phys, root, a, false)
		if pte == nil || *pte&PTE_V == 0 {
			panic("pagetable: unmap of an unmapped leaf")
		}
		if freePA {
			phys.Refdown(pte.Addr())
		}
		*pte = 0
	}
}

// Lookup returns the PTE mapping va without allocating anything,
// or nil if no leaf is present at any level.
func Lookup(phys *mem.Physmem_t, root mem.Pa_t, va uintptr) *Pte_t {
	pte, _ := Walk(phys, root, va, false)
	return pte
}

// Freewalk recursively releases interior page-table pages once every
// leaf beneath them has been cleared; it panics on a leaf still
// marked valid (spec.md §4.B). The caller is responsible for freeing
// the root page itself.
func Freewalk(phys *mem.Physmem_t, root mem.Pa_t) {
	freewalkLevel(phys, root, levels-1)
}

func freewalkLevel(phys *mem.Physmem_t, table mem.Pa_t, level int) {
	pm := pg2pmap(phys.Dmap(table))
	for i := range pm {
		pte := pm[i]
		if pte&PTE_V == 0 {
			continue
		}
		isLeaf := pte&(PTE_R|PTE_W|PTE_X) != 0
		if isLeaf {
			panic("pagetable: freewalk encountered a still-mapped leaf")
		}
		child := pte.Addr()
		if level > 0 {
			freewalkLevel(phys, child, level-1)
		}
		phys.Refdown(child)
		pm[i] = 0
	}
}

// SetLeaf installs pa as the physical target of an already-located
// leaf slot with the given flags (PTE_V is added automatically). Used
// by the VM manager to finish resolving a page fault once Walk or
// Lookup has located the leaf.
func SetLeaf(pte *Pte_t, pa mem.Pa_t, flags Pte_t) {
	*pte = mkpte(pa, flags|PTE_V)
}

// NewTable allocates a fresh, zeroed top-level page table.
func NewTable(phys *mem.Physmem_t) (mem.Pa_t, defs.Err_t) {
	_, pa, ok := phys.AllocTyped(mem.PageTable)
	if !ok {
		return 0, -defs.ENOMEM
	}
	phys.Refup(pa)
	return pa, 0
}

package vm

import (
	"rvcore/internal/defs"
	"rvcore/internal/mem"
	"rvcore/internal/pagetable"
	"rvcore/internal/vmregion"
)

// Fork duplicates an address space (spec.md §4.C "Fork"): every
// region is mirrored with identical attributes, and every present PTE
// is duplicated copy-on-write — the source PTE's WRITE bit is cleared
// and COW set, the child gets the same flags, and the frame's
// reference count is bumped. Shared regions (VSANON, and shared file
// mappings) are mirrored without the COW downgrade since both address
// spaces are meant to observe each other's writes.
func (parent *Vm_t) Fork(cpus Cpuset_i) (*Vm_t, defs.Err_t) {
	child, err := NewVm(parent.phys, cpus)
	if err != 0 {
		return nil, err
	}

	parent.Lock_pmap()
	defer parent.Unlock_pmap()

	clones := make(map[*vmregion.Vminfo_t]*vmregion.Vminfo_t)
	for _, vmi := range parent.Vmregion.All() {
		clone := vmi.Clone()
		child.Vmregion.Insert(clone)
		clones[vmi] = clone
	}

	for _, vmi := range parent.Vmregion.All() {
		clone := clones[vmi]
		shared := vmi.Mtype == vmregion.VSANON || (vmi.Mtype == vmregion.VFILE && vmi.Shared())
		npages := int(vmi.Pglen)
		for i := 0; i < npages; i++ {
			va := vmi.Start() + uintptr(i*mem.PGSIZE)
			pte := pagetable.Lookup(parent.phys, parent.Root, va)
			if pte == nil || *pte&pagetable.PTE_V == 0 {
				continue
			}
			pa := pte.Addr()
			flags := *pte &^ pagetable.PTE_V
			if !shared {
				flags = (flags &^ pagetable.PTE_W) | pagetable.PTE_COW
				pagetable.SetLeaf(pte, pa, flags)
			}
			cpte, ok := clone.Ptefor(child.phys, child.Root, va)
			if !ok {
				return nil, -defs.ENOMEM
			}
			parent.phys.Refup(pa)
			pagetable.SetLeaf(cpte, pa, flags)
		}
		if vmi == parent.stack {
			child.stack = clone
		}
		if vmi == parent.heap {
			child.heap = clone
		}
	}

	// Every CPU that might still hold a stale writable translation for
	// the now copy-on-write parent pages must be told (spec.md §4.C
	// "Fork" closing note).
	parent.Tlbshoot(USERMIN, int((USERMAX-USERMIN)>>mem.PGSHIFT))

	child.stackTop = parent.stackTop
	child.stackMax = parent.stackMax
	return child, 0
}

package vm

import (
	"rvcore/internal/defs"
	"rvcore/internal/mem"
	"rvcore/internal/pagetable"
	"rvcore/internal/vmregion"
)

// Pgfault resolves a page fault at address fa with access ecode
// (spec.md §4.C "Demand faulting"). It looks up the region covering
// fa, tries stack growth when no region covers it, and then resolves
// the fault.
func (as *Vm_t) Pgfault(fa uintptr, ecode pagetable.Pte_t) defs.Err_t {
	as.Lock_pmap()
	defer as.Unlock_pmap()

	vmi, ok := as.Vmregion.Lookup(fa)
	if !ok {
		if as.tryGrowStack(fa) {
			vmi, ok = as.Vmregion.Lookup(fa)
		}
		if !ok {
			return -defs.EFAULT
		}
	}
	return sysPgfault(as, vmi, fa, ecode)
}

// tryGrowStack extends the stack region down to fa's page if fa falls
// below its current bottom, provided the grown region stays within
// stackMax pages and does not collide with another region (spec.md
// §4.C "Stack and heap growth").
func (as *Vm_t) tryGrowStack(fa uintptr) bool {
	if as.stack == nil {
		return false
	}
	if fa >= as.stack.Start() {
		return false
	}
	pgn := fa >> mem.PGSHIFT
	extra := as.stack.Pgn - pgn
	if as.stack.Pglen+extra > as.stackMax {
		return false
	}
	return as.Vmregion.GrowDown(as.stack, extra)
}

// InitStack carves out the initial one-page stack region just below
// stackTop and records it for later auto-growth.
func (as *Vm_t) InitStack(perms uint) {
	start := int(as.stackTop) - mem.PGSIZE
	vmi := vmregion.MkAnon(start, mem.PGSIZE, perms)
	as.Vmregion.Insert(vmi)
	as.stack = vmi
}

// InitHeap installs the initial one-page heap region at start, used as
// the growth anchor for Sbrk; the break starts at the end of that page.
func (as *Vm_t) InitHeap(start int, perms uint) {
	vmi := vmregion.MkAnon(start, mem.PGSIZE, perms)
	as.Vmregion.Insert(vmi)
	as.heap = vmi
}

// sysPgfault is the heart of demand paging (spec.md §4.C "Demand
// faulting" step 3), grounded on biscuit's Sys_pgfault.
func sysPgfault(as *Vm_t, vmi *vmregion.Vminfo_t, faultaddr uintptr, ecode pagetable.Pte_t) defs.Err_t {
	iswrite := ecode&pagetable.PTE_W != 0
	writeok := vmi.Perms&uint(pagetable.PTE_W) != 0
	if iswrite && !writeok {
		return -defs.EFAULT
	}
	if ecode&pagetable.PTE_U == 0 {
		panic("vm: kernel page fault")
	}
	if vmi.Mtype == vmregion.VSANON {
		panic("vm: shared anon pages must always be mapped")
	}

	pte, ok := vmi.Ptefor(as.phys, as.Root, faultaddr)
	if !ok {
		return -defs.ENOMEM
	}
	if (iswrite && *pte&pagetable.PTE_V != 0 && *pte&pagetable.PTE_W != 0) ||
		(!iswrite && *pte&pagetable.PTE_V != 0) {
		// two faults raced on the same page, or the fault was spurious
		return 0
	}

	var ppg mem.Pa_t
	perms := pagetable.PTE_U

	switch {
	case vmi.Mtype == vmregion.VFILE && vmi.Shared():
		// A shared file mapping installs the page cache's own frame
		// directly (spec.md §4.C "obtain the page from the file's
		// page cache... take a reference, and install the mapping"):
		// every mapper and every buffered reader/writer of the same
		// block then see one copy of the bytes, and a write fault's
		// later writeback/msync sees exactly what was written through
		// the PTE, with no separate copy-back step. A write fault
		// asks Filepage to allocate a hole's block and mark the page
		// dirty now, since no further fault will occur on subsequent
		// stores to the same page.
		pa, _, err := vmi.Filepage(as.phys, faultaddr, iswrite)
		if err != 0 {
			return err
		}
		perms |= pagetable.PTE_R
		if vmi.Perms&uint(pagetable.PTE_X) != 0 {
			perms |= pagetable.PTE_X
		}
		if pa == 0 {
			// hole past end of file: a read fault gets the shared
			// zero page; a later write re-enters with iswrite=true
			// and Filepage allocates the block.
			ppg = as.phys.P_zeropg
		} else {
			ppg = pa
			if iswrite {
				perms |= pagetable.PTE_W
			}
		}
	case iswrite:
		cow := *pte&pagetable.PTE_COW != 0
		if cow {
			old := pte.Addr()
			if vmi.Mtype == vmregion.VANON && as.phys.Refcnt(old) == 1 && old != as.phys.P_zeropg {
				pagetable.SetLeaf(pte, old, (*pte&^pagetable.PTE_COW)|pagetable.PTE_W)
				as.Tlbshoot(faultaddr, 1)
				return 0
			}
			newpg, newpa, ok := as.phys.Refpg_new_nozero()
			if !ok {
				return -defs.ENOMEM
			}
			*newpg = *as.phys.Dmap(old)
			ppg = newpa
		} else {
			switch vmi.Mtype {
			case vmregion.VANON:
				newpg, newpa, ok := as.phys.Refpg_new()
				if !ok {
					return -defs.ENOMEM
				}
				_ = newpg
				ppg = newpa
			case vmregion.VFILE:
				// A private mapping must never let its writes reach
				// the backing file or another mapper, so it always
				// takes a true copy of the source bytes rather than
				// writing through Filepage's frame directly — the one
				// place file-backed demand paging still diverges
				// between MAP_SHARED and MAP_PRIVATE. The read-only
				// fetch above already goes through the page cache
				// when the file supports it, so concurrent private
				// and shared mappers still share one cached copy up
				// until this copy-out.
				pa, _, err := vmi.Filepage(as.phys, faultaddr, false)
				if err != 0 {
					return err
				}
				newpg, newpa, ok := as.phys.Refpg_new_nozero()
				if !ok {
					if pa != 0 {
						as.phys.Refup(pa)
						as.phys.Refdown(pa)
					}
					return -defs.ENOMEM
				}
				if pa == 0 {
					*newpg = mem.Pg_t{}
				} else {
					*newpg = *as.phys.Dmap(pa)
					// Release Filepage's frame: a no-op on a
					// cache-owned page (still pinned by the cache
					// itself) or a reclaim of an uncached private
					// frame, which Filepage's legacy fallback path
					// hands back with a refcount of zero (Refdown
					// panics on an already-zero refcount without this
					// bracketing Refup).
					as.phys.Refup(pa)
					as.phys.Refdown(pa)
				}
				ppg = newpa
			default:
				panic("vm: unreachable mtype")
			}
		}
		perms |= pagetable.PTE_R | pagetable.PTE_W
		if vmi.Perms&uint(pagetable.PTE_X) != 0 {
			perms |= pagetable.PTE_X
		}
	default:
		switch vmi.Mtype {
		case vmregion.VANON:
			ppg = as.phys.P_zeropg
		case vmregion.VFILE:
			pa, _, err := vmi.Filepage(as.phys, faultaddr, false)
			if err != 0 {
				return err
			}
			if pa == 0 {
				ppg = as.phys.P_zeropg
			} else {
				ppg = pa
			}
		default:
			panic("vm: unreachable mtype")
		}
		perms |= pagetable.PTE_R
		if vmi.Perms&uint(pagetable.PTE_X) != 0 {
			perms |= pagetable.PTE_X
		}
	}

	tshoot, ok := as.pageInsert(faultaddr, ppg, perms, pte)
	if !ok {
		as.phys.Refdown(ppg)
		return -defs.ENOMEM
	}
	if tshoot {
		as.Tlbshoot(faultaddr, 1)
	}
	return 0
}

// pageInsert installs ppg at the already-located leaf pte with perms,
// bumping ppg's reference count. It reports whether a present mapping
// was replaced (forcing a TLB shootdown) and whether the insertion
// succeeded.
func (as *Vm_t) pageInsert(va uintptr, ppg mem.Pa_t, perms pagetable.Pte_t, pte *pagetable.Pte_t) (bool, bool) {
	as.phys.Refup(ppg)
	ninval := false
	if *pte&pagetable.PTE_V != 0 {
		ninval = true
		old := pte.Addr()
		as.phys.Refdown(old)
	}
	pagetable.SetLeaf(pte, ppg, perms)
	return ninval, true
}

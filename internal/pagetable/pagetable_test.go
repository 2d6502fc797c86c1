package pagetable

import (
	"testing"

	"rvcore/internal/mem"
)

func newPhys(t *testing.T) *mem.Physmem_t {
	t.Helper()
	return mem.New(256)
}

func TestMappagesAndLookup(t *testing.T) {
	phys := newPhys(t)
	root, err := NewTable(phys)
	if err != 0 {
		t.Fatalf("NewTable: %v", err)
	}

	_, pa, ok := phys.Refpg_new()
	if !ok {
		t.Fatal("out of frames")
	}
	phys.Refup(pa)

	va := uintptr(0x1000)
	if err := Mappages(phys, root, va, mem.PGSIZE, pa, PTE_R|PTE_W|PTE_U); err != 0 {
		t.Fatalf("Mappages: %v", err)
	}

	pte := Lookup(phys, root, va)
	if pte == nil || *pte&PTE_V == 0 {
		t.Fatal("expected a valid leaf after Mappages")
	}
	if pte.Addr() != pa {
		t.Fatalf("Addr() = %#x, want %#x", pte.Addr(), pa)
	}
	if *pte&PTE_W == 0 || *pte&PTE_U == 0 {
		t.Fatal("expected W and U flags to survive")
	}
}

func TestMappagesRefusesOverwrite(t *testing.T) {
	phys := newPhys(t)
	root, _ := NewTable(phys)
	_, pa1, _ := phys.Refpg_new()
	phys.Refup(pa1)
	_, pa2, _ := phys.Refpg_new()
	phys.Refup(pa2)

	va := uintptr(0x2000)
	if err := Mappages(phys, root, va, mem.PGSIZE, pa1, PTE_R); err != 0 {
		t.Fatalf("first Mappages: %v", err)
	}
	if err := Mappages(phys, root, va, mem.PGSIZE, pa2, PTE_R); err == 0 {
		t.Fatal("expected Mappages to refuse overwriting a valid leaf")
	}
}

func TestUnmapThenFreewalk(t *testing.T) {
	phys := newPhys(t)
	root, _ := NewTable(phys)
	_, pa, _ := phys.Refpg_new()
	phys.Refup(pa)

	va := uintptr(0x400000) // crosses into a distinct level-1 table
	if err := Mappages(phys, root, va, mem.PGSIZE, pa, PTE_R); err != 0 {
		t.Fatalf("Mappages: %v", err)
	}

	Unmap(phys, root, va, 1, true)
	if pte := Lookup(phys, root, va); pte != nil && *pte&PTE_V != 0 {
		t.Fatal("expected entry cleared after Unmap")
	}
	if phys.Refcnt(pa) != 0 {
		t.Fatalf("expected refcnt 0 after freeing unmap, got %d", phys.Refcnt(pa))
	}

	// All leaves are gone; freewalk must not panic and must release
	// every interior table it allocated.
	before := phys.Free()
	Freewalk(phys, root)
	phys.Refdown(root)
	if phys.Free() <= before {
		t.Fatalf("expected freewalk to reclaim interior tables: before=%d after=%d", before, phys.Free())
	}
}

func TestUnmapOfUnmappedPanics(t *testing.T) {
	phys := newPhys(t)
	root, _ := NewTable(phys)
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic unmapping an unmapped leaf")
		}
	}()
	Unmap(phys, root, 0x9000, 1, false)
}

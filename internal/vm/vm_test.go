package vm

import (
	"testing"

	"rvcore/internal/mem"
	"rvcore/internal/pagetable"
)

func newAs(t *testing.T) (*Vm_t, *mem.Physmem_t) {
	t.Helper()
	phys := mem.New(512)
	as, err := NewVm(phys, nil)
	if err != 0 {
		t.Fatalf("NewVm: %v", err)
	}
	return as, phys
}

func TestAnonReadFaultGivesZeroPage(t *testing.T) {
	as, _ := newAs(t)
	as.Vmadd_anon(0x10000, mem.PGSIZE, uint(pagetable.PTE_R)|uint(pagetable.PTE_W))

	buf, err := as.Userdmap8r(0x10000)
	if err != 0 {
		t.Fatalf("Userdmap8r: %v", err)
	}
	for _, b := range buf {
		if b != 0 {
			t.Fatal("expected a freshly faulted anon page to read as zero")
		}
	}
}

func TestWriteFaultAllocatesPrivatePage(t *testing.T) {
	as, _ := newAs(t)
	as.Vmadd_anon(0x20000, mem.PGSIZE, uint(pagetable.PTE_R)|uint(pagetable.PTE_W))

	if err := as.Userwriten(0x20000, 4, 0xdeadbeef); err != 0 {
		t.Fatalf("Userwriten: %v", err)
	}
	v, err := as.Userreadn(0x20000, 4)
	if err != 0 {
		t.Fatalf("Userreadn: %v", err)
	}
	if v != 0xdeadbeef&0xffffffff {
		t.Fatalf("readback = %#x, want %#x", v, 0xdeadbeef)
	}
}

func TestCowForkRoundTrip(t *testing.T) {
	as, phys := newAs(t)
	as.Vmadd_anon(0x30000, mem.PGSIZE, uint(pagetable.PTE_R)|uint(pagetable.PTE_W))

	if err := as.Userwriten(0x30000, 1, 0xAB); err != 0 {
		t.Fatalf("parent write: %v", err)
	}

	child, err := as.Fork(nil)
	if err != 0 {
		t.Fatalf("Fork: %v", err)
	}

	if err := as.Userwriten(0x30000, 1, 0xCD); err != 0 {
		t.Fatalf("parent post-fork write: %v", err)
	}

	pv, err := as.Userreadn(0x30000, 1)
	if err != 0 {
		t.Fatalf("parent read: %v", err)
	}
	if pv != 0xCD {
		t.Fatalf("parent byte = %#x, want 0xCD", pv)
	}

	cv, err := child.Userreadn(0x30000, 1)
	if err != 0 {
		t.Fatalf("child read: %v", err)
	}
	if cv != 0xAB {
		t.Fatalf("child byte = %#x, want 0xAB (COW isolation broken)", cv)
	}
	_ = phys
}

func TestMmapMunmap(t *testing.T) {
	as, _ := newAs(t)
	start, err := as.Mmap(0, mem.PGSIZE, PROT_READ|PROT_WRITE, MAP_ANON|MAP_PRIVATE, nil, 0)
	if err != 0 {
		t.Fatalf("Mmap: %v", err)
	}
	if err := as.Userwriten(start, 2, 0x1234); err != 0 {
		t.Fatalf("write into mmap region: %v", err)
	}
	if err := as.Munmap(start, mem.PGSIZE); err != 0 {
		t.Fatalf("Munmap: %v", err)
	}
	if _, ok := as.Vmregion.Lookup(start); ok {
		t.Fatal("expected region gone after munmap")
	}
}

func TestMprotectSplitsRegion(t *testing.T) {
	as, _ := newAs(t)
	as.Vmadd_anon(0x40000, 3*mem.PGSIZE, uint(pagetable.PTE_R)|uint(pagetable.PTE_W))
	if err := as.Mprotect(0x40000+uintptr(mem.PGSIZE), mem.PGSIZE, PROT_READ); err != 0 {
		t.Fatalf("Mprotect: %v", err)
	}
	mid, ok := as.Vmregion.Lookup(0x40000 + uintptr(mem.PGSIZE))
	if !ok {
		t.Fatal("expected middle region to survive split")
	}
	if mid.Perms&uint(pagetable.PTE_W) != 0 {
		t.Fatal("expected middle region to have lost write permission")
	}
	head, ok := as.Vmregion.Lookup(0x40000)
	if !ok || head.Perms&uint(pagetable.PTE_W) == 0 {
		t.Fatal("expected the untouched head region to keep write permission")
	}
}

func TestSbrkGrowsHeap(t *testing.T) {
	as, _ := newAs(t)
	as.InitHeap(0x50000, uint(pagetable.PTE_R)|uint(pagetable.PTE_W))

	old, err := as.Sbrk(mem.PGSIZE)
	if err != 0 {
		t.Fatalf("Sbrk grow: %v", err)
	}
	grown, err := as.Sbrk(0)
	if err != 0 {
		t.Fatalf("Sbrk probe: %v", err)
	}
	if grown != old+uintptr(mem.PGSIZE) {
		t.Fatalf("heap end = %#x, want %#x", grown, old+uintptr(mem.PGSIZE))
	}
}

func TestStackAutoGrows(t *testing.T) {
	as, _ := newAs(t)
	as.InitStack(uint(pagetable.PTE_R) | uint(pagetable.PTE_W))

	below := as.stack.Start() - uintptr(mem.PGSIZE)
	if err := as.Userwriten(below, 1, 0x42); err != 0 {
		t.Fatalf("expected stack auto-growth to satisfy the fault: %v", err)
	}
	if as.stack.Pglen != 2 {
		t.Fatalf("stack pages = %d, want 2", as.stack.Pglen)
	}
}

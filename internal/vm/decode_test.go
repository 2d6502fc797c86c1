package vm

import (
	"testing"

	"rvcore/internal/pagetable"
)

func TestRefineEcodeAddsWriteForStore(t *testing.T) {
	// sw x1, 0(x2)
	sw := []byte{0x23, 0x20, 0x11, 0x00}
	got := RefineEcode(sw, pagetable.PTE_U)
	if got&pagetable.PTE_W == 0 {
		t.Fatalf("expected PTE_W set for store instruction, got %#x", got)
	}
	if got&pagetable.PTE_R != 0 {
		t.Fatalf("did not expect PTE_R set for a plain store, got %#x", got)
	}
}

func TestRefineEcodeAddsReadForLoad(t *testing.T) {
	// lw x1, 0(x2)
	lw := []byte{0x83, 0x20, 0x01, 0x00}
	got := RefineEcode(lw, pagetable.PTE_U)
	if got&pagetable.PTE_R == 0 {
		t.Fatalf("expected PTE_R set for load instruction, got %#x", got)
	}
	if got&pagetable.PTE_W != 0 {
		t.Fatalf("did not expect PTE_W set for a plain load, got %#x", got)
	}
}

func TestRefineEcodeAddsBothForAtomic(t *testing.T) {
	// amoswap.w x1, x3, (x2)
	amoswap := []byte{0xaf, 0x20, 0x31, 0x08}
	got := RefineEcode(amoswap, pagetable.PTE_U)
	if got&pagetable.PTE_R == 0 || got&pagetable.PTE_W == 0 {
		t.Fatalf("expected both PTE_R and PTE_W set for an atomic op, got %#x", got)
	}
}

func TestRefineEcodeLeavesEcodeOnDecodeFailure(t *testing.T) {
	garbage := []byte{0xff, 0xff, 0xff, 0xff}
	got := RefineEcode(garbage, pagetable.PTE_U)
	if got != pagetable.PTE_U {
		t.Fatalf("expected ecode unchanged on decode failure, got %#x", got)
	}
}

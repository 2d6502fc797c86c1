package vm

import (
	"strings"

	"golang.org/x/arch/riscv64/riscv64asm"

	"rvcore/internal/pagetable"
)

// storeMnemonics and loadMnemonics list the RISC-V opcodes whose access
// kind the trap cause alone cannot disambiguate: atomics need both a
// read and a write, and the compressed/floating encodings collapse onto
// the same trap cause as their base-ISA counterparts.
var (
	storeMnemonics = map[string]bool{
		"sb": true, "sh": true, "sw": true, "sd": true,
		"c.sw": true, "c.sd": true, "c.swsp": true, "c.sdsp": true,
		"fsw": true, "fsd": true,
	}
	loadMnemonics = map[string]bool{
		"lb": true, "lh": true, "lw": true, "ld": true, "lbu": true, "lhu": true, "lwu": true,
		"c.lw": true, "c.ld": true, "c.lwsp": true, "c.ldsp": true,
		"flw": true, "fld": true,
	}
)

// RefineEcode decodes the faulting instruction's raw bytes and folds the
// decoded access kind into ecode, for faults whose trap cause leaves
// read/write/exec ambiguous (spec.md ambient "Instruction decoding").
// A trap dispatcher reads instr from the faulting PC and calls this
// before handing ecode to Pgfault; decode failure leaves ecode as given.
// Grounded on the teacher's unused golang.org/x/arch dependency, whose
// x86 sibling (x86/x86asm) fills the equivalent role in biscuit's x86
// trap path.
func RefineEcode(instr []byte, ecode pagetable.Pte_t) pagetable.Pte_t {
	inst, err := riscv64asm.Decode(instr)
	if err != nil {
		return ecode
	}
	mnem := strings.ToLower(inst.Op.String())
	switch {
	case isAtomic(mnem):
		return ecode | pagetable.PTE_R | pagetable.PTE_W
	case storeMnemonics[mnem]:
		return ecode | pagetable.PTE_W
	case loadMnemonics[mnem]:
		return ecode | pagetable.PTE_R
	default:
		return ecode
	}
}

// isAtomic reports whether mnem names an AMO or LR/SC instruction: every
// one of them reads the memory operand before (re)writing it.
func isAtomic(mnem string) bool {
	if len(mnem) >= 3 && mnem[:3] == "amo" {
		return true
	}
	switch mnem {
	case "lr.w", "lr.d", "sc.w", "sc.d":
		return true
	}
	return false
}

package elfexec

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"testing"

	"rvcore/internal/defs"
	"rvcore/internal/fdops"
	"rvcore/internal/mem"
	"rvcore/internal/vm"
)

// buildELF64 hand-assembles a minimal little-endian ELF64 executable
// with a single PT_LOAD segment, since debug/elf has no writer side.
func buildELF64(machine elf.Machine, class elf.Class) []byte {
	const ehsize = 64
	const phsize = 56

	buf := make([]byte, ehsize+phsize+mem_PGSIZE)
	// e_ident
	buf[0], buf[1], buf[2], buf[3] = 0x7f, 'E', 'L', 'F'
	buf[4] = byte(class)
	buf[5] = 1 // ELFDATA2LSB
	buf[6] = 1 // EV_CURRENT

	le := binary.LittleEndian
	le.PutUint16(buf[16:], uint16(elf.ET_EXEC))
	le.PutUint16(buf[18:], uint16(machine))
	le.PutUint32(buf[20:], 1) // e_version
	le.PutUint64(buf[24:], 0x1000)
	le.PutUint64(buf[32:], ehsize) // e_phoff
	le.PutUint16(buf[52:], ehsize) // e_ehsize
	le.PutUint16(buf[54:], phsize) // e_phentsize
	le.PutUint16(buf[56:], 1)      // e_phnum

	ph := buf[ehsize:]
	le.PutUint32(ph[0:], uint32(elf.PT_LOAD))
	le.PutUint32(ph[4:], uint32(elf.PF_R|elf.PF_X))
	le.PutUint64(ph[8:], ehsize+phsize)  // p_offset
	le.PutUint64(ph[16:], 0x1000)        // p_vaddr
	le.PutUint64(ph[24:], 0x1000)        // p_paddr
	le.PutUint64(ph[32:], mem_PGSIZE)    // p_filesz
	le.PutUint64(ph[40:], mem_PGSIZE)    // p_memsz
	le.PutUint64(ph[48:], 0x1000)        // p_align
	return buf
}

const mem_PGSIZE = 4096

func TestLoadAcceptsValidRiscv64Executable(t *testing.T) {
	raw := buildELF64(elf.EM_RISCV, elf.ELFCLASS64)
	img, err := Load(bytes.NewReader(raw))
	if err != 0 {
		t.Fatalf("Load: %v", err)
	}
	if img.Entry != 0x1000 {
		t.Fatalf("Entry = %#x, want 0x1000", img.Entry)
	}
	if len(img.Segments) != 1 {
		t.Fatalf("Segments = %d, want 1", len(img.Segments))
	}
	seg := img.Segments[0]
	if seg.Vaddr != 0x1000 || seg.Memsz != mem_PGSIZE {
		t.Fatalf("unexpected segment %+v", seg)
	}
}

func TestLoadRejectsWrongMachine(t *testing.T) {
	raw := buildELF64(elf.EM_X86_64, elf.ELFCLASS64)
	if _, err := Load(bytes.NewReader(raw)); err == 0 {
		t.Fatal("expected Load to reject a non-RISC-V machine type")
	}
}

func TestLoadRejects32Bit(t *testing.T) {
	raw := buildELF64(elf.EM_RISCV, elf.ELFCLASS64)
	raw[4] = 1 // ELFCLASS32
	if _, err := Load(bytes.NewReader(raw)); err == 0 {
		t.Fatal("expected Load to reject a 32-bit class")
	}
}

// fakeFile implements fdops.Fdops_i over an in-memory ELF image,
// enough surface for Map's Lseek+Read of a segment's boundary page.
type fakeFile struct {
	data []byte
	off  int
}

func (f *fakeFile) Read(dst fdops.Userio_i) (int, defs.Err_t) {
	end := f.off + dst.Remain()
	if end > len(f.data) {
		end = len(f.data)
	}
	n, err := dst.Uiowrite(f.data[f.off:end])
	f.off += n
	return n, err
}
func (f *fakeFile) Write(src fdops.Userio_i) (int, defs.Err_t) { return 0, -defs.EINVAL }
func (f *fakeFile) Lseek(off int, whence int) (int, defs.Err_t) {
	f.off = off
	return f.off, 0
}
func (f *fakeFile) Fstat(st fdops.StatWriter) defs.Err_t               { return 0 }
func (f *fakeFile) Fsync() defs.Err_t                                  { return 0 }
func (f *fakeFile) Close() defs.Err_t                                  { return 0 }
func (f *fakeFile) Reopen() defs.Err_t                                 { return 0 }
func (f *fakeFile) Poll(fdops.Pollmsg_t) (fdops.Ready_t, defs.Err_t)   { return 0, 0 }

// buildELFWithSegment hand-assembles a single-PT_LOAD ELF64/RISC-V
// image at a fixed p_vaddr, with fileData (length filesz) followed by
// trailing bytes that belong to neither this segment's file data nor
// any mapping, the way a next section or segment's bytes would sit
// past Filesz in a real object file.
func buildELFWithSegment(filesz, memsz int, fileData, trailing []byte) []byte {
	const ehsize = 64
	const phsize = 56
	const vaddr = 0x2000
	offset := ehsize + phsize

	buf := make([]byte, offset+len(fileData)+len(trailing))
	buf[0], buf[1], buf[2], buf[3] = 0x7f, 'E', 'L', 'F'
	buf[4] = byte(elf.ELFCLASS64)
	buf[5] = 1
	buf[6] = 1

	le := binary.LittleEndian
	le.PutUint16(buf[16:], uint16(elf.ET_EXEC))
	le.PutUint16(buf[18:], uint16(elf.EM_RISCV))
	le.PutUint32(buf[20:], 1)
	le.PutUint64(buf[24:], vaddr)
	le.PutUint64(buf[32:], ehsize)
	le.PutUint16(buf[52:], ehsize)
	le.PutUint16(buf[54:], phsize)
	le.PutUint16(buf[56:], 1)

	ph := buf[ehsize:]
	le.PutUint32(ph[0:], uint32(elf.PT_LOAD))
	le.PutUint32(ph[4:], uint32(elf.PF_R|elf.PF_W))
	le.PutUint64(ph[8:], uint64(offset))
	le.PutUint64(ph[16:], vaddr)
	le.PutUint64(ph[24:], vaddr)
	le.PutUint64(ph[32:], uint64(filesz))
	le.PutUint64(ph[40:], uint64(memsz))
	le.PutUint64(ph[48:], 0x1000)

	copy(buf[offset:], fileData)
	copy(buf[offset+len(fileData):], trailing)
	return buf
}

// TestMapSplitsFileBoundaryAndBSSRegions builds a segment whose Filesz
// ends mid-page and whose Memsz extends a further two pages past that,
// then checks every region Map installs: the whole file-backed pages,
// the boundary page (real data up to Filesz, zero after — never the
// trailing bytes that happen to follow in the ELF file), and the
// anonymous BSS pages beyond it.
func TestMapSplitsFileBoundaryAndBSSRegions(t *testing.T) {
	const pg = mem.PGSIZE
	const vaddr = 0x2000

	fileData := make([]byte, pg+100)
	for i := 0; i < pg; i++ {
		fileData[i] = 0xAA
	}
	for i := pg; i < len(fileData); i++ {
		fileData[i] = 0xBB
	}
	trailing := bytes.Repeat([]byte{0xFF}, 200)

	memsz := len(fileData) + 2*pg
	raw := buildELFWithSegment(len(fileData), memsz, fileData, trailing)

	img, err := Load(bytes.NewReader(raw))
	if err != 0 {
		t.Fatalf("Load: %v", err)
	}

	phys := mem.New(256)
	as, err := vm.NewVm(phys, vm.NoShootdown{})
	if err != 0 {
		t.Fatalf("NewVm: %v", err)
	}
	fops := &fakeFile{data: raw}

	if err := Map(as, fops, img); err != 0 {
		t.Fatalf("Map: %v", err)
	}

	checkByte := func(va uintptr, want byte) {
		t.Helper()
		var got [1]byte
		if err := as.User2k(got[:], va); err != 0 {
			t.Fatalf("User2k(%#x): %v", va, err)
		}
		if got[0] != want {
			t.Fatalf("byte at %#x = %#x, want %#x", va, got[0], want)
		}
	}

	checkByte(vaddr, 0xAA)
	checkByte(vaddr+uintptr(pg-1), 0xAA)
	checkByte(vaddr+uintptr(pg), 0xBB)
	checkByte(vaddr+uintptr(pg+99), 0xBB)
	// Past the segment's real Filesz but still inside the boundary
	// page: must read zero, not the trailing garbage bytes that
	// happen to follow this segment's data in the ELF file.
	checkByte(vaddr+uintptr(pg+100), 0)
	checkByte(vaddr+uintptr(2*pg-1), 0)
	// The anonymous BSS region beyond the boundary page.
	checkByte(vaddr+uintptr(2*pg), 0)
	checkByte(vaddr+uintptr(memsz-1), 0)
}

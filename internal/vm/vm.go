// Package vm implements the VM manager (spec.md §4.C): address-space
// creation, demand-fault handling, copy-on-write fork, the mmap
// family, and the user/kernel copy routines every syscall uses to
// move bytes across the privilege boundary. It is adapted from
// biscuit's vm package (vm/as.go, vm/userbuf.go), generalized from the
// teacher's amd64 four-level tables to the RISC-V Sv39 three-level
// tables in internal/pagetable, and from a bare-metal TLB-shootdown
// broadcast to an injectable Cpuset_i hook (there is no interrupt
// controller or scheduler in this module's scope, spec.md §1).
package vm

import (
	"sync"

	"rvcore/internal/defs"
	"rvcore/internal/fdops"
	"rvcore/internal/mem"
	"rvcore/internal/pagetable"
	"rvcore/internal/res"
	"rvcore/internal/ustr"
	"rvcore/internal/vmregion"
)

// USERMIN is the lowest virtual address ever handed to a user mapping;
// unlike the teacher's recursively-mapped x86 layout, nothing below it
// is reserved for self-mapping, since this module has no direct-map
// bootstrap to protect (internal/mem's package doc comment).
const USERMIN = uintptr(mem.PGSIZE)

// USERMAX bounds the user half of a Sv39 address space (2^38, leaving
// the canonical-hole and kernel half untouched).
const USERMAX = uintptr(1) << 38

// Cpuset_i abstracts "every hart that might have this address space's
// translations cached", replacing the teacher's APIC-ID broadcast
// (runtime.Condflush / tlb_shootdown in vm/as.go) with a hook the
// embedder supplies; a single-hart embedder can pass NoShootdown{}.
type Cpuset_i interface {
	Shootdown(root mem.Pa_t, startva uintptr, pgcount int)
}

// NoShootdown is a Cpuset_i for configurations with only one
// translation-cache to worry about (e.g. tests, or a uniprocessor
// embedding).
type NoShootdown struct{}

func (NoShootdown) Shootdown(mem.Pa_t, uintptr, int) {}

// Vm_t represents one process address space (spec.md §3 "Address
// space"). The mutex protects Vmregion, Root and every PTE reachable
// from it.
type Vm_t struct {
	sync.Mutex
	phys *mem.Physmem_t
	cpus Cpuset_i

	Vmregion vmregion.Vmregion_t
	Root     mem.Pa_t

	stack     *vmregion.Vminfo_t
	stackTop  uintptr
	stackMax  uintptr // pages
	heap      *vmregion.Vminfo_t

	pgfltaken bool
}

// NewVm allocates an empty address space with a fresh root table and
// no regions (spec.md §4.C "vm_init"; trap-frame/trampoline mapping is
// an embedder concern outside this module's scope, spec.md §1).
func NewVm(phys *mem.Physmem_t, cpus Cpuset_i) (*Vm_t, defs.Err_t) {
	root, err := pagetable.NewTable(phys)
	if err != 0 {
		return nil, err
	}
	if cpus == nil {
		cpus = NoShootdown{}
	}
	return &Vm_t{phys: phys, cpus: cpus, Root: root, stackTop: USERMAX - uintptr(mem.PGSIZE), stackMax: 8192}, 0
}

// Lock_pmap acquires the address-space mutex and marks that page-fault
// handling may be in progress, for Lockassert_pmap's deadlock check.
func (as *Vm_t) Lock_pmap() {
	as.Lock()
	as.pgfltaken = true
}

// Unlock_pmap releases the address-space mutex.
func (as *Vm_t) Unlock_pmap() {
	as.pgfltaken = false
	as.Unlock()
}

// Lockassert_pmap panics if the address-space mutex is not held.
func (as *Vm_t) Lockassert_pmap() {
	if !as.pgfltaken {
		panic("vm: pmap lock must be held")
	}
}

// Userdmap8_inner maps the user byte at va, faulting it in if needed,
// and returns the direct-mapped slice starting at va through the end
// of its containing page. k2u distinguishes a kernel-initiated write
// to user memory from a user-initiated access, mirroring the
// teacher's Userdmap8_inner.
func (as *Vm_t) Userdmap8_inner(va uintptr, k2u bool) ([]uint8, defs.Err_t) {
	as.Lockassert_pmap()

	voff := va & mem.PGOFFSET
	vmi, ok := as.Vmregion.Lookup(va)
	if !ok {
		if as.tryGrowStack(va) {
			vmi, ok = as.Vmregion.Lookup(va)
		}
		if !ok {
			return nil, -defs.EFAULT
		}
	}
	pte, ok := vmi.Ptefor(as.phys, as.Root, va)
	if !ok {
		return nil, -defs.ENOMEM
	}

	ecode := pagetable.PTE_U
	needfault := true
	isp := *pte&pagetable.PTE_V != 0
	if k2u {
		ecode |= pagetable.PTE_W
		iscow := *pte&pagetable.PTE_COW != 0
		if isp && !iscow {
			needfault = false
		}
	} else if isp {
		needfault = false
	}

	if needfault {
		if err := sysPgfault(as, vmi, va, ecode); err != 0 {
			return nil, err
		}
		pte, ok = vmi.Ptefor(as.phys, as.Root, va)
		if !ok {
			return nil, -defs.ENOMEM
		}
	}

	pg := as.phys.Dmap(pte.Addr())
	return pg[voff:], 0
}

func (as *Vm_t) userdmap8(va uintptr, k2u bool) ([]uint8, defs.Err_t) {
	as.Lock_pmap()
	defer as.Unlock_pmap()
	return as.Userdmap8_inner(va, k2u)
}

// Userdmap8r maps va for a read access.
func (as *Vm_t) Userdmap8r(va uintptr) ([]uint8, defs.Err_t) {
	return as.userdmap8(va, false)
}

// Userreadn reads up to 8 bytes at va as a little-endian integer.
func (as *Vm_t) Userreadn(va uintptr, n int) (int, defs.Err_t) {
	as.Lock_pmap()
	defer as.Unlock_pmap()
	return as.userreadnInner(va, n)
}

func (as *Vm_t) userreadnInner(va uintptr, n int) (int, defs.Err_t) {
	as.Lockassert_pmap()
	if n > 8 {
		panic("vm: userreadn n too large")
	}
	var ret int
	for i := 0; i < n; {
		src, err := as.Userdmap8_inner(va+uintptr(i), false)
		if err != 0 {
			return 0, err
		}
		l := n - i
		if len(src) < l {
			l = len(src)
		}
		var v int
		for j := 0; j < l; j++ {
			v |= int(src[j]) << (8 * uint(j))
		}
		ret |= v << (8 * uint(i))
		i += l
	}
	return ret, 0
}

// Userwriten writes the low n bytes of val to va.
func (as *Vm_t) Userwriten(va uintptr, n, val int) defs.Err_t {
	if n > 8 {
		panic("vm: userwriten n too large")
	}
	as.Lock_pmap()
	defer as.Unlock_pmap()
	for i := 0; i < n; {
		v := val >> (8 * uint(i))
		dst, err := as.Userdmap8_inner(va+uintptr(i), true)
		if err != 0 {
			return err
		}
		l := n - i
		if len(dst) < l {
			l = len(dst)
		}
		for j := 0; j < l; j++ {
			dst[j] = uint8(v >> (8 * uint(j)))
		}
		i += l
	}
	return 0
}

// Userstr copies a NUL-terminated string from user space, up to
// lenmax bytes.
func (as *Vm_t) Userstr(uva uintptr, lenmax int) (ustr.Ustr, defs.Err_t) {
	if lenmax < 0 {
		return nil, 0
	}
	as.Lock_pmap()
	defer as.Unlock_pmap()
	s := ustr.MkUstr()
	i := uintptr(0)
	for {
		str, err := as.Userdmap8_inner(uva+i, false)
		if err != 0 {
			return s, err
		}
		for j, c := range str {
			if c == 0 {
				s = append(s, str[:j]...)
				return s, 0
			}
		}
		s = append(s, str...)
		i += uintptr(len(str))
		if len(s) >= lenmax {
			return nil, -defs.ENAMETOOLONG
		}
	}
}

// K2user copies src into user memory starting at uva.
func (as *Vm_t) K2user(src []uint8, uva uintptr) defs.Err_t {
	as.Lock_pmap()
	defer as.Unlock_pmap()
	return as.k2userInner(src, uva)
}

func (as *Vm_t) k2userInner(src []uint8, uva uintptr) defs.Err_t {
	as.Lockassert_pmap()
	var budget res.Budget
	cnt := 0
	l := len(src)
	for cnt != l {
		if err := budget.Admit(res.SiteK2user); err != 0 {
			return err
		}
		dst, err := as.Userdmap8_inner(uva+uintptr(cnt), true)
		if err != 0 {
			return err
		}
		n := copy(dst, src)
		src = src[n:]
		cnt += n
	}
	return 0
}

// User2k copies len(dst) bytes from user memory at uva into dst.
func (as *Vm_t) User2k(dst []uint8, uva uintptr) defs.Err_t {
	as.Lock_pmap()
	defer as.Unlock_pmap()
	return as.user2kInner(dst, uva)
}

func (as *Vm_t) user2kInner(dst []uint8, uva uintptr) defs.Err_t {
	as.Lockassert_pmap()
	var budget res.Budget
	cnt := 0
	for len(dst) != 0 {
		if err := budget.Admit(res.SiteUser2k); err != 0 {
			return err
		}
		src, err := as.Userdmap8_inner(uva+uintptr(cnt), false)
		if err != 0 {
			return err
		}
		n := copy(dst, src)
		dst = dst[n:]
		cnt += n
	}
	return 0
}

// Tlbshoot invalidates pgcount translations starting at startva on
// every hart that might cache this address space (spec.md §4.C
// "Demand faulting" closing note, §5 "remote sfence").
func (as *Vm_t) Tlbshoot(startva uintptr, pgcount int) {
	if pgcount == 0 {
		return
	}
	as.cpus.Shootdown(as.Root, startva, pgcount)
}

// Vmadd_anon installs a private anonymous mapping.
func (as *Vm_t) Vmadd_anon(start, length int, perms uint) {
	as.Vmregion.Insert(vmregion.MkAnon(start, length, perms))
}

// Vmadd_shareanon installs a shared anonymous mapping.
func (as *Vm_t) Vmadd_shareanon(start, length int, perms uint) {
	as.Vmregion.Insert(vmregion.MkShareAnon(start, length, perms))
}

// Vmadd_file installs a private file-backed mapping.
func (as *Vm_t) Vmadd_file(start, length int, perms uint, fops fdops.Fdops_i, foff int) {
	as.Vmregion.Insert(vmregion.MkFile(start, length, perms, fops, foff))
}

// Vmadd_sharefile installs a shared file-backed mapping.
func (as *Vm_t) Vmadd_sharefile(start, length int, perms uint, fops fdops.Fdops_i, foff int, unpin vmregion.Unpin_i) {
	as.Vmregion.Insert(vmregion.MkShareFile(start, length, perms, fops, foff, unpin))
}

// Unusedva finds length free bytes at or after startva, for mmap's
// address-hint resolution (spec.md §4.C "mmap family").
func (as *Vm_t) Unusedva(startva, length int) uintptr {
	as.Lockassert_pmap()
	sv := uintptr(startva) &^ mem.PGOFFSET
	if sv < USERMIN {
		sv = USERMIN
	}
	start, _ := as.Vmregion.Empty(sv, uintptr(length))
	return start
}

// Uvmfree releases every mapping and page-table page in this address
// space, closing file-backed mapcounts on the way (spec.md §4.C,
// process teardown).
func (as *Vm_t) Uvmfree() {
	as.Lock_pmap()
	defer as.Unlock_pmap()
	for _, vmi := range as.Vmregion.All() {
		npages := int(vmi.Pglen)
		va := vmi.Start()
		for i := 0; i < npages; i++ {
			as.pageRemove(va + uintptr(i*mem.PGSIZE))
		}
	}
	pagetable.Freewalk(as.phys, as.Root)
	as.phys.Refdown(as.Root)
	as.Vmregion.Clear()
}

// Page_remove unmaps the page at va, if any, and reports whether a
// mapping was removed. The caller must already hold the pmap lock.
func (as *Vm_t) Page_remove(va uintptr) bool {
	as.Lockassert_pmap()
	return as.pageRemove(va)
}

func (as *Vm_t) pageRemove(va uintptr) bool {
	pte := pagetable.Lookup(as.phys, as.Root, va)
	if pte == nil || *pte&pagetable.PTE_V == 0 {
		return false
	}
	as.phys.Refdown(pte.Addr())
	*pte = 0
	return true
}

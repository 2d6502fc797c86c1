package vm

import (
	"rvcore/internal/defs"
	"rvcore/internal/res"
)

// Userbuf_t assists reading and writing one contiguous run of user
// memory; address lookups and faults are atomic with respect to page
// faults (spec.md §4.C "User/kernel copy"), adapted from biscuit's
// vm.Userbuf_t.
type Userbuf_t struct {
	userva uintptr
	len    int
	off    int
	as     *Vm_t
}

// Mkuserbuf allocates and initializes a Userbuf_t over [userva,
// userva+length) of this address space.
func (as *Vm_t) Mkuserbuf(userva uintptr, length int) *Userbuf_t {
	ub := &Userbuf_t{}
	ub.Init(as, userva, length)
	return ub
}

// Init (re)initializes ub to reference [uva, uva+length) of as.
func (ub *Userbuf_t) Init(as *Vm_t, uva uintptr, length int) {
	if length < 0 {
		panic("vm: negative userbuf length")
	}
	ub.userva = uva
	ub.len = length
	ub.off = 0
	ub.as = as
}

// Remain reports the unconsumed byte count.
func (ub *Userbuf_t) Remain() int { return ub.len - ub.off }

// Totalsz reports the buffer's total size.
func (ub *Userbuf_t) Totalsz() int { return ub.len }

// Uioread copies from user memory into dst.
func (ub *Userbuf_t) Uioread(dst []uint8) (int, defs.Err_t) {
	ub.as.Lock_pmap()
	defer ub.as.Unlock_pmap()
	return ub.tx(dst, false)
}

// Uiowrite copies src into user memory.
func (ub *Userbuf_t) Uiowrite(src []uint8) (int, defs.Err_t) {
	ub.as.Lock_pmap()
	defer ub.as.Unlock_pmap()
	return ub.tx(src, true)
}

// tx copies the min of len(buf) and the buffer's remaining length. On
// error partway through, ub's offset reflects the bytes already
// copied so the caller can restart.
func (ub *Userbuf_t) tx(buf []uint8, write bool) (int, defs.Err_t) {
	var budget res.Budget
	ret := 0
	for len(buf) != 0 && ub.off != ub.len {
		if err := budget.Admit(res.SiteUserbufTx); err != 0 {
			return ret, err
		}
		va := ub.userva + uintptr(ub.off)
		ubuf, err := ub.as.Userdmap8_inner(va, write)
		if err != 0 {
			return ret, err
		}
		end := ub.off + len(ubuf)
		if end > ub.len {
			ubuf = ubuf[:ub.len-ub.off]
		}
		var c int
		if write {
			c = copy(ubuf, buf)
		} else {
			c = copy(buf, ubuf)
		}
		buf = buf[c:]
		ub.off += c
		ret += c
	}
	return ret, 0
}

type iove_t struct {
	uva uintptr
	sz  int
}

// Useriovec_t represents a scatter/gather list of user buffers, as
// described by an iovec array in user memory.
type Useriovec_t struct {
	iovs []iove_t
	tsz  int
	as   *Vm_t
}

// IovInit reads niovs (uva, len) pairs starting at iovarn and
// initializes the iovec list.
func (iov *Useriovec_t) IovInit(as *Vm_t, iovarn uintptr, niovs int) defs.Err_t {
	if niovs > 10 {
		return -defs.EINVAL
	}
	iov.tsz = 0
	iov.iovs = make([]iove_t, niovs)
	iov.as = as

	as.Lock_pmap()
	defer as.Unlock_pmap()
	var budget res.Budget
	for i := range iov.iovs {
		if err := budget.Admit(res.SiteIovecTx); err != 0 {
			return err
		}
		const elmsz = 16
		va := iovarn + uintptr(i)*elmsz
		dstva, err := as.userreadnInner(va, 8)
		if err != 0 {
			return err
		}
		sz, err := as.userreadnInner(va+8, 8)
		if err != 0 {
			return err
		}
		iov.iovs[i].uva = uintptr(dstva)
		iov.iovs[i].sz = sz
		iov.tsz += sz
	}
	return 0
}

// Remain returns the bytes remaining across every iovec entry.
func (iov *Useriovec_t) Remain() int {
	ret := 0
	for i := range iov.iovs {
		ret += iov.iovs[i].sz
	}
	return ret
}

// Totalsz returns the iovec array's total declared size.
func (iov *Useriovec_t) Totalsz() int { return iov.tsz }

func (iov *Useriovec_t) tx(buf []uint8, touser bool) (int, defs.Err_t) {
	var ub Userbuf_t
	did := 0
	var budget res.Budget
	for len(buf) > 0 && len(iov.iovs) > 0 {
		if err := budget.Admit(res.SiteIovecTx); err != 0 {
			return did, err
		}
		cur := &iov.iovs[0]
		ub.Init(iov.as, cur.uva, cur.sz)
		c, err := ub.tx(buf, touser)
		cur.uva += uintptr(c)
		cur.sz -= c
		if cur.sz == 0 {
			iov.iovs = iov.iovs[1:]
		}
		buf = buf[c:]
		did += c
		if err != 0 {
			return did, err
		}
	}
	return did, 0
}

// Uioread reads into dst from the iovec list.
func (iov *Useriovec_t) Uioread(dst []uint8) (int, defs.Err_t) {
	iov.as.Lock_pmap()
	defer iov.as.Unlock_pmap()
	return iov.tx(dst, false)
}

// Uiowrite writes src to the iovec list.
func (iov *Useriovec_t) Uiowrite(src []uint8) (int, defs.Err_t) {
	iov.as.Lock_pmap()
	defer iov.as.Unlock_pmap()
	return iov.tx(src, true)
}

// Package fdops defines the dispatch interfaces an open file uses to
// reach its type-specific implementation (§4.F "File operations"),
// reconstructed from the call sites visible in biscuit's vm, fd and
// ufs packages (Fdops_i, Userio_i, Pollmsg_t, Ready_t were referenced
// there but the fdops package body itself was not present in the
// retrieved pack).
package fdops

import (
	"rvcore/internal/defs"
	"rvcore/internal/mem"
	"rvcore/internal/pagecache"
)

// Ready_t is a bitmask of readiness conditions reported by Poll.
type Ready_t uint

const (
	R_READ  Ready_t = 1 << 0
	R_WRITE Ready_t = 1 << 1
	R_ERROR Ready_t = 1 << 2
)

// Pollmsg_t describes a poll/select request against an open file.
type Pollmsg_t struct {
	Events Ready_t
}

// Userio_i abstracts a source or sink of bytes that may live in user
// memory, kernel memory, or a test harness's plain Go slice — the
// teacher's vm.Userbuf_t, vm.Useriovec_t and vm.Fakeubuf_t all
// implement it.
type Userio_i interface {
	Uioread(dst []uint8) (int, defs.Err_t)
	Uiowrite(src []uint8) (int, defs.Err_t)
	Remain() int
	Totalsz() int
}

// Fdops_i is the operations table an open file dispatches through,
// matching the call sites in fd.Fd_t and ufs.Ufs_t (Read, Write,
// Lseek, Close, Reopen) plus the remaining §4.F operations (Fstat,
// Fsync, poll) needed to cover the spec's file-operation surface.
type Fdops_i interface {
	Read(dst Userio_i) (int, defs.Err_t)
	Write(src Userio_i) (int, defs.Err_t)
	Lseek(off int, whence int) (int, defs.Err_t)
	Fstat(st StatWriter) defs.Err_t
	Fsync() defs.Err_t
	Close() defs.Err_t
	Reopen() defs.Err_t
	Poll(pm Pollmsg_t) (Ready_t, defs.Err_t)
}

// CacheBacked_i is the extra surface a file-backed Fdops_i exposes
// when its bytes are staged through internal/pagecache rather than
// read/written directly, letting the VM manager obtain and release the
// very frame the cache uses for a block instead of copying it (spec.md
// §4.C "obtain the page from the file's page cache... take a
// reference, and install the mapping", §2 "for a file-backed miss,
// issues a read into the page cache (D)"). CachePage returns the
// cache's page covering byte offset off, allocating the underlying
// block first when write is set; a nil page with a nil error means off
// falls on a hole past the current end of file. UnpinPage releases a
// reference taken by an earlier CachePage call once a VM mapping
// backed by its frame is torn down.
type CacheBacked_i interface {
	Fdops_i
	CachePage(off int, write bool) (*pagecache.Page_t, defs.Err_t)
	UnpinPage(pa mem.Pa_t)
}

// StatWriter is the subset of stat.Stat_t that Fstat needs; kept as an
// interface here so fdops does not import stat (it is imported by
// stat's own consumers instead), avoiding an import cycle.
type StatWriter interface {
	Wdev(uint)
	Wino(uint)
	Wmode(uint)
	Wsize(uint)
	Wrdev(uint)
	Wnlink(uint)
	Wblocks(uint)
}

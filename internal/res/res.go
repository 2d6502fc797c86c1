// Package res implements the per-operation resource admission check
// the teacher's copy loops call before touching a page
// (res.Resadd_noblock(bounds.Bounds(...)) in vm/as.go and
// vm/userbuf.go). Long-running copyin/copyout loops call Admit once
// per page so a pathological length can't wedge the kernel without
// tripping a bound; exceeding the bound returns ENOHEAP rather than
// blocking, matching the teacher's "noblock" naming.
package res

import "rvcore/internal/defs"

// Site identifies a call site, mirroring the teacher's bounds.Bounds
// tags (one per loop that admits resources incrementally).
type Site int

const (
	SiteK2user Site = iota
	SiteUser2k
	SiteUserbufTx
	SiteIovecTx
)

// perCallBudget caps the number of admissions a single Site may grant
// within one top-level operation before it is presumed runaway. The
// teacher's bounds tags are compiled constants derived from static
// analysis of the kernel; this module has no such analysis pass, so a
// single generous constant stands in for all sites.
const perCallBudget = 1 << 20

// Budget tracks admissions for one top-level operation (e.g. a single
// copyin call). Callers construct one Budget per operation and pass it
// through the loop instead of relying on global state, which is safe
// under concurrent unrelated operations (the teacher's global bounds
// counters are reset per-thread by the scheduler; this module makes
// that explicit instead of implicit).
type Budget struct {
	spent int
}

// Admit grants one more unit of resource for site, returning ENOHEAP
// once the per-operation budget is exhausted.
func (b *Budget) Admit(site Site) defs.Err_t {
	b.spent++
	if b.spent > perCallBudget {
		return -defs.ENOHEAP
	}
	return 0
}

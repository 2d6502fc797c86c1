// Package diag builds an offline page-cache residency profile for the
// profiling device the teacher reserves but never wires up
// (defs.D_PROF, biscuit/src/defs/device.go) — giving the teacher's own
// github.com/google/pprof dependency a concrete caller. A profile
// sample per resident page carries its block number, recency rank,
// and dirty state as pprof labels so an operator can load it with
// `go tool pprof` and sort/filter interactively instead of reading a
// flat text dump.
package diag

import (
	"io"

	"github.com/google/pprof/profile"

	"rvcore/internal/pagecache"
)

const (
	sampleTypePages = "pages"
	unitCount       = "count"
)

// PageCacheProfile builds a profile.Profile describing cache's current
// residency: one sample per resident page, tagged with its block
// number, recency rank, and dirty/clean state.
func PageCacheProfile(cache *pagecache.Cache_t) *profile.Profile {
	snap := cache.Snapshot()

	cleanFn := &profile.Function{ID: 1, Name: "clean"}
	dirtyFn := &profile.Function{ID: 2, Name: "dirty"}
	cleanLoc := &profile.Location{ID: 1, Line: []profile.Line{{Function: cleanFn}}}
	dirtyLoc := &profile.Location{ID: 2, Line: []profile.Line{{Function: dirtyFn}}}

	p := &profile.Profile{
		SampleType: []*profile.ValueType{{Type: sampleTypePages, Unit: unitCount}},
		Function:   []*profile.Function{cleanFn, dirtyFn},
		Location:   []*profile.Location{cleanLoc, dirtyLoc},
	}

	for _, pg := range snap {
		loc := cleanLoc
		state := "clean"
		if pg.Dirty {
			loc = dirtyLoc
			state = "dirty"
		}
		p.Sample = append(p.Sample, &profile.Sample{
			Location: []*profile.Location{loc},
			Value:    []int64{1},
			Label: map[string][]string{
				"state": {state},
			},
			NumLabel: map[string][]int64{
				"block":    {int64(pg.Block)},
				"rank":     {int64(pg.Rank)},
				"refcount": {int64(pg.RefCount)},
			},
			NumUnit: map[string][]string{
				"block":    {"id"},
				"rank":     {"position"},
				"refcount": {"count"},
			},
		})
	}
	return p
}

// WritePageCacheProfile writes cache's residency profile to w in
// pprof's standard gzipped-protobuf format.
func WritePageCacheProfile(w io.Writer, cache *pagecache.Cache_t) error {
	p := PageCacheProfile(cache)
	if err := p.CheckValid(); err != nil {
		return err
	}
	return p.Write(w)
}

// Summary_t is a coarse residency count, the same information the
// profile carries but cheap enough for a status line or a fsck-style
// CLI report.
type Summary_t struct {
	Resident int
	Dirty    int
}

// Summarize reduces cache's current snapshot to counts.
func Summarize(cache *pagecache.Cache_t) Summary_t {
	snap := cache.Snapshot()
	s := Summary_t{Resident: len(snap)}
	for _, pg := range snap {
		if pg.Dirty {
			s.Dirty++
		}
	}
	return s
}

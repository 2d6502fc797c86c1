// Package userio provides fdops.Userio_i adapters over plain Go byte
// slices, playing the role of biscuit's vm.Fakeubuf_t: kernel-internal
// callers that need to hand a buffer to something expecting a
// user-memory-shaped source or sink (file-backed page fill, in-kernel
// exec argument staging) use one of these instead of real user memory.
package userio

import "rvcore/internal/defs"

// Fakeubuf_t implements fdops.Userio_i over a plain kernel byte slice.
type Fakeubuf_t struct {
	buf []uint8
	len int
}

// NewFake wraps buf for use as a Userio_i source/sink.
func NewFake(buf []uint8) *Fakeubuf_t {
	return &Fakeubuf_t{buf: buf, len: len(buf)}
}

func (fb *Fakeubuf_t) Remain() int  { return len(fb.buf) }
func (fb *Fakeubuf_t) Totalsz() int { return fb.len }

func (fb *Fakeubuf_t) tx(b []uint8, tofbuf bool) (int, defs.Err_t) {
	var c int
	if tofbuf {
		c = copy(fb.buf, b)
	} else {
		c = copy(b, fb.buf)
	}
	fb.buf = fb.buf[c:]
	return c, 0
}

// Uioread copies from the wrapped buffer into dst.
func (fb *Fakeubuf_t) Uioread(dst []uint8) (int, defs.Err_t) { return fb.tx(dst, false) }

// Uiowrite copies src into the wrapped buffer.
func (fb *Fakeubuf_t) Uiowrite(src []uint8) (int, defs.Err_t) { return fb.tx(src, true) }

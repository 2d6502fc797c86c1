package memfs

import (
	"encoding/binary"

	"rvcore/internal/defs"
	"rvcore/internal/userio"
	"rvcore/internal/ustr"
	"rvcore/internal/vfs"
)

// Directory contents are a flat array of fixed-size dirent records
// (ino uint32, name length, name bytes), the same shape as biscuit's
// Dirdata_t/NDIRENTS convention (fs/super.go's sibling fs package,
// referenced from ufs.go's Ls) but packed into this module's own
// inode data-block chain instead of a dedicated directory block type.
// An ino of zero marks a free (possibly reused) slot.

func packDirent(b []byte, ino vfs.Ino_t, name ustr.Ustr) {
	binary.LittleEndian.PutUint32(b[0:4], uint32(ino))
	n := len(name)
	if n > direntSize-5 {
		n = direntSize - 5
	}
	b[4] = byte(n)
	copy(b[5:5+n], name)
}

func unpackDirent(b []byte) (vfs.Ino_t, ustr.Ustr) {
	ino := vfs.Ino_t(binary.LittleEndian.Uint32(b[0:4]))
	n := int(b[4])
	if n > direntSize-5 {
		n = direntSize - 5
	}
	return ino, ustr.Ustr(append([]byte{}, b[5:5+n]...))
}

func (ip *inode_t) direntCount() int {
	return int(ip.di.size) / direntSize
}

func (ip *inode_t) readDirent(idx int) (vfs.Ino_t, ustr.Ustr, defs.Err_t) {
	buf := make([]byte, direntSize)
	if _, err := ip.ReadAt(idx*direntSize, userio.NewFake(buf)); err != 0 {
		return 0, nil, err
	}
	ino, name := unpackDirent(buf)
	return ino, name, 0
}

func (ip *inode_t) writeDirent(idx int, ino vfs.Ino_t, name ustr.Ustr) defs.Err_t {
	buf := make([]byte, direntSize)
	packDirent(buf, ino, name)
	if _, err := ip.WriteAt(idx*direntSize, userio.NewFake(buf)); err != 0 {
		return err
	}
	return 0
}

func (ip *inode_t) dirLookup(name ustr.Ustr) (vfs.Ino_t, defs.Err_t) {
	n := ip.direntCount()
	for i := 0; i < n; i++ {
		ino, nm, err := ip.readDirent(i)
		if err != 0 {
			return 0, err
		}
		if ino != 0 && nm.Eq(name) {
			return ino, 0
		}
	}
	return 0, -defs.ENOENT
}

func (ip *inode_t) dirInsert(name ustr.Ustr, ino vfs.Ino_t) defs.Err_t {
	n := ip.direntCount()
	for i := 0; i < n; i++ {
		existingIno, _, err := ip.readDirent(i)
		if err != 0 {
			return err
		}
		if existingIno == 0 {
			return ip.writeDirent(i, ino, name)
		}
	}
	return ip.writeDirent(n, ino, name)
}

func (ip *inode_t) dirRemove(name ustr.Ustr) defs.Err_t {
	n := ip.direntCount()
	for i := 0; i < n; i++ {
		ino, nm, err := ip.readDirent(i)
		if err != 0 {
			return err
		}
		if ino != 0 && nm.Eq(name) {
			return ip.writeDirent(i, 0, ustr.MkUstr())
		}
	}
	return -defs.ENOENT
}

func (ip *inode_t) dirEmpty() bool {
	n := ip.direntCount()
	for i := 0; i < n; i++ {
		ino, nm, err := ip.readDirent(i)
		if err != 0 {
			return false
		}
		if ino == 0 {
			continue
		}
		if nm.Isdot() || nm.Isdotdot() {
			continue
		}
		return false
	}
	return true
}

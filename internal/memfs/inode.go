package memfs

import (
	"encoding/binary"

	"rvcore/internal/defs"
	"rvcore/internal/fdops"
	"rvcore/internal/mem"
	"rvcore/internal/pagecache"
	"rvcore/internal/stat"
	"rvcore/internal/userio"
	"rvcore/internal/ustr"
	"rvcore/internal/vfs"
)

// diskInode_t is the on-disk inode record: mode, link count, size, a
// direct block array, and one single-indirect block for files larger
// than ndirect*BSIZE bytes.
type diskInode_t struct {
	mode     uint32
	nlink    uint32
	size     uint64
	direct   [ndirect]uint32
	indirect uint32
}

func unpackInode(b []byte) diskInode_t {
	var di diskInode_t
	di.mode = binary.LittleEndian.Uint32(b[0:4])
	di.nlink = binary.LittleEndian.Uint32(b[4:8])
	di.size = binary.LittleEndian.Uint64(b[8:16])
	for i := 0; i < ndirect; i++ {
		off := 16 + i*4
		di.direct[i] = binary.LittleEndian.Uint32(b[off : off+4])
	}
	di.indirect = binary.LittleEndian.Uint32(b[16+ndirect*4 : 20+ndirect*4])
	return di
}

func (di *diskInode_t) pack(b []byte) {
	binary.LittleEndian.PutUint32(b[0:4], di.mode)
	binary.LittleEndian.PutUint32(b[4:8], di.nlink)
	binary.LittleEndian.PutUint64(b[8:16], di.size)
	for i := 0; i < ndirect; i++ {
		off := 16 + i*4
		binary.LittleEndian.PutUint32(b[off:off+4], di.direct[i])
	}
	binary.LittleEndian.PutUint32(b[16+ndirect*4:20+ndirect*4], di.indirect)
}

// inode_t is the in-memory handle memfs gives the VFS core for one
// inode; it satisfies vfs.Inode_i.
type inode_t struct {
	sb  *Superblock_t
	ino vfs.Ino_t
	di  diskInode_t
}

func (ip *inode_t) inodeBlockAndOff() (int, int) {
	idx := int(ip.ino)
	blk := ip.sb.layout.inodeStart() + idx/inodesPerBlk
	off := (idx % inodesPerBlk) * inodeRecSize
	return blk, off
}

func (ip *inode_t) load() defs.Err_t {
	blk, off := ip.inodeBlockAndOff()
	buf := make([]byte, BSIZE)
	if err := ip.sb.disk.ReadBlock(blk, buf); err != nil {
		return -defs.EIO
	}
	ip.di = unpackInode(buf[off : off+inodeRecSize])
	return 0
}

// writeBack stages the inode's current record into the open log
// transaction; the caller (vfs's mutate/withTxn wrapper) is assumed to
// already hold the inode's mutex and an open transaction.
func (ip *inode_t) writeBack() defs.Err_t {
	blk, off := ip.inodeBlockAndOff()
	buf := make([]byte, BSIZE)
	if err := ip.sb.disk.ReadBlock(blk, buf); err != nil {
		return -defs.EIO
	}
	ip.di.pack(buf[off : off+inodeRecSize])
	if err := ip.sb.log.Log_write(blk, buf); err != 0 {
		return err
	}
	return 0
}

// blockForOffset returns the data block number backing byte offset
// off, allocating (and growing the indirect block if needed) when
// alloc is true.
func (ip *inode_t) blockForOffset(off int, alloc bool) (int, defs.Err_t) {
	bn := off / BSIZE
	if bn < ndirect {
		if ip.di.direct[bn] == 0 {
			if !alloc {
				return 0, 0
			}
			blk, err := ip.sb.allocBlock()
			if err != 0 {
				return 0, err
			}
			ip.di.direct[bn] = uint32(blk)
			if err := ip.writeBack(); err != 0 {
				return 0, err
			}
		}
		return int(ip.di.direct[bn]), 0
	}

	bn -= ndirect
	if bn >= BSIZE/4 {
		return 0, -defs.EINVAL // beyond single-indirect reach; out of scope
	}
	if ip.di.indirect == 0 {
		if !alloc {
			return 0, 0
		}
		blk, err := ip.sb.allocBlock()
		if err != 0 {
			return 0, err
		}
		ip.di.indirect = uint32(blk)
		zero := make([]byte, BSIZE)
		if err := ip.sb.log.Log_write(blk, zero); err != 0 {
			return 0, err
		}
		if err := ip.writeBack(); err != 0 {
			return 0, err
		}
	}
	ibuf := make([]byte, BSIZE)
	if err := ip.sb.disk.ReadBlock(int(ip.di.indirect), ibuf); err != nil {
		return 0, -defs.EIO
	}
	entry := binary.LittleEndian.Uint32(ibuf[bn*4 : bn*4+4])
	if entry == 0 {
		if !alloc {
			return 0, 0
		}
		blk, err := ip.sb.allocBlock()
		if err != 0 {
			return 0, err
		}
		binary.LittleEndian.PutUint32(ibuf[bn*4:bn*4+4], uint32(blk))
		if err := ip.sb.log.Log_write(int(ip.di.indirect), ibuf); err != 0 {
			return 0, err
		}
		entry = uint32(blk)
	}
	return int(entry), 0
}

func (ip *inode_t) Nlink() int { return int(ip.di.nlink) }
func (ip *inode_t) Mode() uint { return uint(ip.di.mode) }
func (ip *inode_t) Size() int  { return int(ip.di.size) }

func (ip *inode_t) Stat(st fdops.StatWriter) defs.Err_t {
	st.Wino(uint(ip.ino))
	st.Wmode(uint(ip.di.mode))
	st.Wsize(uint(ip.di.size))
	st.Wnlink(uint(ip.di.nlink))
	st.Wblocks(uint((int(ip.di.size) + BSIZE - 1) / BSIZE))
	return 0
}

func (ip *inode_t) Truncate(size int) defs.Err_t {
	ip.di.size = uint64(size)
	return ip.writeBack()
}

func (ip *inode_t) ReadAt(off int, dst fdops.Userio_i) (int, defs.Err_t) {
	total := 0
	for dst.Remain() > 0 && off < int(ip.di.size) {
		blk, err := ip.blockForOffset(off, false)
		if err != 0 {
			return total, err
		}
		buf := make([]byte, BSIZE)
		if blk != 0 {
			if rerr := ip.sb.readData(blk, buf); rerr != 0 {
				return total, rerr
			}
		}
		boff := off % BSIZE
		n := BSIZE - boff
		if rem := int(ip.di.size) - off; n > rem {
			n = rem
		}
		if n > dst.Remain() {
			n = dst.Remain()
		}
		wrote, err := dst.Uiowrite(buf[boff : boff+n])
		if err != 0 {
			return total, err
		}
		total += wrote
		off += wrote
		if wrote == 0 {
			break
		}
	}
	return total, 0
}

func (ip *inode_t) WriteAt(off int, src fdops.Userio_i) (int, defs.Err_t) {
	total := 0
	for src.Remain() > 0 {
		blk, err := ip.blockForOffset(off, true)
		if err != 0 {
			return total, err
		}
		boff := off % BSIZE
		n := BSIZE - boff
		if n > src.Remain() {
			n = src.Remain()
		}
		buf := make([]byte, BSIZE)
		if err := ip.sb.readData(blk, buf); err != 0 {
			return total, err
		}
		read, err := src.Uioread(buf[boff : boff+n])
		if err != 0 {
			return total, err
		}
		if werr := ip.sb.writeData(blk, buf); werr != 0 {
			return total, werr
		}
		total += read
		off += read
		if off > int(ip.di.size) {
			ip.di.size = uint64(off)
		}
		if read == 0 {
			break
		}
	}
	if total > 0 {
		if err := ip.writeBack(); err != 0 {
			return total, err
		}
	}
	return total, 0
}

// CachePage implements fdops.CacheBacked_i: it returns the page cache's
// own frame for the block covering off, so a caller mapping this inode
// (vmregion.Filepage, for an mmap fault) shares the identical physical
// page ordinary ReadAt/WriteAt traffic and every other mapper use,
// rather than taking a private copy. write allocates the block (and
// marks the page dirty) when off falls on a hole; a read-only request
// past the end of an allocated region returns a nil page.
func (ip *inode_t) CachePage(off int, write bool) (*pagecache.Page_t, defs.Err_t) {
	blk, err := ip.blockForOffset(off, write)
	if err != 0 {
		return nil, err
	}
	if blk == 0 {
		return nil, 0
	}
	pg, err := ip.sb.cache.GetPage(blk)
	if err != 0 {
		return nil, err
	}
	if write {
		ip.sb.cache.MarkDirty(pg)
	}
	return pg, 0
}

// UnpinPage implements fdops.CacheBacked_i, releasing the cache
// reference a CachePage-obtained frame still holds once a VM mapping
// using it directly (a MAP_SHARED region) is torn down.
func (ip *inode_t) UnpinPage(pa mem.Pa_t) {
	if meta := memfsPhys.CacheMeta(pa); meta != nil {
		if pg, ok := meta.(*pagecache.Page_t); ok {
			ip.sb.cache.Put(pg)
		}
	}
}

// Directory operations

func (ip *inode_t) Lookup(name ustr.Ustr) (vfs.Ino_t, defs.Err_t) {
	return ip.dirLookup(name)
}

func (ip *inode_t) Create(name ustr.Ustr, mode uint) (vfs.Ino_t, defs.Err_t) {
	if _, err := ip.dirLookup(name); err == 0 {
		return 0, -defs.EEXIST
	}
	child, err := ip.sb.allocInode(stat.IFREG | uint32(mode))
	if err != 0 {
		return 0, err
	}
	if err := ip.dirInsert(name, child); err != 0 {
		return 0, err
	}
	return child, 0
}

func (ip *inode_t) Mkdir(name ustr.Ustr, mode uint) (vfs.Ino_t, defs.Err_t) {
	if _, err := ip.dirLookup(name); err == 0 {
		return 0, -defs.EEXIST
	}
	child, err := ip.sb.allocInode(stat.IFDIR | uint32(mode))
	if err != 0 {
		return 0, err
	}
	cip, err := ip.sb.getInodeLocal(child)
	if err != 0 {
		return 0, err
	}
	if err := cip.dirInsert(ustr.MkUstrDot(), child); err != 0 {
		return 0, err
	}
	if err := cip.dirInsert(ustr.DotDot, ip.ino); err != 0 {
		return 0, err
	}
	cip.di.nlink = 2
	if err := cip.writeBack(); err != 0 {
		return 0, err
	}
	ip.di.nlink++
	if err := ip.writeBack(); err != 0 {
		return 0, err
	}
	if err := ip.dirInsert(name, child); err != 0 {
		return 0, err
	}
	return child, 0
}

func (ip *inode_t) Mknod(name ustr.Ustr, mode uint, rdev uint) (vfs.Ino_t, defs.Err_t) {
	if _, err := ip.dirLookup(name); err == 0 {
		return 0, -defs.EEXIST
	}
	child, err := ip.sb.allocInode(stat.IFCHR | uint32(mode))
	if err != 0 {
		return 0, err
	}
	if err := ip.dirInsert(name, child); err != 0 {
		return 0, err
	}
	return child, 0
}

func (ip *inode_t) Symlink(name ustr.Ustr, target ustr.Ustr) (vfs.Ino_t, defs.Err_t) {
	if _, err := ip.dirLookup(name); err == 0 {
		return 0, -defs.EEXIST
	}
	child, err := ip.sb.allocInode(stat.IFLNK | 0777)
	if err != 0 {
		return 0, err
	}
	cip, err := ip.sb.getInodeLocal(child)
	if err != 0 {
		return 0, err
	}
	if _, err := cip.WriteAt(0, userio.NewFake([]byte(target))); err != 0 {
		return 0, err
	}
	if err := ip.dirInsert(name, child); err != 0 {
		return 0, err
	}
	return child, 0
}

func (ip *inode_t) Readlink() (ustr.Ustr, defs.Err_t) {
	buf := make([]byte, ip.di.size)
	u := userio.NewFake(buf)
	if _, err := ip.ReadAt(0, u); err != 0 {
		return nil, err
	}
	return ustr.Ustr(buf), 0
}

func (ip *inode_t) Link(name ustr.Ustr, target vfs.Ino_t) defs.Err_t {
	if _, err := ip.dirLookup(name); err == 0 {
		return -defs.EEXIST
	}
	if err := ip.dirInsert(name, target); err != 0 {
		return err
	}
	tip, err := ip.sb.getInodeLocal(target)
	if err != 0 {
		return err
	}
	tip.di.nlink++
	return tip.writeBack()
}

func (ip *inode_t) Unlink(name ustr.Ustr) defs.Err_t {
	target, err := ip.dirLookup(name)
	if err != 0 {
		return err
	}
	if err := ip.dirRemove(name); err != 0 {
		return err
	}
	tip, err := ip.sb.getInodeLocal(target)
	if err != 0 {
		return err
	}
	if tip.di.nlink == 0 {
		return -defs.EINVAL
	}
	tip.di.nlink--
	if err := tip.writeBack(); err != 0 {
		return err
	}
	if tip.di.nlink == 0 {
		return ip.sb.freeInodeBlocks(tip)
	}
	return 0
}

func (ip *inode_t) Rmdir(name ustr.Ustr) defs.Err_t {
	target, err := ip.dirLookup(name)
	if err != 0 {
		return err
	}
	tip, err := ip.sb.getInodeLocal(target)
	if err != 0 {
		return err
	}
	if !tip.dirEmpty() {
		return -defs.ENOTEMPTY
	}
	if err := ip.dirRemove(name); err != 0 {
		return err
	}
	ip.di.nlink--
	if err := ip.writeBack(); err != 0 {
		return err
	}
	return ip.sb.freeInodeBlocks(tip)
}

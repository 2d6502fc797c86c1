package memfs

import (
	"context"
	"sync"

	"rvcore/internal/defs"
	"rvcore/internal/mem"
	"rvcore/internal/pagecache"
	"rvcore/internal/stat"
	"rvcore/internal/ustr"
	"rvcore/internal/vfs"
	"rvcore/internal/wal"
)

// memfsPhys backs every memfs page cache with its own small physical
// frame pool; memfs is a self-contained filesystem module rather than
// a client of the kernel's own mem.Physmem_t, so it keeps a private
// pool just large enough to back its page cache's working set.
var memfsPhys = mem.New(1024)

// Superblock_t is memfs's vfs.Superblock_i: the on-disk layout plus
// in-memory bitmap caches (loaded whole at mount time — this
// module's inode/block counts are small enough that this is simpler
// than biscuit's incremental bitmap scan, and is noted as a scale
// simplification) and the page cache backing file data blocks.
type Superblock_t struct {
	mu        sync.Mutex
	disk      wal.Disk_i
	log       *wal.Log_t
	cache     *pagecache.Cache_t
	layout    *layout_t
	inodeBits []byte
	freeBits  []byte
}

func bitset(bits []byte, i int) bool { return bits[i/8]&(1<<uint(i%8)) != 0 }
func bitset_set(bits []byte, i int)  { bits[i/8] |= 1 << uint(i%8) }
func bitset_clear(bits []byte, i int) { bits[i/8] &^= 1 << uint(i%8) }

func (sb *Superblock_t) readData(blk int, dst []byte) defs.Err_t {
	pg, err := sb.cache.GetPage(blk)
	if err != 0 {
		return err
	}
	copy(dst, pg.Bytes(memfsPhys))
	sb.cache.Put(pg)
	return 0
}

func (sb *Superblock_t) writeData(blk int, src []byte) defs.Err_t {
	pg, err := sb.cache.GetPage(blk)
	if err != 0 {
		return err
	}
	copy(pg.Bytes(memfsPhys), src)
	sb.cache.MarkDirty(pg)
	sb.cache.Put(pg)
	return 0
}

func (sb *Superblock_t) allocBlock() (int, defs.Err_t) {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	nblocks := sb.layout.Lastblock() - sb.layout.dataStart() + 1
	for i := 0; i < nblocks; i++ {
		if !bitset(sb.freeBits, i) {
			bitset_set(sb.freeBits, i)
			return sb.layout.dataStart() + i, 0
		}
	}
	return 0, -defs.ENOSPC
}

func (sb *Superblock_t) freeBlock(blk int) {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	bitset_clear(sb.freeBits, blk-sb.layout.dataStart())
}

func (sb *Superblock_t) allocInodeNum() (vfs.Ino_t, defs.Err_t) {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	ninodes := sb.layout.Inodelen() * inodesPerBlk
	for i := 1; i < ninodes; i++ { // inode 0 is reserved, never allocated
		if !bitset(sb.inodeBits, i) {
			bitset_set(sb.inodeBits, i)
			return vfs.Ino_t(i), 0
		}
	}
	return 0, -defs.ENOSPC
}

func (sb *Superblock_t) allocInode(mode uint32) (vfs.Ino_t, defs.Err_t) {
	ino, err := sb.allocInodeNum()
	if err != 0 {
		return 0, err
	}
	ip := &inode_t{sb: sb, ino: ino, di: diskInode_t{mode: mode, nlink: 1}}
	if err := ip.writeBack(); err != 0 {
		return 0, err
	}
	return ino, 0
}

// getInodeLocal loads ino without going through the VFS's referenced
// inode cache, for use by directory operations that need to touch a
// sibling inode (e.g. bumping nlink for Link) while already inside a
// transaction.
func (sb *Superblock_t) getInodeLocal(ino vfs.Ino_t) (*inode_t, defs.Err_t) {
	ip := &inode_t{sb: sb, ino: ino}
	if err := ip.load(); err != 0 {
		return nil, err
	}
	return ip, 0
}

func (sb *Superblock_t) freeInodeBlocks(ip *inode_t) defs.Err_t {
	for i := 0; i < ndirect; i++ {
		if ip.di.direct[i] != 0 {
			sb.freeBlock(int(ip.di.direct[i]))
			ip.di.direct[i] = 0
		}
	}
	if ip.di.indirect != 0 {
		sb.freeBlock(int(ip.di.indirect))
		ip.di.indirect = 0
	}
	ip.di.size = 0

	sb.mu.Lock()
	bitset_clear(sb.inodeBits, int(ip.ino))
	sb.mu.Unlock()

	return ip.writeBack()
}

// GetInode implements vfs.Superblock_i.
func (sb *Superblock_t) GetInode(ino vfs.Ino_t) (vfs.Inode_i, defs.Err_t) {
	ip, err := sb.getInodeLocal(ino)
	if err != 0 {
		return nil, err
	}
	return ip, 0
}

// DestroyInode implements vfs.Superblock_i; memfs already frees an
// inode's blocks and bitmap slot as soon as its link count reaches
// zero (see Unlink/Rmdir), so by the time the VFS's reference count
// also reaches zero there is nothing further to reclaim.
func (sb *Superblock_t) DestroyInode(ino vfs.Ino_t) defs.Err_t { return 0 }

// SyncInode implements vfs.Superblock_i. memfs writes inode records
// synchronously on every mutation (writeBack), so there is nothing
// additional to flush per inode; Sync (below) handles the page cache.
func (sb *Superblock_t) SyncInode(ino vfs.Ino_t) defs.Err_t { return 0 }

// RootIno implements vfs.Superblock_i; inode 1 is always the root
// directory, formatted by Mkfs.
func (sb *Superblock_t) RootIno() vfs.Ino_t { return 1 }

// Log implements vfs.Superblock_i.
func (sb *Superblock_t) Log() *wal.Log_t { return sb.log }

// Cache exposes the page cache backing file data, for internal/diag's
// residency profile.
func (sb *Superblock_t) Cache() *pagecache.Cache_t { return sb.cache }

// CacheSync implements vfs's cacheSyncer_i: flush every dirty page the
// cache holds, independent of any one inode's metadata-dirty flag, so
// msync/fsync on an mmap'd MAP_SHARED file sees its writes through.
func (sb *Superblock_t) CacheSync() defs.Err_t {
	if err := sb.cache.Sync(context.Background()); err != nil {
		return -defs.EIO
	}
	return 0
}

// Sync implements vfs.Superblock_i: flush the page cache's dirty file
// data, then the on-disk bitmaps (spec.md §4.D "sync... flush every
// registered cache").
func (sb *Superblock_t) Sync() defs.Err_t {
	if err := sb.cache.Sync(context.Background()); err != nil {
		return -defs.EIO
	}
	return sb.writeBitmaps()
}

// Free implements vfs.Superblock_i (unmount).
func (sb *Superblock_t) Free() defs.Err_t {
	return sb.Sync()
}

func (sb *Superblock_t) writeBitmaps() defs.Err_t {
	if err := sb.disk.WriteBlock(sb.layout.imapStart(), padTo(sb.inodeBits, BSIZE*sb.layout.Imaplen())); err != nil {
		return -defs.EIO
	}
	if err := sb.disk.WriteBlock(sb.layout.Freeblock(), padTo(sb.freeBits, BSIZE*sb.layout.Freeblocklen())); err != nil {
		return -defs.EIO
	}
	return 0
}

func padTo(b []byte, n int) []byte {
	if len(b) >= n {
		return b[:n]
	}
	out := make([]byte, n)
	copy(out, b)
	return out
}

// Fstype_t registers memfs under the name "memfs" (spec.md §4.F
// "Registration. Filesystem types register a name, a numeric id, and
// an operations table {mount, free}").
type Fstype_t struct{}

// Name implements vfs.Fstype_i.
func (Fstype_t) Name() string { return "memfs" }

// ID implements vfs.Fstype_i.
func (Fstype_t) ID() int { return 1 }

// Mount implements vfs.Fstype_i: reads the on-disk superblock, opens
// the log over its recorded region, and loads the bitmaps.
func (Fstype_t) Mount(disk wal.Disk_i) (vfs.Superblock_i, defs.Err_t) {
	raw := make([]byte, BSIZE)
	if err := disk.ReadBlock(sbBlock, raw); err != nil {
		return nil, -defs.EIO
	}
	lay := &layout_t{data: raw}
	if lay.Lastblock() == 0 {
		return nil, -defs.EINVAL
	}

	log, err := wal.Open(disk, lay.logStart(), lay.Loglen())
	if err != 0 {
		return nil, err
	}

	sb := &Superblock_t{disk: disk, log: log, layout: lay}
	sb.cache = pagecache.New(memfsPhys, disk, 256)

	sb.inodeBits = make([]byte, BSIZE*lay.Imaplen())
	if err := disk.ReadBlock(lay.imapStart(), sb.inodeBits); err != nil {
		return nil, -defs.EIO
	}
	sb.freeBits = make([]byte, BSIZE*lay.Freeblocklen())
	if err := disk.ReadBlock(lay.Freeblock(), sb.freeBits); err != nil {
		return nil, -defs.EIO
	}

	if err := sb.recoverOrphans(); err != 0 {
		return nil, err
	}
	return sb, 0
}

// recoverOrphans frees any inode left in the single-block orphan list
// with a persisted nlink of zero (spec.md §9's "recovery" concern,
// applied to memfs's own metadata rather than only the WAL's
// block-level commit). Mkfs writes the list empty and no code in this
// package adds an inode to it, so an inode whose link count dropped to
// zero just before a crash is not recorded there.
func (sb *Superblock_t) recoverOrphans() defs.Err_t {
	buf := make([]byte, BSIZE)
	if err := sb.disk.ReadBlock(sb.layout.Iorphanblock(), buf); err != nil {
		return -defs.EIO
	}
	n := fieldr(buf, 0)
	if n <= 0 || n > orphanCap {
		return 0
	}
	for i := 0; i < n; i++ {
		ino := vfs.Ino_t(fieldr(buf, i+1))
		ip, err := sb.getInodeLocal(ino)
		if err != 0 {
			continue
		}
		if ip.di.nlink == 0 {
			sb.freeInodeBlocks(ip)
		}
	}
	zero := make([]byte, BSIZE)
	return boolErr(sb.disk.WriteBlock(sb.layout.Iorphanblock(), zero))
}

func boolErr(err error) defs.Err_t {
	if err != nil {
		return -defs.EIO
	}
	return 0
}

// Mkfs formats a new memfs file system onto disk, sized to hold
// nblocks total blocks, a log of logBlocks blocks, and ninodes
// inodes, then creates the root directory.
func Mkfs(disk wal.Disk_i, nblocks, logBlocks, ninodes int) (*Superblock_t, defs.Err_t) {
	imaplen := (ninodes + BSIZE*8 - 1) / (BSIZE * 8)
	if imaplen < 1 {
		imaplen = 1
	}
	inodelen := (ninodes + inodesPerBlk - 1) / inodesPerBlk
	if inodelen < 1 {
		inodelen = 1
	}

	logStart := sbBlock + 1
	imapStart := logStart + logBlocks
	orphanBlock := imapStart + imaplen
	freeblockStart := orphanBlock + 1

	// Size the free-block bitmap against the blocks that will actually
	// remain once every other fixed region (including the one-block
	// orphan list) has claimed its space.
	inodeStart := freeblockStart
	dataStart := inodeStart + inodelen
	ndatablocks := nblocks - dataStart
	if ndatablocks <= 0 {
		return nil, -defs.EINVAL
	}
	freeblocklen := (ndatablocks + BSIZE*8 - 1) / (BSIZE * 8)
	if freeblocklen < 1 {
		freeblocklen = 1
	}
	inodeStart = freeblockStart + freeblocklen
	dataStart = inodeStart + inodelen
	ndatablocks = nblocks - dataStart
	if ndatablocks <= 0 {
		return nil, -defs.EINVAL
	}

	raw := make([]byte, BSIZE)
	lay := &layout_t{data: raw}
	lay.SetLoglen(logBlocks)
	lay.SetIorphanblock(orphanBlock)
	lay.SetIorphanlen(1)
	lay.SetImaplen(imaplen)
	lay.SetFreeblock(freeblockStart)
	lay.SetFreeblocklen(freeblocklen)
	lay.SetInodelen(inodelen)
	lay.SetLastblock(nblocks - 1)

	if err := disk.WriteBlock(sbBlock, raw); err != nil {
		return nil, -defs.EIO
	}
	if err := disk.WriteBlock(lay.Iorphanblock(), make([]byte, BSIZE)); err != nil {
		return nil, -defs.EIO
	}

	sb := &Superblock_t{disk: disk, layout: lay}
	sb.inodeBits = make([]byte, BSIZE*imaplen)
	sb.freeBits = make([]byte, BSIZE*freeblocklen)
	bitset_set(sb.inodeBits, 0) // inode 0 is reserved

	for i := 0; i < inodelen; i++ {
		if err := disk.WriteBlock(inodeStart+i, make([]byte, BSIZE)); err != nil {
			return nil, -defs.EIO
		}
	}
	if err := sb.writeBitmaps(); err != nil {
		return nil, err
	}

	log, err := wal.Open(disk, logStart, logBlocks)
	if err != 0 {
		return nil, err
	}
	sb.log = log
	sb.cache = pagecache.New(memfsPhys, disk, 256)

	bitset_set(sb.inodeBits, 1)
	root := &inode_t{sb: sb, ino: 1, di: diskInode_t{mode: stat.IFDIR, nlink: 2}}
	if err := log.Begin_op(); err != 0 {
		return nil, err
	}
	if err := root.writeBack(); err != 0 {
		log.Abort_op()
		return nil, err
	}
	if err := root.dirInsert(ustr.MkUstrDot(), 1); err != 0 {
		log.Abort_op()
		return nil, err
	}
	if err := root.dirInsert(ustr.DotDot, 1); err != 0 {
		log.Abort_op()
		return nil, err
	}
	if err := log.End_op(); err != 0 {
		return nil, err
	}
	if err := sb.writeBitmaps(); err != nil {
		return nil, err
	}
	return sb, 0
}

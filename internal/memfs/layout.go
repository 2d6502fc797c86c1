// Package memfs is a minimal on-disk filesystem back end for
// internal/vfs: a superblock, an inode bitmap, a free-block bitmap,
// and a flat inode table, following the field layout named in
// biscuit's fs/super.go (Loglen, Iorphanblock/Iorphanlen, Imaplen,
// Freeblock/Freeblocklen, Inodelen, Lastblock). Inode records and
// indirect blocks are written through the attached internal/wal log so
// they commit atomically. The inode and free-block bitmaps are not
// logged: they are written straight to disk when the filesystem is
// synced or formatted. Directory blocks are not logged either: like
// regular file data blocks, they are staged through an
// internal/pagecache cache with its own dirty tracking and
// asynchronous writeback.
package memfs

import "encoding/binary"

// BSIZE is the on-disk block size, matching wal.BSIZE/pagecache block
// granularity.
const BSIZE = 4096

func fieldr(b []byte, field int) int {
	off := field * 4
	return int(int32(binary.LittleEndian.Uint32(b[off : off+4])))
}

func fieldw(b []byte, field int, v int) {
	off := field * 4
	binary.LittleEndian.PutUint32(b[off:off+4], uint32(int32(v)))
}

// layout_t wraps the raw superblock bytes, adapted field-for-field
// from biscuit's fs.Superblock_t (fs/super.go) onto a plain []byte
// instead of *mem.Bytepg_t.
type layout_t struct {
	data []byte
}

func (sb *layout_t) Loglen() int         { return fieldr(sb.data, 0) }
func (sb *layout_t) Iorphanblock() int   { return fieldr(sb.data, 1) }
func (sb *layout_t) Iorphanlen() int     { return fieldr(sb.data, 2) }
func (sb *layout_t) Imaplen() int        { return fieldr(sb.data, 3) }
func (sb *layout_t) Freeblock() int      { return fieldr(sb.data, 4) }
func (sb *layout_t) Freeblocklen() int   { return fieldr(sb.data, 5) }
func (sb *layout_t) Inodelen() int       { return fieldr(sb.data, 6) }
func (sb *layout_t) Lastblock() int      { return fieldr(sb.data, 7) }

func (sb *layout_t) SetLoglen(v int)       { fieldw(sb.data, 0, v) }
func (sb *layout_t) SetIorphanblock(v int) { fieldw(sb.data, 1, v) }
func (sb *layout_t) SetIorphanlen(v int)   { fieldw(sb.data, 2, v) }
func (sb *layout_t) SetImaplen(v int)      { fieldw(sb.data, 3, v) }
func (sb *layout_t) SetFreeblock(v int)    { fieldw(sb.data, 4, v) }
func (sb *layout_t) SetFreeblocklen(v int) { fieldw(sb.data, 5, v) }
func (sb *layout_t) SetInodelen(v int)     { fieldw(sb.data, 6, v) }
func (sb *layout_t) SetLastblock(v int)    { fieldw(sb.data, 7, v) }

// Fixed region starts derived from the layout, in block numbers
// relative to block 0 (the superblock itself).
const sbBlock = 0

func (sb *layout_t) logStart() int    { return sbBlock + 1 }
func (sb *layout_t) imapStart() int   { return sb.logStart() + sb.Loglen() }
func (sb *layout_t) inodeStart() int  { return sb.Freeblock() + sb.Freeblocklen() }
func (sb *layout_t) dataStart() int   { return sb.inodeStart() + sb.Inodelen() }

const (
	inodeRecSize  = 128
	inodesPerBlk  = BSIZE / inodeRecSize
	ndirect       = 12
	direntSize    = 32
	direntsPerBlk = BSIZE / direntSize
	orphanCap     = BSIZE/4 - 1
)

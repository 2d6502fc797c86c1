package vfs

import (
	"rvcore/internal/defs"
	"rvcore/internal/fdops"
	"rvcore/internal/mem"
	"rvcore/internal/pagecache"
	"rvcore/internal/ustr"
)

// cacheBackedInode_i is implemented by a back end's Inode_i when its
// file data is staged through internal/pagecache, letting OpenFile_t
// satisfy fdops.CacheBacked_i by delegating straight to the inode.
type cacheBackedInode_i interface {
	CachePage(off int, write bool) (*pagecache.Page_t, defs.Err_t)
	UnpinPage(pa mem.Pa_t)
}

// cacheSyncer_i is implemented by a back end's Superblock_i that keeps
// a page cache of file data separate from inode metadata (e.g.
// memfs). Fsync flushes it unconditionally, independent of the
// inode's own metadata-dirty flag, because bytes written through an
// mmap'd MAP_SHARED PTE land straight on the cache's frame and never
// touch that flag (spec.md §4.D "mark_dirty; flush; read(back end) =
// last written contents").
type cacheSyncer_i interface {
	CacheSync() defs.Err_t
}

// accmodeMask isolates the O_RDONLY/O_WRONLY/O_RDWR tri-state from the
// rest of the open flags (O_CREAT, O_TRUNC), matching the POSIX
// O_ACCMODE convention.
const accmodeMask = 0x3

// OpenFile_t is the VFS's open-file object (spec.md §3 "Open file"):
// it references an inode, carries an access mode and cursor, and
// dispatches read/write/seek/stat/sync/close to the inode's back end
// (spec.md §4.F "File operations"). It implements fdops.Fdops_i so it
// can be handed directly to a file-backed vm region.
type OpenFile_t struct {
	sb    *Superblock_t
	inode *Inode_t
	off   int
	mode  int
}

// Open locates or creates the target inode and returns a fresh
// open-file object over it (spec.md §4.F "open locates or creates the
// target inode, allocates an open-file object").
func (v *Vfs_t) Open(sb *Superblock_t, cwd *Inode_t, path ustr.Ustr, flags int, mode uint) (*OpenFile_t, defs.Err_t) {
	ip, err := v.Lookup(sb, cwd, path)
	if err == -defs.ENOENT && flags&defs.O_CREAT != 0 {
		ip, err = v.Create(sb, cwd, path, mode)
	}
	if err != 0 {
		return nil, err
	}
	if flags&defs.O_TRUNC != 0 {
		if terr := sb.mutate(ip, func() defs.Err_t { return ip.back.Truncate(0) }); terr != 0 {
			sb.PutInodeRef(ip)
			return nil, terr
		}
	}
	return &OpenFile_t{sb: sb, inode: ip, mode: flags}, 0
}

// Read reads from the file's current offset into dst.
func (f *OpenFile_t) Read(dst fdops.Userio_i) (int, defs.Err_t) {
	if f.mode&accmodeMask == defs.O_WRONLY {
		return 0, -defs.EINVAL
	}
	f.inode.mu.Lock()
	defer f.inode.mu.Unlock()
	n, err := f.inode.back.ReadAt(f.off, dst)
	f.off += n
	return n, err
}

// Write writes src to the file starting at the current offset.
func (f *OpenFile_t) Write(src fdops.Userio_i) (int, defs.Err_t) {
	if f.mode&accmodeMask == defs.O_RDONLY {
		return 0, -defs.EINVAL
	}
	var n int
	var err defs.Err_t
	terr := f.sb.withTxn(func() defs.Err_t {
		f.inode.mu.Lock()
		defer f.inode.mu.Unlock()
		n, err = f.inode.back.WriteAt(f.off, src)
		f.off += n
		f.inode.dirty = true
		return err
	})
	if terr != 0 {
		return n, terr
	}
	return n, err
}

// Lseek repositions the file's cursor.
func (f *OpenFile_t) Lseek(off int, whence int) (int, defs.Err_t) {
	f.inode.mu.Lock()
	defer f.inode.mu.Unlock()
	switch whence {
	case defs.SEEK_SET:
		f.off = off
	case defs.SEEK_CUR:
		f.off += off
	case defs.SEEK_END:
		f.off = f.inode.back.Size() + off
	default:
		return 0, -defs.EINVAL
	}
	if f.off < 0 {
		f.off = 0
		return 0, -defs.EINVAL
	}
	return f.off, 0
}

// Fstat fills st with the underlying inode's attributes.
func (f *OpenFile_t) Fstat(st fdops.StatWriter) defs.Err_t {
	f.inode.mu.Lock()
	defer f.inode.mu.Unlock()
	return f.inode.back.Stat(st)
}

// Fsync flushes the inode's file-data page cache (when the back end
// keeps one) and, if its metadata is dirty, the inode itself (and,
// transitively, its superblock's log).
func (f *OpenFile_t) Fsync() defs.Err_t {
	if cs, ok := f.sb.back.(cacheSyncer_i); ok {
		if err := cs.CacheSync(); err != 0 {
			return err
		}
	}
	f.inode.mu.Lock()
	dirty := f.inode.dirty
	f.inode.mu.Unlock()
	if !dirty {
		return 0
	}
	if err := f.sb.back.SyncInode(f.inode.ino); err != 0 {
		return err
	}
	f.inode.mu.Lock()
	f.inode.dirty = false
	f.inode.mu.Unlock()
	return 0
}

// CachePage implements fdops.CacheBacked_i by delegating to the
// inode's back end, letting a file-backed VM region obtain the page
// cache's own frame directly (vmregion.Vminfo_t.Filepage).
func (f *OpenFile_t) CachePage(off int, write bool) (*pagecache.Page_t, defs.Err_t) {
	cb, ok := f.inode.back.(cacheBackedInode_i)
	if !ok {
		return nil, -defs.EINVAL
	}
	return cb.CachePage(off, write)
}

// UnpinPage implements fdops.CacheBacked_i, releasing a reference
// CachePage took once the VM mapping using its frame is torn down.
func (f *OpenFile_t) UnpinPage(pa mem.Pa_t) {
	if cb, ok := f.inode.back.(cacheBackedInode_i); ok {
		cb.UnpinPage(pa)
	}
}

// Close releases the open file's inode reference (spec.md §4.F
// "Reference counting... closing decrements").
func (f *OpenFile_t) Close() defs.Err_t {
	return f.sb.PutInodeRef(f.inode)
}

// Reopen bumps the inode's reference count for a dup-style second
// handle over the same open file (spec.md §5 "Open-file objects are
// reference-counted... one per in-flight dup").
func (f *OpenFile_t) Reopen() defs.Err_t {
	f.inode.mu.Lock()
	f.inode.ref++
	f.inode.mu.Unlock()
	return 0
}

// Poll reports readiness; regular files are always ready.
func (f *OpenFile_t) Poll(pm fdops.Pollmsg_t) (fdops.Ready_t, defs.Err_t) {
	return fdops.R_READ | fdops.R_WRITE, 0
}

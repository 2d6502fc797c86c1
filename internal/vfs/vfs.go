// Package vfs implements the pluggable virtual file system layer
// (spec.md §4.F): a filesystem-type registry, a per-superblock
// inode hash table, path resolution across mount stubs and symbolic
// links, and inode/file mutation operations that bracket their disk
// touches in a write-ahead-log transaction. Concrete back ends (e.g.
// internal/memfs) implement Inode_i/Superblock_i/Fstype_i; the VFS
// core here owns none of their on-disk layout, matching biscuit's
// split between ufs.Ufs_t (VFS-shaped glue, forwarding through
// fs.Fs_t) and a filesystem package that owns the actual bytes.
package vfs

import (
	"sync"

	"rvcore/internal/defs"
	"rvcore/internal/fdops"
	"rvcore/internal/stat"
	"rvcore/internal/ustr"
	"rvcore/internal/wal"
)

// Ino_t identifies an inode within one superblock.
type Ino_t int

// Inode_i is the back end's per-inode operations table (spec.md §9
// "Dynamic dispatch... inode ops"). The VFS core calls these while
// holding the Inode_t's mutex and, for mutating calls, the owning
// superblock's write lock inside an open log transaction.
type Inode_i interface {
	Lookup(name ustr.Ustr) (Ino_t, defs.Err_t)
	Create(name ustr.Ustr, mode uint) (Ino_t, defs.Err_t)
	Mkdir(name ustr.Ustr, mode uint) (Ino_t, defs.Err_t)
	Mknod(name ustr.Ustr, mode uint, rdev uint) (Ino_t, defs.Err_t)
	Unlink(name ustr.Ustr) defs.Err_t
	Rmdir(name ustr.Ustr) defs.Err_t
	Link(name ustr.Ustr, target Ino_t) defs.Err_t
	Symlink(name ustr.Ustr, target ustr.Ustr) (Ino_t, defs.Err_t)
	Readlink() (ustr.Ustr, defs.Err_t)
	Truncate(size int) defs.Err_t
	ReadAt(off int, dst fdops.Userio_i) (int, defs.Err_t)
	WriteAt(off int, src fdops.Userio_i) (int, defs.Err_t)
	Stat(st fdops.StatWriter) defs.Err_t
	Nlink() int
	Mode() uint
	Size() int
}

// Superblock_i is the back end's per-filesystem operations table. Log
// returns the back end's own write-ahead log when it keeps its
// metadata crash-consistent that way, or nil for a back end (such as
// a test fake) with nothing to log.
type Superblock_i interface {
	GetInode(ino Ino_t) (Inode_i, defs.Err_t)
	DestroyInode(ino Ino_t) defs.Err_t
	SyncInode(ino Ino_t) defs.Err_t
	RootIno() Ino_t
	Sync() defs.Err_t
	Free() defs.Err_t
	Log() *wal.Log_t
}

// Fstype_i is a registered filesystem type's {mount, free} table
// (spec.md §4.F "Registration").
type Fstype_i interface {
	Name() string
	ID() int
	Mount(disk wal.Disk_i) (Superblock_i, defs.Err_t)
}

const nbuckets = 61

// Inode_t is the VFS-owned wrapper around a back end inode: identity,
// reference count, and validity/dirty state (spec.md §3 "Inode").
type Inode_t struct {
	mu    sync.Mutex
	sb    *Superblock_t
	ino   Ino_t
	ref   int
	valid bool
	dirty bool
	back  Inode_i
}

// Ino returns the inode's number within its superblock.
func (ip *Inode_t) Ino() Ino_t { return ip.ino }

// IsDir reports whether the inode is a directory.
func (ip *Inode_t) IsDir() bool { return ip.back.Mode()&stat.IFDIR != 0 }

// IsLnk reports whether the inode is a symbolic link.
func (ip *Inode_t) IsLnk() bool { return ip.back.Mode()&stat.IFLNK != 0 }

// MarkDirty records that the inode's metadata has changed and needs a
// sync_inode call before it may be reclaimed (spec.md §4.F "File
// operations... last put performs a final sync_inode").
func (ip *Inode_t) MarkDirty() {
	ip.mu.Lock()
	ip.dirty = true
	ip.mu.Unlock()
}

// Superblock_t wraps one mounted filesystem instance: the back end's
// operations table, the VFS-owned inode hash table (spec.md §4.F
// "bucket count fixed, e.g. 61"), and the log transactions that
// bracket its mutations.
type Superblock_t struct {
	mu      sync.RWMutex
	back    Superblock_i
	log     *wal.Log_t
	buckets [nbuckets][]*Inode_t
	fstype  string
}

func (sb *Superblock_t) bucket(ino Ino_t) int {
	if ino < 0 {
		return int(-ino) % nbuckets
	}
	return int(ino) % nbuckets
}

// GetInodeRef looks up ino in the superblock's cache, taking the read
// lock first and only upgrading to the write lock to install a freshly
// fetched inode (spec.md §4.F "Superblock / inode cache").
func (sb *Superblock_t) GetInodeRef(ino Ino_t) (*Inode_t, defs.Err_t) {
	b := sb.bucket(ino)

	sb.mu.RLock()
	for _, ip := range sb.buckets[b] {
		if ip.ino == ino {
			ip.mu.Lock()
			ip.ref++
			ip.mu.Unlock()
			sb.mu.RUnlock()
			return ip, 0
		}
	}
	sb.mu.RUnlock()

	sb.mu.Lock()
	defer sb.mu.Unlock()
	for _, ip := range sb.buckets[b] {
		if ip.ino == ino {
			ip.mu.Lock()
			ip.ref++
			ip.mu.Unlock()
			return ip, 0
		}
	}
	back, err := sb.back.GetInode(ino)
	if err != 0 {
		return nil, err
	}
	ip := &Inode_t{sb: sb, ino: ino, ref: 1, valid: true, back: back}
	sb.buckets[b] = append(sb.buckets[b], ip)
	return ip, 0
}

// PutInodeRef releases a reference taken by GetInodeRef, destroying
// the inode once its hard-link count and reference count both reach
// zero (spec.md §4.F "Reference counting").
func (sb *Superblock_t) PutInodeRef(ip *Inode_t) defs.Err_t {
	ip.mu.Lock()
	ip.ref--
	lastref := ip.ref == 0
	dirty := ip.dirty
	ip.mu.Unlock()
	if !lastref {
		return 0
	}

	if ip.back.Nlink() == 0 {
		sb.mu.Lock()
		b := sb.bucket(ip.ino)
		bucket := sb.buckets[b]
		for i, cur := range bucket {
			if cur == ip {
				sb.buckets[b] = append(bucket[:i], bucket[i+1:]...)
				break
			}
		}
		sb.mu.Unlock()
		return sb.back.DestroyInode(ip.ino)
	}
	if dirty {
		if err := sb.back.SyncInode(ip.ino); err != 0 {
			return err
		}
		ip.mu.Lock()
		ip.dirty = false
		ip.mu.Unlock()
	}
	return 0
}

// Sync flushes the superblock's back end (spec.md "fs_sync").
func (sb *Superblock_t) Sync() defs.Err_t { return sb.back.Sync() }

// Back returns the back end's own Superblock_i, for callers (e.g.
// internal/diag) that need back-end-specific diagnostics the VFS core
// itself doesn't expose.
func (sb *Superblock_t) Back() Superblock_i { return sb.back }

// withTxn runs fn under the superblock's write lock, bracketed by a
// log transaction when one is attached (spec.md §4.F "Inode mutation
// operations... the VFS opens a log transaction... around the whole
// sequence so either all metadata touches commit together or none
// do"). Begin_op may block here until a commit in flight finishes or
// the log's block budget admits another outstanding caller (spec.md
// §4.E); it does not fail with EBUSY.
func (sb *Superblock_t) withTxn(fn func() defs.Err_t) defs.Err_t {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	if sb.log == nil {
		return fn()
	}
	if err := sb.log.Begin_op(); err != 0 {
		return err
	}
	if err := fn(); err != 0 {
		sb.log.Abort_op()
		return err
	}
	return sb.log.End_op()
}

// Vfs_t is the global VFS state: the filesystem-type registry and the
// mount-stub table (spec.md §4.F "Registration", §5's lock-order
// "filesystem type list").
type Vfs_t struct {
	regMu  sync.Mutex
	types  map[string]Fstype_i
	frozen map[string]bool
	mounts *mountTable_t
}

// New constructs an empty VFS with no registered filesystem types and
// no mounts.
func New() *Vfs_t {
	return &Vfs_t{
		types:  make(map[string]Fstype_i),
		frozen: make(map[string]bool),
		mounts: newMountTable(),
	}
}

// Register adds fst to the type registry.
func (v *Vfs_t) Register(fst Fstype_i) defs.Err_t {
	v.regMu.Lock()
	defer v.regMu.Unlock()
	if _, ok := v.types[fst.Name()]; ok {
		return -defs.EEXIST
	}
	v.types[fst.Name()] = fst
	return 0
}

// Unregister removes a type, refusing while any superblock of that
// type remains mounted (spec.md §4.F "Unregistration requires the
// type to be... frozen and to have no live superblocks").
func (v *Vfs_t) Unregister(name string) defs.Err_t {
	v.regMu.Lock()
	defer v.regMu.Unlock()
	if !v.frozen[name] {
		return -defs.EBUSY
	}
	if v.mounts.hasType(name) {
		return -defs.EBUSY
	}
	delete(v.types, name)
	delete(v.frozen, name)
	return 0
}

// Freeze marks a type as no longer accepting new mounts, a
// prerequisite for Unregister.
func (v *Vfs_t) Freeze(name string) defs.Err_t {
	v.regMu.Lock()
	defer v.regMu.Unlock()
	if _, ok := v.types[name]; !ok {
		return -defs.ENOENT
	}
	v.frozen[name] = true
	return 0
}

// Mount attaches a filesystem of the named type backed by disk as the
// new root superblock, or — when at is non-nil — as the mount stub
// reached by that inode (spec.md §4.F path resolution "traverse mount
// stubs by following mnt_rooti").
func (v *Vfs_t) Mount(name string, disk wal.Disk_i, at *Inode_t) (*Superblock_t, defs.Err_t) {
	v.regMu.Lock()
	fst, ok := v.types[name]
	frozen := v.frozen[name]
	v.regMu.Unlock()
	if !ok || frozen {
		return nil, -defs.ENOENT
	}

	back, err := fst.Mount(disk)
	if err != 0 {
		return nil, err
	}
	sb := &Superblock_t{back: back, log: back.Log(), fstype: name}
	v.mounts.register(name, sb, at)
	return sb, 0
}

// Unmount detaches sb, refusing while any inode from it is still
// referenced (spec.md "Unregistration requires... no live
// superblocks" applied per-mount).
func (v *Vfs_t) Unmount(sb *Superblock_t) defs.Err_t {
	sb.mu.RLock()
	for _, bucket := range sb.buckets {
		for _, ip := range bucket {
			ip.mu.Lock()
			busy := ip.ref != 0
			ip.mu.Unlock()
			if busy {
				sb.mu.RUnlock()
				return -defs.EBUSY
			}
		}
	}
	sb.mu.RUnlock()
	v.mounts.unregister(sb)
	return sb.back.Free()
}

// RootInode returns a referenced handle to sb's root inode.
func (v *Vfs_t) RootInode(sb *Superblock_t) (*Inode_t, defs.Err_t) {
	return sb.GetInodeRef(sb.back.RootIno())
}

// Stat fills st with path's attributes.
func (v *Vfs_t) Stat(sb *Superblock_t, cwd *Inode_t, path ustr.Ustr, st *stat.Stat_t) defs.Err_t {
	ip, err := v.Lookup(sb, cwd, path)
	if err != 0 {
		return err
	}
	defer sb.PutInodeRef(ip)
	return ip.back.Stat(st)
}

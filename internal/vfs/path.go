package vfs

import (
	"rvcore/internal/defs"
	"rvcore/internal/ustr"
)

// maxSymlinkDepth bounds symbolic-link expansion (spec.md §4.F
// "follow symbolic links with a bounded depth (e.g. 10)").
const maxSymlinkDepth = 10

// Lookup resolves path to a referenced inode, starting from the
// superblock's root for an absolute path or from cwd otherwise.
// Intermediate inode references are acquired and released in strict
// LIFO order (spec.md §4.F "Path resolution").
func (v *Vfs_t) Lookup(sb *Superblock_t, cwd *Inode_t, path ustr.Ustr) (*Inode_t, defs.Err_t) {
	return v.lookup(sb, cwd, path, 0)
}

func (v *Vfs_t) lookup(sb *Superblock_t, cwd *Inode_t, path ustr.Ustr, depth int) (*Inode_t, defs.Err_t) {
	if depth > maxSymlinkDepth {
		return nil, -defs.ELOOP
	}

	var cur *Inode_t
	var err defs.Err_t
	if path.IsAbsolute() {
		cur, err = v.RootInode(sb)
	} else {
		cur, err = sb.GetInodeRef(cwd.ino)
	}
	if err != 0 {
		return nil, err
	}

	comps := ustr.Split(path)
	for i, name := range comps {
		if name.Isdot() {
			continue
		}
		if !name.Isdotdot() && !ustr.ValidName(name) {
			sb.PutInodeRef(cur)
			return nil, -defs.EINVAL
		}
		if !cur.IsDir() {
			sb.PutInodeRef(cur)
			return nil, -defs.ENOTDIR
		}

		cur.mu.Lock()
		nextIno, lerr := cur.back.Lookup(name)
		cur.mu.Unlock()
		if lerr != 0 {
			sb.PutInodeRef(cur)
			return nil, lerr
		}

		next, gerr := sb.GetInodeRef(nextIno)
		sb.PutInodeRef(cur)
		if gerr != 0 {
			return nil, gerr
		}

		if childSb, ok := v.mounts.rootiOf(next); ok {
			sb.PutInodeRef(next)
			root, rerr := v.RootInode(childSb)
			if rerr != 0 {
				return nil, rerr
			}
			next = root
			sb = childSb
		}

		if next.IsLnk() {
			next.mu.Lock()
			target, rerr := next.back.Readlink()
			next.mu.Unlock()
			sb.PutInodeRef(next)
			if rerr != 0 {
				return nil, rerr
			}
			rest := ustr.MkUstr()
			for _, c := range comps[i+1:] {
				rest = rest.Extend(c)
			}
			joined := target
			if len(rest) > 0 {
				joined = target.Extend(rest)
			}
			return v.lookup(sb, cur, joined, depth+1)
		}

		cur = next
	}
	return cur, 0
}

package vfs

import (
	"rvcore/internal/defs"
	"rvcore/internal/ustr"
)

// splitParent resolves path's containing directory and returns it
// (referenced) along with the final path component.
func (v *Vfs_t) splitParent(sb *Superblock_t, cwd *Inode_t, path ustr.Ustr) (*Inode_t, ustr.Ustr, defs.Err_t) {
	comps := ustr.Split(path)
	if len(comps) == 0 {
		return nil, nil, -defs.EINVAL
	}
	name := comps[len(comps)-1]
	if !ustr.ValidName(name) {
		return nil, nil, -defs.EINVAL
	}
	dir := ustr.MkUstr()
	if path.IsAbsolute() {
		dir = ustr.MkUstrRoot()
	}
	for _, c := range comps[:len(comps)-1] {
		dir = dir.Extend(c)
	}
	if len(dir) == 0 {
		dir = ustr.MkUstrDot()
	}
	parent, err := v.Lookup(sb, cwd, dir)
	if err != 0 {
		return nil, nil, err
	}
	return parent, name, 0
}

// mutate runs a directory-mutating back-end call under the
// containing inode's mutex, inside sb's log transaction (spec.md
// §4.F "Inode mutation operations... require the write lock on the
// containing superblock and the inode mutex").
func (sb *Superblock_t) mutate(dir *Inode_t, fn func() defs.Err_t) defs.Err_t {
	return sb.withTxn(func() defs.Err_t {
		dir.mu.Lock()
		defer dir.mu.Unlock()
		err := fn()
		if err == 0 {
			dir.dirty = true
		}
		return err
	})
}

// Create makes a new regular file named by the last component of path
// and returns a referenced handle to it.
func (v *Vfs_t) Create(sb *Superblock_t, cwd *Inode_t, path ustr.Ustr, mode uint) (*Inode_t, defs.Err_t) {
	dir, name, err := v.splitParent(sb, cwd, path)
	if err != 0 {
		return nil, err
	}
	defer sb.PutInodeRef(dir)

	var ino Ino_t
	err = sb.mutate(dir, func() defs.Err_t {
		var e defs.Err_t
		ino, e = dir.back.Create(name, mode)
		return e
	})
	if err != 0 {
		return nil, err
	}
	return sb.GetInodeRef(ino)
}

// Mkdir creates a new directory named by path's last component.
func (v *Vfs_t) Mkdir(sb *Superblock_t, cwd *Inode_t, path ustr.Ustr, mode uint) defs.Err_t {
	dir, name, err := v.splitParent(sb, cwd, path)
	if err != 0 {
		return err
	}
	defer sb.PutInodeRef(dir)
	return sb.mutate(dir, func() defs.Err_t {
		_, e := dir.back.Mkdir(name, mode)
		return e
	})
}

// Mknod creates a device special file.
func (v *Vfs_t) Mknod(sb *Superblock_t, cwd *Inode_t, path ustr.Ustr, mode uint, rdev uint) defs.Err_t {
	dir, name, err := v.splitParent(sb, cwd, path)
	if err != 0 {
		return err
	}
	defer sb.PutInodeRef(dir)
	return sb.mutate(dir, func() defs.Err_t {
		_, e := dir.back.Mknod(name, mode, rdev)
		return e
	})
}

// Symlink creates a symbolic link named by path's last component
// pointing at target.
func (v *Vfs_t) Symlink(sb *Superblock_t, cwd *Inode_t, path ustr.Ustr, target ustr.Ustr) defs.Err_t {
	dir, name, err := v.splitParent(sb, cwd, path)
	if err != 0 {
		return err
	}
	defer sb.PutInodeRef(dir)
	return sb.mutate(dir, func() defs.Err_t {
		_, e := dir.back.Symlink(name, target)
		return e
	})
}

// Link creates a hard link named by path's last component pointing at
// the existing inode identified by targetPath.
func (v *Vfs_t) Link(sb *Superblock_t, cwd *Inode_t, path, targetPath ustr.Ustr) defs.Err_t {
	target, err := v.Lookup(sb, cwd, targetPath)
	if err != 0 {
		return err
	}
	defer sb.PutInodeRef(target)

	dir, name, err := v.splitParent(sb, cwd, path)
	if err != 0 {
		return err
	}
	defer sb.PutInodeRef(dir)
	return sb.mutate(dir, func() defs.Err_t {
		return dir.back.Link(name, target.ino)
	})
}

// Unlink removes a non-directory entry named by path's last
// component.
func (v *Vfs_t) Unlink(sb *Superblock_t, cwd *Inode_t, path ustr.Ustr) defs.Err_t {
	dir, name, err := v.splitParent(sb, cwd, path)
	if err != 0 {
		return err
	}
	defer sb.PutInodeRef(dir)
	return sb.mutate(dir, func() defs.Err_t {
		return dir.back.Unlink(name)
	})
}

// Rmdir removes an empty directory entry named by path's last
// component.
func (v *Vfs_t) Rmdir(sb *Superblock_t, cwd *Inode_t, path ustr.Ustr) defs.Err_t {
	dir, name, err := v.splitParent(sb, cwd, path)
	if err != 0 {
		return err
	}
	defer sb.PutInodeRef(dir)
	return sb.mutate(dir, func() defs.Err_t {
		return dir.back.Rmdir(name)
	})
}

// Truncate resizes the file at path.
func (v *Vfs_t) Truncate(sb *Superblock_t, cwd *Inode_t, path ustr.Ustr, size int) defs.Err_t {
	ip, err := v.Lookup(sb, cwd, path)
	if err != 0 {
		return err
	}
	defer sb.PutInodeRef(ip)
	return sb.mutate(ip, func() defs.Err_t {
		return ip.back.Truncate(size)
	})
}

// Rename moves oldp to newp, both resolved relative to cwd (spec.md
// §4.F "move" among the inode mutation operations).
func (v *Vfs_t) Rename(sb *Superblock_t, cwd *Inode_t, oldp, newp ustr.Ustr) defs.Err_t {
	target, err := v.Lookup(sb, cwd, oldp)
	if err != 0 {
		return err
	}
	defer sb.PutInodeRef(target)

	oldDir, oldName, err := v.splitParent(sb, cwd, oldp)
	if err != 0 {
		return err
	}
	defer sb.PutInodeRef(oldDir)

	newDir, newName, err := v.splitParent(sb, cwd, newp)
	if err != 0 {
		return err
	}
	defer sb.PutInodeRef(newDir)

	// Lock order here is acquisition order of oldDir then newDir. Both
	// are taken inside withTxn, which holds the superblock's write lock
	// for the whole rename, so two renames on this superblock never
	// hold directory locks at the same time.
	return sb.withTxn(func() defs.Err_t {
		oldDir.mu.Lock()
		defer oldDir.mu.Unlock()
		if newDir != oldDir {
			newDir.mu.Lock()
			defer newDir.mu.Unlock()
		}
		if e := newDir.back.Link(newName, target.ino); e != 0 {
			return e
		}
		if e := oldDir.back.Unlink(oldName); e != 0 {
			return e
		}
		oldDir.dirty = true
		newDir.dirty = true
		return 0
	})
}

// Package stat mirrors a file's stat information, adapted from
// biscuit's stat package.
package stat

// Inode type tags, part of the mode's high bits (spec.md §3 "Inode").
const (
	IFREG  = 1 << 16 /// regular file
	IFDIR  = 1 << 17 /// directory
	IFLNK  = 1 << 18 /// symbolic link
	IFCHR  = 1 << 19 /// character device
	IFBLK  = 1 << 20 /// block device
	IFIFO  = 1 << 21 /// pipe
	IFSOCK = 1 << 22 /// socket
	IFMNT  = 1 << 23 /// mount stub
)

// Stat_t holds the fields reported by the VFS stat operation.
type Stat_t struct {
	dev    uint
	ino    uint
	mode   uint
	size   uint
	rdev   uint
	nlink  uint
	blocks uint
}

func (st *Stat_t) Wdev(v uint)    { st.dev = v }
func (st *Stat_t) Wino(v uint)    { st.ino = v }
func (st *Stat_t) Wmode(v uint)   { st.mode = v }
func (st *Stat_t) Wsize(v uint)   { st.size = v }
func (st *Stat_t) Wrdev(v uint)   { st.rdev = v }
func (st *Stat_t) Wnlink(v uint)  { st.nlink = v }
func (st *Stat_t) Wblocks(v uint) { st.blocks = v }

func (st *Stat_t) Dev() uint    { return st.dev }
func (st *Stat_t) Ino() uint    { return st.ino }
func (st *Stat_t) Mode() uint   { return st.mode }
func (st *Stat_t) Size() uint   { return st.size }
func (st *Stat_t) Rdev() uint   { return st.rdev }
func (st *Stat_t) Nlink() uint  { return st.nlink }
func (st *Stat_t) Blocks() uint { return st.blocks }

// IsDir reports whether the stat'd object is a directory.
func (st *Stat_t) IsDir() bool { return st.mode&IFDIR != 0 }

// IsReg reports whether the stat'd object is a regular file.
func (st *Stat_t) IsReg() bool { return st.mode&IFREG != 0 }

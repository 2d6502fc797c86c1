// Package blockdev implements a file-backed block device satisfying
// pagecache.Disk_i and wal.Disk_i, adapted from biscuit's
// ufs.ahci_disk_t (ufs/driver.go), which simulates AHCI over a plain
// *os.File with Seek+Read/Write under a mutex. This module replaces
// that seek-then-readwrite pattern with positioned golang.org/x/sys/
// unix Pread/Pwrite (no seek, no shared file offset to race on) and
// Fdatasync in place of os.File.Sync, both idiomatic choices for a
// device the page cache and log hit concurrently.
package blockdev

import (
	"os"

	"golang.org/x/sys/unix"
)

// BSIZE is the device's block size in bytes.
const BSIZE = 4096

// File is a block device backed by a regular file, sized to a whole
// number of BSIZE blocks.
type File struct {
	f *os.File
}

// Open opens (and if needed creates) path as a block device with
// nblocks blocks of zeroed storage when newly created.
func Open(path string, nblocks int) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	want := int64(nblocks) * BSIZE
	if fi.Size() < want {
		if err := f.Truncate(want); err != nil {
			f.Close()
			return nil, err
		}
	}
	return &File{f: f}, nil
}

// ReadBlock reads block blockno into dst, which must be BSIZE bytes.
func (d *File) ReadBlock(blockno int, dst []byte) error {
	_, err := unix.Pread(int(d.f.Fd()), dst, int64(blockno)*BSIZE)
	return err
}

// WriteBlock writes src (BSIZE bytes) to block blockno.
func (d *File) WriteBlock(blockno int, src []byte) error {
	_, err := unix.Pwrite(int(d.f.Fd()), src, int64(blockno)*BSIZE)
	return err
}

// Flush forces previously written blocks to stable storage.
func (d *File) Flush() error {
	return unix.Fdatasync(int(d.f.Fd()))
}

// Close releases the underlying file descriptor.
func (d *File) Close() error {
	return d.f.Close()
}

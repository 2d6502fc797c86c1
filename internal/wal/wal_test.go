package wal

import (
	"bytes"
	"testing"
	"time"

	"rvcore/internal/defs"
)

type memDisk struct {
	blocks map[int][]byte
}

func newMemDisk() *memDisk {
	return &memDisk{blocks: make(map[int][]byte)}
}

func (d *memDisk) ReadBlock(blockno int, dst []byte) error {
	if b, ok := d.blocks[blockno]; ok {
		copy(dst, b)
	} else {
		for i := range dst {
			dst[i] = 0
		}
	}
	return nil
}

func (d *memDisk) WriteBlock(blockno int, src []byte) error {
	cp := make([]byte, len(src))
	copy(cp, src)
	d.blocks[blockno] = cp
	return nil
}

func (d *memDisk) Flush() error { return nil }

func fill(b byte) []byte {
	buf := make([]byte, BSIZE)
	for i := range buf {
		buf[i] = b
	}
	return buf
}

func TestCommitInstallsBlocks(t *testing.T) {
	disk := newMemDisk()
	l, err := Open(disk, 100, 8)
	if err != 0 {
		t.Fatalf("Open: %v", err)
	}

	if err := l.Begin_op(); err != 0 {
		t.Fatalf("Begin_op: %v", err)
	}
	if err := l.Log_write(50, fill(0xAA)); err != 0 {
		t.Fatalf("Log_write: %v", err)
	}
	if err := l.Log_write(51, fill(0xBB)); err != 0 {
		t.Fatalf("Log_write: %v", err)
	}
	if err := l.End_op(); err != 0 {
		t.Fatalf("End_op: %v", err)
	}

	if !bytes.Equal(disk.blocks[50], fill(0xAA)) {
		t.Fatal("block 50 not installed")
	}
	if !bytes.Equal(disk.blocks[51], fill(0xBB)) {
		t.Fatal("block 51 not installed")
	}
	if n := fieldr(disk.blocks[100], 0); n != 0 {
		t.Fatalf("header count after commit = %d, want 0 (cleared)", n)
	}
}

func TestAbsorptionCoalescesRepeatWrites(t *testing.T) {
	disk := newMemDisk()
	l, err := Open(disk, 100, 8)
	if err != 0 {
		t.Fatalf("Open: %v", err)
	}
	if err := l.Begin_op(); err != 0 {
		t.Fatalf("Begin_op: %v", err)
	}
	if err := l.Log_write(50, fill(0x11)); err != 0 {
		t.Fatalf("Log_write: %v", err)
	}
	if err := l.Log_write(50, fill(0x22)); err != 0 {
		t.Fatalf("Log_write: %v", err)
	}
	if len(l.bodies) != 1 {
		t.Fatalf("bodies = %d, want 1 (absorbed)", len(l.bodies))
	}
	if err := l.End_op(); err != 0 {
		t.Fatalf("End_op: %v", err)
	}
	if !bytes.Equal(disk.blocks[50], fill(0x22)) {
		t.Fatal("expected the later write to win after absorption")
	}
}

func TestRecoveryReplaysCommittedHeader(t *testing.T) {
	disk := newMemDisk()

	// Simulate a crash after the header commit but before install: the
	// log body blocks hold the new data, the header names them, but
	// the destination blocks still have stale contents.
	hdr := make([]byte, BSIZE)
	fieldw(hdr, 0, 1)
	fieldw(hdr, 1, 77)
	disk.blocks[100] = hdr
	disk.blocks[101] = fill(0xCC)
	disk.blocks[77] = fill(0x00)

	l, err := Open(disk, 100, 8)
	if err != 0 {
		t.Fatalf("Open: %v", err)
	}
	if !bytes.Equal(disk.blocks[77], fill(0xCC)) {
		t.Fatal("expected recovery to install the committed block")
	}
	if n := fieldr(disk.blocks[100], 0); n != 0 {
		t.Fatalf("header count after recovery = %d, want 0", n)
	}
	_ = l
}

func TestRecoveryDiscardsCorruptHeader(t *testing.T) {
	disk := newMemDisk()
	hdr := make([]byte, BSIZE)
	fieldw(hdr, 0, 999) // declared count exceeds this log's capacity
	disk.blocks[100] = hdr

	if _, err := Open(disk, 100, 8); err != 0 {
		t.Fatalf("Open: %v", err)
	}
	if n := fieldr(disk.blocks[100], 0); n != 0 {
		t.Fatalf("header count after discard = %d, want 0", n)
	}
}

func TestConcurrentOutstandingShareOneCommit(t *testing.T) {
	disk := newMemDisk()
	l, err := Open(disk, 100, 8)
	if err != 0 {
		t.Fatalf("Open: %v", err)
	}
	if err := l.Begin_op(); err != 0 {
		t.Fatalf("Begin_op 1: %v", err)
	}
	if err := l.Begin_op(); err != 0 {
		t.Fatalf("Begin_op 2: %v", err)
	}
	if err := l.Log_write(50, fill(0xAA)); err != 0 {
		t.Fatalf("Log_write: %v", err)
	}
	if err := l.End_op(); err != 0 {
		t.Fatalf("End_op 1: %v", err)
	}
	// the first End_op only releases its own slot; the second caller
	// is still outstanding, so the batch must not have committed yet.
	if _, ok := disk.blocks[50]; ok {
		t.Fatal("commit ran before the last outstanding caller left")
	}
	if err := l.Log_write(51, fill(0xBB)); err != 0 {
		t.Fatalf("Log_write: %v", err)
	}
	if err := l.End_op(); err != 0 {
		t.Fatalf("End_op 2: %v", err)
	}
	if !bytes.Equal(disk.blocks[50], fill(0xAA)) {
		t.Fatal("block 50 not installed after the batch committed")
	}
	if !bytes.Equal(disk.blocks[51], fill(0xBB)) {
		t.Fatal("block 51 not installed after the batch committed")
	}
}

func TestBeginOpBlocksUntilBudgetFrees(t *testing.T) {
	disk := newMemDisk()
	// length 8 -> 7 body slots; maxOpBlocks=3 admits at most two
	// outstanding callers before a third must block.
	l, err := Open(disk, 100, 8)
	if err != 0 {
		t.Fatalf("Open: %v", err)
	}
	if err := l.Begin_op(); err != 0 {
		t.Fatalf("Begin_op 1: %v", err)
	}
	if err := l.Begin_op(); err != 0 {
		t.Fatalf("Begin_op 2: %v", err)
	}

	done := make(chan defs.Err_t, 1)
	go func() {
		done <- l.Begin_op()
	}()

	select {
	case <-done:
		t.Fatal("Begin_op admitted a third caller past the log's block budget")
	case <-time.After(50 * time.Millisecond):
	}

	if err := l.End_op(); err != 0 {
		t.Fatalf("End_op 1: %v", err)
	}

	select {
	case err := <-done:
		if err != 0 {
			t.Fatalf("blocked Begin_op returned an error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("blocked Begin_op never woke once a slot freed up")
	}

	l.Abort_op()
	l.Abort_op()
}

func TestBeginOpBlocksDuringCommit(t *testing.T) {
	disk := newMemDisk()
	l, err := Open(disk, 100, 8)
	if err != 0 {
		t.Fatalf("Open: %v", err)
	}
	if err := l.Begin_op(); err != 0 {
		t.Fatalf("Begin_op: %v", err)
	}
	if err := l.Log_write(50, fill(0xAA)); err != 0 {
		t.Fatalf("Log_write: %v", err)
	}

	l.mu.Lock()
	l.committing = true
	l.outstanding--
	l.mu.Unlock()

	done := make(chan defs.Err_t, 1)
	go func() {
		done <- l.Begin_op()
	}()

	select {
	case <-done:
		t.Fatal("Begin_op admitted a caller while a commit was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	l.mu.Lock()
	l.committing = false
	l.notBusy.Broadcast()
	l.mu.Unlock()

	select {
	case err := <-done:
		if err != 0 {
			t.Fatalf("blocked Begin_op returned an error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("blocked Begin_op never woke once the commit finished")
	}
	l.Abort_op()
}

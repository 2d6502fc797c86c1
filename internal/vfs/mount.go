package vfs

import "sync"

// mountTable_t maps a mount-stub inode to the superblock mounted
// there, plus tracks each superblock's filesystem-type name so
// Vfs_t.Unregister can refuse a type with live mounts (spec.md §4.F
// "Unregistration requires... no live superblocks").
type mountTable_t struct {
	mu    sync.Mutex
	stubs map[*Inode_t]*Superblock_t
	byTyp map[string]int
}

func newMountTable() *mountTable_t {
	return &mountTable_t{
		stubs: make(map[*Inode_t]*Superblock_t),
		byTyp: make(map[string]int),
	}
}

func (mt *mountTable_t) register(typ string, sb *Superblock_t, at *Inode_t) {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	if at != nil {
		mt.stubs[at] = sb
	}
	mt.byTyp[typ]++
}

func (mt *mountTable_t) unregister(sb *Superblock_t) {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	for stub, s := range mt.stubs {
		if s == sb {
			delete(mt.stubs, stub)
		}
	}
	if mt.byTyp[sb.fstype] > 0 {
		mt.byTyp[sb.fstype]--
	}
}

func (mt *mountTable_t) hasType(typ string) bool {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	return mt.byTyp[typ] > 0
}

// rootiOf returns the superblock mounted at stub, if any (the
// teacher's mnt_rooti indirection).
func (mt *mountTable_t) rootiOf(stub *Inode_t) (*Superblock_t, bool) {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	sb, ok := mt.stubs[stub]
	return sb, ok
}

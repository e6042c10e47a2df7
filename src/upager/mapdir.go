// Package upager implements the user-space demand-paging layer: the
// mapping directory (C6), the victim chooser and safe allocator
// wrappers (C7), and the page-fault/CoW-fork flow (C4.4/C4.5)'s
// user-side half. Grounded throughout on original_source/lib/paging.c.
package upager

import (
	"sync"

	"mem"
)

// MTE_t is one mapping-table entry: unlike a hardware PTE, MTE_Present
// here means "this page is on swap", not "this page is mapped" -- the
// inverted meaning the spec calls out explicitly. Permission bits are
// preserved across eviction so PageIn can restore them unchanged.
type MTE_t uint32

const (
	MTE_Present MTE_t = 0x001
	mteFlagMask       = 0xFFF
	mteSlotShift      = 12
)

// MTEVal returns the swap slot index packed into an MTE_t.
func MTEVal(m MTE_t) uint32 { return uint32(m) >> mteSlotShift }

// MTEFlags returns the low 12 bits (PTE_SYSCALL perms plus MTE_Present).
func MTEFlags(m MTE_t) MTE_t { return m & mteFlagMask }

func mkMTE(slot uint32, perm mem.PTE_t) MTE_t {
	return MTE_t(slot<<mteSlotShift) | MTE_t(perm&mteFlagMask) | MTE_Present
}

const (
	nmdentries = mem.NPDENTRIES
	nmtentries = mem.NPTENTRIES
)

// MappingDir_t is a two-level structure parallel to the hardware page
// table, one entry per swapped-out user page. Tables are allocated
// lazily, mirroring paging.c's umapdir_walk.
type MappingDir_t struct {
	sync.Mutex
	tables [nmdentries]*[nmtentries]MTE_t
}

func mdx(va uintptr) uint32 { return mem.PDX(va) }
func mtx(va uintptr) uint32 { return mem.PTX(va) }

// Get returns the mapping-table entry for va, if the page is on swap.
func (d *MappingDir_t) Get(va uintptr) (MTE_t, bool) {
	d.Lock()
	defer d.Unlock()
	t := d.tables[mdx(va)]
	if t == nil {
		return 0, false
	}
	e := t[mtx(va)]
	if e&MTE_Present == 0 {
		return 0, false
	}
	return e, true
}

// Set records that va's page has been evicted to slot with the given
// permission bits, allocating the second-level table on first use.
func (d *MappingDir_t) Set(va uintptr, slot uint32, perm mem.PTE_t) {
	d.Lock()
	defer d.Unlock()
	i := mdx(va)
	if d.tables[i] == nil {
		d.tables[i] = new([nmtentries]MTE_t)
	}
	d.tables[i][mtx(va)] = mkMTE(slot, perm)
}

// Clear removes va's mapping-table entry (the page has been paged back
// in, or the mapping has been destroyed outright).
func (d *MappingDir_t) Clear(va uintptr) {
	d.Lock()
	defer d.Unlock()
	t := d.tables[mdx(va)]
	if t == nil {
		return
	}
	t[mtx(va)] = 0
}

package env

import (
	"defs"
	"mem"
)

// Fork creates a child of parent via copy-on-write, duplicating every
// mapping below USTACKTOP. Grounded on original_source/lib/fork.c's
// fork()/duppage(): the branch taken depends on the parent's mapping's
// permission bits, not on a single blanket policy.
func (k *Kernel_t) Fork(parent *Env_t) (*Env_t, defs.Err_t) {
	child, err := k.Exofork(parent.ID)
	if err != 0 {
		return nil, err
	}
	for va := uintptr(0); va < mem.USTACKTOP; va += mem.PGSIZE {
		pte, ok := parent.Pmap.Lookup(va)
		if !ok {
			continue
		}
		if err := duppage(parent, child, va, pte); err != 0 {
			k.Destroy(child)
			return nil, err
		}
	}
	k.SetStatus(child, Runnable)
	return child, 0
}

// duppage implements fork.c's four-way branch for one parent PTE.
func duppage(parent, child *Env_t, va uintptr, pte mem.PTE_t) defs.Err_t {
	perm := mem.PTE_FLAGS(pte)
	pa := mem.PTE_ADDR(pte)

	switch {
	case perm&mem.PTE_SHARE != 0:
		// Shared mappings are never made copy-on-write: both
		// environments must keep observing each other's writes.
		return child.Pmap.Insert(va, pa, perm, &child.PagesCharged)

	case perm&mem.PTE_NOPAGE != 0:
		// Kernel paging metadata (the mapping directory, e.g.) must
		// never become copy-on-write -- duplicate it outright so a
		// write in one environment cannot corrupt the other's
		// bookkeeping.
		newpa, ok := mem.Physmem.AllocFrame()
		if !ok {
			return defs.ENOMEM
		}
		copy(mem.Physmem.Bytes(newpa), mem.Physmem.Bytes(pa))
		return child.Pmap.Insert(va, newpa, perm, &child.PagesCharged)

	case perm&(mem.PTE_W|mem.PTE_COW) != 0:
		cowperm := (perm &^ mem.PTE_W) | mem.PTE_COW
		if err := child.Pmap.Insert(va, pa, cowperm, &child.PagesCharged); err != 0 {
			return err
		}
		// The parent must also become copy-on-write: its own
		// mapping was writable a moment ago and the frame is now
		// shared with the child.
		return parent.Pmap.Insert(va, pa, cowperm, &parent.PagesCharged)

	default:
		return child.Pmap.Insert(va, pa, perm, &child.PagesCharged)
	}
}

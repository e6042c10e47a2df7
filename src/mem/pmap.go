package mem

import "defs"

// Pmap_t is one address space's two-level page table: a directory frame
// whose 1024 entries each (optionally) point at a table frame of 1024
// leaf PTEs.
type Pmap_t struct {
	DirPa Pa_t
}

// NewPmap allocates a fresh, empty page directory. The directory frame
// is Refup'd immediately: unlike a leaf frame, which becomes owned only
// once some Insert points a PTE at it, a directory frame is owned by
// the Pmap_t itself from the moment it exists, so Free's matching
// Refdown has a reference to drop.
func NewPmap() (*Pmap_t, defs.Err_t) {
	pa, ok := Physmem.AllocFrame()
	if !ok {
		return nil, defs.ENOMEM
	}
	Physmem.Refup(pa)
	return &Pmap_t{DirPa: pa}, 0
}

// dirWalk returns the table frame that would hold va's leaf PTE,
// allocating it if alloc is true and it does not exist yet. A newly
// allocated table frame is Refup'd here for the same reason NewPmap
// Refup's the directory frame: it is owned by the directory entry that
// now points at it, not by any leaf Insert.
func (pm *Pmap_t) dirWalk(va uintptr, alloc bool) (Pa_t, defs.Err_t) {
	dir := Physmem.Pmap(pm.DirPa)
	pde := &dir[PDX(va)]
	if *pde&PTE_P == 0 {
		if !alloc {
			return 0, defs.EFAULT
		}
		tpa, ok := Physmem.AllocFrame()
		if !ok {
			return 0, defs.ENOMEM
		}
		Physmem.Refup(tpa)
		*pde = mkpte(tpa, PTE_P|PTE_W|PTE_U)
	}
	return PTE_ADDR(*pde), 0
}

// DirWalk exposes dirWalk's lookup (no allocation) for callers (the
// monitor, the fault handler) that only need to inspect the mapping.
func (pm *Pmap_t) DirWalk(va uintptr) (table Pa_t, ok bool) {
	t, err := pm.dirWalk(va, false)
	return t, err == 0
}

// Lookup returns the PTE mapping va, if any.
func (pm *Pmap_t) Lookup(va uintptr) (PTE_t, bool) {
	table, err := pm.dirWalk(va, false)
	if err != 0 {
		return 0, false
	}
	pte := Physmem.Pmap(table)[PTX(va)]
	if pte&PTE_P == 0 {
		return 0, false
	}
	return pte, true
}

// Insert maps va to pa with the given permission bits, replacing any
// existing mapping at va (dropping that mapping's reference first, as
// the teacher's Page_insert does for re-inserts of the same or a
// different frame). perm must be a subset of PTE_SYSCALL.
//
// chargeCtr, if non-nil, is the caller environment's pages_charged
// counter: it is decremented when an existing mapping at va is
// replaced and incremented for the new mapping, so a reinsert at the
// same va leaves it unchanged and a fresh mapping counts once.
func (pm *Pmap_t) Insert(va uintptr, pa Pa_t, perm PTE_t, chargeCtr *int) defs.Err_t {
	if va%PGSIZE != 0 {
		return defs.EINVAL
	}
	if perm&^PTE_SYSCALL != 0 {
		return defs.EINVAL
	}
	table, err := pm.dirWalk(va, true)
	if err != 0 {
		return err
	}
	Physmem.Refup(pa)
	tab := Physmem.Pmap(table)
	if old := tab[PTX(va)]; old&PTE_P != 0 {
		oldpa := PTE_ADDR(old)
		Physmem.RemoveRmap(oldpa, table, PTX(va))
		Physmem.Refdown(oldpa)
		if chargeCtr != nil {
			*chargeCtr--
		}
	}
	tab[PTX(va)] = mkpte(pa, perm|PTE_P)
	Physmem.AddRmap(pa, table, PTX(va))
	if chargeCtr != nil {
		*chargeCtr++
	}
	return 0
}

// Remove unmaps va, if it is mapped. It is a no-op otherwise. chargeCtr,
// if non-nil, is decremented when a mapping was actually removed.
func (pm *Pmap_t) Remove(va uintptr, chargeCtr *int) {
	table, err := pm.dirWalk(va, false)
	if err != 0 {
		return
	}
	tab := Physmem.Pmap(table)
	pte := tab[PTX(va)]
	if pte&PTE_P == 0 {
		return
	}
	pa := PTE_ADDR(pte)
	tab[PTX(va)] = 0
	Physmem.RemoveRmap(pa, table, PTX(va))
	Physmem.Refdown(pa)
	if chargeCtr != nil {
		*chargeCtr--
	}
}

// Perm returns the permission bits currently set at va.
func (pm *Pmap_t) Perm(va uintptr) (PTE_t, bool) {
	pte, ok := pm.Lookup(va)
	if !ok {
		return 0, false
	}
	return PTE_FLAGS(pte), true
}

// SetPerm overwrites the permission bits of an existing mapping without
// touching the frame it maps or its refcount.
func (pm *Pmap_t) SetPerm(va uintptr, perm PTE_t) defs.Err_t {
	table, err := pm.dirWalk(va, false)
	if err != 0 {
		return defs.EFAULT
	}
	tab := Physmem.Pmap(table)
	pte := tab[PTX(va)]
	if pte&PTE_P == 0 {
		return defs.EFAULT
	}
	if perm&^PTE_SYSCALL != 0 {
		return defs.EINVAL
	}
	tab[PTX(va)] = mkpte(PTE_ADDR(pte), perm|PTE_P)
	return 0
}

// ClearAccessed clears the accessed bit at (table, idx) -- the per-alias
// step of the ager's sweep.
func ClearAccessed(table Pa_t, idx uint32) {
	tab := Physmem.Pmap(table)
	tab[idx] &^= PTE_A
}

// Accessed reports whether (table, idx)'s accessed bit is set.
func Accessed(table Pa_t, idx uint32) bool {
	tab := Physmem.Pmap(table)
	return tab[idx]&PTE_A != 0
}

// Free tears down every mapping below UTOP in this address space,
// dropping a reference on each mapped frame, then frees the directory
// and table frames themselves.
func (pm *Pmap_t) Free() {
	dir := Physmem.Pmap(pm.DirPa)
	for pdx := 0; pdx < NPDENTRIES; pdx++ {
		pde := dir[pdx]
		if pde&PTE_P == 0 {
			continue
		}
		table := PTE_ADDR(pde)
		tab := Physmem.Pmap(table)
		for ptx := 0; ptx < NPTENTRIES; ptx++ {
			pte := tab[ptx]
			if pte&PTE_P == 0 {
				continue
			}
			pa := PTE_ADDR(pte)
			tab[ptx] = 0
			Physmem.RemoveRmap(pa, table, uint32(ptx))
			Physmem.Refdown(pa)
		}
		dir[pdx] = 0
		Physmem.Refdown(table)
	}
	Physmem.Refdown(pm.DirPa)
}

package upager

import "mem"

const totalEntries = mem.NPDENTRIES * mem.NPTENTRIES

// fractionToWalk implements f(age) = (age/(MAX_AGE+1))^2: the colder
// (lower-age) the best candidate found so far, the smaller the fraction
// of the address space left to examine. Grounded on
// original_source/lib/paging.c's percentage_of_pgdir_to_walk.
func fractionToWalk(age uint8) float64 {
	r := float64(age) / float64(uint16(mem.MaxAge)+1)
	return r * r
}

// VictimChooser_t holds the persisted scan cursor a Choose call
// resumes from, so successive calls sweep the address space instead of
// re-examining the same prefix every time.
type VictimChooser_t struct {
	cursor uintptr
}

// Choose walks pm from the cursor looking for the coldest evictable
// page: one that is present, not PTE_SHARE (shared pages are never
// victims -- evicting one would corrupt every other environment's view
// of it), not PTE_NOPAGE (kernel paging metadata), and not cross-mapped
// (refcount > 1, since this module does not track which other
// environment would be left dangling). The walk is bounded by
// fractionToWalk of the best age seen so far; it returns the best
// candidate found once that bound is reached, or ok=false if nothing
// evictable was found at all.
func (vc *VictimChooser_t) Choose(pm *mem.Pmap_t) (va uintptr, ok bool) {
	bestAge := mem.MaxAge
	var bestVA uintptr
	found := false
	walked := 0
	bound := boundFor(bestAge)

	for walked < bound {
		cur := vc.cursor
		vc.cursor += mem.PGSIZE
		if vc.cursor >= mem.USTACKTOP {
			vc.cursor = 0
		}
		walked++

		if cur >= mem.USTACKTOP {
			continue
		}
		pte, present := pm.Lookup(cur)
		if !present {
			continue
		}
		perm := mem.PTE_FLAGS(pte)
		if perm&(mem.PTE_SHARE|mem.PTE_NOPAGE) != 0 {
			continue
		}
		pa := mem.PTE_ADDR(pte)
		if mem.Physmem.Refcnt(pa) > 1 {
			continue
		}
		age := mem.Physmem.Age(pa)
		if !found || age < bestAge {
			bestAge, bestVA, found = age, cur, true
			if b := walked + boundFor(bestAge); b > walked {
				bound = b
			}
		}
	}
	return bestVA, found
}

func boundFor(age uint8) int {
	b := int(fractionToWalk(age) * float64(totalEntries))
	if b < 1 {
		b = 1
	}
	return b
}

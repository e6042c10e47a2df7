package mem

/// Ager_t sweeps the frame table on every timer tick, aging frames up or
/// down so the victim chooser (upager) has a signal to rank eviction
/// candidates by. Grounded on the budget/constant scheme in
/// original_source/inc/page.h and the aging behavior implicit in
/// original_source/lib/paging.c's environment_page_age_page_choice_func0.
type Ager_t struct {
	cursor uint32 // next frame number to examine, wraps at NFrames
	clock  uint64 // monotonic counter stamped onto Frame_t.Timestamp on access
}

/// budget returns how many frames this tick should examine. The
/// baseline is NPageUpdatesFactor * NPagesFreeLowThreshold; memory
/// pressure adds to it in two independent steps (both apply once free
/// drops below NPagesFreeLowThreshold, since that implies it is also
/// below NPagesFreeHighThreshold), exactly as spec.md's formula:
///
///	budget = FACTOR * LOW
///	if free < HIGH { budget += FACTOR * LOW }
///	if free < LOW  { budget += FACTOR * HIGH }
func (a *Ager_t) budget() int {
	free := Physmem.NFree()
	budget := NPageUpdatesFactor * NPagesFreeLowThreshold
	if free < NPagesFreeHighThreshold {
		budget += NPageUpdatesFactor * NPagesFreeLowThreshold
	}
	if free < NPagesFreeLowThreshold {
		budget += NPageUpdatesFactor * NPagesFreeHighThreshold
	}
	return budget
}

/// Tick examines budget() frames starting at the cursor: any frame
/// accessed since the last sweep (PTE_A set on at least one alias) has
/// its age bumped up (saturating at MaxAge) and the accessed bit cleared
/// on every alias; everything else is aged down toward zero.
func (a *Ager_t) Tick() (framesAged, framesReset int) {
	total := Physmem.NFrames()
	if total == 0 {
		return 0, 0
	}
	n := a.budget()
	if n > total {
		n = total
	}
	for i := 0; i < n; i++ {
		fn := (a.cursor + uint32(i)) % uint32(total)
		pa := frameaddr(fn)
		accessed := false
		Physmem.EachRmap(pa, func(table Pa_t, idx uint32) {
			if Accessed(table, idx) {
				accessed = true
				ClearAccessed(table, idx)
			}
		})
		Physmem.Lock()
		fr := &Physmem.frames[fn]
		if fr.Refcnt == 0 {
			Physmem.Unlock()
			continue
		}
		if accessed {
			na := uint32(fr.Age) + uint32(AgeIncrementOnAccess)
			if na > uint32(MaxAge) {
				na = uint32(MaxAge)
			}
			fr.Age = uint8(na)
			nfu := uint32(fr.NFUAge) + uint32(AgeIncrementOnAccess)
			if nfu > uint32(MaxAge) {
				nfu = uint32(MaxAge)
			}
			fr.NFUAge = uint8(nfu)
			a.clock++
			fr.Timestamp = a.clock
			framesAged++
		} else if fr.Age > 0 {
			d := AgeDecrementOnClock
			if fr.Age < d {
				fr.Age = 0
			} else {
				fr.Age -= d
			}
			framesReset++
		}
		Physmem.Unlock()
	}
	a.cursor = (a.cursor + uint32(n)) % uint32(total)
	return framesAged, framesReset
}

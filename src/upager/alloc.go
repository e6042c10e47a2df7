package upager

import (
	"defs"
	"mem"
)

// maxEvictionAttempts bounds PageAlloc's retry loop; a real kernel would
// retry until preempted, but a simulation needs a hard stop for the
// pathological case of no evictable page existing anywhere.
const maxEvictionAttempts = 4096

// fairShare returns this environment's quota of physical frames under
// the per-environment fair-allocation policy: physical_frames /
// live_envs, floored at 1 so a single live environment is never
// capped below the whole machine.
func (p *Proc_t) fairShare() int {
	live := p.K.LiveEnvs()
	if live < 1 {
		live = 1
	}
	share := mem.Physmem.NFrames() / live
	if share < 1 {
		share = 1
	}
	return share
}

// overQuota reports whether p has already charged its fair share of
// physical frames and memory is tight enough (free frames under the
// soft threshold) that the policy should bite. NPagesFreeHighThreshold
// is used as the soft threshold -- it is the point the ager itself
// starts treating memory as under pressure, well before the harder
// NPagesFreeLowThreshold the ager reserves for its heaviest sweeps.
func (p *Proc_t) overQuota() bool {
	return mem.Physmem.NFree() < mem.NPagesFreeHighThreshold && p.Env.PagesCharged >= p.fairShare()
}

// PageAlloc is the safe allocator: it transparently evicts another page
// on NO_MEM and retries, grounded on original_source/lib/paging.c's
// page_alloc. If va currently names an evicted (on-swap) page, this
// implements the spec's resolved Open Question: the stale slot is
// PAGE_REMOVE'd and the allocation proceeds, rather than panicking or
// failing with EINVAL.
//
// Before drawing a fresh frame from the global pool, it enforces the
// per-environment fair-allocation policy: an environment that has
// already charged its share under memory pressure is forced to evict
// one of its own pages first, so growing further never starves a
// sibling environment that has not yet reached its own share.
func (p *Proc_t) PageAlloc(va uintptr, perm mem.PTE_t) defs.Err_t {
	if mte, ok := p.MapDir.Get(va); ok {
		if err := p.Swap.PageRemove(p.Env, MTEVal(mte)); err != 0 {
			return err
		}
		p.MapDir.Clear(va)
	}
	for attempt := 0; attempt < maxEvictionAttempts; attempt++ {
		if p.overQuota() {
			if err := p.evictOne(); err != 0 {
				return err
			}
			backoffYield(attempt)
			continue
		}
		pa, ok := mem.Physmem.AllocFrame()
		if ok {
			err := p.Env.Pmap.Insert(va, pa, perm, &p.Env.PagesCharged)
			if err == 0 {
				return 0
			}
			mem.Physmem.FreeFrame(pa)
			if err != defs.ENOMEM {
				return err
			}
		}
		if err := p.evictOne(); err != 0 {
			return err
		}
		backoffYield(attempt)
	}
	return defs.ENOMEM
}

// Evict forces exactly one eviction, for callers (the demo harness)
// that want to exercise paging pressure without waiting for a
// real allocation to fail first.
func (p *Proc_t) Evict() defs.Err_t {
	return p.evictOne()
}

// evictOne chooses one victim page, pages it out through the swap
// server, records it in the mapping directory, and unmaps it -- freeing
// exactly one physical frame, or reports why it could not.
func (p *Proc_t) evictOne() defs.Err_t {
	victim, ok := p.victim.Choose(p.Env.Pmap)
	if !ok {
		return defs.ENOMEM
	}
	pte, ok := p.Env.Pmap.Lookup(victim)
	if !ok {
		return defs.EFAULT
	}
	perm := mem.PTE_FLAGS(pte)
	slot, err := p.Swap.PageOut(p.Env, victim)
	if err != 0 {
		return err
	}
	p.MapDir.Set(victim, slot, perm)
	p.Env.Pmap.Remove(victim, &p.Env.PagesCharged)
	return 0
}

// PageIn reads an evicted page back from swap and restores it at va
// with its original permission bits, grounded on paging.c's page_in.
func (p *Proc_t) PageIn(va uintptr) defs.Err_t {
	mte, ok := p.MapDir.Get(va)
	if !ok {
		return defs.EINVAL
	}
	slot := MTEVal(mte)
	origPerm := mem.PTE_t(MTEFlags(mte)) & mem.PTE_SYSCALL
	if err := p.Swap.PageIn(p.Env, slot, va); err != 0 {
		return err
	}
	p.MapDir.Clear(va)
	return p.Env.Pmap.SetPerm(va, mem.PTE_t(origPerm)|mem.PTE_P)
}

// PageMap maps dstva to whatever is currently at srcva in src's address
// space, evicting to make room exactly as PageAlloc does, and paging a
// swapped-out source back in first if necessary -- grounded on
// paging.c's page_map.
func (p *Proc_t) PageMap(src *Proc_t, srcva uintptr, dstva uintptr, perm mem.PTE_t) defs.Err_t {
	if _, onSwap := src.MapDir.Get(srcva); onSwap {
		if err := src.PageIn(srcva); err != 0 {
			return err
		}
	}
	pte, ok := src.Env.Pmap.Lookup(srcva)
	if !ok {
		return defs.EFAULT
	}
	pa := mem.PTE_ADDR(pte)
	for attempt := 0; attempt < maxEvictionAttempts; attempt++ {
		if err := p.Env.Pmap.Insert(dstva, pa, perm, &p.Env.PagesCharged); err != defs.ENOMEM {
			return err
		}
		if err := p.evictOne(); err != 0 {
			return err
		}
		backoffYield(attempt)
	}
	return defs.ENOMEM
}

// PageUnmap safely tears down va whether it is currently hardware-mapped
// or sitting on swap, grounded on paging.c's page_unmap.
func (p *Proc_t) PageUnmap(va uintptr) defs.Err_t {
	if mte, ok := p.MapDir.Get(va); ok {
		if err := p.Swap.PageRemove(p.Env, MTEVal(mte)); err != 0 {
			return err
		}
		p.MapDir.Clear(va)
		return 0
	}
	p.Env.Pmap.Remove(va, &p.Env.PagesCharged)
	return 0
}

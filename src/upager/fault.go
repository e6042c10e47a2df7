package upager

import (
	"defs"
	"mem"
)

// FaultHandler is a user-registered fault handler, dispatched by Fault
// when the faulting page is not on swap and is either unmapped (read or
// write) or mapped read-only and not copy-on-write (write). It reports
// whether it handled the fault.
type FaultHandler func(p *Proc_t, va uintptr, write bool) (handled bool, err defs.Err_t)

// AddFaultHandler pushes h onto this process's handler stack. Handlers
// are consulted most-recently-added first, grounded on
// original_source/lib/pgfault.c's add_pgfault_handler/
// _pgfault_handler_wrapper stack discipline.
func (p *Proc_t) AddFaultHandler(h FaultHandler) {
	p.handlers = append(p.handlers, h)
}

// Fault is the single entry point the environment's trap path calls on
// every page fault below UTOP. It tries, in order: paging the page back
// in if it is on swap (paging.c's paging_pgfault_handler), duplicating a
// copy-on-write page on a write fault (fork.c's pgfault), and finally
// the user-registered handler stack, most-recent first.
func (p *Proc_t) Fault(va uintptr, write bool) defs.Err_t {
	alignedVA := va &^ (mem.PGSIZE - 1)

	if _, onSwap := p.MapDir.Get(alignedVA); onSwap {
		return p.PageIn(alignedVA)
	}

	pte, present := p.Env.Pmap.Lookup(alignedVA)
	if !present {
		return p.dispatchHandlers(alignedVA, write)
	}

	perm := mem.PTE_FLAGS(pte)
	if write && perm&mem.PTE_COW != 0 {
		return p.cowFault(alignedVA, perm)
	}
	if write && perm&mem.PTE_W == 0 {
		return p.dispatchHandlers(alignedVA, write)
	}
	return 0
}

// dispatchHandlers walks the handler stack most-recently-added first, as
// pgfault.c's wrapper does, stopping at the first one that claims the
// fault.
func (p *Proc_t) dispatchHandlers(va uintptr, write bool) defs.Err_t {
	for i := len(p.handlers) - 1; i >= 0; i-- {
		if handled, err := p.handlers[i](p, va, write); handled {
			return err
		}
	}
	return defs.EFAULT
}

// cowFault duplicates a copy-on-write page into a fresh frame the
// faulting environment owns exclusively, then remaps va writable and
// no longer COW -- grounded on fork.c's pgfault(). Unlike pgfault's
// PFTEMP staging mapping, the copy goes straight from the old frame's
// bytes to the new frame's; no staging address is mapped.
func (p *Proc_t) cowFault(va uintptr, perm mem.PTE_t) defs.Err_t {
	pa, ok := mem.Physmem.AllocFrame()
	if !ok {
		if err := p.evictOne(); err != 0 {
			return err
		}
		pa, ok = mem.Physmem.AllocFrame()
		if !ok {
			return defs.ENOMEM
		}
	}
	copy(mem.Physmem.Bytes(pa), mem.Physmem.Bytes(mem.PTE_ADDR(p.mustLookup(va))))

	newPerm := (perm &^ mem.PTE_COW) | mem.PTE_W
	if err := p.Env.Pmap.Insert(va, pa, newPerm, &p.Env.PagesCharged); err != 0 {
		mem.Physmem.FreeFrame(pa)
		return err
	}
	return 0
}

func (p *Proc_t) mustLookup(va uintptr) mem.PTE_t {
	pte, _ := p.Env.Pmap.Lookup(va)
	return pte
}

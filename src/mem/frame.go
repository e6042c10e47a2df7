package mem

import (
	"sync"
	"unsafe"
)

/// Frame_t is the per-physical-frame descriptor the ager and victim chooser
/// read and update every sweep. Age and NFUAge both saturate at MaxAge;
/// neither wraps.
type Frame_t struct {
	Refcnt    int32
	Age       uint8
	NFUAge    uint8     // parallel not-frequently-used counter: bumped on access, never decayed
	Timestamp uint64    // monotonic sequence number of the last observed access
	rmap      *RMNode_t // head of this frame's reverse-map chain, or nil
}

const (
	MaxAge               uint8 = 254
	AgeIncrementOnAccess uint8 = 100
	AgeDecrementOnClock  uint8 = 1

	NPagesFreeHighThreshold = 256
	NPagesFreeLowThreshold  = 16
	NPageUpdatesFactor      = 50
)

/// RMNode_t is one link in a frame's reverse-mapping chain: "this frame is
/// mapped at PTX/PDX of this page table". Nodes are never individually
/// freed -- they return to a pool free list, grounded on
/// original_source/kern/reversemap.c's alloc_pte_chain/dealloc_pte_chain.
type RMNode_t struct {
	next  *RMNode_t // pool free-list link, or next node in a frame's chain
	Table Pa_t      // physical address of the owning page table
	Idx   uint32    // PTX within that table
}

/// rmpool is a bump-allocated, never-shrinking pool of RMNode_t, matching
/// the teacher's nexti-index free-list idiom (biscuit/src/mem/mem.go's
/// Physpg_t/_phys_new/_phys_put) but linked by pointer instead of index
/// since reverse-map nodes, unlike frames, are not addressed by the
/// hardware.
type rmpool struct {
	sync.Mutex
	free *RMNode_t
}

var pool rmpool

func (p *rmpool) get() *RMNode_t {
	p.Lock()
	defer p.Unlock()
	if p.free == nil {
		// Grow in page-sized batches, mirroring
		// alloc_pte_chain_page's bulk allocation.
		const batch = PGSIZE / int(unsafe.Sizeof(RMNode_t{}))
		nodes := make([]RMNode_t, batch)
		for i := range nodes {
			nodes[i].next = p.free
			p.free = &nodes[i]
		}
	}
	n := p.free
	p.free = n.next
	n.next = nil
	return n
}

func (p *rmpool) put(n *RMNode_t) {
	p.Lock()
	defer p.Unlock()
	*n = RMNode_t{next: p.free}
	p.free = n
}

/// Physmem_t is the simulated physical address space: a flat byte arena
/// plus one Frame_t per PGSIZE frame, indexed by frame number. It stands
/// in for real RAM the way the rest of this module stands in for real
/// interrupts and a real MMU.
type Physmem_t struct {
	sync.Mutex
	backing []byte
	frames  []Frame_t
	free    []uint32 // stack of free frame numbers
}

var Physmem Physmem_t

/// Init reserves nframes frames of backing storage. Must be called once
/// before any other mem operation.
func Init(nframes int) {
	Physmem.backing = make([]byte, nframes*PGSIZE)
	Physmem.frames = make([]Frame_t, nframes)
	Physmem.free = make([]uint32, nframes)
	for i := range Physmem.free {
		Physmem.free[i] = uint32(nframes - 1 - i)
	}
}

/// NFrames returns the total number of frames this instance was Init'd with.
func (p *Physmem_t) NFrames() int { return len(p.frames) }

/// NFree returns the number of frames not currently allocated.
func (p *Physmem_t) NFree() int {
	p.Lock()
	defer p.Unlock()
	return len(p.free)
}

func frameno(pa Pa_t) uint32 { return uint32(pa) >> PGSHIFT }
func frameaddr(n uint32) Pa_t { return Pa_t(n) << PGSHIFT }

/// AllocFrame reserves one zeroed frame and returns its physical address.
/// The frame starts with a refcount of zero: it becomes owned the moment
/// it is Insert'd into a Pmap_t (Insert always Refup's), not at alloc
/// time -- so a frame handed off between two Insert calls (as the swap
/// server does, inserting into its own scratch mapping and then into the
/// requester's) never carries a phantom extra reference.
/// ok is false if physical memory is exhausted -- the caller (upager's
/// safe allocator) is responsible for triggering eviction and retrying.
func (p *Physmem_t) AllocFrame() (pa Pa_t, ok bool) {
	p.Lock()
	if len(p.free) == 0 {
		p.Unlock()
		return 0, false
	}
	n := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	p.frames[n] = Frame_t{Refcnt: 0, Age: MaxAge}
	p.Unlock()
	clear(p.Bytes(frameaddr(n)))
	return frameaddr(n), true
}

/// FreeFrame returns a frame to the free list. The caller must have
/// already torn down its reverse-map chain (via RemoveRmap) and verified
/// refcnt has dropped to zero.
func (p *Physmem_t) FreeFrame(pa Pa_t) {
	n := frameno(pa)
	p.Lock()
	defer p.Unlock()
	if p.frames[n].Refcnt != 0 {
		panic("freeing a referenced frame")
	}
	if p.frames[n].rmap != nil {
		panic("freeing a frame with a live reverse map")
	}
	p.free = append(p.free, n)
}

/// Bytes returns the byte slice backing one frame.
func (p *Physmem_t) Bytes(pa Pa_t) []byte {
	return p.backing[pa : int(pa)+PGSIZE]
}

/// Pmap reinterprets a frame as a page table/directory page.
func (p *Physmem_t) Pmap(pa Pa_t) *[NPTENTRIES]PTE_t {
	return (*[NPTENTRIES]PTE_t)(unsafe.Pointer(&p.backing[pa]))
}

/// Refup bumps a frame's reference count.
func (p *Physmem_t) Refup(pa Pa_t) {
	p.Lock()
	defer p.Unlock()
	p.frames[frameno(pa)].Refcnt++
}

/// Refdown drops a frame's reference count, freeing it (and its reverse
/// map, which must already be empty) when it reaches zero.
func (p *Physmem_t) Refdown(pa Pa_t) {
	p.Lock()
	n := frameno(pa)
	p.frames[n].Refcnt--
	rc := p.frames[n].Refcnt
	if rc < 0 {
		panic("negative refcount")
	}
	p.Unlock()
	if rc == 0 {
		p.FreeFrame(pa)
	}
}

/// Refcnt returns a frame's current reference count.
func (p *Physmem_t) Refcnt(pa Pa_t) int32 {
	p.Lock()
	defer p.Unlock()
	return p.frames[frameno(pa)].Refcnt
}

/// Age returns a frame's current age counter.
func (p *Physmem_t) Age(pa Pa_t) uint8 {
	p.Lock()
	defer p.Unlock()
	return p.frames[frameno(pa)].Age
}

/// NFUAge returns a frame's current not-frequently-used counter.
func (p *Physmem_t) NFUAge(pa Pa_t) uint8 {
	p.Lock()
	defer p.Unlock()
	return p.frames[frameno(pa)].NFUAge
}

/// Timestamp returns the monotonic sequence number of a frame's last
/// observed access, or zero if it has never been observed accessed.
func (p *Physmem_t) Timestamp(pa Pa_t) uint64 {
	p.Lock()
	defer p.Unlock()
	return p.frames[frameno(pa)].Timestamp
}

/// AddRmap records that va's PTE (at table/idx) now maps pa, so the ager
/// and the victim chooser can find every alias of a frame.
func (p *Physmem_t) AddRmap(pa Pa_t, table Pa_t, idx uint32) {
	n := pool.get()
	n.Table, n.Idx = table, idx
	p.Lock()
	defer p.Unlock()
	fr := &p.frames[frameno(pa)]
	n.next = fr.rmap
	fr.rmap = n
}

/// RemoveRmap deletes the single reverse-map entry for (table, idx) from
/// pa's chain. It is a no-op if no such entry exists.
func (p *Physmem_t) RemoveRmap(pa Pa_t, table Pa_t, idx uint32) {
	p.Lock()
	fr := &p.frames[frameno(pa)]
	var prev *RMNode_t
	cur := fr.rmap
	for cur != nil {
		if cur.Table == table && cur.Idx == idx {
			if prev == nil {
				fr.rmap = cur.next
			} else {
				prev.next = cur.next
			}
			p.Unlock()
			pool.put(cur)
			return
		}
		prev = cur
		cur = cur.next
	}
	p.Unlock()
}

/// FindPTE walks pa's reverse-map chain for a node whose PTE currently
/// carries every bit in filter, returning the first match. This is the
/// corrected rendition of original_source/kern/reversemap.c's find_pte,
/// whose C loop body never advanced its cursor; here every iteration
/// advances, so an unmatched chain terminates instead of spinning forever.
func (p *Physmem_t) FindPTE(pa Pa_t, filter PTE_t) (table Pa_t, idx uint32, ok bool) {
	p.Lock()
	defer p.Unlock()
	fr := &p.frames[frameno(pa)]
	for cur := fr.rmap; cur != nil; cur = cur.next {
		pte := p.Pmap(cur.Table)[cur.Idx]
		if PTE_FLAGS(pte)&filter == filter {
			return cur.Table, cur.Idx, true
		}
	}
	return 0, 0, false
}

/// EachRmap calls fn once per reverse-map alias of pa, in chain order.
/// Used by the ager to clear the accessed bit on every alias of a frame.
func (p *Physmem_t) EachRmap(pa Pa_t, fn func(table Pa_t, idx uint32)) {
	p.Lock()
	fr := &p.frames[frameno(pa)]
	nodes := make([]*RMNode_t, 0, 4)
	for cur := fr.rmap; cur != nil; cur = cur.next {
		nodes = append(nodes, cur)
	}
	p.Unlock()
	for _, n := range nodes {
		fn(n.Table, n.Idx)
	}
}

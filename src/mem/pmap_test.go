package mem

import "testing"

func resetPhysmem(nframes int) {
	Physmem = Physmem_t{}
	Init(nframes)
}

func TestInsertLookupRoundTrip(t *testing.T) {
	resetPhysmem(64)
	pm, err := NewPmap()
	if err != 0 {
		t.Fatalf("NewPmap: %v", err)
	}
	pa, ok := Physmem.AllocFrame()
	if !ok {
		t.Fatal("AllocFrame failed")
	}
	va := uintptr(0x10000000)
	if err := pm.Insert(va, pa, PTE_U|PTE_W, nil); err != 0 {
		t.Fatalf("Insert: %v", err)
	}
	pte, ok := pm.Lookup(va)
	if !ok {
		t.Fatal("Lookup found nothing after Insert")
	}
	if PTE_ADDR(pte) != pa {
		t.Fatalf("Lookup returned wrong frame: got %v want %v", PTE_ADDR(pte), pa)
	}
	if PTE_FLAGS(pte)&(PTE_U|PTE_W|PTE_P) != PTE_U|PTE_W|PTE_P {
		t.Fatalf("Lookup returned wrong perm bits: %v", PTE_FLAGS(pte))
	}
}

func TestRemoveDropsRefcount(t *testing.T) {
	resetPhysmem(64)
	pm, _ := NewPmap()
	pa, _ := Physmem.AllocFrame()
	va := uintptr(0x20000000)
	pm.Insert(va, pa, PTE_U|PTE_W, nil)
	if got := Physmem.Refcnt(pa); got != 1 {
		t.Fatalf("refcnt after insert: got %d want 1", got)
	}
	pm.Remove(va, nil)
	if got := Physmem.Refcnt(pa); got != 0 {
		t.Fatalf("refcnt after remove: got %d want 0", got)
	}
	if _, ok := pm.Lookup(va); ok {
		t.Fatal("Lookup still finds va after Remove")
	}
}

func TestReinsertReplacesOldMapping(t *testing.T) {
	resetPhysmem(64)
	pm, _ := NewPmap()
	pa1, _ := Physmem.AllocFrame()
	pa2, _ := Physmem.AllocFrame()
	va := uintptr(0x30000000)
	pm.Insert(va, pa1, PTE_U|PTE_W, nil)
	pm.Insert(va, pa2, PTE_U, nil)
	pte, ok := pm.Lookup(va)
	if !ok || PTE_ADDR(pte) != pa2 {
		t.Fatalf("expected va to map pa2 after reinsert, got ok=%v pte=%v", ok, pte)
	}
	if got := Physmem.Refcnt(pa1); got != 0 {
		t.Fatalf("old frame refcnt after reinsert: got %d want 0 (its only ref, from the first insert, was dropped)", got)
	}
}

func TestFindPTEAdvancesPastNonMatchingAlias(t *testing.T) {
	resetPhysmem(64)
	pmA, _ := NewPmap()
	pmB, _ := NewPmap()
	pa, _ := Physmem.AllocFrame()
	// AddRmap pushes onto the chain head, so inserting the writable alias
	// first leaves the read-only one at the head for FindPTE to step past.
	pmB.Insert(0x2000, pa, PTE_U|PTE_W, nil)
	pmA.Insert(0x1000, pa, PTE_U, nil) // read-only alias, no PTE_W

	table, idx, ok := Physmem.FindPTE(pa, PTE_W)
	if !ok {
		t.Fatal("FindPTE failed to find the writable alias")
	}
	dir := Physmem.Pmap(table)
	if PTE_ADDR(dir[idx]) != pa {
		t.Fatal("FindPTE returned a table/idx not mapping pa")
	}
}

func TestAgerBudgetGrowsUnderPressure(t *testing.T) {
	resetPhysmem(512)
	var a Ager_t
	for i := 0; i < 500; i++ {
		Physmem.AllocFrame()
	}
	hi := a.budget()
	resetPhysmem(512)
	lo := a.budget()
	if hi <= lo {
		t.Fatalf("budget under pressure (%d) should exceed budget with ample free memory (%d)", hi, lo)
	}
}

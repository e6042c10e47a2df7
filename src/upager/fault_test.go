package upager

import (
	"testing"

	"defs"
	"mem"
)

func TestFaultPagesInSwappedPage(t *testing.T) {
	k, srv, stop := startSwap(t, 8)
	defer stop()
	p := newTestProc(t, k, srv)

	va := uintptr(0x10000000)
	p.PageAlloc(va, mem.PTE_U|mem.PTE_W)
	p.evictOne()
	if _, onSwap := p.MapDir.Get(va); !onSwap {
		t.Fatal("setup: expected va to be on swap")
	}

	if err := p.Fault(va, false); err != 0 {
		t.Fatalf("Fault: %v", err)
	}
	if _, ok := p.Env.Pmap.Lookup(va); !ok {
		t.Fatal("Fault did not page the page back in")
	}
}

func TestFaultDuplicatesCOWPage(t *testing.T) {
	k, srv, stop := startSwap(t, 8)
	defer stop()
	parent := newTestProc(t, k, srv)
	child := newTestProc(t, k, srv)

	va := uintptr(0x20000000)
	pa, _ := mem.Physmem.AllocFrame()
	copy(mem.Physmem.Bytes(pa), []byte("shared"))
	parent.Env.Pmap.Insert(va, pa, mem.PTE_U|mem.PTE_W|mem.PTE_COW, nil)
	child.Env.Pmap.Insert(va, pa, mem.PTE_U|mem.PTE_W|mem.PTE_COW, nil)

	if err := child.Fault(va, true); err != 0 {
		t.Fatalf("Fault: %v", err)
	}

	childPTE, _ := child.Env.Pmap.Lookup(va)
	parentPTE, _ := parent.Env.Pmap.Lookup(va)
	if mem.PTE_ADDR(childPTE) == mem.PTE_ADDR(parentPTE) {
		t.Fatal("CoW fault should have given the child its own frame")
	}
	if mem.PTE_FLAGS(childPTE)&mem.PTE_COW != 0 {
		t.Fatal("child's page should no longer be marked COW")
	}
	if mem.PTE_FLAGS(childPTE)&mem.PTE_W == 0 {
		t.Fatal("child's page should now be writable")
	}
	if got := string(mem.Physmem.Bytes(mem.PTE_ADDR(childPTE))[:6]); got != "shared" {
		t.Fatalf("contents not copied: got %q", got)
	}
	// Parent's mapping is untouched.
	if mem.PTE_FLAGS(parentPTE)&mem.PTE_COW == 0 {
		t.Fatal("parent's mapping should remain COW")
	}
}

func TestFaultDispatchesUserHandlerStack(t *testing.T) {
	k, srv, stop := startSwap(t, 8)
	defer stop()
	p := newTestProc(t, k, srv)

	var calls []int
	p.AddFaultHandler(func(pr *Proc_t, va uintptr, write bool) (bool, defs.Err_t) {
		calls = append(calls, 1)
		return false, 0
	})
	p.AddFaultHandler(func(pr *Proc_t, va uintptr, write bool) (bool, defs.Err_t) {
		calls = append(calls, 2)
		return true, 0
	})

	if err := p.Fault(uintptr(0x30000000), false); err != 0 {
		t.Fatalf("Fault: %v", err)
	}
	if len(calls) != 1 || calls[0] != 2 {
		t.Fatalf("expected only the most-recently-added handler to run, got %v", calls)
	}
}

func TestFaultUnmappedWithNoHandlerReturnsEFAULT(t *testing.T) {
	k, srv, stop := startSwap(t, 8)
	defer stop()
	p := newTestProc(t, k, srv)

	if err := p.Fault(uintptr(0x40000000), false); err != defs.EFAULT {
		t.Fatalf("Fault on unmapped va with no handler = %v, want EFAULT", err)
	}
}

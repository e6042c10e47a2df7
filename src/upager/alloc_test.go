package upager

import (
	"testing"

	"env"
	"mem"
	"swapsrv"
)

func freshMem(nframes int) {
	mem.Physmem = mem.Physmem_t{}
	mem.Init(nframes)
}

func startSwap(t *testing.T, nframes int) (*env.Kernel_t, *swapsrv.Server_t, func()) {
	t.Helper()
	freshMem(nframes)
	k := env.NewKernel()
	srv, err := swapsrv.NewServer(k, swapsrv.NewBitmap(), swapsrv.NewMemStore())
	if err != 0 {
		t.Fatalf("NewServer: %v", err)
	}
	stop := make(chan struct{})
	go srv.Serve(stop)
	return k, srv, func() { close(stop) }
}

func newTestProc(t *testing.T, k *env.Kernel_t, srv *swapsrv.Server_t) *Proc_t {
	t.Helper()
	e, err := k.Exofork(0)
	if err != 0 {
		t.Fatalf("Exofork: %v", err)
	}
	client := &swapsrv.Client_t{K: k, Server: srv.Env.ID}
	return NewProc(e, k, client, 0xe0000000)
}

func TestPageAllocMapsFreshPage(t *testing.T) {
	k, srv, stop := startSwap(t, 64)
	defer stop()
	p := newTestProc(t, k, srv)

	va := uintptr(0x10000000)
	if err := p.PageAlloc(va, mem.PTE_U|mem.PTE_W); err != 0 {
		t.Fatalf("PageAlloc: %v", err)
	}
	if _, ok := p.Env.Pmap.Lookup(va); !ok {
		t.Fatal("PageAlloc did not map va")
	}
}

// TestPageAllocEvictsUnderPressure fills this environment's share of a
// small physical memory (8 frames, three of them taken by page
// directories and a page table), then checks that one more PageAlloc
// succeeds anyway by evicting an existing page to swap rather than
// failing with ENOMEM.
func TestPageAllocEvictsUnderPressure(t *testing.T) {
	k, srv, stop := startSwap(t, 8)
	defer stop()
	p := newTestProc(t, k, srv)

	var vas []uintptr
	for i := 0; i < 4; i++ {
		va := uintptr(0x10000000 + i*mem.PGSIZE)
		if err := p.PageAlloc(va, mem.PTE_U|mem.PTE_W); err != 0 {
			t.Fatalf("PageAlloc[%d]: %v", i, err)
		}
		vas = append(vas, va)
	}

	extra := uintptr(0x20000000)
	if err := p.PageAlloc(extra, mem.PTE_U|mem.PTE_W); err != 0 {
		t.Fatalf("PageAlloc under pressure: %v", err)
	}
	if _, ok := p.Env.Pmap.Lookup(extra); !ok {
		t.Fatal("new page not mapped after eviction")
	}

	evicted := 0
	for _, va := range vas {
		if _, ok := p.Env.Pmap.Lookup(va); !ok {
			evicted++
			if _, onSwap := p.MapDir.Get(va); !onSwap {
				t.Fatalf("va %x unmapped but not recorded on swap", va)
			}
		}
	}
	if evicted == 0 {
		t.Fatal("expected at least one prior page to have been evicted")
	}
}

// TestPageAllocOverEvictedVAIssuesPageRemove pins the resolved Open
// Question: allocating fresh at a va whose mapping-directory entry
// already names a swap slot removes that stale slot and proceeds,
// rather than failing.
func TestPageAllocOverEvictedVAIssuesPageRemove(t *testing.T) {
	k, srv, stop := startSwap(t, 8)
	defer stop()
	p := newTestProc(t, k, srv)

	va := uintptr(0x30000000)
	if err := p.PageAlloc(va, mem.PTE_U|mem.PTE_W); err != 0 {
		t.Fatalf("PageAlloc: %v", err)
	}
	if err := p.evictOne(); err != 0 {
		t.Fatalf("evictOne: %v", err)
	}
	if _, onSwap := p.MapDir.Get(va); !onSwap {
		t.Fatal("expected victim chooser to have picked va (only mapping)")
	}

	before := srv.Stats().PageRemoves
	if err := p.PageAlloc(va, mem.PTE_U|mem.PTE_W); err != 0 {
		t.Fatalf("PageAlloc over evicted va: %v", err)
	}
	if _, ok := p.Env.Pmap.Lookup(va); !ok {
		t.Fatal("va not mapped after re-alloc")
	}
	if _, onSwap := p.MapDir.Get(va); onSwap {
		t.Fatal("mapping-directory entry should have been cleared")
	}
	if got := srv.Stats().PageRemoves; got != before+1 {
		t.Fatalf("expected PAGE_REMOVE to have been issued, PageRemoves=%d want %d", got, before+1)
	}
}

func TestPageUnmapOnSwappedPage(t *testing.T) {
	k, srv, stop := startSwap(t, 8)
	defer stop()
	p := newTestProc(t, k, srv)

	va := uintptr(0x40000000)
	p.PageAlloc(va, mem.PTE_U|mem.PTE_W)
	p.evictOne()
	if _, onSwap := p.MapDir.Get(va); !onSwap {
		t.Fatal("expected va to be on swap")
	}

	if err := p.PageUnmap(va); err != 0 {
		t.Fatalf("PageUnmap: %v", err)
	}
	if _, onSwap := p.MapDir.Get(va); onSwap {
		t.Fatal("PageUnmap should have cleared the swap slot")
	}
}

func TestPageInRestoresOriginalPermissions(t *testing.T) {
	k, srv, stop := startSwap(t, 8)
	defer stop()
	p := newTestProc(t, k, srv)

	va := uintptr(0x50000000)
	p.PageAlloc(va, mem.PTE_U)
	copy(func() []byte {
		pte, _ := p.Env.Pmap.Lookup(va)
		return mem.Physmem.Bytes(mem.PTE_ADDR(pte))
	}(), []byte("hello"))
	p.evictOne()

	if err := p.PageIn(va); err != 0 {
		t.Fatalf("PageIn: %v", err)
	}
	perm, ok := p.Env.Pmap.Perm(va)
	if !ok {
		t.Fatal("page not mapped after PageIn")
	}
	if perm&mem.PTE_W != 0 {
		t.Fatal("PageIn should have restored the original read-only permission")
	}
	pte, _ := p.Env.Pmap.Lookup(va)
	if got := string(mem.Physmem.Bytes(mem.PTE_ADDR(pte))[:5]); got != "hello" {
		t.Fatalf("contents not preserved across eviction: got %q", got)
	}
}

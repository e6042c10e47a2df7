package upager

import (
	"testing"

	"mem"
)

func TestChooseSkipsSharedAndNopage(t *testing.T) {
	freshMem(16)
	pm, _ := mem.NewPmap()

	shared := uintptr(0x10000000)
	nopage := uintptr(0x10001000)
	evictable := uintptr(0x10002000)

	pa1, _ := mem.Physmem.AllocFrame()
	pm.Insert(shared, pa1, mem.PTE_U|mem.PTE_W|mem.PTE_SHARE, nil)
	pa2, _ := mem.Physmem.AllocFrame()
	pm.Insert(nopage, pa2, mem.PTE_U|mem.PTE_NOPAGE, nil)
	pa3, _ := mem.Physmem.AllocFrame()
	pm.Insert(evictable, pa3, mem.PTE_U|mem.PTE_W, nil)

	var vc VictimChooser_t
	va, ok := vc.Choose(pm)
	if !ok {
		t.Fatal("expected an evictable candidate")
	}
	if va != evictable {
		t.Fatalf("chose %x, want the only evictable page %x", va, evictable)
	}
}

func TestChooseSkipsCrossMapped(t *testing.T) {
	freshMem(16)
	pm1, _ := mem.NewPmap()
	pm2, _ := mem.NewPmap()

	crossMapped := uintptr(0x10000000)
	solo := uintptr(0x10001000)

	paShared, _ := mem.Physmem.AllocFrame()
	pm1.Insert(crossMapped, paShared, mem.PTE_U|mem.PTE_W, nil)
	pm2.Insert(crossMapped, paShared, mem.PTE_U|mem.PTE_W, nil)

	paSolo, _ := mem.Physmem.AllocFrame()
	pm1.Insert(solo, paSolo, mem.PTE_U|mem.PTE_W, nil)

	var vc VictimChooser_t
	va, ok := vc.Choose(pm1)
	if !ok {
		t.Fatal("expected an evictable candidate")
	}
	if va != solo {
		t.Fatalf("chose %x, want the uniquely-referenced page %x", va, solo)
	}
}

func TestChooseReturnsFalseWhenNothingEvictable(t *testing.T) {
	freshMem(16)
	pm, _ := mem.NewPmap()
	pa, _ := mem.Physmem.AllocFrame()
	pm.Insert(uintptr(0x10000000), pa, mem.PTE_U|mem.PTE_SHARE, nil)

	var vc VictimChooser_t
	if _, ok := vc.Choose(pm); ok {
		t.Fatal("expected no evictable candidate")
	}
}

package monitor

import (
	"bytes"
	"strings"
	"testing"

	"env"
	"mem"
)

func freshMem(nframes int) {
	mem.Physmem = mem.Physmem_t{}
	mem.Init(nframes)
}

func TestShowMappingsListsOnlyPresentPages(t *testing.T) {
	freshMem(8)
	k := env.NewKernel()
	e, _ := k.Exofork(0)
	pa, _ := mem.Physmem.AllocFrame()
	e.Pmap.Insert(uintptr(0x10000000), pa, mem.PTE_U|mem.PTE_W, nil)

	var buf bytes.Buffer
	ShowMappings(&buf, e, 0x10000000, 0x10002000)
	out := buf.String()
	if !strings.Contains(out, "0x10000000") {
		t.Fatalf("missing mapped va in output: %q", out)
	}
	if strings.Contains(out, "0x10001000") {
		t.Fatalf("unmapped va should not appear: %q", out)
	}
	if !strings.Contains(out, "W") {
		t.Fatalf("expected writable permission flagged: %q", out)
	}
}

func TestChangeMappingPermissions(t *testing.T) {
	freshMem(8)
	k := env.NewKernel()
	e, _ := k.Exofork(0)
	pa, _ := mem.Physmem.AllocFrame()
	va := uintptr(0x20000000)
	e.Pmap.Insert(va, pa, mem.PTE_U|mem.PTE_W, nil)

	if err := ChangeMappingPermissions(e, va, mem.PTE_U); err != 0 {
		t.Fatalf("ChangeMappingPermissions: %v", err)
	}
	perm, ok := e.Pmap.Perm(va)
	if !ok || perm&mem.PTE_W != 0 {
		t.Fatalf("expected write bit cleared, got %v ok=%v", perm, ok)
	}
}

func TestDumpMemoryUnmappedReturnsError(t *testing.T) {
	freshMem(8)
	k := env.NewKernel()
	e, _ := k.Exofork(0)

	var buf bytes.Buffer
	if err := DumpMemory(&buf, e, 0x30000000, 16); err == nil {
		t.Fatal("expected an error dumping unmapped memory")
	}
}

func TestKernInfoListsEnvironments(t *testing.T) {
	freshMem(8)
	k := env.NewKernel()
	e1, _ := k.Exofork(0)
	e2, _ := k.Exofork(e1.ID)

	var buf bytes.Buffer
	KernInfo(&buf, k, []env.EnvID{e1.ID, e2.ID})
	out := buf.String()
	if !strings.Contains(out, "environments: 2") {
		t.Fatalf("expected two environments listed: %q", out)
	}
}

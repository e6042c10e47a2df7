// Package monitor implements the kernel-monitor debugging commands:
// inspecting one environment's address space and the kernel's
// environment table, the way a JOS-style kernel monitor lets a
// developer poke at a running system from its own console. All of them
// only read state except ChangeMappingPermissions, which rewrites a
// mapping's permission bits. cmd/jospage exposes KernInfo as its
// kerninfo subcommand; the other commands have no CLI wiring.
package monitor

import (
	"fmt"
	"io"
	"sort"

	"defs"
	"env"
	"mem"
)

// ShowMappings prints every present mapping in e's address space whose
// va falls in [lo, hi), one line per page: va, frame address, and the
// mnemonic permission bits.
func ShowMappings(w io.Writer, e *env.Env_t, lo, hi uintptr) {
	lo &^= mem.PGSIZE - 1
	for va := lo; va < hi; va += mem.PGSIZE {
		pte, ok := e.Pmap.Lookup(va)
		if !ok {
			continue
		}
		fmt.Fprintf(w, "%#08x -> %#08x %s\n", va, mem.PTE_ADDR(pte), permString(mem.PTE_FLAGS(pte)))
	}
}

func permString(perm mem.PTE_t) string {
	bits := []struct {
		bit  mem.PTE_t
		name string
	}{
		{mem.PTE_U, "U"}, {mem.PTE_W, "W"}, {mem.PTE_A, "A"},
		{mem.PTE_NOPAGE, "NOPAGE"}, {mem.PTE_SHARE, "SHARE"}, {mem.PTE_COW, "COW"},
	}
	s := ""
	for _, b := range bits {
		if perm&b.bit != 0 {
			if s != "" {
				s += ","
			}
			s += b.name
		}
	}
	if s == "" {
		return "-"
	}
	return s
}

// ChangeMappingPermissions overwrites the permission bits of an existing
// mapping at va, for poking at a running environment during debugging.
// It refuses to touch the frame mapping or its reference count.
func ChangeMappingPermissions(e *env.Env_t, va uintptr, perm mem.PTE_t) defs.Err_t {
	return e.Pmap.SetPerm(va, perm)
}

// DumpMemory writes n bytes starting at va in e's address space to w as
// a hex dump, 16 bytes per line (a line that reaches a page boundary or
// the end of the range is shorter). It stops early, returning an error,
// the moment it crosses into a page with no mapping.
func DumpMemory(w io.Writer, e *env.Env_t, va uintptr, n int) error {
	for off := 0; off < n; {
		lineVA := va + uintptr(off)
		pageVA := lineVA &^ (mem.PGSIZE - 1)
		pte, ok := e.Pmap.Lookup(pageVA)
		if !ok {
			return fmt.Errorf("dumpmemory: %#x is not mapped", pageVA)
		}
		buf := mem.Physmem.Bytes(mem.PTE_ADDR(pte))
		start := int(lineVA - pageVA)
		end := start + 16
		if end > mem.PGSIZE {
			end = mem.PGSIZE
		}
		if end-start > n-off {
			end = start + n - off
		}
		fmt.Fprintf(w, "%#010x  % x\n", lineVA, buf[start:end])
		off += end - start
	}
	return nil
}

// Backtrace prints a caller-supplied chain of return addresses, most
// recent call first. There is no real CPU stack to unwind in this
// simulation -- callers that want a backtrace from a fault capture the
// frame chain themselves and hand it here for formatting, the same
// split JOS's trap path makes between walking %ebp and mon_backtrace's
// printing.
func Backtrace(w io.Writer, frames []uintptr) {
	for i, pc := range frames {
		fmt.Fprintf(w, "#%-2d %#010x\n", i, pc)
	}
}

// KernInfo prints a summary of the kernel's environment table and
// physical memory usage.
func KernInfo(w io.Writer, k *env.Kernel_t, ids []env.EnvID) {
	fmt.Fprintf(w, "frames: %d total, %d free\n", mem.Physmem.NFrames(), mem.Physmem.NFree())
	sorted := append([]env.EnvID(nil), ids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	fmt.Fprintf(w, "environments: %d\n", len(sorted))
	for _, id := range sorted {
		e, err := k.Get(id)
		if err != 0 {
			continue
		}
		fmt.Fprintf(w, "  env %d: parent=%d status=%v\n", e.ID, e.Parent, e.Status)
	}
}

// Help lists every monitor command and a one-line description.
func Help(w io.Writer) {
	cmds := []struct{ name, desc string }{
		{"showmappings", "print every mapping in an environment's address space"},
		{"changemappingpermissions", "overwrite the permission bits of one mapping"},
		{"dumpmemory", "hex-dump a range of an environment's memory"},
		{"backtrace", "print a supplied chain of return addresses"},
		{"kerninfo", "summarize the environment table and frame usage"},
		{"help", "print this message"},
	}
	for _, c := range cmds {
		fmt.Fprintf(w, "%-24s %s\n", c.name, c.desc)
	}
}

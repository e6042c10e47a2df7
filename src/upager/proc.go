package upager

import (
	"runtime"

	"env"
	"swapsrv"
)

// Proc_t bundles one environment with the user-space paging state the
// rest of this package operates on: its mapping directory, its victim
// scan cursor, and the swap-server client stub it evicts through.
type Proc_t struct {
	Env    *env.Env_t
	K      *env.Kernel_t
	Swap   *swapsrv.Client_t
	MapDir *MappingDir_t
	victim VictimChooser_t

	// ScratchVA is a page-aligned address reserved for this process as
	// a staging mapping, the counterpart of paging.c's UTEMP. Nothing in
	// this package maps at it: PageIn receives the page directly at its
	// destination va, and cowFault copies frame to frame.
	ScratchVA uintptr

	handlers []FaultHandler
}

// NewProc wraps an existing environment with fresh paging state.
func NewProc(e *env.Env_t, k *env.Kernel_t, swap *swapsrv.Client_t, scratchVA uintptr) *Proc_t {
	return &Proc_t{Env: e, K: k, Swap: swap, MapDir: &MappingDir_t{}, ScratchVA: scratchVA}
}

// backoffYield is called after every eviction attempt while the safe
// wrappers retry, and yields the processor on every tenth one, matching
// paging.c's page_alloc/page_map "yield every ten attempts" loop.
func backoffYield(attempt int) {
	if attempt != 0 && attempt%10 == 0 {
		runtime.Gosched()
	}
}

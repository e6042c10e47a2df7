// Command jospage drives the paging subsystem outside of any real
// kernel trap path: it wires up the frame table, the environment table,
// the swap server, and the user-space paging layer, then either serves
// PAGE_* requests and Prometheus metrics indefinitely or runs one of the
// named end-to-end scenarios and reports whether its invariants held.
package main

import (
	"encoding/binary"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/log"
	kingpin "gopkg.in/alecthomas/kingpin.v2"

	"env"
	"mem"
	"metrics"
	"monitor"
	"swapsrv"
	"upager"
)

var (
	app = kingpin.New("jospage", "A user-space simulation of a two-level paging and demand-swap subsystem.")

	frames   = app.Flag("frames", "number of physical frames to simulate").Default("256").Int()
	swapFile = app.Flag("swap-file", "backing file for the swap server (in-memory store if empty)").String()

	serveCmd   = app.Command("serve", "run the swap server and expose Prometheus metrics until interrupted")
	listenAddr = serveCmd.Flag("listen", "address to serve /metrics on").Default(":9200").String()

	scenarioCmd  = app.Command("scenario", "run one named end-to-end scenario and report its result")
	scenarioName = scenarioCmd.Arg("name", "linear|reverse|random|shared|fork|fairness").Required().String()

	kerninfoCmd = app.Command("kerninfo", "build a small demo kernel and print its environment table")
)

func main() {
	app.Version("jospage 0.1.0")
	switch kingpin.MustParse(app.Parse(os.Args[1:])) {
	case serveCmd.FullCommand():
		runServe()
	case scenarioCmd.FullCommand():
		runScenario(*scenarioName)
	case kerninfoCmd.FullCommand():
		runKerninfo()
	}
}

func newRig() (*env.Kernel_t, *swapsrv.Server_t) {
	mem.Init(*frames)
	k := env.NewKernel()
	var store swapsrv.BlockDevice
	if *swapFile != "" {
		fs, err := swapsrv.OpenFileStore(*swapFile)
		if err != nil {
			log.Fatalf("opening swap file: %v", err)
		}
		store = fs
	} else {
		store = swapsrv.NewMemStore()
	}
	srv, err := swapsrv.NewServer(k, swapsrv.NewBitmap(), store)
	if err != 0 {
		log.Fatalf("starting swap server: %v", err)
	}
	return k, srv
}

func runServe() {
	_, srv := newRig()
	stop := make(chan struct{})
	go srv.Serve(stop)
	defer close(stop)

	ager := &mem.Ager_t{}
	var agerMu sync.Mutex
	var agerTotal metrics.AgerStats
	go func() {
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				aged, reset := ager.Tick()
				agerMu.Lock()
				agerTotal.FramesAged += uint64(aged)
				agerTotal.FramesReset += uint64(reset)
				agerMu.Unlock()
			}
		}
	}()
	snapAger := func() metrics.AgerStats {
		agerMu.Lock()
		defer agerMu.Unlock()
		return agerTotal
	}

	collector := metrics.NewCollector(srv, snapAger)
	prometheus.MustRegister(collector)

	http.Handle("/metrics", promhttp.Handler())
	log.Infof("jospage serving on %s", *listenAddr)
	if err := http.ListenAndServe(*listenAddr, nil); err != nil {
		log.Fatal(err)
	}
}

func newDemoProc(k *env.Kernel_t, srv *swapsrv.Server_t, scratch uintptr) *upager.Proc_t {
	e, err := k.Exofork(0)
	if err != 0 {
		log.Fatalf("Exofork: %v", err)
	}
	k.SetStatus(e, env.Runnable)
	client := &swapsrv.Client_t{K: k, Server: srv.Env.ID}
	return upager.NewProc(e, k, client, scratch)
}

func writeVA(p *upager.Proc_t, va uintptr) {
	pte, ok := p.Env.Pmap.Lookup(va)
	if !ok {
		log.Fatalf("writeVA: %#x not mapped", va)
	}
	binary.LittleEndian.PutUint64(mem.Physmem.Bytes(mem.PTE_ADDR(pte)), uint64(va))
}

func readVA(p *upager.Proc_t, va uintptr) uint64 {
	if _, onSwap := p.MapDir.Get(va); onSwap {
		if err := p.Fault(va, false); err != 0 {
			log.Fatalf("readVA: fault-in %#x: %v", va, err)
		}
	}
	pte, ok := p.Env.Pmap.Lookup(va)
	if !ok {
		log.Fatalf("readVA: %#x not mapped", va)
	}
	return binary.LittleEndian.Uint64(mem.Physmem.Bytes(mem.PTE_ADDR(pte)))
}

func runScenario(name string) {
	k, srv := newRig()
	stop := make(chan struct{})
	go srv.Serve(stop)
	defer close(stop)

	ok := false
	switch name {
	case "linear":
		ok = scenarioLinear(k, srv, false)
	case "reverse":
		ok = scenarioLinear(k, srv, true)
	case "random":
		ok = scenarioRandom(k, srv)
	case "shared":
		ok = scenarioShared(k, srv)
	case "fork":
		ok = scenarioFork(k, srv)
	case "fairness":
		ok = scenarioFairness(k, srv)
	default:
		log.Fatalf("unknown scenario %q", name)
	}
	if !ok {
		fmt.Println("FAIL")
		os.Exit(1)
	}
	fmt.Println("PASS")
}

const (
	scenarioLo = uintptr(0x10000000)
	scenarioHi = uintptr(0x15000000)
)

func scenarioLinear(k *env.Kernel_t, srv *swapsrv.Server_t, reverse bool) bool {
	p := newDemoProc(k, srv, 0xe0000000)
	for va := scenarioLo; va < scenarioHi; va += mem.PGSIZE {
		if err := p.PageAlloc(va, mem.PTE_U|mem.PTE_W); err != 0 {
			log.Errorf("PageAlloc(%#x): %v", va, err)
			return false
		}
		writeVA(p, va)
	}
	order := func(fn func(uintptr)) {
		if !reverse {
			for va := scenarioLo; va < scenarioHi; va += mem.PGSIZE {
				fn(va)
			}
			return
		}
		for va := scenarioHi - mem.PGSIZE; ; va -= mem.PGSIZE {
			fn(va)
			if va == scenarioLo {
				return
			}
		}
	}
	pass := true
	order(func(va uintptr) {
		if got := readVA(p, va); got != uint64(va) {
			log.Errorf("va %#x: got %#x", va, got)
			pass = false
		}
	})
	st := srv.Stats()
	return pass && st.PageOuts > 0 && st.PageIns > 0 && st.PageRemoves == 0
}

func scenarioRandom(k *env.Kernel_t, srv *swapsrv.Server_t) bool {
	p := newDemoProc(k, srv, 0xe0000000)
	const span = 0x8000000
	npages := span / mem.PGSIZE
	for i := 0; i < npages; i++ {
		va := scenarioLo + uintptr(i)*mem.PGSIZE
		if err := p.PageAlloc(va, mem.PTE_U|mem.PTE_W); err != 0 {
			return false
		}
		writeVA(p, va)
	}
	for i := 0; i < 10000; i++ {
		va := scenarioLo + uintptr(rand.Intn(npages))*mem.PGSIZE
		if got := readVA(p, va); got != uint64(va) {
			return false
		}
	}
	return true
}

func scenarioShared(k *env.Kernel_t, srv *swapsrv.Server_t) bool {
	p := newDemoProc(k, srv, 0xe0000000)
	i := 0
	for va := scenarioLo; va < scenarioHi; va += mem.PGSIZE {
		perm := mem.PTE_U | mem.PTE_W
		if i%1000 == 0 {
			perm |= mem.PTE_SHARE
		}
		if err := p.PageAlloc(va, perm); err != 0 {
			return false
		}
		i++
	}
	for i := 0; i < 20; i++ {
		p.Evict()
	}
	i = 0
	pass := true
	for va := scenarioLo; va < scenarioHi; va += mem.PGSIZE {
		wantShared := i%1000 == 0
		perm, ok := p.Env.Pmap.Perm(va)
		if ok {
			if (perm&mem.PTE_SHARE != 0) != wantShared {
				pass = false
			}
		} else if mte, onSwap := p.MapDir.Get(va); onSwap {
			if (mem.PTE_t(upager.MTEFlags(mte))&mem.PTE_SHARE != 0) != wantShared {
				pass = false
			}
		}
		i++
	}
	return pass
}

func scenarioFork(k *env.Kernel_t, srv *swapsrv.Server_t) bool {
	parent := newDemoProc(k, srv, 0xe0000000)
	for va := scenarioLo; va < scenarioLo+0x100000; va += mem.PGSIZE {
		if err := parent.PageAlloc(va, mem.PTE_U|mem.PTE_W); err != 0 {
			return false
		}
		writeVA(parent, va)
	}
	childEnv, err := k.Fork(parent.Env)
	if err != 0 {
		log.Errorf("Fork: %v", err)
		return false
	}
	client := &swapsrv.Client_t{K: k, Server: srv.Env.ID}
	child := upager.NewProc(childEnv, k, client, 0xe1000000)

	for va := scenarioLo; va < scenarioLo+0x100000; va += mem.PGSIZE {
		if got := readVA(child, va); got != uint64(va) {
			return false
		}
	}
	for va := scenarioLo; va < scenarioLo+0x100000; va += mem.PGSIZE {
		if got := readVA(parent, va); got != uint64(va) {
			return false
		}
	}
	return true
}

// scenarioFairness exercises the per-environment fair-allocation cap:
// both environments exist for the whole run (so physical_frames/live_envs
// is stable throughout), the parent tries to grow past its share, and
// the child's 250 allocations must still succeed without ever being
// allowed to push either environment's pages_charged over quota.
func scenarioFairness(k *env.Kernel_t, srv *swapsrv.Server_t) bool {
	parent := newDemoProc(k, srv, 0xe0000000)
	child := newDemoProc(k, srv, 0xe1000000)

	for va := uintptr(0x10000000); va < 0x14000000; va += mem.PGSIZE {
		if err := parent.PageAlloc(va, mem.PTE_U|mem.PTE_W); err != 0 {
			log.Errorf("parent PageAlloc(%#x): %v", va, err)
			return false
		}
		writeVA(parent, va)
	}

	for i := 0; i < 250; i++ {
		va := uintptr(0x20000000) + uintptr(i)*mem.PGSIZE
		if err := child.PageAlloc(va, mem.PTE_U|mem.PTE_W); err != 0 {
			log.Errorf("child PageAlloc[%d]: %v", i, err)
			return false
		}
	}

	cap := mem.Physmem.NFrames() / k.LiveEnvs()
	if parent.Env.PagesCharged > cap {
		log.Errorf("fairness cap violated: parent charged %d pages, cap is %d", parent.Env.PagesCharged, cap)
		return false
	}
	if child.Env.PagesCharged > cap {
		log.Errorf("fairness cap violated: child charged %d pages, cap is %d", child.Env.PagesCharged, cap)
		return false
	}

	for i := 0; i < 250; i++ {
		va := uintptr(0x10000000) + uintptr(i)*mem.PGSIZE
		if got := readVA(parent, va); got != uint64(va) {
			log.Errorf("parent readback va %#x: got %#x", va, got)
			return false
		}
	}
	return true
}

func runKerninfo() {
	k, srv := newRig()
	stop := make(chan struct{})
	go srv.Serve(stop)
	defer close(stop)

	p1 := newDemoProc(k, srv, 0xe0000000)
	p2 := newDemoProc(k, srv, 0xe1000000)
	monitor.KernInfo(os.Stdout, k, []env.EnvID{p1.Env.ID, p2.Env.ID, srv.Env.ID})
}

package swapsrv

import (
	"sync"

	"github.com/prometheus/common/log"

	"defs"
	"env"
	"mem"
)

// ReqKind is the low two bits of every request's value word, matching
// original_source/page/serv.c's dispatch-by-low-bits convention.
type ReqKind uint32

const (
	PageIn ReqKind = iota
	PageOut
	PageRemove
	PageStat
)

// Encode packs a payload (a slot index, or nothing) and a ReqKind into
// one IPC value word: (payload<<2)|kind.
func Encode(payload uint32, kind ReqKind) uint32 { return payload<<2 | uint32(kind) }

// Decode splits an IPC value word back into its payload and ReqKind.
func Decode(v uint32) (payload uint32, kind ReqKind) { return v >> 2, ReqKind(v & 3) }

const errFlag = uint32(1) << 31

func encodeErr(e defs.Err_t) uint32 { return errFlag | uint32(-int32(e)) }

func decodeReply(v uint32) (payload uint32, err defs.Err_t) {
	if v&errFlag != 0 {
		return 0, defs.Err_t(-int32(v &^ errFlag))
	}
	return v, 0
}

const (
	scratchRecvVA uintptr = 0xf0000000
	scratchSendVA uintptr = 0xf0001000
)

// Stats_t mirrors original_source/inc/page.h's Pageret_stat: the three
// lifetime counters the server tracks and will hand back on PAGE_STAT.
type Stats_t struct {
	PageOuts    uint64
	PageIns     uint64
	PageRemoves uint64
}

// Server_t is the swap server: one privileged environment, the slot
// bitmap, and the backing store. It is reached only through page IPC,
// never by direct function call from another environment's code,
// mirroring original_source/page/serv.c's serve().
type Server_t struct {
	K      *env.Kernel_t
	Env    *env.Env_t
	Bitmap *Bitmap_t
	Store  BlockDevice

	mu    sync.Mutex
	stats Stats_t
}

// NewServer creates the swap server's own environment and binds it to
// bitmap/store.
func NewServer(k *env.Kernel_t, bitmap *Bitmap_t, store BlockDevice) (*Server_t, defs.Err_t) {
	e, err := k.Exofork(0)
	if err != 0 {
		return nil, err
	}
	k.SetStatus(e, env.Runnable)
	return &Server_t{K: k, Env: e, Bitmap: bitmap, Store: store}, 0
}

// Stats returns a snapshot of the server's lifetime counters.
func (s *Server_t) Stats() Stats_t {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Serve runs the server's request loop until stop is closed. Each
// iteration blocks in IPCRecv, exactly as serve()'s ipc_recv does.
func (s *Server_t) Serve(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
		}
		from, value, _, err := s.K.IPCRecv(s.Env, scratchRecvVA)
		if err != 0 {
			continue
		}
		s.handle(from, value)
	}
}

func (s *Server_t) handle(from env.EnvID, value uint32) {
	payload, kind := Decode(value)
	switch kind {
	case PageOut:
		s.handlePageOut(from)
	case PageIn:
		s.handlePageIn(from, payload)
	case PageRemove:
		s.handleRemove(from, payload)
	case PageStat:
		s.handleStat(from)
	default:
		log.Warnf("swapsrv: unknown request kind %d from %v", kind, from)
		s.K.IPCSend(s.Env, from, encodeErr(defs.EINVAL), 0, 0)
	}
}

func (s *Server_t) handlePageOut(from env.EnvID) {
	pte, ok := s.Env.Pmap.Lookup(scratchRecvVA)
	if !ok {
		s.K.IPCSend(s.Env, from, encodeErr(defs.EFAULT), 0, 0)
		return
	}
	slot, ok := s.Bitmap.Alloc()
	if !ok {
		s.Env.Pmap.Remove(scratchRecvVA, nil)
		s.K.IPCSend(s.Env, from, encodeErr(defs.ESWAPFULL), 0, 0)
		return
	}
	pa := mem.PTE_ADDR(pte)
	if err := s.Store.WriteAt(slot, mem.Physmem.Bytes(pa)); err != nil {
		s.Bitmap.Free(slot)
		s.Env.Pmap.Remove(scratchRecvVA, nil)
		s.K.IPCSend(s.Env, from, encodeErr(defs.EPAGING), 0, 0)
		return
	}
	s.Env.Pmap.Remove(scratchRecvVA, nil)
	s.mu.Lock()
	s.stats.PageOuts++
	s.mu.Unlock()
	s.K.IPCSend(s.Env, from, slot, 0, 0)
}

func (s *Server_t) handlePageIn(from env.EnvID, slot uint32) {
	if err := checkSlot(slot); err != 0 {
		s.K.IPCSend(s.Env, from, encodeErr(err), 0, 0)
		return
	}
	pa, ok := mem.Physmem.AllocFrame()
	if !ok {
		s.K.IPCSend(s.Env, from, encodeErr(defs.ENOMEM), 0, 0)
		return
	}
	if err := s.Store.ReadAt(slot, mem.Physmem.Bytes(pa)); err != nil {
		s.K.IPCSend(s.Env, from, encodeErr(defs.EPAGING), 0, 0)
		return
	}
	if err := s.Env.Pmap.Insert(scratchSendVA, pa, mem.PTE_U|mem.PTE_W, nil); err != 0 {
		s.K.IPCSend(s.Env, from, encodeErr(err), 0, 0)
		return
	}
	s.mu.Lock()
	s.stats.PageIns++
	s.mu.Unlock()
	s.K.IPCSend(s.Env, from, Encode(0, PageIn), scratchSendVA, mem.PTE_P|mem.PTE_U|mem.PTE_W)
	s.Env.Pmap.Remove(scratchSendVA, nil)
}

func (s *Server_t) handleRemove(from env.EnvID, slot uint32) {
	if err := checkSlot(slot); err != 0 {
		s.K.IPCSend(s.Env, from, encodeErr(err), 0, 0)
		return
	}
	s.Bitmap.Free(slot)
	s.mu.Lock()
	s.stats.PageRemoves++
	s.mu.Unlock()
	s.K.IPCSend(s.Env, from, Encode(0, PageRemove), 0, 0)
}

func (s *Server_t) handleStat(from env.EnvID) {
	pa, ok := mem.Physmem.AllocFrame()
	if !ok {
		s.K.IPCSend(s.Env, from, encodeErr(defs.ENOMEM), 0, 0)
		return
	}
	st := s.Stats()
	buf := mem.Physmem.Bytes(pa)
	putu64(buf[0:8], st.PageOuts)
	putu64(buf[8:16], st.PageIns)
	putu64(buf[16:24], st.PageRemoves)
	s.Env.Pmap.Insert(scratchSendVA, pa, mem.PTE_U|mem.PTE_W, nil)
	s.K.IPCSend(s.Env, from, Encode(0, PageStat), scratchSendVA, mem.PTE_P|mem.PTE_U|mem.PTE_W)
	s.Env.Pmap.Remove(scratchSendVA, nil)
}

func putu64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func getu64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}

// ParseStats decodes the page content a PAGE_STAT reply transfers.
func ParseStats(buf []byte) Stats_t {
	return Stats_t{
		PageOuts:    getu64(buf[0:8]),
		PageIns:     getu64(buf[8:16]),
		PageRemoves: getu64(buf[16:24]),
	}
}

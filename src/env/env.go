// Package env implements the environment table and page-granularity IPC
// core: the environment state machine, blocking send/recv/try_recv, and
// copy-on-write fork. A single big lock (Kernel_t's embedded mutex)
// stands in for "interrupts disabled"; blocking calls suspend on a
// sync.Cond bound to that same lock rather than spawning a goroutine per
// suspended call -- an explicit state transition plus an explicit yield
// point, not a stackful coroutine (see DESIGN.md).
package env

import (
	"sync"

	"defs"
	"mem"
)

// Status is an environment's position in the JOS-style state machine.
type Status int

const (
	Free Status = iota
	Runnable
	Running
	NotRunnable
	Dying
)

// EnvID names an environment. Zero is never a valid id.
type EnvID uint64

// Env_t is one simulated address space plus its IPC mailbox.
type Env_t struct {
	ID     EnvID
	Status Status
	Parent EnvID
	Pmap   *mem.Pmap_t

	// PagesCharged is this environment's pages_charged: the number of
	// frames currently mapped in its address space, maintained by
	// every Pmap Insert/Remove that is given a pointer to it. The
	// per-environment fair-allocation cap (upager's safe allocator)
	// reads this to decide whether this environment has already taken
	// its share of physical memory.
	PagesCharged int

	// IPC receive-side state, valid once RecvBlocked is set or after a
	// successful recv.
	RecvBlocked bool
	IPCFrom     EnvID
	IPCValue    uint32
	IPCPerm     mem.PTE_t
	IPCDstVA    uintptr

	// IPC send-side state: what this env is trying to hand over while
	// it sits in another env's blocked-sender queue.
	pendingValue uint32
	pendingPage  bool
	pendingPA    mem.Pa_t
	pendingPerm  mem.PTE_t
	ipcResult    defs.Err_t

	nextBlocked *Env_t // next env in some other env's blocked-sender queue
	blockHead   *Env_t // head of this env's own blocked-sender queue
	blockTail   *Env_t

	cond *sync.Cond
}

// Kernel_t is the big lock plus the environment table.
type Kernel_t struct {
	sync.Mutex
	envs   map[EnvID]*Env_t
	nextID EnvID
}

// NewKernel returns an empty, ready-to-use environment table.
func NewKernel() *Kernel_t {
	return &Kernel_t{envs: make(map[EnvID]*Env_t)}
}

// Exofork creates a new, NotRunnable environment with a fresh empty
// address space and no parent-copied state; the caller (typically Fork)
// populates it before marking it Runnable.
func (k *Kernel_t) Exofork(parent EnvID) (*Env_t, defs.Err_t) {
	pm, err := mem.NewPmap()
	if err != 0 {
		return nil, err
	}
	k.Lock()
	defer k.Unlock()
	k.nextID++
	e := &Env_t{
		ID:     k.nextID,
		Status: NotRunnable,
		Parent: parent,
		Pmap:   pm,
	}
	e.cond = sync.NewCond(&k.Mutex)
	k.envs[e.ID] = e
	return e, 0
}

// LiveEnvs returns the number of environments currently in the table
// (anything not yet garbage-collected by Destroy), the denominator of
// the per-environment fair-allocation cap.
func (k *Kernel_t) LiveEnvs() int {
	k.Lock()
	defer k.Unlock()
	return len(k.envs)
}

// Get looks up a live environment by id.
func (k *Kernel_t) Get(id EnvID) (*Env_t, defs.Err_t) {
	k.Lock()
	defer k.Unlock()
	e, ok := k.envs[id]
	if !ok || e.Status == Free {
		return nil, defs.EBADENV
	}
	return e, 0
}

// SetStatus transitions e's Status field. Callers hold no lock; this
// takes the big lock itself.
func (k *Kernel_t) SetStatus(e *Env_t, s Status) {
	k.Lock()
	defer k.Unlock()
	e.Status = s
}

// Destroy tears down e: every blocked sender waiting on e is woken with
// EBADENV rather than left stuck forever (the spec's resolution of the
// "destroy with blocked senders" open question), its address space is
// freed, and its table slot is marked Free.
func (k *Kernel_t) Destroy(e *Env_t) {
	k.Lock()
	cur := e.blockHead
	e.blockHead, e.blockTail = nil, nil
	for cur != nil {
		next := cur.nextBlocked
		cur.nextBlocked = nil
		cur.ipcResult = defs.EBADENV
		cur.Status = Runnable
		cur.cond.Signal()
		cur = next
	}
	e.Status = Dying
	k.Unlock()

	e.Pmap.Free()

	k.Lock()
	e.Status = Free
	delete(k.envs, e.ID)
	k.Unlock()
}

// enqueueSender appends s to dst's blocked-sender FIFO. Caller holds the
// kernel lock.
func (k *Kernel_t) enqueueSender(dst, s *Env_t) {
	s.nextBlocked = nil
	if dst.blockTail == nil {
		dst.blockHead, dst.blockTail = s, s
		return
	}
	dst.blockTail.nextBlocked = s
	dst.blockTail = s
}

// popSender removes and returns the head of dst's blocked-sender FIFO,
// or nil. Caller holds the kernel lock.
func (k *Kernel_t) popSender(dst *Env_t) *Env_t {
	s := dst.blockHead
	if s == nil {
		return nil
	}
	dst.blockHead = s.nextBlocked
	if dst.blockHead == nil {
		dst.blockTail = nil
	}
	s.nextBlocked = nil
	return s
}

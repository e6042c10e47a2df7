package env

import (
	"defs"
	"mem"
)

// IPCSend implements the blocking send half of page-granularity IPC,
// grounded on original_source/kern/syscall.c's sys_ipc_send. If srcva is
// non-zero a page is offered alongside value: it must be page-aligned,
// carry only PTE_SYSCALL bits plus PTE_U|PTE_P, and if PTE_W is
// requested the sender's own mapping must already be writable.
//
// If dstid is not currently blocked in Recv, src is queued on dst's
// blocked-sender FIFO and this call blocks (via Cond.Wait on the
// kernel's lock) until dst's Recv or Destroy wakes it -- the fix from
// the REDESIGN FLAG: the wakeable condition is dst.RecvBlocked, not
// "dst.Status != NotRunnable".
func (k *Kernel_t) IPCSend(src *Env_t, dstid EnvID, value uint32, srcva uintptr, perm mem.PTE_t) defs.Err_t {
	var pa mem.Pa_t
	wantPage := srcva != 0
	k.Lock()
	defer k.Unlock()

	dst, ok := k.envs[dstid]
	if !ok || dst.Status == Free {
		return defs.EBADENV
	}
	if wantPage {
		if srcva%mem.PGSIZE != 0 {
			return defs.EINVAL
		}
		if perm&^mem.PTE_SYSCALL != 0 || perm&mem.PTE_U == 0 || perm&mem.PTE_P == 0 {
			return defs.EINVAL
		}
		pte, ok := src.Pmap.Lookup(srcva)
		if !ok {
			return defs.EFAULT
		}
		if perm&mem.PTE_W != 0 && pte&mem.PTE_W == 0 {
			return defs.EFAULT
		}
		pa = mem.PTE_ADDR(pte)
	}

	if dst.RecvBlocked {
		if wantPage && dst.IPCDstVA != 0 {
			if err := dst.Pmap.Insert(dst.IPCDstVA, pa, perm, &dst.PagesCharged); err != 0 {
				return err
			}
			dst.IPCPerm = perm
		}
		dst.IPCFrom = src.ID
		dst.IPCValue = value
		dst.RecvBlocked = false
		dst.Status = Runnable
		dst.cond.Signal()
		return 0
	}

	src.pendingValue, src.pendingPage, src.pendingPA, src.pendingPerm = value, wantPage, pa, perm
	k.enqueueSender(dst, src)
	src.Status = NotRunnable
	for src.Status == NotRunnable {
		src.cond.Wait()
	}
	return src.ipcResult
}

// IPCRecv implements the blocking receive half. If a sender is already
// queued it is served immediately (trying each queued sender in FIFO
// order until one's page transfer, if any, succeeds -- a sender whose
// transfer fails is woken with that error and the next sender is tried,
// exactly as sys_ipc_recv's retry loop does); otherwise the caller
// blocks until a send arrives.
func (k *Kernel_t) IPCRecv(rcv *Env_t, dstva uintptr) (EnvID, uint32, mem.PTE_t, defs.Err_t) {
	if dstva != 0 && dstva%mem.PGSIZE != 0 {
		return 0, 0, 0, defs.EINVAL
	}
	k.Lock()
	defer k.Unlock()
	rcv.IPCDstVA = dstva

	for {
		s := k.popSender(rcv)
		if s == nil {
			break
		}
		if s.pendingPage && dstva != 0 {
			if err := rcv.Pmap.Insert(dstva, s.pendingPA, s.pendingPerm, &rcv.PagesCharged); err != 0 {
				s.ipcResult = err
				s.Status = Runnable
				s.cond.Signal()
				continue
			}
			rcv.IPCPerm = s.pendingPerm
		}
		rcv.IPCFrom = s.ID
		rcv.IPCValue = s.pendingValue
		s.ipcResult = 0
		s.Status = Runnable
		s.cond.Signal()
		return s.ID, s.pendingValue, rcv.IPCPerm, 0
	}

	rcv.RecvBlocked = true
	rcv.Status = NotRunnable
	for rcv.RecvBlocked {
		rcv.cond.Wait()
	}
	if rcv.Status == Dying {
		return 0, 0, 0, defs.EBADENV
	}
	return rcv.IPCFrom, rcv.IPCValue, rcv.IPCPerm, 0
}

// IPCTryRecv is IPCRecv's non-blocking sibling: it serves one queued
// sender if present, otherwise returns EIPCNOTSEND immediately instead of
// blocking.
func (k *Kernel_t) IPCTryRecv(rcv *Env_t, dstva uintptr) (EnvID, uint32, mem.PTE_t, defs.Err_t) {
	if dstva != 0 && dstva%mem.PGSIZE != 0 {
		return 0, 0, 0, defs.EINVAL
	}
	k.Lock()
	defer k.Unlock()
	rcv.IPCDstVA = dstva

	for {
		s := k.popSender(rcv)
		if s == nil {
			return 0, 0, 0, defs.EIPCNOTSEND
		}
		if s.pendingPage && dstva != 0 {
			if err := rcv.Pmap.Insert(dstva, s.pendingPA, s.pendingPerm, &rcv.PagesCharged); err != 0 {
				s.ipcResult = err
				s.Status = Runnable
				s.cond.Signal()
				continue
			}
			rcv.IPCPerm = s.pendingPerm
		}
		rcv.IPCFrom = s.ID
		rcv.IPCValue = s.pendingValue
		s.ipcResult = 0
		s.Status = Runnable
		s.cond.Signal()
		return s.ID, s.pendingValue, rcv.IPCPerm, 0
	}
}

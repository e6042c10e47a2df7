package swapsrv

import (
	"defs"
	"env"
	"mem"
)

// Client_t is the thin IPC stub any environment uses to talk to the swap
// server -- the same role paging.c's page_out/page_in/page_unmap play on
// top of raw ipc_send/ipc_recv.
type Client_t struct {
	K      *env.Kernel_t
	Server env.EnvID
}

// PageOut hands the page currently mapped at srcva in e's address space
// to the server, which copies it to the backing store and returns the
// slot it was written to.
func (c *Client_t) PageOut(e *env.Env_t, srcva uintptr) (slot uint32, reterr defs.Err_t) {
	pte, ok := e.Pmap.Lookup(srcva)
	if !ok {
		return 0, defs.EFAULT
	}
	if err := c.K.IPCSend(e, c.Server, Encode(0, PageOut), srcva, mem.PTE_FLAGS(pte)); err != 0 {
		return 0, err
	}
	_, value, _, err := c.K.IPCRecv(e, 0)
	if err != 0 {
		return 0, err
	}
	payload, rerr := decodeReply(value)
	if rerr != 0 {
		return 0, rerr
	}
	return payload, 0
}

// PageIn asks the server to read slot back from the backing store and
// map it into e's address space at dstva.
func (c *Client_t) PageIn(e *env.Env_t, slot uint32, dstva uintptr) defs.Err_t {
	if err := c.K.IPCSend(e, c.Server, Encode(slot, PageIn), 0, 0); err != 0 {
		return err
	}
	_, value, _, err := c.K.IPCRecv(e, dstva)
	if err != 0 {
		return err
	}
	_, rerr := decodeReply(value)
	return rerr
}

// PageRemove tells the server a slot's contents are no longer needed.
func (c *Client_t) PageRemove(e *env.Env_t, slot uint32) defs.Err_t {
	if err := c.K.IPCSend(e, c.Server, Encode(slot, PageRemove), 0, 0); err != 0 {
		return err
	}
	_, value, _, err := c.K.IPCRecv(e, 0)
	if err != 0 {
		return err
	}
	_, rerr := decodeReply(value)
	return rerr
}

// PageStat fetches the server's lifetime counters.
func (c *Client_t) PageStat(e *env.Env_t, scratchva uintptr) (Stats_t, defs.Err_t) {
	if err := c.K.IPCSend(e, c.Server, Encode(0, PageStat), 0, 0); err != 0 {
		return Stats_t{}, err
	}
	_, value, _, err := c.K.IPCRecv(e, scratchva)
	if err != 0 {
		return Stats_t{}, err
	}
	if _, rerr := decodeReply(value); rerr != 0 {
		return Stats_t{}, rerr
	}
	pte, ok := e.Pmap.Lookup(scratchva)
	if !ok {
		return Stats_t{}, defs.EFAULT
	}
	st := ParseStats(mem.Physmem.Bytes(mem.PTE_ADDR(pte)))
	e.Pmap.Remove(scratchva, nil)
	return st, 0
}

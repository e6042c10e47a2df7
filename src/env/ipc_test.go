package env

import (
	"testing"
	"time"

	"defs"
	"mem"
)

func freshMem(nframes int) {
	mem.Physmem = mem.Physmem_t{}
	mem.Init(nframes)
}

func TestIPCValueOnlyDirectHandoff(t *testing.T) {
	freshMem(16)
	k := NewKernel()
	a, _ := k.Exofork(0)
	b, _ := k.Exofork(0)

	done := make(chan struct{})
	go func() {
		from, val, _, err := k.IPCRecv(b, 0)
		if err != 0 || from != a.ID || val != 42 {
			t.Errorf("recv got from=%v val=%v err=%v", from, val, err)
		}
		close(done)
	}()

	// Give the receiver a chance to block in Recv before sending.
	time.Sleep(10 * time.Millisecond)
	if err := k.IPCSend(a, b.ID, 42, 0, 0); err != 0 {
		t.Fatalf("send: %v", err)
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("recv never observed the send")
	}
}

func TestIPCSendBlocksUntilRecv(t *testing.T) {
	freshMem(16)
	k := NewKernel()
	a, _ := k.Exofork(0)
	b, _ := k.Exofork(0)

	sendDone := make(chan defs.Err_t)
	go func() {
		err := k.IPCSend(a, b.ID, 7, 0, 0)
		sendDone <- defs.Err_t(err)
	}()

	time.Sleep(10 * time.Millisecond)
	select {
	case <-sendDone:
		t.Fatal("send returned before any recv happened")
	default:
	}

	from, val, _, err := k.IPCRecv(b, 0)
	if err != 0 || from != a.ID || val != 7 {
		t.Fatalf("recv got from=%v val=%v err=%v", from, val, err)
	}
	select {
	case e := <-sendDone:
		if e != 0 {
			t.Fatalf("send completed with error %v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("send never woke up after recv")
	}
}

func TestIPCTryRecvNoSenderReturnsImmediately(t *testing.T) {
	freshMem(16)
	k := NewKernel()
	b, _ := k.Exofork(0)
	_, _, _, err := k.IPCTryRecv(b, 0)
	if err == 0 {
		t.Fatal("expected EIPCNOTSEND with no sender waiting")
	}
}

func TestIPCSendTransfersPage(t *testing.T) {
	freshMem(16)
	k := NewKernel()
	a, _ := k.Exofork(0)
	b, _ := k.Exofork(0)

	pa, _ := mem.Physmem.AllocFrame()
	srcva := uintptr(0x10000000)
	a.Pmap.Insert(srcva, pa, mem.PTE_U|mem.PTE_W, nil)
	copy(mem.Physmem.Bytes(pa), []byte("hello"))

	recvDone := make(chan struct{})
	dstva := uintptr(0x20000000)
	go func() {
		k.IPCRecv(b, dstva)
		close(recvDone)
	}()
	time.Sleep(10 * time.Millisecond)
	if err := k.IPCSend(a, b.ID, 1, srcva, mem.PTE_P|mem.PTE_U|mem.PTE_W); err != 0 {
		t.Fatalf("send: %v", err)
	}
	<-recvDone

	pte, ok := b.Pmap.Lookup(dstva)
	if !ok {
		t.Fatal("page was not mapped into receiver")
	}
	if mem.PTE_ADDR(pte) != pa {
		t.Fatal("receiver's mapping points at the wrong frame")
	}
	got := mem.Physmem.Bytes(pa)[:5]
	if string(got) != "hello" {
		t.Fatalf("page contents not shared: got %q", got)
	}
}

func TestDestroyWakesBlockedSenders(t *testing.T) {
	freshMem(16)
	k := NewKernel()
	a, _ := k.Exofork(0)
	b, _ := k.Exofork(0)

	sendDone := make(chan defs.Err_t)
	go func() {
		err := k.IPCSend(a, b.ID, 1, 0, 0)
		sendDone <- defs.Err_t(err)
	}()
	time.Sleep(10 * time.Millisecond)
	k.Destroy(b)

	select {
	case e := <-sendDone:
		if e == 0 {
			t.Fatal("expected the blocked sender to be woken with an error, not success")
		}
	case <-time.After(time.Second):
		t.Fatal("blocked sender was never woken by Destroy")
	}
}

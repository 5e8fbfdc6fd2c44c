package user

import (
	"testing"

	"github.com/zellux/nexus/internal/defs"
	"github.com/zellux/nexus/internal/mem"
	"github.com/zellux/nexus/internal/proc"
	"github.com/zellux/nexus/internal/syscall"
	"github.com/zellux/nexus/internal/trap"
	"github.com/zellux/nexus/internal/vm"
)

type fakeConsole struct{ in []byte }

func (c *fakeConsole) Write(p []byte) (int, error) { return len(p), nil }
func (c *fakeConsole) ReadByte() (byte, error)     { return 0, nil }

func newRuntime(t *testing.T, nslots int) (*Runtime, *proc.Table, *mem.Arena) {
	t.Helper()
	arena := mem.NewArena(512)
	vmgr := vm.NewManager(arena)
	envs := proc.NewTable(vmgr, nslots)
	idleAS, err := vmgr.NewAddressSpace()
	if err != nil {
		t.Fatalf("idle AS: %v", err)
	}
	envs.BootIdle(idleAS)
	sc := syscall.NewHandler(envs, arena, &fakeConsole{})
	rt := NewRuntime(envs, sc, defs.VA(0x6000_0000))
	return rt, envs, arena
}

func TestForkMakesWritablePageCOWInBothAddressSpaces(t *testing.T) {
	rt, envs, arena := newRuntime(t, 3)
	parent, _ := envs.Alloc(0)

	va := defs.VA(0x1000)
	f, _ := arena.Alloc(true)
	parent.AS.Insert(va, f, defs.PermUser|defs.PermWritable)

	child, err := rt.Fork(parent)
	if err != nil {
		t.Fatalf("Fork: %v", err)
	}

	_, parentPerm, ok := parent.AS.Lookup(va)
	if !ok || !parentPerm.Has(defs.PermCOW) {
		t.Fatalf("expected parent's own page to become COW, got %v (ok=%v)", parentPerm, ok)
	}
	childFrame, childPerm, ok := child.AS.Lookup(va)
	if !ok || !childPerm.Has(defs.PermCOW) {
		t.Fatalf("expected child's page to be COW, got %v (ok=%v)", childPerm, ok)
	}
	if childFrame != f {
		t.Fatalf("child frame = %d, want shared frame %d", childFrame, f)
	}
	if parentPerm.Has(defs.PermWritable) {
		t.Fatal("parent's page should no longer be directly writable once COW")
	}
}

func TestForkSharesReadOnlyPagesDirectly(t *testing.T) {
	rt, envs, arena := newRuntime(t, 3)
	parent, _ := envs.Alloc(0)

	va := defs.VA(0x2000)
	f, _ := arena.Alloc(true)
	parent.AS.Insert(va, f, defs.PermUser)

	child, err := rt.Fork(parent)
	if err != nil {
		t.Fatalf("Fork: %v", err)
	}
	_, perm, ok := child.AS.Lookup(va)
	if !ok {
		t.Fatal("expected the read-only page to be shared with the child")
	}
	if perm.Has(defs.PermCOW) {
		t.Fatal("a page that was never writable should not become COW")
	}
}

func TestForkGivesChildItsOwnExceptionStackAndUpcall(t *testing.T) {
	rt, envs, _ := newRuntime(t, 3)
	parent, _ := envs.Alloc(0)

	child, err := rt.Fork(parent)
	if err != nil {
		t.Fatalf("Fork: %v", err)
	}
	if !child.HasUpcall || child.PgfaultUpcall != COWUpcallVA {
		t.Fatalf("child upcall not installed: %+v", child)
	}
	if _, _, ok := child.AS.Lookup(defs.ExceptionStackBottom); !ok {
		t.Fatal("expected the child to have its own exception-stack page")
	}
	if child.Status != proc.StatusRunnable {
		t.Fatalf("child status = %v, want Runnable", child.Status)
	}
}

func TestForkChildReturnValueIsZero(t *testing.T) {
	rt, envs, _ := newRuntime(t, 3)
	parent, _ := envs.Alloc(0)
	parent.TF.EAX = 0xbeef

	child, err := rt.Fork(parent)
	if err != nil {
		t.Fatalf("Fork: %v", err)
	}
	if child.TF.EAX != 0 {
		t.Fatalf("child EAX = %#x, want 0 (exo-fork's documented child return value)", child.TF.EAX)
	}
}

func TestHandleUpcallCopiesPageAndClearsCOW(t *testing.T) {
	rt, envs, arena := newRuntime(t, 3)
	parent, _ := envs.Alloc(0)

	va := defs.VA(0x1000)
	f, _ := arena.Alloc(true)
	copy(arena.Bytes(f), []byte("original"))
	parent.AS.Insert(va, f, defs.PermUser|defs.PermWritable)

	child, err := rt.Fork(parent)
	if err != nil {
		t.Fatalf("Fork: %v", err)
	}

	utf := trap.UTrapFrame{FaultVA: va, ErrCode: 0x2}
	if err := rt.HandleUpcall(child, utf); err != nil {
		t.Fatalf("HandleUpcall: %v", err)
	}

	newFrame, newPerm, ok := child.AS.Lookup(va)
	if !ok {
		t.Fatal("expected the page to still be mapped after the fixup")
	}
	if newFrame == f {
		t.Fatal("expected a private copy, not the still-shared frame")
	}
	if newPerm.Has(defs.PermCOW) || !newPerm.Has(defs.PermWritable) {
		t.Fatalf("expected a plain writable mapping after fixup, got %v", newPerm)
	}

	got, _ := child.AS.UserBytes(va, false)
	if string(got[:8]) != "original" {
		t.Fatalf("copied page contents = %q, want %q", got[:8], "original")
	}

	// Parent's own copy must be untouched by the child's fixup.
	parentFrame, _, _ := parent.AS.Lookup(va)
	if parentFrame != f {
		t.Fatal("parent's mapping should be unaffected by the child's COW fixup")
	}
}

func TestHandleUpcallRejectsNonWriteFault(t *testing.T) {
	rt, envs, arena := newRuntime(t, 2)
	e, _ := envs.Alloc(0)
	va := defs.VA(0x1000)
	f, _ := arena.Alloc(true)
	e.AS.Insert(va, f, defs.PermUser|defs.PermCOW)

	utf := trap.UTrapFrame{FaultVA: va, ErrCode: 0}
	if err := rt.HandleUpcall(e, utf); err == nil {
		t.Fatal("expected an error for a non-write fault")
	}
}

func TestHandleUpcallRejectsNonCOWPage(t *testing.T) {
	rt, envs, arena := newRuntime(t, 2)
	e, _ := envs.Alloc(0)
	va := defs.VA(0x1000)
	f, _ := arena.Alloc(true)
	e.AS.Insert(va, f, defs.PermUser|defs.PermWritable) // plain writable, not COW

	utf := trap.UTrapFrame{FaultVA: va, ErrCode: 0x2}
	if err := rt.HandleUpcall(e, utf); err == nil {
		t.Fatal("expected an error faulting on a non-COW page")
	}
}

func TestRecvThenSendDeliversIPCState(t *testing.T) {
	rt, envs, _ := newRuntime(t, 3)
	receiver, _ := envs.Alloc(0)
	sender, _ := envs.Alloc(0)

	if err := rt.Recv(receiver, defs.VA(defs.UserTop)); err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if receiver.Status != proc.StatusNotRunnable {
		t.Fatalf("receiver status = %v, want NotRunnable while blocked in recv", receiver.Status)
	}

	transferred, err := rt.Send(sender, receiver.ID, 123, defs.VA(defs.UserTop), 0)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if transferred {
		t.Fatal("no page offered, should not report a transfer")
	}
	got := ReadRecvResult(receiver)
	if got.Value != 123 || got.From != sender.ID {
		t.Fatalf("ReadRecvResult = %+v", got)
	}
}

func TestSendBeforeRecvReportsEIPCNotRecv(t *testing.T) {
	rt, envs, _ := newRuntime(t, 3)
	sender, _ := envs.Alloc(0)
	target, _ := envs.Alloc(0)

	_, err := rt.Send(sender, target.ID, 1, defs.VA(defs.UserTop), 0)
	if err != defs.EIPCNotRecv {
		t.Fatalf("expected EIPCNotRecv, got %v", err)
	}
}

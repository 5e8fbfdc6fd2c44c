package trap

import (
	"log"
	"testing"

	"github.com/zellux/nexus/internal/defs"
	"github.com/zellux/nexus/internal/mem"
	"github.com/zellux/nexus/internal/proc"
	"github.com/zellux/nexus/internal/vm"
)

type fakeSyscalls struct {
	calls int
	ret   int32
	lastE *proc.Env
}

func (f *fakeSyscalls) Handle(e *proc.Env, num, a1, a2, a3, a4, a5 uint32) int32 {
	f.calls++
	f.lastE = e
	return f.ret
}

func newDispatcher(t *testing.T, nslots int) (*Dispatcher, *proc.Table, *mem.Arena, *fakeSyscalls) {
	t.Helper()
	arena := mem.NewArena(64)
	vmgr := vm.NewManager(arena)
	envs := proc.NewTable(vmgr, nslots)
	idleAS, err := vmgr.NewAddressSpace()
	if err != nil {
		t.Fatalf("idle AS: %v", err)
	}
	envs.BootIdle(idleAS)
	sc := &fakeSyscalls{}
	d := NewDispatcher(envs, sc, log.New(discard{}, "", 0))
	return d, envs, arena, sc
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func TestSpuriousIRQResumesSameEnv(t *testing.T) {
	d, envs, _, _ := newDispatcher(t, 2)
	e, _ := envs.Alloc(0)
	if got := d.Deliver(e, SpuriousIRQ, 0, 0); got != e {
		t.Fatalf("expected the same env back, got %+v", got)
	}
}

func TestTimerInUserModeYields(t *testing.T) {
	d, envs, _, _ := newDispatcher(t, 3)
	e1, _ := envs.Alloc(0)
	e2, _ := envs.Alloc(0)
	e1.TF.UserMode = true
	e2.TF.UserMode = true
	envs.SetStatus(e1, proc.StatusRunnable)
	envs.SetStatus(e2, proc.StatusRunnable)
	envs.Schedule() // picks e1, marks it Running

	next := d.Deliver(e1, TimerIRQ, 0, 0)
	if next == nil {
		t.Fatal("expected another runnable env")
	}
	if next.ID == e1.ID {
		t.Fatal("expected the scheduler to advance past e1")
	}
}

func TestTimerInKernelModePanics(t *testing.T) {
	d, envs, _, _ := newDispatcher(t, 2)
	e, _ := envs.Alloc(0)
	e.TF.UserMode = false

	defer func() {
		if recover() == nil {
			t.Fatal("expected a panic delivering a timer trap in kernel mode")
		}
	}()
	d.Deliver(e, TimerIRQ, 0, 0)
}

func TestSyscallPlantsReturnValueAndResumesIfStillRunnable(t *testing.T) {
	d, envs, _, sc := newDispatcher(t, 2)
	e, _ := envs.Alloc(0)
	envs.SetStatus(e, proc.StatusRunnable)
	sc.ret = 42

	got := d.Deliver(e, Syscall, 0, 0)
	if e.TF.EAX != 42 {
		t.Fatalf("EAX = %d, want 42", e.TF.EAX)
	}
	if sc.calls != 1 {
		t.Fatalf("syscall handler called %d times, want 1", sc.calls)
	}
	if got != e {
		t.Fatal("expected the same env to resume since it is still runnable")
	}
	if e.Syscalls != 1 {
		t.Fatalf("Syscalls counter = %d, want 1", e.Syscalls)
	}
}

func TestSyscallReschedulesIfHandlerBlockedTheEnv(t *testing.T) {
	d, envs, _, sc := newDispatcher(t, 3)
	e, _ := envs.Alloc(0)
	other, _ := envs.Alloc(0)
	envs.SetStatus(other, proc.StatusRunnable)
	sc.ret = 0

	// Handler's side effect: blocks e (e.g. ipc_recv).
	blockingHandle := func(env *proc.Env, num, a1, a2, a3, a4, a5 uint32) int32 {
		envs.SetStatus(env, proc.StatusNotRunnable)
		return 0
	}
	d.Syscalls = handlerFunc(blockingHandle)

	got := d.Deliver(e, Syscall, 0, 0)
	if got == nil || got.ID != other.ID {
		t.Fatalf("expected the dispatcher to reschedule to %#x, got %+v", other.ID, got)
	}
}

type handlerFunc func(e *proc.Env, num, a1, a2, a3, a4, a5 uint32) int32

func (f handlerFunc) Handle(e *proc.Env, num, a1, a2, a3, a4, a5 uint32) int32 {
	return f(e, num, a1, a2, a3, a4, a5)
}

func TestPageFaultDestroysEnvWithNoUpcall(t *testing.T) {
	d, envs, _, _ := newDispatcher(t, 2)
	e, _ := envs.Alloc(0)
	e.TF.UserMode = true

	d.Deliver(e, PageFault, defs.VA(0xdead000), 0)
	if e.Status != proc.StatusFree {
		t.Fatal("expected the faulting env to be destroyed")
	}
}

func TestPageFaultDeliversUpcallOnExceptionStack(t *testing.T) {
	d, envs, arena, _ := newDispatcher(t, 2)
	e, _ := envs.Alloc(0)
	e.TF.UserMode = true
	e.TF.EIP = 0x1234
	e.TF.ESP = 0x5000
	envs.SetPgfaultUpcall(e, defs.VA(0x9999))

	f, _ := arena.Alloc(true)
	e.AS.Insert(defs.ExceptionStackTop-defs.PageSize, f, defs.PermUser|defs.PermWritable)

	faultVA := defs.VA(0x8000)
	next := d.Deliver(e, PageFault, faultVA, 0x4)
	if next != e {
		t.Fatal("expected the same env to resume at the upcall")
	}
	if e.TF.EIP != uint32(0x9999) {
		t.Fatalf("EIP = %#x, want upcall address", e.TF.EIP)
	}
	wantESP := uint32(defs.ExceptionStackTop) - utrapFrameSize
	if e.TF.ESP != wantESP {
		t.Fatalf("ESP = %#x, want %#x", e.TF.ESP, wantESP)
	}

	buf, err := e.AS.UserBytes(defs.VA(e.TF.ESP), false)
	if err != nil {
		t.Fatalf("UserBytes: %v", err)
	}
	got := DecodeUTrapFrame(buf)
	if got.FaultVA != faultVA {
		t.Fatalf("FaultVA = %#x, want %#x", got.FaultVA, faultVA)
	}
	if got.EIP != 0x1234 {
		t.Fatalf("saved EIP = %#x, want 0x1234", got.EIP)
	}
}

func TestPageFaultDestroysEnvWhenExceptionStackUnmapped(t *testing.T) {
	d, envs, _, _ := newDispatcher(t, 2)
	e, _ := envs.Alloc(0)
	e.TF.UserMode = true
	envs.SetPgfaultUpcall(e, defs.VA(0x9999))
	// No exception-stack page mapped.
	d.Deliver(e, PageFault, defs.VA(0x8000), 0)
	if e.Status != proc.StatusFree {
		t.Fatal("expected destruction when the exception stack is not mapped")
	}
}

func TestPageFaultInKernelModePanics(t *testing.T) {
	d, envs, _, _ := newDispatcher(t, 2)
	e, _ := envs.Alloc(0)
	e.TF.UserMode = false
	defer func() {
		if recover() == nil {
			t.Fatal("expected a panic on a kernel-mode page fault")
		}
	}()
	d.Deliver(e, PageFault, defs.VA(0x1000), 0)
}

func TestUTrapFrameEncodeDecodeRoundTrip(t *testing.T) {
	tf := proc.TrapFrame{EAX: 1, EBX: 2, ECX: 3, EDX: 4, ESI: 5, EDI: 6, EBP: 7, EIP: 8, EFlags: 9, ESP: 10}
	buf := packUTrapFrame(defs.VA(0x1000), 0x4, tf)
	got := DecodeUTrapFrame(buf)
	if got.FaultVA != defs.VA(0x1000) || got.ErrCode != 0x4 {
		t.Fatalf("fault fields lost: %+v", got)
	}
	if got.EAX != 1 || got.EBX != 2 || got.ECX != 3 || got.EDX != 4 {
		t.Fatalf("gprs lost: %+v", got)
	}
	if got.ESI != 5 || got.EDI != 6 || got.EBP != 7 {
		t.Fatalf("more gprs lost: %+v", got)
	}
	if got.EIP != 8 || got.EFlags != 9 || got.ESP != 10 {
		t.Fatalf("trap-time fields lost: %+v", got)
	}
}

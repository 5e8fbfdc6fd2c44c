// Package user is the libos runtime user-mode environments link against
// (§4.8, §4.7): copy-on-write fork over exo-fork plus the page-fault
// upcall, and the blocking IPC send/recv wrappers.
//
// Grounded on original_source/lib/fork.c (pgfault, duppage, fork) and
// original_source/lib/ipc.c (ipc_recv, ipc_send), rewritten the way the
// rest of this kernel turns JOS's "libc within the kernel's own address
// space" conceit into plain Go: there is no second address space for
// this code to run in, so Runtime calls straight through to the
// validated syscall.Handler methods the ABI itself uses, in the same
// order and under the same checks a real user binary would hit via
// int 0x30.
package user

import (
	"github.com/pkg/errors"

	"github.com/zellux/nexus/internal/defs"
	"github.com/zellux/nexus/internal/proc"
	"github.com/zellux/nexus/internal/syscall"
	"github.com/zellux/nexus/internal/trap"
)

// COWUpcallVA is the fixed entry point every forking environment installs
// as its page-fault upcall. JOS's libc assembles one real function
// (_pgfault_upcall) at a fixed address and every user binary that calls
// fork() points at the same stub; there is exactly one Go implementation
// of it here too (Runtime.HandleUpcall), so one sentinel address stands
// for "this environment's upcall is the COW fixup".
const COWUpcallVA = defs.VA(0x7000_0000)

// Runtime is the libos state shared by every environment that forks
// through it: the syscall handler doing the real work, and a place to
// stash a scratch VA used to remap a faulting page while it is copied.
type Runtime struct {
	Envs *proc.Table
	SC   *syscall.Handler

	// ScratchVA is the fixed, otherwise-unused user address HandleUpcall
	// maps transiently while copying a faulting page (fork.c's PFTEMP). One slot suffices: COW fixups never nest within the same
	// environment, since the upcall itself never touches another COW page.
	ScratchVA defs.VA
}

// NewRuntime constructs a libos Runtime.
func NewRuntime(envs *proc.Table, sc *syscall.Handler, scratchVA defs.VA) *Runtime {
	return &Runtime{Envs: envs, SC: sc, ScratchVA: scratchVA}
}

// InstallCOWUpcall points e at the COW page-fault upcall, allocating
// nothing else. Idempotent; fork calls it on the parent before forking so
// the parent's own pages can start being marked copy-on-write immediately
// (a page already mapped writable-only is upgraded to COW lazily, the
// first time fork touches it — see duppage).
func (r *Runtime) InstallCOWUpcall(e *proc.Env) error {
	return r.SC.EnvSetPgfaultUpcall(e, 0, COWUpcallVA)
}

// duppage implements fork.c's duppage(): it maps va from parent into
// child, making writable pages copy-on-write in both the child's and the
// parent's own address space. Pages already COW are forwarded as COW
// without being remapped in the parent a second time. Read-only pages are
// simply shared.
func (r *Runtime) duppage(parent, child *proc.Env, va defs.VA, srcPerm defs.Perm) error {
	switch {
	case srcPerm.Has(defs.PermCOW):
		return r.SC.PageMap(parent, parent.ID, va, child.ID, va, defs.PermPresent|defs.PermUser|defs.PermCOW)
	case srcPerm.Has(defs.PermWritable):
		cowPerm := defs.PermPresent | defs.PermUser | defs.PermCOW
		if err := r.SC.PageMap(parent, parent.ID, va, child.ID, va, cowPerm); err != nil {
			return errors.Wrap(err, "user: map child copy-on-write")
		}
		if err := r.SC.PageMap(parent, parent.ID, va, parent.ID, va, cowPerm); err != nil {
			return errors.Wrap(err, "user: remap own page copy-on-write")
		}
		return nil
	default:
		return r.SC.PageMap(parent, parent.ID, va, child.ID, va, srcPerm)
	}
}

// Fork implements fork.c's fork(): exo-fork a child, then walk every
// present user page except the exception stack (below it, and above it
// up to UserTop), duppage-ing each one into the
// child, before giving the child its own fresh exception stack (the
// exception stack is never shared — each environment's upcall needs a
// private place to land) and its own COW upcall, and finally marking it
// runnable.
func (r *Runtime) Fork(parent *proc.Env) (*proc.Env, error) {
	if err := r.InstallCOWUpcall(parent); err != nil {
		return nil, errors.Wrap(err, "user: install parent upcall")
	}

	child, err := r.Envs.ExoFork(parent)
	if err != nil {
		return nil, errors.Wrap(err, "user: exofork")
	}

	for va := defs.VA(0); va < defs.ExceptionStackBottom; va += defs.PageSize {
		_, perm, ok := parent.AS.Lookup(va)
		if !ok {
			continue
		}
		if err := r.duppage(parent, child, va, perm); err != nil {
			return nil, err
		}
	}
	for va := defs.VA(defs.ExceptionStackTop); va < defs.UserTop; va += defs.PageSize {
		_, perm, ok := parent.AS.Lookup(va)
		if !ok {
			continue
		}
		if err := r.duppage(parent, child, va, perm); err != nil {
			return nil, err
		}
	}

	allocPerm := defs.PermPresent | defs.PermUser | defs.PermWritable
	if err := r.SC.PageAlloc(parent, child.ID, defs.ExceptionStackBottom, allocPerm); err != nil {
		return nil, errors.Wrap(err, "user: allocate child exception stack")
	}
	if err := r.SC.EnvSetPgfaultUpcall(parent, child.ID, COWUpcallVA); err != nil {
		return nil, errors.Wrap(err, "user: install child upcall")
	}
	if err := r.SC.EnvSetStatus(parent, child.ID, proc.StatusRunnable); err != nil {
		return nil, errors.Wrap(err, "user: mark child runnable")
	}
	return child, nil
}

// HandleUpcall implements fork.c's pgfault(): given the UTrapFrame a page
// fault pushed onto e's exception stack, it verifies the fault is one
// duppage made coverable (write fault against a present, PermCOW page),
// allocates a fresh frame at the fixed scratch address, copies the old
// page's contents into it, and remaps it over the faulting address
// without the COW bit — the fixup is permanent, unlike the upcall
// mechanism's per-fault bookkeeping.
func (r *Runtime) HandleUpcall(e *proc.Env, utf trap.UTrapFrame) error {
	const faultWrite = 0x2 // matches original_source/inc/mmu.h's FEC_WR
	faultVA := utf.FaultVA.PageBase()

	if utf.ErrCode&faultWrite == 0 {
		return errors.Errorf("user: non-write fault at va=%#x is not a COW fault", faultVA)
	}
	_, perm, ok := e.AS.Lookup(faultVA)
	if !ok || !perm.Has(defs.PermCOW) {
		return errors.Errorf("user: fault at va=%#x is not copy-on-write", faultVA)
	}

	newPerm := defs.PermPresent | defs.PermUser | defs.PermWritable
	if err := r.SC.PageAlloc(e, 0, r.ScratchVA, newPerm); err != nil {
		return errors.Wrap(err, "user: allocate copy-on-write scratch page")
	}
	src, err := e.AS.UserBytes(faultVA, false)
	if err != nil {
		return errors.Wrap(err, "user: read faulting page")
	}
	dst, err := e.AS.UserBytes(r.ScratchVA, true)
	if err != nil {
		return errors.Wrap(err, "user: read copy-on-write scratch page")
	}
	copy(dst[:defs.PageSize], src[:defs.PageSize])

	if err := r.SC.PageMap(e, 0, r.ScratchVA, 0, faultVA, newPerm); err != nil {
		return errors.Wrap(err, "user: install fixed-up page")
	}
	return r.SC.PageUnmap(e, 0, r.ScratchVA)
}

// IPCState is the value half of a completed receive (§4.7): what the
// sender passed as value, the permission bits a transferred page arrived
// with, and who sent it.
type IPCState struct {
	Value uint32
	Perm  defs.Perm
	From  defs.EnvID
}

// Recv implements the blocking half of ipc.c's ipc_recv(): it registers
// e as waiting to receive (optionally naming dstVA as where an incoming
// page should land) and returns. There is no real blocked thread to
// resume here — e goes StatusNotRunnable and the scheduler simply will
// not pick it again until some ipcTrySend target's it; once it is
// rescheduled, ReadRecvResult reads back what arrived.
func (r *Runtime) Recv(e *proc.Env, dstVA defs.VA) error {
	return r.SC.IPCRecv(e, dstVA)
}

// ReadRecvResult reads the IPC exchange most recently delivered to e. Call
// it only after e has been rescheduled following a Recv — e.IPC still
// holds the last delivery's fields, exactly as JOS's ipc_recv reads
// thisenv->env_ipc_value et al. after sys_ipc_recv returns.
func ReadRecvResult(e *proc.Env) IPCState {
	return IPCState{Value: e.IPC.Value, Perm: e.IPC.Perm, From: e.IPC.From}
}

// Send implements ipc.c's ipc_send(): a single sys_ipc_try_send attempt.
// The original retries on E_IPC_NOT_RECV, spinning the sender with
// sys_yield between attempts; that retry loop belongs to whatever drives
// this environment's scheduling (cmd/nexus, or a test), so Send reports
// defs.EIPCNotRecv rather than looping itself.
func (r *Runtime) Send(e *proc.Env, to defs.EnvID, value uint32, srcVA defs.VA, perm defs.Perm) (transferred bool, err error) {
	return r.SC.IPCTrySend(e, to, value, srcVA, perm)
}

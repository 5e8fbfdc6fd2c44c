// Package syscall is the kernel's ABI surface (§6): memory-mapping
// primitives, exo-fork, status/upcall setters, yield, and synchronous
// IPC send/recv. Every entry point here is what a user-mode trap
// ultimately reaches via trap.Dispatcher.Deliver(..., Syscall, ...).
//
// Grounded on original_source/kern/syscall.c line for line for argument
// validation order and rollback discipline, rewritten in the teacher's
// idiom: small checked wrappers around the vm/proc primitives (§9's
// "scoped acquisition" design note — every fallible step after a frame
// allocation or bitmap clear guarantees its own rollback).
package syscall

import (
	"fmt"
	"io"

	"github.com/pkg/errors"

	"github.com/zellux/nexus/internal/defs"
	"github.com/zellux/nexus/internal/mem"
	"github.com/zellux/nexus/internal/proc"
)

// Number identifies a syscall by its ABI slot (§6).
type Number uint32

const (
	SysCputs Number = iota
	SysCgetc
	SysGetEnvID
	SysEnvDestroy
	SysYield
	SysExofork
	SysEnvSetStatus
	SysEnvSetPgfaultUpcall
	SysPageAlloc
	SysPageMap
	SysPageUnmap
	SysIPCRecv
	SysIPCTrySend
	SysEnvSetTrapframe
	SysDebugVAMapping
)

// allowedUserPerm is the set of permission bits a user request may ever
// set on a mapping: present + user-accessible are mandatory, writable and
// the software COW bit are optional, and nothing else may be requested
// (§4.5).
const allowedUserPerm = defs.PermPresent | defs.PermUser | defs.PermWritable | defs.PermCOW

func validPerm(p defs.Perm) bool {
	if !p.Has(defs.PermPresent) || !p.Has(defs.PermUser) {
		return false
	}
	return p&^allowedUserPerm == 0
}

// Console is the minimal console device the cputs/cgetc syscalls drive.
// The interrupt-driven keyboard/serial wiring behind it is out of scope
// (§1); this is the "opaque block-read/write"-style seam for it.
type Console interface {
	io.Writer
	ReadByte() (byte, error)
}

// Handler implements SyscallHandler for trap.Dispatcher.
type Handler struct {
	Envs    *proc.Table
	Arena   *mem.Arena
	Console Console
}

// NewHandler constructs a syscall Handler.
func NewHandler(envs *proc.Table, arena *mem.Arena, console Console) *Handler {
	return &Handler{Envs: envs, Arena: arena, Console: console}
}

// Handle implements trap.SyscallHandler.
func (h *Handler) Handle(e *proc.Env, num, a1, a2, a3, a4, a5 uint32) int32 {
	switch Number(num) {
	case SysCputs:
		return h.cputs(e, defs.VA(a1), a2)
	case SysCgetc:
		return h.cgetc()
	case SysGetEnvID:
		return int32(e.ID)
	case SysEnvDestroy:
		return errOrZero(h.envDestroy(e, defs.EnvID(a1)))
	case SysYield:
		h.Envs.Yield(e)
		return 0
	case SysExofork:
		return h.exofork(e)
	case SysEnvSetStatus:
		return errOrZero(h.envSetStatus(e, defs.EnvID(a1), proc.Status(a2)))
	case SysEnvSetPgfaultUpcall:
		return errOrZero(h.envSetPgfaultUpcall(e, defs.EnvID(a1), defs.VA(a2)))
	case SysPageAlloc:
		return errOrZero(h.pageAlloc(e, defs.EnvID(a1), defs.VA(a2), defs.Perm(a3)))
	case SysPageMap:
		return errOrZero(h.pageMap(e, defs.EnvID(a1), defs.VA(a2), defs.EnvID(a3), defs.VA(a4), defs.Perm(a5)))
	case SysPageUnmap:
		return errOrZero(h.pageUnmap(e, defs.EnvID(a1), defs.VA(a2)))
	case SysIPCRecv:
		return int32(h.ipcRecv(e, defs.VA(a1)))
	case SysIPCTrySend:
		return h.ipcTrySend(e, defs.EnvID(a1), a2, defs.VA(a3), defs.Perm(a4))
	case SysEnvSetTrapframe:
		return errOrZero(h.envSetTrapframe(e, defs.EnvID(a1), defs.VA(a2)))
	case SysDebugVAMapping:
		return h.debugVAMapping(e, defs.VA(a1))
	default:
		return int32(defs.ENotSupported)
	}
}

// errOrZero unwraps err to the defs.Errno kind the ABI reports, so a
// pkg/errors-wrapped internal cause (e.g. "no free frames: caused by:
// arena exhausted") never loses its error kind at the syscall boundary.
func errOrZero(err error) int32 {
	if err == nil {
		return 0
	}
	if errno, ok := errors.Cause(err).(defs.Errno); ok {
		return int32(errno)
	}
	return int32(defs.EInvalid)
}

// Exported wrappers below give package user (§4.8's libos runtime) direct
// access to the same validated operations a real syscall trap reaches,
// without forcing it to pack/unpack the int32 ABI encoding: this hosted
// kernel has no hardware protection-ring crossing to simulate, so the
// user runtime calls straight through rather than via trap.Dispatcher.

// PageAlloc is the unencoded form of sys_page_alloc.
func (h *Handler) PageAlloc(caller *proc.Env, target defs.EnvID, va defs.VA, perm defs.Perm) error {
	return h.pageAlloc(caller, target, va, perm)
}

// PageMap is the unencoded form of sys_page_map.
func (h *Handler) PageMap(caller *proc.Env, srcID defs.EnvID, srcVA defs.VA, dstID defs.EnvID, dstVA defs.VA, perm defs.Perm) error {
	return h.pageMap(caller, srcID, srcVA, dstID, dstVA, perm)
}

// PageUnmap is the unencoded form of sys_page_unmap.
func (h *Handler) PageUnmap(caller *proc.Env, target defs.EnvID, va defs.VA) error {
	return h.pageUnmap(caller, target, va)
}

// EnvSetPgfaultUpcall is the unencoded form of sys_env_set_pgfault_upcall.
func (h *Handler) EnvSetPgfaultUpcall(caller *proc.Env, target defs.EnvID, fn defs.VA) error {
	return h.envSetPgfaultUpcall(caller, target, fn)
}

// EnvSetStatus is the unencoded form of sys_env_set_status.
func (h *Handler) EnvSetStatus(caller *proc.Env, target defs.EnvID, s proc.Status) error {
	return h.envSetStatus(caller, target, s)
}

// IPCRecv is the unencoded form of sys_ipc_recv.
func (h *Handler) IPCRecv(e *proc.Env, dstVA defs.VA) error {
	if errno := h.ipcRecv(e, dstVA); !errno.IsOK() {
		return errno
	}
	return nil
}

// IPCTrySend is the unencoded form of sys_ipc_try_send. It returns
// whether a page was transferred alongside the error, since callers of
// the real ABI get that from the return value (1 for a transfer, 0 for
// none) and this one needs it explicitly.
func (h *Handler) IPCTrySend(e *proc.Env, toID defs.EnvID, value uint32, srcVA defs.VA, perm defs.Perm) (transferred bool, err error) {
	ret := h.ipcTrySend(e, toID, value, srcVA, perm)
	if ret < 0 {
		return false, defs.Errno(ret)
	}
	return ret == 1, nil
}

func (h *Handler) cputs(e *proc.Env, va defs.VA, n uint32) int32 {
	buf, err := e.AS.UserBytes(va, false)
	if err != nil || uint32(len(buf)) < n {
		h.Envs.Destroy(e)
		return int32(defs.EBadEnv)
	}
	h.Console.Write(buf[:n])
	return 0
}

func (h *Handler) cgetc() int32 {
	b, err := h.Console.ReadByte()
	if err != nil {
		return 0
	}
	return int32(b)
}

func (h *Handler) envDestroy(e *proc.Env, id defs.EnvID) error {
	target, err := h.Envs.Lookup(id, e.ID, true)
	if err != nil {
		return err
	}
	h.Envs.Destroy(target)
	return nil
}

func (h *Handler) exofork(e *proc.Env) int32 {
	child, err := h.Envs.ExoFork(e)
	if err != nil {
		return errOrZero(err)
	}
	return int32(child.ID)
}

func (h *Handler) envSetStatus(e *proc.Env, id defs.EnvID, s proc.Status) error {
	target, err := h.Envs.Lookup(id, e.ID, true)
	if err != nil {
		return err
	}
	return h.Envs.SetStatus(target, s)
}

func (h *Handler) envSetPgfaultUpcall(e *proc.Env, id defs.EnvID, fn defs.VA) error {
	target, err := h.Envs.Lookup(id, e.ID, true)
	if err != nil {
		return err
	}
	h.Envs.SetPgfaultUpcall(target, fn)
	return nil
}

// pageAlloc implements §4.5: validate va and perm, allocate a zeroed
// frame, insert it, and roll back the allocation if the insert fails.
func (h *Handler) pageAlloc(e *proc.Env, id defs.EnvID, va defs.VA, perm defs.Perm) error {
	target, err := h.Envs.Lookup(id, e.ID, true)
	if err != nil {
		return err
	}
	if va >= defs.UserTop || !va.PageAligned() {
		return defs.EInvalid
	}
	if !validPerm(perm) {
		return defs.EInvalid
	}
	f, err := h.Arena.Alloc(true)
	if err != nil {
		return defs.ENoMemory
	}
	if err := target.AS.Insert(va, f, perm); err != nil {
		// The frame was never referenced by a PTE, so its refcount is
		// still zero; take and drop one reference to put it back on the
		// free list.
		h.Arena.Incref(f)
		h.Arena.Decref(f)
		return defs.ENoMemory
	}
	return nil
}

// pageMap implements §4.5: both vas validated, the source mapping must
// already exist, and a request for a writable destination mapping over
// a non-writable source is rejected before any state changes.
func (h *Handler) pageMap(e *proc.Env, srcID defs.EnvID, srcVA defs.VA, dstID defs.EnvID, dstVA defs.VA, perm defs.Perm) error {
	src, err := h.Envs.Lookup(srcID, e.ID, true)
	if err != nil {
		return err
	}
	dst, err := h.Envs.Lookup(dstID, e.ID, true)
	if err != nil {
		return err
	}
	if srcVA >= defs.UserTop || !srcVA.PageAligned() || dstVA >= defs.UserTop || !dstVA.PageAligned() {
		return defs.EInvalid
	}
	frame, srcPerm, ok := src.AS.Lookup(srcVA)
	if !ok {
		return defs.EInvalid
	}
	if !validPerm(perm) {
		return defs.EInvalid
	}
	if perm.Has(defs.PermWritable) && !srcPerm.Has(defs.PermWritable) {
		return defs.EInvalid
	}
	return dst.AS.Insert(dstVA, frame, perm)
}

func (h *Handler) pageUnmap(e *proc.Env, id defs.EnvID, va defs.VA) error {
	target, err := h.Envs.Lookup(id, e.ID, true)
	if err != nil {
		return err
	}
	if va >= defs.UserTop || !va.PageAligned() {
		return defs.EInvalid
	}
	target.AS.Remove(va) // silent success if nothing was mapped
	return nil
}

func (h *Handler) envSetTrapframe(e *proc.Env, id defs.EnvID, tfVA defs.VA) error {
	target, err := h.Envs.Lookup(id, e.ID, true)
	if err != nil {
		return err
	}
	buf, err2 := e.AS.UserBytes(tfVA, false)
	if err2 != nil || len(buf) < 48 {
		return defs.EInvalid
	}
	tf := decodeTrapFrame(buf)
	tf.UserMode = true // coerce CPL 3 regardless of what the caller supplied
	tf.EFlags |= 0x200 // coerce interrupts-enabled (IF)
	target.TF = tf
	return nil
}

func decodeTrapFrame(buf []byte) proc.TrapFrame {
	u32 := func(off int) uint32 {
		return uint32(buf[off]) | uint32(buf[off+1])<<8 | uint32(buf[off+2])<<16 | uint32(buf[off+3])<<24
	}
	return proc.TrapFrame{
		EAX: u32(0), EBX: u32(4), ECX: u32(8), EDX: u32(12),
		ESI: u32(16), EDI: u32(20), EBP: u32(24),
		ESP: u32(28), EIP: u32(32), EFlags: u32(36),
	}
}

// debugVAMapping is sys_debug_va_mapping (§9, supplemented): a read-only
// peek at the single PTE covering va in the caller's own address space,
// reported via the console rather than returned (there is no room in a
// single int32 for a frame index and permission bits together).
func (h *Handler) debugVAMapping(e *proc.Env, va defs.VA) int32 {
	pte, ok := e.AS.Walk(va)
	if !ok {
		fmt.Fprintf(h.Console, "[DEBUG] va=%#x: not present\n", va)
		return 0
	}
	fmt.Fprintf(h.Console, "[DEBUG] va=%#x: frame=%d perm=%#x\n", va, pte.Frame, pte.Perm)
	return 0
}

// ipcRecv implements §4.7: records the receive request and blocks by
// going not-runnable. dstVA below UserTop must be page-aligned; the
// caller's convention for "no page wanted" is any va >= UserTop.
func (h *Handler) ipcRecv(e *proc.Env, dstVA defs.VA) defs.Errno {
	if dstVA < defs.UserTop {
		if !dstVA.PageAligned() {
			return defs.EInvalid
		}
		e.IPC.HasDst = true
		e.IPC.DstVA = dstVA
	} else {
		e.IPC.HasDst = false
	}
	e.IPC.Recving = true
	h.Envs.SetStatus(e, proc.StatusNotRunnable)
	return defs.EOK
}

// ipcTrySend implements §4.7: fails immediately if the target is not
// blocked in recv; otherwise attempts a page transfer (only if both
// sides named a sub-UserTop address) and delivers (value, perm, sender)
// atomically with waking the receiver.
func (h *Handler) ipcTrySend(e *proc.Env, toID defs.EnvID, value uint32, srcVA defs.VA, perm defs.Perm) int32 {
	to, err := h.Envs.Lookup(toID, e.ID, false)
	if err != nil {
		return errOrZero(err)
	}
	if !to.IPC.Recving {
		return int32(defs.EIPCNotRecv)
	}

	transferred := false
	if srcVA < defs.UserTop && to.IPC.HasDst {
		if !srcVA.PageAligned() {
			return int32(defs.EInvalid)
		}
		if !validPerm(perm) {
			return int32(defs.EInvalid)
		}
		frame, srcPerm, ok := e.AS.Lookup(srcVA)
		if !ok || !srcPerm.Has(defs.PermUser) {
			return int32(defs.EInvalid)
		}
		if err := to.AS.Insert(to.IPC.DstVA, frame, perm); err != nil {
			return int32(defs.ENoMemory)
		}
		transferred = true
	}

	if transferred {
		to.IPC.Perm = perm
	} else {
		to.IPC.Perm = 0
	}
	to.IPC.Recving = false
	to.IPC.From = e.ID
	to.IPC.Value = value
	to.TF.EAX = 0
	h.Envs.SetStatus(to, proc.StatusRunnable)

	if transferred {
		return 1
	}
	return 0
}

// Package trap is the trap and syscall dispatcher (§4.4): it receives
// simulated CPU exceptions, the periodic timer, and syscall traps, and
// routes each to the right handler — including delivering user-mode page
// faults to the environment's registered upcall on its exception stack.
//
// There is no real IDT or TSS here; the "CPU" is whatever test or
// cmd/nexus loop calls Dispatcher.Deliver after it decides a trap has
// occurred. That loop is the out-of-scope boot/interrupt-controller
// wiring spec.md excludes (§1); this package is everything downstream of
// it.
package trap

import (
	"encoding/binary"
	"fmt"
	"log"

	"github.com/zellux/nexus/internal/defs"
	"github.com/zellux/nexus/internal/proc"
)

// Kind enumerates the trap types captured by the dispatcher (§4.4).
type Kind int

const (
	DivideError Kind = iota
	Breakpoint
	GeneralProtection
	PageFault
	Syscall
	TimerIRQ
	SpuriousIRQ
)

func (k Kind) String() string {
	switch k {
	case DivideError:
		return "divide error"
	case Breakpoint:
		return "breakpoint"
	case GeneralProtection:
		return "general protection"
	case PageFault:
		return "page fault"
	case Syscall:
		return "syscall"
	case TimerIRQ:
		return "timer"
	case SpuriousIRQ:
		return "spurious"
	default:
		return "unknown trap"
	}
}

// SyscallHandler dispatches a decoded syscall trap. Implemented by
// package syscall; kept as an interface here so trap does not import
// syscall (syscall imports trap's sibling packages, not the reverse).
type SyscallHandler interface {
	Handle(e *proc.Env, num, a1, a2, a3, a4, a5 uint32) int32
}

// Dispatcher wires the environment table to a syscall handler and
// delivers every captured trap kind per §4.4.
type Dispatcher struct {
	Envs     *proc.Table
	Syscalls SyscallHandler
	Logger   *log.Logger
}

// NewDispatcher constructs a Dispatcher. A nil logger falls back to the
// standard logger.
func NewDispatcher(envs *proc.Table, sc SyscallHandler, logger *log.Logger) *Dispatcher {
	if logger == nil {
		logger = log.Default()
	}
	return &Dispatcher{Envs: envs, Syscalls: sc, Logger: logger}
}

// utrapFrameSize is the packed size in bytes of the user trap frame
// pushed onto the exception stack for a page-fault upcall: fault VA,
// error code, 7 saved GPRs, trap-time EIP, EFLAGS, and ESP (12 uint32
// words).
const utrapFrameSize = 4 * 12

// UTrapFrame is the decoded form of the frame pushed onto an
// environment's exception stack for a page-fault upcall (§4.8). Exported
// so the user-space libos runtime (package user) can read the faulting
// address out of the bytes its own pgfault handler is invoked with.
type UTrapFrame struct {
	FaultVA defs.VA
	ErrCode uint32
	EDI, ESI, EBP, EBX, EDX, ECX, EAX uint32
	EIP, EFlags, ESP uint32
}

// DecodeUTrapFrame parses a UTrapFrame out of the bytes packUTrapFrame
// wrote to the exception stack.
func DecodeUTrapFrame(buf []byte) UTrapFrame {
	le := binary.LittleEndian
	return UTrapFrame{
		FaultVA: defs.VA(le.Uint32(buf[0:])),
		ErrCode: le.Uint32(buf[4:]),
		EDI:     le.Uint32(buf[8:]),
		ESI:     le.Uint32(buf[12:]),
		EBP:     le.Uint32(buf[16:]),
		EBX:     le.Uint32(buf[20:]),
		EDX:     le.Uint32(buf[24:]),
		ECX:     le.Uint32(buf[28:]),
		EAX:     le.Uint32(buf[32:]),
		EIP:     le.Uint32(buf[36:]),
		EFlags:  le.Uint32(buf[40:]),
		ESP:     le.Uint32(buf[44:]),
	}
}

func packUTrapFrame(faultVA defs.VA, errCode uint32, tf proc.TrapFrame) []byte {
	buf := make([]byte, utrapFrameSize)
	le := binary.LittleEndian
	le.PutUint32(buf[0:], uint32(faultVA))
	le.PutUint32(buf[4:], errCode)
	le.PutUint32(buf[8:], tf.EDI)
	le.PutUint32(buf[12:], tf.ESI)
	le.PutUint32(buf[16:], tf.EBP)
	le.PutUint32(buf[20:], tf.EBX)
	le.PutUint32(buf[24:], tf.EDX)
	le.PutUint32(buf[28:], tf.ECX)
	le.PutUint32(buf[32:], tf.EAX)
	le.PutUint32(buf[36:], tf.EIP)
	le.PutUint32(buf[40:], tf.EFlags)
	le.PutUint32(buf[44:], tf.ESP)
	return buf
}

// Deliver routes one trap for environment e and returns the environment
// the scheduler selected to run next (nil means "halt in the monitor").
// errCode and faultVA are only meaningful for PageFault and
// GeneralProtection.
func (d *Dispatcher) Deliver(e *proc.Env, kind Kind, faultVA defs.VA, errCode uint32) *proc.Env {
	switch kind {
	case SpuriousIRQ:
		return e // ignored, per §4.4; resume the same environment
	case TimerIRQ:
		return d.timer(e)
	case PageFault:
		return d.pageFault(e, faultVA, errCode)
	case Syscall:
		return d.syscall(e)
	case Breakpoint:
		// Delivered to the kernel monitor in the original; here it is
		// simply logged and the environment resumed. The interactive
		// monitor in cmd/nexus is not entered from this trap.
		d.Logger.Printf("breakpoint in env %08x at eip=%#x", e.ID, e.TF.EIP)
		return e
	case DivideError, GeneralProtection:
		if !e.TF.UserMode {
			panic(fmt.Sprintf("%s trap in kernel mode", kind))
		}
		d.Envs.Destroy(e)
		return d.Envs.Schedule()
	default:
		panic("trap: unknown kind")
	}
}

// timer implements §4.5's timer-IRQ policy: it must never fire while the
// kernel itself is running (the kernel is non-reentrant and
// non-preemptible) — that indicates a missed interrupt-disable and is
// fatal. In user mode it simply yields.
func (d *Dispatcher) timer(e *proc.Env) *proc.Env {
	if !e.TF.UserMode {
		panic("trap: timer interrupt in kernel mode")
	}
	return d.Envs.Yield(e)
}

// syscall dispatches a syscall trap: the ABI's five arguments are
// staged in the trap frame's register file by convention (§6); the
// return value is planted into EAX before resuming.
func (d *Dispatcher) syscall(e *proc.Env) *proc.Env {
	e.Syscalls++
	ret := d.Syscalls.Handle(e, e.TF.EAX, e.TF.EDX, e.TF.ECX, e.TF.EBX, e.TF.EDI, e.TF.ESI)
	e.TF.EAX = uint32(ret)
	if e.Status == proc.StatusRunnable || e.Status == proc.StatusRunning {
		return e
	}
	return d.Envs.Schedule()
}

// pageFault implements §4.4's page-fault policy exactly: kernel-mode
// faults are fatal; user-mode faults with no registered upcall destroy
// the environment; otherwise a UTrapFrame is pushed onto the exception
// stack (doubling up with one scratch word on a nested fault) and
// control is diverted to the upcall.
func (d *Dispatcher) pageFault(e *proc.Env, faultVA defs.VA, errCode uint32) *proc.Env {
	if !e.TF.UserMode {
		panic(fmt.Sprintf("page fault in kernel mode at va=%#x", faultVA))
	}

	if !e.HasUpcall {
		d.Logger.Printf("env %08x: user fault va=%#x ip=%#x, no upcall: destroying", e.ID, faultVA, e.TF.EIP)
		d.Envs.Destroy(e)
		return d.Envs.Schedule()
	}

	uesp := uint64(e.TF.ESP)
	var newESP uint64
	if uesp >= uint64(defs.ExceptionStackBottom) && uesp < uint64(defs.ExceptionStackTop) {
		// Nested fault: the trap-time stack is already the exception
		// stack. Leave one scratch word below the new frame.
		newESP = uesp - 4 - utrapFrameSize
	} else {
		newESP = uint64(defs.ExceptionStackTop) - utrapFrameSize
	}

	frame := packUTrapFrame(faultVA, errCode, e.TF)
	dst, err := e.AS.UserBytes(defs.VA(newESP), true)
	if err != nil || len(dst) < len(frame) {
		d.Logger.Printf("env %08x: exception stack not accessible at esp=%#x: destroying", e.ID, newESP)
		d.Envs.Destroy(e)
		return d.Envs.Schedule()
	}
	copy(dst, frame)

	e.TF.ESP = uint32(newESP)
	e.TF.EIP = uint32(e.PgfaultUpcall)
	return e
}

// Package proc is the environment table and scheduler: a fixed-capacity
// array of task control blocks plus round-robin selection among them.
// Grounded on the teacher's process model (biscuit's Proc_t lifecycle in
// defs/device.go and vm/as.go's address-space ownership) but renamed to
// the exokernel vocabulary spec.md uses throughout: "environment", not
// "process"; "exo-fork", not "fork+exec".
package proc

import (
	"sync"

	"github.com/zellux/nexus/internal/defs"
	"github.com/zellux/nexus/internal/vm"
)

// Status is an environment's lifecycle state. A sum type, per the design
// note against integer-valued status with implicit semantics: the only
// legal transitions are Free->NotRunnable (Alloc), Free->Runnable
// (BootIdle, slot 0 only), NotRunnable<->Runnable (SetStatus),
// Runnable->Running (Schedule), Running->Runnable (Yield), any->Dying
// (Destroy in progress), any->Free (Destroy completes).
type Status int

const (
	StatusFree Status = iota
	StatusRunnable
	StatusNotRunnable
	StatusDying
	StatusRunning
)

func (s Status) String() string {
	switch s {
	case StatusFree:
		return "free"
	case StatusRunnable:
		return "runnable"
	case StatusNotRunnable:
		return "not-runnable"
	case StatusDying:
		return "dying"
	case StatusRunning:
		return "running"
	default:
		return "unknown"
	}
}

// TrapFrame is the saved register file for one environment. It is
// deliberately a flat struct of simulated general-purpose registers
// rather than a literal x86 Trapframe: the instruction set backing EIP
// is out of scope (§1), but the fields the kernel itself reads and
// writes — the return-value register, the program counter, and the
// user stack pointer used to deliver the page-fault upcall — are named
// explicitly so dispatch and the upcall path can be expressed exactly as
// spec.md describes them.
type TrapFrame struct {
	EAX, EBX, ECX, EDX uint32
	ESI, EDI, EBP      uint32
	ESP                uint32
	EIP                uint32
	EFlags             uint32
	TrapNo             int
	ErrCode            uint32
	UserMode           bool
}

// IPCState is the receiver-side transient IPC exchange record (§3).
// Recving is true exactly while the environment is blocked in Recv.
type IPCState struct {
	Recving bool
	DstVA   defs.VA
	HasDst  bool // false when the receiver passed the "no page wanted" sentinel
	Value   uint32
	Perm    defs.Perm
	From    defs.EnvID
}

// Env is one environment's full task-control-block state.
type Env struct {
	ID     defs.EnvID
	Parent defs.EnvID
	Status Status
	TF     TrapFrame
	AS     *vm.AddressSpace

	PgfaultUpcall defs.VA
	HasUpcall     bool

	IPC IPCState

	Runs     uint64
	Syscalls uint64
}

const slotBits = 16

func makeID(slot int, gen uint32) defs.EnvID {
	return defs.EnvID(gen)<<slotBits | defs.EnvID(slot)
}

func slotOf(id defs.EnvID) int    { return int(id) & (1<<slotBits - 1) }
func genOf(id defs.EnvID) uint32  { return uint32(id) >> slotBits }

// Table is the fixed-capacity environment table and the round-robin
// scheduler over it. Slot 0 is reserved for the idle environment.
type Table struct {
	mu      sync.Mutex
	envs    []Env
	gen     []uint32
	current int // index of the environment last dispatched, or -1
	vmgr    *vm.Manager
}

// NewTable allocates an environment table with capacity n (n must
// include slot 0, the idle environment).
func NewTable(vmgr *vm.Manager, n int) *Table {
	return &Table{envs: make([]Env, n), gen: make([]uint32, n), current: -1, vmgr: vmgr}
}

// Cap returns the table's fixed capacity.
func (t *Table) Cap() int { return len(t.envs) }

// BootIdle installs the distinguished idle environment at slot 0,
// always runnable, with the given address space (typically one that
// maps nothing but the shared kernel region).
func (t *Table) BootIdle(as *vm.AddressSpace) *Env {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.gen[0] = 1
	t.envs[0] = Env{ID: makeID(0, 1), Parent: 0, Status: StatusRunnable, AS: as}
	return &t.envs[0]
}

// allocSlot finds a free slot and returns its index, or false if the
// table is full.
func (t *Table) allocSlot() (int, bool) {
	for i := 1; i < len(t.envs); i++ { // slot 0 is reserved for idle
		if t.envs[i].Status == StatusFree {
			return i, true
		}
	}
	return 0, false
}

// Alloc allocates a new environment with the given parent, seeded with a
// fresh address space containing the shared kernel mappings. Returns
// ENoFreeEnv if the table is full.
func (t *Table) Alloc(parent defs.EnvID) (*Env, error) {
	t.mu.Lock()
	slot, ok := t.allocSlot()
	if !ok {
		t.mu.Unlock()
		return nil, defs.ENoFreeEnv
	}
	t.gen[slot]++
	if t.gen[slot] == 0 {
		t.gen[slot] = 1 // generation must never be zero
	}
	id := makeID(slot, t.gen[slot])
	t.mu.Unlock()

	as, err := t.vmgr.NewAddressSpace()
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	t.envs[slot] = Env{ID: id, Parent: parent, Status: StatusNotRunnable, AS: as}
	e := &t.envs[slot]
	t.mu.Unlock()
	return e, nil
}

// Lookup resolves an environment id. id == 0 means "the caller itself".
// If requirePerm is true, the caller must be the target or the target's
// parent, matching the authorisation rule in §4.3; violations are
// reported as EBadEnv, the same kind used for a nonexistent id, so
// callers cannot distinguish "doesn't exist" from "not yours" (as JOS
// does, deliberately, to avoid existence-oracle leaks).
func (t *Table) Lookup(id, caller defs.EnvID, requirePerm bool) (*Env, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if id == 0 {
		slot := slotOf(caller)
		if slot >= len(t.envs) || t.envs[slot].ID != caller {
			return nil, defs.EBadEnv
		}
		return &t.envs[slot], nil
	}

	slot := slotOf(id)
	if slot < 0 || slot >= len(t.envs) {
		return nil, defs.EBadEnv
	}
	e := &t.envs[slot]
	if e.Status == StatusFree || e.ID != id {
		return nil, defs.EBadEnv
	}
	if requirePerm && e.ID != caller && e.Parent != caller {
		return nil, defs.EBadEnv
	}
	return e, nil
}

// SetStatus sets e's status to s, which must be Runnable or
// NotRunnable.
//
// Deviation from the source kernel: the original sys_env_set_status
// validates the requested status but then unconditionally sets
// ENV_RUNNABLE regardless of what was asked for — a bug spec.md calls
// out explicitly (§9, Open Question). This implementation sets the
// status that was actually requested.
func (t *Table) SetStatus(e *Env, s Status) error {
	if s != StatusRunnable && s != StatusNotRunnable {
		return defs.EInvalid
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	e.Status = s
	return nil
}

// SetPgfaultUpcall installs e's page-fault upcall entry point.
func (t *Table) SetPgfaultUpcall(e *Env, fn defs.VA) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e.PgfaultUpcall = fn
	e.HasUpcall = true
}

// ExoFork allocates a new environment whose trap frame is a copy of
// parent's, except that the child's return-value register is forced to
// zero so the child observes 0 the first time it is scheduled (§4.6).
// Address-space contents are not copied here — the spec reserves that to
// the user runtime (§4.8).
func (t *Table) ExoFork(parent *Env) (*Env, error) {
	child, err := t.Alloc(parent.ID)
	if err != nil {
		return nil, err
	}
	child.TF = parent.TF
	child.TF.EAX = 0
	child.Status = StatusNotRunnable
	return child, nil
}

// Destroy unmaps every user mapping owned solely by e, frees its page
// tables, and returns its slot to the free list. Idempotent: destroying
// an already-free slot is a no-op success, matching §7's "destruction is
// idempotent for already-dying envs". It reports whether e was the
// environment the scheduler most recently dispatched, so the caller
// knows it must reschedule before returning to user mode.
func (t *Table) Destroy(e *Env) (wasCurrent bool) {
	t.mu.Lock()
	if e.Status == StatusFree {
		t.mu.Unlock()
		return false
	}
	e.Status = StatusDying
	slot := slotOf(e.ID)
	wasCurrent = t.current == slot
	t.mu.Unlock()

	e.AS.UnmapRange(0, defs.UserTop)
	e.AS.FreeTables()

	t.mu.Lock()
	*e = Env{Status: StatusFree}
	if wasCurrent {
		t.current = -1
	}
	t.mu.Unlock()
	return wasCurrent
}

// LiveCount returns the number of environments that are not Free,
// for callers (accounting, monitor commands) that need a census
// without reaching into slot internals.
func (t *Table) LiveCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for i := range t.envs {
		if t.envs[i].Status != StatusFree {
			n++
		}
	}
	return n
}

// Current returns the environment last selected by Schedule, or nil if
// none has run yet.
func (t *Table) Current() *Env {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current < 0 {
		return nil
	}
	return &t.envs[t.current]
}

// Schedule implements the round-robin policy of §4.3: starting at
// (current+1) mod N, wrapping, skipping slot 0 (idle), it picks the
// first runnable environment; if nothing but idle is runnable it runs
// idle; if nothing at all is runnable (including idle) it returns nil,
// which the caller treats as "halt in the monitor".
func (t *Table) Schedule() *Env {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := len(t.envs)
	start := t.current
	if start < 0 {
		start = 0
	}
	for i := 1; i < n; i++ {
		idx := (start + i) % n
		if idx == 0 {
			continue
		}
		if t.envs[idx].Status == StatusRunnable {
			t.current = idx
			t.envs[idx].Status = StatusRunning
			t.envs[idx].Runs++
			return &t.envs[idx]
		}
	}
	if t.envs[0].Status == StatusRunnable {
		t.current = 0
		t.envs[0].Status = StatusRunning
		t.envs[0].Runs++
		return &t.envs[0]
	}
	return nil
}

// Yield returns e from Running to Runnable (a voluntary yield does not
// block the caller, unlike Recv) and invokes Schedule to pick the next
// environment.
func (t *Table) Yield(e *Env) *Env {
	t.mu.Lock()
	if e.Status == StatusRunning {
		e.Status = StatusRunnable
	}
	t.mu.Unlock()
	return t.Schedule()
}

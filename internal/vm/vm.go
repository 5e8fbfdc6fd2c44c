// Package vm is the per-environment address-space manager: a simulated
// two-level page table (page directory -> leaf page table -> PTE),
// install/update/teardown of virtual-to-physical mappings, and the
// permission-bit invariants the rest of the kernel depends on.
//
// Grounded on the teacher's Vm_t (biscuit src/vm/as.go): same refcount
// discipline around Insert ("bump before removing the old mapping, so
// inserting the same frame at the same va is idempotent"), same
// Lookup/Remove/TLB-invalidation shape. The hardware specifics biscuit
// reaches for with unsafe.Pointer tricks over a direct-mapped physical
// window are replaced here by a small checked Table/PTE API: this is a
// hosted simulation with no real MMU, so "raw PTE access" is a Go slice
// index rather than a pointer cast, but every call site that would touch
// hardware bits in the original goes through this package only.
package vm

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/zellux/nexus/internal/defs"
	"github.com/zellux/nexus/internal/mem"
)

const entriesPerTable = 1024

// PTE is one page-table entry: a frame and its permission bits.
type PTE struct {
	Frame defs.Frame
	Perm  defs.Perm
}

// Present reports whether the entry currently maps a frame.
func (p PTE) Present() bool { return p.Perm.Has(defs.PermPresent) }

// table is one level of the page table (either the directory or a leaf).
// A directory entry for a leaf this address space owns carries that
// leaf's frame in Frame with PermPresent|PermUser|PermWritable; an entry
// for a shared kernel leaf carries only PermPresent|PermUser (spec's
// "entries covering kernel virtual memory are identical across all
// environments").
type table [entriesPerTable]PTE

// leafSlot records a directory slot's leaf table and whether this
// address space owns it (and so must free it on teardown) or merely
// shares the kernel's copy.
type leafSlot struct {
	tbl   *table
	owned bool
}

// AddressSpace is one environment's page table root plus the leaf
// tables it owns. The mutex is the single-threaded kernel's own
// discipline for mutating vs. reading a live mapping: callers besides
// the owning kernel context never hold it concurrently (§5).
type AddressSpace struct {
	mu    sync.Mutex
	arena *mem.Arena

	dir    table
	leaves map[int]leafSlot // directory index -> leaf table, for slots this AS touches
	root   defs.Frame     // placeholder frame charged for the root itself

	shootdowns int // count of single-page TLB invalidations issued
}

// Manager owns the physical arena shared by every address space and the
// fixed set of directory slots reserved for kernel mappings, which are
// installed identically into every new address space (the "entries
// covering kernel virtual memory are identical across all environments"
// invariant).
type Manager struct {
	arena      *mem.Arena
	kernelDirs map[int]*table // directory index -> shared kernel leaf table
}

// NewManager constructs a vm.Manager backed by the given physical arena.
func NewManager(arena *mem.Arena) *Manager {
	return &Manager{arena: arena, kernelDirs: map[int]*table{}}
}

func dirIndex(va defs.VA) int { return int(va>>22) & (entriesPerTable - 1) }
func tblIndex(va defs.VA) int { return int(va>>12) & (entriesPerTable - 1) }

// NewAddressSpace allocates a fresh address space and seeds it with the
// shared kernel directory entries (§3's sharing invariant). The root
// itself is charged one frame from the arena so the environment table's
// "each env costs frames, freed on destruction" accounting is uniform.
func (m *Manager) NewAddressSpace() (*AddressSpace, error) {
	root, err := m.arena.Alloc(true)
	if err != nil {
		return nil, errors.Wrap(err, "vm: allocate page-table root")
	}
	m.arena.Incref(root)
	as := &AddressSpace{arena: m.arena, leaves: map[int]leafSlot{}, root: root}
	for idx, leaf := range m.kernelDirs {
		as.dir[idx] = PTE{Perm: defs.PermPresent | defs.PermUser}
		as.leaves[idx] = leafSlot{tbl: leaf, owned: false}
	}
	return as, nil
}

// ShareKernelRegion publishes a leaf table at the directory slot covering
// va as a kernel mapping shared by every address space created after this
// call. Address spaces created before the call do not see the new slot.
func (m *Manager) ShareKernelRegion(va defs.VA) *table {
	idx := dirIndex(va)
	t := &table{}
	m.kernelDirs[idx] = t
	return t
}

// Root returns the frame charged for as's directory, for accounting;
// FreeTables releases it.
func (as *AddressSpace) Root() defs.Frame { return as.root }

// walk returns the leaf-table slot for va, creating the leaf table on
// demand when create is true. It mirrors the teacher's walk(root, va,
// create?): a miss without create returns (nil, nil); a miss that must
// allocate and can't returns the no-memory error.
func (as *AddressSpace) walk(va defs.VA, create bool) (*PTE, error) {
	di := dirIndex(va)
	slot, ok := as.leaves[di]
	if !ok {
		if !create {
			return nil, nil
		}
		f, err := as.arena.Alloc(true)
		if err != nil {
			return nil, errors.Wrap(err, "vm: allocate leaf page table")
		}
		as.arena.Incref(f)
		slot = leafSlot{tbl: &table{}, owned: true}
		as.leaves[di] = slot
		as.dir[di] = PTE{Frame: f, Perm: defs.PermPresent | defs.PermUser | defs.PermWritable}
	}
	return &slot.tbl[tblIndex(va)], nil
}

// Walk exposes walk for Lookup, UserBytes, debug_va_mapping and the
// monitor's showmappings; it never mutates and never allocates.
func (as *AddressSpace) Walk(va defs.VA) (PTE, bool) {
	as.mu.Lock()
	defer as.mu.Unlock()
	pte, err := as.walk(va, false)
	if err != nil || pte == nil {
		return PTE{}, false
	}
	return *pte, pte.Present()
}

// Insert maps frame f at va with the given permissions. Frame f's
// reference count is incremented before any old mapping at va is torn
// down, so inserting the same frame at the same va twice is a no-op
// besides the refcount churn (idempotent, per §4.2).
func (as *AddressSpace) Insert(va defs.VA, f defs.Frame, perm defs.Perm) error {
	as.mu.Lock()
	defer as.mu.Unlock()

	pte, err := as.walk(va, true)
	if err != nil {
		return err
	}
	as.arena.Incref(f)
	if pte.Present() {
		old := pte.Frame
		as.arena.Decref(old)
		as.invalidate(va)
	}
	*pte = PTE{Frame: f, Perm: perm | defs.PermPresent}
	return nil
}

// Lookup returns the frame and permissions mapped at va, if any.
func (as *AddressSpace) Lookup(va defs.VA) (defs.Frame, defs.Perm, bool) {
	pte, ok := as.Walk(va)
	if !ok {
		return defs.NoFrame, 0, false
	}
	return pte.Frame, pte.Perm, true
}

// Remove unmaps va if present, decrementing the frame's refcount and
// invalidating the (simulated) TLB entry. It is silent success if
// nothing was mapped, matching sys_page_unmap's documented behaviour.
func (as *AddressSpace) Remove(va defs.VA) {
	as.mu.Lock()
	defer as.mu.Unlock()
	pte, err := as.walk(va, false)
	if err != nil || pte == nil || !pte.Present() {
		return
	}
	as.arena.Decref(pte.Frame)
	*pte = PTE{}
	as.invalidate(va)
}

// SetDirty clears or sets the software dirty bit on the PTE at va,
// without touching its frame or other permissions. Nothing in this tree
// calls it: the block cache (internal/fs/bcache) keeps its own per-block
// dirty flag and does not map blocks into an address space.
func (as *AddressSpace) SetDirty(va defs.VA, dirty bool) {
	as.mu.Lock()
	defer as.mu.Unlock()
	pte, err := as.walk(va, false)
	if err != nil || pte == nil || !pte.Present() {
		return
	}
	if dirty {
		pte.Perm |= defs.PermDirty
	} else {
		pte.Perm &^= defs.PermDirty
	}
}

// invalidate is the (simulated) TLB-invalidation hook: there is no real
// TLB in this hosted kernel, but Remove and an Insert that replaces a
// present mapping call it, so the ordering discipline spec.md documents
// is preserved and exercised by tests that count invalidations.
func (as *AddressSpace) invalidate(va defs.VA) { as.shootdowns++ }

// Shootdowns reports how many single-page TLB invalidations this
// address space has issued; a test hook, not part of the kernel ABI.
func (as *AddressSpace) Shootdowns() int { return as.shootdowns }

// UserBytes returns a slice of the live backing page mapped at va,
// offset to va's in-page position, verifying the mapping is present and
// user-accessible (and, if needWrite, writable). It is the checked
// wrapper around the arena's raw bytes that every copy-in/copy-out and
// upcall-frame construction in the kernel goes through, mirroring the
// teacher's Userdmap8_inner contract (biscuit src/vm/as.go).
func (as *AddressSpace) UserBytes(va defs.VA, needWrite bool) ([]byte, error) {
	pte, ok := as.Walk(va)
	if !ok || !pte.Perm.Has(defs.PermUser) {
		return nil, defs.EInvalid
	}
	if needWrite && !pte.Perm.Has(defs.PermWritable) {
		return nil, defs.EInvalid
	}
	off := int(va & defs.PageOffsetMask)
	return as.arena.Bytes(pte.Frame)[off:], nil
}

// UnmapRange unmaps every present page in [lo, hi) — used during
// environment teardown to release the user half of the address space
// before the leaf tables themselves are freed.
func (as *AddressSpace) UnmapRange(lo, hi defs.VA) {
	for va := lo.PageBase(); va < hi; va += defs.PageSize {
		as.Remove(va)
	}
}

// FreeTables releases every leaf table this address space owns (after
// UnmapRange has dropped their contents) and finally the root frame
// itself. Called once, during environment destruction.
func (as *AddressSpace) FreeTables() {
	as.mu.Lock()
	for idx, slot := range as.leaves {
		if !slot.owned {
			continue
		}
		delete(as.leaves, idx)
		f := as.dir[idx].Frame
		as.dir[idx] = PTE{}
		as.arena.Decref(f)
	}
	as.mu.Unlock()
	as.arena.Decref(as.root)
}

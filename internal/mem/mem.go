// Package mem is the physical page allocator. It owns every simulated
// frame of RAM, hands out zeroable 4 KiB frames with a reference count,
// and frees a frame back to a LIFO free list when its last reference
// drops. Grounded on the teacher's Physmem_t (biscuit src/mem/mem.go),
// trimmed to a single CPU: SMP free lists are a non-goal here.
package mem

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/zellux/nexus/internal/defs"
)

// page is the backing storage for one simulated physical frame.
type page [defs.PageSize]byte

type frameSlot struct {
	refcnt int32
	next   defs.Frame // next free frame, or noFrame if in use or tail
	data   page
}

const noFrame = defs.NoFrame

// Arena is the kernel's physical frame allocator for one simulated
// machine. The zero value is not usable; construct with NewArena.
type Arena struct {
	mu     sync.Mutex
	frames []frameSlot
	freeHd defs.Frame
	nfree  int
}

// NewArena reserves n frames of simulated RAM, all initially free.
func NewArena(n int) *Arena {
	a := &Arena{frames: make([]frameSlot, n), freeHd: noFrame}
	for i := n - 1; i >= 0; i-- {
		a.frames[i].next = a.freeHd
		a.freeHd = defs.Frame(i)
	}
	a.nfree = n
	return a
}

// NumFrames returns the arena's total capacity.
func (a *Arena) NumFrames() int { return len(a.frames) }

// Free reports the number of frames currently on the free list.
func (a *Arena) Free() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.nfree
}

// Alloc removes the head of the free list and returns it with a refcount
// of zero; the caller must Incref when installing it into a page table.
// If zero is true the frame's contents are cleared before it is returned.
func (a *Arena) Alloc(zero bool) (defs.Frame, error) {
	a.mu.Lock()
	if a.freeHd == noFrame {
		a.mu.Unlock()
		return noFrame, errors.Wrap(defs.ENoMemory, "mem: arena exhausted")
	}
	f := a.freeHd
	slot := &a.frames[f]
	a.freeHd = slot.next
	a.nfree--
	slot.next = noFrame
	a.mu.Unlock()

	if zero {
		slot.data = page{}
	}
	return f, nil
}

// free returns frame f to the head of the free list. The caller must
// have already driven its refcount to zero.
func (a *Arena) free(f defs.Frame) {
	a.mu.Lock()
	defer a.mu.Unlock()
	slot := &a.frames[f]
	if slot.refcnt != 0 {
		panic("mem: free of frame with nonzero refcount")
	}
	slot.next = a.freeHd
	a.freeHd = f
	a.nfree++
}

// Incref bumps f's reference count. Called by the address-space manager
// whenever a PTE is made to reference f.
func (a *Arena) Incref(f defs.Frame) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.frames[f].refcnt++
}

// Decref drops f's reference count and, if it reaches zero, returns the
// frame to the free list. It reports whether the frame was freed.
func (a *Arena) Decref(f defs.Frame) bool {
	a.mu.Lock()
	slot := &a.frames[f]
	if slot.refcnt <= 0 {
		a.mu.Unlock()
		panic("mem: decref of frame with refcount <= 0")
	}
	slot.refcnt--
	freed := slot.refcnt == 0
	a.mu.Unlock()
	if freed {
		a.free(f)
	}
	return freed
}

// Refcnt returns f's current reference count.
func (a *Arena) Refcnt(f defs.Frame) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return int(a.frames[f].refcnt)
}

// Bytes returns the byte contents backing frame f, for direct access by
// the address-space manager and debug tooling. The
// returned slice aliases the arena's storage.
func (a *Arena) Bytes(f defs.Frame) []byte {
	return a.frames[f].data[:]
}

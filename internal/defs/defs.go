// Package defs holds the small cross-cutting constants and error kinds
// shared by every layer of the kernel: the ABI's ("bad env", "invalid",
// ...) negative error codes, page size and permission bits, and the
// virtual-address sentinels that separate user and kernel halves.
//
// Callers interpret an Errno by kind, never by its numeric value.
package defs

import (
	"fmt"

	"github.com/zellux/nexus/internal/util"
)

// Errno is a kernel/ABI error kind. Negative by convention, matching the
// syscall ABI where any negative return is an error.
type Errno int

const (
	// EOK is the zero value: no error.
	EOK Errno = 0

	EBadEnv       Errno = -1 // invalid or not-owned environment id
	EInvalid      Errno = -2 // argument violates a documented precondition
	ENoMemory     Errno = -3 // physical frame exhaustion
	ENoDisk       Errno = -4 // bitmap exhaustion
	ENoFreeEnv    Errno = -5 // environment table exhausted
	ENotFound     Errno = -6 // path component not found
	EBadPath      Errno = -7 // path component too long
	EExists       Errno = -8 // file-create target already exists
	ENotExec      Errno = -9 // ELF image rejected by the loader
	EIPCNotRecv   Errno = -10 // send target is not blocked in recv
	ENotSupported Errno = -11 // operation not implemented
)

var names = map[Errno]string{
	EOK:           "ok",
	EBadEnv:       "bad env",
	EInvalid:      "invalid argument",
	ENoMemory:     "out of memory",
	ENoDisk:       "out of disk space",
	ENoFreeEnv:    "no free environment",
	ENotFound:     "not found",
	EBadPath:      "bad path",
	EExists:       "exists",
	ENotExec:      "not executable",
	EIPCNotRecv:   "ipc target not receiving",
	ENotSupported: "not supported",
}

// Error implements the error interface so an Errno can be returned and
// compared directly: `if err == defs.EBadEnv`.
func (e Errno) Error() string {
	if s, ok := names[e]; ok {
		return s
	}
	return fmt.Sprintf("errno(%d)", int(e))
}

// IsOK reports whether e represents success.
func (e Errno) IsOK() bool { return e == EOK }

const (
	// PageShift is the base-2 exponent for the page size.
	PageShift = 12
	// PageSize is the size of a single page in bytes (4 KiB).
	PageSize = 1 << PageShift
	// PageOffsetMask masks the in-page offset of a virtual address.
	PageOffsetMask = PageSize - 1
)

// Permission bits for page-table entries. PermCOW is one of the
// software-available bits, repurposed by the user runtime's fork to mark
// copy-on-write pages; it carries no meaning to the address-space manager
// itself.
type Perm uint32

const (
	PermPresent  Perm = 1 << 0
	PermWritable Perm = 1 << 1
	PermUser     Perm = 1 << 2
	PermAccessed Perm = 1 << 3
	PermDirty    Perm = 1 << 4
	PermCOW      Perm = 1 << 5 // software bit: copy-on-write
	PermWasCOW   Perm = 1 << 6 // software bit: COW page claimed outright
	PermShared   Perm = 1 << 7 // software bit: shared anonymous mapping
)

// Has reports whether all bits of want are set in p.
func (p Perm) Has(want Perm) bool { return p&want == want }

// Address-space layout sentinels (user-visible, §6).
const (
	// UserTop separates the user and kernel halves of every address
	// space. Kernel virtual memory above UserTop is identical across
	// all environments.
	UserTop = 0xEFFF_F000

	// ExceptionStackTop is the top of the one-page exception stack
	// used to deliver the page-fault upcall. The page immediately
	// below it is the exception stack itself.
	ExceptionStackTop = UserTop - PageSize
	// ExceptionStackBottom is the first byte of the exception stack.
	ExceptionStackBottom = ExceptionStackTop - PageSize

	// SelfMapBase is a fixed virtual base reserved for a read-only
	// self-mapping of an environment's own page tables. Nothing in
	// this tree installs such a mapping; the user runtime's COW fork
	// reads PTE bits through vm.AddressSpace.Lookup instead.
	SelfMapBase = 0x3BD0_0000
)

// Frame identifies a physical page of simulated RAM by dense index.
type Frame uint32

// NoFrame is the sentinel "no frame" value, analogous to a null pointer.
const NoFrame Frame = ^Frame(0)

// VA is a 32-bit simulated virtual address.
type VA uint32

// PageAligned reports whether va is a multiple of PageSize.
func (va VA) PageAligned() bool { return va&PageOffsetMask == 0 }

// PageBase rounds va down to its containing page.
func (va VA) PageBase() VA { return util.Rounddown(va, VA(PageSize)) }

// EnvID is the (generation, slot) encoded identifier of an environment.
// The low bits hold the slot index into the environment table; the high
// bits hold a generation counter incremented on every allocation of that
// slot, so two environments allocated in the same slot at different
// times never compare equal.
type EnvID uint32

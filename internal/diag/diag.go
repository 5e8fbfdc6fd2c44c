// Package diag is the kernel's panic/backtrace diagnostics: a Go-stack
// dump wrapped around any kernel-internal panic (an unrecoverable
// invariant violation — a divide error or general-protection fault in
// kernel mode, a frame freed with a nonzero refcount, and so on), and
// the formatted dump cmd/nexus's "backtrace" monitor command prints.
//
// Grounded on the teacher's Callerdump (biscuit src/caller/caller.go),
// rewritten against runtime.CallersFrames instead of a manual
// runtime.Caller loop — the standard library's own frame iterator,
// which the teacher's single-Go-process-as-OS constraint couldn't always
// assume was available but this hosted kernel can.
package diag

import (
	"fmt"
	"runtime"
	"strings"
)

// Backtrace returns the calling goroutine's stack starting skip frames
// above Backtrace itself (skip=0 names Backtrace's own caller), one
// "file:line (func)" per line, in the teacher's "%s:%d\n\t<-%s:%d" chain
// shape.
func Backtrace(skip int) string {
	pc := make([]uintptr, 64)
	n := runtime.Callers(skip+2, pc)
	frames := runtime.CallersFrames(pc[:n])

	var b strings.Builder
	first := true
	for {
		f, more := frames.Next()
		if !first {
			b.WriteString("\t<-")
		}
		fmt.Fprintf(&b, "%s:%d (%s)\n", f.File, f.Line, f.Function)
		first = false
		if !more {
			break
		}
	}
	return b.String()
}

// Recover wraps fn, and on panic prints the recovered value with a
// backtrace to stdout before re-panicking — used at the single place
// cmd/nexus invokes trap.Dispatcher.Deliver, so a kernel-fatal trap
// (per §4.4's "panics" cases) leaves a diagnosable trace instead of
// Go's own bare runtime panic output.
func Recover(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			fmt.Printf("kernel panic: %v\n%s", r, Backtrace(2))
			panic(r)
		}
	}()
	fn()
}

// Command nexus is the interactive kernel monitor and the one process
// that actually wires every kernel package together into a running
// machine: physical arena, address-space manager, environment table,
// trap dispatcher, syscall ABI, and libos fork/IPC runtime over a disk
// image mounted through fsys.
//
// There is no boot loader or real console here (§1's out-of-scope
// hardware bring-up); "booting" is this command constructing the
// pieces in dependency order and handing control to a read-eval-print
// loop in the style of a JOS kernel monitor, driven over a raw terminal
// via golang.org/x/term exactly because there is no real keyboard
// interrupt to wire up.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/term"

	"github.com/zellux/nexus/internal/accnt"
	"github.com/zellux/nexus/internal/defs"
	"github.com/zellux/nexus/internal/diag"
	"github.com/zellux/nexus/internal/diskio"
	"github.com/zellux/nexus/internal/fs/bcache"
	"github.com/zellux/nexus/internal/fs/fsys"
	"github.com/zellux/nexus/internal/mem"
	"github.com/zellux/nexus/internal/proc"
	"github.com/zellux/nexus/internal/syscall"
	"github.com/zellux/nexus/internal/trap"
	"github.com/zellux/nexus/internal/vm"
	"github.com/zellux/nexus/user"
)

var (
	numFrames   = flag.Int("frames", 4096, "physical frames in the simulated arena")
	numEnvs     = flag.Int("envs", 64, "environment table capacity, including the idle slot")
	diskImage   = flag.String("disk", "", "path to a disk image to mount (optional)")
	cacheBlocks = flag.Int("cache-blocks", 512, "block cache capacity")
	monitorAddr = flag.String("monitor-addr", "", "if set, serve Prometheus metrics at this address (e.g. 127.0.0.1:9100)")
)

// machine bundles every wired-up kernel component the monitor commands
// operate on.
type machine struct {
	arena *mem.Arena
	vmgr  *vm.Manager
	envs  *proc.Table
	sc    *syscall.Handler
	disp  *trap.Dispatcher
	rt    *user.Runtime
	fs    *fsys.FileSystem
	acc   *accnt.Registry
}

func boot() *machine {
	arena := mem.NewArena(*numFrames)
	vmgr := vm.NewManager(arena)
	envs := proc.NewTable(vmgr, *numEnvs)

	idleAS, err := vmgr.NewAddressSpace()
	if err != nil {
		log.Fatalf("nexus: boot idle address space: %v", err)
	}
	envs.BootIdle(idleAS)

	console := &stdioConsole{in: bufio.NewReader(os.Stdin), out: os.Stdout}
	sc := syscall.NewHandler(envs, arena, console)
	disp := trap.NewDispatcher(envs, sc, log.Default())
	rt := user.NewRuntime(envs, sc, defs.VA(0x6000_0000))

	m := &machine{arena: arena, vmgr: vmgr, envs: envs, sc: sc, disp: disp, rt: rt}

	m.acc = accnt.NewRegistry(
		func() float64 { return float64(arena.Free()) },
		func() float64 { return float64(envs.LiveCount()) },
	)

	if *diskImage != "" {
		disk, err := openOrCreateImage(*diskImage)
		if err != nil {
			log.Fatalf("nexus: open disk image: %v", err)
		}
		cache := bcache.NewCache(disk, *cacheBlocks)
		fs, err := fsys.Mount(cache)
		if err != nil {
			log.Fatalf("nexus: mount %s: %v", *diskImage, err)
		}
		m.fs = fs
	}

	return m
}

func openOrCreateImage(path string) (*diskio.File, error) {
	if _, err := os.Stat(path); err == nil {
		return diskio.Open(path)
	}
	return diskio.Create(path, 40000)
}

func main() {
	flag.Parse()

	m := boot()
	if *monitorAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(m.acc.Gatherer(), promhttp.HandlerOpts{}))
			log.Printf("nexus: serving metrics on %s/metrics", *monitorAddr)
			log.Fatal(http.ListenAndServe(*monitorAddr, mux))
		}()
	}

	m := boot()
	runMonitor(m)
}

// stdioConsole adapts the process's own stdin/stdout to syscall.Console,
// the same seam a real cputs/cgetc would drive a UART or keyboard
// controller through.
type stdioConsole struct {
	in  *bufio.Reader
	out *os.File
}

func (c *stdioConsole) Write(p []byte) (int, error) { return c.out.Write(p) }
func (c *stdioConsole) ReadByte() (byte, error)      { return c.in.ReadByte() }

// runMonitor is the JOS-style "nexus> " read-eval-print loop: a small set of
// named commands, each documented by "help", reading lines from a raw
// terminal so a later command set (single-step, breakpoints) can read
// unbuffered keystrokes without the line discipline swallowing them.
func runMonitor(m *machine) {
	fd := int(os.Stdin.Fd())
	isTerminal := term.IsTerminal(fd)

	var oldState *term.State
	if isTerminal {
		var err error
		oldState, err = term.MakeRaw(fd)
		if err != nil {
			log.Printf("nexus: could not enter raw mode: %v (falling back to line mode)", err)
			isTerminal = false
		} else {
			defer term.Restore(fd, oldState)
		}
	}

	if isTerminal {
		t := term.NewTerminal(os.Stdin, "nexus> ")
		runTermLoop(m, t)
		return
	}
	in := bufio.NewReader(os.Stdin)
	fmt.Println("nexus monitor (non-interactive stdin; type 'help')")
	for {
		fmt.Print("nexus> ")
		line, err := in.ReadString('\n')
		if err != nil {
			return
		}
		if !dispatch(m, line) {
			return
		}
	}
}

func runTermLoop(m *machine, t *term.Terminal) {
	fmt.Fprintln(t, "nexus monitor. type 'help' for commands.")
	for {
		line, err := t.ReadLine()
		if err != nil {
			return
		}
		if !dispatchOut(m, line, t) {
			return
		}
	}
}

func dispatch(m *machine, line string) bool {
	return dispatchOut(m, line, os.Stdout)
}

type writer interface {
	Write([]byte) (int, error)
}

func dispatchOut(m *machine, line string, w writer) bool {
	fields := strings.Fields(strings.TrimSpace(line))
	if len(fields) == 0 {
		return true
	}
	switch fields[0] {
	case "help":
		fmt.Fprint(w, "commands: help, showmappings <env-id> <va>, backtrace, si, fork <env-id>, create <eip-hex>, envs, quit\n")
	case "quit", "exit":
		return false
	case "backtrace":
		fmt.Fprint(w, diag.Backtrace(1))
	case "envs":
		printEnvs(m, w)
	case "showmappings":
		showMappings(m, w, fields)
	case "si":
		singleStep(m, w)
	case "fork":
		doFork(m, w, fields)
	case "create":
		doCreate(m, w, fields)
	default:
		fmt.Fprintf(w, "unknown command %q\n", fields[0])
	}
	return true
}

func printEnvs(m *machine, w writer) {
	fmt.Fprintf(w, "live environments: %d / %d\n", m.envs.LiveCount(), m.envs.Cap())
	if e := m.envs.Current(); e != nil {
		fmt.Fprintf(w, "current: id=%#x status=%s runs=%d syscalls=%d\n", e.ID, e.Status, e.Runs, e.Syscalls)
		return
	}
	fmt.Fprintln(w, "no environment currently scheduled")
}

func showMappings(m *machine, w writer, fields []string) {
	if len(fields) != 3 {
		fmt.Fprintln(w, "usage: showmappings <env-id> <va-hex>")
		return
	}
	id, err1 := strconv.ParseUint(strings.TrimPrefix(fields[1], "0x"), 16, 32)
	va, err2 := strconv.ParseUint(strings.TrimPrefix(fields[2], "0x"), 16, 32)
	if err1 != nil || err2 != nil {
		fmt.Fprintln(w, "bad env id or virtual address")
		return
	}
	e, err := m.envs.Lookup(defs.EnvID(id), defs.EnvID(id), false)
	if err != nil {
		fmt.Fprintf(w, "lookup %#x: %v\n", id, err)
		return
	}
	pte, ok := e.AS.Walk(defs.VA(va))
	if !ok {
		fmt.Fprintf(w, "va=%#x: not present\n", va)
		return
	}
	fmt.Fprintf(w, "va=%#x: frame=%d perm=%#x\n", va, pte.Frame, pte.Perm)
}

// singleStep advances the scheduler by one timer tick, routing through
// the real trap dispatcher (rather than calling Schedule directly) so
// "si" exercises the same path a hardware timer interrupt would.
func singleStep(m *machine, w writer) {
	cur := m.envs.Current()
	if cur == nil {
		// Nothing has ever run: there is no trap to deliver, just pick
		// the first environment the way the boot path would.
		if next := m.envs.Schedule(); next != nil {
			m.acc.SchedulerRuns.Inc()
			fmt.Fprintf(w, "scheduled env=%#x eip=%#x\n", next.ID, next.TF.EIP)
		} else {
			fmt.Fprintln(w, "no runnable environment")
		}
		return
	}
	var next *proc.Env
	diag.Recover(func() {
		next = m.disp.Deliver(cur, trap.TimerIRQ, 0, 0)
	})
	if next == nil {
		fmt.Fprintln(w, "no runnable environment")
		return
	}
	m.acc.SchedulerRuns.Inc()
	fmt.Fprintf(w, "scheduled env=%#x eip=%#x\n", next.ID, next.TF.EIP)
}

// doCreate allocates a fresh environment entering user mode at the
// given instruction pointer and marks it runnable, standing in for the
// ELF-loading bootstrap a real kernel's env_create would do before the
// monitor ever gets a chance to single-step anything.
func doCreate(m *machine, w writer, fields []string) {
	if len(fields) != 2 {
		fmt.Fprintln(w, "usage: create <eip-hex>")
		return
	}
	eip, err := strconv.ParseUint(strings.TrimPrefix(fields[1], "0x"), 16, 32)
	if err != nil {
		fmt.Fprintln(w, "bad entry point")
		return
	}
	e, err := m.envs.Alloc(0)
	if err != nil {
		fmt.Fprintf(w, "create: %v\n", err)
		return
	}
	e.TF.UserMode = true
	e.TF.EIP = uint32(eip)
	e.TF.ESP = defs.UserTop
	if err := m.envs.SetStatus(e, proc.StatusRunnable); err != nil {
		fmt.Fprintf(w, "create: %v\n", err)
		return
	}
	fmt.Fprintf(w, "created env=%#x eip=%#x\n", e.ID, e.TF.EIP)
}

// doFork runs the libos copy-on-write fork against a live environment,
// exercising user.Runtime the way a forking user program would.
func doFork(m *machine, w writer, fields []string) {
	if len(fields) != 2 {
		fmt.Fprintln(w, "usage: fork <env-id>")
		return
	}
	id, err := strconv.ParseUint(strings.TrimPrefix(fields[1], "0x"), 16, 32)
	if err != nil {
		fmt.Fprintln(w, "bad env id")
		return
	}
	parent, err := m.envs.Lookup(defs.EnvID(id), defs.EnvID(id), false)
	if err != nil {
		fmt.Fprintf(w, "lookup %#x: %v\n", id, err)
		return
	}
	child, err := m.rt.Fork(parent)
	if err != nil {
		fmt.Fprintf(w, "fork: %v\n", err)
		return
	}
	fmt.Fprintf(w, "forked child=%#x\n", child.ID)
}

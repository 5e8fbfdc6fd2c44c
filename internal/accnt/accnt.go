// Package accnt is the kernel's usage-accounting surface: per-event
// counters exported as Prometheus metrics, plus EnvTimer, a
// per-environment user/system nanosecond split (proc.Env's Runs and
// Syscalls fields are plain counts and are kept separately).
//
// Grounded on the teacher's Accnt_t (biscuit src/accnt/accnt.go, atomic
// nanosecond counters under a mutex-protected snapshot) and Stats_t
// (biscuit src/stats/stats.go, a Stats-flag-gated counter family) but
// exported the way a hosted kernel actually would be observed from the
// outside: as Prometheus counters/gauges, scraped by cmd/nexus's
// -monitor-addr endpoint, rather than printed to the console on demand.
package accnt

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry is the accounting subsystem's metric family, all registered
// against a private *prometheus.Registry so embedding it doesn't also
// drag in the Go runtime's default collectors.
type Registry struct {
	reg *prometheus.Registry

	SchedulerRuns prometheus.Counter
	PageFaults    prometheus.Counter
	COWFixups     prometheus.Counter
	IPCSends      prometheus.Counter
	IPCBlocked    prometheus.Counter
	Syscalls      *prometheus.CounterVec
	FramesFree    prometheus.GaugeFunc
	EnvsLive      prometheus.GaugeFunc
}

// NewRegistry constructs a Registry. framesFree and envsLive are called
// synchronously on every scrape, so they must be cheap (a single mutex-
// guarded read, matching mem.Arena.Free and proc.Table's own
// accounting).
func NewRegistry(framesFree, envsLive func() float64) *Registry {
	reg := prometheus.NewRegistry()
	r := &Registry{
		reg: reg,
		SchedulerRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nexus_scheduler_runs_total",
			Help: "Number of times Schedule selected an environment to run.",
		}),
		PageFaults: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nexus_page_faults_total",
			Help: "Number of page faults delivered to an environment's upcall.",
		}),
		COWFixups: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nexus_cow_fixups_total",
			Help: "Number of copy-on-write page faults resolved by the libos runtime.",
		}),
		IPCSends: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nexus_ipc_sends_total",
			Help: "Number of sys_ipc_try_send calls that found a receiver.",
		}),
		IPCBlocked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nexus_ipc_blocked_total",
			Help: "Number of sys_ipc_try_send calls that found no receiver (EIPCNotRecv).",
		}),
		Syscalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nexus_syscalls_total",
			Help: "Number of syscalls dispatched, by ABI number.",
		}, []string{"number"}),
		FramesFree: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "nexus_frames_free",
			Help: "Physical frames currently on the arena free list.",
		}, framesFree),
		EnvsLive: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "nexus_envs_live",
			Help: "Environments not in the Free state.",
		}, envsLive),
	}
	reg.MustRegister(r.SchedulerRuns, r.PageFaults, r.COWFixups, r.IPCSends, r.IPCBlocked, r.Syscalls, r.FramesFree, r.EnvsLive)
	return r
}

// Gatherer exposes the underlying registry for wiring into an
// http.Handler (promhttp.HandlerFor), without handing out mutation
// access to the counters themselves.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

// EnvTimer accumulates one environment's user/system nanosecond split,
// the same two fields the teacher's Accnt_t tracks, reset to wall-clock
// measurement around each dispatch rather than rdtsc cycle counts (no
// real TSC to read in a hosted kernel).
type EnvTimer struct {
	UserNS int64
	SysNS  int64
}

// Since returns the nanoseconds elapsed since start; a small wrapper so
// call sites read like the teacher's Accnt_t.Now()-based deltas.
func Since(start time.Time) int64 { return time.Since(start).Nanoseconds() }

package accnt

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestGaugesReflectCallbacksAtScrapeTime(t *testing.T) {
	free := 7.0
	live := 2.0
	r := NewRegistry(func() float64 { return free }, func() float64 { return live })

	if got := testutil.ToFloat64(r.FramesFree); got != 7 {
		t.Fatalf("FramesFree = %v, want 7", got)
	}
	if got := testutil.ToFloat64(r.EnvsLive); got != 2 {
		t.Fatalf("EnvsLive = %v, want 2", got)
	}

	free = 3
	live = 9
	if got := testutil.ToFloat64(r.FramesFree); got != 3 {
		t.Fatalf("FramesFree after callback change = %v, want 3 (re-evaluated on scrape)", got)
	}
	if got := testutil.ToFloat64(r.EnvsLive); got != 9 {
		t.Fatalf("EnvsLive after callback change = %v, want 9", got)
	}
}

func TestCountersIncrementIndependently(t *testing.T) {
	r := NewRegistry(func() float64 { return 0 }, func() float64 { return 0 })

	r.SchedulerRuns.Inc()
	r.SchedulerRuns.Inc()
	r.PageFaults.Inc()
	r.IPCSends.Inc()
	r.IPCBlocked.Inc()
	r.IPCBlocked.Inc()
	r.IPCBlocked.Inc()

	if got := testutil.ToFloat64(r.SchedulerRuns); got != 2 {
		t.Fatalf("SchedulerRuns = %v, want 2", got)
	}
	if got := testutil.ToFloat64(r.PageFaults); got != 1 {
		t.Fatalf("PageFaults = %v, want 1", got)
	}
	if got := testutil.ToFloat64(r.IPCBlocked); got != 3 {
		t.Fatalf("IPCBlocked = %v, want 3", got)
	}
}

func TestSyscallsCounterVecIsLabeledByNumber(t *testing.T) {
	r := NewRegistry(func() float64 { return 0 }, func() float64 { return 0 })
	r.Syscalls.WithLabelValues("5").Inc()
	r.Syscalls.WithLabelValues("5").Inc()
	r.Syscalls.WithLabelValues("9").Inc()

	if got := testutil.ToFloat64(r.Syscalls.WithLabelValues("5")); got != 2 {
		t.Fatalf("syscalls[5] = %v, want 2", got)
	}
	if got := testutil.ToFloat64(r.Syscalls.WithLabelValues("9")); got != 1 {
		t.Fatalf("syscalls[9] = %v, want 1", got)
	}
}

func TestGathererExposesAllRegisteredMetrics(t *testing.T) {
	r := NewRegistry(func() float64 { return 1 }, func() float64 { return 1 })
	mfs, err := r.Gatherer().Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	var names []string
	for _, mf := range mfs {
		names = append(names, mf.GetName())
	}
	joined := strings.Join(names, ",")
	for _, want := range []string{"nexus_scheduler_runs_total", "nexus_frames_free", "nexus_envs_live"} {
		if !strings.Contains(joined, want) {
			t.Fatalf("gathered metric families %v missing %q", names, want)
		}
	}
}

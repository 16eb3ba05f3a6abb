package agent

import (
	"os"
	"time"

	"github.com/gabaker/thorium/internal/resources"
)

// resourceGuard enforces (or, where the platform can't enforce live,
// accounts for after the fact) an image's declared resource budget against
// the one process an Executor run spawns. newGuard dispatches to a
// platform-specific newPlatformGuard: resourcelimit_linux.go backs it with
// a cgroup v2 leaf the kernel itself enforces; resourcelimit_other.go
// falls back to comparing the finished process's rusage against the
// budget.
type resourceGuard interface {
	// attach is called once, right after the tool process starts, with its
	// pid. A non-nil error only means the guard itself is inert for this
	// run; the tool still executes under the wall-clock deadline alone.
	attach(pid int) error
	// exceeded reports whether the just-finished process broke budget,
	// given its exit accounting and how long it ran.
	exceeded(ps *os.ProcessState, elapsed time.Duration) bool
	// release tears down any limiter-owned state (e.g. a cgroup directory).
	release()
}

// noopGuard is used when an image declares no resource budget: there is
// nothing to enforce or account for.
type noopGuard struct{}

func (noopGuard) attach(int) error                              { return nil }
func (noopGuard) exceeded(*os.ProcessState, time.Duration) bool { return false }
func (noopGuard) release()                                      {}

func newGuard(jobName string, budget resources.Resources) resourceGuard {
	if budget.CPUMilli <= 0 && budget.MemoryBytes <= 0 {
		return noopGuard{}
	}
	return newPlatformGuard(jobName, budget)
}

// rusageCPUSlack is how far over an image's declared cpu budget a run's
// accumulated user+sys time may drift, relative to the budget implied by
// its wall-clock duration, before rusageGuard calls it exceeded. Set loose
// enough to absorb a brief single-core burst on a multi-core budget.
const rusageCPUSlack = 2.0

// rusageGuard is the soft-accounting fallback used wherever a cgroup leaf
// can't be created: there is no live enforcement, so a run can only be
// flagged after Wait returns, by comparing the process's own reported
// user+sys CPU time against what its declared milli-core budget allows
// for the wall-clock duration it actually ran.
type rusageGuard struct {
	budget resources.Resources
}

func newRusageGuard(budget resources.Resources) resourceGuard {
	return &rusageGuard{budget: budget}
}

func (g *rusageGuard) attach(int) error { return nil }

func (g *rusageGuard) exceeded(ps *os.ProcessState, elapsed time.Duration) bool {
	if ps == nil || g.budget.EffectiveCPU() <= 0 || elapsed <= 0 {
		return false
	}
	cpuSeconds := ps.UserTime().Seconds() + ps.SystemTime().Seconds()
	allowed := float64(g.budget.EffectiveCPU()) / 1000.0 * elapsed.Seconds() * rusageCPUSlack
	return cpuSeconds > allowed
}

func (g *rusageGuard) release() {}

//go:build linux

package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gabaker/thorium/internal/resources"
)

// cgroupRoot is the cgroup v2 mountpoint every tool's leaf is carved under.
// Writing directly into cgroupfs (rather than a wrapper library) mirrors
// the only cgroup-management idiom present anywhere in this codebase's
// lineage: plain os.MkdirAll/os.WriteFile against /sys/fs/cgroup/...,
// cgroup.procs included.
const cgroupRoot = "/sys/fs/cgroup/thorium"

// cgroupGuard enforces an image's cpu/memory budget as a cgroup v2 leaf:
// the kernel throttles cpu.max and OOM-kills on memory.max, so "exceeded"
// only needs to read back memory.events' oom_kill counter once the run
// finishes.
type cgroupGuard struct {
	path string
}

func newPlatformGuard(jobName string, budget resources.Resources) resourceGuard {
	g := &cgroupGuard{path: filepath.Join(cgroupRoot, jobName)}
	if err := g.create(budget); err != nil {
		// No usable cgroup v2 hierarchy (unprivileged container, cgroup v1
		// host, etc): fall back to post-hoc rusage accounting rather than
		// failing the run outright.
		return newRusageGuard(budget)
	}
	return g
}

func (g *cgroupGuard) create(budget resources.Resources) error {
	if err := os.MkdirAll(g.path, 0o755); err != nil {
		return fmt.Errorf("creating cgroup %s: %w", g.path, err)
	}
	if budget.EffectiveCPU() > 0 {
		// cpu.max is "<quota> <period>" in microseconds; period fixed at
		// 100ms, quota scaled from milli-cores.
		quota := budget.EffectiveCPU() * 100 // milli-cores * (100000us period / 1000)
		if err := g.write("cpu.max", fmt.Sprintf("%d 100000", quota)); err != nil {
			return err
		}
	}
	if budget.EffectiveMemory() > 0 {
		if err := g.write("memory.max", strconv.FormatInt(budget.EffectiveMemory(), 10)); err != nil {
			return err
		}
	}
	return nil
}

func (g *cgroupGuard) write(file, value string) error {
	return os.WriteFile(filepath.Join(g.path, file), []byte(value), 0o644)
}

func (g *cgroupGuard) attach(pid int) error {
	return g.write("cgroup.procs", strconv.Itoa(pid))
}

func (g *cgroupGuard) exceeded(_ *os.ProcessState, _ time.Duration) bool {
	data, err := os.ReadFile(filepath.Join(g.path, "memory.events"))
	if err != nil {
		return false
	}
	for _, line := range strings.Split(string(data), "\n") {
		if fields := strings.Fields(line); len(fields) == 2 && fields[0] == "oom_kill" {
			n, _ := strconv.Atoi(fields[1])
			return n > 0
		}
	}
	return false
}

func (g *cgroupGuard) release() {
	// A cgroup directory can only be removed once it has no live processes;
	// by the time release runs, Wait has already returned.
	_ = os.Remove(g.path)
}

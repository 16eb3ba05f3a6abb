//go:build !linux

package agent

import "github.com/gabaker/thorium/internal/resources"

// newPlatformGuard has no cgroup v2 hierarchy to carve a leaf from outside
// Linux, so every platform here runs the soft-accounting fallback: the
// budget is checked against the finished process's own rusage rather than
// enforced live (spec.md's "cgroup on Linux; soft accounting elsewhere").
func newPlatformGuard(_ string, budget resources.Resources) resourceGuard {
	return newRusageGuard(budget)
}

// Package ledger implements the fair-share ledger: per-(group, pipeline,
// stage, user) counters the scheduler uses for admission and priority.
package ledger

import (
	"sort"
	"sync"
	"time"
)

// Key identifies one ledger entry.
type Key struct {
	Group    string
	Pipeline string
	Stage    int
	User     string
}

// Entry is the counter set for one Key. Counters never go negative.
// RequestSlot does not check Deadlines, so Deadlines >= Running holds only
// while each granted slot matches a declared job.
type Entry struct {
	Deadlines int // pending + running
	Running   int
	Completed int
	Failed    int
	Sleeping  int
	Total     int

	oldestCreated time.Time
}

// Quotas are the configuration inputs the fair-share rule is evaluated
// against.
type Quotas struct {
	PerUserMaxRunning     int
	PerGroupMaxRunning    int
	PerPipelineMaxRunning int
	GlobalCPUBudgetMilli  int64
	GlobalMemoryBudget    int64
}

// BlockedReason explains why RequestSlot refused admission.
type BlockedReason string

const (
	BlockedNone          BlockedReason = ""
	BlockedUserQuota     BlockedReason = "UserQuotaExceeded"
	BlockedGroupQuota    BlockedReason = "GroupQuotaExceeded"
	BlockedPipelineQuota BlockedReason = "PipelineQuotaExceeded"
)

// Ledger is the process-wide, single-lock counter set.
type Ledger struct {
	mu      sync.RWMutex
	entries map[Key]*Entry
	quotas  Quotas
}

func New(quotas Quotas) *Ledger {
	return &Ledger{entries: make(map[Key]*Entry), quotas: quotas}
}

func (l *Ledger) entryLocked(k Key) *Entry {
	e, ok := l.entries[k]
	if !ok {
		e = &Entry{}
		l.entries[k] = e
	}
	return e
}

// Declare registers a pending job for k with its creation time, incrementing
// Deadlines and Total. Call once per reaction-stage when it becomes eligible
// for scheduling (stage status Created).
func (l *Ledger) Declare(k Key, createdAt time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := l.entryLocked(k)
	e.Deadlines++
	e.Total++
	if e.oldestCreated.IsZero() || createdAt.Before(e.oldestCreated) {
		e.oldestCreated = createdAt
	}
}

// RequestSlot attempts to admit one more running worker for k against the
// configured per-user, per-group and per-pipeline quotas, given the caller's
// running totals. Global CPU/memory budgets are not checked here; the
// scheduler checks them separately, so a worker must clear both (see
// DESIGN.md).
func (l *Ledger) RequestSlot(k Key, userRunningTotal, groupRunningTotal, pipelineRunningTotal int) (granted bool, reason BlockedReason) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.quotas.PerUserMaxRunning > 0 && userRunningTotal >= l.quotas.PerUserMaxRunning {
		return false, BlockedUserQuota
	}
	if l.quotas.PerGroupMaxRunning > 0 && groupRunningTotal >= l.quotas.PerGroupMaxRunning {
		return false, BlockedGroupQuota
	}
	if l.quotas.PerPipelineMaxRunning > 0 && pipelineRunningTotal >= l.quotas.PerPipelineMaxRunning {
		return false, BlockedPipelineQuota
	}
	e := l.entryLocked(k)
	e.Running++
	return true, BlockedNone
}

// ReleaseSlot decrements Running for k without recording a terminal outcome
// (used when a worker is despawned without completing, e.g. reclaimed for a
// higher-priority candidate).
func (l *Ledger) ReleaseSlot(k Key) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := l.entryLocked(k)
	if e.Running > 0 {
		e.Running--
	}
}

// Complete records a terminal outcome for one running slot of k.
func (l *Ledger) Complete(k Key, success bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := l.entryLocked(k)
	if e.Running > 0 {
		e.Running--
	}
	if e.Deadlines > 0 {
		e.Deadlines--
	}
	if success {
		e.Completed++
	} else {
		e.Failed++
	}
}

// Sleep moves one running slot of k to sleeping; it still counts toward
// Deadlines until it wakes or expires.
func (l *Ledger) Sleep(k Key) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := l.entryLocked(k)
	if e.Running > 0 {
		e.Running--
	}
	e.Sleeping++
}

// Wake reverses Sleep, returning k to a pending (Created) state.
func (l *Ledger) Wake(k Key) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := l.entryLocked(k)
	if e.Sleeping > 0 {
		e.Sleeping--
	}
}

// Snapshot returns a defensive copy of the entry for k.
func (l *Ledger) Snapshot(k Key) Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if e, ok := l.entries[k]; ok {
		return *e
	}
	return Entry{}
}

// All returns a defensive copy of every (key, entry) pair currently tracked,
// for the stats snapshot endpoint.
func (l *Ledger) All() map[Key]Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[Key]Entry, len(l.entries))
	for k, e := range l.entries {
		out[k] = *e
	}
	return out
}

// Candidate is one (g,p,s,u) tuple with work needing scheduling: Deadlines >
// Running and no active ban.
type Candidate struct {
	Key         Key
	Entry       Entry
	UserQuota   int // per_user_max_running, 0 = unbounded
}

// PriorityKey is the fair-share ratio the scheduler ranks candidates by:
// running / user_quota ascending, ties broken by oldest created-time, then
// pipeline name lexicographically.
func PriorityKey(c Candidate) float64 {
	if c.UserQuota <= 0 {
		return float64(c.Entry.Running)
	}
	return float64(c.Entry.Running) / float64(c.UserQuota)
}

// Candidates returns every (g,p,s,u) tuple with pending work and no ban,
// sorted by the fair-share priority rule. isBanned is consulted per
// (group, pipeline) to exclude banned tuples.
func (l *Ledger) Candidates(userQuotaOf func(user string) int, isBanned func(group, pipeline string) bool) []Candidate {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []Candidate
	for k, e := range l.entries {
		if e.Deadlines <= e.Running {
			continue
		}
		if isBanned != nil && isBanned(k.Group, k.Pipeline) {
			continue
		}
		out = append(out, Candidate{Key: k, Entry: *e, UserQuota: userQuotaOf(k.User)})
	}

	sort.Slice(out, func(i, j int) bool {
		pi, pj := PriorityKey(out[i]), PriorityKey(out[j])
		if pi != pj {
			return pi < pj
		}
		oi, oj := l.entries[out[i].Key].oldestCreated, l.entries[out[j].Key].oldestCreated
		if !oi.Equal(oj) {
			return oi.Before(oj)
		}
		return out[i].Key.Pipeline < out[j].Key.Pipeline
	})
	return out
}


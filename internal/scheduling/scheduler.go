// Package scheduling implements the Scaler: the tick loop that observes
// backend capacity, gathers fair-share candidates, fits and assigns workers,
// force-kills workers past their heartbeat deadline, and publishes a stats
// snapshot. Idle workers above demand are not drained.
package scheduling

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"
	"go.uber.org/multierr"
	"k8s.io/utils/clock"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/gabaker/thorium/internal/api"
	"github.com/gabaker/thorium/internal/cloudprovider"
	therrors "github.com/gabaker/thorium/internal/errors"
	"github.com/gabaker/thorium/internal/ledger"
	"github.com/gabaker/thorium/internal/metrics"
	"github.com/gabaker/thorium/internal/reaction"
	"github.com/gabaker/thorium/internal/resources"
)

// BackendOrder is the default backend try-order when an image declares no
// preference: K8s, then bare-metal, then external.
var BackendOrder = []string{"k8s", "baremetal", "external"}

// Config bundles the scheduler's tunables, resolved once at process start
// (see SPEC_FULL.md's configuration section).
type Config struct {
	TickPeriod          time.Duration
	HeartbeatTimeout    time.Duration // T_hb, default 60s
	DefaultMaxRetries   int
	GlobalCPUBudget     int64 // milli-units, 0 = unbounded
	GlobalMemoryBudget  int64 // bytes, 0 = unbounded
	UserQuota           func(user string) int
}

func (c Config) withDefaults() Config {
	if c.TickPeriod == 0 {
		c.TickPeriod = 10 * time.Second
	}
	if c.HeartbeatTimeout == 0 {
		c.HeartbeatTimeout = 60 * time.Second
	}
	if c.DefaultMaxRetries == 0 {
		c.DefaultMaxRetries = reaction.DefaultMaxRetries
	}
	if c.UserQuota == nil {
		c.UserQuota = func(string) int { return 0 }
	}
	return c
}

// trackedWorker is the Scheduler's own bookkeeping record for a live worker,
// independent of whatever the backend driver itself tracks.
type trackedWorker struct {
	worker      api.Worker
	backend     string
	ledgerKey   ledger.Key
	heartbeatBy time.Time
}

// Scheduler is the Scaler control loop.
type Scheduler struct {
	clk     clock.Clock
	store   ReactionStore
	ledger  *ledger.Ledger
	bans    BanChecker
	drivers map[string]cloudprovider.Driver
	cfg     Config
	metrics *metrics.Metrics

	mu              sync.Mutex
	spentCPU        int64 // global CPU budget consumed by live workers, milli-units
	spentMemory     int64
	workers         map[string]*trackedWorker // worker id -> tracked record
	perTickSpawn    map[string]int            // image id -> spawns this Tick, for spawn_limit.PerTick
	lastSnapshot    Stats
}

func NewScheduler(clk clock.Clock, store ReactionStore, l *ledger.Ledger, bans BanChecker, drivers map[string]cloudprovider.Driver, cfg Config) *Scheduler {
	return &Scheduler{
		clk:     clk,
		store:   store,
		ledger:  l,
		bans:    bans,
		drivers: drivers,
		cfg:     cfg.withDefaults(),
		workers: make(map[string]*trackedWorker),
		perTickSpawn: make(map[string]int),
	}
}

// WithMetrics attaches a metrics bundle the scheduler reports into; optional.
func (s *Scheduler) WithMetrics(m *metrics.Metrics) *Scheduler {
	s.metrics = m
	return s
}

// Run drives Tick on cfg.TickPeriod until ctx is cancelled, in the teacher's
// periodic-reconcile idiom.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := s.clk.NewTicker(s.cfg.TickPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
			if err := s.Tick(ctx); err != nil {
				return err
			}
		}
	}
}

// Tick runs one Observe (including heartbeat-expiry kills) -> SLA/sleep
// sweeps -> Gather -> Fit/Assign -> Publish pass.
// Within a tick, candidates and backends are walked in a single
// deterministic order so that two replicas observing the same state make
// the same assignments.
func (s *Scheduler) Tick(ctx context.Context) error {
	start := s.clk.Now()
	if s.metrics != nil {
		defer func() { s.metrics.TickDuration.Observe(s.clk.Since(start).Seconds()) }()
	}

	if err := s.reconcile(ctx); err != nil {
		return fmt.Errorf("reconciling live workers: %w", err)
	}
	s.sweepSLA(ctx)
	s.sweepSleeping(ctx)

	s.mu.Lock()
	s.perTickSpawn = make(map[string]int)
	s.mu.Unlock()

	candidates := s.ledger.Candidates(s.cfg.UserQuota, func(group, pipeline string) bool {
		return s.bans.IsBanned(group + "/" + pipeline)
	})

	var errs error
	for _, c := range candidates {
		if err := s.fitAndAssign(ctx, c); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	s.publish()
	if errs != nil {
		log.FromContext(ctx).WithValues("candidates", len(candidates)).Error(errs, "tick completed with errors")
	} else {
		log.FromContext(ctx).V(1).Info("tick completed", "candidates", len(candidates))
	}
	return errs
}

// reconcile is the Observe step: it polls every tracked worker's backend for
// terminal/lost status, applies the corresponding reaction transition, and
// force-kills anything past its heartbeat deadline.
func (s *Scheduler) reconcile(ctx context.Context) error {
	s.mu.Lock()
	tracked := make([]*trackedWorker, 0, len(s.workers))
	for _, tw := range s.workers {
		tracked = append(tracked, tw)
	}
	s.mu.Unlock()

	now := s.clk.Now()
	var errs error
	for _, tw := range tracked {
		driver := s.drivers[tw.backend]
		if driver == nil {
			continue
		}
		obs, err := driver.Observe(ctx, tw.worker.ID)
		if err != nil {
			errs = multierr.Append(errs, therrors.Wrap(therrors.CodeTransientInfra, "observing worker "+tw.worker.ID, err))
			continue
		}
		switch obs.Status {
		case cloudprovider.ObserveFinished:
			s.onFinished(ctx, tw, obs)
		case cloudprovider.ObserveLost:
			s.onLost(ctx, tw, "backend reports worker lost")
		case cloudprovider.ObserveRunning:
			if now.After(tw.heartbeatBy) {
				s.onLost(ctx, tw, "heartbeat deadline exceeded")
			}
		}
	}
	return errs
}

// sweepSLA fails any running reaction whose deadline has passed, and
// reclaims the ledger slots and live workers of any reaction it terminates.
func (s *Scheduler) sweepSLA(ctx context.Context) {
	now := s.clk.Now()
	for _, r := range s.store.Reactions() {
		if r.Status != api.ReactionRunning {
			continue
		}
		key := ledger.Key{Group: r.Group, Pipeline: r.Pipeline, Stage: r.StageIndex, User: r.User}
		if !reaction.CheckSLA(r, now) {
			continue
		}
		s.recordTerminal(r)
		_ = s.store.Save(r)

		s.mu.Lock()
		var dead []*trackedWorker
		for id, tw := range s.workers {
			if tw.worker.ReactionID == r.ID {
				dead = append(dead, tw)
				delete(s.workers, id)
				s.spentCPU -= tw.worker.Reserved.EffectiveCPU()
				s.spentMemory -= tw.worker.Reserved.EffectiveMemory()
			}
		}
		s.mu.Unlock()
		for _, tw := range dead {
			_ = s.drivers[tw.backend].Kill(ctx, tw.worker.ID, "reaction exceeded its SLA deadline")
			s.ledger.Complete(tw.ledgerKey, false)
			if s.metrics != nil {
				s.metrics.WorkersKilled.WithLabelValues(tw.backend, "sla_expired").Inc()
			}
		}
		s.ledger.Complete(key, false)
		PropagateChildTerminal(s.store, s.ledger, r)
	}
}

// sweepSleeping wakes or expires every Sleeping image whose predicate is
// wall-clock/deadline based; AllChildrenTerminal predicates are instead
// resolved by PropagateChildTerminal as children finish.
func (s *Scheduler) sweepSleeping(ctx context.Context) {
	now := s.clk.Now()
	for _, r := range s.store.Reactions() {
		if r.Status != api.ReactionRunning {
			continue
		}
		slept := reaction.SleptImages(r)
		if len(slept) == 0 {
			continue
		}
		key := ledger.Key{Group: r.Group, Pipeline: r.Pipeline, Stage: r.StageIndex, User: r.User}
		var woke, expired bool
		for imageID, pred := range slept {
			switch {
			case pred.AllChildrenTerminal:
				// resolved by PropagateChildTerminal, not here.
			case !pred.WallClock.IsZero() && !now.Before(pred.WallClock):
				if err := reaction.WakeImage(r, imageID); err != nil {
					log.FromContext(ctx).Error(err, "waking image", "reaction", r.ID, "image", imageID)
					continue
				}
				woke = true
			case !pred.Deadline.IsZero() && now.After(pred.Deadline):
				if err := reaction.ExpireSleep(r, imageID); err != nil {
					log.FromContext(ctx).Error(err, "expiring sleep", "reaction", r.ID, "image", imageID)
					continue
				}
				expired = true
			}
		}
		if !woke && !expired {
			continue
		}
		if woke {
			// Wake does not re-Declare: the entry's Deadlines count was never
			// decremented by Sleep, so the key is already a live candidate.
			s.ledger.Wake(key)
		}
		if expired {
			s.ledger.Complete(key, false)
		}
		_ = s.store.Save(r)
		if expired {
			s.recordTerminal(r)
			PropagateChildTerminal(s.store, s.ledger, r)
		}
	}
}

func (s *Scheduler) onFinished(ctx context.Context, tw *trackedWorker, obs cloudprovider.Observation) {
	s.removeWorker(tw)
	r, ok := s.store.Get(tw.worker.ReactionID)
	if !ok {
		return
	}
	p, ok := s.store.Pipeline(r.Group + "/" + r.Pipeline)
	if !ok {
		return
	}
	if obs.FinishedOK {
		s.ledger.Complete(tw.ledgerKey, true)
		_ = reaction.CompleteImage(p, r, tw.worker.Image)
		DeclarePending(s.ledger, r)
	} else {
		// A signal/OOM exit (>=128) is retried once under WorkerLost, the
		// taxonomy's retryable code; any other non-zero exit is a terminal
		// ToolFailure straight away.
		code := therrors.CodeToolFailure
		maxRetries := 0
		if therrors.RetryOnceOnExit(obs.ExitCode) && r.RetryCount[r.StageIndex] < 1 {
			code = therrors.CodeWorkerLost
			maxRetries = 1
		}
		s.ledger.Complete(tw.ledgerKey, false)
		_ = reaction.FailImage(p, r, tw.worker.Image, code, fmt.Sprintf("tool exited %d", obs.ExitCode), maxRetries)
		if r.StageStatus[r.StageIndex][tw.worker.Image] == api.StageCreated {
			s.ledger.Declare(tw.ledgerKey, s.clk.Now())
		}
	}
	s.recordTerminal(r)
	_ = s.store.Save(r)
	PropagateChildTerminal(s.store, s.ledger, r)
}

// recordTerminal reports a reaction's terminal-state metrics exactly once
// per call site; callers only invoke it right after a transition that may
// have made the reaction terminal.
func (s *Scheduler) recordTerminal(r *api.Reaction) {
	if s.metrics == nil {
		return
	}
	switch r.Status {
	case api.ReactionCompleted:
		s.metrics.ReactionsComplete.Inc()
	case api.ReactionFailed:
		s.metrics.ReactionsFailed.WithLabelValues(r.FailureCode).Inc()
	}
}

func (s *Scheduler) onLost(ctx context.Context, tw *trackedWorker, reason string) {
	_ = s.drivers[tw.backend].Kill(ctx, tw.worker.ID, reason)
	if s.metrics != nil {
		s.metrics.WorkersKilled.WithLabelValues(tw.backend, "lost").Inc()
	}
	s.removeWorker(tw)
	s.ledger.Complete(tw.ledgerKey, false)

	r, ok := s.store.Get(tw.worker.ReactionID)
	if !ok {
		return
	}
	p, ok := s.store.Pipeline(r.Group + "/" + r.Pipeline)
	if !ok {
		return
	}
	_ = reaction.FailImage(p, r, tw.worker.Image, therrors.CodeWorkerLost, reason, s.cfg.DefaultMaxRetries)
	if r.StageStatus[r.StageIndex][tw.worker.Image] == api.StageCreated {
		s.ledger.Declare(tw.ledgerKey, s.clk.Now())
	}
	s.recordTerminal(r)
	_ = s.store.Save(r)
	PropagateChildTerminal(s.store, s.ledger, r)
}

func (s *Scheduler) removeWorker(tw *trackedWorker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.workers, tw.worker.ID)
	s.spentCPU -= tw.worker.Reserved.EffectiveCPU()
	s.spentMemory -= tw.worker.Reserved.EffectiveMemory()
}

// MarkReported drops a worker from live tracking without touching its
// ledger/reaction state, for when that state has already been applied by
// an agent's own report (the report path) rather than discovered by
// this tick's reconcile poll. A later Observe of an unknown id is treated
// as ObserveLost by every driver, which is harmless once untracked.
func (s *Scheduler) MarkReported(workerID string) {
	s.mu.Lock()
	tw, ok := s.workers[workerID]
	s.mu.Unlock()
	if !ok {
		return
	}
	s.removeWorker(tw)
}

// SpawnedAt returns when a still-live worker was spawned, so the report
// path can compute how long its tool invocation actually ran.
func (s *Scheduler) SpawnedAt(workerID string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tw, ok := s.workers[workerID]
	if !ok {
		return time.Time{}, false
	}
	return tw.worker.SpawnedAt, true
}

// DriverFor returns the backend driver handling a still-live worker, so the
// report path can reach driver-specific bookkeeping (baremetal.Driver's
// Complete, external.Driver's Heartbeat) that polling alone never triggers
// for those two backends.
func (s *Scheduler) DriverFor(workerID string) (cloudprovider.Driver, bool) {
	s.mu.Lock()
	tw, ok := s.workers[workerID]
	s.mu.Unlock()
	if !ok {
		return nil, false
	}
	d, ok := s.drivers[tw.backend]
	return d, ok
}

// fitAndAssign is the Fit/Assign step for one candidate tuple: it pulls
// pending work from the store and tries each backend in order until one
// admits the worker, clamped by spawn_limit and the global CPU/memory
// budgets.
func (s *Scheduler) fitAndAssign(ctx context.Context, c ledger.Candidate) error {
	items := s.store.PendingWork(c.Key, maxInt(1, c.Entry.Deadlines-c.Entry.Running))
	var errs error
	for _, item := range items {
		if err := s.assignOne(ctx, c.Key, item); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func (s *Scheduler) assignOne(ctx context.Context, key ledger.Key, item WorkItem) error {
	if s.bans.IsBanned(item.Image.ID()) {
		return nil // Banned: stage stays Created, not an error against the reaction
	}
	if item.Image.SpawnLimit.Global > 0 && s.globalSpawnCount(item.Image.ID()) >= item.Image.SpawnLimit.Global {
		return nil
	}
	if item.Image.SpawnLimit.PerTick > 0 && s.perTickSpawnCount(item.Image.ID()) >= item.Image.SpawnLimit.PerTick {
		return nil
	}
	if !s.withinGlobalBudget(item.Image.Resources) {
		return nil
	}

	backend, workerID, err := s.trySpawn(ctx, item)
	if err != nil || workerID == "" {
		return err
	}

	granted, _ := s.ledger.RequestSlot(key, 0, 0, 0)
	if !granted {
		_ = s.drivers[backend].Kill(ctx, workerID, "ledger quota exceeded after spawn")
		if s.metrics != nil {
			s.metrics.WorkersKilled.WithLabelValues(backend, "quota_exceeded").Inc()
		}
		return nil
	}
	if s.metrics != nil {
		s.metrics.WorkersSpawned.WithLabelValues(backend).Inc()
	}
	log.FromContext(ctx).V(1).Info("spawned worker", "backend", backend, "worker", workerID, "reaction", item.Reaction.ID, "image", item.Image.ID())
	if err := reaction.Claim(item.Reaction, item.Image.ID()); err != nil {
		return err
	}
	if err := s.store.Save(item.Reaction); err != nil {
		return err
	}

	now := s.clk.Now()
	w := api.Worker{
		ID:                workerID,
		Backend:           backend,
		ReactionID:        item.Reaction.ID,
		StageIdx:          item.StageIdx,
		Image:             item.Image.ID(),
		Reserved:          item.Image.Resources,
		SpawnedAt:         now,
		HeartbeatDeadline: now.Add(s.cfg.HeartbeatTimeout),
	}
	s.mu.Lock()
	s.workers[workerID] = &trackedWorker{worker: w, backend: backend, ledgerKey: key, heartbeatBy: w.HeartbeatDeadline}
	s.spentCPU += w.Reserved.EffectiveCPU()
	s.spentMemory += w.Reserved.EffectiveMemory()
	s.perTickSpawn[item.Image.ID()]++
	s.mu.Unlock()
	return nil
}

func (s *Scheduler) globalSpawnCount(imageID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, tw := range s.workers {
		if tw.worker.Image == imageID {
			n++
		}
	}
	return n
}

// perTickSpawnCount reports how many workers for imageID this Tick has
// already spawned, reset at the start of every Tick.
func (s *Scheduler) perTickSpawnCount(imageID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.perTickSpawn[imageID]
}

func (s *Scheduler) withinGlobalBudget(want resources.Resources) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg.GlobalCPUBudget > 0 && s.spentCPU+want.EffectiveCPU() > s.cfg.GlobalCPUBudget {
		return false
	}
	if s.cfg.GlobalMemoryBudget > 0 && s.spentMemory+want.EffectiveMemory() > s.cfg.GlobalMemoryBudget {
		return false
	}
	return true
}

// trySpawn tries backends in preference order: the image's declared backend
// first, then BackendOrder, skipping any whose fit check fails or whose free
// budget is exhausted.
func (s *Scheduler) trySpawn(ctx context.Context, item WorkItem) (backend string, workerID string, err error) {
	order := BackendOrder
	if item.Image.Backend != "" {
		order = append([]string{item.Image.Backend}, lo.Without(BackendOrder, item.Image.Backend)...)
	}

	var errs error
	for _, name := range order {
		driver := s.drivers[name]
		if driver == nil {
			continue
		}
		snap, err := driver.Snapshot(ctx)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if !anyNodeFits(snap, item.Image.Resources) {
			continue
		}
		spec := cloudprovider.WorkerSpec{Reaction: *item.Reaction, StageIdx: item.StageIdx, Image: item.Image, ClaimToken: fmt.Sprintf("%s:%d:%s", item.Reaction.ID, item.StageIdx, item.Image.ID())}
		id, err := driver.Spawn(ctx, spec)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		return name, id, nil
	}
	return "", "", errs
}

func anyNodeFits(snap cloudprovider.Snapshot, want resources.Resources) bool {
	for _, n := range snap.Nodes {
		reserved := reservedOn(n)
		freeBase := n.Capacity.SubSaturating(reserved)
		freeBurst := n.BurstCapacity.SubSaturating(reserved)
		if resources.FitsBaseAndBurst(want, freeBase, freeBurst) {
			return true
		}
	}
	return false
}

func reservedOn(n cloudprovider.Node) resources.Resources {
	var sum resources.Resources
	for _, w := range n.Workers {
		sum = sum.Add(w.Reserved)
	}
	return sum
}

// Stats is the Publish step's output: the top-level and per-backend
// counters of the stats snapshot. The per-group/pipeline/stage/user
// breakdown is assembled separately from the live catalog by
// internal/stats, which embeds this alongside it.
type Stats struct {
	Deadlines int
	Running   int
	Users     int
	ByBackend map[string]BackendStats
}

type BackendStats struct {
	Deadlines int
	Running   int
}

func (s *Scheduler) publish() {
	all := s.ledger.All()
	stats := Stats{ByBackend: map[string]BackendStats{}}
	users := map[string]bool{}
	for k, e := range all {
		stats.Deadlines += e.Deadlines
		stats.Running += e.Running
		users[k.User] = true

		if e.Deadlines <= e.Running {
			continue
		}
		// Attribute outstanding deadlines to whichever backend each pending
		// image prefers, the same pull fitAndAssign uses; images with no
		// preferred backend aren't attributable until a driver claims them.
		for _, item := range s.store.PendingWork(k, maxInt(1, e.Deadlines-e.Running)) {
			if item.Image.Backend == "" {
				continue
			}
			bs := stats.ByBackend[item.Image.Backend]
			bs.Deadlines++
			stats.ByBackend[item.Image.Backend] = bs
		}
	}
	stats.Users = len(users)

	s.mu.Lock()
	for _, tw := range s.workers {
		bs := stats.ByBackend[tw.backend]
		bs.Running++
		stats.ByBackend[tw.backend] = bs
	}
	s.lastSnapshot = stats
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.LedgerDeadlines.Set(float64(stats.Deadlines))
		s.metrics.LedgerRunning.Set(float64(stats.Running))
		for backend, bs := range stats.ByBackend {
			s.metrics.WorkersRunning.WithLabelValues(backend).Set(float64(bs.Running))
		}
	}
}

// Stats returns the most recently published snapshot.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSnapshot
}

// LiveWorkers returns a defensive, deterministically ordered copy of every
// worker the scheduler currently tracks.
func (s *Scheduler) LiveWorkers() []api.Worker {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]api.Worker, 0, len(s.workers))
	for _, tw := range s.workers {
		out = append(out, tw.worker)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

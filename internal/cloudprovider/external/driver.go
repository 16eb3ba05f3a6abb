// Package external implements the "external" backend: a pure marker whose
// workers are managed outside Thorium and only reported through a heartbeat
// endpoint.
package external

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gabaker/thorium/internal/api"
	"github.com/gabaker/thorium/internal/cloudprovider"
	"github.com/gabaker/thorium/internal/resources"
)

// Driver tracks externally-managed workers purely by the heartbeats posted
// to Heartbeat; it never schedules or kills anything on its own.
type Driver struct {
	mu sync.Mutex

	// spawned dedups Spawn by api.SpawnKey -> workerID.
	spawned map[api.SpawnKey]string
	workers map[string]*trackedWorker
}

type trackedWorker struct {
	spec         cloudprovider.WorkerSpec
	lastHeartbeat time.Time
	finished     bool
	finishedOK   bool
	exitCode     int
}

func New() *Driver {
	return &Driver{
		spawned: make(map[api.SpawnKey]string),
		workers: make(map[string]*trackedWorker),
	}
}

func (d *Driver) Name() string { return "external" }

// Snapshot reports one unbounded node holding every live (unfinished) worker
// — external capacity is managed by whatever system reports heartbeats, not
// by Thorium.
func (d *Driver) Snapshot(ctx context.Context) (cloudprovider.Snapshot, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var live []api.Worker
	for id, w := range d.workers {
		if w.finished {
			continue
		}
		live = append(live, api.Worker{ID: id, Backend: d.Name(), Reserved: w.spec.Image.Resources})
	}
	return cloudprovider.Snapshot{Nodes: []cloudprovider.Node{{
		ID:            "external",
		Capacity:      resources.Resources{CPUMilli: 1 << 40, MemoryBytes: 1 << 60},
		BurstCapacity: resources.Resources{CPUMilli: 1 << 40, MemoryBytes: 1 << 60},
		Workers:       live,
	}}}, nil
}

// Spawn registers a worker id for bookkeeping; the actual process is
// launched by whatever external system owns this backend. Deduplicated by
// the spec's idempotency key.
func (d *Driver) Spawn(ctx context.Context, spec cloudprovider.WorkerSpec) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := spec.Key()
	if id, ok := d.spawned[key]; ok {
		return id, nil
	}
	id := uuid.NewString()
	d.spawned[key] = id
	d.workers[id] = &trackedWorker{spec: spec, lastHeartbeat: time.Now()}
	return id, nil
}

// Heartbeat records a liveness ping (or terminal report) from the externally
// managed worker. Called by the report endpoint (agent.ReportServer) on a
// terminal report, not by the scheduler.
func (d *Driver) Heartbeat(workerID string, finished bool, finishedOK bool, exitCode int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	w, ok := d.workers[workerID]
	if !ok {
		return
	}
	w.lastHeartbeat = time.Now()
	if finished {
		w.finished = true
		w.finishedOK = finishedOK
		w.exitCode = exitCode
	}
}

func (d *Driver) Observe(ctx context.Context, workerID string) (cloudprovider.Observation, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	w, ok := d.workers[workerID]
	if !ok {
		return cloudprovider.Observation{Status: cloudprovider.ObserveLost}, nil
	}
	if w.finished {
		return cloudprovider.Observation{Status: cloudprovider.ObserveFinished, FinishedOK: w.finishedOK, ExitCode: w.exitCode}, nil
	}
	if time.Since(w.lastHeartbeat) > 2*time.Minute {
		return cloudprovider.Observation{Status: cloudprovider.ObserveLost}, nil
	}
	return cloudprovider.Observation{Status: cloudprovider.ObserveRunning}, nil
}

// Kill is a no-op beyond marking the worker finished: Thorium does not own
// the external process's lifecycle. Repeated calls are idempotent.
func (d *Driver) Kill(ctx context.Context, workerID string, reason string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if w, ok := d.workers[workerID]; ok {
		w.finished = true
	}
	return nil
}

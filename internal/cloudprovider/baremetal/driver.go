// Package baremetal implements the "bare-metal" backend: a static registry
// of hosts with declared resources.
package baremetal

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/gabaker/thorium/internal/api"
	"github.com/gabaker/thorium/internal/cloudprovider"
	"github.com/gabaker/thorium/internal/resources"
)

// Host is one statically-registered bare-metal machine.
type Host struct {
	ID            string
	Capacity      resources.Resources
	BurstCapacity resources.Resources
}

// Driver places workers directly onto a fixed set of Hosts, tracking
// reservations in memory (no container runtime is modeled; the agent itself
// runs the tool process once placed).
type Driver struct {
	mu sync.Mutex

	hosts   map[string]Host
	spawned map[api.SpawnKey]string
	workers map[string]*placedWorker
}

type placedWorker struct {
	hostID   string
	spec     cloudprovider.WorkerSpec
	finished bool
	ok       bool
	exitCode int
	killed   bool
}

func New(hosts []Host) *Driver {
	byID := make(map[string]Host, len(hosts))
	for _, h := range hosts {
		byID[h.ID] = h
	}
	return &Driver{
		hosts:   byID,
		spawned: make(map[api.SpawnKey]string),
		workers: make(map[string]*placedWorker),
	}
}

func (d *Driver) Name() string { return "baremetal" }

func (d *Driver) Snapshot(ctx context.Context) (cloudprovider.Snapshot, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	byHost := make(map[string][]api.Worker, len(d.hosts))
	for id, w := range d.workers {
		if w.finished || w.killed {
			continue
		}
		byHost[w.hostID] = append(byHost[w.hostID], api.Worker{
			ID: id, Backend: d.Name(), Node: w.hostID, Reserved: w.spec.Image.Resources,
		})
	}

	nodes := make([]cloudprovider.Node, 0, len(d.hosts))
	for id, h := range d.hosts {
		nodes = append(nodes, cloudprovider.Node{
			ID: id, Capacity: h.Capacity, BurstCapacity: h.BurstCapacity, Workers: byHost[id],
		})
	}
	return cloudprovider.Snapshot{Nodes: nodes}, nil
}

func (d *Driver) reservedOn(hostID string) resources.Resources {
	var sum resources.Resources
	for _, w := range d.workers {
		if w.hostID == hostID && !w.finished && !w.killed {
			sum = sum.Add(w.spec.Image.Resources)
		}
	}
	return sum
}

// Spawn places spec on the first host whose free capacity fits the image's
// resources (base + burst), deduplicated by the spawn key.
func (d *Driver) Spawn(ctx context.Context, spec cloudprovider.WorkerSpec) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := spec.Key()
	if id, ok := d.spawned[key]; ok {
		return id, nil
	}

	hostIDs := make([]string, 0, len(d.hosts))
	for id := range d.hosts {
		hostIDs = append(hostIDs, id)
	}
	sort.Strings(hostIDs)

	for _, hostID := range hostIDs {
		h := d.hosts[hostID]
		reserved := d.reservedOn(hostID)
		freeBase := h.Capacity.SubSaturating(reserved)
		freeBurst := h.BurstCapacity.SubSaturating(reserved)
		if resources.FitsBaseAndBurst(spec.Image.Resources, freeBase, freeBurst) {
			id := uuid.NewString()
			d.spawned[key] = id
			d.workers[id] = &placedWorker{hostID: hostID, spec: spec}
			return id, nil
		}
	}
	return "", cloudprovider.ErrNoCapacity
}

func (d *Driver) Observe(ctx context.Context, workerID string) (cloudprovider.Observation, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	w, ok := d.workers[workerID]
	if !ok {
		return cloudprovider.Observation{Status: cloudprovider.ObserveLost}, nil
	}
	if w.finished {
		return cloudprovider.Observation{Status: cloudprovider.ObserveFinished, FinishedOK: w.ok, ExitCode: w.exitCode}, nil
	}
	return cloudprovider.Observation{Status: cloudprovider.ObserveRunning}, nil
}

// Complete is called by the agent's reporting path (agent.ReportServer, on a
// terminal report) to record a terminal result for a bare-metal worker.
func (d *Driver) Complete(workerID string, ok bool, exitCode int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if w, found := d.workers[workerID]; found {
		w.finished, w.ok, w.exitCode = true, ok, exitCode
	}
}

// Kill is idempotent: repeated calls on an already-killed worker are a
// no-op.
func (d *Driver) Kill(ctx context.Context, workerID string, reason string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if w, ok := d.workers[workerID]; ok {
		w.killed = true
	}
	return nil
}

// Package cloudprovider defines the uniform capability set every backend
// driver exposes: snapshot, spawn, observe, kill. Concrete drivers
// live in the k8s, baremetal, and external subpackages.
package cloudprovider

import (
	"context"
	"errors"

	"github.com/gabaker/thorium/internal/api"
	"github.com/gabaker/thorium/internal/resources"
)

// ErrNoCapacity is returned by Spawn when no node can host the worker.
var ErrNoCapacity = errors.New("no capacity available")

// Rejected wraps a driver-specific reason a spawn was refused for a cause
// other than lack of capacity (e.g. an invalid node affinity).
type Rejected struct {
	Reason string
}

func (r *Rejected) Error() string { return "spawn rejected: " + r.Reason }

// ObserveStatus is the lifecycle state of a worker as seen by its backend.
type ObserveStatus string

const (
	ObserveRunning  ObserveStatus = "running"
	ObserveFinished ObserveStatus = "finished"
	ObserveLost     ObserveStatus = "lost"
)

// Observation is the result of polling a worker's backend-reported state.
type Observation struct {
	Status       ObserveStatus
	ExitCode     int  // valid when Status == ObserveFinished
	FinishedOK   bool // valid when Status == ObserveFinished
}

// Node is one host/pod-capacity slot a backend can place workers on.
type Node struct {
	ID             string
	Capacity       resources.Resources
	BurstCapacity  resources.Resources
	Workers        []api.Worker
}

// Snapshot is a backend's current view of its nodes and their live workers.
type Snapshot struct {
	Nodes []Node
}

// WorkerSpec is everything a driver needs to place and launch one worker.
type WorkerSpec struct {
	Reaction   api.Reaction
	StageIdx   int
	Image      api.Image
	ClaimToken string
}

// Key returns the idempotency key drivers dedup Spawn calls on.
func (s WorkerSpec) Key() api.SpawnKey {
	return api.SpawnKey{ReactionID: s.Reaction.ID, StageIdx: s.StageIdx, Image: s.Image.ID()}
}

// Driver is the capability set every backend implements. Implementations
// must be idempotent: repeated Kill is a no-op, and Spawn is deduplicated by
// (reaction_id, stage_idx, image).
type Driver interface {
	Name() string
	Snapshot(ctx context.Context) (Snapshot, error)
	Spawn(ctx context.Context, spec WorkerSpec) (workerID string, err error)
	Observe(ctx context.Context, workerID string) (Observation, error)
	Kill(ctx context.Context, workerID string, reason string) error
}

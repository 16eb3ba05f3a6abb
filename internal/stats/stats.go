// Package stats assembles the scaler's full stats snapshot: the top-level
// ledger/backend counters scheduling.Scheduler already tracks, plus a
// per-group/pipeline/stage/user breakdown derived from the live catalog.
package stats

import (
	"encoding/json"
	"sort"
	"strconv"

	"github.com/gabaker/thorium/internal/api"
	"github.com/gabaker/thorium/internal/scheduling"
	"github.com/gabaker/thorium/internal/store"
)

// Counts is the leaf of the per-group/pipeline/stage/user breakdown: how
// many stage-images of that tuple currently sit in each lifecycle state.
type Counts struct {
	Created   int `json:"created"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Sleeping  int `json:"sleeping"`
	Total     int `json:"total"`
}

func (c *Counts) observe(status api.StageStatus) {
	switch status {
	case api.StageCreated:
		c.Created++
	case api.StageRunning:
		c.Running++
	case api.StageCompleted:
		c.Completed++
	case api.StageFailed:
		c.Failed++
	case api.StageSleeping:
		c.Sleeping++
	}
	c.Total++
}

// PipelineBreakdown holds one pipeline's per-stage, per-user counts.
type PipelineBreakdown struct {
	Stages map[string]map[string]Counts `json:"stages"`
}

// GroupBreakdown holds one group's pipelines.
type GroupBreakdown struct {
	Pipelines map[string]PipelineBreakdown `json:"pipelines"`
}

// BackendCounts mirrors scheduling.BackendStats for JSON purposes.
type BackendCounts struct {
	Deadlines int `json:"deadlines"`
	Running   int `json:"running"`
}

// Snapshot is the full stats endpoint body. It marshals with each backend
// name as a top-level key alongside deadlines/running/users/groups, per the
// wire shape the stats endpoint has always exposed.
type Snapshot struct {
	Deadlines int
	Running   int
	Users     int
	Backends  map[string]BackendCounts
	Groups    map[string]GroupBreakdown
}

func (s Snapshot) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, 4+len(s.Backends))
	out["deadlines"] = s.Deadlines
	out["running"] = s.Running
	out["users"] = s.Users
	out["groups"] = s.Groups
	for backend, counts := range s.Backends {
		out[backend] = counts
	}
	return json.Marshal(out)
}

// Build assembles a Snapshot from the scheduler's published counters and a
// fresh walk of every reaction the catalog currently tracks.
func Build(catalog *store.Catalog, sched *scheduling.Scheduler) Snapshot {
	sc := sched.Stats()
	snap := Snapshot{
		Deadlines: sc.Deadlines,
		Running:   sc.Running,
		Users:     sc.Users,
		Backends:  make(map[string]BackendCounts, len(sc.ByBackend)),
		Groups:    make(map[string]GroupBreakdown),
	}
	for backend, bs := range sc.ByBackend {
		snap.Backends[backend] = BackendCounts{Deadlines: bs.Deadlines, Running: bs.Running}
	}

	for _, r := range catalog.Reactions() {
		group := snap.Groups[r.Group]
		if group.Pipelines == nil {
			group.Pipelines = make(map[string]PipelineBreakdown)
		}
		pipeline := group.Pipelines[r.Pipeline]
		if pipeline.Stages == nil {
			pipeline.Stages = make(map[string]map[string]Counts)
		}

		stageIdxs := make([]int, 0, len(r.StageStatus))
		for idx := range r.StageStatus {
			stageIdxs = append(stageIdxs, idx)
		}
		sort.Ints(stageIdxs)

		for _, idx := range stageIdxs {
			key := strconv.Itoa(idx)
			byUser := pipeline.Stages[key]
			if byUser == nil {
				byUser = make(map[string]Counts)
			}
			c := byUser[r.User]
			for _, status := range r.StageStatus[idx] {
				c.observe(status)
			}
			byUser[r.User] = c
			pipeline.Stages[key] = byUser
		}

		group.Pipelines[r.Pipeline] = pipeline
		snap.Groups[r.Group] = group
	}
	return snap
}

package store

import (
	"sort"
	"sync"

	"github.com/gabaker/thorium/internal/api"
	"github.com/gabaker/thorium/internal/ledger"
	"github.com/gabaker/thorium/internal/scheduling"
)

// Catalog is the reference, in-memory implementation of
// scheduling.ReactionStore: it owns the image/pipeline registries and the
// live reaction set, and derives pending work on demand from reaction
// state. A production deployment would back this with KVStore +
// EventLog instead of the plain maps here.
type Catalog struct {
	mu sync.RWMutex

	images    map[string]api.Image
	pipelines map[string]api.Pipeline
	reactions map[string]*api.Reaction
}

func NewCatalog() *Catalog {
	return &Catalog{
		images:    make(map[string]api.Image),
		pipelines: make(map[string]api.Pipeline),
		reactions: make(map[string]*api.Reaction),
	}
}

// PutImage registers or replaces an image definition.
func (c *Catalog) PutImage(img api.Image) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.images[img.ID()] = img
}

// PutPipeline registers or replaces a pipeline definition.
func (c *Catalog) PutPipeline(p api.Pipeline) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pipelines[p.ID()] = p
}

// PipelinesContaining returns the ids of every pipeline whose order
// references imageID, for bans.Registry's propagation lookup.
func (c *Catalog) PipelinesContaining(imageID string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []string
	for id, p := range c.pipelines {
		if pipelineReferences(p, imageID) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Pipelines returns a defensive, id-sorted copy of every registered
// pipeline, for the event handler's trigger matching.
func (c *Catalog) Pipelines() []*api.Pipeline {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*api.Pipeline, 0, len(c.pipelines))
	for _, p := range c.pipelines {
		cp := p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

func pipelineReferences(p api.Pipeline, imageID string) bool {
	for _, stage := range p.Order {
		for _, img := range stage.Images {
			if img == imageID {
				return true
			}
		}
	}
	return false
}

// Put inserts or replaces a reaction, used by reaction.New's caller once a
// reaction is created.
func (c *Catalog) Put(r *api.Reaction) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reactions[r.ID] = r
}

func (c *Catalog) Get(reactionID string) (*api.Reaction, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.reactions[reactionID]
	return r, ok
}

func (c *Catalog) Save(r *api.Reaction) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reactions[r.ID] = r
	return nil
}

func (c *Catalog) Pipeline(id string) (*api.Pipeline, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.pipelines[id]
	if !ok {
		return nil, false
	}
	cp := p
	return &cp, true
}

func (c *Catalog) Image(id string) (*api.Image, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	img, ok := c.images[id]
	if !ok {
		return nil, false
	}
	cp := img
	return &cp, true
}

// Reactions returns a defensive, id-sorted copy of every live reaction, for
// SLA sweeps and stats.
func (c *Catalog) Reactions() []*api.Reaction {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*api.Reaction, 0, len(c.reactions))
	for _, r := range c.reactions {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// PendingWork implements scheduling.ReactionStore: it walks every Running
// reaction whose ledger key matches k, oldest-created first, and returns up
// to limit WorkItems naming one Created image of the reaction's current
// stage still needing a worker.
func (c *Catalog) PendingWork(k ledger.Key, limit int) []scheduling.WorkItem {
	c.mu.RLock()
	defer c.mu.RUnlock()

	candidates := make([]*api.Reaction, 0)
	for _, r := range c.reactions {
		if r.Status != api.ReactionRunning {
			continue
		}
		if r.Group != k.Group || r.Pipeline != k.Pipeline || r.StageIndex != k.Stage || r.User != k.User {
			continue
		}
		candidates = append(candidates, r)
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].CreatedAt.Before(candidates[j].CreatedAt) })

	p, ok := c.pipelines[k.Group+"/"+k.Pipeline]
	if !ok {
		return nil
	}

	var out []scheduling.WorkItem
	for _, r := range candidates {
		if len(out) >= limit {
			break
		}
		statuses := r.StageStatus[r.StageIndex]
		for _, imageID := range sortedKeys(statuses) {
			if statuses[imageID] != api.StageCreated {
				continue
			}
			img, ok := c.images[imageID]
			if !ok {
				continue
			}
			rr := r
			pp := p
			out = append(out, scheduling.WorkItem{Reaction: rr, Pipeline: &pp, StageIdx: r.StageIndex, Image: img})
			if len(out) >= limit {
				break
			}
		}
	}
	return out
}

func sortedKeys(m map[string]api.StageStatus) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

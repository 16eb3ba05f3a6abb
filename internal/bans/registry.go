// Package bans implements the ban registry: tracking image/pipeline bans
// and propagating an image ban to every pipeline that contains the image.
package bans

import (
	"sync"
	"time"

	"github.com/gabaker/thorium/internal/api"
)

// PipelineMembership answers which pipelines contain a given image id, so
// that an image ban can be propagated. The registry doesn't own the image
// registry itself; it is handed a lookup function.
type PipelineMembership func(imageID string) []string

// Registry stores bans by target id (image id or pipeline id) and
// synthesizes BannedImage entries on dependent pipelines.
type Registry struct {
	mu sync.RWMutex

	// direct bans placed by an operator, keyed by target id -> ban id -> Ban
	direct map[string]map[string]api.Ban

	// synthesized BannedImage bans on a pipeline, keyed by pipeline id ->
	// image id -> dependent count. The count supports multiple direct bans
	// on the same image each contributing propagation without double
	// removal.
	synthDependents map[string]map[string]int

	membership PipelineMembership
}

func New(membership PipelineMembership) *Registry {
	return &Registry{
		direct:          make(map[string]map[string]api.Ban),
		synthDependents: make(map[string]map[string]int),
		membership:      membership,
	}
}

// Place inserts a ban against targetID (an image id or a pipeline id). If
// targetID is an image, BannedImage entries are synthesized on every
// pipeline containing it.
func (r *Registry) Place(targetID string, ban api.Ban) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.direct[targetID] == nil {
		r.direct[targetID] = make(map[string]api.Ban)
	}
	r.direct[targetID][ban.ID] = ban

	if ban.Kind.BannedImage != nil {
		// A ban explicitly tagged BannedImage is itself a synthesized entry;
		// don't re-propagate it.
		return
	}
	for _, pipelineID := range r.membership(targetID) {
		if r.synthDependents[pipelineID] == nil {
			r.synthDependents[pipelineID] = make(map[string]int)
		}
		r.synthDependents[pipelineID][targetID]++
	}
}

// Lift removes a direct ban by id from targetID, decrementing and removing
// any synthesized dependents once their count reaches zero.
func (r *Registry) Lift(targetID, banID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ban, ok := r.direct[targetID][banID]
	if !ok {
		return
	}
	delete(r.direct[targetID], banID)
	if len(r.direct[targetID]) == 0 {
		delete(r.direct, targetID)
	}
	if ban.Kind.BannedImage != nil {
		return
	}
	for _, pipelineID := range r.membership(targetID) {
		deps := r.synthDependents[pipelineID]
		if deps == nil {
			continue
		}
		deps[targetID]--
		if deps[targetID] <= 0 {
			delete(deps, targetID)
		}
		if len(deps) == 0 {
			delete(r.synthDependents, pipelineID)
		}
	}
}

// IsBanned reports whether targetID (image or pipeline) is currently
// unschedulable: it has a direct ban, or — for a pipeline — a synthesized
// dependent.
func (r *Registry) IsBanned(targetID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.direct[targetID]) > 0 {
		return true
	}
	return len(r.synthDependents[targetID]) > 0
}

// ListBans returns every ban currently in effect against targetID, including
// synthesized BannedImage entries on a pipeline.
func (r *Registry) ListBans(targetID string) []api.Ban {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]api.Ban, 0, len(r.direct[targetID]))
	for _, b := range r.direct[targetID] {
		out = append(out, b)
	}
	for imageID := range r.synthDependents[targetID] {
		out = append(out, api.Ban{
			ID:   "synth:" + imageID,
			Time: time.Now(),
			Kind: api.BanKind{BannedImage: &api.BannedImageBan{Image: imageID}},
		})
	}
	return out
}


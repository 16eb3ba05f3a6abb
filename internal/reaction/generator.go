package reaction

import (
	"github.com/gabaker/thorium/internal/api"
	therrors "github.com/gabaker/thorium/internal/errors"
)

// BeginGenerator records that imageID (a generator image) of the current
// stage is spawning len(childIDs) sub-reactions, then puts that image to sleep
// with the all_children_terminal predicate.
func BeginGenerator(r *api.Reaction, imageID string, childIDs []string) error {
	if err := SleepImage(r, imageID, api.WakePredicate{AllChildrenTerminal: true}); err != nil {
		return err
	}
	r.Generator = &api.GeneratorState{
		ChildIDs:     append([]string{}, childIDs...),
		PendingCount: len(childIDs),
		Visited:      map[string]bool{r.Group + "/" + r.Pipeline: true},
	}
	r.Children = append(r.Children, childIDs...)
	return nil
}

// ChildVisitedSet returns the visited-set a child sub-reaction must carry,
// derived from the parent's own visited-set plus the parent's pipeline, so
// that a generator can never transitively spawn its own pipeline.
func ChildVisitedSet(r *api.Reaction) map[string]bool {
	out := map[string]bool{r.Group + "/" + r.Pipeline: true}
	if r.Generator != nil {
		for k := range r.Generator.Visited {
			out[k] = true
		}
	}
	return out
}

// ChildTerminal decrements the parent's pending counter on a child
// reaction's terminal state; when it reaches zero the generator's Sleeping
// image completes and — if it was the only Sleeping image left in the
// stage — the stage advances.
func ChildTerminal(pipeline *api.Pipeline, r *api.Reaction, imageID string) error {
	if r.Generator == nil {
		return therrors.New(therrors.CodeConfigInvalid, "reaction has no generator state")
	}
	if r.Generator.PendingCount > 0 {
		r.Generator.PendingCount--
	}
	if r.Generator.PendingCount > 0 {
		return nil
	}
	statuses := r.StageStatus[r.StageIndex]
	if statuses == nil || statuses[imageID] != api.StageSleeping {
		return therrors.New(therrors.CodeConfigInvalid, "image "+imageID+" is not Sleeping in the current stage")
	}
	statuses[imageID] = api.StageCompleted
	delete(r.SleepPredicates[r.StageIndex], imageID)
	return advanceIfStageComplete(pipeline, r)
}

// SleepingGeneratorImage returns the image id of the current stage's
// generator image, if one is Sleeping on an active GeneratorState. A stage
// has at most one such image at a time, since BeginGenerator is the only
// path that sets Generator.
func SleepingGeneratorImage(r *api.Reaction) string {
	if r.Generator == nil {
		return ""
	}
	for imageID, status := range r.StageStatus[r.StageIndex] {
		if status == api.StageSleeping && r.SleepPredicates[r.StageIndex][imageID].AllChildrenTerminal {
			return imageID
		}
	}
	return ""
}

// WouldCycle reports whether scheduling pipelineID as a child of parent
// would violate the generator acyclicity rule: a generator cannot
// transitively spawn its own pipeline.
func WouldCycle(parentVisited map[string]bool, pipelineID string) bool {
	return parentVisited[pipelineID]
}

package scheduling

import (
	"github.com/gabaker/thorium/internal/api"
	"github.com/gabaker/thorium/internal/ledger"
	"github.com/gabaker/thorium/internal/reaction"
)

// DeclarePending registers a ledger entry for every Created image of r's
// current stage. Callers invoke it once whenever a reaction enters a stage
// with images newly eligible for scheduling: at creation, at stage advance,
// and at generator completion -- anywhere that isn't already covered by the
// narrower re-queue Declare on a single retried image.
func DeclarePending(l *ledger.Ledger, r *api.Reaction) {
	key := ledger.Key{Group: r.Group, Pipeline: r.Pipeline, Stage: r.StageIndex, User: r.User}
	for _, status := range r.StageStatus[r.StageIndex] {
		if status == api.StageCreated {
			l.Declare(key, r.CreatedAt)
		}
	}
}

// PropagateChildTerminal walks child's ancestry, applying ChildTerminal to
// the nearest sleeping generator ancestor whenever a reaction reaches a
// terminal state, cascading through grandparents when that completion in
// turn finishes the parent's own stage. store.Save persists every reaction
// it touches; DeclarePending re-enters any newly Created images into the
// ledger.
func PropagateChildTerminal(store ReactionStore, l *ledger.Ledger, child *api.Reaction) {
	if child.Status == api.ReactionRunning || child.ParentReaction == "" {
		return
	}
	parent, ok := store.Get(child.ParentReaction)
	if !ok {
		return
	}
	pp, ok := store.Pipeline(parent.Group + "/" + parent.Pipeline)
	if !ok {
		return
	}
	imageID := reaction.SleepingGeneratorImage(parent)
	if imageID == "" {
		return
	}
	if err := reaction.ChildTerminal(pp, parent, imageID); err != nil {
		return
	}
	DeclarePending(l, parent)
	_ = store.Save(parent)
	PropagateChildTerminal(store, l, parent)
}

package scheduling

import (
	"github.com/gabaker/thorium/internal/api"
	"github.com/gabaker/thorium/internal/ledger"
)

// WorkItem is one (reaction, stage, image) tuple with a pending Created
// image needing a worker.
type WorkItem struct {
	Reaction *api.Reaction
	Pipeline *api.Pipeline
	StageIdx int
	Image    api.Image
}

// ReactionStore is the persistence-facing interface the Scheduler pulls
// pending work from and saves transitions back to. A concrete
// implementation (internal/store.Catalog) backs it with the abstract
// contracts; the Scheduler never depends on those directly.
type ReactionStore interface {
	Get(reactionID string) (*api.Reaction, bool)
	Save(r *api.Reaction) error
	Pipeline(id string) (*api.Pipeline, bool)
	Image(id string) (*api.Image, bool)

	// PendingWork returns up to limit WorkItems whose ledger key is k,
	// oldest reaction first, each naming one Created image of that
	// reaction's current stage still needing a worker.
	PendingWork(k ledger.Key, limit int) []WorkItem

	// Reactions returns every reaction currently tracked, for the SLA sweep.
	Reactions() []*api.Reaction
}

// BanChecker reports whether a group/pipeline pair is currently banned.
// Satisfied by internal/bans.Registry.
type BanChecker interface {
	IsBanned(targetID string) bool
}

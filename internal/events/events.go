// Package events implements the event handler: it consumes an
// ordered stream of sample/tag/repo mutations and creates new Reactions for
// every pipeline whose trigger matches, deduplicating idempotently by
// (event id, pipeline) the way the teacher's Batcher dedups Trigger() calls
// through a set (pkg/controllers/provisioning/batcher.go).
package events

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"k8s.io/utils/clock"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/gabaker/thorium/internal/api"
	"github.com/gabaker/thorium/internal/ledger"
	"github.com/gabaker/thorium/internal/reaction"
	"github.com/gabaker/thorium/internal/scheduling"
)

// Incoming is one externally observed sample/tag/repo mutation.
type Incoming struct {
	ID        string              `json:"id"` // source-assigned event id, used for the dedup key
	Kind      api.TriggerKind     `json:"kind"`
	Group     string              `json:"group"`
	SampleRef string              `json:"sample_ref"`
	User      string              `json:"user"`
	Tags      map[string][]string `json:"tags,omitempty"`
	Depth     int                 `json:"depth"` // generator/submission recursion depth
}

// EventSource yields the ordered event stream the handler consumes. A
// concrete source (message queue, webhook relay, poller) is a collaborator
// concern; this package only defines the contract it pulls from.
type EventSource interface {
	Events(ctx context.Context) (<-chan Incoming, error)
}

// PipelineLister returns every registered pipeline, so triggers can be
// matched without the handler owning the pipeline registry itself --
// mirrors internal/bans.PipelineMembership's injected-lookup shape.
type PipelineLister func() []*api.Pipeline

// ReactionCreator is the subset of scheduling.ReactionStore the handler
// needs to persist newly created reactions.
type ReactionCreator interface {
	Save(r *api.Reaction) error
}

// MaxTriggerDepth bounds how many generator/trigger hops a single
// submission may cause, preventing recursive explosion.
const MaxTriggerDepth = 8

// dedupWindow is how many (event id, pipeline) pairs the handler remembers;
// sized generously above any plausible in-flight event burst.
const dedupWindow = 100_000

// Handler matches incoming events against pipeline triggers and creates
// Reactions for every match, deduplicating by (event id, pipeline).
type Handler struct {
	clk       clock.Clock
	pipelines PipelineLister
	store     ReactionCreator
	ledger    *ledger.Ledger
	seen      *lru.Cache[string, struct{}]
}

func NewHandler(clk clock.Clock, pipelines PipelineLister, store ReactionCreator, l *ledger.Ledger) (*Handler, error) {
	seen, err := lru.New[string, struct{}](dedupWindow)
	if err != nil {
		return nil, fmt.Errorf("allocating dedup cache: %w", err)
	}
	return &Handler{clk: clk, pipelines: pipelines, store: store, ledger: l, seen: seen}, nil
}

// Run drains source until ctx is cancelled, handling each event in turn.
func (h *Handler) Run(ctx context.Context, source EventSource) error {
	stream, err := source.Events(ctx)
	if err != nil {
		return fmt.Errorf("opening event stream: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-stream:
			if !ok {
				return nil
			}
			if err := h.Handle(ctx, ev); err != nil {
				log.FromContext(ctx).Error(err, "handling event", "event", ev.ID)
			}
		}
	}
}

// Handle matches ev against every pipeline's declared triggers and creates
// one Reaction per match, skipping (event id, pipeline) pairs already seen
// and events past the trigger depth bound.
func (h *Handler) Handle(ctx context.Context, ev Incoming) error {
	if ev.Depth > MaxTriggerDepth {
		return fmt.Errorf("event %s exceeds trigger depth bound (%d)", ev.ID, ev.Depth)
	}
	logger := log.FromContext(ctx).WithValues("event", ev.ID, "kind", ev.Kind)
	var created int
	for _, p := range h.pipelines() {
		if p.Group != ev.Group {
			continue
		}
		if !anyTriggerMatches(p.Triggers, ev) {
			continue
		}
		dedupKey := ev.ID + "|" + p.ID()
		if _, ok := h.seen.Get(dedupKey); ok {
			continue
		}
		h.seen.Add(dedupKey, struct{}{})

		r, err := reaction.New(h.clk, p.Group, p.Name, ev.User, ev.SampleRef, p, "", nil)
		if err != nil {
			return fmt.Errorf("creating reaction for pipeline %s: %w", p.ID(), err)
		}
		if err := h.store.Save(r); err != nil {
			return fmt.Errorf("saving reaction %s: %w", r.ID, err)
		}
		if h.ledger != nil {
			scheduling.DeclarePending(h.ledger, r)
		}
		created++
		logger.V(1).Info("triggered reaction", "pipeline", p.ID(), "reaction", r.ID)
	}
	if created == 0 {
		logger.V(1).Info("event matched no trigger")
	}
	return nil
}

// anyTriggerMatches reports whether ev satisfies at least one of triggers.
func anyTriggerMatches(triggers []api.Trigger, ev Incoming) bool {
	for _, t := range triggers {
		if t.Kind == ev.Kind && matchesTags(t, ev.Tags) {
			return true
		}
	}
	return false
}

// matchesTags reports whether ev's tags satisfy t's required/forbidden
// maps: every required key must have at least one matching value; no
// forbidden key may have any matching value.
func matchesTags(t api.Trigger, tags map[string][]string) bool {
	for key, allowed := range t.Required {
		if !anyValueIn(tags[key], allowed) {
			return false
		}
	}
	for key, forbidden := range t.Not {
		if anyValueIn(tags[key], forbidden) {
			return false
		}
	}
	return true
}

func anyValueIn(values, set []string) bool {
	for _, v := range values {
		for _, s := range set {
			if v == s {
				return true
			}
		}
	}
	return false
}

package agent

import (
	"context"
	"fmt"

	"github.com/gabaker/thorium/internal/api"
	therrors "github.com/gabaker/thorium/internal/errors"
	"github.com/gabaker/thorium/internal/ledger"
	"github.com/gabaker/thorium/internal/reaction"
	"github.com/gabaker/thorium/internal/scheduling"
)

// StoreReportSink is the reference Reporter: it applies a worker's outcome
// directly to the shared reaction store and ledger. The scaler applies the
// reports ReportServer receives over HTTP through it; an agent in its own
// process reports through HTTPReportSink instead.
type StoreReportSink struct {
	store  scheduling.ReactionStore
	ledger *ledger.Ledger
	key    func(r *api.Reaction) ledger.Key

	defaultMaxRetries int
}

func NewStoreReportSink(store scheduling.ReactionStore, l *ledger.Ledger, defaultMaxRetries int) *StoreReportSink {
	return &StoreReportSink{
		store:  store,
		ledger: l,
		key: func(r *api.Reaction) ledger.Key {
			return ledger.Key{Group: r.Group, Pipeline: r.Pipeline, Stage: r.StageIndex, User: r.User}
		},
		defaultMaxRetries: defaultMaxRetries,
	}
}

// jobID encodes "reactionID:imageID:workerID" so the sink can recover all
// three without a separate lookup table; the executor is handed this as
// JobID, and workerID lets the report path tell the scheduler which tracked
// worker it just finalized (see DecodeJobID, Scheduler.MarkReported).
func EncodeJobID(reactionID, imageID, workerID string) string {
	return reactionID + ":" + imageID + ":" + workerID
}

// DecodeJobID splits a job id produced by EncodeJobID back into its parts.
func DecodeJobID(jobID string) (reactionID, imageID, workerID string, err error) {
	parts := make([]int, 0, 2)
	for i, c := range jobID {
		if c == ':' {
			parts = append(parts, i)
		}
	}
	if len(parts) != 2 {
		return "", "", "", fmt.Errorf("job id %q is not reactionID:imageID:workerID", jobID)
	}
	return jobID[:parts[0]], jobID[parts[0]+1 : parts[1]], jobID[parts[1]+1:], nil
}

func (s *StoreReportSink) lookup(jobID string) (*api.Reaction, *api.Pipeline, string, error) {
	reactionID, imageID, _, err := DecodeJobID(jobID)
	if err != nil {
		return nil, nil, "", err
	}
	r, ok := s.store.Get(reactionID)
	if !ok {
		return nil, nil, "", fmt.Errorf("reaction %s not found", reactionID)
	}
	p, ok := s.store.Pipeline(r.Group + "/" + r.Pipeline)
	if !ok {
		return nil, nil, "", fmt.Errorf("pipeline %s/%s not found", r.Group, r.Pipeline)
	}
	return r, p, imageID, nil
}

func (s *StoreReportSink) ReportComplete(ctx context.Context, jobID string, res Result) error {
	r, p, imageID, err := s.lookup(jobID)
	if err != nil {
		return err
	}
	s.ledger.Complete(s.key(r), true)
	if err := reaction.CompleteImage(p, r, imageID); err != nil {
		return err
	}
	mergeTags(r, res.Tags)
	for _, c := range res.Children {
		r.Children = append(r.Children, c.Hash)
	}
	scheduling.DeclarePending(s.ledger, r)
	if err := s.store.Save(r); err != nil {
		return err
	}
	scheduling.PropagateChildTerminal(s.store, s.ledger, r)
	return nil
}

func (s *StoreReportSink) ReportFailure(ctx context.Context, jobID string, code therrors.Code, msg string, exitCode int) error {
	r, p, imageID, err := s.lookup(jobID)
	if err != nil {
		return err
	}
	s.ledger.Complete(s.key(r), false)
	if err := reaction.FailImage(p, r, imageID, code, msg, s.defaultMaxRetries); err != nil {
		return err
	}
	if r.StageStatus[r.StageIndex][imageID] == api.StageCreated {
		s.ledger.Declare(s.key(r), r.CreatedAt) // re-queued: oldestCreated tracking stays anchored to the reaction, not this retry
	}
	if err := s.store.Save(r); err != nil {
		return err
	}
	scheduling.PropagateChildTerminal(s.store, s.ledger, r)
	return nil
}

func (s *StoreReportSink) ReportSleep(ctx context.Context, jobID string, predicate api.WakePredicate) error {
	r, _, imageID, err := s.lookup(jobID)
	if err != nil {
		return err
	}
	s.ledger.Sleep(s.key(r))
	if err := reaction.SleepImage(r, imageID, predicate); err != nil {
		return err
	}
	return s.store.Save(r)
}

func mergeTags(r *api.Reaction, tags map[string][]string) {
	if len(tags) == 0 {
		return
	}
	if r.Tags == nil {
		r.Tags = make(map[string][]string, len(tags))
	}
	for k, values := range tags {
		r.Tags[k] = append(r.Tags[k], values...)
	}
}

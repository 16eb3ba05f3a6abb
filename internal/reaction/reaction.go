// Package reaction implements the per-job lifecycle: stage progression
// through a pipeline's ordered stages, retries, SLA enforcement, and
// generator sub-reaction expansion.
package reaction

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"github.com/gabaker/thorium/internal/api"
	therrors "github.com/gabaker/thorium/internal/errors"
)

// DefaultMaxRetries is the retry budget for WorkerLost.
const DefaultMaxRetries = 3

// New creates a reaction in its initial state: stage 0 Created for every
// image in the pipeline's first stage.
func New(clk clock.Clock, group, pipelineName, user, sampleRef string, pipeline *api.Pipeline, parentReactionID string, visited map[string]bool) (*api.Reaction, error) {
	if len(pipeline.Order) == 0 {
		return nil, therrors.New(therrors.CodeConfigInvalid, "pipeline has an empty order")
	}
	for i, stage := range pipeline.Order {
		if len(stage.Images) == 0 {
			return nil, therrors.New(therrors.CodeConfigInvalid, fmt.Sprintf("pipeline stage %d is empty", i))
		}
	}
	if visited == nil {
		visited = map[string]bool{}
	}
	pipelineID := group + "/" + pipelineName
	if visited[pipelineID] {
		return nil, therrors.New(therrors.CodeConfigInvalid, "generator cycle: pipeline "+pipelineID+" already in ancestry")
	}

	now := clk.Now()
	r := &api.Reaction{
		ID:             uuid.NewString(),
		Group:          group,
		Pipeline:       pipelineName,
		User:           user,
		SampleRef:      sampleRef,
		CreatedAt:      now,
		Deadline:       now.Add(pipeline.SLA),
		ParentReaction: parentReactionID,
		StageStatus:    map[int]map[string]api.StageStatus{},
		RetryCount:     map[int]int{},
		Status:         api.ReactionRunning,
	}
	r.StageStatus[0] = initialStageStatus(pipeline.Order[0])
	return r, nil
}

func initialStageStatus(stage api.Stage) map[string]api.StageStatus {
	m := make(map[string]api.StageStatus, len(stage.Images))
	for _, img := range stage.Images {
		m[img] = api.StageCreated
	}
	return m
}

// currentStage returns the Stage definition for r's current stage index.
func currentStage(pipeline *api.Pipeline, r *api.Reaction) (api.Stage, bool) {
	if r.StageIndex < 0 || r.StageIndex >= len(pipeline.Order) {
		return api.Stage{}, false
	}
	return pipeline.Order[r.StageIndex], true
}

// Claim transitions one image of the current stage from Created to Running
// (claim token installed by the backend driver).
func Claim(r *api.Reaction, imageID string) error {
	statuses := r.StageStatus[r.StageIndex]
	if statuses == nil || statuses[imageID] != api.StageCreated {
		return therrors.New(therrors.CodeConfigInvalid, "image "+imageID+" is not Created in the current stage")
	}
	statuses[imageID] = api.StageRunning
	return nil
}

// CompleteImage transitions one image of the current stage to Completed on
// agent success, then advances the reaction if every image in the stage is
// now Completed.
func CompleteImage(pipeline *api.Pipeline, r *api.Reaction, imageID string) error {
	statuses := r.StageStatus[r.StageIndex]
	if statuses == nil || statuses[imageID] != api.StageRunning {
		return therrors.New(therrors.CodeConfigInvalid, "image "+imageID+" is not Running in the current stage")
	}
	statuses[imageID] = api.StageCompleted
	return advanceIfStageComplete(pipeline, r)
}

// stageAllCompleted reports whether every image of the reaction's current
// stage is Completed.
func stageAllCompleted(statuses map[string]api.StageStatus) bool {
	for _, s := range statuses {
		if s != api.StageCompleted {
			return false
		}
	}
	return true
}

// stageAnyPermanentlyFailed reports whether any image of the stage has
// reached a terminal Failed state.
func stageAnyPermanentlyFailed(statuses map[string]api.StageStatus) bool {
	for _, s := range statuses {
		if s == api.StageFailed {
			return true
		}
	}
	return false
}

func advanceIfStageComplete(pipeline *api.Pipeline, r *api.Reaction) error {
	statuses := r.StageStatus[r.StageIndex]
	if !stageAllCompleted(statuses) {
		return nil
	}
	next := r.StageIndex + 1
	if next >= len(pipeline.Order) {
		r.Status = api.ReactionCompleted
		return nil
	}
	r.StageIndex = next
	r.StageStatus[next] = initialStageStatus(pipeline.Order[next])
	return nil
}

// FailImage transitions one image of the current stage to Failed on agent
// error or heartbeat loss. If retries remain and the failure is non-fatal,
// the image is re-queued to Created instead of staying Failed; otherwise the
// stage — and the reaction — terminally fails.
func FailImage(pipeline *api.Pipeline, r *api.Reaction, imageID string, code therrors.Code, msg string, maxRetries int) error {
	statuses := r.StageStatus[r.StageIndex]
	if statuses == nil {
		return therrors.New(therrors.CodeConfigInvalid, "image "+imageID+" has no status in the current stage")
	}
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}

	if code.Retryable() {
		used := r.RetryCount[r.StageIndex]
		if used < maxRetries {
			r.RetryCount[r.StageIndex] = used + 1
			statuses[imageID] = api.StageCreated
			return nil
		}
	}

	statuses[imageID] = api.StageFailed
	r.Status = api.ReactionFailed
	r.FailureCode = string(code)
	r.FailureMsg = msg
	return nil
}

// SleepImage transitions one image of the current stage to Sleeping with a
// wake predicate; the stage is returned to the ledger as blocked until the
// predicate fires or its deadline expires.
func SleepImage(r *api.Reaction, imageID string, predicate api.WakePredicate) error {
	statuses := r.StageStatus[r.StageIndex]
	if statuses == nil || statuses[imageID] != api.StageRunning {
		return therrors.New(therrors.CodeConfigInvalid, "image "+imageID+" is not Running in the current stage")
	}
	statuses[imageID] = api.StageSleeping
	if r.SleepPredicates == nil {
		r.SleepPredicates = map[int]map[string]api.WakePredicate{}
	}
	if r.SleepPredicates[r.StageIndex] == nil {
		r.SleepPredicates[r.StageIndex] = map[string]api.WakePredicate{}
	}
	r.SleepPredicates[r.StageIndex][imageID] = predicate
	return nil
}

// WakeImage transitions a Sleeping image back to Created once its predicate
// has fired. An image whose wake deadline expired goes through ExpireSleep
// instead.
func WakeImage(r *api.Reaction, imageID string) error {
	statuses := r.StageStatus[r.StageIndex]
	if statuses == nil || statuses[imageID] != api.StageSleeping {
		return therrors.New(therrors.CodeConfigInvalid, "image "+imageID+" is not Sleeping in the current stage")
	}
	statuses[imageID] = api.StageCreated
	delete(r.SleepPredicates[r.StageIndex], imageID)
	return nil
}

// ExpireSleep fails a sleeping image whose wake deadline passed without the
// predicate firing (SleepTimeout, terminal).
func ExpireSleep(r *api.Reaction, imageID string) error {
	statuses := r.StageStatus[r.StageIndex]
	if statuses == nil || statuses[imageID] != api.StageSleeping {
		return therrors.New(therrors.CodeConfigInvalid, "image "+imageID+" is not Sleeping in the current stage")
	}
	statuses[imageID] = api.StageFailed
	delete(r.SleepPredicates[r.StageIndex], imageID)
	r.Status = api.ReactionFailed
	r.FailureCode = string(therrors.CodeSleepTimeout)
	r.FailureMsg = "sleeping stage wake deadline expired"
	return nil
}

// SleptImages returns every imageID Sleeping in r's current stage alongside
// the predicate it is waiting on.
func SleptImages(r *api.Reaction) map[string]api.WakePredicate {
	out := map[string]api.WakePredicate{}
	for imageID, status := range r.StageStatus[r.StageIndex] {
		if status != api.StageSleeping {
			continue
		}
		out[imageID] = r.SleepPredicates[r.StageIndex][imageID]
	}
	return out
}

// CheckSLA fails the reaction's current stage with SlaExpired if now is past
// its deadline and it is not already terminal.
func CheckSLA(r *api.Reaction, now time.Time) bool {
	if r.Status != api.ReactionRunning {
		return false
	}
	if !now.After(r.Deadline) {
		return false
	}
	for img, s := range r.StageStatus[r.StageIndex] {
		if s != api.StageCompleted && s != api.StageFailed {
			r.StageStatus[r.StageIndex][img] = api.StageFailed
		}
	}
	r.Status = api.ReactionFailed
	r.FailureCode = string(therrors.CodeSlaExpired)
	r.FailureMsg = "reaction exceeded its SLA deadline"
	return true
}

// MarkDangling flags r as dangling: its referenced parent artifact was
// deleted, but it still runs and its outputs must carry the flag downstream.
func MarkDangling(r *api.Reaction) {
	r.Dangling = true
}

// StageStatusSummary reports whether the current stage is complete, failed,
// or still in flight, for the scheduler's candidate gathering.
func StageStatusSummary(r *api.Reaction) (allCompleted, anyFailed bool) {
	statuses := r.StageStatus[r.StageIndex]
	return stageAllCompleted(statuses), stageAnyPermanentlyFailed(statuses)
}

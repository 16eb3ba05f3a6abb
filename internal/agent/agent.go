// Package agent implements the single-shot, in-pod tool executor:
// stage inputs under the fixed working tree, build argv per the image's
// declared discipline, run the tool under a deadline, collect tags/
// results/children, and report a terminal outcome.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"k8s.io/utils/clock"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/gabaker/thorium/internal/api"
	therrors "github.com/gabaker/thorium/internal/errors"
	"github.com/gabaker/thorium/internal/resources"
	"github.com/gabaker/thorium/internal/store"
)

// ChildRef is one carved or unpacked child registered under a new sample.
type ChildRef struct {
	OriginKind string `json:"origin_kind"` // "carved" or "unpacked"
	Hash       string `json:"hash"`
}

// Result is everything the agent collected from a finished tool run.
type Result struct {
	ExitCode    int                 `json:"exit_code"`
	FinishedOK  bool                `json:"finished_ok"`
	Tags        map[string][]string `json:"tags,omitempty"`
	ResultsHash string              `json:"results_hash,omitempty"`
	ResultFiles []string            `json:"result_files,omitempty"` // relative paths under result-files/
	Children    []ChildRef          `json:"children,omitempty"`
}

// Reporter posts a worker's terminal outcome back to the platform. Its
// concrete implementation is a collaborator concern; here it is
// satisfied by writing into the abstract persistence contracts.
type Reporter interface {
	ReportComplete(ctx context.Context, jobID string, res Result) error
	ReportFailure(ctx context.Context, jobID string, code therrors.Code, msg string, exitCode int) error
	ReportSleep(ctx context.Context, jobID string, predicate api.WakePredicate) error
}

// Spec is everything the executor needs for one tool invocation.
type Spec struct {
	JobID         string
	Image         api.Image
	InputPath     string // a file already staged outside the working tree
	RemainingSLA  time.Duration
	WorkingRoot   string // parent dir the per-job tree is created under, e.g. /tmp/thorium
}

// Executor runs one tool invocation to completion and reports its outcome.
type Executor struct {
	clk      clock.Clock
	objects  store.ObjectStore
	reporter Reporter
}

func NewExecutor(clk clock.Clock, objects store.ObjectStore, reporter Reporter) *Executor {
	return &Executor{clk: clk, objects: objects, reporter: reporter}
}

// Run executes spec's tool to completion (or until ctx is cancelled), then
// reports the outcome. It always sends a final status, even on abort
// step 6): a context cancellation runs the image's cleanup script first.
func (e *Executor) Run(ctx context.Context, spec Spec) error {
	logger := log.FromContext(ctx).WithValues("job", spec.JobID, "image", spec.Image.ID())

	wt, err := NewWorkingTree(filepath.Join(spec.WorkingRoot, spec.JobID))
	if err != nil {
		return e.reporter.ReportFailure(ctx, spec.JobID, therrors.CodeBadOutput, fmt.Sprintf("staging working tree: %v", err), -1)
	}
	defer func() {
		if rmErr := wt.RemoveAll(); rmErr != nil {
			logger.Error(rmErr, "cleaning up working tree")
		}
	}()

	deadline := spec.RemainingSLA
	if spec.Image.TimeoutSeconds > 0 {
		if imgTimeout := time.Duration(spec.Image.TimeoutSeconds) * time.Second; deadline == 0 || imgTimeout < deadline {
			deadline = imgTimeout
		}
	}
	runCtx := ctx
	var cancel context.CancelFunc
	if deadline > 0 {
		runCtx, cancel = context.WithTimeout(ctx, deadline)
		defer cancel()
	}

	argv := BuildArgv(spec.Image.ContainerRef, spec.Image.Args, wellKnown{
		jobID:          spec.JobID,
		inputPath:      spec.InputPath,
		resultsPath:    wt.ResultsPath(),
		resultFilesDir: wt.ResultFilesDir(),
	})

	exitCode, resourceExceeded, runErr := e.exec(runCtx, wt, argv, spec.Image.Resources)

	switch {
	case ctx.Err() != nil:
		// Cancelled by the caller (reaction-level cancel broadcast), not by
		// the run's own deadline: invoke cleanup before the final report.
		e.cleanup(ctx, spec, wt)
		return e.reporter.ReportFailure(ctx, spec.JobID, therrors.CodeWorkerLost, "run cancelled", exitCode)
	case runCtx.Err() == context.DeadlineExceeded:
		return e.reporter.ReportFailure(ctx, spec.JobID, therrors.CodeToolFailure, "exceeded wall-clock budget", exitCode)
	case runErr != nil:
		return e.reporter.ReportFailure(ctx, spec.JobID, therrors.CodeToolFailure, runErr.Error(), -1)
	case resourceExceeded:
		return e.reporter.ReportFailure(ctx, spec.JobID, therrors.CodeToolFailure, "exceeded declared cpu/memory budget", exitCode)
	case exitCode != 0:
		return e.reporter.ReportFailure(ctx, spec.JobID, therrors.CodeToolFailure, fmt.Sprintf("tool exited %d", exitCode), exitCode)
	}

	result, predicate, sleeping, err := e.collect(ctx, wt)
	if err != nil {
		return e.reporter.ReportFailure(ctx, spec.JobID, therrors.CodeBadOutput, err.Error(), exitCode)
	}
	result.ExitCode = exitCode
	result.FinishedOK = true

	if sleeping {
		return e.reporter.ReportSleep(ctx, spec.JobID, predicate)
	}
	return e.reporter.ReportComplete(ctx, spec.JobID, result)
}

// exec launches argv, draining stdout/stderr into the job's log file on a
// dedicated goroutine while the caller waits on the process. The tool runs
// under its image's declared cpu/memory budget: a cgroup v2 leaf enforces
// it live on Linux, otherwise the budget is only accounted for once the
// process exits (resourcelimit.go, resourcelimit_linux.go,
// resourcelimit_other.go).
func (e *Executor) exec(ctx context.Context, wt WorkingTree, argv []string, budget resources.Resources) (exitCode int, resourceExceeded bool, err error) {
	logFile, err := os.Create(wt.LogsPath())
	if err != nil {
		return -1, false, fmt.Errorf("opening log file: %w", err)
	}
	defer logFile.Close()

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = wt.InputsDir()
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	guard := newGuard(filepath.Base(wt.Root), budget)
	defer guard.release()

	start := e.clk.Now()
	if startErr := cmd.Start(); startErr != nil {
		return -1, false, fmt.Errorf("starting tool: %w", startErr)
	}
	if attachErr := guard.attach(cmd.Process.Pid); attachErr != nil {
		log.FromContext(ctx).Error(attachErr, "attaching resource guard, run continues unenforced")
	}
	waitErr := cmd.Wait()
	exceeded := guard.exceeded(cmd.ProcessState, e.clk.Since(start))

	if waitErr == nil {
		return 0, exceeded, nil
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return exitErr.ExitCode(), exceeded, nil
	}
	return -1, exceeded, waitErr
}

// cleanup runs the image's cleanup script (if declared) after a cancelled
// run, per its own argument discipline.
func (e *Executor) cleanup(ctx context.Context, spec Spec, wt WorkingTree) {
	if spec.Image.Cleanup == nil || spec.Image.Cleanup.Script == "" {
		return
	}
	argv := BuildCleanupArgv(*spec.Image.Cleanup, spec.JobID, wt.ResultsPath(), wt.ResultFilesDir())
	cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	cmd := exec.CommandContext(cleanupCtx, argv[0], argv[1:]...)
	if out, err := cmd.CombinedOutput(); err != nil {
		log.FromContext(ctx).Error(err, "cleanup script failed", "output", string(out))
	}
}

// collect parses tags, hashes the results blob and every child into the
// object store, lists the result-files by relative path, and reports
// whether the tool instead requested to sleep (a "thorium.sleep" tag key
// with a wake predicate).
func (e *Executor) collect(ctx context.Context, wt WorkingTree) (Result, api.WakePredicate, bool, error) {
	var res Result

	tags, sleeping, predicate, err := parseTags(wt.TagsPath())
	if err != nil {
		return res, api.WakePredicate{}, false, err
	}
	res.Tags = tags
	if sleeping {
		return res, predicate, true, nil
	}

	if data, err := os.ReadFile(wt.ResultsPath()); err == nil {
		hash, err := e.objects.PutContentAddressed(ctx, data)
		if err != nil {
			return res, api.WakePredicate{}, false, fmt.Errorf("storing results: %w", err)
		}
		res.ResultsHash = hash
	} else if !os.IsNotExist(err) {
		return res, api.WakePredicate{}, false, fmt.Errorf("reading results: %w", err)
	}

	resultFiles, err := walkFiles(wt.ResultFilesDir())
	if err != nil {
		return res, api.WakePredicate{}, false, fmt.Errorf("enumerating result-files: %w", err)
	}
	res.ResultFiles = resultFiles

	children, err := e.collectChildren(ctx, wt)
	if err != nil {
		return res, api.WakePredicate{}, false, err
	}
	res.Children = children

	return res, api.WakePredicate{}, false, nil
}

// tagsSleepKey is the reserved tag key a tool sets to request a Sleeping
// stage transition instead of terminal completion.
const tagsSleepKey = "thorium.sleep"

func parseTags(path string) (map[string][]string, bool, api.WakePredicate, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, false, api.WakePredicate{}, nil
	}
	if err != nil {
		return nil, false, api.WakePredicate{}, fmt.Errorf("reading tags: %w", err)
	}
	var raw map[string][]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, false, api.WakePredicate{}, fmt.Errorf("tags is not a JSON object of key to values: %w", err)
	}
	if vals, ok := raw[tagsSleepKey]; ok && len(vals) > 0 {
		delete(raw, tagsSleepKey)
		return raw, true, api.WakePredicate{TagKey: vals[0]}, nil
	}
	return raw, false, api.WakePredicate{}, nil
}

func walkFiles(root string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return relErr
		}
		out = append(out, rel)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

func (e *Executor) collectChildren(ctx context.Context, wt WorkingTree) ([]ChildRef, error) {
	var out []ChildRef
	for kind, dir := range map[string]string{"carved": wt.CarvedChildrenDir(), "unpacked": wt.UnpackedChildrenDir()} {
		err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			data, readErr := os.ReadFile(path)
			if readErr != nil {
				return readErr
			}
			hash, putErr := e.objects.PutContentAddressed(ctx, data)
			if putErr != nil {
				return putErr
			}
			out = append(out, ChildRef{OriginKind: kind, Hash: hash})
			return nil
		})
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("enumerating %s children: %w", kind, err)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OriginKind != out[j].OriginKind {
			return out[i].OriginKind < out[j].OriginKind
		}
		return out[i].Hash < out[j].Hash
	})
	return out, nil
}

// NewJobID generates a new job id for a worker about to stage a run.
func NewJobID() string { return uuid.NewString() }

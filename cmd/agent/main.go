// Command agent runs inside one worker (pod or process) and executes a
// single tool invocation to completion, then reports its outcome.
// It reads everything it needs from the environment a backend driver set
// at spawn time (see internal/cloudprovider/k8s.Driver.Spawn).
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"k8s.io/utils/clock"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/gabaker/thorium/internal/agent"
	"github.com/gabaker/thorium/internal/api"
	"github.com/gabaker/thorium/internal/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	zlog, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	logger := zapr.NewLogger(zlog)
	log.SetLogger(logger)
	ctx := log.IntoContext(context.Background(), logger)

	reactionID := requireEnv("THORIUM_REACTION_ID")
	imageID := requireEnv("THORIUM_IMAGE_ID")
	workerID := requireEnv("THORIUM_WORKER_ID")
	sampleRef := os.Getenv("THORIUM_SAMPLE_REF")
	reportAddr := envOr("THORIUM_REPORT_ADDR", "http://localhost:9091")
	workingRoot := envOr("THORIUM_WORKING_ROOT", "/tmp/thorium")

	var img api.Image
	if err := json.Unmarshal([]byte(requireEnv("THORIUM_IMAGE_SPEC")), &img); err != nil {
		return fmt.Errorf("decoding THORIUM_IMAGE_SPEC: %w", err)
	}

	remainingSLA, err := remainingSLA(os.Getenv("THORIUM_DEADLINE_UNIX"))
	if err != nil {
		return fmt.Errorf("parsing THORIUM_DEADLINE_UNIX: %w", err)
	}

	jobID := agent.EncodeJobID(reactionID, imageID, workerID)
	reporter := agent.NewHTTPReportSink(reportAddr)
	executor := agent.NewExecutor(clock.RealClock{}, store.NewMemoryObjectStore(), reporter)

	logger.Info("running job", "job", jobID, "image", img.ID(), "remaining_sla", remainingSLA)
	return executor.Run(ctx, agent.Spec{
		JobID:        jobID,
		Image:        img,
		InputPath:    sampleRef,
		RemainingSLA: remainingSLA,
		WorkingRoot:  workingRoot,
	})
}

func requireEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		fmt.Fprintf(os.Stderr, "missing required environment variable %s\n", key)
		os.Exit(1)
	}
	return v
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// remainingSLA converts a deadline expressed as a unix timestamp into a
// duration from now; an empty or zero deadline means unbounded (the image's
// own timeout_seconds, if any, still applies in Executor.Run).
func remainingSLA(deadlineUnix string) (time.Duration, error) {
	if deadlineUnix == "" {
		return 0, nil
	}
	secs, err := strconv.ParseInt(deadlineUnix, 10, 64)
	if err != nil {
		return 0, err
	}
	deadline := time.Unix(secs, 0)
	remaining := time.Until(deadline)
	if remaining < 0 {
		return 0, nil
	}
	return remaining, nil
}

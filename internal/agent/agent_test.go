package agent_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"k8s.io/utils/clock"

	"github.com/gabaker/thorium/internal/agent"
	"github.com/gabaker/thorium/internal/api"
	therrors "github.com/gabaker/thorium/internal/errors"
	"github.com/gabaker/thorium/internal/resources"
	"github.com/gabaker/thorium/internal/store"
)

// recordingReporter captures whichever terminal report Executor.Run sends,
// for assertion without standing up a real sink.
type recordingReporter struct {
	mu        sync.Mutex
	completed *agent.Result
	failedCode therrors.Code
	failedMsg  string
	slept      *api.WakePredicate
}

func (r *recordingReporter) ReportComplete(_ context.Context, _ string, res agent.Result) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed = &res
	return nil
}

func (r *recordingReporter) ReportFailure(_ context.Context, _ string, code therrors.Code, msg string, _ int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failedCode = code
	r.failedMsg = msg
	return nil
}

func (r *recordingReporter) ReportSleep(_ context.Context, _ string, predicate api.WakePredicate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.slept = &predicate
	return nil
}

func runSpec(workingRoot string, img api.Image) (agent.Spec, *recordingReporter, *agent.Executor) {
	reporter := &recordingReporter{}
	exec := agent.NewExecutor(clock.RealClock{}, store.NewMemoryObjectStore(), reporter)
	return agent.Spec{
		JobID:        "job-1",
		Image:        img,
		WorkingRoot:  workingRoot,
		RemainingSLA: time.Minute,
	}, reporter, exec
}

var _ = Describe("Executor", func() {
	ctx := context.Background()

	It("reports completion for a tool that exits zero within budget", func() {
		root := GinkgoT().TempDir()
		img := api.Image{
			Group:        "g",
			Name:         "ok",
			ContainerRef: "/bin/true",
			Resources:    resources.Resources{CPUMilli: 1000, MemoryBytes: 64 << 20},
		}
		spec, reporter, exec := runSpec(root, img)

		Expect(exec.Run(ctx, spec)).To(Succeed())
		Expect(reporter.completed).NotTo(BeNil())
		Expect(reporter.completed.FinishedOK).To(BeTrue())
		Expect(reporter.completed.ExitCode).To(Equal(0))
	})

	It("reports a ToolFailure for a non-zero exit", func() {
		root := GinkgoT().TempDir()
		img := api.Image{
			Group:        "g",
			Name:         "bad",
			ContainerRef: "/bin/false",
			Resources:    resources.Resources{CPUMilli: 1000, MemoryBytes: 64 << 20},
		}
		spec, reporter, exec := runSpec(root, img)

		Expect(exec.Run(ctx, spec)).To(Succeed())
		Expect(reporter.failedCode).To(Equal(therrors.CodeToolFailure))
	})

	It("reports a ToolFailure once the tool's wall-clock budget is exceeded", func() {
		root := GinkgoT().TempDir()
		script := filepath.Join(root, "slow.sh")
		Expect(os.WriteFile(script, []byte("#!/bin/sh\nsleep 5\n"), 0o755)).To(Succeed())

		img := api.Image{
			Group:          "g",
			Name:           "slow",
			ContainerRef:   script,
			Resources:      resources.Resources{CPUMilli: 1000, MemoryBytes: 64 << 20},
			TimeoutSeconds: 1,
		}
		spec, reporter, exec := runSpec(root, img)

		Expect(exec.Run(ctx, spec)).To(Succeed())
		Expect(reporter.failedCode).To(Equal(therrors.CodeToolFailure))
		Expect(reporter.failedMsg).To(ContainSubstring("wall-clock"))
	})
})

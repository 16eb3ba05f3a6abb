package reaction_test

import (
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	testclock "k8s.io/utils/clock/testing"

	"github.com/gabaker/thorium/internal/api"
	therrors "github.com/gabaker/thorium/internal/errors"
	"github.com/gabaker/thorium/internal/reaction"
)

func TestReaction(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Reaction Suite")
}

func twoStagePipeline() *api.Pipeline {
	return &api.Pipeline{
		Group: "g",
		Name:  "p2",
		SLA:   time.Minute,
		Order: []api.Stage{
			{Images: []string{"unpack"}},
			{Images: []string{"yara", "strings"}},
		},
	}
}

var _ = Describe("New", func() {
	clk := testclock.NewFakeClock(time.Unix(0, 0))

	It("rejects a pipeline with an empty stage", func() {
		p := &api.Pipeline{Group: "g", Name: "bad", Order: []api.Stage{{Images: nil}}}
		_, err := reaction.New(clk, "g", "bad", "alice", "sample", p, "", nil)
		Expect(err).To(HaveOccurred())
		code, _ := therrors.CodeOf(err)
		Expect(code).To(Equal(therrors.CodeConfigInvalid))
	})

	It("rejects creating a reaction whose pipeline is already in the visited set", func() {
		p := twoStagePipeline()
		_, err := reaction.New(clk, "g", "p2", "alice", "sample", p, "parent-id", map[string]bool{"g/p2": true})
		Expect(err).To(HaveOccurred())
	})

	It("starts stage 0 with every image Created", func() {
		p := twoStagePipeline()
		r, err := reaction.New(clk, "g", "p2", "alice", "sample", p, "", nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(r.StageIndex).To(Equal(0))
		Expect(r.StageStatus[0]["unpack"]).To(Equal(api.StageCreated))
		Expect(r.Deadline).To(Equal(r.CreatedAt.Add(p.SLA)))
	})
})

var _ = Describe("two-stage progression with parallel images", func() {
	It("only advances to stage 2 once both stage-1 images complete, and completes once both stage-2 images do", func() {
		clk := testclock.NewFakeClock(time.Unix(0, 0))
		p := twoStagePipeline()
		r, err := reaction.New(clk, "g", "p2", "alice", "sample", p, "", nil)
		Expect(err).NotTo(HaveOccurred())

		Expect(reaction.Claim(r, "unpack")).To(Succeed())
		Expect(reaction.CompleteImage(p, r, "unpack")).To(Succeed())
		Expect(r.StageIndex).To(Equal(1), "unpack was the only image in stage 0")
		Expect(r.StageStatus[1]["yara"]).To(Equal(api.StageCreated))
		Expect(r.StageStatus[1]["strings"]).To(Equal(api.StageCreated))

		Expect(reaction.Claim(r, "yara")).To(Succeed())
		Expect(reaction.CompleteImage(p, r, "yara")).To(Succeed())
		Expect(r.Status).To(Equal(api.ReactionRunning), "strings hasn't completed yet")

		Expect(reaction.Claim(r, "strings")).To(Succeed())
		Expect(reaction.CompleteImage(p, r, "strings")).To(Succeed())
		Expect(r.Status).To(Equal(api.ReactionCompleted))
	})
})

var _ = Describe("retries on WorkerLost", func() {
	It("re-queues up to max_retries and fails the reaction on the next loss", func() {
		clk := testclock.NewFakeClock(time.Unix(0, 0))
		p := &api.Pipeline{Group: "g", Name: "p1", SLA: time.Minute, Order: []api.Stage{{Images: []string{"clamav"}}}}
		r, err := reaction.New(clk, "g", "p1", "alice", "sample", p, "", nil)
		Expect(err).NotTo(HaveOccurred())

		for i := 0; i < 3; i++ {
			Expect(reaction.Claim(r, "clamav")).To(Succeed())
			Expect(reaction.FailImage(p, r, "clamav", therrors.CodeWorkerLost, "lost", 3)).To(Succeed())
			Expect(r.StageStatus[0]["clamav"]).To(Equal(api.StageCreated), "retry %d requeues to Created", i+1)
			Expect(r.Status).To(Equal(api.ReactionRunning))
		}

		Expect(reaction.Claim(r, "clamav")).To(Succeed())
		Expect(reaction.FailImage(p, r, "clamav", therrors.CodeWorkerLost, "lost again", 3)).To(Succeed())
		Expect(r.Status).To(Equal(api.ReactionFailed))
		Expect(r.FailureCode).To(Equal(string(therrors.CodeWorkerLost)))
	})
})

var _ = Describe("SLA expiry", func() {
	It("fails the reaction once now is past the deadline", func() {
		clk := testclock.NewFakeClock(time.Unix(0, 0))
		p := &api.Pipeline{Group: "g", Name: "p1", SLA: 2 * time.Second, Order: []api.Stage{{Images: []string{"clamav"}}}}
		r, err := reaction.New(clk, "g", "p1", "alice", "sample", p, "", nil)
		Expect(err).NotTo(HaveOccurred())

		Expect(reaction.CheckSLA(r, r.CreatedAt.Add(time.Second))).To(BeFalse())
		Expect(reaction.CheckSLA(r, r.CreatedAt.Add(3*time.Second))).To(BeTrue())
		Expect(r.Status).To(Equal(api.ReactionFailed))
		Expect(r.FailureCode).To(Equal(string(therrors.CodeSlaExpired)))
	})
})

var _ = Describe("generator sub-reactions", func() {
	It("sleeps the generator image and wakes it once all children are terminal", func() {
		clk := testclock.NewFakeClock(time.Unix(0, 0))
		p := &api.Pipeline{Group: "g", Name: "p1", SLA: time.Minute, Order: []api.Stage{{Images: []string{"unzipper"}}}}
		r, err := reaction.New(clk, "g", "p1", "alice", "sample", p, "", nil)
		Expect(err).NotTo(HaveOccurred())

		Expect(reaction.Claim(r, "unzipper")).To(Succeed())
		Expect(reaction.BeginGenerator(r, "unzipper", []string{"c1", "c2", "c3"})).To(Succeed())
		Expect(r.StageStatus[0]["unzipper"]).To(Equal(api.StageSleeping))
		Expect(r.Generator.PendingCount).To(Equal(3))

		Expect(reaction.ChildTerminal(p, r, "unzipper")).To(Succeed())
		Expect(reaction.ChildTerminal(p, r, "unzipper")).To(Succeed())
		Expect(r.Status).To(Equal(api.ReactionRunning), "one child still pending")

		Expect(reaction.ChildTerminal(p, r, "unzipper")).To(Succeed())
		Expect(r.Status).To(Equal(api.ReactionCompleted))
	})

	It("forbids a generator from transitively spawning its own pipeline", func() {
		clk := testclock.NewFakeClock(time.Unix(0, 0))
		p := &api.Pipeline{Group: "g", Name: "p1", SLA: time.Minute, Order: []api.Stage{{Images: []string{"unzipper"}}}}
		r, err := reaction.New(clk, "g", "p1", "alice", "sample", p, "", nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(reaction.Claim(r, "unzipper")).To(Succeed())
		Expect(reaction.BeginGenerator(r, "unzipper", []string{"c1"})).To(Succeed())

		childVisited := reaction.ChildVisitedSet(r)
		Expect(reaction.WouldCycle(childVisited, "g/p1")).To(BeTrue())
		Expect(reaction.WouldCycle(childVisited, "g/other")).To(BeFalse())
	})
})

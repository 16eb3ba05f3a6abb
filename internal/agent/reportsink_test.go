package agent_test

import (
	"context"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"k8s.io/utils/clock"

	"github.com/gabaker/thorium/internal/agent"
	"github.com/gabaker/thorium/internal/api"
	therrors "github.com/gabaker/thorium/internal/errors"
	"github.com/gabaker/thorium/internal/ledger"
	"github.com/gabaker/thorium/internal/reaction"
	"github.com/gabaker/thorium/internal/store"
)

func TestAgentReportSink(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Agent Report Sink Suite")
}

var _ = Describe("JobID encoding", func() {
	It("round-trips through EncodeJobID/DecodeJobID", func() {
		id := agent.EncodeJobID("reaction-1", "group/image", "worker-9")
		reactionID, imageID, workerID, err := agent.DecodeJobID(id)
		Expect(err).NotTo(HaveOccurred())
		Expect(reactionID).To(Equal("reaction-1"))
		Expect(imageID).To(Equal("group/image"))
		Expect(workerID).To(Equal("worker-9"))
	})

	It("rejects a malformed job id", func() {
		_, _, _, err := agent.DecodeJobID("not-a-job-id")
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("StoreReportSink", func() {
	var (
		catalog *store.Catalog
		l       *ledger.Ledger
		sink    *agent.StoreReportSink
		r       *api.Reaction
		p       api.Pipeline
	)

	BeforeEach(func() {
		catalog = store.NewCatalog()
		l = ledger.New(ledger.Quotas{})
		sink = agent.NewStoreReportSink(catalog, l, 3)

		p = api.Pipeline{
			Group: "g", Name: "p",
			Order: []api.Stage{{Images: []string{"g/img"}}},
		}
		catalog.PutPipeline(p)
		catalog.PutImage(api.Image{Group: "g", Name: "img"})

		var err error
		r, err = reaction.New(clock.RealClock{}, "g", "p", "alice", "sample-1", &p, "", nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(reaction.Claim(r, "g/img")).To(Succeed())
		Expect(catalog.Save(r)).To(Succeed())
	})

	It("applies a complete report and merges tags", func() {
		jobID := agent.EncodeJobID(r.ID, "g/img", "worker-1")
		err := sink.ReportComplete(context.Background(), jobID, agent.Result{
			Tags: map[string][]string{"ran": {"yes"}},
		})
		Expect(err).NotTo(HaveOccurred())

		saved, ok := catalog.Get(r.ID)
		Expect(ok).To(BeTrue())
		Expect(saved.Status).To(Equal(api.ReactionCompleted))
		Expect(saved.Tags["ran"]).To(ConsistOf("yes"))
	})

	It("applies a non-retryable failure report and fails the reaction", func() {
		jobID := agent.EncodeJobID(r.ID, "g/img", "worker-1")
		err := sink.ReportFailure(context.Background(), jobID, therrors.CodeBadOutput, "bad output", 1)
		Expect(err).NotTo(HaveOccurred())

		saved, ok := catalog.Get(r.ID)
		Expect(ok).To(BeTrue())
		Expect(saved.Status).To(Equal(api.ReactionFailed))
		Expect(saved.FailureCode).To(Equal(string(therrors.CodeBadOutput)))
	})

	It("errors when the referenced reaction does not exist", func() {
		jobID := agent.EncodeJobID("missing-reaction", "g/img", "worker-1")
		err := sink.ReportComplete(context.Background(), jobID, agent.Result{})
		Expect(err).To(HaveOccurred())
	})
})

package agent_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	testclock "k8s.io/utils/clock/testing"

	"github.com/gabaker/thorium/internal/agent"
	"github.com/gabaker/thorium/internal/api"
	"github.com/gabaker/thorium/internal/cloudprovider"
	"github.com/gabaker/thorium/internal/ledger"
	"github.com/gabaker/thorium/internal/reaction"
	"github.com/gabaker/thorium/internal/store"
)

// Shares the RunSpecs entry point declared in reportsink_test.go.

type fakeDriver struct {
	completedWorker string
	completedOK     bool
	completedExit   int
}

func (d *fakeDriver) Name() string { return "fake" }
func (d *fakeDriver) Snapshot(ctx context.Context) (cloudprovider.Snapshot, error) {
	return cloudprovider.Snapshot{}, nil
}
func (d *fakeDriver) Spawn(ctx context.Context, spec cloudprovider.WorkerSpec) (string, error) {
	return "", nil
}
func (d *fakeDriver) Observe(ctx context.Context, workerID string) (cloudprovider.Observation, error) {
	return cloudprovider.Observation{}, nil
}
func (d *fakeDriver) Kill(ctx context.Context, workerID string, reason string) error { return nil }
func (d *fakeDriver) Complete(workerID string, ok bool, exitCode int) {
	d.completedWorker, d.completedOK, d.completedExit = workerID, ok, exitCode
}

type fakeTracker struct {
	driver   cloudprovider.Driver
	marked   []string
	spawned  time.Time
}

func (t *fakeTracker) MarkReported(workerID string)             { t.marked = append(t.marked, workerID) }
func (t *fakeTracker) DriverFor(string) (cloudprovider.Driver, bool) { return t.driver, t.driver != nil }
func (t *fakeTracker) SpawnedAt(string) (time.Time, bool)        { return t.spawned, !t.spawned.IsZero() }

func newReportServerFixture() (*store.Catalog, *ledger.Ledger, *api.Reaction) {
	clk := testclock.NewFakeClock(time.Unix(0, 0))
	catalog := store.NewCatalog()
	p := api.Pipeline{Group: "g", Name: "p1", SLA: time.Hour, Order: []api.Stage{
		{Images: []string{"g/scan"}},
	}}
	catalog.PutPipeline(p)
	catalog.PutImage(api.Image{Group: "g", Name: "scan"})

	r, err := reaction.New(clk, "g", "p1", "alice", "sample1", &p, "", nil)
	Expect(err).NotTo(HaveOccurred())
	Expect(reaction.Claim(r, "g/scan")).To(Succeed())
	Expect(catalog.Save(r)).To(Succeed())
	return catalog, ledger.New(ledger.Quotas{}), r
}

var _ = Describe("ReportServer", func() {
	It("applies a complete outcome and notifies the driver", func() {
		catalog, l, r := newReportServerFixture()
		sink := agent.NewStoreReportSink(catalog, l, 3)
		driver := &fakeDriver{}
		tracker := &fakeTracker{driver: driver, spawned: time.Unix(0, 0)}
		srv := agent.NewReportServer(sink, tracker)

		jobID := agent.EncodeJobID(r.ID, "g/scan", "w1")
		body, err := json.Marshal(map[string]any{"job_id": jobID, "outcome": "complete", "result": map[string]any{}})
		Expect(err).NotTo(HaveOccurred())

		req := httptest.NewRequest(http.MethodPost, "/v1/report", bytes.NewReader(body))
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, req)

		Expect(rec.Code).To(Equal(http.StatusNoContent))
		Expect(driver.completedWorker).To(Equal("w1"))
		Expect(driver.completedOK).To(BeTrue())
		Expect(tracker.marked).To(ConsistOf("w1"))

		got, _ := catalog.Get(r.ID)
		Expect(got.Status).To(Equal(api.ReactionCompleted))
	})

	It("rejects a non-POST method", func() {
		catalog, l, _ := newReportServerFixture()
		sink := agent.NewStoreReportSink(catalog, l, 3)
		srv := agent.NewReportServer(sink, nil)

		req := httptest.NewRequest(http.MethodGet, "/v1/report", nil)
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, req)
		Expect(rec.Code).To(Equal(http.StatusMethodNotAllowed))
	})

	It("rejects an undecodable body", func() {
		catalog, l, _ := newReportServerFixture()
		sink := agent.NewStoreReportSink(catalog, l, 3)
		srv := agent.NewReportServer(sink, nil)

		req := httptest.NewRequest(http.MethodPost, "/v1/report", bytes.NewReader([]byte("not json")))
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, req)
		Expect(rec.Code).To(Equal(http.StatusBadRequest))
	})

	It("rejects an unknown outcome", func() {
		catalog, l, r := newReportServerFixture()
		sink := agent.NewStoreReportSink(catalog, l, 3)
		srv := agent.NewReportServer(sink, nil)

		jobID := agent.EncodeJobID(r.ID, "g/scan", "w1")
		body, _ := json.Marshal(map[string]any{"job_id": jobID, "outcome": "bogus"})
		req := httptest.NewRequest(http.MethodPost, "/v1/report", bytes.NewReader(body))
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, req)
		Expect(rec.Code).To(Equal(http.StatusBadRequest))
	})

	It("reports a conflict when the sink rejects the outcome", func() {
		catalog, l, _ := newReportServerFixture()
		sink := agent.NewStoreReportSink(catalog, l, 3)
		srv := agent.NewReportServer(sink, nil)

		jobID := agent.EncodeJobID("no-such-reaction", "g/scan", "w1")
		body, _ := json.Marshal(map[string]any{"job_id": jobID, "outcome": "complete"})
		req := httptest.NewRequest(http.MethodPost, "/v1/report", bytes.NewReader(body))
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, req)
		Expect(rec.Code).To(Equal(http.StatusConflict))
	})
})

var _ = Describe("HTTPReportSink", func() {
	It("posts a complete outcome to the scaler's report endpoint", func() {
		var received map[string]any
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			Expect(r.URL.Path).To(Equal("/v1/report"))
			Expect(json.NewDecoder(r.Body).Decode(&received)).To(Succeed())
			w.WriteHeader(http.StatusNoContent)
		}))
		defer ts.Close()

		sink := agent.NewHTTPReportSink(ts.URL)
		Expect(sink.ReportComplete(context.Background(), "r1:g/scan:w1", agent.Result{})).To(Succeed())
		Expect(received["job_id"]).To(Equal("r1:g/scan:w1"))
		Expect(received["outcome"]).To(Equal("complete"))
	})

	It("surfaces a rejected report as an error", func() {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "nope", http.StatusConflict)
		}))
		defer ts.Close()

		sink := agent.NewHTTPReportSink(ts.URL)
		err := sink.ReportFailure(context.Background(), "r1:g/scan:w1", "BadOutput", "bad", 1)
		Expect(err).To(HaveOccurred())
	})
})

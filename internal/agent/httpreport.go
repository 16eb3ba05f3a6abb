package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gabaker/thorium/internal/api"
	"github.com/gabaker/thorium/internal/cloudprovider"
	therrors "github.com/gabaker/thorium/internal/errors"
	"github.com/gabaker/thorium/internal/metrics"
)

// reportOutcome distinguishes the three terminal shapes a worker can report.
type reportOutcome string

const (
	outcomeComplete reportOutcome = "complete"
	outcomeFailure  reportOutcome = "failure"
	outcomeSleep    reportOutcome = "sleep"
)

// reportWire is the JSON body a worker posts back to the scaler's report
// endpoint -- the network form of a Reporter call, for when the agent runs
// in its own pod/process rather than sharing the scaler's address space.
type reportWire struct {
	JobID     string             `json:"job_id"`
	Outcome   reportOutcome      `json:"outcome"`
	Result    *Result            `json:"result,omitempty"`
	Code      therrors.Code      `json:"code,omitempty"`
	Message   string             `json:"message,omitempty"`
	ExitCode  int                `json:"exit_code,omitempty"`
	Predicate *api.WakePredicate `json:"predicate,omitempty"`
}

// HTTPReportSink is a Reporter that posts each terminal outcome to a scaler
// instance's report endpoint, for agents that run outside the scaler's
// process (k8s pods and externally-managed workers alike).
type HTTPReportSink struct {
	BaseURL string
	Client  *http.Client
}

func NewHTTPReportSink(baseURL string) *HTTPReportSink {
	return &HTTPReportSink{BaseURL: baseURL, Client: http.DefaultClient}
}

func (s *HTTPReportSink) post(ctx context.Context, w reportWire) error {
	body, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("encoding report: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.BaseURL+"/v1/report", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building report request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.Client.Do(req)
	if err != nil {
		return fmt.Errorf("posting report: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("report rejected (%d): %s", resp.StatusCode, msg)
	}
	return nil
}

func (s *HTTPReportSink) ReportComplete(ctx context.Context, jobID string, res Result) error {
	return s.post(ctx, reportWire{JobID: jobID, Outcome: outcomeComplete, Result: &res})
}

func (s *HTTPReportSink) ReportFailure(ctx context.Context, jobID string, code therrors.Code, msg string, exitCode int) error {
	return s.post(ctx, reportWire{JobID: jobID, Outcome: outcomeFailure, Code: code, Message: msg, ExitCode: exitCode})
}

func (s *HTTPReportSink) ReportSleep(ctx context.Context, jobID string, predicate api.WakePredicate) error {
	return s.post(ctx, reportWire{JobID: jobID, Outcome: outcomeSleep, Predicate: &predicate})
}

// reportTracker is the subset of *scheduling.Scheduler the report server
// needs: dropping a worker from live tracking once its terminal report has
// already been applied, so the next tick's reconcile poll doesn't re-derive
// (and potentially double-count) the same transition; and resolving which
// backend driver placed a worker, so backends whose Observe depends on an
// explicit completion call (baremetal, external) still get one.
type reportTracker interface {
	MarkReported(workerID string)
	DriverFor(workerID string) (cloudprovider.Driver, bool)
	SpawnedAt(workerID string) (time.Time, bool)
}

// completer is implemented by backend drivers (baremetal.Driver) whose
// Observe result depends on an explicit terminal call rather than polling
// an external system.
type completer interface {
	Complete(workerID string, ok bool, exitCode int)
}

// heartbeater is implemented by backend drivers (external.Driver) that learn
// a worker's terminal state only through a heartbeat/report call.
type heartbeater interface {
	Heartbeat(workerID string, finished bool, finishedOK bool, exitCode int)
}

// notifyDriver pushes a terminal outcome into whichever backend-specific
// bookkeeping the worker's driver exposes. Drivers that learn everything
// through Observe (k8s) implement neither interface, so this is a no-op for
// them.
func notifyDriver(tracker reportTracker, workerID string, ok bool, exitCode int) {
	if tracker == nil || workerID == "" {
		return
	}
	d, found := tracker.DriverFor(workerID)
	if !found {
		return
	}
	switch driver := d.(type) {
	case completer:
		driver.Complete(workerID, ok, exitCode)
	case heartbeater:
		driver.Heartbeat(workerID, true, ok, exitCode)
	}
}

// ReportServer is the scaler-side http.Handler that decodes a reportWire
// and applies it to the shared StoreReportSink, closing the loop for
// workers that can only reach the scaler over the network.
type ReportServer struct {
	sink    *StoreReportSink
	tracker reportTracker
	metrics *metrics.Metrics
}

func NewReportServer(sink *StoreReportSink, tracker reportTracker) *ReportServer {
	return &ReportServer{sink: sink, tracker: tracker}
}

// WithMetrics attaches a metrics bundle the server records tool duration
// into on every terminal report; optional.
func (s *ReportServer) WithMetrics(m *metrics.Metrics) *ReportServer {
	s.metrics = m
	return s
}

func (s *ReportServer) observeDuration(workerID string) {
	if s.metrics == nil || s.tracker == nil || workerID == "" {
		return
	}
	spawnedAt, ok := s.tracker.SpawnedAt(workerID)
	if !ok {
		return
	}
	s.metrics.AgentToolDuration.Observe(time.Since(spawnedAt).Seconds())
}

func (s *ReportServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var wire reportWire
	if err := json.NewDecoder(r.Body).Decode(&wire); err != nil {
		http.Error(w, fmt.Sprintf("decoding report: %v", err), http.StatusBadRequest)
		return
	}

	_, _, workerID, decodeErr := DecodeJobID(wire.JobID)

	var err error
	switch wire.Outcome {
	case outcomeComplete:
		var res Result
		if wire.Result != nil {
			res = *wire.Result
		}
		err = s.sink.ReportComplete(r.Context(), wire.JobID, res)
		if err == nil && decodeErr == nil {
			notifyDriver(s.tracker, workerID, true, 0)
			s.observeDuration(workerID)
		}
	case outcomeFailure:
		err = s.sink.ReportFailure(r.Context(), wire.JobID, wire.Code, wire.Message, wire.ExitCode)
		if err == nil && decodeErr == nil {
			notifyDriver(s.tracker, workerID, false, wire.ExitCode)
			s.observeDuration(workerID)
		}
	case outcomeSleep:
		var predicate api.WakePredicate
		if wire.Predicate != nil {
			predicate = *wire.Predicate
		}
		err = s.sink.ReportSleep(r.Context(), wire.JobID, predicate)
	default:
		http.Error(w, "unknown outcome", http.StatusBadRequest)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	if s.tracker != nil && decodeErr == nil && workerID != "" {
		s.tracker.MarkReported(workerID)
	}
	w.WriteHeader(http.StatusNoContent)
}

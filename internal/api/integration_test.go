package api_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mattjoyce/conductor/internal/agent"
	"github.com/mattjoyce/conductor/internal/api"
	"github.com/mattjoyce/conductor/internal/dispatch"
	"github.com/mattjoyce/conductor/internal/events"
	"github.com/mattjoyce/conductor/internal/llm"
	"github.com/mattjoyce/conductor/internal/metrics"
	"github.com/mattjoyce/conductor/internal/pool"
	"github.com/mattjoyce/conductor/internal/unit"
)

// TestAPIIntegration drives a real dispatcher through the HTTP client.
func TestAPIIntegration(t *testing.T) {
	workers := map[unit.Capability]int{unit.CapLeadQualifier: 1}
	hub := events.NewHub(64)
	invoker := llm.NewMock(llm.MockConfig{
		Mode:      llm.MockFixed,
		Responses: []string{"```json\n{\"summary\":\"hot lead\",\"confidence\":0.9,\"recommended_actions\":[]}\n```"},
	})

	disp, err := dispatch.New(dispatch.Config{IdleInterval: 10 * time.Millisecond}, dispatch.Deps{
		Pool:     pool.New(workers),
		Executor: agent.NewRunner(invoker, agent.Defaults{MaxTokens: 100, Temperature: 0.5}),
		Metrics:  metrics.NewAggregator(0, metrics.Thresholds{}),
		Events:   hub,
	})
	if err != nil {
		t.Fatalf("failed to create dispatcher: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		_ = disp.Start(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-loopDone
		_ = disp.Drain(context.Background())
	})

	server := api.New(api.Config{APIKey: "secret", Workers: workers}, disp, hub, nil,
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	client := api.NewClient(ts.URL, "secret")

	resp, err := client.Submit(ctx, api.SubmitRequest{
		Capability: "lead_qualifier",
		Kind:       "qualify",
		Payload:    []byte(`{"lead_id":"L-1","budget":750000}`),
		Priority:   "critical",
	})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if resp.UnitID == "" || resp.State != unit.StatePending {
		t.Fatalf("unexpected submit response: %+v", resp)
	}

	var view api.UnitResponse
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		view, err = client.Unit(ctx, resp.UnitID)
		if err != nil {
			t.Fatalf("status failed: %v", err)
		}
		if view.State.Terminal() {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	if view.State != unit.StateCompleted {
		t.Fatalf("expected completed, got %s (error %q)", view.State, view.Error)
	}
	if view.WorkerID == "" || view.AttemptCount != 1 {
		t.Errorf("unexpected unit view: %+v", view)
	}
	if !strings.Contains(string(view.Result), `"summary":"hot lead"`) {
		t.Errorf("unexpected result %s", view.Result)
	}

	_, err = client.Cancel(ctx, resp.UnitID)
	var se *api.StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusConflict {
		t.Errorf("expected 409 cancelling a completed unit, got %v", err)
	}

	_, err = client.Submit(ctx, api.SubmitRequest{Capability: "market_analyst", Kind: "cma"})
	if !errors.As(err, &se) || se.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for a capability without workers, got %v", err)
	}

	snap, err := client.Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	if snap.Submitted != 1 || snap.Completed != 1 {
		t.Errorf("unexpected snapshot counters: submitted=%d completed=%d", snap.Submitted, snap.Completed)
	}

	var topics []string
	for _, ev := range hub.SnapshotSince(0) {
		topics = append(topics, ev.Type)
	}
	if strings.Join(topics, ",") != events.TopicSubmitted+","+events.TopicCompleted {
		t.Errorf("unexpected event sequence %v", topics)
	}
}

// TestAPIWorkerOffline parks the only worker, checks a unit waits for it,
// then returns the worker and expects the unit to run.
func TestAPIWorkerOffline(t *testing.T) {
	workers := map[unit.Capability]int{unit.CapLeadQualifier: 1}
	hub := events.NewHub(64)
	invoker := llm.NewMock(llm.MockConfig{
		Mode:      llm.MockFixed,
		Responses: []string{`{"summary":"warm lead","confidence":0.6,"recommended_actions":[]}`},
	})

	disp, err := dispatch.New(dispatch.Config{IdleInterval: 10 * time.Millisecond}, dispatch.Deps{
		Pool:     pool.New(workers),
		Executor: agent.NewRunner(invoker, agent.Defaults{MaxTokens: 100}),
		Metrics:  metrics.NewAggregator(0, metrics.Thresholds{}),
		Events:   hub,
	})
	if err != nil {
		t.Fatalf("failed to create dispatcher: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		_ = disp.Start(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-loopDone
		_ = disp.Drain(context.Background())
	})

	server := api.New(api.Config{APIKey: "secret", Workers: workers}, disp, hub, nil,
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()
	client := api.NewClient(ts.URL, "secret")

	w, err := client.SetWorkerStatus(ctx, "lead_qualifier-1", "offline")
	if err != nil {
		t.Fatalf("set offline failed: %v", err)
	}
	if w.Status != pool.StatusOffline {
		t.Fatalf("expected offline, got %s", w.Status)
	}

	resp, err := client.Submit(ctx, api.SubmitRequest{Capability: "lead_qualifier", Kind: "qualify"})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	// Several idle ticks pass without an assignment.
	time.Sleep(100 * time.Millisecond)
	view, err := client.Unit(ctx, resp.UnitID)
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if view.State != unit.StatePending {
		t.Fatalf("expected pending while the worker is offline, got %s", view.State)
	}

	roster, err := client.Workers(ctx)
	if err != nil {
		t.Fatalf("workers failed: %v", err)
	}
	if len(roster.Workers) != 1 || roster.Workers[0].Status != pool.StatusOffline {
		t.Errorf("unexpected roster %+v", roster.Workers)
	}

	if _, err := client.SetWorkerStatus(ctx, "lead_qualifier-1", "idle"); err != nil {
		t.Fatalf("set idle failed: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if view, err = client.Unit(ctx, resp.UnitID); err == nil && view.State.Terminal() {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if view.State != unit.StateCompleted || view.WorkerID != "lead_qualifier-1" {
		t.Fatalf("expected completion on lead_qualifier-1, got %s on %q", view.State, view.WorkerID)
	}

	_, err = client.SetWorkerStatus(ctx, "mortgage_broker-1", "offline")
	var se *api.StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 for an unknown worker, got %v", err)
	}

	var statusEvents int
	for _, ev := range hub.SnapshotSince(0) {
		if ev.Type == events.TopicWorkerStatus {
			statusEvents++
		}
	}
	if statusEvents != 2 {
		t.Errorf("expected 2 worker status events, got %d", statusEvents)
	}
}

package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/conductor/internal/archive"
	"github.com/mattjoyce/conductor/internal/cache"
	"github.com/mattjoyce/conductor/internal/dispatch/mocks"
	"github.com/mattjoyce/conductor/internal/events"
	"github.com/mattjoyce/conductor/internal/llm"
	"github.com/mattjoyce/conductor/internal/metrics"
	"github.com/mattjoyce/conductor/internal/pool"
	"github.com/mattjoyce/conductor/internal/queue"
	"github.com/mattjoyce/conductor/internal/unit"
)

const waitTimeout = 3 * time.Second

type harness struct {
	d       *Dispatcher
	pool    *pool.Pool
	metrics *metrics.Aggregator
	hub     *events.Hub
}

func newHarness(t *testing.T, cfg Config, exec Executor, sizes map[unit.Capability]int, mutate ...func(*Deps)) *harness {
	t.Helper()
	if cfg.IdleInterval == 0 {
		cfg.IdleInterval = 10 * time.Millisecond
	}
	if sizes == nil {
		sizes = map[unit.Capability]int{unit.CapLeadQualifier: 1}
	}
	h := &harness{
		pool:    pool.New(sizes),
		metrics: metrics.NewAggregator(0, metrics.Thresholds{}),
		hub:     events.NewHub(64),
	}
	deps := Deps{Pool: h.pool, Executor: exec, Metrics: h.metrics, Events: h.hub}
	for _, m := range mutate {
		m(&deps)
	}
	d, err := New(cfg, deps)
	require.NoError(t, err)
	h.d = d
	return h
}

// start runs the dispatch loop until the test ends.
func (h *harness) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.d.Start(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		drainCtx, drainCancel := context.WithTimeout(context.Background(), time.Second)
		defer drainCancel()
		_ = h.d.Drain(drainCtx)
	})
}

func (h *harness) submit(t *testing.T, req SubmitRequest) string {
	t.Helper()
	if req.Capability == "" {
		req.Capability = unit.CapLeadQualifier
	}
	if req.Kind == "" {
		req.Kind = "qualify"
	}
	id, err := h.d.Submit(context.Background(), req)
	require.NoError(t, err)
	return id
}

func (h *harness) waitState(t *testing.T, id string, want unit.State) StatusView {
	t.Helper()
	var view StatusView
	require.Eventually(t, func() bool {
		v, err := h.d.Status(context.Background(), id)
		if err != nil {
			return false
		}
		view = v
		return v.State == want
	}, waitTimeout, 5*time.Millisecond, "unit %s never reached %s", id, want)
	return view
}

func okResult(summary string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"summary":%q}`, summary))
}

func TestCriticalUnitCompletesAndReleasesWorker(t *testing.T) {
	exec := ExecutorFunc(func(ctx context.Context, u *unit.Unit) (json.RawMessage, error) {
		return okResult("hot lead"), nil
	})
	h := newHarness(t, Config{}, exec, nil)
	h.start(t)

	id := h.submit(t, SubmitRequest{
		Payload:  json.RawMessage(`{"lead_id":"L-1","budget":850000}`),
		Priority: unit.PriorityCritical,
	})
	view := h.waitState(t, id, unit.StateCompleted)

	assert.Equal(t, LocationCompleted, view.Location)
	assert.JSONEq(t, `{"summary":"hot lead"}`, string(view.Result))
	assert.Equal(t, 0, view.AttemptCount)
	assert.False(t, view.CacheHit)
	require.NotNil(t, view.AssignedAt)
	require.NotNil(t, view.CompletedAt)
	assert.Equal(t, "lead_qualifier-1", view.WorkerID)

	w, ok := h.pool.Get("lead_qualifier-1")
	require.True(t, ok)
	assert.Equal(t, pool.StatusIdle, w.Status)
	assert.Empty(t, w.CurrentUnitID)
	assert.Equal(t, 1, w.TasksCompleted)

	snap := h.d.Snapshot()
	assert.Equal(t, uint64(1), snap.Submitted)
	assert.Equal(t, uint64(1), snap.Completed)
	assert.Equal(t, 1.0, snap.SuccessRate)
}

func TestSingleWorkerRunsLowUnitsInFIFOOrder(t *testing.T) {
	var mu sync.Mutex
	var order []string
	var running atomic.Int32
	var overlap atomic.Bool

	exec := ExecutorFunc(func(ctx context.Context, u *unit.Unit) (json.RawMessage, error) {
		if running.Add(1) > 1 {
			overlap.Store(true)
		}
		defer running.Add(-1)
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		order = append(order, u.ID)
		mu.Unlock()
		return okResult(u.ID), nil
	})
	h := newHarness(t, Config{}, exec, nil)

	// Queue everything before the loop runs so ordering is decided by the
	// queue alone.
	ids := []string{"low-a", "low-b", "low-c"}
	for _, id := range ids {
		h.submit(t, SubmitRequest{ID: id, Priority: unit.PriorityLow, Payload: json.RawMessage(fmt.Sprintf(`{"n":%q}`, id))})
	}
	h.start(t)

	for _, id := range ids {
		h.waitState(t, id, unit.StateCompleted)
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, ids, order)
	assert.False(t, overlap.Load(), "one worker must never run two units at once")
}

func TestAlwaysFailingUnitExhaustsAttempts(t *testing.T) {
	var calls atomic.Int32
	exec := ExecutorFunc(func(ctx context.Context, u *unit.Unit) (json.RawMessage, error) {
		calls.Add(1)
		return nil, errors.New("upstream exploded")
	})
	h := newHarness(t, Config{}, exec, nil)
	sub, unsub := h.hub.Subscribe()
	defer unsub()
	h.start(t)

	id := h.submit(t, SubmitRequest{MaxAttempts: 3, Payload: json.RawMessage(`{"lead_id":"L-9"}`)})
	view := h.waitState(t, id, unit.StateFailed)

	assert.Equal(t, 3, view.AttemptCount)
	assert.Equal(t, int32(3), calls.Load())
	assert.True(t, strings.HasPrefix(view.Error, "retries exhausted after 3 attempts: "), view.Error)
	assert.Contains(t, view.Error, "upstream exploded")
	assert.Nil(t, view.Result)

	snap := h.d.Snapshot()
	assert.Equal(t, uint64(2), snap.Retries)
	assert.Equal(t, uint64(1), snap.Failed)
	assert.Equal(t, uint64(0), snap.Completed)

	retrying := 0
	timeout := time.After(waitTimeout)
	for seen := false; !seen; {
		select {
		case ev := <-sub:
			switch ev.Type {
			case events.TopicRetrying:
				retrying++
			case events.TopicFailed:
				seen = true
			}
		case <-timeout:
			t.Fatal("no unit.failed event")
		}
	}
	assert.Equal(t, 2, retrying)
}

func TestSubmitRejectsUnknownCapability(t *testing.T) {
	h := newHarness(t, Config{}, ExecutorFunc(nil), nil)

	_, err := h.d.Submit(context.Background(), SubmitRequest{
		Capability: unit.Capability("mortgage_broker"),
		Kind:       "quote",
		Priority:   unit.PriorityHigh,
	})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "capability", verr.Field)

	for p, n := range h.d.Depths() {
		assert.Zero(t, n, "priority %s", p)
	}
	assert.Equal(t, uint64(0), h.d.Snapshot().Submitted)
}

func TestSubmitValidation(t *testing.T) {
	h := newHarness(t, Config{}, ExecutorFunc(nil), nil)

	tests := []struct {
		name  string
		req   SubmitRequest
		field string
	}{
		{"no workers", SubmitRequest{Capability: unit.CapMarketAnalyst, Kind: "trend"}, "capability"},
		{"bad priority", SubmitRequest{Capability: unit.CapLeadQualifier, Kind: "qualify", Priority: unit.Priority(9)}, "priority"},
		{"empty kind", SubmitRequest{Capability: unit.CapLeadQualifier, Kind: "  "}, "kind"},
		{"array payload", SubmitRequest{Capability: unit.CapLeadQualifier, Kind: "qualify", Payload: json.RawMessage(`[1,2]`)}, "payload"},
		{"broken payload", SubmitRequest{Capability: unit.CapLeadQualifier, Kind: "qualify", Payload: json.RawMessage(`{"a":`)}, "payload"},
		{"negative attempts", SubmitRequest{Capability: unit.CapLeadQualifier, Kind: "qualify", MaxAttempts: -1}, "max_attempts"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.d.Submit(context.Background(), tt.req)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestSubmitDefaults(t *testing.T) {
	h := newHarness(t, Config{MaxAttempts: 5}, ExecutorFunc(nil), nil)

	id := h.submit(t, SubmitRequest{})
	view, err := h.d.Status(context.Background(), id)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, LocationQueued, view.Location)
	assert.Equal(t, unit.StatePending, view.State)
	assert.JSONEq(t, `{}`, string(view.Payload))
	assert.Equal(t, 5, view.MaxAttempts)
	assert.Equal(t, unit.PriorityCritical, view.Priority, "zero priority is critical")

	_, err = h.d.Submit(context.Background(), SubmitRequest{ID: id, Capability: unit.CapLeadQualifier, Kind: "qualify"})
	assert.ErrorIs(t, err, ErrDuplicateUnit)
}

func TestSubmitQueueFull(t *testing.T) {
	h := newHarness(t, Config{QueueCapacity: 1}, ExecutorFunc(nil), nil)

	h.submit(t, SubmitRequest{Priority: unit.PriorityLow})
	_, err := h.d.Submit(context.Background(), SubmitRequest{
		Capability: unit.CapLeadQualifier,
		Kind:       "qualify",
		Priority:   unit.PriorityLow,
	})
	require.ErrorIs(t, err, queue.ErrQueueFull)

	// Other buckets are unaffected.
	h.submit(t, SubmitRequest{Priority: unit.PriorityNormal})
	depths := h.d.Depths()
	assert.Equal(t, 1, depths[unit.PriorityLow])
	assert.Equal(t, 1, depths[unit.PriorityNormal])
}

func TestIdenticalUnitServedFromCache(t *testing.T) {
	ctrl := gomock.NewController(t)
	exec := mocks.NewMockExecutor(ctrl)
	exec.EXPECT().
		Execute(gomock.Any(), gomock.Any()).
		Return(okResult("3 matching listings"), nil).
		Times(1)

	c := cache.New(time.Hour, 100)
	h := newHarness(t, Config{}, exec, map[unit.Capability]int{unit.CapPropertyMatcher: 1}, func(d *Deps) {
		d.Cache = c
	})
	h.start(t)

	req := SubmitRequest{
		Capability: unit.CapPropertyMatcher,
		Kind:       "match",
		Priority:   unit.PriorityHigh,
		Payload:    json.RawMessage(`{"buyer":"B-7","beds":3}`),
	}
	first := h.submit(t, req)
	h.waitState(t, first, unit.StateCompleted)

	// Same content, different key order.
	req.Payload = json.RawMessage(`{"beds":3,"buyer":"B-7"}`)
	second := h.submit(t, req)
	view := h.waitState(t, second, unit.StateCompleted)

	assert.True(t, view.CacheHit)
	assert.JSONEq(t, `{"summary":"3 matching listings"}`, string(view.Result))

	snap := h.d.Snapshot()
	assert.Equal(t, uint64(1), snap.CacheHits)
	assert.Equal(t, uint64(1), snap.CacheMisses)
}

func TestConcurrentIdenticalUnitsShareOneExecution(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	exec := ExecutorFunc(func(ctx context.Context, u *unit.Unit) (json.RawMessage, error) {
		calls.Add(1)
		<-release
		return okResult("shared"), nil
	})
	h := newHarness(t, Config{}, exec, map[unit.Capability]int{unit.CapMarketAnalyst: 2}, func(d *Deps) {
		d.Cache = cache.New(time.Hour, 100)
	})
	h.start(t)

	req := SubmitRequest{Capability: unit.CapMarketAnalyst, Kind: "trend", Payload: json.RawMessage(`{"suburb":"Fitzroy"}`)}
	a := h.submit(t, req)
	b := h.submit(t, req)
	h.waitState(t, a, unit.StateRunning)
	h.waitState(t, b, unit.StateRunning)
	close(release)

	h.waitState(t, a, unit.StateCompleted)
	h.waitState(t, b, unit.StateCompleted)
	assert.Equal(t, int32(1), calls.Load())
}

func TestPriorityOrderBehindBusyWorker(t *testing.T) {
	gate := make(chan struct{})
	started := make(chan struct{}, 1)
	var mu sync.Mutex
	var order []string

	exec := ExecutorFunc(func(ctx context.Context, u *unit.Unit) (json.RawMessage, error) {
		if u.ID == "gate" {
			started <- struct{}{}
			<-gate
		}
		mu.Lock()
		order = append(order, u.ID)
		mu.Unlock()
		return okResult(u.ID), nil
	})
	h := newHarness(t, Config{}, exec, nil)
	h.start(t)

	h.submit(t, SubmitRequest{ID: "gate", Priority: unit.PriorityLow})
	select {
	case <-started:
	case <-time.After(waitTimeout):
		t.Fatal("gate unit never started")
	}

	h.submit(t, SubmitRequest{ID: "low", Priority: unit.PriorityLow, Payload: json.RawMessage(`{"n":1}`)})
	h.submit(t, SubmitRequest{ID: "normal", Priority: unit.PriorityNormal, Payload: json.RawMessage(`{"n":2}`)})
	h.submit(t, SubmitRequest{ID: "critical", Priority: unit.PriorityCritical, Payload: json.RawMessage(`{"n":3}`)})
	close(gate)

	h.waitState(t, "low", unit.StateCompleted)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"gate", "critical", "normal", "low"}, order)
}

func TestExecutionTimeout(t *testing.T) {
	exec := ExecutorFunc(func(ctx context.Context, u *unit.Unit) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	h := newHarness(t, Config{ExecutionTimeout: 50 * time.Millisecond}, exec, nil)
	h.start(t)

	id := h.submit(t, SubmitRequest{MaxAttempts: 1})
	view := h.waitState(t, id, unit.StateFailed)
	assert.Equal(t, "retries exhausted after 1 attempts: timed out after 50ms", view.Error)
}

func TestExecutorDeadlineCountsAsTimeout(t *testing.T) {
	exec := ExecutorFunc(func(ctx context.Context, u *unit.Unit) (json.RawMessage, error) {
		if u.Kind == "model" {
			return nil, fmt.Errorf("invoke Lead Qualifier: %w: anthropic request: context deadline exceeded", llm.ErrTimeout)
		}
		return nil, fmt.Errorf("lookup listing: %w", context.DeadlineExceeded)
	})
	h := newHarness(t, Config{ExecutionTimeout: time.Minute}, exec, nil)
	h.start(t)

	model := h.submit(t, SubmitRequest{Kind: "model", MaxAttempts: 1})
	view := h.waitState(t, model, unit.StateFailed)
	assert.True(t, strings.HasPrefix(view.Error, "retries exhausted after 1 attempts: timed out: "), view.Error)
	assert.Contains(t, view.Error, "llm: timeout")

	other := h.submit(t, SubmitRequest{Kind: "lookup", MaxAttempts: 1})
	view = h.waitState(t, other, unit.StateFailed)
	assert.True(t, strings.HasPrefix(view.Error, "retries exhausted after 1 attempts: timed out: "), view.Error)
	assert.NotContains(t, view.Error, "execution error")
}

func TestRetryBypassesFullBucket(t *testing.T) {
	gate := make(chan struct{})
	started := make(chan struct{}, 1)
	var attempts atomic.Int32

	exec := ExecutorFunc(func(ctx context.Context, u *unit.Unit) (json.RawMessage, error) {
		if u.ID != "flaky" {
			return okResult(u.ID), nil
		}
		if attempts.Add(1) == 1 {
			started <- struct{}{}
			<-gate
		}
		return nil, errors.New("listing service unavailable")
	})
	h := newHarness(t, Config{QueueCapacity: 1}, exec, nil)
	h.start(t)

	h.submit(t, SubmitRequest{ID: "flaky", Priority: unit.PriorityLow, MaxAttempts: 3})
	select {
	case <-started:
	case <-time.After(waitTimeout):
		t.Fatal("flaky unit never started")
	}

	// The low bucket is now full while flaky is running.
	h.submit(t, SubmitRequest{ID: "steady", Priority: unit.PriorityLow, Payload: json.RawMessage(`{"n":1}`)})
	_, err := h.d.Submit(context.Background(), SubmitRequest{
		Capability: unit.CapLeadQualifier,
		Kind:       "qualify",
		Priority:   unit.PriorityLow,
		Payload:    json.RawMessage(`{"n":2}`),
	})
	require.ErrorIs(t, err, queue.ErrQueueFull)
	close(gate)

	view := h.waitState(t, "flaky", unit.StateFailed)
	assert.Equal(t, 3, view.AttemptCount)
	assert.Equal(t, int32(3), attempts.Load())
	assert.True(t, strings.HasPrefix(view.Error, "retries exhausted after 3 attempts: "), view.Error)
	assert.Contains(t, view.Error, "listing service unavailable")
	assert.NotContains(t, view.Error, queue.ErrQueueFull.Error())

	h.waitState(t, "steady", unit.StateCompleted)
	assert.Equal(t, uint64(2), h.d.Snapshot().Retries)
}

func TestAssignLeavesQueueAloneWithoutIdleWorkers(t *testing.T) {
	h := newHarness(t, Config{}, ExecutorFunc(nil), map[unit.Capability]int{
		unit.CapLeadQualifier: 1,
		unit.CapMarketAnalyst: 1,
	})
	require.NoError(t, h.pool.MarkBusy("lead_qualifier-1", "elsewhere"))

	h.submit(t, SubmitRequest{ID: "lq-1", Priority: unit.PriorityHigh})
	h.submit(t, SubmitRequest{ID: "lq-2", Priority: unit.PriorityLow, Payload: json.RawMessage(`{"n":2}`)})
	h.submit(t, SubmitRequest{ID: "ma-1", Capability: unit.CapMarketAnalyst, Kind: "cma", Priority: unit.PriorityLow})

	// lead_qualifier is blocked; market_analyst still gets its unit.
	launch := h.d.assign()
	require.Len(t, launch, 1)
	assert.Equal(t, "ma-1", launch[0].u.ID)
	assert.Equal(t, "market_analyst-1", launch[0].workerID)
	assert.Equal(t, 1, h.d.Depths()[unit.PriorityHigh])
	assert.Equal(t, 1, h.d.Depths()[unit.PriorityLow])

	// Every worker is busy now, so a cycle takes nothing.
	assert.Empty(t, h.d.assign())
	assert.Equal(t, 1, h.d.Depths()[unit.PriorityHigh])
	assert.Equal(t, 1, h.d.Depths()[unit.PriorityLow])

	view, err := h.d.Status(context.Background(), "lq-1")
	require.NoError(t, err)
	assert.Equal(t, LocationQueued, view.Location)
}

func TestOfflineWorkerReceivesNoUnits(t *testing.T) {
	var calls atomic.Int32
	exec := ExecutorFunc(func(ctx context.Context, u *unit.Unit) (json.RawMessage, error) {
		calls.Add(1)
		return okResult(u.ID), nil
	})
	h := newHarness(t, Config{IdleInterval: time.Hour}, exec, nil)
	sub, unsub := h.hub.Subscribe()
	defer unsub()

	w, err := h.d.SetWorkerStatus("lead_qualifier-1", pool.StatusOffline)
	require.NoError(t, err)
	assert.Equal(t, pool.StatusOffline, w.Status)
	h.start(t)

	id := h.submit(t, SubmitRequest{})
	time.Sleep(50 * time.Millisecond)
	view, err := h.d.Status(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, unit.StatePending, view.State)
	assert.Zero(t, calls.Load())

	// Returning the worker wakes the loop without waiting for the idle tick.
	_, err = h.d.SetWorkerStatus("lead_qualifier-1", pool.StatusIdle)
	require.NoError(t, err)
	h.waitState(t, id, unit.StateCompleted)

	_, err = h.d.SetWorkerStatus("lead_qualifier-9", pool.StatusOffline)
	assert.ErrorIs(t, err, pool.ErrUnknownWorker)
	_, err = h.d.SetWorkerStatus("lead_qualifier-1", pool.StatusBusy)
	assert.ErrorIs(t, err, pool.ErrInvalidStatus)

	var statuses []string
	timeout := time.After(waitTimeout)
	for len(statuses) < 2 {
		select {
		case ev := <-sub:
			if ev.Type == events.TopicWorkerStatus {
				statuses = append(statuses, string(ev.Data))
			}
		case <-timeout:
			t.Fatalf("worker status events: %v", statuses)
		}
	}
	assert.Contains(t, statuses[0], `"status":"offline"`)
	assert.Contains(t, statuses[1], `"status":"idle"`)
}

func TestExecutorPanicBecomesFailure(t *testing.T) {
	var panicked atomic.Bool
	exec := ExecutorFunc(func(ctx context.Context, u *unit.Unit) (json.RawMessage, error) {
		if panicked.CompareAndSwap(false, true) {
			panic("nil listing")
		}
		return okResult("fine"), nil
	})
	h := newHarness(t, Config{}, exec, nil)
	h.start(t)

	id := h.submit(t, SubmitRequest{MaxAttempts: 1})
	view := h.waitState(t, id, unit.StateFailed)
	assert.Contains(t, view.Error, "execution error: panic: nil listing")

	w, _ := h.pool.Get("lead_qualifier-1")
	assert.Equal(t, 0, w.TasksCompleted)
	assert.Equal(t, pool.StatusIdle, w.Status)

	// The loop survives and keeps dispatching.
	next := h.submit(t, SubmitRequest{Payload: json.RawMessage(`{"again":true}`)})
	h.waitState(t, next, unit.StateCompleted)
}

func TestCancel(t *testing.T) {
	h := newHarness(t, Config{}, ExecutorFunc(nil), nil)
	ctx := context.Background()

	id := h.submit(t, SubmitRequest{Priority: unit.PriorityNormal})
	require.NoError(t, h.d.Cancel(ctx, id))

	view, err := h.d.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, unit.StateCancelled, view.State)
	assert.Equal(t, LocationCompleted, view.Location)
	assert.NotNil(t, view.CompletedAt)
	assert.Zero(t, h.d.Depths()[unit.PriorityNormal])

	assert.ErrorIs(t, h.d.Cancel(ctx, id), ErrNotCancellable)
	assert.ErrorIs(t, h.d.Cancel(ctx, "nope"), ErrUnitNotFound)
	_, err = h.d.Status(ctx, "nope")
	assert.ErrorIs(t, err, ErrUnitNotFound)
	assert.Equal(t, uint64(1), h.d.Snapshot().Cancelled)
}

func TestCancelRunningUnitRefused(t *testing.T) {
	release := make(chan struct{})
	exec := ExecutorFunc(func(ctx context.Context, u *unit.Unit) (json.RawMessage, error) {
		<-release
		return okResult("done"), nil
	})
	h := newHarness(t, Config{}, exec, nil)
	h.start(t)
	defer close(release)

	id := h.submit(t, SubmitRequest{})
	h.waitState(t, id, unit.StateRunning)
	assert.ErrorIs(t, h.d.Cancel(context.Background(), id), ErrNotCancellable)
}

func TestEvictedUnitsFallBackToArchive(t *testing.T) {
	a, err := archive.Open(context.Background(), filepath.Join(t.TempDir(), "archive.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	exec := ExecutorFunc(func(ctx context.Context, u *unit.Unit) (json.RawMessage, error) {
		return okResult(u.ID), nil
	})
	h := newHarness(t, Config{CompletedMax: 1}, exec, nil, func(d *Deps) {
		d.Archive = a
	})
	h.start(t)

	first := h.submit(t, SubmitRequest{Payload: json.RawMessage(`{"n":1}`)})
	h.waitState(t, first, unit.StateCompleted)
	second := h.submit(t, SubmitRequest{Payload: json.RawMessage(`{"n":2}`)})
	h.waitState(t, second, unit.StateCompleted)

	view, err := h.d.Status(context.Background(), first)
	require.NoError(t, err)
	assert.Equal(t, LocationArchived, view.Location)
	assert.Equal(t, unit.StateCompleted, view.State)
	assert.JSONEq(t, string(okResult(first)), string(view.Result))

	assert.ErrorIs(t, h.d.Cancel(context.Background(), first), ErrNotCancellable)
}

func TestEvictCompletedByRetention(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	h := newHarness(t, Config{CompletedRetention: time.Minute}, ExecutorFunc(nil), nil, func(d *Deps) {
		d.Clock = clock
	})
	ctx := context.Background()

	old := h.submit(t, SubmitRequest{Payload: json.RawMessage(`{"n":1}`)})
	require.NoError(t, h.d.Cancel(ctx, old))

	mu.Lock()
	now = now.Add(2 * time.Minute)
	mu.Unlock()
	fresh := h.submit(t, SubmitRequest{Payload: json.RawMessage(`{"n":2}`)})
	require.NoError(t, h.d.Cancel(ctx, fresh))

	assert.Equal(t, 1, h.d.EvictCompleted())
	_, err := h.d.Status(ctx, old)
	assert.ErrorIs(t, err, ErrUnitNotFound)
	_, err = h.d.Status(ctx, fresh)
	assert.NoError(t, err)
}

func TestDrainStopsSubmissions(t *testing.T) {
	exec := ExecutorFunc(func(ctx context.Context, u *unit.Unit) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	h := newHarness(t, Config{ExecutionTimeout: time.Minute}, exec, nil)

	loopCtx, stopLoop := context.WithCancel(context.Background())
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		_ = h.d.Start(loopCtx)
	}()

	id := h.submit(t, SubmitRequest{MaxAttempts: 1})
	h.waitState(t, id, unit.StateRunning)

	stopLoop()
	<-loopDone

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := h.d.Drain(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	view := h.waitState(t, id, unit.StateFailed)
	assert.Contains(t, view.Error, "execution error")

	_, err = h.d.Submit(context.Background(), SubmitRequest{Capability: unit.CapLeadQualifier, Kind: "qualify"})
	assert.ErrorIs(t, err, ErrStopped)
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Config{}, Deps{})
	assert.Error(t, err)
}

package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/mattjoyce/conductor/internal/archive"
	"github.com/mattjoyce/conductor/internal/events"
	"github.com/mattjoyce/conductor/internal/log"
	"github.com/mattjoyce/conductor/internal/metrics"
	"github.com/mattjoyce/conductor/internal/pool"
	"github.com/mattjoyce/conductor/internal/queue"
	"github.com/mattjoyce/conductor/internal/unit"
)

//go:generate mockgen -destination=mocks/mock_executor.go -package=mocks github.com/mattjoyce/conductor/internal/dispatch Executor

// Executor runs one attempt of a unit. It receives a copy of the unit and
// should honour ctx; the supervisor abandons it at the deadline regardless.
type Executor interface {
	Execute(ctx context.Context, u *unit.Unit) (json.RawMessage, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, u *unit.Unit) (json.RawMessage, error)

func (f ExecutorFunc) Execute(ctx context.Context, u *unit.Unit) (json.RawMessage, error) {
	return f(ctx, u)
}

// ResultCache memoizes results by cache key.
type ResultCache interface {
	Get(ctx context.Context, key string) (json.RawMessage, bool)
	Put(ctx context.Context, key string, value json.RawMessage)
}

// Archiver keeps terminal units after the completed map evicts them.
type Archiver interface {
	Record(ctx context.Context, u *unit.Unit) error
	Get(ctx context.Context, id string) (*unit.Unit, error)
}

const (
	DefaultIdleInterval     = 100 * time.Millisecond
	DefaultExecutionTimeout = 30 * time.Second
	DefaultMaxAttempts      = 3
)

// Config tunes the dispatcher. Zero values fall back to the defaults above;
// zero retention or max keeps completed units until evicted by the other.
type Config struct {
	// QueueCapacity bounds each priority bucket. Zero is unbounded.
	QueueCapacity      int
	IdleInterval       time.Duration
	ExecutionTimeout   time.Duration
	MaxAttempts        int
	CompletedRetention time.Duration
	CompletedMax       int
}

// Deps are the collaborators of a Dispatcher. Pool, Executor and Metrics
// are required.
type Deps struct {
	Pool     *pool.Pool
	Executor Executor
	Metrics  *metrics.Aggregator
	Cache    ResultCache
	Events   events.Broadcaster
	Archive  Archiver
	Clock    func() time.Time
}

// Dispatcher owns the priority queue and every unit's lifecycle.
type Dispatcher struct {
	cfg      Config
	pool     *pool.Pool
	executor Executor
	metrics  *metrics.Aggregator
	cache    ResultCache
	events   events.Broadcaster
	archive  Archiver
	now      func() time.Time
	logger   *slog.Logger

	mu             sync.Mutex
	queue          *queue.Queue
	active         map[string]*unit.Unit
	completed      map[string]*unit.Unit
	completedOrder []string

	wake     chan struct{}
	flight   singleflight.Group
	inflight sync.WaitGroup
	running  atomic.Bool
	stopped  atomic.Bool

	// execCtx parents every execution; Drain cancels it when the grace
	// period runs out.
	execCtx    context.Context
	execCancel context.CancelFunc
}

// New creates a Dispatcher. Call Start to run the dispatch loop.
func New(cfg Config, deps Deps) (*Dispatcher, error) {
	if deps.Pool == nil || deps.Executor == nil || deps.Metrics == nil {
		return nil, fmt.Errorf("dispatch: pool, executor and metrics are required")
	}
	if cfg.IdleInterval <= 0 {
		cfg.IdleInterval = DefaultIdleInterval
	}
	if cfg.ExecutionTimeout <= 0 {
		cfg.ExecutionTimeout = DefaultExecutionTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if deps.Events == nil {
		deps.Events = events.Discard{}
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}

	execCtx, execCancel := context.WithCancel(context.Background())
	return &Dispatcher{
		cfg:        cfg,
		pool:       deps.Pool,
		executor:   deps.Executor,
		metrics:    deps.Metrics,
		cache:      deps.Cache,
		events:     deps.Events,
		archive:    deps.Archive,
		now:        deps.Clock,
		logger:     log.WithComponent("dispatch"),
		queue:      queue.New(cfg.QueueCapacity),
		active:     make(map[string]*unit.Unit),
		completed:  make(map[string]*unit.Unit),
		wake:       make(chan struct{}, 1),
		execCtx:    execCtx,
		execCancel: execCancel,
	}, nil
}

// SubmitRequest describes a unit to queue. ID is generated when empty,
// Priority defaults to normal via unit.ParsePriority at the edges, and
// MaxAttempts falls back to the configured default when zero.
type SubmitRequest struct {
	ID          string
	Capability  unit.Capability
	Kind        string
	Payload     json.RawMessage
	Priority    unit.Priority
	MaxAttempts int
}

// Submit validates req and queues it as a pending unit. It never blocks on
// execution. A full priority bucket returns queue.ErrQueueFull.
func (d *Dispatcher) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	if d.stopped.Load() {
		return "", ErrStopped
	}
	u, err := d.validate(req)
	if err != nil {
		return "", err
	}

	d.mu.Lock()
	if _, where := d.locateLocked(u.ID); where != "" {
		d.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrDuplicateUnit, u.ID)
	}
	if err := d.queue.Enqueue(u); err != nil {
		d.mu.Unlock()
		return "", err
	}
	snap := u.Clone()
	d.mu.Unlock()

	d.metrics.RecordSubmitted()
	log.WithUnit(snap.ID).Debug("unit submitted", "capability", snap.Capability, "priority", snap.Priority.String())
	d.events.Publish(events.TopicSubmitted, eventFor(snap))
	d.signal()
	return snap.ID, nil
}

func (d *Dispatcher) validate(req SubmitRequest) (*unit.Unit, error) {
	if !req.Capability.Known() {
		return nil, invalid("capability", "unknown capability %q", req.Capability)
	}
	if d.pool.Size(req.Capability) == 0 {
		return nil, invalid("capability", "no workers configured for %q", req.Capability)
	}
	if !req.Priority.Valid() {
		return nil, invalid("priority", "unknown priority %d", int(req.Priority))
	}
	kind := strings.TrimSpace(req.Kind)
	if kind == "" {
		return nil, invalid("kind", "must not be empty")
	}
	if req.MaxAttempts < 0 {
		return nil, invalid("max_attempts", "must not be negative")
	}

	payload := bytes.TrimSpace(req.Payload)
	switch {
	case len(payload) == 0:
		payload = []byte("{}")
	case payload[0] != '{' || !json.Valid(payload):
		return nil, invalid("payload", "must be a JSON object")
	}

	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = uuid.NewString()
	}
	maxAttempts := req.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = d.cfg.MaxAttempts
	}

	return &unit.Unit{
		ID:          id,
		Capability:  req.Capability,
		Kind:        kind,
		Payload:     append(json.RawMessage(nil), payload...),
		Priority:    req.Priority,
		State:       unit.StatePending,
		CreatedAt:   d.now(),
		MaxAttempts: maxAttempts,
	}, nil
}

// Location names where a unit currently lives.
type Location string

const (
	LocationQueued    Location = "queued"
	LocationActive    Location = "active"
	LocationCompleted Location = "completed"
	LocationArchived  Location = "archived"
)

// StatusView is a read-only copy of a unit plus where it was found.
type StatusView struct {
	unit.Unit
	Location Location `json:"location"`
}

// Status looks the unit up in the queue, the active map, the completed map
// and finally the archive.
func (d *Dispatcher) Status(ctx context.Context, id string) (StatusView, error) {
	d.mu.Lock()
	u, where := d.locateLocked(id)
	var view StatusView
	if u != nil {
		view = StatusView{Unit: *u.Clone(), Location: where}
	}
	d.mu.Unlock()
	if u != nil {
		return view, nil
	}

	if d.archive != nil {
		archived, err := d.archive.Get(ctx, id)
		switch {
		case err == nil:
			return StatusView{Unit: *archived, Location: LocationArchived}, nil
		case !errors.Is(err, archive.ErrNotFound):
			return StatusView{}, fmt.Errorf("status %s: %w", id, err)
		}
	}
	return StatusView{}, fmt.Errorf("%w: %s", ErrUnitNotFound, id)
}

func (d *Dispatcher) locateLocked(id string) (*unit.Unit, Location) {
	if u, ok := d.queue.Get(id); ok {
		return u, LocationQueued
	}
	if u, ok := d.active[id]; ok {
		return u, LocationActive
	}
	if u, ok := d.completed[id]; ok {
		return u, LocationCompleted
	}
	return nil, ""
}

// Cancel moves a pending unit straight to cancelled. Units already handed
// to a worker cannot be cancelled.
func (d *Dispatcher) Cancel(ctx context.Context, id string) error {
	d.mu.Lock()
	u, ok := d.queue.Remove(id)
	if !ok {
		_, where := d.locateLocked(id)
		d.mu.Unlock()
		if where != "" {
			return fmt.Errorf("%w: %s is %s", ErrNotCancellable, id, where)
		}
		if d.archive != nil {
			if _, err := d.archive.Get(ctx, id); err == nil {
				return fmt.Errorf("%w: %s is %s", ErrNotCancellable, id, LocationArchived)
			}
		}
		return fmt.Errorf("%w: %s", ErrUnitNotFound, id)
	}
	if err := u.Transition(unit.StateCancelled, d.now()); err != nil {
		// Only pending units are queued, so this is a broken invariant.
		_ = d.queue.Requeue(u)
		d.mu.Unlock()
		return fmt.Errorf("cancel %s: %w", id, err)
	}
	d.addCompletedLocked(u)
	d.metrics.RecordCancelled()
	snap := u.Clone()
	d.mu.Unlock()

	d.record(snap)
	log.WithUnit(id).Info("unit cancelled")
	d.events.Publish(events.TopicCancelled, eventFor(snap))
	return nil
}

// SetWorkerStatus takes an idle worker out of rotation or returns it. The
// loop is woken when a worker comes back so queued units do not wait for the
// idle tick.
func (d *Dispatcher) SetWorkerStatus(workerID string, s pool.Status) (pool.Worker, error) {
	if err := d.pool.SetStatus(workerID, s); err != nil {
		return pool.Worker{}, err
	}
	w, _ := d.pool.Get(workerID)
	d.logger.Info("worker status changed", "worker_id", workerID, "capability", w.Capability, "status", w.Status)
	d.events.Publish(events.TopicWorkerStatus, w)
	if s == pool.StatusIdle {
		d.signal()
	}
	return w, nil
}

// Depths returns pending units per priority.
func (d *Dispatcher) Depths() map[unit.Priority]int {
	return d.queue.Depths()
}

// Snapshot reads metrics, queue depths and the worker roster together.
func (d *Dispatcher) Snapshot() metrics.Snapshot {
	return d.metrics.Snapshot(d.Depths(), d.pool, d.now())
}

// Start runs the dispatch loop until ctx is cancelled. It wakes on every
// submission, release and retry, and at least once per IdleInterval.
func (d *Dispatcher) Start(ctx context.Context) error {
	if !d.running.CompareAndSwap(false, true) {
		return fmt.Errorf("dispatch loop already running")
	}
	defer d.running.Store(false)

	d.logger.Info("dispatch loop started", "idle_interval", d.cfg.IdleInterval.String())
	defer d.logger.Info("dispatch loop stopped")

	ticker := time.NewTicker(d.cfg.IdleInterval)
	defer ticker.Stop()

	for {
		d.cycle()
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-d.wake:
		}
	}
}

func (d *Dispatcher) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

type assignment struct {
	u        *unit.Unit
	workerID string
}

// cycle scans the queue in priority order while any capability has an idle
// worker. Units with an idle worker are launched; the others visited go back
// to the tail of their bucket in the order they were visited.
func (d *Dispatcher) cycle() {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("dispatch cycle panicked", "panic", r, "stack", string(debug.Stack()))
		}
	}()

	launch := d.assign()
	for _, a := range launch {
		go d.supervise(a.u, a.workerID)
	}
}

func (d *Dispatcher) assign() (launch []assignment) {
	d.mu.Lock()
	defer d.mu.Unlock()
	defer func() { d.inflight.Add(len(launch)) }()

	// Capabilities with an idle worker left in this scan. Once none are
	// left the rest of the queue is not touched.
	open := make(map[unit.Capability]bool)
	for _, c := range unit.Capabilities {
		if d.pool.HasIdle(c) {
			open[c] = true
		}
	}
	if len(open) == 0 {
		return nil
	}

	d.queue.Scan(func(u *unit.Unit) (take, stop bool) {
		if !open[u.Capability] {
			return false, false
		}
		w, ok := d.pool.FindIdle(u.Capability)
		if !ok {
			delete(open, u.Capability)
			return false, len(open) == 0
		}
		if err := d.pool.MarkBusy(w.ID, u.ID); err != nil {
			return false, false
		}
		if err := u.Transition(unit.StateAssigned, d.now()); err != nil {
			d.pool.MarkIdle(w.ID)
			d.logger.Error("assign failed", "unit_id", u.ID, "error", err)
			return false, false
		}
		u.WorkerID = w.ID
		d.active[u.ID] = u
		launch = append(launch, assignment{u: u, workerID: w.ID})
		if !d.pool.HasIdle(u.Capability) {
			delete(open, u.Capability)
		}
		return true, len(open) == 0
	})
	return launch
}

// addCompletedLocked files a terminal unit and trims the completed map to
// CompletedMax.
func (d *Dispatcher) addCompletedLocked(u *unit.Unit) {
	d.completed[u.ID] = u
	d.completedOrder = append(d.completedOrder, u.ID)
	if d.cfg.CompletedMax > 0 {
		for len(d.completed) > d.cfg.CompletedMax && len(d.completedOrder) > 0 {
			delete(d.completed, d.completedOrder[0])
			d.completedOrder = d.completedOrder[1:]
		}
	}
}

// EvictCompleted drops terminal units completed more than CompletedRetention
// ago from memory and returns how many went. Archived units stay queryable.
func (d *Dispatcher) EvictCompleted() int {
	if d.cfg.CompletedRetention <= 0 {
		return 0
	}
	cutoff := d.now().Add(-d.cfg.CompletedRetention)

	d.mu.Lock()
	defer d.mu.Unlock()

	evicted := 0
	keep := d.completedOrder[:0]
	for _, id := range d.completedOrder {
		u, ok := d.completed[id]
		if !ok {
			continue
		}
		if u.CompletedAt != nil && u.CompletedAt.Before(cutoff) {
			delete(d.completed, id)
			evicted++
			continue
		}
		keep = append(keep, id)
	}
	d.completedOrder = keep
	return evicted
}

// Drain stops accepting submissions and waits for in-flight executions.
// When ctx ends first, running executions are cancelled and Drain returns
// once they have unwound. The dispatch loop must already have returned.
func (d *Dispatcher) Drain(ctx context.Context) error {
	d.stopped.Store(true)

	done := make(chan struct{})
	go func() {
		d.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.execCancel()
		return nil
	case <-ctx.Done():
		d.logger.Warn("drain deadline reached, cancelling executions")
		d.execCancel()
		<-done
		return fmt.Errorf("drain: %w", ctx.Err())
	}
}

// UnitEvent is the broadcast payload for lifecycle topics.
type UnitEvent struct {
	UnitID     string          `json:"unit_id"`
	Capability unit.Capability `json:"capability"`
	Kind       string          `json:"kind"`
	Priority   unit.Priority   `json:"priority"`
	State      unit.State      `json:"state"`
	Attempt    int             `json:"attempt_count"`
	WorkerID   string          `json:"worker_id,omitempty"`
	CacheHit   bool            `json:"cache_hit,omitempty"`
	Error      string          `json:"error,omitempty"`
}

func eventFor(u *unit.Unit) UnitEvent {
	return UnitEvent{
		UnitID:     u.ID,
		Capability: u.Capability,
		Kind:       u.Kind,
		Priority:   u.Priority,
		State:      u.State,
		Attempt:    u.AttemptCount,
		WorkerID:   u.WorkerID,
		CacheHit:   u.CacheHit,
		Error:      u.Error,
	}
}

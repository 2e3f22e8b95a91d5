// Package pool keeps the fixed roster of workers per capability and tracks
// which of them are idle, busy or taken out of rotation.
package pool

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mattjoyce/conductor/internal/unit"
)

// Status is a worker's availability.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusBusy    Status = "busy"
	StatusError   Status = "error"
	StatusOffline Status = "offline"
)

var (
	ErrUnknownWorker = errors.New("unknown worker")
	ErrNotIdle       = errors.New("worker not idle")
	ErrWorkerBusy    = errors.New("worker busy")
	ErrInvalidStatus = errors.New("invalid worker status")
)

// Worker is one execution slot bound to a single capability.
type Worker struct {
	ID                  string          `json:"id"`
	Capability          unit.Capability `json:"capability"`
	Status              Status          `json:"status"`
	CurrentUnitID       string          `json:"current_unit_id,omitempty"`
	TasksCompleted      int             `json:"tasks_completed"`
	TotalProcessingTime time.Duration   `json:"total_processing_time"`
	PerformanceScore    float64         `json:"performance_score"`
	BusySince           time.Time       `json:"busy_since,omitempty"`
	BusyTime            time.Duration   `json:"busy_time"`
}

// AverageProcessingTime is zero until the worker has completed a unit.
func (w Worker) AverageProcessingTime() time.Duration {
	if w.TasksCompleted == 0 {
		return 0
	}
	return w.TotalProcessingTime / time.Duration(w.TasksCompleted)
}

// Pool is safe for concurrent use. Every accessor returns copies.
type Pool struct {
	mu      sync.Mutex
	workers map[string]*Worker
	byCap   map[unit.Capability][]*Worker
	started time.Time
	now     func() time.Time
}

// Option customises a Pool.
type Option func(*Pool)

// WithClock injects the time source used for busy accounting.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

// New builds the roster. Worker ids are "<capability>-<n>" starting at 1.
// Capabilities with a size <= 0 get no workers.
func New(sizes map[unit.Capability]int, opts ...Option) *Pool {
	p := &Pool{
		workers: make(map[string]*Worker),
		byCap:   make(map[unit.Capability][]*Worker),
		now:     time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	p.started = p.now()

	for capability, n := range sizes {
		for i := 1; i <= n; i++ {
			w := &Worker{
				ID:               fmt.Sprintf("%s-%d", capability, i),
				Capability:       capability,
				Status:           StatusIdle,
				PerformanceScore: 1,
			}
			p.workers[w.ID] = w
			p.byCap[capability] = append(p.byCap[capability], w)
		}
	}
	return p
}

// Size returns the number of workers configured for capability.
func (p *Pool) Size(capability unit.Capability) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.byCap[capability])
}

// FindIdle returns the idle worker for capability with the highest
// performance score, ties broken by id. ok is false if none is idle.
func (p *Pool) FindIdle(capability unit.Capability) (Worker, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var best *Worker
	for _, w := range p.byCap[capability] {
		if w.Status != StatusIdle {
			continue
		}
		if best == nil ||
			w.PerformanceScore > best.PerformanceScore ||
			(w.PerformanceScore == best.PerformanceScore && w.ID < best.ID) {
			best = w
		}
	}
	if best == nil {
		return Worker{}, false
	}
	return *best, true
}

// HasIdle reports whether any worker for capability is idle.
func (p *Pool) HasIdle(capability unit.Capability) bool {
	_, ok := p.FindIdle(capability)
	return ok
}

// MarkBusy binds unitID to an idle worker.
func (p *Pool) MarkBusy(workerID, unitID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	w, ok := p.workers[workerID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownWorker, workerID)
	}
	if w.Status != StatusIdle {
		return fmt.Errorf("%w: %s is %s", ErrNotIdle, workerID, w.Status)
	}
	w.Status = StatusBusy
	w.CurrentUnitID = unitID
	w.BusySince = p.now()
	return nil
}

// MarkIdle releases a busy worker. Calling it on a worker that is not busy
// is a no-op, so busy time is accumulated exactly once per assignment.
func (p *Pool) MarkIdle(workerID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	w, ok := p.workers[workerID]
	if !ok || w.Status != StatusBusy {
		return
	}
	if !w.BusySince.IsZero() {
		w.BusyTime += p.now().Sub(w.BusySince)
	}
	w.Status = StatusIdle
	w.CurrentUnitID = ""
	w.BusySince = time.Time{}
}

// RecordSuccess credits a completed unit to the worker.
func (p *Pool) RecordSuccess(workerID string, d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	w, ok := p.workers[workerID]
	if !ok {
		return
	}
	w.TasksCompleted++
	w.TotalProcessingTime += d
	w.PerformanceScore = 1 / (1 + w.AverageProcessingTime().Seconds())
}

// SetStatus takes an idle worker out of rotation (offline, error) or puts it
// back (idle). Busy workers can only be released through MarkIdle.
func (p *Pool) SetStatus(workerID string, s Status) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	w, ok := p.workers[workerID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownWorker, workerID)
	}
	switch s {
	case StatusIdle, StatusOffline, StatusError:
	default:
		return fmt.Errorf("%w %q for %s", ErrInvalidStatus, s, workerID)
	}
	if w.Status == StatusBusy {
		return fmt.Errorf("%w: %s is running %s", ErrWorkerBusy, workerID, w.CurrentUnitID)
	}
	w.Status = s
	return nil
}

// Get returns a copy of one worker.
func (p *Pool) Get(workerID string) (Worker, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.workers[workerID]
	if !ok {
		return Worker{}, false
	}
	return *w, true
}

// Snapshot returns copies of all workers sorted by id.
func (p *Pool) Snapshot() []Worker {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Worker, 0, len(p.workers))
	for _, w := range p.workers {
		out = append(out, *w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Stuck returns busy workers whose current assignment started more than
// maxExec before now.
func (p *Pool) Stuck(maxExec time.Duration, now time.Time) []Worker {
	var out []Worker
	for _, w := range p.Snapshot() {
		if w.Status == StatusBusy && !w.BusySince.IsZero() && now.Sub(w.BusySince) > maxExec {
			out = append(out, w)
		}
	}
	return out
}

// Utilization returns, per worker, the fraction of the pool's lifetime spent
// busy, counting the in-progress assignment up to now.
func (p *Pool) Utilization(now time.Time) map[string]float64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	lifetime := now.Sub(p.started)
	out := make(map[string]float64, len(p.workers))
	for id, w := range p.workers {
		if lifetime <= 0 {
			out[id] = 0
			continue
		}
		busy := w.BusyTime
		if w.Status == StatusBusy && !w.BusySince.IsZero() {
			busy += now.Sub(w.BusySince)
		}
		u := float64(busy) / float64(lifetime)
		if u > 1 {
			u = 1
		}
		out[id] = u
	}
	return out
}

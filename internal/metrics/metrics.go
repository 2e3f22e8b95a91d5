// Package metrics aggregates orchestrator counters into point-in-time
// snapshots, derives health from them and exports them to Prometheus.
package metrics

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mattjoyce/conductor/internal/pool"
	"github.com/mattjoyce/conductor/internal/unit"
)

// DefaultWindow is how many completion times feed the rolling average.
const DefaultWindow = 100

// Thresholds decide when the orchestrator reports itself unhealthy.
type Thresholds struct {
	MinSuccessRate   float64
	MaxQueueDepth    int
	MaxExecutionTime time.Duration
}

// Observer receives every terminal outcome with its duration.
type Observer interface {
	Observe(outcome string, d time.Duration)
}

// WorkerSource is the part of the worker pool a snapshot reads.
type WorkerSource interface {
	Snapshot() []pool.Worker
	Utilization(now time.Time) map[string]float64
	Stuck(maxExec time.Duration, now time.Time) []pool.Worker
}

// Aggregator is safe for concurrent use.
type Aggregator struct {
	mu sync.Mutex

	submitted   uint64
	completed   uint64
	failed      uint64
	cancelled   uint64
	retries     uint64
	cacheHits   uint64
	cacheMisses uint64

	window []time.Duration
	next   int
	filled bool

	thresholds Thresholds
	observer   Observer
}

// NewAggregator keeps the last window completion times for the average.
func NewAggregator(window int, thresholds Thresholds) *Aggregator {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Aggregator{
		window:     make([]time.Duration, window),
		thresholds: thresholds,
	}
}

// SetObserver forwards terminal outcomes, e.g. to a Prometheus histogram.
func (a *Aggregator) SetObserver(o Observer) {
	a.mu.Lock()
	a.observer = o
	a.mu.Unlock()
}

func (a *Aggregator) RecordSubmitted() {
	a.mu.Lock()
	a.submitted++
	a.mu.Unlock()
}

// RecordCompleted counts a successful terminal unit whose created-to-completed
// duration was d.
func (a *Aggregator) RecordCompleted(d time.Duration) {
	a.mu.Lock()
	a.completed++
	a.window[a.next] = d
	a.next = (a.next + 1) % len(a.window)
	if a.next == 0 {
		a.filled = true
	}
	o := a.observer
	a.mu.Unlock()

	if o != nil {
		o.Observe(string(unit.StateCompleted), d)
	}
}

func (a *Aggregator) RecordFailed(d time.Duration) {
	a.mu.Lock()
	a.failed++
	o := a.observer
	a.mu.Unlock()

	if o != nil {
		o.Observe(string(unit.StateFailed), d)
	}
}

func (a *Aggregator) RecordCancelled() {
	a.mu.Lock()
	a.cancelled++
	a.mu.Unlock()
}

func (a *Aggregator) RecordRetry() {
	a.mu.Lock()
	a.retries++
	a.mu.Unlock()
}

func (a *Aggregator) RecordCacheHit() {
	a.mu.Lock()
	a.cacheHits++
	a.mu.Unlock()
}

func (a *Aggregator) RecordCacheMiss() {
	a.mu.Lock()
	a.cacheMisses++
	a.mu.Unlock()
}

// WorkerStat is the per-worker slice of a snapshot.
type WorkerStat struct {
	ID                string          `json:"id"`
	Capability        unit.Capability `json:"capability"`
	Status            pool.Status     `json:"status"`
	CurrentUnitID     string          `json:"current_unit_id,omitempty"`
	TasksCompleted    int             `json:"tasks_completed"`
	AvgProcessingTime time.Duration   `json:"avg_processing_time"`
	PerformanceScore  float64         `json:"performance_score"`
	Utilization       float64         `json:"utilization"`
}

// Snapshot is a point-in-time copy of every counter plus derived health.
type Snapshot struct {
	At                time.Time      `json:"at"`
	Submitted         uint64         `json:"submitted"`
	Completed         uint64         `json:"completed"`
	Failed            uint64         `json:"failed"`
	Cancelled         uint64         `json:"cancelled"`
	Retries           uint64         `json:"retries"`
	CacheHits         uint64         `json:"cache_hits"`
	CacheMisses       uint64         `json:"cache_misses"`
	SuccessRate       float64        `json:"success_rate"`
	CacheHitRate      float64        `json:"cache_hit_rate"`
	AvgCompletionTime time.Duration  `json:"avg_completion_time"`
	QueueDepth        map[string]int `json:"queue_depth"`
	TotalDepth        int            `json:"total_depth"`
	Workers           []WorkerStat   `json:"workers"`
	StuckWorkers      []string       `json:"stuck_workers,omitempty"`
	Healthy           bool           `json:"healthy"`
	Symptoms          []string       `json:"symptoms,omitempty"`
}

// Snapshot reads the counters together with the given queue depths and
// worker roster. It mutates nothing.
func (a *Aggregator) Snapshot(depths map[unit.Priority]int, workers WorkerSource, now time.Time) Snapshot {
	a.mu.Lock()
	s := Snapshot{
		At:                now,
		Submitted:         a.submitted,
		Completed:         a.completed,
		Failed:            a.failed,
		Cancelled:         a.cancelled,
		Retries:           a.retries,
		CacheHits:         a.cacheHits,
		CacheMisses:       a.cacheMisses,
		AvgCompletionTime: a.averageLocked(),
	}
	th := a.thresholds
	a.mu.Unlock()

	s.SuccessRate = 1
	if terminal := s.Completed + s.Failed; terminal > 0 {
		s.SuccessRate = float64(s.Completed) / float64(terminal)
	}
	if lookups := s.CacheHits + s.CacheMisses; lookups > 0 {
		s.CacheHitRate = float64(s.CacheHits) / float64(lookups)
	}

	s.QueueDepth = make(map[string]int, len(unit.Priorities))
	for _, p := range unit.Priorities {
		s.QueueDepth[p.String()] = depths[p]
		s.TotalDepth += depths[p]
	}

	if workers != nil {
		util := workers.Utilization(now)
		for _, w := range workers.Snapshot() {
			s.Workers = append(s.Workers, WorkerStat{
				ID:                w.ID,
				Capability:        w.Capability,
				Status:            w.Status,
				CurrentUnitID:     w.CurrentUnitID,
				TasksCompleted:    w.TasksCompleted,
				AvgProcessingTime: w.AverageProcessingTime(),
				PerformanceScore:  w.PerformanceScore,
				Utilization:       util[w.ID],
			})
		}
		if th.MaxExecutionTime > 0 {
			for _, w := range workers.Stuck(th.MaxExecutionTime, now) {
				s.StuckWorkers = append(s.StuckWorkers, w.ID)
			}
			sort.Strings(s.StuckWorkers)
		}
	}

	s.Symptoms = symptoms(s, th)
	s.Healthy = len(s.Symptoms) == 0
	return s
}

func (a *Aggregator) averageLocked() time.Duration {
	n := a.next
	if a.filled {
		n = len(a.window)
	}
	if n == 0 {
		return 0
	}
	var total time.Duration
	for _, d := range a.window[:n] {
		total += d
	}
	return total / time.Duration(n)
}

func symptoms(s Snapshot, th Thresholds) []string {
	var out []string
	if s.SuccessRate < th.MinSuccessRate {
		out = append(out, fmt.Sprintf("success rate %.2f below %.2f", s.SuccessRate, th.MinSuccessRate))
	}
	if th.MaxQueueDepth > 0 && s.TotalDepth >= th.MaxQueueDepth {
		out = append(out, fmt.Sprintf("queue depth %d at or above %d", s.TotalDepth, th.MaxQueueDepth))
	}
	for _, id := range s.StuckWorkers {
		out = append(out, fmt.Sprintf("worker %s busy longer than %s", id, th.MaxExecutionTime))
	}
	return out
}

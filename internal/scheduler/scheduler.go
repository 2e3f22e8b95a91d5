// Package scheduler runs periodic maintenance for the orchestrator on
// robfig/cron: cache sweeps, snapshot export, in-memory eviction and
// archive pruning.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/mattjoyce/conductor/internal/config"
	"github.com/mattjoyce/conductor/internal/events"
)

// Job names, also used as config keys under maintenance.
const (
	JobCacheSweep    = "cache_sweep"
	JobMetricsExport = "metrics_export"
	JobEviction      = "eviction"
	JobArchivePrune  = "archive_prune"
)

// TopicSnapshot is published with every exported snapshot.
const TopicSnapshot = "orchestrator.snapshot"

const pruneTimeout = 30 * time.Second

var ErrUnknownJob = errors.New("unknown maintenance job")

// Targets are the components maintenance acts on. A nil target disables
// its job.
type Targets struct {
	Cache   CacheSweeper
	Units   Evictor
	Archive ArchivePruner
	Metrics SnapshotSource
	Events  events.Broadcaster
}

// Scheduler manages the maintenance jobs.
type Scheduler struct {
	cron      *cron.Cron
	targets   Targets
	retention time.Duration
	logger    *slog.Logger
	jobs      map[string]func(context.Context)

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	running bool
}

// New registers every job that has both a schedule and a target.
func New(cfg *config.Config, targets Targets, logger *slog.Logger) (*Scheduler, error) {
	if targets.Events == nil {
		targets.Events = events.Discard{}
	}
	logger = logger.With("component", "scheduler")
	cl := cronLogger{logger}

	s := &Scheduler{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		targets:   targets,
		retention: cfg.Archive.Retention,
		logger:    logger,
		jobs:      make(map[string]func(context.Context)),
		ctx:       context.Background(),
	}

	m := cfg.Maintenance
	candidates := []struct {
		name    string
		spec    string
		enabled bool
		run     func(context.Context)
	}{
		{JobCacheSweep, m.CacheSweep, targets.Cache != nil, s.sweepCache},
		{JobMetricsExport, m.MetricsExport, targets.Metrics != nil, s.exportMetrics},
		{JobEviction, m.Eviction, targets.Units != nil, s.evictCompleted},
		{JobArchivePrune, m.ArchivePrune, targets.Archive != nil && s.retention > 0, s.pruneArchive},
	}
	for _, c := range candidates {
		if c.spec == "" || !c.enabled {
			continue
		}
		sched, err := config.ParseSchedule(c.spec)
		if err != nil {
			return nil, fmt.Errorf("maintenance.%s: %w", c.name, err)
		}
		run := c.run
		s.cron.Schedule(sched, cron.FuncJob(func() { run(s.jobContext()) }))
		s.jobs[c.name] = run
		logger.Debug("Registered maintenance job", "job", c.name, "schedule", c.spec)
	}
	return s, nil
}

// Jobs returns the registered job names, sorted.
func (s *Scheduler) Jobs() []string {
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RunNow runs one job synchronously.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	run, ok := s.jobs[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	run(ctx)
	return nil
}

// Start begins running jobs on their schedules. It returns immediately;
// cancelling ctx stops the scheduler.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("scheduler already started")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.running = true

	s.cron.Start()
	s.logger.Info("Starting scheduler", "jobs", s.Jobs())

	go func(ctx context.Context) {
		<-ctx.Done()
		s.cron.Stop()
	}(s.ctx)
	return nil
}

// Stop halts scheduling and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	s.mu.Unlock()

	s.logger.Info("Stopping scheduler")
	<-s.cron.Stop().Done()
	s.logger.Info("Scheduler stopped")
}

func (s *Scheduler) jobContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

func (s *Scheduler) sweepCache(context.Context) {
	if n := s.targets.Cache.Sweep(); n > 0 {
		s.logger.Debug("Swept expired cache entries", "expired", n)
	}
}

func (s *Scheduler) evictCompleted(context.Context) {
	if n := s.targets.Units.EvictCompleted(); n > 0 {
		s.logger.Debug("Evicted completed units", "evicted", n)
	}
}

func (s *Scheduler) pruneArchive(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, pruneTimeout)
	defer cancel()

	n, err := s.targets.Archive.Prune(ctx, s.retention)
	if err != nil {
		s.logger.Error("Failed to prune archive", "error", err)
		return
	}
	if n > 0 {
		s.logger.Info("Pruned archived units", "deleted", n, "retention", s.retention.String())
	}
}

func (s *Scheduler) exportMetrics(context.Context) {
	snap := s.targets.Metrics.Snapshot()
	s.logger.Info("Orchestrator snapshot",
		"submitted", snap.Submitted,
		"completed", snap.Completed,
		"failed", snap.Failed,
		"retries", snap.Retries,
		"success_rate", snap.SuccessRate,
		"cache_hit_rate", snap.CacheHitRate,
		"queue_depth", snap.TotalDepth,
		"avg_completion", snap.AvgCompletionTime.String(),
	)
	if !snap.Healthy {
		s.logger.Warn("Orchestrator unhealthy", "symptoms", snap.Symptoms)
	}
	s.targets.Events.Publish(TopicSnapshot, snap)
}

// cronLogger routes cron's own logging through slog. Its Info lines are
// per-tick noise, so they go to debug.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error("cron: "+msg, append([]interface{}{"error", err}, keysAndValues...)...)
}

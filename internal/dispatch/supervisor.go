package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/mattjoyce/conductor/internal/cache"
	"github.com/mattjoyce/conductor/internal/events"
	"github.com/mattjoyce/conductor/internal/llm"
	"github.com/mattjoyce/conductor/internal/log"
	"github.com/mattjoyce/conductor/internal/unit"
)

// flightResult is what a collapsed execution hands to every waiter.
type flightResult struct {
	value  json.RawMessage
	cached bool
}

// supervise drives one assigned unit through a single attempt. It always
// releases the worker and wakes the dispatch loop on the way out.
func (d *Dispatcher) supervise(u *unit.Unit, workerID string) {
	defer d.inflight.Done()
	defer d.signal()

	logger := log.WithUnit(u.ID).With("worker_id", workerID)
	start := d.now()

	d.mu.Lock()
	err := u.Transition(unit.StateRunning, start)
	attempt := u.Clone()
	d.mu.Unlock()
	if err != nil {
		// Only reachable if assign handed over a unit it did not own.
		logger.Error("start failed", "error", err)
		d.pool.MarkIdle(workerID)
		return
	}
	logger.Debug("unit running", "attempt", attempt.AttemptCount+1)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("supervisor panicked", "panic", r, "stack", string(debug.Stack()))
			d.fail(u, workerID, fmt.Errorf("%w: supervisor panic: %v", ErrExecutionError, r))
		}
	}()

	key := ""
	if d.cache != nil {
		k, err := cache.Key(attempt.Kind, attempt.Capability, attempt.Payload)
		if err != nil {
			logger.Warn("cache key failed, executing uncached", "error", err)
		} else {
			key = k
		}
	}

	if key != "" {
		if v, ok := d.cache.Get(d.execCtx, key); ok {
			d.metrics.RecordCacheHit()
			logger.Debug("cache hit")
			d.complete(u, workerID, v, true, start)
			return
		}
		d.metrics.RecordCacheMiss()
	}

	flightKey := key
	if flightKey == "" {
		flightKey = "unit:" + attempt.ID
	}
	res, err, shared := d.flight.Do(flightKey, func() (any, error) {
		if key != "" {
			if v, ok := d.cache.Get(d.execCtx, key); ok {
				return flightResult{value: v, cached: true}, nil
			}
		}
		v, err := d.runOnce(attempt)
		if err != nil {
			return nil, err
		}
		if key != "" {
			d.cache.Put(d.execCtx, key, v)
		}
		return flightResult{value: v}, nil
	})
	if shared {
		logger.Debug("execution shared with identical unit", "cache_key", key)
	}
	if err != nil {
		d.fail(u, workerID, err)
		return
	}
	fr := res.(flightResult)
	d.complete(u, workerID, fr.value, fr.cached, start)
}

type outcome struct {
	value json.RawMessage
	err   error
}

// runOnce executes u under the execution timeout. The executor runs in its
// own goroutine so a call that ignores ctx is abandoned at the deadline.
func (d *Dispatcher) runOnce(u *unit.Unit) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(d.execCtx, d.cfg.ExecutionTimeout)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		v, err := d.executor.Execute(ctx, u.Clone())
		done <- outcome{value: v, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w after %s", ErrExecutionTimeout, d.cfg.ExecutionTimeout)
			}
			// The executor ran out of time on a shorter deadline of its own.
			if errors.Is(o.err, llm.ErrTimeout) || errors.Is(o.err, context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: %w", ErrExecutionTimeout, o.err)
			}
			return nil, fmt.Errorf("%w: %w", ErrExecutionError, o.err)
		}
		if len(o.value) == 0 {
			o.value = json.RawMessage("null")
		}
		return o.value, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s", ErrExecutionTimeout, d.cfg.ExecutionTimeout)
		}
		return nil, fmt.Errorf("%w: %w", ErrExecutionError, ctx.Err())
	}
}

func (d *Dispatcher) complete(u *unit.Unit, workerID string, result json.RawMessage, cacheHit bool, start time.Time) {
	now := d.now()

	d.mu.Lock()
	u.Result = result
	u.CacheHit = cacheHit
	u.Error = ""
	if err := u.Transition(unit.StateCompleted, now); err != nil {
		d.mu.Unlock()
		log.WithUnit(u.ID).Error("complete failed", "error", err)
		d.pool.MarkIdle(workerID)
		return
	}
	delete(d.active, u.ID)
	d.addCompletedLocked(u)
	// Worker and counters settle before the unit becomes visible as
	// completed.
	d.pool.RecordSuccess(workerID, now.Sub(start))
	d.pool.MarkIdle(workerID)
	d.metrics.RecordCompleted(u.Duration())
	snap := u.Clone()
	d.mu.Unlock()

	d.record(snap)

	log.WithUnit(snap.ID).Info("unit completed",
		"worker_id", workerID,
		"cache_hit", cacheHit,
		"duration", snap.Duration().String(),
	)
	d.events.Publish(events.TopicCompleted, eventFor(snap))
}

// fail counts a failed attempt and either requeues the unit at its original
// priority or settles it as failed.
func (d *Dispatcher) fail(u *unit.Unit, workerID string, cause error) {
	now := d.now()
	logger := log.WithUnit(u.ID).With("worker_id", workerID)

	d.mu.Lock()
	if u.State != unit.StateRunning {
		d.mu.Unlock()
		d.pool.MarkIdle(workerID)
		return
	}
	u.AttemptCount++
	u.Error = cause.Error()

	if u.AttemptCount < u.MaxAttempts {
		// The unit was admitted once already, so the bucket capacity does
		// not apply to its retry.
		if qerr := d.queue.Requeue(u); qerr != nil {
			// Only a duplicate id: the unit is queued already.
			logger.Error("requeue for retry failed", "error", qerr)
		}
		_ = u.Transition(unit.StatePending, now)
		delete(d.active, u.ID)
		d.pool.MarkIdle(workerID)
		d.metrics.RecordRetry()
		snap := u.Clone()
		d.mu.Unlock()

		logger.Warn("unit attempt failed, retrying",
			"attempt", snap.AttemptCount,
			"max_attempts", snap.MaxAttempts,
			"error", cause,
		)
		d.events.Publish(events.TopicRetrying, eventFor(snap))
		return
	}

	u.Error = fmt.Errorf("%w after %d attempts: %s", ErrRetriesExhausted, u.AttemptCount, cause).Error()
	_ = u.Transition(unit.StateFailed, now)
	delete(d.active, u.ID)
	d.addCompletedLocked(u)
	d.pool.MarkIdle(workerID)
	d.metrics.RecordFailed(u.Duration())
	snap := u.Clone()
	d.mu.Unlock()

	d.record(snap)
	logger.Error("unit failed", "attempts", snap.AttemptCount, "error", snap.Error)
	d.events.Publish(events.TopicFailed, eventFor(snap))
}

// record archives a terminal unit. Archive failures are logged only.
func (d *Dispatcher) record(u *unit.Unit) {
	if d.archive == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.archive.Record(ctx, u); err != nil {
		log.WithUnit(u.ID).Error("archive record failed", "error", err)
	}
}

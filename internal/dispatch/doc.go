// Package dispatch matches queued work units to idle workers and supervises
// their execution.
//
// The dispatcher owns every unit from submission to a terminal state. A unit
// always lives in exactly one of three places: the priority queue (pending),
// the active map (assigned or running) or the completed map (completed,
// failed or cancelled). Units evicted from the completed map remain readable
// through the archive when one is configured.
//
// Key features:
//   - Strict priority dispatch: critical, high, normal, low
//   - FIFO within a priority by enqueue order
//   - Units without an idle worker are requeued at the tail of their bucket,
//     so one busy capability never blocks the rest of the queue
//   - One goroutine per execution; idle workers are the only throttle
//   - Result cache consulted before every execution; concurrent executions
//     with the same cache key share one call
//
// Timeout handling:
//   - Each execution is bounded by Config.ExecutionTimeout
//   - The supervisor stops waiting at the deadline even if the executor
//     ignores its context
//   - The failure reads "timed out after <d>" and counts as an attempt
//
// Error handling:
//   - Validation failures and a full queue are returned from Submit
//   - Execution errors and timeouts only land in Unit.Error
//   - A failed attempt is retried at the same priority until MaxAttempts,
//     then the unit fails with "retries exhausted after N attempts: <last>"
//   - Panics in the executor or in a dispatch cycle are recovered and logged
package dispatch

package api

import (
	"encoding/json"

	"github.com/mattjoyce/conductor/internal/dispatch"
	"github.com/mattjoyce/conductor/internal/metrics"
	"github.com/mattjoyce/conductor/internal/pool"
	"github.com/mattjoyce/conductor/internal/unit"
)

// SubmitRequest is the JSON body for POST /v1/units
type SubmitRequest struct {
	UnitID      string          `json:"unit_id,omitempty"`
	Capability  string          `json:"capability"`
	Kind        string          `json:"kind"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Priority    string          `json:"priority,omitempty"`
	MaxAttempts int             `json:"max_attempts,omitempty"`
}

// SubmitResponse is returned on successful submission
type SubmitResponse struct {
	UnitID string     `json:"unit_id"`
	State  unit.State `json:"state"`
}

// UnitResponse is returned by GET /v1/units/{unit_id}
type UnitResponse = dispatch.StatusView

// CancelResponse is returned by DELETE /v1/units/{unit_id}
type CancelResponse struct {
	UnitID string     `json:"unit_id"`
	State  unit.State `json:"state"`
}

// CapabilityInfo describes one capability and its worker pool.
type CapabilityInfo struct {
	Capability unit.Capability `json:"capability"`
	Role       string          `json:"role"`
	Workers    int             `json:"workers"`
}

// CapabilitiesResponse is returned by GET /v1/capabilities
type CapabilitiesResponse struct {
	Capabilities []CapabilityInfo `json:"capabilities"`
}

// WorkerStatusRequest is the JSON body for PUT /v1/workers/{worker_id}/status
type WorkerStatusRequest struct {
	Status string `json:"status"`
}

// WorkerResponse is returned by PUT /v1/workers/{worker_id}/status
type WorkerResponse = pool.Worker

// WorkersResponse is returned by GET /v1/workers
type WorkersResponse struct {
	Workers []metrics.WorkerStat `json:"workers"`
}

// SnapshotResponse is returned by GET /v1/snapshot
type SnapshotResponse = metrics.Snapshot

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string   `json:"status"`
	UptimeSeconds int64    `json:"uptime_seconds"`
	QueueDepth    int      `json:"queue_depth"`
	SuccessRate   float64  `json:"success_rate"`
	StuckWorkers  []string `json:"stuck_workers,omitempty"`
	Symptoms      []string `json:"symptoms,omitempty"`
}

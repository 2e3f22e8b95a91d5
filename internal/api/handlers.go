package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/conductor/internal/agent"
	"github.com/mattjoyce/conductor/internal/dispatch"
	"github.com/mattjoyce/conductor/internal/metrics"
	"github.com/mattjoyce/conductor/internal/pool"
	"github.com/mattjoyce/conductor/internal/queue"
	"github.com/mattjoyce/conductor/internal/unit"
)

const maxBodyBytes = 1 << 20

// handleHealthz handles GET /healthz (no auth). It answers 503 while any
// health threshold is breached.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	snap := s.units.Snapshot()

	resp := HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		QueueDepth:    snap.TotalDepth,
		SuccessRate:   snap.SuccessRate,
		StuckWorkers:  snap.StuckWorkers,
		Symptoms:      snap.Symptoms,
	}
	status := http.StatusOK
	if !snap.Healthy {
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, resp)
}

// handleSubmit handles POST /v1/units.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	priority, err := unit.ParsePriority(req.Priority)
	if err != nil {
		respondJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error(), Field: "priority"})
		return
	}

	id, err := s.units.Submit(r.Context(), dispatch.SubmitRequest{
		ID:          strings.TrimSpace(req.UnitID),
		Capability:  unit.Capability(strings.ToLower(strings.TrimSpace(req.Capability))),
		Kind:        req.Kind,
		Payload:     req.Payload,
		Priority:    priority,
		MaxAttempts: req.MaxAttempts,
	})
	if err != nil {
		var verr *dispatch.ValidationError
		switch {
		case errors.As(err, &verr):
			respondJSON(w, http.StatusBadRequest, ErrorResponse{Error: verr.Error(), Field: verr.Field})
		case errors.Is(err, dispatch.ErrDuplicateUnit):
			s.writeError(w, http.StatusConflict, err.Error())
		case errors.Is(err, queue.ErrQueueFull):
			s.writeError(w, http.StatusTooManyRequests, err.Error())
		case errors.Is(err, dispatch.ErrStopped):
			s.writeError(w, http.StatusServiceUnavailable, err.Error())
		default:
			s.logger.Error("failed to submit unit", "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to submit unit")
		}
		return
	}

	s.logger.Info("unit submitted via API", "unit_id", id, "capability", req.Capability, "priority", priority.String())
	respondJSON(w, http.StatusAccepted, SubmitResponse{UnitID: id, State: unit.StatePending})
}

// handleGetUnit handles GET /v1/units/{unitID}.
func (s *Server) handleGetUnit(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "unitID")

	view, err := s.units.Status(r.Context(), id)
	if err != nil {
		if errors.Is(err, dispatch.ErrUnitNotFound) {
			s.writeError(w, http.StatusNotFound, "unit not found")
			return
		}
		s.logger.Error("failed to retrieve unit", "unit_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to retrieve unit")
		return
	}
	respondJSON(w, http.StatusOK, view)
}

// handleCancel handles DELETE /v1/units/{unitID}.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "unitID")

	if err := s.units.Cancel(r.Context(), id); err != nil {
		switch {
		case errors.Is(err, dispatch.ErrUnitNotFound):
			s.writeError(w, http.StatusNotFound, "unit not found")
		case errors.Is(err, dispatch.ErrNotCancellable):
			s.writeError(w, http.StatusConflict, err.Error())
		default:
			s.logger.Error("failed to cancel unit", "unit_id", id, "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to cancel unit")
		}
		return
	}
	respondJSON(w, http.StatusOK, CancelResponse{UnitID: id, State: unit.StateCancelled})
}

// handleCapabilities handles GET /v1/capabilities.
func (s *Server) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	resp := CapabilitiesResponse{Capabilities: s.capabilities()}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) capabilities() []CapabilityInfo {
	out := make([]CapabilityInfo, 0, len(unit.Capabilities))
	for _, c := range unit.Capabilities {
		info := CapabilityInfo{Capability: c, Workers: s.config.Workers[c]}
		if role, ok := agent.Lookup(c); ok {
			info.Role = role.Name
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Capability < out[j].Capability })
	return out
}

// handleWorkers handles GET /v1/workers.
func (s *Server) handleWorkers(w http.ResponseWriter, r *http.Request) {
	workers := s.units.Snapshot().Workers
	if workers == nil {
		workers = []metrics.WorkerStat{}
	}
	respondJSON(w, http.StatusOK, WorkersResponse{Workers: workers})
}

// handleSetWorkerStatus handles PUT /v1/workers/{workerID}/status.
func (s *Server) handleSetWorkerStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "workerID")

	var req WorkerStatusRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	status := pool.Status(strings.ToLower(strings.TrimSpace(req.Status)))
	worker, err := s.units.SetWorkerStatus(id, status)
	if err != nil {
		switch {
		case errors.Is(err, pool.ErrUnknownWorker):
			s.writeError(w, http.StatusNotFound, "worker not found")
		case errors.Is(err, pool.ErrInvalidStatus):
			respondJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error(), Field: "status"})
		case errors.Is(err, pool.ErrWorkerBusy):
			s.writeError(w, http.StatusConflict, err.Error())
		default:
			s.logger.Error("failed to set worker status", "worker_id", id, "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to set worker status")
		}
		return
	}

	s.logger.Info("worker status set via API", "worker_id", id, "status", worker.Status)
	respondJSON(w, http.StatusOK, worker)
}

// handleSnapshot handles GET /v1/snapshot.
func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.units.Snapshot())
}

// handleOpenAPI handles GET /openapi.json.
func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, buildOpenAPIDoc(s.capabilities()))
}

// respondJSON is a helper to write JSON responses
func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}

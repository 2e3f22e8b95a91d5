package api

import (
	"fmt"

	"github.com/mattjoyce/conductor/internal/unit"
)

// buildOpenAPIDoc returns an OpenAPI 3.1 document for the unit endpoints.
// The capability enum lists only capabilities with at least one worker.
func buildOpenAPIDoc(caps []CapabilityInfo) map[string]any {
	enabled := make([]string, 0, len(caps))
	descriptions := ""
	for _, c := range caps {
		if c.Workers <= 0 {
			continue
		}
		enabled = append(enabled, string(c.Capability))
		descriptions += fmt.Sprintf("\n- %s: %s (%d workers)", c.Capability, c.Role, c.Workers)
	}

	priorities := make([]string, 0, len(unit.Priorities))
	for _, p := range unit.Priorities {
		priorities = append(priorities, p.String())
	}

	security := []any{map[string]any{"BearerAuth": []string{}}}
	unitID := map[string]any{
		"name":     "unit_id",
		"in":       "path",
		"required": true,
		"schema":   map[string]any{"type": "string"},
	}

	return map[string]any{
		"openapi": "3.1.0",
		"info": map[string]any{
			"title":       "Conductor",
			"version":     "1.0",
			"description": "Agent task orchestrator." + descriptions,
		},
		"paths": map[string]any{
			"/v1/units": map[string]any{
				"post": map[string]any{
					"operationId": "submitUnit",
					"summary":     "Queue a unit for its capability's worker pool",
					"security":    security,
					"requestBody": map[string]any{
						"required": true,
						"content": map[string]any{
							"application/json": map[string]any{
								"schema": map[string]any{
									"type":     "object",
									"required": []string{"capability", "kind"},
									"properties": map[string]any{
										"unit_id":      map[string]any{"type": "string"},
										"capability":   map[string]any{"type": "string", "enum": enabled},
										"kind":         map[string]any{"type": "string"},
										"payload":      map[string]any{"type": "object"},
										"priority":     map[string]any{"type": "string", "enum": priorities, "default": unit.PriorityNormal.String()},
										"max_attempts": map[string]any{"type": "integer", "minimum": 0},
									},
								},
							},
						},
					},
					"responses": map[string]any{
						"202": map[string]any{"description": "Unit queued"},
						"400": map[string]any{"description": "Invalid submission"},
						"403": map[string]any{"description": "Insufficient scope"},
						"409": map[string]any{"description": "Duplicate unit id"},
						"429": map[string]any{"description": "Priority bucket full"},
						"503": map[string]any{"description": "Shutting down"},
					},
				},
			},
			"/v1/units/{unit_id}": map[string]any{
				"get": map[string]any{
					"operationId": "getUnit",
					"summary":     "Read a unit's state, result or error",
					"security":    security,
					"parameters":  []any{unitID},
					"responses": map[string]any{
						"200": map[string]any{"description": "Unit"},
						"404": map[string]any{"description": "Unknown unit"},
					},
				},
				"delete": map[string]any{
					"operationId": "cancelUnit",
					"summary":     "Cancel a pending unit",
					"security":    security,
					"parameters":  []any{unitID},
					"responses": map[string]any{
						"200": map[string]any{"description": "Cancelled"},
						"404": map[string]any{"description": "Unknown unit"},
						"409": map[string]any{"description": "Unit already assigned or terminal"},
					},
				},
			},
			"/v1/workers": map[string]any{
				"get": map[string]any{
					"operationId": "listWorkers",
					"summary":     "Worker roster with status and utilization",
					"security":    security,
					"responses":   map[string]any{"200": map[string]any{"description": "Workers"}},
				},
			},
			"/v1/workers/{worker_id}/status": map[string]any{
				"put": map[string]any{
					"operationId": "setWorkerStatus",
					"summary":     "Take an idle worker offline or return it to rotation",
					"security":    security,
					"parameters": []any{map[string]any{
						"name":     "worker_id",
						"in":       "path",
						"required": true,
						"schema":   map[string]any{"type": "string"},
					}},
					"requestBody": map[string]any{
						"required": true,
						"content": map[string]any{
							"application/json": map[string]any{
								"schema": map[string]any{
									"type":     "object",
									"required": []string{"status"},
									"properties": map[string]any{
										"status": map[string]any{"type": "string", "enum": []string{"idle", "offline", "error"}},
									},
								},
							},
						},
					},
					"responses": map[string]any{
						"200": map[string]any{"description": "Worker"},
						"400": map[string]any{"description": "Unsupported status"},
						"404": map[string]any{"description": "Unknown worker"},
						"409": map[string]any{"description": "Worker is running a unit"},
					},
				},
			},
			"/v1/snapshot": map[string]any{
				"get": map[string]any{
					"operationId": "snapshot",
					"summary":     "Metrics, queue depths and worker roster",
					"security":    security,
					"responses":   map[string]any{"200": map[string]any{"description": "Snapshot"}},
				},
			},
			"/v1/events": map[string]any{
				"get": map[string]any{
					"operationId": "events",
					"summary":     "Lifecycle events as server-sent events",
					"security":    security,
					"responses":   map[string]any{"200": map[string]any{"description": "Event stream"}},
				},
			},
		},
		"components": map[string]any{
			"securitySchemes": map[string]any{
				"BearerAuth": map[string]any{
					"type":   "http",
					"scheme": "bearer",
				},
			},
		},
	}
}

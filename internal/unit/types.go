// Package unit defines the work unit handled by the orchestrator: its
// capability and priority enums, its lifecycle states and the legal
// transitions between them.
package unit

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// State is the lifecycle state of a unit.
type State string

const (
	StatePending   State = "pending"
	StateAssigned  State = "assigned"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether no further transition is possible from s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Priority orders dispatch. Lower values are dispatched first.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
)

// Priorities lists every priority in dispatch order.
var Priorities = []Priority{PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow}

var priorityNames = map[Priority]string{
	PriorityCritical: "critical",
	PriorityHigh:     "high",
	PriorityNormal:   "normal",
	PriorityLow:      "low",
}

func (p Priority) String() string {
	if name, ok := priorityNames[p]; ok {
		return name
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// Valid reports whether p is one of the four known priorities.
func (p Priority) Valid() bool {
	_, ok := priorityNames[p]
	return ok
}

// ParsePriority parses a priority name. An empty string maps to normal.
func ParsePriority(s string) (Priority, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return PriorityNormal, nil
	}
	for p, name := range priorityNames {
		if name == s {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown priority %q", s)
}

func (p Priority) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("invalid priority %d", int(p))
	}
	return []byte(p.String()), nil
}

func (p *Priority) UnmarshalText(b []byte) error {
	parsed, err := ParsePriority(string(b))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Unit is one atomic task submitted to the orchestrator.
//
// ID, Capability, Kind, Payload and Priority are fixed at submission. The
// remaining fields are owned by the dispatcher and supervisor.
type Unit struct {
	ID         string          `json:"id"`
	Capability Capability      `json:"capability"`
	Kind       string          `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	Priority   Priority        `json:"priority"`

	State        State           `json:"state"`
	CreatedAt    time.Time       `json:"created_at"`
	AssignedAt   *time.Time      `json:"assigned_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	Error        string          `json:"error,omitempty"`
	AttemptCount int             `json:"attempt_count"`
	MaxAttempts  int             `json:"max_attempts"`
	WorkerID     string          `json:"worker_id,omitempty"`
	CacheHit     bool            `json:"cache_hit,omitempty"`
}

// Clone returns a copy safe to hand outside the dispatcher lock. Payload and
// Result are immutable once set, so the byte slices are shared.
func (u *Unit) Clone() *Unit {
	c := *u
	if u.AssignedAt != nil {
		t := *u.AssignedAt
		c.AssignedAt = &t
	}
	if u.CompletedAt != nil {
		t := *u.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// Duration returns the time from creation to completion, or zero if the
// unit has not reached a terminal state.
func (u *Unit) Duration() time.Duration {
	if u.CompletedAt == nil {
		return 0
	}
	return u.CompletedAt.Sub(u.CreatedAt)
}

// ErrIllegalTransition is returned when a state change is not permitted.
var ErrIllegalTransition = errors.New("illegal state transition")

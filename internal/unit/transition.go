package unit

import (
	"fmt"
	"time"
)

// legal lists the permitted successor states of each state. A retry is the
// running -> pending edge; cancellation is only reachable from pending.
var legal = map[State][]State{
	StatePending:  {StateAssigned, StateCancelled},
	StateAssigned: {StateRunning},
	StateRunning:  {StateCompleted, StateFailed, StatePending},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to State) bool {
	for _, s := range legal[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition moves u to state to, stamping AssignedAt and CompletedAt the
// first time the corresponding state is entered.
func (u *Unit) Transition(to State, now time.Time) error {
	if !CanTransition(u.State, to) {
		return fmt.Errorf("%w: %s -> %s (unit %s)", ErrIllegalTransition, u.State, to, u.ID)
	}
	u.State = to
	switch to {
	case StateAssigned:
		if u.AssignedAt == nil {
			t := now
			u.AssignedAt = &t
		}
	case StateCompleted, StateFailed, StateCancelled:
		if u.CompletedAt == nil {
			t := now
			u.CompletedAt = &t
		}
	}
	return nil
}

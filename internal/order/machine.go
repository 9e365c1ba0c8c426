// Package order implements the protocol-driven order lifecycle.
package order

import (
	"github.com/becknlabs/beckn-engine/internal/protocol"
)

// Order states.
const (
	StateCreated    = "CREATED"
	StateAccepted   = "ACCEPTED"
	StateInProgress = "IN_PROGRESS"
	StateCompleted  = "COMPLETED"
	StateCancelled  = "CANCELLED"
	StateReturned   = "RETURNED"
)

// validNext is the allowed-transition DAG. Terminal states have no entry.
var validNext = map[string][]string{
	StateCreated:    {StateAccepted, StateCancelled},
	StateAccepted:   {StateInProgress, StateCancelled},
	StateInProgress: {StateCompleted, StateCancelled, StateReturned},
	StateCompleted:  {StateReturned},
}

// IsTerminal reports whether no further transitions are possible from state.
func IsTerminal(state string) bool {
	return len(validNext[state]) == 0
}

// CanTransition reports whether from → to is an edge of the DAG.
func CanTransition(from, to string) bool {
	for _, next := range validNext[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition validates from → to and returns a BUSINESS-ERROR/40001 when the
// edge is not allowed. The caller persists nothing on error.
func Transition(from, to string) *protocol.Error {
	if !CanTransition(from, to) {
		return protocol.NewError(protocol.KindBusinessError, protocol.CodeInvalidTransition,
			"invalid order transition %s -> %s", from, to)
	}
	return nil
}

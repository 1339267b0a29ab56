package nodestate

import (
	"fmt"

	"github.com/cuemby/botfleet/pkg/types"
)

// graph holds every permitted edge of the node lifecycle.
// offline, recovering and failed only reach active through returning.
var graph = map[types.NodeStatus][]types.NodeStatus{
	types.NodeStatusProvisioning: {types.NodeStatusActive, types.NodeStatusFailed},
	types.NodeStatusActive:       {types.NodeStatusUnhealthy, types.NodeStatusDraining},
	types.NodeStatusUnhealthy:    {types.NodeStatusActive, types.NodeStatusOffline},
	types.NodeStatusOffline:      {types.NodeStatusRecovering, types.NodeStatusReturning},
	types.NodeStatusRecovering:   {types.NodeStatusOffline, types.NodeStatusReturning},
	types.NodeStatusReturning:    {types.NodeStatusActive, types.NodeStatusFailed},
	types.NodeStatusDraining:     {types.NodeStatusOffline},
	types.NodeStatusFailed:       {types.NodeStatusReturning},
}

// InvalidTransitionError is returned when an edge is not part of the graph
type InvalidTransitionError struct {
	From types.NodeStatus
	To   types.NodeStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid node transition: %s -> %s", e.From, e.To)
}

// IsValidTransition reports whether the graph has an edge from -> to
func IsValidTransition(from, to types.NodeStatus) bool {
	for _, target := range graph[from] {
		if target == to {
			return true
		}
	}
	return false
}

// Validate returns an *InvalidTransitionError when from -> to is not allowed
func Validate(from, to types.NodeStatus) error {
	if !IsValidTransition(from, to) {
		return &InvalidTransitionError{From: from, To: to}
	}
	return nil
}

// Targets returns the states reachable from the given state in one step
func Targets(from types.NodeStatus) []types.NodeStatus {
	targets := graph[from]
	out := make([]types.NodeStatus, len(targets))
	copy(out, targets)
	return out
}

// IsDead reports whether a node in this state must re-register before serving
func IsDead(status types.NodeStatus) bool {
	switch status {
	case types.NodeStatusOffline, types.NodeStatusRecovering, types.NodeStatusFailed:
		return true
	}
	return false
}

package orphan

import (
	"context"
	"fmt"

	"github.com/cuemby/botfleet/pkg/commandbus"
	"github.com/cuemby/botfleet/pkg/events"
	"github.com/cuemby/botfleet/pkg/log"
	"github.com/cuemby/botfleet/pkg/metrics"
	"github.com/cuemby/botfleet/pkg/types"
	"github.com/rs/zerolog"
)

// AssignmentLister returns what should be running on a node
type AssignmentLister interface {
	ListByNode(ctx context.Context, nodeID string) ([]*types.Assignment, error)
}

// Transitioner moves the node through the validated transition
type Transitioner interface {
	Transition(ctx context.Context, id string, to types.NodeStatus, reason string, by types.TriggeredBy) (*types.Node, error)
}

// Request is what a returning node reports as actually running
type Request struct {
	NodeID            string   `json:"node_id"`
	RunningContainers []string `json:"running_containers"`
}

// StopError records a container that could not be stopped
type StopError struct {
	Container string `json:"container"`
	Error     string `json:"error"`
}

// Result is the outcome of one cleanup
type Result struct {
	NodeID  string      `json:"node_id"`
	Stopped []string    `json:"stopped"`
	Kept    []string    `json:"kept"`
	Errors  []StopError `json:"errors"`
}

// Cleaner reconciles a returning node against the assignment table and is
// the only component that moves a node from returning back to active.
type Cleaner struct {
	assignments AssignmentLister
	bus         commandbus.Bus
	nodes       Transitioner
	publisher   events.Publisher
	logger      zerolog.Logger
}

// New creates a cleaner. publisher may be nil.
func New(assignments AssignmentLister, bus commandbus.Bus, nodes Transitioner, publisher events.Publisher) *Cleaner {
	return &Cleaner{
		assignments: assignments,
		bus:         bus,
		nodes:       nodes,
		publisher:   publisher,
		logger:      log.WithComponent("orphan-cleaner"),
	}
}

// Clean stops every running container that is not assigned to the node and
// then activates the node. Stop failures are collected in the result and
// never prevent activation. If the assignments cannot be read nothing is
// stopped and the node stays returning.
func (c *Cleaner) Clean(ctx context.Context, req Request) (*Result, error) {
	assigned, err := c.assignments.ListByNode(ctx, req.NodeID)
	if err != nil {
		return nil, fmt.Errorf("failed to list assignments for node %s: %w", req.NodeID, err)
	}
	keep := make(map[string]bool, len(assigned))
	for _, a := range assigned {
		keep[a.Tenant] = true
	}

	res := &Result{
		NodeID:  req.NodeID,
		Stopped: []string{},
		Kept:    []string{},
		Errors:  []StopError{},
	}
	seen := make(map[string]bool, len(req.RunningContainers))
	for _, container := range req.RunningContainers {
		if seen[container] {
			continue
		}
		seen[container] = true

		if keep[container] {
			res.Kept = append(res.Kept, container)
			continue
		}
		c.stop(ctx, req.NodeID, container, res)
	}

	logger := log.WithNodeID(c.logger, req.NodeID)
	logger.Info().
		Int("stopped", len(res.Stopped)).
		Int("kept", len(res.Kept)).
		Int("errors", len(res.Errors)).
		Msg("Orphan cleanup finished")

	if _, err := c.nodes.Transition(ctx, req.NodeID, types.NodeStatusActive, types.ReasonCleanupComplete, types.TriggeredByOrphanCleaner); err != nil {
		return res, fmt.Errorf("failed to activate node %s after cleanup: %w", req.NodeID, err)
	}

	if c.publisher != nil {
		c.publisher.Publish(&events.Event{
			Type:    events.EventOrphansCleaned,
			NodeID:  req.NodeID,
			Message: fmt.Sprintf("stopped %d, kept %d, %d errors", len(res.Stopped), len(res.Kept), len(res.Errors)),
		})
	}
	return res, nil
}

func (c *Cleaner) stop(ctx context.Context, nodeID, container string, res *Result) {
	out, err := c.bus.Send(ctx, nodeID, commandbus.StopCommand(container))
	switch {
	case err != nil:
		res.Errors = append(res.Errors, StopError{Container: container, Error: err.Error()})
		metrics.OrphansStoppedTotal.WithLabelValues("error").Inc()
	case !out.Success:
		res.Errors = append(res.Errors, StopError{Container: container, Error: out.Error})
		metrics.OrphansStoppedTotal.WithLabelValues("rejected").Inc()
	default:
		res.Stopped = append(res.Stopped, container)
		metrics.OrphansStoppedTotal.WithLabelValues("stopped").Inc()
		return
	}

	logger := log.WithNodeID(c.logger, nodeID)
	logger.Warn().
		Str("container", container).
		Str("error", res.Errors[len(res.Errors)-1].Error).
		Msg("Failed to stop orphan container")
}

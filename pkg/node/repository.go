package node

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/botfleet/pkg/events"
	"github.com/cuemby/botfleet/pkg/log"
	"github.com/cuemby/botfleet/pkg/metrics"
	"github.com/cuemby/botfleet/pkg/nodestate"
	"github.com/cuemby/botfleet/pkg/storage"
	"github.com/cuemby/botfleet/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// reRegisterAttempts bounds how often Register re-reads a dead node whose
// status moved under it before giving up.
const reRegisterAttempts = 3

// ErrInvalidRegistration wraps every RegisterRequest validation failure
var ErrInvalidRegistration = errors.New("invalid registration")

// RegisterRequest is what a node agent reports when it (re)joins the fleet
type RegisterRequest struct {
	NodeID       string `json:"node_id"`
	Host         string `json:"host"`
	CapacityMB   int64  `json:"capacity_mb"`
	AgentVersion string `json:"agent_version"`
}

// Validate checks the request before anything is written
func (r RegisterRequest) Validate() error {
	if r.NodeID == "" {
		return errors.New("node id is required")
	}
	if r.Host == "" {
		return errors.New("host is required")
	}
	if r.CapacityMB < 0 {
		return fmt.Errorf("capacity must not be negative, got %d", r.CapacityMB)
	}
	return nil
}

// Repository is the only writer of node status. Every status change goes
// through Transition, which validates the edge and commits it with a
// compare-and-swap on the status that was read.
type Repository struct {
	store     storage.NodeStore
	publisher events.Publisher
	logger    zerolog.Logger
	now       func() time.Time
}

// Option configures a Repository
type Option func(*Repository)

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(r *Repository) { r.now = now }
}

// WithPublisher publishes a node.transition event for every committed transition
func WithPublisher(p events.Publisher) Option {
	return func(r *Repository) { r.publisher = p }
}

// NewRepository creates a repository over the given store
func NewRepository(store storage.NodeStore, opts ...Option) *Repository {
	r := &Repository{
		store:  store,
		logger: log.WithComponent("node-repository"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// GetByID returns storage.ErrNodeNotFound when the node does not exist
func (r *Repository) GetByID(ctx context.Context, id string) (*types.Node, error) {
	return r.store.GetNode(ctx, id)
}

// List returns all nodes, or only those whose status is one of statuses
func (r *Repository) List(ctx context.Context, statuses ...types.NodeStatus) ([]*types.Node, error) {
	nodes, err := r.store.ListNodes(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}
	if len(statuses) == 0 {
		return nodes, nil
	}

	want := make(map[types.NodeStatus]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}
	filtered := make([]*types.Node, 0, len(nodes))
	for _, n := range nodes {
		if want[n.Status] {
			filtered = append(filtered, n)
		}
	}
	return filtered, nil
}

// Register is the idempotent upsert behind node registration.
//
// A new node is created as provisioning and moved to active. A node found in
// a dead state (offline, recovering, failed) gets its metadata refreshed and
// is moved to returning; it never goes straight to active. A node left in
// provisioning is activated. Any other node only has its metadata refreshed.
func (r *Repository) Register(ctx context.Context, req RegisterRequest) (*types.Node, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRegistration, err)
	}

	_, err := r.store.GetNode(ctx, req.NodeID)
	switch {
	case errors.Is(err, storage.ErrNodeNotFound):
		node, created, err := r.create(ctx, req)
		if err != nil || created {
			return node, err
		}
	case err != nil:
		return nil, fmt.Errorf("failed to read node %s: %w", req.NodeID, err)
	}

	return r.reRegister(ctx, req)
}

// create inserts a provisioning node and activates it. created is false when
// another caller inserted the node first, in which case the caller falls
// back to the existing-node path.
func (r *Repository) create(ctx context.Context, req RegisterRequest) (*types.Node, bool, error) {
	now := r.now()
	node := &types.Node{
		ID:           req.NodeID,
		Host:         req.Host,
		Status:       types.NodeStatusProvisioning,
		CapacityMB:   req.CapacityMB,
		AgentVersion: req.AgentVersion,
		RegisteredAt: now,
		UpdatedAt:    now,
	}
	if err := r.store.CreateNode(ctx, node); err != nil {
		if errors.Is(err, storage.ErrNodeExists) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to create node %s: %w", req.NodeID, err)
	}

	r.logger.Info().
		Str("node_id", node.ID).
		Str("host", node.Host).
		Int64("capacity_mb", node.CapacityMB).
		Msg("Node created")

	active, err := r.Transition(ctx, node.ID, types.NodeStatusActive, types.ReasonFirstRegistration, types.TriggeredByNodeAgent)
	if err != nil {
		return nil, true, err
	}
	return active, true, nil
}

func (r *Repository) reRegister(ctx context.Context, req RegisterRequest) (*types.Node, error) {
	var lastErr error
	for attempt := 0; attempt < reRegisterAttempts; attempt++ {
		node, err := r.store.UpdateNodeMetadata(ctx, req.NodeID, req.Host, req.AgentVersion, req.CapacityMB, r.now())
		if err != nil {
			return nil, fmt.Errorf("failed to refresh node %s: %w", req.NodeID, err)
		}
		var next *types.Node
		switch {
		case node.Status == types.NodeStatusProvisioning:
			// a creator that stopped before activating leaves the node here
			next, err = r.Transition(ctx, node.ID, types.NodeStatusActive, types.ReasonFirstRegistration, types.TriggeredByNodeAgent)
		case nodestate.IsDead(node.Status):
			next, err = r.Transition(ctx, node.ID, types.NodeStatusReturning, types.ReasonReRegistration, types.TriggeredByNodeAgent)
		default:
			return node, nil
		}
		if err == nil {
			return next, nil
		}
		var conflict *storage.ConcurrentTransitionError
		if !errors.As(err, &conflict) {
			return nil, err
		}
		r.logger.Debug().
			Str("node_id", node.ID).
			Str("actual", string(conflict.Actual)).
			Msg("Node status moved during re-registration, retrying")
		lastErr = err
	}
	return nil, lastErr
}

// Transition moves a node to status `to`. It fails with
// storage.ErrNodeNotFound, *nodestate.InvalidTransitionError or
// *storage.ConcurrentTransitionError; on success the status change and its
// audit record have been written together.
func (r *Repository) Transition(ctx context.Context, id string, to types.NodeStatus, reason string, by types.TriggeredBy) (*types.Node, error) {
	current, err := r.store.GetNode(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := nodestate.Validate(current.Status, to); err != nil {
		return nil, err
	}

	tr := &types.NodeTransition{
		ID:          uuid.New().String(),
		NodeID:      id,
		FromStatus:  current.Status,
		ToStatus:    to,
		Reason:      reason,
		TriggeredBy: by,
		CreatedAt:   r.now(),
	}
	updated, err := r.store.CompareAndSwapStatus(ctx, tr)
	if err != nil {
		var conflict *storage.ConcurrentTransitionError
		if errors.As(err, &conflict) {
			metrics.ConcurrentTransitionsTotal.Inc()
		}
		return nil, err
	}

	metrics.NodeTransitionsTotal.WithLabelValues(string(tr.FromStatus), string(tr.ToStatus)).Inc()
	r.logger.Info().
		Str("node_id", id).
		Str("from", string(tr.FromStatus)).
		Str("to", string(tr.ToStatus)).
		Str("reason", reason).
		Str("triggered_by", string(by)).
		Msg("Node transitioned")

	if r.publisher != nil {
		r.publisher.Publish(&events.Event{
			Type:      events.EventNodeTransition,
			Timestamp: tr.CreatedAt,
			NodeID:    id,
			Message:   fmt.Sprintf("%s -> %s", tr.FromStatus, tr.ToStatus),
			Metadata: map[string]string{
				"from":         string(tr.FromStatus),
				"to":           string(tr.ToStatus),
				"reason":       reason,
				"triggered_by": string(by),
			},
		})
	}
	return updated, nil
}

// UpdateHeartbeat records a heartbeat. It never changes status.
func (r *Repository) UpdateHeartbeat(ctx context.Context, id string, usedMB int64) (*types.Node, error) {
	return r.store.UpdateHeartbeat(ctx, id, usedMB, r.now())
}

// AddCapacity adds deltaMB to the node's used memory. Negative deltas release
// memory; the result is clamped at zero by the store.
func (r *Repository) AddCapacity(ctx context.Context, id string, deltaMB int64) (*types.Node, error) {
	return r.store.AddUsedMemory(ctx, id, deltaMB)
}

// FindBestTarget returns the active node other than excludeID with the most
// free memory, provided it has at least requiredMB free. It returns nil when
// no node qualifies. Equal free memory is broken by the lowest node ID.
func (r *Repository) FindBestTarget(ctx context.Context, excludeID string, requiredMB int64) (*types.Node, error) {
	active, err := r.List(ctx, types.NodeStatusActive)
	if err != nil {
		return nil, err
	}

	var best *types.Node
	for _, n := range active {
		if n.ID == excludeID || n.FreeMB() < requiredMB {
			continue
		}
		if best == nil || n.FreeMB() > best.FreeMB() ||
			(n.FreeMB() == best.FreeMB() && n.ID < best.ID) {
			best = n
		}
	}
	return best, nil
}

// ListTransitions returns the node's audit trail, newest first
func (r *Repository) ListTransitions(ctx context.Context, nodeID string, limit int) ([]*types.NodeTransition, error) {
	return r.store.ListTransitions(ctx, nodeID, limit)
}

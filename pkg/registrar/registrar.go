package registrar

import (
	"context"

	"github.com/cuemby/botfleet/pkg/log"
	"github.com/cuemby/botfleet/pkg/node"
	"github.com/cuemby/botfleet/pkg/types"
	"github.com/rs/zerolog"
)

// Hooks are the side effects of a registration. Nil hooks do nothing.
type Hooks struct {
	// OnReturning runs when the registered node landed on returning
	OnReturning func(ctx context.Context, nodeID string) error
	// OnRetryWaiting runs for every open recovery event with waiting items
	OnRetryWaiting func(ctx context.Context, eventID string) error
}

// NodeRegisterer performs the node upsert
type NodeRegisterer interface {
	Register(ctx context.Context, req node.RegisterRequest) (*types.Node, error)
}

// RecoveryReader finds recovery work that is still waiting for capacity
type RecoveryReader interface {
	ListOpenEvents(ctx context.Context) ([]*types.RecoveryEvent, error)
	GetWaitingItems(ctx context.Context, eventID string) ([]*types.RecoveryItem, error)
}

// Registrar is the single entry point for a node joining or rejoining the fleet
type Registrar struct {
	nodes    NodeRegisterer
	recovery RecoveryReader
	hooks    Hooks
	logger   zerolog.Logger
}

func noop(context.Context, string) error { return nil }

// New creates a registrar
func New(nodes NodeRegisterer, recovery RecoveryReader, hooks Hooks) *Registrar {
	if hooks.OnReturning == nil {
		hooks.OnReturning = noop
	}
	if hooks.OnRetryWaiting == nil {
		hooks.OnRetryWaiting = noop
	}
	return &Registrar{
		nodes:    nodes,
		recovery: recovery,
		hooks:    hooks,
		logger:   log.WithComponent("registrar"),
	}
}

// Register upserts the node, then runs the hooks. Only the upsert can fail the
// call; hook and scan errors are logged because the registration has already
// landed.
func (r *Registrar) Register(ctx context.Context, req node.RegisterRequest) (*types.Node, error) {
	n, err := r.nodes.Register(ctx, req)
	if err != nil {
		return nil, err
	}

	if n.Status == types.NodeStatusReturning {
		if err := r.hooks.OnReturning(ctx, n.ID); err != nil {
			r.logger.Error().Err(err).Str("node_id", n.ID).Msg("Returning hook failed")
		}
	}

	// Any registration may bring capacity, whatever the node's status
	r.retryWaiting(ctx, n.ID)

	return n, nil
}

func (r *Registrar) retryWaiting(ctx context.Context, nodeID string) {
	open, err := r.recovery.ListOpenEvents(ctx)
	if err != nil {
		r.logger.Error().Err(err).Str("node_id", nodeID).Msg("Failed to list open recovery events")
		return
	}

	for _, event := range open {
		waiting, err := r.recovery.GetWaitingItems(ctx, event.ID)
		if err != nil {
			r.logger.Error().Err(err).Str("recovery_event_id", event.ID).Msg("Failed to list waiting recovery items")
			continue
		}
		if len(waiting) == 0 {
			continue
		}

		r.logger.Info().
			Str("node_id", nodeID).
			Str("recovery_event_id", event.ID).
			Int("waiting", len(waiting)).
			Msg("Retrying waiting recovery items")
		if err := r.hooks.OnRetryWaiting(ctx, event.ID); err != nil {
			r.logger.Error().Err(err).Str("recovery_event_id", event.ID).Msg("Retry hook failed")
		}
	}
}

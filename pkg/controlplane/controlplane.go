package controlplane

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/cuemby/botfleet/pkg/commandbus"
	"github.com/cuemby/botfleet/pkg/config"
	"github.com/cuemby/botfleet/pkg/events"
	"github.com/cuemby/botfleet/pkg/log"
	"github.com/cuemby/botfleet/pkg/metrics"
	"github.com/cuemby/botfleet/pkg/node"
	"github.com/cuemby/botfleet/pkg/nodestate"
	"github.com/cuemby/botfleet/pkg/orphan"
	"github.com/cuemby/botfleet/pkg/recovery"
	"github.com/cuemby/botfleet/pkg/registrar"
	"github.com/cuemby/botfleet/pkg/storage"
	"github.com/cuemby/botfleet/pkg/types"
	"github.com/cuemby/botfleet/pkg/watchdog"
	"github.com/rs/zerolog"
)

var (
	// ErrNodeUnavailable is returned when assigning to a node in a dead state
	ErrNodeUnavailable = errors.New("node is not available for assignment")
	// ErrInvalidAssignment is returned for an assignment missing tenant or node
	ErrInvalidAssignment = errors.New("tenant and node are required")
)

// Options replaces collaborators that are otherwise built from the config
type Options struct {
	Store          storage.Store
	Bus            commandbus.Bus
	Restorer       recovery.Restorer
	Clock          func() time.Time
	OnStatusChange watchdog.StatusChangeFunc
}

// Heartbeat is the periodic report of a node agent
type Heartbeat struct {
	NodeID            string   `json:"node_id"`
	UsedMB            int64    `json:"used_mb"`
	RunningContainers []string `json:"running_containers"`
}

// HeartbeatResult tells the agent what the control plane made of its heartbeat
type HeartbeatResult struct {
	Node *types.Node `json:"node"`
	// Cleanup is set when the heartbeat drove orphan cleanup of a returning node
	Cleanup *orphan.Result `json:"cleanup,omitempty"`
	// ReRegister is set when the node is dead and must register before it
	// can serve again
	ReRegister bool `json:"re_register"`
}

// RecoveryDetail is an event with its items
type RecoveryDetail struct {
	Event *types.RecoveryEvent  `json:"event"`
	Items []*types.RecoveryItem `json:"items"`
}

// ControlPlane owns the store and every lifecycle component, and is what
// the API layer talks to.
type ControlPlane struct {
	cfg       *config.Config
	store     storage.Store
	bus       commandbus.Bus
	grpcBus   *commandbus.GRPCBus
	broker    *events.Broker
	nodes     *node.Repository
	recovery  *recovery.Manager
	registrar *registrar.Registrar
	cleaner   *orphan.Cleaner
	watchdog  *watchdog.Watchdog
	collector *metrics.Collector
	logger    zerolog.Logger
	now       func() time.Time

	background sync.WaitGroup
	stopOnce   sync.Once
}

// OpenStore opens the backend named in the config
func OpenStore(cfg *config.Config) (storage.Store, error) {
	switch cfg.Storage.Backend {
	case config.BackendEtcd:
		return storage.NewEtcdStore(cfg.Storage.EtcdEndpoints, cfg.Storage.EtcdDialTimeout.Std())
	case config.BackendBolt, "":
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		return storage.NewBoltStore(cfg.DataDir)
	}
	return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
}

// New builds the control plane. Nothing runs until Start.
func New(cfg *config.Config, opts Options) (*ControlPlane, error) {
	cp := &ControlPlane{
		cfg:    cfg,
		store:  opts.Store,
		broker: events.NewBroker(),
		logger: log.WithComponent("controlplane"),
	}
	if cp.store == nil {
		store, err := OpenStore(cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to open store: %w", err)
		}
		cp.store = store
	}

	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	cp.now = clock

	cp.nodes = node.NewRepository(cp.store, node.WithClock(clock), node.WithPublisher(cp.broker))

	cp.bus = opts.Bus
	if cp.bus == nil {
		cp.grpcBus = commandbus.NewGRPCBus(cp.nodes, commandbus.Config{
			AgentPort: cfg.CommandBus.AgentPort,
			Timeout:   cfg.CommandBus.Timeout.Std(),
		})
		cp.bus = cp.grpcBus
	}
	restorer := opts.Restorer
	if restorer == nil {
		restorer = recovery.NewBusRestorer(cp.bus)
	}

	cp.recovery = recovery.NewManager(recovery.Config{
		DefaultTenantMemoryMB: cfg.Recovery.DefaultTenantMemoryMB,
		MaxRetries:            cfg.Recovery.MaxRetries,
	}, cp.nodes, cp.store, cp.store, restorer,
		recovery.WithClock(clock),
		recovery.WithPublisher(cp.broker),
	)

	cp.registrar = registrar.New(cp.nodes, cp.store, registrar.Hooks{
		// Cleanup is driven by the agent's first heartbeat after registering
		OnReturning:    func(context.Context, string) error { return nil },
		OnRetryWaiting: cp.retryWaiting,
	})

	cp.cleaner = orphan.New(cp.store, cp.bus, cp.nodes, cp.broker)

	onChange := opts.OnStatusChange
	cp.watchdog = watchdog.New(watchdog.Config{
		Interval:        cfg.Watchdog.Interval.Std(),
		UnhealthyAfter:  cfg.Watchdog.UnhealthyAfter.Std(),
		OfflineAfter:    cfg.Watchdog.OfflineAfter.Std(),
		RecoveryTimeout: cfg.Watchdog.RecoveryTimeout.Std(),
	}, cp.nodes, cp.triggerRecovery,
		watchdog.WithClock(clock),
		watchdog.WithStatusChange(func(nodeID string, status types.NodeStatus) {
			if onChange != nil {
				onChange(nodeID, status)
			}
		}),
	)

	cp.collector = metrics.NewCollector(cp.store, cfg.Metrics.CollectInterval.Std(), log.WithComponent("collector"))

	return cp, nil
}

// Start runs the event broker, the watchdog and the metrics collector
func (cp *ControlPlane) Start() {
	cp.broker.Start()
	cp.watchdog.Start()
	cp.collector.Start()
	metrics.UpdateComponent("store", true, cp.cfg.Storage.Backend)
	cp.logger.Info().Str("backend", cp.cfg.Storage.Backend).Msg("Control plane started")
}

// Stop halts the loops, waits for background recovery work and closes the
// store. Only the first call has any effect.
func (cp *ControlPlane) Stop() error {
	var err error
	cp.stopOnce.Do(func() {
		cp.watchdog.Stop()
		cp.collector.Stop()
		cp.Wait()
		cp.broker.Stop()

		var errs []error
		if cp.grpcBus != nil {
			errs = append(errs, cp.grpcBus.Close())
		}
		errs = append(errs, cp.store.Close())
		metrics.UpdateComponent("store", false, "closed")
		err = errors.Join(errs...)
		cp.logger.Info().Msg("Control plane stopped")
	})
	return err
}

// Wait blocks until dispatched recoveries and retries have finished
func (cp *ControlPlane) Wait() {
	cp.watchdog.Wait()
	cp.background.Wait()
}

// Watchdog exposes the heartbeat watchdog, mainly for a synchronous Sweep
func (cp *ControlPlane) Watchdog() *watchdog.Watchdog {
	return cp.watchdog
}

// Events exposes the broker for subscribers
func (cp *ControlPlane) Events() *events.Broker {
	return cp.broker
}

func (cp *ControlPlane) triggerRecovery(ctx context.Context, nodeID string) error {
	_, err := cp.recovery.TriggerRecovery(ctx, nodeID, types.ReasonHeartbeatTimeout)
	return err
}

// retryWaiting runs a retry off the registration path; restores may be slow
func (cp *ControlPlane) retryWaiting(_ context.Context, eventID string) error {
	cp.background.Add(1)
	go func() {
		defer cp.background.Done()
		ctx, cancel := context.WithTimeout(context.Background(), cp.cfg.Watchdog.RecoveryTimeout.Std())
		defer cancel()
		if _, err := cp.recovery.RetryWaiting(ctx, eventID); err != nil {
			cp.logger.Error().Err(err).Str("recovery_event_id", eventID).Msg("Retry of waiting recovery items failed")
		}
	}()
	return nil
}

func (cp *ControlPlane) retryAllWaiting() {
	cp.background.Add(1)
	go func() {
		defer cp.background.Done()
		ctx, cancel := context.WithTimeout(context.Background(), cp.cfg.Watchdog.RecoveryTimeout.Std())
		defer cancel()
		if err := cp.recovery.RetryAllWaiting(ctx); err != nil {
			cp.logger.Error().Err(err).Msg("Retry of waiting recovery items failed")
		}
	}()
}

// Register is called by a node agent when it starts
func (cp *ControlPlane) Register(ctx context.Context, req node.RegisterRequest) (*types.Node, error) {
	n, err := cp.registrar.Register(ctx, req)
	if err != nil {
		return nil, err
	}
	cp.broker.Publish(&events.Event{
		Type:    events.EventNodeRegistered,
		NodeID:  n.ID,
		Message: string(n.Status),
		Metadata: map[string]string{
			"host":          n.Host,
			"agent_version": n.AgentVersion,
		},
	})
	return n, nil
}

// Heartbeat records an agent heartbeat. An unhealthy node is restored to
// active; a returning node is reconciled by the orphan cleaner using the
// containers it reports; a dead node is told to register again.
func (cp *ControlPlane) Heartbeat(ctx context.Context, hb Heartbeat) (*HeartbeatResult, error) {
	n, err := cp.nodes.UpdateHeartbeat(ctx, hb.NodeID, hb.UsedMB)
	if err != nil {
		return nil, err
	}
	res := &HeartbeatResult{Node: n}

	switch {
	case n.Status == types.NodeStatusUnhealthy:
		active, err := cp.nodes.Transition(ctx, n.ID, types.NodeStatusActive, types.ReasonHeartbeatResumed, types.TriggeredByNodeAgent)
		if err != nil {
			var conflict *storage.ConcurrentTransitionError
			if !errors.As(err, &conflict) {
				return nil, err
			}
			// the watchdog got there first; the next heartbeat sees fresh state
			cp.logger.Debug().Str("node_id", n.ID).Str("actual", string(conflict.Actual)).Msg("Heartbeat lost race with watchdog")
			return cp.refresh(ctx, res)
		}
		res.Node = active

	case n.Status == types.NodeStatusReturning:
		cleanup, err := cp.cleaner.Clean(ctx, orphan.Request{NodeID: n.ID, RunningContainers: hb.RunningContainers})
		res.Cleanup = cleanup
		if err != nil {
			return nil, err
		}
		return cp.refresh(ctx, res)

	case nodestate.IsDead(n.Status):
		res.ReRegister = true
	}
	return res, nil
}

func (cp *ControlPlane) refresh(ctx context.Context, res *HeartbeatResult) (*HeartbeatResult, error) {
	n, err := cp.nodes.GetByID(ctx, res.Node.ID)
	if err != nil {
		return nil, err
	}
	res.Node = n
	res.ReRegister = nodestate.IsDead(n.Status)
	return res, nil
}

// Assign places a tenant on a node and reserves its memory. Reassigning a
// tenant releases the memory on its previous node.
func (cp *ControlPlane) Assign(ctx context.Context, a types.Assignment) (*types.Assignment, error) {
	if a.Tenant == "" || a.NodeID == "" {
		return nil, ErrInvalidAssignment
	}
	if a.MemoryMB <= 0 {
		a.MemoryMB = cp.cfg.Recovery.DefaultTenantMemoryMB
	}
	n, err := cp.nodes.GetByID(ctx, a.NodeID)
	if err != nil {
		return nil, err
	}
	if nodestate.IsDead(n.Status) {
		return nil, fmt.Errorf("node %s is %s: %w", n.ID, n.Status, ErrNodeUnavailable)
	}

	prev, err := cp.store.GetAssignment(ctx, a.Tenant)
	if err != nil && !errors.Is(err, storage.ErrAssignmentNotFound) {
		return nil, err
	}

	a.UpdatedAt = cp.now()
	if err := cp.store.PutAssignment(ctx, &a); err != nil {
		return nil, err
	}
	if prev != nil {
		if _, err := cp.nodes.AddCapacity(ctx, prev.NodeID, -prev.MemoryMB); err != nil {
			return nil, err
		}
	}
	if _, err := cp.nodes.AddCapacity(ctx, a.NodeID, a.MemoryMB); err != nil {
		return nil, err
	}
	return &a, nil
}

// Unassign removes a tenant, frees its memory and retries waiting recoveries
func (cp *ControlPlane) Unassign(ctx context.Context, tenant string) error {
	a, err := cp.store.GetAssignment(ctx, tenant)
	if err != nil {
		return err
	}
	if err := cp.store.DeleteAssignment(ctx, tenant); err != nil {
		return err
	}
	if _, err := cp.nodes.AddCapacity(ctx, a.NodeID, -a.MemoryMB); err != nil {
		return err
	}
	cp.retryAllWaiting()
	return nil
}

// Drain stops a node from receiving recovered tenants
func (cp *ControlPlane) Drain(ctx context.Context, nodeID string) (*types.Node, error) {
	return cp.nodes.Transition(ctx, nodeID, types.NodeStatusDraining, types.ReasonDrainRequested, types.TriggeredBySystem)
}

// ListNodes returns every node, or those in the given statuses
func (cp *ControlPlane) ListNodes(ctx context.Context, statuses ...types.NodeStatus) ([]*types.Node, error) {
	return cp.nodes.List(ctx, statuses...)
}

// ListTransitions returns a node's audit trail, newest first
func (cp *ControlPlane) ListTransitions(ctx context.Context, nodeID string, limit int) ([]*types.NodeTransition, error) {
	return cp.nodes.ListTransitions(ctx, nodeID, limit)
}

// ListRecoveryEvents returns recent events, newest first
func (cp *ControlPlane) ListRecoveryEvents(ctx context.Context, limit int) ([]*types.RecoveryEvent, error) {
	return cp.store.ListEvents(ctx, limit)
}

// GetRecoveryEvent returns an event and its items
func (cp *ControlPlane) GetRecoveryEvent(ctx context.Context, id string) (*RecoveryDetail, error) {
	event, err := cp.store.GetEvent(ctx, id)
	if err != nil {
		return nil, err
	}
	items, err := cp.store.ListItems(ctx, id)
	if err != nil {
		return nil, err
	}
	return &RecoveryDetail{Event: event, Items: items}, nil
}

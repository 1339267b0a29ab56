package recovery

import (
	"context"
	"encoding/json"
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

// ReasonAssignmentChanged marks an item whose tenant was unassigned or moved
// by someone else while the item waited.
const ReasonAssignmentChanged = "assignment_changed"

// ReasonNodeReturned marks an item resolved in place because its source node
// came back before the tenant could be moved.
const ReasonNodeReturned = "node_returned"

// ErrNodeNotDead is returned when recovery is requested for a node that is
// not offline, recovering or failed.
var ErrNodeNotDead = errors.New("node is not in a dead state")

// Config holds recovery tuning
type Config struct {
	// DefaultTenantMemoryMB is reserved for tenants whose assignment has no size
	DefaultTenantMemoryMB int64
	// MaxRetries is how many retry passes a waiting item gets before it fails
	MaxRetries int
}

// DefaultConfig returns the production settings
func DefaultConfig() Config {
	return Config{
		DefaultTenantMemoryMB: 256,
		MaxRetries:            10,
	}
}

// NodeRepository is the part of node.Repository recovery needs
type NodeRepository interface {
	GetByID(ctx context.Context, id string) (*types.Node, error)
	Transition(ctx context.Context, id string, to types.NodeStatus, reason string, by types.TriggeredBy) (*types.Node, error)
	FindBestTarget(ctx context.Context, excludeID string, requiredMB int64) (*types.Node, error)
	AddCapacity(ctx context.Context, id string, deltaMB int64) (*types.Node, error)
}

// Restorer brings a tenant's data up on a target node
type Restorer interface {
	Restore(ctx context.Context, nodeID, tenant, backupKey string) error
}

// Option configures a Manager
type Option func(*Manager)

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithPublisher publishes recovery lifecycle events
func WithPublisher(p events.Publisher) Option {
	return func(m *Manager) { m.publisher = p }
}

// Manager migrates the tenants of a dead node onto healthy nodes and keeps
// the recovery record of what happened to each of them.
type Manager struct {
	cfg         Config
	nodes       NodeRepository
	store       storage.RecoveryStore
	assignments storage.AssignmentStore
	restorer    Restorer
	publisher   events.Publisher
	now         func() time.Time
	logger      zerolog.Logger

	nodeLocks  *keyedMutex
	eventLocks *keyedMutex
}

// NewManager creates a recovery manager
func NewManager(cfg Config, nodes NodeRepository, store storage.RecoveryStore, assignments storage.AssignmentStore, restorer Restorer, opts ...Option) *Manager {
	defaults := DefaultConfig()
	if cfg.DefaultTenantMemoryMB <= 0 {
		cfg.DefaultTenantMemoryMB = defaults.DefaultTenantMemoryMB
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaults.MaxRetries
	}
	m := &Manager{
		cfg:         cfg,
		nodes:       nodes,
		store:       store,
		assignments: assignments,
		restorer:    restorer,
		now:         time.Now,
		logger:      log.WithComponent("recovery"),
		nodeLocks:   newKeyedMutex(),
		eventLocks:  newKeyedMutex(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// TriggerRecovery opens a recovery event for a dead node and attempts to move
// every tenant assigned to it. If the node already has an open event, that
// event is returned and nothing new is started.
func (m *Manager) TriggerRecovery(ctx context.Context, nodeID, trigger string) (*types.RecoveryEvent, error) {
	unlock := m.nodeLocks.Lock(nodeID)
	defer unlock()

	if existing, err := m.openEventFor(ctx, nodeID); err != nil || existing != nil {
		return existing, err
	}

	owned, err := m.beginRecovering(ctx, nodeID)
	if err != nil {
		return nil, err
	}

	assigned, err := m.assignments.ListByNode(ctx, nodeID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tenants on node %s: %w", nodeID, err)
	}

	now := m.now()
	eventID := uuid.New().String()
	unlockEvent := m.eventLocks.Lock(eventID)
	defer unlockEvent()

	event := &types.RecoveryEvent{
		ID:             eventID,
		NodeID:         nodeID,
		Trigger:        trigger,
		Status:         types.RecoveryStatusInProgress,
		TenantsTotal:   len(assigned),
		TenantsWaiting: len(assigned),
		StartedAt:      now,
	}
	if err := m.store.CreateEvent(ctx, event); err != nil {
		return nil, fmt.Errorf("failed to create recovery event: %w", err)
	}

	logger := log.WithNodeID(log.WithRecoveryEvent(event.ID), nodeID)
	logger.Info().
		Str("trigger", trigger).
		Int("tenants", len(assigned)).
		Msg("Recovery started")
	m.publish(events.EventRecoveryStarted, event, fmt.Sprintf("%d tenants to move", len(assigned)))

	// All items exist before any outcome can move the event out of in_progress
	items := make([]*types.RecoveryItem, 0, len(assigned))
	for _, a := range assigned {
		item := &types.RecoveryItem{
			ID:              uuid.New().String(),
			RecoveryEventID: event.ID,
			Tenant:          a.Tenant,
			SourceNode:      nodeID,
			BackupKey:       a.BackupKey,
			Status:          types.RecoveryItemWaiting,
			StartedAt:       now,
		}
		if err := m.store.CreateItem(ctx, item); err != nil {
			return nil, fmt.Errorf("failed to create recovery item for %s: %w", a.Tenant, err)
		}
		items = append(items, item)
	}

	for _, item := range items {
		if err := m.attempt(ctx, logger, item); err != nil {
			return nil, err
		}
	}

	final, err := m.finalize(ctx, event.ID)
	if err != nil {
		return nil, err
	}

	if owned {
		m.endRecovering(ctx, logger, nodeID)
	}
	return final, nil
}

// RetryWaiting makes another placement attempt for every waiting item of an
// open event. Retries of the same event are serialized. Items that have used
// up MaxRetries are failed with retries_exhausted.
func (m *Manager) RetryWaiting(ctx context.Context, eventID string) (*types.RecoveryEvent, error) {
	unlock := m.eventLocks.Lock(eventID)
	defer unlock()

	event, err := m.store.GetEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if !event.IsOpen() {
		return event, nil
	}

	waiting, err := m.store.GetWaitingItems(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("failed to list waiting items: %w", err)
	}
	if len(waiting) == 0 {
		return event, nil
	}

	logger := log.WithNodeID(log.WithRecoveryEvent(eventID), event.NodeID)
	for _, item := range waiting {
		back, err := m.sourceBack(ctx, item.SourceNode)
		if err != nil {
			return nil, err
		}
		if back {
			if err := m.attempt(ctx, logger, item); err != nil {
				return nil, err
			}
			continue
		}

		count, err := m.store.IncrementRetryCount(ctx, item.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to count retry of %s: %w", item.Tenant, err)
		}
		if count > m.cfg.MaxRetries {
			if err := m.fail(ctx, item, types.ReasonRetriesExhausted); err != nil {
				return nil, err
			}
			metrics.RecoveryItemsTotal.WithLabelValues("exhausted").Inc()
			logger.Warn().Str("tenant", item.Tenant).Int("retries", count-1).Msg("Recovery retries exhausted")
			continue
		}
		if err := m.attempt(ctx, logger, item); err != nil {
			return nil, err
		}
	}

	final, err := m.finalize(ctx, eventID)
	if err != nil {
		return nil, err
	}
	m.publish(events.EventRecoveryRetried, final, fmt.Sprintf("%d waiting items retried", len(waiting)))
	return final, nil
}

// RetryAllWaiting retries every open event that still has waiting items
func (m *Manager) RetryAllWaiting(ctx context.Context) error {
	open, err := m.store.ListOpenEvents(ctx)
	if err != nil {
		return fmt.Errorf("failed to list open recovery events: %w", err)
	}
	var errs []error
	for _, event := range open {
		if _, err := m.RetryWaiting(ctx, event.ID); err != nil {
			errs = append(errs, fmt.Errorf("event %s: %w", event.ID, err))
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) openEventFor(ctx context.Context, nodeID string) (*types.RecoveryEvent, error) {
	open, err := m.store.ListOpenEvents(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list open recovery events: %w", err)
	}
	for _, event := range open {
		if event.NodeID == nodeID {
			m.logger.Info().
				Str("node_id", nodeID).
				Str("recovery_event_id", event.ID).
				Msg("Node already has an open recovery event")
			return event, nil
		}
	}
	return nil, nil
}

// beginRecovering moves an offline node to recovering. owned reports whether
// this call made that transition and so must undo it when done.
func (m *Manager) beginRecovering(ctx context.Context, nodeID string) (owned bool, err error) {
	node, err := m.nodes.GetByID(ctx, nodeID)
	if err != nil {
		return false, err
	}
	if !nodestate.IsDead(node.Status) {
		return false, fmt.Errorf("%w: %s is %s", ErrNodeNotDead, nodeID, node.Status)
	}
	if node.Status != types.NodeStatusOffline {
		return false, nil
	}

	_, err = m.nodes.Transition(ctx, nodeID, types.NodeStatusRecovering, types.ReasonRecoveryStarted, types.TriggeredBySystem)
	if err == nil {
		return true, nil
	}
	var conflict *storage.ConcurrentTransitionError
	if !errors.As(err, &conflict) {
		return false, err
	}
	if !nodestate.IsDead(conflict.Actual) {
		return false, fmt.Errorf("%w: %s is %s", ErrNodeNotDead, nodeID, conflict.Actual)
	}
	m.logger.Debug().Str("node_id", nodeID).Str("actual", string(conflict.Actual)).Msg("Node status moved before recovery, continuing")
	return false, nil
}

func (m *Manager) endRecovering(ctx context.Context, logger zerolog.Logger, nodeID string) {
	_, err := m.nodes.Transition(ctx, nodeID, types.NodeStatusOffline, types.ReasonRecoveryFinished, types.TriggeredBySystem)
	if err != nil {
		// the agent re-registered while its tenants were being moved
		logger.Info().Err(err).Msg("Node left recovering before recovery finished")
	}
}

// attempt tries to place one item. Outcomes are written to the item; only
// storage failures are returned.
func (m *Manager) attempt(ctx context.Context, logger zerolog.Logger, item *types.RecoveryItem) error {
	a, err := m.assignments.GetAssignment(ctx, item.Tenant)
	if errors.Is(err, storage.ErrAssignmentNotFound) || (err == nil && a.NodeID != item.SourceNode) {
		metrics.RecoveryItemsTotal.WithLabelValues("failed").Inc()
		return m.fail(ctx, item, ReasonAssignmentChanged)
	}
	if err != nil {
		return fmt.Errorf("failed to read assignment of %s: %w", item.Tenant, err)
	}

	// The tenant still runs on its source node once that node is back, so
	// moving it would leave a second copy behind
	back, err := m.sourceBack(ctx, item.SourceNode)
	if err != nil {
		return err
	}
	if back {
		return m.keepInPlace(ctx, logger, item)
	}

	memory := a.MemoryMB
	if memory <= 0 {
		memory = m.cfg.DefaultTenantMemoryMB
	}

	target, err := m.nodes.FindBestTarget(ctx, item.SourceNode, memory)
	if err != nil {
		return fmt.Errorf("failed to find target for %s: %w", item.Tenant, err)
	}
	if target == nil {
		reason := types.ReasonNoCapacity
		if _, err := m.store.UpdateItem(ctx, item.ID, storage.ItemPatch{Reason: &reason}); err != nil {
			return fmt.Errorf("failed to update recovery item %s: %w", item.ID, err)
		}
		metrics.RecoveryItemsTotal.WithLabelValues("waiting").Inc()
		logger.Warn().Str("tenant", item.Tenant).Int64("memory_mb", memory).Msg("No node has capacity for tenant")
		return nil
	}

	// Reserve before restoring so concurrent recoveries see the memory as taken
	if _, err := m.nodes.AddCapacity(ctx, target.ID, memory); err != nil {
		return fmt.Errorf("failed to reserve %dMB on %s: %w", memory, target.ID, err)
	}

	if err := m.restorer.Restore(ctx, target.ID, item.Tenant, item.BackupKey); err != nil {
		if _, relErr := m.nodes.AddCapacity(ctx, target.ID, -memory); relErr != nil {
			logger.Error().Err(relErr).Str("node_id", target.ID).Msg("Failed to release reserved memory")
		}
		metrics.RecoveryItemsTotal.WithLabelValues("failed").Inc()
		logger.Error().Err(err).Str("tenant", item.Tenant).Str("target", target.ID).Msg("Tenant restore failed")
		return m.fail(ctx, item, err.Error())
	}

	if _, err := m.assignments.Reassign(ctx, item.Tenant, target.ID); err != nil {
		return fmt.Errorf("failed to reassign %s to %s: %w", item.Tenant, target.ID, err)
	}
	if _, err := m.nodes.AddCapacity(ctx, item.SourceNode, -memory); err != nil {
		return fmt.Errorf("failed to release %dMB on %s: %w", memory, item.SourceNode, err)
	}

	status := types.RecoveryItemRecovered
	now := m.now()
	empty := ""
	if _, err := m.store.UpdateItem(ctx, item.ID, storage.ItemPatch{
		Status:      &status,
		TargetNode:  &target.ID,
		Reason:      &empty,
		CompletedAt: &now,
	}); err != nil {
		return fmt.Errorf("failed to update recovery item %s: %w", item.ID, err)
	}

	metrics.RecoveryItemsTotal.WithLabelValues("recovered").Inc()
	logger.Info().Str("tenant", item.Tenant).Str("target", target.ID).Msg("Tenant recovered")
	return nil
}

// sourceBack reports whether the item's source node has left the dead states
func (m *Manager) sourceBack(ctx context.Context, nodeID string) (bool, error) {
	source, err := m.nodes.GetByID(ctx, nodeID)
	if errors.Is(err, storage.ErrNodeNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read source node %s: %w", nodeID, err)
	}
	return !nodestate.IsDead(source.Status), nil
}

func (m *Manager) keepInPlace(ctx context.Context, logger zerolog.Logger, item *types.RecoveryItem) error {
	status := types.RecoveryItemRecovered
	reason := ReasonNodeReturned
	now := m.now()
	if _, err := m.store.UpdateItem(ctx, item.ID, storage.ItemPatch{
		Status:      &status,
		TargetNode:  &item.SourceNode,
		Reason:      &reason,
		CompletedAt: &now,
	}); err != nil {
		return fmt.Errorf("failed to update recovery item %s: %w", item.ID, err)
	}
	metrics.RecoveryItemsTotal.WithLabelValues("returned").Inc()
	logger.Info().Str("tenant", item.Tenant).Msg("Source node returned, tenant kept in place")
	return nil
}

func (m *Manager) fail(ctx context.Context, item *types.RecoveryItem, reason string) error {
	status := types.RecoveryItemFailed
	now := m.now()
	if _, err := m.store.UpdateItem(ctx, item.ID, storage.ItemPatch{
		Status:      &status,
		Reason:      &reason,
		CompletedAt: &now,
	}); err != nil {
		return fmt.Errorf("failed to update recovery item %s: %w", item.ID, err)
	}
	return nil
}

// finalize recomputes the event's counts and status from its items
func (m *Manager) finalize(ctx context.Context, eventID string) (*types.RecoveryEvent, error) {
	event, err := m.store.GetEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	items, err := m.store.ListItems(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("failed to list recovery items: %w", err)
	}

	agg := Aggregate(items)
	report, err := buildReport(event, items)
	if err != nil {
		return nil, err
	}
	patch := storage.EventPatch{
		Status:           &agg.Status,
		TenantsRecovered: &agg.Recovered,
		TenantsFailed:    &agg.Failed,
		TenantsWaiting:   &agg.Waiting,
		ReportJSON:       &report,
	}
	if agg.Resolved() {
		now := m.now()
		patch.CompletedAt = &now
	}

	updated, err := m.store.UpdateEvent(ctx, eventID, patch)
	if err != nil {
		return nil, fmt.Errorf("failed to update recovery event %s: %w", eventID, err)
	}

	metrics.RecoveryEventsTotal.WithLabelValues(string(updated.Status)).Inc()
	if agg.Resolved() {
		logger := log.WithRecoveryEvent(eventID)
		logger.Info().
			Str("node_id", updated.NodeID).
			Str("status", string(updated.Status)).
			Int("recovered", updated.TenantsRecovered).
			Int("failed", updated.TenantsFailed).
			Msg("Recovery finished")
		m.publish(events.EventRecoveryFinished, updated, string(updated.Status))
	}
	return updated, nil
}

// Summary is the aggregate outcome of a recovery event's items
type Summary struct {
	Status    types.RecoveryStatus
	Recovered int
	Failed    int
	Waiting   int
}

// Resolved reports whether no item can change any more
func (s Summary) Resolved() bool {
	return s.Waiting == 0
}

// Aggregate derives the event status: completed when every item recovered
// (or there were none), failed when every item failed, partial otherwise.
func Aggregate(items []*types.RecoveryItem) Summary {
	var s Summary
	for _, item := range items {
		switch item.Status {
		case types.RecoveryItemRecovered:
			s.Recovered++
		case types.RecoveryItemFailed:
			s.Failed++
		default:
			s.Waiting++
		}
	}

	switch {
	case s.Recovered == len(items):
		s.Status = types.RecoveryStatusCompleted
	case s.Failed == len(items):
		s.Status = types.RecoveryStatusFailed
	default:
		s.Status = types.RecoveryStatusPartial
	}
	return s
}

type reportItem struct {
	Tenant     string `json:"tenant"`
	Status     string `json:"status"`
	TargetNode string `json:"target_node,omitempty"`
	Reason     string `json:"reason,omitempty"`
	Retries    int    `json:"retries"`
}

type report struct {
	NodeID  string       `json:"node_id"`
	Trigger string       `json:"trigger"`
	Items   []reportItem `json:"items"`
}

func buildReport(event *types.RecoveryEvent, items []*types.RecoveryItem) (string, error) {
	r := report{NodeID: event.NodeID, Trigger: event.Trigger, Items: make([]reportItem, 0, len(items))}
	for _, item := range items {
		r.Items = append(r.Items, reportItem{
			Tenant:     item.Tenant,
			Status:     string(item.Status),
			TargetNode: item.TargetNode,
			Reason:     item.Reason,
			Retries:    item.RetryCount,
		})
	}
	data, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("failed to encode recovery report: %w", err)
	}
	return string(data), nil
}

func (m *Manager) publish(typ events.EventType, event *types.RecoveryEvent, msg string) {
	if m.publisher == nil {
		return
	}
	m.publisher.Publish(&events.Event{
		Type:    typ,
		NodeID:  event.NodeID,
		Message: msg,
		Metadata: map[string]string{
			"recovery_event_id": event.ID,
			"status":            string(event.Status),
		},
	})
}

package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/botfleet/pkg/types"
)

var (
	ErrNodeNotFound       = errors.New("node not found")
	ErrNodeExists         = errors.New("node already exists")
	ErrEventNotFound      = errors.New("recovery event not found")
	ErrItemNotFound       = errors.New("recovery item not found")
	ErrEventNotInProgress = errors.New("recovery event is not in progress")
	ErrAssignmentNotFound = errors.New("assignment not found")
)

// ConcurrentTransitionError is returned when a node's status changed between
// the caller's read and the conditional write.
type ConcurrentTransitionError struct {
	NodeID   string
	Expected types.NodeStatus
	Actual   types.NodeStatus
}

func (e *ConcurrentTransitionError) Error() string {
	return fmt.Sprintf("concurrent transition on node %s: expected status %s, found %s", e.NodeID, e.Expected, e.Actual)
}

// NodeStore persists node records and their transition audit trail
type NodeStore interface {
	CreateNode(ctx context.Context, node *types.Node) error
	GetNode(ctx context.Context, id string) (*types.Node, error)
	ListNodes(ctx context.Context) ([]*types.Node, error)
	UpdateNodeMetadata(ctx context.Context, id, host, agentVersion string, capacityMB int64, at time.Time) (*types.Node, error)

	// CompareAndSwapStatus sets the node status to tr.ToStatus only if the
	// stored status still equals tr.FromStatus, and appends tr in the same
	// transaction.
	CompareAndSwapStatus(ctx context.Context, tr *types.NodeTransition) (*types.Node, error)

	UpdateHeartbeat(ctx context.Context, id string, usedMB int64, at time.Time) (*types.Node, error)

	// AddUsedMemory atomically adds delta to UsedMB, clamping at zero
	AddUsedMemory(ctx context.Context, id string, deltaMB int64) (*types.Node, error)

	// ListTransitions returns the audit trail for a node, newest first
	ListTransitions(ctx context.Context, nodeID string, limit int) ([]*types.NodeTransition, error)
}

// EventPatch is a partial update of a recovery event. Nil fields are left alone.
type EventPatch struct {
	Status           *types.RecoveryStatus
	TenantsRecovered *int
	TenantsFailed    *int
	TenantsWaiting   *int
	CompletedAt      *time.Time
	ReportJSON       *string
}

// ItemPatch is a partial update of a recovery item. Nil fields are left alone.
type ItemPatch struct {
	Status      *types.RecoveryItemStatus
	TargetNode  *string
	Reason      *string
	CompletedAt *time.Time
}

// RecoveryStore persists recovery events and items
type RecoveryStore interface {
	CreateEvent(ctx context.Context, event *types.RecoveryEvent) error
	UpdateEvent(ctx context.Context, id string, patch EventPatch) (*types.RecoveryEvent, error)
	GetEvent(ctx context.Context, id string) (*types.RecoveryEvent, error)
	ListEvents(ctx context.Context, limit int) ([]*types.RecoveryEvent, error)
	ListOpenEvents(ctx context.Context) ([]*types.RecoveryEvent, error)

	CreateItem(ctx context.Context, item *types.RecoveryItem) error
	UpdateItem(ctx context.Context, id string, patch ItemPatch) (*types.RecoveryItem, error)
	GetItem(ctx context.Context, id string) (*types.RecoveryItem, error)
	ListItems(ctx context.Context, eventID string) ([]*types.RecoveryItem, error)
	GetWaitingItems(ctx context.Context, eventID string) ([]*types.RecoveryItem, error)
	IncrementRetryCount(ctx context.Context, itemID string) (int, error)
}

// AssignmentStore is the workload-assignment table
type AssignmentStore interface {
	PutAssignment(ctx context.Context, a *types.Assignment) error
	GetAssignment(ctx context.Context, tenant string) (*types.Assignment, error)
	DeleteAssignment(ctx context.Context, tenant string) error
	ListByNode(ctx context.Context, nodeID string) ([]*types.Assignment, error)
	Reassign(ctx context.Context, tenant, nodeID string) (*types.Assignment, error)
}

// Store is the full persistence surface of the control plane
type Store interface {
	NodeStore
	RecoveryStore
	AssignmentStore

	Close() error
}

var (
	_ Store = (*BoltStore)(nil)
	_ Store = (*EtcdStore)(nil)
)

func (p EventPatch) apply(e *types.RecoveryEvent) {
	if p.Status != nil {
		e.Status = *p.Status
	}
	if p.TenantsRecovered != nil {
		e.TenantsRecovered = *p.TenantsRecovered
	}
	if p.TenantsFailed != nil {
		e.TenantsFailed = *p.TenantsFailed
	}
	if p.TenantsWaiting != nil {
		e.TenantsWaiting = *p.TenantsWaiting
	}
	if p.CompletedAt != nil {
		t := *p.CompletedAt
		e.CompletedAt = &t
	}
	if p.ReportJSON != nil {
		e.ReportJSON = *p.ReportJSON
	}
}

func (p ItemPatch) apply(i *types.RecoveryItem) {
	if p.Status != nil {
		i.Status = *p.Status
	}
	if p.TargetNode != nil {
		i.TargetNode = *p.TargetNode
	}
	if p.Reason != nil {
		i.Reason = *p.Reason
	}
	if p.CompletedAt != nil {
		t := *p.CompletedAt
		i.CompletedAt = &t
	}
}

// transitionKey sorts lexically by node, then creation time, then seq, which
// must grow with every transition of the node
func transitionKey(tr *types.NodeTransition, seq int64) string {
	return fmt.Sprintf("%s/%020d/%020d", tr.NodeID, tr.CreatedAt.UnixNano(), seq)
}

func clampUsed(used, delta int64) int64 {
	used += delta
	if used < 0 {
		return 0
	}
	return used
}

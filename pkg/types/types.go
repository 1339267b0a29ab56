package types

import (
	"time"
)

// Node represents a worker machine hosting tenant bot containers
type Node struct {
	ID              string     `json:"id"`
	Host            string     `json:"host"`
	Status          NodeStatus `json:"status"`
	CapacityMB      int64      `json:"capacity_mb"`
	UsedMB          int64      `json:"used_mb"`
	AgentVersion    string     `json:"agent_version"`
	LastHeartbeatAt *time.Time `json:"last_heartbeat_at,omitempty"`
	RegisteredAt    time.Time  `json:"registered_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// FreeMB returns the unreserved memory on the node
func (n *Node) FreeMB() int64 {
	return n.CapacityMB - n.UsedMB
}

// NodeStatus represents the lifecycle state of a node
type NodeStatus string

const (
	NodeStatusProvisioning NodeStatus = "provisioning"
	NodeStatusActive       NodeStatus = "active"
	NodeStatusUnhealthy    NodeStatus = "unhealthy"
	NodeStatusOffline      NodeStatus = "offline"
	NodeStatusRecovering   NodeStatus = "recovering"
	NodeStatusReturning    NodeStatus = "returning"
	NodeStatusDraining     NodeStatus = "draining"
	NodeStatusFailed       NodeStatus = "failed"
)

// AllNodeStatuses lists every lifecycle state
var AllNodeStatuses = []NodeStatus{
	NodeStatusProvisioning,
	NodeStatusActive,
	NodeStatusUnhealthy,
	NodeStatusOffline,
	NodeStatusRecovering,
	NodeStatusReturning,
	NodeStatusDraining,
	NodeStatusFailed,
}

// TriggeredBy identifies the actor behind a node transition
type TriggeredBy string

const (
	TriggeredByNodeAgent         TriggeredBy = "node_agent"
	TriggeredByHeartbeatWatchdog TriggeredBy = "heartbeat_watchdog"
	TriggeredByOrphanCleaner     TriggeredBy = "orphan_cleaner"
	TriggeredBySystem            TriggeredBy = "system"
)

// Transition reasons
const (
	ReasonFirstRegistration = "first_registration"
	ReasonReRegistration    = "re_registration"
	ReasonHeartbeatTimeout  = "heartbeat_timeout"
	ReasonHeartbeatResumed  = "heartbeat_resumed"
	ReasonCleanupComplete   = "cleanup_complete"
	ReasonRecoveryStarted   = "recovery_started"
	ReasonRecoveryFinished  = "recovery_finished"
	ReasonDrainRequested    = "drain_requested"
)

// NodeTransition is the audit record of one status change
type NodeTransition struct {
	ID          string      `json:"id"`
	NodeID      string      `json:"node_id"`
	FromStatus  NodeStatus  `json:"from_status"`
	ToStatus    NodeStatus  `json:"to_status"`
	Reason      string      `json:"reason"`
	TriggeredBy TriggeredBy `json:"triggered_by"`
	CreatedAt   time.Time   `json:"created_at"`
}

// RecoveryStatus is the aggregate state of a recovery event
type RecoveryStatus string

const (
	RecoveryStatusInProgress RecoveryStatus = "in_progress"
	RecoveryStatusPartial    RecoveryStatus = "partial"
	RecoveryStatusCompleted  RecoveryStatus = "completed"
	RecoveryStatusFailed     RecoveryStatus = "failed"
)

// RecoveryEvent records one failure-and-recovery episode for a node
type RecoveryEvent struct {
	ID               string         `json:"id"`
	NodeID           string         `json:"node_id"`
	Trigger          string         `json:"trigger"`
	Status           RecoveryStatus `json:"status"`
	TenantsTotal     int            `json:"tenants_total"`
	TenantsRecovered int            `json:"tenants_recovered"`
	TenantsFailed    int            `json:"tenants_failed"`
	TenantsWaiting   int            `json:"tenants_waiting"`
	StartedAt        time.Time      `json:"started_at"`
	CompletedAt      *time.Time     `json:"completed_at,omitempty"`
	ReportJSON       string         `json:"report_json,omitempty"`
}

// IsOpen reports whether the event still has work that may be retried
func (e *RecoveryEvent) IsOpen() bool {
	return e.Status == RecoveryStatusInProgress || e.Status == RecoveryStatusPartial
}

// RecoveryItemStatus is the outcome of a single tenant migration
type RecoveryItemStatus string

const (
	RecoveryItemWaiting   RecoveryItemStatus = "waiting"
	RecoveryItemRecovered RecoveryItemStatus = "recovered"
	RecoveryItemFailed    RecoveryItemStatus = "failed"
)

// Recovery item reasons
const (
	ReasonNoCapacity       = "no_capacity"
	ReasonRetriesExhausted = "retries_exhausted"
)

// RecoveryItem is the per-tenant unit of work inside a recovery event
type RecoveryItem struct {
	ID              string             `json:"id"`
	RecoveryEventID string             `json:"recovery_event_id"`
	Tenant          string             `json:"tenant"`
	SourceNode      string             `json:"source_node"`
	TargetNode      string             `json:"target_node,omitempty"`
	BackupKey       string             `json:"backup_key,omitempty"`
	Status          RecoveryItemStatus `json:"status"`
	Reason          string             `json:"reason,omitempty"`
	RetryCount      int                `json:"retry_count"`
	StartedAt       time.Time          `json:"started_at"`
	CompletedAt     *time.Time         `json:"completed_at,omitempty"`
}

// Assignment places a tenant on exactly one node. It is the source of
// truth for what should be running where.
type Assignment struct {
	Tenant    string    `json:"tenant"`
	NodeID    string    `json:"node_id"`
	MemoryMB  int64     `json:"memory_mb"`
	BackupKey string    `json:"backup_key,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

package recovery

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/botfleet/pkg/node"
	"github.com/cuemby/botfleet/pkg/storage"
	"github.com/cuemby/botfleet/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRestorer struct {
	mu       sync.Mutex
	failures map[string]error
	restored map[string]string
}

func newFakeRestorer() *fakeRestorer {
	return &fakeRestorer{failures: map[string]error{}, restored: map[string]string{}}
}

func (r *fakeRestorer) Restore(_ context.Context, nodeID, tenant, backupKey string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err, ok := r.failures[tenant]; ok {
		return err
	}
	r.restored[tenant] = nodeID
	return nil
}

type fixture struct {
	store    *storage.BoltStore
	nodes    *node.Repository
	restorer *fakeRestorer
	manager  *Manager
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	nodes := node.NewRepository(store)
	restorer := newFakeRestorer()
	return &fixture{
		store:    store,
		nodes:    nodes,
		restorer: restorer,
		manager:  NewManager(cfg, nodes, store, store, restorer),
	}
}

func (f *fixture) addNode(t *testing.T, id string, capacityMB int64) {
	t.Helper()
	_, err := f.nodes.Register(context.Background(), node.RegisterRequest{NodeID: id, Host: id, CapacityMB: capacityMB})
	require.NoError(t, err)
}

func (f *fixture) assign(t *testing.T, tenant, nodeID string, memoryMB int64) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.store.PutAssignment(ctx, &types.Assignment{
		Tenant:    tenant,
		NodeID:    nodeID,
		MemoryMB:  memoryMB,
		BackupKey: "backups/" + tenant,
		UpdatedAt: time.Now(),
	}))
	_, err := f.nodes.AddCapacity(ctx, nodeID, memoryMB)
	require.NoError(t, err)
}

func (f *fixture) kill(t *testing.T, id string) {
	t.Helper()
	for _, s := range []types.NodeStatus{types.NodeStatusUnhealthy, types.NodeStatusOffline} {
		_, err := f.nodes.Transition(context.Background(), id, s, types.ReasonHeartbeatTimeout, types.TriggeredByHeartbeatWatchdog)
		require.NoError(t, err)
	}
}

func (f *fixture) node(t *testing.T, id string) *types.Node {
	t.Helper()
	n, err := f.nodes.GetByID(context.Background(), id)
	require.NoError(t, err)
	return n
}

func (f *fixture) items(t *testing.T, eventID string) map[string]*types.RecoveryItem {
	t.Helper()
	items, err := f.store.ListItems(context.Background(), eventID)
	require.NoError(t, err)
	out := make(map[string]*types.RecoveryItem, len(items))
	for _, item := range items {
		out[item.Tenant] = item
	}
	return out
}

func TestTriggerRecoveryMovesAllTenants(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	f.addNode(t, "n1", 1000)
	f.addNode(t, "n2", 2000)
	f.assign(t, "tenant_a", "n1", 300)
	f.assign(t, "tenant_b", "n1", 200)
	f.kill(t, "n1")

	event, err := f.manager.TriggerRecovery(ctx, "n1", types.ReasonHeartbeatTimeout)
	require.NoError(t, err)

	assert.Equal(t, types.RecoveryStatusCompleted, event.Status)
	assert.Equal(t, 2, event.TenantsTotal)
	assert.Equal(t, 2, event.TenantsRecovered)
	assert.Equal(t, 0, event.TenantsWaiting)
	assert.Equal(t, 0, event.TenantsFailed)
	assert.NotNil(t, event.CompletedAt)
	assert.Equal(t, types.ReasonHeartbeatTimeout, event.Trigger)

	items := f.items(t, event.ID)
	require.Len(t, items, 2)
	for _, tenant := range []string{"tenant_a", "tenant_b"} {
		item := items[tenant]
		assert.Equal(t, types.RecoveryItemRecovered, item.Status)
		assert.Equal(t, "n2", item.TargetNode)
		assert.Equal(t, "n1", item.SourceNode)
		assert.Equal(t, "backups/"+tenant, item.BackupKey)
		assert.NotNil(t, item.CompletedAt)

		a, err := f.store.GetAssignment(ctx, tenant)
		require.NoError(t, err)
		assert.Equal(t, "n2", a.NodeID)
		assert.Equal(t, "n2", f.restorer.restored[tenant])
	}

	assert.Equal(t, int64(0), f.node(t, "n1").UsedMB)
	assert.Equal(t, int64(500), f.node(t, "n2").UsedMB)

	// the dead node went offline -> recovering -> offline
	n1 := f.node(t, "n1")
	assert.Equal(t, types.NodeStatusOffline, n1.Status)
	trs, err := f.nodes.ListTransitions(ctx, "n1", 2)
	require.NoError(t, err)
	require.Len(t, trs, 2)
	assert.Equal(t, types.ReasonRecoveryFinished, trs[0].Reason)
	assert.Equal(t, types.NodeStatusRecovering, trs[1].ToStatus)

	var report struct {
		NodeID string `json:"node_id"`
		Items  []struct {
			Tenant string `json:"tenant"`
			Status string `json:"status"`
		} `json:"items"`
	}
	require.NoError(t, json.Unmarshal([]byte(event.ReportJSON), &report))
	assert.Equal(t, "n1", report.NodeID)
	assert.Len(t, report.Items, 2)
}

func TestTriggerRecoveryNoTenants(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.addNode(t, "n1", 1000)
	f.kill(t, "n1")

	event, err := f.manager.TriggerRecovery(context.Background(), "n1", types.ReasonHeartbeatTimeout)
	require.NoError(t, err)
	assert.Equal(t, types.RecoveryStatusCompleted, event.Status)
	assert.Equal(t, 0, event.TenantsTotal)
	assert.NotNil(t, event.CompletedAt)
}

func TestTriggerRecoveryWithoutCapacityThenRetry(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	f.addNode(t, "n1", 1000)
	f.addNode(t, "n2", 400)
	f.assign(t, "tenant_big", "n1", 600)
	f.assign(t, "tenant_small", "n1", 100)
	f.kill(t, "n1")

	event, err := f.manager.TriggerRecovery(ctx, "n1", types.ReasonHeartbeatTimeout)
	require.NoError(t, err)

	assert.Equal(t, types.RecoveryStatusPartial, event.Status)
	assert.Equal(t, 1, event.TenantsRecovered)
	assert.Equal(t, 1, event.TenantsWaiting)
	assert.Nil(t, event.CompletedAt)

	items := f.items(t, event.ID)
	assert.Equal(t, types.RecoveryItemWaiting, items["tenant_big"].Status)
	assert.Equal(t, types.ReasonNoCapacity, items["tenant_big"].Reason)
	assert.Equal(t, types.RecoveryItemRecovered, items["tenant_small"].Status)

	open, err := f.store.ListOpenEvents(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)

	// a roomier node joins
	f.addNode(t, "n3", 4000)
	event, err = f.manager.RetryWaiting(ctx, event.ID)
	require.NoError(t, err)

	assert.Equal(t, types.RecoveryStatusCompleted, event.Status)
	assert.Equal(t, 2, event.TenantsRecovered)
	assert.Equal(t, 0, event.TenantsWaiting)
	assert.NotNil(t, event.CompletedAt)

	items = f.items(t, event.ID)
	assert.Equal(t, "n3", items["tenant_big"].TargetNode)
	assert.Equal(t, 1, items["tenant_big"].RetryCount)
	assert.Empty(t, items["tenant_big"].Reason)
	assert.Equal(t, int64(600), f.node(t, "n3").UsedMB)
	assert.Equal(t, int64(0), f.node(t, "n1").UsedMB)
}

func TestRetryKeepsTenantOnReturnedSource(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	f.addNode(t, "n1", 1000)
	f.assign(t, "tenant_a", "n1", 300)
	f.kill(t, "n1")

	event, err := f.manager.TriggerRecovery(ctx, "n1", types.ReasonHeartbeatTimeout)
	require.NoError(t, err)
	assert.Equal(t, 1, event.TenantsWaiting)

	// n1 re-registers before any other node has room
	f.addNode(t, "n1", 1000)
	assert.Equal(t, types.NodeStatusReturning, f.node(t, "n1").Status)
	f.addNode(t, "n2", 4000)

	event, err = f.manager.RetryWaiting(ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RecoveryStatusCompleted, event.Status)
	assert.NotNil(t, event.CompletedAt)

	items := f.items(t, event.ID)
	assert.Equal(t, types.RecoveryItemRecovered, items["tenant_a"].Status)
	assert.Equal(t, "n1", items["tenant_a"].TargetNode)
	assert.Equal(t, ReasonNodeReturned, items["tenant_a"].Reason)
	assert.Equal(t, 0, items["tenant_a"].RetryCount)
	assert.Empty(t, f.restorer.restored)

	a, err := f.store.GetAssignment(ctx, "tenant_a")
	require.NoError(t, err)
	assert.Equal(t, "n1", a.NodeID)
	assert.Equal(t, int64(300), f.node(t, "n1").UsedMB)
	assert.Equal(t, int64(0), f.node(t, "n2").UsedMB)
}

func TestRestoreFailures(t *testing.T) {
	t.Run("some fail", func(t *testing.T) {
		f := newFixture(t, DefaultConfig())
		f.addNode(t, "n1", 1000)
		f.addNode(t, "n2", 2000)
		f.assign(t, "tenant_ok", "n1", 100)
		f.assign(t, "tenant_bad", "n1", 100)
		f.restorer.failures["tenant_bad"] = errors.New("backup corrupt")
		f.kill(t, "n1")

		event, err := f.manager.TriggerRecovery(context.Background(), "n1", types.ReasonHeartbeatTimeout)
		require.NoError(t, err)

		assert.Equal(t, types.RecoveryStatusPartial, event.Status)
		assert.Equal(t, 1, event.TenantsFailed)
		assert.Equal(t, 1, event.TenantsRecovered)
		assert.NotNil(t, event.CompletedAt)

		items := f.items(t, event.ID)
		assert.Equal(t, types.RecoveryItemFailed, items["tenant_bad"].Status)
		assert.Equal(t, "backup corrupt", items["tenant_bad"].Reason)
		// reservation for the failed restore is released
		assert.Equal(t, int64(100), f.node(t, "n2").UsedMB)
	})

	t.Run("all fail", func(t *testing.T) {
		f := newFixture(t, DefaultConfig())
		f.addNode(t, "n1", 1000)
		f.addNode(t, "n2", 2000)
		f.assign(t, "tenant_a", "n1", 100)
		f.restorer.failures["tenant_a"] = errors.New("agent rejected restore")
		f.kill(t, "n1")

		event, err := f.manager.TriggerRecovery(context.Background(), "n1", types.ReasonHeartbeatTimeout)
		require.NoError(t, err)
		assert.Equal(t, types.RecoveryStatusFailed, event.Status)
		assert.NotNil(t, event.CompletedAt)
		assert.Equal(t, int64(0), f.node(t, "n2").UsedMB)

		a, err := f.store.GetAssignment(context.Background(), "tenant_a")
		require.NoError(t, err)
		assert.Equal(t, "n1", a.NodeID)
	})
}

func TestRetriesExhausted(t *testing.T) {
	f := newFixture(t, Config{MaxRetries: 2})
	ctx := context.Background()
	f.addNode(t, "n1", 1000)
	f.assign(t, "tenant_a", "n1", 500)
	f.kill(t, "n1")

	event, err := f.manager.TriggerRecovery(ctx, "n1", types.ReasonHeartbeatTimeout)
	require.NoError(t, err)
	assert.Equal(t, types.RecoveryStatusPartial, event.Status)

	for i := 0; i < 2; i++ {
		event, err = f.manager.RetryWaiting(ctx, event.ID)
		require.NoError(t, err)
		assert.Equal(t, types.RecoveryStatusPartial, event.Status)
	}

	event, err = f.manager.RetryWaiting(ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RecoveryStatusFailed, event.Status)
	assert.NotNil(t, event.CompletedAt)

	items := f.items(t, event.ID)
	assert.Equal(t, types.RecoveryItemFailed, items["tenant_a"].Status)
	assert.Equal(t, types.ReasonRetriesExhausted, items["tenant_a"].Reason)
	assert.Equal(t, 3, items["tenant_a"].RetryCount)

	open, err := f.store.ListOpenEvents(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestRetryWaitingOnResolvedEventIsNoop(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.addNode(t, "n1", 1000)
	f.kill(t, "n1")

	event, err := f.manager.TriggerRecovery(context.Background(), "n1", types.ReasonHeartbeatTimeout)
	require.NoError(t, err)

	again, err := f.manager.RetryWaiting(context.Background(), event.ID)
	require.NoError(t, err)
	assert.Equal(t, event.Status, again.Status)

	_, err = f.manager.RetryWaiting(context.Background(), "missing")
	assert.ErrorIs(t, err, storage.ErrEventNotFound)
}

func TestRetryFailsItemWhenAssignmentChanged(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	f.addNode(t, "n1", 1000)
	f.assign(t, "tenant_a", "n1", 500)
	f.kill(t, "n1")

	event, err := f.manager.TriggerRecovery(ctx, "n1", types.ReasonHeartbeatTimeout)
	require.NoError(t, err)
	require.NoError(t, f.store.DeleteAssignment(ctx, "tenant_a"))

	event, err = f.manager.RetryWaiting(ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RecoveryStatusFailed, event.Status)
	assert.Equal(t, ReasonAssignmentChanged, f.items(t, event.ID)["tenant_a"].Reason)
}

func TestTriggerRecoveryReturnsOpenEvent(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	f.addNode(t, "n1", 1000)
	f.assign(t, "tenant_a", "n1", 500)
	f.kill(t, "n1")

	first, err := f.manager.TriggerRecovery(ctx, "n1", types.ReasonHeartbeatTimeout)
	require.NoError(t, err)
	require.True(t, first.IsOpen())

	second, err := f.manager.TriggerRecovery(ctx, "n1", types.ReasonHeartbeatTimeout)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	all, err := f.store.ListEvents(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestTriggerRecoveryRejectsLiveNode(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.addNode(t, "n1", 1000)

	_, err := f.manager.TriggerRecovery(context.Background(), "n1", types.ReasonHeartbeatTimeout)
	assert.ErrorIs(t, err, ErrNodeNotDead)

	_, err = f.manager.TriggerRecovery(context.Background(), "missing", types.ReasonHeartbeatTimeout)
	assert.ErrorIs(t, err, storage.ErrNodeNotFound)
}

func TestRetryAllWaiting(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	f.addNode(t, "n1", 1000)
	f.addNode(t, "n2", 1000)
	f.assign(t, "tenant_a", "n1", 500)
	f.assign(t, "tenant_b", "n2", 500)
	f.kill(t, "n1")
	f.kill(t, "n2")

	_, err := f.manager.TriggerRecovery(ctx, "n1", types.ReasonHeartbeatTimeout)
	require.NoError(t, err)
	_, err = f.manager.TriggerRecovery(ctx, "n2", types.ReasonHeartbeatTimeout)
	require.NoError(t, err)

	f.addNode(t, "n3", 2000)
	require.NoError(t, f.manager.RetryAllWaiting(ctx))

	open, err := f.store.ListOpenEvents(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)
	assert.Equal(t, int64(1000), f.node(t, "n3").UsedMB)
}

func TestAggregate(t *testing.T) {
	item := func(s types.RecoveryItemStatus) *types.RecoveryItem { return &types.RecoveryItem{Status: s} }
	rec, fail, wait := types.RecoveryItemRecovered, types.RecoveryItemFailed, types.RecoveryItemWaiting

	tests := []struct {
		name     string
		items    []*types.RecoveryItem
		want     types.RecoveryStatus
		resolved bool
	}{
		{"empty", nil, types.RecoveryStatusCompleted, true},
		{"all recovered", []*types.RecoveryItem{item(rec), item(rec)}, types.RecoveryStatusCompleted, true},
		{"all failed", []*types.RecoveryItem{item(fail), item(fail)}, types.RecoveryStatusFailed, true},
		{"mixed resolved", []*types.RecoveryItem{item(rec), item(fail)}, types.RecoveryStatusPartial, true},
		{"waiting", []*types.RecoveryItem{item(rec), item(wait)}, types.RecoveryStatusPartial, false},
		{"only waiting", []*types.RecoveryItem{item(wait)}, types.RecoveryStatusPartial, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := Aggregate(tt.items)
			assert.Equal(t, tt.want, s.Status)
			assert.Equal(t, tt.resolved, s.Resolved())
		})
	}
}

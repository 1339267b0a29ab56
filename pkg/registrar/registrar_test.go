package registrar

import (
	"context"
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

type hookRecorder struct {
	mu        sync.Mutex
	returning []string
	retried   []string
	err       error
}

func (h *hookRecorder) onReturning(_ context.Context, nodeID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.returning = append(h.returning, nodeID)
	return h.err
}

func (h *hookRecorder) onRetryWaiting(_ context.Context, eventID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.retried = append(h.retried, eventID)
	return h.err
}

type fixture struct {
	store *storage.BoltStore
	nodes *node.Repository
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return &fixture{store: store, nodes: node.NewRepository(store)}
}

func req(id string) node.RegisterRequest {
	return node.RegisterRequest{NodeID: id, Host: id + ".local", CapacityMB: 2048, AgentVersion: "1.0.0"}
}

// openEvent stores an event for deadNode with the given item statuses
func (f *fixture) openEvent(t *testing.T, id, deadNode string, statuses ...types.RecoveryItemStatus) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.store.CreateEvent(ctx, &types.RecoveryEvent{
		ID:           id,
		NodeID:       deadNode,
		Trigger:      types.ReasonHeartbeatTimeout,
		Status:       types.RecoveryStatusInProgress,
		TenantsTotal: len(statuses),
		StartedAt:    time.Now(),
	}))
	for i, s := range statuses {
		require.NoError(t, f.store.CreateItem(ctx, &types.RecoveryItem{
			ID:              id + "-item-" + string(rune('a'+i)),
			RecoveryEventID: id,
			Tenant:          "tenant_" + string(rune('a'+i)),
			SourceNode:      deadNode,
			Status:          s,
			StartedAt:       time.Now(),
		}))
	}
	partial := types.RecoveryStatusPartial
	_, err := f.store.UpdateEvent(ctx, id, storage.EventPatch{Status: &partial})
	require.NoError(t, err)
}

func (f *fixture) killNode(t *testing.T, id string) {
	t.Helper()
	_, err := f.nodes.Register(context.Background(), req(id))
	require.NoError(t, err)
	for _, s := range []types.NodeStatus{types.NodeStatusUnhealthy, types.NodeStatusOffline} {
		_, err := f.nodes.Transition(context.Background(), id, s, types.ReasonHeartbeatTimeout, types.TriggeredByHeartbeatWatchdog)
		require.NoError(t, err)
	}
}

func TestRegisterReturningNodeStillRetriesWaiting(t *testing.T) {
	f := newFixture(t)
	f.killNode(t, "n1")
	f.openEvent(t, "ev-other", "n9", types.RecoveryItemWaiting)

	retry := &hookRecorder{}
	// OnReturning deliberately left unset
	r := New(f.nodes, f.store, Hooks{OnRetryWaiting: retry.onRetryWaiting})

	n, err := r.Register(context.Background(), req("n1"))
	require.NoError(t, err)

	assert.Equal(t, types.NodeStatusReturning, n.Status)
	assert.Equal(t, []string{"ev-other"}, retry.retried)
}

func TestRegisterInvokesReturningHookOnlyForReturningNodes(t *testing.T) {
	f := newFixture(t)
	f.killNode(t, "dead")

	hooks := &hookRecorder{}
	r := New(f.nodes, f.store, Hooks{OnReturning: hooks.onReturning, OnRetryWaiting: hooks.onRetryWaiting})

	_, err := r.Register(context.Background(), req("fresh"))
	require.NoError(t, err)
	_, err = r.Register(context.Background(), req("fresh"))
	require.NoError(t, err)
	_, err = r.Register(context.Background(), req("dead"))
	require.NoError(t, err)

	assert.Equal(t, []string{"dead"}, hooks.returning)
}

func TestRegisterRetriesOnEveryRegistration(t *testing.T) {
	f := newFixture(t)
	f.killNode(t, "dead")
	f.openEvent(t, "ev-1", "n9", types.RecoveryItemRecovered, types.RecoveryItemWaiting)
	f.openEvent(t, "ev-2", "n8", types.RecoveryItemRecovered, types.RecoveryItemFailed)

	hooks := &hookRecorder{}
	r := New(f.nodes, f.store, Hooks{OnRetryWaiting: hooks.onRetryWaiting})

	for _, id := range []string{"new", "new", "dead"} {
		_, err := r.Register(context.Background(), req(id))
		require.NoError(t, err)
	}

	// ev-2 is open but has nothing waiting
	assert.Equal(t, []string{"ev-1", "ev-1", "ev-1"}, hooks.retried)
}

func TestRegisterIgnoresHookErrors(t *testing.T) {
	f := newFixture(t)
	f.killNode(t, "n1")
	f.openEvent(t, "ev-1", "n9", types.RecoveryItemWaiting)

	hooks := &hookRecorder{err: errors.New("hook exploded")}
	r := New(f.nodes, f.store, Hooks{OnReturning: hooks.onReturning, OnRetryWaiting: hooks.onRetryWaiting})

	n, err := r.Register(context.Background(), req("n1"))
	require.NoError(t, err)
	assert.Equal(t, types.NodeStatusReturning, n.Status)
	assert.Len(t, hooks.returning, 1)
	assert.Len(t, hooks.retried, 1)
}

func TestRegisterWithoutHooks(t *testing.T) {
	f := newFixture(t)
	f.killNode(t, "n1")
	f.openEvent(t, "ev-1", "n9", types.RecoveryItemWaiting)

	r := New(f.nodes, f.store, Hooks{})
	n, err := r.Register(context.Background(), req("n1"))
	require.NoError(t, err)
	assert.Equal(t, types.NodeStatusReturning, n.Status)
}

type brokenRecovery struct{}

func (brokenRecovery) ListOpenEvents(context.Context) ([]*types.RecoveryEvent, error) {
	return nil, errors.New("store unavailable")
}

func (brokenRecovery) GetWaitingItems(context.Context, string) ([]*types.RecoveryItem, error) {
	return nil, errors.New("store unavailable")
}

func TestRegisterSurvivesRecoveryScanFailure(t *testing.T) {
	f := newFixture(t)
	r := New(f.nodes, brokenRecovery{}, Hooks{})

	n, err := r.Register(context.Background(), req("n1"))
	require.NoError(t, err)
	assert.Equal(t, types.NodeStatusActive, n.Status)
}

func TestRegisterPropagatesUpsertError(t *testing.T) {
	f := newFixture(t)
	hooks := &hookRecorder{}
	r := New(f.nodes, f.store, Hooks{OnRetryWaiting: hooks.onRetryWaiting})

	_, err := r.Register(context.Background(), node.RegisterRequest{NodeID: "n1"})
	assert.Error(t, err)
	assert.Empty(t, hooks.retried)
}

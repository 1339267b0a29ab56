package watchdog

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuemby/botfleet/pkg/metrics"
	"github.com/cuemby/botfleet/pkg/node"
	"github.com/cuemby/botfleet/pkg/storage"
	"github.com/cuemby/botfleet/pkg/types"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	repo  *node.Repository
	clock *clock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	c := newClock()
	return &fixture{repo: node.NewRepository(store, node.WithClock(c.Now)), clock: c}
}

func (f *fixture) addNode(t *testing.T, id string, heartbeat bool) {
	t.Helper()
	ctx := context.Background()
	_, err := f.repo.Register(ctx, node.RegisterRequest{NodeID: id, Host: id, CapacityMB: 1024})
	require.NoError(t, err)
	if heartbeat {
		_, err = f.repo.UpdateHeartbeat(ctx, id, 0)
		require.NoError(t, err)
	}
}

func (f *fixture) status(t *testing.T, id string) types.NodeStatus {
	t.Helper()
	n, err := f.repo.GetByID(context.Background(), id)
	require.NoError(t, err)
	return n.Status
}

type changeLog struct {
	mu      sync.Mutex
	changes []string
}

func (l *changeLog) record(nodeID string, status types.NodeStatus) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.changes = append(l.changes, nodeID+":"+string(status))
}

func (l *changeLog) get() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.changes...)
}

type triggerCounter struct {
	mu    sync.Mutex
	calls map[string]int
}

func (c *triggerCounter) trigger(ctx context.Context, nodeID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.calls == nil {
		c.calls = make(map[string]int)
	}
	c.calls[nodeID]++
	return nil
}

func (c *triggerCounter) count(nodeID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[nodeID]
}

func TestSweepThresholds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addNode(t, "fresh", true)
	f.addNode(t, "late", true)
	f.addNode(t, "gone", true)

	// heartbeats: fresh now, late 95s ago, gone 305s ago
	f.clock.Advance(210 * time.Second)
	_, err := f.repo.UpdateHeartbeat(ctx, "late", 0)
	require.NoError(t, err)
	f.clock.Advance(95 * time.Second)
	_, err = f.repo.UpdateHeartbeat(ctx, "fresh", 0)
	require.NoError(t, err)

	changes := &changeLog{}
	triggers := &triggerCounter{}
	w := New(DefaultConfig(), f.repo, triggers.trigger, WithClock(f.clock.Now), WithStatusChange(changes.record))

	require.NoError(t, w.Sweep(ctx))
	w.Wait()

	assert.Equal(t, types.NodeStatusActive, f.status(t, "fresh"))
	assert.Equal(t, types.NodeStatusUnhealthy, f.status(t, "late"))
	assert.Equal(t, types.NodeStatusOffline, f.status(t, "gone"))

	assert.Equal(t, 0, triggers.count("late"))
	assert.Equal(t, 1, triggers.count("gone"))
	assert.ElementsMatch(t, []string{"late:unhealthy", "gone:unhealthy", "gone:offline"}, changes.get())

	trs, err := f.repo.ListTransitions(ctx, "gone", 2)
	require.NoError(t, err)
	require.Len(t, trs, 2)
	for _, tr := range trs {
		assert.Equal(t, types.ReasonHeartbeatTimeout, tr.Reason)
		assert.Equal(t, types.TriggeredByHeartbeatWatchdog, tr.TriggeredBy)
	}

	// offline nodes are not swept again
	require.NoError(t, w.Sweep(ctx))
	w.Wait()
	assert.Equal(t, 1, triggers.count("gone"))
}

func TestSweepUnhealthyNodeGoesOffline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addNode(t, "node-1", true)

	triggers := &triggerCounter{}
	w := New(DefaultConfig(), f.repo, triggers.trigger, WithClock(f.clock.Now))

	f.clock.Advance(100 * time.Second)
	require.NoError(t, w.Sweep(ctx))
	assert.Equal(t, types.NodeStatusUnhealthy, f.status(t, "node-1"))

	// unhealthy but below the offline threshold: left alone
	f.clock.Advance(100 * time.Second)
	require.NoError(t, w.Sweep(ctx))
	assert.Equal(t, types.NodeStatusUnhealthy, f.status(t, "node-1"))

	f.clock.Advance(100 * time.Second)
	require.NoError(t, w.Sweep(ctx))
	w.Wait()
	assert.Equal(t, types.NodeStatusOffline, f.status(t, "node-1"))
	assert.Equal(t, 1, triggers.count("node-1"))
}

func TestSweepAgesNeverHeartbeatedNodeFromRegistration(t *testing.T) {
	f := newFixture(t)
	f.addNode(t, "silent", false)

	w := New(DefaultConfig(), f.repo, nil, WithClock(f.clock.Now))

	f.clock.Advance(60 * time.Second)
	require.NoError(t, w.Sweep(context.Background()))
	assert.Equal(t, types.NodeStatusActive, f.status(t, "silent"))

	f.clock.Advance(31 * time.Second)
	require.NoError(t, w.Sweep(context.Background()))
	assert.Equal(t, types.NodeStatusUnhealthy, f.status(t, "silent"))
}

func TestRecoveryFailuresAreIsolated(t *testing.T) {
	f := newFixture(t)
	for _, id := range []string{"a-panics", "b-errors", "c-ok"} {
		f.addNode(t, id, true)
	}
	f.clock.Advance(400 * time.Second)

	var ok atomic.Int32
	trigger := func(ctx context.Context, nodeID string) error {
		switch nodeID {
		case "a-panics":
			panic("restore client exploded")
		case "b-errors":
			return errors.New("no backups reachable")
		}
		ok.Add(1)
		return nil
	}
	failuresBefore := testutil.ToFloat64(metrics.RecoveryTriggerFailuresTotal)

	w := New(DefaultConfig(), f.repo, trigger, WithClock(f.clock.Now))
	require.NoError(t, w.Sweep(context.Background()))
	w.Wait()

	for _, id := range []string{"a-panics", "b-errors", "c-ok"} {
		assert.Equal(t, types.NodeStatusOffline, f.status(t, id))
	}
	assert.Equal(t, int32(1), ok.Load())
	assert.Equal(t, failuresBefore+2, testutil.ToFloat64(metrics.RecoveryTriggerFailuresTotal))
}

func TestSweepDoesNotWaitForRecovery(t *testing.T) {
	f := newFixture(t)
	f.addNode(t, "node-1", true)
	f.clock.Advance(400 * time.Second)

	release := make(chan struct{})
	trigger := func(ctx context.Context, nodeID string) error {
		<-release
		return nil
	}

	w := New(DefaultConfig(), f.repo, trigger, WithClock(f.clock.Now))
	done := make(chan error, 1)
	go func() { done <- w.Sweep(context.Background()) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("sweep blocked on recovery")
	}
	close(release)
	w.Wait()
}

// conflictingSource fails transitions for one node as if another writer won
type conflictingSource struct {
	NodeSource
	nodeID string
}

func (s *conflictingSource) Transition(ctx context.Context, id string, to types.NodeStatus, reason string, by types.TriggeredBy) (*types.Node, error) {
	if id == s.nodeID {
		return nil, &storage.ConcurrentTransitionError{NodeID: id, Expected: types.NodeStatusActive, Actual: types.NodeStatusDraining}
	}
	return s.NodeSource.Transition(ctx, id, to, reason, by)
}

func TestSweepContinuesPastTransitionErrors(t *testing.T) {
	f := newFixture(t)
	f.addNode(t, "contended", true)
	f.addNode(t, "other", true)
	f.clock.Advance(400 * time.Second)

	triggers := &triggerCounter{}
	changes := &changeLog{}
	w := New(DefaultConfig(), &conflictingSource{NodeSource: f.repo, nodeID: "contended"}, triggers.trigger,
		WithClock(f.clock.Now), WithStatusChange(changes.record))

	require.NoError(t, w.Sweep(context.Background()))
	w.Wait()

	assert.Equal(t, types.NodeStatusActive, f.status(t, "contended"))
	assert.Equal(t, types.NodeStatusOffline, f.status(t, "other"))
	assert.Equal(t, 0, triggers.count("contended"))
	assert.Equal(t, 1, triggers.count("other"))
	assert.Equal(t, []string{"other:unhealthy", "other:offline"}, changes.get())
}

type failingSource struct{ NodeSource }

func (failingSource) List(context.Context, ...types.NodeStatus) ([]*types.Node, error) {
	return nil, errors.New("store unavailable")
}

func TestSweepReturnsListError(t *testing.T) {
	w := New(DefaultConfig(), failingSource{}, nil)
	assert.Error(t, w.Sweep(context.Background()))
}

func TestStartStopLifecycle(t *testing.T) {
	f := newFixture(t)
	f.addNode(t, "node-1", true)
	f.clock.Advance(100 * time.Second)

	cfg := DefaultConfig()
	cfg.Interval = 10 * time.Millisecond
	w := New(cfg, f.repo, nil, WithClock(f.clock.Now))

	// stopping an idle watchdog is a no-op
	w.Stop()
	assert.False(t, w.Running())

	w.Start()
	w.Start()
	assert.True(t, w.Running())

	assert.Eventually(t, func() bool {
		return f.status(t, "node-1") == types.NodeStatusUnhealthy
	}, 2*time.Second, 10*time.Millisecond)

	w.Stop()
	w.Stop()
	assert.False(t, w.Running())

	// restartable after stop
	w.Start()
	assert.True(t, w.Running())
	w.Stop()
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.Interval = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.OfflineAfter = cfg.UnhealthyAfter
	assert.Error(t, cfg.Validate())
}

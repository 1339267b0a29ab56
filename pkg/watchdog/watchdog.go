package watchdog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/botfleet/pkg/log"
	"github.com/cuemby/botfleet/pkg/metrics"
	"github.com/cuemby/botfleet/pkg/types"
	"github.com/rs/zerolog"
)

// Config holds the sweep interval and heartbeat thresholds
type Config struct {
	Interval       time.Duration
	UnhealthyAfter time.Duration
	OfflineAfter   time.Duration
	// RecoveryTimeout bounds each dispatched recovery
	RecoveryTimeout time.Duration
}

// DefaultConfig returns the production thresholds
func DefaultConfig() Config {
	return Config{
		Interval:        15 * time.Second,
		UnhealthyAfter:  90 * time.Second,
		OfflineAfter:    300 * time.Second,
		RecoveryTimeout: 10 * time.Minute,
	}
}

// Validate checks the thresholds are usable
func (c Config) Validate() error {
	if c.Interval <= 0 {
		return fmt.Errorf("watchdog interval must be positive, got %s", c.Interval)
	}
	if c.UnhealthyAfter <= 0 {
		return fmt.Errorf("unhealthy threshold must be positive, got %s", c.UnhealthyAfter)
	}
	if c.OfflineAfter <= c.UnhealthyAfter {
		return fmt.Errorf("offline threshold %s must exceed unhealthy threshold %s", c.OfflineAfter, c.UnhealthyAfter)
	}
	return nil
}

// NodeSource lists nodes and moves them through the validated transition
type NodeSource interface {
	List(ctx context.Context, statuses ...types.NodeStatus) ([]*types.Node, error)
	Transition(ctx context.Context, id string, to types.NodeStatus, reason string, by types.TriggeredBy) (*types.Node, error)
}

// RecoveryTrigger starts recovery for a node that went offline
type RecoveryTrigger func(ctx context.Context, nodeID string) error

// StatusChangeFunc is told about every transition the watchdog commits
type StatusChangeFunc func(nodeID string, status types.NodeStatus)

// Option configures a Watchdog
type Option func(*Watchdog)

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(w *Watchdog) { w.now = now }
}

// WithStatusChange registers the status-change callback
func WithStatusChange(fn StatusChangeFunc) Option {
	return func(w *Watchdog) {
		if fn != nil {
			w.onChange = fn
		}
	}
}

// Watchdog sweeps live nodes on an interval and demotes the ones whose
// heartbeats stopped. A node that goes offline has recovery dispatched on its
// own goroutine so one slow or failing recovery never holds up the sweep.
type Watchdog struct {
	cfg      Config
	nodes    NodeSource
	trigger  RecoveryTrigger
	onChange StatusChangeFunc
	now      func() time.Time
	logger   zerolog.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	done    chan struct{}

	dispatches sync.WaitGroup
}

// New creates a watchdog. A nil trigger disables recovery dispatch.
func New(cfg Config, nodes NodeSource, trigger RecoveryTrigger, opts ...Option) *Watchdog {
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = DefaultConfig().RecoveryTimeout
	}
	if trigger == nil {
		trigger = func(context.Context, string) error { return nil }
	}
	w := &Watchdog{
		cfg:      cfg,
		nodes:    nodes,
		trigger:  trigger,
		onChange: func(string, types.NodeStatus) {},
		now:      time.Now,
		logger:   log.WithComponent("watchdog"),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start begins sweeping every Interval. Calling Start on a running watchdog
// logs a warning and does nothing.
func (w *Watchdog) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		w.logger.Warn().Msg("Watchdog already running")
		return
	}
	w.running = true
	w.stopCh = make(chan struct{})
	w.done = make(chan struct{})
	go w.run(w.stopCh, w.done)

	metrics.UpdateComponent("watchdog", true, "")
	w.logger.Info().
		Dur("interval", w.cfg.Interval).
		Dur("unhealthy_after", w.cfg.UnhealthyAfter).
		Dur("offline_after", w.cfg.OfflineAfter).
		Msg("Watchdog started")
}

// Stop ends the sweep loop and waits for an in-flight sweep. It is safe to
// call when the watchdog is not running. Dispatched recoveries keep running;
// use Wait to block on them.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.stopCh)
	done := w.done
	w.mu.Unlock()

	<-done
	w.logger.Info().Msg("Watchdog stopped")
}

// Running reports whether the sweep loop is active
func (w *Watchdog) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// Wait blocks until every dispatched recovery has returned
func (w *Watchdog) Wait() {
	w.dispatches.Wait()
}

func (w *Watchdog) run(stopCh <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := w.Sweep(context.Background()); err != nil {
				w.logger.Error().Err(err).Msg("Watchdog sweep failed")
			}
		case <-stopCh:
			return
		}
	}
}

// Sweep runs one synchronous pass over active and unhealthy nodes. Only a
// failure to list nodes is returned; per-node errors are logged.
func (w *Watchdog) Sweep(ctx context.Context) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.WatchdogSweepDuration)

	nodes, err := w.nodes.List(ctx, types.NodeStatusActive, types.NodeStatusUnhealthy)
	if err != nil {
		metrics.UpdateComponent("watchdog", false, err.Error())
		return fmt.Errorf("failed to list live nodes: %w", err)
	}
	metrics.UpdateComponent("watchdog", true, "")

	now := w.now()
	for _, n := range nodes {
		elapsed := now.Sub(lastSeen(n))

		switch {
		case elapsed >= w.cfg.OfflineAfter && n.Status != types.NodeStatusOffline:
			w.markOffline(ctx, n, elapsed)
		case elapsed >= w.cfg.UnhealthyAfter && n.Status == types.NodeStatusActive:
			w.transition(ctx, n.ID, types.NodeStatusUnhealthy, elapsed)
		}
	}
	return nil
}

// lastSeen ages a node that never heartbeated from its registration
func lastSeen(n *types.Node) time.Time {
	if n.LastHeartbeatAt != nil {
		return *n.LastHeartbeatAt
	}
	return n.RegisteredAt
}

func (w *Watchdog) markOffline(ctx context.Context, n *types.Node, elapsed time.Duration) {
	// No active -> offline edge exists, so an active node steps through unhealthy
	if n.Status == types.NodeStatusActive {
		if !w.transition(ctx, n.ID, types.NodeStatusUnhealthy, elapsed) {
			return
		}
	}
	if !w.transition(ctx, n.ID, types.NodeStatusOffline, elapsed) {
		return
	}
	w.dispatchRecovery(n.ID)
}

func (w *Watchdog) transition(ctx context.Context, nodeID string, to types.NodeStatus, elapsed time.Duration) bool {
	logger := log.WithNodeID(w.logger, nodeID)
	_, err := w.nodes.Transition(ctx, nodeID, to, types.ReasonHeartbeatTimeout, types.TriggeredByHeartbeatWatchdog)
	if err != nil {
		logger.Warn().
			Err(err).
			Str("to", string(to)).
			Dur("since_heartbeat", elapsed).
			Msg("Watchdog transition failed")
		return false
	}

	logger.Warn().
		Str("status", string(to)).
		Dur("since_heartbeat", elapsed).
		Msg("Node missed heartbeats")
	w.onChange(nodeID, to)
	return true
}

func (w *Watchdog) dispatchRecovery(nodeID string) {
	logger := log.WithNodeID(w.logger, nodeID)
	w.dispatches.Add(1)
	go func() {
		defer w.dispatches.Done()
		defer func() {
			if r := recover(); r != nil {
				metrics.RecoveryTriggerFailuresTotal.Inc()
				logger.Error().
					Interface("panic", r).
					Msg("Recovery panicked")
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), w.cfg.RecoveryTimeout)
		defer cancel()

		if err := w.trigger(ctx, nodeID); err != nil {
			metrics.RecoveryTriggerFailuresTotal.Inc()
			logger.Error().Err(err).Msg("Recovery failed")
		}
	}()
}

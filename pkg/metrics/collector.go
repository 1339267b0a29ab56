package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/botfleet/pkg/types"
	"github.com/rs/zerolog"
)

// FleetSource is the read side the collector samples
type FleetSource interface {
	ListNodes(ctx context.Context) ([]*types.Node, error)
	ListOpenEvents(ctx context.Context) ([]*types.RecoveryEvent, error)
}

// Collector periodically refreshes the fleet gauges from the store
type Collector struct {
	source   FleetSource
	interval time.Duration
	logger   zerolog.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	done    chan struct{}
}

// NewCollector creates a collector sampling every interval
func NewCollector(source FleetSource, interval time.Duration, logger zerolog.Logger) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		source:   source,
		interval: interval,
		logger:   logger,
	}
}

// Start begins collecting in the background. A second Start is a no-op.
func (c *Collector) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		c.logger.Warn().Msg("Collector already running")
		return
	}
	c.running = true
	c.stopCh = make(chan struct{})
	c.done = make(chan struct{})
	go c.run(c.stopCh, c.done)
}

func (c *Collector) run(stopCh <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	c.Collect(context.Background())

	for {
		select {
		case <-ticker.C:
			c.Collect(context.Background())
		case <-stopCh:
			return
		}
	}
}

// Stop ends the loop and waits for an in-flight sample. It is safe to call
// when the collector is not running.
func (c *Collector) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	close(c.stopCh)
	done := c.done
	c.mu.Unlock()

	<-done
}

// Running reports whether the sample loop is active
func (c *Collector) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Collect samples the store once
func (c *Collector) Collect(ctx context.Context) {
	nodes, err := c.source.ListNodes(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Failed to list nodes for metrics")
		UpdateComponent("collector", false, err.Error())
		return
	}

	counts := make(map[types.NodeStatus]int, len(types.AllNodeStatuses))
	for _, s := range types.AllNodeStatuses {
		counts[s] = 0
	}
	NodeFreeMemory.Reset()
	for _, n := range nodes {
		counts[n.Status]++
		NodeFreeMemory.WithLabelValues(n.ID).Set(float64(n.FreeMB()))
	}
	for status, count := range counts {
		NodesTotal.WithLabelValues(string(status)).Set(float64(count))
	}

	open, err := c.source.ListOpenEvents(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Failed to list open recovery events for metrics")
		UpdateComponent("collector", false, err.Error())
		return
	}
	OpenRecoveryEvents.Set(float64(len(open)))
	UpdateComponent("collector", true, "")
}

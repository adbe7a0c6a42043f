package metrics

import "time"

// SlotPoolSnapshot is a point-in-time view of a job master's slot pool,
// enough to drive the slot pool gauges without the metrics package
// importing pkg/jobmaster/slotpool.
type SlotPoolSnapshot struct {
	Available int
	Allocated int
	Pending   int
	WaitingForResourceManager int
}

// ResourceManagerSnapshot is a point-in-time view of the resource manager's
// task executor registry.
type ResourceManagerSnapshot struct {
	RegisteredTaskExecutors   int
	DisconnectedTaskExecutors int
}

// HASnapshot is a point-in-time view of a role's HA/Raft state.
type HASnapshot struct {
	Role          string
	IsLeader      bool
	AppliedIndex  uint64
}

// StatsProvider is implemented by the long-lived components whose state the
// Collector polls. Components supply whichever snapshots are relevant to
// them and return the zero value for the rest.
type StatsProvider interface {
	SlotPoolStats() SlotPoolSnapshot
	ResourceManagerStats() ResourceManagerSnapshot
	HAStats() []HASnapshot
}

// Collector periodically polls a StatsProvider and updates the package's
// Prometheus gauges. A cluster entry wires one collector per process,
// pointed at whichever components it hosts.
type Collector struct {
	provider StatsProvider
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a new metrics collector polling provider every
// interval. A zero interval defaults to 15 seconds.
func NewCollector(provider StatsProvider, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		provider: provider,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics in the background.
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectSlotPoolMetrics()
	c.collectResourceManagerMetrics()
	c.collectHAMetrics()
}

func (c *Collector) collectSlotPoolMetrics() {
	snap := c.provider.SlotPoolStats()
	SlotPoolAvailable.Set(float64(snap.Available))
	SlotPoolAllocated.Set(float64(snap.Allocated))
	SlotPoolPendingRequests.WithLabelValues("pending").Set(float64(snap.Pending))
	SlotPoolPendingRequests.WithLabelValues("waiting_for_resource_manager").Set(float64(snap.WaitingForResourceManager))
}

func (c *Collector) collectResourceManagerMetrics() {
	snap := c.provider.ResourceManagerStats()
	TaskExecutorsTotal.WithLabelValues("registered").Set(float64(snap.RegisteredTaskExecutors))
	TaskExecutorsTotal.WithLabelValues("disconnected").Set(float64(snap.DisconnectedTaskExecutors))
}

func (c *Collector) collectHAMetrics() {
	for _, snap := range c.provider.HAStats() {
		if snap.IsLeader {
			RaftLeader.WithLabelValues(snap.Role).Set(1)
		} else {
			RaftLeader.WithLabelValues(snap.Role).Set(0)
		}
		RaftAppliedIndex.Set(float64(snap.AppliedIndex))
	}
}

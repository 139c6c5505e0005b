package metrics

import (
	"context"
	"time"
)

// LedgerSource reports the number of in-flight operations
type LedgerSource interface {
	Len() int
}

// NodeStateSource reports node states still waiting for acknowledgment
type NodeStateSource interface {
	PendingCount(ctx context.Context) (int, error)
}

// Collector periodically samples gauges that have no natural update point
type Collector struct {
	ledger   LedgerSource
	nodes    NodeStateSource
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a new metrics collector. Either source may be nil.
func NewCollector(ledger LedgerSource, nodes NodeStateSource, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		ledger:   ledger,
		nodes:    nodes,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		// Collect immediately on start
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

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	if c.ledger != nil {
		LedgerSize.Set(float64(c.ledger.Len()))
	}

	if c.nodes != nil {
		ctx, cancel := context.WithTimeout(context.Background(), c.interval)
		defer cancel()
		if n, err := c.nodes.PendingCount(ctx); err == nil {
			PendingNodeStates.Set(float64(n))
		}
	}
}

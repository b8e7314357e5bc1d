package metrics

import (
	"context"
	"time"

	"github.com/armanisadeghi/matrx-sandbox/pkg/storage"
	"github.com/armanisadeghi/matrx-sandbox/pkg/types"
)

// collectTimeout bounds one store sample.
const collectTimeout = 10 * time.Second

// Collector samples the sandbox store and keeps the per-status gauge
// current.
type Collector struct {
	store  storage.Store
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(st storage.Store) *Collector {
	return &Collector{
		store:  st,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
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
	ctx, cancel := context.WithTimeout(context.Background(), collectTimeout)
	defer cancel()

	sandboxes, err := c.store.List(ctx, "")
	if err != nil {
		StoreErrors.WithLabelValues("list").Inc()
		return
	}

	counts := make(map[types.SandboxStatus]int, len(types.AllStatuses))
	for _, sb := range sandboxes {
		counts[sb.Status]++
	}

	// Set every status so stale series drop back to zero.
	for _, status := range types.AllStatuses {
		SandboxesTotal.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}

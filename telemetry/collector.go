package telemetry

import (
	"sync"
	"time"
)

// JobStatsProvider reports how many jobs are registered per status
type JobStatsProvider interface {
	JobStatusCounts() map[string]int
}

// MetricsCollector periodically samples job counts into JobsByStatus
type MetricsCollector struct {
	provider JobStatsProvider
	interval time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup
	seen     map[string]struct{}
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(provider JobStatsProvider, interval time.Duration) *MetricsCollector {
	return &MetricsCollector{
		provider: provider,
		interval: interval,
		stopCh:   make(chan struct{}),
		seen:     make(map[string]struct{}),
	}
}

// Start begins the periodic collection
func (mc *MetricsCollector) Start() {
	mc.wg.Add(1)
	go mc.collectLoop()
}

// Stop stops the collector
func (mc *MetricsCollector) Stop() {
	close(mc.stopCh)
	mc.wg.Wait()
}

func (mc *MetricsCollector) collectLoop() {
	defer mc.wg.Done()

	ticker := time.NewTicker(mc.interval)
	defer ticker.Stop()

	mc.collect()

	for {
		select {
		case <-ticker.C:
			mc.collect()
		case <-mc.stopCh:
			return
		}
	}
}

func (mc *MetricsCollector) collect() {
	if mc.provider == nil {
		return
	}

	counts := mc.provider.JobStatusCounts()

	// Statuses that disappeared since the last sample drop to zero
	for status := range mc.seen {
		if _, ok := counts[status]; !ok {
			JobsByStatus.With(status).Set(0)
		}
	}

	for status, n := range counts {
		mc.seen[status] = struct{}{}
		JobsByStatus.With(status).Set(float64(n))
	}
}

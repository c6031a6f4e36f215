package telemetry

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNoopMetricsBeforeInit(t *testing.T) {
	assert.NotPanics(t, func() {
		RecordsDumpedTotal.With("inventory").Add(3)
		RecordsImportedTotal.With("INSERT").Inc()
		ChannelOutstanding.Set(10)
		ImporterApplySeconds.Observe(0.1)
		IncrementalDelayMillis.With("task").Set(5)
	})
	assert.Nil(t, GetMetricsHandler())
}

type staticStats struct {
	mu     sync.Mutex
	counts map[string]int
	calls  int
}

func (s *staticStats) JobStatusCounts() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	out := make(map[string]int, len(s.counts))
	for k, v := range s.counts {
		out[k] = v
	}
	return out
}

func (s *staticStats) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func TestMetricsCollectorSamples(t *testing.T) {
	stats := &staticStats{counts: map[string]int{"RUNNING": 2}}
	mc := NewMetricsCollector(stats, 10*time.Millisecond)
	mc.Start()

	assert.Eventually(t, func() bool { return stats.callCount() >= 2 }, time.Second, 5*time.Millisecond)
	mc.Stop()

	_, ok := mc.seen["RUNNING"]
	assert.True(t, ok)
}

package telemetry

import (
	"sync"
	"time"
)

// CoreStats is a point-in-time view of shared state counters.
type CoreStats struct {
	ActiveBackends    int
	SharedMemoryFree  uint64
	SinvalQueueDepth  int
	MultiXactNext     uint32
	MultiXactOldest   uint32
	MultiXactOffset   uint64
	LastCSN           uint64
	XminMapHeadSecond uint64
	CustomWaitEvents  int
}

// StatsProvider is implemented by the shared state root.
type StatsProvider interface {
	Stats() CoreStats
}

// MetricsCollector periodically collects stats and updates telemetry gauges
type MetricsCollector struct {
	provider StatsProvider
	interval time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(provider StatsProvider, interval time.Duration) *MetricsCollector {
	return &MetricsCollector{
		provider: provider,
		interval: interval,
		stopCh:   make(chan struct{}),
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
	s := mc.provider.Stats()

	ActiveBackends.Set(float64(s.ActiveBackends))
	SharedMemoryFreeBytes.Set(float64(s.SharedMemoryFree))
	SinvalQueueDepth.Set(float64(s.SinvalQueueDepth))
	MultiXactNextID.Set(float64(s.MultiXactNext))
	MultiXactOldestID.Set(float64(s.MultiXactOldest))
	MultiXactNextOffset.Set(float64(s.MultiXactOffset))
	CSNLastGenerated.Set(float64(s.LastCSN))
	CSNXminMapHead.Set(float64(s.XminMapHeadSecond))
	WaitEventsRegistered.Set(float64(s.CustomWaitEvents))
}

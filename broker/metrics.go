package broker

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alwitt/campusmq/common"
	"github.com/apex/log"
)

// MetricsCollector accumulates broker operation counters. All record methods are
// safe to call from any goroutine; Snapshot recomputes derived values on demand.
// The process memory reading is refreshed by SampleMemory, driven on a timer by
// the broker, with a lazy first sample for snapshots taken before the first tick.
type MetricsCollector interface {
	RecordSubscriptionCreated()
	RecordEventsPublished(count int)
	RecordEventDelivered()
	RecordError()
	RecordDispatchLatency(latency time.Duration)
	SampleMemory()
	Snapshot(activeSubscriptions int, activeConnections int) MetricsSnapshot
}

// metricsCollectorImpl implements MetricsCollector
type metricsCollectorImpl struct {
	common.Component
	maxMemoryUsage     uint64
	memorySample       uint64
	totalSubscriptions int64
	eventsPublished    int64
	eventsDelivered    int64
	errors             int64
	latencyLock        sync.Mutex
	avgLatency         time.Duration
}

// DefineMetricsCollector create new metrics collector
func DefineMetricsCollector(maxMemoryUsage uint64) (MetricsCollector, error) {
	logTags := log.Fields{
		"module": "broker", "component": "metrics-collector",
	}
	return &metricsCollectorImpl{
		Component:      common.Component{LogTags: logTags},
		maxMemoryUsage: maxMemoryUsage,
	}, nil
}

// RecordSubscriptionCreated count one subscription ever created
func (m *metricsCollectorImpl) RecordSubscriptionCreated() {
	atomic.AddInt64(&m.totalSubscriptions, 1)
}

// RecordEventsPublished count events accepted for dispatch
func (m *metricsCollectorImpl) RecordEventsPublished(count int) {
	atomic.AddInt64(&m.eventsPublished, int64(count))
}

// RecordEventDelivered count one data message successfully sent
func (m *metricsCollectorImpl) RecordEventDelivered() {
	atomic.AddInt64(&m.eventsDelivered, 1)
}

// RecordError count one processing or delivery failure
func (m *metricsCollectorImpl) RecordError() {
	atomic.AddInt64(&m.errors, 1)
}

// RecordDispatchLatency fold one per-event dispatch latency into the rolling
// average as an exponentially-weighted approximation
func (m *metricsCollectorImpl) RecordDispatchLatency(latency time.Duration) {
	m.latencyLock.Lock()
	defer m.latencyLock.Unlock()
	m.avgLatency = (m.avgLatency + latency) / 2
}

// SampleMemory refresh the cached process memory reading
func (m *metricsCollectorImpl) SampleMemory() {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	atomic.StoreUint64(&m.memorySample, memStats.HeapAlloc)
}

// Snapshot return the accumulated counters together with the latest memory sample
func (m *metricsCollectorImpl) Snapshot(
	activeSubscriptions int, activeConnections int,
) MetricsSnapshot {
	memoryUsage := atomic.LoadUint64(&m.memorySample)
	if memoryUsage == 0 {
		m.SampleMemory()
		memoryUsage = atomic.LoadUint64(&m.memorySample)
	}
	m.latencyLock.Lock()
	avgLatency := m.avgLatency
	m.latencyLock.Unlock()
	return MetricsSnapshot{
		TotalSubscriptions:  atomic.LoadInt64(&m.totalSubscriptions),
		ActiveSubscriptions: activeSubscriptions,
		ActiveConnections:   activeConnections,
		EventsPublished:     atomic.LoadInt64(&m.eventsPublished),
		EventsDelivered:     atomic.LoadInt64(&m.eventsDelivered),
		Errors:              atomic.LoadInt64(&m.errors),
		AvgDispatchLatency:  avgLatency,
		MemoryUsage:         memoryUsage,
		MaxMemoryUsage:      m.maxMemoryUsage,
		Timestamp:           time.Now().UTC(),
	}
}

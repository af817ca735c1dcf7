package broker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMetricsCollectorMemorySampling(t *testing.T) {
	assert := assert.New(t)

	uut, err := DefineMetricsCollector(1 << 29)
	assert.Nil(err)

	// Case 0: snapshot before the first timer tick takes a lazy sample
	{
		snapshot := uut.Snapshot(0, 0)
		assert.Greater(snapshot.MemoryUsage, uint64(0))
		assert.Equal(uint64(1<<29), snapshot.MaxMemoryUsage)
	}

	// Case 1: an explicit refresh keeps the reading live
	{
		uut.SampleMemory()
		snapshot := uut.Snapshot(0, 0)
		assert.Greater(snapshot.MemoryUsage, uint64(0))
	}
}

func TestMetricsCollectorCounters(t *testing.T) {
	assert := assert.New(t)

	uut, err := DefineMetricsCollector(0)
	assert.Nil(err)

	uut.RecordSubscriptionCreated()
	uut.RecordSubscriptionCreated()
	uut.RecordEventsPublished(3)
	uut.RecordEventDelivered()
	uut.RecordError()
	uut.RecordDispatchLatency(time.Millisecond * 8)
	uut.RecordDispatchLatency(time.Millisecond * 4)

	snapshot := uut.Snapshot(2, 1)
	assert.Equal(int64(2), snapshot.TotalSubscriptions)
	assert.Equal(2, snapshot.ActiveSubscriptions)
	assert.Equal(1, snapshot.ActiveConnections)
	assert.Equal(int64(3), snapshot.EventsPublished)
	assert.Equal(int64(1), snapshot.EventsDelivered)
	assert.Equal(int64(1), snapshot.Errors)
	// (0+8)/2 then (4+4)/2
	assert.Equal(time.Millisecond*4, snapshot.AvgDispatchLatency)
}

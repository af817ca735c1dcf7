package broker

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestLivenessMonitorHeartbeat(t *testing.T) {
	assert := assert.New(t)

	store, metrics, _, stop := defineTestStore(t, 50)
	defer stop()

	utCtxt := context.Background()
	uut, err := DefineLivenessMonitor(store, metrics, time.Hour, time.Hour, utCtxt)
	assert.Nil(err)

	openConn := newMockConnection(8)
	closedConn := newMockConnection(8)

	_, err = store.Subscribe(SubscribeRequest{
		ID:         uuid.New().String(),
		Query:      testSubscriptionQuery("courseUpdated"),
		Connection: openConn,
	}, utCtxt)
	assert.Nil(err)
	_, err = store.Subscribe(SubscribeRequest{
		ID:         uuid.New().String(),
		Query:      testSubscriptionQuery("courseUpdated"),
		Connection: closedConn,
	}, utCtxt)
	assert.Nil(err)
	drainMessages(openConn)
	drainMessages(closedConn)

	closedConn.close()

	assert.Nil(uut.Heartbeat(utCtxt))

	// Open connection got a keep-alive with no subscription ID
	{
		received := drainMessages(openConn)
		assert.Len(received, 1)
		assert.Equal(MsgTypeConnectionACK, received[0].Type)
		assert.Empty(received[0].ID)
	}
	// Closed connection skipped
	assert.Empty(drainMessages(closedConn))

	// Heartbeat never touches subscription state
	active, err := store.ListActive(utCtxt)
	assert.Nil(err)
	assert.Len(active, 2)
}

func TestLivenessMonitorReaper(t *testing.T) {
	assert := assert.New(t)

	store, metrics, _, stop := defineTestStore(t, 50)
	defer stop()

	utCtxt := context.Background()
	uut, err := DefineLivenessMonitor(store, metrics, time.Hour, time.Hour, utCtxt)
	assert.Nil(err)

	deadConn := newMockConnection(8)
	liveConn := newMockConnection(8)

	for itr := 0; itr < 2; itr++ {
		_, err := store.Subscribe(SubscribeRequest{
			ID:         uuid.New().String(),
			Query:      testSubscriptionQuery("messageAdded"),
			Connection: deadConn,
		}, utCtxt)
		assert.Nil(err)
	}
	survivorID := uuid.New().String()
	_, err = store.Subscribe(SubscribeRequest{
		ID:         survivorID,
		Query:      testSubscriptionQuery("messageAdded"),
		Connection: liveConn,
	}, utCtxt)
	assert.Nil(err)

	// Case 0: nothing dead yet
	assert.Nil(uut.Reap(utCtxt))
	{
		active, err := store.ListActive(utCtxt)
		assert.Nil(err)
		assert.Len(active, 3)
	}

	// Case 1: dead connection is reaped, cascade removes its subscriptions
	deadConn.close()
	assert.Nil(uut.Reap(utCtxt))
	{
		active, err := store.ListActive(utCtxt)
		assert.Nil(err)
		assert.Len(active, 1)
		assert.Equal(survivorID, active[0].ID)
	}

	// Case 2: reaping again changes nothing
	assert.Nil(uut.Reap(utCtxt))
	{
		active, err := store.ListActive(utCtxt)
		assert.Nil(err)
		assert.Len(active, 1)
	}
}

package broker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/campusmq/common"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func testBrokerConfig() common.BrokerConfig {
	return common.BrokerConfig{
		MaxSubscriptionsPerConnection: 50,
		MaxEventBatchSize:             100,
		EventBatchTimeout:             20,
		ConnectionTimeout:             30000,
		HeartbeatInterval:             25000,
		ReapInterval:                  5000,
		QueueBuffer:                   64,
		PrivilegedEventTypes:          []string{"adminAnnouncement"},
	}
}

func TestSubscriptionBrokerEndToEnd(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt := context.Background()
	ctxt, cancel := context.WithCancel(utCtxt)
	defer cancel()

	uut, err := GetSubscriptionBroker(testBrokerConfig(), ctxt)
	assert.Nil(err)

	wg := sync.WaitGroup{}
	assert.Nil(uut.Start(&wg))
	defer func() {
		assert.Nil(uut.Stop())
		cancel()
		wg.Wait()
	}()

	conn1 := newMockConnection(16)
	conn2 := newMockConnection(16)

	// Case 0: establish subscriptions
	{
		_, err := uut.Subscribe(SubscribeRequest{
			ID:         "s1",
			Query:      testSubscriptionQuery("courseUpdated"),
			Variables:  map[string]interface{}{"courseId": "c1"},
			Connection: conn1,
			Auth:       &AuthContext{UserID: "u1", Role: "student"},
		}, utCtxt)
		assert.Nil(err)
		_, err = uut.Subscribe(SubscribeRequest{
			ID:         "s2",
			Query:      testSubscriptionQuery("courseUpdated"),
			Variables:  map[string]interface{}{"courseId": "c2"},
			Connection: conn2,
			Auth:       &AuthContext{UserID: "u2", Role: "student"},
		}, utCtxt)
		assert.Nil(err)

		active, err := uut.ListActiveSubscriptions(utCtxt)
		assert.Nil(err)
		assert.Len(active, 2)
	}
	drainMessages(conn1)
	drainMessages(conn2)

	// Case 1: publish delivers through the timer driven flush
	{
		assert.Nil(uut.Publish(Event{
			Type:    "courseUpdated",
			Data:    map[string]interface{}{"id": "c1"},
			Filters: map[string]interface{}{"courseId": "c1"},
		}, utCtxt))

		select {
		case msg := <-conn1.messages:
			assert.Equal(MsgTypeData, msg.Type)
			assert.Equal("s1", msg.ID)
		case <-time.After(time.Second):
			assert.True(false)
		}
		assert.Empty(drainMessages(conn2))
	}

	// Case 2: malformed subscribe is rejected with no table change
	{
		_, err := uut.Subscribe(SubscribeRequest{
			ID:         "",
			Query:      testSubscriptionQuery("courseUpdated"),
			Connection: conn1,
		}, utCtxt)
		assert.NotNil(err)
		assert.IsType(ValidationError{}, err)

		active, listErr := uut.ListActiveSubscriptions(utCtxt)
		assert.Nil(listErr)
		assert.Len(active, 2)
	}

	// Case 3: privileged type denied for a student, no table entry created
	{
		_, err := uut.Subscribe(SubscribeRequest{
			ID:         uuid.New().String(),
			Query:      testSubscriptionQuery("adminAnnouncement"),
			Connection: conn1,
			Auth:       &AuthContext{UserID: "u1", Role: "student"},
		}, utCtxt)
		assert.NotNil(err)
		assert.IsType(AuthorizationError{}, err)

		active, listErr := uut.ListActiveSubscriptions(utCtxt)
		assert.Nil(listErr)
		assert.Len(active, 2)
	}

	// Case 4: disconnect teardown
	{
		conn2.close()
		assert.Nil(uut.HandleDisconnection(conn2, utCtxt))

		active, err := uut.ListActiveSubscriptions(utCtxt)
		assert.Nil(err)
		assert.Len(active, 1)
		assert.Equal("s1", active[0].ID)
	}

	// Case 5: metrics reflect broker state
	{
		snapshot, err := uut.GetMetrics(utCtxt)
		assert.Nil(err)
		assert.Equal(int64(2), snapshot.TotalSubscriptions)
		assert.Equal(1, snapshot.ActiveSubscriptions)
		assert.Equal(1, snapshot.ActiveConnections)
		assert.Equal(int64(1), snapshot.EventsPublished)
		assert.Equal(int64(1), snapshot.EventsDelivered)
		assert.Greater(snapshot.MemoryUsage, uint64(0))
	}
}

func TestSubscriptionBrokerPublishBatch(t *testing.T) {
	assert := assert.New(t)

	utCtxt := context.Background()
	ctxt, cancel := context.WithCancel(utCtxt)
	defer cancel()

	config := testBrokerConfig()
	// Long timer so only the forced flush can deliver
	config.EventBatchTimeout = 3600000

	uut, err := GetSubscriptionBroker(config, ctxt)
	assert.Nil(err)

	wg := sync.WaitGroup{}
	assert.Nil(uut.Start(&wg))
	defer func() {
		assert.Nil(uut.Stop())
		cancel()
		wg.Wait()
	}()

	conn := newMockConnection(16)
	_, err = uut.Subscribe(SubscribeRequest{
		ID:         uuid.New().String(),
		Query:      testSubscriptionQuery("presenceChanged"),
		Connection: conn,
	}, utCtxt)
	assert.Nil(err)
	drainMessages(conn)

	events := []Event{
		{Type: "presenceChanged", Data: "online"},
		{Type: "presenceChanged", Data: "away"},
		{Type: "quizGraded", Data: "ignored"},
	}
	assert.Nil(uut.PublishBatch(events, utCtxt))

	received := drainMessages(conn)
	assert.Len(received, 2)
}

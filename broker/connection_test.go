package broker

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
)

// mockConnection test double for ConnectionHandle
type mockConnection struct {
	id       string
	open     int32
	failSend int32
	messages chan ServerMessage
}

func newMockConnection(buffer int) *mockConnection {
	return &mockConnection{
		id:       uuid.New().String(),
		open:     1,
		failSend: 0,
		messages: make(chan ServerMessage, buffer),
	}
}

func (c *mockConnection) ID() string {
	return c.id
}

func (c *mockConnection) IsOpen() bool {
	return atomic.LoadInt32(&c.open) == 1
}

func (c *mockConnection) close() {
	atomic.StoreInt32(&c.open, 0)
}

func (c *mockConnection) setFailSend(fail bool) {
	if fail {
		atomic.StoreInt32(&c.failSend, 1)
	} else {
		atomic.StoreInt32(&c.failSend, 0)
	}
}

func (c *mockConnection) Send(msg interface{}) error {
	if atomic.LoadInt32(&c.failSend) == 1 {
		return fmt.Errorf("simulated send failure")
	}
	message, ok := msg.(ServerMessage)
	if !ok {
		return fmt.Errorf("unexpected message type %T", msg)
	}
	select {
	case c.messages <- message:
		return nil
	default:
		return fmt.Errorf("send buffer full")
	}
}

// testSubscriptionQuery build a predicate text for an event type
func testSubscriptionQuery(eventType string) string {
	return fmt.Sprintf("subscription { %s { id payload } }", eventType)
}

package broker

import (
	"fmt"
	"time"
)

// ========================================================================================
// Wire messages

// Server message types sent toward a client connection
const (
	// MsgTypeConnectionACK acknowledges a new subscription, or acts as a keep-alive
	// when carrying no subscription ID
	MsgTypeConnectionACK = "connection_ack"
	// MsgTypeData carries one matched event toward a subscription
	MsgTypeData = "data"
	// MsgTypeComplete signals a subscription has ended
	MsgTypeComplete = "complete"
)

// DataPayload event payload of a data message, keyed by the event type
type DataPayload struct {
	Data map[string]interface{} `json:"data" validate:"required"`
}

// ServerMessage one message sent from the broker toward a client connection
type ServerMessage struct {
	Type string `json:"type" validate:"required,oneof=connection_ack data complete"`
	// ID is the subscription ID the message refers to, if any
	ID string `json:"id,omitempty"`
	// Payload is only set on data messages
	Payload *DataPayload `json:"payload,omitempty"`
}

// ========================================================================================
// Domain objects

// ConnectionHandle opaque handle around one client's bidirectional transport session
type ConnectionHandle interface {
	// ID connection instance ID
	ID() string
	// IsOpen whether the transport is still usable
	IsOpen() bool
	// Send transmit one message over the transport
	Send(msg interface{}) error
}

// AuthContext caller identity associated with a subscribe request
type AuthContext struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

// SubscribeRequest request to establish a new subscription
type SubscribeRequest struct {
	// ID caller supplied subscription ID, unique while the subscription is active
	ID string `json:"id" validate:"required"`
	// Query the raw subscription predicate text
	Query string `json:"query" validate:"required"`
	// Variables bound variable name to value mapping
	Variables map[string]interface{} `json:"variables,omitempty"`
	// Connection the transport session the subscription belongs to
	Connection ConnectionHandle `json:"-"`
	// Auth the caller's authorization context, if known
	Auth *AuthContext `json:"context,omitempty"`
}

// Subscription one active standing registration for event delivery
type Subscription struct {
	ID string `json:"id" validate:"required"`
	// Query the raw predicate text, treated opaquely beyond the event-type tag
	Query string `json:"query" validate:"required"`
	// EventType the event-type tag extracted from Query, "" if extraction failed
	EventType string `json:"event_type"`
	// Variables bound variable name to value mapping used for filter matching
	Variables map[string]interface{} `json:"variables,omitempty"`
	// Connection the owning transport session
	Connection ConnectionHandle `json:"-"`
	// Auth the caller's authorization context
	Auth         *AuthContext `json:"context,omitempty"`
	IsActive     bool         `json:"is_active"`
	CreatedAt    time.Time    `json:"created_at"`
	LastActivity time.Time    `json:"last_activity"`
}

// Event one published fact passing through the dispatch queue
type Event struct {
	// Type the event type tag matched against subscription predicates
	Type string `json:"type" validate:"required"`
	// Data opaque payload forwarded to matched subscriptions
	Data interface{} `json:"data,omitempty"`
	// Filters key/value pairs which must match a subscription's bound variables
	Filters map[string]interface{} `json:"filters,omitempty"`
	// Timestamp publish time, defaulted on publish if absent
	Timestamp time.Time `json:"timestamp,omitempty"`
	// receivedAt when the event entered the dispatch queue
	receivedAt time.Time
}

// String produce ASCII representation
func (e Event) String() string {
	return fmt.Sprintf("%s@%s", e.Type, e.Timestamp.Format(time.RFC3339))
}

// MetricsSnapshot aggregate broker counters for operational visibility
type MetricsSnapshot struct {
	// TotalSubscriptions subscriptions ever created
	TotalSubscriptions int64 `json:"total_subscriptions"`
	// ActiveSubscriptions subscriptions currently active
	ActiveSubscriptions int `json:"active_subscriptions"`
	// ActiveConnections registry entries currently live
	ActiveConnections int `json:"active_connections"`
	// EventsPublished events accepted by the dispatch queue
	EventsPublished int64 `json:"events_published"`
	// EventsDelivered data messages successfully sent
	EventsDelivered int64 `json:"events_delivered"`
	// Errors delivery and processing failures observed
	Errors int64 `json:"errors"`
	// AvgDispatchLatency rolling average per-event dispatch latency
	AvgDispatchLatency time.Duration `json:"avg_dispatch_latency_ns"`
	// MemoryUsage current process heap allocation in bytes
	MemoryUsage uint64 `json:"memory_usage_bytes"`
	// MaxMemoryUsage advisory memory ceiling from config
	MaxMemoryUsage uint64 `json:"max_memory_bytes"`
	// Timestamp when the snapshot was taken
	Timestamp time.Time `json:"timestamp"`
}

// ========================================================================================
// Error taxonomy

// ValidationError subscribe request was malformed or used a duplicate ID
type ValidationError struct {
	Message string
}

func (e ValidationError) Error() string {
	return e.Message
}

// AuthorizationError caller's role is insufficient for the requested subscription
type AuthorizationError struct {
	Message string
}

func (e AuthorizationError) Error() string {
	return e.Message
}

// ConnectionError per-connection limit exceeded, or the transport is unusable
type ConnectionError struct {
	Message string
}

func (e ConnectionError) Error() string {
	return e.Message
}

// SubscriptionError catch-all wrapper for broker operation failures
type SubscriptionError struct {
	Message string
	Cause   error
}

func (e SubscriptionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap expose the wrapped failure
func (e SubscriptionError) Unwrap() error {
	return e.Cause
}

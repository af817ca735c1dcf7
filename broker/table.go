package broker

import (
	"context"
	"fmt"
	"reflect"
	"time"

	"github.com/alwitt/campusmq/common"
	"github.com/apex/log"
)

// connectionEntry registry entry owning the set of subscription IDs back-referencing
// one transport session
type connectionEntry struct {
	handle        ConnectionHandle
	subscriptions map[string]bool
}

// SubscriptionStore manage the subscription table and connection registry.
//
// All mutations are serialized through one task processor event loop, giving
// single-writer semantics per subscription ID. Connection teardown runs as one
// task, so no subscribe can interleave with it on the same connection.
type SubscriptionStore interface {
	Subscribe(request SubscribeRequest, ctxt context.Context) (Subscription, error)
	Unsubscribe(id string, ctxt context.Context) (bool, error)
	ListActive(ctxt context.Context) ([]Subscription, error)
	ListConnections(ctxt context.Context) ([]ConnectionHandle, error)
	HandleDisconnection(connection ConnectionHandle, ctxt context.Context) error
	TouchDelivered(ids []string, timestamp time.Time, ctxt context.Context) error
}

// subscriptionStoreImpl implements SubscriptionStore
type subscriptionStoreImpl struct {
	common.Component
	tp            common.TaskProcessor
	maxPerConn    int
	subscriptions map[string]*Subscription
	connections   map[string]*connectionEntry
	metrics       MetricsCollector
}

// DefineSubscriptionStore create new subscription store
func DefineSubscriptionStore(
	tp common.TaskProcessor, maxSubscriptionsPerConnection int, metrics MetricsCollector,
) (SubscriptionStore, error) {
	logTags := log.Fields{
		"module": "broker", "component": "subscription-store",
	}
	instance := subscriptionStoreImpl{
		Component:     common.Component{LogTags: logTags},
		tp:            tp,
		maxPerConn:    maxSubscriptionsPerConnection,
		subscriptions: make(map[string]*Subscription),
		connections:   make(map[string]*connectionEntry),
		metrics:       metrics,
	}
	// Add handlers
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(storeSubscribeReq{}), instance.processSubscribeRequest,
	); err != nil {
		return nil, err
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(storeUnsubscribeReq{}), instance.processUnsubscribeRequest,
	); err != nil {
		return nil, err
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(storeListActiveReq{}), instance.processListActiveRequest,
	); err != nil {
		return nil, err
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(storeListConnectionsReq{}), instance.processListConnectionsRequest,
	); err != nil {
		return nil, err
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(storeDisconnectReq{}), instance.processDisconnectRequest,
	); err != nil {
		return nil, err
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(storeTouchDeliveredReq{}), instance.processTouchDeliveredRequest,
	); err != nil {
		return nil, err
	}
	return &instance, nil
}

// ----------------------------------------------------------------------------------------

type storeSubscribeReq struct {
	request  SubscribeRequest
	resultCB func(Subscription, error)
}

// Subscribe insert a new subscription and register it under its connection
func (s *subscriptionStoreImpl) Subscribe(
	request SubscribeRequest, ctxt context.Context,
) (Subscription, error) {
	complete := make(chan bool, 1)
	var newEntry Subscription
	var processError error
	handler := func(entry Subscription, err error) {
		newEntry = entry
		processError = err
		complete <- true
	}

	if err := s.tp.Submit(storeSubscribeReq{request: request, resultCB: handler}, ctxt); err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf(
			"Failed to submit subscribe request %s", request.ID,
		)
		return Subscription{}, err
	}

	<-complete

	return newEntry, processError
}

func (s *subscriptionStoreImpl) processSubscribeRequest(param interface{}) error {
	request, ok := param.(storeSubscribeReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for subscribe", reflect.TypeOf(param),
		)
	}
	entry, err := s.ProcessSubscribeRequest(request.request)
	request.resultCB(entry, err)
	return err
}

// ProcessSubscribeRequest insert a new subscription and register it under its connection
func (s *subscriptionStoreImpl) ProcessSubscribeRequest(
	request SubscribeRequest,
) (Subscription, error) {
	// Re-subscribing with a live ID is rejected
	if _, ok := s.subscriptions[request.ID]; ok {
		return Subscription{}, ValidationError{
			Message: fmt.Sprintf("subscription %s already active", request.ID),
		}
	}

	if !request.Connection.IsOpen() {
		return Subscription{}, ConnectionError{
			Message: fmt.Sprintf(
				"subscription %s arrived on closed connection %s",
				request.ID, request.Connection.ID(),
			),
		}
	}

	entry, entryExists := s.connections[request.Connection.ID()]
	if entryExists && len(entry.subscriptions) >= s.maxPerConn {
		return Subscription{}, ConnectionError{
			Message: fmt.Sprintf(
				"connection %s reached its subscription limit of %d",
				request.Connection.ID(), s.maxPerConn,
			),
		}
	}

	now := time.Now().UTC()
	newSub := &Subscription{
		ID:           request.ID,
		Query:        request.Query,
		EventType:    ExtractEventType(request.Query),
		Variables:    request.Variables,
		Connection:   request.Connection,
		Auth:         request.Auth,
		IsActive:     true,
		CreatedAt:    now,
		LastActivity: now,
	}

	// Acknowledge the caller first; a dead transport must not leave a partial entry
	if err := request.Connection.Send(
		ServerMessage{Type: MsgTypeConnectionACK, ID: request.ID},
	); err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf(
			"Unable to acknowledge subscription %s on connection %s",
			request.ID, request.Connection.ID(),
		)
		s.metrics.RecordError()
		return Subscription{}, ConnectionError{
			Message: fmt.Sprintf(
				"connection %s rejected subscription acknowledgment", request.Connection.ID(),
			),
		}
	}

	s.subscriptions[request.ID] = newSub
	if !entryExists {
		entry = &connectionEntry{
			handle: request.Connection, subscriptions: make(map[string]bool),
		}
		s.connections[request.Connection.ID()] = entry
	}
	entry.subscriptions[request.ID] = true
	s.metrics.RecordSubscriptionCreated()

	log.WithFields(s.LogTags).Infof(
		"Added subscription %s for %s on connection %s",
		request.ID, newSub.EventType, request.Connection.ID(),
	)
	return *newSub, nil
}

// ----------------------------------------------------------------------------------------

type storeUnsubscribeReq struct {
	id       string
	resultCB func(bool, error)
}

// Unsubscribe remove a subscription if present. Unknown IDs are a no-op returning false.
func (s *subscriptionStoreImpl) Unsubscribe(id string, ctxt context.Context) (bool, error) {
	complete := make(chan bool, 1)
	var removed bool
	var processError error
	handler := func(wasRemoved bool, err error) {
		removed = wasRemoved
		processError = err
		complete <- true
	}

	if err := s.tp.Submit(storeUnsubscribeReq{id: id, resultCB: handler}, ctxt); err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf(
			"Failed to submit unsubscribe request %s", id,
		)
		return false, err
	}

	<-complete

	return removed, processError
}

func (s *subscriptionStoreImpl) processUnsubscribeRequest(param interface{}) error {
	request, ok := param.(storeUnsubscribeReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for unsubscribe", reflect.TypeOf(param),
		)
	}
	removed, err := s.ProcessUnsubscribeRequest(request.id, true)
	request.resultCB(removed, err)
	return err
}

// ProcessUnsubscribeRequest remove a subscription if present, dropping the connection
// registry entry when its last subscription goes
func (s *subscriptionStoreImpl) ProcessUnsubscribeRequest(
	id string, notifyClient bool,
) (bool, error) {
	existing, ok := s.subscriptions[id]
	if !ok {
		log.WithFields(s.LogTags).Debugf("Unsubscribe of unknown subscription %s ignored", id)
		return false, nil
	}

	existing.IsActive = false
	delete(s.subscriptions, id)

	connID := existing.Connection.ID()
	if entry, ok := s.connections[connID]; ok {
		delete(entry.subscriptions, id)
		if len(entry.subscriptions) == 0 {
			delete(s.connections, connID)
		}
	}

	if notifyClient && existing.Connection.IsOpen() {
		if err := existing.Connection.Send(
			ServerMessage{Type: MsgTypeComplete, ID: id},
		); err != nil {
			log.WithError(err).WithFields(s.LogTags).Errorf(
				"Unable to send completion for subscription %s on connection %s", id, connID,
			)
			s.metrics.RecordError()
		}
	}

	log.WithFields(s.LogTags).Infof("Removed subscription %s from connection %s", id, connID)
	return true, nil
}

// ----------------------------------------------------------------------------------------

type storeListActiveReq struct {
	resultCB func([]Subscription, error)
}

// ListActive return a copy of all currently active subscriptions
func (s *subscriptionStoreImpl) ListActive(ctxt context.Context) ([]Subscription, error) {
	complete := make(chan bool, 1)
	var active []Subscription
	var processError error
	handler := func(entries []Subscription, err error) {
		active = entries
		processError = err
		complete <- true
	}

	if err := s.tp.Submit(storeListActiveReq{resultCB: handler}, ctxt); err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Failed to submit list-active request")
		return nil, err
	}

	<-complete

	return active, processError
}

func (s *subscriptionStoreImpl) processListActiveRequest(param interface{}) error {
	request, ok := param.(storeListActiveReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for list active", reflect.TypeOf(param),
		)
	}
	entries, err := s.ProcessListActiveRequest()
	request.resultCB(entries, err)
	return err
}

// ProcessListActiveRequest return a copy of all currently active subscriptions
func (s *subscriptionStoreImpl) ProcessListActiveRequest() ([]Subscription, error) {
	active := make([]Subscription, 0, len(s.subscriptions))
	for _, entry := range s.subscriptions {
		if entry.IsActive {
			active = append(active, *entry)
		}
	}
	return active, nil
}

// ----------------------------------------------------------------------------------------

type storeListConnectionsReq struct {
	resultCB func([]ConnectionHandle, error)
}

// ListConnections return the handles currently registered
func (s *subscriptionStoreImpl) ListConnections(
	ctxt context.Context,
) ([]ConnectionHandle, error) {
	complete := make(chan bool, 1)
	var handles []ConnectionHandle
	var processError error
	handler := func(entries []ConnectionHandle, err error) {
		handles = entries
		processError = err
		complete <- true
	}

	if err := s.tp.Submit(storeListConnectionsReq{resultCB: handler}, ctxt); err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Failed to submit list-connections request")
		return nil, err
	}

	<-complete

	return handles, processError
}

func (s *subscriptionStoreImpl) processListConnectionsRequest(param interface{}) error {
	request, ok := param.(storeListConnectionsReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for list connections", reflect.TypeOf(param),
		)
	}
	handles := make([]ConnectionHandle, 0, len(s.connections))
	for _, entry := range s.connections {
		handles = append(handles, entry.handle)
	}
	request.resultCB(handles, nil)
	return nil
}

// ----------------------------------------------------------------------------------------

type storeDisconnectReq struct {
	connection ConnectionHandle
	resultCB   func(error)
}

// HandleDisconnection tear down every subscription owned by a connection.
//
// Runs as one task on the store event loop, so no subscribe on the same connection
// can interleave with the teardown. Idempotent: unknown connections are a no-op.
func (s *subscriptionStoreImpl) HandleDisconnection(
	connection ConnectionHandle, ctxt context.Context,
) error {
	complete := make(chan bool, 1)
	var processError error
	handler := func(err error) {
		processError = err
		complete <- true
	}

	if err := s.tp.Submit(
		storeDisconnectReq{connection: connection, resultCB: handler}, ctxt,
	); err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf(
			"Failed to submit disconnect request for connection %s", connection.ID(),
		)
		return err
	}

	<-complete

	return processError
}

func (s *subscriptionStoreImpl) processDisconnectRequest(param interface{}) error {
	request, ok := param.(storeDisconnectReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for disconnect", reflect.TypeOf(param),
		)
	}
	err := s.ProcessDisconnectRequest(request.connection)
	request.resultCB(err)
	return err
}

// ProcessDisconnectRequest tear down every subscription owned by a connection
func (s *subscriptionStoreImpl) ProcessDisconnectRequest(connection ConnectionHandle) error {
	entry, ok := s.connections[connection.ID()]
	if !ok {
		log.WithFields(s.LogTags).Debugf(
			"Disconnect of unknown connection %s ignored", connection.ID(),
		)
		return nil
	}

	removeIDs := make([]string, 0, len(entry.subscriptions))
	for id := range entry.subscriptions {
		removeIDs = append(removeIDs, id)
	}
	for _, id := range removeIDs {
		// The transport is gone, skip completion messages
		if _, err := s.ProcessUnsubscribeRequest(id, false); err != nil {
			log.WithError(err).WithFields(s.LogTags).Errorf(
				"Failed to remove subscription %s during teardown of connection %s",
				id, connection.ID(),
			)
		}
	}

	log.WithFields(s.LogTags).Infof(
		"Tore down connection %s with %d subscriptions", connection.ID(), len(removeIDs),
	)
	return nil
}

// ----------------------------------------------------------------------------------------

type storeTouchDeliveredReq struct {
	ids       []string
	timestamp time.Time
	resultCB  func(error)
}

// TouchDelivered advance lastActivity on the given subscriptions after delivery
func (s *subscriptionStoreImpl) TouchDelivered(
	ids []string, timestamp time.Time, ctxt context.Context,
) error {
	complete := make(chan bool, 1)
	var processError error
	handler := func(err error) {
		processError = err
		complete <- true
	}

	if err := s.tp.Submit(
		storeTouchDeliveredReq{ids: ids, timestamp: timestamp, resultCB: handler}, ctxt,
	); err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Failed to submit touch request")
		return err
	}

	<-complete

	return processError
}

func (s *subscriptionStoreImpl) processTouchDeliveredRequest(param interface{}) error {
	request, ok := param.(storeTouchDeliveredReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for touch delivered", reflect.TypeOf(param),
		)
	}
	for _, id := range request.ids {
		if entry, ok := s.subscriptions[id]; ok {
			entry.LastActivity = request.timestamp
		}
	}
	request.resultCB(nil)
	return nil
}

package apis

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/alwitt/campusmq/broker"
	"github.com/alwitt/campusmq/common"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
)

// APIRestBrokerHandler REST handler for the subscription broker
type APIRestBrokerHandler struct {
	APIRestHandler
	core     broker.SubscriptionBroker
	validate *validator.Validate
}

// GetAPIRestBrokerHandler define APIRestBrokerHandler
func GetAPIRestBrokerHandler(
	core broker.SubscriptionBroker, httpConfig *common.HTTPConfig,
) (APIRestBrokerHandler, error) {
	logTags := log.Fields{
		"module":    "apis",
		"component": "broker-rest",
	}
	return APIRestBrokerHandler{
		APIRestHandler: APIRestHandler{
			Component:       common.Component{LogTags: logTags},
			requestIDHeader: httpConfig.Logging.RequestIDHeader,
		},
		core:     core,
		validate: validator.New(),
	}, nil
}

// APIRestReqEvent an event submitted for fan-out
type APIRestReqEvent struct {
	// Type is the event type matched against subscriptions
	Type string `json:"type" validate:"required"`
	// Data is the event payload forwarded verbatim to matching clients
	Data interface{} `json:"data"`
	// Filters are attribute constraints matched against subscription variables
	Filters map[string]interface{} `json:"filters,omitempty"`
	// Timestamp is an optional event time, defaulted on enqueue when absent
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// APIRestReqEventBatch a group of events submitted together
type APIRestReqEventBatch struct {
	// Events the events to fan out, delivered in order
	Events []APIRestReqEvent `json:"events" validate:"required,min=1,dive"`
}

func convertEvent(original APIRestReqEvent) broker.Event {
	return broker.Event{
		Type:      original.Type,
		Data:      original.Data,
		Filters:   original.Filters,
		Timestamp: original.Timestamp,
	}
}

// =======================================================================
// Event publish

// -----------------------------------------------------------------------

// PublishEvent publish one event to all matching subscriptions
func (h APIRestBrokerHandler) PublishEvent(w http.ResponseWriter, r *http.Request) {
	restCall := "POST /v1/event"
	localLogTags := h.getLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		h.reply(w, respCode, respBody, restCall)
	}()

	var params APIRestReqEvent
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		msg := "Unable to parse request body"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = getStdRESTErrorMsg(http.StatusBadRequest, &msg)
		return
	}
	if err := h.validate.Struct(&params); err != nil {
		msg := "Bad request body"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = getStdRESTErrorMsg(http.StatusBadRequest, &msg)
		return
	}

	if err := h.core.Publish(convertEvent(params), r.Context()); err != nil {
		msg := "Failed to publish event"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusInternalServerError
		respBody = getStdRESTErrorMsg(http.StatusInternalServerError, &msg)
		return
	}

	respCode = http.StatusOK
	respBody = getStdRESTSuccessMsg()
}

// PublishEventHandler Wrapper around PublishEvent
func (h APIRestBrokerHandler) PublishEventHandler() http.HandlerFunc {
	return h.attachRequestID(func(w http.ResponseWriter, r *http.Request) {
		h.PublishEvent(w, r)
	})
}

// -----------------------------------------------------------------------

// PublishEventBatch publish a group of events, flushed immediately as one batch
func (h APIRestBrokerHandler) PublishEventBatch(w http.ResponseWriter, r *http.Request) {
	restCall := "POST /v1/events"
	localLogTags := h.getLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		h.reply(w, respCode, respBody, restCall)
	}()

	var params APIRestReqEventBatch
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		msg := "Unable to parse request body"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = getStdRESTErrorMsg(http.StatusBadRequest, &msg)
		return
	}
	if err := h.validate.Struct(&params); err != nil {
		msg := "Bad request body"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = getStdRESTErrorMsg(http.StatusBadRequest, &msg)
		return
	}

	events := make([]broker.Event, len(params.Events))
	for itr, event := range params.Events {
		events[itr] = convertEvent(event)
	}
	if err := h.core.PublishBatch(events, r.Context()); err != nil {
		msg := "Failed to publish event batch"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusInternalServerError
		respBody = getStdRESTErrorMsg(http.StatusInternalServerError, &msg)
		return
	}

	respCode = http.StatusOK
	respBody = getStdRESTSuccessMsg()
}

// PublishEventBatchHandler Wrapper around PublishEventBatch
func (h APIRestBrokerHandler) PublishEventBatchHandler() http.HandlerFunc {
	return h.attachRequestID(func(w http.ResponseWriter, r *http.Request) {
		h.PublishEventBatch(w, r)
	})
}

// =======================================================================
// Introspection

// -----------------------------------------------------------------------

// APIRestRespSubscription a subscription visible through the introspection endpoint
type APIRestRespSubscription struct {
	// ID is the subscription ID
	ID string `json:"id"`
	// Query is the subscription predicate as submitted
	Query string `json:"query"`
	// EventType is the event type extracted from the predicate
	EventType string `json:"event_type"`
	// Variables are the attribute constraints for this subscription
	Variables map[string]interface{} `json:"variables,omitempty"`
	// UserID identifies the subscribing user when provided
	UserID string `json:"user_id,omitempty"`
	// CreatedAt when the subscription was accepted
	CreatedAt time.Time `json:"created_at"`
	// LastActivity last delivery or liveness touch on this subscription
	LastActivity time.Time `json:"last_activity"`
}

// APIRestRespSubscriptionList response for listing active subscriptions
type APIRestRespSubscriptionList struct {
	StandardResponse
	// Subscriptions the active set
	Subscriptions []APIRestRespSubscription `json:"subscriptions"`
}

// GetActiveSubscriptions list all active subscriptions
func (h APIRestBrokerHandler) GetActiveSubscriptions(w http.ResponseWriter, r *http.Request) {
	restCall := "GET /v1/subscription"
	localLogTags := h.getLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		h.reply(w, respCode, respBody, restCall)
	}()

	active, err := h.core.ListActiveSubscriptions(r.Context())
	if err != nil {
		msg := "Failed to list active subscriptions"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusInternalServerError
		respBody = getStdRESTErrorMsg(http.StatusInternalServerError, &msg)
		return
	}

	converted := make([]APIRestRespSubscription, len(active))
	for itr, subscription := range active {
		entry := APIRestRespSubscription{
			ID:           subscription.ID,
			Query:        subscription.Query,
			EventType:    subscription.EventType,
			Variables:    subscription.Variables,
			CreatedAt:    subscription.CreatedAt,
			LastActivity: subscription.LastActivity,
		}
		if subscription.Auth != nil {
			entry.UserID = subscription.Auth.UserID
		}
		converted[itr] = entry
	}

	respCode = http.StatusOK
	respBody = APIRestRespSubscriptionList{
		StandardResponse: getStdRESTSuccessMsg(), Subscriptions: converted,
	}
}

// GetActiveSubscriptionsHandler Wrapper around GetActiveSubscriptions
func (h APIRestBrokerHandler) GetActiveSubscriptionsHandler() http.HandlerFunc {
	return h.attachRequestID(func(w http.ResponseWriter, r *http.Request) {
		h.GetActiveSubscriptions(w, r)
	})
}

// -----------------------------------------------------------------------

// APIRestRespMetrics response for the metrics endpoint
type APIRestRespMetrics struct {
	StandardResponse
	// Metrics the broker metrics snapshot
	Metrics broker.MetricsSnapshot `json:"metrics"`
}

// GetMetrics report a broker metrics snapshot
func (h APIRestBrokerHandler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	restCall := "GET /v1/metrics"
	localLogTags := h.getLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		h.reply(w, respCode, respBody, restCall)
	}()

	snapshot, err := h.core.GetMetrics(r.Context())
	if err != nil {
		msg := "Failed to read metrics"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusInternalServerError
		respBody = getStdRESTErrorMsg(http.StatusInternalServerError, &msg)
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespMetrics{
		StandardResponse: getStdRESTSuccessMsg(), Metrics: snapshot,
	}
}

// GetMetricsHandler Wrapper around GetMetrics
func (h APIRestBrokerHandler) GetMetricsHandler() http.HandlerFunc {
	return h.attachRequestID(func(w http.ResponseWriter, r *http.Request) {
		h.GetMetrics(w, r)
	})
}

// =======================================================================
// Health Checks

// -----------------------------------------------------------------------

// Alive liveness check
func (h APIRestBrokerHandler) Alive(w http.ResponseWriter, r *http.Request) {
	h.reply(w, http.StatusOK, getStdRESTSuccessMsg(), "GET /alive")
}

// AliveHandler Wrapper around Alive
func (h APIRestBrokerHandler) AliveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	}
}

// -----------------------------------------------------------------------

// Ready readiness check
func (h APIRestBrokerHandler) Ready(w http.ResponseWriter, r *http.Request) {
	restCall := "GET /ready"
	if _, err := h.core.GetMetrics(r.Context()); err != nil {
		msg := "not ready"
		h.reply(
			w,
			http.StatusInternalServerError,
			getStdRESTErrorMsg(http.StatusInternalServerError, &msg),
			restCall,
		)
		return
	}
	h.reply(w, http.StatusOK, getStdRESTSuccessMsg(), restCall)
}

// ReadyHandler Wrapper around Ready
func (h APIRestBrokerHandler) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	}
}

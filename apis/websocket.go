package apis

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alwitt/campusmq/broker"
	"github.com/alwitt/campusmq/common"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// writeWait bounds how long one write may block on a stalled peer
const writeWait = time.Second * 10

// wsClientConnection connection handle over one client websocket.
//
// Writes are serialized with a lock since the broker's dispatch, liveness, and
// control paths can all send concurrently. Every write carries a deadline: a
// peer that stops draining its socket must not be able to stall the dispatch
// flush or the store event loop behind a blocked write.
type wsClientConnection struct {
	common.Component
	id           string
	conn         *websocket.Conn
	writeLock    sync.Mutex
	writeTimeout time.Duration
	open         int32
}

func defineWSClientConnection(conn *websocket.Conn) *wsClientConnection {
	id := uuid.New().String()
	logTags := log.Fields{
		"module": "apis", "component": "ws-connection", "connection": id,
	}
	return &wsClientConnection{
		Component:    common.Component{LogTags: logTags},
		id:           id,
		conn:         conn,
		writeTimeout: writeWait,
		open:         1,
	}
}

// ID connection identifier
func (c *wsClientConnection) ID() string {
	return c.id
}

// IsOpen whether the websocket is still usable
func (c *wsClientConnection) IsOpen() bool {
	return atomic.LoadInt32(&c.open) == 1
}

// Send serialize a message as JSON and write it to the client
func (c *wsClientConnection) Send(msg interface{}) error {
	if !c.IsOpen() {
		return broker.ConnectionError{Message: "connection already closed"}
	}
	c.writeLock.Lock()
	defer c.writeLock.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		atomic.StoreInt32(&c.open, 0)
		log.WithError(err).WithFields(c.LogTags).Error("Unable to set write deadline")
		return err
	}
	if err := c.conn.WriteJSON(msg); err != nil {
		// One failed or timed-out write poisons the websocket
		atomic.StoreInt32(&c.open, 0)
		log.WithError(err).WithFields(c.LogTags).Error("Client write failed")
		return err
	}
	return nil
}

func (c *wsClientConnection) markClosed() {
	atomic.StoreInt32(&c.open, 0)
}

// ========================================================================================

// ClientWSFrame inbound client control frame
type ClientWSFrame struct {
	// Action is the requested operation
	Action string `json:"action" validate:"required,oneof=subscribe unsubscribe"`
	// ID is the subscription ID the action applies to
	ID string `json:"id" validate:"required"`
	// Query is the subscription predicate, required for subscribe
	Query string `json:"query,omitempty"`
	// Variables are the attribute bindings for the subscription
	Variables map[string]interface{} `json:"variables,omitempty"`
	// UserID identifies the subscribing user
	UserID string `json:"user_id,omitempty"`
	// Role is the subscribing user's role
	Role string `json:"role,omitempty"`
}

// wsErrorDetail payload of an error frame
type wsErrorDetail struct {
	Message string `json:"message"`
}

// wsErrorFrame host-level error frame for a rejected control frame
type wsErrorFrame struct {
	Type    string        `json:"type"`
	ID      string        `json:"id,omitempty"`
	Payload wsErrorDetail `json:"payload"`
}

func getWSErrorFrame(id string, err error) wsErrorFrame {
	return wsErrorFrame{
		Type: "error", ID: id, Payload: wsErrorDetail{Message: err.Error()},
	}
}

// ========================================================================================

// APIRestClientWSHandler handler for the client websocket channel
type APIRestClientWSHandler struct {
	APIRestHandler
	core              broker.SubscriptionBroker
	validate          *validator.Validate
	upgrader          websocket.Upgrader
	connectionTimeout time.Duration
	baseContext       context.Context
}

// GetAPIRestClientWSHandler define APIRestClientWSHandler
func GetAPIRestClientWSHandler(
	baseContext context.Context,
	core broker.SubscriptionBroker,
	httpConfig *common.HTTPConfig,
	brokerConfig common.BrokerConfig,
) (APIRestClientWSHandler, error) {
	logTags := log.Fields{
		"module":    "apis",
		"component": "client-ws",
	}
	return APIRestClientWSHandler{
		APIRestHandler: APIRestHandler{
			Component:       common.Component{LogTags: logTags},
			requestIDHeader: httpConfig.Logging.RequestIDHeader,
		},
		core:     core,
		validate: validator.New(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		connectionTimeout: time.Millisecond * time.Duration(brokerConfig.ConnectionTimeout),
		baseContext:       baseContext,
	}, nil
}

// ClientChannel upgrade a client to websocket and run its control loop.
//
// The websocket doubles as the subscription's delivery channel; the broker
// sends ack, data, and complete messages through the same connection handle.
// Read failure or close tears down every subscription on the connection.
func (h APIRestClientWSHandler) ClientChannel(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.getLogTagsForContext(r.Context())

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Websocket upgrade failed")
		return
	}

	clientConn := defineWSClientConnection(conn)
	log.WithFields(localLogTags).Infof("Client connection %s established", clientConn.ID())
	defer func() {
		clientConn.markClosed()
		if err := conn.Close(); err != nil {
			log.WithError(err).WithFields(localLogTags).Debug("Websocket close failed")
		}
		if err := h.core.HandleDisconnection(clientConn, h.baseContext); err != nil {
			log.WithError(err).WithFields(localLogTags).Errorf(
				"Teardown of connection %s failed", clientConn.ID(),
			)
		}
		log.WithFields(localLogTags).Infof("Client connection %s closed", clientConn.ID())
	}()

	for {
		if h.connectionTimeout > 0 {
			if err := conn.SetReadDeadline(time.Now().Add(h.connectionTimeout)); err != nil {
				log.WithError(err).WithFields(localLogTags).Error("Unable to set read deadline")
				return
			}
		}
		var frame ClientWSFrame
		if err := conn.ReadJSON(&frame); err != nil {
			log.WithError(err).WithFields(localLogTags).Infof(
				"Client connection %s read ended", clientConn.ID(),
			)
			return
		}
		if err := h.validate.Struct(&frame); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Invalid client frame")
			if err := clientConn.Send(getWSErrorFrame(frame.ID, err)); err != nil {
				return
			}
			continue
		}

		switch frame.Action {
		case "subscribe":
			request := broker.SubscribeRequest{
				ID:         frame.ID,
				Query:      frame.Query,
				Variables:  frame.Variables,
				Connection: clientConn,
			}
			if frame.UserID != "" || frame.Role != "" {
				request.Auth = &broker.AuthContext{UserID: frame.UserID, Role: frame.Role}
			}
			if _, err := h.core.Subscribe(request, h.baseContext); err != nil {
				log.WithError(err).WithFields(localLogTags).Errorf(
					"Subscribe %s rejected", frame.ID,
				)
				if err := clientConn.Send(getWSErrorFrame(frame.ID, err)); err != nil {
					return
				}
			}

		case "unsubscribe":
			if _, err := h.core.Unsubscribe(frame.ID, h.baseContext); err != nil {
				log.WithError(err).WithFields(localLogTags).Errorf(
					"Unsubscribe %s failed", frame.ID,
				)
				if err := clientConn.Send(getWSErrorFrame(frame.ID, err)); err != nil {
					return
				}
			}
		}
	}
}

// ClientChannelHandler Wrapper around ClientChannel
func (h APIRestClientWSHandler) ClientChannelHandler() http.HandlerFunc {
	return h.attachRequestID(func(w http.ResponseWriter, r *http.Request) {
		h.ClientChannel(w, r)
	})
}

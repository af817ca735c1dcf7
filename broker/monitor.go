package broker

import (
	"context"
	"sync"
	"time"

	"github.com/alwitt/campusmq/common"
	"github.com/apex/log"
)

// LivenessMonitor runs the periodic heartbeat and dead-connection reaper.
//
// Heartbeat sends a keep-alive acknowledgment to every open registered connection
// without touching subscription state. The reaper tears down subscriptions whose
// connection has died, cascading through the subscription store.
type LivenessMonitor interface {
	Start(wg *sync.WaitGroup) error
	Stop() error
	Heartbeat(ctxt context.Context) error
	Reap(ctxt context.Context) error
}

// livenessMonitorImpl implements LivenessMonitor
type livenessMonitorImpl struct {
	common.Component
	store             SubscriptionStore
	metrics           MetricsCollector
	heartbeatInterval time.Duration
	reapInterval      time.Duration
	heartbeatTimer    common.IntervalTimer
	reapTimer         common.IntervalTimer
	operationContext  context.Context
	contextCancel     context.CancelFunc
}

// DefineLivenessMonitor create new liveness monitor
func DefineLivenessMonitor(
	store SubscriptionStore,
	metrics MetricsCollector,
	heartbeatInterval time.Duration,
	reapInterval time.Duration,
	rootCtxt context.Context,
) (LivenessMonitor, error) {
	logTags := log.Fields{
		"module": "broker", "component": "liveness-monitor",
	}
	ctxt, cancel := context.WithCancel(rootCtxt)
	return &livenessMonitorImpl{
		Component:         common.Component{LogTags: logTags},
		store:             store,
		metrics:           metrics,
		heartbeatInterval: heartbeatInterval,
		reapInterval:      reapInterval,
		operationContext:  ctxt,
		contextCancel:     cancel,
	}, nil
}

// Start begin the heartbeat and reaper timers
func (m *livenessMonitorImpl) Start(wg *sync.WaitGroup) error {
	heartbeatTimer, err := common.GetIntervalTimerInstance(
		"liveness-heartbeat", m.operationContext, wg,
	)
	if err != nil {
		log.WithError(err).WithFields(m.LogTags).Error("Unable to define heartbeat timer")
		return err
	}
	m.heartbeatTimer = heartbeatTimer
	reapTimer, err := common.GetIntervalTimerInstance("liveness-reaper", m.operationContext, wg)
	if err != nil {
		log.WithError(err).WithFields(m.LogTags).Error("Unable to define reaper timer")
		return err
	}
	m.reapTimer = reapTimer

	if err := m.heartbeatTimer.Start(m.heartbeatInterval, func() error {
		return m.Heartbeat(m.operationContext)
	}, false); err != nil {
		log.WithError(err).WithFields(m.LogTags).Error("Failed to start heartbeat timer")
		return err
	}
	if err := m.reapTimer.Start(m.reapInterval, func() error {
		return m.Reap(m.operationContext)
	}, false); err != nil {
		log.WithError(err).WithFields(m.LogTags).Error("Failed to start reaper timer")
		return err
	}
	return nil
}

// Stop halt both timers
func (m *livenessMonitorImpl) Stop() error {
	if m.heartbeatTimer != nil {
		_ = m.heartbeatTimer.Stop()
	}
	if m.reapTimer != nil {
		_ = m.reapTimer.Stop()
	}
	m.contextCancel()
	return nil
}

// Heartbeat send a keep-alive acknowledgment to every open registered connection
func (m *livenessMonitorImpl) Heartbeat(ctxt context.Context) error {
	connections, err := m.store.ListConnections(ctxt)
	if err != nil {
		log.WithError(err).WithFields(m.LogTags).Error("Unable to read registered connections")
		return err
	}
	for _, connection := range connections {
		if !connection.IsOpen() {
			continue
		}
		if err := connection.Send(ServerMessage{Type: MsgTypeConnectionACK}); err != nil {
			log.WithError(err).WithFields(m.LogTags).Errorf(
				"Heartbeat to connection %s failed", connection.ID(),
			)
			m.metrics.RecordError()
		}
	}
	log.WithFields(m.LogTags).Debugf("Heartbeat sent to %d connections", len(connections))
	return nil
}

// Reap tear down subscriptions whose connection is no longer open
func (m *livenessMonitorImpl) Reap(ctxt context.Context) error {
	connections, err := m.store.ListConnections(ctxt)
	if err != nil {
		log.WithError(err).WithFields(m.LogTags).Error("Unable to read registered connections")
		return err
	}
	reaped := 0
	for _, connection := range connections {
		if connection.IsOpen() {
			continue
		}
		if err := m.store.HandleDisconnection(connection, ctxt); err != nil {
			log.WithError(err).WithFields(m.LogTags).Errorf(
				"Failed to reap dead connection %s", connection.ID(),
			)
			m.metrics.RecordError()
			continue
		}
		reaped++
	}
	if reaped > 0 {
		log.WithFields(m.LogTags).Infof("Reaped %d dead connections", reaped)
	}
	return nil
}

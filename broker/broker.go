package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/campusmq/common"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
)

// SubscriptionBroker single-process in-memory subscription/event broker.
//
// An explicitly constructed service instance owning its own table, registry, and
// dispatch queue state. The host supplies one ConnectionHandle per client and
// calls HandleDisconnection when a transport closes.
type SubscriptionBroker interface {
	Subscribe(request SubscribeRequest, ctxt context.Context) (Subscription, error)
	Unsubscribe(id string, ctxt context.Context) (bool, error)
	Publish(event Event, ctxt context.Context) error
	PublishBatch(events []Event, ctxt context.Context) error
	HandleDisconnection(connection ConnectionHandle, ctxt context.Context) error
	ListActiveSubscriptions(ctxt context.Context) ([]Subscription, error)
	GetMetrics(ctxt context.Context) (MetricsSnapshot, error)
	Start(wg *sync.WaitGroup) error
	Stop() error
}

// subscriptionBrokerImpl implements SubscriptionBroker
type subscriptionBrokerImpl struct {
	common.Component
	config           common.BrokerConfig
	tp               common.TaskProcessor
	requestValidator RequestValidator
	store            SubscriptionStore
	queue            DispatchQueue
	monitor          LivenessMonitor
	metrics          MetricsCollector
	metricsTimer     common.IntervalTimer
	lock             *sync.Mutex
	started          bool
	operationContext context.Context
	contextCancel    context.CancelFunc
}

// GetSubscriptionBroker assemble a new subscription broker from its components
func GetSubscriptionBroker(
	config common.BrokerConfig, rootCtxt context.Context,
) (SubscriptionBroker, error) {
	logTags := log.Fields{
		"module": "broker", "component": "subscription-broker",
	}

	validate := validator.New()
	if err := validate.Struct(&config); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid broker config")
		return nil, err
	}

	ctxt, cancel := context.WithCancel(rootCtxt)

	// Define components
	tp, err := common.GetNewTaskProcessorInstance("subscription-store", config.QueueBuffer, ctxt)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define task processor")
		cancel()
		return nil, err
	}
	metrics, err := DefineMetricsCollector(config.MaxMemoryUsage)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define metrics collector")
		cancel()
		return nil, err
	}
	store, err := DefineSubscriptionStore(tp, config.MaxSubscriptionsPerConnection, metrics)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define subscription store")
		cancel()
		return nil, err
	}
	requestValidator, err := DefineRequestValidator(config.PrivilegedEventTypes)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define request validator")
		cancel()
		return nil, err
	}
	queue, err := DefineDispatchQueue(
		store,
		metrics,
		config.MaxEventBatchSize,
		time.Millisecond*time.Duration(config.EventBatchTimeout),
		config.QueueBuffer,
		ctxt,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define dispatch queue")
		cancel()
		return nil, err
	}
	monitor, err := DefineLivenessMonitor(
		store,
		metrics,
		time.Millisecond*time.Duration(config.HeartbeatInterval),
		time.Millisecond*time.Duration(config.ReapInterval),
		ctxt,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define liveness monitor")
		cancel()
		return nil, err
	}

	return &subscriptionBrokerImpl{
		Component:        common.Component{LogTags: logTags},
		config:           config,
		tp:               tp,
		requestValidator: requestValidator,
		store:            store,
		queue:            queue,
		monitor:          monitor,
		metrics:          metrics,
		lock:             &sync.Mutex{},
		started:          false,
		operationContext: ctxt,
		contextCancel:    cancel,
	}, nil
}

// Start begin broker operation
func (b *subscriptionBrokerImpl) Start(wg *sync.WaitGroup) error {
	b.lock.Lock()
	defer b.lock.Unlock()
	if b.started {
		return fmt.Errorf("already started")
	}

	if err := b.tp.StartEventLoop(wg); err != nil {
		log.WithError(err).WithFields(b.LogTags).Error("Failed to start store event loop")
		return err
	}
	if err := b.queue.Start(wg); err != nil {
		log.WithError(err).WithFields(b.LogTags).Error("Failed to start dispatch queue")
		return err
	}
	if err := b.monitor.Start(wg); err != nil {
		log.WithError(err).WithFields(b.LogTags).Error("Failed to start liveness monitor")
		return err
	}

	// Periodic memory sample refresh, sharing the reaper's cadence
	metricsTimer, err := common.GetIntervalTimerInstance(
		"metrics-sample", b.operationContext, wg,
	)
	if err != nil {
		log.WithError(err).WithFields(b.LogTags).Error("Unable to define metrics timer")
		return err
	}
	b.metricsTimer = metricsTimer
	if err := b.metricsTimer.Start(
		time.Millisecond*time.Duration(b.config.ReapInterval), func() error {
			b.metrics.SampleMemory()
			return nil
		}, false,
	); err != nil {
		log.WithError(err).WithFields(b.LogTags).Error("Failed to start metrics timer")
		return err
	}

	b.started = true
	log.WithFields(b.LogTags).Info("Subscription broker started")
	return nil
}

// Stop halt broker operation
func (b *subscriptionBrokerImpl) Stop() error {
	b.lock.Lock()
	defer b.lock.Unlock()
	if !b.started {
		return nil
	}
	if b.metricsTimer != nil {
		_ = b.metricsTimer.Stop()
	}
	_ = b.monitor.Stop()
	_ = b.queue.Stop()
	_ = b.tp.StopEventLoop()
	b.contextCancel()
	b.started = false
	log.WithFields(b.LogTags).Info("Subscription broker stopped")
	return nil
}

// Subscribe establish a new subscription after validation and authorization.
//
// Failures abort the call entirely, leaving no partial subscription behind.
func (b *subscriptionBrokerImpl) Subscribe(
	request SubscribeRequest, ctxt context.Context,
) (Subscription, error) {
	if err := b.requestValidator.ValidateRequest(request); err != nil {
		b.metrics.RecordError()
		return Subscription{}, err
	}
	if err := b.requestValidator.AuthorizeRequest(request); err != nil {
		b.metrics.RecordError()
		return Subscription{}, err
	}
	return b.store.Subscribe(request, ctxt)
}

// Unsubscribe remove a subscription. Unknown IDs return false without error.
func (b *subscriptionBrokerImpl) Unsubscribe(id string, ctxt context.Context) (bool, error) {
	return b.store.Unsubscribe(id, ctxt)
}

// Publish append one event for dispatch. Best-effort from the caller's viewpoint.
func (b *subscriptionBrokerImpl) Publish(event Event, ctxt context.Context) error {
	return b.queue.Publish(event, ctxt)
}

// PublishBatch append many events then force an immediate flush
func (b *subscriptionBrokerImpl) PublishBatch(events []Event, ctxt context.Context) error {
	return b.queue.PublishBatch(events, ctxt)
}

// HandleDisconnection tear down every subscription owned by a connection
func (b *subscriptionBrokerImpl) HandleDisconnection(
	connection ConnectionHandle, ctxt context.Context,
) error {
	return b.store.HandleDisconnection(connection, ctxt)
}

// ListActiveSubscriptions return all currently active subscriptions
func (b *subscriptionBrokerImpl) ListActiveSubscriptions(
	ctxt context.Context,
) ([]Subscription, error) {
	return b.store.ListActive(ctxt)
}

// GetMetrics return a metrics snapshot with derived values recomputed
func (b *subscriptionBrokerImpl) GetMetrics(ctxt context.Context) (MetricsSnapshot, error) {
	active, err := b.store.ListActive(ctxt)
	if err != nil {
		return MetricsSnapshot{}, err
	}
	connections, err := b.store.ListConnections(ctxt)
	if err != nil {
		return MetricsSnapshot{}, err
	}
	return b.metrics.Snapshot(len(active), len(connections)), nil
}

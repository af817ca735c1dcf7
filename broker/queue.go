package broker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alwitt/campusmq/common"
	"github.com/apex/log"
)

// DispatchQueue buffers published events and delivers them in bounded batches.
//
// Events are flushed in publish order, either when the buffered count reaches the
// batch size or on the flush timer tick, whichever comes first. A flush is
// single-flight: a second flush request arriving mid-flush is coalesced into the
// next cycle instead of running concurrently.
type DispatchQueue interface {
	Publish(event Event, ctxt context.Context) error
	PublishBatch(events []Event, ctxt context.Context) error
	Flush(ctxt context.Context) error
	Start(wg *sync.WaitGroup) error
	Stop() error
}

// dispatchQueueImpl implements DispatchQueue
type dispatchQueueImpl struct {
	common.Component
	buffer           chan Event
	flushSignal      chan bool
	flushActive      int32
	maxBatchSize     int
	flushInterval    time.Duration
	store            SubscriptionStore
	metrics          MetricsCollector
	timer            common.IntervalTimer
	operationContext context.Context
	contextCancel    context.CancelFunc
}

// DefineDispatchQueue create new dispatch queue
func DefineDispatchQueue(
	store SubscriptionStore,
	metrics MetricsCollector,
	maxBatchSize int,
	flushInterval time.Duration,
	queueBuffer int,
	rootCtxt context.Context,
) (DispatchQueue, error) {
	logTags := log.Fields{
		"module": "broker", "component": "dispatch-queue",
	}
	ctxt, cancel := context.WithCancel(rootCtxt)
	return &dispatchQueueImpl{
		Component:        common.Component{LogTags: logTags},
		buffer:           make(chan Event, queueBuffer),
		flushSignal:      make(chan bool, 1),
		flushActive:      0,
		maxBatchSize:     maxBatchSize,
		flushInterval:    flushInterval,
		store:            store,
		metrics:          metrics,
		operationContext: ctxt,
		contextCancel:    cancel,
	}, nil
}

// Start begin the flush timer and the capacity flush worker
func (q *dispatchQueueImpl) Start(wg *sync.WaitGroup) error {
	timer, err := common.GetIntervalTimerInstance("dispatch-flush", q.operationContext, wg)
	if err != nil {
		log.WithError(err).WithFields(q.LogTags).Error("Unable to define flush timer")
		return err
	}
	q.timer = timer
	if err := q.timer.Start(q.flushInterval, func() error {
		return q.Flush(q.operationContext)
	}, false); err != nil {
		log.WithError(err).WithFields(q.LogTags).Error("Failed to start flush timer")
		return err
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer log.WithFields(q.LogTags).Info("Capacity flush worker exiting")
		for {
			select {
			case <-q.operationContext.Done():
				return
			case <-q.flushSignal:
				if err := q.Flush(q.operationContext); err != nil {
					log.WithError(err).WithFields(q.LogTags).Error("Capacity flush failed")
				}
			}
		}
	}()
	return nil
}

// Stop halt the flush timer and worker
func (q *dispatchQueueImpl) Stop() error {
	if q.timer != nil {
		_ = q.timer.Stop()
	}
	q.contextCancel()
	return nil
}

// requestFlush nudge the capacity flush worker without blocking
func (q *dispatchQueueImpl) requestFlush() {
	select {
	case q.flushSignal <- true:
	default:
	}
}

// enqueue append one event without blocking. A full buffer requests a flush and
// retries once before dropping the event.
func (q *dispatchQueueImpl) enqueue(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	event.receivedAt = time.Now().UTC()
	select {
	case q.buffer <- event:
		q.metrics.RecordEventsPublished(1)
		if len(q.buffer) >= q.maxBatchSize {
			q.requestFlush()
		}
	default:
		// Buffer full: force a flush and retry once before dropping
		q.requestFlush()
		select {
		case q.buffer <- event:
			q.metrics.RecordEventsPublished(1)
		default:
			log.WithFields(q.LogTags).Errorf(
				"Dispatch queue full, dropping event %s", event.String(),
			)
			q.metrics.RecordError()
		}
	}
}

// Publish append one event to the queue. Fire-and-forget: delivery failures are
// counted and logged, never surfaced to the caller.
func (q *dispatchQueueImpl) Publish(event Event, ctxt context.Context) error {
	q.enqueue(event)
	return nil
}

// PublishBatch append many events then force an immediate flush instead of waiting
// for the timer
func (q *dispatchQueueImpl) PublishBatch(events []Event, ctxt context.Context) error {
	for _, event := range events {
		q.enqueue(event)
	}
	return q.Flush(ctxt)
}

// Flush run one batched delivery pass.
//
// Pops up to the batch size, matches each event against every active subscription
// with an open connection, and attempts delivery. A send failure on one connection
// is counted and does not abort delivery to the remaining matches.
func (q *dispatchQueueImpl) Flush(ctxt context.Context) error {
	if !atomic.CompareAndSwapInt32(&q.flushActive, 0, 1) {
		log.WithFields(q.LogTags).Debug("Flush already in progress, coalescing")
		return nil
	}
	defer atomic.StoreInt32(&q.flushActive, 0)

	// Pop up to one batch
	batch := make([]Event, 0, q.maxBatchSize)
	{
		readAll := false
		for !readAll && len(batch) < q.maxBatchSize {
			select {
			case event := <-q.buffer:
				batch = append(batch, event)
			default:
				readAll = true
			}
		}
	}
	if len(batch) == 0 {
		return nil
	}

	active, err := q.store.ListActive(ctxt)
	if err != nil {
		log.WithError(err).WithFields(q.LogTags).Error("Unable to read active subscriptions")
		q.metrics.RecordError()
		return err
	}

	touched := make([]string, 0, len(active))
	for _, event := range batch {
		for idx := range active {
			subscription := &active[idx]
			if !Matches(subscription, event) {
				continue
			}
			if !subscription.Connection.IsOpen() {
				continue
			}
			message := ServerMessage{
				Type: MsgTypeData,
				ID:   subscription.ID,
				Payload: &DataPayload{
					Data: map[string]interface{}{event.Type: event.Data},
				},
			}
			if err := subscription.Connection.Send(message); err != nil {
				log.WithError(err).WithFields(q.LogTags).Errorf(
					"Failed to deliver event %s to subscription %s",
					event.String(), subscription.ID,
				)
				q.metrics.RecordError()
				continue
			}
			q.metrics.RecordEventDelivered()
			touched = append(touched, subscription.ID)
		}
		q.metrics.RecordDispatchLatency(time.Since(event.receivedAt))
	}

	if len(touched) > 0 {
		if err := q.store.TouchDelivered(touched, time.Now().UTC(), ctxt); err != nil {
			log.WithError(err).WithFields(q.LogTags).Error("Unable to touch delivered subscriptions")
			q.metrics.RecordError()
		}
	}

	// More left than one batch covers, keep the worker going
	if len(q.buffer) > 0 {
		q.requestFlush()
	}

	log.WithFields(q.LogTags).Debugf(
		"Flushed %d events to %d subscription deliveries", len(batch), len(touched),
	)
	return nil
}

package service

import (
	"context"
	"sync"
	"time"

	"escrow-service/internal/models"
	"escrow-service/internal/resilience"
	"escrow-service/internal/util"

	"go.uber.org/zap"
)

// Publisher delivers notification events to the notification collaborator
type Publisher interface {
	Publish(ctx context.Context, event *models.NotificationEvent) error
}

const notifyTimeout = 30 * time.Second

// Notifier sends notification events off the request path. Delivery runs
// through the notification breaker and retry policy; events that still fail
// go to the failed-operation queue.
type Notifier struct {
	publisher Publisher
	breaker   *resilience.CircuitBreaker
	retry     *resilience.RetryExecutor
	queue     *resilience.FailedOperationQueue
	logger    *zap.Logger

	wg sync.WaitGroup
}

// NewNotifier creates a notifier
func NewNotifier(publisher Publisher, breakers *resilience.Registry, policy resilience.RetryPolicy, queue *resilience.FailedOperationQueue) *Notifier {
	return &Notifier{
		publisher: publisher,
		breaker:   breakers.Get(resilience.BreakerNotification),
		retry:     resilience.NewRetryExecutor("notification.publish", policy),
		queue:     queue,
		logger:    util.GetLogger(),
	}
}

// Notify delivers events in the background. It never blocks on the
// collaborator and never reports failure to the caller.
func (n *Notifier) Notify(ctx context.Context, events ...*models.NotificationEvent) {
	if len(events) == 0 {
		return
	}
	ctx = context.WithoutCancel(ctx)

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		for _, event := range events {
			n.deliver(ctx, event)
		}
	}()
}

// Wait blocks until background deliveries started so far have finished
func (n *Notifier) Wait() {
	n.wg.Wait()
}

func (n *Notifier) deliver(ctx context.Context, event *models.NotificationEvent) {
	ctx, cancel := context.WithTimeout(ctx, notifyTimeout)
	defer cancel()

	err := n.breaker.Execute(ctx, func(ctx context.Context) error {
		return n.retry.Do(ctx, func(ctx context.Context) error {
			return n.publisher.Publish(ctx, event)
		})
	})
	if err == nil {
		util.NotificationsTotal.WithLabelValues(event.EventType, "sent").Inc()
		return
	}

	util.NotificationsTotal.WithLabelValues(event.EventType, "queued").Inc()
	n.logger.Warn("Notification delivery failed - queued for retry",
		zap.String("event_type", event.EventType),
		zap.String("event_id", event.EventID),
		zap.String("request_id", event.RequestID),
		zap.Error(err))

	n.queue.Enqueue(resilience.QueueNotifications, resilience.Operation{
		Name: "notify:" + event.EventType,
		Run: func(ctx context.Context) error {
			return n.breaker.Execute(ctx, func(ctx context.Context) error {
				return n.publisher.Publish(ctx, event)
			})
		},
	}, map[string]string{
		"event_id":   event.EventID,
		"event_type": event.EventType,
		"request_id": event.RequestID,
	})
}

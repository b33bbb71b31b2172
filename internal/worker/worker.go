package worker

import (
	"context"
	"net/http"

	"escrow-service/internal/apperrors"
	"escrow-service/internal/broker"
	"escrow-service/internal/resilience"
	"escrow-service/internal/service"
	"escrow-service/internal/util"

	"go.uber.org/zap"
)

// WebhookHandler applies one gateway webhook
type WebhookHandler func(ctx context.Context, body []byte, signature string) (*service.WebhookResult, error)

// WebhookWorker consumes gateway webhooks relayed over Kafka and funnels
// them through the same idempotent handler as the HTTP endpoint
type WebhookWorker struct {
	consumer *broker.Consumer
	handler  broker.MessageHandler
	logger   *zap.Logger
}

// NewWebhookWorker creates a new webhook worker. Webhooks that fail with a
// server-side error are parked on queue, since the consumer commits every
// message it has handled.
func NewWebhookWorker(consumer *broker.Consumer, handle WebhookHandler, queue *resilience.FailedOperationQueue) *WebhookWorker {
	logger := util.GetLogger()
	return &WebhookWorker{
		consumer: consumer,
		handler:  broker.NewWebhookRelayHandler(relay(handle, queue, logger)),
		logger:   logger,
	}
}

// Start starts the worker
func (w *WebhookWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting webhook worker")
	return w.consumer.StartConsuming(ctx, w.handler)
}

// Stop stops the worker
func (w *WebhookWorker) Stop() error {
	w.logger.Info("Stopping webhook worker")
	return w.consumer.Close()
}

func relay(handle WebhookHandler, queue *resilience.FailedOperationQueue, logger *zap.Logger) broker.WebhookFunc {
	return func(ctx context.Context, body []byte, signature string) error {
		res, err := handle(ctx, body, signature)
		if err != nil {
			// Client errors would fail the same way again.
			if queue == nil || apperrors.HTTPStatus(err) < http.StatusInternalServerError {
				return err
			}
			logger.Warn("Relayed webhook failed, queued for retry", zap.Error(err))
			body := append([]byte(nil), body...)
			queue.Enqueue(resilience.QueueWebhooks, resilience.Operation{
				Name: "webhook",
				Run: func(ctx context.Context) error {
					_, err := handle(ctx, body, signature)
					return err
				},
			}, map[string]string{"error": err.Error()})
			return nil
		}
		logger.Info("Relayed webhook processed",
			zap.String("event", res.Event),
			zap.String("action", res.Action),
			zap.String("payment_id", res.PaymentID))
		return nil
	}
}

package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"escrow-service/internal/models"
	"escrow-service/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// EventWriter is the producer side the publisher needs
type EventWriter interface {
	PublishEvent(ctx context.Context, key string, event interface{}) error
}

// EventPublisher hands notification events to the notification
// collaborator through Kafka
type EventPublisher struct {
	producer EventWriter
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer EventWriter) *EventPublisher {
	return &EventPublisher{producer: producer}
}

// Publish publishes a notification event keyed by request so events for one
// request stay ordered
func (ep *EventPublisher) Publish(ctx context.Context, event *models.NotificationEvent) error {
	key := fmt.Sprintf("request-%s", event.RequestID)
	return ep.producer.PublishEvent(ctx, key, event)
}

// LogPublisher only logs events. Used when no brokers are configured.
type LogPublisher struct {
	logger *zap.Logger
}

// NewLogPublisher creates a log-only publisher
func NewLogPublisher() *LogPublisher {
	return &LogPublisher{logger: util.GetLogger()}
}

// Publish logs the event
func (lp *LogPublisher) Publish(ctx context.Context, event *models.NotificationEvent) error {
	lp.logger.Info("Notification event",
		zap.String("event_type", event.EventType),
		zap.String("event_id", event.EventID),
		zap.String("request_id", event.RequestID),
		zap.String("amount", event.Amount.StringFixed(2)))
	return nil
}

// WebhookFunc processes one relayed gateway webhook
type WebhookFunc func(ctx context.Context, body []byte, signature string) error

// NewWebhookRelayHandler decodes WebhookEnvelope messages and passes the
// original body and signature to fn
func NewWebhookRelayHandler(fn WebhookFunc) MessageHandler {
	return func(ctx context.Context, msg kafka.Message) error {
		var env models.WebhookEnvelope
		if err := json.Unmarshal(msg.Value, &env); err != nil {
			return fmt.Errorf("failed to unmarshal webhook envelope: %w", err)
		}
		if len(env.Body) == 0 {
			return fmt.Errorf("webhook envelope at offset %d has no body", msg.Offset)
		}
		return fn(ctx, env.Body, env.Signature)
	}
}

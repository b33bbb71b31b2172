package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Notification event types
const (
	EventTypePaymentRequired = "payment_required"
	EventTypeEscrowHeld      = "escrow_held"
	EventTypePaymentReleased = "payment_released"
	EventTypeDisputeRaised   = "dispute_raised"
	EventTypeDisputeResolved = "dispute_resolved"
)

// Gateway webhook event names
const (
	WebhookPaymentCaptured = "payment.captured"
	WebhookPaymentFailed   = "payment.failed"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// NotificationEvent is handed to the notification collaborator after a
// financial transition commits
type NotificationEvent struct {
	BaseEvent
	RequestID  string            `json:"request_id"`
	PaymentID  string            `json:"payment_id,omitempty"`
	DisputeID  string            `json:"dispute_id,omitempty"`
	ClientID   string            `json:"client_id"`
	ProviderID string            `json:"provider_id"`
	Amount     decimal.Decimal   `json:"amount"`
	Details    map[string]string `json:"details,omitempty"`
}

// NewNotificationEvent stamps a fresh event envelope
func NewNotificationEvent(eventType, requestID, clientID, providerID string, amount decimal.Decimal) *NotificationEvent {
	return &NotificationEvent{
		BaseEvent: BaseEvent{
			EventID:   uuid.New().String(),
			EventType: eventType,
			Timestamp: time.Now(),
		},
		RequestID:  requestID,
		ClientID:   clientID,
		ProviderID: providerID,
		Amount:     amount,
	}
}

// WebhookEnvelope is a gateway webhook relayed over Kafka with its original
// signature header
type WebhookEnvelope struct {
	Signature  string    `json:"signature"`
	Body       []byte    `json:"body"`
	ReceivedAt time.Time `json:"received_at"`
}

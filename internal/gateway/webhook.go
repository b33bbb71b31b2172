package gateway

import (
	"encoding/json"

	"escrow-service/internal/apperrors"
	"escrow-service/internal/models"
)

// SignatureHeader carries the webhook body signature
const SignatureHeader = "X-Razorpay-Signature"

// PaymentEntity is the payment object embedded in a webhook
type PaymentEntity struct {
	ID               string `json:"id"`
	OrderID          string `json:"order_id"`
	Status           string `json:"status"`
	Amount           int64  `json:"amount"`
	Currency         string `json:"currency"`
	ErrorCode        string `json:"error_code,omitempty"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// WebhookEvent is a decoded gateway webhook
type WebhookEvent struct {
	Event   string `json:"event"`
	Payload struct {
		Payment struct {
			Entity PaymentEntity `json:"entity"`
		} `json:"payment"`
	} `json:"payload"`
}

// Payment returns the embedded payment entity
func (e *WebhookEvent) Payment() PaymentEntity {
	return e.Payload.Payment.Entity
}

// Supported reports whether the engine acts on this event
func (e *WebhookEvent) Supported() bool {
	return e.Event == models.WebhookPaymentCaptured || e.Event == models.WebhookPaymentFailed
}

// ParseWebhook decodes a raw webhook body. Signature checks happen before
// this is called.
func ParseWebhook(body []byte) (*WebhookEvent, error) {
	var evt WebhookEvent
	if err := json.Unmarshal(body, &evt); err != nil {
		return nil, apperrors.Validation("body", "malformed webhook payload")
	}
	if evt.Event == "" {
		return nil, apperrors.Validation("event", "missing")
	}
	if !evt.Supported() {
		return &evt, nil
	}

	p := evt.Payment()
	if p.OrderID == "" {
		return nil, apperrors.Validation("payload.payment.entity.order_id", "missing")
	}
	if p.ID == "" {
		return nil, apperrors.Validation("payload.payment.entity.id", "missing")
	}
	return &evt, nil
}

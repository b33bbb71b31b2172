// Package gateway talks to the external payment gateway: order creation
// over its REST API and HMAC verification of checkout and webhook
// signatures.
package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"escrow-service/internal/apperrors"
	"escrow-service/internal/util"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

// ServiceName identifies the gateway in errors and metrics
const ServiceName = "payment-gateway"

const maxErrorBody = 4 << 10

// Config holds gateway credentials and transport settings
type Config struct {
	BaseURL       string
	KeyID         string
	KeySecret     string
	WebhookSecret string
	Currency      string
	Timeout       time.Duration
}

// Order is the gateway's view of a created order. Amount is in minor
// currency units.
type Order struct {
	ID       string `json:"id"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Receipt  string `json:"receipt"`
	Status   string `json:"status"`
}

// MajorAmount converts the order amount back to major units
func (o *Order) MajorAmount() decimal.Decimal {
	return decimal.New(o.Amount, -2)
}

type createOrderRequest struct {
	Amount   int64             `json:"amount"`
	Currency string            `json:"currency"`
	Receipt  string            `json:"receipt"`
	Notes    map[string]string `json:"notes,omitempty"`
}

type errorResponse struct {
	Error struct {
		Code        string `json:"code"`
		Description string `json:"description"`
	} `json:"error"`
}

// Client is the HTTP client for the gateway's orders API
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient creates a gateway client with a traced transport
func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Currency == "" {
		cfg.Currency = "INR"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: util.GetLogger(),
	}
}

// Currency returns the currency orders are created in
func (c *Client) Currency() string {
	return c.cfg.Currency
}

// CreateOrder creates a gateway order for amount (major units). referenceID
// is sent as the order receipt.
func (c *Client) CreateOrder(ctx context.Context, amount decimal.Decimal, referenceID string) (*Order, error) {
	ctx, span := util.StartSpan(ctx, "Gateway.CreateOrder")
	defer span.End()

	start := time.Now()
	defer func() {
		util.GatewayRequestLatency.WithLabelValues("create_order").Observe(time.Since(start).Seconds())
	}()

	if !amount.IsPositive() {
		return nil, apperrors.Validation("amount", "must be positive")
	}

	body, err := json.Marshal(createOrderRequest{
		Amount:   ToMinorUnits(amount),
		Currency: c.cfg.Currency,
		Receipt:  referenceID,
		Notes:    map[string]string{"request_id": referenceID},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode order request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/v1/orders", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build order request: %w", err)
	}
	req.SetBasicAuth(c.cfg.KeyID, c.cfg.KeySecret)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &apperrors.ExternalAPIError{
			Service:   ServiceName,
			Message:   "create order request failed",
			Retryable: apperrors.IsTransientNetwork(err),
			Err:       err,
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, c.responseError(resp)
	}

	var order Order
	if err := json.NewDecoder(resp.Body).Decode(&order); err != nil {
		return nil, &apperrors.ExternalAPIError{
			Service:    ServiceName,
			StatusCode: resp.StatusCode,
			Message:    "malformed order response",
			Err:        err,
		}
	}

	c.logger.Debug("Gateway order created",
		zap.String("order_id", order.ID),
		zap.String("receipt", referenceID),
		zap.Int64("amount_minor", order.Amount))

	return &order, nil
}

func (c *Client) responseError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	msg := http.StatusText(resp.StatusCode)
	var er errorResponse
	if json.Unmarshal(raw, &er) == nil && er.Error.Description != "" {
		msg = er.Error.Description
	}

	c.logger.Warn("Gateway returned an error",
		zap.Int("status", resp.StatusCode),
		zap.String("message", msg))

	return &apperrors.ExternalAPIError{
		Service:    ServiceName,
		StatusCode: resp.StatusCode,
		Message:    msg,
		Retryable:  apperrors.RetryableStatusCodes[resp.StatusCode],
	}
}

// VerifySignature checks the checkout signature the client received for
// orderID and paymentID
func (c *Client) VerifySignature(orderID, paymentID, signature string) bool {
	if orderID == "" || paymentID == "" || signature == "" {
		return false
	}
	return equalHex(SignPayment(c.cfg.KeySecret, orderID, paymentID), signature)
}

// VerifyWebhookSignature checks the signature header sent with a webhook
// against the raw request body
func (c *Client) VerifyWebhookSignature(body []byte, signature string) bool {
	if len(body) == 0 || signature == "" {
		return false
	}
	return equalHex(SignWebhook(c.cfg.WebhookSecret, body), signature)
}

// SignPayment computes the checkout signature for an order and payment
func SignPayment(secret, orderID, paymentID string) string {
	return sign([]byte(orderID+"|"+paymentID), secret)
}

// SignWebhook computes the webhook signature for a raw body
func SignWebhook(secret string, body []byte) string {
	return sign(body, secret)
}

func sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

func equalHex(expected, got string) bool {
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(got)))
}

// ToMinorUnits converts a major-unit amount to minor units, rounding half up
func ToMinorUnits(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}

package service

import (
	"context"

	"escrow-service/internal/gateway"
	"escrow-service/internal/resilience"
	"escrow-service/internal/util"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// PaymentGateway is the gateway collaborator
type PaymentGateway interface {
	CreateOrder(ctx context.Context, amount decimal.Decimal, referenceID string) (*gateway.Order, error)
	VerifySignature(orderID, paymentID, signature string) bool
	VerifyWebhookSignature(body []byte, signature string) bool
}

// GatewayService puts the payment gateway behind its circuit breaker and
// retry policy
type GatewayService struct {
	gw      PaymentGateway
	breaker *resilience.CircuitBreaker
	retry   *resilience.RetryExecutor
	logger  *zap.Logger
}

// NewGatewayService creates a gateway service using the registry's
// payment-gateway breaker
func NewGatewayService(gw PaymentGateway, breakers *resilience.Registry, policy resilience.RetryPolicy) *GatewayService {
	return &GatewayService{
		gw:      gw,
		breaker: breakers.Get(resilience.BreakerPaymentGateway),
		retry:   resilience.NewRetryExecutor("gateway.create_order", policy),
		logger:  util.GetLogger(),
	}
}

// CreateOrder creates a gateway order. An order without an id counts as a
// failed attempt. While the breaker is open this fails fast with
// apperrors.CircuitOpenError.
func (gs *GatewayService) CreateOrder(ctx context.Context, amount decimal.Decimal, referenceID string) (*gateway.Order, error) {
	ctx, span := util.StartSpan(ctx, "GatewayService.CreateOrder")
	defer span.End()

	order, err := resilience.Call(ctx, gs.breaker, func(ctx context.Context) (*gateway.Order, error) {
		return resilience.RetryValidated(ctx, gs.retry, func(ctx context.Context) (*gateway.Order, error) {
			return gs.gw.CreateOrder(ctx, amount, referenceID)
		}, func(o *gateway.Order) bool {
			return o != nil && o.ID != ""
		})
	})
	if err != nil {
		gs.logger.Warn("Gateway order creation failed",
			zap.String("reference_id", referenceID),
			zap.String("breaker_state", gs.breaker.State().String()),
			zap.Error(err))
		return nil, util.SpanError(span, err)
	}
	return order, nil
}

// VerifySignature checks a checkout signature locally
func (gs *GatewayService) VerifySignature(orderID, paymentID, signature string) bool {
	return gs.gw.VerifySignature(orderID, paymentID, signature)
}

// VerifyWebhookSignature checks a webhook body signature locally
func (gs *GatewayService) VerifyWebhookSignature(body []byte, signature string) bool {
	return gs.gw.VerifyWebhookSignature(body, signature)
}

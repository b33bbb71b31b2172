package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"escrow-service/internal/apperrors"
	"escrow-service/internal/gateway"
	"escrow-service/internal/idempotency"
	"escrow-service/internal/models"
	"escrow-service/internal/resilience"
	"escrow-service/internal/store"
	"escrow-service/internal/util"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Actor recorded for sweep-initiated releases
const SystemActor = "system"

const autoReleaseLockKey = "escrow:auto-release"

var hundred = decimal.NewFromInt(100)

// Locker is a cross-instance mutual exclusion lock
type Locker interface {
	AcquireLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, key, token string) error
}

// EscrowConfig holds the escrow policy knobs. PartialRefundStatus is the
// terminal escrow status recorded for a partial refund, EscrowReleased or
// EscrowRefunded.
type EscrowConfig struct {
	GracePeriod         time.Duration
	PlatformFeePercent  decimal.Decimal
	PartialRefundStatus models.EscrowStatus
	AutoReleaseBatch    int
	AutoReleaseLockTTL  time.Duration
}

// DefaultEscrowConfig returns a 7 day grace period and a 10% platform fee
func DefaultEscrowConfig() EscrowConfig {
	return EscrowConfig{
		GracePeriod:         7 * 24 * time.Hour,
		PlatformFeePercent:  decimal.NewFromInt(10),
		PartialRefundStatus: models.EscrowReleased,
		AutoReleaseBatch:    100,
		AutoReleaseLockTTL:  5 * time.Minute,
	}
}

// Settlement is the money split applied when a dispute is resolved
type Settlement struct {
	RequestID          string               `json:"request_id"`
	PaymentID          string               `json:"payment_id"`
	Resolution         models.Resolution    `json:"resolution"`
	RefundPercentage   decimal.NullDecimal  `json:"refund_percentage"`
	ClientRefund       decimal.Decimal      `json:"client_refund"`
	ProviderAmount     decimal.Decimal      `json:"provider_amount"`
	EscrowStatus       models.EscrowStatus  `json:"escrow_status"`
	PaymentStatus      models.PaymentStatus `json:"payment_status"`
	ReleasedToProvider bool                 `json:"released_to_provider"`
}

// WebhookResult reports what a webhook delivery did
type WebhookResult struct {
	Event     string          `json:"event"`
	Action    string          `json:"action"`
	PaymentID string          `json:"payment_id,omitempty"`
	Payment   *models.Payment `json:"payment,omitempty"`
}

// Webhook actions
const (
	WebhookApplied = "applied"
	WebhookNoop    = "noop"
	WebhookIgnored = "ignored"
)

// AutoReleaseResult summarizes one auto-release sweep
type AutoReleaseResult struct {
	Scanned  int  `json:"scanned"`
	Released int  `json:"released"`
	Skipped  int  `json:"skipped"`
	Failed   int  `json:"failed"`
	LockHeld bool `json:"lock_held"`
}

// EscrowService is the escrow state machine. Every transition is a
// compare-and-swap inside one guarded transaction.
type EscrowService struct {
	store    store.Store
	guard    *idempotency.Guard
	gateway  *GatewayService
	saga     *resilience.SagaCoordinator
	notifier *Notifier
	locker   Locker
	cfg      EscrowConfig
	now      func() time.Time
	logger   *zap.Logger
}

// NewEscrowService creates a new escrow service
func NewEscrowService(
	st store.Store,
	guard *idempotency.Guard,
	gw *GatewayService,
	saga *resilience.SagaCoordinator,
	notifier *Notifier,
	cfg EscrowConfig,
) *EscrowService {
	def := DefaultEscrowConfig()
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = def.GracePeriod
	}
	if cfg.PlatformFeePercent.IsNegative() {
		cfg.PlatformFeePercent = def.PlatformFeePercent
	}
	if cfg.PartialRefundStatus != models.EscrowRefunded {
		cfg.PartialRefundStatus = models.EscrowReleased
	}
	if cfg.AutoReleaseBatch <= 0 {
		cfg.AutoReleaseBatch = def.AutoReleaseBatch
	}
	if cfg.AutoReleaseLockTTL <= 0 {
		cfg.AutoReleaseLockTTL = def.AutoReleaseLockTTL
	}

	return &EscrowService{
		store:    st,
		guard:    guard,
		gateway:  gw,
		saga:     saga,
		notifier: notifier,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
		logger:   util.GetLogger(),
	}
}

// UseLocker makes auto-release sweeps take a shared lock first
func (s *EscrowService) UseLocker(l Locker) {
	s.locker = l
}

// Config returns the effective configuration
func (s *EscrowService) Config() EscrowConfig {
	return s.cfg
}

// SplitFee returns the platform fee and the provider's share of amount
func SplitFee(amount, feePercent decimal.Decimal) (fee, provider decimal.Decimal) {
	fee = amount.Mul(feePercent).Div(hundred).Round(2)
	return fee, amount.Sub(fee)
}

// SplitRefund divides an escrowed amount for a partial refund. The client
// share is rounded half up to two decimals and the provider gets the rest.
func SplitRefund(amount, refundPercent decimal.Decimal) (clientRefund, provider decimal.Decimal) {
	clientRefund = amount.Mul(refundPercent).Div(hundred).Round(2)
	return clientRefund, amount.Sub(clientRefund)
}

// CreateOrder opens an escrow payment for a request. The request is marked
// PENDING_PAYMENT first and reverted if the gateway order cannot be created.
func (s *EscrowService) CreateOrder(ctx context.Context, requestID string, amount decimal.Decimal) (*models.Payment, error) {
	ctx, span := util.StartSpan(ctx, "EscrowService.CreateOrder")
	defer span.End()

	if requestID == "" {
		return nil, apperrors.Validation("request_id", "required")
	}
	if !amount.IsPositive() {
		return nil, apperrors.Validation("amount", "must be positive")
	}
	if !amount.Equal(amount.Round(2)) {
		return nil, apperrors.Validation("amount", "at most two decimal places")
	}

	var (
		req     *models.ServiceRequest
		order   *gateway.Order
		payment *models.Payment
	)

	steps := []resilience.SagaStep{
		{
			Name: "mark-pending-payment",
			Action: func(ctx context.Context) error {
				_, err := s.guard.Execute(ctx, "", func(ctx context.Context, tx store.Tx) error {
					r, err := s.markPendingPayment(ctx, tx, requestID)
					req = r
					return err
				})
				return err
			},
			Compensate: func(ctx context.Context) error {
				_, err := s.guard.Execute(ctx, "", func(ctx context.Context, tx store.Tx) error {
					ok, err := tx.TransitionRequestEscrow(ctx, requestID, store.EscrowUpdate{
						From: []models.EscrowStatus{models.EscrowPendingPayment},
						To:   models.EscrowNotRequired,
					})
					if err != nil {
						return err
					}
					if !ok {
						return apperrors.StaleState("request %s left PENDING_PAYMENT before rollback", requestID)
					}
					return nil
				})
				return err
			},
		},
		{
			Name: "create-gateway-order",
			Action: func(ctx context.Context) error {
				o, err := s.gateway.CreateOrder(ctx, amount, requestID)
				order = o
				return err
			},
		},
		{
			Name: "record-payment",
			Action: func(ctx context.Context) error {
				fee, providerAmount := SplitFee(amount, s.cfg.PlatformFeePercent)
				p := &models.Payment{
					ID:             uuid.New().String(),
					RequestID:      requestID,
					ClientID:       req.ClientID,
					ProviderID:     *req.ProviderID,
					Amount:         amount,
					PlatformFee:    fee,
					ProviderAmount: providerAmount,
					RefundedAmount: decimal.Zero,
					Currency:       order.Currency,
					Status:         models.PaymentStatusPending,
					IsEscrow:       true,
					GatewayOrderID: order.ID,
				}
				_, err := s.guard.Execute(ctx, "", func(ctx context.Context, tx store.Tx) error {
					return tx.CreatePayment(ctx, p)
				})
				if err == nil {
					payment = p
				}
				return err
			},
		},
	}

	if _, err := s.saga.Execute(ctx, "create-escrow-order", steps); err != nil {
		util.EscrowReleaseFailedTotal.WithLabelValues("create_order").Inc()
		s.logger.Warn("Escrow order creation failed",
			zap.String("request_id", requestID),
			zap.String("amount", amount.StringFixed(2)),
			zap.Error(err))
		return nil, err
	}

	util.EscrowOrdersCreatedTotal.Inc()
	util.EscrowTransitionsTotal.WithLabelValues(string(models.EscrowNotRequired), string(models.EscrowPendingPayment)).Inc()
	s.logger.Info("Escrow order created",
		zap.String("request_id", requestID),
		zap.String("payment_id", payment.ID),
		zap.String("gateway_order_id", payment.GatewayOrderID))

	evt := s.paymentEvent(models.EventTypePaymentRequired, payment, payment.Amount)
	evt.Details = map[string]string{"gateway_order_id": payment.GatewayOrderID}
	s.notifier.Notify(ctx, evt)

	return payment, nil
}

func (s *EscrowService) markPendingPayment(ctx context.Context, tx store.Tx, requestID string) (*models.ServiceRequest, error) {
	req, err := tx.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if !req.HasProvider() {
		return nil, apperrors.BusinessLogic(apperrors.CodeNoProvider, "request %s has no provider assigned", requestID)
	}

	existing, err := tx.GetLatestPaymentByRequest(ctx, requestID)
	if err != nil && !apperrors.IsNotFound(err) {
		return nil, err
	}
	if existing != nil && existing.Status.IsActive() {
		return nil, apperrors.BusinessLogic(apperrors.CodePaymentExists,
			"request %s already has payment %s in status %s", requestID, existing.ID, existing.Status)
	}
	if req.EscrowStatus != models.EscrowNotRequired {
		return nil, apperrors.BusinessLogic(apperrors.CodeIllegalTransition,
			"cannot create an escrow order for request in escrow status %s", req.EscrowStatus)
	}

	ok, err := tx.TransitionRequestEscrow(ctx, requestID, store.EscrowUpdate{
		From: []models.EscrowStatus{models.EscrowNotRequired},
		To:   models.EscrowPendingPayment,
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperrors.StaleState("request %s escrow status changed concurrently", requestID)
	}
	return req, nil
}

// VerifyPayment applies a client-reported capture. The signature is checked
// before any database work. Repeated calls return the stored payment.
func (s *EscrowService) VerifyPayment(ctx context.Context, orderID, paymentID, signature string) (*models.Payment, error) {
	ctx, span := util.StartSpan(ctx, "EscrowService.VerifyPayment")
	defer span.End()

	if orderID == "" {
		return nil, apperrors.Validation("order_id", "required")
	}
	if paymentID == "" {
		return nil, apperrors.Validation("payment_id", "required")
	}
	if signature == "" {
		return nil, apperrors.Validation("signature", "required")
	}
	if !s.gateway.VerifySignature(orderID, paymentID, signature) {
		util.PaymentVerificationsTotal.WithLabelValues("invalid_signature").Inc()
		s.logger.Warn("Payment signature mismatch",
			zap.String("order_id", orderID),
			zap.String("payment_id", paymentID))
		return nil, apperrors.Validation("signature", "invalid payment signature")
	}

	p, _, err := s.applyCapture(ctx, orderID, paymentID, &signature)
	return p, err
}

// HandleWebhook applies a signed gateway webhook. Unknown events are
// acknowledged and ignored.
func (s *EscrowService) HandleWebhook(ctx context.Context, body []byte, signature string) (*WebhookResult, error) {
	ctx, span := util.StartSpan(ctx, "EscrowService.HandleWebhook")
	defer span.End()

	if !s.gateway.VerifyWebhookSignature(body, signature) {
		util.PaymentVerificationsTotal.WithLabelValues("invalid_webhook_signature").Inc()
		return nil, apperrors.Validation("signature", "invalid webhook signature")
	}

	evt, err := gateway.ParseWebhook(body)
	if err != nil {
		return nil, err
	}

	result := &WebhookResult{Event: evt.Event, Action: WebhookIgnored}
	if !evt.Supported() {
		s.logger.Debug("Ignoring webhook event", zap.String("event", evt.Event))
		return result, nil
	}

	entity := evt.Payment()
	result.PaymentID = entity.ID

	var (
		p       *models.Payment
		applied bool
	)
	switch evt.Event {
	case models.WebhookPaymentCaptured:
		p, applied, err = s.applyCapture(ctx, entity.OrderID, entity.ID, nil)
	case models.WebhookPaymentFailed:
		p, applied, err = s.applyFailure(ctx, entity.OrderID, entity.ID, entity.ErrorDescription)
	}
	if err != nil {
		return nil, err
	}

	result.Payment = p
	result.Action = WebhookNoop
	if applied {
		result.Action = WebhookApplied
	}
	return result, nil
}

// applyCapture moves a pending payment and its request to ESCROW_HELD. Both
// verification and the captured webhook land here under the same key, so
// whichever commits first wins and the other is a no-op. A capture for an
// order whose earlier attempt failed is still held, as long as the request
// has not started a new order since.
func (s *EscrowService) applyCapture(ctx context.Context, orderID, paymentID string, signature *string) (*models.Payment, bool, error) {
	key := fmt.Sprintf("capture:%s:%s", orderID, paymentID)

	var (
		result     *models.Payment
		applied    bool
		escrowFrom models.EscrowStatus
	)
	outcome, err := s.guard.Execute(ctx, key, func(ctx context.Context, tx store.Tx) error {
		applied = false

		p, err := tx.GetPaymentByOrderID(ctx, orderID)
		if err != nil {
			return err
		}
		if p.Status.IsCaptured() {
			result = p
			return nil
		}
		paymentFrom := []models.PaymentStatus{models.PaymentStatusPending, models.PaymentStatusProcessing}
		escrowFrom = models.EscrowPendingPayment
		if p.Status == models.PaymentStatusFailed {
			req, err := tx.GetRequest(ctx, p.RequestID)
			if err != nil {
				return err
			}
			if req.EscrowStatus != models.EscrowNotRequired {
				return apperrors.BusinessLogic(apperrors.CodeIllegalTransition,
					"payment for order %s failed and request %s has moved on to %s",
					orderID, p.RequestID, req.EscrowStatus)
			}
			paymentFrom = []models.PaymentStatus{models.PaymentStatusFailed}
			escrowFrom = models.EscrowNotRequired
		}

		now := s.now()
		releaseAt := now.Add(s.cfg.GracePeriod)
		ok, err := tx.TransitionPayment(ctx, p.ID, store.PaymentUpdate{
			From:             paymentFrom,
			To:               models.PaymentStatusEscrowHeld,
			GatewayPaymentID: &paymentID,
			GatewaySignature: signature,
			EscrowHeldAt:     &now,
			AutoReleaseAt:    &releaseAt,
		})
		if err != nil {
			return err
		}
		if !ok {
			return apperrors.StaleState("payment %s changed concurrently", p.ID)
		}

		ok, err = tx.TransitionRequestEscrow(ctx, p.RequestID, store.EscrowUpdate{
			From:         []models.EscrowStatus{escrowFrom},
			To:           models.EscrowHeld,
			EscrowAmount: decimal.NewNullDecimal(p.Amount),
			EscrowPaidAt: &now,
		})
		if err != nil {
			return err
		}
		if !ok {
			return apperrors.StaleState("request %s is not awaiting payment", p.RequestID)
		}

		result, err = tx.GetPayment(ctx, p.ID)
		if err != nil {
			return err
		}
		applied = true
		return nil
	})

	if err != nil && apperrors.IsStaleState(err) {
		// Lost the race to a concurrent capture of the same order.
		p, readErr := s.GetPaymentByOrder(ctx, orderID)
		if readErr == nil && p.Status.IsCaptured() {
			util.PaymentVerificationsTotal.WithLabelValues("duplicate").Inc()
			return p, false, nil
		}
	}
	if err != nil {
		util.PaymentVerificationsTotal.WithLabelValues("failed").Inc()
		return nil, false, err
	}

	if outcome.Replayed {
		util.PaymentVerificationsTotal.WithLabelValues("duplicate").Inc()
		p, err := s.GetPaymentByOrder(ctx, orderID)
		return p, false, err
	}
	if !applied {
		util.PaymentVerificationsTotal.WithLabelValues("duplicate").Inc()
		return result, false, nil
	}

	util.PaymentVerificationsTotal.WithLabelValues("verified").Inc()
	util.EscrowTransitionsTotal.WithLabelValues(string(escrowFrom), string(models.EscrowHeld)).Inc()
	s.logger.Info("Escrow held",
		zap.String("request_id", result.RequestID),
		zap.String("payment_id", result.ID),
		zap.Timep("auto_release_at", result.AutoReleaseAt))

	evt := s.paymentEvent(models.EventTypeEscrowHeld, result, result.Amount)
	if result.AutoReleaseAt != nil {
		evt.Details = map[string]string{"auto_release_at": result.AutoReleaseAt.Format(time.RFC3339)}
	}
	s.notifier.Notify(ctx, evt)

	return result, true, nil
}

// applyFailure records a failed capture and returns the request to
// NOT_REQUIRED so a new order can be created
func (s *EscrowService) applyFailure(ctx context.Context, orderID, paymentID, reason string) (*models.Payment, bool, error) {
	key := fmt.Sprintf("failure:%s:%s", orderID, paymentID)
	if reason == "" {
		reason = "payment failed"
	}

	var (
		result  *models.Payment
		applied bool
	)
	outcome, err := s.guard.Execute(ctx, key, func(ctx context.Context, tx store.Tx) error {
		applied = false

		p, err := tx.GetPaymentByOrderID(ctx, orderID)
		if err != nil {
			return err
		}
		if p.Status != models.PaymentStatusPending && p.Status != models.PaymentStatusProcessing {
			result = p
			return nil
		}

		ok, err := tx.TransitionPayment(ctx, p.ID, store.PaymentUpdate{
			From:             []models.PaymentStatus{models.PaymentStatusPending, models.PaymentStatusProcessing},
			To:               models.PaymentStatusFailed,
			GatewayPaymentID: &paymentID,
			FailureReason:    &reason,
		})
		if err != nil {
			return err
		}
		if !ok {
			return apperrors.StaleState("payment %s changed concurrently", p.ID)
		}

		ok, err = tx.TransitionRequestEscrow(ctx, p.RequestID, store.EscrowUpdate{
			From: []models.EscrowStatus{models.EscrowPendingPayment},
			To:   models.EscrowNotRequired,
		})
		if err != nil {
			return err
		}
		if !ok {
			return apperrors.StaleState("request %s is not awaiting payment", p.RequestID)
		}

		result, err = tx.GetPayment(ctx, p.ID)
		if err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if outcome.Replayed {
		p, err := s.GetPaymentByOrder(ctx, orderID)
		return p, false, err
	}
	if applied {
		util.EscrowTransitionsTotal.WithLabelValues(string(models.EscrowPendingPayment), string(models.EscrowNotRequired)).Inc()
		s.logger.Info("Payment failed at gateway",
			zap.String("request_id", result.RequestID),
			zap.String("payment_id", result.ID),
			zap.String("reason", reason))
	}
	return result, applied, nil
}

// Release pays the provider. A manual release needs the request COMPLETED;
// an automatic one needs the payment's auto-release time to have passed.
// Either way the escrow must be ESCROW_HELD, checked by the update itself.
func (s *EscrowService) Release(ctx context.Context, requestID, initiatedBy string, manual bool) (*models.Payment, error) {
	ctx, span := util.StartSpan(ctx, "EscrowService.Release")
	defer span.End()

	if requestID == "" {
		return nil, apperrors.Validation("request_id", "required")
	}

	var released *models.Payment
	_, err := s.guard.Execute(ctx, "", func(ctx context.Context, tx store.Tx) error {
		p, err := s.releaseTx(ctx, tx, requestID, manual)
		released = p
		return err
	})

	mode := "manual"
	if !manual {
		mode = "auto"
	}
	if err != nil {
		util.EscrowReleaseFailedTotal.WithLabelValues(releaseFailureReason(err)).Inc()
		return nil, err
	}

	util.EscrowReleasesTotal.WithLabelValues(mode).Inc()
	util.EscrowTransitionsTotal.WithLabelValues(string(models.EscrowHeld), string(models.EscrowReleased)).Inc()
	s.logger.Info("Escrow released",
		zap.String("request_id", requestID),
		zap.String("payment_id", released.ID),
		zap.String("initiated_by", initiatedBy),
		zap.String("mode", mode))

	evt := s.paymentEvent(models.EventTypePaymentReleased, released, released.ProviderAmount)
	evt.Details = map[string]string{"initiated_by": initiatedBy, "mode": mode}
	s.notifier.Notify(ctx, evt)

	return released, nil
}

func (s *EscrowService) releaseTx(ctx context.Context, tx store.Tx, requestID string, manual bool) (*models.Payment, error) {
	req, err := tx.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if manual && req.Status != models.RequestStatusCompleted {
		return nil, apperrors.BusinessLogic(apperrors.CodeNotCompleted,
			"cannot release a request in status %s", req.Status)
	}
	if req.EscrowStatus != models.EscrowHeld {
		return nil, apperrors.BusinessLogic(apperrors.CodeIllegalTransition,
			"cannot release escrow in status %s", req.EscrowStatus)
	}

	if d, err := tx.GetActiveDisputeByRequest(ctx, requestID); err == nil {
		return nil, apperrors.BusinessLogic(apperrors.CodeIllegalTransition,
			"request %s has an open dispute %s", requestID, d.ID)
	} else if !apperrors.IsNotFound(err) {
		return nil, err
	}

	p, err := tx.GetLatestPaymentByRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	upd := store.EscrowUpdate{
		From: []models.EscrowStatus{models.EscrowHeld},
		To:   models.EscrowReleased,
	}
	if manual {
		completed := models.RequestStatusCompleted
		upd.RequireStatus = &completed
	}
	ok, err := tx.TransitionRequestEscrow(ctx, requestID, upd)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperrors.StaleState("request %s escrow status changed concurrently", requestID)
	}

	releasedToProvider := true
	pu := store.PaymentUpdate{
		From:               []models.PaymentStatus{models.PaymentStatusEscrowHeld},
		To:                 models.PaymentStatusReleased,
		ReleasedToProvider: &releasedToProvider,
		ReleasedAt:         &now,
	}
	if !manual {
		pu.DueBefore = &now
	}
	ok, err = tx.TransitionPayment(ctx, p.ID, pu)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperrors.StaleState("payment %s is not releasable", p.ID)
	}

	return tx.GetPayment(ctx, p.ID)
}

func releaseFailureReason(err error) string {
	switch {
	case apperrors.IsStaleState(err):
		return "stale_state"
	case apperrors.IsNotFound(err):
		return "not_found"
	}
	if isBusinessLogic(err) {
		return "illegal_state"
	}
	return "error"
}

// AutoRelease releases every held payment whose grace period has passed
// and whose request has no active dispute. Rows that changed since the
// listing are skipped; the update decides, not the listing.
func (s *EscrowService) AutoRelease(ctx context.Context) (*AutoReleaseResult, error) {
	ctx, span := util.StartSpan(ctx, "EscrowService.AutoRelease")
	defer span.End()

	result := &AutoReleaseResult{}

	if s.locker != nil {
		token := uuid.New().String()
		ok, err := s.locker.AcquireLock(ctx, autoReleaseLockKey, token, s.cfg.AutoReleaseLockTTL)
		if err != nil {
			s.logger.Warn("Auto-release lock unavailable, sweeping anyway", zap.Error(err))
		} else if !ok {
			result.LockHeld = true
			return result, nil
		} else {
			defer func() {
				if err := s.locker.ReleaseLock(context.WithoutCancel(ctx), autoReleaseLockKey, token); err != nil {
					s.logger.Warn("Failed to release auto-release lock", zap.Error(err))
				}
			}()
		}
	}

	due, err := s.store.ListReleasable(ctx, s.now(), s.cfg.AutoReleaseBatch)
	if err != nil {
		return nil, fmt.Errorf("failed to list releasable payments: %w", err)
	}
	result.Scanned = len(due)

	for _, r := range due {
		if ctx.Err() != nil {
			break
		}
		_, err := s.Release(ctx, r.RequestID, SystemActor, false)
		switch {
		case err == nil:
			result.Released++
		case isBusinessLogic(err):
			result.Skipped++
			s.logger.Warn("Skipping auto-release",
				zap.String("request_id", r.RequestID),
				zap.String("payment_id", r.PaymentID),
				zap.Error(err))
		default:
			result.Failed++
			s.logger.Error("Auto-release failed",
				zap.String("request_id", r.RequestID),
				zap.String("payment_id", r.PaymentID),
				zap.Error(err))
		}
	}

	if result.Scanned > 0 {
		s.logger.Info("Auto-release sweep finished",
			zap.Int("scanned", result.Scanned),
			zap.Int("released", result.Released),
			zap.Int("skipped", result.Skipped),
			zap.Int("failed", result.Failed))
	}
	return result, nil
}

// HoldForDispute freezes held funds. Auto-release no longer selects the
// request afterwards.
func (s *EscrowService) HoldForDispute(ctx context.Context, requestID, reason string) (*models.ServiceRequest, error) {
	ctx, span := util.StartSpan(ctx, "EscrowService.HoldForDispute")
	defer span.End()

	if requestID == "" {
		return nil, apperrors.Validation("request_id", "required")
	}
	if reason == "" {
		return nil, apperrors.Validation("reason", "required")
	}

	var req *models.ServiceRequest
	_, err := s.guard.Execute(ctx, "", func(ctx context.Context, tx store.Tx) error {
		r, err := s.holdForDisputeTx(ctx, tx, requestID, reason)
		req = r
		return err
	})
	if err != nil {
		return nil, err
	}
	util.EscrowTransitionsTotal.WithLabelValues(string(models.EscrowHeld), string(models.EscrowDisputed)).Inc()
	s.logger.Info("Escrow held for dispute", zap.String("request_id", requestID))
	return req, nil
}

func (s *EscrowService) holdForDisputeTx(ctx context.Context, tx store.Tx, requestID, reason string) (*models.ServiceRequest, error) {
	req, err := tx.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.EscrowStatus != models.EscrowHeld {
		return nil, apperrors.BusinessLogic(apperrors.CodeIllegalTransition,
			"cannot dispute escrow in status %s", req.EscrowStatus)
	}

	now := s.now()
	ok, err := tx.TransitionRequestEscrow(ctx, requestID, store.EscrowUpdate{
		From:          []models.EscrowStatus{models.EscrowHeld},
		To:            models.EscrowDisputed,
		DisputedAt:    &now,
		DisputeReason: &reason,
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperrors.StaleState("request %s escrow status changed concurrently", requestID)
	}
	return tx.GetRequest(ctx, requestID)
}

// ResolveDispute settles disputed funds. refundPercentage is required for
// PARTIAL_REFUND and ignored otherwise.
func (s *EscrowService) ResolveDispute(ctx context.Context, requestID string, resolution models.Resolution, refundPercentage *decimal.Decimal) (*Settlement, error) {
	ctx, span := util.StartSpan(ctx, "EscrowService.ResolveDispute")
	defer span.End()

	var settlement *Settlement
	_, err := s.guard.Execute(ctx, "", func(ctx context.Context, tx store.Tx) error {
		st, err := s.resolveDisputeTx(ctx, tx, requestID, resolution, refundPercentage)
		settlement = st
		return err
	})
	if err != nil {
		return nil, err
	}
	s.afterSettlement(ctx, settlement)
	return settlement, nil
}

func validateResolution(resolution models.Resolution, refundPercentage *decimal.Decimal) error {
	if !resolution.Valid() {
		return apperrors.Validation("resolution", "unknown resolution %q", resolution)
	}
	if resolution != models.ResolutionPartialRefund {
		return nil
	}
	if refundPercentage == nil {
		return apperrors.Validation("refund_percentage", "required for %s", resolution)
	}
	if refundPercentage.IsNegative() || refundPercentage.GreaterThan(hundred) {
		return apperrors.Validation("refund_percentage", "must be between 0 and 100")
	}
	return nil
}

func (s *EscrowService) resolveDisputeTx(ctx context.Context, tx store.Tx, requestID string, resolution models.Resolution, refundPercentage *decimal.Decimal) (*Settlement, error) {
	if err := validateResolution(resolution, refundPercentage); err != nil {
		return nil, err
	}

	req, err := tx.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.EscrowStatus != models.EscrowDisputed {
		return nil, apperrors.BusinessLogic(apperrors.CodeIllegalTransition,
			"cannot resolve a dispute for escrow in status %s", req.EscrowStatus)
	}

	p, err := tx.GetLatestPaymentByRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	escrowed := p.Amount
	if req.EscrowAmount.Valid {
		escrowed = req.EscrowAmount.Decimal
	}

	st := &Settlement{
		RequestID:  requestID,
		PaymentID:  p.ID,
		Resolution: resolution,
	}
	switch resolution {
	case models.ResolutionReleaseToProvider:
		st.EscrowStatus = models.EscrowReleased
		st.ProviderAmount = p.ProviderAmount
		st.ClientRefund = decimal.Zero
	case models.ResolutionRefundToClient:
		st.EscrowStatus = models.EscrowRefunded
		st.ProviderAmount = decimal.Zero
		st.ClientRefund = escrowed
	case models.ResolutionPartialRefund:
		st.RefundPercentage = decimal.NewNullDecimal(*refundPercentage)
		st.ClientRefund, st.ProviderAmount = SplitRefund(escrowed, *refundPercentage)
		// A split that leaves one side nothing settles like the full resolution.
		switch {
		case st.ProviderAmount.IsZero():
			st.EscrowStatus = models.EscrowRefunded
		case st.ClientRefund.IsZero():
			st.EscrowStatus = models.EscrowReleased
		default:
			st.EscrowStatus = s.cfg.PartialRefundStatus
		}
	}
	st.ReleasedToProvider = st.ProviderAmount.IsPositive()

	st.PaymentStatus, err = models.PaymentStatusFor(models.EscrowDisputed, st.EscrowStatus)
	if err != nil {
		return nil, apperrors.BusinessLogic(apperrors.CodeIllegalTransition, "%v", err)
	}

	now := s.now()
	resolutionText := string(resolution)
	ok, err := tx.TransitionRequestEscrow(ctx, requestID, store.EscrowUpdate{
		From:              []models.EscrowStatus{models.EscrowDisputed},
		To:                st.EscrowStatus,
		DisputeResolvedAt: &now,
		DisputeResolution: &resolutionText,
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperrors.StaleState("request %s escrow status changed concurrently", requestID)
	}

	pu := store.PaymentUpdate{
		From:               []models.PaymentStatus{models.PaymentStatusEscrowHeld},
		To:                 st.PaymentStatus,
		ReleasedToProvider: &st.ReleasedToProvider,
		ProviderAmount:     decimal.NewNullDecimal(st.ProviderAmount),
		RefundedAmount:     decimal.NewNullDecimal(st.ClientRefund),
	}
	if st.ReleasedToProvider {
		pu.ReleasedAt = &now
	}
	ok, err = tx.TransitionPayment(ctx, p.ID, pu)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperrors.StaleState("payment %s is not held", p.ID)
	}
	return st, nil
}

// afterSettlement records metrics and notifies the provider when funds
// moved to them
func (s *EscrowService) afterSettlement(ctx context.Context, st *Settlement) {
	util.EscrowTransitionsTotal.WithLabelValues(string(models.EscrowDisputed), string(st.EscrowStatus)).Inc()
	s.logger.Info("Dispute settled",
		zap.String("request_id", st.RequestID),
		zap.String("resolution", string(st.Resolution)),
		zap.String("client_refund", st.ClientRefund.StringFixed(2)),
		zap.String("provider_amount", st.ProviderAmount.StringFixed(2)),
		zap.String("escrow_status", string(st.EscrowStatus)))

	if !st.ReleasedToProvider {
		return
	}
	util.EscrowReleasesTotal.WithLabelValues("dispute").Inc()

	p, err := s.GetPaymentByRequest(ctx, st.RequestID)
	if err != nil {
		s.logger.Warn("Failed to load payment for release notification", zap.Error(err))
		return
	}
	evt := s.paymentEvent(models.EventTypePaymentReleased, p, st.ProviderAmount)
	evt.Details = map[string]string{"resolution": string(st.Resolution)}
	s.notifier.Notify(ctx, evt)
}

// GetPaymentByRequest returns the most recent payment for a request
func (s *EscrowService) GetPaymentByRequest(ctx context.Context, requestID string) (*models.Payment, error) {
	var p *models.Payment
	err := s.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		p, err = tx.GetLatestPaymentByRequest(ctx, requestID)
		return err
	})
	return p, err
}

// GetPaymentByOrder returns the payment for a gateway order
func (s *EscrowService) GetPaymentByOrder(ctx context.Context, orderID string) (*models.Payment, error) {
	var p *models.Payment
	err := s.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		p, err = tx.GetPaymentByOrderID(ctx, orderID)
		return err
	})
	return p, err
}

func (s *EscrowService) paymentEvent(eventType string, p *models.Payment, amount decimal.Decimal) *models.NotificationEvent {
	evt := models.NewNotificationEvent(eventType, p.RequestID, p.ClientID, p.ProviderID, amount)
	evt.PaymentID = p.ID
	return evt
}

func isBusinessLogic(err error) bool {
	var be *apperrors.BusinessLogicError
	return errors.As(err, &be)
}

package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"escrow-service/internal/apperrors"
	"escrow-service/internal/gateway"
	"escrow-service/internal/models"
	"escrow-service/internal/resilience"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEscrowHappyPath(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.putRequest("R1")

	p, err := h.escrow.CreateOrder(ctx, "R1", decimal.NewFromInt(5000))
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusPending, p.Status)
	assert.True(t, p.IsEscrow)
	assert.Equal(t, "500.00", p.PlatformFee.StringFixed(2))
	assert.Equal(t, "4500.00", p.ProviderAmount.StringFixed(2))
	assert.Equal(t, models.EscrowPendingPayment, h.request("R1").EscrowStatus)

	sig := gateway.SignPayment(testKeySecret, p.GatewayOrderID, "pay_1")
	p, err = h.escrow.VerifyPayment(ctx, p.GatewayOrderID, "pay_1", sig)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusEscrowHeld, p.Status)
	require.NotNil(t, p.AutoReleaseAt)
	assert.Equal(t, h.clock.Add(7*24*time.Hour), *p.AutoReleaseAt)
	require.NotNil(t, p.GatewaySignature)
	assert.Equal(t, sig, *p.GatewaySignature)

	req := h.request("R1")
	assert.Equal(t, models.EscrowHeld, req.EscrowStatus)
	assert.True(t, req.EscrowAmount.Decimal.Equal(decimal.NewFromInt(5000)))

	require.NoError(t, h.store.SetRequestStatus("R1", models.RequestStatusCompleted))
	p, err = h.escrow.Release(ctx, "R1", "C-R1", true)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusReleased, p.Status)
	assert.True(t, p.ReleasedToProvider)
	assert.NotNil(t, p.ReleasedAt)
	assert.Equal(t, models.EscrowReleased, h.request("R1").EscrowStatus)

	h.notifier.Wait()
	assert.Equal(t, 1, h.pub.count(models.EventTypePaymentRequired))
	assert.Equal(t, 1, h.pub.count(models.EventTypeEscrowHeld))
	assert.Equal(t, 1, h.pub.count(models.EventTypePaymentReleased))
}

func TestVerifyPaymentIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.putRequest("R1")

	p, err := h.escrow.CreateOrder(ctx, "R1", decimal.NewFromInt(5000))
	require.NoError(t, err)
	sig := gateway.SignPayment(testKeySecret, p.GatewayOrderID, "pay_1")

	first, err := h.escrow.VerifyPayment(ctx, p.GatewayOrderID, "pay_1", sig)
	require.NoError(t, err)
	second, err := h.escrow.VerifyPayment(ctx, p.GatewayOrderID, "pay_1", sig)
	require.NoError(t, err)

	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, first.AutoReleaseAt, second.AutoReleaseAt)
	assert.Equal(t, models.EscrowHeld, h.request("R1").EscrowStatus)

	h.notifier.Wait()
	assert.Equal(t, 1, h.pub.count(models.EventTypeEscrowHeld))
}

func TestVerifyAndWebhookRaceAppliesOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.putRequest("R1")

	p, err := h.escrow.CreateOrder(ctx, "R1", decimal.NewFromInt(1200))
	require.NoError(t, err)
	sig := gateway.SignPayment(testKeySecret, p.GatewayOrderID, "pay_1")
	body := webhookBody(t, models.WebhookPaymentCaptured, p.GatewayOrderID, "pay_1", "")
	whSig := gateway.SignWebhook(testWebhookSecret, body)

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 5; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := h.escrow.VerifyPayment(ctx, p.GatewayOrderID, "pay_1", sig)
			errs <- err
		}()
		go func() {
			defer wg.Done()
			_, err := h.escrow.HandleWebhook(ctx, body, whSig)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	got, err := h.escrow.GetPaymentByOrder(ctx, p.GatewayOrderID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusEscrowHeld, got.Status)

	h.notifier.Wait()
	assert.Equal(t, 1, h.pub.count(models.EventTypeEscrowHeld))
}

func TestVerifyPaymentRejectsBadSignatureBeforeTransaction(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.putRequest("R1")

	p, err := h.escrow.CreateOrder(ctx, "R1", decimal.NewFromInt(100))
	require.NoError(t, err)
	before := h.guard.Stats(ctx).Total

	_, err = h.escrow.VerifyPayment(ctx, p.GatewayOrderID, "pay_1", "deadbeef")
	var ve *apperrors.ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, before, h.guard.Stats(ctx).Total)
	assert.Equal(t, models.EscrowPendingPayment, h.request("R1").EscrowStatus)
}

func TestCreateOrderCompensatesWhenGatewayFails(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.putRequest("R1")
	h.gw.setFailure(&apperrors.ExternalAPIError{Service: "gw", StatusCode: 503, Retryable: true})

	_, err := h.escrow.CreateOrder(ctx, "R1", decimal.NewFromInt(5000))
	var xe *apperrors.ExternalAPIError
	require.True(t, errors.As(err, &xe))
	assert.Equal(t, 3, h.gw.callCount())

	assert.Equal(t, models.EscrowNotRequired, h.request("R1").EscrowStatus)
	_, err = h.escrow.GetPaymentByRequest(ctx, "R1")
	assert.True(t, apperrors.IsNotFound(err))

	h.gw.setFailure(nil)
	p, err := h.escrow.CreateOrder(ctx, "R1", decimal.NewFromInt(5000))
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusPending, p.Status)
}

func TestCreateOrderFailsFastWhenBreakerOpen(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.putRequest("R1")
	h.gw.setFailure(&apperrors.ExternalAPIError{Service: "gw", StatusCode: 500, Retryable: true})

	for i := 0; i < 5; i++ {
		_, err := h.escrow.CreateOrder(ctx, "R1", decimal.NewFromInt(10))
		require.Error(t, err)
		require.False(t, apperrors.IsCircuitOpen(err))
	}
	calls := h.gw.callCount()

	_, err := h.escrow.CreateOrder(ctx, "R1", decimal.NewFromInt(10))
	assert.True(t, apperrors.IsCircuitOpen(err))
	assert.Equal(t, calls, h.gw.callCount())
	assert.Equal(t, models.EscrowNotRequired, h.request("R1").EscrowStatus)

	cb, ok := h.breakers.Lookup(resilience.BreakerPaymentGateway)
	require.True(t, ok)
	assert.Equal(t, resilience.StateOpen, cb.State())
}

func TestCreateOrderPreconditions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.store.PutRequest(models.ServiceRequest{ID: "R0", ClientID: "C", Status: models.RequestStatusPending})
	_, err := h.escrow.CreateOrder(ctx, "R0", decimal.NewFromInt(100))
	assert.Equal(t, apperrors.CodeNoProvider, businessCode(err))

	h.putRequest("R1")
	_, err = h.escrow.CreateOrder(ctx, "R1", decimal.NewFromInt(100))
	require.NoError(t, err)
	_, err = h.escrow.CreateOrder(ctx, "R1", decimal.NewFromInt(100))
	assert.Equal(t, apperrors.CodePaymentExists, businessCode(err))

	_, err = h.escrow.CreateOrder(ctx, "missing", decimal.NewFromInt(100))
	assert.True(t, apperrors.IsNotFound(err))

	_, err = h.escrow.CreateOrder(ctx, "R1", decimal.RequireFromString("10.001"))
	var ve *apperrors.ValidationError
	assert.True(t, errors.As(err, &ve))
}

func TestReleaseOnlyFromCompletedAndHeld(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	statuses := []models.RequestStatus{
		models.RequestStatusPending,
		models.RequestStatusAccepted,
		models.RequestStatusInProgress,
		models.RequestStatusCompleted,
		models.RequestStatusCancelled,
	}
	for _, status := range statuses {
		for _, escrow := range models.AllEscrowStatuses {
			if status == models.RequestStatusCompleted && escrow == models.EscrowHeld {
				continue
			}
			id := string(status) + "/" + string(escrow)
			provider := "P"
			h.store.PutRequest(models.ServiceRequest{
				ID:           id,
				ClientID:     "C",
				ProviderID:   &provider,
				Status:       status,
				EscrowStatus: escrow,
			})

			_, err := h.escrow.Release(ctx, id, "C", true)
			var be *apperrors.BusinessLogicError
			assert.True(t, errors.As(err, &be), "%s: got %v", id, err)
			assert.Equal(t, escrow, h.request(id).EscrowStatus, id)
		}
	}

	h.heldRequest("ok", 100)
	require.NoError(t, h.store.SetRequestStatus("ok", models.RequestStatusCompleted))
	_, err := h.escrow.Release(ctx, "ok", "C-ok", true)
	assert.NoError(t, err)

	_, err = h.escrow.Release(ctx, "ok", "C-ok", true)
	assert.Equal(t, apperrors.CodeIllegalTransition, businessCode(err))
}

func TestDisputeAndReleaseRace(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		id := "race-" + string(rune('a'+i))
		h.heldRequest(id, 1000)
		require.NoError(t, h.store.SetRequestStatus(id, models.RequestStatusCompleted))

		var (
			wg         sync.WaitGroup
			releaseErr error
			holdErr    error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, releaseErr = h.escrow.Release(ctx, id, "C-"+id, true)
		}()
		go func() {
			defer wg.Done()
			_, holdErr = h.escrow.HoldForDispute(ctx, id, "work not delivered")
		}()
		wg.Wait()

		require.True(t, (releaseErr == nil) != (holdErr == nil), "exactly one must win: release=%v hold=%v", releaseErr, holdErr)
		final := h.request(id).EscrowStatus
		if releaseErr == nil {
			assert.Equal(t, models.EscrowReleased, final)
			assert.True(t, isBusinessLogic(holdErr))
		} else {
			assert.Equal(t, models.EscrowDisputed, final)
			assert.True(t, isBusinessLogic(releaseErr))
		}
	}
}

func TestAutoReleaseSweep(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.heldRequest("due", 100)
	h.heldRequest("disputed", 100)
	_, err := h.escrow.HoldForDispute(ctx, "disputed", "late delivery")
	require.NoError(t, err)

	res, err := h.escrow.AutoRelease(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Scanned)

	h.clock = h.clock.Add(7*24*time.Hour + time.Minute)
	h.heldRequest("fresh", 100)

	res, err = h.escrow.AutoRelease(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Scanned)
	assert.Equal(t, 1, res.Released)

	assert.Equal(t, models.EscrowReleased, h.request("due").EscrowStatus)
	assert.Equal(t, models.EscrowDisputed, h.request("disputed").EscrowStatus)
	assert.Equal(t, models.EscrowHeld, h.request("fresh").EscrowStatus)

	p, err := h.escrow.GetPaymentByRequest(ctx, "due")
	require.NoError(t, err)
	assert.True(t, p.ReleasedToProvider)
}

type stubLocker struct {
	held bool
}

func (l *stubLocker) AcquireLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	return !l.held, nil
}

func (l *stubLocker) ReleaseLock(ctx context.Context, key, token string) error { return nil }

func TestAutoReleaseSkipsWhenLockHeldElsewhere(t *testing.T) {
	h := newHarness(t)
	h.heldRequest("due", 100)
	h.clock = h.clock.Add(8 * 24 * time.Hour)
	h.escrow.UseLocker(&stubLocker{held: true})

	res, err := h.escrow.AutoRelease(context.Background())
	require.NoError(t, err)
	assert.True(t, res.LockHeld)
	assert.Equal(t, models.EscrowHeld, h.request("due").EscrowStatus)
}

func TestWebhookPaymentFailedRevertsRequest(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.putRequest("R1")

	p, err := h.escrow.CreateOrder(ctx, "R1", decimal.NewFromInt(700))
	require.NoError(t, err)

	body := webhookBody(t, models.WebhookPaymentFailed, p.GatewayOrderID, "pay_x", "card declined")
	sig := gateway.SignWebhook(testWebhookSecret, body)

	res, err := h.escrow.HandleWebhook(ctx, body, sig)
	require.NoError(t, err)
	assert.Equal(t, WebhookApplied, res.Action)
	assert.Equal(t, models.PaymentStatusFailed, res.Payment.Status)
	require.NotNil(t, res.Payment.FailureReason)
	assert.Equal(t, "card declined", *res.Payment.FailureReason)
	assert.Equal(t, models.EscrowNotRequired, h.request("R1").EscrowStatus)

	res, err = h.escrow.HandleWebhook(ctx, body, sig)
	require.NoError(t, err)
	assert.Equal(t, WebhookNoop, res.Action)

	_, err = h.escrow.CreateOrder(ctx, "R1", decimal.NewFromInt(700))
	assert.NoError(t, err)
}

func TestCaptureAfterFailedAttemptHoldsFunds(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.putRequest("R1")

	p, err := h.escrow.CreateOrder(ctx, "R1", decimal.NewFromInt(700))
	require.NoError(t, err)

	failed := webhookBody(t, models.WebhookPaymentFailed, p.GatewayOrderID, "pay_1", "card declined")
	_, err = h.escrow.HandleWebhook(ctx, failed, gateway.SignWebhook(testWebhookSecret, failed))
	require.NoError(t, err)
	require.Equal(t, models.EscrowNotRequired, h.request("R1").EscrowStatus)

	captured := webhookBody(t, models.WebhookPaymentCaptured, p.GatewayOrderID, "pay_2", "")
	res, err := h.escrow.HandleWebhook(ctx, captured, gateway.SignWebhook(testWebhookSecret, captured))
	require.NoError(t, err)
	assert.Equal(t, WebhookApplied, res.Action)
	assert.Equal(t, models.PaymentStatusEscrowHeld, res.Payment.Status)
	require.NotNil(t, res.Payment.GatewayPaymentID)
	assert.Equal(t, "pay_2", *res.Payment.GatewayPaymentID)
	require.NotNil(t, res.Payment.AutoReleaseAt)

	req := h.request("R1")
	assert.Equal(t, models.EscrowHeld, req.EscrowStatus)
	assert.Equal(t, "700.00", req.EscrowAmount.Decimal.StringFixed(2))

	// Redelivery of either event and the client-side verification are no-ops.
	res, err = h.escrow.HandleWebhook(ctx, captured, gateway.SignWebhook(testWebhookSecret, captured))
	require.NoError(t, err)
	assert.Equal(t, WebhookNoop, res.Action)
	res, err = h.escrow.HandleWebhook(ctx, failed, gateway.SignWebhook(testWebhookSecret, failed))
	require.NoError(t, err)
	assert.Equal(t, WebhookNoop, res.Action)

	held, err := h.escrow.VerifyPayment(ctx, p.GatewayOrderID, "pay_2", gateway.SignPayment(testKeySecret, p.GatewayOrderID, "pay_2"))
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusEscrowHeld, held.Status)
	assert.Equal(t, models.EscrowHeld, h.request("R1").EscrowStatus)

	h.notifier.Wait()
	assert.Equal(t, 1, h.pub.count(models.EventTypeEscrowHeld))
}

func TestCaptureAfterFailureRejectedOnceRequestHasNewOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.putRequest("R1")

	first, err := h.escrow.CreateOrder(ctx, "R1", decimal.NewFromInt(700))
	require.NoError(t, err)
	failed := webhookBody(t, models.WebhookPaymentFailed, first.GatewayOrderID, "pay_1", "card declined")
	_, err = h.escrow.HandleWebhook(ctx, failed, gateway.SignWebhook(testWebhookSecret, failed))
	require.NoError(t, err)

	second, err := h.escrow.CreateOrder(ctx, "R1", decimal.NewFromInt(700))
	require.NoError(t, err)
	require.NotEqual(t, first.GatewayOrderID, second.GatewayOrderID)

	_, err = h.escrow.VerifyPayment(ctx, first.GatewayOrderID, "pay_2", gateway.SignPayment(testKeySecret, first.GatewayOrderID, "pay_2"))
	assert.Equal(t, apperrors.CodeIllegalTransition, businessCode(err))
	assert.Equal(t, models.EscrowPendingPayment, h.request("R1").EscrowStatus)

	p, err := h.escrow.GetPaymentByOrder(ctx, first.GatewayOrderID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusFailed, p.Status)
}

func TestWebhookRejectsBadSignatureAndIgnoresUnknownEvents(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	body := webhookBody(t, models.WebhookPaymentCaptured, "order_1", "pay_1", "")
	_, err := h.escrow.HandleWebhook(ctx, body, gateway.SignWebhook("wrong", body))
	var ve *apperrors.ValidationError
	assert.True(t, errors.As(err, &ve))

	other := []byte(`{"event":"refund.processed","payload":{}}`)
	res, err := h.escrow.HandleWebhook(ctx, other, gateway.SignWebhook(testWebhookSecret, other))
	require.NoError(t, err)
	assert.Equal(t, WebhookIgnored, res.Action)
}

func TestNotificationFailureGoesToQueue(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.pub.setFailure(errors.New("broker down"))

	h.heldRequest("R1", 100)
	h.notifier.Wait()

	entries := h.queue.Entries(resilience.QueueNotifications)
	require.Len(t, entries, 2)
	var ops []string
	for _, e := range entries {
		ops = append(ops, e.Operation)
		assert.Equal(t, "R1", e.Metadata["request_id"])
	}
	assert.ElementsMatch(t, []string{
		"notify:" + models.EventTypePaymentRequired,
		"notify:" + models.EventTypeEscrowHeld,
	}, ops)

	h.pub.setFailure(nil)
	res := h.queue.Process(ctx, resilience.QueueNotifications)
	assert.Equal(t, 2, res.Succeeded)
	assert.Equal(t, 1, h.pub.count(models.EventTypeEscrowHeld))
}

func TestSplitHelpers(t *testing.T) {
	fee, provider := SplitFee(decimal.NewFromInt(5000), decimal.NewFromInt(10))
	assert.Equal(t, "500.00", fee.StringFixed(2))
	assert.Equal(t, "4500.00", provider.StringFixed(2))

	refund, provider := SplitRefund(decimal.NewFromInt(1000), decimal.NewFromInt(40))
	assert.Equal(t, "400.00", refund.StringFixed(2))
	assert.Equal(t, "600.00", provider.StringFixed(2))

	refund, provider = SplitRefund(decimal.RequireFromString("100.01"), decimal.NewFromInt(50))
	assert.Equal(t, "50.01", refund.StringFixed(2))
	assert.Equal(t, "50.00", provider.StringFixed(2))
}

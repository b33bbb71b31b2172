package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"escrow-service/internal/apperrors"
	"escrow-service/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func raise(t *testing.T, h *harness, requestID string) *models.Dispute {
	t.Helper()
	d, err := h.disputes.Raise(context.Background(), &RaiseDisputeRequest{
		RequestID: requestID,
		RaisedBy:  "C-" + requestID,
		Reason:    "work not delivered",
		Evidence: []EvidenceInput{
			{Type: "message", Description: "provider stopped replying"},
		},
	})
	require.NoError(t, err)
	return d
}

func TestPartialRefundSplit(t *testing.T) {
	cases := []struct {
		name       string
		convention models.EscrowStatus
		payment    models.PaymentStatus
	}{
		{"released convention", models.EscrowReleased, models.PaymentStatusReleased},
		{"refunded convention", models.EscrowRefunded, models.PaymentStatusRefunded},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, func(cfg *EscrowConfig) {
				cfg.PartialRefundStatus = tc.convention
			})
			ctx := context.Background()

			h.heldRequest("R1", 1000)
			d := raise(t, h, "R1")
			assert.Equal(t, models.EscrowDisputed, h.request("R1").EscrowStatus)

			pct := decimal.NewFromInt(40)
			res, err := h.disputes.Resolve(ctx, &ResolveDisputeRequest{
				DisputeID:        d.ID,
				AdminID:          "admin",
				Resolution:       models.ResolutionPartialRefund,
				RefundPercentage: &pct,
				Note:             "split after review",
			})
			require.NoError(t, err)

			st := res.Settlement
			assert.Equal(t, "400.00", st.ClientRefund.StringFixed(2))
			assert.Equal(t, "600.00", st.ProviderAmount.StringFixed(2))
			assert.Equal(t, tc.convention, st.EscrowStatus)
			assert.True(t, st.ReleasedToProvider)
			assert.Equal(t, tc.convention, h.request("R1").EscrowStatus)

			p, err := h.escrow.GetPaymentByRequest(ctx, "R1")
			require.NoError(t, err)
			assert.Equal(t, tc.payment, p.Status)
			assert.Equal(t, "600.00", p.ProviderAmount.StringFixed(2))
			assert.Equal(t, "400.00", p.RefundedAmount.StringFixed(2))

			assert.Equal(t, models.DisputeStatusResolved, res.Dispute.Status)
			assert.Equal(t, "400.00", res.Dispute.ClientRefund.Decimal.StringFixed(2))
			require.Len(t, res.Dispute.AdminNotes, 1)

			h.notifier.Wait()
			assert.Equal(t, 1, h.pub.count(models.EventTypeDisputeRaised))
			assert.Equal(t, 1, h.pub.count(models.EventTypeDisputeResolved))
			assert.Equal(t, 1, h.pub.count(models.EventTypePaymentReleased))
		})
	}
}

func TestPartialRefundAtTheEdgesSettlesLikeFullResolution(t *testing.T) {
	cases := []struct {
		name       string
		convention models.EscrowStatus
		pct        int64
		escrow     models.EscrowStatus
		payment    models.PaymentStatus
		released   bool
	}{
		{"all refunded, released convention", models.EscrowReleased, 100, models.EscrowRefunded, models.PaymentStatusRefunded, false},
		{"all refunded, refunded convention", models.EscrowRefunded, 100, models.EscrowRefunded, models.PaymentStatusRefunded, false},
		{"nothing refunded, released convention", models.EscrowReleased, 0, models.EscrowReleased, models.PaymentStatusReleased, true},
		{"nothing refunded, refunded convention", models.EscrowRefunded, 0, models.EscrowReleased, models.PaymentStatusReleased, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, func(cfg *EscrowConfig) {
				cfg.PartialRefundStatus = tc.convention
			})
			ctx := context.Background()

			h.heldRequest("R1", 1000)
			_, err := h.escrow.HoldForDispute(ctx, "R1", "quality")
			require.NoError(t, err)

			pct := decimal.NewFromInt(tc.pct)
			st, err := h.escrow.ResolveDispute(ctx, "R1", models.ResolutionPartialRefund, &pct)
			require.NoError(t, err)
			assert.Equal(t, tc.escrow, st.EscrowStatus)
			assert.Equal(t, tc.released, st.ReleasedToProvider)
			assert.Equal(t, tc.escrow, h.request("R1").EscrowStatus)

			p, err := h.escrow.GetPaymentByRequest(ctx, "R1")
			require.NoError(t, err)
			assert.Equal(t, tc.payment, p.Status)
			assert.Equal(t, tc.released, p.ReleasedToProvider)
			assert.Equal(t, tc.released, p.ReleasedAt != nil)
		})
	}
}

func TestRefundToClient(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.heldRequest("R1", 1000)
	d := raise(t, h, "R1")

	res, err := h.disputes.Resolve(ctx, &ResolveDisputeRequest{
		DisputeID:  d.ID,
		AdminID:    "admin",
		Resolution: models.ResolutionRefundToClient,
	})
	require.NoError(t, err)
	assert.Equal(t, models.EscrowRefunded, res.Settlement.EscrowStatus)
	assert.Equal(t, "1000.00", res.Settlement.ClientRefund.StringFixed(2))
	assert.False(t, res.Settlement.ReleasedToProvider)

	p, err := h.escrow.GetPaymentByRequest(ctx, "R1")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusRefunded, p.Status)
	assert.False(t, p.ReleasedToProvider)
	assert.Nil(t, p.ReleasedAt)

	h.notifier.Wait()
	assert.Zero(t, h.pub.count(models.EventTypePaymentReleased))
}

func TestResolveDisputeDirectlyOnEscrow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.heldRequest("R1", 2500)
	_, err := h.escrow.HoldForDispute(ctx, "R1", "quality")
	require.NoError(t, err)

	st, err := h.escrow.ResolveDispute(ctx, "R1", models.ResolutionReleaseToProvider, nil)
	require.NoError(t, err)
	assert.Equal(t, models.EscrowReleased, st.EscrowStatus)
	assert.Equal(t, "2250.00", st.ProviderAmount.StringFixed(2))
	assert.Equal(t, models.EscrowReleased, h.request("R1").EscrowStatus)

	_, err = h.escrow.ResolveDispute(ctx, "R1", models.ResolutionReleaseToProvider, nil)
	assert.Equal(t, apperrors.CodeIllegalTransition, businessCode(err))
}

func TestResolveValidatesRefundPercentage(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.heldRequest("R1", 1000)
	d := raise(t, h, "R1")

	for _, pct := range []*decimal.Decimal{nil, decimalPtr("-1"), decimalPtr("100.5")} {
		_, err := h.disputes.Resolve(ctx, &ResolveDisputeRequest{
			DisputeID:        d.ID,
			AdminID:          "admin",
			Resolution:       models.ResolutionPartialRefund,
			RefundPercentage: pct,
		})
		var ve *apperrors.ValidationError
		assert.True(t, errors.As(err, &ve))
	}
	assert.Equal(t, models.EscrowDisputed, h.request("R1").EscrowStatus)

	_, err := h.disputes.Resolve(ctx, &ResolveDisputeRequest{
		DisputeID:  d.ID,
		AdminID:    "admin",
		Resolution: "SPLIT_IT",
	})
	var ve *apperrors.ValidationError
	assert.True(t, errors.As(err, &ve))
}

func TestRaiseDisputeRules(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.heldRequest("R1", 100)
	_, err := h.disputes.Raise(ctx, &RaiseDisputeRequest{RequestID: "R1", RaisedBy: "stranger", Reason: "x"})
	var ae *apperrors.AuthorizationError
	assert.True(t, errors.As(err, &ae))

	h.putRequest("R2")
	_, err = h.disputes.Raise(ctx, &RaiseDisputeRequest{RequestID: "R2", RaisedBy: "C-R2", Reason: "x"})
	assert.True(t, isBusinessLogic(err))

	d, err := h.disputes.Raise(ctx, &RaiseDisputeRequest{RequestID: "R1", RaisedBy: "P-R1", Reason: "client unresponsive"})
	require.NoError(t, err)
	assert.Equal(t, models.DisputeStatusOpen, d.Status)
	assert.Equal(t, models.PriorityLow, d.Priority)

	_, err = h.disputes.Raise(ctx, &RaiseDisputeRequest{RequestID: "R1", RaisedBy: "C-R1", Reason: "again"})
	assert.True(t, isBusinessLogic(err))

	got, err := h.disputes.GetByRequest(ctx, "R1")
	require.NoError(t, err)
	assert.Equal(t, d.ID, got.ID)
}

func TestDisputeLifecycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.heldRequest("R1", 1500)
	d := raise(t, h, "R1")
	assert.Equal(t, models.PriorityMedium, d.Priority)
	require.Len(t, d.Evidence, 1)

	d, err := h.disputes.AddEvidence(ctx, d.ID, "P-R1", EvidenceInput{Type: "file", Description: "delivery receipt", URL: "https://files/receipt.pdf"})
	require.NoError(t, err)
	require.Len(t, d.Evidence, 2)
	assert.Equal(t, "P-R1", d.Evidence[1].SubmittedBy)

	_, err = h.disputes.AddEvidence(ctx, d.ID, "stranger", EvidenceInput{Type: "file", Description: "x"})
	var ae *apperrors.AuthorizationError
	assert.True(t, errors.As(err, &ae))

	d, err = h.disputes.StartReview(ctx, d.ID, "admin", "looking into it")
	require.NoError(t, err)
	assert.Equal(t, models.DisputeStatusUnderReview, d.Status)

	d, err = h.disputes.Escalate(ctx, d.ID, "admin", "needs legal")
	require.NoError(t, err)
	assert.Equal(t, models.DisputeStatusEscalated, d.Status)
	assert.Equal(t, models.PriorityUrgent, d.Priority)

	_, err = h.disputes.StartReview(ctx, d.ID, "admin", "")
	assert.Equal(t, apperrors.CodeIllegalTransition, businessCode(err))

	d, err = h.disputes.AddAdminNote(ctx, d.ID, "admin", "called both parties")
	require.NoError(t, err)
	assert.Len(t, d.AdminNotes, 3)

	_, err = h.disputes.Resolve(ctx, &ResolveDisputeRequest{
		DisputeID:  d.ID,
		AdminID:    "admin",
		Resolution: models.ResolutionReleaseToProvider,
	})
	require.NoError(t, err)

	_, err = h.disputes.Resolve(ctx, &ResolveDisputeRequest{
		DisputeID:  d.ID,
		AdminID:    "admin",
		Resolution: models.ResolutionRefundToClient,
	})
	assert.Equal(t, apperrors.CodeDisputeClosed, businessCode(err))

	_, err = h.disputes.AddEvidence(ctx, d.ID, "C-R1", EvidenceInput{Type: "file", Description: "late"})
	assert.Equal(t, apperrors.CodeDisputeClosed, businessCode(err))

	got, err := h.disputes.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DisputeStatusResolved, got.Status)
	assert.Len(t, got.Evidence, 2)
}

func TestConcurrentEvidenceIsAppended(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.heldRequest("R1", 500)
	d := raise(t, h, "R1")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			party := "C-R1"
			if i%2 == 1 {
				party = "P-R1"
			}
			_, err := h.disputes.AddEvidence(ctx, d.ID, party, EvidenceInput{Type: "text", Description: fmt.Sprintf("item %d", i)})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	got, err := h.disputes.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Len(t, got.Evidence, 9)
	assert.Equal(t, 8, got.Version)
}

func TestDisputeBlocksRelease(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.heldRequest("R1", 100)
	require.NoError(t, h.store.SetRequestStatus("R1", models.RequestStatusCompleted))
	raise(t, h, "R1")

	_, err := h.escrow.Release(ctx, "R1", "C-R1", true)
	assert.True(t, isBusinessLogic(err))
	assert.Equal(t, models.EscrowDisputed, h.request("R1").EscrowStatus)
}

func TestPriorityFor(t *testing.T) {
	assert.Equal(t, models.PriorityLow, PriorityFor(decimal.NewFromInt(999)))
	assert.Equal(t, models.PriorityMedium, PriorityFor(decimal.NewFromInt(1000)))
	assert.Equal(t, models.PriorityMedium, PriorityFor(decimal.RequireFromString("9999.99")))
	assert.Equal(t, models.PriorityHigh, PriorityFor(decimal.NewFromInt(10000)))
}

func decimalPtr(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

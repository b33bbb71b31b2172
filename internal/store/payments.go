package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"escrow-service/internal/apperrors"
	"escrow-service/internal/models"

	"github.com/lib/pq"
)

const paymentColumns = `id, request_id, client_id, provider_id, amount, platform_fee, provider_amount,
	refunded_amount, currency, status, is_escrow, gateway_order_id, gateway_payment_id,
	gateway_signature, escrow_held_at, auto_release_at, released_to_provider, released_at,
	failure_reason, created_at, updated_at`

// CreatePayment inserts a new payment
func (t *pgTx) CreatePayment(ctx context.Context, p *models.Payment) error {
	query := `
		INSERT INTO payments (id, request_id, client_id, provider_id, amount, platform_fee,
			provider_amount, refunded_amount, currency, status, is_escrow, gateway_order_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING created_at, updated_at`

	return t.tx.QueryRowxContext(ctx, query,
		p.ID, p.RequestID, p.ClientID, p.ProviderID, p.Amount, p.PlatformFee,
		p.ProviderAmount, p.RefundedAmount, p.Currency, p.Status, p.IsEscrow, p.GatewayOrderID,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
}

// GetPayment retrieves a payment by ID
func (t *pgTx) GetPayment(ctx context.Context, id string) (*models.Payment, error) {
	return t.getPayment(ctx, "SELECT "+paymentColumns+" FROM payments WHERE id = $1", "payment", id)
}

// GetPaymentByOrderID retrieves a payment by gateway order ID
func (t *pgTx) GetPaymentByOrderID(ctx context.Context, gatewayOrderID string) (*models.Payment, error) {
	return t.getPayment(ctx,
		"SELECT "+paymentColumns+" FROM payments WHERE gateway_order_id = $1",
		"payment for order", gatewayOrderID)
}

// GetLatestPaymentByRequest retrieves the most recent payment for a request
func (t *pgTx) GetLatestPaymentByRequest(ctx context.Context, requestID string) (*models.Payment, error) {
	return t.getPayment(ctx,
		"SELECT "+paymentColumns+" FROM payments WHERE request_id = $1 ORDER BY created_at DESC LIMIT 1",
		"payment for request", requestID)
}

func (t *pgTx) getPayment(ctx context.Context, query, resource, key string) (*models.Payment, error) {
	var payment models.Payment
	err := t.tx.GetContext(ctx, &payment, query, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound(resource, key)
	}
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

// TransitionPayment conditionally moves a payment to upd.To
func (t *pgTx) TransitionPayment(ctx context.Context, id string, upd PaymentUpdate) (bool, error) {
	if len(upd.From) == 0 {
		return false, fmt.Errorf("payment transition to %s without a source status", upd.To)
	}

	var c setClause
	c.add("status", upd.To)
	if upd.GatewayPaymentID != nil {
		c.add("gateway_payment_id", *upd.GatewayPaymentID)
	}
	if upd.GatewaySignature != nil {
		c.add("gateway_signature", *upd.GatewaySignature)
	}
	if upd.EscrowHeldAt != nil {
		c.add("escrow_held_at", *upd.EscrowHeldAt)
	}
	if upd.AutoReleaseAt != nil {
		c.add("auto_release_at", *upd.AutoReleaseAt)
	}
	if upd.ReleasedToProvider != nil {
		c.add("released_to_provider", *upd.ReleasedToProvider)
	}
	if upd.ReleasedAt != nil {
		c.add("released_at", *upd.ReleasedAt)
	}
	if upd.ProviderAmount.Valid {
		c.add("provider_amount", upd.ProviderAmount.Decimal)
	}
	if upd.RefundedAmount.Valid {
		c.add("refunded_amount", upd.RefundedAmount.Decimal)
	}
	if upd.FailureReason != nil {
		c.add("failure_reason", *upd.FailureReason)
	}
	c.add("updated_at", time.Now().UTC())

	query := fmt.Sprintf("UPDATE payments SET %s WHERE id = %s AND status = ANY(%s)",
		c.String(), c.arg(id), c.arg(pq.Array(paymentStrings(upd.From))))
	if upd.DueBefore != nil {
		query += " AND auto_release_at IS NOT NULL AND auto_release_at <= " + c.arg(*upd.DueBefore)
	}

	return execCAS(ctx, t.tx, query, c.args...)
}

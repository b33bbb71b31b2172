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

// GetRequest retrieves a service request by ID
func (t *pgTx) GetRequest(ctx context.Context, id string) (*models.ServiceRequest, error) {
	var req models.ServiceRequest
	err := t.tx.GetContext(ctx, &req, `
		SELECT id, client_id, provider_id, firm_id, status, escrow_status, escrow_amount,
			escrow_paid_at, disputed_at, dispute_reason, dispute_resolved_at, dispute_resolution,
			updated_at
		FROM service_requests WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("service request", id)
	}
	if err != nil {
		return nil, err
	}
	return &req, nil
}

// TransitionRequestEscrow conditionally moves a request's escrow status
func (t *pgTx) TransitionRequestEscrow(ctx context.Context, id string, upd EscrowUpdate) (bool, error) {
	if err := upd.Validate(); err != nil {
		return false, err
	}

	var c setClause
	c.add("escrow_status", upd.To)
	if upd.EscrowAmount.Valid {
		c.add("escrow_amount", upd.EscrowAmount.Decimal)
	}
	if upd.EscrowPaidAt != nil {
		c.add("escrow_paid_at", *upd.EscrowPaidAt)
	}
	if upd.DisputedAt != nil {
		c.add("disputed_at", *upd.DisputedAt)
	}
	if upd.DisputeReason != nil {
		c.add("dispute_reason", *upd.DisputeReason)
	}
	if upd.DisputeResolvedAt != nil {
		c.add("dispute_resolved_at", *upd.DisputeResolvedAt)
	}
	if upd.DisputeResolution != nil {
		c.add("dispute_resolution", *upd.DisputeResolution)
	}
	c.add("updated_at", time.Now().UTC())

	query := fmt.Sprintf("UPDATE service_requests SET %s WHERE id = %s AND escrow_status = ANY(%s)",
		c.String(), c.arg(id), c.arg(pq.Array(escrowStrings(upd.From))))
	if upd.RequireStatus != nil {
		query += " AND status = " + c.arg(*upd.RequireStatus)
	}

	return execCAS(ctx, t.tx, query, c.args...)
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"escrow-service/internal/apperrors"
	"escrow-service/internal/models"

	"github.com/lib/pq"
)

const disputeColumns = `id, request_id, client_id, provider_id, firm_id, raised_by, reason, amount,
	evidence, status, resolution, refund_percentage, client_refund, provider_payout, priority,
	admin_notes, resolved_by, resolved_at, version, created_at, updated_at`

// CreateDispute inserts a new dispute
func (t *pgTx) CreateDispute(ctx context.Context, d *models.Dispute) error {
	query := `
		INSERT INTO disputes (id, request_id, client_id, provider_id, firm_id, raised_by, reason,
			amount, evidence, status, priority, admin_notes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING version, created_at, updated_at`

	return t.tx.QueryRowxContext(ctx, query,
		d.ID, d.RequestID, d.ClientID, d.ProviderID, d.FirmID, d.RaisedBy, d.Reason,
		d.Amount, d.Evidence, d.Status, d.Priority, d.AdminNotes,
	).Scan(&d.Version, &d.CreatedAt, &d.UpdatedAt)
}

// GetDispute retrieves a dispute by ID
func (t *pgTx) GetDispute(ctx context.Context, id string) (*models.Dispute, error) {
	return t.getDispute(ctx, "SELECT "+disputeColumns+" FROM disputes WHERE id = $1", "dispute", id)
}

// GetActiveDisputeByRequest retrieves the unresolved dispute for a request
func (t *pgTx) GetActiveDisputeByRequest(ctx context.Context, requestID string) (*models.Dispute, error) {
	return t.getDispute(ctx,
		"SELECT "+disputeColumns+" FROM disputes WHERE request_id = $1 AND status <> 'RESOLVED' LIMIT 1",
		"active dispute for request", requestID)
}

// GetLatestDisputeByRequest retrieves the most recent dispute for a request
func (t *pgTx) GetLatestDisputeByRequest(ctx context.Context, requestID string) (*models.Dispute, error) {
	return t.getDispute(ctx,
		"SELECT "+disputeColumns+" FROM disputes WHERE request_id = $1 ORDER BY created_at DESC LIMIT 1",
		"dispute for request", requestID)
}

func (t *pgTx) getDispute(ctx context.Context, query, resource, key string) (*models.Dispute, error) {
	var dispute models.Dispute
	err := t.tx.GetContext(ctx, &dispute, query, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound(resource, key)
	}
	if err != nil {
		return nil, err
	}
	return &dispute, nil
}

// UpdateDispute writes the mutable columns of d if its stored status is in from
// and its version still matches the one d was read at. Evidence and notes are
// written whole, so a stale read must lose.
func (t *pgTx) UpdateDispute(ctx context.Context, d *models.Dispute, from []models.DisputeStatus) (bool, error) {
	d.UpdatedAt = time.Now().UTC()
	query := `
		UPDATE disputes
		SET evidence = $1, status = $2, resolution = $3, refund_percentage = $4, client_refund = $5,
			provider_payout = $6, priority = $7, admin_notes = $8, resolved_by = $9, resolved_at = $10,
			updated_at = $11, version = version + 1
		WHERE id = $12 AND status = ANY($13) AND version = $14`

	ok, err := execCAS(ctx, t.tx, query,
		d.Evidence, d.Status, d.Resolution, d.RefundPercentage, d.ClientRefund,
		d.ProviderPayout, d.Priority, d.AdminNotes, d.ResolvedBy, d.ResolvedAt,
		d.UpdatedAt, d.ID, pq.Array(disputeStrings(from)), d.Version)
	if ok {
		d.Version++
	}
	return ok, err
}

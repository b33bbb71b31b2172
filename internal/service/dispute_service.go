package service

import (
	"context"
	"time"

	"escrow-service/internal/apperrors"
	"escrow-service/internal/idempotency"
	"escrow-service/internal/models"
	"escrow-service/internal/store"
	"escrow-service/internal/util"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	highPriorityAmount   = decimal.NewFromInt(10000)
	mediumPriorityAmount = decimal.NewFromInt(1000)
)

// EvidenceInput is one piece of evidence submitted by a party
type EvidenceInput struct {
	Type        string `json:"type" binding:"required"`
	Description string `json:"description" binding:"required"`
	URL         string `json:"url,omitempty"`
}

// RaiseDisputeRequest opens a dispute on a request's held funds
type RaiseDisputeRequest struct {
	RequestID string          `json:"request_id" binding:"required"`
	RaisedBy  string          `json:"raised_by" binding:"required"`
	Reason    string          `json:"reason" binding:"required"`
	Evidence  []EvidenceInput `json:"evidence"`
	FirmID    *string         `json:"firm_id,omitempty"`
}

// ResolveDisputeRequest closes a dispute and settles the funds
type ResolveDisputeRequest struct {
	DisputeID        string            `json:"-"`
	AdminID          string            `json:"admin_id" binding:"required"`
	Resolution       models.Resolution `json:"resolution" binding:"required"`
	RefundPercentage *decimal.Decimal  `json:"refund_percentage,omitempty"`
	Note             string            `json:"note"`
}

// ResolveDisputeResponse carries the closed dispute and the money split
type ResolveDisputeResponse struct {
	Dispute    *models.Dispute `json:"dispute"`
	Settlement *Settlement     `json:"settlement"`
}

// DisputeService runs the dispute sub-state-machine. Raising a dispute
// freezes the escrow and resolving one settles it, each in the same
// transaction as the dispute change.
type DisputeService struct {
	store    store.Store
	guard    *idempotency.Guard
	escrow   *EscrowService
	notifier *Notifier
	logger   *zap.Logger
}

// NewDisputeService creates a new dispute service
func NewDisputeService(st store.Store, guard *idempotency.Guard, escrow *EscrowService, notifier *Notifier) *DisputeService {
	return &DisputeService{
		store:    st,
		guard:    guard,
		escrow:   escrow,
		notifier: notifier,
		logger:   util.GetLogger(),
	}
}

// PriorityFor ranks a dispute by the amount at stake
func PriorityFor(amount decimal.Decimal) string {
	switch {
	case amount.GreaterThanOrEqual(highPriorityAmount):
		return models.PriorityHigh
	case amount.GreaterThanOrEqual(mediumPriorityAmount):
		return models.PriorityMedium
	default:
		return models.PriorityLow
	}
}

// Raise opens a dispute. Only the request's client or provider may raise
// one, and only while funds are held.
func (ds *DisputeService) Raise(ctx context.Context, in *RaiseDisputeRequest) (*models.Dispute, error) {
	ctx, span := util.StartSpan(ctx, "DisputeService.Raise")
	defer span.End()

	if in.RequestID == "" {
		return nil, apperrors.Validation("request_id", "required")
	}
	if in.RaisedBy == "" {
		return nil, apperrors.Validation("raised_by", "required")
	}
	if in.Reason == "" {
		return nil, apperrors.Validation("reason", "required")
	}
	for i, e := range in.Evidence {
		if err := validateEvidence(e); err != nil {
			ds.logger.Debug("Rejected evidence item", zap.Int("index", i), zap.Error(err))
			return nil, err
		}
	}

	var dispute *models.Dispute
	_, err := ds.guard.Execute(ctx, "", func(ctx context.Context, tx store.Tx) error {
		req, err := tx.GetRequest(ctx, in.RequestID)
		if err != nil {
			return err
		}
		if !req.IsParty(in.RaisedBy) {
			return apperrors.Forbidden("only the client or provider of request %s can raise a dispute", in.RequestID)
		}
		if !req.HasProvider() || !req.EscrowAmount.Valid {
			return apperrors.BusinessLogic(apperrors.CodeIllegalTransition,
				"request %s has no escrowed funds", in.RequestID)
		}

		if _, err := ds.escrow.holdForDisputeTx(ctx, tx, in.RequestID, in.Reason); err != nil {
			return err
		}

		now := ds.escrow.now()
		firmID := in.FirmID
		if firmID == nil {
			firmID = req.FirmID
		}
		d := &models.Dispute{
			ID:         uuid.New().String(),
			RequestID:  req.ID,
			ClientID:   req.ClientID,
			ProviderID: *req.ProviderID,
			FirmID:     firmID,
			RaisedBy:   in.RaisedBy,
			Reason:     in.Reason,
			Amount:     req.EscrowAmount.Decimal,
			Evidence:   models.EvidenceList{},
			Status:     models.DisputeStatusOpen,
			Priority:   PriorityFor(req.EscrowAmount.Decimal),
			AdminNotes: models.NoteList{},
		}
		for _, e := range in.Evidence {
			d.Evidence = append(d.Evidence, newEvidence(e, in.RaisedBy, now))
		}
		if err := tx.CreateDispute(ctx, d); err != nil {
			return err
		}
		dispute = d
		return nil
	})
	if err != nil {
		return nil, err
	}

	util.DisputesRaisedTotal.WithLabelValues(dispute.Priority).Inc()
	util.EscrowTransitionsTotal.WithLabelValues(string(models.EscrowHeld), string(models.EscrowDisputed)).Inc()
	ds.logger.Info("Dispute raised",
		zap.String("dispute_id", dispute.ID),
		zap.String("request_id", dispute.RequestID),
		zap.String("raised_by", dispute.RaisedBy),
		zap.String("priority", dispute.Priority))

	evt := ds.disputeEvent(models.EventTypeDisputeRaised, dispute)
	evt.Details = map[string]string{
		"raised_by": dispute.RaisedBy,
		"priority":  dispute.Priority,
	}
	ds.notifier.Notify(ctx, evt)

	return dispute, nil
}

// AddEvidence appends evidence from a party. Evidence is never edited or
// removed, and a resolved dispute takes no more.
func (ds *DisputeService) AddEvidence(ctx context.Context, disputeID, submittedBy string, in EvidenceInput) (*models.Dispute, error) {
	ctx, span := util.StartSpan(ctx, "DisputeService.AddEvidence")
	defer span.End()

	if err := validateEvidence(in); err != nil {
		return nil, err
	}
	return ds.update(ctx, disputeID, models.ActiveDisputeStatuses, func(d *models.Dispute, now time.Time) error {
		if submittedBy != d.ClientID && submittedBy != d.ProviderID {
			return apperrors.Forbidden("only dispute parties can submit evidence")
		}
		d.Evidence = append(d.Evidence, newEvidence(in, submittedBy, now))
		return nil
	})
}

// StartReview moves an OPEN dispute to UNDER_REVIEW
func (ds *DisputeService) StartReview(ctx context.Context, disputeID, adminID, note string) (*models.Dispute, error) {
	ctx, span := util.StartSpan(ctx, "DisputeService.StartReview")
	defer span.End()

	if adminID == "" {
		return nil, apperrors.Validation("admin_id", "required")
	}
	from := []models.DisputeStatus{models.DisputeStatusOpen}
	return ds.update(ctx, disputeID, from, func(d *models.Dispute, now time.Time) error {
		d.Status = models.DisputeStatusUnderReview
		appendNote(d, adminID, note, now)
		return nil
	})
}

// Escalate moves an OPEN or UNDER_REVIEW dispute to ESCALATED with
// URGENT priority
func (ds *DisputeService) Escalate(ctx context.Context, disputeID, adminID, note string) (*models.Dispute, error) {
	ctx, span := util.StartSpan(ctx, "DisputeService.Escalate")
	defer span.End()

	if adminID == "" {
		return nil, apperrors.Validation("admin_id", "required")
	}
	from := []models.DisputeStatus{models.DisputeStatusOpen, models.DisputeStatusUnderReview}
	return ds.update(ctx, disputeID, from, func(d *models.Dispute, now time.Time) error {
		d.Status = models.DisputeStatusEscalated
		d.Priority = models.PriorityUrgent
		appendNote(d, adminID, note, now)
		return nil
	})
}

// AddAdminNote records an operator note in any status
func (ds *DisputeService) AddAdminNote(ctx context.Context, disputeID, adminID, note string) (*models.Dispute, error) {
	ctx, span := util.StartSpan(ctx, "DisputeService.AddAdminNote")
	defer span.End()

	if adminID == "" {
		return nil, apperrors.Validation("admin_id", "required")
	}
	if note == "" {
		return nil, apperrors.Validation("note", "required")
	}
	all := append([]models.DisputeStatus{models.DisputeStatusResolved}, models.ActiveDisputeStatuses...)
	return ds.update(ctx, disputeID, all, func(d *models.Dispute, now time.Time) error {
		appendNote(d, adminID, note, now)
		return nil
	})
}

// Resolve closes an active dispute and settles the escrow in the same
// transaction
func (ds *DisputeService) Resolve(ctx context.Context, in *ResolveDisputeRequest) (*ResolveDisputeResponse, error) {
	ctx, span := util.StartSpan(ctx, "DisputeService.Resolve")
	defer span.End()

	if in.AdminID == "" {
		return nil, apperrors.Validation("admin_id", "required")
	}
	if err := validateResolution(in.Resolution, in.RefundPercentage); err != nil {
		return nil, err
	}

	var (
		dispute    *models.Dispute
		settlement *Settlement
	)
	_, err := ds.guard.Execute(ctx, "", func(ctx context.Context, tx store.Tx) error {
		d, err := tx.GetDispute(ctx, in.DisputeID)
		if err != nil {
			return err
		}
		if !d.IsActive() {
			return apperrors.BusinessLogic(apperrors.CodeDisputeClosed, "dispute %s is already resolved", d.ID)
		}

		st, err := ds.escrow.resolveDisputeTx(ctx, tx, d.RequestID, in.Resolution, in.RefundPercentage)
		if err != nil {
			return err
		}

		now := ds.escrow.now()
		resolution := in.Resolution
		adminID := in.AdminID
		d.Status = models.DisputeStatusResolved
		d.Resolution = &resolution
		d.RefundPercentage = st.RefundPercentage
		d.ClientRefund = decimal.NewNullDecimal(st.ClientRefund)
		d.ProviderPayout = decimal.NewNullDecimal(st.ProviderAmount)
		d.ResolvedBy = &adminID
		d.ResolvedAt = &now
		appendNote(d, in.AdminID, in.Note, now)

		ok, err := tx.UpdateDispute(ctx, d, models.ActiveDisputeStatuses)
		if err != nil {
			return err
		}
		if !ok {
			return apperrors.StaleState("dispute %s changed concurrently", d.ID)
		}
		dispute = d
		settlement = st
		return nil
	})
	if err != nil {
		return nil, err
	}

	util.DisputesResolvedTotal.WithLabelValues(string(in.Resolution)).Inc()
	ds.logger.Info("Dispute resolved",
		zap.String("dispute_id", dispute.ID),
		zap.String("request_id", dispute.RequestID),
		zap.String("resolved_by", in.AdminID),
		zap.String("resolution", string(in.Resolution)))

	evt := ds.disputeEvent(models.EventTypeDisputeResolved, dispute)
	evt.Details = map[string]string{
		"resolution":      string(settlement.Resolution),
		"client_refund":   settlement.ClientRefund.StringFixed(2),
		"provider_amount": settlement.ProviderAmount.StringFixed(2),
	}
	ds.notifier.Notify(ctx, evt)
	ds.escrow.afterSettlement(ctx, settlement)

	return &ResolveDisputeResponse{Dispute: dispute, Settlement: settlement}, nil
}

// Get returns a dispute by id
func (ds *DisputeService) Get(ctx context.Context, disputeID string) (*models.Dispute, error) {
	var d *models.Dispute
	err := ds.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		d, err = tx.GetDispute(ctx, disputeID)
		return err
	})
	return d, err
}

// GetByRequest returns the most recent dispute for a request
func (ds *DisputeService) GetByRequest(ctx context.Context, requestID string) (*models.Dispute, error) {
	var d *models.Dispute
	err := ds.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		d, err = tx.GetLatestDisputeByRequest(ctx, requestID)
		return err
	})
	return d, err
}

// disputeWriteAttempts bounds how often update re-reads a dispute after
// losing a write to a concurrent change
const disputeWriteAttempts = 3

// update loads a dispute, applies mutate and writes it back only if the
// status is still one of from. A write lost to a concurrent update is
// replayed on a fresh read, so appended evidence and notes are never dropped.
func (ds *DisputeService) update(ctx context.Context, disputeID string, from []models.DisputeStatus, mutate func(d *models.Dispute, now time.Time) error) (*models.Dispute, error) {
	if disputeID == "" {
		return nil, apperrors.Validation("dispute_id", "required")
	}

	var (
		updated *models.Dispute
		err     error
	)
	for attempt := 1; attempt <= disputeWriteAttempts; attempt++ {
		updated, err = ds.updateOnce(ctx, disputeID, from, mutate)
		if err == nil || !apperrors.IsStaleState(err) {
			break
		}
		ds.logger.Debug("Dispute changed concurrently, retrying",
			zap.String("dispute_id", disputeID),
			zap.Int("attempt", attempt))
	}
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (ds *DisputeService) updateOnce(ctx context.Context, disputeID string, from []models.DisputeStatus, mutate func(d *models.Dispute, now time.Time) error) (*models.Dispute, error) {
	var updated *models.Dispute
	_, err := ds.guard.Execute(ctx, "", func(ctx context.Context, tx store.Tx) error {
		d, err := tx.GetDispute(ctx, disputeID)
		if err != nil {
			return err
		}
		if !containsStatus(from, d.Status) {
			if d.Status == models.DisputeStatusResolved {
				return apperrors.BusinessLogic(apperrors.CodeDisputeClosed, "dispute %s is already resolved", d.ID)
			}
			return apperrors.BusinessLogic(apperrors.CodeIllegalTransition,
				"dispute %s cannot change from status %s", d.ID, d.Status)
		}

		current := d.Status
		if err := mutate(d, ds.escrow.now()); err != nil {
			return err
		}
		ok, err := tx.UpdateDispute(ctx, d, []models.DisputeStatus{current})
		if err != nil {
			return err
		}
		if !ok {
			return apperrors.StaleState("dispute %s changed concurrently", d.ID)
		}
		updated = d
		return nil
	})
	return updated, err
}

func (ds *DisputeService) disputeEvent(eventType string, d *models.Dispute) *models.NotificationEvent {
	evt := models.NewNotificationEvent(eventType, d.RequestID, d.ClientID, d.ProviderID, d.Amount)
	evt.DisputeID = d.ID
	return evt
}

func validateEvidence(e EvidenceInput) error {
	if e.Type == "" {
		return apperrors.Validation("evidence.type", "required")
	}
	if e.Description == "" {
		return apperrors.Validation("evidence.description", "required")
	}
	return nil
}

func newEvidence(e EvidenceInput, submittedBy string, now time.Time) models.Evidence {
	return models.Evidence{
		ID:          uuid.New().String(),
		Type:        e.Type,
		Description: e.Description,
		URL:         e.URL,
		SubmittedBy: submittedBy,
		SubmittedAt: now,
	}
}

func appendNote(d *models.Dispute, adminID, note string, now time.Time) {
	if note == "" {
		return
	}
	d.AdminNotes = append(d.AdminNotes, models.AdminNote{AdminID: adminID, Note: note, CreatedAt: now})
}

func containsStatus(set []models.DisputeStatus, s models.DisputeStatus) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

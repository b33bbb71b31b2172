// Package store persists payments, escrow state on service requests and
// disputes. Every state change is a compare-and-swap update that reports
// whether the row was still in the expected state.
package store

import (
	"context"
	"time"

	"escrow-service/internal/apperrors"
	"escrow-service/internal/models"

	"github.com/shopspring/decimal"
)

// Store opens transactions and runs the queries that live outside one
type Store interface {
	// WithTx runs fn in one atomic transaction. fn's error rolls back.
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	// ListReleasable returns held payments whose auto-release time has
	// passed and whose request has no active dispute, oldest first.
	ListReleasable(ctx context.Context, now time.Time, limit int) ([]Releasable, error)
	Ping(ctx context.Context) error
	Close() error
}

// Tx is the set of reads and conditional writes available in a transaction
type Tx interface {
	GetRequest(ctx context.Context, id string) (*models.ServiceRequest, error)
	// TransitionRequestEscrow applies upd only if the row's escrow status is
	// one of upd.From. It returns false when no row matched.
	TransitionRequestEscrow(ctx context.Context, id string, upd EscrowUpdate) (bool, error)

	CreatePayment(ctx context.Context, p *models.Payment) error
	GetPayment(ctx context.Context, id string) (*models.Payment, error)
	GetPaymentByOrderID(ctx context.Context, gatewayOrderID string) (*models.Payment, error)
	GetLatestPaymentByRequest(ctx context.Context, requestID string) (*models.Payment, error)
	// TransitionPayment applies upd only if the payment status is one of
	// upd.From. It returns false when no row matched.
	TransitionPayment(ctx context.Context, id string, upd PaymentUpdate) (bool, error)

	CreateDispute(ctx context.Context, d *models.Dispute) error
	GetDispute(ctx context.Context, id string) (*models.Dispute, error)
	GetActiveDisputeByRequest(ctx context.Context, requestID string) (*models.Dispute, error)
	GetLatestDisputeByRequest(ctx context.Context, requestID string) (*models.Dispute, error)
	// UpdateDispute writes the mutable dispute columns if the stored status
	// is one of from and the stored version equals d.Version. On success
	// d.Version is advanced.
	UpdateDispute(ctx context.Context, d *models.Dispute, from []models.DisputeStatus) (bool, error)
}

// Releasable identifies a payment due for auto-release
type Releasable struct {
	PaymentID     string    `db:"payment_id"`
	RequestID     string    `db:"request_id"`
	AutoReleaseAt time.Time `db:"auto_release_at"`
}

// EscrowUpdate is a conditional update of a request's escrow columns.
// Nil or invalid optional fields leave the column unchanged.
type EscrowUpdate struct {
	From          []models.EscrowStatus
	To            models.EscrowStatus
	RequireStatus *models.RequestStatus

	EscrowAmount      decimal.NullDecimal
	EscrowPaidAt      *time.Time
	DisputedAt        *time.Time
	DisputeReason     *string
	DisputeResolvedAt *time.Time
	DisputeResolution *string
}

// Validate rejects edges missing from the transition table and any attempt
// to set the escrow amount outside the capture edge
func (u EscrowUpdate) Validate() error {
	if len(u.From) == 0 {
		return apperrors.BusinessLogic(apperrors.CodeIllegalTransition, "escrow update without a source state")
	}
	for _, from := range u.From {
		if !models.CanTransition(from, u.To) {
			return apperrors.BusinessLogic(apperrors.CodeIllegalTransition,
				"illegal escrow transition %s -> %s", from, u.To)
		}
	}
	if u.EscrowAmount.Valid {
		if u.To != models.EscrowHeld || len(u.From) != 1 ||
			(u.From[0] != models.EscrowPendingPayment && u.From[0] != models.EscrowNotRequired) {
			return apperrors.BusinessLogic(apperrors.CodeIllegalTransition,
				"escrow amount can only be set when funds are captured")
		}
	}
	return nil
}

// PaymentUpdate is a conditional update of a payment row. Nil or invalid
// optional fields leave the column unchanged.
type PaymentUpdate struct {
	From []models.PaymentStatus
	To   models.PaymentStatus
	// DueBefore additionally requires auto_release_at <= DueBefore
	DueBefore *time.Time

	GatewayPaymentID   *string
	GatewaySignature   *string
	EscrowHeldAt       *time.Time
	AutoReleaseAt      *time.Time
	ReleasedToProvider *bool
	ReleasedAt         *time.Time
	ProviderAmount     decimal.NullDecimal
	RefundedAmount     decimal.NullDecimal
	FailureReason      *string
}

func escrowStrings(in []models.EscrowStatus) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}

func paymentStrings(in []models.PaymentStatus) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}

func disputeStrings(in []models.DisputeStatus) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}

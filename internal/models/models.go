package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// PaymentStatus is the lifecycle status of a Payment row
type PaymentStatus string

// Payment statuses
const (
	PaymentStatusPending    PaymentStatus = "PENDING"
	PaymentStatusProcessing PaymentStatus = "PROCESSING"
	PaymentStatusCompleted  PaymentStatus = "COMPLETED"
	PaymentStatusEscrowHeld PaymentStatus = "ESCROW_HELD"
	PaymentStatusReleased   PaymentStatus = "RELEASED"
	PaymentStatusFailed     PaymentStatus = "FAILED"
	PaymentStatusRefunded   PaymentStatus = "REFUNDED"
)

// IsActive reports whether a payment still blocks creating a new order for its request
func (s PaymentStatus) IsActive() bool {
	switch s {
	case PaymentStatusPending, PaymentStatusProcessing, PaymentStatusEscrowHeld:
		return true
	}
	return false
}

// IsCaptured reports whether the gateway capture has already been applied
func (s PaymentStatus) IsCaptured() bool {
	switch s {
	case PaymentStatusEscrowHeld, PaymentStatusCompleted, PaymentStatusReleased, PaymentStatusRefunded:
		return true
	}
	return false
}

// RequestStatus is the work status of a ServiceRequest. The engine only reads it.
type RequestStatus string

// Request statuses
const (
	RequestStatusPending    RequestStatus = "PENDING"
	RequestStatusAccepted   RequestStatus = "ACCEPTED"
	RequestStatusInProgress RequestStatus = "IN_PROGRESS"
	RequestStatusCompleted  RequestStatus = "COMPLETED"
	RequestStatusCancelled  RequestStatus = "CANCELLED"
)

// Payment is the engine-owned ledger row for one gateway order
type Payment struct {
	ID                 string          `db:"id" json:"id"`
	RequestID          string          `db:"request_id" json:"request_id"`
	ClientID           string          `db:"client_id" json:"client_id"`
	ProviderID         string          `db:"provider_id" json:"provider_id"`
	Amount             decimal.Decimal `db:"amount" json:"amount"`
	PlatformFee        decimal.Decimal `db:"platform_fee" json:"platform_fee"`
	ProviderAmount     decimal.Decimal `db:"provider_amount" json:"provider_amount"`
	RefundedAmount     decimal.Decimal `db:"refunded_amount" json:"refunded_amount"`
	Currency           string          `db:"currency" json:"currency"`
	Status             PaymentStatus   `db:"status" json:"status"`
	IsEscrow           bool            `db:"is_escrow" json:"is_escrow"`
	GatewayOrderID     string          `db:"gateway_order_id" json:"gateway_order_id"`
	GatewayPaymentID   *string         `db:"gateway_payment_id" json:"gateway_payment_id,omitempty"`
	GatewaySignature   *string         `db:"gateway_signature" json:"gateway_signature,omitempty"`
	EscrowHeldAt       *time.Time      `db:"escrow_held_at" json:"escrow_held_at,omitempty"`
	AutoReleaseAt      *time.Time      `db:"auto_release_at" json:"auto_release_at,omitempty"`
	ReleasedToProvider bool            `db:"released_to_provider" json:"released_to_provider"`
	ReleasedAt         *time.Time      `db:"released_at" json:"released_at,omitempty"`
	FailureReason      *string         `db:"failure_reason" json:"failure_reason,omitempty"`
	CreatedAt          time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time       `db:"updated_at" json:"updated_at"`
}

// ServiceRequest carries the request columns the engine reads and mutates
type ServiceRequest struct {
	ID                string              `db:"id" json:"id"`
	ClientID          string              `db:"client_id" json:"client_id"`
	ProviderID        *string             `db:"provider_id" json:"provider_id,omitempty"`
	FirmID            *string             `db:"firm_id" json:"firm_id,omitempty"`
	Status            RequestStatus       `db:"status" json:"status"`
	EscrowStatus      EscrowStatus        `db:"escrow_status" json:"escrow_status"`
	EscrowAmount      decimal.NullDecimal `db:"escrow_amount" json:"escrow_amount"`
	EscrowPaidAt      *time.Time          `db:"escrow_paid_at" json:"escrow_paid_at,omitempty"`
	DisputedAt        *time.Time          `db:"disputed_at" json:"disputed_at,omitempty"`
	DisputeReason     *string             `db:"dispute_reason" json:"dispute_reason,omitempty"`
	DisputeResolvedAt *time.Time          `db:"dispute_resolved_at" json:"dispute_resolved_at,omitempty"`
	DisputeResolution *string             `db:"dispute_resolution" json:"dispute_resolution,omitempty"`
	UpdatedAt         time.Time           `db:"updated_at" json:"updated_at"`
}

// HasProvider reports whether a provider has been assigned to the request
func (r *ServiceRequest) HasProvider() bool {
	return r.ProviderID != nil && *r.ProviderID != ""
}

// IsParty reports whether userID is the client or the assigned provider
func (r *ServiceRequest) IsParty(userID string) bool {
	if userID == "" {
		return false
	}
	return userID == r.ClientID || (r.HasProvider() && userID == *r.ProviderID)
}

// DisputeStatus is the lifecycle status of a Dispute
type DisputeStatus string

// Dispute statuses
const (
	DisputeStatusOpen        DisputeStatus = "OPEN"
	DisputeStatusUnderReview DisputeStatus = "UNDER_REVIEW"
	DisputeStatusResolved    DisputeStatus = "RESOLVED"
	DisputeStatusEscalated   DisputeStatus = "ESCALATED"
)

// ActiveDisputeStatuses are the statuses that block any release
var ActiveDisputeStatuses = []DisputeStatus{
	DisputeStatusOpen,
	DisputeStatusUnderReview,
	DisputeStatusEscalated,
}

// Resolution is the outcome chosen for a dispute
type Resolution string

// Dispute resolutions
const (
	ResolutionReleaseToProvider Resolution = "RELEASE_TO_PROVIDER"
	ResolutionRefundToClient    Resolution = "REFUND_TO_CLIENT"
	ResolutionPartialRefund     Resolution = "PARTIAL_REFUND"
)

// Valid reports whether r is a known resolution
func (r Resolution) Valid() bool {
	switch r {
	case ResolutionReleaseToProvider, ResolutionRefundToClient, ResolutionPartialRefund:
		return true
	}
	return false
}

// Dispute priorities
const (
	PriorityLow    = "LOW"
	PriorityMedium = "MEDIUM"
	PriorityHigh   = "HIGH"
	PriorityUrgent = "URGENT"
)

// Dispute is a claim against an escrowed payment
type Dispute struct {
	ID               string              `db:"id" json:"id"`
	RequestID        string              `db:"request_id" json:"request_id"`
	ClientID         string              `db:"client_id" json:"client_id"`
	ProviderID       string              `db:"provider_id" json:"provider_id"`
	FirmID           *string             `db:"firm_id" json:"firm_id,omitempty"`
	RaisedBy         string              `db:"raised_by" json:"raised_by"`
	Reason           string              `db:"reason" json:"reason"`
	Amount           decimal.Decimal     `db:"amount" json:"amount"`
	Evidence         EvidenceList        `db:"evidence" json:"evidence"`
	Status           DisputeStatus       `db:"status" json:"status"`
	Resolution       *Resolution         `db:"resolution" json:"resolution,omitempty"`
	RefundPercentage decimal.NullDecimal `db:"refund_percentage" json:"refund_percentage"`
	ClientRefund     decimal.NullDecimal `db:"client_refund" json:"client_refund"`
	ProviderPayout   decimal.NullDecimal `db:"provider_payout" json:"provider_payout"`
	Priority         string              `db:"priority" json:"priority"`
	AdminNotes       NoteList            `db:"admin_notes" json:"admin_notes"`
	ResolvedBy       *string             `db:"resolved_by" json:"resolved_by,omitempty"`
	ResolvedAt       *time.Time          `db:"resolved_at" json:"resolved_at,omitempty"`
	Version          int                 `db:"version" json:"version"`
	CreatedAt        time.Time           `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time           `db:"updated_at" json:"updated_at"`
}

// IsActive reports whether the dispute still blocks release
func (d *Dispute) IsActive() bool {
	return d.Status != DisputeStatusResolved
}

// Evidence is one append-only item attached to a dispute
type Evidence struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	Description string    `json:"description"`
	URL         string    `json:"url,omitempty"`
	SubmittedBy string    `json:"submitted_by"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// AdminNote is an operator note on a dispute
type AdminNote struct {
	AdminID   string    `json:"admin_id"`
	Note      string    `json:"note"`
	CreatedAt time.Time `json:"created_at"`
}

// EvidenceList is stored as a JSONB array
type EvidenceList []Evidence

// Value implements driver.Valuer
func (l EvidenceList) Value() (driver.Value, error) {
	return jsonValue(l, len(l))
}

// Scan implements sql.Scanner
func (l *EvidenceList) Scan(src interface{}) error {
	return scanJSON(src, l)
}

// NoteList is stored as a JSONB array
type NoteList []AdminNote

// Value implements driver.Valuer
func (l NoteList) Value() (driver.Value, error) {
	return jsonValue(l, len(l))
}

// Scan implements sql.Scanner
func (l *NoteList) Scan(src interface{}) error {
	return scanJSON(src, l)
}

// jsonValue encodes v as a JSON text value; empty lists encode as "[]"
func jsonValue(v interface{}, n int) (driver.Value, error) {
	if n == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func scanJSON(src interface{}, dst interface{}) error {
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		return json.Unmarshal(v, dst)
	case string:
		return json.Unmarshal([]byte(v), dst)
	default:
		return errors.New("unsupported JSON column type")
	}
}

// Clone returns a deep copy safe to mutate independently
func (d *Dispute) Clone() *Dispute {
	cp := *d
	cp.Evidence = append(EvidenceList(nil), d.Evidence...)
	cp.AdminNotes = append(NoteList(nil), d.AdminNotes...)
	return &cp
}

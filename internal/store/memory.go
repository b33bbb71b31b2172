package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"escrow-service/internal/apperrors"
	"escrow-service/internal/models"
)

// MemoryStore is an in-process Store. Transactions are serialized and
// their writes are staged until fn returns nil.
type MemoryStore struct {
	mu       sync.Mutex
	requests map[string]models.ServiceRequest
	payments map[string]models.Payment
	disputes map[string]models.Dispute
	now      func() time.Time

	// insertion order, used to break CreatedAt ties
	seq     uint64
	created map[string]uint64
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests: make(map[string]models.ServiceRequest),
		payments: make(map[string]models.Payment),
		disputes: make(map[string]models.Dispute),
		now:      func() time.Time { return time.Now().UTC() },
		created:  make(map[string]uint64),
	}
}

// PutRequest inserts or replaces a service request. Requests are owned by
// another system; this is how they enter the in-memory store.
func (s *MemoryStore) PutRequest(req models.ServiceRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if req.EscrowStatus == "" {
		req.EscrowStatus = models.EscrowNotRequired
	}
	req.UpdatedAt = s.now()
	s.requests[req.ID] = req
}

// SetRequestStatus changes a request's work status
func (s *MemoryStore) SetRequestStatus(id string, status models.RequestStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[id]
	if !ok {
		return apperrors.NotFound("service request", id)
	}
	req.Status = status
	req.UpdatedAt = s.now()
	s.requests[id] = req
	return nil
}

// Ping always succeeds
func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

// Close is a no-op
func (s *MemoryStore) Close() error { return nil }

// WithTx runs fn with exclusive access to the store
func (s *MemoryStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{
		s:        s,
		requests: make(map[string]models.ServiceRequest),
		payments: make(map[string]models.Payment),
		disputes: make(map[string]models.Dispute),
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}

	for id, r := range tx.requests {
		s.requests[id] = r
	}
	for id, p := range tx.payments {
		s.payments[id] = p
	}
	for id, d := range tx.disputes {
		s.disputes[id] = d
	}
	return nil
}

// ListReleasable returns held payments due for auto-release
func (s *MemoryStore) ListReleasable(ctx context.Context, now time.Time, limit int) ([]Releasable, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	disputed := make(map[string]bool)
	for _, d := range s.disputes {
		if d.IsActive() {
			disputed[d.RequestID] = true
		}
	}

	var out []Releasable
	for _, p := range s.payments {
		if p.Status != models.PaymentStatusEscrowHeld || p.AutoReleaseAt == nil || p.AutoReleaseAt.After(now) {
			continue
		}
		req, ok := s.requests[p.RequestID]
		if !ok || req.EscrowStatus != models.EscrowHeld || disputed[p.RequestID] {
			continue
		}
		out = append(out, Releasable{PaymentID: p.ID, RequestID: p.RequestID, AutoReleaseAt: *p.AutoReleaseAt})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].AutoReleaseAt.Before(out[j].AutoReleaseAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// memTx stages writes over the committed maps. Values are copied in and
// out so callers never alias stored rows.
type memTx struct {
	s        *MemoryStore
	requests map[string]models.ServiceRequest
	payments map[string]models.Payment
	disputes map[string]models.Dispute
}

func (t *memTx) request(id string) (models.ServiceRequest, bool) {
	if r, ok := t.requests[id]; ok {
		return r, true
	}
	r, ok := t.s.requests[id]
	return r, ok
}

func (t *memTx) payment(id string) (models.Payment, bool) {
	if p, ok := t.payments[id]; ok {
		return p, true
	}
	p, ok := t.s.payments[id]
	return p, ok
}

func (t *memTx) dispute(id string) (models.Dispute, bool) {
	if d, ok := t.disputes[id]; ok {
		return d, true
	}
	d, ok := t.s.disputes[id]
	return d, ok
}

func (t *memTx) allPayments() []models.Payment {
	var out []models.Payment
	for id, p := range t.s.payments {
		if _, staged := t.payments[id]; !staged {
			out = append(out, p)
		}
	}
	for _, p := range t.payments {
		out = append(out, p)
	}
	return out
}

func (t *memTx) allDisputes() []models.Dispute {
	var out []models.Dispute
	for id, d := range t.s.disputes {
		if _, staged := t.disputes[id]; !staged {
			out = append(out, d)
		}
	}
	for _, d := range t.disputes {
		out = append(out, d)
	}
	return out
}

func (t *memTx) GetRequest(ctx context.Context, id string) (*models.ServiceRequest, error) {
	r, ok := t.request(id)
	if !ok {
		return nil, apperrors.NotFound("service request", id)
	}
	return &r, nil
}

func (t *memTx) TransitionRequestEscrow(ctx context.Context, id string, upd EscrowUpdate) (bool, error) {
	if err := upd.Validate(); err != nil {
		return false, err
	}
	r, ok := t.request(id)
	if !ok || !containsEscrow(upd.From, r.EscrowStatus) {
		return false, nil
	}
	if upd.RequireStatus != nil && r.Status != *upd.RequireStatus {
		return false, nil
	}

	r.EscrowStatus = upd.To
	if upd.EscrowAmount.Valid {
		r.EscrowAmount = upd.EscrowAmount
	}
	if upd.EscrowPaidAt != nil {
		r.EscrowPaidAt = copyTime(upd.EscrowPaidAt)
	}
	if upd.DisputedAt != nil {
		r.DisputedAt = copyTime(upd.DisputedAt)
	}
	if upd.DisputeReason != nil {
		r.DisputeReason = copyString(upd.DisputeReason)
	}
	if upd.DisputeResolvedAt != nil {
		r.DisputeResolvedAt = copyTime(upd.DisputeResolvedAt)
	}
	if upd.DisputeResolution != nil {
		r.DisputeResolution = copyString(upd.DisputeResolution)
	}
	r.UpdatedAt = t.s.now()
	t.requests[id] = r
	return true, nil
}

func (t *memTx) CreatePayment(ctx context.Context, p *models.Payment) error {
	if _, exists := t.payment(p.ID); exists {
		return apperrors.StaleState("payment %s already exists", p.ID)
	}
	for _, other := range t.allPayments() {
		if other.GatewayOrderID == p.GatewayOrderID {
			return apperrors.StaleState("payment for order %s already exists", p.GatewayOrderID)
		}
		if other.RequestID == p.RequestID && other.Status.IsActive() {
			return apperrors.StaleState("request %s already has an active payment", p.RequestID)
		}
	}
	now := t.s.now()
	p.CreatedAt = now
	p.UpdatedAt = now
	t.s.seq++
	t.s.created[p.ID] = t.s.seq
	t.payments[p.ID] = *p
	return nil
}

func (t *memTx) GetPayment(ctx context.Context, id string) (*models.Payment, error) {
	p, ok := t.payment(id)
	if !ok {
		return nil, apperrors.NotFound("payment", id)
	}
	return &p, nil
}

func (t *memTx) GetPaymentByOrderID(ctx context.Context, gatewayOrderID string) (*models.Payment, error) {
	for _, p := range t.allPayments() {
		if p.GatewayOrderID == gatewayOrderID {
			p := p
			return &p, nil
		}
	}
	return nil, apperrors.NotFound("payment for order", gatewayOrderID)
}

func (t *memTx) GetLatestPaymentByRequest(ctx context.Context, requestID string) (*models.Payment, error) {
	var latest *models.Payment
	for _, p := range t.allPayments() {
		if p.RequestID != requestID {
			continue
		}
		if latest == nil || t.s.created[p.ID] > t.s.created[latest.ID] {
			p := p
			latest = &p
		}
	}
	if latest == nil {
		return nil, apperrors.NotFound("payment for request", requestID)
	}
	return latest, nil
}

func (t *memTx) TransitionPayment(ctx context.Context, id string, upd PaymentUpdate) (bool, error) {
	p, ok := t.payment(id)
	if !ok || !containsPayment(upd.From, p.Status) {
		return false, nil
	}
	if upd.DueBefore != nil && (p.AutoReleaseAt == nil || p.AutoReleaseAt.After(*upd.DueBefore)) {
		return false, nil
	}

	p.Status = upd.To
	if upd.GatewayPaymentID != nil {
		p.GatewayPaymentID = copyString(upd.GatewayPaymentID)
	}
	if upd.GatewaySignature != nil {
		p.GatewaySignature = copyString(upd.GatewaySignature)
	}
	if upd.EscrowHeldAt != nil {
		p.EscrowHeldAt = copyTime(upd.EscrowHeldAt)
	}
	if upd.AutoReleaseAt != nil {
		p.AutoReleaseAt = copyTime(upd.AutoReleaseAt)
	}
	if upd.ReleasedToProvider != nil {
		p.ReleasedToProvider = *upd.ReleasedToProvider
	}
	if upd.ReleasedAt != nil {
		p.ReleasedAt = copyTime(upd.ReleasedAt)
	}
	if upd.ProviderAmount.Valid {
		p.ProviderAmount = upd.ProviderAmount.Decimal
	}
	if upd.RefundedAmount.Valid {
		p.RefundedAmount = upd.RefundedAmount.Decimal
	}
	if upd.FailureReason != nil {
		p.FailureReason = copyString(upd.FailureReason)
	}
	p.UpdatedAt = t.s.now()
	t.payments[id] = p
	return true, nil
}

func (t *memTx) CreateDispute(ctx context.Context, d *models.Dispute) error {
	for _, other := range t.allDisputes() {
		if other.RequestID == d.RequestID && other.IsActive() {
			return apperrors.StaleState("request %s already has an active dispute", d.RequestID)
		}
	}
	now := t.s.now()
	d.Version = 0
	d.CreatedAt = now
	d.UpdatedAt = now
	t.s.seq++
	t.s.created[d.ID] = t.s.seq
	t.disputes[d.ID] = *d.Clone()
	return nil
}

func (t *memTx) GetDispute(ctx context.Context, id string) (*models.Dispute, error) {
	d, ok := t.dispute(id)
	if !ok {
		return nil, apperrors.NotFound("dispute", id)
	}
	return d.Clone(), nil
}

func (t *memTx) GetActiveDisputeByRequest(ctx context.Context, requestID string) (*models.Dispute, error) {
	for _, d := range t.allDisputes() {
		if d.RequestID == requestID && d.IsActive() {
			return d.Clone(), nil
		}
	}
	return nil, apperrors.NotFound("active dispute for request", requestID)
}

func (t *memTx) GetLatestDisputeByRequest(ctx context.Context, requestID string) (*models.Dispute, error) {
	var latest *models.Dispute
	for _, d := range t.allDisputes() {
		if d.RequestID != requestID {
			continue
		}
		if latest == nil || t.s.created[d.ID] > t.s.created[latest.ID] {
			latest = d.Clone()
		}
	}
	if latest == nil {
		return nil, apperrors.NotFound("dispute for request", requestID)
	}
	return latest, nil
}

func (t *memTx) UpdateDispute(ctx context.Context, d *models.Dispute, from []models.DisputeStatus) (bool, error) {
	stored, ok := t.dispute(d.ID)
	if !ok || !containsDispute(from, stored.Status) || stored.Version != d.Version {
		return false, nil
	}
	d.Version++
	d.UpdatedAt = t.s.now()
	t.disputes[d.ID] = *d.Clone()
	return true, nil
}

func containsEscrow(set []models.EscrowStatus, s models.EscrowStatus) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

func containsPayment(set []models.PaymentStatus, s models.PaymentStatus) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

func containsDispute(set []models.DisputeStatus, s models.DisputeStatus) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

func copyTime(t *time.Time) *time.Time {
	v := *t
	return &v
}

func copyString(s *string) *string {
	v := *s
	return &v
}

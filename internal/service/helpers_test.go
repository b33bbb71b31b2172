package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"escrow-service/internal/apperrors"
	"escrow-service/internal/gateway"
	"escrow-service/internal/idempotency"
	"escrow-service/internal/models"
	"escrow-service/internal/resilience"
	"escrow-service/internal/store"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

const (
	testKeySecret     = "key_secret"
	testWebhookSecret = "webhook_secret"
)

type fakeGateway struct {
	mu      sync.Mutex
	calls   int
	fail    error
	orderID int
}

func (g *fakeGateway) CreateOrder(ctx context.Context, amount decimal.Decimal, referenceID string) (*gateway.Order, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if g.fail != nil {
		return nil, g.fail
	}
	g.orderID++
	return &gateway.Order{
		ID:       fmt.Sprintf("order_%d", g.orderID),
		Amount:   gateway.ToMinorUnits(amount),
		Currency: "INR",
		Receipt:  referenceID,
		Status:   "created",
	}, nil
}

func (g *fakeGateway) VerifySignature(orderID, paymentID, signature string) bool {
	return gateway.SignPayment(testKeySecret, orderID, paymentID) == signature
}

func (g *fakeGateway) VerifyWebhookSignature(body []byte, signature string) bool {
	return gateway.SignWebhook(testWebhookSecret, body) == signature
}

func (g *fakeGateway) setFailure(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.fail = err
}

func (g *fakeGateway) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

type fakePublisher struct {
	mu     sync.Mutex
	fail   error
	events []*models.NotificationEvent
}

func (p *fakePublisher) Publish(ctx context.Context, event *models.NotificationEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail != nil {
		return p.fail
	}
	p.events = append(p.events, event)
	return nil
}

func (p *fakePublisher) setFailure(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fail = err
}

func (p *fakePublisher) count(eventType string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e.EventType == eventType {
			n++
		}
	}
	return n
}

type harness struct {
	t        *testing.T
	store    *store.MemoryStore
	gw       *fakeGateway
	pub      *fakePublisher
	queue    *resilience.FailedOperationQueue
	breakers *resilience.Registry
	guard    *idempotency.Guard
	notifier *Notifier
	escrow   *EscrowService
	disputes *DisputeService
	clock    time.Time
}

func fastRetry() resilience.RetryPolicy {
	return resilience.RetryPolicy{
		MaxRetries:   2,
		InitialDelay: time.Millisecond,
		Multiplier:   2,
		MaxDelay:     5 * time.Millisecond,
		JitterFactor: 0.25,
	}
}

func newHarness(t *testing.T, tweak ...func(*EscrowConfig)) *harness {
	t.Helper()

	cfg := DefaultEscrowConfig()
	for _, fn := range tweak {
		fn(&cfg)
	}

	h := &harness{
		t:        t,
		store:    store.NewMemoryStore(),
		gw:       &fakeGateway{},
		pub:      &fakePublisher{},
		queue:    resilience.NewFailedOperationQueue(5),
		breakers: resilience.NewRegistry(resilience.DefaultBreakerOptions()),
		clock:    time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	h.guard = idempotency.NewGuard(h.store, idempotency.NewMemoryMarkers(), idempotency.Config{Retry: fastRetry()})
	h.notifier = NewNotifier(h.pub, h.breakers, fastRetry(), h.queue)

	gws := NewGatewayService(h.gw, h.breakers, fastRetry())
	h.escrow = NewEscrowService(h.store, h.guard, gws, resilience.NewSagaCoordinator(), h.notifier, cfg)
	h.escrow.now = func() time.Time { return h.clock }
	h.disputes = NewDisputeService(h.store, h.guard, h.escrow, h.notifier)

	t.Cleanup(h.notifier.Wait)
	return h
}

// putRequest adds an ACCEPTED request with client C-<id> and provider P-<id>
func (h *harness) putRequest(id string) {
	provider := "P-" + id
	h.store.PutRequest(models.ServiceRequest{
		ID:         id,
		ClientID:   "C-" + id,
		ProviderID: &provider,
		Status:     models.RequestStatusAccepted,
	})
}

func (h *harness) request(id string) *models.ServiceRequest {
	h.t.Helper()
	var req *models.ServiceRequest
	err := h.store.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		var err error
		req, err = tx.GetRequest(ctx, id)
		return err
	})
	require.NoError(h.t, err)
	return req
}

// heldRequest walks a fresh request through order creation and
// verification
func (h *harness) heldRequest(id string, amount int64) *models.Payment {
	h.t.Helper()
	ctx := context.Background()

	h.putRequest(id)
	p, err := h.escrow.CreateOrder(ctx, id, decimal.NewFromInt(amount))
	require.NoError(h.t, err)

	paymentID := "pay_" + id
	p, err = h.escrow.VerifyPayment(ctx, p.GatewayOrderID, paymentID, gateway.SignPayment(testKeySecret, p.GatewayOrderID, paymentID))
	require.NoError(h.t, err)
	require.Equal(h.t, models.PaymentStatusEscrowHeld, p.Status)
	return p
}

func webhookBody(t *testing.T, event, orderID, paymentID, description string) []byte {
	t.Helper()
	entity := map[string]interface{}{
		"id":       paymentID,
		"order_id": orderID,
	}
	if description != "" {
		entity["error_description"] = description
	}
	body, err := json.Marshal(map[string]interface{}{
		"event": event,
		"payload": map[string]interface{}{
			"payment": map[string]interface{}{"entity": entity},
		},
	})
	require.NoError(t, err)
	return body
}

func businessCode(err error) string {
	var be *apperrors.BusinessLogicError
	if errors.As(err, &be) {
		return be.Code
	}
	return ""
}

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"escrow-service/internal/apperrors"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(url string) *Client {
	return NewClient(Config{
		BaseURL:       url,
		KeyID:         "key_test",
		KeySecret:     "secret_test",
		WebhookSecret: "whsec_test",
		Currency:      "INR",
	})
}

func TestCreateOrderSendsMinorUnits(t *testing.T) {
	var got createOrderRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/orders", r.URL.Path)
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "key_test", user)
		assert.Equal(t, "secret_test", pass)

		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(Order{
			ID:       "order_123",
			Amount:   got.Amount,
			Currency: got.Currency,
			Receipt:  got.Receipt,
			Status:   "created",
		})
	}))
	defer srv.Close()

	order, err := newTestClient(srv.URL).CreateOrder(context.Background(), decimal.RequireFromString("5000.255"), "R1")
	require.NoError(t, err)

	assert.Equal(t, int64(500026), got.Amount)
	assert.Equal(t, "INR", got.Currency)
	assert.Equal(t, "R1", got.Receipt)
	assert.Equal(t, "order_123", order.ID)
	assert.True(t, order.MajorAmount().Equal(decimal.RequireFromString("5000.26")))
}

func TestCreateOrderClassifiesStatusCodes(t *testing.T) {
	cases := []struct {
		status    int
		retryable bool
	}{
		{http.StatusServiceUnavailable, true},
		{http.StatusTooManyRequests, true},
		{http.StatusBadGateway, true},
		{http.StatusBadRequest, false},
		{http.StatusUnauthorized, false},
	}

	for _, tc := range cases {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(`{"error":{"code":"BAD","description":"gateway says no"}}`))
			}))
			defer srv.Close()

			_, err := newTestClient(srv.URL).CreateOrder(context.Background(), decimal.NewFromInt(10), "R1")
			require.Error(t, err)

			var xe *apperrors.ExternalAPIError
			require.True(t, errors.As(err, &xe))
			assert.Equal(t, tc.status, xe.StatusCode)
			assert.Equal(t, "gateway says no", xe.Message)
			assert.Equal(t, tc.retryable, apperrors.IsRetryable(err))
			assert.Equal(t, http.StatusBadGateway, apperrors.HTTPStatus(err))
		})
	}
}

func TestCreateOrderRejectsNonPositiveAmount(t *testing.T) {
	_, err := newTestClient("http://127.0.0.1:0").CreateOrder(context.Background(), decimal.Zero, "R1")
	var ve *apperrors.ValidationError
	assert.True(t, errors.As(err, &ve))
}

func TestCreateOrderConnectionRefusedIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := newTestClient(url).CreateOrder(context.Background(), decimal.NewFromInt(10), "R1")
	require.Error(t, err)
	assert.True(t, apperrors.IsRetryable(err))
}

func TestVerifySignature(t *testing.T) {
	c := newTestClient("http://gateway")
	sig := SignPayment("secret_test", "order_1", "pay_1")

	assert.True(t, c.VerifySignature("order_1", "pay_1", sig))
	assert.False(t, c.VerifySignature("order_1", "pay_2", sig))
	assert.False(t, c.VerifySignature("order_1", "pay_1", SignPayment("other", "order_1", "pay_1")))
	assert.False(t, c.VerifySignature("order_1", "pay_1", ""))
}

func TestVerifyWebhookSignature(t *testing.T) {
	c := newTestClient("http://gateway")
	body := []byte(`{"event":"payment.captured"}`)

	assert.True(t, c.VerifyWebhookSignature(body, SignWebhook("whsec_test", body)))
	assert.False(t, c.VerifyWebhookSignature(body, SignWebhook("secret_test", body)))
	assert.False(t, c.VerifyWebhookSignature([]byte(`{}`), SignWebhook("whsec_test", body)))
}

package apperrors

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type statusErr int

func (s statusErr) Error() string   { return fmt.Sprintf("status %d", int(s)) }
func (s statusErr) StatusCode() int { return int(s) }

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestHTTPStatusMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{Validation("amount", "must be positive"), http.StatusBadRequest},
		{Forbidden("not a party"), http.StatusForbidden},
		{NotFound("payment", "p1"), http.StatusNotFound},
		{&ExternalAPIError{Service: "gateway"}, http.StatusBadGateway},
		{&TransactionError{Op: "commit", Err: errors.New("x")}, http.StatusInternalServerError},
		{BusinessLogic(CodePaymentExists, "payment already exists"), http.StatusBadRequest},
		{&CircuitOpenError{Name: "payment-gateway", RetryAt: time.Now()}, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
		{fmt.Errorf("wrapped: %w", NotFound("dispute", "d1")), http.StatusNotFound},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, HTTPStatus(tc.err), tc.err.Error())
	}
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(&ExternalAPIError{Service: "gw", Retryable: true}))
	assert.False(t, IsRetryable(&ExternalAPIError{Service: "gw", Retryable: false}))
	assert.True(t, IsRetryable(&TransactionError{Op: "update", Retryable: true, Err: errors.New("40001")}))
	assert.False(t, IsRetryable(&TransactionError{Op: "update", Err: errors.New("syntax")}))

	for _, code := range []int{408, 429, 500, 502, 503, 504} {
		assert.True(t, IsRetryable(statusErr(code)), code)
	}
	for _, code := range []int{400, 401, 403, 404, 409, 422} {
		assert.False(t, IsRetryable(statusErr(code)), code)
	}

	assert.True(t, IsRetryable(fmt.Errorf("dial: %w", syscall.ECONNREFUSED)))
	assert.True(t, IsRetryable(fmt.Errorf("read: %w", syscall.ECONNRESET)))
	assert.True(t, IsRetryable(io.ErrUnexpectedEOF))
	assert.True(t, IsRetryable(timeoutErr{}))

	assert.False(t, IsRetryable(nil))
	assert.False(t, IsRetryable(errors.New("unknown")))
	assert.False(t, IsRetryable(context.Canceled))
	assert.False(t, IsRetryable(&CircuitOpenError{Name: "gw"}))
	assert.False(t, IsRetryable(Validation("", "bad")))
	assert.False(t, IsRetryable(StaleState("lost race")))
}

func TestIsStaleState(t *testing.T) {
	assert.True(t, IsStaleState(fmt.Errorf("release: %w", StaleState("escrow moved"))))
	assert.False(t, IsStaleState(BusinessLogic(CodeNotCompleted, "not completed")))
	assert.False(t, IsStaleState(errors.New("x")))
}

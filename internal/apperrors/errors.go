// Package apperrors defines the error taxonomy shared by the escrow engine
// and the HTTP layer.
package apperrors

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Business logic error codes
const (
	CodeStaleState        = "STALE_STATE"
	CodeIllegalTransition = "ILLEGAL_TRANSITION"
	CodePaymentExists     = "PAYMENT_EXISTS"
	CodeNotCompleted      = "REQUEST_NOT_COMPLETED"
	CodeNoProvider        = "PROVIDER_NOT_ASSIGNED"
	CodeDisputeClosed     = "DISPUTE_CLOSED"
)

// HTTPError is implemented by every error in the taxonomy
type HTTPError interface {
	error
	HTTPStatus() int
}

// ValidationError signals malformed input
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Message
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
}

// HTTPStatus returns 400
func (e *ValidationError) HTTPStatus() int { return http.StatusBadRequest }

// AuthorizationError signals the caller may not perform the operation
type AuthorizationError struct {
	Message string
}

func (e *AuthorizationError) Error() string { return "forbidden: " + e.Message }

// HTTPStatus returns 403
func (e *AuthorizationError) HTTPStatus() int { return http.StatusForbidden }

// NotFoundError signals a missing entity
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// HTTPStatus returns 404
func (e *NotFoundError) HTTPStatus() int { return http.StatusNotFound }

// ExternalAPIError signals a failed call to an external dependency
type ExternalAPIError struct {
	Service    string
	StatusCode int
	Message    string
	Retryable  bool
	Err        error
}

func (e *ExternalAPIError) Error() string {
	msg := fmt.Sprintf("%s call failed", e.Service)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ExternalAPIError) Unwrap() error { return e.Err }

// HTTPStatus returns 502
func (e *ExternalAPIError) HTTPStatus() int { return http.StatusBadGateway }

// TransactionError signals a database-layer failure
type TransactionError struct {
	Op        string
	Retryable bool
	Err       error
}

func (e *TransactionError) Error() string {
	return fmt.Sprintf("transaction %s failed: %v", e.Op, e.Err)
}

func (e *TransactionError) Unwrap() error { return e.Err }

// HTTPStatus returns 500
func (e *TransactionError) HTTPStatus() int { return http.StatusInternalServerError }

// BusinessLogicError signals an illegal state transition
type BusinessLogicError struct {
	Code    string
	Message string
}

func (e *BusinessLogicError) Error() string { return e.Message }

// HTTPStatus returns 400
func (e *BusinessLogicError) HTTPStatus() int { return http.StatusBadRequest }

// CircuitOpenError is returned without calling the dependency while its
// breaker is open
type CircuitOpenError struct {
	Name    string
	RetryAt time.Time
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker %q is open until %s", e.Name, e.RetryAt.Format(time.RFC3339))
}

// HTTPStatus returns 503
func (e *CircuitOpenError) HTTPStatus() int { return http.StatusServiceUnavailable }

// Validation builds a ValidationError
func Validation(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// Forbidden builds an AuthorizationError
func Forbidden(format string, args ...interface{}) error {
	return &AuthorizationError{Message: fmt.Sprintf(format, args...)}
}

// NotFound builds a NotFoundError
func NotFound(resource, id string) error {
	return &NotFoundError{Resource: resource, ID: id}
}

// BusinessLogic builds a BusinessLogicError
func BusinessLogic(code, format string, args ...interface{}) error {
	return &BusinessLogicError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// StaleState builds the error a CAS loser observes
func StaleState(format string, args ...interface{}) error {
	return &BusinessLogicError{Code: CodeStaleState, Message: fmt.Sprintf(format, args...)}
}

// IsStaleState reports whether err is a lost compare-and-swap
func IsStaleState(err error) bool {
	var be *BusinessLogicError
	return errors.As(err, &be) && be.Code == CodeStaleState
}

// IsNotFound reports whether err is a NotFoundError
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsCircuitOpen reports whether err is a CircuitOpenError
func IsCircuitOpen(err error) bool {
	var ce *CircuitOpenError
	return errors.As(err, &ce)
}

// HTTPStatus maps any error to a response status
func HTTPStatus(err error) int {
	var he HTTPError
	if errors.As(err, &he) {
		return he.HTTPStatus()
	}
	return http.StatusInternalServerError
}

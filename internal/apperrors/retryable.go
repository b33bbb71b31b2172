package apperrors

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"syscall"
)

// StatusCoder is implemented by errors that carry an HTTP status from a
// remote response
type StatusCoder interface {
	StatusCode() int
}

// RetryableStatusCodes are the HTTP statuses worth another attempt
var RetryableStatusCodes = map[int]bool{
	http.StatusRequestTimeout:      true,
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

var retryableErrnos = []syscall.Errno{
	syscall.ECONNRESET,
	syscall.ECONNREFUSED,
	syscall.ECONNABORTED,
	syscall.ETIMEDOUT,
	syscall.EPIPE,
	syscall.EHOSTUNREACH,
	syscall.ENETUNREACH,
}

// IsRetryable reports whether err is a transient failure. Unknown errors are
// treated as permanent.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var (
		ce *CircuitOpenError
		ve *ValidationError
		ae *AuthorizationError
		nf *NotFoundError
		be *BusinessLogicError
	)
	if errors.As(err, &ce) || errors.As(err, &ve) || errors.As(err, &ae) ||
		errors.As(err, &nf) || errors.As(err, &be) {
		return false
	}

	var xe *ExternalAPIError
	if errors.As(err, &xe) {
		return xe.Retryable
	}
	var te *TransactionError
	if errors.As(err, &te) {
		return te.Retryable
	}

	var sc StatusCoder
	if errors.As(err, &sc) {
		return RetryableStatusCodes[sc.StatusCode()]
	}

	return IsTransientNetwork(err)
}

// IsTransientNetwork reports whether err is a timeout or a dropped connection
func IsTransientNetwork(err error) bool {
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	for _, errno := range retryableErrnos {
		if errors.Is(err, errno) {
			return true
		}
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return false
}

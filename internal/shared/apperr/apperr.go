// Package apperr defines the error kinds shared by the ledger, the metered
// gateway and the payment reconciler, and their HTTP status mapping.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrUnauthenticated     = errors.New("authentication required")
	ErrInvalidCredential   = errors.New("invalid credential")
	ErrInvalidRequest      = errors.New("invalid request")
	ErrInsufficientFunds   = errors.New("insufficient tokens")
	ErrUpstreamUnavailable = errors.New("completion service unavailable")
	ErrSignatureInvalid    = errors.New("webhook signature invalid")
	ErrNotFound            = errors.New("not found")
	ErrLimitExceeded       = errors.New("limit exceeded")
	ErrInternal            = errors.New("internal error")
)

// InsufficientFundsError carries the amounts behind a rejected debit.
type InsufficientFundsError struct {
	Required  int64
	Available int64
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient tokens: required %d, available %d", e.Required, e.Available)
}

// Is makes errors.Is(err, ErrInsufficientFunds) hold.
func (e *InsufficientFundsError) Is(target error) bool {
	return target == ErrInsufficientFunds
}

// Invalid wraps ErrInvalidRequest with a human readable reason.
func Invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}

// HTTPStatus maps an error to the status code returned to callers.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrUnauthenticated), errors.Is(err, ErrInvalidCredential):
		return http.StatusUnauthorized
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, ErrSignatureInvalid):
		return http.StatusBadRequest
	case errors.Is(err, ErrInsufficientFunds):
		return http.StatusPaymentRequired
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrLimitExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrUpstreamUnavailable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage is the message safe to expose for err. Internal and
// upstream failures never leak their cause.
func PublicMessage(err error) string {
	switch HTTPStatus(err) {
	case http.StatusInternalServerError:
		return "internal server error"
	case http.StatusBadGateway:
		return ErrUpstreamUnavailable.Error()
	}
	return err.Error()
}

package payment

import (
	"errors"
	"fmt"
)

var (
	ErrConfiguration    = errors.New("payment gateway is not configured")
	ErrValidation       = errors.New("invalid payment request")
	ErrGateway          = errors.New("payment gateway error")
	ErrNotFound         = errors.New("transaction not found")
	ErrRefundIneligible = errors.New("transaction is not eligible for refund")
	ErrSignature        = errors.New("webhook signature mismatch")
)

// ValidationError reports the first field that failed validation.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// GatewayError is returned when a provider answers with a non-success
// response or cannot be reached at all (HTTPStatus is 0 in that case).
type GatewayError struct {
	Provider   Provider
	HTTPStatus int
	Message    string
	Err        error
}

func (e *GatewayError) Error() string {
	if e.HTTPStatus > 0 {
		return fmt.Sprintf("%s error (HTTP %d): %s", e.Provider, e.HTTPStatus, e.Message)
	}
	return fmt.Sprintf("%s error: %s", e.Provider, e.Message)
}

func (e *GatewayError) Is(target error) bool {
	return target == ErrGateway
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}

// RefundIneligibleError carries the reason a refund was refused.
type RefundIneligibleError struct {
	Reason string
}

func (e *RefundIneligibleError) Error() string {
	return "refund not allowed: " + e.Reason
}

func (e *RefundIneligibleError) Unwrap() error {
	return ErrRefundIneligible
}

func configurationError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}

package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrInsufficientStock is a real-world constraint, never retried
	// automatically. The caller reports it to the shopper.
	ErrInsufficientStock = errors.New("insufficient stock")

	// ErrInvariantViolation marks a programming-error class failure,
	// surfaced to the user as a generic error only.
	ErrInvariantViolation = errors.New("invariant violation")

	// ErrTransientStore marks a backend hiccup. Reads may be retried
	// with backoff; writes must not be blindly retried.
	ErrTransientStore = errors.New("transient store error")
)

type DiscountReason string

const (
	DiscountInvalidCode   DiscountReason = "invalid_code"
	DiscountExpired       DiscountReason = "expired"
	DiscountUsageExceeded DiscountReason = "usage_exceeded"
	DiscountBelowMinimum  DiscountReason = "below_minimum"
)

type InvalidDiscountError struct {
	Code   string
	Reason DiscountReason
}

func (e *InvalidDiscountError) Error() string {
	return fmt.Sprintf("discount %q rejected: %s", e.Code, e.Reason)
}

type PaymentError struct {
	Reason string
}

func (e *PaymentError) Error() string {
	return fmt.Sprintf("payment failed: %s", e.Reason)
}

package discount

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mkraev/cartflow/internal/domain"
	"github.com/shopspring/decimal"
)

type Validator struct {
	repo Repository
}

func NewValidator(repo Repository) *Validator {
	return &Validator{repo: repo}
}

// Validate checks a code against its rules in a fixed order: existence/
// active, date window, usage cap, minimum cart value. On success it
// computes the amount against subtotal+shipping. Validation never
// consumes a use; that happens only at order confirmation so an
// abandoned checkout costs nothing.
func (v *Validator) Validate(ctx context.Context, code string, subtotal, shipping decimal.Decimal, now time.Time) (*domain.AppliedDiscount, error) {
	dc, err := v.repo.GetCode(ctx, code)
	if err != nil {
		if errors.Is(err, ErrCodeNotFound) {
			return nil, &domain.InvalidDiscountError{Code: code, Reason: domain.DiscountInvalidCode}
		}
		return nil, fmt.Errorf("lookup discount code: %w", err)
	}

	if !dc.IsActive {
		return nil, &domain.InvalidDiscountError{Code: code, Reason: domain.DiscountInvalidCode}
	}
	if dc.StartDate != nil && now.Before(*dc.StartDate) {
		return nil, &domain.InvalidDiscountError{Code: code, Reason: domain.DiscountExpired}
	}
	if dc.EndDate != nil && now.After(*dc.EndDate) {
		return nil, &domain.InvalidDiscountError{Code: code, Reason: domain.DiscountExpired}
	}
	if dc.MaxUses != nil && dc.CurrentUses >= *dc.MaxUses {
		return nil, &domain.InvalidDiscountError{Code: code, Reason: domain.DiscountUsageExceeded}
	}
	if subtotal.LessThan(dc.MinCartValue) {
		return nil, &domain.InvalidDiscountError{Code: code, Reason: domain.DiscountBelowMinimum}
	}

	return &domain.AppliedDiscount{
		Code:   dc.Code,
		Kind:   dc.Kind,
		Amount: dc.AmountFor(subtotal.Add(shipping)),
	}, nil
}

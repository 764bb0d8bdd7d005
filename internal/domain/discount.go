package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type DiscountKind string

const (
	DiscountPercent DiscountKind = "percent"
	DiscountFixed   DiscountKind = "fixed"
)

type DiscountCode struct {
	Code         string
	Kind         DiscountKind
	Value        decimal.Decimal
	IsActive     bool
	StartDate    *time.Time
	EndDate      *time.Time
	MinCartValue decimal.Decimal
	MaxUses      *int
	CurrentUses  int
}

// AmountFor computes the discount against the shippable total
// (subtotal + shipping). A fixed amount never drives the total negative.
func (d DiscountCode) AmountFor(shippableTotal decimal.Decimal) decimal.Decimal {
	switch d.Kind {
	case DiscountPercent:
		return shippableTotal.Mul(d.Value).Div(decimal.NewFromInt(100)).Round(2)
	case DiscountFixed:
		if d.Value.GreaterThan(shippableTotal) {
			return shippableTotal
		}
		return d.Value
	}
	return decimal.Zero
}

// AppliedDiscount is what a successful validation hands back to the caller.
type AppliedDiscount struct {
	Code   string          `json:"code"`
	Kind   DiscountKind    `json:"kind"`
	Amount decimal.Decimal `json:"amount"`
}

package domain

import "github.com/shopspring/decimal"

type ShippingMethod string

const (
	ShippingStandard ShippingMethod = "standard"
	ShippingExpress  ShippingMethod = "express"
)

// Business constants, not configuration.
var (
	freeShippingThreshold = decimal.NewFromInt(150)
	standardShippingRate  = decimal.RequireFromString("7.99")
	expressShippingRate   = decimal.RequireFromString("15.99")
	taxRate               = decimal.RequireFromString("0.08")
)

// ShippingCost applies the threshold rules: standard shipping is free
// above the threshold, express shipping drops to the standard rate.
func ShippingCost(subtotal decimal.Decimal, method ShippingMethod) decimal.Decimal {
	switch method {
	case ShippingExpress:
		if subtotal.GreaterThanOrEqual(freeShippingThreshold) {
			return standardShippingRate
		}
		return expressShippingRate
	default:
		if subtotal.GreaterThanOrEqual(freeShippingThreshold) {
			return decimal.Zero
		}
		return standardShippingRate
	}
}

// Tax is a flat 8% of the subtotal.
func Tax(subtotal decimal.Decimal) decimal.Decimal {
	return subtotal.Mul(taxRate).Round(2)
}

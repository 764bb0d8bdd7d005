package domain

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestShippingCost(t *testing.T) {
	tests := []struct {
		name     string
		subtotal string
		method   ShippingMethod
		want     string
	}{
		{"standard below threshold", "149.99", ShippingStandard, "7.99"},
		{"standard at threshold", "150", ShippingStandard, "0"},
		{"standard above threshold", "200", ShippingStandard, "0"},
		{"express below threshold", "50", ShippingExpress, "15.99"},
		{"express at threshold", "150", ShippingExpress, "7.99"},
		{"unknown method falls back to standard", "10", ShippingMethod("carrier-pigeon"), "7.99"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ShippingCost(decimal.RequireFromString(tt.subtotal), tt.method)
			assert.True(t, got.Equal(decimal.RequireFromString(tt.want)),
				"got %s, want %s", got, tt.want)
		})
	}
}

func TestTax(t *testing.T) {
	got := Tax(decimal.RequireFromString("200"))
	assert.True(t, got.Equal(decimal.RequireFromString("16")), "got %s", got)

	got = Tax(decimal.RequireFromString("49.99"))
	assert.True(t, got.Equal(decimal.RequireFromString("4.00")), "got %s", got)
}

func TestCartSubtotal(t *testing.T) {
	cart := &Cart{
		Items: []CartItem{
			{ProductID: 1, Size: "M", Color: "Red", Quantity: 2, UnitPrice: decimal.RequireFromString("100")},
			{ProductID: 2, Size: "L", Color: "Blue", Quantity: 1, UnitPrice: decimal.RequireFromString("24.99")},
		},
	}

	assert.True(t, cart.Subtotal().Equal(decimal.RequireFromString("224.99")))
}

func TestCartFind(t *testing.T) {
	cart := &Cart{
		Items: []CartItem{
			{ProductID: 1, Size: "M", Color: "Red", Quantity: 2},
		},
	}

	assert.NotNil(t, cart.Find(VariantKey{ProductID: 1, Size: "M", Color: "Red"}))
	assert.Nil(t, cart.Find(VariantKey{ProductID: 1, Size: "L", Color: "Red"}))
}

func TestDiscountAmountFor(t *testing.T) {
	percent := DiscountCode{Kind: DiscountPercent, Value: decimal.RequireFromString("10")}
	got := percent.AmountFor(decimal.RequireFromString("200"))
	assert.True(t, got.Equal(decimal.RequireFromString("20")), "got %s", got)

	fixed := DiscountCode{Kind: DiscountFixed, Value: decimal.RequireFromString("30")}
	got = fixed.AmountFor(decimal.RequireFromString("200"))
	assert.True(t, got.Equal(decimal.RequireFromString("30")))

	// A fixed amount never exceeds the shippable total.
	got = fixed.AmountFor(decimal.RequireFromString("12.50"))
	assert.True(t, got.Equal(decimal.RequireFromString("12.50")))
}

func TestOrderStatusTransitions(t *testing.T) {
	assert.True(t, CanTransitionTo(OrderStatusPending, OrderStatusConfirmed))
	assert.True(t, CanTransitionTo(OrderStatusPending, OrderStatusCancelled))
	assert.True(t, CanTransitionTo(OrderStatusConfirmed, OrderStatusShipped))
	assert.True(t, CanTransitionTo(OrderStatusShipped, OrderStatusDelivered))

	// After payment succeeds checkout is not cancellable.
	assert.False(t, CanTransitionTo(OrderStatusConfirmed, OrderStatusCancelled))
	assert.False(t, CanTransitionTo(OrderStatusCancelled, OrderStatusConfirmed))
	assert.False(t, CanTransitionTo(OrderStatusDelivered, OrderStatusShipped))
}

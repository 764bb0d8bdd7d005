package checkout

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkraev/cartflow/internal/domain"
)

func TestBreakerProcessor_PassesChargesThrough(t *testing.T) {
	inner := &stubProcessor{}
	p := NewBreakerProcessor(inner)

	ref, err := p.Charge(context.Background(), decimal.NewFromInt(100), domain.PaymentInfo{Method: "card"})
	require.NoError(t, err)
	assert.Equal(t, "txn-1", ref)
}

func TestBreakerProcessor_DeclinedCardsDoNotTrip(t *testing.T) {
	inner := &stubProcessor{fail: &domain.PaymentError{Reason: "card declined"}}
	p := NewBreakerProcessor(inner)
	ctx := context.Background()
	amount := decimal.NewFromInt(100)

	// Declines are the gateway doing its job; far more than the trip
	// threshold must leave the breaker closed.
	for i := 0; i < 20; i++ {
		_, err := p.Charge(ctx, amount, domain.PaymentInfo{Method: "card"})
		var pe *domain.PaymentError
		require.True(t, errors.As(err, &pe))
		assert.Equal(t, "card declined", pe.Reason)
	}

	inner.mu.Lock()
	inner.fail = nil
	inner.mu.Unlock()

	_, err := p.Charge(ctx, amount, domain.PaymentInfo{Method: "card"})
	assert.NoError(t, err)
}

func TestBreakerProcessor_OutageTripsAndFailsFast(t *testing.T) {
	inner := &stubProcessor{fail: errors.New("gateway timeout")}
	p := NewBreakerProcessor(inner)
	ctx := context.Background()
	amount := decimal.NewFromInt(100)

	for i := 0; i < 5; i++ {
		_, err := p.Charge(ctx, amount, domain.PaymentInfo{Method: "card"})
		require.Error(t, err)
	}

	before := inner.charges
	_, err := p.Charge(ctx, amount, domain.PaymentInfo{Method: "card"})

	// Open breaker: the caller gets a retryable payment error without
	// the gateway being touched.
	var pe *domain.PaymentError
	require.True(t, errors.As(err, &pe))
	assert.Contains(t, pe.Reason, "temporarily unavailable")
	assert.Equal(t, before, inner.charges)
}

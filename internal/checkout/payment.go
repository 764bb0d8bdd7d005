package checkout

import (
	"context"
	"errors"
	"time"

	"github.com/mkraev/cartflow/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker/v2"
)

// Processor is the black-box payment gateway. A successful charge
// returns an opaque transaction reference.
type Processor interface {
	Charge(ctx context.Context, amount decimal.Decimal, info domain.PaymentInfo) (string, error)
}

// BreakerProcessor wraps a Processor with a circuit breaker so a
// flapping gateway fails fast instead of stacking timeouts.
type BreakerProcessor struct {
	inner Processor
	cb    *gobreaker.CircuitBreaker[string]
}

func NewBreakerProcessor(inner Processor) *BreakerProcessor {
	settings := gobreaker.Settings{
		Name:        "payment",
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			// A declined card is the gateway working as intended, not a
			// gateway outage: it must not trip the breaker.
			var pe *domain.PaymentError
			return err == nil || errors.As(err, &pe)
		},
	}
	return &BreakerProcessor{
		inner: inner,
		cb:    gobreaker.NewCircuitBreaker[string](settings),
	}
}

func (b *BreakerProcessor) Charge(ctx context.Context, amount decimal.Decimal, info domain.PaymentInfo) (string, error) {
	ref, err := b.cb.Execute(func() (string, error) {
		return b.inner.Charge(ctx, amount, info)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return "", &domain.PaymentError{Reason: "payment service temporarily unavailable"}
	}
	return ref, err
}

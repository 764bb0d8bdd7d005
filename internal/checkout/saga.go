package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mkraev/cartflow/internal/cart"
	"github.com/mkraev/cartflow/internal/discount"
	"github.com/mkraev/cartflow/internal/domain"
	"github.com/mkraev/cartflow/internal/inventory"
	"github.com/mkraev/cartflow/internal/order"
)

// Saga drives the non-atomic conversion of a cart into an order as a
// strictly ordered sequence of independently committed steps:
//
//  1. validate cart, discount, and held inventory
//  2. create the order row (Pending)
//  3. create the order items
//  4. charge payment — failure cancels the order, inventory untouched
//  5. finalize inventory (detach holds; idempotent)
//  6. increment discount usage (idempotent)
//  7. confirm the order + outbox event (idempotent)
//  8. discard the cart
//
// A crash after step 4 succeeded is recovered by Resume, which re-drives
// from the last completed step instead of restarting.
type Saga struct {
	carts     *cart.Service
	ledger    inventory.Ledger
	orders    order.Repository
	discounts *discount.Validator
	usage     discount.Repository
	payments  Processor
	now       func() time.Time
}

func NewSaga(
	carts *cart.Service,
	ledger inventory.Ledger,
	orders order.Repository,
	discounts *discount.Validator,
	usage discount.Repository,
	payments Processor,
) *Saga {
	return &Saga{
		carts:     carts,
		ledger:    ledger,
		orders:    orders,
		discounts: discounts,
		usage:     usage,
		payments:  payments,
		now:       time.Now,
	}
}

type PlaceOrderInput struct {
	Owner           domain.OwnerRef
	ShippingAddress domain.ShippingAddress
	ShippingMethod  domain.ShippingMethod
	Payment         domain.PaymentInfo
	DiscountCode    string
}

func (s *Saga) PlaceOrder(ctx context.Context, in PlaceOrderInput) (*domain.Order, error) {
	// Step 1: validate against current state, not a stale view.
	snapshot, applied, err := s.validate(ctx, in)
	if err != nil {
		return nil, &StepError{Step: StepValidate, Err: err}
	}

	subtotal := snapshot.Subtotal()
	shipping := domain.ShippingCost(subtotal, in.ShippingMethod)
	tax := domain.Tax(subtotal)

	o := &domain.Order{
		ID:              uuid.New().String(),
		Owner:           in.Owner,
		ShippingAddress: in.ShippingAddress,
		ShippingMethod:  in.ShippingMethod,
		PaymentMethod:   in.Payment.Method,
		Subtotal:        subtotal,
		ShippingCost:    shipping,
		Tax:             tax,
		Status:          domain.OrderStatusPending,
		CreatedAt:       s.now(),
	}
	o.DiscountAmount = decimal.Zero
	if applied != nil {
		o.DiscountCode = applied.Code
		o.DiscountAmount = applied.Amount
	}
	// The payable total is subtotal + shipping - discount. Tax is recorded
	// on the order but collected separately, so it never enters the charge.
	o.Total = subtotal.Add(shipping).Sub(o.DiscountAmount)

	for _, line := range snapshot.Items {
		o.Items = append(o.Items, domain.OrderItem{
			ProductID:   line.ProductID,
			Size:        line.Size,
			Color:       line.Color,
			Quantity:    line.Quantity,
			UnitPrice:   line.UnitPrice,
			ProductName: line.ProductName,
		})
	}

	// Step 2: order row. A failure here leaves nothing visible; the
	// caller retries the whole saga.
	if err := s.orders.CreateOrder(ctx, o); err != nil {
		return nil, &StepError{Step: StepCreateOrder, Err: err}
	}

	// Step 3: order items.
	if err := s.orders.AddItems(ctx, o.ID, o.Items); err != nil {
		return nil, &StepError{Step: StepCreateItems, Err: err}
	}

	// Step 4: payment. On failure the order is cancelled as an audit
	// trail, inventory stays held against the intact cart for retry.
	ref, payErr := s.payments.Charge(ctx, o.Total, in.Payment)
	if payErr != nil {
		if cancelErr := s.orders.UpdateStatus(ctx, o.ID, domain.OrderStatusCancelled); cancelErr != nil {
			log.Printf("failed to cancel order %s after payment failure: %v", o.ID, cancelErr)
		}
		var pe *domain.PaymentError
		if !errors.As(payErr, &pe) {
			payErr = &domain.PaymentError{Reason: payErr.Error()}
		}
		return nil, &StepError{Step: StepPayment, Err: payErr}
	}
	o.PaymentRef = ref
	if err := s.orders.SetPaymentRef(ctx, o.ID, ref); err != nil {
		log.Printf("failed to record payment ref for order %s: %v", o.ID, err)
	}

	if err := s.finishAfterPayment(ctx, o); err != nil {
		return o, err
	}

	o.Status = domain.OrderStatusConfirmed
	return o, nil
}

// Resume re-drives a checkout that crashed between steps. Steps 5-7 are
// idempotent, so re-running them against an order that already completed
// them produces no duplicate side effect.
func (s *Saga) Resume(ctx context.Context, orderID string) (*domain.Order, error) {
	o, err := s.orders.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	switch o.Status {
	case domain.OrderStatusCancelled:
		return o, nil
	case domain.OrderStatusConfirmed:
		// Only the cart discard can be outstanding.
		if err := s.carts.DiscardCart(ctx, o.Owner); err != nil {
			return o, &StepError{Step: StepClearCart, Err: err}
		}
		return o, nil
	case domain.OrderStatusPending:
		if o.PaymentRef == "" {
			// Payment outcome unknown: not safe to charge again blindly.
			return o, ErrNotResumable
		}
		if err := s.finishAfterPayment(ctx, o); err != nil {
			return o, err
		}
		o.Status = domain.OrderStatusConfirmed
		return o, nil
	}
	return o, fmt.Errorf("%w: order status %s", ErrNotResumable, o.Status)
}

// finishAfterPayment runs steps 5-8. Each is idempotent per order id.
func (s *Saga) finishAfterPayment(ctx context.Context, o *domain.Order) error {
	// Step 5: detach the cart-time holds so the cart clear below cannot
	// also release them. Numerically a no-op on availability.
	holds := make([]inventory.HoldItem, 0, len(o.Items))
	for _, item := range o.Items {
		holds = append(holds, inventory.HoldItem{Key: item.Key(), Quantity: item.Quantity})
	}
	if err := s.ledger.Finalize(ctx, o.ID, o.Owner, holds); err != nil {
		return &StepError{Step: StepFinalize, Err: err}
	}

	// Step 6: consume the discount use, only now that the sale is real.
	if o.DiscountCode != "" {
		if err := s.usage.IncrementUsage(ctx, o.DiscountCode, o.ID); err != nil {
			return &StepError{Step: StepDiscountUsage, Err: err}
		}
	}

	// Step 7: confirm + outbox event in one commit.
	payload, err := json.Marshal(orderConfirmedPayload(o, s.now()))
	if err != nil {
		return &StepError{Step: StepConfirm, Err: fmt.Errorf("marshal event payload: %w", err)}
	}
	if err := s.orders.ConfirmWithEvent(ctx, o.ID, payload); err != nil {
		return &StepError{Step: StepConfirm, Err: err}
	}

	// Step 8: discard the cart (no release — holds are detached). If this
	// fails the outbox consumer will clear the residual cart anyway.
	if err := s.carts.DiscardCart(ctx, o.Owner); err != nil {
		log.Printf("failed to discard cart after checkout of order %s: %v", o.ID, err)
	}
	return nil
}

// OrderConfirmedEvent is the outbox payload published on confirmation.
type OrderConfirmedEvent struct {
	OrderID     string          `json:"order_id"`
	OwnerKind   string          `json:"owner_kind"`
	OwnerID     string          `json:"owner_id"`
	Total       string          `json:"total"`
	Currency    string          `json:"currency"`
	ConfirmedAt time.Time       `json:"confirmed_at"`
	Items       []ConfirmedItem `json:"items"`
}

type ConfirmedItem struct {
	ProductID int64  `json:"product_id"`
	Size      string `json:"size"`
	Color     string `json:"color"`
	Quantity  int    `json:"quantity"`
	UnitPrice string `json:"unit_price"`
}

func orderConfirmedPayload(o *domain.Order, at time.Time) OrderConfirmedEvent {
	event := OrderConfirmedEvent{
		OrderID:     o.ID,
		OwnerKind:   string(o.Owner.Kind),
		OwnerID:     o.Owner.ID,
		Total:       o.Total.String(),
		Currency:    "USD",
		ConfirmedAt: at,
	}
	for _, item := range o.Items {
		event.Items = append(event.Items, ConfirmedItem{
			ProductID: item.ProductID,
			Size:      item.Size,
			Color:     item.Color,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice.String(),
		})
	}
	return event
}

// validate is step 1: cart non-empty, every line's quantity sane and
// still covered by a hold, discount still valid at current totals.
func (s *Saga) validate(ctx context.Context, in PlaceOrderInput) (*domain.Cart, *domain.AppliedDiscount, error) {
	snapshot, err := s.carts.RefreshCart(ctx, in.Owner)
	if err != nil {
		return nil, nil, err
	}
	if snapshot.IsEmpty() {
		return nil, nil, ErrEmptyCart
	}

	for _, line := range snapshot.Items {
		if line.Quantity < 1 {
			return nil, nil, fmt.Errorf("%w: line %v has quantity %d",
				domain.ErrInvariantViolation, line.Key(), line.Quantity)
		}
		held, err := s.ledger.Held(ctx, in.Owner, line.Key())
		if err != nil {
			return nil, nil, err
		}
		if held < line.Quantity {
			return nil, nil, fmt.Errorf("%w: %v needs %d, holds %d",
				ErrReservationLost, line.Key(), line.Quantity, held)
		}
	}

	var applied *domain.AppliedDiscount
	if in.DiscountCode != "" {
		subtotal := snapshot.Subtotal()
		shipping := domain.ShippingCost(subtotal, in.ShippingMethod)
		applied, err = s.discounts.Validate(ctx, in.DiscountCode, subtotal, shipping, s.now())
		if err != nil {
			return nil, nil, err
		}
	}

	return snapshot, applied, nil
}

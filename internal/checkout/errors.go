package checkout

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyCart = errors.New("cart is empty, nothing to checkout")

	// ErrReservationLost means a cart line's inventory hold no longer
	// covers its quantity, e.g. a concurrent edit in another tab
	// released it between cart view and checkout.
	ErrReservationLost = errors.New("cart reservation no longer held")

	// ErrNotResumable means a crashed checkout cannot be re-driven
	// because the payment outcome is unknown.
	ErrNotResumable = errors.New("checkout cannot be resumed")
)

type Step string

const (
	StepValidate      Step = "validate"
	StepCreateOrder   Step = "create_order"
	StepCreateItems   Step = "create_order_items"
	StepPayment       Step = "process_payment"
	StepFinalize      Step = "finalize_inventory"
	StepDiscountUsage Step = "increment_discount_usage"
	StepConfirm       Step = "confirm_order"
	StepClearCart     Step = "clear_cart"
)

// StepError annotates a failure with the saga step it came from, leaving
// the underlying error untouched for errors.Is/As at the call site.
type StepError struct {
	Step Step
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("checkout step %s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

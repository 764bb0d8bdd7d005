package cart

import (
	"context"
	"errors"

	"github.com/mkraev/cartflow/internal/domain"
)

var (
	ErrCartNotFound = errors.New("cart not found")
	ErrItemNotFound = errors.New("item not found in cart")
)

// Repository defines the cart persistence operations the service needs.
// Consumers define this interface, not the MongoDB implementation.
type Repository interface {
	GetCart(ctx context.Context, owner domain.OwnerRef) (*domain.Cart, error)
	// SetItem upserts one line at the given absolute quantity.
	SetItem(ctx context.Context, owner domain.OwnerRef, item domain.CartItem) error
	RemoveItem(ctx context.Context, owner domain.OwnerRef, key domain.VariantKey) error
	DeleteCart(ctx context.Context, owner domain.OwnerRef) error
}

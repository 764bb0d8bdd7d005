package inventory

import (
	"context"
	"errors"

	"github.com/mkraev/cartflow/internal/domain"
)

var (
	ErrVariantNotFound = errors.New("inventory record not found")
)

// HoldItem is one line of an order's claim on held units.
type HoldItem struct {
	Key      domain.VariantKey
	Quantity int
}

// Ledger tracks available units per (product, size, color) and the holds
// carts have placed on them. All mutation goes through Reserve/Release/
// Finalize; nothing else may touch the counts.
type Ledger interface {
	// Stock returns the available (unheld) quantity for a variant.
	Stock(ctx context.Context, key domain.VariantKey) (int, error)

	// SetStock sets the available quantity for a variant (seeding/restock).
	SetStock(ctx context.Context, key domain.VariantKey, qty int) error

	// Reserve conditionally decrements availability and records a hold
	// for the owner. Returns domain.ErrInsufficientStock without touching
	// anything when not enough units are available.
	Reserve(ctx context.Context, owner domain.OwnerRef, key domain.VariantKey, qty int) error

	// Release returns qty held units to the available pool. Releasing more
	// than is held is an invariant violation: holds give structural
	// double-release protection on top of the caller's released flag.
	Release(ctx context.Context, owner domain.OwnerRef, key domain.VariantKey, qty int) error

	// Held returns the quantity the owner currently holds for a variant.
	Held(ctx context.Context, owner domain.OwnerRef, key domain.VariantKey) (int, error)

	// Finalize detaches the order's units from the owner's holds so a later
	// cart clear cannot release them. Numerically a no-op on availability.
	// Idempotent per order id: re-running it detects prior completion.
	Finalize(ctx context.Context, orderID string, owner domain.OwnerRef, items []HoldItem) error
}

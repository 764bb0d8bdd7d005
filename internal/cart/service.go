package cart

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/mkraev/cartflow/internal/catalog"
	"github.com/mkraev/cartflow/internal/domain"
	"github.com/mkraev/cartflow/internal/inventory"
	"golang.org/x/sync/singleflight"
)

// Notifier broadcasts "this cart changed" to other devices/tabs.
// A nil-safe no-op implementation is acceptable: notifications are a
// staleness optimization, never a correctness requirement.
type Notifier interface {
	Publish(ctx context.Context, owner domain.OwnerRef) error
}

type noopNotifier struct{}

func (noopNotifier) Publish(context.Context, domain.OwnerRef) error { return nil }

// Service is the CartStore: the only mutation path for carts, and the
// only caller of Reserve/Release for cart-driven inventory movement.
type Service struct {
	repo    Repository
	cache   Cache
	catalog catalog.Catalog
	ledger  inventory.Ledger
	notify  Notifier
	sfg     singleflight.Group // Prevents cache stampede
}

func NewService(repo Repository, cache Cache, cat catalog.Catalog, ledger inventory.Ledger, notify Notifier) *Service {
	if notify == nil {
		notify = noopNotifier{}
	}
	return &Service{
		repo:    repo,
		cache:   cache,
		catalog: cat,
		ledger:  ledger,
		notify:  notify,
	}
}

// GetCart returns the cart for the owner, an empty cart if none exists.
func (s *Service) GetCart(ctx context.Context, owner domain.OwnerRef) (*domain.Cart, error) {
	// Use singleflight to prevent multiple concurrent cache misses for same key
	v, err, _ := s.sfg.Do(owner.String(), func() (interface{}, error) {
		cached, err := s.cache.Get(ctx, owner)
		if err == nil {
			return cached, nil
		}
		if !errors.Is(err, ErrCacheMiss) {
			log.Printf("cache get error: %v", err) // log cache error but continue
		}

		cart, errGet := s.getFresh(ctx, owner)
		if errGet != nil {
			return nil, errGet
		}

		go func() {
			errSet := s.cache.Set(context.Background(), owner, cart)
			if errSet != nil {
				log.Printf("cache set error: %v", errSet)
			}
		}()

		return cart, nil
	})

	if err != nil {
		return nil, err
	}
	return v.(*domain.Cart), nil
}

// RefreshCart drops the cached view and re-reads the persisted cart.
// Change-notification handlers call this: at-least-once delivery means
// the handler must re-fetch full state, never apply deltas.
func (s *Service) RefreshCart(ctx context.Context, owner domain.OwnerRef) (*domain.Cart, error) {
	s.invalidateCache(owner)
	cart, err := s.getFresh(ctx, owner)
	if err != nil {
		return nil, err
	}
	if errSet := s.cache.Set(ctx, owner, cart); errSet != nil {
		log.Printf("cache set error: %v", errSet)
	}
	return cart, nil
}

// getFresh bypasses the cache; mutations read through this so the
// persisted representation stays the source of truth.
func (s *Service) getFresh(ctx context.Context, owner domain.OwnerRef) (*domain.Cart, error) {
	cart, err := s.repo.GetCart(ctx, owner)
	if err != nil && errors.Is(err, ErrCartNotFound) {
		now := time.Now()
		return &domain.Cart{Owner: owner, CreatedAt: now, UpdatedAt: now}, nil
	}
	if err != nil {
		return nil, err
	}
	return cart, nil
}

// AddItem snapshots the catalog price, reserves inventory, then either
// increments an existing line or appends a new one. On insufficient
// stock the cart is left untouched.
func (s *Service) AddItem(ctx context.Context, owner domain.OwnerRef, key domain.VariantKey, qty int) (*domain.Cart, error) {
	if qty < 1 {
		return nil, fmt.Errorf("%w: add quantity %d", domain.ErrInvariantViolation, qty)
	}

	product, err := s.catalog.GetProduct(ctx, key.ProductID)
	if err != nil {
		return nil, err
	}
	if !product.HasOption(key.Size, key.Color) {
		return nil, catalog.ErrOptionNotAvailable
	}

	if err := s.ledger.Reserve(ctx, owner, key, qty); err != nil {
		return nil, err
	}

	cart, err := s.getFresh(ctx, owner)
	if err != nil {
		s.compensateReserve(ctx, owner, key, qty)
		return nil, err
	}

	item := domain.CartItem{
		ProductID:   key.ProductID,
		Size:        key.Size,
		Color:       key.Color,
		Quantity:    qty,
		UnitPrice:   product.Price,
		ProductName: product.Name,
		ImageRef:    product.PrimaryImage(),
		AddedAt:     time.Now(),
	}
	if existing := cart.Find(key); existing != nil {
		item = *existing
		item.Quantity += qty
	}

	if err := s.repo.SetItem(ctx, owner, item); err != nil {
		s.compensateReserve(ctx, owner, key, qty)
		return nil, err
	}

	s.afterMutation(ctx, owner)
	return s.getFresh(ctx, owner)
}

// UpdateQuantity reserves the delta on increase and releases it on
// decrease; zero removes the line. Inventory is untouched when the
// delta reservation fails.
func (s *Service) UpdateQuantity(ctx context.Context, owner domain.OwnerRef, key domain.VariantKey, newQty int) (*domain.Cart, error) {
	if newQty < 0 {
		return nil, fmt.Errorf("%w: quantity %d", domain.ErrInvariantViolation, newQty)
	}
	if newQty == 0 {
		return s.RemoveItem(ctx, owner, key)
	}

	cart, err := s.getFresh(ctx, owner)
	if err != nil {
		return nil, err
	}
	line := cart.Find(key)
	if line == nil {
		return nil, ErrItemNotFound
	}

	delta := newQty - line.Quantity
	switch {
	case delta > 0:
		if err := s.ledger.Reserve(ctx, owner, key, delta); err != nil {
			return nil, err
		}
	case delta < 0:
		if err := s.ledger.Release(ctx, owner, key, -delta); err != nil {
			return nil, err
		}
	default:
		return cart, nil
	}

	updated := *line
	updated.Quantity = newQty
	if err := s.repo.SetItem(ctx, owner, updated); err != nil {
		if delta > 0 {
			s.compensateReserve(ctx, owner, key, delta)
		}
		return nil, err
	}

	s.afterMutation(ctx, owner)
	return s.getFresh(ctx, owner)
}

// RemoveItem releases the full held quantity first, then deletes the
// line. In that order: a failure between the two leaves inventory
// correct even if the deletion must be retried.
func (s *Service) RemoveItem(ctx context.Context, owner domain.OwnerRef, key domain.VariantKey) (*domain.Cart, error) {
	cart, err := s.getFresh(ctx, owner)
	if err != nil {
		return nil, err
	}
	line := cart.Find(key)
	if line == nil {
		return nil, ErrItemNotFound
	}

	if err := s.ledger.Release(ctx, owner, key, line.Quantity); err != nil {
		return nil, err
	}
	if err := s.repo.RemoveItem(ctx, owner, key); err != nil {
		return nil, err
	}

	s.afterMutation(ctx, owner)
	return s.getFresh(ctx, owner)
}

// ClearCart is the shopper-initiated clear: every line's hold goes back
// to the available pool.
func (s *Service) ClearCart(ctx context.Context, owner domain.OwnerRef) error {
	cart, err := s.getFresh(ctx, owner)
	if err != nil {
		return err
	}

	for _, item := range cart.Items {
		if err := s.ledger.Release(ctx, owner, item.Key(), item.Quantity); err != nil {
			return err
		}
		if err := s.repo.RemoveItem(ctx, owner, item.Key()); err != nil {
			return err
		}
	}

	if err := s.repo.DeleteCart(ctx, owner); err != nil && !errors.Is(err, ErrCartNotFound) {
		return err
	}

	s.afterMutation(ctx, owner)
	return nil
}

// DiscardCart clears the cart without touching inventory. Checkout calls
// this after Finalize has detached the holds; releasing here would
// double-restore the units.
func (s *Service) DiscardCart(ctx context.Context, owner domain.OwnerRef) error {
	if err := s.repo.DeleteCart(ctx, owner); err != nil && !errors.Is(err, ErrCartNotFound) {
		return err
	}
	s.afterMutation(ctx, owner)
	return nil
}

// PutLine upserts a line at an absolute quantity without reserving.
// The login merge uses it after handling holds itself.
func (s *Service) PutLine(ctx context.Context, owner domain.OwnerRef, item domain.CartItem) error {
	if item.Quantity < 1 {
		return fmt.Errorf("%w: line quantity %d", domain.ErrInvariantViolation, item.Quantity)
	}
	if err := s.repo.SetItem(ctx, owner, item); err != nil {
		return err
	}
	s.afterMutation(ctx, owner)
	return nil
}

// DropLine removes a line without releasing its hold. The login merge
// uses it after moving the hold to the persistent owner.
func (s *Service) DropLine(ctx context.Context, owner domain.OwnerRef, key domain.VariantKey) error {
	if err := s.repo.RemoveItem(ctx, owner, key); err != nil && !errors.Is(err, ErrCartNotFound) {
		return err
	}
	s.afterMutation(ctx, owner)
	return nil
}

func (s *Service) compensateReserve(ctx context.Context, owner domain.OwnerRef, key domain.VariantKey, qty int) {
	if err := s.ledger.Release(ctx, owner, key, qty); err != nil {
		log.Printf("failed to release reservation after aborted mutation: %v", err)
	}
}

func (s *Service) afterMutation(ctx context.Context, owner domain.OwnerRef) {
	s.invalidateCache(owner)
	if err := s.notify.Publish(ctx, owner); err != nil {
		log.Printf("cart change publish error: %v", err)
	}
}

func (s *Service) invalidateCache(owner domain.OwnerRef) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.cache.Delete(ctx, owner); err != nil {
		log.Printf("cache invalidate error: %v", err)
	}
}

package cartsync

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/mkraev/cartflow/internal/cart"
	"github.com/mkraev/cartflow/internal/domain"
	"github.com/mkraev/cartflow/internal/inventory"
)

// Subscriber is the change-notification channel the sync service
// consumes. RedisNotifier implements it.
type Subscriber interface {
	Subscribe(ctx context.Context, owner domain.OwnerRef, onChange func()) (func(), error)
}

const (
	subscribeBaseBackoff = time.Second
	subscribeMaxBackoff  = time.Minute
)

// Service reconciles a device-local guest cart with the persistent cart
// at the login boundary, and keeps a persistent cart's view fresh via
// change notifications.
type Service struct {
	carts  *cart.Service
	ledger inventory.Ledger
	sub    Subscriber
}

func NewService(carts *cart.Service, ledger inventory.Ledger, sub Subscriber) *Service {
	return &Service{carts: carts, ledger: ledger, sub: sub}
}

// MergeFailure reports one guest line that could not be merged.
type MergeFailure struct {
	Key      domain.VariantKey `json:"key"`
	Quantity int               `json:"quantity"`
	Reason   string            `json:"reason"`
}

type MergeResult struct {
	Merged []domain.VariantKey `json:"merged"`
	Failed []MergeFailure      `json:"failed"`
}

// MergeOnLogin folds the device-local cart into the user's persistent
// cart. Same (product,size,color) lines sum quantities; new lines are
// appended. Each merged quantity is re-reserved under the user owner —
// the earlier device-local hold is not assumed to still be honored —
// and the guest hold is released exactly once after the move. Merge is
// best-effort per line: lines that fail stay in the guest cart and are
// reported individually.
func (s *Service) MergeOnLogin(ctx context.Context, deviceID, userID string) (*MergeResult, error) {
	deviceOwner := domain.DeviceOwner(deviceID)
	userOwner := domain.UserOwner(userID)

	guest, err := s.carts.RefreshCart(ctx, deviceOwner)
	if err != nil {
		return nil, err
	}
	result := &MergeResult{}
	if guest.IsEmpty() {
		return result, nil
	}

	target, err := s.carts.RefreshCart(ctx, userOwner)
	if err != nil {
		return nil, err
	}

	for _, guestLine := range guest.Items {
		key := guestLine.Key()

		if err := s.ledger.Reserve(ctx, userOwner, key, guestLine.Quantity); err != nil {
			if errors.Is(err, domain.ErrInsufficientStock) || errors.Is(err, inventory.ErrVariantNotFound) {
				result.Failed = append(result.Failed, MergeFailure{
					Key:      key,
					Quantity: guestLine.Quantity,
					Reason:   err.Error(),
				})
				continue
			}
			return result, err
		}

		merged := guestLine
		if existing := target.Find(key); existing != nil {
			merged = *existing
			merged.Quantity += guestLine.Quantity
		}

		if err := s.carts.PutLine(ctx, userOwner, merged); err != nil {
			// Undo this line's new hold; the guest line is untouched.
			if relErr := s.ledger.Release(ctx, userOwner, key, guestLine.Quantity); relErr != nil {
				log.Printf("failed to undo merge reservation for %v: %v", key, relErr)
			}
			result.Failed = append(result.Failed, MergeFailure{
				Key:      key,
				Quantity: guestLine.Quantity,
				Reason:   err.Error(),
			})
			continue
		}

		// One-time release of the guest hold, then drop the guest line.
		if err := s.ledger.Release(ctx, deviceOwner, key, guestLine.Quantity); err != nil {
			log.Printf("failed to release guest hold for %v: %v", key, err)
		}
		if err := s.carts.DropLine(ctx, deviceOwner, key); err != nil {
			log.Printf("failed to drop merged guest line %v: %v", key, err)
		}

		result.Merged = append(result.Merged, key)
	}

	if len(result.Failed) == 0 {
		if err := s.carts.DiscardCart(ctx, deviceOwner); err != nil {
			log.Printf("failed to discard guest cart: %v", err)
		}
	}

	return result, nil
}

// Watch keeps the owner's cart view fresh: every notification triggers a
// full re-fetch (freshest read wins). If the channel cannot be
// established the service degrades silently to "no live updates" and
// keeps retrying with backoff in the background; cart usage is never
// blocked on it.
func (s *Service) Watch(ctx context.Context, owner domain.OwnerRef, onRefresh func(*domain.Cart)) func() {
	watchCtx, cancel := context.WithCancel(ctx)

	onChange := func() {
		fresh, err := s.carts.RefreshCart(watchCtx, owner)
		if err != nil {
			log.Printf("cart refresh after change notification failed: %v", err)
			return
		}
		if onRefresh != nil {
			onRefresh(fresh)
		}
	}

	go func() {
		backoff := subscribeBaseBackoff
		for {
			stop, err := s.sub.Subscribe(watchCtx, owner, onChange)
			if err == nil {
				<-watchCtx.Done()
				stop()
				return
			}

			log.Printf("cart change subscription unavailable, retrying in %v: %v", backoff, err)
			select {
			case <-time.After(backoff):
			case <-watchCtx.Done():
				return
			}
			backoff *= 2
			if backoff > subscribeMaxBackoff {
				backoff = subscribeMaxBackoff
			}
		}
	}()

	return cancel
}

package cart

import (
	"context"
	"errors"

	"github.com/mkraev/cartflow/internal/domain"
)

type Cache interface {
	Get(ctx context.Context, owner domain.OwnerRef) (*domain.Cart, error)
	Set(ctx context.Context, owner domain.OwnerRef, cart *domain.Cart) error
	Delete(ctx context.Context, owner domain.OwnerRef) error
}

var ErrCacheMiss = errors.New("cache miss")

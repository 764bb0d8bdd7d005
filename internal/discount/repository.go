package discount

import (
	"context"
	"errors"
	"sync"

	"github.com/mkraev/cartflow/internal/domain"
)

var ErrCodeNotFound = errors.New("discount code not found")

type Repository interface {
	GetCode(ctx context.Context, code string) (*domain.DiscountCode, error)

	// IncrementUsage consumes one use of the code for the given order.
	// Idempotent per order id: at-least-once saga re-runs must not
	// double-consume.
	IncrementUsage(ctx context.Context, code, orderID string) error
}

// MemoryRepository holds codes in memory for tests and dev wiring.
type MemoryRepository struct {
	mu    sync.Mutex
	codes map[string]*domain.DiscountCode
	used  map[string]string // order id -> code
}

func NewMemoryRepository(codes ...*domain.DiscountCode) *MemoryRepository {
	r := &MemoryRepository{
		codes: make(map[string]*domain.DiscountCode),
		used:  make(map[string]string),
	}
	for _, c := range codes {
		r.codes[c.Code] = c
	}
	return r
}

func (r *MemoryRepository) Put(code *domain.DiscountCode) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codes[code.Code] = code
}

func (r *MemoryRepository) GetCode(_ context.Context, code string) (*domain.DiscountCode, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.codes[code]
	if !ok {
		return nil, ErrCodeNotFound
	}
	cp := *c
	return &cp, nil
}

func (r *MemoryRepository) IncrementUsage(_ context.Context, code, orderID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, done := r.used[orderID]; done {
		return nil
	}
	c, ok := r.codes[code]
	if !ok {
		return ErrCodeNotFound
	}
	r.used[orderID] = code
	if c.MaxUses == nil || c.CurrentUses < *c.MaxUses {
		c.CurrentUses++
	}
	return nil
}

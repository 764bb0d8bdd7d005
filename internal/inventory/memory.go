package inventory

import (
	"context"
	"fmt"
	"sync"

	"github.com/mkraev/cartflow/internal/domain"
)

// MemoryLedger implements Ledger with in-memory storage. Used in tests
// and single-process deployments.
type MemoryLedger struct {
	mu        sync.RWMutex
	stocks    map[domain.VariantKey]int
	holds     map[string]map[domain.VariantKey]int // owner ref -> variant -> qty
	finalized map[string]bool                      // order id -> done
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		stocks:    make(map[domain.VariantKey]int),
		holds:     make(map[string]map[domain.VariantKey]int),
		finalized: make(map[string]bool),
	}
}

func (m *MemoryLedger) Stock(_ context.Context, key domain.VariantKey) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	qty, exists := m.stocks[key]
	if !exists {
		return 0, ErrVariantNotFound
	}
	return qty, nil
}

func (m *MemoryLedger) SetStock(_ context.Context, key domain.VariantKey, qty int) error {
	if qty < 0 {
		return fmt.Errorf("%w: negative stock %d", domain.ErrInvariantViolation, qty)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stocks[key] = qty
	return nil
}

func (m *MemoryLedger) Reserve(_ context.Context, owner domain.OwnerRef, key domain.VariantKey, qty int) error {
	if qty <= 0 {
		return fmt.Errorf("%w: reserve quantity %d", domain.ErrInvariantViolation, qty)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	available, exists := m.stocks[key]
	if !exists {
		return ErrVariantNotFound
	}
	if available < qty {
		return domain.ErrInsufficientStock
	}

	m.stocks[key] = available - qty

	ownerHolds, ok := m.holds[owner.String()]
	if !ok {
		ownerHolds = make(map[domain.VariantKey]int)
		m.holds[owner.String()] = ownerHolds
	}
	ownerHolds[key] += qty
	return nil
}

func (m *MemoryLedger) Release(_ context.Context, owner domain.OwnerRef, key domain.VariantKey, qty int) error {
	if qty <= 0 {
		return fmt.Errorf("%w: release quantity %d", domain.ErrInvariantViolation, qty)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	ownerHolds := m.holds[owner.String()]
	if ownerHolds == nil || ownerHolds[key] < qty {
		return fmt.Errorf("%w: release of %d exceeds hold of %d", domain.ErrInvariantViolation, qty, ownerHolds[key])
	}

	ownerHolds[key] -= qty
	if ownerHolds[key] == 0 {
		delete(ownerHolds, key)
	}
	m.stocks[key] += qty
	return nil
}

func (m *MemoryLedger) Held(_ context.Context, owner domain.OwnerRef, key domain.VariantKey) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ownerHolds := m.holds[owner.String()]
	if ownerHolds == nil {
		return 0, nil
	}
	return ownerHolds[key], nil
}

func (m *MemoryLedger) Finalize(_ context.Context, orderID string, owner domain.OwnerRef, items []HoldItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.finalized[orderID] {
		return nil
	}

	ownerHolds := m.holds[owner.String()]
	for _, item := range items {
		if ownerHolds == nil || ownerHolds[item.Key] < item.Quantity {
			return fmt.Errorf("%w: finalize of %d exceeds hold for %v", domain.ErrInvariantViolation, item.Quantity, item.Key)
		}
	}

	for _, item := range items {
		ownerHolds[item.Key] -= item.Quantity
		if ownerHolds[item.Key] == 0 {
			delete(ownerHolds, item.Key)
		}
	}

	m.finalized[orderID] = true
	return nil
}

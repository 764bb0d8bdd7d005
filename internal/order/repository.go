package order

import (
	"context"
	"errors"
	"time"

	"github.com/mkraev/cartflow/internal/domain"
)

var (
	ErrOrderNotFound     = errors.New("order not found")
	ErrDuplicateOrder    = errors.New("order already exists")
	ErrIllegalTransition = errors.New("illegal transition of order status")
)

// OutboxEvent is one durable event row awaiting publication.
type OutboxEvent struct {
	ID          int64
	OrderID     string
	EventType   string
	Payload     []byte
	CreatedAt   time.Time
	ProcessedAt *time.Time
}

const EventOrderConfirmed = "order.confirmed"

type Repository interface {
	// CreateOrder inserts the order row in Pending and seeds the status
	// history. Items are written separately: each saga step commits on
	// its own.
	CreateOrder(ctx context.Context, o *domain.Order) error
	AddItems(ctx context.Context, orderID string, items []domain.OrderItem) error
	GetOrder(ctx context.Context, orderID string) (*domain.Order, error)
	ListByOwner(ctx context.Context, owner domain.OwnerRef) ([]*domain.Order, error)
	History(ctx context.Context, orderID string) ([]domain.StatusChange, error)

	SetPaymentRef(ctx context.Context, orderID, paymentRef string) error

	// UpdateStatus validates the lifecycle transition and appends to the
	// status history.
	UpdateStatus(ctx context.Context, orderID string, status domain.OrderStatus) error

	// ConfirmWithEvent transitions to Confirmed and writes the outbox
	// event in the same transaction. Confirming an already-confirmed
	// order is a no-op so the saga step stays idempotent.
	ConfirmWithEvent(ctx context.Context, orderID string, payload []byte) error

	UnprocessedEvents(ctx context.Context, limit int) ([]*OutboxEvent, error)
	MarkEventProcessed(ctx context.Context, eventID int64) error

	// StuckCheckouts lists Pending orders that carry a payment ref and
	// have not moved for olderThan. Their payment succeeded but the
	// checkout crashed before confirmation; they are safe to re-drive.
	StuckCheckouts(ctx context.Context, olderThan time.Duration, limit int) ([]string, error)
}

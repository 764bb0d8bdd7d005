package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"log"

	"github.com/mkraev/cartflow/internal/domain"
	"github.com/segmentio/kafka-go"
)

// CartCleaner removes residual cart state once an order is confirmed.
// cart.Service satisfies it with DiscardCart.
type CartCleaner interface {
	DiscardCart(ctx context.Context, owner domain.OwnerRef) error
}

// confirmedEvent mirrors the outbox payload shape; only the fields the
// consumer acts on are decoded.
type confirmedEvent struct {
	OrderID   string `json:"order_id"`
	OwnerKind string `json:"owner_kind"`
	OwnerID   string `json:"owner_id"`
}

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
}

// Consumer clears any cart left behind on other devices after checkout.
// Delivery is at-least-once, so clearing an already-absent cart must be
// (and is) a no-op.
type Consumer struct {
	cleaner CartCleaner
	reader  messageReader
}

func NewConsumer(cleaner CartCleaner, brokers ...string) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    Topic,
		GroupID:  "cartflow-cart-cleanup",
		MaxBytes: 10e6, // 10MB
	})
	return &Consumer{cleaner: cleaner, reader: reader}
}

func (c *Consumer) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		c.processMessage(ctx)
	}
}

func (c *Consumer) Close() {
	if r, ok := c.reader.(*kafka.Reader); ok {
		if err := r.Close(); err != nil {
			log.Printf("error closing kafka reader: %v", err)
		}
	}
}

func (c *Consumer) processMessage(ctx context.Context) {
	m, err := c.reader.ReadMessage(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		log.Printf("error reading message: %v", err)
		return
	}

	var event confirmedEvent
	if err := json.Unmarshal(m.Value, &event); err != nil {
		log.Printf("error parsing message: %v", err)
		return
	}
	if event.OwnerKind == "" || event.OwnerID == "" {
		log.Printf("missing owner in event for order %q", event.OrderID)
		return
	}

	owner := domain.OwnerRef{Kind: domain.OwnerKind(event.OwnerKind), ID: event.OwnerID}
	if err := c.cleaner.DiscardCart(ctx, owner); err != nil {
		log.Printf("failed to discard cart for %s: %v", owner, err)
	}
}

package outbox

import (
	"context"
	"log"
	"time"

	"github.com/mkraev/cartflow/internal/domain"
	"github.com/mkraev/cartflow/internal/order"
	"github.com/segmentio/kafka-go"
)

const Topic = "order-events"

// EventSource is the durable event feed the poller drains, plus the
// stuck-checkout scan the recovery tick runs against.
type EventSource interface {
	UnprocessedEvents(ctx context.Context, limit int) ([]*order.OutboxEvent, error)
	MarkEventProcessed(ctx context.Context, eventID int64) error
	StuckCheckouts(ctx context.Context, olderThan time.Duration, limit int) ([]string, error)
}

// Resumer re-drives a checkout that crashed after payment.
// checkout.Saga satisfies it.
type Resumer interface {
	Resume(ctx context.Context, orderID string) (*domain.Order, error)
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

type Poller struct {
	timeout      time.Duration
	eventTick    time.Duration
	recoveryTick time.Duration
	stuckAge     time.Duration
	source       EventSource
	resumer      Resumer
	writer       messageWriter
}

func NewPoller(source EventSource, resumer Resumer, brokers ...string) *Poller {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  Topic,
		Balancer:               &kafka.LeastBytes{},
		AllowAutoTopicCreation: true,
	}
	return &Poller{
		timeout:      5 * time.Second,
		eventTick:    time.Second,
		recoveryTick: 5 * time.Second,
		stuckAge:     time.Minute,
		source:       source,
		resumer:      resumer,
		writer:       w,
	}
}

func (p *Poller) Run(ctx context.Context) {
	eventTicker := time.NewTicker(p.eventTick)
	recoveryTicker := time.NewTicker(p.recoveryTick)
	defer eventTicker.Stop()
	defer recoveryTicker.Stop()
	for {
		select {
		case <-eventTicker.C:
			p.processUnpublishedEvents(ctx)
		case <-recoveryTicker.C:
			p.recoverStuckCheckouts(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (p *Poller) Close() {
	if w, ok := p.writer.(*kafka.Writer); ok {
		if err := w.Close(); err != nil {
			log.Printf("error closing kafka writer: %v", err)
		}
	}
}

func (p *Poller) processUnpublishedEvents(ctx context.Context) {
	events, err := p.source.UnprocessedEvents(ctx, 100)
	if err != nil {
		log.Printf("failed to fetch outbox events: %v", err)
		return
	}

	for _, event := range events {
		if errPublish := p.publish(ctx, event); errPublish != nil {
			log.Printf("failed to publish event id = %v with error %v", event.ID, errPublish)
			continue
		}

		if errMark := p.source.MarkEventProcessed(ctx, event.ID); errMark != nil {
			log.Printf("failed to mark event as processed id = %v with error %v", event.ID, errMark)
			continue
		}
	}
}

// recoverStuckCheckouts re-drives orders whose payment went through but
// whose checkout crashed before confirmation. Resume's steps are
// idempotent, so racing an in-flight checkout is harmless.
func (p *Poller) recoverStuckCheckouts(ctx context.Context) {
	ids, err := p.source.StuckCheckouts(ctx, p.stuckAge, 100)
	if err != nil {
		log.Printf("failed to get stuck checkouts: %v", err)
		return
	}

	for _, id := range ids {
		log.Printf("recovering stuck checkout: %v", id)
		if _, err := p.resumer.Resume(ctx, id); err != nil {
			log.Printf("failed to resume checkout %v: %v", id, err)
			continue
		}
		log.Printf("checkout recovered: %v", id)
	}
}

func (p *Poller) publish(ctx context.Context, event *order.OutboxEvent) error {
	msg := kafka.Message{
		Key:   []byte(event.OrderID), // order_id for per-order ordering
		Value: event.Payload,         // already JSON from the database
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.EventType)},
		},
	}

	writeCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return p.writer.WriteMessages(writeCtx, msg)
}

package outbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkraev/cartflow/internal/domain"
	"github.com/mkraev/cartflow/internal/order"
)

// memEventSource is an in-memory outbox table.
type memEventSource struct {
	mu       sync.Mutex
	events   []*order.OutboxEvent
	stuck    []string
	fetchErr error
	markErr  error
}

func (s *memEventSource) UnprocessedEvents(_ context.Context, limit int) ([]*order.OutboxEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fetchErr != nil {
		return nil, s.fetchErr
	}
	var out []*order.OutboxEvent
	for _, e := range s.events {
		if e.ProcessedAt == nil {
			cp := *e
			out = append(out, &cp)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (s *memEventSource) MarkEventProcessed(_ context.Context, eventID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.markErr != nil {
		return s.markErr
	}
	for _, e := range s.events {
		if e.ID == eventID {
			now := time.Now()
			e.ProcessedAt = &now
			return nil
		}
	}
	return errors.New("event not found")
}

func (s *memEventSource) StuckCheckouts(_ context.Context, _ time.Duration, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.stuck) > limit {
		return append([]string(nil), s.stuck[:limit]...), nil
	}
	return append([]string(nil), s.stuck...), nil
}

func (s *memEventSource) unprocessedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.events {
		if e.ProcessedAt == nil {
			n++
		}
	}
	return n
}

// memWriter records written kafka messages.
type memWriter struct {
	mu       sync.Mutex
	messages []kafka.Message
	writeErr error
}

func (w *memWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.writeErr != nil {
		return w.writeErr
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

// memResumer records re-driven checkouts.
type memResumer struct {
	mu        sync.Mutex
	resumed   []string
	resumeErr error
}

func (r *memResumer) Resume(_ context.Context, orderID string) (*domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.resumeErr != nil {
		return nil, r.resumeErr
	}
	r.resumed = append(r.resumed, orderID)
	return &domain.Order{ID: orderID, Status: domain.OrderStatusConfirmed}, nil
}

func newTestPoller(source EventSource, resumer Resumer, writer messageWriter) *Poller {
	return &Poller{
		timeout:      time.Second,
		eventTick:    10 * time.Millisecond,
		recoveryTick: 10 * time.Millisecond,
		stuckAge:     time.Minute,
		source:       source,
		resumer:      resumer,
		writer:       writer,
	}
}

func confirmEvent(id int64, orderID string) *order.OutboxEvent {
	return &order.OutboxEvent{
		ID:        id,
		OrderID:   orderID,
		EventType: order.EventOrderConfirmed,
		Payload:   []byte(`{"order_id":"` + orderID + `"}`),
		CreatedAt: time.Now(),
	}
}

func TestPoller_PublishesAndMarksProcessed(t *testing.T) {
	source := &memEventSource{events: []*order.OutboxEvent{
		confirmEvent(1, "order-1"),
		confirmEvent(2, "order-2"),
	}}
	writer := &memWriter{}
	p := newTestPoller(source, &memResumer{}, writer)

	p.processUnpublishedEvents(context.Background())

	writer.mu.Lock()
	defer writer.mu.Unlock()
	require.Len(t, writer.messages, 2)
	assert.Equal(t, []byte("order-1"), writer.messages[0].Key)
	assert.Equal(t, []byte(`{"order_id":"order-1"}`), writer.messages[0].Value)
	require.Len(t, writer.messages[0].Headers, 1)
	assert.Equal(t, "event_type", writer.messages[0].Headers[0].Key)
	assert.Equal(t, []byte(order.EventOrderConfirmed), writer.messages[0].Headers[0].Value)

	assert.Equal(t, 0, source.unprocessedCount())
}

func TestPoller_EventStaysQueuedOnPublishFailure(t *testing.T) {
	source := &memEventSource{events: []*order.OutboxEvent{confirmEvent(1, "order-1")}}
	writer := &memWriter{writeErr: errors.New("broker down")}
	p := newTestPoller(source, &memResumer{}, writer)

	p.processUnpublishedEvents(context.Background())
	assert.Equal(t, 1, source.unprocessedCount())

	// Broker recovers; the next pass drains the backlog.
	writer.mu.Lock()
	writer.writeErr = nil
	writer.mu.Unlock()

	p.processUnpublishedEvents(context.Background())
	assert.Equal(t, 0, source.unprocessedCount())
}

func TestPoller_RunDrainsOnTick(t *testing.T) {
	source := &memEventSource{events: []*order.OutboxEvent{confirmEvent(1, "order-1")}}
	writer := &memWriter{}
	p := newTestPoller(source, &memResumer{}, writer)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return source.unprocessedCount() == 0
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("poller did not stop on context cancellation")
	}
}

func TestPoller_RecoversStuckCheckouts(t *testing.T) {
	source := &memEventSource{stuck: []string{"order-1", "order-2"}}
	resumer := &memResumer{}
	p := newTestPoller(source, resumer, &memWriter{})

	p.recoverStuckCheckouts(context.Background())

	resumer.mu.Lock()
	defer resumer.mu.Unlock()
	assert.Equal(t, []string{"order-1", "order-2"}, resumer.resumed)
}

func TestPoller_RecoveryKeepsGoingPastFailures(t *testing.T) {
	source := &memEventSource{stuck: []string{"order-1"}}
	resumer := &memResumer{resumeErr: errors.New("store unavailable")}
	p := newTestPoller(source, resumer, &memWriter{})

	// A resume failure is logged and retried on the next tick.
	p.recoverStuckCheckouts(context.Background())

	resumer.mu.Lock()
	resumer.resumeErr = nil
	resumer.mu.Unlock()

	p.recoverStuckCheckouts(context.Background())

	resumer.mu.Lock()
	defer resumer.mu.Unlock()
	assert.Equal(t, []string{"order-1"}, resumer.resumed)
}

func TestPoller_RunDrivesRecoveryTick(t *testing.T) {
	source := &memEventSource{stuck: []string{"order-1"}}
	resumer := &memResumer{}
	p := newTestPoller(source, resumer, &memWriter{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	require.Eventually(t, func() bool {
		resumer.mu.Lock()
		defer resumer.mu.Unlock()
		return len(resumer.resumed) > 0
	}, time.Second, 10*time.Millisecond)
}

// memCleaner records discarded carts.
type memCleaner struct {
	mu     sync.Mutex
	owners []domain.OwnerRef
}

func (c *memCleaner) DiscardCart(_ context.Context, owner domain.OwnerRef) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.owners = append(c.owners, owner)
	return nil
}

// scriptedReader feeds canned messages, then blocks until cancellation.
type scriptedReader struct {
	mu   sync.Mutex
	msgs []kafka.Message
}

func (r *scriptedReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.msgs) > 0 {
		m := r.msgs[0]
		r.msgs = r.msgs[1:]
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, context.Canceled
}

func TestConsumer_DiscardsCartFromEvent(t *testing.T) {
	cleaner := &memCleaner{}
	reader := &scriptedReader{msgs: []kafka.Message{
		{Value: []byte(`{"order_id":"order-1","owner_kind":"user","owner_id":"user-1"}`)},
	}}
	c := &Consumer{cleaner: cleaner, reader: reader}

	c.processMessage(context.Background())

	cleaner.mu.Lock()
	defer cleaner.mu.Unlock()
	require.Len(t, cleaner.owners, 1)
	assert.Equal(t, domain.UserOwner("user-1"), cleaner.owners[0])
}

func TestConsumer_IgnoresMalformedAndOwnerlessEvents(t *testing.T) {
	cleaner := &memCleaner{}
	reader := &scriptedReader{msgs: []kafka.Message{
		{Value: []byte(`not json`)},
		{Value: []byte(`{"order_id":"order-1"}`)},
	}}
	c := &Consumer{cleaner: cleaner, reader: reader}

	c.processMessage(context.Background())
	c.processMessage(context.Background())

	cleaner.mu.Lock()
	defer cleaner.mu.Unlock()
	assert.Empty(t, cleaner.owners)
}

package order

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mkraev/cartflow/internal/database"
	"github.com/mkraev/cartflow/internal/domain"
	"github.com/shopspring/decimal"
)

type PostgresRepository struct {
	db *sql.DB
}

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) CreateOrder(ctx context.Context, o *domain.Order) error {
	addressJSON, err := json.Marshal(o.ShippingAddress)
	if err != nil {
		return fmt.Errorf("failed to marshal shipping address: %w", err)
	}

	return database.WithTransaction(ctx, r.db, func(tx *sql.Tx) error {
		query := `INSERT INTO orders
		          (id, owner_kind, owner_id, shipping_address, shipping_method, payment_method,
		           discount_code, discount_amount, subtotal, shipping_cost, tax, total, status,
		           created_at, updated_at)
		          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, NOW(), NOW())`

		_, insertErr := tx.ExecContext(ctx, query,
			o.ID,
			o.Owner.Kind,
			o.Owner.ID,
			addressJSON,
			o.ShippingMethod,
			o.PaymentMethod,
			o.DiscountCode,
			o.DiscountAmount.String(),
			o.Subtotal.String(),
			o.ShippingCost.String(),
			o.Tax.String(),
			o.Total.String(),
			o.Status,
		)
		if insertErr != nil {
			if database.IsUniqueViolation(insertErr) {
				return ErrDuplicateOrder
			}
			return fmt.Errorf("insert order: %w", insertErr)
		}

		history := `INSERT INTO order_status_history (order_id, status, changed_at)
		            VALUES ($1, $2, NOW())`
		if _, err := tx.ExecContext(ctx, history, o.ID, o.Status); err != nil {
			return fmt.Errorf("insert status history: %w", err)
		}
		return nil
	})
}

func (r *PostgresRepository) AddItems(ctx context.Context, orderID string, items []domain.OrderItem) error {
	return database.WithTransaction(ctx, r.db, func(tx *sql.Tx) error {
		query := `INSERT INTO order_items
		          (order_id, product_id, size, color, quantity, unit_price, product_name)
		          VALUES ($1, $2, $3, $4, $5, $6, $7)
		          ON CONFLICT (order_id, product_id, size, color) DO NOTHING`

		for _, item := range items {
			_, err := tx.ExecContext(ctx, query,
				orderID,
				item.ProductID,
				item.Size,
				item.Color,
				item.Quantity,
				item.UnitPrice.String(),
				item.ProductName,
			)
			if err != nil {
				return fmt.Errorf("insert order item: %w", err)
			}
		}
		return nil
	})
}

const orderColumns = `id, owner_kind, owner_id, shipping_address, shipping_method, payment_method,
	payment_ref, discount_code, discount_amount, subtotal, shipping_cost, tax, total, status,
	created_at, updated_at`

func (r *PostgresRepository) scanOrder(row interface{ Scan(...interface{}) error }) (*domain.Order, error) {
	var (
		o           domain.Order
		addressJSON []byte
		paymentRef  sql.NullString
		discAmount  string
		subtotal    string
		shipping    string
		tax         string
		total       string
	)
	err := row.Scan(
		&o.ID,
		&o.Owner.Kind,
		&o.Owner.ID,
		&addressJSON,
		&o.ShippingMethod,
		&o.PaymentMethod,
		&paymentRef,
		&o.DiscountCode,
		&discAmount,
		&subtotal,
		&shipping,
		&tax,
		&total,
		&o.Status,
		&o.CreatedAt,
		&o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(addressJSON, &o.ShippingAddress); err != nil {
		return nil, fmt.Errorf("unmarshal shipping address: %w", err)
	}
	o.PaymentRef = paymentRef.String

	for _, pair := range []struct {
		dst *decimal.Decimal
		src string
	}{
		{&o.DiscountAmount, discAmount},
		{&o.Subtotal, subtotal},
		{&o.ShippingCost, shipping},
		{&o.Tax, tax},
		{&o.Total, total},
	} {
		d, err := decimal.NewFromString(pair.src)
		if err != nil {
			return nil, fmt.Errorf("parse order amount: %w", err)
		}
		*pair.dst = d
	}

	return &o, nil
}

func (r *PostgresRepository) loadItems(ctx context.Context, orderID string) ([]domain.OrderItem, error) {
	query := `SELECT product_id, size, color, quantity, unit_price, product_name
	          FROM order_items WHERE order_id = $1 ORDER BY product_id, size, color`

	rows, err := r.db.QueryContext(ctx, query, orderID)
	if err != nil {
		return nil, fmt.Errorf("query order items: %w", err)
	}
	defer rows.Close()

	var items []domain.OrderItem
	for rows.Next() {
		var (
			item  domain.OrderItem
			price string
		)
		if err := rows.Scan(&item.ProductID, &item.Size, &item.Color, &item.Quantity, &price, &item.ProductName); err != nil {
			return nil, fmt.Errorf("scan order item: %w", err)
		}
		if item.UnitPrice, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("parse item price: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return items, nil
}

func (r *PostgresRepository) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	query := fmt.Sprintf(`SELECT %s FROM orders WHERE id = $1`, orderColumns)

	o, err := r.scanOrder(r.db.QueryRowContext(ctx, query, orderID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query order by id: %w", err)
	}

	if o.Items, err = r.loadItems(ctx, orderID); err != nil {
		return nil, err
	}
	return o, nil
}

func (r *PostgresRepository) ListByOwner(ctx context.Context, owner domain.OwnerRef) ([]*domain.Order, error) {
	query := fmt.Sprintf(
		`SELECT %s FROM orders WHERE owner_kind = $1 AND owner_id = $2 ORDER BY created_at DESC`,
		orderColumns)

	rows, err := r.db.QueryContext(ctx, query, owner.Kind, owner.ID)
	if err != nil {
		return nil, fmt.Errorf("query orders by owner: %w", err)
	}
	defer rows.Close()

	var orders []*domain.Order
	for rows.Next() {
		o, err := r.scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order row: %w", err)
		}
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	for _, o := range orders {
		if o.Items, err = r.loadItems(ctx, o.ID); err != nil {
			return nil, err
		}
	}
	return orders, nil
}

func (r *PostgresRepository) History(ctx context.Context, orderID string) ([]domain.StatusChange, error) {
	query := `SELECT status, changed_at FROM order_status_history
	          WHERE order_id = $1 ORDER BY changed_at, id`

	rows, err := r.db.QueryContext(ctx, query, orderID)
	if err != nil {
		return nil, fmt.Errorf("query status history: %w", err)
	}
	defer rows.Close()

	var history []domain.StatusChange
	for rows.Next() {
		var change domain.StatusChange
		if err := rows.Scan(&change.Status, &change.At); err != nil {
			return nil, fmt.Errorf("scan status change: %w", err)
		}
		history = append(history, change)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return history, nil
}

func (r *PostgresRepository) SetPaymentRef(ctx context.Context, orderID, paymentRef string) error {
	query := `UPDATE orders SET payment_ref = $2, updated_at = NOW() WHERE id = $1`

	result, err := r.db.ExecContext(ctx, query, orderID, paymentRef)
	if err != nil {
		return fmt.Errorf("set payment ref: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("set payment ref: %w", err)
	}
	if affected == 0 {
		return ErrOrderNotFound
	}
	return nil
}

func (r *PostgresRepository) UpdateStatus(ctx context.Context, orderID string, status domain.OrderStatus) error {
	return database.WithTransaction(ctx, r.db, func(tx *sql.Tx) error {
		return transitionTx(ctx, tx, orderID, status, false)
	})
}

func (r *PostgresRepository) ConfirmWithEvent(ctx context.Context, orderID string, payload []byte) error {
	return database.WithTransaction(ctx, r.db, func(tx *sql.Tx) error {
		done, err := alreadyAt(ctx, tx, orderID, domain.OrderStatusConfirmed)
		if err != nil {
			return err
		}
		if done {
			return nil
		}

		if err := transitionTx(ctx, tx, orderID, domain.OrderStatusConfirmed, true); err != nil {
			return err
		}

		outbox := `INSERT INTO outbox_events (order_id, event_type, payload, created_at)
		           VALUES ($1, $2, $3, NOW())`
		if _, err := tx.ExecContext(ctx, outbox, orderID, EventOrderConfirmed, payload); err != nil {
			return fmt.Errorf("insert outbox event: %w", err)
		}
		return nil
	})
}

func alreadyAt(ctx context.Context, tx *sql.Tx, orderID string, status domain.OrderStatus) (bool, error) {
	var current domain.OrderStatus
	err := tx.QueryRowContext(ctx, `SELECT status FROM orders WHERE id = $1 FOR UPDATE`, orderID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrOrderNotFound
	}
	if err != nil {
		return false, fmt.Errorf("query order status: %w", err)
	}
	return current == status, nil
}

func transitionTx(ctx context.Context, tx *sql.Tx, orderID string, status domain.OrderStatus, locked bool) error {
	lock := ""
	if !locked {
		lock = " FOR UPDATE"
	}
	var current domain.OrderStatus
	err := tx.QueryRowContext(ctx, `SELECT status FROM orders WHERE id = $1`+lock, orderID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrOrderNotFound
	}
	if err != nil {
		return fmt.Errorf("query order status: %w", err)
	}

	if !domain.CanTransitionTo(current, status) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, current, status)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE orders SET status = $2, updated_at = NOW() WHERE id = $1`, orderID, status); err != nil {
		return fmt.Errorf("update order status: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO order_status_history (order_id, status, changed_at) VALUES ($1, $2, NOW())`,
		orderID, status); err != nil {
		return fmt.Errorf("insert status history: %w", err)
	}
	return nil
}

func (r *PostgresRepository) UnprocessedEvents(ctx context.Context, limit int) ([]*OutboxEvent, error) {
	query := `SELECT id, order_id, event_type, payload, created_at, processed_at
	          FROM outbox_events WHERE processed_at IS NULL
	          ORDER BY created_at LIMIT $1`

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query outbox events: %w", err)
	}
	defer rows.Close()

	var events []*OutboxEvent
	for rows.Next() {
		var (
			e         OutboxEvent
			processed sql.NullTime
		)
		if err := rows.Scan(&e.ID, &e.OrderID, &e.EventType, &e.Payload, &e.CreatedAt, &processed); err != nil {
			return nil, fmt.Errorf("scan outbox event: %w", err)
		}
		if processed.Valid {
			t := processed.Time
			e.ProcessedAt = &t
		}
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return events, nil
}

func (r *PostgresRepository) StuckCheckouts(ctx context.Context, olderThan time.Duration, limit int) ([]string, error) {
	query := `SELECT id FROM orders
	          WHERE status = $1 AND payment_ref IS NOT NULL AND payment_ref <> ''
	            AND updated_at < NOW() - ($2 * INTERVAL '1 second')
	          ORDER BY updated_at LIMIT $3`

	rows, err := r.db.QueryContext(ctx, query, domain.OrderStatusPending, olderThan.Seconds(), limit)
	if err != nil {
		return nil, fmt.Errorf("query stuck checkouts: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan stuck checkout id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return ids, nil
}

func (r *PostgresRepository) MarkEventProcessed(ctx context.Context, eventID int64) error {
	query := `UPDATE outbox_events SET processed_at = NOW() WHERE id = $1 AND processed_at IS NULL`
	if _, err := r.db.ExecContext(ctx, query, eventID); err != nil {
		return fmt.Errorf("mark event processed: %w", err)
	}
	return nil
}

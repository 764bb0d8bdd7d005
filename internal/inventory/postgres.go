package inventory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mkraev/cartflow/internal/database"
	"github.com/mkraev/cartflow/internal/domain"
)

// PostgresLedger implements Ledger on the shared store. The check-then-
// decrement is a single conditional UPDATE so concurrent reservations
// cannot drive the count negative.
type PostgresLedger struct {
	db *sql.DB
}

func NewPostgresLedger(db *sql.DB) *PostgresLedger {
	return &PostgresLedger{db: db}
}

func (l *PostgresLedger) Stock(ctx context.Context, key domain.VariantKey) (int, error) {
	query := `SELECT available_quantity FROM inventory
	          WHERE product_id = $1 AND size = $2 AND color = $3`

	var qty int
	err := l.db.QueryRowContext(ctx, query, key.ProductID, key.Size, key.Color).Scan(&qty)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrVariantNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("query stock: %w", err)
	}
	return qty, nil
}

func (l *PostgresLedger) SetStock(ctx context.Context, key domain.VariantKey, qty int) error {
	if qty < 0 {
		return fmt.Errorf("%w: negative stock %d", domain.ErrInvariantViolation, qty)
	}

	query := `INSERT INTO inventory (product_id, size, color, available_quantity)
	          VALUES ($1, $2, $3, $4)
	          ON CONFLICT (product_id, size, color)
	          DO UPDATE SET available_quantity = EXCLUDED.available_quantity`

	if _, err := l.db.ExecContext(ctx, query, key.ProductID, key.Size, key.Color, qty); err != nil {
		return fmt.Errorf("set stock: %w", err)
	}
	return nil
}

func (l *PostgresLedger) Reserve(ctx context.Context, owner domain.OwnerRef, key domain.VariantKey, qty int) error {
	if qty <= 0 {
		return fmt.Errorf("%w: reserve quantity %d", domain.ErrInvariantViolation, qty)
	}

	return database.WithTransaction(ctx, l.db, func(tx *sql.Tx) error {
		decrement := `UPDATE inventory
		              SET available_quantity = available_quantity - $4
		              WHERE product_id = $1 AND size = $2 AND color = $3
		                AND available_quantity >= $4`

		result, err := tx.ExecContext(ctx, decrement, key.ProductID, key.Size, key.Color, qty)
		if err != nil {
			return fmt.Errorf("reserve stock: %w", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("reserve stock: %w", err)
		}
		if affected == 0 {
			var exists bool
			checkErr := tx.QueryRowContext(ctx,
				`SELECT EXISTS (SELECT 1 FROM inventory WHERE product_id = $1 AND size = $2 AND color = $3)`,
				key.ProductID, key.Size, key.Color).Scan(&exists)
			if checkErr != nil {
				return fmt.Errorf("reserve stock: %w", checkErr)
			}
			if !exists {
				return ErrVariantNotFound
			}
			return domain.ErrInsufficientStock
		}

		hold := `INSERT INTO inventory_holds (owner_ref, product_id, size, color, quantity)
		         VALUES ($1, $2, $3, $4, $5)
		         ON CONFLICT (owner_ref, product_id, size, color)
		         DO UPDATE SET quantity = inventory_holds.quantity + EXCLUDED.quantity`

		if _, err := tx.ExecContext(ctx, hold, owner.String(), key.ProductID, key.Size, key.Color, qty); err != nil {
			return fmt.Errorf("record hold: %w", err)
		}
		return nil
	})
}

func (l *PostgresLedger) Release(ctx context.Context, owner domain.OwnerRef, key domain.VariantKey, qty int) error {
	if qty <= 0 {
		return fmt.Errorf("%w: release quantity %d", domain.ErrInvariantViolation, qty)
	}

	return database.WithTransaction(ctx, l.db, func(tx *sql.Tx) error {
		shrink := `UPDATE inventory_holds
		           SET quantity = quantity - $5
		           WHERE owner_ref = $1 AND product_id = $2 AND size = $3 AND color = $4
		             AND quantity >= $5`

		result, err := tx.ExecContext(ctx, shrink, owner.String(), key.ProductID, key.Size, key.Color, qty)
		if err != nil {
			return fmt.Errorf("shrink hold: %w", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("shrink hold: %w", err)
		}
		if affected == 0 {
			return fmt.Errorf("%w: release of %d exceeds hold", domain.ErrInvariantViolation, qty)
		}

		cleanup := `DELETE FROM inventory_holds
		            WHERE owner_ref = $1 AND product_id = $2 AND size = $3 AND color = $4
		              AND quantity = 0`
		if _, err := tx.ExecContext(ctx, cleanup, owner.String(), key.ProductID, key.Size, key.Color); err != nil {
			return fmt.Errorf("cleanup hold: %w", err)
		}

		restore := `UPDATE inventory
		            SET available_quantity = available_quantity + $4
		            WHERE product_id = $1 AND size = $2 AND color = $3`
		if _, err := tx.ExecContext(ctx, restore, key.ProductID, key.Size, key.Color, qty); err != nil {
			return fmt.Errorf("restore stock: %w", err)
		}
		return nil
	})
}

func (l *PostgresLedger) Held(ctx context.Context, owner domain.OwnerRef, key domain.VariantKey) (int, error) {
	query := `SELECT quantity FROM inventory_holds
	          WHERE owner_ref = $1 AND product_id = $2 AND size = $3 AND color = $4`

	var qty int
	err := l.db.QueryRowContext(ctx, query, owner.String(), key.ProductID, key.Size, key.Color).Scan(&qty)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query hold: %w", err)
	}
	return qty, nil
}

func (l *PostgresLedger) Finalize(ctx context.Context, orderID string, owner domain.OwnerRef, items []HoldItem) error {
	return database.WithTransaction(ctx, l.db, func(tx *sql.Tx) error {
		marker := `INSERT INTO inventory_finalizations (order_id, owner_ref)
		           VALUES ($1, $2) ON CONFLICT (order_id) DO NOTHING`

		result, err := tx.ExecContext(ctx, marker, orderID, owner.String())
		if err != nil {
			return fmt.Errorf("record finalization: %w", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("record finalization: %w", err)
		}
		if affected == 0 {
			// Already finalized by a prior run of this step.
			return nil
		}

		for _, item := range items {
			detach := `UPDATE inventory_holds
			           SET quantity = quantity - $5
			           WHERE owner_ref = $1 AND product_id = $2 AND size = $3 AND color = $4
			             AND quantity >= $5`

			res, err := tx.ExecContext(ctx, detach, owner.String(), item.Key.ProductID, item.Key.Size, item.Key.Color, item.Quantity)
			if err != nil {
				return fmt.Errorf("detach hold: %w", err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("detach hold: %w", err)
			}
			if n == 0 {
				return fmt.Errorf("%w: finalize of %d exceeds hold for %v", domain.ErrInvariantViolation, item.Quantity, item.Key)
			}
		}

		cleanup := `DELETE FROM inventory_holds WHERE owner_ref = $1 AND quantity = 0`
		if _, err := tx.ExecContext(ctx, cleanup, owner.String()); err != nil {
			return fmt.Errorf("cleanup holds: %w", err)
		}
		return nil
	})
}

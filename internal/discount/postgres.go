package discount

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

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

func (r *PostgresRepository) GetCode(ctx context.Context, code string) (*domain.DiscountCode, error) {
	query := `SELECT code, kind, value, is_active, start_date, end_date,
	                 min_cart_value, max_uses, current_uses
	          FROM discount_codes WHERE code = $1`

	var (
		dc       domain.DiscountCode
		value    string
		minValue string
		maxUses  sql.NullInt64
	)
	err := r.db.QueryRowContext(ctx, query, code).Scan(
		&dc.Code,
		&dc.Kind,
		&value,
		&dc.IsActive,
		&dc.StartDate,
		&dc.EndDate,
		&minValue,
		&maxUses,
		&dc.CurrentUses,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCodeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query discount code: %w", err)
	}

	if dc.Value, err = decimal.NewFromString(value); err != nil {
		return nil, fmt.Errorf("parse discount value: %w", err)
	}
	if dc.MinCartValue, err = decimal.NewFromString(minValue); err != nil {
		return nil, fmt.Errorf("parse min cart value: %w", err)
	}
	if maxUses.Valid {
		m := int(maxUses.Int64)
		dc.MaxUses = &m
	}

	return &dc, nil
}

func (r *PostgresRepository) IncrementUsage(ctx context.Context, code, orderID string) error {
	return database.WithTransaction(ctx, r.db, func(tx *sql.Tx) error {
		marker := `INSERT INTO discount_usages (order_id, code)
		           VALUES ($1, $2) ON CONFLICT (order_id) DO NOTHING`

		result, err := tx.ExecContext(ctx, marker, orderID, code)
		if err != nil {
			return fmt.Errorf("record discount usage: %w", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("record discount usage: %w", err)
		}
		if affected == 0 {
			// Usage already consumed by a prior run of this step.
			return nil
		}

		// The conditional keeps current_uses <= max_uses even if the cap
		// was hit between validation and confirmation.
		bump := `UPDATE discount_codes
		         SET current_uses = current_uses + 1
		         WHERE code = $1 AND (max_uses IS NULL OR current_uses < max_uses)`
		if _, err := tx.ExecContext(ctx, bump, code); err != nil {
			return fmt.Errorf("increment discount usage: %w", err)
		}
		return nil
	})
}

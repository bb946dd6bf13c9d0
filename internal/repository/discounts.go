package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Discount is the repository-level representation of a discount row.
// Conditions stay as raw JSON here; the service layer parses and validates
// them.
type Discount struct {
	ID             string           `json:"id"`
	Name           string           `json:"name"`
	Description    string           `json:"description"`
	Kind           string           `json:"kind"`
	Value          decimal.Decimal  `json:"value"`
	MinOrderAmount *decimal.Decimal `json:"min_order_amount,omitempty"`
	Status         string           `json:"status"`
	StartsAt       *time.Time       `json:"starts_at,omitempty"`
	EndsAt         *time.Time       `json:"ends_at,omitempty"`
	Conditions     json.RawMessage  `json:"conditions"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

const discountColumns = `id, name, description, kind, value, min_order_amount, status, starts_at, ends_at, conditions, created_at, updated_at`

func scanDiscount(row rowScanner) (Discount, error) {
	var discount Discount
	err := row.Scan(
		&discount.ID,
		&discount.Name,
		&discount.Description,
		&discount.Kind,
		&discount.Value,
		&discount.MinOrderAmount,
		&discount.Status,
		&discount.StartsAt,
		&discount.EndsAt,
		&discount.Conditions,
		&discount.CreatedAt,
		&discount.UpdatedAt,
	)
	return discount, err
}

// CreateDiscount inserts a new discount row and returns the stored record
// with server-generated timestamps.
func (r *PostgresRepository) CreateDiscount(ctx context.Context, discount Discount) (Discount, error) {
	created, err := scanDiscount(r.pool.QueryRow(ctx, `
		INSERT INTO discounts (id, name, description, kind, value, min_order_amount, status, starts_at, ends_at, conditions)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING `+discountColumns,
		discount.ID,
		discount.Name,
		discount.Description,
		discount.Kind,
		discount.Value,
		discount.MinOrderAmount,
		discount.Status,
		discount.StartsAt,
		discount.EndsAt,
		ensureJSON(discount.Conditions, "[]"),
	))
	if err != nil {
		return Discount{}, fmt.Errorf("create discount: %w", err)
	}

	return created, nil
}

// UpdateDiscount replaces the mutable columns of a discount. Returns
// pgx.ErrNoRows (wrapped) if the discount does not exist.
func (r *PostgresRepository) UpdateDiscount(ctx context.Context, discount Discount) (Discount, error) {
	updated, err := scanDiscount(r.pool.QueryRow(ctx, `
		UPDATE discounts
		SET name = $2,
		    description = $3,
		    kind = $4,
		    value = $5,
		    min_order_amount = $6,
		    status = $7,
		    starts_at = $8,
		    ends_at = $9,
		    conditions = $10,
		    updated_at = NOW()
		WHERE id = $1
		RETURNING `+discountColumns,
		discount.ID,
		discount.Name,
		discount.Description,
		discount.Kind,
		discount.Value,
		discount.MinOrderAmount,
		discount.Status,
		discount.StartsAt,
		discount.EndsAt,
		ensureJSON(discount.Conditions, "[]"),
	))
	if err != nil {
		return Discount{}, fmt.Errorf("update discount: %w", err)
	}

	return updated, nil
}

func (r *PostgresRepository) GetDiscount(ctx context.Context, id string) (Discount, error) {
	discount, err := scanDiscount(r.pool.QueryRow(ctx, `SELECT `+discountColumns+` FROM discounts WHERE id = $1`, id))
	if err != nil {
		return Discount{}, fmt.Errorf("get discount: %w", err)
	}

	return discount, nil
}

// ListDiscounts returns every discount ordered by name and id.
func (r *PostgresRepository) ListDiscounts(ctx context.Context) ([]Discount, error) {
	return listDiscounts(ctx, r.pool)
}

func listDiscounts(ctx context.Context, q rowQuerier) ([]Discount, error) {
	rows, err := q.Query(ctx, `SELECT `+discountColumns+` FROM discounts ORDER BY name, id`)
	if err != nil {
		return nil, fmt.Errorf("list discounts: %w", err)
	}
	defer rows.Close()

	discounts := make([]Discount, 0)
	for rows.Next() {
		discount, err := scanDiscount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan discount: %w", err)
		}

		discounts = append(discounts, discount)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list discounts rows: %w", err)
	}

	return discounts, nil
}

// DeleteDiscount removes a discount and, through the foreign key, its codes.
// Returns pgx.ErrNoRows (wrapped) if the discount does not exist.
func (r *PostgresRepository) DeleteDiscount(ctx context.Context, id string) error {
	commandTag, err := r.pool.Exec(ctx, `DELETE FROM discounts WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete discount: %w", err)
	}

	return expectOneRow(commandTag, "delete discount")
}

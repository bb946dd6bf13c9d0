package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ShippingOption is a carrier offering with flat pricing and optional weight
// and order-amount bounds. An empty Zone applies everywhere.
type ShippingOption struct {
	ID              string           `json:"id"`
	Name            string           `json:"name"`
	Carrier         string           `json:"carrier"`
	Zone            string           `json:"zone"`
	Enabled         bool             `json:"enabled"`
	MinWeight       *decimal.Decimal `json:"min_weight,omitempty"`
	MaxWeight       *decimal.Decimal `json:"max_weight,omitempty"`
	MinOrderAmount  *decimal.Decimal `json:"min_order_amount,omitempty"`
	MaxOrderAmount  *decimal.Decimal `json:"max_order_amount,omitempty"`
	Price           decimal.Decimal  `json:"price"`
	MinDeliveryDays *int             `json:"min_delivery_days,omitempty"`
	MaxDeliveryDays *int             `json:"max_delivery_days,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

const shippingOptionColumns = `id, name, carrier, zone, enabled, min_weight, max_weight, min_order_amount, max_order_amount, price, min_delivery_days, max_delivery_days, created_at, updated_at`

func scanShippingOption(row rowScanner) (ShippingOption, error) {
	var option ShippingOption
	err := row.Scan(
		&option.ID,
		&option.Name,
		&option.Carrier,
		&option.Zone,
		&option.Enabled,
		&option.MinWeight,
		&option.MaxWeight,
		&option.MinOrderAmount,
		&option.MaxOrderAmount,
		&option.Price,
		&option.MinDeliveryDays,
		&option.MaxDeliveryDays,
		&option.CreatedAt,
		&option.UpdatedAt,
	)
	return option, err
}

func (r *PostgresRepository) CreateShippingOption(ctx context.Context, option ShippingOption) (ShippingOption, error) {
	created, err := scanShippingOption(r.pool.QueryRow(ctx, `
		INSERT INTO shipping_options (
			id, name, carrier, zone, enabled,
			min_weight, max_weight, min_order_amount, max_order_amount,
			price, min_delivery_days, max_delivery_days
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING `+shippingOptionColumns,
		option.ID,
		option.Name,
		option.Carrier,
		option.Zone,
		option.Enabled,
		option.MinWeight,
		option.MaxWeight,
		option.MinOrderAmount,
		option.MaxOrderAmount,
		option.Price,
		option.MinDeliveryDays,
		option.MaxDeliveryDays,
	))
	if err != nil {
		return ShippingOption{}, fmt.Errorf("create shipping option: %w", err)
	}

	return created, nil
}

// UpdateShippingOption replaces the mutable columns of a shipping option.
// Returns pgx.ErrNoRows (wrapped) if the option does not exist.
func (r *PostgresRepository) UpdateShippingOption(ctx context.Context, option ShippingOption) (ShippingOption, error) {
	updated, err := scanShippingOption(r.pool.QueryRow(ctx, `
		UPDATE shipping_options
		SET name = $2,
		    carrier = $3,
		    zone = $4,
		    enabled = $5,
		    min_weight = $6,
		    max_weight = $7,
		    min_order_amount = $8,
		    max_order_amount = $9,
		    price = $10,
		    min_delivery_days = $11,
		    max_delivery_days = $12,
		    updated_at = NOW()
		WHERE id = $1
		RETURNING `+shippingOptionColumns,
		option.ID,
		option.Name,
		option.Carrier,
		option.Zone,
		option.Enabled,
		option.MinWeight,
		option.MaxWeight,
		option.MinOrderAmount,
		option.MaxOrderAmount,
		option.Price,
		option.MinDeliveryDays,
		option.MaxDeliveryDays,
	))
	if err != nil {
		return ShippingOption{}, fmt.Errorf("update shipping option: %w", err)
	}

	return updated, nil
}

func (r *PostgresRepository) GetShippingOption(ctx context.Context, id string) (ShippingOption, error) {
	option, err := scanShippingOption(r.pool.QueryRow(ctx, `SELECT `+shippingOptionColumns+` FROM shipping_options WHERE id = $1`, id))
	if err != nil {
		return ShippingOption{}, fmt.Errorf("get shipping option: %w", err)
	}

	return option, nil
}

func (r *PostgresRepository) ListShippingOptions(ctx context.Context) ([]ShippingOption, error) {
	return listShippingOptions(ctx, r.pool)
}

func listShippingOptions(ctx context.Context, q rowQuerier) ([]ShippingOption, error) {
	rows, err := q.Query(ctx, `SELECT `+shippingOptionColumns+` FROM shipping_options ORDER BY price, name, id`)
	if err != nil {
		return nil, fmt.Errorf("list shipping options: %w", err)
	}
	defer rows.Close()

	options := make([]ShippingOption, 0)
	for rows.Next() {
		option, err := scanShippingOption(rows)
		if err != nil {
			return nil, fmt.Errorf("scan shipping option: %w", err)
		}

		options = append(options, option)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list shipping options rows: %w", err)
	}

	return options, nil
}

func (r *PostgresRepository) DeleteShippingOption(ctx context.Context, id string) error {
	commandTag, err := r.pool.Exec(ctx, `DELETE FROM shipping_options WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete shipping option: %w", err)
	}

	return expectOneRow(commandTag, "delete shipping option")
}

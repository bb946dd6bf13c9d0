package repository

import (
	"context"
	"fmt"
	"time"
)

// DiscountCode is a redeemable code pointing at a discount. A nil MaxUses
// means unlimited redemptions.
type DiscountCode struct {
	Code       string     `json:"code"`
	DiscountID string     `json:"discount_id"`
	MaxUses    *int       `json:"max_uses,omitempty"`
	UsageCount int        `json:"usage_count"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

const discountCodeColumns = `code, discount_id, max_uses, usage_count, expires_at, created_at, updated_at`

func scanDiscountCode(row rowScanner) (DiscountCode, error) {
	var code DiscountCode
	err := row.Scan(
		&code.Code,
		&code.DiscountID,
		&code.MaxUses,
		&code.UsageCount,
		&code.ExpiresAt,
		&code.CreatedAt,
		&code.UpdatedAt,
	)
	return code, err
}

// CreateDiscountCode inserts a new code with a zero usage count.
func (r *PostgresRepository) CreateDiscountCode(ctx context.Context, code DiscountCode) (DiscountCode, error) {
	created, err := scanDiscountCode(r.pool.QueryRow(ctx, `
		INSERT INTO discount_codes (code, discount_id, max_uses, expires_at)
		VALUES ($1, $2, $3, $4)
		RETURNING `+discountCodeColumns,
		code.Code,
		code.DiscountID,
		code.MaxUses,
		code.ExpiresAt,
	))
	if err != nil {
		return DiscountCode{}, fmt.Errorf("create discount code: %w", err)
	}

	return created, nil
}

func (r *PostgresRepository) GetDiscountCode(ctx context.Context, code string) (DiscountCode, error) {
	found, err := scanDiscountCode(r.pool.QueryRow(ctx, `SELECT `+discountCodeColumns+` FROM discount_codes WHERE code = $1`, code))
	if err != nil {
		return DiscountCode{}, fmt.Errorf("get discount code: %w", err)
	}

	return found, nil
}

func (r *PostgresRepository) ListDiscountCodes(ctx context.Context) ([]DiscountCode, error) {
	return listDiscountCodes(ctx, r.pool)
}

func listDiscountCodes(ctx context.Context, q rowQuerier) ([]DiscountCode, error) {
	rows, err := q.Query(ctx, `SELECT `+discountCodeColumns+` FROM discount_codes ORDER BY code`)
	if err != nil {
		return nil, fmt.Errorf("list discount codes: %w", err)
	}
	defer rows.Close()

	codes := make([]DiscountCode, 0)
	for rows.Next() {
		code, err := scanDiscountCode(rows)
		if err != nil {
			return nil, fmt.Errorf("scan discount code: %w", err)
		}

		codes = append(codes, code)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list discount codes rows: %w", err)
	}

	return codes, nil
}

func (r *PostgresRepository) DeleteDiscountCode(ctx context.Context, code string) error {
	commandTag, err := r.pool.Exec(ctx, `DELETE FROM discount_codes WHERE code = $1`, code)
	if err != nil {
		return fmt.Errorf("delete discount code: %w", err)
	}

	return expectOneRow(commandTag, "delete discount code")
}

// IncrementCodeUsage records one redemption of code. The update only applies
// while the code is under its limit and not expired at now, so concurrent
// redemptions can never exceed max_uses. Returns pgx.ErrNoRows (wrapped) when
// the code is missing or no longer redeemable.
func (r *PostgresRepository) IncrementCodeUsage(ctx context.Context, code string, now time.Time) (DiscountCode, error) {
	updated, err := scanDiscountCode(r.pool.QueryRow(ctx, `
		UPDATE discount_codes
		SET usage_count = usage_count + 1,
		    updated_at = NOW()
		WHERE code = $1
		  AND (max_uses IS NULL OR usage_count < max_uses)
		  AND (expires_at IS NULL OR expires_at > $2)
		RETURNING `+discountCodeColumns,
		code,
		now,
	))
	if err != nil {
		return DiscountCode{}, fmt.Errorf("increment code usage: %w", err)
	}

	return updated, nil
}

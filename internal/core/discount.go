package core

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var ErrUnsupportedDiscountKind = errors.New("unsupported discount kind")

var hundred = decimal.NewFromInt(100)

// IsDiscountValid reports whether a discount is live at now. Only active
// discounts qualify, and both window bounds are inclusive. A window that ends
// before it starts is never valid.
func IsDiscountValid(state DiscountState, now time.Time) bool {
	if state.Status != DiscountStatusActive {
		return false
	}

	if state.StartsAt != nil && now.Before(*state.StartsAt) {
		return false
	}

	if state.EndsAt != nil && now.After(*state.EndsAt) {
		return false
	}

	return true
}

func HasReachedLimit(usage CodeUsage) bool {
	return usage.MaxUses != nil && usage.UsageCount >= *usage.MaxUses
}

// IsCodeValid reports whether a code can still be redeemed at now. Expiry is
// exclusive: a code expiring exactly at now is no longer valid.
func IsCodeValid(usage CodeUsage, now time.Time) bool {
	if HasReachedLimit(usage) {
		return false
	}

	return usage.ExpiresAt == nil || usage.ExpiresAt.After(now)
}

func MeetsMinimumOrder(minimum *decimal.Decimal, amount decimal.Decimal) bool {
	return minimum == nil || amount.GreaterThanOrEqual(*minimum)
}

// DiscountAmount returns how much of orderAmount a discount takes off.
// Percentages are rounded to cents. The result never exceeds the order amount
// and is never negative.
func DiscountAmount(kind DiscountKind, value decimal.Decimal, orderAmount decimal.Decimal) (decimal.Decimal, error) {
	var amount decimal.Decimal

	switch kind {
	case DiscountKindPercentage:
		amount = orderAmount.Mul(value).Div(hundred).Round(2)
	case DiscountKindFixedAmount:
		amount = value
	default:
		return decimal.Zero, fmt.Errorf("%w: %q", ErrUnsupportedDiscountKind, kind)
	}

	if amount.IsNegative() || orderAmount.IsNegative() {
		return decimal.Zero, nil
	}

	return decimal.Min(amount, orderAmount), nil
}

// Package core holds the pure rule evaluators behind promoz: string
// conditions, discount and code eligibility, and shipping option pricing.
//
// Nothing in this package performs I/O or mutates its inputs. Callers pass
// in snapshots loaded elsewhere together with the evaluation instant.
package core

import (
	"time"

	"github.com/shopspring/decimal"
)

type Operator string

const (
	OperatorEqualsTo    Operator = "equals_to"
	OperatorNotEqualsTo Operator = "not_equals_to"
	OperatorStartsWith  Operator = "starts_with"
	OperatorEndsWith    Operator = "ends_with"
	OperatorContains    Operator = "contains"
	OperatorNotContains Operator = "not_contains"
)

// Valid reports whether o is one of the supported operators.
func (o Operator) Valid() bool {
	switch o {
	case OperatorEqualsTo, OperatorNotEqualsTo,
		OperatorStartsWith, OperatorEndsWith,
		OperatorContains, OperatorNotContains:
		return true
	default:
		return false
	}
}

type Condition struct {
	Operator Operator `json:"operator"`
	Value    string   `json:"value"`
}

// Rule binds a condition to a named attribute of the evaluation input,
// e.g. {"attribute": "email", "operator": "ends_with", "value": "@acme.io"}.
type Rule struct {
	Attribute string   `json:"attribute"`
	Operator  Operator `json:"operator"`
	Value     string   `json:"value"`
}

func (r Rule) Condition() Condition {
	return Condition{Operator: r.Operator, Value: r.Value}
}

type DiscountStatus string

const (
	DiscountStatusDraft     DiscountStatus = "draft"
	DiscountStatusActive    DiscountStatus = "active"
	DiscountStatusExpired   DiscountStatus = "expired"
	DiscountStatusScheduled DiscountStatus = "scheduled"
)

func (s DiscountStatus) Valid() bool {
	switch s {
	case DiscountStatusDraft, DiscountStatusActive, DiscountStatusExpired, DiscountStatusScheduled:
		return true
	default:
		return false
	}
}

type DiscountKind string

const (
	DiscountKindPercentage  DiscountKind = "percentage"
	DiscountKindFixedAmount DiscountKind = "fixed_amount"
)

func (k DiscountKind) Valid() bool {
	return k == DiscountKindPercentage || k == DiscountKindFixedAmount
}

// DiscountState is the part of a discount that decides whether it is live.
type DiscountState struct {
	Status   DiscountStatus `json:"status"`
	StartsAt *time.Time     `json:"starts_at,omitempty"`
	EndsAt   *time.Time     `json:"ends_at,omitempty"`
}

// CodeUsage is the redemption state of a single discount code. A nil MaxUses
// means the code can be redeemed any number of times.
type CodeUsage struct {
	MaxUses    *int       `json:"max_uses,omitempty"`
	UsageCount int        `json:"usage_count"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

// ShippingRule holds the eligibility bounds and flat price of a shipping
// option. Nil bounds are unconstrained.
type ShippingRule struct {
	MinWeight      *decimal.Decimal `json:"min_weight,omitempty"`
	MaxWeight      *decimal.Decimal `json:"max_weight,omitempty"`
	MinOrderAmount *decimal.Decimal `json:"min_order_amount,omitempty"`
	MaxOrderAmount *decimal.Decimal `json:"max_order_amount,omitempty"`
	Price          decimal.Decimal  `json:"price"`
}

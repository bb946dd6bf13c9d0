// Package promoz provides client interfaces and domain types for the promoz
// commerce rule service.
//
// Use the sub-packages to create transport-specific clients:
//
//	import promozhttp "github.com/matt-riley/promoz/clients/go/http"
//	import promozgrpc "github.com/matt-riley/promoz/clients/go/grpc"
//
// Money and weights are [decimal.Decimal] values and travel as JSON strings.
package promoz

import (
	"context"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// DiscountManager covers CRUD operations on discounts.
type DiscountManager interface {
	CreateDiscount(ctx context.Context, discount Discount) (Discount, error)
	GetDiscount(ctx context.Context, id string) (Discount, error)
	ListDiscounts(ctx context.Context) ([]Discount, error)
	UpdateDiscount(ctx context.Context, discount Discount) (Discount, error)
	DeleteDiscount(ctx context.Context, id string) error
}

// CodeManager covers CRUD operations on discount codes.
type CodeManager interface {
	CreateDiscountCode(ctx context.Context, code DiscountCode) (DiscountCode, error)
	GetDiscountCode(ctx context.Context, code string) (DiscountCode, error)
	// ListDiscountCodes returns every code, or only those of discountID when
	// it is non-empty.
	ListDiscountCodes(ctx context.Context, discountID string) ([]DiscountCode, error)
	DeleteDiscountCode(ctx context.Context, code string) error
}

// ShippingManager covers CRUD operations on shipping options.
type ShippingManager interface {
	CreateShippingOption(ctx context.Context, option ShippingOption) (ShippingOption, error)
	GetShippingOption(ctx context.Context, id string) (ShippingOption, error)
	ListShippingOptions(ctx context.Context) ([]ShippingOption, error)
	UpdateShippingOption(ctx context.Context, option ShippingOption) (ShippingOption, error)
	DeleteShippingOption(ctx context.Context, id string) error
}

// Evaluator checks codes and prices shipping for an order.
type Evaluator interface {
	ValidateCode(ctx context.Context, req ValidateRequest) (ValidationResult, error)
	RedeemCode(ctx context.Context, req ValidateRequest) (ValidationResult, error)
	QuoteShipping(ctx context.Context, req QuoteRequest) ([]ShippingQuote, error)
}

// Streamer delivers real-time rule change events.
// The returned channel is closed when ctx is cancelled or the connection drops.
type Streamer interface {
	Stream(ctx context.Context, lastEventID int64) (<-chan RuleEvent, error)
}

// Rule is one discount condition, e.g.
// {Attribute: "email", Operator: "ends_with", Value: "@acme.io"}.
type Rule struct {
	Attribute string `json:"attribute"`
	Operator  string `json:"operator"`
	Value     string `json:"value"`
}

type Discount struct {
	ID             string           `json:"id,omitempty"`
	Name           string           `json:"name"`
	Description    string           `json:"description,omitempty"`
	Kind           string           `json:"kind"` // "percentage" | "fixed_amount"
	Value          decimal.Decimal  `json:"value"`
	MinOrderAmount *decimal.Decimal `json:"min_order_amount,omitempty"`
	Status         string           `json:"status,omitempty"` // "draft" | "active" | "expired" | "scheduled"
	StartsAt       *time.Time       `json:"starts_at,omitempty"`
	EndsAt         *time.Time       `json:"ends_at,omitempty"`
	Conditions     []Rule           `json:"conditions,omitempty"`
	CreatedAt      time.Time        `json:"created_at,omitzero"`
	UpdatedAt      time.Time        `json:"updated_at,omitzero"`
}

// DiscountCode is a redeemable code. A nil MaxUses means unlimited.
type DiscountCode struct {
	Code       string     `json:"code"`
	DiscountID string     `json:"discount_id"`
	MaxUses    *int       `json:"max_uses,omitempty"`
	UsageCount int        `json:"usage_count,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at,omitzero"`
	UpdatedAt  time.Time  `json:"updated_at,omitzero"`
}

// ShippingOption is a carrier offering. An empty Zone applies everywhere.
type ShippingOption struct {
	ID              string           `json:"id,omitempty"`
	Name            string           `json:"name"`
	Carrier         string           `json:"carrier,omitempty"`
	Zone            string           `json:"zone,omitempty"`
	Enabled         bool             `json:"enabled"`
	MinWeight       *decimal.Decimal `json:"min_weight,omitempty"`
	MaxWeight       *decimal.Decimal `json:"max_weight,omitempty"`
	MinOrderAmount  *decimal.Decimal `json:"min_order_amount,omitempty"`
	MaxOrderAmount  *decimal.Decimal `json:"max_order_amount,omitempty"`
	Price           decimal.Decimal  `json:"price"`
	MinDeliveryDays *int             `json:"min_delivery_days,omitempty"`
	MaxDeliveryDays *int             `json:"max_delivery_days,omitempty"`
	CreatedAt       time.Time        `json:"created_at,omitzero"`
	UpdatedAt       time.Time        `json:"updated_at,omitzero"`
}

type ValidateRequest struct {
	Code        string          `json:"code"`
	Attributes  map[string]any  `json:"attributes,omitempty"`
	OrderAmount decimal.Decimal `json:"order_amount"`
}

// ValidationResult reports whether a code applies. Rejections are not
// errors: Valid is false and Reason names the failed check.
type ValidationResult struct {
	Code           string          `json:"code"`
	Valid          bool            `json:"valid"`
	Reason         string          `json:"reason,omitempty"`
	DiscountID     string          `json:"discount_id,omitempty"`
	DiscountName   string          `json:"discount_name,omitempty"`
	DiscountAmount decimal.Decimal `json:"discount_amount"`
}

type QuoteRequest struct {
	Weight      decimal.Decimal `json:"weight"`
	OrderAmount decimal.Decimal `json:"order_amount"`
	Zone        string          `json:"zone,omitempty"`
}

type ShippingQuote struct {
	OptionID       string          `json:"option_id"`
	Name           string          `json:"name"`
	Carrier        string          `json:"carrier,omitempty"`
	Price          decimal.Decimal `json:"price"`
	FormattedPrice string          `json:"formatted_price"`
	DeliveryText   string          `json:"delivery_text"`
}

// Resource names carried by RuleEvent.
const (
	ResourceDiscount       = "discount"
	ResourceDiscountCode   = "discount_code"
	ResourceShippingOption = "shipping_option"
)

// RuleEvent is a real-time notification of a rule change.
type RuleEvent struct {
	Type     string // "update" | "delete" | "error"
	EventID  int64
	Resource string
	Key      string
	// Data is the changed record as JSON; decode it according to Resource.
	// On "error" events it holds the server's error document.
	Data json.RawMessage
}

// Decode unmarshals the event payload into v.
func (e RuleEvent) Decode(v any) error {
	return json.Unmarshal(e.Data, v)
}

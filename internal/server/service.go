package server

import (
	"context"

	"github.com/matt-riley/promoz/internal/repository"
	"github.com/matt-riley/promoz/internal/service"
)

// Service is the rule engine surface exposed over HTTP and gRPC.
type Service interface {
	CreateDiscount(ctx context.Context, discount repository.Discount) (repository.Discount, error)
	UpdateDiscount(ctx context.Context, discount repository.Discount) (repository.Discount, error)
	GetDiscount(ctx context.Context, id string) (repository.Discount, error)
	ListDiscounts(ctx context.Context) ([]repository.Discount, error)
	DeleteDiscount(ctx context.Context, id string) error

	CreateDiscountCode(ctx context.Context, code repository.DiscountCode) (repository.DiscountCode, error)
	GetDiscountCode(ctx context.Context, code string) (repository.DiscountCode, error)
	ListDiscountCodes(ctx context.Context, discountID string) ([]repository.DiscountCode, error)
	DeleteDiscountCode(ctx context.Context, code string) error

	CreateShippingOption(ctx context.Context, option repository.ShippingOption) (repository.ShippingOption, error)
	UpdateShippingOption(ctx context.Context, option repository.ShippingOption) (repository.ShippingOption, error)
	GetShippingOption(ctx context.Context, id string) (repository.ShippingOption, error)
	ListShippingOptions(ctx context.Context) ([]repository.ShippingOption, error)
	DeleteShippingOption(ctx context.Context, id string) error

	ValidateCode(ctx context.Context, request service.ValidateRequest) (service.ValidationResult, error)
	RedeemCode(ctx context.Context, request service.ValidateRequest) (service.ValidationResult, error)
	QuoteShipping(ctx context.Context, request service.QuoteRequest) ([]service.ShippingQuote, error)
	ListEventsSince(ctx context.Context, eventID int64) ([]repository.RuleEvent, error)
}

var _ Service = (*service.Service)(nil)

package server

import (
	"context"
	"errors"

	"github.com/matt-riley/promoz/internal/repository"
	"github.com/matt-riley/promoz/internal/service"
)

var errNotStubbed = errors.New("not stubbed")

type fakeService struct {
	createDiscountFunc       func(ctx context.Context, discount repository.Discount) (repository.Discount, error)
	updateDiscountFunc       func(ctx context.Context, discount repository.Discount) (repository.Discount, error)
	getDiscountFunc          func(ctx context.Context, id string) (repository.Discount, error)
	listDiscountsFunc        func(ctx context.Context) ([]repository.Discount, error)
	deleteDiscountFunc       func(ctx context.Context, id string) error
	createCodeFunc           func(ctx context.Context, code repository.DiscountCode) (repository.DiscountCode, error)
	getCodeFunc              func(ctx context.Context, code string) (repository.DiscountCode, error)
	listCodesFunc            func(ctx context.Context, discountID string) ([]repository.DiscountCode, error)
	deleteCodeFunc           func(ctx context.Context, code string) error
	createShippingOptionFunc func(ctx context.Context, option repository.ShippingOption) (repository.ShippingOption, error)
	updateShippingOptionFunc func(ctx context.Context, option repository.ShippingOption) (repository.ShippingOption, error)
	getShippingOptionFunc    func(ctx context.Context, id string) (repository.ShippingOption, error)
	listShippingOptionsFunc  func(ctx context.Context) ([]repository.ShippingOption, error)
	deleteShippingOptionFunc func(ctx context.Context, id string) error
	validateCodeFunc         func(ctx context.Context, request service.ValidateRequest) (service.ValidationResult, error)
	redeemCodeFunc           func(ctx context.Context, request service.ValidateRequest) (service.ValidationResult, error)
	quoteShippingFunc        func(ctx context.Context, request service.QuoteRequest) ([]service.ShippingQuote, error)
	listEventsSinceFunc      func(ctx context.Context, eventID int64) ([]repository.RuleEvent, error)
}

func (f *fakeService) CreateDiscount(ctx context.Context, discount repository.Discount) (repository.Discount, error) {
	if f.createDiscountFunc != nil {
		return f.createDiscountFunc(ctx, discount)
	}
	return repository.Discount{}, errNotStubbed
}

func (f *fakeService) UpdateDiscount(ctx context.Context, discount repository.Discount) (repository.Discount, error) {
	if f.updateDiscountFunc != nil {
		return f.updateDiscountFunc(ctx, discount)
	}
	return repository.Discount{}, errNotStubbed
}

func (f *fakeService) GetDiscount(ctx context.Context, id string) (repository.Discount, error) {
	if f.getDiscountFunc != nil {
		return f.getDiscountFunc(ctx, id)
	}
	return repository.Discount{}, errNotStubbed
}

func (f *fakeService) ListDiscounts(ctx context.Context) ([]repository.Discount, error) {
	if f.listDiscountsFunc != nil {
		return f.listDiscountsFunc(ctx)
	}
	return nil, errNotStubbed
}

func (f *fakeService) DeleteDiscount(ctx context.Context, id string) error {
	if f.deleteDiscountFunc != nil {
		return f.deleteDiscountFunc(ctx, id)
	}
	return errNotStubbed
}

func (f *fakeService) CreateDiscountCode(ctx context.Context, code repository.DiscountCode) (repository.DiscountCode, error) {
	if f.createCodeFunc != nil {
		return f.createCodeFunc(ctx, code)
	}
	return repository.DiscountCode{}, errNotStubbed
}

func (f *fakeService) GetDiscountCode(ctx context.Context, code string) (repository.DiscountCode, error) {
	if f.getCodeFunc != nil {
		return f.getCodeFunc(ctx, code)
	}
	return repository.DiscountCode{}, errNotStubbed
}

func (f *fakeService) ListDiscountCodes(ctx context.Context, discountID string) ([]repository.DiscountCode, error) {
	if f.listCodesFunc != nil {
		return f.listCodesFunc(ctx, discountID)
	}
	return nil, errNotStubbed
}

func (f *fakeService) DeleteDiscountCode(ctx context.Context, code string) error {
	if f.deleteCodeFunc != nil {
		return f.deleteCodeFunc(ctx, code)
	}
	return errNotStubbed
}

func (f *fakeService) CreateShippingOption(ctx context.Context, option repository.ShippingOption) (repository.ShippingOption, error) {
	if f.createShippingOptionFunc != nil {
		return f.createShippingOptionFunc(ctx, option)
	}
	return repository.ShippingOption{}, errNotStubbed
}

func (f *fakeService) UpdateShippingOption(ctx context.Context, option repository.ShippingOption) (repository.ShippingOption, error) {
	if f.updateShippingOptionFunc != nil {
		return f.updateShippingOptionFunc(ctx, option)
	}
	return repository.ShippingOption{}, errNotStubbed
}

func (f *fakeService) GetShippingOption(ctx context.Context, id string) (repository.ShippingOption, error) {
	if f.getShippingOptionFunc != nil {
		return f.getShippingOptionFunc(ctx, id)
	}
	return repository.ShippingOption{}, errNotStubbed
}

func (f *fakeService) ListShippingOptions(ctx context.Context) ([]repository.ShippingOption, error) {
	if f.listShippingOptionsFunc != nil {
		return f.listShippingOptionsFunc(ctx)
	}
	return nil, errNotStubbed
}

func (f *fakeService) DeleteShippingOption(ctx context.Context, id string) error {
	if f.deleteShippingOptionFunc != nil {
		return f.deleteShippingOptionFunc(ctx, id)
	}
	return errNotStubbed
}

func (f *fakeService) ValidateCode(ctx context.Context, request service.ValidateRequest) (service.ValidationResult, error) {
	if f.validateCodeFunc != nil {
		return f.validateCodeFunc(ctx, request)
	}
	return service.ValidationResult{}, errNotStubbed
}

func (f *fakeService) RedeemCode(ctx context.Context, request service.ValidateRequest) (service.ValidationResult, error) {
	if f.redeemCodeFunc != nil {
		return f.redeemCodeFunc(ctx, request)
	}
	return service.ValidationResult{}, errNotStubbed
}

func (f *fakeService) QuoteShipping(ctx context.Context, request service.QuoteRequest) ([]service.ShippingQuote, error) {
	if f.quoteShippingFunc != nil {
		return f.quoteShippingFunc(ctx, request)
	}
	return nil, errNotStubbed
}

func (f *fakeService) ListEventsSince(ctx context.Context, eventID int64) ([]repository.RuleEvent, error) {
	if f.listEventsSinceFunc != nil {
		return f.listEventsSinceFunc(ctx, eventID)
	}
	return nil, nil
}

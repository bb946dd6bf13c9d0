package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/matt-riley/promoz/internal/core"
	"github.com/matt-riley/promoz/internal/repository"
)

// Reasons reported by ValidateCode and RedeemCode when a code is rejected.
const (
	ReasonCodeNotFound      = "code_not_found"
	ReasonDiscountNotFound  = "discount_not_found"
	ReasonDiscountInactive  = "discount_inactive"
	ReasonUsageLimitReached = "usage_limit_reached"
	ReasonCodeExpired       = "code_expired"
	ReasonMinimumNotMet     = "minimum_not_met"
	ReasonConditionsNotMet  = "conditions_not_met"
)

const (
	evaluationKindValidate   = "validate_code"
	evaluationKindRedeem     = "redeem_code"
	evaluationKindQuote      = "quote_shipping"
	evaluationResultValid    = "valid"
	evaluationResultQuoted   = "quoted"
	evaluationResultNoOption = "no_option"
)

// ValidateRequest asks whether Code applies to an order. Attributes feed the
// discount's conditions, e.g. {"email": "jo@acme.io", "country": "PL"}.
type ValidateRequest struct {
	Code        string          `json:"code"`
	Attributes  map[string]any  `json:"attributes,omitempty"`
	OrderAmount decimal.Decimal `json:"order_amount"`
}

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

// ValidateCode evaluates a discount code against the cached snapshots
// without consuming it.
func (s *Service) ValidateCode(ctx context.Context, request ValidateRequest) (ValidationResult, error) {
	ctx, span := tracer.Start(ctx, "service.ValidateCode")
	defer span.End()

	result, err := s.evaluateCode(ctx, request, s.now())
	finishEvaluationSpan(span, result, err)
	if err != nil {
		return ValidationResult{}, err
	}

	s.recordEvaluation(evaluationKindValidate, resultLabel(result))
	return result, nil
}

// RedeemCode validates a code and, when it applies, records one use. The
// storage update re-checks the usage limit and expiry so concurrent
// redemptions never exceed max_uses.
func (s *Service) RedeemCode(ctx context.Context, request ValidateRequest) (ValidationResult, error) {
	ctx, span := tracer.Start(ctx, "service.RedeemCode")
	defer span.End()

	now := s.now()
	result, err := s.evaluateCode(ctx, request, now)
	if err == nil && result.Valid {
		result, err = s.consumeCode(ctx, result, now)
	}
	finishEvaluationSpan(span, result, err)
	if err != nil {
		return ValidationResult{}, err
	}

	s.recordEvaluation(evaluationKindRedeem, resultLabel(result))
	return result, nil
}

// QuoteShipping lists every enabled shipping option that applies to the
// given weight and order amount, cheapest first. Options without a zone
// apply to every zone.
func (s *Service) QuoteShipping(ctx context.Context, request QuoteRequest) ([]ShippingQuote, error) {
	_, span := tracer.Start(ctx, "service.QuoteShipping")
	defer span.End()

	if request.Weight.IsNegative() {
		return nil, fmt.Errorf("%w: weight must be >= 0", ErrInvalidRequest)
	}
	if request.OrderAmount.IsNegative() {
		return nil, fmt.Errorf("%w: order_amount must be >= 0", ErrInvalidRequest)
	}
	zone := strings.TrimSpace(request.Zone)

	s.mu.RLock()
	candidates := make([]repository.ShippingOption, 0, len(s.shippingOptions))
	for _, option := range s.shippingOptions {
		if !option.Enabled {
			continue
		}
		if option.Zone != "" && option.Zone != zone {
			continue
		}
		candidates = append(candidates, option)
	}
	s.mu.RUnlock()

	sort.Slice(candidates, func(i, j int) bool {
		return shippingOptionLess(candidates[i], candidates[j])
	})

	quotes := make([]ShippingQuote, 0, len(candidates))
	for _, option := range candidates {
		price, ok := core.CalculatePrice(shippingRule(option), request.Weight, request.OrderAmount)
		if !ok {
			continue
		}

		quotes = append(quotes, ShippingQuote{
			OptionID:       option.ID,
			Name:           option.Name,
			Carrier:        option.Carrier,
			Price:          price,
			FormattedPrice: price.StringFixed(2),
			DeliveryText:   core.DeliveryText(option.MinDeliveryDays, option.MaxDeliveryDays),
		})
	}

	span.SetAttributes(attribute.Int("promoz.shipping.quotes", len(quotes)))
	if len(quotes) == 0 {
		s.recordEvaluation(evaluationKindQuote, evaluationResultNoOption)
	} else {
		s.recordEvaluation(evaluationKindQuote, evaluationResultQuoted)
	}

	return quotes, nil
}

func (s *Service) evaluateCode(ctx context.Context, request ValidateRequest, now time.Time) (ValidationResult, error) {
	request.Code = strings.TrimSpace(request.Code)
	if request.Code == "" {
		return ValidationResult{}, fmt.Errorf("%w: code is required", ErrInvalidRequest)
	}
	if request.OrderAmount.IsNegative() {
		return ValidationResult{}, fmt.Errorf("%w: order_amount must be >= 0", ErrInvalidRequest)
	}

	result := ValidationResult{Code: request.Code}

	code, err := s.GetDiscountCode(ctx, request.Code)
	if err != nil {
		if errors.Is(err, ErrCodeNotFound) {
			return reject(result, ReasonCodeNotFound), nil
		}
		return ValidationResult{}, err
	}
	result.DiscountID = code.DiscountID

	discount, err := s.GetDiscount(ctx, code.DiscountID)
	if err != nil {
		if errors.Is(err, ErrDiscountNotFound) {
			return reject(result, ReasonDiscountNotFound), nil
		}
		return ValidationResult{}, err
	}
	result.DiscountName = discount.Name

	if !core.IsDiscountValid(discountState(discount), now) {
		return reject(result, ReasonDiscountInactive), nil
	}

	usage := codeUsage(code)
	if core.HasReachedLimit(usage) {
		return reject(result, ReasonUsageLimitReached), nil
	}
	if !core.IsCodeValid(usage, now) {
		return reject(result, ReasonCodeExpired), nil
	}

	if !core.MeetsMinimumOrder(discount.MinOrderAmount, request.OrderAmount) {
		return reject(result, ReasonMinimumNotMet), nil
	}

	rules, err := parseConditionsJSON(discount.Conditions)
	if err != nil {
		return ValidationResult{}, fmt.Errorf("%w: decode discount %q conditions: %w", ErrRuleEvaluation, discount.ID, err)
	}
	matched, err := core.EvaluateRules(rules, request.Attributes)
	if err != nil {
		return ValidationResult{}, fmt.Errorf("%w: discount %q conditions: %w", ErrRuleEvaluation, discount.ID, err)
	}
	if !matched {
		return reject(result, ReasonConditionsNotMet), nil
	}

	amount, err := core.DiscountAmount(core.DiscountKind(discount.Kind), discount.Value, request.OrderAmount)
	if err != nil {
		return ValidationResult{}, fmt.Errorf("%w: discount %q amount: %w", ErrRuleEvaluation, discount.ID, err)
	}

	result.Valid = true
	result.DiscountAmount = amount
	return result, nil
}

func (s *Service) consumeCode(ctx context.Context, result ValidationResult, now time.Time) (ValidationResult, error) {
	updated, err := s.repo.IncrementCodeUsage(ctx, result.Code, now)
	if err == nil {
		s.setCachedCode(updated)
		s.publishEventBestEffort(ctx, repository.ResourceDiscountCode, updated.Code, EventTypeUpdated, updated)
		return result, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return ValidationResult{}, fmt.Errorf("redeem code: %w", err)
	}

	// Another instance consumed the last use or the code was removed since
	// the cache was loaded.
	current, err := s.repo.GetDiscountCode(ctx, result.Code)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			s.deleteCachedCode(result.Code)
			return reject(result, ReasonCodeNotFound), nil
		}
		return ValidationResult{}, fmt.Errorf("reload code after failed redemption: %w", err)
	}
	s.setCachedCode(current)

	if core.HasReachedLimit(codeUsage(current)) {
		return reject(result, ReasonUsageLimitReached), nil
	}
	return reject(result, ReasonCodeExpired), nil
}

func reject(result ValidationResult, reason string) ValidationResult {
	result.Valid = false
	result.Reason = reason
	result.DiscountAmount = decimal.Zero
	return result
}

func resultLabel(result ValidationResult) string {
	if result.Valid {
		return evaluationResultValid
	}
	return result.Reason
}

func finishEvaluationSpan(span trace.Span, result ValidationResult, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}

	span.SetAttributes(
		attribute.Bool("promoz.code.valid", result.Valid),
		attribute.String("promoz.code.reason", result.Reason),
	)
}

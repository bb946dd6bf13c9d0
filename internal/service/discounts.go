package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/matt-riley/promoz/internal/core"
	"github.com/matt-riley/promoz/internal/repository"
)

const maxPercentage = 100

func (s *Service) CreateDiscount(ctx context.Context, discount repository.Discount) (repository.Discount, error) {
	if strings.TrimSpace(discount.ID) == "" {
		discount.ID = uuid.NewString()
	}
	if err := normalizeDiscount(&discount); err != nil {
		return repository.Discount{}, err
	}

	created, err := s.repo.CreateDiscount(ctx, discount)
	if err != nil {
		if repository.IsUniqueViolation(err) {
			return repository.Discount{}, fmt.Errorf("discount %q: %w", discount.ID, ErrAlreadyExists)
		}
		if repository.IsValueRejected(err) {
			return repository.Discount{}, fmt.Errorf("%w: %v", ErrInvalidDiscount, err)
		}
		return repository.Discount{}, fmt.Errorf("create discount: %w", err)
	}

	s.setCachedDiscount(created)
	s.publishEventBestEffort(ctx, repository.ResourceDiscount, created.ID, EventTypeUpdated, created)

	return created, nil
}

func (s *Service) UpdateDiscount(ctx context.Context, discount repository.Discount) (repository.Discount, error) {
	if strings.TrimSpace(discount.ID) == "" {
		return repository.Discount{}, fmt.Errorf("%w: id is required", ErrInvalidDiscount)
	}
	if err := normalizeDiscount(&discount); err != nil {
		return repository.Discount{}, err
	}

	updated, err := s.repo.UpdateDiscount(ctx, discount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			s.deleteCachedDiscount(discount.ID)
			return repository.Discount{}, ErrDiscountNotFound
		}
		if repository.IsValueRejected(err) {
			return repository.Discount{}, fmt.Errorf("%w: %v", ErrInvalidDiscount, err)
		}
		return repository.Discount{}, fmt.Errorf("update discount: %w", err)
	}

	s.setCachedDiscount(updated)
	s.publishEventBestEffort(ctx, repository.ResourceDiscount, updated.ID, EventTypeUpdated, updated)

	return updated, nil
}

func (s *Service) GetDiscount(ctx context.Context, id string) (repository.Discount, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return repository.Discount{}, fmt.Errorf("%w: discount id is required", ErrInvalidRequest)
	}
	if _, err := uuid.Parse(id); err != nil {
		return repository.Discount{}, ErrDiscountNotFound
	}

	if discount, ok := s.getCachedDiscount(id); ok {
		return discount, nil
	}

	discount, err := s.repo.GetDiscount(ctx, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return repository.Discount{}, ErrDiscountNotFound
		}
		return repository.Discount{}, fmt.Errorf("get discount: %w", err)
	}

	s.setCachedDiscount(discount)
	return discount, nil
}

// ListDiscounts returns cached discounts ordered by name, then id.
func (s *Service) ListDiscounts(_ context.Context) ([]repository.Discount, error) {
	s.mu.RLock()
	discounts := make([]repository.Discount, 0, len(s.discounts))
	for _, discount := range s.discounts {
		discounts = append(discounts, discount)
	}
	s.mu.RUnlock()

	sort.Slice(discounts, func(i, j int) bool {
		if discounts[i].Name != discounts[j].Name {
			return discounts[i].Name < discounts[j].Name
		}
		return discounts[i].ID < discounts[j].ID
	})

	return discounts, nil
}

// DeleteDiscount removes a discount together with all of its codes.
func (s *Service) DeleteDiscount(ctx context.Context, id string) error {
	existing, err := s.GetDiscount(ctx, id)
	if err != nil {
		return err
	}

	if err := s.repo.DeleteDiscount(ctx, existing.ID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			s.deleteCachedDiscount(existing.ID)
			return ErrDiscountNotFound
		}
		return fmt.Errorf("delete discount: %w", err)
	}

	s.deleteCachedDiscount(existing.ID)
	s.publishEventBestEffort(ctx, repository.ResourceDiscount, existing.ID, EventTypeDeleted, existing)

	return nil
}

func (s *Service) getCachedDiscount(id string) (repository.Discount, bool) {
	s.mu.RLock()
	discount, ok := s.discounts[id]
	s.mu.RUnlock()

	return discount, ok
}

func (s *Service) setCachedDiscount(discount repository.Discount) {
	s.mu.Lock()
	s.discounts[discount.ID] = discount
	s.mu.Unlock()
}

func (s *Service) deleteCachedDiscount(id string) {
	s.mu.Lock()
	delete(s.discounts, id)
	for code, cached := range s.codes {
		if cached.DiscountID == id {
			delete(s.codes, code)
		}
	}
	s.mu.Unlock()
}

func normalizeDiscount(discount *repository.Discount) error {
	if _, err := uuid.Parse(discount.ID); err != nil {
		return fmt.Errorf("%w: id must be a UUID", ErrInvalidDiscount)
	}

	discount.Name = strings.TrimSpace(discount.Name)
	if discount.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidDiscount)
	}

	if discount.Status == "" {
		discount.Status = string(core.DiscountStatusDraft)
	}
	if !core.DiscountStatus(discount.Status).Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidDiscount, discount.Status)
	}

	kind := core.DiscountKind(discount.Kind)
	if !kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidDiscount, discount.Kind)
	}
	if !discount.Value.IsPositive() {
		return fmt.Errorf("%w: value must be > 0", ErrInvalidDiscount)
	}
	if !fitsNumeric(discount.Value, moneyScale) {
		return fmt.Errorf("%w: value %s", ErrInvalidDiscount, numericLimitText(moneyScale))
	}
	if kind == core.DiscountKindPercentage && discount.Value.GreaterThan(decimal.NewFromInt(maxPercentage)) {
		return fmt.Errorf("%w: percentage must be <= %d", ErrInvalidDiscount, maxPercentage)
	}
	if discount.MinOrderAmount != nil && discount.MinOrderAmount.IsNegative() {
		return fmt.Errorf("%w: min_order_amount must be >= 0", ErrInvalidDiscount)
	}
	if discount.MinOrderAmount != nil && !fitsNumeric(*discount.MinOrderAmount, moneyScale) {
		return fmt.Errorf("%w: min_order_amount %s", ErrInvalidDiscount, numericLimitText(moneyScale))
	}

	if discount.StartsAt != nil && discount.EndsAt != nil && discount.EndsAt.Before(*discount.StartsAt) {
		return fmt.Errorf("%w: ends_at is before starts_at", ErrInvalidDiscount)
	}

	rules, err := parseConditionsJSON(discount.Conditions)
	if err != nil {
		return err
	}
	normalized, err := json.Marshal(rules)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConditions, err)
	}
	discount.Conditions = normalized

	return nil
}

// Amounts are stored as NUMERIC(12, 2) and weights as NUMERIC(12, 3).
const (
	numericPrecision = 12
	moneyScale       = 2
	weightScale      = 3
)

// fitsNumeric reports whether d is stored exactly by a NUMERIC column of the
// given scale: no extra fractional digits and no integer overflow.
func fitsNumeric(d decimal.Decimal, scale int32) bool {
	if !d.Equal(d.Round(scale)) {
		return false
	}
	return d.Abs().LessThan(decimal.New(1, numericPrecision-scale))
}

func numericLimitText(scale int32) string {
	return fmt.Sprintf("must have at most %d integer and %d fractional digits", numericPrecision-scale, scale)
}

func parseConditionsJSON(payload json.RawMessage) ([]core.Rule, error) {
	rules := make([]core.Rule, 0)
	if len(payload) == 0 {
		return rules, nil
	}

	if err := json.Unmarshal(payload, &rules); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConditions, err)
	}
	if rules == nil {
		rules = make([]core.Rule, 0)
	}

	for i, rule := range rules {
		if strings.TrimSpace(rule.Attribute) == "" {
			return nil, fmt.Errorf("%w: condition %d has no attribute", ErrInvalidConditions, i)
		}
		if !rule.Operator.Valid() {
			return nil, fmt.Errorf("%w: condition %d: %w", ErrInvalidConditions, i, core.ErrUnsupportedOperator)
		}
	}

	return rules, nil
}

func discountState(discount repository.Discount) core.DiscountState {
	return core.DiscountState{
		Status:   core.DiscountStatus(discount.Status),
		StartsAt: discount.StartsAt,
		EndsAt:   discount.EndsAt,
	}
}

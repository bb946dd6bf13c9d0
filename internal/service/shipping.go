package service

import (
	"context"
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

func (s *Service) CreateShippingOption(ctx context.Context, option repository.ShippingOption) (repository.ShippingOption, error) {
	if strings.TrimSpace(option.ID) == "" {
		option.ID = uuid.NewString()
	}
	if err := normalizeShippingOption(&option); err != nil {
		return repository.ShippingOption{}, err
	}

	created, err := s.repo.CreateShippingOption(ctx, option)
	if err != nil {
		if repository.IsUniqueViolation(err) {
			return repository.ShippingOption{}, fmt.Errorf("shipping option %q: %w", option.ID, ErrAlreadyExists)
		}
		if repository.IsValueRejected(err) {
			return repository.ShippingOption{}, fmt.Errorf("%w: %v", ErrInvalidShippingOption, err)
		}
		return repository.ShippingOption{}, fmt.Errorf("create shipping option: %w", err)
	}

	s.setCachedShippingOption(created)
	s.publishEventBestEffort(ctx, repository.ResourceShippingOption, created.ID, EventTypeUpdated, created)

	return created, nil
}

func (s *Service) UpdateShippingOption(ctx context.Context, option repository.ShippingOption) (repository.ShippingOption, error) {
	if strings.TrimSpace(option.ID) == "" {
		return repository.ShippingOption{}, fmt.Errorf("%w: id is required", ErrInvalidShippingOption)
	}
	if err := normalizeShippingOption(&option); err != nil {
		return repository.ShippingOption{}, err
	}

	updated, err := s.repo.UpdateShippingOption(ctx, option)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			s.deleteCachedShippingOption(option.ID)
			return repository.ShippingOption{}, ErrShippingOptionNotFound
		}
		if repository.IsValueRejected(err) {
			return repository.ShippingOption{}, fmt.Errorf("%w: %v", ErrInvalidShippingOption, err)
		}
		return repository.ShippingOption{}, fmt.Errorf("update shipping option: %w", err)
	}

	s.setCachedShippingOption(updated)
	s.publishEventBestEffort(ctx, repository.ResourceShippingOption, updated.ID, EventTypeUpdated, updated)

	return updated, nil
}

func (s *Service) GetShippingOption(ctx context.Context, id string) (repository.ShippingOption, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return repository.ShippingOption{}, fmt.Errorf("%w: shipping option id is required", ErrInvalidRequest)
	}
	if _, err := uuid.Parse(id); err != nil {
		return repository.ShippingOption{}, ErrShippingOptionNotFound
	}

	if option, ok := s.getCachedShippingOption(id); ok {
		return option, nil
	}

	option, err := s.repo.GetShippingOption(ctx, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return repository.ShippingOption{}, ErrShippingOptionNotFound
		}
		return repository.ShippingOption{}, fmt.Errorf("get shipping option: %w", err)
	}

	s.setCachedShippingOption(option)
	return option, nil
}

// ListShippingOptions returns cached options ordered by price, then name.
func (s *Service) ListShippingOptions(_ context.Context) ([]repository.ShippingOption, error) {
	s.mu.RLock()
	options := make([]repository.ShippingOption, 0, len(s.shippingOptions))
	for _, option := range s.shippingOptions {
		options = append(options, option)
	}
	s.mu.RUnlock()

	sort.Slice(options, func(i, j int) bool {
		return shippingOptionLess(options[i], options[j])
	})

	return options, nil
}

func (s *Service) DeleteShippingOption(ctx context.Context, id string) error {
	existing, err := s.GetShippingOption(ctx, id)
	if err != nil {
		return err
	}

	if err := s.repo.DeleteShippingOption(ctx, existing.ID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			s.deleteCachedShippingOption(existing.ID)
			return ErrShippingOptionNotFound
		}
		return fmt.Errorf("delete shipping option: %w", err)
	}

	s.deleteCachedShippingOption(existing.ID)
	s.publishEventBestEffort(ctx, repository.ResourceShippingOption, existing.ID, EventTypeDeleted, existing)

	return nil
}

func (s *Service) getCachedShippingOption(id string) (repository.ShippingOption, bool) {
	s.mu.RLock()
	option, ok := s.shippingOptions[id]
	s.mu.RUnlock()

	return option, ok
}

func (s *Service) setCachedShippingOption(option repository.ShippingOption) {
	s.mu.Lock()
	s.shippingOptions[option.ID] = option
	s.mu.Unlock()
}

func (s *Service) deleteCachedShippingOption(id string) {
	s.mu.Lock()
	delete(s.shippingOptions, id)
	s.mu.Unlock()
}

func normalizeShippingOption(option *repository.ShippingOption) error {
	if _, err := uuid.Parse(option.ID); err != nil {
		return fmt.Errorf("%w: id must be a UUID", ErrInvalidShippingOption)
	}

	option.Name = strings.TrimSpace(option.Name)
	if option.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidShippingOption)
	}
	option.Carrier = strings.TrimSpace(option.Carrier)
	option.Zone = strings.TrimSpace(option.Zone)

	if option.Price.IsNegative() {
		return fmt.Errorf("%w: price must be >= 0", ErrInvalidShippingOption)
	}
	if !fitsNumeric(option.Price, moneyScale) {
		return fmt.Errorf("%w: price %s", ErrInvalidShippingOption, numericLimitText(moneyScale))
	}
	if err := validateDecimalRange("weight", weightScale, option.MinWeight, option.MaxWeight); err != nil {
		return err
	}
	if err := validateDecimalRange("order_amount", moneyScale, option.MinOrderAmount, option.MaxOrderAmount); err != nil {
		return err
	}

	if option.MinDeliveryDays != nil && *option.MinDeliveryDays < 0 {
		return fmt.Errorf("%w: min_delivery_days must be >= 0", ErrInvalidShippingOption)
	}
	if option.MaxDeliveryDays != nil && *option.MaxDeliveryDays < 0 {
		return fmt.Errorf("%w: max_delivery_days must be >= 0", ErrInvalidShippingOption)
	}
	if option.MinDeliveryDays != nil && option.MaxDeliveryDays != nil && *option.MinDeliveryDays > *option.MaxDeliveryDays {
		return fmt.Errorf("%w: min_delivery_days is greater than max_delivery_days", ErrInvalidShippingOption)
	}

	return nil
}

func validateDecimalRange(field string, scale int32, minimum, maximum *decimal.Decimal) error {
	if minimum != nil && minimum.IsNegative() {
		return fmt.Errorf("%w: min_%s must be >= 0", ErrInvalidShippingOption, field)
	}
	if maximum != nil && maximum.IsNegative() {
		return fmt.Errorf("%w: max_%s must be >= 0", ErrInvalidShippingOption, field)
	}
	if minimum != nil && !fitsNumeric(*minimum, scale) {
		return fmt.Errorf("%w: min_%s %s", ErrInvalidShippingOption, field, numericLimitText(scale))
	}
	if maximum != nil && !fitsNumeric(*maximum, scale) {
		return fmt.Errorf("%w: max_%s %s", ErrInvalidShippingOption, field, numericLimitText(scale))
	}
	if minimum != nil && maximum != nil && minimum.GreaterThan(*maximum) {
		return fmt.Errorf("%w: min_%s is greater than max_%s", ErrInvalidShippingOption, field, field)
	}

	return nil
}

func shippingRule(option repository.ShippingOption) core.ShippingRule {
	return core.ShippingRule{
		MinWeight:      option.MinWeight,
		MaxWeight:      option.MaxWeight,
		MinOrderAmount: option.MinOrderAmount,
		MaxOrderAmount: option.MaxOrderAmount,
		Price:          option.Price,
	}
}

func shippingOptionLess(a, b repository.ShippingOption) bool {
	if cmp := a.Price.Cmp(b.Price); cmp != 0 {
		return cmp < 0
	}
	if a.Name != b.Name {
		return a.Name < b.Name
	}
	return a.ID < b.ID
}

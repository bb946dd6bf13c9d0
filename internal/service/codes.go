package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/matt-riley/promoz/internal/core"
	"github.com/matt-riley/promoz/internal/repository"
)

// CreateDiscountCode attaches a new redeemable code to an existing discount.
// The usage count of a new code always starts at zero.
func (s *Service) CreateDiscountCode(ctx context.Context, code repository.DiscountCode) (repository.DiscountCode, error) {
	code.Code = strings.TrimSpace(code.Code)
	if code.Code == "" {
		return repository.DiscountCode{}, fmt.Errorf("%w: code is required", ErrInvalidCode)
	}
	if strings.ContainsAny(code.Code, " \t\r\n") {
		return repository.DiscountCode{}, fmt.Errorf("%w: code must not contain whitespace", ErrInvalidCode)
	}
	if code.MaxUses != nil && *code.MaxUses < 0 {
		return repository.DiscountCode{}, fmt.Errorf("%w: max_uses must be >= 0", ErrInvalidCode)
	}
	if _, err := s.GetDiscount(ctx, code.DiscountID); err != nil {
		if errors.Is(err, ErrDiscountNotFound) || errors.Is(err, ErrInvalidRequest) {
			return repository.DiscountCode{}, fmt.Errorf("%w: discount %q does not exist", ErrInvalidCode, code.DiscountID)
		}
		return repository.DiscountCode{}, err
	}
	code.UsageCount = 0

	created, err := s.repo.CreateDiscountCode(ctx, code)
	if err != nil {
		switch {
		case repository.IsUniqueViolation(err):
			return repository.DiscountCode{}, fmt.Errorf("discount code %q: %w", code.Code, ErrAlreadyExists)
		case repository.IsForeignKeyViolation(err):
			return repository.DiscountCode{}, fmt.Errorf("%w: discount %q does not exist", ErrInvalidCode, code.DiscountID)
		}
		return repository.DiscountCode{}, fmt.Errorf("create discount code: %w", err)
	}

	s.setCachedCode(created)
	s.publishEventBestEffort(ctx, repository.ResourceDiscountCode, created.Code, EventTypeUpdated, created)

	return created, nil
}

func (s *Service) GetDiscountCode(ctx context.Context, code string) (repository.DiscountCode, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return repository.DiscountCode{}, fmt.Errorf("%w: code is required", ErrInvalidRequest)
	}

	if cached, ok := s.getCachedCode(code); ok {
		return cached, nil
	}

	found, err := s.repo.GetDiscountCode(ctx, code)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return repository.DiscountCode{}, ErrCodeNotFound
		}
		return repository.DiscountCode{}, fmt.Errorf("get discount code: %w", err)
	}

	s.setCachedCode(found)
	return found, nil
}

// ListDiscountCodes returns cached codes sorted by code. A non-empty
// discountID limits the result to that discount's codes.
func (s *Service) ListDiscountCodes(_ context.Context, discountID string) ([]repository.DiscountCode, error) {
	discountID = strings.TrimSpace(discountID)

	s.mu.RLock()
	codes := make([]repository.DiscountCode, 0, len(s.codes))
	for _, code := range s.codes {
		if discountID != "" && code.DiscountID != discountID {
			continue
		}
		codes = append(codes, code)
	}
	s.mu.RUnlock()

	sort.Slice(codes, func(i, j int) bool {
		return codes[i].Code < codes[j].Code
	})

	return codes, nil
}

func (s *Service) DeleteDiscountCode(ctx context.Context, code string) error {
	existing, err := s.GetDiscountCode(ctx, code)
	if err != nil {
		return err
	}

	if err := s.repo.DeleteDiscountCode(ctx, existing.Code); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			s.deleteCachedCode(existing.Code)
			return ErrCodeNotFound
		}
		return fmt.Errorf("delete discount code: %w", err)
	}

	s.deleteCachedCode(existing.Code)
	s.publishEventBestEffort(ctx, repository.ResourceDiscountCode, existing.Code, EventTypeDeleted, existing)

	return nil
}

func (s *Service) getCachedCode(code string) (repository.DiscountCode, bool) {
	s.mu.RLock()
	cached, ok := s.codes[code]
	s.mu.RUnlock()

	return cached, ok
}

func (s *Service) setCachedCode(code repository.DiscountCode) {
	s.mu.Lock()
	s.codes[code.Code] = code
	s.mu.Unlock()
}

func (s *Service) deleteCachedCode(code string) {
	s.mu.Lock()
	delete(s.codes, code)
	s.mu.Unlock()
}

func codeUsage(code repository.DiscountCode) core.CodeUsage {
	return core.CodeUsage{
		MaxUses:    code.MaxUses,
		UsageCount: code.UsageCount,
		ExpiresAt:  code.ExpiresAt,
	}
}

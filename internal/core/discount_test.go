package core

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func intPtr(value int) *int {
	return &value
}

func timePtr(value time.Time) *time.Time {
	return &value
}

func decimalPtr(value string) *decimal.Decimal {
	d := decimal.RequireFromString(value)
	return &d
}

func TestIsDiscountValid(t *testing.T) {
	now := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	day := 24 * time.Hour

	tests := []struct {
		name  string
		state DiscountState
		want  bool
	}{
		{name: "active without window", state: DiscountState{Status: DiscountStatusActive}, want: true},
		{name: "draft is never valid", state: DiscountState{Status: DiscountStatusDraft}, want: false},
		{name: "expired is never valid", state: DiscountState{Status: DiscountStatusExpired, StartsAt: timePtr(now.Add(-day)), EndsAt: timePtr(now.Add(day))}, want: false},
		{name: "scheduled is never valid", state: DiscountState{Status: DiscountStatusScheduled, StartsAt: timePtr(now.Add(-day))}, want: false},
		{name: "starts in the future", state: DiscountState{Status: DiscountStatusActive, StartsAt: timePtr(now.Add(day))}, want: false},
		{name: "inside window", state: DiscountState{Status: DiscountStatusActive, StartsAt: timePtr(now.Add(-day)), EndsAt: timePtr(now.Add(day))}, want: true},
		{name: "ended in the past", state: DiscountState{Status: DiscountStatusActive, EndsAt: timePtr(now.Add(-time.Second))}, want: false},
		{name: "starts exactly now", state: DiscountState{Status: DiscountStatusActive, StartsAt: timePtr(now)}, want: true},
		{name: "ends exactly now", state: DiscountState{Status: DiscountStatusActive, EndsAt: timePtr(now)}, want: true},
		{name: "window ends before it starts", state: DiscountState{Status: DiscountStatusActive, StartsAt: timePtr(now.Add(day)), EndsAt: timePtr(now.Add(-day))}, want: false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := IsDiscountValid(test.state, now); got != test.want {
				t.Fatalf("IsDiscountValid() = %t, want %t", got, test.want)
			}
		})
	}
}

func TestHasReachedLimit(t *testing.T) {
	tests := []struct {
		name  string
		usage CodeUsage
		want  bool
	}{
		{name: "unlimited", usage: CodeUsage{UsageCount: 1000}, want: false},
		{name: "at limit", usage: CodeUsage{MaxUses: intPtr(1), UsageCount: 1}, want: true},
		{name: "below limit", usage: CodeUsage{MaxUses: intPtr(2), UsageCount: 1}, want: false},
		{name: "above limit", usage: CodeUsage{MaxUses: intPtr(2), UsageCount: 5}, want: true},
		{name: "zero max uses", usage: CodeUsage{MaxUses: intPtr(0)}, want: true},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := HasReachedLimit(test.usage); got != test.want {
				t.Fatalf("HasReachedLimit() = %t, want %t", got, test.want)
			}
		})
	}
}

func TestIsCodeValid(t *testing.T) {
	now := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	day := 24 * time.Hour

	tests := []struct {
		name  string
		usage CodeUsage
		want  bool
	}{
		{name: "no limits", usage: CodeUsage{}, want: true},
		{name: "expired yesterday", usage: CodeUsage{ExpiresAt: timePtr(now.Add(-day))}, want: false},
		{name: "expired with unused limit", usage: CodeUsage{MaxUses: intPtr(10), ExpiresAt: timePtr(now.Add(-day))}, want: false},
		{name: "expires exactly now", usage: CodeUsage{ExpiresAt: timePtr(now)}, want: false},
		{name: "expires tomorrow", usage: CodeUsage{ExpiresAt: timePtr(now.Add(day))}, want: true},
		{name: "limit reached", usage: CodeUsage{MaxUses: intPtr(3), UsageCount: 3, ExpiresAt: timePtr(now.Add(day))}, want: false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := IsCodeValid(test.usage, now); got != test.want {
				t.Fatalf("IsCodeValid() = %t, want %t", got, test.want)
			}
		})
	}
}

func TestMeetsMinimumOrder(t *testing.T) {
	if !MeetsMinimumOrder(nil, decimal.Zero) {
		t.Fatal("MeetsMinimumOrder(nil) = false, want true")
	}
	if !MeetsMinimumOrder(decimalPtr("50"), decimal.RequireFromString("50.00")) {
		t.Fatal("MeetsMinimumOrder(50, 50.00) = false, want true")
	}
	if MeetsMinimumOrder(decimalPtr("50"), decimal.RequireFromString("49.99")) {
		t.Fatal("MeetsMinimumOrder(50, 49.99) = true, want false")
	}
}

func TestDiscountAmount(t *testing.T) {
	tests := []struct {
		name        string
		kind        DiscountKind
		value       string
		orderAmount string
		want        string
	}{
		{name: "percentage", kind: DiscountKindPercentage, value: "10", orderAmount: "200", want: "20"},
		{name: "percentage rounds to cents", kind: DiscountKindPercentage, value: "15", orderAmount: "19.99", want: "3"},
		{name: "full percentage", kind: DiscountKindPercentage, value: "100", orderAmount: "42.50", want: "42.5"},
		{name: "fixed amount", kind: DiscountKindFixedAmount, value: "15", orderAmount: "100", want: "15"},
		{name: "fixed amount clamped to order", kind: DiscountKindFixedAmount, value: "150", orderAmount: "100", want: "100"},
		{name: "negative order amount", kind: DiscountKindFixedAmount, value: "10", orderAmount: "-5", want: "0"},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got, err := DiscountAmount(test.kind, decimal.RequireFromString(test.value), decimal.RequireFromString(test.orderAmount))
			if err != nil {
				t.Fatalf("DiscountAmount() error = %v", err)
			}
			if want := decimal.RequireFromString(test.want); !got.Equal(want) {
				t.Fatalf("DiscountAmount() = %s, want %s", got, want)
			}
		})
	}

	t.Run("unsupported kind", func(t *testing.T) {
		_, err := DiscountAmount("bogo", decimal.NewFromInt(1), decimal.NewFromInt(10))
		if !errors.Is(err, ErrUnsupportedDiscountKind) {
			t.Fatalf("DiscountAmount() error = %v, want %v", err, ErrUnsupportedDiscountKind)
		}
	})
}

package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/matt-riley/promoz/internal/core"
	"github.com/matt-riley/promoz/internal/repository"
)

type fakeServiceRepository struct {
	mu              sync.RWMutex
	discounts       map[string]repository.Discount
	codes           map[string]repository.DiscountCode
	shippingOptions map[string]repository.ShippingOption
	events          []repository.RuleEvent
	nextEventID     int64
	publishErr      error
	writeErr        error
	lastEventLimit  int

	requirePublishActiveContext bool
	publishCtxErr               error
	publishCtxHasDeadline       bool
}

func newFakeServiceRepository() *fakeServiceRepository {
	return &fakeServiceRepository{
		discounts:       make(map[string]repository.Discount),
		codes:           make(map[string]repository.DiscountCode),
		shippingOptions: make(map[string]repository.ShippingOption),
	}
}

func (f *fakeServiceRepository) CreateDiscount(_ context.Context, discount repository.Discount) (repository.Discount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.writeErr != nil {
		return repository.Discount{}, f.writeErr
	}
	f.discounts[discount.ID] = discount
	return discount, nil
}

func (f *fakeServiceRepository) UpdateDiscount(_ context.Context, discount repository.Discount) (repository.Discount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.discounts[discount.ID]; !ok {
		return repository.Discount{}, pgx.ErrNoRows
	}
	f.discounts[discount.ID] = discount
	return discount, nil
}

func (f *fakeServiceRepository) GetDiscount(_ context.Context, id string) (repository.Discount, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	discount, ok := f.discounts[id]
	if !ok {
		return repository.Discount{}, pgx.ErrNoRows
	}
	return discount, nil
}

func (f *fakeServiceRepository) ListDiscounts(_ context.Context) ([]repository.Discount, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	discounts := make([]repository.Discount, 0, len(f.discounts))
	for _, discount := range f.discounts {
		discounts = append(discounts, discount)
	}
	return discounts, nil
}

func (f *fakeServiceRepository) DeleteDiscount(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.discounts[id]; !ok {
		return pgx.ErrNoRows
	}
	delete(f.discounts, id)
	for code, stored := range f.codes {
		if stored.DiscountID == id {
			delete(f.codes, code)
		}
	}
	return nil
}

func (f *fakeServiceRepository) CreateDiscountCode(_ context.Context, code repository.DiscountCode) (repository.DiscountCode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.codes[code.Code] = code
	return code, nil
}

func (f *fakeServiceRepository) GetDiscountCode(_ context.Context, code string) (repository.DiscountCode, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	stored, ok := f.codes[code]
	if !ok {
		return repository.DiscountCode{}, pgx.ErrNoRows
	}
	return stored, nil
}

func (f *fakeServiceRepository) ListDiscountCodes(_ context.Context) ([]repository.DiscountCode, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	codes := make([]repository.DiscountCode, 0, len(f.codes))
	for _, code := range f.codes {
		codes = append(codes, code)
	}
	return codes, nil
}

func (f *fakeServiceRepository) DeleteDiscountCode(_ context.Context, code string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.codes[code]; !ok {
		return pgx.ErrNoRows
	}
	delete(f.codes, code)
	return nil
}

func (f *fakeServiceRepository) IncrementCodeUsage(_ context.Context, code string, now time.Time) (repository.DiscountCode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	stored, ok := f.codes[code]
	if !ok || !core.IsCodeValid(codeUsage(stored), now) {
		return repository.DiscountCode{}, pgx.ErrNoRows
	}
	stored.UsageCount++
	f.codes[code] = stored
	return stored, nil
}

func (f *fakeServiceRepository) CreateShippingOption(_ context.Context, option repository.ShippingOption) (repository.ShippingOption, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.shippingOptions[option.ID] = option
	return option, nil
}

func (f *fakeServiceRepository) UpdateShippingOption(_ context.Context, option repository.ShippingOption) (repository.ShippingOption, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.shippingOptions[option.ID]; !ok {
		return repository.ShippingOption{}, pgx.ErrNoRows
	}
	f.shippingOptions[option.ID] = option
	return option, nil
}

func (f *fakeServiceRepository) GetShippingOption(_ context.Context, id string) (repository.ShippingOption, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	option, ok := f.shippingOptions[id]
	if !ok {
		return repository.ShippingOption{}, pgx.ErrNoRows
	}
	return option, nil
}

func (f *fakeServiceRepository) ListShippingOptions(_ context.Context) ([]repository.ShippingOption, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	options := make([]repository.ShippingOption, 0, len(f.shippingOptions))
	for _, option := range f.shippingOptions {
		options = append(options, option)
	}
	return options, nil
}

func (f *fakeServiceRepository) DeleteShippingOption(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.shippingOptions[id]; !ok {
		return pgx.ErrNoRows
	}
	delete(f.shippingOptions, id)
	return nil
}

func (f *fakeServiceRepository) ListEventsSince(_ context.Context, eventID int64, limit int) ([]repository.RuleEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.lastEventLimit = limit
	events := make([]repository.RuleEvent, 0, len(f.events))
	for _, event := range f.events {
		if event.EventID > eventID {
			events = append(events, event)
		}
	}
	sort.Slice(events, func(i, j int) bool { return events[i].EventID < events[j].EventID })
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}

func (f *fakeServiceRepository) PublishRuleEvent(ctx context.Context, event repository.RuleEvent) (repository.RuleEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.publishCtxErr = ctx.Err()
	_, f.publishCtxHasDeadline = ctx.Deadline()

	if f.requirePublishActiveContext && f.publishCtxErr != nil {
		return repository.RuleEvent{}, f.publishCtxErr
	}

	if f.publishErr != nil {
		return repository.RuleEvent{}, f.publishErr
	}

	f.nextEventID++
	event.EventID = f.nextEventID
	f.events = append(f.events, event)
	return event, nil
}

func (f *fakeServiceRepository) setDiscount(discount repository.Discount) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.discounts[discount.ID] = discount
}

func (f *fakeServiceRepository) removeDiscount(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.discounts, id)
}

func (f *fakeServiceRepository) setCode(code repository.DiscountCode) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.codes[code.Code] = code
}

func (f *fakeServiceRepository) setShippingOption(option repository.ShippingOption) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shippingOptions[option.ID] = option
}

func (f *fakeServiceRepository) eventTypes() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()

	types := make([]string, 0, len(f.events))
	for _, event := range f.events {
		types = append(types, event.Resource+":"+event.EventType)
	}
	return types
}

type notifyingFakeServiceRepository struct {
	*fakeServiceRepository
	invalidations chan struct{}
}

func newNotifyingFakeServiceRepository() *notifyingFakeServiceRepository {
	return &notifyingFakeServiceRepository{
		fakeServiceRepository: newFakeServiceRepository(),
		invalidations:         make(chan struct{}, 1),
	}
}

func (f *notifyingFakeServiceRepository) SubscribeRuleInvalidation(_ context.Context) (<-chan struct{}, error) {
	return f.invalidations, nil
}

func (f *notifyingFakeServiceRepository) notifyInvalidation() {
	select {
	case f.invalidations <- struct{}{}:
	default:
	}
}

type resubscribingFakeServiceRepository struct {
	*fakeServiceRepository
	invalidationMu sync.Mutex
	invalidations  chan struct{}
	subscriptions  int
}

func newResubscribingFakeServiceRepository() *resubscribingFakeServiceRepository {
	return &resubscribingFakeServiceRepository{
		fakeServiceRepository: newFakeServiceRepository(),
		invalidations:         make(chan struct{}, 1),
	}
}

func (f *resubscribingFakeServiceRepository) SubscribeRuleInvalidation(_ context.Context) (<-chan struct{}, error) {
	f.invalidationMu.Lock()
	defer f.invalidationMu.Unlock()

	if f.invalidations == nil {
		f.invalidations = make(chan struct{}, 1)
	}
	f.subscriptions++
	return f.invalidations, nil
}

func (f *resubscribingFakeServiceRepository) closeInvalidationChannel() {
	f.invalidationMu.Lock()
	ch := f.invalidations
	f.invalidations = nil
	f.invalidationMu.Unlock()

	if ch != nil {
		close(ch)
	}
}

func (f *resubscribingFakeServiceRepository) notifyInvalidation() {
	f.invalidationMu.Lock()
	ch := f.invalidations
	f.invalidationMu.Unlock()
	if ch == nil {
		return
	}

	select {
	case ch <- struct{}{}:
	default:
	}
}

func (f *resubscribingFakeServiceRepository) subscriptionCalls() int {
	f.invalidationMu.Lock()
	defer f.invalidationMu.Unlock()
	return f.subscriptions
}

// Package service implements promoz business logic on top of the repository:
// write-time validation, an in-memory snapshot cache kept fresh through
// invalidation notifications, and code/shipping evaluation through the pure
// evaluators in package core.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/matt-riley/promoz/internal/repository"
)

const (
	EventTypeUpdated           = "updated"
	EventTypeDeleted           = "deleted"
	bestEffortTimeout          = 2 * time.Second
	defaultCacheResyncInterval = time.Minute
	cacheReloadTimeout         = 5 * time.Second
)

var tracer = otel.Tracer("github.com/matt-riley/promoz/internal/service")

var (
	ErrDiscountNotFound       = errors.New("discount not found")
	ErrCodeNotFound           = errors.New("discount code not found")
	ErrShippingOptionNotFound = errors.New("shipping option not found")
	ErrInvalidDiscount        = errors.New("invalid discount")
	ErrInvalidConditions      = errors.New("invalid conditions")
	ErrInvalidCode            = errors.New("invalid discount code")
	ErrInvalidShippingOption  = errors.New("invalid shipping option")
	ErrInvalidRequest         = errors.New("invalid request")
	ErrAlreadyExists          = errors.New("already exists")
	// ErrRuleEvaluation marks stored rules that cannot be evaluated, such as
	// a condition with an operator this build does not know.
	ErrRuleEvaluation         = errors.New("rule evaluation failed")
)

type Repository interface {
	CreateDiscount(ctx context.Context, discount repository.Discount) (repository.Discount, error)
	UpdateDiscount(ctx context.Context, discount repository.Discount) (repository.Discount, error)
	GetDiscount(ctx context.Context, id string) (repository.Discount, error)
	ListDiscounts(ctx context.Context) ([]repository.Discount, error)
	DeleteDiscount(ctx context.Context, id string) error

	CreateDiscountCode(ctx context.Context, code repository.DiscountCode) (repository.DiscountCode, error)
	GetDiscountCode(ctx context.Context, code string) (repository.DiscountCode, error)
	ListDiscountCodes(ctx context.Context) ([]repository.DiscountCode, error)
	DeleteDiscountCode(ctx context.Context, code string) error
	IncrementCodeUsage(ctx context.Context, code string, now time.Time) (repository.DiscountCode, error)

	CreateShippingOption(ctx context.Context, option repository.ShippingOption) (repository.ShippingOption, error)
	UpdateShippingOption(ctx context.Context, option repository.ShippingOption) (repository.ShippingOption, error)
	GetShippingOption(ctx context.Context, id string) (repository.ShippingOption, error)
	ListShippingOptions(ctx context.Context) ([]repository.ShippingOption, error)
	DeleteShippingOption(ctx context.Context, id string) error

	ListEventsSince(ctx context.Context, eventID int64, limit int) ([]repository.RuleEvent, error)
	PublishRuleEvent(ctx context.Context, event repository.RuleEvent) (repository.RuleEvent, error)
}

type ruleSnapshotLoader interface {
	LoadRuleSnapshot(ctx context.Context) (repository.RuleSnapshot, error)
}

type cacheInvalidationSubscriber interface {
	SubscribeRuleInvalidation(ctx context.Context) (<-chan struct{}, error)
}

// Option configures a [Service].
type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithCacheMetrics registers callbacks fired on cache activity. onCacheReset
// runs once per reload before onCacheUpdate is called for every resource.
// Nil callbacks are ignored.
func WithCacheMetrics(onCacheLoad, onInvalidation, onCacheReset func(), onCacheUpdate func(resource string, size float64)) Option {
	return func(s *Service) {
		s.onCacheLoad = onCacheLoad
		s.onInvalidation = onInvalidation
		s.onCacheReset = onCacheReset
		s.onCacheUpdate = onCacheUpdate
	}
}

// WithEvaluationObserver registers a callback fired once per code validation,
// redemption and shipping quote.
func WithEvaluationObserver(observe func(kind, result string)) Option {
	return func(s *Service) {
		s.onEvaluation = observe
	}
}

func WithCacheResyncInterval(interval time.Duration) Option {
	return func(s *Service) {
		if interval > 0 {
			s.resyncInterval = interval
		}
	}
}

// WithEventBatchSize caps how many events one ListEventsSince call returns.
func WithEventBatchSize(size int) Option {
	return func(s *Service) {
		if size > 0 {
			s.eventBatchSize = size
		}
	}
}

// WithClock overrides the evaluation instant source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

type Service struct {
	repo           Repository
	logger         *slog.Logger
	now            func() time.Time
	resyncInterval time.Duration
	eventBatchSize int

	onCacheLoad    func()
	onInvalidation func()
	onCacheReset   func()
	onCacheUpdate  func(resource string, size float64)
	onEvaluation   func(kind, result string)

	mu              sync.RWMutex
	discounts       map[string]repository.Discount
	codes           map[string]repository.DiscountCode
	shippingOptions map[string]repository.ShippingOption
}

// New builds a Service, loads every rule into the cache and, when repo
// supports it, starts listening for invalidations until ctx is done.
func New(ctx context.Context, repo Repository, opts ...Option) (*Service, error) {
	if repo == nil {
		return nil, errors.New("repository is nil")
	}

	svc := &Service{
		repo:            repo,
		logger:          slog.Default(),
		now:             time.Now,
		resyncInterval:  defaultCacheResyncInterval,
		discounts:       make(map[string]repository.Discount),
		codes:           make(map[string]repository.DiscountCode),
		shippingOptions: make(map[string]repository.ShippingOption),
	}
	for _, opt := range opts {
		opt(svc)
	}

	if err := svc.LoadCache(ctx); err != nil {
		return nil, err
	}
	if subscriber, ok := repo.(cacheInvalidationSubscriber); ok {
		if err := svc.startCacheInvalidationListener(ctx, subscriber); err != nil {
			return nil, err
		}
	}

	return svc, nil
}

// LoadCache replaces the cached snapshots with the current repository state.
func (s *Service) LoadCache(ctx context.Context) error {
	snapshot, err := s.loadRuleSnapshot(ctx)
	if err != nil {
		return err
	}
	discounts, codes, options := snapshot.Discounts, snapshot.Codes, snapshot.ShippingOptions

	if s.onCacheLoad != nil {
		s.onCacheLoad()
	}

	nextDiscounts := make(map[string]repository.Discount, len(discounts))
	for _, discount := range discounts {
		nextDiscounts[discount.ID] = discount
	}
	nextCodes := make(map[string]repository.DiscountCode, len(codes))
	for _, code := range codes {
		nextCodes[code.Code] = code
	}
	nextOptions := make(map[string]repository.ShippingOption, len(options))
	for _, option := range options {
		nextOptions[option.ID] = option
	}

	s.mu.Lock()
	s.discounts = nextDiscounts
	s.codes = nextCodes
	s.shippingOptions = nextOptions
	s.mu.Unlock()

	if s.onCacheReset != nil {
		s.onCacheReset()
	}
	if s.onCacheUpdate != nil {
		s.onCacheUpdate(repository.ResourceDiscount, float64(len(nextDiscounts)))
		s.onCacheUpdate(repository.ResourceDiscountCode, float64(len(nextCodes)))
		s.onCacheUpdate(repository.ResourceShippingOption, float64(len(nextOptions)))
	}

	return nil
}

// loadRuleSnapshot prefers a single consistent read. Repositories without
// one are read table by table, and a code may then briefly point at a
// discount missing from the cache until GetDiscount falls back to storage.
func (s *Service) loadRuleSnapshot(ctx context.Context) (repository.RuleSnapshot, error) {
	if loader, ok := s.repo.(ruleSnapshotLoader); ok {
		snapshot, err := loader.LoadRuleSnapshot(ctx)
		if err != nil {
			return repository.RuleSnapshot{}, fmt.Errorf("load rule snapshot: %w", err)
		}
		return snapshot, nil
	}

	var (
		snapshot repository.RuleSnapshot
		err      error
	)
	if snapshot.Discounts, err = s.repo.ListDiscounts(ctx); err != nil {
		return repository.RuleSnapshot{}, fmt.Errorf("load discounts: %w", err)
	}
	if snapshot.Codes, err = s.repo.ListDiscountCodes(ctx); err != nil {
		return repository.RuleSnapshot{}, fmt.Errorf("load discount codes: %w", err)
	}
	if snapshot.ShippingOptions, err = s.repo.ListShippingOptions(ctx); err != nil {
		return repository.RuleSnapshot{}, fmt.Errorf("load shipping options: %w", err)
	}
	return snapshot, nil
}

// ListEventsSince returns rule change events newer than eventID.
func (s *Service) ListEventsSince(ctx context.Context, eventID int64) ([]repository.RuleEvent, error) {
	events, err := s.repo.ListEventsSince(ctx, eventID, s.eventBatchSize)
	if err != nil {
		return nil, fmt.Errorf("list events since %d: %w", eventID, err)
	}

	return events, nil
}

func (s *Service) startCacheInvalidationListener(ctx context.Context, subscriber cacheInvalidationSubscriber) error {
	invalidations, err := subscriber.SubscribeRuleInvalidation(ctx)
	if err != nil {
		return fmt.Errorf("subscribe cache invalidation: %w", err)
	}

	go func() {
		resyncTicker := time.NewTicker(s.resyncInterval)
		defer resyncTicker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-resyncTicker.C:
				if invalidations == nil {
					next, err := subscriber.SubscribeRuleInvalidation(ctx)
					if err == nil {
						invalidations = next
					}
				}
				s.reloadCache(ctx)
			case _, ok := <-invalidations:
				if !ok {
					next, err := subscriber.SubscribeRuleInvalidation(ctx)
					if err != nil {
						s.logger.Warn("resubscribe cache invalidation failed", "error", err)
						invalidations = nil
						continue
					}
					invalidations = next
					continue
				}
				if s.onInvalidation != nil {
					s.onInvalidation()
				}
				s.reloadCache(ctx)
			}
		}
	}()

	return nil
}

func (s *Service) reloadCache(ctx context.Context) {
	reloadCtx, cancel := context.WithTimeout(ctx, cacheReloadTimeout)
	defer cancel()
	if err := s.LoadCache(reloadCtx); err != nil && ctx.Err() == nil {
		s.logger.Warn("reload rule cache failed", "error", err)
	}
}

func (s *Service) publishEventBestEffort(ctx context.Context, resource, key, eventType string, payload any) {
	// Mutations have already committed before events are published.
	publishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bestEffortTimeout)
	defer cancel()
	if err := s.publishEvent(publishCtx, resource, key, eventType, payload); err != nil {
		s.logger.Warn("publish rule event failed", "resource", resource, "key", key, "event_type", eventType, "error", err)
	}
}

func (s *Service) publishEvent(ctx context.Context, resource, key, eventType string, payload any) error {
	serialized, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s event payload: %w", eventType, err)
	}

	_, err = s.repo.PublishRuleEvent(ctx, repository.RuleEvent{
		Resource:    resource,
		ResourceKey: key,
		EventType:   eventType,
		Payload:     serialized,
	})
	if err != nil {
		return fmt.Errorf("publish %s event: %w", eventType, err)
	}

	return nil
}

func (s *Service) recordEvaluation(kind, result string) {
	if s.onEvaluation != nil {
		s.onEvaluation(kind, result)
	}
}

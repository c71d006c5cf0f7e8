package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	domain "github.com/anonline/farm2fork-v3-sub000/internal/domain"
	"github.com/anonline/farm2fork-v3-sub000/internal/repositories"
)

const defaultCatalogCacheTTL = time.Minute

// CatalogServiceDeps bundles collaborators required to construct the catalog service.
type CatalogServiceDeps struct {
	Catalog  repositories.CatalogRepository
	Policies TierPolicies
	CacheTTL time.Duration
	Clock    func() time.Time
	Logger   func(ctx context.Context, event string, fields map[string]any)
}

type catalogService struct {
	catalog  repositories.CatalogRepository
	policies TierPolicies
	cache    *catalogCache
	logger   func(context.Context, string, map[string]any)
}

var _ CatalogService = (*catalogService)(nil)

// NewCatalogService builds the shipping/payment method lookup with a short-lived snapshot cache.
func NewCatalogService(deps CatalogServiceDeps) (CatalogService, error) {
	if deps.Catalog == nil {
		return nil, errors.New("catalog service: catalog repository is required")
	}
	policies := deps.Policies
	if policies == nil {
		policies = DefaultTierPolicies()
	}
	ttl := deps.CacheTTL
	if ttl <= 0 {
		ttl = defaultCatalogCacheTTL
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &catalogService{
		catalog:  deps.Catalog,
		policies: policies,
		cache:    &catalogCache{ttl: ttl, now: clock},
		logger:   logger,
	}, nil
}

func (s *catalogService) Snapshot(ctx context.Context) (CatalogSnapshot, error) {
	if snap, ok := s.cache.get(); ok {
		return snap, nil
	}
	shipping, err := s.catalog.ListShippingMethods(ctx)
	if err != nil {
		return CatalogSnapshot{}, fmt.Errorf("catalog: list shipping methods: %w", err)
	}
	for i := range shipping {
		switch shipping[i].Category {
		case domain.ShippingCategoryPickup, domain.ShippingCategoryHomeDelivery:
		default:
			shipping[i].Category = ResolveShippingCategory(shipping[i].Name)
		}
	}
	payment, err := s.catalog.ListPaymentMethods(ctx)
	if err != nil {
		return CatalogSnapshot{}, fmt.Errorf("catalog: list payment methods: %w", err)
	}
	snap := CatalogSnapshot{ShippingMethods: shipping, PaymentMethods: payment}
	s.cache.put(snap)
	s.logger(ctx, "catalog.snapshot.loaded", map[string]any{
		"shippingMethods": len(shipping),
		"paymentMethods":  len(payment),
	})
	return snap, nil
}

func (s *catalogService) ShippingMethods(ctx context.Context, query ShippingMethodQuery) ([]ShippingMethod, error) {
	if !query.Tier.Valid() {
		return nil, fmt.Errorf("%w: unknown customer tier %q", ErrPricingInvalidInput, query.Tier)
	}
	snap, err := s.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return AvailableShippingMethods(snap.ShippingMethods, query.Tier, ShippingThresholdBase(query.Subtotal, query.Surcharge)), nil
}

func (s *catalogService) PaymentMethods(ctx context.Context, query PaymentMethodQuery) ([]PaymentMethod, error) {
	if !query.Tier.Valid() {
		return nil, fmt.Errorf("%w: unknown customer tier %q", ErrPricingInvalidInput, query.Tier)
	}
	snap, err := s.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	shipping, ok := FindShippingMethod(snap.ShippingMethods, query.ShippingMethodID)
	if !ok {
		return nil, fmt.Errorf("%w: shipping method %q not found", ErrNoEligibleMethod, query.ShippingMethodID)
	}
	return AvailablePaymentMethods(snap.PaymentMethods, query.Tier, shipping.Category, s.policies), nil
}

type catalogCache struct {
	ttl     time.Duration
	now     func() time.Time
	mu      sync.RWMutex
	snap    CatalogSnapshot
	expires time.Time
	loaded  bool
}

func (c *catalogCache) get() (CatalogSnapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.loaded || c.now().After(c.expires) {
		return CatalogSnapshot{}, false
	}
	return c.snap, true
}

func (c *catalogCache) put(snap CatalogSnapshot) {
	c.mu.Lock()
	c.snap = snap
	c.expires = c.now().Add(c.ttl)
	c.loaded = true
	c.mu.Unlock()
}

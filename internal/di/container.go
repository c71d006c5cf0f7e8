package di

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	domain "github.com/anonline/farm2fork-v3-sub000/internal/domain"
	"github.com/anonline/farm2fork-v3-sub000/internal/platform/config"
	"github.com/anonline/farm2fork-v3-sub000/internal/platform/observability"
	"github.com/anonline/farm2fork-v3-sub000/internal/repositories"
	"github.com/anonline/farm2fork-v3-sub000/internal/services"
)

// Services bundles the service-layer contracts that handlers rely upon.
type Services struct {
	Catalog  services.CatalogService
	Checkout services.CheckoutService
	Orders   services.OrderService
	System   services.SystemService
}

// Adapters carries the infrastructure implementations behind the service ports. Gateway,
// Invoices and Locker are required; Drafts falls back to process memory and a nil Notifier,
// Events publisher or InvoicePayments checker disables that side effect.
type Adapters struct {
	Gateway         services.PaymentGateway
	Invoices        services.InvoiceIssuer
	InvoicePayments services.InvoicePaymentChecker
	Notifier        services.Notifier
	Events          services.OrderEventPublisher
	Locker          services.OrderLocker
	Drafts          services.DraftStore
	Build           services.BuildInfo
	Logger          *zap.Logger
	Clock           func() time.Time
}

// Container wires repositories and services for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Services     Services
}

// NewContainer constructs the runtime dependencies. Tests can supply in-memory registries and
// stub adapters.
func NewContainer(cfg config.Config, reg repositories.Registry, adapters Adapters) (*Container, error) {
	if reg == nil {
		return nil, errors.New("repositories registry is required")
	}

	svc, err := buildServices(cfg, reg, adapters)
	if err != nil {
		return nil, err
	}

	return &Container{
		Config:       cfg,
		Repositories: reg,
		Services:     svc,
	}, nil
}

// Close releases the repository clients.
func (c *Container) Close(ctx context.Context) error {
	if c == nil || c.Repositories == nil {
		return nil
	}
	return c.Repositories.Close(ctx)
}

func buildServices(cfg config.Config, reg repositories.Registry, adapters Adapters) (Services, error) {
	logger := adapters.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := adapters.Clock
	if clock == nil {
		clock = time.Now
	}
	policies := TierPolicies(cfg.Checkout)
	drafts := adapters.Drafts
	if drafts == nil {
		drafts = services.NewMemoryDraftStore()
	}

	var svc Services

	catalogSvc, err := services.NewCatalogService(services.CatalogServiceDeps{
		Catalog:  reg.Catalog(),
		Policies: policies,
		CacheTTL: cfg.Checkout.CatalogCacheTTL,
		Clock:    clock,
		Logger:   observability.EventLogger(logger.Named("catalog")),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build catalog service: %w", err)
	}
	svc.Catalog = catalogSvc

	orderSvc, err := services.NewOrderService(services.OrderServiceDeps{
		Orders:            reg.Orders(),
		UnitOfWork:        reg,
		Locker:            adapters.Locker,
		Gateway:           adapters.Gateway,
		Invoices:          adapters.Invoices,
		InvoicePayments:   adapters.InvoicePayments,
		Notifier:          adapters.Notifier,
		Events:            adapters.Events,
		Policies:          policies,
		PaymentDueDays:    cfg.Checkout.PaymentDueDays,
		Currency:          cfg.Checkout.Currency,
		InvoiceCheckPause: cfg.Scheduler.InvoiceCheckPause,
		Clock:             clock,
		Logger:            observability.EventLogger(logger.Named("orders")),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build order service: %w", err)
	}
	svc.Orders = orderSvc

	var slots services.DeliverySlotProvider
	if calendar := reg.Calendar(); calendar != nil {
		slots, err = services.NewDeliverySlotService(services.DeliverySlotServiceDeps{
			Calendar: calendar,
			Clock:    clock,
			Logger:   observability.EventLogger(logger.Named("delivery_slots")),
		})
		if err != nil {
			return Services{}, fmt.Errorf("build delivery slot service: %w", err)
		}
	}

	checkoutSvc, err := services.NewCheckoutService(services.CheckoutServiceDeps{
		Catalog:           catalogSvc,
		Orders:            orderSvc,
		Drafts:            drafts,
		Policies:          policies,
		Slots:             slots,
		SimplePaymentSlug: cfg.Checkout.SimplePaymentSlug,
		Clock:             clock,
		Logger:            observability.EventLogger(logger.Named("checkout")),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build checkout service: %w", err)
	}
	svc.Checkout = checkoutSvc

	if health := reg.Health(); health != nil {
		systemSvc, err := services.NewSystemService(services.SystemServiceDeps{
			Health: health,
			Clock:  clock,
			Build:  adapters.Build,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build system service: %w", err)
		}
		svc.System = systemSvc
	}

	return svc, nil
}

// TierPolicies applies the configured surcharge and minimum purchase settings to the default
// tier table. Config keys are tier names.
func TierPolicies(cfg config.CheckoutConfig) services.TierPolicies {
	surcharges := make(map[domain.CustomerTier]decimal.Decimal, len(cfg.SurchargePercent))
	for name, pct := range cfg.SurchargePercent {
		surcharges[domain.CustomerTier(name)] = pct
	}
	minimums := make(map[domain.CustomerTier]int64, len(cfg.MinimumPurchase))
	for name, amount := range cfg.MinimumPurchase {
		minimums[domain.CustomerTier(name)] = amount
	}
	return services.DefaultTierPolicies().WithCheckoutSettings(surcharges, minimums)
}

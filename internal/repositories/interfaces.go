package repositories

import (
	"context"
	"time"

	domain "github.com/anonline/farm2fork-v3-sub000/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Orders() OrderRepository
	Catalog() CatalogRepository
	Calendar() DeliveryCalendarRepository
	Health() HealthRepository
	UnitOfWork
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// UnitOfWork allows grouping repository operations in a transactional boundary when supported.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// OrderRepository persists order aggregates.
type OrderRepository interface {
	Insert(ctx context.Context, order domain.Order) error
	// Update writes the order only if the stored document was last updated at expectedUpdatedAt.
	// A mismatch must surface as a RepositoryError with IsConflict.
	Update(ctx context.Context, order domain.Order, expectedUpdatedAt time.Time) error
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	// ListAwaitingPayment returns up to limit orders whose payment is still pending and that
	// carry a live invoice, in a stable order across calls.
	ListAwaitingPayment(ctx context.Context, limit int) ([]domain.Order, error)
}

// CatalogRepository reads shipping and payment reference data in display order.
type CatalogRepository interface {
	ListShippingMethods(ctx context.Context) ([]domain.ShippingMethod, error)
	ListPaymentMethods(ctx context.Context) ([]domain.PaymentMethod, error)
}

// DeliveryCalendarRepository reads the delivery schedule maintained by back-office staff.
type DeliveryCalendarRepository interface {
	ShippingZones(ctx context.Context, postalCode string) ([]domain.ShippingZone, error)
	PickupLocation(ctx context.Context, locationID string) (domain.PickupLocation, error)
	// DeniedDates returns the YYYY-MM-DD days on which nothing is delivered or handed out.
	DeniedDates(ctx context.Context) ([]string, error)
}

// HealthRepository collects dependency checks for readiness checks.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}

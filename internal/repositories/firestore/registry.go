package firestore

import (
	"context"
	"errors"

	"cloud.google.com/go/firestore"

	pfirestore "github.com/anonline/farm2fork-v3-sub000/internal/platform/firestore"
	"github.com/anonline/farm2fork-v3-sub000/internal/repositories"
)

// Registry wires the Firestore repositories behind repositories.Registry.
type Registry struct {
	provider *pfirestore.Provider
	orders   *OrderRepository
	catalog  *CatalogRepository
	calendar *CalendarRepository
	health   repositories.HealthRepository
}

var _ repositories.Registry = (*Registry)(nil)

// NewRegistry builds every repository on the shared provider. Health checks are assembled by the
// caller because they span backends other than Firestore.
func NewRegistry(provider *pfirestore.Provider, health repositories.HealthRepository) (*Registry, error) {
	if provider == nil {
		return nil, errors.New("firestore registry: provider is required")
	}
	if health == nil {
		return nil, errors.New("firestore registry: health repository is required")
	}
	orders, err := NewOrderRepository(provider)
	if err != nil {
		return nil, err
	}
	catalog, err := NewCatalogRepository(provider)
	if err != nil {
		return nil, err
	}
	calendar, err := NewCalendarRepository(provider)
	if err != nil {
		return nil, err
	}
	return &Registry{provider: provider, orders: orders, catalog: catalog, calendar: calendar, health: health}, nil
}

func (r *Registry) Orders() repositories.OrderRepository              { return r.orders }
func (r *Registry) Catalog() repositories.CatalogRepository           { return r.catalog }
func (r *Registry) Calendar() repositories.DeliveryCalendarRepository { return r.calendar }
func (r *Registry) Health() repositories.HealthRepository             { return r.health }

// RunInTx runs fn in a Firestore transaction; repository calls made with the passed context join it.
// fn may run more than once when Firestore retries on contention.
func (r *Registry) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return r.provider.RunTransaction(ctx, func(txCtx context.Context, _ *firestore.Transaction) error {
		return fn(txCtx)
	})
}

// Close releases the Firestore client.
func (r *Registry) Close(ctx context.Context) error {
	return r.provider.Close(ctx)
}

//go:build integration

package firestore

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/anonline/farm2fork-v3-sub000/internal/domain"
	pconfig "github.com/anonline/farm2fork-v3-sub000/internal/platform/config"
	pfirestore "github.com/anonline/farm2fork-v3-sub000/internal/platform/firestore"
	"github.com/anonline/farm2fork-v3-sub000/internal/platform/firestore/firestoretest"
	"github.com/anonline/farm2fork-v3-sub000/internal/repositories"
)

func newEmulatorProvider(t *testing.T, project string) *pfirestore.Provider {
	t.Helper()
	endpoint := firestoretest.StartEmulator(t)
	provider := pfirestore.NewProvider(pconfig.FirestoreConfig{ProjectID: project, EmulatorHost: endpoint})
	t.Cleanup(func() { _ = provider.Close(context.Background()) })
	return provider
}

func TestOrderRepositoryIntegration(t *testing.T) {
	provider := newEmulatorProvider(t, "orders-test")
	repo, err := NewOrderRepository(provider)
	if err != nil {
		t.Fatalf("new order repository: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	order := sampleOrder()
	if err := repo.Insert(ctx, order); err != nil {
		t.Fatalf("insert: %v", err)
	}
	var repoErr repositories.RepositoryError
	if err := repo.Insert(ctx, order); !errors.As(err, &repoErr) || !repoErr.IsConflict() {
		t.Fatalf("expected conflict on duplicate insert, got %v", err)
	}

	stored, err := repo.FindByID(ctx, order.ID)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if !stored.Items[0].Quantity.Equal(order.Items[0].Quantity) || stored.Total != order.Total {
		t.Fatalf("unexpected stored order %+v", stored)
	}

	next := stored
	next.Status = domain.OrderStatusShipping
	next.UpdatedAt = stored.UpdatedAt.Add(time.Minute)
	if err := repo.Update(ctx, next, order.UpdatedAt); err != nil {
		t.Fatalf("update with nanosecond expected time: %v", err)
	}

	stale := stored
	stale.Status = domain.OrderStatusCancelled
	if err := repo.Update(ctx, stale, stored.UpdatedAt); !errors.As(err, &repoErr) || !repoErr.IsConflict() {
		t.Fatalf("expected conflict for stale update, got %v", err)
	}

	if _, err := repo.FindByID(ctx, "missing"); !errors.As(err, &repoErr) || !repoErr.IsNotFound() {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCatalogRepositoryIntegration(t *testing.T) {
	provider := newEmulatorProvider(t, "catalog-test")
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	shipping := pfirestore.NewCollection[shippingMethodDocument](provider, shippingMethodCollection)
	for id, doc := range map[string]shippingMethodDocument{
		"home":   {Name: "Házhozszállítás", Category: "home_delivery", VATPercent: "27", Enabled: true, SortOrder: 2, NetCost: tierAmountsDocument{Public: 1000}},
		"pickup": {Name: "Személyes átvétel", Category: "pickup", Enabled: true, SortOrder: 1, Eligible: tierFlagsDocument{Public: true, VIP: true}},
	} {
		if err := shipping.Set(ctx, id, doc); err != nil {
			t.Fatalf("seed %s: %v", id, err)
		}
	}
	payment := pfirestore.NewCollection[paymentMethodDocument](provider, paymentMethodCollection)
	if err := payment.Set(ctx, "cash", paymentMethodDocument{Slug: "cash", Type: "cod", AdditionalCost: 300, Enabled: true}); err != nil {
		t.Fatalf("seed payment: %v", err)
	}

	repo, err := NewCatalogRepository(provider)
	if err != nil {
		t.Fatalf("new catalog repository: %v", err)
	}
	methods, err := repo.ListShippingMethods(ctx)
	if err != nil {
		t.Fatalf("list shipping: %v", err)
	}
	if len(methods) != 2 || methods[0].ID != "pickup" || methods[1].VATPercent.String() != "27" {
		t.Fatalf("unexpected shipping methods %+v", methods)
	}
	if !methods[0].Eligible.For(domain.TierVIP) || methods[0].Eligible.For(domain.TierCompany) {
		t.Fatalf("unexpected eligibility %+v", methods[0].Eligible)
	}
	pays, err := repo.ListPaymentMethods(ctx)
	if err != nil || len(pays) != 1 || pays[0].Type != domain.PaymentTypeCOD {
		t.Fatalf("unexpected payment methods %+v (%v)", pays, err)
	}
}

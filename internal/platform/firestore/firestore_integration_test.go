//go:build integration

package firestore_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"cloud.google.com/go/firestore"

	pconfig "github.com/anonline/farm2fork-v3-sub000/internal/platform/config"
	pfirestore "github.com/anonline/farm2fork-v3-sub000/internal/platform/firestore"
	"github.com/anonline/farm2fork-v3-sub000/internal/platform/firestore/firestoretest"
)

type stockEntry struct {
	Name     string `firestore:"name"`
	Quantity int    `firestore:"quantity"`
}

type classified interface {
	IsNotFound() bool
	IsConflict() bool
}

func TestCollectionAndTransactions(t *testing.T) {
	endpoint := firestoretest.StartEmulator(t)
	provider := pfirestore.NewProvider(pconfig.FirestoreConfig{ProjectID: "farm-test", EmulatorHost: endpoint})
	t.Cleanup(func() { _ = provider.Close(context.Background()) })

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := provider.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}

	coll := pfirestore.NewCollection[stockEntry](provider, "stock")
	if err := coll.Create(ctx, "carrot", stockEntry{Name: "Sárgarépa", Quantity: 1}); err != nil {
		t.Fatalf("create: %v", err)
	}

	var cls classified
	err := coll.Create(ctx, "carrot", stockEntry{Name: "dup"})
	if !errors.As(err, &cls) || !cls.IsConflict() {
		t.Fatalf("expected conflict on duplicate create, got %v", err)
	}
	_, err = coll.Get(ctx, "missing")
	if !errors.As(err, &cls) || !cls.IsNotFound() {
		t.Fatalf("expected not found, got %v", err)
	}

	err = provider.RunTransaction(ctx, func(txCtx context.Context, _ *firestore.Transaction) error {
		doc, err := coll.Get(txCtx, "carrot")
		if err != nil {
			return err
		}
		doc.Data.Quantity += 2
		// Nested calls join the outer transaction.
		return provider.RunTransaction(txCtx, func(inner context.Context, _ *firestore.Transaction) error {
			return coll.Set(inner, "carrot", doc.Data)
		})
	})
	if err != nil {
		t.Fatalf("transaction: %v", err)
	}

	docs, err := coll.Query(ctx, func(q firestore.Query) firestore.Query { return q.OrderBy("name", firestore.Asc) })
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(docs) != 1 || docs[0].Data.Quantity != 3 || docs[0].UpdateTime.IsZero() {
		t.Fatalf("unexpected documents %+v", docs)
	}

	cancelled, stop := context.WithCancel(context.Background())
	stop()
	if err := provider.RunTransaction(cancelled, func(context.Context, *firestore.Transaction) error { return nil }); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context canceled, got %v", err)
	}
}

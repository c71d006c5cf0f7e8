package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
)

// Document is a decoded snapshot with its server timestamps.
type Document[T any] struct {
	ID         string
	Data       T
	CreateTime time.Time
	UpdateTime time.Time
}

// QueryBuilder customises Firestore queries before execution.
type QueryBuilder func(query firestore.Query) firestore.Query

// Collection gives typed access to one top-level collection. Reads and writes join the
// transaction bound to ctx by RunTransaction when one is present.
type Collection[T any] struct {
	provider *Provider
	name     string
}

// NewCollection binds a typed collection helper to the provider.
func NewCollection[T any](provider *Provider, name string) *Collection[T] {
	return &Collection[T]{provider: provider, name: strings.TrimSpace(name)}
}

// Create writes a new document and fails with a conflict when the ID is taken.
func (c *Collection[T]) Create(ctx context.Context, id string, value T) error {
	doc, err := c.doc(ctx, id)
	if err != nil {
		return err
	}
	if tx, ok := TransactionFrom(ctx); ok {
		return WrapError(c.op("create"), tx.Create(doc, value))
	}
	_, err = doc.Create(ctx, value)
	return WrapError(c.op("create"), err)
}

// Set overwrites the document.
func (c *Collection[T]) Set(ctx context.Context, id string, value T) error {
	doc, err := c.doc(ctx, id)
	if err != nil {
		return err
	}
	if tx, ok := TransactionFrom(ctx); ok {
		return WrapError(c.op("set"), tx.Set(doc, value))
	}
	_, err = doc.Set(ctx, value)
	return WrapError(c.op("set"), err)
}

// Get loads and decodes the document.
func (c *Collection[T]) Get(ctx context.Context, id string) (Document[T], error) {
	doc, err := c.doc(ctx, id)
	if err != nil {
		return Document[T]{}, err
	}
	var snap *firestore.DocumentSnapshot
	if tx, ok := TransactionFrom(ctx); ok {
		snap, err = tx.Get(doc)
	} else {
		snap, err = doc.Get(ctx)
	}
	if err != nil {
		return Document[T]{}, WrapError(c.op("get"), err)
	}
	return decode[T](snap)
}

// Query runs the built query outside any transaction and decodes every result.
func (c *Collection[T]) Query(ctx context.Context, build QueryBuilder) ([]Document[T], error) {
	coll, err := c.collection(ctx)
	if err != nil {
		return nil, err
	}
	query := coll.Query
	if build != nil {
		query = build(query)
	}

	iter := query.Documents(ctx)
	defer iter.Stop()

	var docs []Document[T]
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, WrapError(c.op("query"), err)
		}
		decoded, err := decode[T](snap)
		if err != nil {
			return nil, err
		}
		docs = append(docs, decoded)
	}
	return docs, nil
}

func decode[T any](snap *firestore.DocumentSnapshot) (Document[T], error) {
	var data T
	if err := snap.DataTo(&data); err != nil {
		return Document[T]{}, fmt.Errorf("firestore: decode document %s: %w", snap.Ref.ID, err)
	}
	return Document[T]{
		ID:         snap.Ref.ID,
		Data:       data,
		CreateTime: snap.CreateTime,
		UpdateTime: snap.UpdateTime,
	}, nil
}

func (c *Collection[T]) collection(ctx context.Context) (*firestore.CollectionRef, error) {
	if c == nil || c.provider == nil {
		return nil, errors.New("firestore: provider is nil")
	}
	if c.name == "" {
		return nil, errors.New("firestore: collection name is required")
	}
	client, err := c.provider.Client(ctx)
	if err != nil {
		return nil, err
	}
	return client.Collection(c.name), nil
}

func (c *Collection[T]) doc(ctx context.Context, id string) (*firestore.DocumentRef, error) {
	if strings.TrimSpace(id) == "" {
		return nil, WrapError(c.op("document"), errors.New("firestore: document id is required"))
	}
	coll, err := c.collection(ctx)
	if err != nil {
		return nil, err
	}
	return coll.Doc(id), nil
}

func (c *Collection[T]) op(action string) string {
	return c.name + "." + action
}

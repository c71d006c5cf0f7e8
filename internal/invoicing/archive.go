package invoicing

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/anonline/farm2fork-v3-sub000/internal/platform/storage"
	"github.com/anonline/farm2fork-v3-sub000/internal/services"
)

// DocumentSource downloads rendered invoice PDFs.
type DocumentSource interface {
	Download(ctx context.Context, id int64) ([]byte, error)
}

// ObjectStore persists archived documents.
type ObjectStore interface {
	Put(ctx context.Context, bucket, object string, body io.Reader, attrs storage.ObjectAttrs) error
}

// ArchiveDeps wires the archiving issuer.
type ArchiveDeps struct {
	Issuer services.InvoiceIssuer
	Source DocumentSource
	Store  ObjectStore
	Bucket string
	Prefix string
	Logger Logger
}

// ArchivingIssuer copies every issued invoice and storno PDF into Cloud Storage. Archive
// failures are logged and never fail the invoicing call.
type ArchivingIssuer struct {
	next   services.InvoiceIssuer
	source DocumentSource
	store  ObjectStore
	bucket string
	prefix string
	logger Logger
}

var _ services.InvoiceIssuer = (*ArchivingIssuer)(nil)

// NewArchivingIssuer decorates issuer with archiving.
func NewArchivingIssuer(deps ArchiveDeps) (*ArchivingIssuer, error) {
	if deps.Issuer == nil {
		return nil, errors.New("invoicing: issuer is required")
	}
	if deps.Source == nil || deps.Store == nil {
		return nil, errors.New("invoicing: archive source and store are required")
	}
	bucket := strings.TrimSpace(deps.Bucket)
	if bucket == "" {
		return nil, errors.New("invoicing: archive bucket is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &ArchivingIssuer{
		next:   deps.Issuer,
		source: deps.Source,
		store:  deps.Store,
		bucket: bucket,
		prefix: deps.Prefix,
		logger: logger,
	}, nil
}

// Issue issues the invoice and archives its PDF, recording the object path on success.
func (a *ArchivingIssuer) Issue(ctx context.Context, snapshot services.InvoiceSnapshot) (services.InvoiceResult, error) {
	result, err := a.next.Issue(ctx, snapshot)
	if err != nil {
		return result, err
	}
	path, err := a.archive(ctx, storage.PurposeInvoice, storage.PathParams{OrderID: snapshot.Order.ID}, result.InvoiceID, result.Number)
	if err != nil {
		a.logger(ctx, "invoicing.archive.failed", map[string]any{
			"orderID":   snapshot.Order.ID,
			"invoiceID": result.InvoiceID,
			"error":     err.Error(),
		})
		return result, nil
	}
	result.ArchivePath = path
	return result, nil
}

// Storno reverses the invoice and archives the storno PDF under the original invoice id.
func (a *ArchivingIssuer) Storno(ctx context.Context, invoiceID string) (services.StornoResult, error) {
	result, err := a.next.Storno(ctx, invoiceID)
	if err != nil {
		return result, err
	}
	params := storage.PathParams{InvoiceID: invoiceID}
	if _, err := a.archive(ctx, storage.PurposeStorno, params, result.StornoInvoiceID, result.StornoNumber); err != nil {
		a.logger(ctx, "invoicing.archive.failed", map[string]any{
			"invoiceID": invoiceID,
			"stornoID":  result.StornoInvoiceID,
			"error":     err.Error(),
		})
	}
	return result, nil
}

func (a *ArchivingIssuer) archive(ctx context.Context, purpose storage.DocumentPurpose, params storage.PathParams, documentID, number string) (string, error) {
	id, err := ParseDocumentID(documentID)
	if err != nil {
		return "", err
	}
	name := strings.TrimSpace(number)
	if name == "" {
		name = documentID
	}
	params.Prefix = a.prefix
	params.InvoiceNumber = name
	path, err := storage.BuildObjectPath(purpose, params)
	if err != nil {
		return "", err
	}
	pdf, err := a.source.Download(ctx, id)
	if err != nil {
		return "", fmt.Errorf("download document %d: %w", id, err)
	}
	err = a.store.Put(ctx, a.bucket, path, bytes.NewReader(pdf), storage.ObjectAttrs{
		ContentType:        "application/pdf",
		ContentDisposition: fmt.Sprintf("attachment; filename=%q", name+".pdf"),
		Metadata: map[string]string{
			"orderId":    params.OrderID,
			"invoiceId":  params.InvoiceID,
			"documentId": documentID,
			"kind":       string(purpose),
		},
	})
	if err != nil && !errors.Is(err, storage.ErrObjectExists) {
		return "", err
	}
	a.logger(ctx, "invoicing.archive.stored", map[string]any{
		"object": path,
		"bytes":  len(pdf),
	})
	return path, nil
}

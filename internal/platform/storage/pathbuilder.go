package storage

import (
	"fmt"
	"strings"
	"sync"
)

// DocumentPurpose selects the storage layout for an archived document.
type DocumentPurpose string

const (
	PurposeInvoice DocumentPurpose = "invoice"
	PurposeStorno  DocumentPurpose = "storno"
)

// PathParams provide the identifiers composed into object keys.
type PathParams struct {
	Prefix        string
	OrderID       string
	InvoiceID     string
	InvoiceNumber string
	FileName      string
}

// PathBuilder composes the object path for a given purpose.
type PathBuilder func(PathParams) (string, error)

var (
	pathBuilders = map[DocumentPurpose]PathBuilder{
		PurposeInvoice: buildDocumentPath("orders", "orderID", func(p PathParams) string { return p.OrderID }, "invoices"),
		PurposeStorno:  buildDocumentPath("invoices", "invoiceID", func(p PathParams) string { return p.InvoiceID }, "storno"),
	}
	pathBuildersMu sync.RWMutex
)

// RegisterPathBuilder overrides or registers a builder for a specific purpose.
func RegisterPathBuilder(purpose DocumentPurpose, builder PathBuilder) {
	pathBuildersMu.Lock()
	defer pathBuildersMu.Unlock()
	if builder == nil {
		delete(pathBuilders, purpose)
		return
	}
	pathBuilders[purpose] = builder
}

// BuildObjectPath resolves the storage object path for the given purpose.
func BuildObjectPath(purpose DocumentPurpose, params PathParams) (string, error) {
	pathBuildersMu.RLock()
	builder, ok := pathBuilders[purpose]
	pathBuildersMu.RUnlock()
	if !ok {
		return "", fmt.Errorf("storage: unsupported document purpose %q", purpose)
	}
	return builder(params)
}

func buildDocumentPath(root, field string, owner func(PathParams) string, kind string) PathBuilder {
	return func(params PathParams) (string, error) {
		ownerID, err := validateSegment(field, owner(params))
		if err != nil {
			return "", err
		}
		name := strings.TrimSpace(params.FileName)
		if name == "" && strings.TrimSpace(params.InvoiceNumber) != "" {
			// Invoice numbers look like "F2F-2025/00012"; slashes cannot appear in a file name.
			number := strings.NewReplacer("/", "-", "\\", "-").Replace(strings.TrimSpace(params.InvoiceNumber))
			name = number + ".pdf"
		}
		fileName, err := validateFileName(name)
		if err != nil {
			return "", err
		}
		path := fmt.Sprintf("%s/%s/%s/%s", root, ownerID, kind, fileName)
		if prefix := strings.Trim(strings.TrimSpace(params.Prefix), "/"); prefix != "" {
			if strings.Contains(prefix, "..") {
				return "", fmt.Errorf("storage: prefix contains invalid traversal sequence")
			}
			path = prefix + "/" + path
		}
		return path, nil
	}
}

func validateSegment(name, value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", fmt.Errorf("storage: %s is required", name)
	}
	if strings.ContainsAny(value, "/\\") {
		return "", fmt.Errorf("storage: %s contains invalid path characters", name)
	}
	if strings.Contains(value, "..") {
		return "", fmt.Errorf("storage: %s contains invalid traversal sequence", name)
	}
	return value, nil
}

func validateFileName(value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", fmt.Errorf("storage: fileName is required")
	}
	if strings.ContainsAny(value, "/\\") {
		return "", fmt.Errorf("storage: fileName contains invalid path characters")
	}
	if strings.Contains(value, "..") {
		return "", fmt.Errorf("storage: fileName contains invalid traversal sequence")
	}
	return value, nil
}

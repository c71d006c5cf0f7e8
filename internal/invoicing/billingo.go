package invoicing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	gax "github.com/googleapis/gax-go/v2"
)

const (
	// DefaultBaseURL is the Billingo v3 REST endpoint.
	DefaultBaseURL = "https://api.billingo.hu/v3"

	defaultTimeout     = 15 * time.Second
	defaultMaxAttempts = 3
	maxErrorBody       = 4 << 10
	maxDocumentBody    = 20 << 20
)

// ErrNotReady is returned when Billingo has not rendered the document PDF yet.
var ErrNotReady = errors.New("billingo: document not ready")

// APIError is a non-2xx response from Billingo.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("billingo: http %d", e.Status)
	}
	return fmt.Sprintf("billingo: http %d: %s", e.Status, e.Message)
}

// Temporary reports whether the request may succeed when retried.
func (e *APIError) Temporary() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= http.StatusInternalServerError
}

// Client talks to the Billingo REST API.
type Client struct {
	baseURL     string
	apiKey      string
	http        *http.Client
	maxAttempts int
	backoff     gax.Backoff
}

// ClientOption customises the Billingo client.
type ClientOption func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithRetry configures how often idempotent requests are attempted.
func WithRetry(attempts int, backoff gax.Backoff) ClientOption {
	return func(c *Client) {
		if attempts > 0 {
			c.maxAttempts = attempts
		}
		c.backoff = backoff
	}
}

// NewClient constructs a Billingo client.
func NewClient(baseURL, apiKey string, timeout time.Duration, opts ...ClientOption) (*Client, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, errors.New("billingo: api key is required")
	}
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("billingo: invalid base url: %w", err)
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	client := &Client{
		baseURL:     baseURL,
		apiKey:      apiKey,
		http:        &http.Client{Timeout: timeout},
		maxAttempts: defaultMaxAttempts,
		backoff:     gax.Backoff{Initial: 200 * time.Millisecond, Max: 2 * time.Second, Multiplier: 2},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(client)
		}
	}
	return client, nil
}

// Partner tax types.
const (
	TaxTypeHasTaxNumber = "HAS_TAX_NUMBER"
	TaxTypeNoTaxNumber  = "NO_TAX_NUMBER"
)

// PartnerAddress is the postal address of a partner.
type PartnerAddress struct {
	CountryCode string `json:"country_code"`
	PostCode    string `json:"post_code"`
	City        string `json:"city"`
	Address     string `json:"address"`
}

// Partner is an invoice recipient.
type Partner struct {
	ID      int64           `json:"id,omitempty"`
	Name    string          `json:"name"`
	Address *PartnerAddress `json:"address,omitempty"`
	Emails  []string        `json:"emails,omitempty"`
	Taxcode string          `json:"taxcode,omitempty"`
	TaxType string          `json:"tax_type,omitempty"`
	Phone   string          `json:"phone,omitempty"`
}

// DocumentItem is one invoice line.
type DocumentItem struct {
	Name          string  `json:"name"`
	UnitPrice     float64 `json:"unit_price"`
	UnitPriceType string  `json:"unit_price_type"`
	Quantity      float64 `json:"quantity"`
	Unit          string  `json:"unit"`
	VAT           string  `json:"vat"`
	Comment       string  `json:"comment,omitempty"`
}

// DocumentInsert is the payload creating an invoice.
type DocumentInsert struct {
	PartnerID       int64          `json:"partner_id"`
	BlockID         int            `json:"block_id"`
	Type            string         `json:"type"`
	FulfillmentDate string         `json:"fulfillment_date"`
	DueDate         string         `json:"due_date"`
	PaymentMethod   string         `json:"payment_method"`
	Language        string         `json:"language"`
	Currency        string         `json:"currency"`
	ConversionRate  float64        `json:"conversion_rate"`
	Electronic      bool           `json:"electronic"`
	Paid            bool           `json:"paid"`
	VendorID        string         `json:"vendor_id,omitempty"`
	Comment         string         `json:"comment,omitempty"`
	Items           []DocumentItem `json:"items"`
}

// Document payment statuses reported by Billingo.
const (
	DocumentPaid        = "paid"
	DocumentOutstanding = "outstanding"
)

// Document is the subset of the Billingo document the order engine keeps.
type Document struct {
	ID            int64   `json:"id"`
	InvoiceNumber string  `json:"invoice_number"`
	Type          string  `json:"type"`
	VendorID      string  `json:"vendor_id"`
	Cancelled     bool    `json:"cancelled"`
	GrossTotal    float64 `json:"gross_total"`
	PaymentStatus string  `json:"payment_status"`
}

type documentList struct {
	Data     []Document `json:"data"`
	LastPage int        `json:"last_page"`
}

type partnerList struct {
	Data     []Partner `json:"data"`
	LastPage int       `json:"last_page"`
}

// FindPartners lists partners whose name matches query.
func (c *Client) FindPartners(ctx context.Context, query string) ([]Partner, error) {
	values := url.Values{}
	values.Set("page", "1")
	values.Set("per_page", "100")
	values.Set("query", query)
	var out partnerList
	if err := c.do(ctx, http.MethodGet, "/partners?"+values.Encode(), nil, &out, true); err != nil {
		return nil, err
	}
	return out.Data, nil
}

// CreatePartner registers a new partner.
func (c *Client) CreatePartner(ctx context.Context, partner Partner) (Partner, error) {
	var out Partner
	err := c.do(ctx, http.MethodPost, "/partners", partner, &out, false)
	return out, err
}

// UpdatePartner replaces the stored partner.
func (c *Client) UpdatePartner(ctx context.Context, partner Partner) (Partner, error) {
	var out Partner
	err := c.do(ctx, http.MethodPut, "/partners/"+strconv.FormatInt(partner.ID, 10), partner, &out, true)
	return out, err
}

// CreateDocument issues an invoice. It is never retried to avoid duplicate invoices.
func (c *Client) CreateDocument(ctx context.Context, doc DocumentInsert) (Document, error) {
	var out Document
	err := c.do(ctx, http.MethodPost, "/documents", doc, &out, false)
	return out, err
}

// FindDocuments lists the first page of documents matching query.
func (c *Client) FindDocuments(ctx context.Context, query string) ([]Document, error) {
	values := url.Values{}
	values.Set("page", "1")
	values.Set("per_page", "100")
	values.Set("query", query)
	var out documentList
	if err := c.do(ctx, http.MethodGet, "/documents?"+values.Encode(), nil, &out, true); err != nil {
		return nil, err
	}
	return out.Data, nil
}

// GetDocument reads one document.
func (c *Client) GetDocument(ctx context.Context, id int64) (Document, error) {
	var out Document
	err := c.do(ctx, http.MethodGet, "/documents/"+strconv.FormatInt(id, 10), nil, &out, true)
	return out, err
}

// PaymentStatus reports the Billingo payment status of a document, such as "paid".
func (c *Client) PaymentStatus(ctx context.Context, id int64) (string, error) {
	doc, err := c.GetDocument(ctx, id)
	if err != nil {
		return "", err
	}
	return doc.PaymentStatus, nil
}

// CancelDocument creates the storno document for id.
func (c *Client) CancelDocument(ctx context.Context, id int64) (Document, error) {
	var out Document
	err := c.do(ctx, http.MethodPost, "/documents/"+strconv.FormatInt(id, 10)+"/cancel", nil, &out, false)
	return out, err
}

// PublicURL returns the customer-facing download link of a document.
func (c *Client) PublicURL(ctx context.Context, id int64) (string, error) {
	var out struct {
		PublicURL string `json:"public_url"`
	}
	if err := c.do(ctx, http.MethodGet, "/documents/"+strconv.FormatInt(id, 10)+"/public-url", nil, &out, true); err != nil {
		return "", err
	}
	return out.PublicURL, nil
}

// Download fetches the rendered PDF of a document.
func (c *Client) Download(ctx context.Context, id int64) ([]byte, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/documents/"+strconv.FormatInt(id, 10)+"/download", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/pdf")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("billingo: download document: %w", err)
	}
	defer resp.Body.Close()
	// Billingo answers 202 while the PDF is still being generated.
	if resp.StatusCode == http.StatusAccepted {
		return nil, ErrNotReady
	}
	if resp.StatusCode != http.StatusOK {
		return nil, decodeAPIError(resp)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentBody))
	if err != nil {
		return nil, fmt.Errorf("billingo: read document: %w", err)
	}
	return data, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any, retry bool) error {
	var payload []byte
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("billingo: encode request: %w", err)
		}
		payload = encoded
	}

	attempts := 1
	if retry {
		attempts = c.maxAttempts
	}
	backoff := c.backoff
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = c.once(ctx, method, path, payload, out)
		if lastErr == nil {
			return nil
		}
		var apiErr *APIError
		if errors.As(lastErr, &apiErr) && !apiErr.Temporary() {
			return lastErr
		}
		if attempt == attempts {
			break
		}
		if err := gax.Sleep(ctx, backoff.Pause()); err != nil {
			return err
		}
	}
	return lastErr
}

func (c *Client) once(ctx context.Context, method, path string, payload []byte, out any) error {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("billingo: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeAPIError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("billingo: decode %s response: %w", path, err)
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("billingo: build request: %w", err)
	}
	req.Header.Set("X-API-KEY", c.apiKey)
	return req, nil
}

func decodeAPIError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	apiErr := &APIError{Status: resp.StatusCode}
	var envelope struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &envelope); err == nil {
		apiErr.Message = envelope.Error.Message
		if apiErr.Message == "" {
			apiErr.Message = envelope.Message
		}
	}
	if apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(raw))
	}
	return apiErr
}

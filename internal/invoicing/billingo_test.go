package invoicing

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	gax "github.com/googleapis/gax-go/v2"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/anonline/farm2fork-v3-sub000/internal/domain"
	"github.com/anonline/farm2fork-v3-sub000/internal/services"
)

type fakeBillingo struct {
	mu           sync.Mutex
	partners     []Partner
	createdDocs  []DocumentInsert
	partnerPosts []Partner
	partnerPuts  []Partner
	listFailures int
	listCalls    int
	apiKeys      []string
	documents    []Document
	docListDown  bool
	cancelCalls  int
}

func (f *fakeBillingo) document(id string) (Document, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, doc := range f.documents {
		if strconv.FormatInt(doc.ID, 10) == id {
			return doc, true
		}
	}
	return Document{}, false
}

func (f *fakeBillingo) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /partners", func(w http.ResponseWriter, r *http.Request) {
		f.record(r)
		f.mu.Lock()
		f.listCalls++
		fail := f.listCalls <= f.listFailures
		f.mu.Unlock()
		if fail {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = io.WriteString(w, `{"error":{"message":"maintenance"}}`)
			return
		}
		assert.Equal(t, "Kiss Anna", r.URL.Query().Get("query"))
		writeJSON(w, http.StatusOK, partnerList{Data: f.partners, LastPage: 1})
	})
	mux.HandleFunc("POST /partners", func(w http.ResponseWriter, r *http.Request) {
		f.record(r)
		var p Partner
		require.NoError(t, json.NewDecoder(r.Body).Decode(&p))
		f.mu.Lock()
		f.partnerPosts = append(f.partnerPosts, p)
		f.mu.Unlock()
		p.ID = 501
		writeJSON(w, http.StatusCreated, p)
	})
	mux.HandleFunc("PUT /partners/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.record(r)
		var p Partner
		require.NoError(t, json.NewDecoder(r.Body).Decode(&p))
		f.mu.Lock()
		f.partnerPuts = append(f.partnerPuts, p)
		f.mu.Unlock()
		writeJSON(w, http.StatusOK, p)
	})
	mux.HandleFunc("POST /documents", func(w http.ResponseWriter, r *http.Request) {
		f.record(r)
		var doc DocumentInsert
		require.NoError(t, json.NewDecoder(r.Body).Decode(&doc))
		created := Document{ID: 9001, InvoiceNumber: "F2F-2025/00012", Type: doc.Type, VendorID: doc.VendorID, PaymentStatus: DocumentOutstanding}
		f.mu.Lock()
		f.createdDocs = append(f.createdDocs, doc)
		f.documents = append(f.documents, created)
		f.mu.Unlock()
		writeJSON(w, http.StatusCreated, created)
	})
	mux.HandleFunc("GET /documents", func(w http.ResponseWriter, r *http.Request) {
		f.record(r)
		if f.docListDown {
			writeJSON(w, http.StatusBadGateway, map[string]any{"error": map[string]string{"message": "upstream"}})
			return
		}
		query := r.URL.Query().Get("query")
		var out []Document
		f.mu.Lock()
		for _, doc := range f.documents {
			if doc.VendorID == query || doc.InvoiceNumber == query {
				out = append(out, doc)
			}
		}
		f.mu.Unlock()
		writeJSON(w, http.StatusOK, documentList{Data: out, LastPage: 1})
	})
	mux.HandleFunc("GET /documents/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.record(r)
		doc, ok := f.document(r.PathValue("id"))
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]any{"error": map[string]string{"message": "Document not found"}})
			return
		}
		writeJSON(w, http.StatusOK, doc)
	})
	mux.HandleFunc("GET /documents/{id}/public-url", func(w http.ResponseWriter, r *http.Request) {
		f.record(r)
		writeJSON(w, http.StatusOK, map[string]string{"public_url": "https://billingo.example/public/" + r.PathValue("id")})
	})
	mux.HandleFunc("POST /documents/{id}/cancel", func(w http.ResponseWriter, r *http.Request) {
		f.record(r)
		if r.PathValue("id") != "9001" {
			writeJSON(w, http.StatusNotFound, map[string]any{"error": map[string]string{"message": "Document not found"}})
			return
		}
		f.mu.Lock()
		f.cancelCalls++
		for idx := range f.documents {
			if f.documents[idx].ID == 9001 {
				f.documents[idx].Cancelled = true
			}
		}
		f.mu.Unlock()
		writeJSON(w, http.StatusOK, Document{ID: 9002, InvoiceNumber: "F2F-2025/00013", Type: "cancellation"})
	})
	mux.HandleFunc("GET /documents/{id}/download", func(w http.ResponseWriter, r *http.Request) {
		f.record(r)
		if r.PathValue("id") == "1" {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		w.Header().Set("Content-Type", "application/pdf")
		_, _ = io.WriteString(w, "%PDF-1.7 invoice")
	})
	return mux
}

func (f *fakeBillingo) record(r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.apiKeys = append(f.apiKeys, r.Header.Get("X-API-KEY"))
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func newTestBillingo(t *testing.T, fake *fakeBillingo) *Client {
	t.Helper()
	srv := httptest.NewServer(fake.handler(t))
	t.Cleanup(srv.Close)
	client, err := NewClient(srv.URL+"/", "test-key", time.Second,
		WithRetry(3, gax.Backoff{Initial: time.Millisecond, Max: time.Millisecond, Multiplier: 1}))
	require.NoError(t, err)
	return client
}

var issueNow = time.Date(2025, time.March, 10, 9, 30, 0, 0, time.UTC)

func testOrder() domain.Order {
	return domain.Order{
		ID:           "ord_1",
		CustomerID:   "cust-1",
		CustomerName: "Kiss Anna",
		Tier:         domain.TierPublic,
		Items: []domain.LineItem{
			{ID: "li1", Name: "Alma", Unit: "kg", Quantity: decimal.RequireFromString("1.5"), NetPrice: 787, GrossPrice: 1000, VATPercent: decimal.NewFromInt(27)},
			{ID: "li2", Name: "Tojás", Quantity: decimal.NewFromInt(10), NetPrice: 95, GrossPrice: 100, VATPercent: decimal.NewFromInt(5), Note: "M méret"},
		},
		Shipping:           domain.ShippingSelection{MethodID: "home", Name: "Házhozszállítás", Cost: 1270, VAT: 270},
		Payment:            domain.PaymentSelection{MethodID: "cod", Slug: "cod", Type: domain.PaymentTypeCOD},
		BillingAddress:     &domain.Address{Name: "Kiss Anna", PostalCode: "1111", City: "Budapest", Street: "Fő utca 1.", Email: "anna@example.com", Phone: "+3612345678"},
		NotificationEmails: []string{"anna@example.com"},
		Surcharge:          0,
		Discount:           200,
	}
}

func TestIssueCreatesPartnerAndInvoice(t *testing.T) {
	fake := &fakeBillingo{}
	client := newTestBillingo(t, fake)
	issuer, err := NewBillingoIssuer(IssuerDeps{API: client, BlockID: 7, Clock: func() time.Time { return issueNow }})
	require.NoError(t, err)

	res, err := issuer.Issue(context.Background(), services.InvoiceSnapshot{
		Order:   testOrder(),
		DueDate: issueNow.AddDate(0, 0, 8),
		Comment: "Kapucsengő nem működik",
	})
	require.NoError(t, err)
	assert.Equal(t, "9001", res.InvoiceID)
	assert.Equal(t, "F2F-2025/00012", res.Number)
	assert.Equal(t, "https://billingo.example/public/9001", res.DownloadURL)

	require.Len(t, fake.partnerPosts, 1)
	partner := fake.partnerPosts[0]
	assert.Equal(t, "Kiss Anna", partner.Name)
	assert.Equal(t, TaxTypeNoTaxNumber, partner.TaxType)
	assert.Equal(t, []string{"anna@example.com"}, partner.Emails)
	require.NotNil(t, partner.Address)
	assert.Equal(t, "HU", partner.Address.CountryCode)

	require.Len(t, fake.createdDocs, 1)
	doc := fake.createdDocs[0]
	assert.Equal(t, int64(501), doc.PartnerID)
	assert.Equal(t, 7, doc.BlockID)
	assert.Equal(t, "2025-03-10", doc.FulfillmentDate)
	assert.Equal(t, "2025-03-18", doc.DueDate)
	assert.Equal(t, PaymentCashOnDelivery, doc.PaymentMethod)
	assert.Equal(t, "HUF", doc.Currency)
	assert.False(t, doc.Paid)
	assert.True(t, doc.Electronic)
	assert.Equal(t, "ord_1", doc.VendorID)
	assert.Equal(t, "Rendelés: ord_1\nKapucsengő nem működik", doc.Comment)

	require.Len(t, doc.Items, 4)
	assert.Equal(t, DocumentItem{Name: "Alma", UnitPrice: 1000, UnitPriceType: "gross", Quantity: 1.5, Unit: "kg", VAT: "27%"}, doc.Items[0])
	assert.Equal(t, "5%", doc.Items[1].VAT)
	assert.Equal(t, "db", doc.Items[1].Unit)
	assert.Equal(t, "M méret", doc.Items[1].Comment)
	assert.Equal(t, shippingLineName, doc.Items[2].Name)
	assert.Equal(t, float64(1270), doc.Items[2].UnitPrice)
	assert.Equal(t, "27%", doc.Items[2].VAT)
	assert.Equal(t, discountLineName, doc.Items[3].Name)
	assert.Equal(t, float64(-200), doc.Items[3].UnitPrice)

	for _, key := range fake.apiKeys {
		assert.Equal(t, "test-key", key)
	}
}

func TestIssueReusesMatchingPartnerAndRetriesLookup(t *testing.T) {
	fake := &fakeBillingo{
		listFailures: 2,
		partners: []Partner{
			{ID: 11, Name: "Kiss Anna", TaxType: TaxTypeNoTaxNumber, Emails: []string{"other@example.com"}},
			{ID: 12, Name: "Kiss Anna", TaxType: TaxTypeNoTaxNumber, Emails: []string{"ANNA@example.com"}},
		},
	}
	client := newTestBillingo(t, fake)
	issuer, err := NewBillingoIssuer(IssuerDeps{API: client, Clock: func() time.Time { return issueNow }})
	require.NoError(t, err)

	order := testOrder()
	order.Tier = domain.TierVIP
	order.Payment = domain.PaymentSelection{Slug: "simple", Type: domain.PaymentTypeOnline}
	order.Surcharge = 150
	_, err = issuer.Issue(context.Background(), services.InvoiceSnapshot{Order: order})
	require.NoError(t, err)

	assert.Equal(t, 3, fake.listCalls)
	assert.Empty(t, fake.partnerPosts)
	require.Len(t, fake.partnerPuts, 1)
	assert.Equal(t, int64(12), fake.partnerPuts[0].ID)
	assert.Equal(t, "+3612345678", fake.partnerPuts[0].Phone)

	doc := fake.createdDocs[0]
	assert.Equal(t, int64(12), doc.PartnerID)
	assert.Equal(t, PaymentOnlineBankcard, doc.PaymentMethod)
	assert.True(t, doc.Paid)
	assert.Equal(t, "2025-04-09", doc.DueDate)
	assert.Equal(t, "net", doc.Items[0].UnitPriceType)
	assert.Equal(t, float64(787), doc.Items[0].UnitPrice)
	assert.Equal(t, surchargeLineName, doc.Items[3].Name)
}

func TestIssueMatchesCompanyByTaxNumber(t *testing.T) {
	fake := &fakeBillingo{
		partners: []Partner{
			{ID: 21, Name: "Kiss Anna", TaxType: TaxTypeHasTaxNumber, Taxcode: "12345678-2-41"},
		},
	}
	client := newTestBillingo(t, fake)
	issuer, err := NewBillingoIssuer(IssuerDeps{API: client, Clock: func() time.Time { return issueNow }})
	require.NoError(t, err)

	order := testOrder()
	order.Tier = domain.TierCompany
	order.BillingAddress.TaxNumber = "12345678-2-41"
	_, err = issuer.Issue(context.Background(), services.InvoiceSnapshot{Order: order, Paid: true})
	require.NoError(t, err)
	assert.Equal(t, int64(21), fake.createdDocs[0].PartnerID)
	assert.True(t, fake.createdDocs[0].Paid)
}

func TestStornoReturnsReversingDocument(t *testing.T) {
	fake := &fakeBillingo{documents: []Document{{ID: 9001, InvoiceNumber: "F2F-2025/00012", Type: "invoice", VendorID: "ord_1"}}}
	client := newTestBillingo(t, fake)
	issuer, err := NewBillingoIssuer(IssuerDeps{API: client})
	require.NoError(t, err)

	res, err := issuer.Storno(context.Background(), "9001")
	require.NoError(t, err)
	assert.Equal(t, services.StornoResult{StornoInvoiceID: "9002", StornoNumber: "F2F-2025/00013"}, res)

	_, err = issuer.Storno(context.Background(), "404")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
	assert.Equal(t, "Document not found", apiErr.Message)
	assert.False(t, apiErr.Temporary())

	_, err = issuer.Storno(context.Background(), "INV-1")
	assert.ErrorIs(t, err, ErrInvalidInvoiceID)
}

func TestIssueReusesInvoiceFromEarlierAttempt(t *testing.T) {
	fake := &fakeBillingo{}
	client := newTestBillingo(t, fake)
	issuer, err := NewBillingoIssuer(IssuerDeps{API: client, Clock: func() time.Time { return issueNow }})
	require.NoError(t, err)

	first, err := issuer.Issue(context.Background(), services.InvoiceSnapshot{Order: testOrder()})
	require.NoError(t, err)
	assert.False(t, first.AlreadyApplied)

	again, err := issuer.Issue(context.Background(), services.InvoiceSnapshot{Order: testOrder()})
	require.NoError(t, err)
	assert.True(t, again.AlreadyApplied)
	assert.Equal(t, first.InvoiceID, again.InvoiceID)
	assert.Equal(t, first.Number, again.Number)
	assert.Len(t, fake.createdDocs, 1)
}

func TestIssueRefusesWhenLookupFails(t *testing.T) {
	fake := &fakeBillingo{docListDown: true}
	client := newTestBillingo(t, fake)
	issuer, err := NewBillingoIssuer(IssuerDeps{API: client, Clock: func() time.Time { return issueNow }})
	require.NoError(t, err)

	_, err = issuer.Issue(context.Background(), services.InvoiceSnapshot{Order: testOrder()})
	require.Error(t, err)
	assert.Empty(t, fake.createdDocs)
}

func TestStornoToleratesAlreadyCancelledInvoice(t *testing.T) {
	fake := &fakeBillingo{documents: []Document{{ID: 9001, InvoiceNumber: "F2F-2025/00012", Type: "invoice", VendorID: "ord_1"}}}
	client := newTestBillingo(t, fake)
	issuer, err := NewBillingoIssuer(IssuerDeps{API: client})
	require.NoError(t, err)

	_, err = issuer.Storno(context.Background(), "9001")
	require.NoError(t, err)

	res, err := issuer.Storno(context.Background(), "9001")
	require.NoError(t, err)
	assert.True(t, res.AlreadyApplied)
	assert.Equal(t, 1, fake.cancelCalls)
}

func TestInvoicePaid(t *testing.T) {
	fake := &fakeBillingo{documents: []Document{
		{ID: 9001, Type: "invoice", PaymentStatus: DocumentPaid},
		{ID: 9003, Type: "invoice", PaymentStatus: DocumentOutstanding},
		{ID: 9004, Type: "invoice", PaymentStatus: DocumentPaid, Cancelled: true},
	}}
	client := newTestBillingo(t, fake)
	issuer, err := NewBillingoIssuer(IssuerDeps{API: client})
	require.NoError(t, err)

	paid, err := issuer.InvoicePaid(context.Background(), "9001")
	require.NoError(t, err)
	assert.True(t, paid)

	paid, err = issuer.InvoicePaid(context.Background(), "9003")
	require.NoError(t, err)
	assert.False(t, paid)

	paid, err = issuer.InvoicePaid(context.Background(), "9004")
	require.NoError(t, err)
	assert.False(t, paid, "cancelled invoices never count as paid")

	_, err = issuer.InvoicePaid(context.Background(), "9999")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
}

func TestDownloadReportsPendingDocument(t *testing.T) {
	client := newTestBillingo(t, &fakeBillingo{})

	_, err := client.Download(context.Background(), 1)
	assert.ErrorIs(t, err, ErrNotReady)

	pdf, err := client.Download(context.Background(), 9001)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(pdf), "%PDF"))
}

func TestNewClientRequiresAPIKey(t *testing.T) {
	_, err := NewClient("", " ", 0)
	assert.Error(t, err)

	client, err := NewClient("", "key", 0)
	require.NoError(t, err)
	assert.Equal(t, DefaultBaseURL, client.baseURL)
}

func TestIssueRejectsEmptyOrder(t *testing.T) {
	issuer, err := NewBillingoIssuer(IssuerDeps{API: &Client{}})
	require.NoError(t, err)
	_, err = issuer.Issue(context.Background(), services.InvoiceSnapshot{Order: domain.Order{ID: "ord_empty"}})
	assert.True(t, errors.Is(err, ErrNoLines))
}

func TestVATCodeAndPaymentMapping(t *testing.T) {
	assert.Equal(t, "27%", VATCode(decimal.NewFromInt(27)))
	assert.Equal(t, "5.5%", VATCode(decimal.RequireFromString("5.5")))
	assert.Equal(t, "0%", VATCode(decimal.Zero))
	assert.Equal(t, "27%", VATCode(decimal.NewFromInt(40)))

	assert.Equal(t, PaymentWireTransfer, MapPaymentMethod(domain.PaymentSelection{Slug: "utalas"}))
	assert.Equal(t, PaymentCash, MapPaymentMethod(domain.PaymentSelection{Slug: "cash"}))
	assert.Equal(t, PaymentCashOnDelivery, MapPaymentMethod(domain.PaymentSelection{Slug: "kartya-atvetelkor", Type: domain.PaymentTypeCOD}))
	assert.Equal(t, PaymentOther, MapPaymentMethod(domain.PaymentSelection{Slug: "voucher"}))

	assert.Equal(t, "18%", shippingVAT(domain.ShippingSelection{Cost: 1180, VAT: 180}))
	assert.Equal(t, "27%", shippingVAT(domain.ShippingSelection{Cost: 1000}))
}

package firestore

import (
	"context"
	"errors"

	"cloud.google.com/go/firestore"

	domain "github.com/anonline/farm2fork-v3-sub000/internal/domain"
	pfirestore "github.com/anonline/farm2fork-v3-sub000/internal/platform/firestore"
	"github.com/anonline/farm2fork-v3-sub000/internal/repositories"
)

const (
	shippingMethodCollection = "shippingMethods"
	paymentMethodCollection  = "paymentMethods"
)

// CatalogRepository reads shipping and payment methods maintained by back-office staff.
type CatalogRepository struct {
	shipping *pfirestore.Collection[shippingMethodDocument]
	payment  *pfirestore.Collection[paymentMethodDocument]
}

// NewCatalogRepository constructs a Firestore-backed catalog repository.
func NewCatalogRepository(provider *pfirestore.Provider) (*CatalogRepository, error) {
	if provider == nil {
		return nil, errors.New("catalog repository requires firestore provider")
	}
	return &CatalogRepository{
		shipping: pfirestore.NewCollection[shippingMethodDocument](provider, shippingMethodCollection),
		payment:  pfirestore.NewCollection[paymentMethodDocument](provider, paymentMethodCollection),
	}, nil
}

var _ repositories.CatalogRepository = (*CatalogRepository)(nil)

func bySortOrder(q firestore.Query) firestore.Query {
	return q.OrderBy("sortOrder", firestore.Asc)
}

// ListShippingMethods returns every shipping method, disabled ones included, in display order.
func (r *CatalogRepository) ListShippingMethods(ctx context.Context) ([]domain.ShippingMethod, error) {
	docs, err := r.shipping.Query(ctx, bySortOrder)
	if err != nil {
		return nil, err
	}
	methods := make([]domain.ShippingMethod, 0, len(docs))
	for _, doc := range docs {
		d := doc.Data
		methods = append(methods, domain.ShippingMethod{
			ID:          doc.ID,
			Name:        d.Name,
			Description: d.Description,
			Category:    domain.ShippingCategory(d.Category),
			Eligible:    d.Eligible.flags(),
			MinNetPrice: d.MinNetPrice,
			MaxNetPrice: d.MaxNetPrice,
			NetCost:     domain.TierAmounts{Public: d.NetCost.Public, VIP: d.NetCost.VIP, Company: d.NetCost.Company},
			ApplyVAT:    d.ApplyVAT.flags(),
			VATPercent:  parseDecimal(d.VATPercent),
			Enabled:     d.Enabled,
			SortOrder:   d.SortOrder,
		})
	}
	return methods, nil
}

// ListPaymentMethods returns every payment method, disabled ones included, in display order.
func (r *CatalogRepository) ListPaymentMethods(ctx context.Context) ([]domain.PaymentMethod, error) {
	docs, err := r.payment.Query(ctx, bySortOrder)
	if err != nil {
		return nil, err
	}
	methods := make([]domain.PaymentMethod, 0, len(docs))
	for _, doc := range docs {
		d := doc.Data
		methods = append(methods, domain.PaymentMethod{
			ID:             doc.ID,
			Slug:           d.Slug,
			Name:           d.Name,
			Description:    d.Description,
			Type:           domain.PaymentType(d.Type),
			Eligible:       d.Eligible.flags(),
			AdditionalCost: d.AdditionalCost,
			Enabled:        d.Enabled,
			SortOrder:      d.SortOrder,
		})
	}
	return methods, nil
}

type tierFlagsDocument struct {
	Public  bool `firestore:"public"`
	VIP     bool `firestore:"vip"`
	Company bool `firestore:"company"`
}

func (f tierFlagsDocument) flags() domain.TierFlags {
	return domain.TierFlags{Public: f.Public, VIP: f.VIP, Company: f.Company}
}

type tierAmountsDocument struct {
	Public  int64 `firestore:"public"`
	VIP     int64 `firestore:"vip"`
	Company int64 `firestore:"company"`
}

type shippingMethodDocument struct {
	Name        string              `firestore:"name"`
	Description string              `firestore:"description,omitempty"`
	Category    string              `firestore:"category"`
	Eligible    tierFlagsDocument   `firestore:"eligible"`
	MinNetPrice int64               `firestore:"minNetPrice"`
	MaxNetPrice int64               `firestore:"maxNetPrice"`
	NetCost     tierAmountsDocument `firestore:"netCost"`
	ApplyVAT    tierFlagsDocument   `firestore:"applyVat"`
	VATPercent  string              `firestore:"vatPercent"`
	Enabled     bool                `firestore:"enabled"`
	SortOrder   int                 `firestore:"sortOrder"`
}

type paymentMethodDocument struct {
	Slug           string            `firestore:"slug"`
	Name           string            `firestore:"name"`
	Description    string            `firestore:"description,omitempty"`
	Type           string            `firestore:"type"`
	Eligible       tierFlagsDocument `firestore:"eligible"`
	AdditionalCost int64             `firestore:"additionalCost"`
	Enabled        bool              `firestore:"enabled"`
	SortOrder      int               `firestore:"sortOrder"`
}

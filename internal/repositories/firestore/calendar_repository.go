package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/anonline/farm2fork-v3-sub000/internal/domain"
	pfirestore "github.com/anonline/farm2fork-v3-sub000/internal/platform/firestore"
	"github.com/anonline/farm2fork-v3-sub000/internal/repositories"
)

const (
	shippingZoneCollection   = "shippingZones"
	pickupLocationCollection = "pickupLocations"
	deniedDateCollection     = "deniedShippingDates"
)

// CalendarRepository reads shipping zones, pickup opening hours and denied delivery days.
type CalendarRepository struct {
	zones   *pfirestore.Collection[shippingZoneDocument]
	pickups *pfirestore.Collection[pickupLocationDocument]
	denied  *pfirestore.Collection[deniedDateDocument]
}

// NewCalendarRepository constructs a Firestore-backed delivery calendar.
func NewCalendarRepository(provider *pfirestore.Provider) (*CalendarRepository, error) {
	if provider == nil {
		return nil, errors.New("calendar repository requires firestore provider")
	}
	return &CalendarRepository{
		zones:   pfirestore.NewCollection[shippingZoneDocument](provider, shippingZoneCollection),
		pickups: pfirestore.NewCollection[pickupLocationDocument](provider, pickupLocationCollection),
		denied:  pfirestore.NewCollection[deniedDateDocument](provider, deniedDateCollection),
	}, nil
}

var _ repositories.DeliveryCalendarRepository = (*CalendarRepository)(nil)

// ShippingZones returns every zone serving postalCode. A postal code may belong to several
// zones when it is delivered on more than one weekday.
func (r *CalendarRepository) ShippingZones(ctx context.Context, postalCode string) ([]domain.ShippingZone, error) {
	postalCode = strings.TrimSpace(postalCode)
	if postalCode == "" {
		return nil, nil
	}
	docs, err := r.zones.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("postalCode", "==", postalCode)
	})
	if err != nil {
		return nil, err
	}
	zones := make([]domain.ShippingZone, 0, len(docs))
	for _, doc := range docs {
		d := doc.Data
		zones = append(zones, domain.ShippingZone{
			ID:               doc.ID,
			PostalCode:       d.PostalCode,
			OrderDeadlineDay: time.Weekday(d.OrderDeadlineDay),
			CutoffTime:       d.CutoffTime,
			DeliveryDay:      time.Weekday(d.DeliveryDay),
		})
	}
	return zones, nil
}

// PickupLocation loads one location's opening hours.
func (r *CalendarRepository) PickupLocation(ctx context.Context, locationID string) (domain.PickupLocation, error) {
	doc, err := r.pickups.Get(ctx, strings.TrimSpace(locationID))
	if err != nil {
		return domain.PickupLocation{}, err
	}
	d := doc.Data
	return domain.PickupLocation{
		ID:   doc.ID,
		Name: d.Name,
		Hours: [7]string{
			time.Sunday:    d.Sunday,
			time.Monday:    d.Monday,
			time.Tuesday:   d.Tuesday,
			time.Wednesday: d.Wednesday,
			time.Thursday:  d.Thursday,
			time.Friday:    d.Friday,
			time.Saturday:  d.Saturday,
		},
	}, nil
}

// DeniedDates lists every blocked day in ascending order.
func (r *CalendarRepository) DeniedDates(ctx context.Context) ([]string, error) {
	docs, err := r.denied.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.OrderBy("date", firestore.Asc)
	})
	if err != nil {
		return nil, err
	}
	dates := make([]string, 0, len(docs))
	for _, doc := range docs {
		if date := strings.TrimSpace(doc.Data.Date); date != "" {
			dates = append(dates, date)
		}
	}
	return dates, nil
}

type shippingZoneDocument struct {
	PostalCode       string `firestore:"postalCode"`
	OrderDeadlineDay int    `firestore:"orderDeadlineDay"`
	CutoffTime       string `firestore:"cutoffTime"`
	DeliveryDay      int    `firestore:"deliveryDay"`
}

type pickupLocationDocument struct {
	Name      string `firestore:"name"`
	Monday    string `firestore:"monday"`
	Tuesday   string `firestore:"tuesday"`
	Wednesday string `firestore:"wednesday"`
	Thursday  string `firestore:"thursday"`
	Friday    string `firestore:"friday"`
	Saturday  string `firestore:"saturday"`
	Sunday    string `firestore:"sunday"`
}

type deniedDateDocument struct {
	Date string `firestore:"date"`
}

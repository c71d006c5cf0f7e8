package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	domain "github.com/anonline/farm2fork-v3-sub000/internal/domain"
	"github.com/anonline/farm2fork-v3-sub000/internal/repositories"
)

const (
	// availableSlotCount is how many bookable days a customer is offered.
	availableSlotCount = 3
	homeDeliveryWeeks  = 4
	pickupLookaheadDay = 21
)

// ErrDeliveryNotServed is returned when no zone or pickup location matches the destination.
var ErrDeliveryNotServed = errors.New("delivery slots: destination not served")

// DeliverySlotServiceDeps bundles collaborators for the delivery slot service.
type DeliverySlotServiceDeps struct {
	Calendar repositories.DeliveryCalendarRepository
	Clock    func() time.Time
	Logger   func(ctx context.Context, event string, fields map[string]any)
}

type deliverySlotService struct {
	calendar repositories.DeliveryCalendarRepository
	clock    func() time.Time
	logger   func(context.Context, string, map[string]any)
}

var _ DeliverySlotProvider = (*deliverySlotService)(nil)

// NewDeliverySlotService computes bookable days from the delivery calendar.
func NewDeliverySlotService(deps DeliverySlotServiceDeps) (DeliverySlotProvider, error) {
	if deps.Calendar == nil {
		return nil, errors.New("delivery slot service: calendar repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &deliverySlotService{calendar: deps.Calendar, clock: clock, logger: logger}, nil
}

func (s *deliverySlotService) HomeDeliverySlots(ctx context.Context, postalCode string) ([]domain.DeliverySlot, error) {
	postalCode = strings.TrimSpace(postalCode)
	zones, err := s.calendar.ShippingZones(ctx, postalCode)
	if err != nil {
		return nil, err
	}
	if len(zones) == 0 {
		return nil, fmt.Errorf("%w: no shipping zone for postal code %q", ErrDeliveryNotServed, postalCode)
	}
	return HomeDeliverySlots(zones, s.deniedDates(ctx), s.clock()), nil
}

func (s *deliverySlotService) PickupSlots(ctx context.Context, locationID string) ([]domain.DeliverySlot, error) {
	location, err := s.calendar.PickupLocation(ctx, locationID)
	if err != nil {
		var repoErr repositories.RepositoryError
		if errors.As(err, &repoErr) && repoErr.IsNotFound() {
			return nil, fmt.Errorf("%w: pickup location %q", ErrDeliveryNotServed, locationID)
		}
		return nil, err
	}
	return PickupSlots(location, s.deniedDates(ctx), s.clock()), nil
}

// deniedDates degrades to an empty set when the calendar cannot be read.
func (s *deliverySlotService) deniedDates(ctx context.Context) map[string]bool {
	dates, err := s.calendar.DeniedDates(ctx)
	if err != nil {
		s.logger(ctx, "delivery_slots.denied_dates.failed", map[string]any{"error": err.Error()})
		return nil
	}
	denied := make(map[string]bool, len(dates))
	for _, date := range dates {
		denied[date] = true
	}
	return denied
}

// HomeDeliverySlots lists delivery days over the next four Sunday-based weeks, oldest first.
// A week is bookable unless its zone's order deadline (weekday plus cutoff) has already
// passed. Denied days are listed but flagged, and the list stops once three bookable days
// have been collected.
func HomeDeliverySlots(zones []domain.ShippingZone, denied map[string]bool, now time.Time) []domain.DeliverySlot {
	now = now.In(budapestLocation)
	today := startOfDay(now)
	weekStart := today.AddDate(0, 0, -int(today.Weekday()))

	var candidates []time.Time
	for _, zone := range zones {
		for week := 0; week < homeDeliveryWeeks; week++ {
			start := weekStart.AddDate(0, 0, 7*week)
			if week == 0 && orderDeadlinePassed(zone, now) {
				continue
			}
			day := start.AddDate(0, 0, int(zone.DeliveryDay))
			if day.Before(today) {
				continue
			}
			candidates = append(candidates, day)
		}
	}
	slices.SortFunc(candidates, func(a, b time.Time) int { return a.Compare(b) })

	var slots []domain.DeliverySlot
	available := 0
	for _, day := range candidates {
		date := day.Format(time.DateOnly)
		if len(slots) > 0 && slots[len(slots)-1].Date == date {
			continue
		}
		slot := domain.DeliverySlot{Date: date, Denied: denied[date]}
		slots = append(slots, slot)
		if !slot.Denied {
			available++
		}
		if available >= availableSlotCount {
			break
		}
	}
	return slots
}

// PickupSlots lists the days the location is open, starting today and looking at most three
// weeks ahead, until three bookable days have been collected. Denied days are flagged.
func PickupSlots(location domain.PickupLocation, denied map[string]bool, now time.Time) []domain.DeliverySlot {
	today := startOfDay(now.In(budapestLocation))

	var slots []domain.DeliverySlot
	available := 0
	for offset := 0; offset < pickupLookaheadDay && available < availableSlotCount; offset++ {
		day := today.AddDate(0, 0, offset)
		hours := strings.TrimSpace(location.Hours[day.Weekday()])
		if !pickupOpen(hours) {
			continue
		}
		date := day.Format(time.DateOnly)
		slot := domain.DeliverySlot{Date: date, TimeRange: hours, Denied: denied[date]}
		slots = append(slots, slot)
		if !slot.Denied {
			available++
		}
	}
	return slots
}

// orderDeadlinePassed reports whether orders for the current week are closed in zone.
// A malformed cutoff leaves the deadline day open until midnight.
func orderDeadlinePassed(zone domain.ShippingZone, now time.Time) bool {
	today := now.Weekday()
	if today > zone.OrderDeadlineDay {
		return true
	}
	if today < zone.OrderDeadlineDay {
		return false
	}
	hour, minute, ok := parseClock(zone.CutoffTime)
	if !ok {
		return false
	}
	cutoff := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	return now.After(cutoff)
}

func parseClock(value string) (int, int, bool) {
	h, m, ok := strings.Cut(strings.TrimSpace(value), ":")
	if !ok {
		return 0, 0, false
	}
	hour, err := strconv.Atoi(h)
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, false
	}
	minute, err := strconv.Atoi(m)
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, false
	}
	return hour, minute, true
}

func pickupOpen(hours string) bool {
	switch strings.ToLower(hours) {
	case "", "-", "closed", "zárva":
		return false
	}
	return true
}

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

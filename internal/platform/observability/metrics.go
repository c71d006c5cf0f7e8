package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/anonline/farm2fork-v3-sub000/internal/services"
)

// CountingEventPublisher counts order events by type and resulting status before forwarding them.
type CountingEventPublisher struct {
	next    services.OrderEventPublisher
	counter metric.Int64Counter
}

// NewCountingEventPublisher wraps next. A nil meter uses the global provider; a nil next only counts.
func NewCountingEventPublisher(next services.OrderEventPublisher, meter metric.Meter) (*CountingEventPublisher, error) {
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(instrumentationName)
	}
	counter, err := meter.Int64Counter("orders.events",
		metric.WithDescription("Order domain events by type and resulting status"),
	)
	if err != nil {
		return nil, err
	}
	return &CountingEventPublisher{next: next, counter: counter}, nil
}

// PublishOrderEvent implements services.OrderEventPublisher.
func (p *CountingEventPublisher) PublishOrderEvent(ctx context.Context, event services.OrderEvent) error {
	p.counter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("type", event.Type),
		attribute.String("status", event.CurrentStatus),
	))
	if p.next == nil {
		return nil
	}
	return p.next.PublishOrderEvent(ctx, event)
}

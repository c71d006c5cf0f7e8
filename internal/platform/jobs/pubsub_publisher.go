package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"

	"github.com/anonline/farm2fork-v3-sub000/internal/services"
)

// NotificationMessage is the payload consumed by the mailer worker.
type NotificationMessage struct {
	Email    string         `json:"email"`
	Template string         `json:"template"`
	OrderID  string         `json:"orderId"`
	Data     map[string]any `json:"data,omitempty"`
	QueuedAt time.Time      `json:"queuedAt"`
}

// OrderEventMessage is the payload published for downstream order consumers.
type OrderEventMessage struct {
	Type           string         `json:"type"`
	OrderID        string         `json:"orderId"`
	PreviousStatus string         `json:"previousStatus,omitempty"`
	CurrentStatus  string         `json:"currentStatus,omitempty"`
	ActorID        string         `json:"actorId,omitempty"`
	OccurredAt     time.Time      `json:"occurredAt"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// PubSubNotifier hands customer notifications to the mailer through a Pub/Sub topic.
type PubSubNotifier struct {
	topic *pubsub.Topic
	now   func() time.Time
}

var _ services.Notifier = (*PubSubNotifier)(nil)

// NewPubSubNotifier constructs a notifier publishing to topic.
func NewPubSubNotifier(topic *pubsub.Topic, clock func() time.Time) (*PubSubNotifier, error) {
	if topic == nil {
		return nil, errors.New("pubsub notifier: topic is required")
	}
	if clock == nil {
		clock = time.Now
	}
	return &PubSubNotifier{topic: topic, now: clock}, nil
}

// Send publishes one notification and waits for the server acknowledgement.
func (n *PubSubNotifier) Send(ctx context.Context, notification services.Notification) error {
	if strings.TrimSpace(notification.Email) == "" {
		return errors.New("pubsub notifier: recipient email is required")
	}
	msg := NotificationMessage{
		Email:    notification.Email,
		Template: notification.Template,
		OrderID:  notification.OrderID,
		Data:     notification.Data,
		QueuedAt: n.now().UTC(),
	}
	attrs := map[string]string{}
	setAttr(attrs, "template", notification.Template)
	setAttr(attrs, "orderId", notification.OrderID)
	if _, err := publishJSON(ctx, n.topic, msg, attrs); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	return nil
}

// PubSubEventPublisher publishes order domain events.
type PubSubEventPublisher struct {
	topic *pubsub.Topic
}

var _ services.OrderEventPublisher = (*PubSubEventPublisher)(nil)

// NewPubSubEventPublisher constructs an event publisher for topic.
func NewPubSubEventPublisher(topic *pubsub.Topic) (*PubSubEventPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub event publisher: topic is required")
	}
	return &PubSubEventPublisher{topic: topic}, nil
}

// PublishOrderEvent implements services.OrderEventPublisher.
func (p *PubSubEventPublisher) PublishOrderEvent(ctx context.Context, event services.OrderEvent) error {
	msg := OrderEventMessage{
		Type:           event.Type,
		OrderID:        event.OrderID,
		PreviousStatus: event.PreviousStatus,
		CurrentStatus:  event.CurrentStatus,
		ActorID:        event.ActorID,
		OccurredAt:     event.OccurredAt.UTC(),
		Metadata:       event.Metadata,
	}
	attrs := map[string]string{}
	setAttr(attrs, "type", event.Type)
	setAttr(attrs, "orderId", event.OrderID)
	setAttr(attrs, "status", event.CurrentStatus)
	if _, err := publishJSON(ctx, p.topic, msg, attrs); err != nil {
		return fmt.Errorf("publish order event: %w", err)
	}
	return nil
}

func publishJSON(ctx context.Context, topic *pubsub.Topic, payload any, attrs map[string]string) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal: %w", err)
	}
	return topic.Publish(ctx, &pubsub.Message{Data: data, Attributes: attrs}).Get(ctx)
}

func setAttr(attrs map[string]string, key, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}

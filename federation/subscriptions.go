package federation

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/sudocode-ai/sudocode/config"
	"github.com/sudocode-ai/sudocode/db"
	"github.com/sudocode-ai/sudocode/jsonl"
)

// Event types a subscription can watch.
const (
	EventCreated  = "created"
	EventUpdated  = "updated"
	EventClosed   = "closed"
	EventWildcard = "*"
)

// SubscriptionEvent is the server→client event frame.
type SubscriptionEvent struct {
	Type           string      `json:"type"` // always "event"
	SubscriptionID string      `json:"subscription_id"`
	EventID        string      `json:"event_id"`
	EventType      string      `json:"event_type"`
	EntityType     string      `json:"entity_type"`
	EntityID       string      `json:"entity_id"`
	EntityUUID     string      `json:"entity_uuid"`
	Payload        interface{} `json:"payload,omitempty"`
	Timestamp      int64       `json:"timestamp"`
}

// SubscriptionBus owns federation subscriptions and their delivery.
// Webhook URLs are persisted but webhook delivery is not implemented.
type SubscriptionBus struct {
	logger *logrus.Entry
	store  *db.Service
	cfg    config.FederationConfig
	conns  *ConnManager
}

// NewSubscriptionBus creates the bus and its connection manager.
func NewSubscriptionBus(logger *logrus.Entry, store *db.Service, cfg config.FederationConfig) *SubscriptionBus {
	bus := &SubscriptionBus{
		logger: logger.WithField("component", "subscription-bus"),
		store:  store,
		cfg:    cfg,
	}
	bus.conns = NewConnManager(logger, cfg.WSMaxIdle, func(connectionID string) {
		n, err := store.DeleteSubscriptionsForConnection(connectionID)
		if err != nil {
			bus.logger.WithError(err).Warn("Cleaning connection subscriptions failed")
			return
		}
		if n > 0 {
			bus.logger.WithFields(logrus.Fields{
				"connection_id": connectionID,
				"deleted":       n,
			}).Info("Deleted subscriptions of closed connection")
		}
	})
	return bus
}

// Connections exposes the WebSocket connection manager.
func (b *SubscriptionBus) Connections() *ConnManager {
	return b.conns
}

// Subscribe creates a subscription. connectionID is empty for REST-created
// subscriptions and set for WS-bound ones.
func (b *SubscriptionBus) Subscribe(localRepo, remoteRepo, entityType, entityID string,
	eventTypes []string, webhookURL, connectionID string) (*db.Subscription, error) {
	if entityType == "" {
		entityType = EventWildcard
	}
	if len(eventTypes) == 0 {
		eventTypes = []string{EventWildcard}
	}
	eventsJSON, err := json.Marshal(eventTypes)
	if err != nil {
		return nil, fmt.Errorf("encoding event list: %w", err)
	}

	sub := &db.Subscription{
		SubscriptionID: fmt.Sprintf("sub-%s", uuid.New().String()[:8]),
		LocalRepo:      localRepo,
		RemoteRepo:     remoteRepo,
		EntityType:     entityType,
		EntityID:       entityID,
		EventsJSON:     string(eventsJSON),
		WebhookURL:     webhookURL,
		WSConnectionID: connectionID,
		Active:         true,
	}
	if err := b.store.CreateSubscription(sub); err != nil {
		return nil, err
	}
	if connectionID != "" {
		b.conns.BindSubscription(connectionID, sub.SubscriptionID)
	}
	b.logger.WithFields(logrus.Fields{
		"subscription_id": sub.SubscriptionID,
		"entity_type":     entityType,
	}).Info("Subscription created")
	return sub, nil
}

// Unsubscribe deletes a subscription.
func (b *SubscriptionBus) Unsubscribe(subscriptionID string) error {
	existed, err := b.store.DeleteSubscription(subscriptionID)
	if err != nil {
		return err
	}
	if !existed {
		return notFound("SUBSCRIPTION_NOT_FOUND",
			fmt.Sprintf("subscription %s not found", subscriptionID))
	}
	return nil
}

// PublishEvent walks the active subscriptions of localRepo and delivers the
// event to every match over its WebSocket connection. Write failures leave
// the subscription intact; the connection is torn down by the stale sweep.
// Returns the number of successful deliveries.
func (b *SubscriptionBus) PublishEvent(entity *jsonl.Entity, eventType string,
	payload interface{}, localRepo string) int {
	subs, err := b.store.ListActiveSubscriptions(localRepo)
	if err != nil {
		b.logger.WithError(err).Error("Listing subscriptions failed")
		return 0
	}

	delivered := 0
	for i := range subs {
		sub := &subs[i]
		if !subscriptionMatches(sub, entity, eventType) {
			continue
		}
		event := &SubscriptionEvent{
			Type:           "event",
			SubscriptionID: sub.SubscriptionID,
			EventID:        fmt.Sprintf("evt-%s", uuid.New().String()[:8]),
			EventType:      eventType,
			EntityType:     string(entity.Type),
			EntityID:       entity.ID,
			EntityUUID:     entity.UUID,
			Payload:        payload,
			Timestamp:      time.Now().UnixMilli(),
		}
		if sub.WSConnectionID == "" {
			// Webhook-only subscription; delivery path not implemented.
			continue
		}
		if err := b.conns.SendJSON(sub.WSConnectionID, event); err != nil {
			b.logger.WithError(err).WithField("subscription_id", sub.SubscriptionID).
				Debug("Subscription delivery failed")
			continue
		}
		delivered++
		if err := b.store.TouchSubscription(sub.SubscriptionID); err != nil {
			b.logger.WithError(err).Debug("Stamping subscription failed")
		}
	}
	return delivered
}

// subscriptionMatches applies the filter chain: active flag, entity type
// (exact or *), optional entity id, event list (exact or *).
func subscriptionMatches(sub *db.Subscription, entity *jsonl.Entity, eventType string) bool {
	if !sub.Active {
		return false
	}
	if sub.EntityType != EventWildcard && sub.EntityType != string(entity.Type) {
		return false
	}
	if sub.EntityID != "" && sub.EntityID != entity.ID {
		return false
	}
	var eventList []string
	if err := json.Unmarshal([]byte(sub.EventsJSON), &eventList); err != nil {
		return false
	}
	for _, e := range eventList {
		if e == EventWildcard || e == eventType {
			return true
		}
	}
	return false
}

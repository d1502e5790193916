package events

import (
	"sync"
	"time"
)

// EventType represents different types of events in the system
type EventType string

const (
	EventCreditsRedeemed EventType = "CREDITS_REDEEMED"
	EventCreditsConsumed EventType = "CREDITS_CONSUMED"
	EventAccessGranted   EventType = "ACCESS_GRANTED"
	EventCodesGenerated  EventType = "CODES_GENERATED"
)

// Event represents a system event. UserID scopes delivery to that
// user's realtime connections; empty means not user-scoped.
type Event struct {
	Type      EventType              `json:"type"`
	UserID    string                 `json:"-"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscriber is a function that handles events
type Subscriber func(Event)

// EventBus manages event publishing and subscriptions
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber // Subscribers to all events
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[EventType][]Subscriber),
		allSubs:     make([]Subscriber, 0),
	}
}

// Subscribe registers a subscriber for a specific event type
func (eb *EventBus) Subscribe(eventType EventType, subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.subscribers[eventType] = append(eb.subscribers[eventType], subscriber)
}

// SubscribeAll registers a subscriber for all events
func (eb *EventBus) SubscribeAll(subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.allSubs = append(eb.allSubs, subscriber)
}

// Publish sends an event to all subscribers without blocking the caller
func (eb *EventBus) Publish(event Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if subs, ok := eb.subscribers[event.Type]; ok {
		for _, sub := range subs {
			go sub(event)
		}
	}

	for _, sub := range eb.allSubs {
		go sub(event)
	}
}

// PublishCreditsRedeemed publishes a redemption for a user
func (eb *EventBus) PublishCreditsRedeemed(userID, creditType string, balance, videoMinutes, articleCredits int64) {
	eb.Publish(Event{
		Type:   EventCreditsRedeemed,
		UserID: userID,
		Data: map[string]interface{}{
			"credit_type":     creditType,
			"balance":         balance,
			"video_minutes":   videoMinutes,
			"article_credits": articleCredits,
		},
	})
}

// PublishCreditsConsumed publishes a balance decrease for a user
func (eb *EventBus) PublishCreditsConsumed(userID, resourceType, resourceID string, charged, balance, videoMinutes, articleCredits int64) {
	eb.Publish(Event{
		Type:   EventCreditsConsumed,
		UserID: userID,
		Data: map[string]interface{}{
			"resource_type":   resourceType,
			"resource_id":     resourceID,
			"charged":         charged,
			"balance":         balance,
			"video_minutes":   videoMinutes,
			"article_credits": articleCredits,
		},
	})
}

// PublishAccessGranted publishes a new permanent grant
func (eb *EventBus) PublishAccessGranted(userID, resourceType, resourceID string) {
	eb.Publish(Event{
		Type:   EventAccessGranted,
		UserID: userID,
		Data: map[string]interface{}{
			"resource_type": resourceType,
			"resource_id":   resourceID,
		},
	})
}

// PublishCodesGenerated publishes an admin batch generation
func (eb *EventBus) PublishCodesGenerated(adminID string, count int, creditType string) {
	eb.Publish(Event{
		Type:   EventCodesGenerated,
		UserID: adminID,
		Data: map[string]interface{}{
			"count":       count,
			"credit_type": creditType,
		},
	})
}

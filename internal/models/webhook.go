package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// EventType identifies a webhook event class
type EventType string

const (
	EventStarted   EventType = "started"
	EventProgress  EventType = "progress"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
)

// IsValidEventType checks if a given EventType is one of the valid constants
func IsValidEventType(eventType EventType) bool {
	switch eventType {
	case EventStarted, EventProgress, EventCompleted, EventFailed:
		return true
	default:
		return false
	}
}

// WebhookSubscription is caller-supplied at job creation and immutable for
// the life of the job.
type WebhookSubscription struct {
	URL              string      `json:"url"`
	Secret           string      `json:"secret"`
	SubscribedEvents []EventType `json:"subscribed_events"`
}

// Validate validates the subscription
func (s *WebhookSubscription) Validate() error {
	if err := validate.Var(s.URL, "required,http_url"); err != nil {
		return fmt.Errorf("invalid url: %q", s.URL)
	}
	if s.Secret == "" {
		return errors.New("secret is required")
	}
	if len(s.SubscribedEvents) == 0 {
		return errors.New("at least one subscribed event is required")
	}
	for _, eventType := range s.SubscribedEvents {
		if !IsValidEventType(eventType) {
			return fmt.Errorf("invalid event type: %s", eventType)
		}
	}
	return nil
}

// Subscribed returns true if the subscription covers the given event type
func (s *WebhookSubscription) Subscribed(eventType EventType) bool {
	for _, e := range s.SubscribedEvents {
		if e == eventType {
			return true
		}
	}
	return false
}

// DeliveryStatus represents the state of a webhook delivery attempt sequence
type DeliveryStatus string

const (
	DeliveryStatusPending   DeliveryStatus = "pending"
	DeliveryStatusDelivered DeliveryStatus = "delivered"
	DeliveryStatusFailed    DeliveryStatus = "failed"
)

// WebhookDelivery tracks one (job, event) attempt sequence. Created when an
// event fires, mutated by the dispatcher until terminal, never deleted by it
// (audit trail; only the retention sweeper removes old terminal records).
type WebhookDelivery struct {
	ID          string         `json:"id" badgerhold:"key"`
	JobID       string         `json:"job_id"`
	EventType   EventType      `json:"event_type"`
	URL         string         `json:"url"`
	Payload     []byte         `json:"payload"`      // Exact signed bytes
	PayloadHash string         `json:"payload_hash"` // SHA-256 hex of Payload
	Status      DeliveryStatus `json:"status"`
	Attempts    int            `json:"attempts"`
	NextRetryAt *time.Time     `json:"next_retry_at,omitempty"`
	LastError   string         `json:"last_error,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// IsTerminal returns true if the delivery will not be attempted again
func (d *WebhookDelivery) IsTerminal() bool {
	return d.Status == DeliveryStatusDelivered || d.Status == DeliveryStatusFailed
}

// WebhookPayload is the JSON document delivered to subscribers. The HMAC
// signature travels in the request header, computed over the exact
// serialized bytes of this structure.
type WebhookPayload struct {
	Event      EventType      `json:"event"`
	DeliveryID string         `json:"delivery_id"`
	Timestamp  time.Time      `json:"timestamp"`
	Data       map[string]any `json:"data"`
}

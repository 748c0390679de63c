package types

import (
	"encoding/json"
	"time"
)

// Event is the unit of work: one business event queued for webhook delivery.
type Event struct {
	ID     string `json:"id"`
	Type   string `json:"type"`
	Source string `json:"source"`

	// Payload is an opaque blob; the engine never inspects it.
	Payload json.RawMessage `json:"payload,omitempty"`

	Status EventStatus `json:"status"`

	// DeliveryAttempts only increases, and only under a successful claim.
	DeliveryAttempts    int        `json:"delivery_attempts"`
	LastDeliveryAttempt *time.Time `json:"last_delivery_attempt,omitempty"`
	DeliveryLatencyMs   *int64     `json:"delivery_latency_ms,omitempty"`
	ErrorMessage        string     `json:"error_message,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// TTL is the absolute expiry for retention cleanup, independent of
	// delivery outcome.
	TTL time.Time `json:"ttl"`
}

// EventStatus represents the delivery state of an event
type EventStatus string

const (
	EventStatusPending   EventStatus = "pending"
	EventStatusDelivered EventStatus = "delivered"
	EventStatusFailed    EventStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s EventStatus) Terminal() bool {
	return s == EventStatusDelivered || s == EventStatusFailed
}

// Connection represents a live dashboard client channel.
type Connection struct {
	ConnectionID string    `json:"connection_id"`
	ConnectedAt  time.Time `json:"connected_at"`
	TTL          time.Time `json:"ttl"`
}

// Expired reports whether the connection's TTL has passed.
func (c *Connection) Expired(now time.Time) bool {
	return !c.TTL.IsZero() && now.After(c.TTL)
}

// ChangeKind identifies the kind of store mutation a change record captures.
type ChangeKind string

const (
	ChangeInsert ChangeKind = "INSERT"
	ChangeModify ChangeKind = "MODIFY"
	ChangeRemove ChangeKind = "REMOVE"
)

// ChangeRecord is one entry of the store's ordered, at-least-once change
// feed: before/after images of an event mutation plus a monotonic sequence.
type ChangeRecord struct {
	Seq      uint64     `json:"seq"`
	Kind     ChangeKind `json:"kind"`
	OldImage *Event     `json:"old_image,omitempty"`
	NewImage *Event     `json:"new_image,omitempty"`
}

// Message is the wire format sent to dashboard clients.
type Message struct {
	Type      MessageType      `json:"type"`
	Data      *EventProjection `json:"data,omitempty"`
	Timestamp string           `json:"timestamp,omitempty"`
	Error     string           `json:"error,omitempty"`
}

// MessageType enumerates outbound message kinds.
type MessageType string

const (
	MessageEventCreated MessageType = "event_created"
	MessageEventUpdate  MessageType = "event_update"
	MessagePing         MessageType = "ping"
	MessagePong         MessageType = "pong"
)

// EventProjection is the client-facing slice of an event carried in
// broadcast messages.
type EventProjection struct {
	ID                string `json:"id"`
	Status            string `json:"status"`
	DeliveryLatencyMs *int64 `json:"delivery_latency_ms,omitempty"`
	UpdatedAt         string `json:"updated_at"`
}

// Project builds the broadcast projection of an event.
func Project(e *Event) *EventProjection {
	return &EventProjection{
		ID:                e.ID,
		Status:            string(e.Status),
		DeliveryLatencyMs: e.DeliveryLatencyMs,
		UpdatedAt:         e.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
}

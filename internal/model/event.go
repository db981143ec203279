package model

import (
	"time"
)

// EventType is the type of a relay audit event.
type EventType string

const (
	EventTypeForwarded EventType = "forwarded"
	EventTypeDelivery  EventType = "delivery"
)

// Notification is what every reachable operator receives for a forwarded
// visitor message.
type Notification struct {
	MessageID    string      `json:"message_id"`
	VisitorID    uint64      `json:"visitor_id"`
	Channel      ChannelKind `json:"channel"`
	Label        string      `json:"label"`
	Text         string      `json:"text,omitempty"`
	Attachment   *Attachment `json:"attachment,omitempty"`
	Warning      bool        `json:"warning,omitempty"`
	MatchedWords []string    `json:"matched_words,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
}

// DeliveryResult is the outcome of delivering one outbound message to a
// visitor.
type DeliveryResult struct {
	MessageID  string      `json:"message_id"`
	VisitorID  uint64      `json:"visitor_id"`
	OperatorID uint64      `json:"operator_id,omitempty"`
	Channel    ChannelKind `json:"channel"`
	Status     Status      `json:"status"`
	Attempts   int         `json:"attempts"`
	Error      string      `json:"error,omitempty"`
	Duplicate  bool        `json:"duplicate,omitempty"`
	At         time.Time   `json:"at"`
}

// RelayEvent is the envelope published to the audit stream.
type RelayEvent struct {
	ID           string          `json:"id"`
	Type         EventType       `json:"type"`
	VisitorID    uint64          `json:"visitor_id"`
	Notification *Notification   `json:"notification,omitempty"`
	Delivery     *DeliveryResult `json:"delivery,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	Sequence     uint64          `json:"sequence,omitempty"`
}

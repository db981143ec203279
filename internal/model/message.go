package model

import (
	"time"
)

// Direction is the direction of a message relative to the relay.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Origin is the party that authored a message.
type Origin string

const (
	OriginVisitor  Origin = "visitor"
	OriginOperator Origin = "operator"
	OriginSystem   Origin = "system"
)

// Verdict is the outcome of the inbound pipeline for one message.
type Verdict string

const (
	VerdictForwarded            Verdict = "forwarded"
	VerdictForwardedWithWarning Verdict = "forwarded_with_warning"
	VerdictBlocked              Verdict = "blocked"
	VerdictSuppressed           Verdict = "suppressed"
)

// Forwards reports whether the verdict lets a message reach operators.
func (v Verdict) Forwards() bool {
	return v == VerdictForwarded || v == VerdictForwardedWithWarning
}

// Status is the delivery status of a persisted message.
type Status string

const (
	StatusRecorded   Status = "recorded"
	StatusDelivered  Status = "delivered"
	StatusSendFailed Status = "send_failed"
)

// AttachmentKind is the media type of an attachment.
type AttachmentKind string

const (
	AttachmentPhoto    AttachmentKind = "photo"
	AttachmentDocument AttachmentKind = "document"
	AttachmentVoice    AttachmentKind = "voice"
	AttachmentVideo    AttachmentKind = "video"
	AttachmentSticker  AttachmentKind = "sticker"
)

// Attachment references media held by the channel, e.g. a Telegram file id.
type Attachment struct {
	Kind    AttachmentKind `json:"kind"`
	Ref     string         `json:"ref"`
	Caption string         `json:"caption,omitempty"`
}

// Message is an immutable entry in a visitor's thread.
type Message struct {
	// Identity
	ID        string `json:"id"`
	VisitorID uint64 `json:"visitor_id"`
	Seq       uint64 `json:"seq"`

	// Routing
	Direction  Direction `json:"direction"`
	Origin     Origin    `json:"origin"`
	OperatorID uint64    `json:"operator_id,omitempty"`

	// Content
	Text       string      `json:"text,omitempty"`
	Attachment *Attachment `json:"attachment,omitempty"`

	// Outcome
	Verdict      Verdict  `json:"verdict,omitempty"`
	MatchedWords []string `json:"matched_words,omitempty"`
	Status       Status   `json:"status"`
	DedupKey     string   `json:"dedup_key,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// ListMessagesResponse is the response for listing a thread.
type ListMessagesResponse struct {
	Messages []Message `json:"messages"`
	LastSeq  uint64    `json:"last_seq"`
	HasMore  bool      `json:"has_more"`
}

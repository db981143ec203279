package model

import (
	"time"
)

// ChallengeKind is the kind of human-verification test.
type ChallengeKind string

const (
	ChallengeButton     ChallengeKind = "button"
	ChallengeArithmetic ChallengeKind = "arithmetic"
)

// ButtonAnswer is the answer carried by a button challenge tap.
const ButtonAnswer = "human"

// Challenge is a verification test issued to a pending visitor.
type Challenge struct {
	Kind      ChallengeKind `json:"kind"`
	Question  string        `json:"question,omitempty"`
	Answer    string        `json:"answer"`
	Options   []string      `json:"options,omitempty"`
	IssuedAt  time.Time     `json:"issued_at"`
	ExpiresAt time.Time     `json:"expires_at"`
	Attempts  int           `json:"attempts"`

	// Held is the message that triggered the challenge. It is released
	// once the visitor passes.
	Held *HeldMessage `json:"held,omitempty"`
}

// Expired reports whether the challenge is past its absolute expiry.
func (c *Challenge) Expired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

// HeldMessage is an inbound message parked while verification is pending.
type HeldMessage struct {
	Text       string      `json:"text,omitempty"`
	Attachment *Attachment `json:"attachment,omitempty"`
	ReceivedAt time.Time   `json:"received_at"`
}

// BanReason explains why a temporary ban was recorded.
type BanReason string

const (
	BanVerificationExhausted BanReason = "verification_exhausted"
)

// BanRecord is an append-only record of a temporary ban.
type BanRecord struct {
	VisitorID uint64        `json:"visitor_id"`
	Reason    BanReason     `json:"reason"`
	Start     time.Time     `json:"start"`
	Duration  time.Duration `json:"duration"`
}

// EffectiveUntil is the instant after which the ban no longer applies.
func (b BanRecord) EffectiveUntil() time.Time {
	return b.Start.Add(b.Duration)
}

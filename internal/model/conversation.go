// Package model defines data structures for the operator relay.
package model

import (
	"time"
)

// ChannelKind identifies the transport a visitor arrived through.
type ChannelKind string

const (
	ChannelTelegram ChannelKind = "telegram"
	ChannelWeb      ChannelKind = "web"
)

// Valid reports whether the channel kind is one the relay supports.
func (c ChannelKind) Valid() bool {
	return c == ChannelTelegram || c == ChannelWeb
}

// VerificationState is the state of a visitor's human-verification gate.
type VerificationState string

const (
	StateUnverified VerificationState = "unverified"
	StatePending    VerificationState = "pending"
	StateVerified   VerificationState = "verified"
	StateBanned     VerificationState = "banned"
)

// ListFlag marks a visitor as whitelisted or blacklisted.
type ListFlag string

const (
	ListNone        ListFlag = ""
	ListWhitelisted ListFlag = "whitelisted"
	ListBlacklisted ListFlag = "blacklisted"
)

// ThreadState is the lifecycle of a visitor's conversation thread.
type ThreadState string

const (
	ThreadOpen   ThreadState = "open"
	ThreadClosed ThreadState = "closed"
)

// Visitor is an external party contacting the service through one channel.
// The visitor ID doubles as the partition key of its conversation thread.
type Visitor struct {
	// Identity
	ID       uint64      `json:"id"`
	Channel  ChannelKind `json:"channel"`
	NativeID string      `json:"native_id"`
	Label    string      `json:"label"`

	// Verification gate
	State     VerificationState `json:"state"`
	Challenge *Challenge        `json:"challenge,omitempty"`
	BanUntil  *time.Time        `json:"ban_until,omitempty"`

	// Moderation lists
	ListFlag        ListFlag `json:"list_flag,omitempty"`
	BlacklistReason string   `json:"blacklist_reason,omitempty"`

	// Thread
	Thread         ThreadState `json:"thread"`
	FirstResponder uint64      `json:"first_responder,omitempty"`
	MessageCount   int         `json:"message_count"`
	LastMessageAt  *time.Time  `json:"last_message_at,omitempty"`

	// Timestamps
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsBlacklisted reports whether the visitor is on the blacklist.
func (v *Visitor) IsBlacklisted() bool {
	return v.ListFlag == ListBlacklisted
}

// IsWhitelisted reports whether the visitor is on the whitelist.
func (v *Visitor) IsWhitelisted() bool {
	return v.ListFlag == ListWhitelisted
}

// BannedAt reports whether a ban is still in effect at now. A ban ending
// exactly at now is still in effect.
func (v *Visitor) BannedAt(now time.Time) bool {
	return v.State == StateBanned && v.BanUntil != nil && !now.After(*v.BanUntil)
}

// NativeKey returns the unique (channel, native id) key of the visitor.
func NativeKey(channel ChannelKind, nativeID string) string {
	return string(channel) + ":" + nativeID
}

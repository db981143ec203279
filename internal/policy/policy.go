// Package policy holds the relay's verification, moderation and quiet-hours
// rules as an immutable snapshot that can be swapped atomically.
package policy

import (
	"sync/atomic"
	"time"

	"github.com/capitalize-ai/operator-relay/internal/model"
)

// Verification configures the human-verification gate.
type Verification struct {
	Kind        model.ChallengeKind
	Timeout     time.Duration
	MaxFails    int
	BanDuration time.Duration

	// BanNoticeInterval throttles repeated "still banned" notices.
	BanNoticeInterval time.Duration
}

// AutoReply configures the reply sent while operators are in quiet hours.
type AutoReply struct {
	Enabled bool
	Message string
}

// Policy is an immutable snapshot of every rule the router consults.
// Callers must not mutate a Policy after handing it to a Holder.
type Policy struct {
	Verification Verification
	Moderation   Moderation
	QuietHours   QuietHours
	AutoReply    AutoReply
}

// Default returns the policy used when nothing is configured.
func Default() Policy {
	return Policy{
		Verification: Verification{
			Kind:              model.ChallengeArithmetic,
			Timeout:           60 * time.Second,
			MaxFails:          3,
			BanDuration:       time.Hour,
			BanNoticeInterval: time.Minute,
		},
		Moderation: Moderation{Mode: ModeWarn},
		QuietHours: QuietHours{Start: 23, End: 7, Location: time.Local},
		AutoReply: AutoReply{
			Message: "Hello, we are currently away and will reply as soon as possible.",
		},
	}
}

// Holder publishes the current policy snapshot. Readers capture one snapshot
// at the start of an operation and use it throughout.
type Holder struct {
	current atomic.Pointer[Policy]
}

// NewHolder creates a holder seeded with p.
func NewHolder(p Policy) *Holder {
	h := &Holder{}
	h.Store(p)
	return h
}

// Load returns the current snapshot.
func (h *Holder) Load() *Policy {
	return h.current.Load()
}

// Store replaces the snapshot. In-flight operations keep the one they loaded.
func (h *Holder) Store(p Policy) {
	p.Moderation = p.Moderation.normalized()
	h.current.Store(&p)
}

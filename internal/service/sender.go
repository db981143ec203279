package service

import (
	"context"

	"github.com/capitalize-ai/operator-relay/internal/model"
)

// OutgoingKind classifies a message sent to a visitor.
type OutgoingKind string

const (
	OutgoingReply     OutgoingKind = "reply"
	OutgoingNotice    OutgoingKind = "notice"
	OutgoingChallenge OutgoingKind = "challenge"
	OutgoingAutoReply OutgoingKind = "auto_reply"
)

// Outgoing is one message sent to a visitor through its channel.
type Outgoing struct {
	Kind       OutgoingKind
	Text       string
	Attachment *model.Attachment

	// Challenge is set for OutgoingChallenge so adapters can render answer
	// buttons. Adapters must never show Challenge.Answer.
	Challenge *model.Challenge
}

// Sender delivers messages to visitors on one channel. It returns the
// channel's reference for the sent message, if it has one.
type Sender interface {
	Send(ctx context.Context, nativeID string, out Outgoing) (string, error)
}

// Notifier delivers forwarded visitor messages to an operator. The returned
// ref identifies the notification so a reply to it can be routed back.
type Notifier interface {
	Notify(ctx context.Context, op *model.Operator, n *model.Notification) (string, error)
}

// Hooks are callbacks invoked for collaborators such as audit logging.
// Either may be nil.
type Hooks struct {
	OnForward  func(ctx context.Context, n *model.Notification)
	OnDelivery func(ctx context.Context, d *model.DeliveryResult)
}

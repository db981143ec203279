// Package service implements the relay engine: identity resolution, the
// verification gate, and message routing between visitors and operators.
package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/capitalize-ai/operator-relay/internal/model"
	"github.com/capitalize-ai/operator-relay/internal/policy"
	"github.com/capitalize-ai/operator-relay/internal/store"
	"github.com/capitalize-ai/operator-relay/pkg/logger"
	"github.com/capitalize-ai/operator-relay/pkg/metrics"
	"github.com/capitalize-ai/operator-relay/pkg/tracing"
)

const (
	noticeRejected = "Your message could not be delivered."

	notifyConcurrency = 8
)

// InboundKind distinguishes visitor messages from challenge answers.
type InboundKind string

const (
	InboundMessage InboundKind = "message"
	InboundAnswer  InboundKind = "answer"
)

// InboundEvent is one event received from a visitor channel.
type InboundEvent struct {
	Channel    model.ChannelKind
	NativeID   string
	Label      string
	Kind       InboundKind
	Text       string
	Attachment *model.Attachment
}

// InboundResult describes what the router did with an inbound event.
type InboundResult struct {
	VisitorID uint64
	Gate      GateOutcome

	// Challenge is the pending challenge after the event, if any.
	Challenge *model.Challenge

	// Message is the persisted visitor message, if one was persisted.
	Message *model.Message

	// Notified is the number of operators that received the message.
	Notified int
}

// Option configures a Router.
type Option func(*Router)

// WithClock overrides the router's time source.
func WithClock(now func() time.Time) Option {
	return func(r *Router) { r.now = now }
}

// WithRandom overrides the source used to generate challenges.
func WithRandom(src rand.Source) Option {
	return func(r *Router) { r.rnd = rand.New(src) }
}

// WithRetry sets the delivery retry policy.
func WithRetry(cfg RetryConfig) Option {
	return func(r *Router) { r.retry = cfg }
}

// WithHooks sets the collaborator callbacks.
func WithHooks(h Hooks) Option {
	return func(r *Router) { r.hooks = h }
}

// Router routes visitor messages to operators and operator replies back to
// visitors.
type Router struct {
	store  store.Store
	policy *policy.Holder
	locks  *KeyedLocker
	logger *logger.Logger
	tracer trace.Tracer

	sendersMu sync.RWMutex
	senders   map[model.ChannelKind]Sender
	notifier  Notifier

	hooks   Hooks
	retry   RetryConfig
	notices *noticeLimiter
	now     func() time.Time

	rndMu sync.Mutex
	rnd   *rand.Rand
}

// NewRouter creates a router. Senders and the notifier are registered
// separately because adapters usually need the router first.
func NewRouter(st store.Store, holder *policy.Holder, log *logger.Logger, opts ...Option) *Router {
	r := &Router{
		store:   st,
		policy:  holder,
		locks:   NewKeyedLocker(),
		logger:  log.Named("router"),
		tracer:  tracing.Tracer("operator-relay/service"),
		senders: make(map[model.ChannelKind]Sender),
		retry:   DefaultRetryConfig(),
		notices: newNoticeLimiter(),
		now:     time.Now,
		rnd:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterSender sets the sender for a channel.
func (r *Router) RegisterSender(kind model.ChannelKind, s Sender) {
	r.sendersMu.Lock()
	defer r.sendersMu.Unlock()
	r.senders[kind] = s
}

// RegisterNotifier sets the operator notifier.
func (r *Router) RegisterNotifier(n Notifier) {
	r.sendersMu.Lock()
	defer r.sendersMu.Unlock()
	r.notifier = n
}

func (r *Router) sender(kind model.ChannelKind) (Sender, error) {
	r.sendersMu.RLock()
	defer r.sendersMu.RUnlock()
	s, ok := r.senders[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoSender, kind)
	}
	return s, nil
}

func (r *Router) currentNotifier() Notifier {
	r.sendersMu.RLock()
	defer r.sendersMu.RUnlock()
	return r.notifier
}

func (r *Router) intn(n int) int {
	r.rndMu.Lock()
	defer r.rndMu.Unlock()
	return r.rnd.Intn(n)
}

// Policy returns the current policy snapshot.
func (r *Router) Policy() *policy.Policy {
	return r.policy.Load()
}

// Inbound runs a visitor event through ban check, verification, moderation
// and quiet hours, then persists and broadcasts it as the verdict allows.
// All state changes for the visitor happen under its lock.
func (r *Router) Inbound(ctx context.Context, ev InboundEvent) (*InboundResult, error) {
	ctx, span := r.tracer.Start(ctx, "router.Inbound",
		trace.WithAttributes(
			attribute.String("channel", string(ev.Channel)),
			attribute.String("kind", string(ev.Kind)),
		))
	defer span.End()

	res, err := r.inbound(ctx, ev)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.Int64("visitor_id", int64(res.VisitorID)),
		attribute.String("gate", string(res.Gate)),
		attribute.Int("notified", res.Notified),
	)
	return res, nil
}

func (r *Router) inbound(ctx context.Context, ev InboundEvent) (*InboundResult, error) {
	if ev.Kind == "" {
		ev.Kind = InboundMessage
	}
	if ev.Kind == InboundMessage && ev.Text == "" && ev.Attachment == nil {
		return nil, fmt.Errorf("%w: empty message", ErrInvalidInput)
	}

	// One snapshot for the whole operation.
	pol := r.policy.Load()
	now := r.now()

	resolved, err := r.Resolve(ctx, ev.Channel, ev.NativeID, ev.Label)
	if err != nil {
		return nil, err
	}

	unlock := r.locks.Lock(resolved.ID)
	defer unlock()

	// Re-read under the lock; the store is the only source of truth.
	v, err := r.store.GetVisitor(ctx, resolved.ID)
	if err != nil {
		return nil, storeErr("get visitor", err)
	}
	log := r.logger.WithVisitor(v.ID, string(v.Channel))

	labelChanged := ev.Label != "" && ev.Label != v.Label
	if labelChanged {
		v.Label = ev.Label
	}

	tr := advanceGate(v, gateEvent{
		answer:   ev.Kind == InboundAnswer,
		text:     ev.Text,
		attach:   ev.Attachment,
		received: now,
	}, pol.Verification, now, challengeGenerator{intn: r.intn}.build)

	if tr.expired {
		log.Debug("challenge discarded", zap.Error(ErrChallengeExpired))
	}
	if tr.changed || labelChanged {
		v.UpdatedAt = now
		if err := r.store.UpdateVisitor(ctx, v); err != nil {
			return nil, storeErr("update visitor", err)
		}
	}
	if tr.ban != nil {
		if err := r.store.RecordBan(ctx, *tr.ban); err != nil {
			return nil, storeErr("record ban", err)
		}
	}
	if tr.outcome != GatePass && tr.outcome != GateIgnored {
		metrics.RecordVerification(string(tr.outcome))
	}

	res := &InboundResult{VisitorID: v.ID, Gate: tr.outcome, Challenge: v.Challenge}

	switch tr.outcome {
	case GateStillBanned:
		if r.notices.allow(v.ID, pol.Verification.BanNoticeInterval, now) {
			r.notice(ctx, v, Outgoing{Kind: OutgoingNotice, Text: fmt.Sprintf(noticeStillBanned, formatUntil(*v.BanUntil))})
		}
		log.Debug("dropped message from banned visitor")
		return res, nil

	case GateChallenged:
		log.Info("verification challenge issued", zap.String("kind", string(v.Challenge.Kind)))
		r.notice(ctx, v, Outgoing{Kind: OutgoingChallenge, Text: challengePrompt(v.Challenge), Challenge: v.Challenge})
		return res, nil

	case GateReminder:
		r.notice(ctx, v, Outgoing{Kind: OutgoingNotice, Text: noticeReminder})
		return res, nil

	case GateRetry:
		left := pol.Verification.MaxFails - v.Challenge.Attempts
		r.notice(ctx, v, Outgoing{Kind: OutgoingNotice, Text: fmt.Sprintf(noticeRetry, left)})
		return res, nil

	case GateBanned:
		log.Warn("visitor banned", zap.Error(ErrVerificationExhausted), zap.Time("ban_until", *v.BanUntil))
		r.notices.reset(v.ID, pol.Verification.BanNoticeInterval, now)
		r.notice(ctx, v, Outgoing{Kind: OutgoingNotice, Text: fmt.Sprintf(noticeBanned, formatUntil(*v.BanUntil))})
		return res, nil

	case GateIgnored:
		return res, nil

	case GateVerified:
		log.Info("visitor verified")
		r.notices.forget(v.ID)
		r.notice(ctx, v, Outgoing{Kind: OutgoingNotice, Text: noticeVerified})
		if tr.release == nil {
			return res, nil
		}
		msg, notified, err := r.process(ctx, v, pol, tr.release.Text, tr.release.Attachment, tr.release.ReceivedAt)
		if err != nil {
			return nil, err
		}
		res.Message, res.Notified = msg, notified
		return res, nil
	}

	msg, notified, err := r.process(ctx, v, pol, ev.Text, ev.Attachment, now)
	if err != nil {
		return nil, err
	}
	res.Message, res.Notified = msg, notified
	return res, nil
}

// process applies moderation and quiet hours to a message that passed the
// gate, persists it, and acts on the verdict. Caller holds the visitor lock.
func (r *Router) process(ctx context.Context, v *model.Visitor, pol *policy.Policy, text string, att *model.Attachment, at time.Time) (*model.Message, int, error) {
	log := r.logger.WithVisitor(v.ID, string(v.Channel))

	if v.Thread == model.ThreadClosed {
		v.Thread = model.ThreadOpen
		v.UpdatedAt = r.now()
		if err := r.store.UpdateVisitor(ctx, v); err != nil {
			return nil, 0, storeErr("reopen thread", err)
		}
	}

	scanned := text
	if att != nil && att.Caption != "" {
		scanned += "\n" + att.Caption
	}
	decision := policy.Moderate(scanned, pol.Moderation, v.ListFlag)
	verdict := decision.Verdict
	if verdict.Forwards() && pol.QuietHours.Evaluate(r.now()) == policy.Suppress {
		verdict = model.VerdictSuppressed
	}

	msg := &model.Message{
		ID:           uuid.Must(uuid.NewV7()).String(),
		VisitorID:    v.ID,
		Direction:    model.DirectionInbound,
		Origin:       model.OriginVisitor,
		Text:         text,
		Attachment:   att,
		Verdict:      verdict,
		MatchedWords: decision.Matched,
		Status:       model.StatusRecorded,
		CreatedAt:    at,
	}
	if err := r.store.AppendMessage(ctx, msg); err != nil {
		return nil, 0, storeErr("append message", err)
	}
	metrics.RecordInbound(string(v.Channel), string(verdict))

	switch verdict {
	case model.VerdictBlocked:
		log.Info("message blocked",
			zap.String("message_id", msg.ID),
			zap.Bool("blacklisted", v.IsBlacklisted()),
			zap.Strings("matched", decision.Matched),
		)
		r.notice(ctx, v, Outgoing{Kind: OutgoingNotice, Text: noticeRejected})
		return msg, 0, nil

	case model.VerdictSuppressed:
		log.Debug("operators in quiet hours", zap.String("message_id", msg.ID))
		if pol.AutoReply.Enabled && pol.AutoReply.Message != "" {
			if err := r.autoReply(ctx, v, pol.AutoReply.Message); err != nil {
				return msg, 0, err
			}
		}
		return msg, 0, nil
	}

	notified := r.broadcast(ctx, v, msg, verdict == model.VerdictForwardedWithWarning)
	return msg, notified, nil
}

// autoReply sends the quiet-hours reply once and records it in the thread.
func (r *Router) autoReply(ctx context.Context, v *model.Visitor, text string) error {
	status := model.StatusDelivered
	if err := r.notice(ctx, v, Outgoing{Kind: OutgoingAutoReply, Text: text}); err != nil {
		status = model.StatusSendFailed
	}
	reply := &model.Message{
		ID:        uuid.Must(uuid.NewV7()).String(),
		VisitorID: v.ID,
		Direction: model.DirectionOutbound,
		Origin:    model.OriginSystem,
		Text:      text,
		Status:    status,
		CreatedAt: r.now(),
	}
	if err := r.store.AppendMessage(ctx, reply); err != nil {
		return storeErr("append auto-reply", err)
	}
	return nil
}

// broadcast fans a forwarded message out to every reachable operator. The
// operator set is read per event. Returns the number of operators notified.
func (r *Router) broadcast(ctx context.Context, v *model.Visitor, msg *model.Message, warning bool) int {
	log := r.logger.WithVisitor(v.ID, string(v.Channel))

	n := &model.Notification{
		MessageID:    msg.ID,
		VisitorID:    v.ID,
		Channel:      v.Channel,
		Label:        v.Label,
		Text:         msg.Text,
		Attachment:   msg.Attachment,
		Warning:      warning,
		MatchedWords: msg.MatchedWords,
		CreatedAt:    msg.CreatedAt,
	}
	if r.hooks.OnForward != nil {
		r.hooks.OnForward(ctx, n)
	}

	notifier := r.currentNotifier()
	if notifier == nil {
		log.Warn("no operator notifier registered")
		return 0
	}
	ops, err := r.store.ListReachableOperators(ctx)
	if err != nil {
		// The message is already persisted; operators can read the thread.
		log.Error("failed to list operators", zap.Error(err))
		return 0
	}
	if len(ops) == 0 {
		log.Warn("no reachable operators", zap.String("message_id", msg.ID))
		return 0
	}

	var notified int64
	var g errgroup.Group
	g.SetLimit(notifyConcurrency)
	for i := range ops {
		op := ops[i]
		g.Go(func() error {
			ref, err := notifier.Notify(ctx, &op, n)
			if err != nil {
				metrics.RecordNotification("failed")
				log.Warn("failed to notify operator", zap.Uint64("operator_id", op.ID), zap.Error(err))
				return nil
			}
			metrics.RecordNotification("ok")
			atomic.AddInt64(&notified, 1)
			if ref == "" {
				return nil
			}
			link := model.ForwardLink{
				OperatorID: op.ID,
				Ref:        ref,
				VisitorID:  v.ID,
				MessageID:  msg.ID,
				CreatedAt:  r.now(),
			}
			if err := r.store.LinkForward(ctx, link); err != nil {
				log.Warn("failed to record forward link", zap.Uint64("operator_id", op.ID), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()

	return int(notified)
}

// notice sends a single-attempt system message to the visitor. Failures are
// logged and returned but never abort the pipeline.
func (r *Router) notice(ctx context.Context, v *model.Visitor, out Outgoing) error {
	s, err := r.sender(v.Channel)
	if err == nil {
		_, err = s.Send(ctx, v.NativeID, out)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		r.logger.WithVisitor(v.ID, string(v.Channel)).Warn("failed to send notice",
			zap.String("kind", string(out.Kind)), zap.Error(err))
	}
	return err
}

package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/capitalize-ai/operator-relay/internal/model"
	"github.com/capitalize-ai/operator-relay/pkg/metrics"
)

const broadcastConcurrency = 4

// ReplyRequest is an operator reply to a visitor. The target is either
// VisitorID or the notification identified by ReplyToRef.
type ReplyRequest struct {
	OperatorID uint64
	VisitorID  uint64
	ReplyToRef string

	// SourceRef identifies the operator's own message on its channel. A
	// redelivered update with the same SourceRef is not sent twice.
	SourceRef string

	Text       string
	Attachment *model.Attachment
}

// BroadcastFailure is one visitor a broadcast could not reach.
type BroadcastFailure struct {
	VisitorID uint64 `json:"visitor_id"`
	Label     string `json:"label,omitempty"`
	Error     string `json:"error"`
}

// BroadcastReport summarizes a broadcast.
type BroadcastReport struct {
	Targets   int                `json:"targets"`
	Delivered int                `json:"delivered"`
	Failures  []BroadcastFailure `json:"failures,omitempty"`
}

// Reply delivers an operator reply to the target visitor over the visitor's
// own channel and persists it with operator attribution. When every retry
// fails the message is persisted as send_failed and a *DeliveryError is
// returned alongside the result.
func (r *Router) Reply(ctx context.Context, req ReplyRequest) (*model.DeliveryResult, error) {
	ctx, span := r.tracer.Start(ctx, "router.Reply",
		trace.WithAttributes(attribute.Int64("operator_id", int64(req.OperatorID))))
	defer span.End()

	res, err := r.reply(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return res, err
}

func (r *Router) reply(ctx context.Context, req ReplyRequest) (*model.DeliveryResult, error) {
	if req.Text == "" && req.Attachment == nil {
		return nil, fmt.Errorf("%w: empty reply", ErrInvalidInput)
	}
	if _, err := r.store.GetOperator(ctx, req.OperatorID); err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %d", ErrUnknownOperator, req.OperatorID)
		}
		return nil, storeErr("get operator", err)
	}

	visitorID := req.VisitorID
	if visitorID == 0 && req.ReplyToRef != "" {
		link, err := r.store.ResolveForward(ctx, req.OperatorID, req.ReplyToRef)
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: no visitor for message %s", ErrUnknownVisitor, req.ReplyToRef)
		}
		if err != nil {
			return nil, storeErr("resolve forward", err)
		}
		visitorID = link.VisitorID
	}
	if visitorID == 0 {
		return nil, fmt.Errorf("%w: no target", ErrUnknownVisitor)
	}
	if _, err := r.Lookup(ctx, visitorID); err != nil {
		return nil, err
	}

	unlock := r.locks.Lock(visitorID)
	defer unlock()

	var dedupKey string
	if req.SourceRef != "" {
		dedupKey = fmt.Sprintf("op:%d:%s:v%d", req.OperatorID, req.SourceRef, visitorID)
		existing, err := r.store.FindMessageByDedupKey(ctx, dedupKey)
		// A redelivered update retries a send that previously failed.
		if err == nil && existing.Status != model.StatusSendFailed {
			return &model.DeliveryResult{
				MessageID:  existing.ID,
				VisitorID:  visitorID,
				OperatorID: req.OperatorID,
				Status:     existing.Status,
				Duplicate:  true,
				At:         existing.CreatedAt,
			}, nil
		}
		if err != nil && !isNotFound(err) {
			return nil, storeErr("find dedup key", err)
		}
	}

	v, err := r.Lookup(ctx, visitorID)
	if err != nil {
		return nil, err
	}
	log := r.logger.WithVisitor(v.ID, string(v.Channel)).WithOperator(req.OperatorID)

	var attempts int
	s, sendErr := r.sender(v.Channel)
	if sendErr == nil {
		_, attempts, sendErr = r.deliver(ctx, s, v.NativeID, Outgoing{
			Kind:       OutgoingReply,
			Text:       req.Text,
			Attachment: req.Attachment,
		})
	}

	status := model.StatusDelivered
	if sendErr != nil {
		status = model.StatusSendFailed
	}
	msg := &model.Message{
		ID:         uuid.Must(uuid.NewV7()).String(),
		VisitorID:  v.ID,
		Direction:  model.DirectionOutbound,
		Origin:     model.OriginOperator,
		OperatorID: req.OperatorID,
		Text:       req.Text,
		Attachment: req.Attachment,
		Status:     status,
		DedupKey:   dedupKey,
		CreatedAt:  r.now(),
	}
	if err := r.store.AppendMessage(ctx, msg); err != nil {
		return nil, storeErr("append reply", err)
	}

	if status == model.StatusDelivered && v.FirstResponder == 0 {
		v.FirstResponder = req.OperatorID
		v.UpdatedAt = r.now()
		if err := r.store.UpdateVisitor(ctx, v); err != nil {
			log.Warn("failed to record first responder", zap.Error(err))
		}
	}

	res := &model.DeliveryResult{
		MessageID:  msg.ID,
		VisitorID:  v.ID,
		OperatorID: req.OperatorID,
		Channel:    v.Channel,
		Status:     status,
		Attempts:   attempts,
		At:         msg.CreatedAt,
	}
	if sendErr != nil {
		res.Error = sendErr.Error()
	}
	metrics.RecordDelivery(string(v.Channel), string(status), attempts)
	if r.hooks.OnDelivery != nil {
		r.hooks.OnDelivery(ctx, res)
	}

	if sendErr != nil {
		log.Warn("reply delivery failed", zap.Int("attempts", attempts), zap.Error(sendErr))
		return res, &DeliveryError{VisitorID: v.ID, MessageID: msg.ID, Attempts: attempts, Err: sendErr}
	}
	log.Debug("reply delivered", zap.String("message_id", msg.ID), zap.Int("attempts", attempts))
	return res, nil
}

// Broadcast sends text from an operator to every verified, non-banned,
// non-blacklisted visitor through the reply path. Per-visitor failures are
// collected in the report; only a failure to list visitors is an error.
func (r *Router) Broadcast(ctx context.Context, operatorID uint64, sourceRef, text string) (*BroadcastReport, error) {
	ctx, span := r.tracer.Start(ctx, "router.Broadcast",
		trace.WithAttributes(attribute.Int64("operator_id", int64(operatorID))))
	defer span.End()

	visitors, err := r.store.ListVisitors(ctx)
	if err != nil {
		err = storeErr("list visitors", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	now := r.now()
	report := &BroadcastReport{}
	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(broadcastConcurrency)

	for i := range visitors {
		v := visitors[i]
		if !broadcastEligible(&v, now) {
			continue
		}
		report.Targets++
		g.Go(func() error {
			_, err := r.reply(ctx, ReplyRequest{
				OperatorID: operatorID,
				VisitorID:  v.ID,
				SourceRef:  sourceRef,
				Text:       text,
			})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failures = append(report.Failures, BroadcastFailure{
					VisitorID: v.ID,
					Label:     v.Label,
					Error:     err.Error(),
				})
				return nil
			}
			report.Delivered++
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(report.Failures, func(i, j int) bool {
		return report.Failures[i].VisitorID < report.Failures[j].VisitorID
	})
	span.SetAttributes(
		attribute.Int("targets", report.Targets),
		attribute.Int("failures", len(report.Failures)),
	)
	r.logger.WithOperator(operatorID).Info("broadcast finished",
		zap.Int("targets", report.Targets),
		zap.Int("delivered", report.Delivered),
		zap.Int("failed", len(report.Failures)),
	)
	return report, nil
}

func broadcastEligible(v *model.Visitor, now time.Time) bool {
	if v.IsBlacklisted() || v.BannedAt(now) {
		return false
	}
	return v.State == model.StateVerified || v.IsWhitelisted()
}

// IsDeliveryFailure reports whether err is a terminal delivery failure.
func IsDeliveryFailure(err error) bool {
	var de *DeliveryError
	return errors.As(err, &de)
}

package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/capitalize-ai/operator-relay/internal/model"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// History returns up to limit messages of a visitor's thread after afterSeq.
func (r *Router) History(ctx context.Context, visitorID, afterSeq uint64, limit int) (*model.ListMessagesResponse, error) {
	if _, err := r.Lookup(ctx, visitorID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	msgs, err := r.store.ListMessages(ctx, visitorID, afterSeq, limit+1)
	if err != nil {
		return nil, storeErr("list messages", err)
	}
	resp := &model.ListMessagesResponse{Messages: msgs, LastSeq: afterSeq}
	if len(msgs) > limit {
		resp.Messages = msgs[:limit]
		resp.HasMore = true
	}
	if n := len(resp.Messages); n > 0 {
		resp.LastSeq = resp.Messages[n-1].Seq
	}
	if resp.Messages == nil {
		resp.Messages = []model.Message{}
	}
	return resp, nil
}

// SetListFlag whitelists, blacklists or clears a visitor. reason is kept for
// blacklisting only.
func (r *Router) SetListFlag(ctx context.Context, visitorID uint64, flag model.ListFlag, reason string) (*model.Visitor, error) {
	switch flag {
	case model.ListNone, model.ListWhitelisted, model.ListBlacklisted:
	default:
		return nil, fmt.Errorf("%w: list flag %q", ErrInvalidInput, flag)
	}

	unlock := r.locks.Lock(visitorID)
	defer unlock()

	v, err := r.Lookup(ctx, visitorID)
	if err != nil {
		return nil, err
	}
	v.ListFlag = flag
	v.BlacklistReason = ""
	if flag == model.ListBlacklisted {
		v.BlacklistReason = reason
	}
	v.UpdatedAt = r.now()
	if err := r.store.UpdateVisitor(ctx, v); err != nil {
		return nil, storeErr("update visitor", err)
	}

	r.logger.WithVisitor(v.ID, string(v.Channel)).Info("list flag changed",
		zap.String("flag", string(flag)), zap.String("reason", reason))
	return v, nil
}

// CloseThread marks a visitor's thread closed. The next visitor message
// reopens it.
func (r *Router) CloseThread(ctx context.Context, visitorID uint64) (*model.Visitor, error) {
	unlock := r.locks.Lock(visitorID)
	defer unlock()

	v, err := r.Lookup(ctx, visitorID)
	if err != nil {
		return nil, err
	}
	if v.Thread == model.ThreadClosed {
		return v, nil
	}
	v.Thread = model.ThreadClosed
	v.UpdatedAt = r.now()
	if err := r.store.UpdateVisitor(ctx, v); err != nil {
		return nil, storeErr("update visitor", err)
	}
	return v, nil
}

// RegisterOperator creates or renames an operator by native id.
func (r *Router) RegisterOperator(ctx context.Context, nativeID, name string) (*model.Operator, error) {
	if nativeID == "" {
		return nil, fmt.Errorf("%w: empty operator id", ErrInvalidInput)
	}
	op, err := r.store.UpsertOperator(ctx, nativeID, name, r.now())
	if err != nil {
		return nil, storeErr("upsert operator", err)
	}
	return op, nil
}

// OperatorByNative returns the operator registered under nativeID.
func (r *Router) OperatorByNative(ctx context.Context, nativeID string) (*model.Operator, error) {
	op, err := r.store.GetOperatorByNative(ctx, nativeID)
	if isNotFound(err) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownOperator, nativeID)
	}
	if err != nil {
		return nil, storeErr("get operator", err)
	}
	return op, nil
}

// SetOperatorReachable puts an operator online or offline. Offline operators
// are skipped by the next broadcast.
func (r *Router) SetOperatorReachable(ctx context.Context, operatorID uint64, reachable bool) error {
	err := r.store.SetOperatorReachable(ctx, operatorID, reachable)
	if isNotFound(err) {
		return fmt.Errorf("%w: %d", ErrUnknownOperator, operatorID)
	}
	if err != nil {
		return storeErr("set operator reachable", err)
	}
	r.logger.WithOperator(operatorID).Info("operator reachability changed", zap.Bool("reachable", reachable))
	return nil
}

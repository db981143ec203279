package service

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/capitalize-ai/operator-relay/internal/model"
)

// Resolve returns the visitor for a channel-native id, creating it on first
// contact. Concurrent first contact resolves to a single visitor.
func (r *Router) Resolve(ctx context.Context, channel model.ChannelKind, nativeID, label string) (*model.Visitor, error) {
	if !channel.Valid() {
		return nil, fmt.Errorf("%w: unknown channel %q", ErrInvalidInput, channel)
	}
	nativeID = strings.TrimSpace(nativeID)
	if nativeID == "" {
		return nil, fmt.Errorf("%w: empty native id", ErrInvalidInput)
	}

	v, created, err := r.store.GetOrCreateVisitor(ctx, channel, nativeID, label, r.now())
	if err != nil {
		return nil, storeErr("get or create visitor", err)
	}
	if created {
		r.logger.WithVisitor(v.ID, string(channel)).Info("visitor created", zap.String("label", label))
	}
	return v, nil
}

// Lookup resolves a visitor id for the reply path.
func (r *Router) Lookup(ctx context.Context, visitorID uint64) (*model.Visitor, error) {
	v, err := r.store.GetVisitor(ctx, visitorID)
	if isNotFound(err) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownVisitor, visitorID)
	}
	if err != nil {
		return nil, storeErr("get visitor", err)
	}
	return v, nil
}

// LookupByNative finds an existing visitor by channel-native id without
// creating one.
func (r *Router) LookupByNative(ctx context.Context, channel model.ChannelKind, nativeID string) (*model.Visitor, error) {
	v, err := r.store.FindVisitor(ctx, channel, nativeID)
	if isNotFound(err) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownVisitor, model.NativeKey(channel, nativeID))
	}
	if err != nil {
		return nil, storeErr("find visitor", err)
	}
	return v, nil
}

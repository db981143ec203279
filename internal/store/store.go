// Package store provides the durable session store for visitors, operators,
// messages and bans.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/capitalize-ai/operator-relay/internal/model"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// Store is the single source of truth for relay state. Every method is
// atomic at the single-record level.
type Store interface {
	// Visitors
	GetOrCreateVisitor(ctx context.Context, channel model.ChannelKind, nativeID, label string, now time.Time) (*model.Visitor, bool, error)
	GetVisitor(ctx context.Context, id uint64) (*model.Visitor, error)
	FindVisitor(ctx context.Context, channel model.ChannelKind, nativeID string) (*model.Visitor, error)
	UpdateVisitor(ctx context.Context, v *model.Visitor) error
	ListVisitors(ctx context.Context) ([]model.Visitor, error)

	// Messages
	AppendMessage(ctx context.Context, m *model.Message) error
	ListMessages(ctx context.Context, visitorID, afterSeq uint64, limit int) ([]model.Message, error)
	FindMessageByDedupKey(ctx context.Context, key string) (*model.Message, error)

	// Bans
	RecordBan(ctx context.Context, rec model.BanRecord) error
	ListBans(ctx context.Context, visitorID uint64) ([]model.BanRecord, error)

	// Operators
	UpsertOperator(ctx context.Context, nativeID, name string, now time.Time) (*model.Operator, error)
	GetOperator(ctx context.Context, id uint64) (*model.Operator, error)
	GetOperatorByNative(ctx context.Context, nativeID string) (*model.Operator, error)
	ListReachableOperators(ctx context.Context) ([]model.Operator, error)
	SetOperatorReachable(ctx context.Context, id uint64, reachable bool) error

	// Reply linkage
	LinkForward(ctx context.Context, link model.ForwardLink) error
	ResolveForward(ctx context.Context, operatorID uint64, ref string) (*model.ForwardLink, error)

	Ping(ctx context.Context) error
	Close() error
}

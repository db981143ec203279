package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/operator-relay/internal/model"
)

func openTestStore(t *testing.T) *BoltStore {
	t.Helper()
	s, err := OpenBolt(filepath.Join(t.TempDir(), "relay.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

var t0 = time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)

func TestGetOrCreateVisitor(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	v, created, err := s.GetOrCreateVisitor(ctx, model.ChannelTelegram, "42", "Alice", t0)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, model.StateUnverified, v.State)
	assert.Equal(t, model.ThreadOpen, v.Thread)

	again, created, err := s.GetOrCreateVisitor(ctx, model.ChannelTelegram, "42", "Alice", t0)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, v.ID, again.ID)

	// Same native id on another channel is a different visitor.
	web, created, err := s.GetOrCreateVisitor(ctx, model.ChannelWeb, "42", "", t0)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, v.ID, web.ID)
}

func TestGetOrCreateVisitorConcurrent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	const n = 20
	ids := make([]uint64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, _, err := s.GetOrCreateVisitor(ctx, model.ChannelWeb, "abc", "", t0)
			require.NoError(t, err)
			ids[i] = v.ID
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	all, err := s.ListVisitors(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestUpdateVisitorKeepsCounters(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	v, _, err := s.GetOrCreateVisitor(ctx, model.ChannelTelegram, "1", "", t0)
	require.NoError(t, err)

	require.NoError(t, s.AppendMessage(ctx, &model.Message{ID: "m1", VisitorID: v.ID, Text: "hi", CreatedAt: t0}))

	// v is stale: MessageCount is still zero.
	v.State = model.StateVerified
	require.NoError(t, s.UpdateVisitor(ctx, v))

	got, err := s.GetVisitor(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateVerified, got.State)
	assert.Equal(t, 1, got.MessageCount)
	require.NotNil(t, got.LastMessageAt)

	assert.ErrorIs(t, s.UpdateVisitor(ctx, &model.Visitor{ID: 999}), ErrNotFound)
}

func TestAppendAndListMessages(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	v, _, err := s.GetOrCreateVisitor(ctx, model.ChannelTelegram, "1", "", t0)
	require.NoError(t, err)

	for i, text := range []string{"a", "b", "c"} {
		m := &model.Message{ID: text, VisitorID: v.ID, Text: text, CreatedAt: t0.Add(time.Duration(i) * time.Second)}
		require.NoError(t, s.AppendMessage(ctx, m))
		assert.Equal(t, uint64(i+1), m.Seq)
	}

	// A timestamp earlier than the tail is clamped.
	late := &model.Message{ID: "d", VisitorID: v.ID, Text: "d", CreatedAt: t0}
	require.NoError(t, s.AppendMessage(ctx, late))
	assert.Equal(t, t0.Add(2*time.Second), late.CreatedAt)

	msgs, err := s.ListMessages(ctx, v.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 4)
	for i := 1; i < len(msgs); i++ {
		assert.Greater(t, msgs[i].Seq, msgs[i-1].Seq)
		assert.False(t, msgs[i].CreatedAt.Before(msgs[i-1].CreatedAt))
	}

	page, err := s.ListMessages(ctx, v.ID, 1, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "b", page[0].Text)
	assert.Equal(t, "c", page[1].Text)

	none, err := s.ListMessages(ctx, 999, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, none)

	assert.ErrorIs(t, s.AppendMessage(ctx, &model.Message{VisitorID: 999}), ErrNotFound)
}

func TestFindMessageByDedupKey(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	v, _, err := s.GetOrCreateVisitor(ctx, model.ChannelTelegram, "1", "", t0)
	require.NoError(t, err)

	_, err = s.FindMessageByDedupKey(ctx, "op:1:55")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.AppendMessage(ctx, &model.Message{
		ID: "out", VisitorID: v.ID, Direction: model.DirectionOutbound,
		Text: "reply", Status: model.StatusDelivered, DedupKey: "op:1:55", CreatedAt: t0,
	}))

	m, err := s.FindMessageByDedupKey(ctx, "op:1:55")
	require.NoError(t, err)
	assert.Equal(t, "out", m.ID)
	assert.Equal(t, model.StatusDelivered, m.Status)
}

func TestBans(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rec := model.BanRecord{VisitorID: 7, Reason: model.BanVerificationExhausted, Start: t0, Duration: time.Hour}
	require.NoError(t, s.RecordBan(ctx, rec))
	require.NoError(t, s.RecordBan(ctx, rec))

	bans, err := s.ListBans(ctx, 7)
	require.NoError(t, err)
	assert.Len(t, bans, 2)
	assert.Equal(t, t0.Add(time.Hour), bans[0].EffectiveUntil())
}

func TestOperators(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	a, err := s.UpsertOperator(ctx, "100", "Ann", t0)
	require.NoError(t, err)
	assert.True(t, a.Reachable)
	b, err := s.UpsertOperator(ctx, "200", "", t0)
	require.NoError(t, err)

	require.NoError(t, s.SetOperatorReachable(ctx, b.ID, false))

	// Upsert keeps reachability.
	again, err := s.UpsertOperator(ctx, "200", "Bob", t0)
	require.NoError(t, err)
	assert.Equal(t, b.ID, again.ID)
	assert.False(t, again.Reachable)
	assert.Equal(t, "Bob", again.Name)

	reachable, err := s.ListReachableOperators(ctx)
	require.NoError(t, err)
	require.Len(t, reachable, 1)
	assert.Equal(t, a.ID, reachable[0].ID)

	byNative, err := s.GetOperatorByNative(ctx, "100")
	require.NoError(t, err)
	assert.Equal(t, a.ID, byNative.ID)

	_, err = s.GetOperatorByNative(ctx, "300")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestForwardLinks(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	link := model.ForwardLink{OperatorID: 1, Ref: "555", VisitorID: 9, MessageID: "m", CreatedAt: t0}
	require.NoError(t, s.LinkForward(ctx, link))

	got, err := s.ResolveForward(ctx, 1, "555")
	require.NoError(t, err)
	assert.Equal(t, uint64(9), got.VisitorID)

	// Refs are scoped per operator.
	_, err = s.ResolveForward(ctx, 2, "555")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPingAfterClose(t *testing.T) {
	s, err := OpenBolt(filepath.Join(t.TempDir(), "relay.db"))
	require.NoError(t, err)
	require.NoError(t, s.Ping(context.Background()))
	require.NoError(t, s.Close())
	assert.Error(t, s.Ping(context.Background()))
}

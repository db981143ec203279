package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/operator-relay/internal/model"
	"github.com/capitalize-ai/operator-relay/internal/policy"
)

func TestReplyToForwardedMessage(t *testing.T) {
	e := newTestEnv(t, nil)
	op := e.addOperator("100")
	id := e.verify("42")

	res := e.send("42", "hello")
	require.Equal(t, 1, res.Notified)
	ref := e.notifier.last(op.ID).Ref

	result, err := e.router.Reply(e.ctx, ReplyRequest{
		OperatorID: op.ID,
		ReplyToRef: ref,
		SourceRef:  "9001",
		Text:       "ok",
	})
	require.NoError(t, err)
	assert.Equal(t, id, result.VisitorID)
	assert.Equal(t, model.StatusDelivered, result.Status)
	assert.Equal(t, 1, result.Attempts)
	assert.Equal(t, model.ChannelTelegram, result.Channel)

	assert.Equal(t, 1, e.telegram.attemptCount())
	replies := e.telegram.ofKind(OutgoingReply)
	require.Len(t, replies, 1)
	assert.Equal(t, "42", replies[0].NativeID)
	assert.Equal(t, "ok", replies[0].Out.Text)

	msgs := e.messages(id)
	last := msgs[len(msgs)-1]
	assert.Equal(t, model.DirectionOutbound, last.Direction)
	assert.Equal(t, model.OriginOperator, last.Origin)
	assert.Equal(t, op.ID, last.OperatorID)
	assert.Equal(t, "ok", last.Text)
	assert.Equal(t, model.StatusDelivered, last.Status)

	assert.Equal(t, op.ID, e.visitor(id).FirstResponder)

	deliveries := e.deliveryResults()
	require.Len(t, deliveries, 1)
	assert.Equal(t, result.MessageID, deliveries[0].MessageID)
}

func TestReplyByExplicitVisitorIDUsesVisitorChannel(t *testing.T) {
	e := newTestEnv(t, nil)
	op := e.addOperator("100")
	id := e.verifyOn(model.ChannelWeb, "session-abc")

	_, err := e.router.Reply(e.ctx, ReplyRequest{OperatorID: op.ID, VisitorID: id, Text: "hi there"})
	require.NoError(t, err)

	assert.Empty(t, e.telegram.ofKind(OutgoingReply))
	replies := e.web.ofKind(OutgoingReply)
	require.Len(t, replies, 1)
	assert.Equal(t, "session-abc", replies[0].NativeID)
}

func TestReplyUnknownVisitor(t *testing.T) {
	e := newTestEnv(t, nil)
	op := e.addOperator("100")

	_, err := e.router.Reply(e.ctx, ReplyRequest{OperatorID: op.ID, VisitorID: 999, Text: "ok"})
	assert.ErrorIs(t, err, ErrUnknownVisitor)

	_, err = e.router.Reply(e.ctx, ReplyRequest{OperatorID: op.ID, ReplyToRef: "nope", Text: "ok"})
	assert.ErrorIs(t, err, ErrUnknownVisitor)

	_, err = e.router.Reply(e.ctx, ReplyRequest{OperatorID: op.ID, Text: "ok"})
	assert.ErrorIs(t, err, ErrUnknownVisitor)

	_, err = e.router.Reply(e.ctx, ReplyRequest{OperatorID: 555, VisitorID: 1, Text: "ok"})
	assert.ErrorIs(t, err, ErrUnknownOperator)

	assert.Equal(t, 0, e.telegram.attemptCount())
}

func TestReplyForwardLinksAreScopedToOperator(t *testing.T) {
	e := newTestEnv(t, nil)
	a := e.addOperator("100")
	b := e.addOperator("200")
	e.verify("1")

	e.send("1", "hello")
	refA := e.notifier.last(a.ID).Ref

	_, err := e.router.Reply(e.ctx, ReplyRequest{OperatorID: b.ID, ReplyToRef: refA, Text: "ok"})
	assert.ErrorIs(t, err, ErrUnknownVisitor)
}

func TestReplyRetriesTransientFailures(t *testing.T) {
	e := newTestEnv(t, nil)
	op := e.addOperator("100")
	id := e.verify("1")

	e.telegram.failNext = 2
	result, err := e.router.Reply(e.ctx, ReplyRequest{OperatorID: op.ID, VisitorID: id, Text: "ok"})
	require.NoError(t, err)
	assert.Equal(t, 3, result.Attempts)
	assert.Equal(t, model.StatusDelivered, result.Status)
	assert.Len(t, e.telegram.ofKind(OutgoingReply), 1)
}

func TestReplyExhaustedRetriesPersistsSendFailed(t *testing.T) {
	e := newTestEnv(t, nil)
	op := e.addOperator("100")
	id := e.verify("1")

	e.telegram.failAlways("1", errTransient)
	result, err := e.router.Reply(e.ctx, ReplyRequest{OperatorID: op.ID, VisitorID: id, Text: "ok"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDeliveryFailed)
	assert.ErrorIs(t, err, errTransient)
	assert.True(t, IsDeliveryFailure(err))

	var de *DeliveryError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, 3, de.Attempts)

	require.NotNil(t, result)
	assert.Equal(t, model.StatusSendFailed, result.Status)
	assert.NotEmpty(t, result.Error)

	msgs := e.messages(id)
	last := msgs[len(msgs)-1]
	assert.Equal(t, model.StatusSendFailed, last.Status)
	assert.Equal(t, op.ID, last.OperatorID)

	// A failed delivery does not make the operator the first responder.
	assert.Zero(t, e.visitor(id).FirstResponder)

	deliveries := e.deliveryResults()
	require.Len(t, deliveries, 1)
	assert.Equal(t, model.StatusSendFailed, deliveries[0].Status)
}

func TestReplyPermanentFailureSkipsRetries(t *testing.T) {
	e := newTestEnv(t, nil)
	op := e.addOperator("100")
	id := e.verify("1")

	e.telegram.failAlways("1", fmt.Errorf("bot blocked: %w", ErrPermanent))
	_, err := e.router.Reply(e.ctx, ReplyRequest{OperatorID: op.ID, VisitorID: id, Text: "ok"})
	assert.ErrorIs(t, err, ErrDeliveryFailed)
	assert.Equal(t, 1, e.telegram.attemptCount())
}

func TestReplyIsIdempotentPerSourceRef(t *testing.T) {
	e := newTestEnv(t, nil)
	op := e.addOperator("100")
	id := e.verify("1")

	req := ReplyRequest{OperatorID: op.ID, VisitorID: id, SourceRef: "77", Text: "ok"}
	first, err := e.router.Reply(e.ctx, req)
	require.NoError(t, err)
	assert.False(t, first.Duplicate)

	second, err := e.router.Reply(e.ctx, req)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.MessageID, second.MessageID)

	assert.Len(t, e.telegram.ofKind(OutgoingReply), 1)
}

func TestFirstResponderIsKept(t *testing.T) {
	e := newTestEnv(t, nil)
	a := e.addOperator("100")
	b := e.addOperator("200")
	id := e.verify("1")

	_, err := e.router.Reply(e.ctx, ReplyRequest{OperatorID: b.ID, VisitorID: id, Text: "first"})
	require.NoError(t, err)
	_, err = e.router.Reply(e.ctx, ReplyRequest{OperatorID: a.ID, VisitorID: id, Text: "second"})
	require.NoError(t, err)

	assert.Equal(t, b.ID, e.visitor(id).FirstResponder)

	// Both operators still see new visitor messages.
	res := e.send("1", "thanks")
	assert.Equal(t, 2, res.Notified)
}

func TestBroadcastReportsPerVisitorFailures(t *testing.T) {
	e := newTestEnv(t, nil)
	op := e.addOperator("100")

	ok1 := e.verify("1")
	ok2 := e.verify("2")
	bad := e.verifyOn(model.ChannelWeb, "web-1")
	blocked := e.verify("3")
	_, err := e.router.SetListFlag(e.ctx, blocked, model.ListBlacklisted, "abuse")
	require.NoError(t, err)

	// Pending visitors are not broadcast targets.
	e.send("4", "hi")

	e.web.failAlways("web-1", errTransient)

	report, err := e.router.Broadcast(e.ctx, op.ID, "500", "maintenance tonight")
	require.NoError(t, err)
	assert.Equal(t, 3, report.Targets)
	assert.Equal(t, 2, report.Delivered)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, bad, report.Failures[0].VisitorID)
	assert.Contains(t, report.Failures[0].Error, "failed after 3 attempts")

	replies := e.telegram.ofKind(OutgoingReply)
	assert.Len(t, replies, 2)
	for _, id := range []uint64{ok1, ok2} {
		msgs := e.messages(id)
		assert.Equal(t, "maintenance tonight", msgs[len(msgs)-1].Text)
	}

	msgs := e.messages(bad)
	assert.Equal(t, model.StatusSendFailed, msgs[len(msgs)-1].Status)

	// Redelivering the same operator update only retries the failed send.
	again, err := e.router.Broadcast(e.ctx, op.ID, "500", "maintenance tonight")
	require.NoError(t, err)
	assert.Equal(t, 2, again.Delivered)
	assert.Len(t, again.Failures, 1)
	assert.Len(t, e.telegram.ofKind(OutgoingReply), 2)
}

func TestCloseThreadAndReopen(t *testing.T) {
	e := newTestEnv(t, nil)
	e.addOperator("100")
	id := e.verify("1")

	v, err := e.router.CloseThread(e.ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.ThreadClosed, v.Thread)

	e.send("1", "one more thing")
	assert.Equal(t, model.ThreadOpen, e.visitor(id).Thread)

	_, err = e.router.CloseThread(e.ctx, 999)
	assert.ErrorIs(t, err, ErrUnknownVisitor)
}

func TestHistoryPaging(t *testing.T) {
	e := newTestEnv(t, nil)
	id := e.verify("1")

	for i := 0; i < 5; i++ {
		e.clock.Advance(time.Second)
		e.send("1", fmt.Sprintf("m%d", i))
	}

	// The released "hi" plus five messages.
	page, err := e.router.History(e.ctx, id, 0, 4)
	require.NoError(t, err)
	require.Len(t, page.Messages, 4)
	assert.True(t, page.HasMore)
	assert.Equal(t, uint64(4), page.LastSeq)

	rest, err := e.router.History(e.ctx, id, page.LastSeq, 4)
	require.NoError(t, err)
	require.Len(t, rest.Messages, 2)
	assert.False(t, rest.HasMore)
	assert.Equal(t, "m4", rest.Messages[1].Text)

	empty, err := e.router.History(e.ctx, id, rest.LastSeq, 4)
	require.NoError(t, err)
	assert.Empty(t, empty.Messages)
	assert.Equal(t, rest.LastSeq, empty.LastSeq)

	_, err = e.router.History(e.ctx, 999, 0, 10)
	assert.ErrorIs(t, err, ErrUnknownVisitor)
}

func TestSweepResetsExpiredState(t *testing.T) {
	e := newTestEnv(t, func(p *policy.Policy) { p.Verification.MaxFails = 1 })

	pending := e.send("1", "hi").VisitorID
	banned := e.send("2", "hi").VisitorID
	require.Equal(t, GateBanned, e.send("2", "-1").Gate)
	verified := e.verify("3")

	n, err := e.router.Sweep(e.ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	e.clock.Advance(2 * time.Minute)
	n, err = e.router.Sweep(e.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, model.StateUnverified, e.visitor(pending).State)
	assert.Nil(t, e.visitor(pending).Challenge)
	assert.Equal(t, model.StateBanned, e.visitor(banned).State)

	e.clock.Advance(time.Hour)
	n, err = e.router.Sweep(e.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, model.StateUnverified, e.visitor(banned).State)
	assert.Nil(t, e.visitor(banned).BanUntil)
	assert.Equal(t, model.StateVerified, e.visitor(verified).State)
}

func TestRunSweeperToleratesNonPositiveInterval(t *testing.T) {
	e := newTestEnv(t, nil)

	for _, interval := range []time.Duration{0, -time.Second} {
		ctx, cancel := context.WithCancel(e.ctx)
		done := make(chan struct{})
		go func() {
			defer close(done)
			e.router.RunSweeper(ctx, interval)
		}()
		cancel()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatalf("RunSweeper(%v) did not stop", interval)
		}
	}
}

func TestReverificationKeepsHistory(t *testing.T) {
	e := newTestEnv(t, func(p *policy.Policy) { p.Verification.MaxFails = 1 })
	e.addOperator("100")
	id := e.verify("1")
	e.send("1", "hello")
	before := len(e.messages(id))

	// Simulate a reset of the verification sub-state only.
	v := e.visitor(id)
	v.State = model.StateUnverified
	require.NoError(t, e.store.UpdateVisitor(e.ctx, v))

	res := e.send("1", "back again")
	require.Equal(t, GateChallenged, res.Gate)
	assert.Len(t, e.messages(id), before)
}

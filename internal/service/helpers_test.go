package service

import (
	"context"
	"errors"
	"math/rand"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/operator-relay/internal/model"
	"github.com/capitalize-ai/operator-relay/internal/policy"
	"github.com/capitalize-ai/operator-relay/internal/store"
	"github.com/capitalize-ai/operator-relay/pkg/logger"
)

var errTransient = errors.New("transient send error")

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type sentMessage struct {
	NativeID string
	Out      Outgoing
}

type fakeSender struct {
	mu       sync.Mutex
	sent     []sentMessage
	attempts int

	// failNext fails that many sends with a transient error.
	failNext int
	// failFor fails every send to these native ids.
	failFor map[string]error
}

func (s *fakeSender) Send(_ context.Context, nativeID string, out Outgoing) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	if err, ok := s.failFor[nativeID]; ok {
		return "", err
	}
	if s.failNext > 0 {
		s.failNext--
		return "", errTransient
	}
	s.sent = append(s.sent, sentMessage{NativeID: nativeID, Out: out})
	return strconv.Itoa(len(s.sent)), nil
}

func (s *fakeSender) ofKind(kind OutgoingKind) []sentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []sentMessage
	for _, m := range s.sent {
		if m.Out.Kind == kind {
			out = append(out, m)
		}
	}
	return out
}

func (s *fakeSender) failAlways(nativeID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failFor == nil {
		s.failFor = make(map[string]error)
	}
	s.failFor[nativeID] = err
}

func (s *fakeSender) attemptCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

func (s *fakeSender) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = nil
	s.attempts = 0
}

type received struct {
	Ref          string
	Notification *model.Notification
}

type fakeNotifier struct {
	mu    sync.Mutex
	seq   int
	byOp  map[uint64][]received
	fail  map[uint64]bool
	total int
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{byOp: make(map[uint64][]received), fail: make(map[uint64]bool)}
}

func (n *fakeNotifier) Notify(_ context.Context, op *model.Operator, note *model.Notification) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fail[op.ID] {
		return "", errTransient
	}
	n.seq++
	ref := strconv.Itoa(1000 + n.seq)
	n.byOp[op.ID] = append(n.byOp[op.ID], received{Ref: ref, Notification: note})
	n.total++
	return ref, nil
}

func (n *fakeNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.total
}

func (n *fakeNotifier) last(opID uint64) received {
	n.mu.Lock()
	defer n.mu.Unlock()
	list := n.byOp[opID]
	return list[len(list)-1]
}

func (n *fakeNotifier) reset() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.byOp = make(map[uint64][]received)
	n.total = 0
}

type testEnv struct {
	t        *testing.T
	ctx      context.Context
	router   *Router
	store    *store.BoltStore
	holder   *policy.Holder
	clock    *fakeClock
	telegram *fakeSender
	web      *fakeSender
	notifier *fakeNotifier

	forwarded  []*model.Notification
	deliveries []*model.DeliveryResult
	hookMu     sync.Mutex
}

var testStart = time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)

func testPolicy() policy.Policy {
	p := policy.Default()
	p.Verification.Kind = model.ChallengeArithmetic
	p.Verification.Timeout = time.Minute
	p.Verification.MaxFails = 3
	p.Verification.BanDuration = time.Hour
	p.Verification.BanNoticeInterval = time.Minute
	p.QuietHours = policy.QuietHours{Enabled: false, Start: 23, End: 7, Location: time.UTC}
	p.AutoReply = policy.AutoReply{Enabled: true, Message: "We are away."}
	return p
}

func newTestEnv(t *testing.T, mutate func(*policy.Policy)) *testEnv {
	t.Helper()

	st, err := store.OpenBolt(filepath.Join(t.TempDir(), "relay.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	p := testPolicy()
	if mutate != nil {
		mutate(&p)
	}

	e := &testEnv{
		t:        t,
		ctx:      context.Background(),
		store:    st,
		holder:   policy.NewHolder(p),
		clock:    &fakeClock{now: testStart},
		telegram: &fakeSender{},
		web:      &fakeSender{},
		notifier: newFakeNotifier(),
	}
	e.router = NewRouter(st, e.holder, logger.NewNop(),
		WithClock(e.clock.Now),
		WithRandom(rand.NewSource(1)),
		WithRetry(RetryConfig{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}),
		WithHooks(Hooks{
			OnForward: func(_ context.Context, n *model.Notification) {
				e.hookMu.Lock()
				defer e.hookMu.Unlock()
				e.forwarded = append(e.forwarded, n)
			},
			OnDelivery: func(_ context.Context, d *model.DeliveryResult) {
				e.hookMu.Lock()
				defer e.hookMu.Unlock()
				e.deliveries = append(e.deliveries, d)
			},
		}),
	)
	e.router.RegisterSender(model.ChannelTelegram, e.telegram)
	e.router.RegisterSender(model.ChannelWeb, e.web)
	e.router.RegisterNotifier(e.notifier)
	return e
}

func (e *testEnv) addOperator(nativeID string) *model.Operator {
	e.t.Helper()
	op, err := e.router.RegisterOperator(e.ctx, nativeID, "op"+nativeID)
	require.NoError(e.t, err)
	return op
}

func (e *testEnv) inbound(channel model.ChannelKind, nativeID string, kind InboundKind, text string) *InboundResult {
	e.t.Helper()
	res, err := e.router.Inbound(e.ctx, InboundEvent{
		Channel:  channel,
		NativeID: nativeID,
		Label:    "visitor " + nativeID,
		Kind:     kind,
		Text:     text,
	})
	require.NoError(e.t, err)
	return res
}

// send delivers a Telegram text message from nativeID.
func (e *testEnv) send(nativeID, text string) *InboundResult {
	e.t.Helper()
	return e.inbound(model.ChannelTelegram, nativeID, InboundMessage, text)
}

// verify walks a Telegram visitor through the arithmetic challenge and
// clears the fakes afterwards.
func (e *testEnv) verify(nativeID string) uint64 {
	return e.verifyOn(model.ChannelTelegram, nativeID)
}

func (e *testEnv) verifyOn(channel model.ChannelKind, nativeID string) uint64 {
	e.t.Helper()
	res := e.inbound(channel, nativeID, InboundMessage, "hi")
	require.Equal(e.t, GateChallenged, res.Gate)
	require.NotNil(e.t, res.Challenge)
	res = e.inbound(channel, nativeID, InboundAnswer, res.Challenge.Answer)
	require.Equal(e.t, GateVerified, res.Gate)

	e.notifier.reset()
	e.telegram.reset()
	e.web.reset()
	return res.VisitorID
}

func (e *testEnv) visitor(id uint64) *model.Visitor {
	e.t.Helper()
	v, err := e.store.GetVisitor(e.ctx, id)
	require.NoError(e.t, err)
	return v
}

func (e *testEnv) messages(visitorID uint64) []model.Message {
	e.t.Helper()
	msgs, err := e.store.ListMessages(e.ctx, visitorID, 0, 0)
	require.NoError(e.t, err)
	return msgs
}

func (e *testEnv) deliveryResults() []*model.DeliveryResult {
	e.hookMu.Lock()
	defer e.hookMu.Unlock()
	return append([]*model.DeliveryResult(nil), e.deliveries...)
}

func (e *testEnv) forwardedCount() int {
	e.hookMu.Lock()
	defer e.hookMu.Unlock()
	return len(e.forwarded)
}

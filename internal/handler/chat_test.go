package handler

import (
	"bytes"
	"context"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/operator-relay/internal/middleware"
	"github.com/capitalize-ai/operator-relay/internal/model"
	"github.com/capitalize-ai/operator-relay/internal/policy"
	"github.com/capitalize-ai/operator-relay/internal/service"
	"github.com/capitalize-ai/operator-relay/internal/store"
	"github.com/capitalize-ai/operator-relay/internal/webchat"
	"github.com/capitalize-ai/operator-relay/pkg/logger"
)

type countingNotifier struct {
	notes []*model.Notification
}

func (n *countingNotifier) Notify(_ context.Context, _ *model.Operator, note *model.Notification) (string, error) {
	n.notes = append(n.notes, note)
	return "ref", nil
}

type chatEnv struct {
	t        *testing.T
	store    *store.BoltStore
	holder   *policy.Holder
	server   http.Handler
	notifier *countingNotifier
}

func newChatEnv(t *testing.T) *chatEnv {
	t.Helper()
	st, err := store.OpenBolt(filepath.Join(t.TempDir(), "relay.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	log := logger.NewNop()
	holder := policy.NewHolder(policy.Default())
	router := service.NewRouter(st, holder, log,
		service.WithRandom(rand.NewSource(1)))
	hub := webchat.NewHub(nil, log)
	router.RegisterSender(model.ChannelWeb, hub)
	notifier := &countingNotifier{}
	router.RegisterNotifier(notifier)
	_, err = router.RegisterOperator(context.Background(), "100", "alice")
	require.NoError(t, err)

	h := NewChatHandler(router, hub, middleware.NewSessions("secret", time.Hour), log)
	return &chatEnv{
		t:        t,
		store:    st,
		holder:   holder,
		server:   h.Routes(RateLimits{Requests: 100, Window: time.Minute}),
		notifier: notifier,
	}
}

func (e *chatEnv) do(method, path, token, body string, out interface{}) int {
	e.t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.server.ServeHTTP(w, req)
	if out != nil && w.Code < 300 {
		require.NoError(e.t, json.Unmarshal(w.Body.Bytes(), out), w.Body.String())
	}
	return w.Code
}

func (e *chatEnv) start() StartResponse {
	e.t.Helper()
	var resp StartResponse
	require.Equal(e.t, http.StatusCreated, e.do(http.MethodPost, "/start", "", `{"name":"Ann"}`, &resp))
	require.NotEmpty(e.t, resp.Token)
	return resp
}

func TestWebChatVerificationFlow(t *testing.T) {
	e := newChatEnv(t)
	session := e.start()

	var res ChatResponse
	require.Equal(t, http.StatusOK, e.do(http.MethodPost, "/send", session.Token, `{"text":"hello"}`, &res))
	assert.Equal(t, service.GateChallenged, res.Outcome)
	require.NotNil(t, res.Challenge)
	assert.Nil(t, res.Message)
	assert.Empty(t, e.notifier.notes)

	v, err := e.store.GetVisitor(context.Background(), session.VisitorID)
	require.NoError(t, err)
	assert.Equal(t, "Ann", v.Label)
	assert.Equal(t, model.ChannelWeb, v.Channel)
	require.NotNil(t, v.Challenge)

	res = ChatResponse{}
	require.Equal(t, http.StatusOK, e.do(http.MethodPost, "/verify", session.Token, `{"answer":" `+v.Challenge.Answer+` "}`, &res))
	assert.Equal(t, service.GateVerified, res.Outcome)
	require.NotNil(t, res.Message)
	assert.Equal(t, "hello", res.Message.Text)
	require.Len(t, e.notifier.notes, 1)
	assert.Equal(t, "Ann", e.notifier.notes[0].Label)

	var history HistoryResponse
	require.Equal(t, http.StatusOK, e.do(http.MethodGet, "/messages", session.Token, "", &history))
	require.Len(t, history.Messages, 1)
	assert.Equal(t, uint64(1), history.LastSeq)
	assert.False(t, history.HasMore)

	history = HistoryResponse{}
	require.Equal(t, http.StatusOK, e.do(http.MethodGet, "/messages?after=1", session.Token, "", &history))
	assert.Empty(t, history.Messages)
}

func TestWebChatChallengeHidesAnswer(t *testing.T) {
	e := newChatEnv(t)
	session := e.start()

	req := httptest.NewRequest(http.MethodPost, "/send", strings.NewReader(`{"text":"hello"}`))
	req.Header.Set("Authorization", "Bearer "+session.Token)
	w := httptest.NewRecorder()
	e.server.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"challenge"`)
	assert.NotContains(t, w.Body.String(), `"answer"`)
}

func TestWebChatHidesModerationResult(t *testing.T) {
	e := newChatEnv(t)
	p := policy.Default()
	p.Moderation = policy.Moderation{Mode: policy.ModeWarn, Words: []string{"casino"}}
	e.holder.Store(p)

	session := e.start()
	v, err := e.store.GetVisitor(context.Background(), session.VisitorID)
	require.NoError(t, err)
	v.State = model.StateVerified
	require.NoError(t, e.store.UpdateVisitor(context.Background(), v))

	bodyOf := func(method, path, body string) string {
		req := httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Authorization", "Bearer "+session.Token)
		w := httptest.NewRecorder()
		e.server.ServeHTTP(w, req)
		require.Equal(t, http.StatusOK, w.Code)
		return w.Body.String()
	}

	sent := bodyOf(http.MethodPost, "/send", `{"text":"best casino deals"}`)
	assert.Contains(t, sent, `"best casino deals"`)
	listed := bodyOf(http.MethodGet, "/messages", "")
	assert.Contains(t, listed, `"best casino deals"`)

	for _, body := range []string{sent, listed} {
		assert.NotContains(t, body, "verdict")
		assert.NotContains(t, body, "matched_words")
		assert.NotContains(t, body, "dedup_key")
	}

	require.Len(t, e.notifier.notes, 1)
	assert.True(t, e.notifier.notes[0].Warning)
}

func TestWebChatRejectsBadInput(t *testing.T) {
	e := newChatEnv(t)
	session := e.start()

	assert.Equal(t, http.StatusUnauthorized, e.do(http.MethodPost, "/send", "", `{"text":"hi"}`, nil))
	assert.Equal(t, http.StatusBadRequest, e.do(http.MethodPost, "/send", session.Token, `{"text":"   "}`, nil))
	assert.Equal(t, http.StatusBadRequest, e.do(http.MethodPost, "/send", session.Token,
		`{"text":"`+strings.Repeat("a", middleware.MaxMessageRunes+1)+`"}`, nil))
	assert.Equal(t, http.StatusBadRequest, e.do(http.MethodPost, "/send", session.Token, `{`, nil))
	assert.Equal(t, http.StatusBadRequest, e.do(http.MethodPost, "/verify", session.Token, `{"answer":"???"}`, nil))
	assert.Equal(t, http.StatusBadRequest, e.do(http.MethodGet, "/messages?after=x", session.Token, "", nil))
}

func TestStartWithoutBody(t *testing.T) {
	e := newChatEnv(t)

	var resp StartResponse
	require.Equal(t, http.StatusCreated, e.do(http.MethodPost, "/start", "", "", &resp))

	v, err := e.store.GetVisitor(context.Background(), resp.VisitorID)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(v.Label, "web "))
	assert.Len(t, v.NativeID, nativeIDLength)
}

type fakePinger struct{ err error }

func (p fakePinger) Ping(context.Context) error { return p.err }

type fakeConn bool

func (c fakeConn) IsConnected() bool { return bool(c) }

func TestReady(t *testing.T) {
	tests := []struct {
		name   string
		store  Pinger
		nats   Connection
		status int
	}{
		{"ready without nats", fakePinger{}, nil, http.StatusOK},
		{"ready with nats", fakePinger{}, fakeConn(true), http.StatusOK},
		{"store down", fakePinger{err: store.ErrNotFound}, nil, http.StatusServiceUnavailable},
		{"nats down", fakePinger{}, fakeConn(false), http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			NewHealthHandler(tt.store, tt.nats).Ready(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
			assert.Equal(t, tt.status, w.Code)
		})
	}
}

package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"go.uber.org/zap"

	"github.com/capitalize-ai/operator-relay/internal/middleware"
	"github.com/capitalize-ai/operator-relay/internal/model"
	"github.com/capitalize-ai/operator-relay/internal/service"
	"github.com/capitalize-ai/operator-relay/internal/webchat"
	"github.com/capitalize-ai/operator-relay/pkg/logger"
)

const nativeIDLength = 21

// Relay is the part of the router the web widget drives.
type Relay interface {
	Resolve(ctx context.Context, channel model.ChannelKind, nativeID, label string) (*model.Visitor, error)
	LookupByNative(ctx context.Context, channel model.ChannelKind, nativeID string) (*model.Visitor, error)
	Inbound(ctx context.Context, ev service.InboundEvent) (*service.InboundResult, error)
	History(ctx context.Context, visitorID, afterSeq uint64, limit int) (*model.ListMessagesResponse, error)
}

// ChatHandler serves the web chat widget.
type ChatHandler struct {
	relay    Relay
	hub      *webchat.Hub
	sessions *middleware.Sessions
	logger   *logger.Logger
}

// NewChatHandler creates a new chat handler.
func NewChatHandler(relay Relay, hub *webchat.Hub, sessions *middleware.Sessions, log *logger.Logger) *ChatHandler {
	return &ChatHandler{
		relay:    relay,
		hub:      hub,
		sessions: sessions,
		logger:   log.Named("chat"),
	}
}

// StartRequest is the request body for starting a web chat.
type StartRequest struct {
	Name string `json:"name"`
}

// StartResponse carries the session token for subsequent calls.
type StartResponse struct {
	VisitorID uint64 `json:"visitor_id"`
	Token     string `json:"token"`
	ExpiresAt string `json:"expires_at"`
}

// SendRequest is the request body for sending a message.
type SendRequest struct {
	Text string `json:"text"`
}

// VerifyRequest is the request body for answering a challenge.
type VerifyRequest struct {
	Answer string `json:"answer"`
}

// ChatResponse is what the widget learns about one inbound event.
type ChatResponse struct {
	VisitorID uint64                 `json:"visitor_id"`
	Outcome   service.GateOutcome    `json:"outcome"`
	Challenge *webchat.ChallengeView `json:"challenge,omitempty"`
	Message   *MessageView           `json:"message,omitempty"`
}

// MessageView is the part of a thread message a visitor may see. Moderation
// results and delivery bookkeeping stay with the operators.
type MessageView struct {
	ID         string            `json:"id"`
	Seq        uint64            `json:"seq"`
	Direction  model.Direction   `json:"direction"`
	Origin     model.Origin      `json:"origin"`
	Text       string            `json:"text,omitempty"`
	Attachment *model.Attachment `json:"attachment,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

func viewOf(m *model.Message) *MessageView {
	if m == nil {
		return nil
	}
	return &MessageView{
		ID:         m.ID,
		Seq:        m.Seq,
		Direction:  m.Direction,
		Origin:     m.Origin,
		Text:       m.Text,
		Attachment: m.Attachment,
		CreatedAt:  m.CreatedAt,
	}
}

// HistoryResponse is the response for GET /chat/messages.
type HistoryResponse struct {
	Messages []MessageView `json:"messages"`
	LastSeq  uint64        `json:"last_seq"`
	HasMore  bool          `json:"has_more"`
}

// Start handles POST /chat/start
func (h *ChatHandler) Start(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	nativeID, err := gonanoid.New(nativeIDLength)
	if err != nil {
		h.logger.Error("failed to generate visitor id", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to start chat")
		return
	}
	label := middleware.SanitizeLabel(req.Name)
	if label == "" {
		label = "web " + nativeID[:6]
	}

	v, err := h.relay.Resolve(r.Context(), model.ChannelWeb, nativeID, label)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	token, exp, err := h.sessions.Issue(nativeID, v.ID)
	if err != nil {
		h.logger.Error("failed to sign session", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to start chat")
		return
	}

	writeJSON(w, http.StatusCreated, StartResponse{
		VisitorID: v.ID,
		Token:     token,
		ExpiresAt: exp.UTC().Format("2006-01-02T15:04:05Z07:00"),
	})
}

// Send handles POST /chat/send
func (h *ChatHandler) Send(w http.ResponseWriter, r *http.Request) {
	var req SendRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := middleware.ValidateMessageContent(req.Text); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.inbound(w, r, service.InboundMessage, req.Text)
}

// Verify handles POST /chat/verify
func (h *ChatHandler) Verify(w http.ResponseWriter, r *http.Request) {
	var req VerifyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	answer, err := middleware.SanitizeAnswer(req.Answer)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.inbound(w, r, service.InboundAnswer, answer)
}

func (h *ChatHandler) inbound(w http.ResponseWriter, r *http.Request, kind service.InboundKind, text string) {
	res, err := h.relay.Inbound(r.Context(), service.InboundEvent{
		Channel:  model.ChannelWeb,
		NativeID: middleware.GetVisitorNativeID(r.Context()),
		Kind:     kind,
		Text:     text,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ChatResponse{
		VisitorID: res.VisitorID,
		Outcome:   res.Gate,
		Challenge: webchat.ViewOf(res.Challenge),
		Message:   viewOf(res.Message),
	})
}

// Messages handles GET /chat/messages
// Supports ?after=N for resuming after a sequence and ?limit=N.
func (h *ChatHandler) Messages(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	v, err := h.relay.LookupByNative(ctx, model.ChannelWeb, middleware.GetVisitorNativeID(ctx))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	var after uint64
	if s := r.URL.Query().Get("after"); s != "" {
		if after, err = strconv.ParseUint(s, 10, 64); err != nil {
			writeError(w, http.StatusBadRequest, "invalid after parameter")
			return
		}
	}
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		if limit, err = strconv.Atoi(s); err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit parameter")
			return
		}
	}

	resp, err := h.relay.History(ctx, v.ID, after, limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	out := HistoryResponse{
		Messages: make([]MessageView, 0, len(resp.Messages)),
		LastSeq:  resp.LastSeq,
		HasMore:  resp.HasMore,
	}
	for i := range resp.Messages {
		out.Messages = append(out.Messages, *viewOf(&resp.Messages[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

// Socket handles GET /chat/ws
func (h *ChatHandler) Socket(w http.ResponseWriter, r *http.Request) {
	h.hub.Serve(w, r, middleware.GetVisitorNativeID(r.Context()))
}

func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrUnknownVisitor):
		writeError(w, http.StatusNotFound, "visitor not found")
	case errors.Is(err, service.ErrStoreUnavailable):
		writeError(w, http.StatusServiceUnavailable, "storage unavailable")
	default:
		logger.Global().Error("chat request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/capitalize-ai/operator-relay/internal/middleware"
)

// RateLimits bounds widget traffic.
type RateLimits struct {
	Requests int
	Window   time.Duration
}

// Routes returns the /chat subtree. /chat/start is limited per IP, the
// rest per session.
func (h *ChatHandler) Routes(limits RateLimits) http.Handler {
	r := chi.NewRouter()

	r.With(middleware.RateLimit(limits.Requests, limits.Window)).Post("/start", h.Start)

	r.Group(func(r chi.Router) {
		r.Use(h.sessions.Auth)
		r.Use(middleware.VisitorRateLimit(limits.Requests, limits.Window))

		r.Post("/send", h.Send)
		r.Post("/verify", h.Verify)
		r.Get("/messages", h.Messages)
		r.Get("/ws", h.Socket)
	})
	return r
}

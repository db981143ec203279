// Package webchat pushes relay messages to web widget visitors over
// websockets.
package webchat

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/capitalize-ai/operator-relay/internal/model"
	"github.com/capitalize-ai/operator-relay/internal/service"
	"github.com/capitalize-ai/operator-relay/pkg/logger"
	"github.com/capitalize-ai/operator-relay/pkg/metrics"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 16
)

// ChallengeView is the part of a challenge a visitor may see.
type ChallengeView struct {
	Kind      model.ChallengeKind `json:"kind"`
	Question  string              `json:"question,omitempty"`
	Options   []string            `json:"options,omitempty"`
	ExpiresAt time.Time           `json:"expires_at"`
}

// ViewOf hides the answer of c.
func ViewOf(c *model.Challenge) *ChallengeView {
	if c == nil {
		return nil
	}
	return &ChallengeView{
		Kind:      c.Kind,
		Question:  c.Question,
		Options:   append([]string(nil), c.Options...),
		ExpiresAt: c.ExpiresAt,
	}
}

// Push is one frame written to a visitor's sockets.
type Push struct {
	Kind       service.OutgoingKind `json:"kind"`
	Text       string               `json:"text,omitempty"`
	Attachment *model.Attachment    `json:"attachment,omitempty"`
	Challenge  *ChallengeView       `json:"challenge,omitempty"`
	At         time.Time            `json:"at"`
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() { close(c.send) })
}

// Hub tracks open sockets per visitor native id. It implements
// service.Sender for the web channel; a visitor without an open socket
// still succeeds and reads the thread through the history endpoint.
type Hub struct {
	mu       sync.Mutex
	clients  map[string]map[*client]struct{}
	upgrader websocket.Upgrader
	logger   *logger.Logger
	now      func() time.Time
}

// NewHub creates a hub. allowedOrigins empty accepts any origin.
func NewHub(allowedOrigins []string, log *logger.Logger) *Hub {
	h := &Hub{
		clients: make(map[string]map[*client]struct{}),
		logger:  log.Named("webchat"),
		now:     time.Now,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(allowedOrigins),
	}
	return h
}

func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		set[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || set[origin]
	}
}

// Send implements service.Sender.
func (h *Hub) Send(ctx context.Context, nativeID string, out service.Outgoing) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	data, err := jsoniter.Marshal(Push{
		Kind:       out.Kind,
		Text:       out.Text,
		Attachment: out.Attachment,
		Challenge:  ViewOf(out.Challenge),
		At:         h.now(),
	})
	if err != nil {
		return "", err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients[nativeID] {
		select {
		case c.send <- data:
		default:
			// Slow reader.
			h.removeLocked(nativeID, c)
		}
	}
	return "", nil
}

// Connected returns the number of open sockets for nativeID.
func (h *Hub) Connected(nativeID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients[nativeID])
}

// Serve upgrades the request and pumps pushes to it until the socket closes.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, nativeID string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}
	h.add(nativeID, c)
	defer h.remove(nativeID, c)

	go h.writePump(c)
	h.readPump(c)
}

// Close drops every socket.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, set := range h.clients {
		for c := range set {
			h.removeLocked(id, c)
		}
	}
}

func (h *Hub) add(nativeID string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.clients[nativeID]
	if !ok {
		set = make(map[*client]struct{})
		h.clients[nativeID] = set
	}
	set[c] = struct{}{}
	metrics.IncrementWebsocketConnections()
}

func (h *Hub) remove(nativeID string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(nativeID, c)
}

func (h *Hub) removeLocked(nativeID string, c *client) {
	set, ok := h.clients[nativeID]
	if !ok {
		return
	}
	if _, ok := set[c]; !ok {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(h.clients, nativeID)
	}
	c.close()
	metrics.DecrementWebsocketConnections()
}

// readPump discards inbound frames; visitors post through HTTP. It returns
// when the peer goes away.
func (h *Hub) readPump(c *client) {
	defer c.conn.Close()
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

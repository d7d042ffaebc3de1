package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/valyala/bytebufferpool"
	"go.uber.org/zap"

	"github.com/kandev/runctl/internal/common/logger"
	"github.com/kandev/runctl/internal/events"
	"github.com/kandev/runctl/internal/events/bus"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 * 1024
	sendBuffer     = 256
)

// streamedSubjects are forwarded to websocket clients.
var streamedSubjects = []string{
	events.ExecutionWildcard,
	events.SessionDisposed,
	events.RestartWaiting,
	events.WorkspaceRefreshed,
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// client is one websocket connection. An empty prefix list receives everything.
type client struct {
	id       string
	conn     *websocket.Conn
	send     chan []byte
	prefixes []string
	hub      *Hub
	logger   *logger.Logger
}

func (c *client) wants(eventType string) bool {
	if len(c.prefixes) == 0 {
		return true
	}
	for _, p := range c.prefixes {
		if strings.HasPrefix(eventType, p) {
			return true
		}
	}
	return false
}

// Hub fans bus events out to websocket clients.
type Hub struct {
	bus    bus.EventBus
	logger *logger.Logger

	register   chan *client
	unregister chan *client
	broadcast  chan *bus.Event
	done       chan struct{}

	mu      sync.RWMutex
	clients map[*client]bool
	subs    []bus.Subscription
}

func NewHub(eventBus bus.EventBus, log *logger.Logger) *Hub {
	return &Hub{
		bus:        eventBus,
		logger:     log.WithFields(zap.String("component", "websocket_hub")),
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan *bus.Event, sendBuffer),
		done:       make(chan struct{}),
		clients:    make(map[*client]bool),
	}
}

// Run subscribes to the bus and serves clients until ctx ends.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)
	for _, subject := range streamedSubjects {
		sub, err := h.bus.Subscribe(subject, func(_ context.Context, e *bus.Event) error {
			select {
			case h.broadcast <- e:
			default:
				h.logger.Warn("websocket broadcast queue full, dropping event", zap.String("type", e.Type))
			}
			return nil
		})
		if err != nil {
			h.unsubscribe()
			return err
		}
		h.subs = append(h.subs, sub)
	}
	defer h.unsubscribe()

	h.logger.Info("websocket hub started")
	defer h.logger.Info("websocket hub stopped")
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return nil

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()

		case c := <-h.unregister:
			h.drop(c)

		case e := <-h.broadcast:
			data, err := encode(e)
			if err != nil {
				h.logger.Error("failed to encode event", zap.Error(err))
				continue
			}
			for _, c := range h.snapshot() {
				if !c.wants(e.Type) {
					continue
				}
				select {
				case c.send <- data:
				default:
					c.logger.Warn("client send buffer full, disconnecting")
					h.drop(c)
				}
			}
		}
	}
}

func (h *Hub) unsubscribe() {
	for _, s := range h.subs {
		_ = s.Unsubscribe()
	}
	h.subs = nil
}

func (h *Hub) snapshot() []*client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		out = append(out, c)
	}
	return out
}

func (h *Hub) drop(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[c] {
		delete(h.clients, c)
		close(c.send)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// encode renders e as a single JSON line.
func encode(e *bus.Event) ([]byte, error) {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	if err := json.NewEncoder(buf).Encode(e); err != nil {
		return nil, err
	}
	return append([]byte(nil), buf.B...), nil
}

// Stream upgrades the request and streams events. ?types= takes a comma
// separated list of event type prefixes.
// GET /api/v1/events
func (h *Hub) Stream(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("failed to upgrade connection", zap.Error(err))
		return
	}

	id := uuid.New().String()
	cl := &client{
		id:     id,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		hub:    h,
		logger: h.logger.WithFields(zap.String("client_id", id)),
	}
	for _, p := range strings.Split(c.Query("types"), ",") {
		if p = strings.TrimSpace(p); p != "" {
			cl.prefixes = append(cl.prefixes, p)
		}
	}

	select {
	case h.register <- cl:
	case <-h.done:
		_ = conn.Close()
		return
	}
	cl.logger.Debug("websocket client connected", zap.Strings("types", cl.prefixes))
	go cl.writePump()
	go cl.readPump()
}

// readPump only services control frames; clients do not send messages.
func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Debug("websocket read error", zap.Error(err))
			}
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

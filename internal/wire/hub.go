package wire

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"hotspotd.dev/governor/internal/logging"
)

// ServerConfig mirrors the Slowloris/body-limit hardening the rest of this
// tree applies to its HTTP surfaces.
type ServerConfig struct {
	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxBodyBytes      int64
}

// DefaultServerConfig returns the hub's HTTP hardening defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxBodyBytes:      1 << 20,
	}
}

// InboundFrame is the shape of a command frame received from a client.
type InboundFrame struct {
	Type          string          `json:"type"`
	CorrelationID string          `json:"correlation_id"`
	Data          json.RawMessage `json:"data"`
}

// CommandHandler processes one inbound frame and returns the notification
// to send back to the sender.
type CommandHandler func(ctx context.Context, cmdType string, data json.RawMessage, correlationID string) Envelope

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Hub is the fan-out broadcaster and command listener: every connected
// client is a subscriber to outbound envelopes, and every inbound frame is
// handed to the single command listener task in receive order.
type Hub struct {
	logger *logging.Logger

	handlerMu sync.RWMutex
	handler   CommandHandler

	cmdMu sync.Mutex // one command is handled at a time, across all clients

	mu      sync.Mutex
	clients map[*client]bool
}

type client struct {
	conn *websocket.Conn
	send chan Envelope
}

// NewHub creates a Hub. handler is invoked for every inbound command frame
// and may be nil initially — e.g. when the handler itself depends on the
// Hub as a broadcaster — in which case SetHandler wires it in after
// construction.
func NewHub(handler CommandHandler, logger *logging.Logger) *Hub {
	if logger == nil {
		logger = logging.Default()
	}
	return &Hub{handler: handler, logger: logger.WithComponent("wire"), clients: make(map[*client]bool)}
}

// SetHandler installs or replaces the Hub's command handler.
func (h *Hub) SetHandler(handler CommandHandler) {
	h.handlerMu.Lock()
	defer h.handlerMu.Unlock()
	h.handler = handler
}

func (h *Hub) currentHandler() CommandHandler {
	h.handlerMu.RLock()
	defer h.handlerMu.RUnlock()
	return h.handler
}

// Router builds the gorilla/mux router exposing the hub's websocket
// endpoint at /ws.
func (h *Hub) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/ws", h.serveWS)
	return r
}

func (h *Hub) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	c := &client{conn: conn, send: make(chan Envelope, 16)}

	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()

	go h.writePump(c)
	h.readPump(c)
}

func (h *Hub) readPump(c *client) {
	defer func() {
		h.mu.Lock()
		delete(h.clients, c)
		h.mu.Unlock()
		close(c.send)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(1 << 20)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var frame InboundFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			h.logger.Warn("malformed inbound frame", "error", err)
			continue
		}
		handler := h.currentHandler()
		if handler == nil {
			continue
		}
		h.cmdMu.Lock()
		result := handler(context.Background(), frame.Type, frame.Data, frame.CorrelationID)
		h.cmdMu.Unlock()
		select {
		case c.send <- result:
		default:
			h.logger.Warn("client send buffer full, dropping notification")
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case env, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(env); err != nil {
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

// Broadcast fans env out to every connected client. Implements
// command.Broadcaster and accounting.Broadcaster.
func (h *Hub) Broadcast(env Envelope) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- env:
		default:
			h.logger.Warn("client send buffer full, dropping broadcast")
		}
	}
}

// ClientCount reports the number of currently connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/fclairamb/kbsync/internal/store"
)

const (
	writeTimeout    = 5 * time.Second
	broadcastBuffer = 100
)

// MessageType is the kind of an event stream message.
type MessageType string

// Message types.
const (
	MessageHello  MessageType = "hello"
	MessageChange MessageType = "change"
)

// Message is one frame of the event stream.
type Message struct {
	Type       MessageType      `json:"type"`
	Timestamp  time.Time        `json:"timestamp"`
	Collection store.Collection `json:"collection,omitempty"`
	Op         store.EventOp    `json:"op,omitempty"`
	IDs        []string         `json:"ids,omitempty"`
}

// Hub relays store events to websocket clients.
type Hub struct {
	store  *store.Store
	logger *slog.Logger
	now    func() time.Time

	clients   map[*websocket.Conn]struct{}
	clientsMu sync.RWMutex

	broadcast   chan Message
	unsubscribe func()

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithHubLogger sets a custom logger.
func WithHubLogger(l *slog.Logger) HubOption {
	return func(h *Hub) {
		h.logger = l
	}
}

// NewHub creates a hub fed by the events of st. Start begins relaying.
func NewHub(st *store.Store, opts ...HubOption) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		store:     st,
		logger:    slog.Default(),
		now:       time.Now,
		clients:   make(map[*websocket.Conn]struct{}),
		broadcast: make(chan Message, broadcastBuffer),
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Start subscribes to the store and runs the broadcast loop.
func (h *Hub) Start() {
	h.unsubscribe = h.store.Subscribe(func(ev store.Event) {
		h.Broadcast(Message{Type: MessageChange, Collection: ev.Collection, Op: ev.Op, IDs: ev.IDs})
	})

	h.wg.Add(1)
	go h.broadcastLoop()
}

// Close unsubscribes, disconnects every client and waits for the loop to exit.
func (h *Hub) Close() {
	if h.unsubscribe != nil {
		h.unsubscribe()
	}
	h.cancel()

	h.clientsMu.Lock()
	for conn := range h.clients {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		delete(h.clients, conn)
	}
	h.clientsMu.Unlock()

	h.wg.Wait()
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}

// Broadcast queues msg for every client. It never blocks: a full queue
// drops the message.
func (h *Hub) Broadcast(msg Message) {
	select {
	case h.broadcast <- msg:
	case <-h.ctx.Done():
	default:
		h.logger.Warn("Event queue full, dropping message", "collection", msg.Collection)
	}
}

func (h *Hub) broadcastLoop() {
	defer h.wg.Done()

	for {
		select {
		case <-h.ctx.Done():
			return

		case msg := <-h.broadcast:
			if msg.Timestamp.IsZero() {
				msg.Timestamp = h.now()
			}
			data, err := json.Marshal(msg)
			if err != nil {
				h.logger.Warn("Failed to marshal event", "error", err)
				continue
			}

			h.clientsMu.RLock()
			clients := make([]*websocket.Conn, 0, len(h.clients))
			for conn := range h.clients {
				clients = append(clients, conn)
			}
			h.clientsMu.RUnlock()

			for _, conn := range clients {
				if err := h.write(conn, data); err != nil {
					h.logger.Debug("Failed to send event", "error", err)
					h.removeClient(conn)
				}
			}
		}
	}
}

// ServeHTTP upgrades the request and registers the client.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.WarnContext(r.Context(), "Websocket upgrade failed", "error", err)
		return
	}

	h.clientsMu.Lock()
	h.clients[conn] = struct{}{}
	count := len(h.clients)
	h.clientsMu.Unlock()
	h.logger.DebugContext(r.Context(), "Event client connected", "clients", count)

	hello, _ := json.Marshal(Message{Type: MessageHello, Timestamp: h.now()})
	if err := h.write(conn, hello); err != nil {
		h.removeClient(conn)
		return
	}

	h.readLoop(conn)
}

// readLoop discards client frames until the connection closes.
func (h *Hub) readLoop(conn *websocket.Conn) {
	defer h.removeClient(conn)
	for {
		if _, _, err := conn.Read(h.ctx); err != nil {
			return
		}
	}
}

func (h *Hub) write(conn *websocket.Conn, data []byte) error {
	ctx, cancel := context.WithTimeout(h.ctx, writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

func (h *Hub) removeClient(conn *websocket.Conn) {
	h.clientsMu.Lock()
	_, ok := h.clients[conn]
	delete(h.clients, conn)
	count := len(h.clients)
	h.clientsMu.Unlock()

	if ok {
		_ = conn.Close(websocket.StatusNormalClosure, "")
		h.logger.Debug("Event client disconnected", "clients", count)
	}
}

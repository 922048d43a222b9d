package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/entrhq/shale/pkg/logging"
	"github.com/entrhq/shale/pkg/pool"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 1024
	sendBufferSize = 64
	broadcastSize  = 256
)

// EventMessage is one websocket frame of the event stream.
type EventMessage struct {
	Type      pool.EventType `json:"type"`
	Session   pool.Session   `json:"session"`
	Timestamp string         `json:"timestamp"`
	Error     string         `json:"error,omitempty"`
}

type outbound struct {
	eventType pool.EventType
	data      []byte
}

// client is one websocket subscriber.
type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	// types limits delivery to these event types (empty means all)
	types map[pool.EventType]bool
}

func (c *client) wants(t pool.EventType) bool {
	return len(c.types) == 0 || c.types[t]
}

// readPump drains the connection so pongs and close frames are processed.
func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Warnf("read error: %v", err)
			}
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
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

// Hub fans pool events out to websocket subscribers. It implements
// pool.Publisher; Publish never blocks, and a subscriber that cannot keep up
// is disconnected.
type Hub struct {
	log      *logging.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*client]bool

	broadcast  chan outbound
	register   chan *client
	unregister chan *client
	done       chan struct{}
	stopOnce   sync.Once
}

// NewHub creates a hub. Call Run to start delivery.
func NewHub(log *logging.Logger) *Hub {
	return &Hub{
		log: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		clients:    make(map[*client]bool),
		broadcast:  make(chan outbound, broadcastSize),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
	}
}

// Run delivers events until Stop is called.
func (h *Hub) Run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.log.Debugf("subscriber connected (total: %d)", n)

		case c := <-h.unregister:
			h.mu.Lock()
			if h.clients[c] {
				delete(h.clients, c)
				close(c.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.log.Debugf("subscriber disconnected (total: %d)", n)

		case msg := <-h.broadcast:
			h.mu.Lock()
			for c := range h.clients {
				if !c.wants(msg.eventType) {
					continue
				}
				select {
				case c.send <- msg.data:
				default:
					h.log.Warnf("dropping slow subscriber %s", c.conn.RemoteAddr())
					close(c.send)
					delete(h.clients, c)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Stop ends Run and closes every subscriber.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

// ClientCount returns the number of connected subscribers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Publish implements pool.Publisher. Events are dropped when the hub is
// backed up.
func (h *Hub) Publish(e pool.Event) {
	data, err := json.Marshal(EventMessage{
		Type:      e.Type,
		Session:   e.Session,
		Timestamp: e.Time.UTC().Format(time.RFC3339Nano),
		Error:     e.Error,
	})
	if err != nil {
		h.log.Errorf("encoding %s event: %v", e.Type, err)
		return
	}

	select {
	case h.broadcast <- outbound{eventType: e.Type, data: data}:
	default:
		h.log.Warnf("event buffer full, dropped %s for %s", e.Type, e.Session.ID)
	}
}

// ServeHTTP upgrades the request to a websocket subscription. Repeated
// ?type= parameters restrict the stream to those event types.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	types := make(map[pool.EventType]bool)
	for _, t := range r.URL.Query()["type"] {
		types[pool.EventType(t)] = true
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied
		h.log.Warnf("upgrade error: %v", err)
		return
	}

	c := &client{hub: h, conn: conn, send: make(chan []byte, sendBufferSize), types: types}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

var _ pool.Publisher = (*Hub)(nil)

package bus

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/deriv/fraud-triage/internal/metrics"
	"github.com/deriv/fraud-triage/internal/models"
)

// Push topics. Every frame carries its topic so a single socket serves the
// whole dashboard.
const (
	TopicQueue = "/topic/queue"
	TopicStats = "/topic/stats"
)

const (
	clientBuffer = 256
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = 54 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// Dashboard origins are enforced at the edge.
		return true
	},
}

// Frame is the envelope pushed to subscribers.
type Frame struct {
	Topic string      `json:"topic"`
	Data  interface{} `json:"data"`
}

// Client is one connected dashboard socket.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	id   string
}

// Hub fans frames out to every connected dashboard client. Publishing
// never blocks: a client whose buffer is full is dropped and must
// reconnect, the same contract the triage pipeline relies on.
type Hub struct {
	mu         sync.RWMutex
	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
}

// NewHub creates an empty hub. Call Run before publishing.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
	}
}

// Run drives the hub loop until ctx-free shutdown via closing the process.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			log.Info().Str("client", client.id).Msg("Dashboard client connected")

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			log.Info().Str("client", client.id).Msg("Dashboard client disconnected")

		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					// Slow subscriber. Drop it rather than stall the hub.
					delete(h.clients, client)
					close(client.send)
					metrics.PushDropped.Inc()
					log.Warn().Str("client", client.id).Msg("Dropping slow dashboard client")
				}
			}
			h.mu.Unlock()
		}
	}
}

// PublishCase pushes a created or mutated case to the live queue topic.
func (h *Hub) PublishCase(c *models.FraudCase) {
	h.publish(Frame{Topic: TopicQueue, Data: c})
}

// PublishStats pushes the periodic aggregate to the stats topic.
func (h *Hub) PublishStats(frame *models.StatsFrame) {
	h.publish(Frame{Topic: TopicStats, Data: frame})
}

func (h *Hub) publish(frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		log.Error().Err(err).Str("topic", frame.Topic).Msg("Failed to marshal push frame")
		return
	}

	select {
	case h.broadcast <- data:
	default:
		metrics.PushDropped.Inc()
		log.Warn().Str("topic", frame.Topic).Msg("Push broadcast channel full, frame dropped")
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleWebSocket upgrades an HTTP request into a dashboard subscription.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("Failed to upgrade WebSocket connection")
		return
	}

	client := &Client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, clientBuffer),
		id:   uuid.New().String(),
	}

	h.register <- client

	go client.writePump()
	go client.readPump()
}

// readPump drains the connection so pongs and close frames are processed.
// Inbound payloads are ignored; the dashboard talks to the REST API.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Warn().Err(err).Str("client", c.id).Msg("WebSocket read error")
			}
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

			// Flush whatever queued while we were writing.
			n := len(c.send)
			for i := 0; i < n; i++ {
				if err := c.conn.WriteMessage(websocket.TextMessage, <-c.send); err != nil {
					return
				}
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

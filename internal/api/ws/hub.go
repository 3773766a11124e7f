package ws

import (
	"encoding/base64"
	"fmt"
	"image"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/your-org/presence/internal/models"
	"github.com/your-org/presence/internal/observability"
	"github.com/your-org/presence/internal/stream"
	"github.com/your-org/presence/internal/timeutil"
	"github.com/your-org/presence/internal/vision"
	"github.com/your-org/presence/pkg/dto"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1 << 16,
	WriteBufferSize: 1 << 16,
	CheckOrigin: func(r *http.Request) bool {
		return true // same-key clients only, CORS handles the browser side
	},
}

// Hub owns the connected clients and fans out attendance broadcasts.
// Each client additionally runs its own recognition session.
type Hub struct {
	sessions    *stream.Service
	cooldownSec func() int
	// onMark runs after a mark is recorded, outside any lock (bus
	// publish).
	onMark func(ev models.AttendanceEvent)

	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
}

func NewHub(sessions *stream.Service, cooldownSec func() int, onMark func(ev models.AttendanceEvent)) *Hub {
	return &Hub{
		sessions:    sessions,
		cooldownSec: cooldownSec,
		onMark:      onMark,
		clients:     make(map[*Client]bool),
		broadcast:   make(chan []byte, 256),
		register:    make(chan *Client),
		unregister:  make(chan *Client),
	}
}

// Run starts the hub event loop. Call this in a goroutine.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			observability.WSConnections.Inc()
			slog.Debug("ws client connected")

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			observability.WSConnections.Dec()
			slog.Debug("ws client disconnected")

		case message := <-h.broadcast:
			h.mu.RLock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					// Client buffer full — disconnect
					h.mu.RUnlock()
					h.mu.Lock()
					delete(h.clients, client)
					close(client.send)
					h.mu.Unlock()
					h.mu.RLock()
				}
			}
			h.mu.RUnlock()
		}
	}
}

// BroadcastLog tells every client about a freshly recorded mark.
func (h *Hub) BroadcastLog(ev models.AttendanceEvent) {
	data, err := dto.Encode(dto.WSAttLog, dto.EventResponse{
		ID:       ev.ID,
		Label:    ev.Label,
		PersonID: ev.PersonID,
		TS:       timeutil.FormatISO(ev.TS),
		Score:    ev.Score,
	})
	if err != nil {
		slog.Error("marshal att_log", "error", err)
		return
	}
	h.broadcast <- data
}

// BroadcastDBUpdate tells every client that the roster or config
// changed and cached views should be refreshed.
func (h *Hub) BroadcastDBUpdate() {
	data, err := dto.Encode(dto.WSAttDBUpdate, nil)
	if err != nil {
		slog.Error("marshal att_db_update", "error", err)
		return
	}
	h.broadcast <- data
}

// Client is one socket with its recognition session.
type Client struct {
	conn *websocket.Conn
	send chan []byte
	sess *stream.Session
}

// HandleWS upgrades the connection and starts the session.
func (h *Hub) HandleWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "error", err)
		return
	}

	client := &Client{
		conn: conn,
		send: make(chan []byte, 64),
		sess: h.sessions.NewSession(),
	}

	h.register <- client

	go client.writePump()
	go client.readPump(h)

	client.sendReady(dto.WSAttReady, h.cooldownSec())
	client.sendReady(dto.WSFunReady, h.cooldownSec())
}

func (c *Client) sendReady(msgType string, cooldownSec int) {
	threshold, mark := c.sess.Config()
	c.reply(msgType, dto.ReadyPayload{Threshold: threshold, Mark: mark, CooldownSec: cooldownSec})
}

func (c *Client) reply(msgType string, payload interface{}) {
	data, err := dto.Encode(msgType, payload)
	if err != nil {
		slog.Error("marshal ws reply", "type", msgType, "error", err)
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

func (c *Client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

func (c *Client) readPump(h *Hub) {
	defer func() {
		h.unregister <- c
		c.conn.Close()
	}()

	for {
		var msg dto.ClientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}

		switch msg.Type {
		case dto.WSAttCfg:
			var raw float64
			if msg.Threshold != nil {
				raw = *msg.Threshold
			}
			c.sess.SetConfig(raw, msg.Mark)
			c.sendReady(dto.WSAttReady, h.cooldownSec())

		case dto.WSAttFrame:
			img, err := decodeFrame(msg.Data)
			if err != nil {
				c.reply(dto.WSError, gin.H{"error": err.Error()})
				continue
			}
			res, dropped, err := c.sess.HandleFrame(img)
			if err != nil {
				c.reply(dto.WSError, gin.H{"error": err.Error()})
				continue
			}
			if dropped {
				continue
			}
			c.reply(dto.WSAttResult, res)
			for _, m := range res.Marked {
				h.BroadcastLog(m.Event)
				if h.onMark != nil {
					h.onMark(m.Event)
				}
			}

		case dto.WSFunFrame:
			img, err := decodeFrame(msg.Data)
			if err != nil {
				c.reply(dto.WSError, gin.H{"error": err.Error()})
				continue
			}
			res, dropped, err := c.sess.HandleFunFrame(img)
			if err != nil {
				c.reply(dto.WSError, gin.H{"error": err.Error()})
				continue
			}
			if dropped {
				continue
			}
			c.reply(dto.WSFunResult, res)

		default:
			c.reply(dto.WSError, gin.H{"error": "unknown message type"})
		}
	}
}

// decodeFrame turns a base64 JPEG (with or without a data-URL prefix)
// into an image.
func decodeFrame(data string) (image.Image, error) {
	if i := strings.Index(data, ","); i >= 0 && strings.HasPrefix(data, "data:") {
		data = data[i+1:]
	}
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	return vision.DecodeImage(raw)
}

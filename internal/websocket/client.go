package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/highscore-gateway/internal/domain"
	"github.com/highscore-gateway/internal/service"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer. A subscribe frame carries a
	// whole signed envelope.
	maxMessageSize = 8192

	// Time allowed to authorize a subscription
	authorizeWait = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Games connect from arbitrary origins; subscriptions are authorized
	// by their signed envelope instead.
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Authorizer verifies a signed read and returns the table it addresses
// together with its current entries.
type Authorizer interface {
	GetScores(ctx context.Context, body string, limit int) (*service.Scores, error)
}

// Client represents a WebSocket client connection
type Client struct {
	id     string
	hub    *Hub
	auth   Authorizer
	conn   *websocket.Conn
	send   chan []byte
	logger *slog.Logger
}

// ClientMessage represents a message from the client. Request carries the
// signed read envelope of a subscribe frame.
type ClientMessage struct {
	Type      string    `json:"type"`
	Request   string    `json:"request,omitempty"`
	TableUUID uuid.UUID `json:"table_uuid,omitempty"`
}

// Snapshot is sent once a subscription has been authorized
type Snapshot struct {
	Scores []domain.ListedScore `json:"scores"`
}

// NewClient creates a new WebSocket client
func NewClient(hub *Hub, auth Authorizer, conn *websocket.Conn, logger *slog.Logger) *Client {
	return &Client{
		id:     uuid.New().String(),
		hub:    hub,
		auth:   auth,
		conn:   conn,
		send:   make(chan []byte, 256),
		logger: logger,
	}
}

// readPump pumps messages from the WebSocket connection to the hub
func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("websocket error", "client_id", c.id, "error", err)
			}
			break
		}

		var clientMsg ClientMessage
		if err := json.Unmarshal(message, &clientMsg); err != nil {
			c.logger.Debug("invalid message format", "client_id", c.id, "error", err)
			c.sendError("Bad Request")
			continue
		}

		c.handleMessage(&clientMsg)
	}
}

// handleMessage processes incoming client messages
func (c *Client) handleMessage(msg *ClientMessage) {
	switch msg.Type {
	case MessageTypeSubscribe:
		c.subscribe(msg.Request)

	case MessageTypeUnsubscribe:
		if msg.TableUUID != uuid.Nil {
			c.hub.Unsubscribe(c, msg.TableUUID)
			c.sendMessage(Message{Type: MessageTypeUnsubscribed, TableUUID: &msg.TableUUID})
		}

	case MessageTypePing:
		c.sendMessage(Message{Type: MessageTypePong})

	default:
		c.logger.Debug("unknown message type", "client_id", c.id, "type", msg.Type)
	}
}

func (c *Client) subscribe(request string) {
	if request == "" {
		c.sendError("Bad Request")
		return
	}

	ctx, cancel := context.WithTimeout(c.hub.ctx, authorizeWait)
	defer cancel()

	scores, err := c.auth.GetScores(ctx, request, 0)
	if err != nil {
		c.sendError(reason(err))
		return
	}

	tableUUID := scores.Table.TableUUID
	c.hub.Subscribe(c, tableUUID)
	c.sendMessage(Message{
		Type:      MessageTypeSubscribed,
		TableUUID: &tableUUID,
		Data:      Snapshot{Scores: domain.Listing(scores.Entries)},
	})
}

// reason mirrors the opaque HTTP error reasons
func reason(err error) string {
	switch {
	case domain.IsClientError(err):
		return "Bad Request"
	case domain.IsForbidden(err):
		return "Forbidden"
	default:
		return "Internal Server Error"
	}
}

// writePump pumps messages from the hub to the WebSocket connection
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			// one JSON document per frame
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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

// sendError sends an error message to the client
func (c *Client) sendError(reason string) {
	c.sendMessage(Message{
		Type: MessageTypeError,
		Data: map[string]string{"status": "error", "reason": reason},
	})
}

func (c *Client) sendMessage(msg Message) {
	msg.Timestamp = time.Now().UTC()
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("failed to marshal message", "client_id", c.id, "error", err)
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

// ServeWs handles WebSocket requests from peers
func ServeWs(hub *Hub, auth Authorizer, logger *slog.Logger, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := NewClient(hub, auth, conn, logger)
	hub.Register(client)

	go client.writePump()
	go client.readPump()

	logger.Debug("new websocket connection", "client_id", client.id)
}

package streaming

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/hivecore/hivecore/internal/common/logger"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum inbound control frame size.
	maxMessageSize = 4096
)

// Client is one live stream connection and its outbound buffer.
type Client struct {
	ID     string
	conn   *websocket.Conn
	send   chan []byte
	hub    *Hub
	logger *logger.Logger
}

// NewClient wraps an upgraded connection. The send buffer absorbs event
// bursts; the hub drops the client when it overflows.
func NewClient(id string, conn *websocket.Conn, hub *Hub, log *logger.Logger) *Client {
	return &Client{
		ID:     id,
		conn:   conn,
		send:   make(chan []byte, 256),
		hub:    hub,
		logger: log.WithFields(zap.String("client_id", id)),
	}
}

// controlFrame is the message clients send to change their session
// subscriptions.
type controlFrame struct {
	Action    string `json:"action"`
	SessionID string `json:"session_id"`
}

// Subscribe opts the client into a session's scoped events.
func (c *Client) Subscribe(sessionID string) {
	c.hub.SubscribeClient(c, sessionID)
}

// Unsubscribe opts the client out of a session's scoped events.
func (c *Client) Unsubscribe(sessionID string) {
	c.hub.UnsubscribeClient(c, sessionID)
}

// ReadPump reads control frames from the peer until the connection drops.
// It owns the unregister path: when it returns, the hub closes the send
// channel and WritePump exits.
func (c *Client) ReadPump() {
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
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure) {
				c.logger.Warn("WebSocket read failed", zap.Error(err))
			}
			return
		}
		c.handleControlFrame(data)
	}
}

func (c *Client) handleControlFrame(data []byte) {
	var frame controlFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		c.logger.Debug("Ignoring malformed control frame", zap.Error(err))
		return
	}
	if frame.SessionID == "" {
		return
	}

	switch frame.Action {
	case "subscribe":
		c.Subscribe(frame.SessionID)
	case "unsubscribe":
		c.Unsubscribe(frame.SessionID)
	default:
		c.logger.Debug("Ignoring unknown control action", zap.String("action", frame.Action))
	}
}

// WritePump writes hub events and keepalive pings to the peer.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// send was closed by the hub, say goodbye properly
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
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

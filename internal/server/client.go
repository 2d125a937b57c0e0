package server

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agentport/host/internal/logger"
	"github.com/agentport/host/internal/protocol"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 1 << 20
)

// Client is the per-connection record: the socket, its outbound queue,
// and the session id once the client authenticates.
type Client struct {
	id     string
	conn   *websocket.Conn
	server *Server
	send   chan []byte

	mu        sync.RWMutex
	sessionID string

	closeOnce sync.Once
	done      chan struct{}
}

func newClient(id string, conn *websocket.Conn, server *Server) *Client {
	return &Client{
		id:     id,
		conn:   conn,
		server: server,
		send:   make(chan []byte, 256),
		done:   make(chan struct{}),
	}
}

// ConnectionID identifies the underlying connection.
func (c *Client) ConnectionID() string {
	return c.id
}

// SessionID returns the authenticated session id, empty before auth.
func (c *Client) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

func (c *Client) setSessionID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionID = id
}

// readPump reads inbound frames and hands each to the server in its own
// goroutine. Responses may therefore complete out of arrival order;
// clients correlate strictly by request id.
func (c *Client) readPump() {
	defer func() {
		c.server.removeClient(c)
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
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logger.Error("WebSocket read error on %s: %v", c.id, err)
			}
			return
		}
		go c.server.handleFrame(c, message)
	}
}

// writePump serializes all socket writes through the send channel and
// keeps the connection alive with periodic pings.
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
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				logger.Debug("WebSocket write error on %s: %v", c.id, err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			return
		}
	}
}

// sendResponse queues a response frame. A full queue drops the frame;
// the peer is too slow to keep its own responses.
func (c *Client) sendResponse(resp *protocol.Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		logger.Error("Failed to marshal response for %s: %v", c.id, err)
		return
	}
	c.enqueue(data)
}

// sendNotification queues a server-initiated notification frame.
func (c *Client) sendNotification(n *protocol.Notification) {
	data, err := json.Marshal(n)
	if err != nil {
		logger.Error("Failed to marshal notification for %s: %v", c.id, err)
		return
	}
	c.enqueue(data)
}

func (c *Client) enqueue(data []byte) {
	select {
	case c.send <- data:
	case <-c.done:
	default:
		logger.Warn("Send queue full for %s, dropping frame", c.id)
	}
}

// close shuts the connection down once. Safe to call from any goroutine.
func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

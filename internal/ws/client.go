package ws

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	sendBufferSize = 256
)

var (
	ErrClientClosed   = errors.New("connection closed")
	ErrSendBufferFull = errors.New("send buffer full")
	errMalformedEvent = errors.New("malformed event")
)

// Client is one open WebSocket connection.
type Client struct {
	// ID identifies the connection in the session registry.
	ID string

	hub  *Hub
	conn *websocket.Conn
	addr string
	log  *zap.Logger

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

// ServeWs upgrades the request and registers the connection with the hub.
// A non-zero userID binds the new connection to that user straight away;
// otherwise it stays unauthenticated until an authenticate event.
func ServeWs(hub *Hub, w http.ResponseWriter, r *http.Request, userID int64) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     hub.origins.check,
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := newClient(hub, conn, r.RemoteAddr)
	if userID != 0 {
		hub.sessions.Bind(client.ID, userID)
	}

	// The hub launches the pump goroutines.
	if !hub.registerClient(client) {
		hub.sessions.Unbind(client.ID)
		_ = conn.Close()
	}
}

func newClient(hub *Hub, conn *websocket.Conn, addr string) *Client {
	id := uuid.NewString()
	return &Client{
		ID:   id,
		hub:  hub,
		conn: conn,
		addr: addr,
		log:  hub.log.With(zap.String("conn_id", id)),
		send: make(chan []byte, sendBufferSize),
	}
}

// Send queues an event for this connection only.
func (c *Client) Send(event string, payload any) error {
	message, err := encode(event, payload)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClientClosed
	}
	select {
	case c.send <- message:
		return nil
	default:
		return ErrSendBufferFull
	}
}

func (c *Client) SendError(err error) {
	if sendErr := c.Send(EventError, ErrorPayload{Message: err.Error()}); sendErr != nil {
		c.log.Debug("error event undeliverable", zap.Error(sendErr))
	}
}

func (c *Client) enqueue(message []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- message:
		return true
	default:
		return false
	}
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// readPump dispatches inbound events one at a time, so events from a single
// connection never run concurrently.
func (c *Client) readPump() {
	defer func() {
		c.hub.sessions.Unbind(c.ID)
		c.hub.unregisterClient(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(c.hub.maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.log.Warn("websocket read error", zap.Error(err))
			}
			return
		}
		c.dispatch(raw)
	}
}

func (c *Client) dispatch(raw []byte) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Event == "" {
		c.SendError(errMalformedEvent)
		return
	}

	handler, ok := c.hub.handlers[env.Event]
	if !ok {
		c.SendError(fmt.Errorf("unknown event %q", env.Event))
		return
	}

	if err := handler(c.hub.ctx, c, env.Data); err != nil {
		c.SendError(err)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.log.Debug("websocket write failed", zap.Error(err))
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

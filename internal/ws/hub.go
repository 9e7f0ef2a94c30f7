package ws

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pliu/messenger/internal/session"
)

// ErrHubClosed is returned by Publish once the hub has shut down.
var ErrHubClosed = errors.New("hub closed")

const defaultMaxMessageSize = 4096

type Hub struct {
	// Registered clients. Owned by Run; mu guards reads from other goroutines.
	clients map[*Client]bool
	mu      sync.RWMutex

	// Encoded envelopes to fan out to every client.
	broadcast chan []byte

	// Register requests from the clients.
	register chan *Client

	// Unregister requests from clients.
	unregister chan *Client

	// Event dispatch table. Filled by Handle before Run; read-only afterwards.
	handlers map[string]EventHandlerFunc

	sessions       *session.Registry
	log            *zap.Logger
	origins        originPolicy
	maxMessageSize int64

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup
}

type HubOption func(*Hub)

func WithAllowedOrigins(origins []string) HubOption {
	return func(h *Hub) { h.origins = newOriginPolicy(origins) }
}

func WithMaxMessageSize(n int64) HubOption {
	return func(h *Hub) {
		if n > 0 {
			h.maxMessageSize = n
		}
	}
}

func NewHub(sessions *session.Registry, log *zap.Logger, opts ...HubOption) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		clients:        make(map[*Client]bool),
		broadcast:      make(chan []byte),
		register:       make(chan *Client),
		unregister:     make(chan *Client),
		handlers:       make(map[string]EventHandlerFunc),
		sessions:       sessions,
		log:            log.Named("hub"),
		origins:        newOriginPolicy([]string{"*"}),
		maxMessageSize: defaultMaxMessageSize,
		ctx:            ctx,
		cancel:         cancel,
		done:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Handle registers fn for inbound events named event. It must be called
// before Run.
func (h *Hub) Handle(event string, fn EventHandlerFunc) {
	h.handlers[event] = fn
}

// Sessions exposes the registry binding connections to users.
func (h *Hub) Sessions() *session.Registry {
	return h.sessions
}

func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.closeAllClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			count := len(h.clients)
			h.mu.Unlock()
			h.log.Debug("client registered", zap.String("conn_id", client.ID), zap.String("addr", client.addr), zap.Int("clients", count))

			h.wg.Add(2)
			go func() {
				defer h.wg.Done()
				client.writePump()
			}()
			go func() {
				defer h.wg.Done()
				client.readPump()
			}()

		case client := <-h.unregister:
			h.remove(client)

		case message := <-h.broadcast:
			h.mu.RLock()
			var failed []*Client
			for client := range h.clients {
				if !client.enqueue(message) {
					failed = append(failed, client)
				}
			}
			h.mu.RUnlock()

			for _, client := range failed {
				h.log.Warn("dropping slow client", zap.String("conn_id", client.ID))
				h.remove(client)
			}
		}
	}
}

func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	_, ok := h.clients[client]
	delete(h.clients, client)
	count := len(h.clients)
	h.mu.Unlock()

	if ok {
		client.close()
		h.log.Debug("client unregistered", zap.String("conn_id", client.ID), zap.Int("clients", count))
	}
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.clients = make(map[*Client]bool)
	h.mu.Unlock()

	for _, client := range clients {
		client.close()
		_ = client.conn.Close()
	}
	h.log.Info("closed client connections", zap.Int("count", len(clients)))
}

// Publish fans an event out to every open connection. It returns once the
// hub loop has taken the event; delivery to each connection happens
// asynchronously and in publish order.
func (h *Hub) Publish(event string, payload any) error {
	message, err := encode(event, payload)
	if err != nil {
		return err
	}

	select {
	case h.broadcast <- message:
		return nil
	case <-h.ctx.Done():
		return ErrHubClosed
	}
}

func (h *Hub) registerClient(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.ctx.Done():
		return false
	}
}

func (h *Hub) unregisterClient(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.ctx.Done():
	}
}

// ClientCount returns the number of open connections.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Shutdown stops the hub, closes every connection and waits for the
// per-connection goroutines to exit.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.cancel()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-h.done:
	case <-timer.C:
		return context.DeadlineExceeded
	}

	finished := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		h.log.Info("hub shutdown completed")
		return nil
	case <-timer.C:
		return context.DeadlineExceeded
	}
}

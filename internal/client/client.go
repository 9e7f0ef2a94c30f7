// Package client talks to the messenger server: register and login over
// HTTP, then chat over the persistent WebSocket connection.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pliu/messenger/internal/models"
	"github.com/pliu/messenger/internal/ws"
)

var (
	// ErrConnectionUnavailable means the server could not be reached. The
	// caller may retry.
	ErrConnectionUnavailable = errors.New("connection unavailable")
	ErrNotLoggedIn           = errors.New("not logged in")
	ErrNotConnected          = errors.New("not connected")
)

// APIError is an error response returned by the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type apiResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	UserID  int64  `json:"user_id"`
	Token   string `json:"token"`
}

type sendMessageRequest struct {
	UserID  int64  `json:"user_id"`
	Message string `json:"message"`
}

type Client struct {
	baseURL string
	http    *http.Client
	dialer  *websocket.Dialer

	mu     sync.Mutex
	userID int64
	token  string
	conn   *websocket.Conn
	done   chan struct{}

	// writeMu serializes frames; gorilla connections allow one writer.
	writeMu sync.Mutex

	onMessage func(models.ChatMessage)
	onHistory func([]models.ChatMessage)
	onError   func(string)
}

func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

// OnMessage, OnHistory and OnError must be set before Connect.
func (c *Client) OnMessage(fn func(models.ChatMessage))   { c.onMessage = fn }
func (c *Client) OnHistory(fn func([]models.ChatMessage)) { c.onHistory = fn }
func (c *Client) OnError(fn func(message string))         { c.onError = fn }

func (c *Client) UserID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

func (c *Client) Register(ctx context.Context, username, password string) error {
	_, err := c.post(ctx, "/register", credentials{Username: username, Password: password}, http.StatusCreated)
	return err
}

// Login verifies the credentials and keeps the identity token for Connect.
func (c *Client) Login(ctx context.Context, username, password string) (int64, error) {
	resp, err := c.post(ctx, "/login", credentials{Username: username, Password: password}, http.StatusOK)
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	c.userID = resp.UserID
	c.token = resp.Token
	c.mu.Unlock()
	return resp.UserID, nil
}

func (c *Client) post(ctx context.Context, path string, body any, wantStatus int) (*apiResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionUnavailable, err)
	}
	defer res.Body.Close()

	var resp apiResponse
	decodeErr := json.NewDecoder(res.Body).Decode(&resp)
	if res.StatusCode != wantStatus {
		message := resp.Message
		if decodeErr != nil || message == "" {
			message = http.StatusText(res.StatusCode)
		}
		return nil, &APIError{StatusCode: res.StatusCode, Message: message}
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("decode response: %w", decodeErr)
	}
	return &resp, nil
}

// Connect opens the persistent connection with the login token and asks for
// the message history.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	token := c.token
	c.mu.Unlock()
	if token == "" {
		return ErrNotLoggedIn
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, resp, err := c.dialer.DialContext(ctx, c.wsURL(), header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return &APIError{StatusCode: resp.StatusCode, Message: "unauthorized"}
		}
		return fmt.Errorf("%w: %w", ErrConnectionUnavailable, err)
	}

	done := make(chan struct{})
	c.mu.Lock()
	c.conn = conn
	c.done = done
	c.mu.Unlock()

	go c.readLoop(conn, done)
	return c.RequestHistory()
}

func (c *Client) wsURL() string {
	u := c.baseURL
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/ws"
}

func (c *Client) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)

	for {
		var env ws.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return
		}

		switch env.Event {
		case ws.EventReceiveMessage:
			var msg models.ChatMessage
			if json.Unmarshal(env.Data, &msg) == nil && c.onMessage != nil {
				c.onMessage(msg)
			}
		case ws.EventMessageHistory:
			var history []models.ChatMessage
			if json.Unmarshal(env.Data, &history) == nil && c.onHistory != nil {
				c.onHistory(history)
			}
		case ws.EventError:
			var payload ws.ErrorPayload
			if json.Unmarshal(env.Data, &payload) == nil && c.onError != nil {
				c.onError(payload.Message)
			}
		}
	}
}

func (c *Client) emit(event string, payload any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	env := ws.Envelope{Event: event}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		env.Data = data
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteJSON(env); err != nil {
		return fmt.Errorf("%w: %w", ErrConnectionUnavailable, err)
	}
	return nil
}

func (c *Client) SendMessage(text string) error {
	userID := c.UserID()
	if userID == 0 {
		return ErrNotLoggedIn
	}
	return c.emit(ws.EventSendMessage, sendMessageRequest{UserID: userID, Message: text})
}

func (c *Client) RequestHistory() error {
	return c.emit(ws.EventRequestHistory, nil)
}

// Done is closed when the connection drops. It is nil before Connect.
func (c *Client) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn == nil {
		return nil
	}

	c.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return conn.Close()
}

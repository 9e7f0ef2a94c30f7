package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/pliu/messenger/internal/auth"
	"github.com/pliu/messenger/internal/handlers"
	"github.com/pliu/messenger/internal/models"
	"github.com/pliu/messenger/internal/session"
	"github.com/pliu/messenger/internal/store/sqlstore"
	"github.com/pliu/messenger/internal/ws"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	store, err := sqlstore.New("sqlite3", ":memory:", sqlstore.WithHashCost(bcrypt.MinCost))
	require.NoError(t, err)

	log := zap.NewNop()
	tokens := auth.NewIssuer("test-secret", time.Hour)
	hub := ws.NewHub(session.NewRegistry(), log)

	authHandler := &handlers.AuthHandler{Store: store, Tokens: tokens, Log: log}
	chatHandler := &handlers.ChatHandler{Store: store, Hub: hub, Tokens: tokens, Log: log}
	chatHandler.Attach(hub)
	go hub.Run()

	server := httptest.NewServer(handlers.NewRouter(authHandler, chatHandler, log))
	t.Cleanup(func() {
		server.Close()
		_ = hub.Shutdown(time.Second)
		store.Close()
	})
	return server
}

type recorder struct {
	messages chan models.ChatMessage
	history  chan []models.ChatMessage
	errors   chan string
}

func watch(c *Client) *recorder {
	r := &recorder{
		messages: make(chan models.ChatMessage, 16),
		history:  make(chan []models.ChatMessage, 4),
		errors:   make(chan string, 4),
	}
	c.OnMessage(func(m models.ChatMessage) { r.messages <- m })
	c.OnHistory(func(h []models.ChatMessage) { r.history <- h })
	c.OnError(func(msg string) { r.errors <- msg })
	return r
}

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		var zero T
		return zero
	}
}

func TestRegisterAndLogin(t *testing.T) {
	server := newTestServer(t)
	ctx := context.Background()
	c := New(server.URL)

	require.NoError(t, c.Register(ctx, "alice", "pw1"))

	err := c.Register(ctx, "alice", "pw1")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, "user already exists", apiErr.Message)

	_, err = c.Login(ctx, "alice", "wrong")
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "invalid credentials", apiErr.Message)

	userID, err := c.Login(ctx, "alice", "pw1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), userID)
	assert.Equal(t, userID, c.UserID())
}

func TestUnreachableServer(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	err := New(url).Register(context.Background(), "alice", "pw1")
	assert.ErrorIs(t, err, ErrConnectionUnavailable)
}

func TestConnectRequiresLogin(t *testing.T) {
	server := newTestServer(t)
	c := New(server.URL)

	assert.ErrorIs(t, c.Connect(context.Background()), ErrNotLoggedIn)
	assert.ErrorIs(t, c.SendMessage("hi"), ErrNotLoggedIn)
	assert.ErrorIs(t, c.RequestHistory(), ErrNotConnected)
}

func TestChatRoundTrip(t *testing.T) {
	server := newTestServer(t)
	ctx := context.Background()

	alice := New(server.URL)
	require.NoError(t, alice.Register(ctx, "alice", "pw1"))
	_, err := alice.Login(ctx, "alice", "pw1")
	require.NoError(t, err)
	aliceEvents := watch(alice)
	require.NoError(t, alice.Connect(ctx))
	defer alice.Close()

	assert.Empty(t, receive(t, aliceEvents.history))

	require.NoError(t, alice.SendMessage("hi"))
	got := receive(t, aliceEvents.messages)
	assert.Equal(t, "alice", got.Username)
	assert.Equal(t, "hi", got.Message)
	_, err = time.ParseInLocation(models.TimestampLayout, got.Timestamp, time.Local)
	assert.NoError(t, err)

	bob := New(server.URL)
	require.NoError(t, bob.Register(ctx, "bob", "pw2"))
	_, err = bob.Login(ctx, "bob", "pw2")
	require.NoError(t, err)
	bobEvents := watch(bob)
	require.NoError(t, bob.Connect(ctx))
	defer bob.Close()

	history := receive(t, bobEvents.history)
	require.Len(t, history, 1)
	assert.Equal(t, "hi", history[0].Message)

	require.NoError(t, bob.SendMessage(""))
	assert.Equal(t, "message is required", receive(t, bobEvents.errors))
}

func TestCloseEndsReadLoop(t *testing.T) {
	server := newTestServer(t)
	ctx := context.Background()

	c := New(server.URL)
	require.NoError(t, c.Register(ctx, "alice", "pw1"))
	_, err := c.Login(ctx, "alice", "pw1")
	require.NoError(t, err)
	require.NoError(t, c.Connect(ctx))

	require.NoError(t, c.Close())
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("read loop still running")
	}
	assert.ErrorIs(t, c.SendMessage("late"), ErrNotConnected)
}

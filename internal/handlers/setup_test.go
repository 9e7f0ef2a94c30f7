package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/pliu/messenger/internal/auth"
	"github.com/pliu/messenger/internal/session"
	"github.com/pliu/messenger/internal/store/sqlstore"
	"github.com/pliu/messenger/internal/ws"
)

type testEnv struct {
	store  *sqlstore.SQLStore
	hub    *ws.Hub
	tokens *auth.Issuer
	router http.Handler
	server *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	// Initialize DB for testing
	store, err := sqlstore.New("sqlite3", ":memory:", sqlstore.WithHashCost(bcrypt.MinCost))
	require.NoError(t, err)

	log := zap.NewNop()
	tokens := auth.NewIssuer("test-secret", time.Hour)
	hub := ws.NewHub(session.NewRegistry(), log)

	authHandler := &AuthHandler{Store: store, Tokens: tokens, Log: log}
	chatHandler := &ChatHandler{Store: store, Hub: hub, Tokens: tokens, Log: log}
	chatHandler.Attach(hub)
	go hub.Run()

	router := NewRouter(authHandler, chatHandler, log)
	server := httptest.NewServer(router)

	t.Cleanup(func() {
		server.Close()
		_ = hub.Shutdown(time.Second)
		store.Close()
	})

	return &testEnv{store: store, hub: hub, tokens: tokens, router: router, server: server}
}

func (e *testEnv) post(t *testing.T, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)

	req, err := http.NewRequest("POST", path, bytes.NewBuffer(payload))
	require.NoError(t, err)

	rr := httptest.NewRecorder()
	e.router.ServeHTTP(rr, req)
	return rr
}

// login registers username and returns its user ID and token.
func (e *testEnv) login(t *testing.T, username, password string) (int64, string) {
	t.Helper()
	rr := e.post(t, "/register", Credentials{Username: username, Password: password})
	require.Equal(t, http.StatusCreated, rr.Code)

	rr = e.post(t, "/login", Credentials{Username: username, Password: password})
	require.Equal(t, http.StatusOK, rr.Code)

	var resp LoginResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	return resp.UserID, resp.Token
}

func (e *testEnv) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.server.URL, "http") + "/ws"
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	want := e.hub.ClientCount() + 1
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.Eventually(t, func() bool { return e.hub.ClientCount() == want }, 2*time.Second, 10*time.Millisecond)
	return conn
}

func emit(t *testing.T, conn *websocket.Conn, event string, payload any) {
	t.Helper()
	env := ws.Envelope{Event: event}
	if payload != nil {
		data, err := json.Marshal(payload)
		require.NoError(t, err)
		env.Data = data
	}
	require.NoError(t, conn.WriteJSON(env))
}

func next(t *testing.T, conn *websocket.Conn, v any) string {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var env ws.Envelope
	require.NoError(t, conn.ReadJSON(&env))
	if v != nil {
		require.NoError(t, json.Unmarshal(env.Data, v))
	}
	return env.Event
}

package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/pliu/messenger/internal/auth"
	"github.com/pliu/messenger/internal/middleware"
	"github.com/pliu/messenger/internal/models"
	"github.com/pliu/messenger/internal/session"
	"github.com/pliu/messenger/internal/store"
	"github.com/pliu/messenger/internal/ws"
)

var (
	ErrEmptyMessage   = errors.New("message is required")
	ErrInvalidPayload = errors.New("invalid message payload")
	errInternal       = errors.New(msgInternalError)
)

type SendMessageRequest struct {
	UserID  int64  `json:"user_id"`
	Message string `json:"message"`
}

type AuthenticateRequest struct {
	Token string `json:"token"`
}

type ChatHandler struct {
	Store  store.Store
	Hub    *ws.Hub
	Tokens *auth.Issuer
	Log    *zap.Logger
}

// Attach registers the chat events in the hub's dispatch table.
func (h *ChatHandler) Attach(hub *ws.Hub) {
	hub.Handle(ws.EventSendMessage, h.SendMessage)
	hub.Handle(ws.EventRequestHistory, h.RequestHistory)
	hub.Handle(ws.EventAuthenticate, h.Authenticate)
}

// ServeWs opens the persistent connection. A token, when present, must be
// valid and binds the connection to its user.
func (h *ChatHandler) ServeWs(w http.ResponseWriter, r *http.Request) {
	var userID int64
	if token := auth.TokenFromRequest(r); token != "" {
		id, err := h.Tokens.Verify(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		userID = id
	}
	ws.ServeWs(h.Hub, w, r, userID)
}

func (h *ChatHandler) Authenticate(_ context.Context, c *ws.Client, data json.RawMessage) error {
	var req AuthenticateRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return auth.ErrInvalidToken
	}
	userID, err := h.Tokens.Verify(req.Token)
	if err != nil {
		return err
	}
	h.Hub.Sessions().Bind(c.ID, userID)
	return nil
}

// SendMessage persists the message and only then broadcasts it, so anyone
// who sees the broadcast also finds it in a subsequent history request.
func (h *ChatHandler) SendMessage(ctx context.Context, c *ws.Client, data json.RawMessage) error {
	userID, err := h.Hub.Sessions().Lookup(c.ID)
	if err != nil {
		return err
	}

	var req SendMessageRequest
	if len(data) > 0 {
		if err := json.Unmarshal(data, &req); err != nil {
			return ErrInvalidPayload
		}
	}
	if req.UserID != 0 && req.UserID != userID {
		return session.ErrUnauthorized
	}
	if strings.TrimSpace(req.Message) == "" {
		return ErrEmptyMessage
	}

	msg, err := h.Store.AppendMessage(ctx, userID, req.Message)
	if err != nil {
		h.Log.Error("append message", zap.Int64("user_id", userID), zap.Error(err))
		return errInternal
	}

	if err := h.Hub.Publish(ws.EventReceiveMessage, msg.Wire()); err != nil {
		h.Log.Warn("broadcast message", zap.Int64("message_id", msg.ID), zap.Error(err))
	}
	return nil
}

// RequestHistory replies to the requesting connection only.
func (h *ChatHandler) RequestHistory(ctx context.Context, c *ws.Client, _ json.RawMessage) error {
	messages, err := h.Store.ListMessages(ctx)
	if err != nil {
		h.Log.Error("list messages", zap.Error(err))
		return errInternal
	}
	return c.Send(ws.EventMessageHistory, models.WireHistory(messages))
}

// GetMessages serves the same history over plain HTTP.
func (h *ChatHandler) GetMessages(w http.ResponseWriter, r *http.Request) {
	if _, ok := middleware.UserIDFromContext(r.Context()); !ok {
		writeError(w, http.StatusUnauthorized, session.ErrUnauthorized.Error())
		return
	}

	messages, err := h.Store.ListMessages(r.Context())
	if err != nil {
		h.Log.Error("list messages", zap.Error(err))
		writeError(w, http.StatusInternalServerError, msgInternalError)
		return
	}
	writeJSON(w, http.StatusOK, models.WireHistory(messages))
}

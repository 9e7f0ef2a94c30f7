package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/pliu/messenger/internal/auth"
	"github.com/pliu/messenger/internal/store"
)

const (
	msgMissingFields  = "username and password are required"
	msgInvalidBody    = "invalid request body"
	msgInternalError  = "internal server error"
	msgUserExists     = "user already exists"
	msgBadCredentials = "invalid credentials"
	msgPasswordLong   = "password must be at most 72 bytes"

	maxCredentialsBody = 4096
)

type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	Status string `json:"status"`
	UserID int64  `json:"user_id"`
	Token  string `json:"token"`
}

type AuthHandler struct {
	Store  store.Store
	Tokens *auth.Issuer
	Log    *zap.Logger
}

func decodeCredentials(w http.ResponseWriter, r *http.Request) (Credentials, string) {
	var creds Credentials
	body := http.MaxBytesReader(w, r.Body, maxCredentialsBody)
	if err := json.NewDecoder(body).Decode(&creds); err != nil {
		return creds, msgInvalidBody
	}
	creds.Username = strings.TrimSpace(creds.Username)
	if creds.Username == "" || creds.Password == "" {
		return creds, msgMissingFields
	}
	return creds, ""
}

func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	creds, problem := decodeCredentials(w, r)
	if problem != "" {
		writeError(w, http.StatusBadRequest, problem)
		return
	}

	userID, err := h.Store.CreateUser(r.Context(), creds.Username, creds.Password)
	if errors.Is(err, store.ErrDuplicateUsername) {
		writeError(w, http.StatusBadRequest, msgUserExists)
		return
	}
	if errors.Is(err, store.ErrPasswordTooLong) {
		writeError(w, http.StatusBadRequest, msgPasswordLong)
		return
	}
	if err != nil {
		h.Log.Error("register failed", zap.String("username", creds.Username), zap.Error(err))
		writeError(w, http.StatusInternalServerError, msgInternalError)
		return
	}

	h.Log.Info("user registered", zap.Int64("user_id", userID), zap.String("username", creds.Username))
	writeJSON(w, http.StatusCreated, statusResponse{Status: "success"})
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	creds, problem := decodeCredentials(w, r)
	if problem != "" {
		writeError(w, http.StatusBadRequest, problem)
		return
	}

	userID, err := h.Store.VerifyCredentials(r.Context(), creds.Username, creds.Password)
	if errors.Is(err, store.ErrInvalidCredentials) {
		writeError(w, http.StatusBadRequest, msgBadCredentials)
		return
	}
	if err != nil {
		h.Log.Error("login failed", zap.String("username", creds.Username), zap.Error(err))
		writeError(w, http.StatusInternalServerError, msgInternalError)
		return
	}

	token, err := h.Tokens.Sign(userID)
	if err != nil {
		h.Log.Error("sign token", zap.Int64("user_id", userID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, msgInternalError)
		return
	}

	writeJSON(w, http.StatusOK, LoginResponse{Status: "success", UserID: userID, Token: token})
}

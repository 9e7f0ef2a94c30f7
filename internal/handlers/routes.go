package handlers

import (
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/pliu/messenger/internal/middleware"
)

// NewRouter wires the HTTP endpoints and the WebSocket entry point.
func NewRouter(authHandler *AuthHandler, chatHandler *ChatHandler, log *zap.Logger) *mux.Router {
	r := mux.NewRouter()
	r.Use(middleware.LoggingMiddleware(log.Named("http")))

	requireAuth := middleware.AuthMiddleware(chatHandler.Tokens)

	// API Endpoints
	r.HandleFunc("/register", authHandler.Register).Methods("POST")
	r.HandleFunc("/login", authHandler.Login).Methods("POST")
	r.HandleFunc("/health", Health).Methods("GET")
	r.Handle("/messages", requireAuth(http.HandlerFunc(chatHandler.GetMessages))).Methods("GET")

	// WebSocket Endpoint
	r.HandleFunc("/ws", chatHandler.ServeWs).Methods("GET")

	return r
}

package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"time"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"go.uber.org/zap"

	"github.com/pliu/messenger/internal/auth"
	"github.com/pliu/messenger/internal/config"
	"github.com/pliu/messenger/internal/handlers"
	"github.com/pliu/messenger/internal/logger"
	"github.com/pliu/messenger/internal/session"
	"github.com/pliu/messenger/internal/store/sqlstore"
	"github.com/pliu/messenger/internal/ws"
)

func main() {
	cfg, envFound := config.Load()

	log := logger.New(cfg.Log.File, cfg.Log.IsProduction())
	defer log.Sync()

	if !envFound {
		log.Info("no .env file found, using environment")
	}

	// Initialize Database
	if cfg.Database.Driver == "sqlite3" {
		if err := os.MkdirAll(filepath.Dir(cfg.Database.DSN), 0o755); err != nil {
			log.Fatal("failed to create data directory", zap.Error(err))
		}
	}
	store, err := sqlstore.New(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		log.Fatal("failed to open database", zap.String("driver", cfg.Database.Driver), zap.Error(err))
	}

	// Initialize WebSocket Hub
	hub := ws.NewHub(session.NewRegistry(), log,
		ws.WithAllowedOrigins(cfg.Server.AllowedOrigins),
		ws.WithMaxMessageSize(cfg.Server.MaxMessageSize),
	)

	// Initialize Handlers
	tokens := auth.NewIssuer(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	authHandler := &handlers.AuthHandler{Store: store, Tokens: tokens, Log: log}
	chatHandler := &handlers.ChatHandler{Store: store, Hub: hub, Tokens: tokens, Log: log}
	chatHandler.Attach(hub)
	go hub.Run()

	srv := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           handlers.NewRouter(authHandler, chatHandler, log),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("starting server", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server failed", zap.Error(err))
		}
	}()

	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		cfg.Server.ShutdownTimeout,
		map[string]gfshutdown.Operation{
			// HTTP first, then the hub, then the store, so no handler outlives the database.
			"server": func(ctx context.Context) error {
				log.Info("graceful shutdown initiated")
				if err := srv.Shutdown(ctx); err != nil {
					log.Warn("http shutdown", zap.Error(err))
				}
				if err := hub.Shutdown(cfg.Server.ShutdownTimeout); err != nil {
					log.Warn("hub shutdown", zap.Error(err))
				}
				return store.Close()
			},
		},
	)

	exitCode := <-wait
	log.Info("server exited", zap.Int("code", exitCode))
	_ = log.Sync()
	os.Exit(exitCode)
}

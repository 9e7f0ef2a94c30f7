package store

import (
	"context"
	"errors"

	"github.com/pliu/messenger/internal/models"
)

var (
	ErrDuplicateUsername  = errors.New("user already exists")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUserNotFound       = errors.New("user not found")
	ErrPasswordTooLong    = errors.New("password must be at most 72 bytes")
	// ErrStorage wraps any failure of the underlying database.
	ErrStorage = errors.New("storage failure")
)

type Store interface {
	// User operations
	CreateUser(ctx context.Context, username, password string) (int64, error)
	VerifyCredentials(ctx context.Context, username, password string) (int64, error)
	GetUserByID(ctx context.Context, id int64) (*models.User, error)

	// Message log
	AppendMessage(ctx context.Context, userID int64, text string) (*models.Message, error)
	ListMessages(ctx context.Context) ([]models.Message, error)

	Close() error
}

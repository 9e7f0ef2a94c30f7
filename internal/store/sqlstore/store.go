package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"golang.org/x/crypto/bcrypt"

	"github.com/pliu/messenger/internal/models"
	"github.com/pliu/messenger/internal/store"
)

var _ store.Store = (*SQLStore)(nil)

type SQLStore struct {
	db         *sql.DB
	driverName string
	hashCost   int
	now        func() time.Time

	// writeMu serializes every write so appends never interleave and
	// timestamps stay non-decreasing in insertion order.
	writeMu   sync.Mutex
	lastStamp time.Time
}

type Option func(*SQLStore)

// WithHashCost overrides the bcrypt cost used for new passwords.
func WithHashCost(cost int) Option {
	return func(s *SQLStore) { s.hashCost = cost }
}

// WithClock overrides the time source used to stamp messages.
func WithClock(now func() time.Time) Option {
	return func(s *SQLStore) { s.now = now }
}

func New(driverName, dataSourceName string, opts ...Option) (*SQLStore, error) {
	db, err := sql.Open(driverName, dataSourceName)
	if err != nil {
		return nil, err
	}
	if driverName == "sqlite3" {
		// In-memory databases live per connection; one connection also
		// keeps SQLite to a single writer.
		db.SetMaxOpenConns(1)
	}
	if err = db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	s := &SQLStore{
		db:         db,
		driverName: driverName,
		hashCost:   bcrypt.DefaultCost,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	if err := s.loadLastStamp(); err != nil {
		db.Close()
		return nil, fmt.Errorf("load last timestamp: %w", err)
	}
	return s, nil
}

func (s *SQLStore) createTables() error {
	query := `
	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT UNIQUE NOT NULL,
		password TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL,
		message TEXT NOT NULL,
		timestamp DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`

	if s.driverName == "postgres" {
		query = strings.ReplaceAll(query, "INTEGER PRIMARY KEY AUTOINCREMENT", "SERIAL PRIMARY KEY")
		query = strings.ReplaceAll(query, "DATETIME", "TIMESTAMP")
	}

	_, err := s.db.Exec(query)
	return err
}

// loadLastStamp picks up the newest stored timestamp so a clock that stepped
// back across a restart cannot order new messages before old ones.
func (s *SQLStore) loadLastStamp() error {
	var last time.Time
	query := "SELECT timestamp FROM messages ORDER BY timestamp DESC, id DESC LIMIT 1"
	err := s.db.QueryRow(query).Scan(&last)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return err
	}
	s.lastStamp = last.UTC()
	return nil
}

// Helper to handle placeholders
func (s *SQLStore) rebind(query string) string {
	if s.driverName == "postgres" {
		n := strings.Count(query, "?")
		for i := 1; i <= n; i++ {
			query = strings.Replace(query, "?", fmt.Sprintf("$%d", i), 1)
		}
	}
	return query
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) CreateUser(ctx context.Context, username, password string) (int64, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.hashCost)
	if errors.Is(err, bcrypt.ErrPasswordTooLong) {
		return 0, store.ErrPasswordTooLong
	}
	if err != nil {
		return 0, fmt.Errorf("hash password: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var id int64
	query := s.rebind("INSERT INTO users (username, password) VALUES (?, ?) RETURNING id")
	err = s.db.QueryRowContext(ctx, query, username, string(hash)).Scan(&id)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, store.ErrDuplicateUsername
		}
		return 0, storageErr("create user", err)
	}
	return id, nil
}

func (s *SQLStore) VerifyCredentials(ctx context.Context, username, password string) (int64, error) {
	var (
		id   int64
		hash string
	)
	query := s.rebind("SELECT id, password FROM users WHERE username = ?")
	err := s.db.QueryRowContext(ctx, query, username).Scan(&id, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, store.ErrInvalidCredentials
	}
	if err != nil {
		return 0, storageErr("verify credentials", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return 0, store.ErrInvalidCredentials
	}
	return id, nil
}

func (s *SQLStore) GetUserByID(ctx context.Context, id int64) (*models.User, error) {
	var user models.User
	query := s.rebind("SELECT id, username, password FROM users WHERE id = ?")
	err := s.db.QueryRowContext(ctx, query, id).Scan(&user.ID, &user.Username, &user.Password)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrUserNotFound
	}
	if err != nil {
		return nil, storageErr("get user", err)
	}
	return &user, nil
}

// AppendMessage inserts a message and resolves its author's username in the
// same transaction. A missing author is reported as models.UnknownUsername.
func (s *SQLStore) AppendMessage(ctx context.Context, userID int64, text string) (*models.Message, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	createdAt := s.nextTimestamp()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storageErr("begin append", err)
	}
	defer tx.Rollback()

	msg := &models.Message{UserID: userID, Text: text, CreatedAt: createdAt}

	query := s.rebind("INSERT INTO messages (user_id, message, timestamp) VALUES (?, ?, ?) RETURNING id")
	if err := tx.QueryRowContext(ctx, query, userID, text, createdAt).Scan(&msg.ID); err != nil {
		return nil, storageErr("insert message", err)
	}

	query = s.rebind("SELECT username FROM users WHERE id = ?")
	err = tx.QueryRowContext(ctx, query, userID).Scan(&msg.Username)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		msg.Username = models.UnknownUsername
	case err != nil:
		return nil, storageErr("resolve author", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, storageErr("commit append", err)
	}
	return msg, nil
}

func (s *SQLStore) ListMessages(ctx context.Context) ([]models.Message, error) {
	query := s.rebind(`
		SELECT m.id, m.user_id, COALESCE(u.username, ?), m.message, m.timestamp
		FROM messages m
		LEFT JOIN users u ON m.user_id = u.id
		ORDER BY m.timestamp ASC, m.id ASC
	`)
	rows, err := s.db.QueryContext(ctx, query, models.UnknownUsername)
	if err != nil {
		return nil, storageErr("list messages", err)
	}
	defer rows.Close()

	messages := make([]models.Message, 0)
	for rows.Next() {
		var m models.Message
		if err := rows.Scan(&m.ID, &m.UserID, &m.Username, &m.Text, &m.CreatedAt); err != nil {
			return nil, storageErr("scan message", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list messages", err)
	}
	return messages, nil
}

// nextTimestamp must be called with writeMu held.
func (s *SQLStore) nextTimestamp() time.Time {
	t := s.now().UTC().Truncate(time.Second)
	if t.Before(s.lastStamp) {
		t = s.lastStamp
	}
	s.lastStamp = t
	return t
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", store.ErrStorage, op, err)
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

package sqlstore

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

var testStore *SQLStore

func SetupTestDB(t *testing.T, opts ...Option) {
	t.Helper()
	var err error
	opts = append([]Option{WithHashCost(bcrypt.MinCost)}, opts...)
	testStore, err = New("sqlite3", ":memory:", opts...)
	require.NoError(t, err, "Failed to open test database")
}

func TeardownTestDB() {
	testStore.Close()
}

func TestRebind(t *testing.T) {
	s := &SQLStore{driverName: "postgres"}
	require.Equal(t, "SELECT $1, $2", s.rebind("SELECT ?, ?"))

	s = &SQLStore{driverName: "sqlite3"}
	require.Equal(t, "SELECT ?, ?", s.rebind("SELECT ?, ?"))
}

func TestNewRejectsUnknownDriver(t *testing.T) {
	_, err := New("nosuchdriver", "")
	require.Error(t, err)
}

func TestMessagesAllowMissingAuthor(t *testing.T) {
	SetupTestDB(t)
	defer TeardownTestDB()

	var schema string
	err := testStore.db.QueryRow("SELECT sql FROM sqlite_master WHERE type = 'table' AND name = 'messages'").Scan(&schema)
	require.NoError(t, err)
	require.NotContains(t, schema, "REFERENCES")
}

package sqlstore

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/pliu/messenger/internal/models"
)

func TestListMessagesEmpty(t *testing.T) {
	SetupTestDB(t)
	defer TeardownTestDB()

	messages, err := testStore.ListMessages(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, messages)
	assert.Empty(t, messages)
}

func TestAppendMessage(t *testing.T) {
	SetupTestDB(t)
	defer TeardownTestDB()
	ctx := context.Background()

	userID, err := testStore.CreateUser(ctx, "alice", "pw1")
	require.NoError(t, err)

	msg, err := testStore.AppendMessage(ctx, userID, "hi")
	require.NoError(t, err)
	assert.NotZero(t, msg.ID)
	assert.Equal(t, "alice", msg.Username)
	assert.Equal(t, "hi", msg.Text)
	assert.False(t, msg.CreatedAt.IsZero())

	messages, err := testStore.ListMessages(ctx)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, msg.ID, messages[0].ID)
	assert.Equal(t, "alice", messages[0].Username)
	assert.Equal(t, "hi", messages[0].Text)
	assert.True(t, msg.CreatedAt.Equal(messages[0].CreatedAt))
}

func TestAppendMessageUnknownAuthor(t *testing.T) {
	SetupTestDB(t)
	defer TeardownTestDB()
	ctx := context.Background()

	msg, err := testStore.AppendMessage(ctx, 99, "ghost")
	require.NoError(t, err)
	assert.Equal(t, models.UnknownUsername, msg.Username)

	messages, err := testStore.ListMessages(ctx)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, models.UnknownUsername, messages[0].Username)
}

func TestListMessagesOrdered(t *testing.T) {
	// Clock runs backwards; stored timestamps must still be non-decreasing.
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	tick := 0
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		tick++
		return base.Add(time.Duration(-tick) * time.Second)
	}

	SetupTestDB(t, WithClock(clock))
	defer TeardownTestDB()
	ctx := context.Background()

	userID, err := testStore.CreateUser(ctx, "alice", "pw1")
	require.NoError(t, err)

	const n = 5
	for i := 0; i < n; i++ {
		_, err := testStore.AppendMessage(ctx, userID, fmt.Sprintf("msg %d", i))
		require.NoError(t, err)
	}

	messages, err := testStore.ListMessages(ctx)
	require.NoError(t, err)
	require.Len(t, messages, n)
	for i, m := range messages {
		assert.Equal(t, fmt.Sprintf("msg %d", i), m.Text)
		if i > 0 {
			assert.False(t, m.CreatedAt.Before(messages[i-1].CreatedAt))
		}
	}
}

func TestAppendMessageConcurrent(t *testing.T) {
	SetupTestDB(t)
	defer TeardownTestDB()
	ctx := context.Background()

	userID, err := testStore.CreateUser(ctx, "alice", "pw1")
	require.NoError(t, err)

	const writers, perWriter = 8, 10
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				_, err := testStore.AppendMessage(ctx, userID, fmt.Sprintf("%d-%d", w, i))
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()

	messages, err := testStore.ListMessages(ctx)
	require.NoError(t, err)
	require.Len(t, messages, writers*perWriter)

	seen := make(map[int64]bool)
	for i, m := range messages {
		assert.False(t, seen[m.ID], "duplicate id %d", m.ID)
		seen[m.ID] = true
		if i > 0 {
			assert.Greater(t, m.ID, messages[i-1].ID)
		}
	}
}

func TestWireTimestampFormat(t *testing.T) {
	m := models.Message{Username: "alice", Text: "hi", CreatedAt: time.Date(2024, 5, 1, 12, 30, 45, 0, time.Local)}
	wire := m.Wire()
	assert.Equal(t, "2024-05-01 12:30:45", wire.Timestamp)
	assert.Equal(t, "alice", wire.Username)
	assert.Equal(t, "hi", wire.Message)
}

func TestTimestampsSurviveClockStepAcrossRestart(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "messages.db")
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()

	first, err := New("sqlite3", dsn, WithHashCost(bcrypt.MinCost), WithClock(func() time.Time { return base }))
	require.NoError(t, err)
	userID, err := first.CreateUser(ctx, "alice", "pw1")
	require.NoError(t, err)
	_, err = first.AppendMessage(ctx, userID, "before restart")
	require.NoError(t, err)
	require.NoError(t, first.Close())

	// The clock is an hour behind after the restart.
	second, err := New("sqlite3", dsn, WithClock(func() time.Time { return base.Add(-time.Hour) }))
	require.NoError(t, err)
	defer second.Close()

	msg, err := second.AppendMessage(ctx, userID, "after restart")
	require.NoError(t, err)
	assert.False(t, msg.CreatedAt.Before(base))

	messages, err := second.ListMessages(ctx)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "before restart", messages[0].Text)
	assert.Equal(t, "after restart", messages[1].Text)
}

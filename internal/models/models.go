package models

import "time"

// TimestampLayout is the wire format of message timestamps (server local time).
const TimestampLayout = "2006-01-02 15:04:05"

// UnknownUsername is rendered for messages whose author no longer resolves.
const UnknownUsername = "Unknown"

type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Password string `json:"-"`
}

type Message struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"user_id"`
	Username  string    `json:"username"`
	Text      string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// ChatMessage is the shape clients see for both broadcasts and history.
type ChatMessage struct {
	Username  string `json:"username"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

func (m Message) Wire() ChatMessage {
	return ChatMessage{
		Username:  m.Username,
		Message:   m.Text,
		Timestamp: m.CreatedAt.In(time.Local).Format(TimestampLayout),
	}
}

// WireHistory converts an ordered message log; it never returns nil so an
// empty history encodes as [].
func WireHistory(messages []Message) []ChatMessage {
	out := make([]ChatMessage, 0, len(messages))
	for _, m := range messages {
		out = append(out, m.Wire())
	}
	return out
}

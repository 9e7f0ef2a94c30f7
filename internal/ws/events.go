package ws

import (
	"context"
	"encoding/json"
)

// Event names carried in the envelope, client to server.
const (
	EventSendMessage    = "send_message"
	EventRequestHistory = "request_history"
	EventAuthenticate   = "authenticate"
)

// Event names carried in the envelope, server to client.
const (
	EventReceiveMessage = "receive_message"
	EventMessageHistory = "message_history"
	EventError          = "error"
)

// Envelope is the frame exchanged in both directions over the socket.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

// EventHandlerFunc handles one inbound event. A returned error is reported
// to the originating connection as an "error" event.
type EventHandlerFunc func(ctx context.Context, c *Client, data json.RawMessage) error

func encode(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: event, Data: data})
}
